package expiration

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeState struct {
	created  time.Time
	lastUsed time.Time
	uses     int
}

func (s fakeState) GetCreationTime() time.Time { return s.created }
func (s fakeState) GetLastTimeUsed() time.Time { return s.lastUsed }
func (s fakeState) GetCountOfUses() int        { return s.uses }

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestNeverExpires(t *testing.T) {
	p := NeverExpires()
	state := fakeState{created: epoch, lastUsed: epoch, uses: 1000}

	assert.False(t, p.IsExpired(state, epoch.Add(100*365*24*time.Hour)))
	assert.Equal(t, Infinite, p.TimeToLive(state, epoch))
}

func TestMultiTimeUseOrTimeout(t *testing.T) {
	p := MultiTimeUseOrTimeout(1, 10*time.Second)

	fresh := fakeState{created: epoch, lastUsed: epoch}
	assert.False(t, p.IsExpired(fresh, epoch.Add(5*time.Second)))
	assert.Equal(t, 5*time.Second, p.TimeToLive(fresh, epoch.Add(5*time.Second)))

	// 超时
	assert.True(t, p.IsExpired(fresh, epoch.Add(10*time.Second)))

	// 使用次数耗尽
	used := fakeState{created: epoch, lastUsed: epoch, uses: 1}
	assert.True(t, p.IsExpired(used, epoch))
	assert.Equal(t, time.Duration(0), p.TimeToLive(used, epoch))
}

func TestHardTimeout(t *testing.T) {
	p := HardTimeout(time.Hour)
	state := fakeState{created: epoch, lastUsed: epoch.Add(59 * time.Minute), uses: 50}

	assert.False(t, p.IsExpired(state, epoch.Add(59*time.Minute)))
	assert.True(t, p.IsExpired(state, epoch.Add(time.Hour)))
}

func TestHardTimeout_ZeroExpiresAtCreation(t *testing.T) {
	p := HardTimeout(0)
	state := fakeState{created: epoch, lastUsed: epoch}

	assert.True(t, p.IsExpired(state, epoch))
	assert.Equal(t, time.Duration(0), p.TimeToLive(state, epoch))
}

func TestTimeout_SlidingWindow(t *testing.T) {
	p := Timeout(30 * time.Minute)

	state := fakeState{created: epoch, lastUsed: epoch.Add(2 * time.Hour)}
	// 绝对年龄无关，只看最后使用时间
	assert.False(t, p.IsExpired(state, epoch.Add(2*time.Hour+29*time.Minute)))
	assert.True(t, p.IsExpired(state, epoch.Add(2*time.Hour+30*time.Minute)))
}

func TestTicketGranting_Composite(t *testing.T) {
	p := TicketGranting(8*time.Hour, 2*time.Hour)

	// 持续使用，空闲未超时，但触及硬上限
	state := fakeState{created: epoch, lastUsed: epoch.Add(7*time.Hour + 30*time.Minute)}
	assert.False(t, p.IsExpired(state, epoch.Add(7*time.Hour+45*time.Minute)))
	assert.True(t, p.IsExpired(state, epoch.Add(8*time.Hour)))

	// 空闲超时先于硬上限
	idle := fakeState{created: epoch, lastUsed: epoch}
	assert.True(t, p.IsExpired(idle, epoch.Add(2*time.Hour)))
	assert.Equal(t, 2*time.Hour, p.TimeToLive(idle, epoch))
}

func TestAll_TimeToLiveIgnoresInfinite(t *testing.T) {
	p := All(NeverExpires(), HardTimeout(time.Minute))
	state := fakeState{created: epoch, lastUsed: epoch}
	assert.Equal(t, time.Minute, p.TimeToLive(state, epoch))

	assert.Equal(t, Infinite, All(NeverExpires()).TimeToLive(state, epoch))
}

func TestFromDefinition_RoundTrip(t *testing.T) {
	policies := []Policy{
		NeverExpires(),
		MultiTimeUseOrTimeout(3, 10*time.Second),
		HardTimeout(time.Hour),
		Timeout(15 * time.Minute),
		TicketGranting(8*time.Hour, 2*time.Hour),
	}
	for _, p := range policies {
		restored, err := FromDefinition(p.Definition())
		require.NoError(t, err)
		assert.Equal(t, p, restored)
	}
}

func TestFromDefinition_TicketGrantingShorthand(t *testing.T) {
	p, err := FromDefinition(Definition{Kind: KindTicketGranting, TimeToLive: 8 * time.Hour, TimeToIdle: 2 * time.Hour})
	require.NoError(t, err)
	assert.Equal(t, TicketGranting(8*time.Hour, 2*time.Hour), p)
	assert.Equal(t, KindAll, p.Definition().Kind)
}

func TestFromDefinition_Invalid(t *testing.T) {
	_, err := FromDefinition(Definition{Kind: "bogus"})
	assert.ErrorIs(t, err, ErrUnknownPolicy)

	_, err = FromDefinition(Definition{Kind: KindMultiUse})
	assert.ErrorIs(t, err, ErrUnknownPolicy)

	_, err = FromDefinition(Definition{Kind: KindAll})
	assert.ErrorIs(t, err, ErrUnknownPolicy)
}

func TestUsageLimit(t *testing.T) {
	assert.Equal(t, 1, UsageLimit(MultiTimeUseOrTimeout(1, time.Second)))
	assert.Equal(t, 2, UsageLimit(All(HardTimeout(time.Hour), MultiTimeUseOrTimeout(5, time.Second), MultiTimeUseOrTimeout(2, time.Second))))
	assert.Equal(t, 0, UsageLimit(TicketGranting(time.Hour, time.Minute)))
}

// Property: 过期单调性
// *For any* 策略与固定票据状态，一旦在某时刻过期，之后任意时刻都保持过期
func TestProperty_ExpiryMonotonic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("过期后不会因时间推移而恢复", prop.ForAll(
		func(kind int, secs int64, idleOffset int64, uses int, first int64, later int64) bool {
			p := buildPolicy(kind, time.Duration(secs)*time.Second)
			state := fakeState{
				created:  epoch,
				lastUsed: epoch.Add(time.Duration(idleOffset) * time.Second),
				uses:     uses,
			}
			t1 := epoch.Add(time.Duration(first) * time.Second)
			t2 := t1.Add(time.Duration(later) * time.Second)
			if p.IsExpired(state, t1) {
				return p.IsExpired(state, t2)
			}
			return true
		},
		gen.IntRange(0, 4),
		gen.Int64Range(0, 3600),
		gen.Int64Range(0, 3600),
		gen.IntRange(0, 3),
		gen.Int64Range(0, 7200),
		gen.Int64Range(0, 7200),
	))

	properties.TestingRun(t)
}

func buildPolicy(kind int, d time.Duration) Policy {
	switch kind {
	case 0:
		return NeverExpires()
	case 1:
		return MultiTimeUseOrTimeout(1+int(d/time.Second)%3, d)
	case 2:
		return HardTimeout(d)
	case 3:
		return Timeout(d)
	default:
		return TicketGranting(d, d/2)
	}
}
