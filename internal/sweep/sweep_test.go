package sweep

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/pu-ac-cn/uac-sso/internal/catalog"
	"github.com/pu-ac-cn/uac-sso/internal/cipher"
	"github.com/pu-ac-cn/uac-sso/internal/expiration"
	"github.com/pu-ac-cn/uac-sso/internal/metrics"
	"github.com/pu-ac-cn/uac-sso/internal/model"
	"github.com/pu-ac-cn/uac-sso/internal/registry"
	"github.com/pu-ac-cn/uac-sso/internal/repository"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newRegistry(t *testing.T) (*registry.Registry, *clock) {
	t.Helper()
	c, err := catalog.Default(nil)
	require.NoError(t, err)
	clk := &clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	reg := registry.New(repository.NewMemoryTicketRepository(), c, cipher.Noop(), zaptest.NewLogger(t), registry.Config{}, registry.WithClock(clk.Now))
	return reg, clk
}

func addTGT(t *testing.T, reg *registry.Registry, id string, policy expiration.Policy) *model.TicketGrantingTicket {
	t.Helper()
	auth := &model.Authentication{Principal: model.Principal{ID: "alice"}}
	tgt := model.NewTicketGrantingTicket(id, auth, policy, reg.Now())
	require.NoError(t, reg.Add(context.Background(), tgt))
	return tgt
}

func TestCleaner_RunOnce(t *testing.T) {
	reg, clk := newRegistry(t)
	ctx := context.Background()

	addTGT(t, reg, "TGT-short", expiration.HardTimeout(time.Minute))
	addTGT(t, reg, "TGT-long", expiration.HardTimeout(time.Hour))
	addTGT(t, reg, "TGT-never", expiration.NeverExpires())

	m := metrics.New(prometheus.NewRegistry())
	cleaner := NewCleaner(reg, Config{Interval: time.Second}, zaptest.NewLogger(t), m)

	removed, err := cleaner.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, removed)

	clk.Advance(2 * time.Minute)
	removed, err = cleaner.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	tickets, err := reg.GetTickets(ctx)
	require.NoError(t, err)
	assert.Len(t, tickets, 2)
}

func TestCleaner_ReapsOrphans(t *testing.T) {
	reg, clk := newRegistry(t)
	ctx := context.Background()

	tgt := addTGT(t, reg, "TGT-1", expiration.HardTimeout(time.Minute))
	st := tgt.GrantServiceTicket("ST-1", model.Service{ID: "https://app.example.org"}, expiration.NeverExpires(), reg.Now(), false)
	require.NoError(t, reg.Add(ctx, st))

	clk.Advance(2 * time.Minute)
	removed, err := NewCleaner(reg, Config{}, nil, nil).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
}

// renewingRegistry 在扫描与复核之间续期票据
type renewingRegistry struct {
	*registry.Registry
	renew func()
}

func (r *renewingRegistry) IsAlive(ctx context.Context, t model.Ticket) bool {
	alive := r.Registry.IsAlive(ctx, t)
	if !alive {
		r.renew()
	}
	return alive
}

func TestCleaner_PreservesRenewedTicket(t *testing.T) {
	reg, clk := newRegistry(t)
	ctx := context.Background()

	addTGT(t, reg, "TGT-1", expiration.Timeout(time.Minute))
	clk.Advance(2 * time.Minute)

	renewed := false
	wrapped := &renewingRegistry{Registry: reg}
	wrapped.renew = func() {
		if renewed {
			return
		}
		renewed = true
		// 扫描判定过期后，票据被重新使用（以 IgnoreExpiry 读取后续期写回）
		tk, err := reg.Get(ctx, "TGT-1", registry.IgnoreExpiry)
		require.NoError(t, err)
		tk.Update(reg.Now())
		_, err = reg.Update(ctx, tk)
		require.NoError(t, err)
	}

	removed, err := NewCleaner(wrapped, Config{}, nil, nil).RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, removed)

	_, err = reg.Get(ctx, "TGT-1", nil)
	assert.NoError(t, err)
}

func TestCleaner_RunStopsOnCancel(t *testing.T) {
	reg, _ := newRegistry(t)
	cleaner := NewCleaner(reg, Config{Interval: 10 * time.Millisecond}, zaptest.NewLogger(t), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		cleaner.Run(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("清理任务未在取消后退出")
	}
}
