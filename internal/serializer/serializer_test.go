package serializer

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pu-ac-cn/uac-sso/internal/catalog"
	"github.com/pu-ac-cn/uac-sso/internal/expiration"
	"github.com/pu-ac-cn/uac-sso/internal/model"
)

var (
	now = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	policyComparer = cmp.Comparer(func(a, b expiration.Policy) bool {
		if a == nil || b == nil {
			return a == nil && b == nil
		}
		return cmp.Equal(a.Definition(), b.Definition())
	})
)

func newSerializer(t *testing.T) *Serializer {
	t.Helper()
	c, err := catalog.Default(nil)
	require.NoError(t, err)
	return New(c)
}

func sampleTickets() []model.Ticket {
	auth := &model.Authentication{
		Principal:          model.Principal{ID: "alice", Attributes: map[string][]string{"department": {"eng"}}},
		Attributes:         map[string][]string{"authenticationMethod": {"password"}},
		AuthenticationDate: now,
	}
	tgt := model.NewTicketGrantingTicket("TGT-1", auth, expiration.TicketGranting(8*time.Hour, 2*time.Hour), now)
	st := tgt.GrantServiceTicket("ST-1", model.Service{ID: "https://app.example.org"}, expiration.MultiTimeUseOrTimeout(1, 10*time.Second), now, false)
	pgt, _ := st.GrantProxyGrantingTicket("PGT-1", "PGTIOU-1", auth, expiration.HardTimeout(time.Hour), now)
	tgt.AddProxyGrantingTicket(pgt.ID, pgt.ProxiedBy)
	pt := pgt.GrantProxyTicket("PT-1", model.Service{ID: "https://backend.example.org"}, expiration.MultiTimeUseOrTimeout(2, time.Minute), now, false)
	code := tgt.GrantOAuthCode("OC-1", "client-1", "https://client.example.org/cb", []string{"openid", "profile"}, expiration.MultiTimeUseOrTimeout(1, 30*time.Second), now)
	at := tgt.GrantAccessToken("AT-1", code, expiration.NeverExpires(), now)
	tgt.MarkExpired()
	return []model.Ticket{tgt, st, pgt, pt, code, at}
}

func TestRoundTrip(t *testing.T) {
	s := newSerializer(t)

	for _, ticket := range sampleTickets() {
		t.Run(ticket.GetType(), func(t *testing.T) {
			typeName, data, err := s.Serialize(ticket)
			require.NoError(t, err)
			assert.Equal(t, ticket.GetType(), typeName)

			restored, err := s.Deserialize(typeName, data)
			require.NoError(t, err)
			if diff := cmp.Diff(ticket, restored, policyComparer); diff != "" {
				t.Errorf("往返后票据不一致 (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRoundTrip_ParentByID(t *testing.T) {
	s := newSerializer(t)
	tickets := sampleTickets()

	_, data, err := s.Serialize(tickets[2])
	require.NoError(t, err)
	restored, err := s.Deserialize(model.TypeProxyGrantingTicket, data)
	require.NoError(t, err)

	pgt := restored.(*model.ProxyGrantingTicket)
	assert.Equal(t, "TGT-1", pgt.GetGrantingTicketID())
	assert.Equal(t, "https://app.example.org", pgt.ProxiedBy.ID)
}

func TestDeserialize_UnknownType(t *testing.T) {
	s := newSerializer(t)

	_, err := s.Deserialize("SamlArtifact", []byte(`{"ticket":{}}`))
	assert.ErrorIs(t, err, ErrUnknownTicketType)
}

func TestDeserialize_Malformed(t *testing.T) {
	s := newSerializer(t)

	_, err := s.Deserialize(model.TypeServiceTicket, []byte(`not json`))
	assert.ErrorIs(t, err, ErrMalformedPayload)

	_, err = s.Deserialize(model.TypeServiceTicket, []byte(`{"policy":{"kind":"never"}}`))
	assert.ErrorIs(t, err, ErrMalformedPayload)

	_, err = s.Deserialize(model.TypeServiceTicket, []byte(`{"policy":{"kind":"bogus"},"ticket":{"id":"ST-1"}}`))
	assert.ErrorIs(t, err, ErrMalformedPayload)
}

func TestDeserialize_DefaultPolicy(t *testing.T) {
	s := newSerializer(t)

	restored, err := s.Deserialize(model.TypeServiceTicket, []byte(`{"ticket":{"id":"ST-1"}}`))
	require.NoError(t, err)
	assert.Equal(t, 1, expiration.UsageLimit(restored.GetExpirationPolicy()))
}
