package model

import (
	"testing"
	"time"

	"github.com/pu-ac-cn/uac-sso/internal/expiration"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newAuth(principal string) *Authentication {
	return &Authentication{
		Principal:          Principal{ID: principal, Attributes: map[string][]string{"department": {"eng"}}},
		Attributes:         map[string][]string{"authenticationMethod": {"password"}},
		AuthenticationDate: now,
	}
}

func TestTicketGrantingTicket_GrantServiceTicket(t *testing.T) {
	tgt := NewTicketGrantingTicket("TGT-1", newAuth("alice"), expiration.TicketGranting(8*time.Hour, 2*time.Hour), now)
	svc := Service{ID: "https://app.example.org"}

	st1 := tgt.GrantServiceTicket("ST-1", svc, expiration.MultiTimeUseOrTimeout(1, 10*time.Second), now, false)
	st2 := tgt.GrantServiceTicket("ST-2", svc, expiration.MultiTimeUseOrTimeout(1, 10*time.Second), now.Add(time.Second), false)

	assert.Equal(t, 2, tgt.CountOfUses)
	assert.True(t, st1.FromNewLogin)
	assert.False(t, st2.FromNewLogin)
	assert.Equal(t, "TGT-1", st1.GetGrantingTicketID())
	assert.Len(t, tgt.Services, 2)
	assert.Equal(t, now.Add(time.Second), tgt.LastUsedAt)
	assert.Equal(t, now, tgt.PreviousLastUsedAt)
}

func TestTicketGrantingTicket_OnlyTrackMostRecent(t *testing.T) {
	tgt := NewTicketGrantingTicket("TGT-1", newAuth("alice"), expiration.NeverExpires(), now)
	svc := Service{ID: "https://app.example.org"}
	other := Service{ID: "https://other.example.org"}

	tgt.GrantServiceTicket("ST-1", svc, expiration.NeverExpires(), now, true)
	tgt.GrantServiceTicket("ST-2", other, expiration.NeverExpires(), now, true)
	tgt.GrantServiceTicket("ST-3", svc, expiration.NeverExpires(), now, true)

	assert.Equal(t, map[string]Service{"ST-2": other, "ST-3": svc}, tgt.Services)
}

func TestServiceTicket_GrantProxyGrantingTicketOnce(t *testing.T) {
	tgt := NewTicketGrantingTicket("TGT-1", newAuth("alice"), expiration.NeverExpires(), now)
	st := tgt.GrantServiceTicket("ST-1", Service{ID: "https://proxy.example.org"}, expiration.NeverExpires(), now, false)

	pgt, err := st.GrantProxyGrantingTicket("PGT-1", "PGTIOU-1", newAuth("https://proxy.example.org/cb"), expiration.NeverExpires(), now)
	require.NoError(t, err)
	assert.Equal(t, TypeProxyGrantingTicket, pgt.GetType())
	assert.Equal(t, "TGT-1", pgt.GetGrantingTicketID())
	assert.False(t, pgt.IsRoot())
	assert.Equal(t, "https://proxy.example.org", pgt.ProxiedBy.ID)

	_, err = st.GrantProxyGrantingTicket("PGT-2", "PGTIOU-2", newAuth("x"), expiration.NeverExpires(), now)
	assert.ErrorIs(t, err, ErrProxyGrantingTicketGranted)
}

func TestProxyGrantingTicket_GrantProxyTicket(t *testing.T) {
	pgt := &ProxyGrantingTicket{TicketGrantingTicket: *NewTicketGrantingTicket("PGT-1", newAuth("cb"), expiration.NeverExpires(), now)}
	pgt.ParentTicketID = "TGT-1"

	pt := pgt.GrantProxyTicket("PT-1", Service{ID: "https://backend.example.org"}, expiration.NeverExpires(), now, false)
	assert.Equal(t, TypeProxyTicket, pt.GetType())
	assert.False(t, pt.FromNewLogin)
	assert.Equal(t, "PGT-1", pt.GetGrantingTicketID())
	assert.Contains(t, pgt.Services, "PT-1")
}

func TestTicketBase_MarkExpired(t *testing.T) {
	tgt := NewTicketGrantingTicket("TGT-1", newAuth("alice"), expiration.NeverExpires(), now)
	assert.False(t, tgt.IsExpiredAt(now))
	tgt.MarkExpired()
	assert.True(t, tgt.IsExpiredAt(now))
}

func TestTicketGrantingTicket_ChildTicketIDs(t *testing.T) {
	tgt := NewTicketGrantingTicket("TGT-1", newAuth("alice"), expiration.NeverExpires(), now)
	tgt.GrantServiceTicket("ST-2", Service{ID: "a"}, expiration.NeverExpires(), now, false)
	tgt.GrantServiceTicket("ST-1", Service{ID: "b"}, expiration.NeverExpires(), now, false)
	tgt.AddProxyGrantingTicket("PGT-1", Service{ID: "a"})
	code := tgt.GrantOAuthCode("OC-1", "client", "https://cb", []string{"openid"}, expiration.NeverExpires(), now)
	tgt.AddDescendant(code.ID)

	assert.Equal(t, []string{"PGT-1", "ST-1", "ST-2", "OC-1"}, tgt.ChildTicketIDs())

	tgt.RemoveChild("ST-1")
	tgt.RemoveChild("OC-1")
	assert.Equal(t, []string{"PGT-1", "ST-2"}, tgt.ChildTicketIDs())
}

func TestAuthentication_MatchesAttributes(t *testing.T) {
	auth := newAuth("alice")

	assert.True(t, auth.MatchesAttributes(map[string][]string{"department": {"eng", "ops"}}))
	assert.True(t, auth.MatchesAttributes(map[string][]string{"department": {"ops", "eng"}, "authenticationMethod": {"password"}}))
	assert.False(t, auth.MatchesAttributes(map[string][]string{"department": {"ops"}}))
	assert.False(t, auth.MatchesAttributes(map[string][]string{"title": {"eng"}}))
}

func TestTicketRecord_MatchesAttributes(t *testing.T) {
	rec := &TicketRecord{Attributes: []AttributeIndex{
		{Name: "department", Value: "d-eng"},
		{Name: "role", Value: "d-admin"},
	}}
	assert.True(t, rec.MatchesAttributes(map[string][]string{"department": {"d-ops", "d-eng"}}))
	assert.True(t, rec.MatchesAttributes(map[string][]string{"department": {"d-eng"}, "role": {"d-admin"}}))
	assert.False(t, rec.MatchesAttributes(map[string][]string{"department": {"d-eng"}, "role": {"d-user"}}))
}

func TestTicketGrantingTicket_UndoGrant(t *testing.T) {
	tgt := NewTicketGrantingTicket("TGT-1", newAuth("alice"), expiration.NeverExpires(), now)
	svc := Service{ID: "https://app.example.org"}

	tgt.GrantServiceTicket("ST-1", svc, expiration.NeverExpires(), now, false)
	tgt.GrantOAuthCode("OC-1", "client", "https://app.example.org/cb", nil, expiration.NeverExpires(), now)
	require.Equal(t, 2, tgt.CountOfUses)

	assert.True(t, tgt.UndoGrant("ST-1"))
	assert.Empty(t, tgt.Services)
	assert.Equal(t, 1, tgt.CountOfUses)

	assert.True(t, tgt.UndoGrant("OC-1"))
	assert.Empty(t, tgt.DescendantTickets)
	assert.Zero(t, tgt.CountOfUses)

	// 重复撤销不再回退计数
	assert.False(t, tgt.UndoGrant("ST-1"))
	assert.Zero(t, tgt.CountOfUses)
}

func TestServiceTicket_ReleaseProxyGrantingTicket(t *testing.T) {
	st := &ServiceTicket{TicketBase: newTicketBase("ST-1", expiration.NeverExpires(), now), TicketGrantingTicketID: "TGT-1"}

	_, err := st.GrantProxyGrantingTicket("PGT-1", "PGTIOU-1", newAuth("https://proxy"), expiration.NeverExpires(), now)
	require.NoError(t, err)
	st.ReleaseProxyGrantingTicket()

	_, err = st.GrantProxyGrantingTicket("PGT-2", "PGTIOU-2", newAuth("https://proxy"), expiration.NeverExpires(), now)
	assert.NoError(t, err)
}
