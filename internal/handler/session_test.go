package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/pu-ac-cn/uac-sso/internal/catalog"
	"github.com/pu-ac-cn/uac-sso/internal/cipher"
	"github.com/pu-ac-cn/uac-sso/internal/idgen"
	"github.com/pu-ac-cn/uac-sso/internal/middleware"
	"github.com/pu-ac-cn/uac-sso/internal/model"
	"github.com/pu-ac-cn/uac-sso/internal/registry"
	"github.com/pu-ac-cn/uac-sso/internal/repository"
	"github.com/pu-ac-cn/uac-sso/internal/service"
	"github.com/pu-ac-cn/uac-sso/pkg/response"
)

const testSecret = "handler-test-secret"

func setupSessionTestRouter(t *testing.T) (*gin.Engine, service.TicketService, string) {
	gin.SetMode(gin.TestMode)

	c, err := catalog.Default(nil)
	require.NoError(t, err)
	gen, err := idgen.New(idgen.Options{NodeID: "handler-test"})
	require.NoError(t, err)
	logger := zaptest.NewLogger(t)
	reg := registry.New(repository.NewMemoryTicketRepository(), c, cipher.Noop(), logger, registry.Config{})
	ticketService := service.NewTicketService(reg, gen, logger, nil)

	h := NewSessionHandler(ticketService, logger)
	router := gin.New()
	admin := router.Group("/api/v1/admin")
	admin.Use(middleware.AdminAuth(testSecret, "uac-sso"))
	{
		admin.GET("/sessions", h.ListSessions)
		admin.POST("/sessions/search", h.SearchSessions)
		admin.DELETE("/sessions/:id", h.DestroySession)
		admin.GET("/tickets/count", h.Counts)
		admin.DELETE("/tickets", h.DeleteAll)
	}

	token, err := middleware.IssueAdminToken(testSecret, "uac-sso", "ops", time.Minute)
	require.NoError(t, err)
	return router, ticketService, token
}

func doRequest(router *gin.Engine, method, path, token, body string) (*httptest.ResponseRecorder, response.Response) {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	var resp response.Response
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	return w, resp
}

func seedSessions(t *testing.T, svc service.TicketService) *model.TicketGrantingTicket {
	t.Helper()
	ctx := context.Background()
	var first *model.TicketGrantingTicket
	for _, auth := range []*model.Authentication{
		{Principal: model.Principal{ID: "alice", Attributes: map[string][]string{"department": {"eng"}}}},
		{Principal: model.Principal{ID: "alice", Attributes: map[string][]string{"department": {"ops"}}}},
		{Principal: model.Principal{ID: "bob", Attributes: map[string][]string{"department": {"eng"}}}},
	} {
		tgt, err := svc.CreateTicketGrantingTicket(ctx, auth)
		require.NoError(t, err)
		_, err = svc.GrantServiceTicket(ctx, tgt.ID, model.Service{ID: "https://app1.example.com"})
		require.NoError(t, err)
		if first == nil {
			first = tgt
		}
	}
	return first
}

func TestSessionHandler_RequiresAdminToken(t *testing.T) {
	router, _, _ := setupSessionTestRouter(t)

	w, resp := doRequest(router, http.MethodGet, "/api/v1/admin/sessions?principal=alice", "", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, response.CodeInvalidToken, resp.Code)
}

func TestSessionHandler_ListSessions(t *testing.T) {
	router, svc, token := setupSessionTestRouter(t)
	seedSessions(t, svc)

	w, resp := doRequest(router, http.MethodGet, "/api/v1/admin/sessions?principal=alice", token, "")
	require.Equal(t, http.StatusOK, w.Code)
	data := resp.Data.(map[string]interface{})
	assert.Equal(t, float64(2), data["total"])

	list := data["list"].([]interface{})
	first := list[0].(map[string]interface{})
	assert.Equal(t, "alice", first["principal"])
	assert.Equal(t, float64(1), first["services"])

	w, resp = doRequest(router, http.MethodGet, "/api/v1/admin/sessions", token, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, response.CodeMissingParam, resp.Code)
}

func TestSessionHandler_SearchSessions(t *testing.T) {
	router, svc, token := setupSessionTestRouter(t)
	seedSessions(t, svc)

	w, resp := doRequest(router, http.MethodPost, "/api/v1/admin/sessions/search", token,
		`{"attributes":{"department":["eng"]}}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(2), resp.Data.(map[string]interface{})["total"])

	w, _ = doRequest(router, http.MethodPost, "/api/v1/admin/sessions/search", token, `{"attributes":{}}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = doRequest(router, http.MethodPost, "/api/v1/admin/sessions/search", token, `not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSessionHandler_DestroySession(t *testing.T) {
	router, svc, token := setupSessionTestRouter(t)
	tgt := seedSessions(t, svc)

	w, resp := doRequest(router, http.MethodDelete, "/api/v1/admin/sessions/"+tgt.ID, token, "")
	require.Equal(t, http.StatusOK, w.Code)
	services := resp.Data.(map[string]interface{})["services"].([]interface{})
	assert.Equal(t, []interface{}{"https://app1.example.com"}, services)

	_, err := svc.GetTicketGrantingTicket(context.Background(), tgt.ID)
	assert.ErrorIs(t, err, registry.ErrTicketNotFound)

	count, err := svc.SessionCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestSessionHandler_CountsAndDeleteAll(t *testing.T) {
	router, svc, token := setupSessionTestRouter(t)
	seedSessions(t, svc)

	w, resp := doRequest(router, http.MethodGet, "/api/v1/admin/tickets/count", token, "")
	require.Equal(t, http.StatusOK, w.Code)
	data := resp.Data.(map[string]interface{})
	assert.Equal(t, float64(3), data["sessions"])
	assert.Equal(t, float64(3), data["service_tickets"])

	w, resp = doRequest(router, http.MethodDelete, "/api/v1/admin/tickets", token, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(6), resp.Data.(map[string]interface{})["removed"])

	_, resp = doRequest(router, http.MethodGet, "/api/v1/admin/tickets/count", token, "")
	assert.Equal(t, float64(0), resp.Data.(map[string]interface{})["sessions"])
}
