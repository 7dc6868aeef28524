// Package handler HTTP 处理器
package handler

import (
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/pu-ac-cn/uac-sso/internal/model"
	"github.com/pu-ac-cn/uac-sso/internal/registry"
	"github.com/pu-ac-cn/uac-sso/internal/service"
	"github.com/pu-ac-cn/uac-sso/pkg/response"
)

// SessionHandler 会话管理处理器
type SessionHandler struct {
	ticketService service.TicketService
	logger        *zap.Logger
}

// NewSessionHandler 创建会话管理处理器
func NewSessionHandler(ticketSvc service.TicketService, logger *zap.Logger) *SessionHandler {
	return &SessionHandler{ticketService: ticketSvc, logger: logger}
}

// ListSessions 查询主体的全部会话
// GET /api/v1/admin/sessions?principal=
func (h *SessionHandler) ListSessions(c *gin.Context) {
	principal := c.Query("principal")
	if principal == "" {
		response.ErrorWithMsg(c, response.CodeMissingParam, "缺少 principal 参数")
		return
	}

	sessions, err := h.ticketService.SessionsFor(c.Request.Context(), principal)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, gin.H{
		"list":  sessionsToResponse(sessions),
		"total": len(sessions),
	})
}

// SearchSessionsRequest 按属性查询会话请求
// 同一属性的多个值为“或”，不同属性之间为“且”
type SearchSessionsRequest struct {
	Attributes map[string][]string `json:"attributes" binding:"required"`
}

// SearchSessions 按属性查询会话
// POST /api/v1/admin/sessions/search
func (h *SessionHandler) SearchSessions(c *gin.Context) {
	var req SearchSessionsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorWithMsg(c, response.CodeInvalidRequest, "参数错误: "+err.Error())
		return
	}
	if len(req.Attributes) == 0 {
		response.ErrorWithMsg(c, response.CodeMissingParam, "至少需要一个查询属性")
		return
	}

	sessions, err := h.ticketService.SessionsWithAttributes(c.Request.Context(), req.Attributes)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, gin.H{
		"list":  sessionsToResponse(sessions),
		"total": len(sessions),
	})
}

// DestroySession 注销会话并级联删除其子票据
// DELETE /api/v1/admin/sessions/:id
func (h *SessionHandler) DestroySession(c *gin.Context) {
	services, err := h.ticketService.DestroyTicketGrantingTicket(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}

	urls := make([]string, 0, len(services))
	for _, svc := range services {
		urls = append(urls, svc.ID)
	}
	h.logger.Info("管理员注销会话",
		zap.String("admin", c.GetString("admin_subject")),
		zap.Int("services", len(urls)),
	)
	response.Success(c, gin.H{"services": urls})
}

// Counts 票据数量统计
// GET /api/v1/admin/tickets/count
func (h *SessionHandler) Counts(c *gin.Context) {
	ctx := c.Request.Context()
	sessions, err := h.ticketService.SessionCount(ctx)
	if err != nil {
		h.fail(c, err)
		return
	}
	serviceTickets, err := h.ticketService.ServiceTicketCount(ctx)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, gin.H{
		"sessions":        sessions,
		"service_tickets": serviceTickets,
	})
}

// DeleteAll 清空全部票据
// DELETE /api/v1/admin/tickets
func (h *SessionHandler) DeleteAll(c *gin.Context) {
	removed, err := h.ticketService.DeleteAll(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	h.logger.Warn("管理员清空全部票据",
		zap.String("admin", c.GetString("admin_subject")),
		zap.Int("removed", removed),
	)
	response.Success(c, gin.H{"removed": removed})
}

// fail 将票据错误映射为业务错误码
func (h *SessionHandler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, registry.ErrTicketNotFound):
		response.Error(c, response.CodeTicketNotFound)
	case errors.Is(err, registry.ErrInvalidTicketType):
		response.Error(c, response.CodeInvalidTicketType)
	case errors.Is(err, registry.ErrServiceMismatch):
		response.Error(c, response.CodeServiceMismatch)
	case errors.Is(err, registry.ErrTicketAlreadyConsumed):
		response.Error(c, response.CodeTicketConsumed)
	case errors.Is(err, registry.ErrContention):
		response.Error(c, response.CodeTicketConflict)
	default:
		h.logger.Error("票据操作失败", zap.String("path", c.FullPath()), zap.Error(err))
		response.Error(c, response.CodeServerError)
	}
}

func sessionsToResponse(sessions []*model.TicketGrantingTicket) []gin.H {
	list := make([]gin.H, len(sessions))
	for i, tgt := range sessions {
		list[i] = sessionToResponse(tgt)
	}
	return list
}

func sessionToResponse(tgt *model.TicketGrantingTicket) gin.H {
	resp := gin.H{
		"id":            tgt.ID,
		"created_at":    tgt.CreatedAt.Format(time.RFC3339),
		"last_used_at":  tgt.LastUsedAt.Format(time.RFC3339),
		"count_of_uses": tgt.CountOfUses,
		"services":      len(tgt.Services),
		"proxies":       len(tgt.ProxyGrantingTickets),
	}
	if auth := tgt.Authentication; auth != nil {
		resp["principal"] = auth.Principal.ID
		resp["attributes"] = auth.AllAttributes()
		resp["authentication_date"] = auth.AuthenticationDate.Format(time.RFC3339)
	}
	return resp
}
