package model

import (
	"errors"
	"time"

	"github.com/pu-ac-cn/uac-sso/internal/expiration"
)

var ErrProxyGrantingTicketGranted = errors.New("该票据已签发过 PGT")

// ServiceTicket 服务票据（ST），由 TGT 签发、校验时消费
type ServiceTicket struct {
	TicketBase
	TicketGrantingTicketID string  `json:"ticketGrantingTicketId"`
	Service                Service `json:"service"`
	FromNewLogin           bool    `json:"fromNewLogin"`
	GrantedTicketAlready   bool    `json:"grantedTicketAlready,omitempty"`
}

func (st *ServiceTicket) GetType() string { return TypeServiceTicket }

func (st *ServiceTicket) GetGrantingTicketID() string { return st.TicketGrantingTicketID }

// IsValidFor 校验服务是否与签发时一致
func (st *ServiceTicket) IsValidFor(service Service) bool {
	return st.Service.Matches(service)
}

// GrantProxyGrantingTicket 基于本 ST 派生 PGT，每张 ST 只能派生一次
// PGT 挂在 ST 所属的 TGT 之下
func (st *ServiceTicket) GrantProxyGrantingTicket(id, iou string, auth *Authentication, policy expiration.Policy, now time.Time) (*ProxyGrantingTicket, error) {
	if st.GrantedTicketAlready {
		return nil, ErrProxyGrantingTicketGranted
	}
	st.GrantedTicketAlready = true

	pgt := &ProxyGrantingTicket{
		TicketGrantingTicket: TicketGrantingTicket{
			TicketBase:     newTicketBase(id, policy, now),
			Authentication: auth,
			ParentTicketID: st.TicketGrantingTicketID,
		},
		ProxiedBy:              st.Service,
		ProxyGrantingTicketIou: iou,
	}
	return pgt, nil
}

// ReleaseProxyGrantingTicket PGT 未能创建成功时恢复派生资格
func (st *ServiceTicket) ReleaseProxyGrantingTicket() {
	st.GrantedTicketAlready = false
}

// ProxyTicket 代理票据（PT），由 PGT 签发的 ST
type ProxyTicket struct {
	ServiceTicket
}

func (pt *ProxyTicket) GetType() string { return TypeProxyTicket }
