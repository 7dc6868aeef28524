package service

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/pu-ac-cn/uac-sso/internal/model"
	"github.com/pu-ac-cn/uac-sso/internal/registry"
)

// 生成随机服务 URL
func genService() gopter.Gen {
	return gen.OneConstOf(
		"https://app1.example.com",
		"https://app2.example.com/callback",
		"https://service.internal.net",
		"http://localhost:8080",
	)
}

func genPrincipal() gopter.Gen {
	return gen.Identifier().SuchThat(func(s string) bool { return s != "" })
}

// 任意 ST 只能被成功校验一次
func TestProperty_ServiceTicketSingleUse(t *testing.T) {
	f := setupTicketService(t, nil)
	ctx := context.Background()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("ST 只能校验一次", prop.ForAll(
		func(principal, service string) bool {
			tgt, err := f.svc.CreateTicketGrantingTicket(ctx, authFor(principal, nil))
			if err != nil {
				return false
			}
			st, err := f.svc.GrantServiceTicket(ctx, tgt.ID, model.Service{ID: service})
			if err != nil {
				return false
			}
			assertion, err := f.svc.ValidateServiceTicket(ctx, st.ID, model.Service{ID: service})
			if err != nil || assertion.PrimaryAuthentication.Principal.ID != principal {
				return false
			}
			_, err = f.svc.ValidateServiceTicket(ctx, st.ID, model.Service{ID: service})
			return err != nil
		},
		genPrincipal(),
		genService(),
	))

	properties.TestingRun(t)
}

// 注销会话后，会话签发的所有票据都不可用
func TestProperty_DestroyRemovesDescendants(t *testing.T) {
	f := setupTicketService(t, nil)
	ctx := context.Background()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	properties.Property("注销后子票据失效", prop.ForAll(
		func(principal string, grants int) bool {
			tgt, err := f.svc.CreateTicketGrantingTicket(ctx, authFor(principal, nil))
			if err != nil {
				return false
			}
			var ids []string
			for i := 0; i < grants; i++ {
				st, err := f.svc.GrantServiceTicket(ctx, tgt.ID, serviceA)
				if err != nil {
					return false
				}
				ids = append(ids, st.ID)
			}
			if _, err := f.svc.DestroyTicketGrantingTicket(ctx, tgt.ID); err != nil {
				return false
			}
			for _, id := range ids {
				if _, err := f.registry.Get(ctx, id, registry.IgnoreExpiry); err == nil {
					return false
				}
			}
			_, err = f.svc.GetTicketGrantingTicket(ctx, tgt.ID)
			return err != nil
		},
		genPrincipal(),
		gen.IntRange(0, 8),
	))

	properties.TestingRun(t)
}
