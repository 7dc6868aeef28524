package middleware

import (
	"errors"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/pu-ac-cn/uac-sso/pkg/response"
)

// ScopeAdmin 管理接口所需的权限范围
const ScopeAdmin = "sso:admin"

// AdminClaims 管理令牌声明
type AdminClaims struct {
	Scope string `json:"scope"`
	jwt.RegisteredClaims
}

// IssueAdminToken 签发 HS256 管理令牌
func IssueAdminToken(secret, issuer, subject string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("未配置管理令牌密钥")
	}
	now := time.Now()
	claims := AdminClaims{
		Scope: ScopeAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// AdminAuth 管理接口认证中间件
// 未配置密钥时拒绝所有请求
func AdminAuth(secret, issuer string) gin.HandlerFunc {
	key := []byte(secret)
	return func(c *gin.Context) {
		if len(key) == 0 {
			response.ErrorWithMsg(c, response.CodeForbidden, "管理接口未启用")
			c.Abort()
			return
		}

		// 从 Authorization 头获取令牌
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			response.ErrorWithMsg(c, response.CodeInvalidToken, "未提供认证令牌")
			c.Abort()
			return
		}

		// 检查 Bearer 前缀
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			response.ErrorWithMsg(c, response.CodeInvalidToken, "认证令牌格式错误")
			c.Abort()
			return
		}

		claims := &AdminClaims{}
		_, err := jwt.ParseWithClaims(parts[1], claims, func(token *jwt.Token) (interface{}, error) {
			return key, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(issuer))
		if err != nil {
			if errors.Is(err, jwt.ErrTokenExpired) {
				response.ErrorWithMsg(c, response.CodeInvalidToken, "令牌已过期")
			} else {
				response.Error(c, response.CodeInvalidToken)
			}
			c.Abort()
			return
		}

		if claims.Scope != ScopeAdmin {
			response.Error(c, response.CodeForbidden)
			c.Abort()
			return
		}

		c.Set("admin_subject", claims.Subject)
		c.Next()
	}
}
