package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/wfunc/mcu-studio/internal/errors"
)

// TokenAuth 共享令牌认证；令牌为空时不校验
type TokenAuth struct {
	token string
}

// NewTokenAuth 创建令牌认证中间件
func NewTokenAuth(token string) *TokenAuth {
	return &TokenAuth{token: token}
}

// Enabled 是否启用了认证
func (m *TokenAuth) Enabled() bool {
	return m.token != ""
}

// RequireToken 需要令牌的中间件
func (m *TokenAuth) RequireToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !m.Enabled() {
			c.Next()
			return
		}

		token := extractToken(c)
		if token == "" {
			abortWithError(c, errors.New(errors.ErrInvalidParam, "缺少认证令牌"), http.StatusUnauthorized)
			return
		}
		if !m.match(token) {
			abortWithError(c, errors.New(errors.ErrInvalidParam, "无效的令牌"), http.StatusUnauthorized)
			return
		}

		c.Next()
	}
}

// match 配置为 argon2id 哈希时按哈希校验，否则按明文比较
func (m *TokenAuth) match(token string) bool {
	if IsHashedToken(m.token) {
		ok, err := VerifyToken(token, m.token)
		return err == nil && ok
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(m.token)) == 1
}

// extractToken 从请求中提取令牌
func extractToken(c *gin.Context) string {
	// 1. Authorization: Bearer <token>
	if bearer := c.GetHeader("Authorization"); bearer != "" {
		parts := strings.SplitN(bearer, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return parts[1]
		}
	}

	// 2. X-Access-Token
	if token := c.GetHeader("X-Access-Token"); token != "" {
		return token
	}

	// 3. Query参数（浏览器 WebSocket 无法设置请求头）
	return c.Query("token")
}

// abortWithError 统一的错误响应
func abortWithError(c *gin.Context, appErr *errors.AppError, status int) {
	appErr.Stack = nil
	c.AbortWithStatusJSON(status, errors.NewErrorResponse(appErr, GetRequestID(c)))
}
