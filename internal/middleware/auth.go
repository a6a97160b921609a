package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/wfunc/jutta-brewer/internal/errors"
	"github.com/wfunc/jutta-brewer/internal/service"
)

const (
	clientKey  = "client"
	sessionKey = "session"
)

// AuthMiddleware JWT认证中间件
type AuthMiddleware struct {
	authService service.AuthService
}

// NewAuthMiddleware 创建认证中间件
func NewAuthMiddleware(authService service.AuthService) *AuthMiddleware {
	return &AuthMiddleware{
		authService: authService,
	}
}

// RequireAuth 需要认证的中间件，认证关闭时直接放行
func (m *AuthMiddleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !m.authService.Enabled() {
			c.Next()
			return
		}

		token := extractToken(c)
		if token == "" {
			abort(c, errors.New(errors.ErrAuthentication, "missing token"))
			return
		}

		claims, err := m.authService.ValidateToken(c.Request.Context(), token)
		if err != nil {
			abort(c, errors.Wrap(err, errors.ErrTokenInvalid))
			return
		}

		c.Set(clientKey, claims.Client)
		c.Set(sessionKey, claims.Session)
		c.Next()
	}
}

func abort(c *gin.Context, err *errors.AppError) {
	c.AbortWithStatusJSON(err.HTTPStatus(), errors.NewErrorResponse(err, c.GetHeader("X-Request-ID")))
}

// extractToken 从请求中提取令牌
func extractToken(c *gin.Context) string {
	// Bearer Token
	if bearer := c.GetHeader("Authorization"); bearer != "" {
		parts := strings.Split(bearer, " ")
		if len(parts) == 2 && strings.ToLower(parts[0]) == "bearer" {
			return parts[1]
		}
	}

	if token := c.GetHeader("X-Access-Token"); token != "" {
		return token
	}

	// WebSocket客户端无法设置请求头
	if token := c.Query("token"); token != "" {
		return token
	}

	return ""
}

// GetClient 从上下文获取客户端名称
func GetClient(c *gin.Context) (string, bool) {
	if v, exists := c.Get(clientKey); exists {
		if client, ok := v.(string); ok {
			return client, true
		}
	}
	return "", false
}
