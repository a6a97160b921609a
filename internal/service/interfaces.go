package service

import (
	"context"
	"time"

	"github.com/wfunc/jutta-brewer/internal/utils"
)

// AuthService 控制接口认证服务
type AuthService interface {
	// Enabled 是否启用认证
	Enabled() bool
	// IssueToken 校验API密钥并签发令牌
	IssueToken(ctx context.Context, req *TokenRequest) (*TokenResponse, error)
	// ValidateToken 校验令牌
	ValidateToken(ctx context.Context, token string) (*utils.JWTClaims, error)
}

// TokenRequest 令牌申请
type TokenRequest struct {
	APIKey string `json:"api_key" binding:"required"`
	Client string `json:"client"`
}

// TokenResponse 令牌响应
type TokenResponse struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
}
