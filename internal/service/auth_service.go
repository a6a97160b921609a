package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/wfunc/jutta-brewer/internal/config"
	"github.com/wfunc/jutta-brewer/internal/errors"
	"github.com/wfunc/jutta-brewer/internal/utils"
	"go.uber.org/zap"
)

// authService 基于API密钥换取JWT的认证服务
type authService struct {
	enabled    bool
	apiKeyHash string
	jwtManager *utils.JWTManager
	log        *zap.Logger
}

// NewAuthService 创建认证服务
func NewAuthService(cfg *config.SecurityConfig, log *zap.Logger) AuthService {
	expire := time.Duration(cfg.ExpireHours) * time.Hour
	if expire <= 0 {
		expire = 24 * time.Hour
	}

	return &authService{
		enabled:    cfg.AuthEnabled,
		apiKeyHash: cfg.APIKeyHash,
		jwtManager: utils.NewJWTManager(cfg.JWTSecret, expire),
		log:        log,
	}
}

func (s *authService) Enabled() bool {
	return s.enabled
}

// IssueToken 校验API密钥并签发令牌
func (s *authService) IssueToken(ctx context.Context, req *TokenRequest) (*TokenResponse, error) {
	if !s.enabled {
		return nil, errors.New(errors.ErrPermissionDenied, "authentication disabled")
	}
	if req == nil || req.APIKey == "" {
		return nil, errors.New(errors.ErrInvalidParam, "api_key required")
	}

	ok, err := utils.VerifyAPIKey(req.APIKey, s.apiKeyHash)
	if err != nil {
		s.log.Error("API key hash unusable", zap.Error(err))
		return nil, errors.Wrap(err, errors.ErrAuthentication)
	}
	if !ok {
		s.log.Warn("Rejected API key", zap.String("client", req.Client))
		return nil, errors.New(errors.ErrAuthentication, "invalid api key")
	}

	client := req.Client
	if client == "" {
		client = "anonymous"
	}

	token, expiresAt, err := s.jwtManager.GenerateToken(client, uuid.New().String())
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrUnknown, "sign token")
	}

	s.log.Info("Token issued", zap.String("client", client), zap.Time("expires_at", expiresAt))

	return &TokenResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresAt:   expiresAt,
	}, nil
}

// ValidateToken 校验令牌
func (s *authService) ValidateToken(ctx context.Context, token string) (*utils.JWTClaims, error) {
	claims, err := s.jwtManager.ValidateToken(token)
	switch {
	case err == utils.ErrExpiredToken:
		return nil, errors.New(errors.ErrTokenExpired)
	case err != nil:
		return nil, errors.Wrap(err, errors.ErrTokenInvalid)
	}
	return claims, nil
}
