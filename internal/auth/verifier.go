package auth

import (
	"context"
	"errors"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"sudooom.chat.relay/internal/apperrors"
	"sudooom.chat.relay/internal/store"
)

// Identity 验证通过后的用户身份
type Identity struct {
	UserID      string
	DisplayName string
}

// Verifier 外部身份校验协作方
// 将 bearer token 换成用户 ID 与展示名；协议实现（签名算法、
// 用户目录）对中继核心不可见
type Verifier interface {
	Verify(ctx context.Context, token string) (*Identity, error)
}

// UserNames 展示名查询（由 store.UserStore 实现）
type UserNames interface {
	GetName(ctx context.Context, userID string) (firstName, lastName string, err error)
}

// anonymousName 名字为空时的兜底展示名
const anonymousName = "Anonymous User"

// JWTVerifier 基于 HS256 JWT 的身份校验
// token 的 Subject 即用户 ID，展示名从用户目录解析
type JWTVerifier struct {
	secret []byte
	users  UserNames
}

// NewJWTVerifier 创建 JWT 身份校验器
// secret 为空表示服务端未正确配置，所有校验都会失败
func NewJWTVerifier(secret string, users UserNames) *JWTVerifier {
	return &JWTVerifier{
		secret: []byte(secret),
		users:  users,
	}
}

// Verify 校验 token 并解析用户身份
func (v *JWTVerifier) Verify(ctx context.Context, token string) (*Identity, error) {
	if len(v.secret) == 0 {
		return nil, apperrors.ErrAuthNotConfigured
	}

	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, apperrors.ErrTokenInvalid
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, apperrors.ErrTokenInvalid.Wrap(err)
	}

	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || !parsed.Valid || claims.Subject == "" {
		return nil, apperrors.ErrTokenInvalid
	}

	userID := claims.Subject

	firstName, lastName, err := v.users.GetName(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			return nil, apperrors.ErrUserNotFound
		}
		return nil, apperrors.ErrServerError.Wrap(err)
	}

	return &Identity{
		UserID:      userID,
		DisplayName: DisplayName(firstName, lastName),
	}, nil
}

// DisplayName 拼接展示名，两段都为空时退回匿名名
func DisplayName(firstName, lastName string) string {
	name := strings.TrimSpace(firstName + " " + lastName)
	if name == "" {
		return anonymousName
	}
	return name
}
