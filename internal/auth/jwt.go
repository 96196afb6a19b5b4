package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const minSecretLength = 32

// claims 是访问令牌携带的声明。
type claims struct {
	Permissions []Permission `json:"permissions"`
	jwt.RegisteredClaims
}

type jwtManager struct {
	secret   []byte
	issuer   string
	audience string
	now      func() time.Time
}

func newJWTManager(opts JWTOptions) (*jwtManager, error) {
	secret := strings.TrimSpace(opts.Secret)
	if len(secret) < minSecretLength {
		return nil, fmt.Errorf("jwt secret must be at least %d bytes", minSecretLength)
	}
	return &jwtManager{secret: []byte(secret), issuer: opts.Issuer, audience: opts.Audience, now: time.Now}, nil
}

// Issue 为主体签发一个 HS256 令牌，ttl 小于等于 0 时不设置过期时间。
func (m *jwtManager) Issue(name string, perms []Permission, ttl time.Duration) (string, error) {
	now := m.now()
	c := claims{
		Permissions: perms,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  name,
			Issuer:   m.issuer,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if m.audience != "" {
		c.Audience = jwt.ClaimStrings{m.audience}
	}
	if ttl > 0 {
		c.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(m.secret)
}

// Verify 校验签名、签发者、受众与有效期。
func (m *jwtManager) Verify(token string) (*Subject, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(m.now),
	}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}
	if m.audience != "" {
		opts = append(opts, jwt.WithAudience(m.audience))
	}
	var c claims
	parsed, err := jwt.ParseWithClaims(token, &c, func(*jwt.Token) (any, error) {
		return m.secret, nil
	}, opts...)
	if err != nil || !parsed.Valid {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}
	if strings.TrimSpace(c.Subject) == "" {
		return nil, ErrInvalidToken
	}
	return newSubject(c.Subject, c.Permissions), nil
}
