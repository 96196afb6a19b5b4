package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"
)

type credential struct {
	digest  [sha256.Size]byte
	subject *Subject
}

// Service 校验请求携带的访问令牌。
type Service struct {
	mode        Mode
	credentials []credential
	jwt         *jwtManager
}

// NewService 根据配置构造认证服务，disabled 模式下所有请求直接放行。
func NewService(cfg Config) (*Service, error) {
	mode := cfg.Mode
	if mode == "" {
		mode = ModeDisabled
	}
	s := &Service{mode: mode}
	switch mode {
	case ModeDisabled:
		return s, nil
	case ModeToken:
	case ModeJWT:
		manager, err := newJWTManager(cfg.JWT)
		if err != nil {
			return nil, err
		}
		s.jwt = manager
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.Mode)
	}
	if len(cfg.Tokens) == 0 {
		return nil, fmt.Errorf("auth mode %q requires at least one token", mode)
	}
	names := make(map[string]struct{}, len(cfg.Tokens))
	for i, token := range cfg.Tokens {
		name := strings.TrimSpace(token.Name)
		if name == "" {
			return nil, fmt.Errorf("auth token #%d has no name", i)
		}
		if _, dup := names[name]; dup {
			return nil, fmt.Errorf("duplicate auth token name %q", name)
		}
		names[name] = struct{}{}
		if strings.TrimSpace(token.Secret) == "" {
			return nil, fmt.Errorf("auth token %q has an empty secret", name)
		}
		s.credentials = append(s.credentials, credential{
			digest:  sha256.Sum256([]byte(token.Secret)),
			subject: newSubject(name, token.Permissions),
		})
	}
	return s, nil
}

// Mode returns the active authentication mode.
func (s *Service) Mode() Mode {
	if s == nil {
		return ModeDisabled
	}
	return s.mode
}

// Enabled 判断是否需要校验令牌。
func (s *Service) Enabled() bool {
	return s.Mode() != ModeDisabled
}

// AuthenticateRequest 解析 Authorization 头并返回对应主体。
func (s *Service) AuthenticateRequest(authorization string) (*Subject, error) {
	authorization = strings.TrimSpace(authorization)
	if authorization == "" {
		return nil, ErrMissingToken
	}
	scheme, token, ok := strings.Cut(authorization, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") || strings.TrimSpace(token) == "" {
		return nil, ErrInvalidToken
	}
	token = strings.TrimSpace(token)
	if s.mode == ModeJWT {
		return s.jwt.Verify(token)
	}
	digest := sha256.Sum256([]byte(token))
	var matched *Subject
	// 遍历全部凭据，耗时与命中位置无关。
	for _, cred := range s.credentials {
		if subtle.ConstantTimeCompare(digest[:], cred.digest[:]) == 1 {
			matched = cred.subject
		}
	}
	if matched == nil {
		return nil, ErrInvalidToken
	}
	return matched, nil
}

// IssueToken 在 jwt 模式下签发访问令牌。
func (s *Service) IssueToken(name string, perms []Permission, ttl time.Duration) (string, error) {
	if s.Mode() != ModeJWT {
		return "", errors.New("token issuance requires jwt mode")
	}
	if strings.TrimSpace(name) == "" {
		return "", errors.New("token subject cannot be empty")
	}
	return s.jwt.Issue(strings.TrimSpace(name), perms, ttl)
}
