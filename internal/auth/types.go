// Package auth guards the control plane API. In token mode each static
// operator token maps to a named subject carrying a set of permissions; in jwt
// mode HS256 tokens carry the subject and its permissions as claims. The API
// requires PermissionRead for queries and PermissionWrite for everything that
// changes the swarm.
package auth

import (
	"fmt"
	"strings"

	xerrors "AgentSwarm/internal/errors"
)

const (
	// CodeUnauthenticated 表示缺少或无法识别的访问令牌。
	CodeUnauthenticated xerrors.Code = "UNAUTHENTICATED"
	// CodePermissionDenied 表示主体缺少所需权限。
	CodePermissionDenied xerrors.Code = "PERMISSION_DENIED"
)

func init() {
	xerrors.Register(CodeUnauthenticated, xerrors.Attributes{
		Message:  "unauthenticated",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodePermissionDenied, xerrors.Attributes{
		Message:  "permission denied",
		Severity: xerrors.SeverityWarning,
	})
}

// Common errors returned by the authentication subsystem.
var (
	ErrMissingToken = xerrors.New(CodeUnauthenticated, "missing bearer token")
	ErrInvalidToken = xerrors.New(CodeUnauthenticated, "invalid token")
	ErrExpiredToken = xerrors.New(CodeUnauthenticated, "token expired")
)

// Permission 是 API 操作需要的权限。
type Permission string

const (
	PermissionRead  Permission = "swarm.read"
	PermissionWrite Permission = "swarm.write"
)

// Mode enumerates the supported authentication modes.
type Mode string

const (
	ModeDisabled Mode = "disabled"
	ModeToken    Mode = "token"
	ModeJWT      Mode = "jwt"
)

// Config configures the authentication service.
type Config struct {
	Mode   Mode
	Tokens []Token
	JWT    JWTOptions
}

// JWTOptions contains parameters for HS256 token verification and issuance.
type JWTOptions struct {
	Secret   string
	Issuer   string
	Audience string
}

// Token 将一个访问令牌绑定到具名主体。
type Token struct {
	Name        string
	Secret      string
	Permissions []Permission
}

// Subject captures the caller identified by a token and is passed to request
// handlers via context.
type Subject struct {
	Name        string
	Permissions []Permission

	permissionsSet map[Permission]struct{}
}

func newSubject(name string, perms []Permission) *Subject {
	s := &Subject{Name: name, permissionsSet: make(map[Permission]struct{}, len(perms))}
	for _, perm := range perms {
		perm = Permission(strings.ToLower(strings.TrimSpace(string(perm))))
		if perm == "" {
			continue
		}
		if _, dup := s.permissionsSet[perm]; !dup {
			s.permissionsSet[perm] = struct{}{}
			s.Permissions = append(s.Permissions, perm)
		}
	}
	return s
}

// HasPermission reports whether the subject has the specified permission.
// Write implies read.
func (s *Subject) HasPermission(permission Permission) bool {
	if s == nil {
		return false
	}
	if _, ok := s.permissionsSet[permission]; ok {
		return true
	}
	if permission == PermissionRead {
		_, ok := s.permissionsSet[PermissionWrite]
		return ok
	}
	return false
}

// Authorize ensures the subject has all required permissions.
func (s *Subject) Authorize(perms ...Permission) error {
	if s == nil {
		return ErrInvalidToken
	}
	for _, perm := range perms {
		if perm == "" {
			continue
		}
		if !s.HasPermission(perm) {
			return xerrors.New(CodePermissionDenied, fmt.Sprintf("%s 缺少权限 %s", s.Name, perm),
				xerrors.WithMetadata("subject", s.Name),
				xerrors.WithMetadata("permission", string(perm)))
		}
	}
	return nil
}
