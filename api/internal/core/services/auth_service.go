package services

import (
	"context"
	"errors"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/irgordon/medsecure/api/internal/core/domain"
)

// AuthService exchanges credentials for a session token.
type AuthService struct {
	users  domain.UserDirectory
	tokens *TokenService
	audit  *AuditRecorder
}

func NewAuthService(users domain.UserDirectory, tokens *TokenService, audit *AuditRecorder) *AuthService {
	return &AuthService{users: users, tokens: tokens, audit: audit}
}

// Login accepts a username or an email. Every failure reads the same to the caller.
func (s *AuthService) Login(ctx context.Context, identifier, password string) (string, *domain.User, error) {
	const op = "auth.Login"
	invalid := domain.NewError(domain.ErrUnauthenticated, op, "invalid credentials", nil)

	identifier = NormalizeKey(identifier)
	if identifier == "" || password == "" {
		return "", nil, invalid
	}

	user, err := s.users.FindByIdentifier(ctx, identifier)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return "", nil, invalid
		}
		return "", nil, domain.Internal(op, "failed to load user", err)
	}

	// Constant-time check
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return "", nil, invalid
	}

	token, err := s.tokens.Issue(user)
	if err != nil {
		return "", nil, domain.Internal(op, "failed to issue session", err)
	}

	s.audit.Append(ctx, user.Username, domain.ActionLogin, "", map[string]any{
		"via": loginVia(identifier),
	})
	return token, user, nil
}

func (s *AuthService) Logout(ctx context.Context, requester domain.Requester) {
	s.audit.Append(ctx, requester.Username, domain.ActionLogout, "", nil)
}

// Authenticate turns a session token into a Requester, re-reading the directory
// so deleted accounts and role changes take effect before the token expires.
func (s *AuthService) Authenticate(ctx context.Context, token string) (domain.Requester, error) {
	const op = "auth.Authenticate"

	claims, err := s.tokens.Verify(token)
	if err != nil {
		return domain.Requester{}, domain.NewError(domain.ErrUnauthenticated, op, "invalid or expired session", err)
	}

	user, err := s.users.FindByIdentifier(ctx, NormalizeKey(claims.Subject))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Requester{}, domain.NewError(domain.ErrUnauthenticated, op, "account no longer exists", nil)
		}
		return domain.Requester{}, domain.Internal(op, "failed to load user", err)
	}
	return domain.RequesterFromUser(user), nil
}

func loginVia(identifier string) string {
	if strings.Contains(identifier, "@") {
		return "email"
	}
	return "username"
}
