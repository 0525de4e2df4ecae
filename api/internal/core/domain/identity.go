package domain

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RoleDoctor Role = "doctor"
	RoleAdmin  Role = "admin"
)

// User is a directory entry. Usernames and emails are unique case-insensitively.
type User struct {
	ID           uuid.UUID `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email,omitempty"`
	PasswordHash string    `json:"-"`
	Role         Role      `json:"role"`
	CreatedAt    time.Time `json:"created_at"`
}

// CanonicalIdentity is the directory-resolved form of a recipient reference.
type CanonicalIdentity struct {
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
}

// Requester is the authenticated caller of an operation.
type Requester struct {
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
	Role     Role   `json:"role"`
}

func (r Requester) IsAdmin() bool {
	return r.Role == RoleAdmin
}

// Keys returns the lower-cased identifiers a message may have been addressed to.
func (r Requester) Keys() []string {
	keys := make([]string, 0, 2)
	if u := strings.ToLower(strings.TrimSpace(r.Username)); u != "" {
		keys = append(keys, u)
	}
	if e := strings.ToLower(strings.TrimSpace(r.Email)); e != "" && e != strings.ToLower(r.Username) {
		keys = append(keys, e)
	}
	return keys
}

func RequesterFromUser(u *User) Requester {
	return Requester{Username: u.Username, Email: u.Email, Role: u.Role}
}

// UserDirectory is the read side of the user store.
type UserDirectory interface {
	// FindByIdentifier matches the identifier against username or email, ignoring case.
	// Returns ErrNotFound when nothing matches.
	FindByIdentifier(ctx context.Context, identifier string) (*User, error)
}

type contextKey string

// UserContextKey holds the authenticated Requester on the request context.
const UserContextKey contextKey = "medsecure_requester"

func WithRequester(ctx context.Context, r Requester) context.Context {
	return context.WithValue(ctx, UserContextKey, r)
}

func RequesterFromContext(ctx context.Context) (Requester, bool) {
	r, ok := ctx.Value(UserContextKey).(Requester)
	return r, ok
}
