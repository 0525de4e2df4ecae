package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/irgordon/medsecure/api/internal/core/domain"
)

// NormalizeKey is the boundary form of any recipient reference.
func NormalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

type IdentityResolver struct {
	directory domain.UserDirectory
	timeout   time.Duration
}

func NewIdentityResolver(directory domain.UserDirectory, timeout time.Duration) *IdentityResolver {
	return &IdentityResolver{directory: directory, timeout: timeout}
}

// Resolve maps a username or email to its canonical identity. An empty key or an
// unknown identity yields (nil, nil); only directory failures are errors.
func (r *IdentityResolver) Resolve(ctx context.Context, key string) (*domain.CanonicalIdentity, error) {
	key = NormalizeKey(key)
	if key == "" {
		return nil, nil
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	user, err := r.directory.FindByIdentifier(ctx, key)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("resolve recipient %q: %w", key, err)
	}

	return &domain.CanonicalIdentity{Username: user.Username, Email: user.Email}, nil
}
