package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/irgordon/medsecure/api/internal/core/domain"
)

// UserDirectory is the read side of the users table.
type UserDirectory struct {
	db      *sqlx.DB
	timeout time.Duration
}

func NewUserDirectory(db *sqlx.DB, timeout time.Duration) *UserDirectory {
	return &UserDirectory{db: db, timeout: timeout}
}

type userRow struct {
	ID           uuid.UUID      `db:"id"`
	Username     string         `db:"username"`
	Email        sql.NullString `db:"email"`
	PasswordHash string         `db:"password_hash"`
	Role         string         `db:"role"`
	CreatedAt    time.Time      `db:"created_at"`
}

// FindByIdentifier matches username or email case-insensitively.
func (d *UserDirectory) FindByIdentifier(ctx context.Context, identifier string) (*domain.User, error) {
	identifier = strings.ToLower(strings.TrimSpace(identifier))
	if identifier == "" {
		return nil, domain.ErrNotFound
	}

	ctx, cancel := withTimeout(ctx, d.timeout)
	defer cancel()

	var row userRow
	query := `
		SELECT id, username, email, password_hash, role, created_at
		FROM users
		WHERE lower(username) = $1 OR lower(email) = $1
		ORDER BY (lower(username) = $1) DESC
		LIMIT 1
	`
	if err := d.db.GetContext(ctx, &row, query, identifier); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to look up user: %w", err)
	}
	return row.toDomain(), nil
}

// Ping reports whether the directory database answers.
func (d *UserDirectory) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

func (row userRow) toDomain() *domain.User {
	return &domain.User{
		ID:           row.ID,
		Username:     row.Username,
		Email:        row.Email.String,
		PasswordHash: row.PasswordHash,
		Role:         domain.Role(row.Role),
		CreatedAt:    row.CreatedAt,
	}
}
