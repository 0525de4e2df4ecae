package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/irgordon/medsecure/api/internal/core/domain"
)

const messageColumns = `id, sender, recipient, recipient_username, recipient_email,
	patient_id, patient_name, cipher_text, mono_cipher, vigenere_cipher,
	%s, decrypted, decrypted_at, decrypted_message, created_at`

// Listings never carry inline artifact bytes.
var (
	selectMessage     = fmt.Sprintf(messageColumns, "artifacts")
	selectMessageList = fmt.Sprintf(messageColumns, "artifacts #- '{stego,b64}' #- '{original,b64}'")
)

// MessageRepository implements domain.MessageRepository over pgx.
type MessageRepository struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

func NewMessageRepository(pool *pgxpool.Pool, timeout time.Duration) *MessageRepository {
	return &MessageRepository{pool: pool, timeout: timeout}
}

func (r *MessageRepository) Create(ctx context.Context, msg *domain.Message) error {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	artifacts, err := json.Marshal(msg.Artifacts)
	if err != nil {
		return fmt.Errorf("failed to encode artifacts: %w", err)
	}

	var username, email *string
	if msg.RecipientCanonical != nil {
		username = &msg.RecipientCanonical.Username
		if msg.RecipientCanonical.Email != "" {
			email = &msg.RecipientCanonical.Email
		}
	}

	query := `
		INSERT INTO messages (id, sender, recipient, recipient_username, recipient_email,
			patient_id, patient_name, cipher_text, mono_cipher, vigenere_cipher, artifacts, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err = r.pool.Exec(ctx, query,
		msg.ID,
		msg.SenderIdentity,
		msg.RecipientKey,
		username,
		email,
		msg.PatientID,
		msg.PatientName,
		msg.CipherToken,
		msg.DisplayCiphers.Caesar,
		msg.DisplayCiphers.Vigenere,
		artifacts,
		msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

func (r *MessageRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Message, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	row := r.pool.QueryRow(ctx, `SELECT `+selectMessage+` FROM messages WHERE id = $1`, id)
	msg, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to load message: %w", err)
	}
	return msg, nil
}

// MarkDecrypted is a single conditional update, so concurrent decrypts cannot
// overwrite the first captured plaintext.
func (r *MessageRepository) MarkDecrypted(ctx context.Context, id uuid.UUID, plaintext string, at time.Time) (bool, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		UPDATE messages
		SET decrypted = TRUE, decrypted_at = $2, decrypted_message = $3
		WHERE id = $1 AND decrypted = FALSE
	`
	tag, err := r.pool.Exec(ctx, query, id, at, plaintext)
	if err != nil {
		return false, fmt.Errorf("failed to mark message decrypted: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *MessageRepository) ListForRecipient(ctx context.Context, keys []string) ([]domain.Message, error) {
	if len(keys) == 0 {
		return []domain.Message{}, nil
	}
	query := `SELECT ` + selectMessageList + ` FROM messages
		WHERE lower(recipient) = ANY($1)
		   OR lower(recipient_username) = ANY($1)
		   OR lower(recipient_email) = ANY($1)
		ORDER BY created_at DESC`
	return r.list(ctx, query, keys)
}

func (r *MessageRepository) ListBySender(ctx context.Context, sender string) ([]domain.Message, error) {
	query := `SELECT ` + selectMessageList + ` FROM messages
		WHERE lower(sender) = lower($1)
		ORDER BY created_at DESC`
	return r.list(ctx, query, sender)
}

func (r *MessageRepository) list(ctx context.Context, query string, args ...any) ([]domain.Message, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	msgs := []domain.Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

func scanMessage(row pgx.Row) (*domain.Message, error) {
	var (
		m                    domain.Message
		recipUser, recipMail *string
		artifacts            []byte
	)
	err := row.Scan(
		&m.ID,
		&m.SenderIdentity,
		&m.RecipientKey,
		&recipUser,
		&recipMail,
		&m.PatientID,
		&m.PatientName,
		&m.CipherToken,
		&m.DisplayCiphers.Caesar,
		&m.DisplayCiphers.Vigenere,
		&artifacts,
		&m.Decrypted,
		&m.DecryptedAt,
		&m.DecryptedMessage,
		&m.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	m.RecipientCanonical = canonicalFromColumns(recipUser, recipMail)
	if err := decodeArtifacts(artifacts, &m.Artifacts); err != nil {
		return nil, err
	}
	return &m, nil
}

func canonicalFromColumns(username, email *string) *domain.CanonicalIdentity {
	if username == nil || *username == "" {
		return nil
	}
	id := &domain.CanonicalIdentity{Username: *username}
	if email != nil {
		id.Email = *email
	}
	return id
}

func decodeArtifacts(raw []byte, out *domain.Artifacts) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("corrupt artifacts column: %w", err)
	}
	return nil
}
