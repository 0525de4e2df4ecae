package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/irgordon/medsecure/api/internal/core/domain"
)

// AuditRepository is append-only. It exposes no update or delete.
type AuditRepository struct {
	pool *pgxpool.Pool
}

func NewAuditRepository(pool *pgxpool.Pool) *AuditRepository {
	return &AuditRepository{pool: pool}
}

type auditRow struct {
	ID        int64     `db:"id"`
	Username  string    `db:"username"`
	Action    string    `db:"action"`
	PatientID *string   `db:"patient_id"`
	Details   []byte    `db:"details"`
	Timestamp time.Time `db:"timestamp"`
}

func (r *AuditRepository) Append(ctx context.Context, entry *domain.AuditEntry) error {
	if !entry.Action.Valid() {
		return fmt.Errorf("unknown audit action %q", entry.Action)
	}

	var details []byte
	if len(entry.Details) > 0 {
		b, err := json.Marshal(entry.Details)
		if err != nil {
			return fmt.Errorf("failed to encode audit details: %w", err)
		}
		details = b
	}

	var patientID *string
	if entry.PatientID != "" {
		patientID = &entry.PatientID
	}

	ts := entry.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	query := `
		INSERT INTO audit_logs (username, action, patient_id, details, timestamp)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, timestamp
	`
	return r.pool.QueryRow(ctx, query,
		entry.ActorIdentity,
		string(entry.Action),
		patientID,
		details,
		ts,
	).Scan(&entry.ID, &entry.Timestamp)
}

// List returns the newest entries first, optionally restricted to one actor.
func (r *AuditRepository) List(ctx context.Context, filter domain.AuditFilter) ([]domain.AuditEntry, error) {
	query, args := buildAuditQuery(filter)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch audit log: %w", err)
	}
	defer rows.Close()

	records, err := pgx.CollectRows(rows, pgx.RowToStructByName[auditRow])
	if err != nil {
		return nil, fmt.Errorf("failed to scan audit log: %w", err)
	}

	entries := make([]domain.AuditEntry, 0, len(records))
	for _, rec := range records {
		e, err := rec.toDomain()
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func buildAuditQuery(filter domain.AuditFilter) (string, []any) {
	query := `SELECT id, username, action, patient_id, details, timestamp FROM audit_logs WHERE 1=1`
	var args []any
	argCount := 1

	if filter.Actor != "" {
		query += fmt.Sprintf(" AND lower(username) = lower($%d)", argCount)
		args = append(args, filter.Actor)
		argCount++
	}

	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 500
	}
	query += fmt.Sprintf(" ORDER BY timestamp DESC, id DESC LIMIT $%d", argCount)
	args = append(args, limit)

	return query, args
}

func (row auditRow) toDomain() (domain.AuditEntry, error) {
	e := domain.AuditEntry{
		ID:            row.ID,
		ActorIdentity: row.Username,
		Action:        domain.AuditAction(row.Action),
		Timestamp:     row.Timestamp,
	}
	if row.PatientID != nil {
		e.PatientID = *row.PatientID
	}
	if len(row.Details) > 0 {
		if err := json.Unmarshal(row.Details, &e.Details); err != nil {
			return e, fmt.Errorf("corrupt audit details for entry %d: %w", row.ID, err)
		}
	}
	return e, nil
}
