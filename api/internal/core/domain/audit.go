package domain

import (
	"context"
	"time"
)

type AuditAction string

const (
	ActionRegister       AuditAction = "REGISTER"
	ActionLogin          AuditAction = "LOGIN"
	ActionLogout         AuditAction = "LOGOUT"
	ActionUpdateProfile  AuditAction = "UPDATE_PROFILE"
	ActionSendMessage    AuditAction = "SEND_MESSAGE"
	ActionDecryptMessage AuditAction = "DECRYPT_MESSAGE"
	ActionExtractMessage AuditAction = "EXTRACT_MESSAGE"
)

func (a AuditAction) Valid() bool {
	switch a {
	case ActionRegister, ActionLogin, ActionLogout, ActionUpdateProfile,
		ActionSendMessage, ActionDecryptMessage, ActionExtractMessage:
		return true
	}
	return false
}

// AuditEntry is append-only.
type AuditEntry struct {
	ID            int64          `json:"id"`
	ActorIdentity string         `json:"username"`
	Action        AuditAction    `json:"action"`
	PatientID     string         `json:"patient_id,omitempty"`
	Details       map[string]any `json:"details,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
}

type AuditFilter struct {
	Actor string // empty means all actors
	Limit int
}

// AuditRepository is append-only.
type AuditRepository interface {
	Append(ctx context.Context, entry *AuditEntry) error
	List(ctx context.Context, filter AuditFilter) ([]AuditEntry, error)
}
