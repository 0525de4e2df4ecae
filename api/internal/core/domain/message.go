package domain

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

type ArtifactKind string

const (
	ArtifactFull     ArtifactKind = "full"
	ArtifactStego    ArtifactKind = "stego"
	ArtifactOriginal ArtifactKind = "original"
)

// Artifact is stored either remotely (RemoteURL) or inline (InlineBytes), never both.
// MIME and Filename are kept in both cases so downloads can be labelled.
type Artifact struct {
	RemoteURL   string `json:"remote_url,omitempty"`
	InlineBytes []byte `json:"b64,omitempty"`
	MIME        string `json:"mime,omitempty"`
	Filename    string `json:"filename,omitempty"`
	// Synthesized marks the .enc fallback that wraps the raw cipher token.
	Synthesized bool `json:"synthesized,omitempty"`
}

func (a *Artifact) IsRemote() bool {
	return a.RemoteURL != ""
}

func (a *Artifact) Validate() error {
	hasURL := a.RemoteURL != ""
	hasBytes := len(a.InlineBytes) > 0
	switch {
	case hasURL && hasBytes:
		return errors.New("artifact has both a remote url and inline bytes")
	case !hasURL && !hasBytes:
		return errors.New("artifact has neither a remote url nor inline bytes")
	case hasBytes && (a.MIME == "" || a.Filename == ""):
		return errors.New("inline artifact requires mime and filename")
	}
	return nil
}

type Artifacts struct {
	Stego    *Artifact `json:"stego,omitempty"`
	Original *Artifact `json:"original,omitempty"`
}

// Select returns the artifact for a download kind. "full" prefers the stego
// artifact and falls back to the original cover file.
func (a Artifacts) Select(kind ArtifactKind) (*Artifact, bool) {
	switch kind {
	case ArtifactStego:
		return a.Stego, a.Stego != nil
	case ArtifactOriginal:
		return a.Original, a.Original != nil
	case ArtifactFull:
		if a.Stego != nil {
			return a.Stego, true
		}
		return a.Original, a.Original != nil
	}
	return nil, false
}

// DisplayCiphers are reversible obfuscations kept for display only.
type DisplayCiphers struct {
	Caesar   string `json:"caesar"`
	Vigenere string `json:"vigenere"`
}

// Message is one encrypted exchange between two professionals.
type Message struct {
	ID                 uuid.UUID          `json:"id"`
	SenderIdentity     string             `json:"sender"`
	RecipientKey       string             `json:"recipient"`
	RecipientCanonical *CanonicalIdentity `json:"recipient_canonical,omitempty"`
	PatientID          string             `json:"patient_id"`
	PatientName        string             `json:"patient_name"`
	CipherToken        string             `json:"cipher_text"`
	DisplayCiphers     DisplayCiphers     `json:"display_ciphers"`
	Artifacts          Artifacts          `json:"artifacts"`
	Decrypted          bool               `json:"decrypted"`
	DecryptedAt        *time.Time         `json:"decrypted_at,omitempty"`
	DecryptedMessage   *string            `json:"decrypted_message,omitempty"`
	CreatedAt          time.Time          `json:"created_at"`
}

// Validate checks the creation invariants before the record is persisted.
func (m *Message) Validate() error {
	switch {
	case m.ID == uuid.Nil:
		return errors.New("message id is required")
	case strings.TrimSpace(m.CipherToken) == "":
		return errors.New("cipher token is required")
	case m.PatientID == "" || m.PatientName == "":
		return errors.New("patient identifiers are required")
	case m.SenderIdentity == "" || m.RecipientKey == "":
		return errors.New("sender and recipient are required")
	}
	for _, a := range []*Artifact{m.Artifacts.Stego, m.Artifacts.Original} {
		if a == nil {
			continue
		}
		if err := a.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// RecipientUsername is the canonical username when resolved, the raw key otherwise.
func (m *Message) RecipientUsername() string {
	if m.RecipientCanonical != nil && m.RecipientCanonical.Username != "" {
		return m.RecipientCanonical.Username
	}
	return m.RecipientKey
}

// MessageRepository persists messages. Listing methods omit inline artifact bytes.
type MessageRepository interface {
	Create(ctx context.Context, msg *Message) error
	GetByID(ctx context.Context, id uuid.UUID) (*Message, error)

	// MarkDecrypted flips decrypted to true only if it is currently false, in one
	// conditional update. It reports whether this call performed the transition.
	MarkDecrypted(ctx context.Context, id uuid.UUID, plaintext string, at time.Time) (bool, error)

	ListForRecipient(ctx context.Context, keys []string) ([]Message, error)
	ListBySender(ctx context.Context, sender string) ([]Message, error)
}
