package services

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/irgordon/medsecure/api/internal/core/domain"
	"github.com/irgordon/medsecure/api/internal/core/utils"
	"github.com/irgordon/medsecure/api/internal/telemetry"
)

// SendRequest is the validated input of Submit.
type SendRequest struct {
	Recipient   string            `json:"recipient" validate:"required,max=254"`
	PatientID   string            `json:"patient_id" validate:"required,max=128"`
	PatientName string            `json:"patient_name" validate:"required,max=256"`
	Data        string            `json:"data" validate:"required"`
	File        *domain.MediaFile `json:"file,omitempty" validate:"omitempty"`
}

type DecryptResult struct {
	PatientID        string         `json:"patient_id"`
	PatientName      string         `json:"patient_name"`
	DecryptedMessage string         `json:"decrypted_message"`
	Payload          map[string]any `json:"payload"`
}

type ExtractResult struct {
	PatientID        string         `json:"patient_id,omitempty"`
	PatientName      string         `json:"patient_name,omitempty"`
	DecryptedMessage any            `json:"decrypted_message"`
	Payload          map[string]any `json:"payload"`
	CipherText       string         `json:"cipher_text,omitempty"`
}

// FileResult is either a redirect to the object store or the inline bytes.
type FileResult struct {
	RedirectURL string
	Content     []byte
	MIME        string
	Filename    string
}

// MessageListItem is a message as shown in inbox and sent listings. It never
// carries the cipher token or inline artifact bytes. The stored plaintext is
// only filled in for the recipient's inbox.
type MessageListItem struct {
	ID                 uuid.UUID                 `json:"id"`
	Sender             string                    `json:"sender"`
	Recipient          string                    `json:"recipient"`
	RecipientCanonical *domain.CanonicalIdentity `json:"recipient_canonical,omitempty"`
	PatientID          string                    `json:"patient_id"`
	PatientName        string                    `json:"patient_name"`
	DisplayCiphers     domain.DisplayCiphers     `json:"display_ciphers"`
	Decrypted          bool                      `json:"decrypted"`
	DecryptedAt        *time.Time                `json:"decrypted_at,omitempty"`
	DecryptedMessage   *string                   `json:"decrypted_message,omitempty"`
	CreatedAt          time.Time                 `json:"created_at"`
	SenderUsername     string                    `json:"senderUsername"`
	RecipientUsername  string                    `json:"recipientUsername,omitempty"`
	HasStego           bool                      `json:"has_stego"`
	HasOriginal        bool                      `json:"has_original"`
	HasEnc             bool                      `json:"has_enc"`
}

type MessageDispatcher struct {
	repo        domain.MessageRepository
	cipher      domain.CipherService
	resolver    *IdentityResolver
	packager    *PayloadPackager
	access      *AccessController
	audit       *AuditRecorder
	vigenereKey string
	logger      *slog.Logger
	metrics     *telemetry.Metrics
	now         func() time.Time
}

func NewMessageDispatcher(
	repo domain.MessageRepository,
	cipher domain.CipherService,
	resolver *IdentityResolver,
	packager *PayloadPackager,
	access *AccessController,
	audit *AuditRecorder,
	vigenereKey string,
	logger *slog.Logger,
	metrics *telemetry.Metrics,
) *MessageDispatcher {
	return &MessageDispatcher{
		repo:        repo,
		cipher:      cipher,
		resolver:    resolver,
		packager:    packager,
		access:      access,
		audit:       audit,
		vigenereKey: vigenereKey,
		logger:      logger,
		metrics:     metrics,
		now:         time.Now,
	}
}

// ==============================================================================
// Send
// ==============================================================================

// Submit encrypts and stores one message. Nothing is persisted or audited unless
// the Cipher Service returned a token.
func (d *MessageDispatcher) Submit(ctx context.Context, sender domain.Requester, req SendRequest) (*domain.Message, error) {
	const op = "dispatcher.Submit"

	// 1. Fail fast on bad input, before any side effect
	if err := validateSend(op, &req); err != nil {
		return nil, d.fail(op, err)
	}
	recipientKey := NormalizeKey(req.Recipient)

	// 2. Resolve the recipient. An unknown or unreachable directory is not fatal.
	canonical, err := d.resolver.Resolve(ctx, recipientKey)
	if err != nil {
		d.logger.Warn("Recipient lookup failed, continuing unresolved",
			slog.String("recipient", recipientKey),
			slog.Any("error", err))
		canonical = nil
	}
	cipherRecipient := recipientKey
	if canonical != nil {
		cipherRecipient = canonical.Username
	}

	// 3. Encode
	enc, err := d.cipher.Encode(ctx, domain.EncodeRequest{
		Plaintext: req.Data,
		Metadata: domain.CipherMetadata{
			PatientID:   req.PatientID,
			PatientName: req.PatientName,
			Sender:      sender.Username,
			Recipient:   cipherRecipient,
		},
		Cover: req.File,
	})
	if err != nil {
		return nil, d.fail(op, err)
	}
	if enc == nil || strings.TrimSpace(enc.CipherToken) == "" {
		return nil, d.fail(op, domain.NewError(domain.ErrUpstreamRejected, op, "encryption failed (no cipher_text)", nil))
	}

	// 4. Derive display ciphers and package the artifacts
	ciphers := utils.ComputeDisplayCiphers(req.Data, d.vigenereKey)
	artifacts, err := d.packager.Package(ctx, enc.CipherToken, enc.Stego, req.File)
	if err != nil {
		return nil, d.fail(op, err)
	}

	msg := &domain.Message{
		ID:                 uuid.New(),
		SenderIdentity:     sender.Username,
		RecipientKey:       recipientKey,
		RecipientCanonical: canonical,
		PatientID:          req.PatientID,
		PatientName:        req.PatientName,
		CipherToken:        enc.CipherToken,
		DisplayCiphers:     ciphers,
		Artifacts:          artifacts,
		CreatedAt:          d.now().UTC(),
	}
	if err := msg.Validate(); err != nil {
		return nil, d.fail(op, domain.Internal(op, "message failed integrity checks", err))
	}

	// 5. Persist. The token is never re-requested on failure.
	if err := d.repo.Create(ctx, msg); err != nil {
		return nil, d.fail(op, domain.Internal(op, "failed to store message", err))
	}
	if d.metrics != nil {
		d.metrics.MessagesSent.Inc()
	}

	// 6. Audit the committed send
	d.audit.Append(ctx, sender.Username, domain.ActionSendMessage, msg.PatientID, map[string]any{
		"recipient": msg.RecipientUsername(),
		"has_cover": req.File != nil,
	})

	d.logger.Info("Message sent",
		slog.String("message_id", msg.ID.String()),
		slog.String("sender", msg.SenderIdentity),
		slog.String("recipient", msg.RecipientUsername()),
		slog.Bool("has_cover", req.File != nil))

	return msg, nil
}

func validateSend(op string, req *SendRequest) error {
	req.Recipient = strings.TrimSpace(req.Recipient)
	req.PatientID = strings.TrimSpace(req.PatientID)
	req.PatientName = strings.TrimSpace(req.PatientName)

	if req.Recipient == "" || req.PatientID == "" || req.PatientName == "" || req.Data == "" {
		return domain.Validation(op, "patient_id, patient_name, recipient, data are required")
	}
	if req.File != nil {
		return validateMedia(op, req.File)
	}
	return nil
}

func validateMedia(op string, f *domain.MediaFile) error {
	if f == nil || f.B64 == "" || f.MIME == "" {
		return domain.Validation(op, "file {b64,mime,filename} required")
	}
	if _, err := f.Bytes(); err != nil {
		return domain.Validation(op, "file.b64 is not valid base64")
	}
	return nil
}

// ==============================================================================
// Decrypt
// ==============================================================================

// DecryptByID decodes the stored token for its recipient. The Cipher Service is
// asked every time; the first successful plaintext is the one that sticks.
func (d *MessageDispatcher) DecryptByID(ctx context.Context, id uuid.UUID, requester domain.Requester) (*DecryptResult, error) {
	const op = "dispatcher.DecryptByID"

	msg, err := d.load(ctx, op, id)
	if err != nil {
		return nil, d.fail(op, err)
	}
	if !d.access.CanDecrypt(requester, msg) {
		return nil, d.fail(op, domain.Forbidden(op))
	}

	dec, err := d.cipher.Decode(ctx, msg.CipherToken)
	if err != nil {
		return nil, d.fail(op, err)
	}

	if !msg.Decrypted {
		at := d.now().UTC()
		applied, err := d.repo.MarkDecrypted(ctx, msg.ID, dec.Plaintext, at)
		if err != nil {
			return nil, d.fail(op, domain.Internal(op, "failed to record decryption", err))
		}
		if applied {
			text := dec.Plaintext
			msg.Decrypted = true
			msg.DecryptedAt = &at
			msg.DecryptedMessage = &text
		} else {
			// Lost the race to a concurrent decrypt; the stored text wins.
			if msg, err = d.load(ctx, op, id); err != nil {
				return nil, d.fail(op, err)
			}
		}
	}
	if d.metrics != nil {
		d.metrics.MessagesDecoded.Inc()
	}

	d.audit.Append(ctx, requester.Username, domain.ActionDecryptMessage, msg.PatientID, map[string]any{
		"message_id": msg.ID.String(),
	})

	// Once recorded, the stored plaintext is the answer, even when it is empty.
	text := dec.Plaintext
	if msg.DecryptedMessage != nil {
		text = *msg.DecryptedMessage
	}
	return &DecryptResult{
		PatientID:        msg.PatientID,
		PatientName:      msg.PatientName,
		DecryptedMessage: text,
		Payload:          dec.Payload,
	}, nil
}

// ==============================================================================
// Extract
// ==============================================================================

// ExtractFromMedia recovers a payload hidden in an uploaded stego file.
func (d *MessageDispatcher) ExtractFromMedia(ctx context.Context, file *domain.MediaFile, requester domain.Requester) (*ExtractResult, error) {
	const op = "dispatcher.ExtractFromMedia"

	if err := validateMedia(op, file); err != nil {
		return nil, d.fail(op, err)
	}

	res, err := d.cipher.Extract(ctx, *file)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			if !errors.Is(err, domain.ErrNoEmbeddedData) {
				err = domain.NewError(domain.ErrNoEmbeddedData, op, "no embedded data found", err)
			}
			d.audit.Append(ctx, requester.Username, domain.ActionExtractMessage, "", map[string]any{
				"found":    false,
				"mime":     file.MIME,
				"filename": file.Filename,
			})
		}
		return nil, d.fail(op, err)
	}

	payload := res.Payload
	out := &ExtractResult{
		PatientID:   stringField(payload, "patient_id"),
		PatientName: stringField(payload, "patient_name"),
		Payload:     payload,
		CipherText:  res.CipherToken,
	}
	if m := stringField(payload, "message"); m != "" {
		out.DecryptedMessage = m
	} else {
		out.DecryptedMessage = payload
	}

	d.audit.Append(ctx, requester.Username, domain.ActionExtractMessage, out.PatientID, map[string]any{
		"found":    true,
		"mime":     file.MIME,
		"filename": file.Filename,
	})
	return out, nil
}

func stringField(m map[string]any, key string) string {
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}

// ==============================================================================
// Files
// ==============================================================================

// RetrieveFile serves one artifact to the recipient, the sender or an admin.
func (d *MessageDispatcher) RetrieveFile(ctx context.Context, id uuid.UUID, requester domain.Requester, kind domain.ArtifactKind) (*FileResult, error) {
	const op = "dispatcher.RetrieveFile"

	switch kind {
	case domain.ArtifactFull, domain.ArtifactStego, domain.ArtifactOriginal:
	default:
		return nil, d.fail(op, domain.Validation(op, "unknown file kind"))
	}

	msg, err := d.load(ctx, op, id)
	if err != nil {
		return nil, d.fail(op, err)
	}
	if !d.access.Allowed(requester, msg) {
		return nil, d.fail(op, domain.Forbidden(op))
	}

	a, ok := msg.Artifacts.Select(kind)
	if !ok || a == nil {
		return nil, d.fail(op, domain.NotFound(op, "no "+string(kind)+" file"))
	}
	if a.IsRemote() {
		return &FileResult{RedirectURL: a.RemoteURL, MIME: a.MIME, Filename: a.Filename}, nil
	}

	mime := a.MIME
	if mime == "" {
		mime = encMIME
	}
	filename := a.Filename
	if filename == "" {
		filename = string(kind)
	}
	return &FileResult{Content: a.InlineBytes, MIME: mime, Filename: filename}, nil
}

// ==============================================================================
// Listings
// ==============================================================================

// Inbox lists messages addressed to the requester by username, email or raw key.
func (d *MessageDispatcher) Inbox(ctx context.Context, requester domain.Requester) ([]MessageListItem, error) {
	const op = "dispatcher.Inbox"
	msgs, err := d.repo.ListForRecipient(ctx, requester.Keys())
	if err != nil {
		return nil, d.fail(op, domain.Internal(op, "failed to load inbox", err))
	}
	return d.listItems(ctx, msgs, true), nil
}

func (d *MessageDispatcher) Sent(ctx context.Context, requester domain.Requester) ([]MessageListItem, error) {
	const op = "dispatcher.Sent"
	msgs, err := d.repo.ListBySender(ctx, requester.Username)
	if err != nil {
		return nil, d.fail(op, domain.Internal(op, "failed to load sent messages", err))
	}
	return d.listItems(ctx, msgs, false), nil
}

func (d *MessageDispatcher) listItems(ctx context.Context, msgs []domain.Message, withPlaintext bool) []MessageListItem {
	// Older records may predate resolution; look each raw key up once per listing.
	resolved := make(map[string]string)
	lookup := func(key string) string {
		if name, ok := resolved[key]; ok {
			return name
		}
		name := ""
		if id, err := d.resolver.Resolve(ctx, key); err == nil && id != nil {
			name = id.Username
		}
		resolved[key] = name
		return name
	}

	items := make([]MessageListItem, 0, len(msgs))
	for _, m := range msgs {
		item := MessageListItem{
			ID:                 m.ID,
			Sender:             m.SenderIdentity,
			Recipient:          m.RecipientKey,
			RecipientCanonical: m.RecipientCanonical,
			PatientID:          m.PatientID,
			PatientName:        m.PatientName,
			DisplayCiphers:     m.DisplayCiphers,
			Decrypted:          m.Decrypted,
			DecryptedAt:        m.DecryptedAt,
			CreatedAt:          m.CreatedAt,
			SenderUsername:     m.SenderIdentity,
			HasStego:           m.Artifacts.Stego != nil && !m.Artifacts.Stego.Synthesized,
			HasOriginal:        m.Artifacts.Original != nil,
			HasEnc:             m.CipherToken != "",
		}
		if withPlaintext {
			item.DecryptedMessage = m.DecryptedMessage
		}
		if m.RecipientCanonical != nil {
			item.RecipientUsername = m.RecipientCanonical.Username
		} else {
			item.RecipientUsername = lookup(m.RecipientKey)
		}
		items = append(items, item)
	}
	return items
}

// ==============================================================================
// Helpers
// ==============================================================================

func (d *MessageDispatcher) load(ctx context.Context, op string, id uuid.UUID) (*domain.Message, error) {
	msg, err := d.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.NotFound(op, "message not found")
		}
		return nil, domain.Internal(op, "failed to load message", err)
	}
	return msg, nil
}

func (d *MessageDispatcher) fail(op string, err error) error {
	if d.metrics != nil {
		d.metrics.DispatchFailures.WithLabelValues(op, KindLabel(err)).Inc()
	}
	return err
}

// KindLabel names the error kind for metrics and logs.
func KindLabel(err error) string {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return "validation"
	case errors.Is(err, domain.ErrUnauthenticated):
		return "unauthenticated"
	case errors.Is(err, domain.ErrForbidden):
		return "forbidden"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrConflict):
		return "conflict"
	case errors.Is(err, domain.ErrUpstreamUnavailable):
		return "upstream_unavailable"
	case errors.Is(err, domain.ErrUpstreamRejected):
		return "upstream_rejected"
	}
	return "internal"
}
