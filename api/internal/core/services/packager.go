package services

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/irgordon/medsecure/api/internal/core/domain"
	"github.com/irgordon/medsecure/api/internal/telemetry"
)

const (
	encMIME       = "application/octet-stream"
	objectKeyRoot = "medsecure"
)

var extensionPattern = regexp.MustCompile(`(?i)\.[a-z0-9]+$`)

var mimeExtensions = map[string]string{
	"image/png":   "png",
	"image/jpeg":  "jpg",
	"image/jpg":   "jpg",
	"image/webp":  "webp",
	"audio/wav":   "wav",
	"audio/x-wav": "wav",
	"audio/mpeg":  "mp3",
	"audio/mp3":   "mp3",
}

// ExtensionForMIME falls back to "bin" for anything outside the supported media set.
func ExtensionForMIME(mime string) string {
	if ext, ok := mimeExtensions[strings.ToLower(strings.TrimSpace(mime))]; ok {
		return ext
	}
	return "bin"
}

// ResolveFilename keeps a name that already carries an extension and otherwise
// derives one from the MIME type.
func ResolveFilename(name, mime, fallbackBase string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		name = fallbackBase
	}
	if extensionPattern.MatchString(name) {
		return name
	}
	return name + "." + ExtensionForMIME(mime)
}

// PayloadPackager turns Cipher Service output into storable artifacts. With an
// object store it uploads and keeps only the URL; without one, or when an upload
// fails, the bytes are kept inline on the message.
type PayloadPackager struct {
	store         domain.ObjectStore
	logger        *slog.Logger
	metrics       *telemetry.Metrics
	uploadTimeout time.Duration
	now           func() time.Time
}

func NewPayloadPackager(store domain.ObjectStore, logger *slog.Logger, metrics *telemetry.Metrics, uploadTimeout time.Duration) *PayloadPackager {
	return &PayloadPackager{
		store:         store,
		logger:        logger,
		metrics:       metrics,
		uploadTimeout: uploadTimeout,
		now:           time.Now,
	}
}

func (p *PayloadPackager) Package(ctx context.Context, cipherToken string, stego, original *domain.MediaFile) (domain.Artifacts, error) {
	const op = "packager.Package"
	var out domain.Artifacts

	// 1. Stego artifact, or the synthesized .enc wrapper around the raw token
	if stego != nil && stego.B64 != "" {
		data, err := stego.Bytes()
		if err != nil {
			return out, domain.NewError(domain.ErrUpstreamRejected, op, "cipher service returned an undecodable stego file", err)
		}
		filename := ResolveFilename(stego.Filename, stego.MIME, "stego")
		out.Stego = p.put(ctx, "stego", data, stego.MIME, filename)
	} else {
		filename := fmt.Sprintf("message-%d.enc", p.now().UnixMilli())
		a := p.put(ctx, "stego", []byte(cipherToken), encMIME, filename)
		a.Synthesized = true
		out.Stego = a
	}

	// 2. Original cover, only when one was supplied
	if original != nil && original.B64 != "" {
		data, err := original.Bytes()
		if err != nil {
			return out, domain.Validation(op, "file.b64 is not valid base64")
		}
		filename := ResolveFilename(original.Filename, original.MIME, "original")
		out.Original = p.put(ctx, "original", data, original.MIME, filename)
	}

	return out, nil
}

func (p *PayloadPackager) put(ctx context.Context, folder string, data []byte, mime, filename string) *domain.Artifact {
	if p.store != nil {
		key := fmt.Sprintf("%s/%s/%s-%s", objectKeyRoot, folder, uuid.NewString(), filename)

		uploadCtx := ctx
		if p.uploadTimeout > 0 {
			var cancel context.CancelFunc
			uploadCtx, cancel = context.WithTimeout(ctx, p.uploadTimeout)
			defer cancel()
		}

		url, err := p.store.Upload(uploadCtx, key, data, mime)
		if err == nil && url != "" {
			p.count("remote")
			return &domain.Artifact{RemoteURL: url, MIME: mime, Filename: filename}
		}
		p.logger.Warn("Object store upload failed, keeping artifact inline",
			slog.String("key", key),
			slog.Int("bytes", len(data)),
			slog.Any("error", err),
		)
	}

	p.count("inline")
	return &domain.Artifact{InlineBytes: data, MIME: mime, Filename: filename}
}

func (p *PayloadPackager) count(mode string) {
	if p.metrics != nil {
		p.metrics.ArtifactsStored.WithLabelValues(mode).Inc()
	}
}
