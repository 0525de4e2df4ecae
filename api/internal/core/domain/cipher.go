package domain

import (
	"context"
	"encoding/base64"
	"strings"
)

// MediaFile is the wire form of a file exchanged with the Cipher Service and the UI.
type MediaFile struct {
	B64      string `json:"b64" validate:"required"`
	MIME     string `json:"mime" validate:"required,max=100"`
	Filename string `json:"filename,omitempty" validate:"max=255"`
}

// Bytes decodes the base64 payload. A data URL prefix is tolerated.
func (f MediaFile) Bytes() ([]byte, error) {
	s := f.B64
	if i := strings.Index(s, ";base64,"); i >= 0 && strings.HasPrefix(s, "data:") {
		s = s[i+len(";base64,"):]
	}
	return base64.StdEncoding.DecodeString(s)
}

type CipherMetadata struct {
	PatientID   string
	PatientName string
	Sender      string
	Recipient   string
}

type EncodeRequest struct {
	Plaintext string
	Metadata  CipherMetadata
	Cover     *MediaFile
}

type EncodeResult struct {
	CipherToken string
	Stego       *MediaFile
}

type DecodeResult struct {
	Plaintext string
	Payload   map[string]any
}

type ExtractResult struct {
	CipherToken string
	Payload     map[string]any
}

// CipherService is the external encode/decode/extract engine. Tokens are opaque.
type CipherService interface {
	Encode(ctx context.Context, req EncodeRequest) (*EncodeResult, error)
	Decode(ctx context.Context, cipherToken string) (*DecodeResult, error)
	Extract(ctx context.Context, media MediaFile) (*ExtractResult, error)
	Health(ctx context.Context) (bool, error)
}

// ObjectStore uploads artifact bytes and returns a URL the client can be redirected to.
type ObjectStore interface {
	Upload(ctx context.Context, key string, data []byte, contentType string) (string, error)
}
