package cipher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/irgordon/medsecure/api/internal/core/domain"
	"github.com/irgordon/medsecure/api/internal/telemetry"
)

const defaultMaxResponseBytes = 32 << 20

// Config for the Cipher Service link. Timeout is mandatory: every call carries
// its own deadline so a stalled service can never hang a request.
type Config struct {
	BaseURL          string
	Timeout          time.Duration
	MaxResponseBytes int64
}

// Client speaks the Cipher Service JSON contract over HTTP.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	timeout    time.Duration
	maxBody    int64
	metrics    *telemetry.Metrics
}

func NewClient(cfg Config, metrics *telemetry.Metrics) (*Client, error) {
	if cfg.Timeout <= 0 {
		return nil, errors.New("cipher: a positive timeout is required")
	}
	u, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("cipher: invalid base url %q", cfg.BaseURL)
	}
	maxBody := cfg.MaxResponseBytes
	if maxBody <= 0 {
		maxBody = defaultMaxResponseBytes
	}
	return &Client{
		baseURL:    u,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		timeout:    cfg.Timeout,
		maxBody:    maxBody,
		metrics:    metrics,
	}, nil
}

// ==============================================================================
// Wire format
// ==============================================================================

type encryptRequest struct {
	PatientID   string            `json:"patient_id"`
	PatientName string            `json:"patient_name"`
	Data        string            `json:"data"`
	Sender      string            `json:"sender"`
	Recipient   string            `json:"recipient"`
	File        *domain.MediaFile `json:"file,omitempty"`
}

type encryptResponse struct {
	CipherText string            `json:"cipher_text"`
	StegoFile  *domain.MediaFile `json:"stego_file"`
	StegoError string            `json:"stego_error"`
}

type decryptRequest struct {
	CipherText string `json:"cipher_text"`
}

type decryptResponse struct {
	Data map[string]any `json:"data"`
}

type extractRequest struct {
	File domain.MediaFile `json:"file"`
}

type extractResponse struct {
	Data       map[string]any `json:"data"`
	CipherText string         `json:"cipher_text"`
	Error      string         `json:"error"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type healthResponse struct {
	OK bool `json:"ok"`
}

// ==============================================================================
// Operations
// ==============================================================================

func (c *Client) Encode(ctx context.Context, req domain.EncodeRequest) (*domain.EncodeResult, error) {
	const op = "cipher.Encode"
	body := encryptRequest{
		PatientID:   req.Metadata.PatientID,
		PatientName: req.Metadata.PatientName,
		Data:        req.Plaintext,
		Sender:      req.Metadata.Sender,
		Recipient:   req.Metadata.Recipient,
		File:        req.Cover,
	}

	status, raw, err := c.do(ctx, op, http.MethodPost, "/encrypt", body)
	if err != nil {
		return nil, err
	}
	if status < 200 || status > 299 {
		return nil, rejected(op, status, raw)
	}

	var resp encryptResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, domain.NewError(domain.ErrUpstreamRejected, op, "encryption service returned an invalid response", err)
	}
	if strings.TrimSpace(resp.CipherText) == "" {
		return nil, domain.NewError(domain.ErrUpstreamRejected, op, "encryption failed (no cipher_text)", nil)
	}

	result := &domain.EncodeResult{CipherToken: resp.CipherText}
	if resp.StegoFile != nil && resp.StegoFile.B64 != "" {
		result.Stego = resp.StegoFile
	}
	return result, nil
}

func (c *Client) Decode(ctx context.Context, cipherToken string) (*domain.DecodeResult, error) {
	const op = "cipher.Decode"
	status, raw, err := c.do(ctx, op, http.MethodPost, "/decrypt", decryptRequest{CipherText: cipherToken})
	if err != nil {
		return nil, err
	}
	if status < 200 || status > 299 {
		return nil, rejected(op, status, raw)
	}

	var resp decryptResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, domain.NewError(domain.ErrUpstreamRejected, op, "decrypt service returned an invalid response", err)
	}
	if resp.Data == nil {
		return nil, domain.NewError(domain.ErrUpstreamRejected, op, "decrypt service returned no data", nil)
	}
	return &domain.DecodeResult{Plaintext: plaintextOf(resp.Data), Payload: resp.Data}, nil
}

func (c *Client) Extract(ctx context.Context, media domain.MediaFile) (*domain.ExtractResult, error) {
	const op = "cipher.Extract"
	status, raw, err := c.do(ctx, op, http.MethodPost, "/extract", extractRequest{File: media})
	if err != nil {
		return nil, err
	}

	// The service answers 4xx with {error} when the media holds nothing it can read.
	if status >= 400 && status < 500 {
		msg := upstreamMessage(raw)
		if msg == "" {
			msg = "no embedded data found"
		}
		return nil, domain.NewError(domain.ErrNoEmbeddedData, op, msg, nil)
	}
	if status < 200 || status > 299 {
		return nil, rejected(op, status, raw)
	}

	var resp extractResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, domain.NewError(domain.ErrUpstreamRejected, op, "extract service returned an invalid response", err)
	}
	if len(resp.Data) == 0 {
		msg := resp.Error
		if msg == "" {
			msg = "no embedded data found"
		}
		return nil, domain.NewError(domain.ErrNoEmbeddedData, op, msg, nil)
	}
	return &domain.ExtractResult{CipherToken: resp.CipherText, Payload: resp.Data}, nil
}

// Health is for diagnostics only and is never called on the request path.
func (c *Client) Health(ctx context.Context) (bool, error) {
	const op = "cipher.Health"
	status, raw, err := c.do(ctx, op, http.MethodGet, "/health", nil)
	if err != nil {
		return false, err
	}
	if status != http.StatusOK {
		return false, rejected(op, status, raw)
	}
	var resp healthResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return false, domain.NewError(domain.ErrUpstreamRejected, op, "health endpoint returned an invalid response", err)
	}
	return resp.OK, nil
}

// ==============================================================================
// Transport
// ==============================================================================

func (c *Client) do(ctx context.Context, op, method, path string, in any) (int, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return 0, nil, domain.Internal(op, "failed to encode request", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.JoinPath(path).String(), body)
	if err != nil {
		return 0, nil, domain.Internal(op, "failed to build request", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.observe(op, "unavailable", start)
		return 0, nil, domain.NewError(domain.ErrUpstreamUnavailable, op, "cipher service unreachable", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody))
	if err != nil {
		c.observe(op, "unavailable", start)
		return 0, nil, domain.NewError(domain.ErrUpstreamUnavailable, op, "cipher service response interrupted", err)
	}

	outcome := "ok"
	if resp.StatusCode >= 300 {
		outcome = "rejected"
	}
	c.observe(op, outcome, start)
	return resp.StatusCode, raw, nil
}

func (c *Client) observe(op, outcome string, start time.Time) {
	if c.metrics == nil {
		return
	}
	c.metrics.CipherLatency.WithLabelValues(op, outcome).Observe(time.Since(start).Seconds())
}

func rejected(op string, status int, raw []byte) error {
	msg := upstreamMessage(raw)
	if msg == "" {
		msg = fmt.Sprintf("cipher service returned status %d", status)
	}
	return domain.NewError(domain.ErrUpstreamRejected, op, msg, fmt.Errorf("upstream status %d", status))
}

func upstreamMessage(raw []byte) string {
	var e errorResponse
	if err := json.Unmarshal(raw, &e); err != nil {
		return ""
	}
	if e.Error != "" {
		return e.Error
	}
	return e.Message
}

// plaintextOf prefers data.message, then data.payload.message.
func plaintextOf(data map[string]any) string {
	if s, ok := data["message"].(string); ok {
		return s
	}
	if nested, ok := data["payload"].(map[string]any); ok {
		if s, ok := nested["message"].(string); ok {
			return s
		}
	}
	return ""
}
