package services_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/irgordon/medsecure/api/internal/core/domain"
	"github.com/irgordon/medsecure/api/internal/core/services"
	"github.com/irgordon/medsecure/api/internal/telemetry"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// --- directory ---

type fakeDirectory struct {
	users []*domain.User
	err   error
}

func (f *fakeDirectory) FindByIdentifier(_ context.Context, identifier string) (*domain.User, error) {
	if f.err != nil {
		return nil, f.err
	}
	for _, u := range f.users {
		if strings.EqualFold(u.Username, identifier) || strings.EqualFold(u.Email, identifier) {
			return u, nil
		}
	}
	return nil, domain.ErrNotFound
}

// --- cipher service ---

type fakeCipher struct {
	mu          sync.Mutex
	encodeCalls int
	decodeCalls int
	lastEncode  domain.EncodeRequest

	encode    func(req domain.EncodeRequest) (*domain.EncodeResult, error)
	decodes   []*domain.DecodeResult
	decodeErr error
	extract   func(media domain.MediaFile) (*domain.ExtractResult, error)
}

func (f *fakeCipher) Encode(_ context.Context, req domain.EncodeRequest) (*domain.EncodeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.encodeCalls++
	f.lastEncode = req
	if f.encode == nil {
		return &domain.EncodeResult{CipherToken: "CT123"}, nil
	}
	return f.encode(req)
}

func (f *fakeCipher) Decode(_ context.Context, _ string) (*domain.DecodeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.decodeErr != nil {
		return nil, f.decodeErr
	}
	i := f.decodeCalls
	f.decodeCalls++
	if i >= len(f.decodes) {
		i = len(f.decodes) - 1
	}
	return f.decodes[i], nil
}

func (f *fakeCipher) Extract(_ context.Context, media domain.MediaFile) (*domain.ExtractResult, error) {
	return f.extract(media)
}

func (f *fakeCipher) Health(context.Context) (bool, error) {
	return true, nil
}

// --- message store ---

type fakeMessages struct {
	mu        sync.Mutex
	byID      map[uuid.UUID]domain.Message
	createErr error
}

func newFakeMessages() *fakeMessages {
	return &fakeMessages{byID: make(map[uuid.UUID]domain.Message)}
}

func (f *fakeMessages) Create(_ context.Context, msg *domain.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	f.byID[msg.ID] = *msg
	return nil
}

func (f *fakeMessages) GetByID(_ context.Context, id uuid.UUID) (*domain.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.byID[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &m, nil
}

func (f *fakeMessages) MarkDecrypted(_ context.Context, id uuid.UUID, plaintext string, at time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.byID[id]
	if !ok {
		return false, domain.ErrNotFound
	}
	if m.Decrypted {
		return false, nil
	}
	m.Decrypted = true
	m.DecryptedAt = &at
	m.DecryptedMessage = &plaintext
	f.byID[id] = m
	return true, nil
}

func (f *fakeMessages) ListForRecipient(_ context.Context, keys []string) ([]domain.Message, error) {
	return f.list(func(m domain.Message) bool {
		for _, k := range keys {
			if strings.EqualFold(m.RecipientKey, k) ||
				(m.RecipientCanonical != nil && (strings.EqualFold(m.RecipientCanonical.Username, k) || strings.EqualFold(m.RecipientCanonical.Email, k))) {
				return true
			}
		}
		return false
	}), nil
}

func (f *fakeMessages) ListBySender(_ context.Context, sender string) ([]domain.Message, error) {
	return f.list(func(m domain.Message) bool { return m.SenderIdentity == sender }), nil
}

func (f *fakeMessages) list(keep func(domain.Message) bool) []domain.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Message
	for _, m := range f.byID {
		if keep(m) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (f *fakeMessages) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.byID)
}

// --- audit ---

type fakeAudit struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
	err     error
	filter  domain.AuditFilter
}

func (f *fakeAudit) Append(_ context.Context, e *domain.AuditEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	e.ID = int64(len(f.entries) + 1)
	f.entries = append(f.entries, *e)
	return nil
}

func (f *fakeAudit) List(_ context.Context, filter domain.AuditFilter) ([]domain.AuditEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filter = filter
	var out []domain.AuditEntry
	for i := len(f.entries) - 1; i >= 0 && len(out) < filter.Limit; i-- {
		if filter.Actor == "" || f.entries[i].ActorIdentity == filter.Actor {
			out = append(out, f.entries[i])
		}
	}
	return out, nil
}

func (f *fakeAudit) byAction(a domain.AuditAction) []domain.AuditEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.AuditEntry
	for _, e := range f.entries {
		if e.Action == a {
			out = append(out, e)
		}
	}
	return out
}

// --- object store ---

type fakeStore struct {
	mu   sync.Mutex
	keys []string
	err  error
}

func (f *fakeStore) Upload(_ context.Context, key string, _ []byte, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.keys = append(f.keys, key)
	return "https://objects.example.test/" + key, nil
}

var errBoom = errors.New("boom")

// --- wiring ---

type harness struct {
	dispatcher *services.MessageDispatcher
	recorder   *services.AuditRecorder
	cipher     *fakeCipher
	messages   *fakeMessages
	audit      *fakeAudit
	metrics    *telemetry.Metrics
}

var (
	alice = domain.Requester{Username: "alice", Email: "alice@clinic.test", Role: domain.RoleDoctor}
	bob   = domain.Requester{Username: "bob", Email: "bob@clinic.test", Role: domain.RoleDoctor}
	carol = domain.Requester{Username: "carol", Email: "carol@clinic.test", Role: domain.RoleDoctor}
	admin = domain.Requester{Username: "root", Email: "root@clinic.test", Role: domain.RoleAdmin}
)

func testDirectory() *fakeDirectory {
	return &fakeDirectory{users: []*domain.User{
		{ID: uuid.New(), Username: "alice", Email: "alice@clinic.test", Role: domain.RoleDoctor},
		{ID: uuid.New(), Username: "bob", Email: "bob@clinic.test", Role: domain.RoleDoctor},
		{ID: uuid.New(), Username: "carol", Email: "carol@clinic.test", Role: domain.RoleDoctor},
		{ID: uuid.New(), Username: "root", Email: "root@clinic.test", Role: domain.RoleAdmin},
	}}
}

func newHarness(t *testing.T, cipher *fakeCipher, store domain.ObjectStore) *harness {
	t.Helper()
	logger := discardLogger()
	metrics := telemetry.NewMetrics()
	messages := newFakeMessages()
	audit := &fakeAudit{}
	recorder := services.NewAuditRecorder(audit, logger, metrics, time.Second)

	d := services.NewMessageDispatcher(
		messages,
		cipher,
		services.NewIdentityResolver(testDirectory(), time.Second),
		services.NewPayloadPackager(store, logger, metrics, time.Second),
		services.NewAccessController(),
		recorder,
		"MEDSECURE",
		logger,
		metrics,
	)
	return &harness{dispatcher: d, recorder: recorder, cipher: cipher, messages: messages, audit: audit, metrics: metrics}
}
