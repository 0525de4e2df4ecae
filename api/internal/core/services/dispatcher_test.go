package services_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/irgordon/medsecure/api/internal/core/domain"
	"github.com/irgordon/medsecure/api/internal/core/services"
)

var pngBytes = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0}

func validSend() services.SendRequest {
	return services.SendRequest{
		Recipient:   "bob@clinic.test",
		PatientID:   "P-001",
		PatientName: "Jane Doe",
		Data:        "Diagnosis: Flu",
	}
}

func TestSubmit_WithoutCoverWrapsTokenInEncArtifact(t *testing.T) {
	h := newHarness(t, &fakeCipher{}, nil)
	ctx := context.Background()

	msg, err := h.dispatcher.Submit(ctx, alice, validSend())
	require.NoError(t, err)
	h.recorder.Wait()

	stored, err := h.messages.GetByID(ctx, msg.ID)
	require.NoError(t, err)

	assert.Equal(t, "CT123", stored.CipherToken)
	assert.Equal(t, "bob@clinic.test", stored.RecipientKey)
	require.NotNil(t, stored.RecipientCanonical)
	assert.Equal(t, "bob", stored.RecipientCanonical.Username)
	assert.Equal(t, "Gldjqrvlv: Iox", stored.DisplayCiphers.Caesar)
	assert.NotEmpty(t, stored.DisplayCiphers.Vigenere)

	require.NotNil(t, stored.Artifacts.Stego)
	enc := stored.Artifacts.Stego
	assert.True(t, enc.Synthesized)
	assert.Equal(t, []byte("CT123"), enc.InlineBytes)
	assert.Equal(t, "application/octet-stream", enc.MIME)
	assert.Regexp(t, `^message-\d+\.enc$`, enc.Filename)
	assert.Nil(t, stored.Artifacts.Original)

	sends := h.audit.byAction(domain.ActionSendMessage)
	require.Len(t, sends, 1)
	assert.Equal(t, "alice", sends[0].ActorIdentity)
	assert.Equal(t, "P-001", sends[0].PatientID)
	assert.Equal(t, "bob", sends[0].Details["recipient"])

	// The cipher service is told the canonical username, not the raw email.
	assert.Equal(t, "bob", h.cipher.lastEncode.Metadata.Recipient)
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.MessagesSent))
}

func TestSubmit_ValidationHasNoSideEffects(t *testing.T) {
	cases := map[string]func(r *services.SendRequest){
		"missing recipient":    func(r *services.SendRequest) { r.Recipient = "  " },
		"missing patient id":   func(r *services.SendRequest) { r.PatientID = "" },
		"missing patient name": func(r *services.SendRequest) { r.PatientName = "" },
		"missing data":         func(r *services.SendRequest) { r.Data = "" },
		"file without mime":    func(r *services.SendRequest) { r.File = &domain.MediaFile{B64: "AAAA"} },
		"file with bad base64": func(r *services.SendRequest) { r.File = &domain.MediaFile{B64: "%%%", MIME: "image/png"} },
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, &fakeCipher{}, nil)
			req := validSend()
			mutate(&req)

			_, err := h.dispatcher.Submit(context.Background(), alice, req)
			h.recorder.Wait()

			assert.ErrorIs(t, err, domain.ErrValidation)
			assert.Zero(t, h.cipher.encodeCalls)
			assert.Zero(t, h.messages.count())
			assert.Empty(t, h.audit.entries)
		})
	}
}

func TestSubmit_EncodeFailurePersistsNothing(t *testing.T) {
	cases := map[string]struct {
		encode func(domain.EncodeRequest) (*domain.EncodeResult, error)
		kind   error
	}{
		"unreachable": {
			encode: func(domain.EncodeRequest) (*domain.EncodeResult, error) {
				return nil, domain.NewError(domain.ErrUpstreamUnavailable, "cipher.Encode", "down", errBoom)
			},
			kind: domain.ErrUpstreamUnavailable,
		},
		"empty token": {
			encode: func(domain.EncodeRequest) (*domain.EncodeResult, error) {
				return &domain.EncodeResult{CipherToken: "   "}, nil
			},
			kind: domain.ErrUpstreamRejected,
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, &fakeCipher{encode: tc.encode}, nil)

			msg, err := h.dispatcher.Submit(context.Background(), alice, validSend())
			h.recorder.Wait()

			assert.Nil(t, msg)
			assert.ErrorIs(t, err, tc.kind)
			assert.Zero(t, h.messages.count())
			assert.Empty(t, h.audit.byAction(domain.ActionSendMessage))
		})
	}
}

func TestSubmit_PersistenceFailureDoesNotReEncode(t *testing.T) {
	h := newHarness(t, &fakeCipher{}, nil)
	h.messages.createErr = errBoom

	_, err := h.dispatcher.Submit(context.Background(), alice, validSend())
	h.recorder.Wait()

	assert.ErrorIs(t, err, domain.ErrInternal)
	assert.Equal(t, 1, h.cipher.encodeCalls)
	assert.Empty(t, h.audit.entries)
}

func TestSubmit_UnresolvedRecipientKeepsRawKey(t *testing.T) {
	h := newHarness(t, &fakeCipher{}, nil)
	req := validSend()
	req.Recipient = "  Locum@Elsewhere.TEST "

	msg, err := h.dispatcher.Submit(context.Background(), alice, req)
	require.NoError(t, err)
	h.recorder.Wait()

	assert.Equal(t, "locum@elsewhere.test", msg.RecipientKey)
	assert.Nil(t, msg.RecipientCanonical)
	assert.Equal(t, "locum@elsewhere.test", h.cipher.lastEncode.Metadata.Recipient)
}

func TestSubmit_WithCoverStoresStegoAndOriginal(t *testing.T) {
	cover := &domain.MediaFile{B64: base64.StdEncoding.EncodeToString(pngBytes), MIME: "image/png", Filename: "scan"}
	cipher := &fakeCipher{encode: func(domain.EncodeRequest) (*domain.EncodeResult, error) {
		return &domain.EncodeResult{
			CipherToken: "CT456",
			Stego:       &domain.MediaFile{B64: base64.StdEncoding.EncodeToString(pngBytes), MIME: "image/png"},
		}, nil
	}}
	h := newHarness(t, cipher, nil)
	req := validSend()
	req.File = cover

	msg, err := h.dispatcher.Submit(context.Background(), alice, req)
	require.NoError(t, err)
	h.recorder.Wait()

	require.NotNil(t, msg.Artifacts.Stego)
	assert.False(t, msg.Artifacts.Stego.Synthesized)
	assert.Equal(t, "stego.png", msg.Artifacts.Stego.Filename)
	require.NotNil(t, msg.Artifacts.Original)
	assert.Equal(t, "scan.png", msg.Artifacts.Original.Filename)
	assert.Equal(t, pngBytes, msg.Artifacts.Original.InlineBytes)
	assert.Equal(t, cover, h.cipher.lastEncode.Cover)
	assert.Equal(t, true, h.audit.byAction(domain.ActionSendMessage)[0].Details["has_cover"])
}

func sendOne(t *testing.T, h *harness) *domain.Message {
	t.Helper()
	msg, err := h.dispatcher.Submit(context.Background(), alice, validSend())
	require.NoError(t, err)
	return msg
}

func TestDecryptByID_IsIdempotent(t *testing.T) {
	cipher := &fakeCipher{decodes: []*domain.DecodeResult{
		{Plaintext: "Diagnosis: Flu", Payload: map[string]any{"message": "Diagnosis: Flu"}},
		{Plaintext: "something else", Payload: map[string]any{"message": "something else"}},
	}}
	h := newHarness(t, cipher, nil)
	msg := sendOne(t, h)
	ctx := context.Background()

	first, err := h.dispatcher.DecryptByID(ctx, msg.ID, bob)
	require.NoError(t, err)
	assert.Equal(t, "Diagnosis: Flu", first.DecryptedMessage)
	assert.Equal(t, "P-001", first.PatientID)

	second, err := h.dispatcher.DecryptByID(ctx, msg.ID, bob)
	require.NoError(t, err)
	h.recorder.Wait()

	assert.Equal(t, "Diagnosis: Flu", second.DecryptedMessage)
	assert.Equal(t, "something else", second.Payload["message"])
	assert.Equal(t, 2, cipher.decodeCalls)

	stored, _ := h.messages.GetByID(ctx, msg.ID)
	require.NotNil(t, stored.DecryptedMessage)
	assert.Equal(t, "Diagnosis: Flu", *stored.DecryptedMessage)
	assert.True(t, stored.Decrypted)
	assert.Len(t, h.audit.byAction(domain.ActionDecryptMessage), 2)
}

// staleOnce hands out one outdated copy of a message, as a concurrent decrypt
// would see it just before the other request commits.
type staleOnce struct {
	*fakeMessages
	stale *domain.Message
}

func (s *staleOnce) GetByID(ctx context.Context, id uuid.UUID) (*domain.Message, error) {
	if s.stale != nil {
		m := s.stale
		s.stale = nil
		return m, nil
	}
	return s.fakeMessages.GetByID(ctx, id)
}

func TestDecryptByID_LosingConcurrentDecryptKeepsStoredText(t *testing.T) {
	cipher := &fakeCipher{decodes: []*domain.DecodeResult{
		{Plaintext: "second", Payload: map[string]any{"message": "second"}},
	}}
	h := newHarness(t, cipher, nil)
	msg := sendOne(t, h)
	ctx := context.Background()

	stale, err := h.messages.GetByID(ctx, msg.ID)
	require.NoError(t, err)
	require.False(t, stale.Decrypted)

	applied, err := h.messages.MarkDecrypted(ctx, msg.ID, "first", time.Now())
	require.NoError(t, err)
	require.True(t, applied)

	repo := &staleOnce{fakeMessages: h.messages, stale: stale}
	d := services.NewMessageDispatcher(
		repo,
		cipher,
		services.NewIdentityResolver(testDirectory(), time.Second),
		services.NewPayloadPackager(nil, discardLogger(), h.metrics, time.Second),
		services.NewAccessController(),
		h.recorder,
		"MEDSECURE",
		discardLogger(),
		h.metrics,
	)

	res, err := d.DecryptByID(ctx, msg.ID, bob)
	require.NoError(t, err)
	h.recorder.Wait()

	assert.Equal(t, "first", res.DecryptedMessage)
	assert.Equal(t, "second", res.Payload["message"])
	assert.Equal(t, 1, cipher.decodeCalls)

	stored, _ := h.messages.GetByID(ctx, msg.ID)
	require.NotNil(t, stored.DecryptedMessage)
	assert.Equal(t, "first", *stored.DecryptedMessage)
}

func TestDecryptByID_EmptyStoredPlaintextStaysFixed(t *testing.T) {
	cipher := &fakeCipher{decodes: []*domain.DecodeResult{
		{Plaintext: "", Payload: map[string]any{}},
		{Plaintext: "later", Payload: map[string]any{"message": "later"}},
	}}
	h := newHarness(t, cipher, nil)
	msg := sendOne(t, h)
	ctx := context.Background()

	first, err := h.dispatcher.DecryptByID(ctx, msg.ID, bob)
	require.NoError(t, err)
	assert.Empty(t, first.DecryptedMessage)

	second, err := h.dispatcher.DecryptByID(ctx, msg.ID, bob)
	require.NoError(t, err)
	h.recorder.Wait()
	assert.Empty(t, second.DecryptedMessage)

	stored, _ := h.messages.GetByID(ctx, msg.ID)
	require.NotNil(t, stored.DecryptedMessage)
	assert.Empty(t, *stored.DecryptedMessage)
}

func TestDecryptByID_Access(t *testing.T) {
	cipher := &fakeCipher{decodes: []*domain.DecodeResult{{Plaintext: "x", Payload: map[string]any{}}}}
	h := newHarness(t, cipher, nil)
	msg := sendOne(t, h)
	ctx := context.Background()

	_, err := h.dispatcher.DecryptByID(ctx, uuid.New(), bob)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	for _, r := range []domain.Requester{carol, alice, admin} {
		_, err := h.dispatcher.DecryptByID(ctx, msg.ID, r)
		assert.ErrorIs(t, err, domain.ErrForbidden, r.Username)
	}
	assert.Zero(t, cipher.decodeCalls)

	byUsername := domain.Requester{Username: "BOB", Role: domain.RoleDoctor}
	_, err = h.dispatcher.DecryptByID(ctx, msg.ID, byUsername)
	assert.NoError(t, err)
}

func TestDecryptByID_UpstreamFailureLeavesMessageUntouched(t *testing.T) {
	cipher := &fakeCipher{decodeErr: domain.NewError(domain.ErrUpstreamUnavailable, "cipher.Decode", "down", nil)}
	h := newHarness(t, cipher, nil)
	msg := sendOne(t, h)

	_, err := h.dispatcher.DecryptByID(context.Background(), msg.ID, bob)
	h.recorder.Wait()

	assert.ErrorIs(t, err, domain.ErrUpstreamUnavailable)
	stored, _ := h.messages.GetByID(context.Background(), msg.ID)
	assert.False(t, stored.Decrypted)
	assert.Empty(t, h.audit.byAction(domain.ActionDecryptMessage))
}

func TestExtractFromMedia(t *testing.T) {
	media := &domain.MediaFile{B64: base64.StdEncoding.EncodeToString(pngBytes), MIME: "image/png", Filename: "stego.png"}

	t.Run("found", func(t *testing.T) {
		cipher := &fakeCipher{extract: func(domain.MediaFile) (*domain.ExtractResult, error) {
			return &domain.ExtractResult{
				CipherToken: "CT123",
				Payload:     map[string]any{"patient_id": "P-001", "patient_name": "Jane Doe", "message": "Diagnosis: Flu"},
			}, nil
		}}
		h := newHarness(t, cipher, nil)

		res, err := h.dispatcher.ExtractFromMedia(context.Background(), media, bob)
		require.NoError(t, err)
		h.recorder.Wait()

		assert.Equal(t, "P-001", res.PatientID)
		assert.Equal(t, "Jane Doe", res.PatientName)
		assert.Equal(t, "Diagnosis: Flu", res.DecryptedMessage)
		assert.Equal(t, "CT123", res.CipherText)

		entries := h.audit.byAction(domain.ActionExtractMessage)
		require.Len(t, entries, 1)
		assert.Equal(t, true, entries[0].Details["found"])
	})

	t.Run("no embedded data", func(t *testing.T) {
		cipher := &fakeCipher{extract: func(domain.MediaFile) (*domain.ExtractResult, error) {
			return nil, domain.NewError(domain.ErrNoEmbeddedData, "cipher.Extract", "no payload", nil)
		}}
		h := newHarness(t, cipher, nil)

		_, err := h.dispatcher.ExtractFromMedia(context.Background(), media, bob)
		h.recorder.Wait()

		assert.ErrorIs(t, err, domain.ErrNoEmbeddedData)
		entries := h.audit.byAction(domain.ActionExtractMessage)
		require.Len(t, entries, 1)
		assert.Equal(t, false, entries[0].Details["found"])
	})

	t.Run("upstream unavailable is not audited", func(t *testing.T) {
		cipher := &fakeCipher{extract: func(domain.MediaFile) (*domain.ExtractResult, error) {
			return nil, domain.NewError(domain.ErrUpstreamUnavailable, "cipher.Extract", "down", nil)
		}}
		h := newHarness(t, cipher, nil)

		_, err := h.dispatcher.ExtractFromMedia(context.Background(), media, bob)
		h.recorder.Wait()

		assert.ErrorIs(t, err, domain.ErrUpstreamUnavailable)
		assert.Empty(t, h.audit.entries)
	})

	t.Run("missing file", func(t *testing.T) {
		h := newHarness(t, &fakeCipher{}, nil)
		_, err := h.dispatcher.ExtractFromMedia(context.Background(), nil, bob)
		assert.ErrorIs(t, err, domain.ErrValidation)
	})
}

func TestRetrieveFile(t *testing.T) {
	cipher := &fakeCipher{encode: func(domain.EncodeRequest) (*domain.EncodeResult, error) {
		return &domain.EncodeResult{
			CipherToken: "CT456",
			Stego:       &domain.MediaFile{B64: base64.StdEncoding.EncodeToString(pngBytes), MIME: "image/png", Filename: "stego.png"},
		}, nil
	}}
	h := newHarness(t, cipher, nil)
	msg := sendOne(t, h)
	ctx := context.Background()

	t.Run("recipient gets the stego bytes", func(t *testing.T) {
		f, err := h.dispatcher.RetrieveFile(ctx, msg.ID, bob, domain.ArtifactStego)
		require.NoError(t, err)
		assert.Equal(t, "image/png", f.MIME)
		assert.Equal(t, pngBytes, f.Content)
		assert.Empty(t, f.RedirectURL)
	})

	t.Run("sender and admin are allowed", func(t *testing.T) {
		for _, r := range []domain.Requester{alice, admin} {
			_, err := h.dispatcher.RetrieveFile(ctx, msg.ID, r, domain.ArtifactFull)
			assert.NoError(t, err, r.Username)
		}
	})

	t.Run("third party is forbidden for every kind", func(t *testing.T) {
		for _, kind := range []domain.ArtifactKind{domain.ArtifactFull, domain.ArtifactStego, domain.ArtifactOriginal} {
			f, err := h.dispatcher.RetrieveFile(ctx, msg.ID, carol, kind)
			assert.Nil(t, f)
			assert.ErrorIs(t, err, domain.ErrForbidden, kind)
		}
	})

	t.Run("missing original is not found", func(t *testing.T) {
		_, err := h.dispatcher.RetrieveFile(ctx, msg.ID, bob, domain.ArtifactOriginal)
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("remote artifacts redirect", func(t *testing.T) {
		remote := newHarness(t, cipher, &fakeStore{})
		m := sendOne(t, remote)
		f, err := remote.dispatcher.RetrieveFile(ctx, m.ID, bob, domain.ArtifactStego)
		require.NoError(t, err)
		assert.Contains(t, f.RedirectURL, "medsecure/stego/")
		assert.Nil(t, f.Content)
	})
}

func TestInboxAndSent(t *testing.T) {
	h := newHarness(t, &fakeCipher{}, nil)
	ctx := context.Background()

	_ = sendOne(t, h)
	req := validSend()
	req.Recipient = "bob"
	_, err := h.dispatcher.Submit(ctx, carol, req)
	require.NoError(t, err)
	h.recorder.Wait()

	inbox, err := h.dispatcher.Inbox(ctx, bob)
	require.NoError(t, err)
	assert.Len(t, inbox, 2)
	for _, item := range inbox {
		assert.Equal(t, "bob", item.RecipientUsername)
		assert.True(t, item.HasEnc)
		assert.False(t, item.HasStego)
		assert.False(t, item.HasOriginal)
	}

	sent, err := h.dispatcher.Sent(ctx, alice)
	require.NoError(t, err)
	require.Len(t, sent, 1)
	assert.Equal(t, "alice", sent[0].SenderUsername)

	empty, err := h.dispatcher.Inbox(ctx, carol)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestListings_HidePlaintextFromSender(t *testing.T) {
	cipher := &fakeCipher{decodes: []*domain.DecodeResult{
		{Plaintext: "Diagnosis: Flu", Payload: map[string]any{"message": "Diagnosis: Flu"}},
	}}
	h := newHarness(t, cipher, nil)
	msg := sendOne(t, h)
	ctx := context.Background()

	_, err := h.dispatcher.DecryptByID(ctx, msg.ID, bob)
	require.NoError(t, err)
	h.recorder.Wait()

	sent, err := h.dispatcher.Sent(ctx, alice)
	require.NoError(t, err)
	require.Len(t, sent, 1)
	assert.True(t, sent[0].Decrypted)
	assert.Nil(t, sent[0].DecryptedMessage)

	raw, err := json.Marshal(sent)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "Diagnosis: Flu")
	assert.NotContains(t, string(raw), "CT123")
	assert.NotContains(t, string(raw), "cipher_text")

	inbox, err := h.dispatcher.Inbox(ctx, bob)
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	require.NotNil(t, inbox[0].DecryptedMessage)
	assert.Equal(t, "Diagnosis: Flu", *inbox[0].DecryptedMessage)

	raw, err = json.Marshal(inbox)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "CT123")
}
