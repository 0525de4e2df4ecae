package services

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/irgordon/medsecure/api/internal/core/domain"
	"github.com/irgordon/medsecure/api/internal/telemetry"
)

const (
	MaxAuditListLimit   = 500
	defaultAuditTimeout = 5 * time.Second
)

// AuditRecorder appends audit entries without ever failing the caller.
// Writes run in the background on a context detached from the request.
type AuditRecorder struct {
	repo    domain.AuditRepository
	logger  *slog.Logger
	metrics *telemetry.Metrics
	timeout time.Duration
	now     func() time.Time
	wg      sync.WaitGroup
}

func NewAuditRecorder(repo domain.AuditRepository, logger *slog.Logger, metrics *telemetry.Metrics, timeout time.Duration) *AuditRecorder {
	if timeout <= 0 {
		timeout = defaultAuditTimeout
	}
	return &AuditRecorder{
		repo:    repo,
		logger:  logger,
		metrics: metrics,
		timeout: timeout,
		now:     time.Now,
	}
}

func (a *AuditRecorder) Append(ctx context.Context, actor string, action domain.AuditAction, patientID string, details map[string]any) {
	entry := &domain.AuditEntry{
		ActorIdentity: actor,
		Action:        action,
		PatientID:     patientID,
		Details:       details,
		Timestamp:     a.now().UTC(),
	}

	detached := context.WithoutCancel(ctx)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				a.fail(entry, fmt.Errorf("audit write panicked: %v", r))
			}
		}()

		writeCtx, cancel := context.WithTimeout(detached, a.timeout)
		defer cancel()

		if err := a.repo.Append(writeCtx, entry); err != nil {
			a.fail(entry, err)
		}
	}()
}

// Wait blocks until every pending write has finished. Called on shutdown.
func (a *AuditRecorder) Wait() {
	a.wg.Wait()
}

func (a *AuditRecorder) fail(entry *domain.AuditEntry, err error) {
	a.logger.Error("Audit write failed",
		slog.String("actor", entry.ActorIdentity),
		slog.String("action", string(entry.Action)),
		slog.String("patient_id", entry.PatientID),
		slog.Any("details", entry.Details),
		slog.Time("timestamp", entry.Timestamp),
		slog.Any("error", err),
	)
	if a.metrics != nil {
		a.metrics.AuditFailures.Inc()
	}
}

// List returns the newest entries first. Admins see every actor; everyone else
// sees only their own trail.
func (a *AuditRecorder) List(ctx context.Context, requester domain.Requester, limit int) ([]domain.AuditEntry, error) {
	if limit <= 0 || limit > MaxAuditListLimit {
		limit = MaxAuditListLimit
	}

	filter := domain.AuditFilter{Limit: limit}
	if !requester.IsAdmin() {
		filter.Actor = requester.Username
	}

	entries, err := a.repo.List(ctx, filter)
	if err != nil {
		return nil, domain.Internal("audit.List", "failed to load audit log", err)
	}
	return entries, nil
}
