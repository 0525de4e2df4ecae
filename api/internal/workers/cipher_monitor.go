package workers

import (
	"context"
	"log/slog"
	"time"

	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/irgordon/medsecure/api/internal/core/domain"
	"github.com/irgordon/medsecure/api/internal/telemetry"
)

// CipherHealthService is the name reported on the gRPC health endpoint.
const CipherHealthService = "cipher"

const defaultCheckTimeout = 5 * time.Second

// StatusSetter is satisfied by *health.Server.
type StatusSetter interface {
	SetServingStatus(service string, status healthpb.HealthCheckResponse_ServingStatus)
}

// CipherMonitor polls the Cipher Service health endpoint in the background.
// It never sits on the request path; it only feeds the gauge, the gRPC health
// status and the logs.
type CipherMonitor struct {
	cipher       domain.CipherService
	health       StatusSetter
	metrics      *telemetry.Metrics
	logger       *slog.Logger
	interval     time.Duration
	checkTimeout time.Duration

	up    bool
	known bool
}

func NewCipherMonitor(
	cipher domain.CipherService,
	health StatusSetter,
	metrics *telemetry.Metrics,
	logger *slog.Logger,
	interval time.Duration,
) *CipherMonitor {
	return &CipherMonitor{
		cipher:       cipher,
		health:       health,
		metrics:      metrics,
		logger:       logger,
		interval:     interval,
		checkTimeout: defaultCheckTimeout,
	}
}

// Start blocks until ctx is cancelled. The first check runs immediately.
func (m *CipherMonitor) Start(ctx context.Context) {
	m.Check(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check runs one probe and reports whether the service answered ok.
func (m *CipherMonitor) Check(ctx context.Context) bool {
	// 🛡️ Per-check Timeout: a stalled service must not hang the worker
	checkCtx, cancel := context.WithTimeout(ctx, m.checkTimeout)
	defer cancel()

	ok, err := m.cipher.Health(checkCtx)
	up := err == nil && ok

	if m.metrics != nil {
		if up {
			m.metrics.CipherUp.Set(1)
		} else {
			m.metrics.CipherUp.Set(0)
		}
	}
	if m.health != nil {
		status := healthpb.HealthCheckResponse_NOT_SERVING
		if up {
			status = healthpb.HealthCheckResponse_SERVING
		}
		m.health.SetServingStatus(CipherHealthService, status)
	}

	m.transition(up, err)
	return up
}

// transition logs only when the observed state changes.
func (m *CipherMonitor) transition(up bool, err error) {
	defer func() { m.up, m.known = up, true }()

	if m.known && m.up == up {
		return
	}
	if up {
		m.logger.Info("Cipher service is reachable")
		return
	}
	m.logger.Warn("Cipher service is unavailable", slog.Any("error", err))
}
