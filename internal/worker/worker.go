// Package worker assesses extracted document sets delivered on the EventBus.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/clearance/internal/assessor"
	"github.com/opensource-finance/clearance/internal/domain"
)

// Assessor runs one assessment. *assessor.Service implements it.
type Assessor interface {
	Assess(ctx context.Context, tenantID string, req *assessor.Request) (*domain.AuditRecord, error)
}

// Worker consumes documents.extracted events and assesses them.
// Results are published by the assessor itself.
type Worker struct {
	bus      domain.EventBus
	assessor Assessor

	processed atomic.Int64
	rejected  atomic.Int64
	failed    atomic.Int64

	mu            sync.Mutex
	subscriptions []domain.Subscription
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// TenantIDs limits the worker to these tenants. Empty subscribes across
	// all tenants.
	TenantIDs []string
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, a Assessor) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:      bus,
		assessor: a,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start begins processing messages for the given tenants.
func (w *Worker) Start(cfg Config) error {
	if len(cfg.TenantIDs) == 0 {
		return w.subscribe(domain.AllTenants)
	}

	for _, tenantID := range cfg.TenantIDs {
		if err := w.subscribe(tenantID); err != nil {
			slog.Error("failed to start worker for tenant",
				"tenant_id", tenantID,
				"error", err,
			)
			continue
		}
	}

	slog.Info("workers started",
		"tenant_count", len(cfg.TenantIDs),
	)
	return nil
}

func (w *Worker) subscribe(tenantID string) error {
	sub, err := w.bus.Subscribe(w.ctx, tenantID, domain.TopicDocumentsExtracted, w.process)
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.subscriptions = append(w.subscriptions, sub)
	w.mu.Unlock()

	slog.Info("worker subscribed",
		"tenant_id", tenantID,
		"topic", domain.TopicDocumentsExtracted,
	)
	return nil
}

// DocumentsMessage is the payload of a documents.extracted event. The
// tenant comes from the bus envelope; TenantID is only read when the
// envelope has none.
type DocumentsMessage struct {
	TenantID string `json:"tenantId,omitempty"`
	CaseID   string `json:"caseId,omitempty"`
	TraceID  string `json:"traceId,omitempty"`
	assessor.Request
}

// process assesses one message. Input errors are logged and dropped since
// redelivery cannot fix them.
func (w *Worker) process(ctx context.Context, msg *domain.Message) error {
	start := time.Now()

	var dm DocumentsMessage
	if err := json.Unmarshal(msg.Payload, &dm); err != nil {
		w.rejected.Add(1)
		slog.Error("failed to parse documents message",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	tenantID := msg.TenantID
	if tenantID == "" {
		tenantID = dm.TenantID
	}
	if tenantID == "" {
		w.rejected.Add(1)
		slog.Warn("documents message without tenant dropped", "message_id", msg.ID)
		return nil
	}

	traceID := dm.TraceID
	if traceID == "" {
		traceID = msg.ID
	}

	rec, err := w.assessor.Assess(ctx, tenantID, &dm.Request)
	if err != nil {
		var inputErr *domain.InputError
		if errors.As(err, &inputErr) {
			w.rejected.Add(1)
			slog.Warn("documents rejected",
				"tenant_id", tenantID,
				"case_id", dm.CaseID,
				"trace_id", traceID,
				"field", inputErr.Field,
				"error", err,
			)
			return nil
		}
		w.failed.Add(1)
		slog.Error("assessment failed",
			"tenant_id", tenantID,
			"case_id", dm.CaseID,
			"trace_id", traceID,
			"error", err,
		)
		return err
	}

	w.processed.Add(1)
	slog.Info("documents processed",
		"tenant_id", tenantID,
		"case_id", dm.CaseID,
		"trace_id", traceID,
		"assessment_id", rec.ID,
		"level", rec.Assessment.Level,
		"score", rec.Assessment.Score,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// Stop gracefully stops all workers.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	slog.Info("workers stopped")
	return nil
}

// Stats holds worker counters.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
	Processed         int64    `json:"processed"`
	Rejected          int64    `json:"rejected"`
	Failed            int64    `json:"failed"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	w.mu.Unlock()

	return Stats{
		SubscriptionCount: len(topics),
		Topics:            topics,
		Processed:         w.processed.Load(),
		Rejected:          w.rejected.Load(),
		Failed:            w.failed.Load(),
	}
}
