package worker

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-finance/clearance/internal/assessor"
	"github.com/opensource-finance/clearance/internal/bus"
	"github.com/opensource-finance/clearance/internal/domain"
	"github.com/opensource-finance/clearance/internal/procedure"
	"github.com/opensource-finance/clearance/internal/registry"
)

func newAssessor(t *testing.T, eventBus domain.EventBus) *assessor.Service {
	t.Helper()
	reg, err := registry.Default()
	if err != nil {
		t.Fatalf("failed to load registry: %v", err)
	}
	cat, err := procedure.Default()
	if err != nil {
		t.Fatalf("failed to load catalog: %v", err)
	}
	return assessor.NewService(registry.NewHolder(reg), cat, assessor.WithEventBus(eventBus))
}

func documentsPayload(t *testing.T, tenantID string, declared float64) []byte {
	t.Helper()
	msg := map[string]any{
		"tenantId":    tenantID,
		"caseId":      "case-001",
		"traceId":     "trace-001",
		"procedureId": "transit",
		"documents": map[string]any{
			"bill_of_lading": map[string]any{"docId": "bl-1", "confidence": 0.9, "fields": map[string]any{"bl_number": "CN-1"}},
			"invoice":        map[string]any{"docId": "inv-1", "confidence": 0.9, "fields": map[string]any{"total_value": 1000}},
			"declaration":    map[string]any{"docId": "dec-1", "confidence": 0.9, "fields": map[string]any{"declared_value": declared, "shipment_id": "CN-1"}},
		},
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	return payload
}

func waitFor(t *testing.T, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}

func TestWorker(t *testing.T) {
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()

	svc := newAssessor(t, eventBus)
	worker := NewWorker(eventBus, svc)

	t.Run("StartAndStop", func(t *testing.T) {
		err := worker.Start(Config{TenantIDs: []string{"tenant-001"}})
		if err != nil {
			t.Fatalf("Start failed: %v", err)
		}

		stats := worker.GetStats()
		if stats.SubscriptionCount != 1 {
			t.Errorf("expected 1 subscription, got %d", stats.SubscriptionCount)
		}

		if err := worker.Stop(); err != nil {
			t.Errorf("Stop failed: %v", err)
		}

		stats = worker.GetStats()
		if stats.SubscriptionCount != 0 {
			t.Errorf("expected 0 subscriptions after stop, got %d", stats.SubscriptionCount)
		}
	})

	t.Run("ProcessDocuments", func(t *testing.T) {
		w := NewWorker(eventBus, svc)
		w.Start(Config{TenantIDs: []string{"tenant-test"}})
		defer w.Stop()

		var completed atomic.Pointer[bus.AssessmentEvent]
		eventBus.Subscribe(context.Background(), "tenant-test", domain.TopicAssessmentCompleted, func(ctx context.Context, msg *domain.Message) error {
			var ev bus.AssessmentEvent
			if err := json.Unmarshal(msg.Payload, &ev); err != nil {
				return err
			}
			completed.Store(&ev)
			return nil
		})

		err := eventBus.Publish(context.Background(), "tenant-test", domain.TopicDocumentsExtracted, documentsPayload(t, "tenant-test", 1000))
		if err != nil {
			t.Fatalf("Publish failed: %v", err)
		}

		if !waitFor(t, func() bool { return completed.Load() != nil }) {
			t.Fatal("expected completion event to be published")
		}

		ev := completed.Load()
		if ev.ProcedureID != "transit" {
			t.Errorf("expected procedure 'transit', got '%s'", ev.ProcedureID)
		}
		if ev.Score != 0 || ev.Level != domain.LevelLow {
			t.Errorf("expected clean LOW assessment, got %d %s", ev.Score, ev.Level)
		}
		if got := w.GetStats().Processed; got != 1 {
			t.Errorf("expected 1 processed, got %d", got)
		}
	})

	t.Run("ReviewPublished", func(t *testing.T) {
		w := NewWorker(eventBus, svc)
		w.Start(Config{TenantIDs: []string{"tenant-review"}})
		defer w.Stop()

		var reviewReceived atomic.Bool
		eventBus.Subscribe(context.Background(), "tenant-review", domain.TopicReviewRequired, func(ctx context.Context, msg *domain.Message) error {
			reviewReceived.Store(true)
			return nil
		})

		payload := documentsPayload(t, "tenant-review", 1000)
		var msg map[string]any
		json.Unmarshal(payload, &msg)
		msg["priorFlag"] = true
		msg["entityId"] = "acme"
		payload, _ = json.Marshal(msg)

		eventBus.Publish(context.Background(), "tenant-review", domain.TopicDocumentsExtracted, payload)

		if !waitFor(t, reviewReceived.Load) {
			t.Error("expected review event for a flagged entity")
		}
	})

	t.Run("InvalidDocumentsRejected", func(t *testing.T) {
		w := NewWorker(eventBus, svc)
		w.Start(Config{TenantIDs: []string{"tenant-bad"}})
		defer w.Stop()

		payload := []byte(`{"documents":{"manifest":{"docId":"m-1","fields":{}}}}`)
		eventBus.Publish(context.Background(), "tenant-bad", domain.TopicDocumentsExtracted, payload)
		eventBus.Publish(context.Background(), "tenant-bad", domain.TopicDocumentsExtracted, []byte("not json"))

		if !waitFor(t, func() bool { return w.GetStats().Rejected == 2 }) {
			t.Errorf("expected 2 rejected messages, got %d", w.GetStats().Rejected)
		}
		if w.GetStats().Processed != 0 {
			t.Error("expected nothing processed")
		}
	})

	t.Run("AllTenants", func(t *testing.T) {
		w := NewWorker(eventBus, svc)
		if err := w.Start(Config{}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer w.Stop()

		eventBus.Publish(context.Background(), "tenant-x", domain.TopicDocumentsExtracted, documentsPayload(t, "", 1000))
		eventBus.Publish(context.Background(), "tenant-y", domain.TopicDocumentsExtracted, documentsPayload(t, "", 1000))

		if !waitFor(t, func() bool { return w.GetStats().Processed == 2 }) {
			t.Errorf("expected 2 processed across tenants, got %d", w.GetStats().Processed)
		}
	})

	t.Run("MultiTenant", func(t *testing.T) {
		w := NewWorker(eventBus, svc)
		w.Start(Config{TenantIDs: []string{"tenant-a", "tenant-b"}})
		defer w.Stop()

		stats := w.GetStats()
		if stats.SubscriptionCount != 2 {
			t.Errorf("expected 2 subscriptions for 2 tenants, got %d", stats.SubscriptionCount)
		}
	})
}

func TestDocumentsMessageParsing(t *testing.T) {
	var dm DocumentsMessage
	if err := json.Unmarshal(documentsPayload(t, "tenant-001", 900), &dm); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if dm.TenantID != "tenant-001" || dm.CaseID != "case-001" {
		t.Errorf("unexpected envelope: %+v", dm)
	}
	if dm.ProcedureID != "transit" {
		t.Errorf("expected embedded procedureId 'transit', got '%s'", dm.ProcedureID)
	}
	if len(dm.Documents) != 3 {
		t.Errorf("expected 3 documents, got %d", len(dm.Documents))
	}
}
