// Package bus provides the event buses that carry extraction and assessment
// events between the API, the worker and downstream consumers.
package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/clearance/internal/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// DefaultSubjectPrefix is the first token of every NATS subject.
const DefaultSubjectPrefix = "clearance"

var (
	ErrTenantRequired = errors.New("tenantID is required")
	ErrInvalidTenant  = errors.New("invalid tenantID")
	ErrClosed         = errors.New("bus is closed")
)

// New creates the event bus named by cfg.Type.
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "channel":
		return NewChannelBus(cfg.ChannelBufferSize), nil
	case "nats":
		return NewNATSBus(cfg)
	default:
		return nil, fmt.Errorf("unsupported event bus type: %s", cfg.Type)
	}
}

// checkTenant validates a publishing tenant. AllTenants is only valid on
// Subscribe.
func checkTenant(tenantID string, subscribe bool) error {
	switch {
	case tenantID == "":
		return ErrTenantRequired
	case tenantID == domain.AllTenants:
		if subscribe {
			return nil
		}
		return fmt.Errorf("%w: cannot publish to %q", ErrInvalidTenant, tenantID)
	case !domain.ValidTenantID(tenantID):
		return fmt.Errorf("%w: %q", ErrInvalidTenant, tenantID)
	}
	return nil
}

// newMessage builds an envelope and injects the caller's trace context into
// its metadata.
func newMessage(ctx context.Context, tenantID, topic string, payload []byte) *domain.Message {
	msg := &domain.Message{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		Topic:     topic,
		Payload:   payload,
		Metadata:  make(map[string]string),
		Timestamp: time.Now().UnixNano(),
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(msg.Metadata))
	return msg
}

// handlerContext continues the publisher's trace in the handler.
func handlerContext(ctx context.Context, msg *domain.Message) context.Context {
	if len(msg.Metadata) == 0 {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(msg.Metadata))
}
