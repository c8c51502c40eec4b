package domain

import (
	"context"
)

// EventBus carries extraction and assessment events between the API, the
// worker and downstream consumers. Every call is scoped to one tenant.
type EventBus interface {
	Publish(ctx context.Context, tenantID string, topic string, payload []byte) error

	// Subscribe registers a handler for a topic. tenantID may be AllTenants,
	// in which case the handler sees every tenant's messages and must read
	// the tenant from Message.TenantID.
	Subscribe(ctx context.Context, tenantID string, topic string, handler MessageHandler) (Subscription, error)

	Request(ctx context.Context, tenantID string, topic string, payload []byte) ([]byte, error)

	Ping(ctx context.Context) error
	Close() error
}

// AllTenants subscribes to a topic across tenants.
const AllTenants = "*"

// MessageHandler processes incoming messages.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message is the bus envelope. Metadata carries trace context and is mapped
// to transport headers where the transport has them.
type Message struct {
	ID        string            `json:"id"`
	TenantID  string            `json:"tenantId"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"`
}

// Subscription is an active subscription.
type Subscription interface {
	Unsubscribe() error
	Topic() string
}

// EventBusConfig selects and tunes the event bus.
type EventBusConfig struct {
	// Type is "channel" (community) or "nats" (pro).
	Type string `yaml:"type"`

	ChannelBufferSize int `yaml:"channelBufferSize"`

	NATSUrl           string `yaml:"natsUrl"`
	NATSToken         string `yaml:"natsToken"`
	NATSMaxReconnects int    `yaml:"natsMaxReconnects"`
	NATSReconnectWait int    `yaml:"natsReconnectWait"` // seconds
	SubjectPrefix     string `yaml:"subjectPrefix"`     // subject = <prefix>.<tenant>.<topic>

	// QueueGroup, when set, makes worker replicas share documents.extracted
	// instead of each receiving every message.
	QueueGroup string `yaml:"queueGroup"`
}

// Topics of the assessment pipeline.
const (
	TopicDocumentsExtracted  = "clearance.documents.extracted"
	TopicAssessmentCompleted = "clearance.assessment.completed"
	TopicReviewRequired      = "clearance.assessment.review_required"
)
