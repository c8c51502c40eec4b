package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/clearance/internal/domain"
)

// requestTimeout bounds Request when the context has no deadline.
const requestTimeout = 30 * time.Second

// MetadataReplyTo names the topic a channel bus responder publishes its
// answer on.
const MetadataReplyTo = "reply-to"

// ChannelBus is the in-process community tier bus. Delivery is best effort:
// a subscriber whose buffer is full loses the message.
type ChannelBus struct {
	mu            sync.RWMutex
	bufferSize    int
	subscriptions map[string][]*channelSubscription
	closed        bool
	dropped       atomic.Int64
}

type channelSubscription struct {
	bus     *ChannelBus
	id      string
	key     string
	topic   string
	handler domain.MessageHandler
	msgCh   chan *domain.Message
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewChannelBus creates a channel bus. Each subscriber gets a buffer of
// bufferSize messages (1000 when not positive).
func NewChannelBus(bufferSize int) *ChannelBus {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	return &ChannelBus{
		bufferSize:    bufferSize,
		subscriptions: make(map[string][]*channelSubscription),
	}
}

// Publish delivers to the tenant's subscribers and to AllTenants subscribers.
func (b *ChannelBus) Publish(ctx context.Context, tenantID string, topic string, payload []byte) error {
	if err := checkTenant(tenantID, false); err != nil {
		return err
	}
	return b.deliver(newMessage(ctx, tenantID, topic, payload))
}

func (b *ChannelBus) deliver(msg *domain.Message) error {
	// The read lock keeps Close from closing a channel mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}

	for _, key := range []string{subscriptionKey(msg.TenantID, msg.Topic), subscriptionKey(domain.AllTenants, msg.Topic)} {
		for _, sub := range b.subscriptions[key] {
			select {
			case sub.msgCh <- msg:
			default:
				b.dropped.Add(1)
				slog.Warn("subscriber buffer full, message dropped",
					"tenant_id", msg.TenantID,
					"topic", msg.Topic,
					"subscription_id", sub.id,
				)
			}
		}
	}
	return nil
}

// Subscribe starts a goroutine that feeds the handler until the
// subscription or the bus is closed.
func (b *ChannelBus) Subscribe(ctx context.Context, tenantID string, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	if err := checkTenant(tenantID, true); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &channelSubscription{
		bus:     b,
		id:      uuid.New().String(),
		key:     subscriptionKey(tenantID, topic),
		topic:   topic,
		handler: handler,
		msgCh:   make(chan *domain.Message, b.bufferSize),
		ctx:     subCtx,
		cancel:  cancel,
	}
	b.subscriptions[sub.key] = append(b.subscriptions[sub.key], sub)

	go sub.run()
	return sub, nil
}

func (s *channelSubscription) run() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg, ok := <-s.msgCh:
			if !ok {
				return
			}
			if err := s.handler(handlerContext(s.ctx, msg), msg); err != nil {
				slog.Debug("handler error",
					"topic", msg.Topic,
					"tenant_id", msg.TenantID,
					"message_id", msg.ID,
					"error", err,
				)
			}
		}
	}
}

// Request publishes on topic and waits for the first message on a private
// reply topic, named in the request's MetadataReplyTo entry.
func (b *ChannelBus) Request(ctx context.Context, tenantID string, topic string, payload []byte) ([]byte, error) {
	if err := checkTenant(tenantID, false); err != nil {
		return nil, err
	}

	replyCh := make(chan []byte, 1)
	replyTopic := topic + ".reply." + uuid.New().String()
	sub, err := b.Subscribe(ctx, tenantID, replyTopic, func(ctx context.Context, msg *domain.Message) error {
		select {
		case replyCh <- msg.Payload:
		default:
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	defer sub.Unsubscribe()

	msg := newMessage(ctx, tenantID, topic, payload)
	msg.Metadata[MetadataReplyTo] = replyTopic
	if err := b.deliver(msg); err != nil {
		return nil, err
	}

	timer := time.NewTimer(requestTimeout)
	defer timer.Stop()
	select {
	case reply := <-replyCh:
		return reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("request on %s timed out", topic)
	}
}

// Ping reports ErrClosed after Close.
func (b *ChannelBus) Ping(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	return nil
}

// Close stops every subscription. Further calls return ErrClosed.
func (b *ChannelBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true

	for _, subs := range b.subscriptions {
		for _, sub := range subs {
			sub.cancel()
			close(sub.msgCh)
		}
	}
	b.subscriptions = make(map[string][]*channelSubscription)
	return nil
}

// Dropped returns how many messages were discarded because a subscriber's
// buffer was full.
func (b *ChannelBus) Dropped() int64 {
	return b.dropped.Load()
}

func subscriptionKey(tenantID, topic string) string {
	return tenantID + ":" + topic
}

// Unsubscribe stops delivery and detaches the subscription from the bus.
func (s *channelSubscription) Unsubscribe() error {
	s.cancel()

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	subs := s.bus.subscriptions[s.key]
	for i, other := range subs {
		if other == s {
			s.bus.subscriptions[s.key] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(s.bus.subscriptions[s.key]) == 0 {
		delete(s.bus.subscriptions, s.key)
	}
	return nil
}

func (s *channelSubscription) Topic() string {
	return s.topic
}
