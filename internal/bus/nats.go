package bus

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/opensource-finance/clearance/internal/domain"
)

// Header names carried on every NATS message. The payload travels as the
// raw message body.
const (
	HeaderTenant    = "Clearance-Tenant"
	HeaderTimestamp = "Clearance-Timestamp"
)

// NATSBus is the pro tier bus. Subjects are <prefix>.<tenant>.<topic>;
// AllTenants subscriptions use the single-token wildcard in the tenant slot.
type NATSBus struct {
	mu            sync.Mutex
	conn          *nats.Conn
	subscriptions map[*natsSubscription]struct{}
	prefix        string
	queueGroup    string
}

type natsSubscription struct {
	bus   *NATSBus
	topic string
	sub   *nats.Subscription
}

// NewNATSBus connects to NATS, retrying up to NATSMaxReconnects times.
func NewNATSBus(cfg domain.EventBusConfig) (*NATSBus, error) {
	if cfg.NATSUrl == "" {
		cfg.NATSUrl = nats.DefaultURL
	}
	if cfg.NATSMaxReconnects == 0 {
		cfg.NATSMaxReconnects = 10
	}
	if cfg.NATSReconnectWait == 0 {
		cfg.NATSReconnectWait = 5
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = DefaultSubjectPrefix
	}

	conn, err := connectWithRetry(cfg)
	if err != nil {
		return nil, err
	}

	slog.Info("NATS connected",
		"url", conn.ConnectedUrl(),
		"server_id", conn.ConnectedServerId(),
		"subject_prefix", cfg.SubjectPrefix,
		"queue_group", cfg.QueueGroup,
	)

	return &NATSBus{
		conn:          conn,
		subscriptions: make(map[*natsSubscription]struct{}),
		prefix:        cfg.SubjectPrefix,
		queueGroup:    cfg.QueueGroup,
	}, nil
}

func connectWithRetry(cfg domain.EventBusConfig) (*nats.Conn, error) {
	wait := time.Duration(cfg.NATSReconnectWait) * time.Second
	opts := []nats.Option{
		nats.Name("clearance"),
		nats.MaxReconnects(cfg.NATSMaxReconnects),
		nats.ReconnectWait(wait),
		nats.ReconnectBufSize(8 * 1024 * 1024),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			slog.Warn("NATS disconnected",
				"error", err,
				"will_reconnect", !nc.IsClosed(),
			)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			slog.Error("NATS async error",
				"error", err,
				"subject", subject,
			)
		}),
	}
	if cfg.NATSToken != "" {
		opts = append(opts, nats.Token(cfg.NATSToken))
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.NATSMaxReconnects; attempt++ {
		conn, err := nats.Connect(cfg.NATSUrl, opts...)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		slog.Warn("NATS connection attempt failed",
			"attempt", attempt,
			"max_attempts", cfg.NATSMaxReconnects,
			"error", err,
		)
		if attempt < cfg.NATSMaxReconnects {
			time.Sleep(wait)
		}
	}
	return nil, fmt.Errorf("failed to connect to NATS after %d attempts: %w", cfg.NATSMaxReconnects, lastErr)
}

// Publish sends payload as the message body with tenant and trace headers.
func (b *NATSBus) Publish(ctx context.Context, tenantID string, topic string, payload []byte) error {
	if err := checkTenant(tenantID, false); err != nil {
		return err
	}
	m := b.toNATS(newMessage(ctx, tenantID, topic, payload))
	if err := b.conn.PublishMsg(m); err != nil {
		return fmt.Errorf("failed to publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe registers a handler. documents.extracted subscriptions join
// the configured queue group so replicas split the stream.
func (b *NATSBus) Subscribe(ctx context.Context, tenantID string, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	if err := checkTenant(tenantID, true); err != nil {
		return nil, err
	}

	subject := b.subject(tenantID, topic)
	cb := func(m *nats.Msg) {
		msg := b.fromNATS(m, topic)
		if err := handler(handlerContext(ctx, msg), msg); err != nil {
			slog.Error("handler error",
				"subject", m.Subject,
				"tenant_id", msg.TenantID,
				"message_id", msg.ID,
				"error", err,
			)
		}
	}

	var (
		natsSub *nats.Subscription
		err     error
	)
	if b.queueGroup != "" && topic == domain.TopicDocumentsExtracted {
		natsSub, err = b.conn.QueueSubscribe(subject, b.queueGroup, cb)
	} else {
		natsSub, err = b.conn.Subscribe(subject, cb)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	sub := &natsSubscription{bus: b, topic: topic, sub: natsSub}
	b.mu.Lock()
	b.subscriptions[sub] = struct{}{}
	b.mu.Unlock()
	return sub, nil
}

// Request uses NATS request-reply. The responder's body is returned as is.
func (b *NATSBus) Request(ctx context.Context, tenantID string, topic string, payload []byte) ([]byte, error) {
	if err := checkTenant(tenantID, false); err != nil {
		return nil, err
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, requestTimeout)
		defer cancel()
	}

	reply, err := b.conn.RequestMsgWithContext(ctx, b.toNATS(newMessage(ctx, tenantID, topic, payload)))
	if err != nil {
		return nil, fmt.Errorf("request on %s failed: %w", topic, err)
	}
	return reply.Data, nil
}

// Ping flushes the connection to confirm the server is reachable.
func (b *NATSBus) Ping(ctx context.Context) error {
	if !b.conn.IsConnected() {
		return fmt.Errorf("NATS not connected: %s", b.conn.Status())
	}
	return b.conn.FlushWithContext(ctx)
}

// Close drains subscriptions and closes the connection.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	for sub := range b.subscriptions {
		_ = sub.sub.Unsubscribe()
	}
	b.subscriptions = make(map[*natsSubscription]struct{})
	b.mu.Unlock()

	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
		return fmt.Errorf("failed to drain NATS connection: %w", err)
	}
	return nil
}

// Stats returns NATS connection statistics.
func (b *NATSBus) Stats() nats.Statistics {
	return b.conn.Stats()
}

func (b *NATSBus) subject(tenantID, topic string) string {
	return subjectFor(b.prefix, tenantID, topic)
}

func subjectFor(prefix, tenantID, topic string) string {
	return prefix + "." + tenantID + "." + topic
}

func (b *NATSBus) toNATS(msg *domain.Message) *nats.Msg {
	m := nats.NewMsg(b.subject(msg.TenantID, msg.Topic))
	m.Data = msg.Payload
	for k, v := range msg.Metadata {
		m.Header.Set(k, v)
	}
	m.Header.Set(nats.MsgIdHdr, msg.ID)
	m.Header.Set(HeaderTenant, msg.TenantID)
	m.Header.Set(HeaderTimestamp, strconv.FormatInt(msg.Timestamp, 10))
	return m
}

// fromNATS rebuilds the envelope. Messages from publishers that set no
// headers take the tenant from the subject.
func (b *NATSBus) fromNATS(m *nats.Msg, topic string) *domain.Message {
	msg := &domain.Message{
		Topic:    topic,
		Payload:  m.Data,
		Metadata: make(map[string]string),
	}
	for k := range m.Header {
		switch k {
		case nats.MsgIdHdr:
			msg.ID = m.Header.Get(k)
		case HeaderTenant:
			msg.TenantID = m.Header.Get(k)
		case HeaderTimestamp:
			msg.Timestamp, _ = strconv.ParseInt(m.Header.Get(k), 10, 64)
		default:
			msg.Metadata[strings.ToLower(k)] = m.Header.Get(k)
		}
	}
	if msg.TenantID == "" {
		msg.TenantID = tenantFromSubject(b.prefix, m.Subject)
	}
	return msg
}

func tenantFromSubject(prefix, subject string) string {
	rest, ok := strings.CutPrefix(subject, prefix+".")
	if !ok {
		return ""
	}
	tenant, _, _ := strings.Cut(rest, ".")
	return tenant
}

func (s *natsSubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	delete(s.bus.subscriptions, s)
	s.bus.mu.Unlock()
	return s.sub.Unsubscribe()
}

func (s *natsSubscription) Topic() string {
	return s.topic
}
