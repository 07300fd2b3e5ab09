package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/autofleet/autofleet/internal/common/config"
	"github.com/autofleet/autofleet/internal/common/logger"
)

// reconnectWait is how long the client sleeps between reconnect
// attempts after the server drops. Publishes issued while disconnected
// are buffered up to reconnectBufSize bytes, which comfortably covers
// the control plane's event rate of a few small JSON frames per step.
const (
	reconnectWait    = 2 * time.Second
	reconnectBufSize = 5 * 1024 * 1024
)

// NATSEventBus carries the control plane's events over a NATS server.
// Subjects and payloads are identical to the in-memory bus; it exists
// so that several control-plane instances, or external consumers such
// as a fleet dashboard, can share one event space.
type NATSEventBus struct {
	nc  *nats.Conn
	log *logger.Logger
}

// NewNATSEventBus connects to the configured server. Connection loss
// after this point is handled by the client: subscriptions survive
// reconnects and publishes are buffered while the server is away, so
// callers never see a mid-flight disconnect as an error.
func NewNATSEventBus(cfg config.NATSConfig, log *logger.Logger) (*NATSEventBus, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.ClientID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(reconnectWait),
		nats.ReconnectBufSize(reconnectBufSize),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", zap.Error(err))
				return
			}
			log.Info("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			if err := nc.LastError(); err != nil {
				log.Error("nats connection closed", zap.Error(err))
				return
			}
			log.Info("nats connection closed")
		}),
		// sub is nil for connection-level errors.
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			log.Error("nats async error", zap.String("subject", subject), zap.Error(err))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats at %s: %w", cfg.URL, err)
	}

	log.Info("connected to nats", zap.String("url", nc.ConnectedUrl()))
	return &NATSEventBus{nc: nc, log: log}, nil
}

// Publish marshals the event and fires it at subject. NATS publishes
// are fire-and-forget; transport failures after the client buffer
// accepts the frame surface through the async error handler, not here.
func (b *NATSEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", event.Type, err)
	}
	if err := b.nc.Publish(subject, payload); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	b.log.Debug("published event",
		zap.String("subject", subject),
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Type),
	)
	return nil
}

// Subscribe delivers every event published to subjects matching the
// pattern. Wildcard grammar is NATS's own, so patterns written against
// the memory bus behave the same here.
func (b *NATSEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	sub, err := b.nc.Subscribe(subject, b.deliverTo(subject, handler))
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", subject, err)
	}
	b.log.Debug("subscribed", zap.String("subject", subject))
	return &natsSubscription{sub: sub}, nil
}

// QueueSubscribe joins a queue group: each matching event is handed to
// exactly one member of the group.
func (b *NATSEventBus) QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error) {
	sub, err := b.nc.QueueSubscribe(subject, queue, b.deliverTo(subject, handler))
	if err != nil {
		return nil, fmt.Errorf("queue subscribe to %s (%s): %w", subject, queue, err)
	}
	b.log.Debug("subscribed", zap.String("subject", subject), zap.String("queue", queue))
	return &natsSubscription{sub: sub}, nil
}

// Request publishes the event and waits for one reply on its inbox.
// The wait is bounded by whichever of ctx and timeout ends first.
func (b *NATSEventBus) Request(ctx context.Context, subject string, event *Event, timeout time.Duration) (*Event, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshal request %s: %w", event.Type, err)
	}

	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	msg, err := b.nc.RequestWithContext(rctx, subject, payload)
	if err != nil {
		return nil, fmt.Errorf("request to %s: %w", subject, err)
	}

	var reply Event
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return nil, fmt.Errorf("decode reply from %s: %w", subject, err)
	}
	return &reply, nil
}

// Close drains the connection: subscriptions stop taking new messages,
// in-flight handlers finish, buffered publishes flush, then the socket
// closes. Falls back to a hard close if draining fails. The closed
// handler logs the final state either way.
func (b *NATSEventBus) Close() {
	if b.nc == nil {
		return
	}
	if err := b.nc.Drain(); err != nil {
		b.log.Warn("nats drain failed, closing hard", zap.Error(err))
		b.nc.Close()
	}
}

// IsConnected reports whether the client currently holds a live
// connection. It is false while the client is between reconnects.
func (b *NATSEventBus) IsConnected() bool {
	return b.nc != nil && b.nc.IsConnected()
}

// deliverTo adapts an EventHandler to a nats.MsgHandler. Undecodable
// payloads are dropped with a log line rather than wedging the
// subscription; handler errors are logged the same way the memory bus
// logs them.
func (b *NATSEventBus) deliverTo(pattern string, handler EventHandler) nats.MsgHandler {
	return func(msg *nats.Msg) {
		var event Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			b.log.Error("undecodable event payload",
				zap.String("subject", msg.Subject),
				zap.Error(err),
			)
			return
		}
		// Mirror the memory bus convention: the requester's inbox rides
		// in _reply so handlers can answer with a plain Publish.
		if msg.Reply != "" {
			if event.Data == nil {
				event.Data = map[string]any{}
			}
			event.Data["_reply"] = msg.Reply
		}
		if err := handler(context.Background(), &event); err != nil {
			b.log.Error("event handler failed",
				zap.String("subject", msg.Subject),
				zap.String("pattern", pattern),
				zap.String("event_id", event.ID),
				zap.Error(err),
			)
		}
	}
}

// natsSubscription adapts *nats.Subscription to the Subscription
// interface shared with the memory bus.
type natsSubscription struct {
	sub *nats.Subscription
}

func (s *natsSubscription) Unsubscribe() error {
	if s.sub == nil {
		return nil
	}
	return s.sub.Unsubscribe()
}

func (s *natsSubscription) IsValid() bool {
	return s.sub != nil && s.sub.IsValid()
}
