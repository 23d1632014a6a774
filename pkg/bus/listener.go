// Package bus converts external pub/sub traffic into signed chronolog
// events. The listener runs on a dedicated background goroutine per
// project log; the Redis broker is the only place the core waits on an
// external service.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/discernus/discernus-sub006/pkg/chronolog"
)

// ChannelPattern is the shared, wildcard-subscribable prefix external
// publishers use for chronolog-bound events.
const ChannelPattern = "discernus.events.*"

// DefaultJoinTimeout bounds how long Stop waits for the background
// goroutine; teardown is never an unbounded wait.
const DefaultJoinTimeout = 5 * time.Second

// Message is one received pub/sub message.
type Message struct {
	Channel string
	Payload string
}

// Subscription is an established pattern subscription. Closing it makes
// the message channel close, which ends the capture loop.
type Subscription interface {
	Messages() <-chan Message
	Close() error
}

// Broker establishes pattern subscriptions. The Redis client is the
// production implementation; tests substitute an in-memory fake.
type Broker interface {
	Subscribe(ctx context.Context, pattern string) (Subscription, error)
}

// RedisBroker implements Broker on a Redis server.
type RedisBroker struct {
	client *redis.Client
}

// NewRedisBroker connects a broker to the Redis server at addr.
func NewRedisBroker(addr, password string, db int) *RedisBroker {
	return &RedisBroker{client: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

// Subscribe establishes the pattern subscription, confirming with the
// server before returning. An unreachable broker yields an error wrapping
// chronolog.ErrBusUnavailable so callers can degrade instead of failing.
func (b *RedisBroker) Subscribe(ctx context.Context, pattern string) (Subscription, error) {
	ps := b.client.PSubscribe(ctx, pattern)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("%w: subscribe %s: %v", chronolog.ErrBusUnavailable, pattern, err)
	}
	return newRedisSubscription(ps), nil
}

// Close releases the underlying Redis connection.
func (b *RedisBroker) Close() error {
	return b.client.Close()
}

type redisSubscription struct {
	ps  *redis.PubSub
	out chan Message
}

func newRedisSubscription(ps *redis.PubSub) *redisSubscription {
	sub := &redisSubscription{ps: ps, out: make(chan Message)}
	go func() {
		defer close(sub.out)
		for msg := range ps.Channel() {
			sub.out <- Message{Channel: msg.Channel, Payload: msg.Payload}
		}
	}()
	return sub
}

func (s *redisSubscription) Messages() <-chan Message { return s.out }

func (s *redisSubscription) Close() error { return s.ps.Close() }

// Listener captures bus traffic for one project log. For every received
// message it synthesizes an EXTERNAL_EVENT_CAPTURED event, attributing it
// to the session named in the message payload when present, else to the
// listener's starting session.
type Listener struct {
	log         *chronolog.ProjectLog
	sessionID   string
	broker      Broker
	pattern     string
	logger      *slog.Logger
	joinTimeout time.Duration

	mu       sync.Mutex
	sub      Subscription
	done     chan struct{}
	sequence uint64
}

// ListenerOption configures a Listener.
type ListenerOption func(*Listener)

// WithPattern overrides the subscribed channel pattern.
func WithPattern(pattern string) ListenerOption {
	return func(l *Listener) { l.pattern = pattern }
}

// WithJoinTimeout bounds how long Stop waits for the capture goroutine.
func WithJoinTimeout(d time.Duration) ListenerOption {
	return func(l *Listener) { l.joinTimeout = d }
}

// WithLogger sets the diagnostic logger.
func WithLogger(logger *slog.Logger) ListenerOption {
	return func(l *Listener) { l.logger = logger }
}

// NewListener creates a listener feeding log, attributing unattributed
// messages to sessionID.
func NewListener(log *chronolog.ProjectLog, sessionID string, broker Broker, opts ...ListenerOption) *Listener {
	l := &Listener{
		log:         log,
		sessionID:   sessionID,
		broker:      broker,
		pattern:     ChannelPattern,
		logger:      slog.Default(),
		joinTimeout: DefaultJoinTimeout,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Start establishes the subscription and launches the capture goroutine.
// It returns once the subscription is confirmed, not once listening ends.
// An unreachable broker surfaces as chronolog.ErrBusUnavailable.
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.sub != nil {
		return fmt.Errorf("listener already started for project %s", l.log.ProjectID())
	}

	sub, err := l.broker.Subscribe(ctx, l.pattern)
	if err != nil {
		return err
	}

	l.sub = sub
	l.done = make(chan struct{})
	go l.run(sub)

	l.logger.Info("bus capture started",
		"project", l.log.ProjectID(), "pattern", l.pattern, "session", l.sessionID)
	return nil
}

func (l *Listener) run(sub Subscription) {
	defer close(l.done)
	for msg := range sub.Messages() {
		l.capture(msg)
	}
}

func (l *Listener) capture(msg Message) {
	l.mu.Lock()
	l.sequence++
	seq := l.sequence
	l.mu.Unlock()

	sessionID := l.sessionID
	var body map[string]interface{}
	if err := json.Unmarshal([]byte(msg.Payload), &body); err == nil {
		if sid, ok := body["session_id"].(string); ok && sid != "" {
			sessionID = sid
		}
	}

	e, err := chronolog.NewEvent(chronolog.EventKindExternalEvent, sessionID, l.log.ProjectID(), chronolog.Payload{
		"channel":     msg.Channel,
		"message":     msg.Payload,
		"captured_at": time.Now().UTC().Format(time.RFC3339Nano),
		"sequence":    seq,
	})
	if err != nil {
		l.logger.Error("constructing capture event", "channel", msg.Channel, "error", err)
		return
	}
	if err := l.log.Append(e); err != nil {
		l.logger.Error("appending captured event", "channel", msg.Channel, "error", err)
	}
}

// Stop closes the subscription and joins the capture goroutine within the
// configured timeout. Idempotent; safe on a listener that never started.
func (l *Listener) Stop() error {
	l.mu.Lock()
	sub := l.sub
	done := l.done
	l.sub = nil
	l.mu.Unlock()

	if sub == nil {
		return nil
	}
	if err := sub.Close(); err != nil {
		l.logger.Warn("closing subscription", "project", l.log.ProjectID(), "error", err)
	}

	select {
	case <-done:
		return nil
	case <-time.After(l.joinTimeout):
		return fmt.Errorf("capture goroutine for project %s did not stop within %s",
			l.log.ProjectID(), l.joinTimeout)
	}
}
