package revocation

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/safehost/tokengate/internal/telemetry"
	"github.com/safehost/tokengate/logger"
)

const DefaultChannel = "revoked_tokens"

// Subscriber opens subscriptions on the revocation channel.
type Subscriber interface {
	Subscribe(ctx context.Context, channel string) (Subscription, error)
}

// Subscription delivers raw payloads until it fails or is closed.
type Subscription interface {
	Receive(ctx context.Context) ([]byte, error)
	Close(ctx context.Context) error
}

// State of the listener connection.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateSubscribed
	StateReading
	StateShutdown
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	case StateReading:
		return "reading"
	case StateShutdown:
		return "shutdown"
	default:
		return "disconnected"
	}
}

type ListenerConfig struct {
	Subscriber Subscriber
	Store      *Store
	Channel    string
	// EntryTTL is floored at MinEntryTTL.
	EntryTTL time.Duration

	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	Logger    *logger.GatedLogger
	Telemetry *telemetry.Sink
}

// Listener consumes revocation batches and marks the store. It runs until
// its context is cancelled and reconnects after any connection loss.
type Listener struct {
	subscriber Subscriber
	store      *Store
	channel    string
	entryTTL   time.Duration
	newBackoff func() backoff.BackOff
	logger     *logger.GatedLogger
	telemetry  *telemetry.Sink
	metrics    *Metrics

	state   atomic.Int32
	running atomic.Bool
	done    chan struct{}
	once    sync.Once
}

func NewListener(cfg ListenerConfig) (*Listener, error) {
	if cfg.Subscriber == nil {
		return nil, errors.New("revocation subscriber is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("revocation store is required")
	}
	if cfg.Channel == "" {
		cfg.Channel = DefaultChannel
	}
	if cfg.EntryTTL <= 0 {
		cfg.EntryTTL = DefaultEntryTTL
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewTestLogger()
	}

	initial, maxInterval := cfg.InitialBackoff, cfg.MaxBackoff
	return &Listener{
		subscriber: cfg.Subscriber,
		store:      cfg.Store,
		channel:    cfg.Channel,
		entryTTL:   EffectiveTTL(cfg.EntryTTL),
		newBackoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = initial
			b.MaxInterval = maxInterval
			// Retry forever
			b.MaxElapsedTime = 0
			b.Reset()
			return b
		},
		logger:    cfg.Logger.WithSubsystem("revocation.listener"),
		telemetry: cfg.Telemetry,
		metrics:   &Metrics{},
		done:      make(chan struct{}),
	}, nil
}

func (l *Listener) State() State {
	return State(l.state.Load())
}

func (l *Listener) setState(s State) {
	prev := State(l.state.Swap(int32(s)))
	if prev != s {
		l.logger.Trace("listener state changed",
			logger.String("from", prev.String()),
			logger.String("to", s.String()),
		)
	}
}

func (l *Listener) Metrics() *Metrics {
	return l.metrics
}

// Done is closed once Run has returned.
func (l *Listener) Done() <-chan struct{} {
	return l.done
}

// Run blocks until ctx is cancelled. It only returns an error when called
// twice.
func (l *Listener) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return errors.New("revocation listener already running")
	}
	defer l.once.Do(func() { close(l.done) })
	defer l.setState(StateShutdown)

	b := l.newBackoff()
	l.logger.Info("revocation listener starting",
		logger.String("channel", l.channel),
		logger.Duration("entry_ttl", l.entryTTL),
	)

	for {
		if ctx.Err() != nil {
			return nil
		}

		connID := uuid.NewString()
		log := l.logger.WithFields(logger.String("connection_id", connID))

		l.setState(StateConnecting)
		sub, err := l.subscriber.Subscribe(ctx, l.channel)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			l.metrics.IncrementConnectFailures()
			l.telemetry.IncrCounter([]string{"revocation", "connect", "failure"})
			wait := b.NextBackOff()
			log.Warn("revocation channel subscribe failed",
				logger.Err(err),
				logger.Duration("retry_in", wait),
			)
			l.setState(StateDisconnected)
			if !sleep(ctx, wait) {
				return nil
			}
			continue
		}

		l.setState(StateSubscribed)
		l.metrics.IncrementConnects()
		log.Info("subscribed to revocation channel", logger.String("channel", l.channel))

		err = l.read(ctx, sub, b.Reset)
		l.unsubscribe(sub, log)

		if ctx.Err() != nil {
			log.Info("revocation listener stopped")
			return nil
		}

		l.setState(StateDisconnected)
		wait := b.NextBackOff()
		log.Warn("revocation channel connection lost",
			logger.Err(err),
			logger.Duration("retry_in", wait),
		)
		if !sleep(ctx, wait) {
			return nil
		}
	}
}

func (l *Listener) read(ctx context.Context, sub Subscription, received func()) error {
	l.setState(StateReading)
	for {
		payload, err := sub.Receive(ctx)
		if err != nil {
			return err
		}
		received()
		l.Process(payload)
	}
}

func (l *Listener) unsubscribe(sub Subscription, log *logger.GatedLogger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sub.Close(ctx); err != nil {
		log.Debug("revocation channel unsubscribe failed", logger.Err(err))
	}
}

// Process applies one channel payload to the store. Failures are logged and
// counted, never returned: the listener must keep reading.
func (l *Listener) Process(payload []byte) {
	batch, err := ParseBatch(payload)
	switch {
	case errors.Is(err, ErrNotBatch):
		l.metrics.IncrementSkipped()
		l.logger.Debug("skipping non-batch payload", logger.Int("size", len(payload)))
		return
	case errors.Is(err, ErrEmptyBatch):
		l.metrics.IncrementSkipped()
		l.logger.Debug("skipping empty revocation batch")
		return
	case err != nil:
		l.metrics.IncrementMalformed()
		l.telemetry.IncrCounter([]string{"revocation", "payload", "malformed"})
		l.logger.Warn("discarding malformed revocation batch", logger.Err(err))
		return
	}

	for _, n := range batch {
		l.apply(n)
	}
}

func (l *Listener) apply(n Notification) {
	n = n.Normalized()
	if !n.HasIdentifier() {
		l.metrics.IncrementIgnored()
		l.telemetry.IncrCounter([]string{"revocation", "notifications", "ignored"})
		l.logger.Debug("ignoring revocation without identifiers",
			logger.String("authorization_id", n.AuthorizationID),
			logger.String("reason", n.Reason),
		)
		return
	}

	if n.TokenID != "" {
		l.store.MarkToken(n.TokenID, l.entryTTL)
	}
	sessionWide := n.SessionWide()
	if sessionWide {
		l.store.MarkSession(n.SessionReferenceID, l.entryTTL)
	}

	l.metrics.IncrementApplied()
	l.telemetry.IncrCounter([]string{"revocation", "notifications", "applied"})
	l.logger.Info("revocation applied",
		logger.String("token_id", n.TokenID),
		logger.String("session_id", n.SessionReferenceID),
		logger.Bool("session_wide", sessionWide),
		logger.String("client_id", n.ClientID),
		logger.String("reason", n.Reason),
	)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
