package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"piovee/internal/pubsub"
)

// NotificationBridge couples the pub/sub channel to the reconciler. Each
// delivered event is treated purely as a wake signal, never as the payload
// to place; the reconciler always re-queries the authoritative
// unused-photo queue. Subscription establishment is retried under a bounded
// policy; when it gives up the bridge reports degraded connectivity and the
// polling timer remains the independent wake source.
type NotificationBridge struct {
	bus     pubsub.Bus
	wake    func() bool
	retry   RetryPolicy
	logger  *slog.Logger
	channel string
	event   string

	mu       sync.Mutex
	unsub    pubsub.UnsubscribeFunc
	cancel   context.CancelFunc
	degraded atomic.Bool
}

// BridgeOption configures a NotificationBridge.
type BridgeOption func(*NotificationBridge)

// WithBridgeRetry overrides the subscription retry policy.
func WithBridgeRetry(p RetryPolicy) BridgeOption {
	return func(b *NotificationBridge) { b.retry = p }
}

// WithBridgeLogger sets a custom logger.
func WithBridgeLogger(l *slog.Logger) BridgeOption {
	return func(b *NotificationBridge) { b.logger = l }
}

// WithBridgeSubject overrides the subscribed channel/event pair.
func WithBridgeSubject(channel, event string) BridgeOption {
	return func(b *NotificationBridge) {
		b.channel = channel
		b.event = event
	}
}

// Waker is anything that accepts a wake signal; both QueueReconciler and
// Engine satisfy it.
type Waker interface {
	Trigger() bool
}

// NewBridge constructs a bridge that wakes the given Waker on each event.
func NewBridge(bus pubsub.Bus, waker Waker, opts ...BridgeOption) *NotificationBridge {
	b := &NotificationBridge{
		bus:     bus,
		wake:    waker.Trigger,
		retry:   DefaultRetryPolicy(),
		logger:  slog.Default(),
		channel: pubsub.ChannelPhotos,
		event:   pubsub.EventUploaded,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Start establishes the subscription, retrying under the bounded policy.
// On exhaustion it returns the last error and marks the bridge degraded;
// callers keep running on the polling wake source.
func (b *NotificationBridge) Start(ctx context.Context) error {
	retryCtx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	b.cancel = cancel
	b.mu.Unlock()

	err := b.retry.Execute(retryCtx, func() error {
		unsub, err := b.bus.Subscribe(b.channel, b.event, func([]byte) {
			b.wake()
		})
		if err != nil {
			b.logger.Warn("bridge: subscribe failed", "channel", b.channel, "error", err)
			return err
		}
		b.mu.Lock()
		b.unsub = unsub
		b.mu.Unlock()
		return nil
	})
	if err != nil {
		b.degraded.Store(true)
		return fmt.Errorf("bridge: subscription failed after %d attempts: %w", b.retry.MaxAttempts, err)
	}
	b.degraded.Store(false)
	b.logger.Info("bridge: subscribed", "channel", b.channel, "event", b.event)
	return nil
}

// Degraded reports whether the bridge gave up on its subscription and the
// system is running on polling alone.
func (b *NotificationBridge) Degraded() bool { return b.degraded.Load() }

// Close unsubscribes and cancels any pending retry.
func (b *NotificationBridge) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		b.cancel()
		b.cancel = nil
	}
	if b.unsub != nil {
		b.unsub()
		b.unsub = nil
	}
}
