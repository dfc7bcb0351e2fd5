// Package pubsub provides the notification channel between ingestion and the
// engine. The engine consumes the abstract Bus interface; InProcessBus is the
// bundled implementation used when ingestion and the engine share a process.
package pubsub

import (
	"log/slog"
	"sync"
)

// Event names published on the photo channel.
const (
	// ChannelPhotos is the channel carrying photo lifecycle events.
	ChannelPhotos = "photos"
	// EventUploaded signals that a new photo record may be available. The
	// payload is advisory only; consumers re-query the authoritative store.
	EventUploaded = "uploaded"
)

// Handler receives event payloads. Handlers must not block; slow handlers
// cause events to be dropped for that subscriber.
type Handler func(payload []byte)

// UnsubscribeFunc detaches a subscription. Safe to call more than once.
type UnsubscribeFunc func()

// Bus is the pub/sub abstraction consumed by the engine. Implementations may
// be in-process, or bridge to an external push service.
type Bus interface {
	// Subscribe registers handler for (channel, event) and returns an
	// unsubscribe handle.
	Subscribe(channel, event string, handler Handler) (UnsubscribeFunc, error)
	// Publish delivers payload to every current subscriber of
	// (channel, event). Delivery is best-effort and asynchronous.
	Publish(channel, event string, payload []byte)
}

const subscriberBuffer = 16

type subscriber struct {
	ch      chan []byte
	channel string
	event   string
}

// InProcessBus fans events out to per-subscriber buffered channels. A full
// buffer drops the event for that subscriber rather than blocking the
// publisher; consumers treat events as wake hints, not as data.
type InProcessBus struct {
	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	logger *slog.Logger
	closed bool
}

// Option configures an InProcessBus.
type Option func(*InProcessBus)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *InProcessBus) { b.logger = l }
}

// NewInProcessBus returns an empty bus.
func NewInProcessBus(opts ...Option) *InProcessBus {
	b := &InProcessBus{
		subs:   make(map[*subscriber]struct{}),
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Subscribe registers a handler; a goroutine per subscription drains its
// buffer into the handler until unsubscribed.
func (b *InProcessBus) Subscribe(channel, event string, handler Handler) (UnsubscribeFunc, error) {
	sub := &subscriber{
		ch:      make(chan []byte, subscriberBuffer),
		channel: channel,
		event:   event,
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBusClosed
	}
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	go func() {
		for payload := range sub.ch {
			handler(payload)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			if _, ok := b.subs[sub]; ok {
				delete(b.subs, sub)
				close(sub.ch)
			}
			b.mu.Unlock()
		})
	}, nil
}

// Publish delivers payload to matching subscribers, dropping it for any
// subscriber whose buffer is full.
func (b *InProcessBus) Publish(channel, event string, payload []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		if sub.channel != channel || sub.event != event {
			continue
		}
		select {
		case sub.ch <- payload:
		default:
			b.logger.Debug("pubsub: dropped event for slow subscriber",
				"channel", channel, "event", event)
		}
	}
}

// Close detaches every subscriber and rejects future subscriptions.
func (b *InProcessBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		delete(b.subs, sub)
		close(sub.ch)
	}
}
