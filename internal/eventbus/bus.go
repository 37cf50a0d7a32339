// Package eventbus provides in-process publish/subscribe for device, task,
// and constellation events. Delivery is synchronous and ordered: each
// observer sees events in publication order, and a panicking observer never
// aborts the publisher.
package eventbus

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/asterism-org/asterism/internal/logger"
	"github.com/asterism-org/asterism/internal/logger/tag"
)

// Observer receives every published event matching its subscription.
type Observer interface {
	OnEvent(evt Event)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(evt Event)

// OnEvent implements Observer.
func (f ObserverFunc) OnEvent(evt Event) { f(evt) }

// Bus fans events out to subscribers. It is process-local and passed by
// reference; Shutdown detaches all subscribers.
type Bus struct {
	mu     sync.Mutex
	subs   []*Subscription
	closed bool
	logger logger.Logger
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the logger used for observer panic reports.
func WithLogger(lg logger.Logger) Option {
	return func(b *Bus) { b.logger = lg }
}

// New creates an empty bus.
func New(opts ...Option) *Bus {
	b := &Bus{logger: logger.NewLogger()}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscription represents one attached observer.
type Subscription struct {
	kinds    map[Kind]struct{}
	observer Observer
	ctx      context.Context
	ch       chan Event
	missed   atomic.Bool
	canceled atomic.Bool
	once     sync.Once
}

// Cancel detaches the subscription. The bus prunes it on the next publish,
// so Cancel is safe to call from anywhere, including observer callbacks.
func (s *Subscription) Cancel() {
	s.canceled.Store(true)
}

// Missed reports whether events were dropped because the subscription's
// channel buffer was full, and resets the flag. Receivers that see a missed
// delivery re-read state instead of replaying a backlog.
func (s *Subscription) Missed() bool {
	return s.missed.Swap(false)
}

// close must only be called while holding the bus mutex, so channel sends
// and the close never race.
func (s *Subscription) close() {
	s.once.Do(func() {
		if s.ch != nil {
			close(s.ch)
		}
	})
}

func (s *Subscription) dead() bool {
	if s.canceled.Load() {
		return true
	}
	return s.ctx != nil && s.ctx.Err() != nil
}

func (s *Subscription) wants(k Kind) bool {
	if len(s.kinds) == 0 {
		return true
	}
	_, ok := s.kinds[k]
	return ok
}

// SubscribeFunc attaches a synchronous observer for the given kinds.
// No kinds means all events.
func (b *Bus) SubscribeFunc(fn func(Event), kinds ...Kind) *Subscription {
	return b.attach(ObserverFunc(fn), nil, 0, kinds)
}

// SubscribeObserver attaches a synchronous observer for the given kinds.
func (b *Bus) SubscribeObserver(obs Observer, kinds ...Kind) *Subscription {
	return b.attach(obs, nil, 0, kinds)
}

// Subscribe attaches a channel-backed subscription. Events are delivered
// without blocking the publisher: when the buffer is full the event is
// dropped and the missed flag is set. The subscription detaches when ctx is
// done.
func (b *Bus) Subscribe(ctx context.Context, buffer int, kinds ...Kind) (*Subscription, <-chan Event) {
	if buffer <= 0 {
		buffer = 1
	}
	sub := b.attach(nil, ctx, buffer, kinds)
	return sub, sub.ch
}

func (b *Bus) attach(obs Observer, ctx context.Context, buffer int, kinds []Kind) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscription{
		observer: obs,
		ctx:      ctx,
	}
	if len(kinds) > 0 {
		sub.kinds = make(map[Kind]struct{}, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = struct{}{}
		}
	}
	if obs == nil {
		sub.ch = make(chan Event, buffer)
	}
	if b.closed {
		sub.close()
		return sub
	}
	b.subs = append(b.subs, sub)
	return sub
}

// Publish delivers evt to all matching subscribers in registration order
// and prunes dead subscriptions. Publishing on a shut-down bus is a no-op.
func (b *Bus) Publish(evt Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	remaining := b.subs[:0]
	for _, sub := range b.subs {
		if sub.dead() {
			sub.close()
			continue
		}
		remaining = append(remaining, sub)

		if !sub.wants(evt.Kind()) {
			continue
		}
		if sub.observer != nil {
			b.deliver(sub.observer, evt)
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			sub.missed.Store(true)
		}
	}
	b.subs = remaining
}

func (b *Bus) deliver(obs Observer, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event observer panicked",
				tag.MsgType(string(evt.Kind())), "panic", r)
		}
	}()
	obs.OnEvent(evt)
}

// SubscriberCount returns the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for _, sub := range b.subs {
		if !sub.dead() {
			n++
		}
	}
	return n
}

// Shutdown detaches every subscription and closes their channels.
func (b *Bus) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for _, sub := range b.subs {
		sub.close()
	}
	b.subs = nil
}
