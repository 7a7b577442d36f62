package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/EchoPBX/echopbx-kernel/pkg/sdk"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	DefaultLogCapacity = 1024
	DefaultMaxDepth    = 32
)

// ErrDispatchDepth is returned by Publish when nested publishes exceed the
// configured depth, which usually means a subscription cycle.
var ErrDispatchDepth = errors.New("dispatch depth exceeded")

// HandlerError wraps the failure of a single subscriber.
type HandlerError struct {
	Event        string
	Subscription sdk.SubscriptionID
	Owner        string
	Err          error
}

func (e *HandlerError) Error() string {
	if e.Owner != "" {
		return fmt.Sprintf("handler %d (%s) for %q: %v", e.Subscription, e.Owner, e.Event, e.Err)
	}
	return fmt.Sprintf("handler %d for %q: %v", e.Subscription, e.Event, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

type subscription struct {
	id      sdk.SubscriptionID
	owner   string
	handler sdk.Handler
}

// Bus is the synchronous, ordered event bus shared by one kernel and all of
// its plugins.
type Bus struct {
	log      *zap.Logger
	maxDepth int
	sink     Sink

	mu     sync.RWMutex
	nextID sdk.SubscriptionID
	subs   map[string][]subscription
	owners map[string]map[sdk.SubscriptionID]string

	history *ring
}

type Option func(*Bus)

func WithLogger(l *zap.Logger) Option { return func(b *Bus) { b.log = l } }

// WithLogCapacity bounds the in-memory event log to the last n entries. With
// n <= 0 the log keeps every entry.
func WithLogCapacity(n int) Option {
	return func(b *Bus) { b.history = newRing(n) }
}

func WithMaxDepth(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.maxDepth = n
		}
	}
}

// WithSink forwards every log entry to s in addition to the in-memory log.
func WithSink(s Sink) Option { return func(b *Bus) { b.sink = s } }

func NewBus(opts ...Option) *Bus {
	b := &Bus{
		log:      zap.NewNop(),
		maxDepth: DefaultMaxDepth,
		subs:     make(map[string][]subscription),
		owners:   make(map[string]map[sdk.SubscriptionID]string),
		history:  newRing(DefaultLogCapacity),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Publish logs the event and then runs every handler subscribed to it, in
// subscription order, before returning. A failing handler does not stop
// delivery to the rest; all failures are returned combined.
func (b *Bus) Publish(ctx context.Context, event string, payload any) error {
	if ctx == nil {
		ctx = context.Background()
	}
	b.append(event)

	depth := depthOf(ctx) + 1
	if depth > b.maxDepth {
		b.log.Warn("dispatch depth exceeded", zap.String("event", event), zap.Int("depth", depth))
		return fmt.Errorf("publish %q at depth %d: %w", event, depth, ErrDispatchDepth)
	}
	ctx = withDepth(ctx, depth)

	b.mu.RLock()
	subs := make([]subscription, len(b.subs[event]))
	copy(subs, b.subs[event])
	b.mu.RUnlock()

	b.log.Debug("publish", zap.String("event", event), zap.Int("subscribers", len(subs)))

	var errs error
	for _, s := range subs {
		if err := invoke(ctx, s.handler, payload); err != nil {
			herr := &HandlerError{Event: event, Subscription: s.id, Owner: s.owner, Err: err}
			b.log.Warn("handler failed",
				zap.String("event", event),
				zap.Uint64("subscription", uint64(s.id)),
				zap.String("owner", s.owner),
				zap.Error(err))
			errs = multierr.Append(errs, herr)
		}
	}
	return errs
}

func invoke(ctx context.Context, h sdk.Handler, payload any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h(ctx, payload)
}

func (b *Bus) Subscribe(event string, h sdk.Handler) sdk.SubscriptionID {
	return b.subscribe("", event, h)
}

func (b *Bus) subscribe(owner, event string, h sdk.Handler) sdk.SubscriptionID {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs[event] = append(b.subs[event], subscription{id: id, owner: owner, handler: h})
	if owner != "" {
		if b.owners[owner] == nil {
			b.owners[owner] = make(map[sdk.SubscriptionID]string)
		}
		b.owners[owner][id] = event
	}
	b.log.Debug("subscribe", zap.String("event", event), zap.Uint64("subscription", uint64(id)), zap.String("owner", owner))
	return id
}

// Unsubscribe removes the subscription id from event. Other subscriptions of
// the same handler are left in place.
func (b *Bus) Unsubscribe(event string, id sdk.SubscriptionID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.remove(event, id)
}

func (b *Bus) remove(event string, id sdk.SubscriptionID) bool {
	list := b.subs[event]
	for i, s := range list {
		if s.id != id {
			continue
		}
		// nueva slice: los snapshots en curso no se tocan
		next := make([]subscription, 0, len(list)-1)
		next = append(next, list[:i]...)
		next = append(next, list[i+1:]...)
		if len(next) == 0 {
			delete(b.subs, event)
		} else {
			b.subs[event] = next
		}
		if s.owner != "" {
			delete(b.owners[s.owner], id)
			if len(b.owners[s.owner]) == 0 {
				delete(b.owners, s.owner)
			}
		}
		return true
	}
	return false
}

// PurgeOwner drops every subscription made through Scoped(owner) and returns
// how many were removed.
func (b *Bus) PurgeOwner(owner string) int {
	if owner == "" {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for id, event := range b.owners[owner] {
		if b.remove(event, id) {
			n++
		}
	}
	delete(b.owners, owner)
	return n
}

// Subscribers returns the number of live subscriptions for event.
func (b *Bus) Subscribers(event string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[event])
}

// Scoped returns a handle that tags its subscriptions with owner.
func (b *Bus) Scoped(owner string) sdk.Bus {
	return &scopedBus{bus: b, owner: owner}
}

// Log returns the most recent entries, oldest first.
func (b *Bus) Log() []Entry { return b.history.snapshot() }

// Total is the number of publishes since the bus was created.
func (b *Bus) Total() uint64 { return b.history.total() }

func (b *Bus) append(event string) {
	e := b.history.add(event, time.Now().UTC())
	if b.sink == nil {
		return
	}
	if err := b.sink.Append(e); err != nil {
		b.log.Warn("event sink append failed", zap.String("event", event), zap.Error(err))
	}
}

type scopedBus struct {
	bus   *Bus
	owner string
}

func (s *scopedBus) Publish(ctx context.Context, event string, payload any) error {
	return s.bus.Publish(ctx, event, payload)
}

func (s *scopedBus) Subscribe(event string, h sdk.Handler) sdk.SubscriptionID {
	return s.bus.subscribe(s.owner, event, h)
}

func (s *scopedBus) Unsubscribe(event string, id sdk.SubscriptionID) bool {
	return s.bus.Unsubscribe(event, id)
}

type depthKey struct{}

func depthOf(ctx context.Context) int {
	d, _ := ctx.Value(depthKey{}).(int)
	return d
}

func withDepth(ctx context.Context, d int) context.Context {
	return context.WithValue(ctx, depthKey{}, d)
}
