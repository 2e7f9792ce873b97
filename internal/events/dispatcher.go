// Package events normalizes push payloads, invalidates the affected cache
// keys and fans events out to subscribers.
//
// Subscribers run synchronously in registration order on the dispatching
// goroutine. A subscriber that fails or panics is logged and skipped; the
// remaining subscribers still receive the event.
//
// A dossier change that reaches the dispatcher twice, once published locally
// and once as the push echo of the same write (same kind, entity and
// timestamp), is fanned out once, whichever copy arrives first. The echo
// still invalidates.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/roach88/atelier/internal/job"
	"github.com/roach88/atelier/internal/pushchan"
)

// Handler receives one event. payload is a Change for dossier events and a
// job.Notification for notifications.
type Handler func(eventType string, payload any) error

// Invalidator evicts a work order and its dependent keys.
type Invalidator interface {
	InvalidateJob(id string)
}

// DefaultEchoWindow is how long the first copy of a change is remembered
// while waiting for its twin.
const DefaultEchoWindow = time.Minute

const echoCapacity = 4096

// origin tells a locally published change from one received by push.
type origin uint8

const (
	fromLocal origin = iota + 1
	fromPush
)

type subscription struct {
	id string
	h  Handler
}

// Dispatcher is safe for concurrent use.
type Dispatcher struct {
	cache  Invalidator
	logger *slog.Logger
	now    func() time.Time
	ids    job.IDGenerator
	echoMu sync.Mutex
	echoes *ttlcache.Cache[string, origin]

	mu   sync.Mutex
	subs []subscription
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithClock sets the clock used for payloads without a timestamp.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// WithIDGenerator sets the subscription id generator.
func WithIDGenerator(g job.IDGenerator) Option {
	return func(d *Dispatcher) { d.ids = g }
}

// WithEchoWindow sets how long a change waits for its twin. Zero disables
// suppression.
func WithEchoWindow(d time.Duration) Option {
	return func(dp *Dispatcher) { dp.echoes = newEchoes(d) }
}

func newEchoes(window time.Duration) *ttlcache.Cache[string, origin] {
	if window <= 0 {
		return nil
	}
	return ttlcache.New(
		ttlcache.WithTTL[string, origin](window),
		ttlcache.WithCapacity[string, origin](echoCapacity),
		ttlcache.WithDisableTouchOnHit[string, origin](),
	)
}

// NewDispatcher creates a dispatcher. cache may be nil when no cache needs
// invalidating.
func NewDispatcher(cache Invalidator, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		cache:  cache,
		logger: slog.Default(),
		now:    time.Now,
		ids:    job.UUIDv7Generator{},
		echoes: newEchoes(DefaultEchoWindow),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// OnEvent handles one raw push payload: normalize, invalidate, fan out.
// Malformed payloads are logged and returned without side effects.
func (d *Dispatcher) OnEvent(raw []byte) error {
	c, err := Normalize(raw)
	if err != nil {
		d.logger.Warn("dropping push payload", "error", err, "payload", string(raw))
		return err
	}
	echo := d.duplicate(c, fromPush)
	if c.Timestamp.IsZero() {
		c.Timestamp = d.now().UTC()
	}

	if d.cache != nil {
		for _, id := range c.IDs() {
			d.cache.InvalidateJob(id)
		}
	}

	if echo {
		d.logger.Debug("push echo already delivered", "kind", c.Kind, "ids", c.IDs())
		return nil
	}

	d.logger.Debug("push event",
		"kind", c.Kind,
		"entity_type", c.EntityType,
		"ids", c.IDs())

	d.fanOut(c.EventType(), c)
	return nil
}

// Publish delivers a locally produced event to a snapshot of the current
// subscribers.
func (d *Dispatcher) Publish(eventType string, payload any) {
	if c, ok := payload.(Change); ok && d.duplicate(c, fromLocal) {
		d.logger.Debug("local change already delivered by push", "kind", c.Kind, "ids", c.IDs())
		return
	}
	d.fanOut(eventType, payload)
}

func echoKey(c Change) (string, bool) {
	if c.Timestamp.IsZero() || c.Kind != ChangeEntity || c.EntityID == "" {
		return "", false
	}
	return fmt.Sprintf("%s|%s|%d", c.Kind, c.EntityID, c.Timestamp.UnixNano()), true
}

// duplicate reports whether the twin of c arrived earlier by the other
// path, consuming it. Otherwise c is remembered under its own origin.
func (d *Dispatcher) duplicate(c Change, from origin) bool {
	if d.echoes == nil {
		return false
	}
	key, ok := echoKey(c)
	if !ok {
		return false
	}
	d.echoMu.Lock()
	defer d.echoMu.Unlock()
	if item := d.echoes.Get(key); item != nil && item.Value() != from {
		d.echoes.Delete(key)
		return true
	}
	d.echoes.Set(key, from, ttlcache.DefaultTTL)
	return false
}

func (d *Dispatcher) fanOut(eventType string, payload any) {
	d.mu.Lock()
	snapshot := make([]subscription, len(d.subs))
	copy(snapshot, d.subs)
	d.mu.Unlock()

	for _, s := range snapshot {
		d.deliver(s, eventType, payload)
	}
}

func (d *Dispatcher) deliver(s subscription, eventType string, payload any) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("subscriber panicked",
				"subscription", s.id,
				"event", eventType,
				"panic", fmt.Sprint(r))
		}
	}()
	if err := s.h(eventType, payload); err != nil {
		d.logger.Warn("subscriber failed",
			"subscription", s.id,
			"event", eventType,
			"error", err)
	}
}

// Subscribe registers h and returns an idempotent unsubscribe function.
func (d *Dispatcher) Subscribe(h Handler) func() {
	id := d.ids.Generate()

	d.mu.Lock()
	d.subs = append(d.subs, subscription{id: id, h: h})
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			defer d.mu.Unlock()
			for i, s := range d.subs {
				if s.id == id {
					d.subs = append(d.subs[:i:i], d.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Subscribers returns the number of active subscriptions.
func (d *Dispatcher) Subscribers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.subs)
}

// Attach feeds every payload from ch into OnEvent until the returned
// function is called or ctx ends.
func (d *Dispatcher) Attach(ctx context.Context, ch pushchan.Channel) (func(), error) {
	return ch.Subscribe(ctx, func(payload []byte) {
		_ = d.OnEvent(payload)
	})
}
