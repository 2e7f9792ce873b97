// Package pushchan carries raw change payloads from the remote authority to
// subscribed clients. Delivery is at most once; the cache TTL covers missed
// messages.
package pushchan

import (
	"context"
	"sync"
)

// Handler receives one raw payload.
type Handler func(payload []byte)

// Channel is a long-lived push channel.
type Channel interface {
	// Subscribe registers h until the returned function is called or ctx
	// ends. The returned function is idempotent.
	Subscribe(ctx context.Context, h Handler) (func(), error)

	Publish(ctx context.Context, payload []byte) error
}

// Local is an in-process channel. Publish calls every handler synchronously
// in subscription order.
type Local struct {
	mu       sync.Mutex
	next     int
	handlers map[int]Handler
	order    []int
}

func NewLocal() *Local {
	return &Local{handlers: make(map[int]Handler)}
}

func (l *Local) Subscribe(ctx context.Context, h Handler) (func(), error) {
	l.mu.Lock()
	id := l.next
	l.next++
	l.handlers[id] = h
	l.order = append(l.order, id)
	l.mu.Unlock()

	stop := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(stop)
			l.mu.Lock()
			defer l.mu.Unlock()
			delete(l.handlers, id)
			for i, v := range l.order {
				if v == id {
					l.order = append(l.order[:i:i], l.order[i+1:]...)
					break
				}
			}
		})
	}
	if done := ctx.Done(); done != nil {
		go func() {
			select {
			case <-done:
				cancel()
			case <-stop:
			}
		}()
	}
	return cancel, nil
}

func (l *Local) Publish(_ context.Context, payload []byte) error {
	l.mu.Lock()
	snapshot := make([]Handler, 0, len(l.order))
	for _, id := range l.order {
		snapshot = append(snapshot, l.handlers[id])
	}
	l.mu.Unlock()

	for _, h := range snapshot {
		h(payload)
	}
	return nil
}

// Subscribers returns the number of active handlers.
func (l *Local) Subscribers() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.order)
}
