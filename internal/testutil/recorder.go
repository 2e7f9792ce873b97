package testutil

import "sync"

// Recorded is one event seen by a Recorder.
type Recorded struct {
	Type    string
	Payload any
}

// Recorder collects events in delivery order. Its Handle method matches
// events.Handler.
type Recorder struct {
	mu     sync.Mutex
	events []Recorded
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

// Handle records the event and never fails.
func (r *Recorder) Handle(eventType string, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Recorded{Type: eventType, Payload: payload})
	return nil
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Recorded(nil), r.events...)
}

// Drain returns everything recorded so far and forgets it.
func (r *Recorder) Drain() []Recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.events
	r.events = nil
	return out
}

// Types returns the recorded event types in order.
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}
