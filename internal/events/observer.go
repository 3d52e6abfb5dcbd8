// Package events defines lifecycle events and the observers that receive them.
//
// Observers are called synchronously on the goroutine that produced the
// event. Implementations must be safe for concurrent use and must not block;
// anything slow (network fan-out, disk) should hand off to its own goroutine.
package events

import (
	"log"
	"sync"
)

// Observer receives lifecycle events.
type Observer interface {
	Notify(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) Notify(e Event) { f(e) }

// Observers fans an event out to every registered observer in registration
// order. The zero value is ready to use and a nil *Observers drops events.
type Observers struct {
	mu   sync.RWMutex
	list []Observer
}

// NewObservers returns a fan-out over obs. Nil entries are skipped.
func NewObservers(obs ...Observer) *Observers {
	o := &Observers{}
	for _, ob := range obs {
		o.Add(ob)
	}
	return o
}

// Add registers an observer.
func (o *Observers) Add(ob Observer) {
	if ob == nil {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.list = append(o.list, ob)
}

// Notify delivers e to every observer. A panicking observer is logged and
// does not prevent delivery to the rest.
func (o *Observers) Notify(e Event) {
	if o == nil {
		return
	}
	o.mu.RLock()
	list := make([]Observer, len(o.list))
	copy(list, o.list)
	o.mu.RUnlock()

	for _, ob := range list {
		notifySafely(ob, e)
	}
}

// Len returns the number of registered observers.
func (o *Observers) Len() int {
	if o == nil {
		return 0
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.list)
}

// Notify delivers e to ob if ob is set. Components holding an optional
// observer call this instead of checking for nil themselves.
func Notify(ob Observer, e Event) {
	if ob == nil {
		return
	}
	notifySafely(ob, e)
}

func notifySafely(ob Observer, e Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("ERROR: observer panicked on %s: %v", e.EventType(), r)
		}
	}()
	ob.Notify(e)
}

// Recorder is an Observer that keeps every event it sees.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Notify(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType returns the recorded events with the given type, in order.
func (r *Recorder) OfType(eventType string) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.EventType() == eventType {
			out = append(out, e)
		}
	}
	return out
}
