package events

import (
	"sync"
	"testing"
)

func TestObservers_NotifyInOrder(t *testing.T) {
	var got []string
	obs := NewObservers(
		ObserverFunc(func(e Event) { got = append(got, "first:"+e.TaskID()) }),
		nil,
		ObserverFunc(func(e Event) { got = append(got, "second:"+e.TaskID()) }),
	)

	if obs.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", obs.Len())
	}

	obs.Notify(TaskStartedEvent{ID: "t1"})

	want := []string{"first:t1", "second:t1"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

// Delivery is synchronous: the observer has run by the time Notify returns.
func TestObservers_Synchronous(t *testing.T) {
	rec := &Recorder{}
	obs := NewObservers(rec)

	obs.Notify(IngestCompletedEvent{Namespace: "crew-test", Documents: 2})
	if len(rec.Events()) != 1 {
		t.Fatalf("Expected event delivered before Notify returned, got %d", len(rec.Events()))
	}
}

func TestObservers_PanicIsolated(t *testing.T) {
	rec := &Recorder{}
	obs := NewObservers(
		ObserverFunc(func(Event) { panic("boom") }),
		rec,
	)

	obs.Notify(TaskCompletedEvent{ID: "t1"})
	if len(rec.Events()) != 1 {
		t.Error("Expected later observer to still receive the event")
	}
}

func TestObservers_NilSafe(t *testing.T) {
	var obs *Observers
	obs.Notify(RunProgressEvent{})
	if obs.Len() != 0 {
		t.Error("nil Observers should have zero length")
	}
}

func TestObservers_ConcurrentNotify(t *testing.T) {
	rec := &Recorder{}
	obs := NewObservers(rec)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			obs.Notify(TaskStartedEvent{ID: "t"})
		}()
	}
	wg.Wait()

	if len(rec.Events()) != 50 {
		t.Errorf("recorded %d events, want 50", len(rec.Events()))
	}
}

func TestRecorder_OfType(t *testing.T) {
	rec := &Recorder{}
	rec.Notify(TaskStartedEvent{ID: "a"})
	rec.Notify(TaskCompletedEvent{ID: "a"})
	rec.Notify(TaskStartedEvent{ID: "b"})

	started := rec.OfType(EventTypeTaskStarted)
	if len(started) != 2 || started[1].TaskID() != "b" {
		t.Errorf("OfType = %v", started)
	}
}

func TestEventTypes(t *testing.T) {
	tests := []struct {
		event  Event
		typ    string
		taskID string
	}{
		{TaskStartedEvent{ID: "x"}, EventTypeTaskStarted, "x"},
		{TaskRetryingEvent{ID: "x"}, EventTypeTaskRetrying, "x"},
		{TaskCompletedEvent{ID: "x"}, EventTypeTaskCompleted, "x"},
		{TaskFailedEvent{ID: "x"}, EventTypeTaskFailed, "x"},
		{TaskBlockedEvent{ID: "x"}, EventTypeTaskBlocked, "x"},
		{ManagerDecisionEvent{ID: "x"}, EventTypeManagerDecision, "x"},
		{RunProgressEvent{}, EventTypeRunProgress, ""},
		{IngestCompletedEvent{}, EventTypeIngestCompleted, ""},
		{QueryCompletedEvent{}, EventTypeQueryCompleted, ""},
	}

	for _, tt := range tests {
		if tt.event.EventType() != tt.typ {
			t.Errorf("EventType() = %q, want %q", tt.event.EventType(), tt.typ)
		}
		if tt.event.TaskID() != tt.taskID {
			t.Errorf("%s TaskID() = %q, want %q", tt.typ, tt.event.TaskID(), tt.taskID)
		}
	}
}
