package events

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	err    error
	block  chan struct{}
}

func (r *recordingSink) Name() string { return "recording" }

func (r *recordingSink) Send(_ context.Context, event Event) error {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return r.err
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestNotifierDeliversAsynchronously(t *testing.T) {
	sink := &recordingSink{}
	n := NewNotifier(sink, Options{QueueSize: 8})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = n.Run(ctx) }()

	n.Emit(Event{Source: "client", Status: "PAID", JobID: "job_1"})
	n.Emit(Event{Source: "client", Status: "FAILED", JobID: "job_2"})

	deadline := time.Now().Add(2 * time.Second)
	for sink.count() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("expected 2 events, got %d", sink.count())
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err := n.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if sink.events[0].OccurredAt.IsZero() {
		t.Fatal("occurred_at should be stamped on emit")
	}
	sent, _, _ := n.Stats()
	if sent != 2 {
		t.Fatalf("sent = %d, want 2", sent)
	}
}

func TestNotifierDropsWhenQueueFull(t *testing.T) {
	sink := &recordingSink{}
	n := NewNotifier(sink, Options{QueueSize: 1})

	n.Emit(Event{JobID: "a"})
	n.Emit(Event{JobID: "b"})
	n.Emit(Event{JobID: "c"})

	if _, _, dropped := n.Stats(); dropped != 2 {
		t.Fatalf("dropped = %d, want 2", dropped)
	}
	if err := n.Close(context.Background()); err != nil {
		t.Fatalf("close without run: %v", err)
	}
	n.Emit(Event{JobID: "d"})
	if _, _, dropped := n.Stats(); dropped != 3 {
		t.Fatalf("emit after close should be dropped, got %d", dropped)
	}
}

func TestNotifierSinkFailureIsCounted(t *testing.T) {
	sink := &recordingSink{err: errors.New("down")}
	n := NewNotifier(sink, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = n.Run(ctx)
		close(done)
	}()
	n.Emit(Event{JobID: "job_1"})
	cancel()
	<-done
	if _, failed, _ := n.Stats(); failed != 1 {
		t.Fatalf("failed = %d, want 1", failed)
	}
}

func TestHTTPSinkPostsFlattenedEvent(t *testing.T) {
	var got map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != EventPath {
			http.NotFound(w, r)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	sink := NewHTTPSink(HTTPSinkConfig{BaseURL: server.URL + "/"})
	err := sink.Send(context.Background(), Event{
		Source:   "tool",
		Status:   "COMPLETED",
		Message:  "done",
		JobID:    "job_1",
		IssueURL: "https://github.com/acme/widgets/issues/1",
		Extra:    map[string]any{"price": 5, "status": "ignored"},
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if got["status"] != "COMPLETED" || got["job_id"] != "job_1" || got["price"] != float64(5) {
		t.Fatalf("unexpected body %v", got)
	}
	if got["issue_url"] != "https://github.com/acme/widgets/issues/1" {
		t.Fatalf("issue_url missing: %v", got)
	}
}

func TestHTTPSinkNonSuccessStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	if err := NewHTTPSink(HTTPSinkConfig{BaseURL: server.URL}).Send(context.Background(), Event{Status: "PAID"}); err == nil {
		t.Fatal("expected error for 500 response")
	}
}

func TestFanoutJoinsErrors(t *testing.T) {
	ok := &recordingSink{}
	bad := &recordingSink{err: errors.New("nope")}
	err := NewFanout(ok, nil, bad).Send(context.Background(), Event{JobID: "job_1"})
	if err == nil {
		t.Fatal("expected joined error")
	}
	if ok.count() != 1 || bad.count() != 1 {
		t.Fatal("every sink should receive the event")
	}
}
