package server

import (
	"encoding/json"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashita-ai/agentops/internal/model"
)

// testLogger returns a logger for tests that discards output.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testEvent(id int64, runID string) model.Event {
	return model.Event{
		ID: id, RunID: runID, Type: "log", Level: model.LevelInfo,
		Ts: time.UnixMilli(1000).UTC(), Payload: json.RawMessage(`{}`),
	}
}

func TestBrokerFanOut(t *testing.T) {
	broker := NewBroker(testLogger())

	var got1, got2 []int64
	unsub1 := broker.Subscribe("r1", func(ev model.Event) { got1 = append(got1, ev.ID) })
	unsub2 := broker.Subscribe("r1", func(ev model.Event) { got2 = append(got2, ev.ID) })

	broker.Publish("r1", testEvent(1, "r1"))
	if len(got1) != 1 || len(got2) != 1 {
		t.Fatalf("both listeners should receive the event: got1=%v got2=%v", got1, got2)
	}

	// Unsubscribe the first listener, publish again: only the second receives.
	unsub1()
	broker.Publish("r1", testEvent(2, "r1"))
	if len(got1) != 1 {
		t.Errorf("unsubscribed listener received %v", got1)
	}
	if len(got2) != 2 || got2[1] != 2 {
		t.Errorf("remaining listener: got %v, want [1 2]", got2)
	}
	unsub2()
	if n := broker.SubscriberCount(""); n != 0 {
		t.Errorf("SubscriberCount = %d after unsubscribing all", n)
	}
}

func TestBrokerIsolatesRuns(t *testing.T) {
	broker := NewBroker(testLogger())

	var other int
	defer broker.Subscribe("r2", func(model.Event) { other++ })()

	broker.Publish("r1", testEvent(1, "r1"))
	if other != 0 {
		t.Fatalf("listener on r2 received an r1 event")
	}
	if n := broker.SubscriberCount("r2"); n != 1 {
		t.Fatalf("SubscriberCount(r2) = %d, want 1", n)
	}
}

func TestBrokerRecoversPanickingListener(t *testing.T) {
	broker := NewBroker(testLogger())

	var delivered int
	defer broker.Subscribe("r1", func(model.Event) { panic("boom") })()
	defer broker.Subscribe("r1", func(model.Event) { delivered++ })()

	broker.Publish("r1", testEvent(1, "r1"))
	if delivered != 1 {
		t.Fatalf("healthy listener should still receive the event, got %d", delivered)
	}
}

func TestBrokerUnsubscribeFromListener(t *testing.T) {
	broker := NewBroker(testLogger())

	var unsub func()
	calls := 0
	unsub = broker.Subscribe("r1", func(model.Event) {
		calls++
		unsub()
	})

	broker.Publish("r1", testEvent(1, "r1"))
	broker.Publish("r1", testEvent(2, "r1"))
	if calls != 1 {
		t.Fatalf("listener called %d times, want 1", calls)
	}
	unsub() // second call is a no-op
}

func TestBrokerConcurrentPublish(t *testing.T) {
	broker := NewBroker(testLogger())

	var mu sync.Mutex
	seen := 0
	defer broker.Subscribe("r1", func(model.Event) {
		mu.Lock()
		seen++
		mu.Unlock()
	})()

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			broker.Publish("r1", testEvent(int64(i), "r1"))
		}()
	}
	wg.Wait()
	if seen != 20 {
		t.Fatalf("seen = %d, want 20", seen)
	}
}

func TestBrokerClose(t *testing.T) {
	broker := NewBroker(testLogger())
	called := false
	broker.Subscribe("r1", func(model.Event) { called = true })

	broker.Close()
	broker.Publish("r1", testEvent(1, "r1"))
	if called {
		t.Fatal("listener called after Close")
	}
	broker.Subscribe("r1", func(model.Event) { called = true })
	broker.Publish("r1", testEvent(2, "r1"))
	if called || broker.SubscriberCount("") != 0 {
		t.Fatal("Subscribe after Close should register nothing")
	}
}

func TestFormatSSE(t *testing.T) {
	ev := testEvent(42, "r1")
	ev.Payload = json.RawMessage(`{"text":"line1\nline2"}`)

	got, err := formatSSE(ev)
	if err != nil {
		t.Fatalf("formatSSE: %v", err)
	}
	s := string(got)
	if !strings.HasPrefix(s, "id: 42\ndata: ") {
		t.Errorf("frame should start with the id line, got %q", s)
	}
	if !strings.HasSuffix(s, "\n\n") {
		t.Errorf("frame should end with a blank line, got %q", s)
	}
	data := strings.TrimSuffix(strings.TrimPrefix(s, "id: 42\ndata: "), "\n\n")
	if strings.ContainsAny(data, "\r\n") {
		t.Errorf("data line contains a raw line break: %q", data)
	}
	var decoded model.Event
	if err := json.Unmarshal([]byte(data), &decoded); err != nil {
		t.Fatalf("data is not valid JSON: %v", err)
	}
	if decoded.ID != 42 {
		t.Errorf("decoded id = %d, want 42", decoded.ID)
	}
}
