package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dk731/esp32-gatt-ota/internal/ble/protocol"
	"github.com/dk731/esp32-gatt-ota/internal/ota"
)

type fakePublisher struct {
	mu      sync.Mutex
	topics  []string
	events  []Event
	fail    error
	closed  bool
	publish chan struct{}
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{publish: make(chan struct{}, 100)}
}

func (f *fakePublisher) Publish(_ context.Context, topic string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	defer func() { f.publish <- struct{}{} }()
	if f.fail != nil {
		return f.fail
	}
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return err
	}
	f.topics = append(f.topics, topic)
	f.events = append(f.events, ev)
	return nil
}

func (f *fakePublisher) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakePublisher) snapshot() []Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Event(nil), f.events...)
}

func (f *fakePublisher) waitFor(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-f.publish:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d of %d publishes", i, n)
		}
	}
}

func TestReporterPublishesEvents(t *testing.T) {
	pub := newFakePublisher()
	r := New(pub, "ota/status", "bench", 16, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	r.OnStatus(protocol.StatusReceiving, nil)
	r.OnProgress(512, 1024)
	r.OnFinished(1024)
	pub.waitFor(t, 3)

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	events := pub.snapshot()
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	wantTypes := []string{"status", "progress", "finished"}
	for i, ev := range events {
		if ev.Type != wantTypes[i] {
			t.Errorf("event %d type = %q, want %q", i, ev.Type, wantTypes[i])
		}
		if ev.Device != "bench" {
			t.Errorf("event %d device = %q", i, ev.Device)
		}
		if ev.Time.IsZero() {
			t.Errorf("event %d has no timestamp", i)
		}
	}
	if events[0].Status != "receiving" {
		t.Errorf("status = %q, want receiving", events[0].Status)
	}
	if events[1].Written != 512 || events[1].Total != 1024 {
		t.Errorf("progress = %d/%d", events[1].Written, events[1].Total)
	}
	if events[2].Size != 1024 {
		t.Errorf("finished size = %d", events[2].Size)
	}
	for _, topic := range pub.topics {
		if topic != "ota/status" {
			t.Errorf("topic = %q", topic)
		}
	}
	if !pub.closed {
		t.Error("publisher not closed after Run returned")
	}
}

func TestReporterStatusCause(t *testing.T) {
	pub := newFakePublisher()
	r := New(pub, "t", "d", 4, nil)

	cause := &ota.Error{Kind: ota.KindIntegrityFailure, Op: "finalize", Err: ota.ErrHashMismatch}
	r.OnStatus(protocol.StatusFailure, cause)
	r.OnStatus(protocol.StatusFailure, errors.New("plain"))
	r.flush(context.Background())

	events := pub.snapshot()
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].Kind != ota.KindIntegrityFailure.String() || events[0].Error == "" {
		t.Errorf("typed cause = %+v", events[0])
	}
	if events[1].Kind != "" || events[1].Error != "plain" {
		t.Errorf("plain cause = %+v", events[1])
	}
}

func TestReporterThrottlesProgress(t *testing.T) {
	pub := newFakePublisher()
	r := New(pub, "t", "d", 64, nil)

	r.OnStatus(protocol.StatusReceiving, nil)
	for written := uint32(0); written <= 1000; written += 50 {
		r.OnProgress(written, 1000)
	}
	r.OnProgress(10, 0) // no total declared
	r.flush(context.Background())

	progress := 0
	for _, ev := range pub.snapshot() {
		if ev.Type == "progress" {
			progress++
		}
	}
	// One event per 10% step, 0% through 100%.
	if progress != 11 {
		t.Errorf("progress events = %d, want 11", progress)
	}

	// A new session reports from the start again.
	r.OnStatus(protocol.StatusReceiving, nil)
	r.OnProgress(0, 1000)
	if r.Pending() != 2 {
		t.Errorf("Pending() = %d, want 2", r.Pending())
	}
}

func TestReporterDropsOldestWhenFull(t *testing.T) {
	pub := newFakePublisher()
	r := New(pub, "t", "d", 3, nil)

	for i := 0; i < 5; i++ {
		r.OnFinished(uint32(i))
	}
	if r.Pending() != 3 {
		t.Fatalf("Pending() = %d, want 3", r.Pending())
	}
	r.flush(context.Background())

	events := pub.snapshot()
	for i, ev := range events {
		if want := uint32(i + 2); ev.Size != want {
			t.Errorf("event %d size = %d, want %d", i, ev.Size, want)
		}
	}
}

func TestReporterPublishErrorsDoNotBlock(t *testing.T) {
	pub := newFakePublisher()
	pub.fail = fmt.Errorf("broker down")
	r := New(pub, "t", "d", 8, nil)

	r.OnFinished(1)
	r.OnFinished(2)
	r.flush(context.Background())

	if r.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0 after failed publishes", r.Pending())
	}
	if len(pub.snapshot()) != 0 {
		t.Error("failed publishes recorded")
	}
}

func TestNewDefaults(t *testing.T) {
	r := New(newFakePublisher(), "t", "d", 0, nil)
	if r.size != 64 {
		t.Errorf("queue size = %d, want 64", r.size)
	}
	if r.log == nil {
		t.Error("logger not defaulted")
	}
}
