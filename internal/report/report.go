// Package report publishes OTA session events to an MQTT broker so a fleet
// dashboard can follow updates without a BLE link of its own.
package report

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/dk731/esp32-gatt-ota/internal/ble/protocol"
	"github.com/dk731/esp32-gatt-ota/internal/ota"
)

// Publisher sends one message to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Close() error
}

// Event is the JSON document published for every reported change.
type Event struct {
	Type    string    `json:"type"` // "status", "progress" or "finished"
	Device  string    `json:"device"`
	Status  string    `json:"status,omitempty"`
	Error   string    `json:"error,omitempty"`
	Kind    string    `json:"kind,omitempty"`
	Written uint32    `json:"written,omitempty"`
	Total   uint32    `json:"total,omitempty"`
	Size    uint32    `json:"size,omitempty"`
	Time    time.Time `json:"time"`
}

// progressStep is the percentage granularity of progress events.
const progressStep = 10

// Reporter is an ota.Listener that queues events and publishes them from
// its own goroutine, so a slow broker never stalls the BLE path.
type Reporter struct {
	pub    Publisher
	topic  string
	device string
	log    *slog.Logger

	mu       sync.Mutex
	queue    []Event
	size     int
	wake     chan struct{}
	lastStep int
	dropped  int
}

// New returns a reporter publishing to topic. queueSize bounds the number
// of unsent events; the oldest are dropped when it is exceeded.
func New(pub Publisher, topic, device string, queueSize int, log *slog.Logger) *Reporter {
	if queueSize <= 0 {
		queueSize = 64
	}
	if log == nil {
		log = slog.Default()
	}
	return &Reporter{
		pub:      pub,
		topic:    topic,
		device:   device,
		log:      log,
		size:     queueSize,
		wake:     make(chan struct{}, 1),
		lastStep: -1,
	}
}

func (r *Reporter) OnStatus(status protocol.Status, cause error) {
	ev := Event{Type: "status", Status: status.String()}
	if cause != nil {
		ev.Error = cause.Error()
		if k := ota.KindOf(cause); k != 0 {
			ev.Kind = k.String()
		}
	}
	if status == protocol.StatusReceiving && cause == nil {
		r.mu.Lock()
		r.lastStep = -1
		r.mu.Unlock()
	}
	r.enqueue(ev)
}

func (r *Reporter) OnProgress(written, total uint32) {
	if total == 0 {
		return
	}
	step := int(uint64(written) * 100 / uint64(total) / progressStep)
	r.mu.Lock()
	if step == r.lastStep {
		r.mu.Unlock()
		return
	}
	r.lastStep = step
	r.mu.Unlock()
	r.enqueue(Event{Type: "progress", Written: written, Total: total})
}

func (r *Reporter) OnFinished(size uint32) {
	r.enqueue(Event{Type: "finished", Size: size})
}

func (r *Reporter) enqueue(ev Event) {
	ev.Device = r.device
	ev.Time = time.Now().UTC()
	r.mu.Lock()
	if len(r.queue) >= r.size {
		r.queue = r.queue[1:]
		r.dropped++
		r.log.Warn("[MQTT] queue full, dropping oldest event", "dropped", r.dropped)
	}
	r.queue = append(r.queue, ev)
	r.mu.Unlock()
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Pending returns the number of queued events.
func (r *Reporter) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// Run publishes queued events until ctx is cancelled, then flushes what it
// can and closes the publisher.
func (r *Reporter) Run(ctx context.Context) error {
	defer func() {
		r.flush(context.Background())
		if err := r.pub.Close(); err != nil {
			r.log.Warn("[MQTT] close failed", "error", err)
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.wake:
			r.flush(ctx)
		}
	}
}

func (r *Reporter) flush(ctx context.Context) {
	for {
		r.mu.Lock()
		if len(r.queue) == 0 {
			r.mu.Unlock()
			return
		}
		ev := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()

		payload, err := json.Marshal(ev)
		if err != nil {
			r.log.Error("[MQTT] encode event", "error", err)
			continue
		}
		if err := r.pub.Publish(ctx, r.topic, payload); err != nil {
			// Events describe transient state; a failed one is not retried.
			r.log.Warn("[MQTT] publish failed", "type", ev.Type, "error", err)
			continue
		}
		r.log.Debug("[MQTT] published", "type", ev.Type, "topic", r.topic)
	}
}

var _ ota.Listener = (*Reporter)(nil)
