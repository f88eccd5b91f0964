package ota

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/dk731/esp32-gatt-ota/internal/ble/protocol"
	"github.com/dk731/esp32-gatt-ota/internal/flash"
)

// recordingListener captures every event the machine emits.
type recordingListener struct {
	mu       sync.Mutex
	statuses []protocol.Status
	causes   []error
	progress [][2]uint32
	finished []uint32
}

func (l *recordingListener) OnStatus(s protocol.Status, cause error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.statuses = append(l.statuses, s)
	l.causes = append(l.causes, cause)
}

func (l *recordingListener) OnProgress(written, total uint32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.progress = append(l.progress, [2]uint32{written, total})
}

func (l *recordingListener) OnFinished(size uint32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.finished = append(l.finished, size)
}

func (l *recordingListener) lastStatus() (protocol.Status, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.statuses) == 0 {
		return 0, nil
	}
	return l.statuses[len(l.statuses)-1], l.causes[len(l.causes)-1]
}

// faultyDevice wraps a flash device and fails selected operations.
type faultyDevice struct {
	flash.Device
	failWrite bool
	failErase bool
	failMark  bool
	marked    []string
}

var errInjected = errors.New("injected flash fault")

func (d *faultyDevice) Write(p flash.Partition, off uint32, data []byte) error {
	if d.failWrite {
		return errInjected
	}
	return d.Device.Write(p, off, data)
}

func (d *faultyDevice) Erase(p flash.Partition, off, n uint32) error {
	if d.failErase {
		return errInjected
	}
	return d.Device.Erase(p, off, n)
}

func (d *faultyDevice) MarkBootable(p flash.Partition) error {
	if d.failMark {
		return errInjected
	}
	d.marked = append(d.marked, p.Label)
	return d.Device.MarkBootable(p)
}

// rebootRecorder counts reboot requests.
type rebootRecorder struct {
	mu    sync.Mutex
	calls int
	done  chan struct{}
}

func newRebootRecorder() *rebootRecorder {
	return &rebootRecorder{done: make(chan struct{}, 1)}
}

func (r *rebootRecorder) Reboot(context.Context) error {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
	select {
	case r.done <- struct{}{}:
	default:
	}
	return nil
}

func newTestFlash(t *testing.T) (*flash.Memory, flash.Layout) {
	t.Helper()
	mem, err := flash.NewMemory(4096,
		flash.Spec{Label: "factory", Size: 16 * 1024},
		flash.Spec{Label: "ota_0", Size: 16 * 1024},
		flash.Spec{Label: "ota_1", Size: 16 * 1024},
	)
	if err != nil {
		t.Fatalf("NewMemory() error = %v", err)
	}
	layout, err := flash.Scan(mem)
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	return mem, layout
}

func TestMocksImplementInterfaces(t *testing.T) {
	var _ Listener = (*recordingListener)(nil)
	var _ flash.Device = (*faultyDevice)(nil)
	var _ Rebooter = (*rebootRecorder)(nil)
}
