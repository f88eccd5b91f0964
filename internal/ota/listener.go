package ota

import "github.com/dk731/esp32-gatt-ota/internal/ble/protocol"

// Listener observes a Machine. Calls are made with the machine lock held,
// in the order the events happen.
type Listener interface {
	// OnStatus is called on every transition and on every rejected
	// operation. cause is nil for a plain transition.
	OnStatus(status protocol.Status, cause error)
	// OnProgress is called when the size is declared and after each block.
	OnProgress(written, total uint32)
	// OnFinished is called once the image is committed.
	OnFinished(size uint32)
}

// Listeners fans events out to several listeners.
type Listeners []Listener

func (ls Listeners) OnStatus(status protocol.Status, cause error) {
	for _, l := range ls {
		l.OnStatus(status, cause)
	}
}

func (ls Listeners) OnProgress(written, total uint32) {
	for _, l := range ls {
		l.OnProgress(written, total)
	}
}

func (ls Listeners) OnFinished(size uint32) {
	for _, l := range ls {
		l.OnFinished(size)
	}
}

var _ Listener = Listeners(nil)
