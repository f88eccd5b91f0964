package gatt

import (
	"log/slog"

	"github.com/dk731/esp32-gatt-ota/internal/ble/protocol"
)

// Notifier pushes machine events to the peripheral. It is an ota.Listener
// and must not call back into the machine.
type Notifier struct {
	p   Peripheral
	log *slog.Logger
}

// NewNotifier returns a notifier writing through p.
func NewNotifier(p Peripheral, log *slog.Logger) *Notifier {
	if log == nil {
		log = slog.Default()
	}
	return &Notifier{p: p, log: log}
}

func (n *Notifier) OnStatus(status protocol.Status, cause error) {
	n.push(CharStatus, status.Bytes())
	// A new or cleared session starts with no declared size, digest or
	// completion.
	if cause == nil && (status == protocol.StatusIdle || status == protocol.StatusReceiving) {
		n.push(CharTotalFileSize, protocol.EncodeTotalSize(0))
		n.push(CharFileHash, []byte{})
		n.push(CharFinishedUpload, protocol.EncodeFinished(false, 0))
	}
}

func (n *Notifier) OnProgress(written, total uint32) {
	if written == 0 {
		n.push(CharTotalFileSize, protocol.EncodeTotalSize(total))
	}
}

func (n *Notifier) OnFinished(size uint32) {
	n.push(CharFinishedUpload, protocol.EncodeFinished(true, size))
}

func (n *Notifier) push(c Characteristic, value []byte) {
	if err := n.p.Notify(c, value); err != nil {
		n.log.Warn("[GATT] notify failed", "characteristic", c.String(), "error", err)
	}
}
