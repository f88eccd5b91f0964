package gatt

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// EventKind discriminates attribute and link events.
type EventKind int

const (
	EventWrite EventKind = iota + 1
	EventRead
	EventSubscribe
	EventConnect
	EventDisconnect
)

func (k EventKind) String() string {
	switch k {
	case EventWrite:
		return "write"
	case EventRead:
		return "read"
	case EventSubscribe:
		return "subscribe"
	case EventConnect:
		return "connect"
	case EventDisconnect:
		return "disconnect"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is delivered by the BLE stack. UUID and Data are unset for link
// events; Peer is the central's address when known. Offset is non-zero for
// the later fragments of a long write.
type Event struct {
	Kind   EventKind
	UUID   uuid.UUID
	Data   []byte
	Offset int
	Peer   string
}

// Handler consumes events. For reads and subscriptions the returned bytes
// are the characteristic value.
type Handler interface {
	HandleEvent(ctx context.Context, ev Event) ([]byte, error)
}

// Peripheral is the GATT/GAP collaborator.
type Peripheral interface {
	// RegisterService publishes the OTA service and routes its events to h.
	RegisterService(uuids UUIDs, h Handler) error
	// Notify updates the readable value of c and notifies subscribers.
	Notify(c Characteristic, value []byte) error
	// Advertise starts advertising the service under name.
	Advertise(name string) error
}

var (
	ErrUnknownCharacteristic = errors.New("gatt: unknown characteristic")
	ErrNotWritable           = errors.New("gatt: characteristic is not writable")
	ErrNotReadable           = errors.New("gatt: characteristic is not readable")
	ErrBlockTooLarge         = errors.New("gatt: block exceeds maximum size")
	ErrOffsetWrite           = errors.New("gatt: long writes are not supported")
	ErrNotRegistered         = errors.New("gatt: service not registered")
	ErrUnsupportedPlatform   = errors.New("gatt: peripheral mode not supported on this platform")
)
