// Package ble is the central side of the OTA service: it scans for
// devices advertising the service and streams firmware images to them.
package ble

import (
	"context"

	"github.com/google/uuid"
)

// Characteristic represents a remote GATT characteristic.
type Characteristic interface {
	// Write sends data and waits for the peripheral's acknowledgement.
	Write(data []byte) error
	// WriteWithoutResponse sends data without waiting.
	WriteWithoutResponse(data []byte) error
	// Read returns the current value.
	Read() ([]byte, error)
	// Subscribe registers a callback for notifications on this characteristic.
	Subscribe(callback func(data []byte)) error
}

// Device represents a discovered BLE peripheral.
type Device struct {
	Name    string
	Address string // MAC on Linux, CoreBluetooth UUID on macOS
	RSSI    int
}

// Connection represents an active BLE connection to a peripheral.
type Connection interface {
	// DiscoverCharacteristics finds the listed characteristics of a
	// service. Characteristics the peripheral lacks are absent from the map.
	DiscoverCharacteristics(service uuid.UUID, chars []uuid.UUID) (map[uuid.UUID]Characteristic, error)
	// Disconnect terminates the connection.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the connection drops.
	OnDisconnect(callback func())
}

// Adapter abstracts the BLE hardware adapter for testing.
type Adapter interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// Scan discovers peripherals advertising service until ctx is done.
	Scan(ctx context.Context, service uuid.UUID) ([]Device, error)
	// Connect establishes a connection to the device at address.
	Connect(ctx context.Context, address string) (Connection, error)
}
