package ble

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrNoDevice is returned when no scanned device matches.
var ErrNoDevice = errors.New("ble: no matching device found")

// ScanForDevices scans for devices advertising the OTA service.
func ScanForDevices(adapter Adapter, service uuid.UUID, timeout time.Duration) ([]Device, error) {
	if err := adapter.Enable(); err != nil {
		return nil, fmt.Errorf("ble: enable adapter: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	devices, err := adapter.Scan(ctx, service)
	if err != nil {
		return nil, fmt.Errorf("ble: scan: %w", err)
	}
	return devices, nil
}

// SelectDevice picks the device whose name or address matches want, or
// the one with the strongest signal when want is empty.
func SelectDevice(devices []Device, want string) (Device, error) {
	if want != "" {
		for _, d := range devices {
			if strings.EqualFold(d.Address, want) || d.Name == want {
				return d, nil
			}
		}
		return Device{}, fmt.Errorf("%w: %q", ErrNoDevice, want)
	}
	if len(devices) == 0 {
		return Device{}, ErrNoDevice
	}
	best := devices[0]
	for _, d := range devices[1:] {
		if d.RSSI > best.RSSI {
			best = d
		}
	}
	return best, nil
}
