//go:build !linux

package gatt

import (
	"context"
	"log/slog"
)

// TinyGoPeripheral is only available on Linux, where BlueZ supports the
// peripheral role.
type TinyGoPeripheral struct{}

func NewTinyGoPeripheral(context.Context, *slog.Logger) *TinyGoPeripheral {
	return &TinyGoPeripheral{}
}

func (*TinyGoPeripheral) RegisterService(UUIDs, Handler) error { return ErrUnsupportedPlatform }

func (*TinyGoPeripheral) Notify(Characteristic, []byte) error { return ErrUnsupportedPlatform }

func (*TinyGoPeripheral) Advertise(string) error { return ErrUnsupportedPlatform }

var _ Peripheral = (*TinyGoPeripheral)(nil)
