//go:build linux

package gatt

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"tinygo.org/x/bluetooth"
)

// TinyGoPeripheral serves the OTA service through BlueZ using
// tinygo.org/x/bluetooth. The stack has no read callback, so reads are
// answered from the stored values kept current by Notify; clients signal
// completion by writing finished_upload.
type TinyGoPeripheral struct {
	adapter *bluetooth.Adapter
	ctx     context.Context
	log     *slog.Logger

	mu      sync.Mutex
	handles map[Characteristic]*bluetooth.Characteristic
	service bluetooth.UUID
	handler Handler
}

// NewTinyGoPeripheral returns a peripheral on the default adapter. ctx is
// passed to the handler with every event.
func NewTinyGoPeripheral(ctx context.Context, log *slog.Logger) *TinyGoPeripheral {
	if log == nil {
		log = slog.Default()
	}
	return &TinyGoPeripheral{
		adapter: bluetooth.DefaultAdapter,
		ctx:     ctx,
		log:     log,
		handles: make(map[Characteristic]*bluetooth.Characteristic, len(Characteristics)),
	}
}

func (p *TinyGoPeripheral) RegisterService(uuids UUIDs, h Handler) error {
	if err := p.adapter.Enable(); err != nil {
		return fmt.Errorf("gatt: enable adapter: %w", err)
	}
	svc, err := bluetooth.ParseUUID(uuids.Service.String())
	if err != nil {
		return fmt.Errorf("gatt: service UUID: %w", err)
	}

	p.mu.Lock()
	p.handler = h
	p.service = svc
	p.mu.Unlock()

	p.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		kind := EventDisconnect
		if connected {
			kind = EventConnect
		}
		p.dispatch(Event{Kind: kind, Peer: device.Address.String()})
	})

	chars := make([]bluetooth.CharacteristicConfig, 0, len(Characteristics))
	for _, c := range Characteristics {
		id := uuids.Get(c)
		cu, err := bluetooth.ParseUUID(id.String())
		if err != nil {
			return fmt.Errorf("gatt: %s UUID: %w", c, err)
		}
		handle := &bluetooth.Characteristic{}
		p.mu.Lock()
		p.handles[c] = handle
		p.mu.Unlock()

		cfg := bluetooth.CharacteristicConfig{
			Handle: handle,
			UUID:   cu,
			Value:  initialValue(c),
			Flags:  permissions(c),
		}
		if cfg.Flags.Write() || cfg.Flags.WriteWithoutResponse() {
			cfg.WriteEvent = func(client bluetooth.Connection, offset int, value []byte) {
				// The stack may reuse value after the callback returns.
				data := make([]byte, len(value))
				copy(data, value)
				p.dispatch(Event{Kind: EventWrite, UUID: id, Data: data, Offset: offset, Peer: fmt.Sprint(client)})
			}
		}
		chars = append(chars, cfg)
	}

	if err := p.adapter.AddService(&bluetooth.Service{UUID: svc, Characteristics: chars}); err != nil {
		return fmt.Errorf("gatt: add service: %w", err)
	}
	p.log.Info("[GATT] service registered", "service", uuids.Service.String())
	return nil
}

func (p *TinyGoPeripheral) Notify(c Characteristic, value []byte) error {
	p.mu.Lock()
	handle, ok := p.handles[c]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRegistered, c)
	}
	if _, err := handle.Write(value); err != nil {
		return fmt.Errorf("gatt: write %s: %w", c, err)
	}
	return nil
}

func (p *TinyGoPeripheral) Advertise(name string) error {
	p.mu.Lock()
	svc := p.service
	p.mu.Unlock()

	adv := p.adapter.DefaultAdvertisement()
	if err := adv.Configure(bluetooth.AdvertisementOptions{
		LocalName:    name,
		ServiceUUIDs: []bluetooth.UUID{svc},
	}); err != nil {
		return fmt.Errorf("gatt: configure advertisement: %w", err)
	}
	if err := adv.Start(); err != nil {
		return fmt.Errorf("gatt: start advertisement: %w", err)
	}
	p.log.Info("[GATT] advertising", "name", name)
	return nil
}

func (p *TinyGoPeripheral) dispatch(ev Event) {
	p.mu.Lock()
	h := p.handler
	p.mu.Unlock()
	if h == nil {
		return
	}
	if _, err := h.HandleEvent(p.ctx, ev); err != nil {
		p.log.Warn("[GATT] event rejected", "event", ev.Kind.String(), "error", err)
	}
}

func permissions(c Characteristic) bluetooth.CharacteristicPermissions {
	switch c {
	case CharCommand, CharFileBlock:
		return bluetooth.CharacteristicWritePermission | bluetooth.CharacteristicWriteWithoutResponsePermission
	case CharTotalFileSize, CharFileHash:
		return bluetooth.CharacteristicReadPermission | bluetooth.CharacteristicWritePermission |
			bluetooth.CharacteristicWriteWithoutResponsePermission
	case CharStatus:
		return bluetooth.CharacteristicReadPermission | bluetooth.CharacteristicNotifyPermission
	case CharFinishedUpload:
		return bluetooth.CharacteristicReadPermission | bluetooth.CharacteristicNotifyPermission |
			bluetooth.CharacteristicWritePermission
	default:
		return 0
	}
}

var _ Peripheral = (*TinyGoPeripheral)(nil)
