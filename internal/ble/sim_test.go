package ble

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/dk731/esp32-gatt-ota/internal/flash"
	"github.com/dk731/esp32-gatt-ota/internal/gatt"
	"github.com/dk731/esp32-gatt-ota/internal/ota"
)

const simAddress = "AA:BB:CC:DD:EE:FF"

var errSimLinkDown = errors.New("sim: link down")

// simDevice runs the real router, machine and memory flash behind the
// Connection interface, so uploads exercise the device end to end.
type simDevice struct {
	mem     *flash.Memory
	machine *ota.Machine
	router  *gatt.Router
	uuids   gatt.UUIDs

	mu          sync.Mutex
	handler     gatt.Handler
	subs        map[gatt.Characteristic]func([]byte)
	noNotify    bool
	dropAfter   int // drop the link after this many blocks; 0 never
	blocks      int
	commands    []byte
	connects    int
	failConnect int
}

func newSimDevice(t *testing.T) *simDevice {
	t.Helper()
	mem, err := flash.NewMemory(4096,
		flash.Spec{Label: "factory", Size: 8192},
		flash.Spec{Label: "ota_0", Size: 16384},
	)
	if err != nil {
		t.Fatal(err)
	}
	layout, err := flash.Scan(mem)
	if err != nil {
		t.Fatal(err)
	}
	d := &simDevice{
		mem:   mem,
		uuids: gatt.DefaultUUIDs(),
		subs:  make(map[gatt.Characteristic]func([]byte)),
	}
	d.machine, err = ota.NewMachine(mem, layout, ota.WithListener(gatt.NewNotifier(d, nil)))
	if err != nil {
		t.Fatal(err)
	}
	d.router = gatt.NewRouter(d.machine, d, d.uuids)
	if err := d.router.Start(context.Background(), "sim"); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(d.router.Wait)
	return d
}

// gatt.Peripheral

func (d *simDevice) RegisterService(_ gatt.UUIDs, h gatt.Handler) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handler = h
	return nil
}

func (d *simDevice) Notify(c gatt.Characteristic, value []byte) error {
	d.mu.Lock()
	cb := d.subs[c]
	d.mu.Unlock()
	if cb != nil {
		cp := make([]byte, len(value))
		copy(cp, value)
		cb(cp)
	}
	return nil
}

func (d *simDevice) Advertise(string) error { return nil }

// Adapter

func (d *simDevice) Enable() error { return nil }

func (d *simDevice) Scan(context.Context, uuid.UUID) ([]Device, error) {
	return []Device{{Name: "sim", Address: simAddress, RSSI: -40}}, nil
}

func (d *simDevice) Connect(_ context.Context, address string) (Connection, error) {
	d.mu.Lock()
	if d.failConnect > 0 {
		d.failConnect--
		d.mu.Unlock()
		return nil, errMockConnect
	}
	d.connects++
	d.subs = make(map[gatt.Characteristic]func([]byte))
	d.mu.Unlock()

	if _, err := d.handle(gatt.Event{Kind: gatt.EventConnect, Peer: address}); err != nil {
		return nil, err
	}
	return &simConnection{dev: d}, nil
}

func (d *simDevice) handle(ev gatt.Event) ([]byte, error) {
	d.mu.Lock()
	h := d.handler
	d.mu.Unlock()
	return h.HandleEvent(context.Background(), ev)
}

type simConnection struct {
	dev *simDevice

	mu           sync.Mutex
	down         bool
	disconnectCb func()
}

func (c *simConnection) DiscoverCharacteristics(service uuid.UUID, ids []uuid.UUID) (map[uuid.UUID]Characteristic, error) {
	if service != c.dev.uuids.Service {
		return nil, errors.New("sim: service not found")
	}
	out := make(map[uuid.UUID]Characteristic)
	for _, id := range ids {
		if ch, ok := c.dev.uuids.Lookup(id); ok {
			out[id] = &simCharacteristic{conn: c, c: ch, id: id}
		}
	}
	return out, nil
}

func (c *simConnection) Disconnect() error {
	c.mu.Lock()
	wasDown := c.down
	c.down = true
	c.mu.Unlock()
	if !wasDown {
		c.dev.handle(gatt.Event{Kind: gatt.EventDisconnect, Peer: simAddress})
	}
	return nil
}

func (c *simConnection) OnDisconnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCb = cb
}

// drop simulates the peripheral going out of range.
func (c *simConnection) drop() {
	c.mu.Lock()
	c.down = true
	cb := c.disconnectCb
	c.mu.Unlock()
	c.dev.handle(gatt.Event{Kind: gatt.EventDisconnect, Peer: simAddress})
	if cb != nil {
		cb()
	}
}

func (c *simConnection) isDown() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.down
}

type simCharacteristic struct {
	conn *simConnection
	c    gatt.Characteristic
	id   uuid.UUID
}

// Write mirrors an acknowledged ATT write: the peripheral acknowledges
// even when the router rejects the value, and reports through status.
func (s *simCharacteristic) Write(data []byte) error {
	if s.conn.isDown() {
		return errSimLinkDown
	}
	d := s.conn.dev
	if s.c == gatt.CharCommand && len(data) == 1 {
		d.mu.Lock()
		d.commands = append(d.commands, data[0])
		d.mu.Unlock()
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	d.handle(gatt.Event{Kind: gatt.EventWrite, UUID: s.id, Data: cp, Peer: simAddress})
	return nil
}

func (s *simCharacteristic) WriteWithoutResponse(data []byte) error {
	if s.conn.isDown() {
		return errSimLinkDown
	}
	d := s.conn.dev
	if s.c == gatt.CharFileBlock {
		d.mu.Lock()
		d.blocks++
		drop := d.dropAfter > 0 && d.blocks > d.dropAfter
		if drop {
			d.dropAfter = 0
		}
		d.mu.Unlock()
		if drop {
			s.conn.drop()
			return errSimLinkDown
		}
	}
	return s.Write(data)
}

func (s *simCharacteristic) Read() ([]byte, error) {
	if s.conn.isDown() {
		return nil, errSimLinkDown
	}
	return s.conn.dev.handle(gatt.Event{Kind: gatt.EventRead, UUID: s.id, Peer: simAddress})
}

func (s *simCharacteristic) Subscribe(cb func([]byte)) error {
	d := s.conn.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.noNotify {
		return errors.New("sim: notifications disabled")
	}
	d.subs[s.c] = cb
	return nil
}
