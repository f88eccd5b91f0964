package gatt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/dk731/esp32-gatt-ota/internal/ble/crypto"
	"github.com/dk731/esp32-gatt-ota/internal/ble/protocol"
)

// Machine is the part of ota.Machine the router drives.
type Machine interface {
	HandleCommand(ctx context.Context, cmd protocol.Command) error
	DeclareTotalSize(ctx context.Context, n uint32) error
	SetExpectedHash(ctx context.Context, d crypto.Digest) error
	WriteBlock(ctx context.Context, chunk []byte) error
	BeginFinalize(ctx context.Context) error
	CompleteFinalize(ctx context.Context) error
	ReportViolation(ctx context.Context, err error) error
	ReadyToFinalize() bool
	Connected(ctx context.Context, peer string)
	Disconnected(ctx context.Context, peer string)
	Status() protocol.Status
	TotalSize() (uint32, bool)
	ExpectedHash() (crypto.Digest, bool)
	FinishedValue() []byte
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithMaxBlockSize bounds file_block writes. Defaults to
// protocol.DefaultMaxBlockSize.
func WithMaxBlockSize(n int) RouterOption {
	return func(r *Router) {
		if n > 0 {
			r.maxBlock = n
		}
	}
}

// WithLogger sets the router logger.
func WithLogger(l *slog.Logger) RouterOption {
	return func(r *Router) { r.log = l }
}

// Router dispatches GATT events for the OTA service to the machine.
type Router struct {
	m        Machine
	p        Peripheral
	uuids    UUIDs
	maxBlock int
	log      *slog.Logger

	// bg is the context background finalize work runs under.
	bg context.Context
	wg sync.WaitGroup
}

// NewRouter returns a router for the service identified by uuids.
func NewRouter(m Machine, p Peripheral, uuids UUIDs, opts ...RouterOption) *Router {
	r := &Router{
		m:        m,
		p:        p,
		uuids:    uuids,
		maxBlock: protocol.DefaultMaxBlockSize,
		log:      slog.Default(),
		bg:       context.Background(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start registers the service, publishes the initial characteristic
// values and starts advertising under name.
func (r *Router) Start(ctx context.Context, name string) error {
	r.bg = context.WithoutCancel(ctx)
	if err := r.p.RegisterService(r.uuids, r); err != nil {
		return fmt.Errorf("gatt: register service: %w", err)
	}
	initial := []struct {
		c Characteristic
		v []byte
	}{
		{CharStatus, r.m.Status().Bytes()},
		{CharFinishedUpload, r.m.FinishedValue()},
		{CharTotalFileSize, protocol.EncodeTotalSize(0)},
	}
	for _, iv := range initial {
		if err := r.p.Notify(iv.c, iv.v); err != nil {
			return fmt.Errorf("gatt: set initial %s: %w", iv.c, err)
		}
	}
	if err := r.p.Advertise(name); err != nil {
		return fmt.Errorf("gatt: advertise: %w", err)
	}
	r.log.Info("[GATT] service started", "name", name, "service", r.uuids.Service.String(), "max_block", r.maxBlock)
	return nil
}

// HandleEvent is the single entry point for events from the BLE stack.
func (r *Router) HandleEvent(ctx context.Context, ev Event) ([]byte, error) {
	switch ev.Kind {
	case EventWrite:
		if ev.Offset != 0 {
			return nil, r.rejectOffset(ctx, ev)
		}
		return nil, r.OnAttributeWrite(ctx, ev.UUID, ev.Data)
	case EventRead:
		return r.OnAttributeRead(ctx, ev.UUID)
	case EventSubscribe:
		c, ok := r.uuids.Lookup(ev.UUID)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownCharacteristic, ev.UUID)
		}
		r.log.Debug("[GATT] subscribed", "characteristic", c.String(), "peer", ev.Peer)
		return r.value(c)
	case EventConnect:
		r.m.Connected(ctx, ev.Peer)
		return nil, nil
	case EventDisconnect:
		r.m.Disconnected(ctx, ev.Peer)
		return nil, nil
	default:
		return nil, fmt.Errorf("gatt: unsupported event %v", ev.Kind)
	}
}

// OnAttributeWrite handles a write to one of the service characteristics.
func (r *Router) OnAttributeWrite(ctx context.Context, id uuid.UUID, data []byte) error {
	c, ok := r.uuids.Lookup(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCharacteristic, id)
	}
	r.log.Debug("[GATT] write", "characteristic", c.String(), "len", len(data))

	switch c {
	case CharCommand:
		cmd, err := protocol.ParseCommand(data)
		if err != nil {
			return r.m.ReportViolation(ctx, err)
		}
		r.log.Info("[GATT] command", "command", cmd.String())
		return r.m.HandleCommand(ctx, cmd)

	case CharFileBlock:
		if len(data) > r.maxBlock {
			return r.m.ReportViolation(ctx, fmt.Errorf("%w: %d > %d", ErrBlockTooLarge, len(data), r.maxBlock))
		}
		return r.m.WriteBlock(ctx, data)

	case CharTotalFileSize:
		n, err := protocol.DecodeTotalSize(data)
		if err != nil {
			return r.m.ReportViolation(ctx, err)
		}
		return r.m.DeclareTotalSize(ctx, n)

	case CharFileHash:
		d, err := crypto.ParseDigest(data)
		if err != nil {
			return r.m.ReportViolation(ctx, err)
		}
		if err := r.m.SetExpectedHash(ctx, d); err != nil {
			return err
		}
		if err := r.p.Notify(CharFileHash, d[:]); err != nil {
			r.log.Warn("[GATT] notify failed", "characteristic", c.String(), "error", err)
		}
		return nil

	case CharFinishedUpload:
		return r.finalize(ctx)

	default:
		return r.m.ReportViolation(ctx, fmt.Errorf("%w: %s", ErrNotWritable, c))
	}
}

// rejectOffset reports a long-write fragment. Every value must fit one
// ATT write.
func (r *Router) rejectOffset(ctx context.Context, ev Event) error {
	c, ok := r.uuids.Lookup(ev.UUID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCharacteristic, ev.UUID)
	}
	return r.m.ReportViolation(ctx, fmt.Errorf("%w: %s offset %d", ErrOffsetWrite, c, ev.Offset))
}

// OnAttributeRead returns the value of a readable characteristic. Reading
// finished_upload once every byte has arrived starts finalization.
func (r *Router) OnAttributeRead(ctx context.Context, id uuid.UUID) ([]byte, error) {
	c, ok := r.uuids.Lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCharacteristic, id)
	}
	if c == CharFinishedUpload && r.m.ReadyToFinalize() {
		if err := r.finalize(ctx); err != nil {
			r.log.Warn("[GATT] finalize on read rejected", "error", err)
		}
	}
	return r.value(c)
}

func (r *Router) value(c Characteristic) ([]byte, error) {
	switch c {
	case CharStatus:
		return r.m.Status().Bytes(), nil
	case CharTotalFileSize:
		n, _ := r.m.TotalSize()
		return protocol.EncodeTotalSize(n), nil
	case CharFileHash:
		d, ok := r.m.ExpectedHash()
		if !ok {
			return []byte{}, nil
		}
		return d[:], nil
	case CharFinishedUpload:
		return r.m.FinishedValue(), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrNotReadable, c)
	}
}

// finalize enters Verifying on the caller's context and leaves the digest
// check and partition commit to a background goroutine, so the BLE event
// is acknowledged without waiting on flash.
func (r *Router) finalize(ctx context.Context) error {
	if err := r.m.BeginFinalize(ctx); err != nil {
		return err
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.m.CompleteFinalize(r.bg); err != nil && !errors.Is(err, context.Canceled) {
			r.log.Error("[GATT] finalize failed", "error", err)
		}
	}()
	return nil
}

// Wait blocks until background finalization has finished.
func (r *Router) Wait() {
	r.wg.Wait()
}

var _ Handler = (*Router)(nil)
