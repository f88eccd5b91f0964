package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dk731/esp32-gatt-ota/internal/ble/protocol"
	"github.com/dk731/esp32-gatt-ota/internal/gatt"
	"github.com/dk731/esp32-gatt-ota/internal/image"
	"github.com/dk731/esp32-gatt-ota/internal/ota"
)

// UploadOptions configures the Uploader.
type UploadOptions struct {
	BlockSize       int           // bytes per file_block write
	InterChunkDelay time.Duration // delay between block writes
	StatusTimeout   time.Duration // how long to wait for success or failure after finishing
	PollInterval    time.Duration // status read interval while waiting
	Retries         int           // extra attempts after a lost connection
	ReconnectMax    int           // max reconnect backoff in seconds
	Force           bool          // supersede a transfer already in progress
}

// DefaultUploadOptions returns sensible defaults.
func DefaultUploadOptions() UploadOptions {
	return UploadOptions{
		BlockSize:       protocol.DefaultMaxBlockSize,
		InterChunkDelay: 20 * time.Millisecond,
		StatusTimeout:   30 * time.Second,
		PollInterval:    250 * time.Millisecond,
		Retries:         3,
		ReconnectMax:    30,
	}
}

var (
	ErrDeviceFailure = errors.New("ble: device reported failure")
	ErrDeviceBusy    = errors.New("ble: device has a transfer in progress")
	ErrStatusTimeout = errors.New("ble: timed out waiting for final status")
	ErrDisconnected  = errors.New("ble: connection lost")
	ErrSizeMismatch  = errors.New("ble: device committed a different size")
	ErrMissingChar   = errors.New("ble: characteristic not found")
)

// ProgressFunc is called after every block with the bytes sent so far.
type ProgressFunc func(sent, total uint32)

// Uploader streams firmware images to one device.
type Uploader struct {
	adapter Adapter
	address string
	uuids   gatt.UUIDs
	opts    UploadOptions
	log     *slog.Logger
}

// NewUploader creates an uploader for the device at address.
func NewUploader(adapter Adapter, address string, uuids gatt.UUIDs, opts UploadOptions, log *slog.Logger) (*Uploader, error) {
	if address == "" {
		return nil, errors.New("ble: device address must not be empty")
	}
	if opts.BlockSize <= 0 || opts.BlockSize > protocol.DefaultMaxBlockSize {
		return nil, fmt.Errorf("ble: block size must be in 1..%d, got %d", protocol.DefaultMaxBlockSize, opts.BlockSize)
	}
	if err := uuids.Validate(); err != nil {
		return nil, fmt.Errorf("ble: %w", err)
	}
	if opts.StatusTimeout <= 0 {
		opts.StatusTimeout = 30 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 250 * time.Millisecond
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = 30
	}
	if log == nil {
		log = slog.Default()
	}
	return &Uploader{adapter: adapter, address: address, uuids: uuids, opts: opts, log: log}, nil
}

// backoffDelay returns the reconnection delay for attempt n, capped at maxSeconds.
func backoffDelay(attempt int, maxSeconds int) time.Duration {
	max := time.Duration(maxSeconds) * time.Second
	if attempt >= 30 {
		return max
	}
	delay := time.Duration(1<<uint(attempt)) * time.Second
	if delay > max {
		return max
	}
	return delay
}

// Upload sends img and waits for the device to verify and commit it. A
// lost connection is retried with exponential backoff; a retry always
// force-starts, since the device keeps the interrupted session frozen.
func (u *Uploader) Upload(ctx context.Context, img *image.Image, progress ProgressFunc) error {
	if err := u.adapter.Enable(); err != nil {
		return fmt.Errorf("ble: enable adapter: %w", err)
	}

	var err error
	for attempt := 0; attempt <= u.opts.Retries; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(attempt-1, u.opts.ReconnectMax)
			u.log.Info("[BLE] reconnect backoff", "attempt", attempt+1, "delay", delay)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		err = u.attempt(ctx, img, progress, u.opts.Force || attempt > 0)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || !ota.IsKind(err, ota.KindTransportFailure) {
			return err
		}
		u.log.Warn("[BLE] upload interrupted", "attempt", attempt+1, "error", err)
	}
	return fmt.Errorf("ble: upload failed after %d attempts: %w", u.opts.Retries+1, err)
}

func transportError(op string, err error) error {
	return &ota.Error{Kind: ota.KindTransportFailure, Op: op, Err: err}
}

// link is one connection's worth of discovered characteristics.
type link struct {
	chars  map[gatt.Characteristic]Characteristic
	status chan protocol.Status
	lost   chan struct{}
}

func (u *Uploader) attempt(ctx context.Context, img *image.Image, progress ProgressFunc, force bool) error {
	u.log.Info("[BLE] connecting", "address", u.address)
	conn, err := u.adapter.Connect(ctx, u.address)
	if err != nil {
		return transportError("connect", err)
	}
	defer func() { _ = conn.Disconnect() }()

	l, err := u.open(conn)
	if err != nil {
		return err
	}

	cur, err := l.readStatus()
	if err != nil {
		return err
	}
	cmd := protocol.CommandStartTransfer
	switch {
	case cur == protocol.StatusVerifying:
		return fmt.Errorf("%w: device is verifying", ErrDeviceBusy)
	case cur == protocol.StatusReceiving && !force:
		return ErrDeviceBusy
	case force:
		cmd = protocol.CommandStartForceTransfer
	}
	u.log.Info("[BLE] starting transfer", "image", img.Name, "size", img.Size(), "command", cmd.String(), "device_status", cur.String())

	header := []struct {
		c    gatt.Characteristic
		data []byte
	}{
		{gatt.CharCommand, []byte{byte(cmd)}},
		{gatt.CharTotalFileSize, protocol.EncodeTotalSize(img.Size())},
		{gatt.CharFileHash, img.Digest[:]},
	}
	for _, h := range header {
		if err := l.chars[h.c].Write(h.data); err != nil {
			return transportError("write "+h.c.String(), err)
		}
	}

	chunks := protocol.ChunkImage(img.Data, u.opts.BlockSize)
	var sent uint32
	for i, chunk := range chunks {
		if err := l.check(ctx); err != nil {
			return err
		}
		if err := l.chars[gatt.CharFileBlock].WriteWithoutResponse(chunk); err != nil {
			return transportError("write file_block", err)
		}
		sent += uint32(len(chunk))
		if progress != nil {
			progress(sent, img.Size())
		}
		// Pace writes so the device can erase and program between blocks.
		if i < len(chunks)-1 && u.opts.InterChunkDelay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-l.lost:
				return transportError("write file_block", ErrDisconnected)
			case <-time.After(u.opts.InterChunkDelay):
			}
		}
	}
	if err := l.check(ctx); err != nil {
		return err
	}

	if err := l.chars[gatt.CharFinishedUpload].Write([]byte{1}); err != nil {
		return transportError("write finished_upload", err)
	}

	final, err := u.await(ctx, l)
	if err != nil {
		return err
	}
	if final == protocol.StatusFailure {
		return ErrDeviceFailure
	}

	val, err := l.chars[gatt.CharFinishedUpload].Read()
	if err != nil {
		return transportError("read finished_upload", err)
	}
	done, size, err := protocol.DecodeFinished(val)
	if err != nil {
		return fmt.Errorf("ble: %w", err)
	}
	if !done || size != img.Size() {
		return fmt.Errorf("%w: got %d, sent %d", ErrSizeMismatch, size, img.Size())
	}
	u.log.Info("[BLE] upload committed", "image", img.Name, "size", size)
	return nil
}

// open discovers the service and subscribes to status notifications.
func (u *Uploader) open(conn Connection) (*link, error) {
	l := &link{
		chars:  make(map[gatt.Characteristic]Characteristic, len(gatt.Characteristics)),
		status: make(chan protocol.Status, 16),
		lost:   make(chan struct{}),
	}
	var once sync.Once
	conn.OnDisconnect(func() { once.Do(func() { close(l.lost) }) })

	ids := make([]uuid.UUID, 0, len(gatt.Characteristics))
	for _, c := range gatt.Characteristics {
		ids = append(ids, u.uuids.Get(c))
	}
	found, err := conn.DiscoverCharacteristics(u.uuids.Service, ids)
	if err != nil {
		return nil, transportError("discover", err)
	}
	for _, c := range gatt.Characteristics {
		ch, ok := found[u.uuids.Get(c)]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingChar, c)
		}
		l.chars[c] = ch
	}

	err = l.chars[gatt.CharStatus].Subscribe(func(data []byte) {
		s, err := protocol.DecodeStatus(data)
		if err != nil {
			return
		}
		select {
		case l.status <- s:
		default:
		}
	})
	if err != nil {
		// Polling still works without notifications.
		u.log.Warn("[BLE] status notifications unavailable", "error", err)
	}
	return l, nil
}

func (l *link) readStatus() (protocol.Status, error) {
	val, err := l.chars[gatt.CharStatus].Read()
	if err != nil {
		return 0, transportError("read status", err)
	}
	s, err := protocol.DecodeStatus(val)
	if err != nil {
		return 0, fmt.Errorf("ble: %w", err)
	}
	return s, nil
}

// check returns an error if the link dropped or the device already
// reported failure.
func (l *link) check(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.lost:
			return transportError("transfer", ErrDisconnected)
		case s := <-l.status:
			if s == protocol.StatusFailure {
				return ErrDeviceFailure
			}
		default:
			return nil
		}
	}
}

// await waits for a terminal status, from a notification or a poll.
func (u *Uploader) await(ctx context.Context, l *link) (protocol.Status, error) {
	timeout := time.NewTimer(u.opts.StatusTimeout)
	defer timeout.Stop()
	poll := time.NewTicker(u.opts.PollInterval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-l.lost:
			return 0, transportError("await status", ErrDisconnected)
		case <-timeout.C:
			return 0, ErrStatusTimeout
		case s := <-l.status:
			if s.Terminal() {
				return s, nil
			}
		case <-poll.C:
			s, err := l.readStatus()
			if err != nil {
				return 0, err
			}
			if s.Terminal() {
				return s, nil
			}
		}
	}
}
