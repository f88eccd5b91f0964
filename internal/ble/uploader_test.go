package ble

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/dk731/esp32-gatt-ota/internal/ble/crypto"
	"github.com/dk731/esp32-gatt-ota/internal/ble/protocol"
	"github.com/dk731/esp32-gatt-ota/internal/flash"
	"github.com/dk731/esp32-gatt-ota/internal/gatt"
	"github.com/dk731/esp32-gatt-ota/internal/image"
	"github.com/dk731/esp32-gatt-ota/internal/ota"
)

func testImage(t *testing.T, size int) *image.Image {
	t.Helper()
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i * 7)
	}
	data[0] = 0xE9
	img, err := image.New("app.bin", data, crypto.SHA256)
	if err != nil {
		t.Fatal(err)
	}
	return img
}

func fastOpts() UploadOptions {
	opts := DefaultUploadOptions()
	opts.InterChunkDelay = 0
	opts.StatusTimeout = 2 * time.Second
	opts.PollInterval = 10 * time.Millisecond
	opts.Retries = 0
	return opts
}

func newTestUploader(t *testing.T, adapter Adapter, opts UploadOptions) *Uploader {
	t.Helper()
	u, err := NewUploader(adapter, simAddress, gatt.DefaultUUIDs(), opts, nil)
	if err != nil {
		t.Fatalf("NewUploader() error = %v", err)
	}
	return u
}

func readTarget(t *testing.T, d *simDevice, n int) []byte {
	t.Helper()
	layout, err := flash.Scan(d.mem)
	if err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, n)
	if err := d.mem.Read(layout.Target, 0, buf); err != nil {
		t.Fatal(err)
	}
	return buf
}

func TestUploadCommitsImage(t *testing.T) {
	d := newSimDevice(t)
	img := testImage(t, 3000)

	var calls int
	var last uint32
	u := newTestUploader(t, d, fastOpts())
	err := u.Upload(context.Background(), img, func(sent, total uint32) {
		calls++
		last = sent
		if total != 3000 {
			t.Errorf("progress total = %d, want 3000", total)
		}
	})
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}

	if calls != 6 || last != 3000 {
		t.Errorf("progress calls = %d, last = %d; want 6, 3000", calls, last)
	}
	if s := d.machine.Status(); s != protocol.StatusSuccess {
		t.Errorf("device status = %v, want success", s)
	}
	if d.mem.Boot() != "ota_0" {
		t.Errorf("boot = %q, want ota_0", d.mem.Boot())
	}
	if got := readTarget(t, d, 3000); !bytes.Equal(got, img.Data) {
		t.Error("target partition does not hold the image")
	}
	if !bytes.Equal(d.commands, []byte{byte(protocol.CommandStartTransfer)}) {
		t.Errorf("commands = %x, want 01", d.commands)
	}
}

func TestUploadRetriesAfterDisconnect(t *testing.T) {
	d := newSimDevice(t)
	d.dropAfter = 2
	img := testImage(t, 3000)

	opts := fastOpts()
	opts.Retries = 1
	opts.ReconnectMax = 1
	u := newTestUploader(t, d, opts)
	if err := u.Upload(context.Background(), img, nil); err != nil {
		t.Fatalf("Upload() error = %v", err)
	}

	if d.connects != 2 {
		t.Errorf("connects = %d, want 2", d.connects)
	}
	// The retry supersedes the frozen session.
	want := []byte{byte(protocol.CommandStartTransfer), byte(protocol.CommandStartForceTransfer)}
	if !bytes.Equal(d.commands, want) {
		t.Errorf("commands = %x, want %x", d.commands, want)
	}
	if d.mem.Boot() != "ota_0" {
		t.Errorf("boot = %q, want ota_0", d.mem.Boot())
	}
}

func TestUploadDisconnectWithoutRetries(t *testing.T) {
	d := newSimDevice(t)
	d.dropAfter = 1

	u := newTestUploader(t, d, fastOpts())
	err := u.Upload(context.Background(), testImage(t, 3000), nil)
	if !ota.IsKind(err, ota.KindTransportFailure) {
		t.Fatalf("Upload() error = %v, want transport failure", err)
	}
	if s := d.machine.Status(); s != protocol.StatusReceiving {
		t.Errorf("device status = %v, want frozen receiving", s)
	}
}

func TestUploadDigestMismatch(t *testing.T) {
	d := newSimDevice(t)
	img := testImage(t, 2048)
	img.Digest[0] ^= 0xFF

	opts := fastOpts()
	opts.Retries = 2
	u := newTestUploader(t, d, opts)
	if err := u.Upload(context.Background(), img, nil); !errors.Is(err, ErrDeviceFailure) {
		t.Fatalf("Upload() error = %v, want ErrDeviceFailure", err)
	}
	if d.connects != 1 {
		t.Errorf("connects = %d, device failures must not be retried", d.connects)
	}
	if d.mem.Boot() == "ota_0" {
		t.Error("mismatched image was committed")
	}
}

func TestUploadImageTooLarge(t *testing.T) {
	d := newSimDevice(t)
	u := newTestUploader(t, d, fastOpts())
	err := u.Upload(context.Background(), testImage(t, 20000), nil)
	if !errors.Is(err, ErrDeviceFailure) {
		t.Fatalf("Upload() error = %v, want ErrDeviceFailure", err)
	}
	if d.blocks != 0 {
		t.Errorf("sent %d blocks after the device failed", d.blocks)
	}
}

func TestUploadBusyDevice(t *testing.T) {
	d := newSimDevice(t)
	if err := d.machine.StartTransfer(context.Background()); err != nil {
		t.Fatal(err)
	}
	img := testImage(t, 1000)

	u := newTestUploader(t, d, fastOpts())
	if err := u.Upload(context.Background(), img, nil); !errors.Is(err, ErrDeviceBusy) {
		t.Fatalf("Upload() error = %v, want ErrDeviceBusy", err)
	}

	opts := fastOpts()
	opts.Force = true
	u = newTestUploader(t, d, opts)
	if err := u.Upload(context.Background(), img, nil); err != nil {
		t.Fatalf("forced Upload() error = %v", err)
	}
}

func TestUploadPollsWithoutNotifications(t *testing.T) {
	d := newSimDevice(t)
	d.noNotify = true

	u := newTestUploader(t, d, fastOpts())
	if err := u.Upload(context.Background(), testImage(t, 1500), nil); err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if s := d.machine.Status(); s != protocol.StatusSuccess {
		t.Errorf("device status = %v, want success", s)
	}
}

func TestUploadConnectRetry(t *testing.T) {
	d := newSimDevice(t)
	d.failConnect = 1

	u := newTestUploader(t, d, fastOpts())
	err := u.Upload(context.Background(), testImage(t, 100), nil)
	if !ota.IsKind(err, ota.KindTransportFailure) || !errors.Is(err, errMockConnect) {
		t.Fatalf("Upload() error = %v, want wrapped connect failure", err)
	}

	d.failConnect = 1
	opts := fastOpts()
	opts.Retries = 1
	opts.ReconnectMax = 1
	u = newTestUploader(t, d, opts)
	if err := u.Upload(context.Background(), testImage(t, 100), nil); err != nil {
		t.Fatalf("Upload() with retry error = %v", err)
	}
}

func TestUploadWireFormat(t *testing.T) {
	ids := gatt.DefaultUUIDs()
	var all []uuid.UUID
	for _, c := range gatt.Characteristics {
		all = append(all, ids.Get(c))
	}
	adapter := newMockAdapter(nil)
	adapter.connection = newMockConnection(all...)
	adapter.connection.chars[ids.Status].value = []byte{byte(protocol.StatusIdle)}

	img := testImage(t, 1100)
	opts := fastOpts()
	opts.BlockSize = 500
	opts.StatusTimeout = 50 * time.Millisecond
	u := newTestUploader(t, adapter, opts)

	// The mock never reports a terminal status.
	if err := u.Upload(context.Background(), img, nil); !errors.Is(err, ErrStatusTimeout) {
		t.Fatalf("Upload() error = %v, want ErrStatusTimeout", err)
	}

	chars := adapter.connection.chars
	if got := chars[ids.Command].writes; len(got) != 1 || !bytes.Equal(got[0], []byte{0x01}) {
		t.Errorf("command writes = %x", got)
	}
	if got := chars[ids.TotalFileSize].writes; len(got) != 1 || !bytes.Equal(got[0], []byte{0x4C, 0x04, 0, 0}) {
		t.Errorf("total size writes = %x", got)
	}
	if got := chars[ids.FileHash].writes; len(got) != 1 || !bytes.Equal(got[0], img.Digest[:]) {
		t.Errorf("hash writes = %x", got)
	}
	blocks := chars[ids.FileBlock].writes
	if len(blocks) != 3 || len(blocks[0]) != 500 || len(blocks[2]) != 100 {
		t.Errorf("block writes = %d", len(blocks))
	}
	if got := chars[ids.FinishedUpload].writes; len(got) != 1 {
		t.Errorf("finished writes = %d, want 1", len(got))
	}
	if !adapter.connection.disconnected {
		t.Error("connection not closed")
	}
}

func TestUploadMissingCharacteristic(t *testing.T) {
	ids := gatt.DefaultUUIDs()
	adapter := newMockAdapter(nil)
	adapter.connection = newMockConnection(ids.FileBlock, ids.Status)

	u := newTestUploader(t, adapter, fastOpts())
	if err := u.Upload(context.Background(), testImage(t, 10), nil); !errors.Is(err, ErrMissingChar) {
		t.Fatalf("Upload() error = %v, want ErrMissingChar", err)
	}
}

func TestUploadCancelled(t *testing.T) {
	d := newSimDevice(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	u := newTestUploader(t, d, fastOpts())
	if err := u.Upload(ctx, testImage(t, 3000), nil); err == nil {
		t.Fatal("Upload() with cancelled context succeeded")
	}
	if d.mem.Boot() == "ota_0" {
		t.Error("cancelled upload was committed")
	}
}

func TestNewUploaderValidation(t *testing.T) {
	adapter := newMockAdapter(nil)
	tests := []struct {
		name    string
		address string
		modify  func(*UploadOptions)
		uuids   gatt.UUIDs
	}{
		{"empty address", "", func(*UploadOptions) {}, gatt.DefaultUUIDs()},
		{"zero block", simAddress, func(o *UploadOptions) { o.BlockSize = 0 }, gatt.DefaultUUIDs()},
		{"oversized block", simAddress, func(o *UploadOptions) { o.BlockSize = 513 }, gatt.DefaultUUIDs()},
		{"nil uuids", simAddress, func(*UploadOptions) {}, gatt.UUIDs{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := DefaultUploadOptions()
			tt.modify(&opts)
			if _, err := NewUploader(adapter, tt.address, tt.uuids, opts, nil); err == nil {
				t.Error("NewUploader() accepted invalid input")
			}
		})
	}
}

func TestReconnectBackoff(t *testing.T) {
	delays := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second, // capped
		30 * time.Second, // still capped
	}

	for i, want := range delays {
		got := backoffDelay(i, 30)
		if got != want {
			t.Errorf("backoffDelay(%d, 30) = %v, want %v", i, got, want)
		}
	}
}

func TestBackoffDelayOverflowProtection(t *testing.T) {
	// Attempt=100 would cause 1<<100 overflow without the cap
	if got := backoffDelay(100, 30); got != 30*time.Second {
		t.Errorf("backoffDelay(100, 30) = %v, want 30s", got)
	}
	got := backoffDelay(31, 60)
	if got <= 0 || got > 60*time.Second {
		t.Errorf("backoffDelay(31, 60) = %v, want within (0, 60s]", got)
	}
}
