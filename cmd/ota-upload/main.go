// Command ota-upload streams a firmware image to a device running the OTA
// GATT service.
//
// Usage:
//
//	ota-upload [-config path] [-device addr|name] [-force] <image.bin|https://...>
//	ota-upload -scan
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dk731/esp32-gatt-ota/internal/ble"
	"github.com/dk731/esp32-gatt-ota/internal/ble/crypto"
	"github.com/dk731/esp32-gatt-ota/internal/config"
	"github.com/dk731/esp32-gatt-ota/internal/gatt"
	"github.com/dk731/esp32-gatt-ota/internal/image"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default: ~/.config/esp32-gatt-ota/config.yaml)")
	device := flag.String("device", "", "device address or advertised name (default: upload.device, else strongest signal)")
	scan := flag.Bool("scan", false, "list devices advertising the OTA service and exit")
	force := flag.Bool("force", false, "supersede a transfer already in progress on the device")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] <image.bin|url>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config validation: %v", err)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.ParseLogLevel(cfg.LogLevel),
	})))

	if cfg.GATT.RandomUUIDs {
		log.Fatalf("gatt.random_uuids is set; configure the UUIDs the device printed at startup")
	}
	uuids, err := gatt.ParseUUIDs(gatt.UUIDStrings{
		Service:        cfg.GATT.ServiceUUID,
		FileBlock:      cfg.GATT.FileBlockUUID,
		TotalFileSize:  cfg.GATT.TotalFileSizeUUID,
		FileHash:       cfg.GATT.FileHashUUID,
		Status:         cfg.GATT.StatusUUID,
		Command:        cfg.GATT.CommandUUID,
		FinishedUpload: cfg.GATT.FinishedUploadUUID,
	})
	if err != nil {
		log.Fatalf("gatt: %v", err)
	}

	adapter := ble.NewBluetoothAdapter()

	if *scan {
		runScan(adapter, uuids, cfg.Upload.ScanTimeout)
		return
	}

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	src := flag.Arg(0)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	alg, err := crypto.ParseAlgorithm(cfg.Verify.Algorithm)
	if err != nil {
		log.Fatalf("verify: %v", err)
	}
	img, err := image.Load(ctx, src, alg, os.Stdout)
	if err != nil {
		log.Fatalf("image: %v", err)
	}
	if !img.LooksLikeESP32() {
		slog.Warn("[BLE] image does not start with the ESP32 magic byte", "first_byte", fmt.Sprintf("0x%02x", img.Data[0]))
	}

	address, err := resolveDevice(adapter, uuids, *device, cfg.Upload)
	if err != nil {
		log.Fatalf("%v", err)
	}

	opts := ble.DefaultUploadOptions()
	opts.BlockSize = cfg.Upload.BlockSize
	opts.InterChunkDelay = cfg.Upload.InterChunkDelay
	opts.StatusTimeout = cfg.Upload.StatusTimeout
	opts.Retries = cfg.Upload.Retries
	opts.ReconnectMax = cfg.Upload.ReconnectMax
	opts.Force = *force

	uploader, err := ble.NewUploader(adapter, address, uuids, opts, slog.Default())
	if err != nil {
		log.Fatalf("%v", err)
	}

	fmt.Println("=== ota-upload ===")
	fmt.Printf("  Image:   %s (%d bytes)\n", img.Name, img.Size())
	fmt.Printf("  Digest:  %s %s\n", img.Algorithm, img.Digest)
	fmt.Printf("  Device:  %s\n", address)
	fmt.Printf("  Blocks:  %d bytes, %s apart\n", opts.BlockSize, opts.InterChunkDelay)
	fmt.Println("==================")

	start := time.Now()
	err = uploader.Upload(ctx, img, func(sent, total uint32) {
		elapsed := time.Since(start).Seconds()
		rate := 0.0
		if elapsed > 0 {
			rate = float64(sent) / 1024 / elapsed
		}
		fmt.Printf("\r  %d / %d bytes (%.0f%%, %.1f KB/s)", sent, total, float64(sent)/float64(total)*100, rate)
	})
	fmt.Println()
	if err != nil {
		switch {
		case errors.Is(err, ble.ErrDeviceBusy):
			log.Fatalf("%v\n\nRe-run with -force to supersede it.", err)
		case errors.Is(err, ble.ErrDeviceFailure):
			log.Fatalf("%v\n\nCheck that verify.algorithm matches the device and the image fits its partition.", err)
		default:
			log.Fatalf("upload: %v", err)
		}
	}
	fmt.Printf("Done! Image committed in %s. Send a reset to boot it.\n", time.Since(start).Round(time.Millisecond))
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		return cfg, nil
	}
	return config.Default(), nil
}

func runScan(adapter ble.Adapter, uuids gatt.UUIDs, timeout time.Duration) {
	fmt.Printf("Scanning for %s...\n", timeout)
	devices, err := ble.ScanForDevices(adapter, uuids.Service, timeout)
	if err != nil {
		log.Fatalf("%v", err)
	}
	if len(devices) == 0 {
		fmt.Println("No devices found.")
		return
	}
	for _, d := range devices {
		name := d.Name
		if name == "" {
			name = "(unnamed)"
		}
		fmt.Printf("  %-20s %s  RSSI %d\n", name, d.Address, d.RSSI)
	}
}

// resolveDevice returns the address to upload to. A flag or config value
// that is not a known address is matched against advertised names.
func resolveDevice(adapter ble.Adapter, uuids gatt.UUIDs, flagValue string, cfg config.UploadConfig) (string, error) {
	want := flagValue
	if want == "" {
		want = cfg.Device
	}
	if looksLikeAddress(want) {
		return want, nil
	}

	fmt.Printf("Scanning for %s...\n", cfg.ScanTimeout)
	devices, err := ble.ScanForDevices(adapter, uuids.Service, cfg.ScanTimeout)
	if err != nil {
		return "", err
	}
	d, err := ble.SelectDevice(devices, want)
	if err != nil {
		return "", err
	}
	fmt.Printf("Found %s (%s, RSSI %d)\n", d.Name, d.Address, d.RSSI)
	return d.Address, nil
}

// looksLikeAddress reports whether s is a MAC address or a CoreBluetooth
// peripheral UUID.
func looksLikeAddress(s string) bool {
	if len(s) == 17 {
		for i := 2; i < 17; i += 3 {
			if s[i] != ':' {
				return false
			}
		}
		return true
	}
	return len(s) == 36 && s[8] == '-' && s[13] == '-' && s[18] == '-' && s[23] == '-'
}
