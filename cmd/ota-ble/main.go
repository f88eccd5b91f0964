// Command ota-ble serves the OTA GATT service. Images received over BLE
// are written to the inactive ota_N partition, verified and committed.
//
// Usage:
//
//	ota-ble [-config path] [-random-uuids] [-init-config]
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

	"github.com/dk731/esp32-gatt-ota/internal/ble/crypto"
	"github.com/dk731/esp32-gatt-ota/internal/config"
	"github.com/dk731/esp32-gatt-ota/internal/flash"
	"github.com/dk731/esp32-gatt-ota/internal/gatt"
	"github.com/dk731/esp32-gatt-ota/internal/ota"
	"github.com/dk731/esp32-gatt-ota/internal/report"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default: ~/.config/esp32-gatt-ota/config.yaml)")
	randomUUIDs := flag.Bool("random-uuids", false, "generate fresh service and characteristic UUIDs")
	initConfig := flag.Bool("init-config", false, "write the default config file and exit")
	flag.Parse()

	if *initConfig {
		path, err := config.WriteDefault()
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		if path == "" {
			fmt.Printf("Config already exists at %s\n", config.DefaultConfigPath())
			return
		}
		fmt.Printf("Wrote default config to %s\n", path)
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config validation: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.ParseLogLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	uuids, err := serviceUUIDs(cfg, *randomUUIDs)
	if err != nil {
		log.Fatalf("gatt: %v", err)
	}

	dev, err := openFlash(cfg)
	if err != nil {
		log.Fatalf("flash: %v", err)
	}
	layout, err := flash.Scan(dev)
	if err != nil {
		log.Fatalf("flash: %v\n\nDeclare at least one ota_N partition in flash.partitions.", err)
	}

	alg, err := crypto.ParseAlgorithm(cfg.Verify.Algorithm)
	if err != nil {
		log.Fatalf("verify: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	periph := gatt.NewTinyGoPeripheral(ctx, logger)
	reboot := newRebooter(cfg.Reset.Command, stop, logger)

	opts := []ota.Option{
		ota.WithLogger(logger),
		ota.WithListener(gatt.NewNotifier(periph, logger)),
		ota.WithAlgorithm(alg),
		ota.WithRebooter(reboot),
		ota.WithResetDelay(cfg.Reset.Delay),
	}

	reportDone := make(chan struct{})
	if cfg.Report.Broker != "" {
		pub := report.NewMQTT(cfg.Report.Broker, cfg.Report.ClientID, logger)
		reporter := report.New(pub, cfg.Report.Topic, cfg.DeviceName, cfg.Report.QueueSize, logger)
		opts = append(opts, ota.WithListener(reporter))
		go func() {
			defer close(reportDone)
			reporter.Run(ctx)
		}()
	} else {
		close(reportDone)
	}

	machine, err := ota.NewMachine(dev, layout, opts...)
	if err != nil {
		log.Fatalf("ota: %v", err)
	}

	router := gatt.NewRouter(machine, periph, uuids,
		gatt.WithMaxBlockSize(cfg.GATT.MaxBlockSize),
		gatt.WithLogger(logger),
	)
	if err := router.Start(ctx, cfg.DeviceName); err != nil {
		if errors.Is(err, gatt.ErrUnsupportedPlatform) {
			log.Fatalf("%v\n\nota-ble needs BlueZ; run it on Linux.", err)
		}
		log.Fatalf("%v\n\nCheck that bluetoothd is running and the adapter is powered.", err)
	}

	printBanner(cfg, uuids, layout)
	log.Println("Ready! Waiting for a central. Ctrl+C to quit.")

	<-ctx.Done()
	log.Println("Shutting down...")
	router.Wait()
	machine.Close()
	<-reportDone

	if reboot.exitRequested() {
		log.Printf("Reset requested, exiting with status %d", exitReboot)
		os.Exit(exitReboot)
	}
	log.Println("Goodbye!")
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
		log.Printf("Config loaded from %s", defaultPath)
		return cfg, nil
	}

	log.Println("No config file found, using defaults")
	return config.Default(), nil
}

// serviceUUIDs builds the service identity from config, or a random one.
func serviceUUIDs(cfg *config.Config, random bool) (gatt.UUIDs, error) {
	if random || cfg.GATT.RandomUUIDs {
		return gatt.RandomUUIDs()
	}
	return gatt.ParseUUIDs(gatt.UUIDStrings{
		Service:        cfg.GATT.ServiceUUID,
		FileBlock:      cfg.GATT.FileBlockUUID,
		TotalFileSize:  cfg.GATT.TotalFileSizeUUID,
		FileHash:       cfg.GATT.FileHashUUID,
		Status:         cfg.GATT.StatusUUID,
		Command:        cfg.GATT.CommandUUID,
		FinishedUpload: cfg.GATT.FinishedUploadUUID,
	})
}

// openFlash returns the configured partition backend.
func openFlash(cfg *config.Config) (flash.Device, error) {
	specs := make([]flash.Spec, 0, len(cfg.Flash.Partitions))
	for _, p := range cfg.Flash.Partitions {
		specs = append(specs, flash.Spec{Label: p.Label, Size: p.Size})
	}
	if cfg.Flash.Backend == "memory" {
		mem, err := flash.NewMemory(cfg.Flash.SectorSize, specs...)
		if err != nil {
			return nil, err
		}
		return mem, nil
	}
	dev, err := flash.OpenFile(cfg.Flash.Dir, cfg.Flash.SectorSize, specs...)
	if err != nil {
		return nil, err
	}
	return dev, nil
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config, uuids gatt.UUIDs, layout flash.Layout) {
	s := uuids.Strings()
	fmt.Println("=== ota-ble ===")
	fmt.Printf("  Name:      %s\n", cfg.DeviceName)
	fmt.Printf("  Flash:     %s (%s)\n", cfg.Flash.Backend, cfg.Flash.Dir)
	fmt.Printf("  Target:    %s, max image %d bytes\n", layout.Target.Label, layout.Limit())
	fmt.Printf("  Digest:    %s\n", cfg.Verify.Algorithm)
	fmt.Printf("  Service:   %s\n", s.Service)
	fmt.Printf("    file_block       %s\n", s.FileBlock)
	fmt.Printf("    total_file_size  %s\n", s.TotalFileSize)
	fmt.Printf("    file_hash        %s\n", s.FileHash)
	fmt.Printf("    status           %s\n", s.Status)
	fmt.Printf("    command          %s\n", s.Command)
	fmt.Printf("    finished_upload  %s\n", s.FinishedUpload)
	if cfg.Report.Broker != "" {
		fmt.Printf("  Report:    mqtt://%s/%s\n", cfg.Report.Broker, cfg.Report.Topic)
	}
	fmt.Printf("  Log:       %s\n", cfg.LogLevel)
	fmt.Println("===============")
}
