package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration. The ota-ble daemon reads the
// device-side sections; ota-upload reads the upload section.
type Config struct {
	DeviceName string       `yaml:"device_name"`
	LogLevel   string       `yaml:"log_level"`
	GATT       GATTConfig   `yaml:"gatt"`
	Flash      FlashConfig  `yaml:"flash"`
	Verify     VerifyConfig `yaml:"verify"`
	Reset      ResetConfig  `yaml:"reset"`
	Report     ReportConfig `yaml:"report"`
	Upload     UploadConfig `yaml:"upload"`
}

// GATTConfig holds the service identity. Empty UUIDs use the built-in
// defaults.
type GATTConfig struct {
	RandomUUIDs        bool   `yaml:"random_uuids"`
	ServiceUUID        string `yaml:"service_uuid"`
	FileBlockUUID      string `yaml:"file_block_uuid"`
	TotalFileSizeUUID  string `yaml:"total_file_size_uuid"`
	FileHashUUID       string `yaml:"file_hash_uuid"`
	StatusUUID         string `yaml:"status_uuid"`
	CommandUUID        string `yaml:"command_uuid"`
	FinishedUploadUUID string `yaml:"finished_upload_uuid"`
	MaxBlockSize       int    `yaml:"max_block_size"`
}

// FlashConfig selects the partition storage.
type FlashConfig struct {
	Backend    string            `yaml:"backend"` // "file" or "memory"
	Dir        string            `yaml:"dir"`
	SectorSize uint32            `yaml:"sector_size"`
	Partitions []PartitionConfig `yaml:"partitions"`
}

// PartitionConfig declares one application partition.
type PartitionConfig struct {
	Label string `yaml:"label"`
	Size  uint32 `yaml:"size"`
}

// VerifyConfig selects the image digest.
type VerifyConfig struct {
	Algorithm string `yaml:"algorithm"` // "sha256", "blake2b-256" or "sha3-256"
}

// ResetConfig controls the ResetDevice command.
type ResetConfig struct {
	Delay   time.Duration `yaml:"delay"`
	Command []string      `yaml:"command"` // empty: exit and let the supervisor restart us
}

// ReportConfig enables MQTT status reporting when Broker is set.
type ReportConfig struct {
	Broker    string `yaml:"broker"` // host:port
	Topic     string `yaml:"topic"`
	ClientID  string `yaml:"client_id"`
	QueueSize int    `yaml:"queue_size"`
}

// UploadConfig holds ota-upload settings.
type UploadConfig struct {
	Device          string        `yaml:"device"` // address of the target; empty scans
	BlockSize       int           `yaml:"block_size"`
	InterChunkDelay time.Duration `yaml:"interchunk_delay"`
	ScanTimeout     time.Duration `yaml:"scan_timeout"`
	StatusTimeout   time.Duration `yaml:"status_timeout"`
	Retries         int           `yaml:"retries"`
	ReconnectMax    int           `yaml:"reconnect_max"` // max backoff in seconds
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "esp32-gatt-ota")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// DefaultFlashDir returns where the file backend keeps partition images.
func DefaultFlashDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", "esp32-gatt-ota", "flash")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		DeviceName: "esp32-ota",
		LogLevel:   "info",
		GATT: GATTConfig{
			MaxBlockSize: 512,
		},
		Flash: FlashConfig{
			Backend:    "file",
			Dir:        DefaultFlashDir(),
			SectorSize: 4096,
			Partitions: []PartitionConfig{
				{Label: "factory", Size: 1 << 20},
				{Label: "ota_0", Size: 1536 << 10},
				{Label: "ota_1", Size: 1536 << 10},
			},
		},
		Verify: VerifyConfig{
			Algorithm: "sha256",
		},
		Reset: ResetConfig{
			Delay: 500 * time.Millisecond,
		},
		Report: ReportConfig{
			Topic:     "esp32-gatt-ota/status",
			ClientID:  "esp32-gatt-ota",
			QueueSize: 64,
		},
		Upload: UploadConfig{
			BlockSize:       512,
			InterChunkDelay: 20 * time.Millisecond,
			ScanTimeout:     10 * time.Second,
			StatusTimeout:   30 * time.Second,
			Retries:         3,
			ReconnectMax:    30,
		},
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in flash.dir is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.Flash.Dir = expandTilde(cfg.Flash.Dir)

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.DeviceName == "" {
		return fmt.Errorf("device_name must not be empty")
	}

	if c.GATT.MaxBlockSize <= 0 || c.GATT.MaxBlockSize > 512 {
		return fmt.Errorf("gatt.max_block_size must be in 1..512, got %d", c.GATT.MaxBlockSize)
	}

	switch c.Flash.Backend {
	case "file":
		if c.Flash.Dir == "" {
			return fmt.Errorf("flash.dir must not be empty for the file backend")
		}
	case "memory":
	default:
		return fmt.Errorf("flash.backend must be \"file\" or \"memory\", got %q", c.Flash.Backend)
	}

	if c.Flash.SectorSize == 0 || c.Flash.SectorSize&(c.Flash.SectorSize-1) != 0 {
		return fmt.Errorf("flash.sector_size must be a power of two, got %d", c.Flash.SectorSize)
	}

	if len(c.Flash.Partitions) == 0 {
		return fmt.Errorf("flash.partitions must not be empty")
	}
	ota := 0
	for i, p := range c.Flash.Partitions {
		if p.Label == "" || p.Size == 0 {
			return fmt.Errorf("flash.partitions[%d] needs a label and a non-zero size", i)
		}
		if strings.HasPrefix(p.Label, "ota_") {
			ota++
		}
	}
	if ota == 0 {
		return fmt.Errorf("flash.partitions must include an ota_N partition")
	}

	switch c.Verify.Algorithm {
	case "sha256", "blake2b-256", "sha3-256":
	default:
		return fmt.Errorf("verify.algorithm must be sha256, blake2b-256, or sha3-256, got %q", c.Verify.Algorithm)
	}

	if c.Reset.Delay < 0 {
		return fmt.Errorf("reset.delay must not be negative")
	}

	if c.Report.Broker != "" && c.Report.Topic == "" {
		return fmt.Errorf("report.topic must not be empty when report.broker is set")
	}

	if c.Upload.BlockSize <= 0 || c.Upload.BlockSize > c.GATT.MaxBlockSize {
		return fmt.Errorf("upload.block_size must be in 1..%d, got %d", c.GATT.MaxBlockSize, c.Upload.BlockSize)
	}

	if c.Upload.Retries < 0 {
		return fmt.Errorf("upload.retries must be >= 0")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// ParseLogLevel maps a log_level string to a slog.Level, defaulting to info.
func ParseLogLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

const defaultHeader = `# esp32-gatt-ota configuration
#
# flash.backend: "file" keeps partition images under flash.dir,
#                "memory" discards them on exit (dry runs).
# verify.algorithm must match the digest the uploader sends.
# reset.command runs on ResetDevice; leave empty to exit instead.
# report.broker enables MQTT status reporting (host:port).

`

// WriteDefault writes the default config to DefaultConfigPath. It returns
// the path written, or "" if a config file already exists.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("checking config file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}

	if err := os.WriteFile(path, append([]byte(defaultHeader), data...), 0644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
