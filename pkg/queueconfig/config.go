// Package queueconfig parses the small HuJSON document that describes one
// channel's on-disk layout. Callers build the indexqueue and replay options
// from the returned Config; this package does not construct them itself.
package queueconfig

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/natefinch/atomic"
	"github.com/tailscale/hujson"
)

var (
	ErrFileNotFound = errors.New("config file not found")
	ErrInvalid      = errors.New("invalid config file")
	ErrCapacityZero = errors.New("capacity must be greater than zero")
	ErrNoLogDirs    = errors.New("at least one log directory is required")
)

// WritebackMode selects the internal/mmapio backend a channel's IndexQueue
// opens its checkpoint file with.
type WritebackMode string

const (
	// WritebackMmap memory-maps the checkpoint file (the default).
	WritebackMmap WritebackMode = "mmap"
	// WritebackBuffered reads the whole checkpoint file into memory and
	// writes it back with a seek, a write and fsync on Msync, for filesystems where
	// mmap is unavailable or undesirable.
	WritebackBuffered WritebackMode = "buffered"
)

// Config describes one channel's durable queue: where its checkpoint file
// lives, how big its ring is, which directories hold its write-ahead logs,
// and how replay/writeback should behave.
type Config struct {
	CheckpointPath string        `json:"checkpoint_path"` //nolint:tagliatelle // snake_case for config file
	Capacity       uint64        `json:"capacity"`
	LogDirs        []string      `json:"log_dirs"`     //nolint:tagliatelle
	LegacyReplay   bool          `json:"legacy_replay"` //nolint:tagliatelle
	Writeback      WritebackMode `json:"writeback,omitempty"`
}

// Default returns the zero-value config with its only non-zero default
// field set: Writeback, which mmap-backs the checkpoint unless overridden.
func Default() Config {
	return Config{
		Writeback: WritebackMmap,
	}
}

// Load reads and parses a HuJSON config file at path. Missing files are
// reported as ErrFileNotFound rather than silently defaulted: a channel's
// checkpoint path and capacity are load-bearing and must be explicit.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is operator-supplied, not request-controlled
	if err != nil {
		if os.IsNotExist(err) {
			return Config{}, fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}

		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%w %s: %w", ErrInvalid, path, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("%w %s: %w", ErrInvalid, path, err)
	}

	return cfg, nil
}

// Parse standardizes a HuJSON document (JSON plus comments and trailing
// commas) and unmarshals it over Default().
func Parse(data []byte) (Config, error) {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("invalid HuJSON: %w", err)
	}

	cfg := Default()

	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return Config{}, fmt.Errorf("invalid JSON: %w", err)
	}

	return cfg, nil
}

// Validate checks the fields Load cannot reasonably default.
func (c Config) Validate() error {
	if c.Capacity == 0 {
		return ErrCapacityZero
	}

	if len(c.LogDirs) == 0 {
		return ErrNoLogDirs
	}

	if c.Writeback != WritebackMmap && c.Writeback != WritebackBuffered {
		return fmt.Errorf("writeback %q: %w", c.Writeback, ErrInvalid)
	}

	if c.CheckpointPath == "" {
		return fmt.Errorf("checkpoint_path: %w", ErrInvalid)
	}

	return nil
}

// Save formats cfg as indented JSON and writes it to path via an atomic
// temp-file-plus-rename, so a crash mid-write never leaves a torn config
// file behind.
func Save(path string, cfg Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("format config: %w", err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir %s: %w", dir, err)
		}
	}

	return atomic.WriteFile(path, bytes.NewReader(data))
}
