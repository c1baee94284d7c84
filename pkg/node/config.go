package node

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so config files can use forms like "3s"
// or "500ms".
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Config holds node-level settings.
type Config struct {
	// NodeID identifies this node on the network. Generated when empty.
	NodeID string `yaml:"node_id"`

	// Identity is the name this node authors deltas under. Defaults to
	// the node id.
	Identity string `yaml:"identity"`

	// Storage engine type: "memory" or "bbolt"
	StorageEngine string `yaml:"storage_engine"`

	// Storage path for persistent engines
	StoragePath string `yaml:"storage_path"`

	// How long a delta may wait for missing parents before the node
	// bootstraps instead
	PendingWindow Duration `yaml:"pending_window"`

	// When parked deltas are evicted outright
	PendingMaxAge Duration `yaml:"pending_max_age"`

	// Timeout for each has-state query during bootstrap peer selection
	QueryTimeout Duration `yaml:"query_timeout"`

	// Timeout for a full snapshot transfer
	SnapshotTimeout Duration `yaml:"snapshot_timeout"`

	// Bootstrap retry budget and initial backoff
	BootstrapMaxRetries uint64   `yaml:"bootstrap_max_retries"`
	BootstrapBackoff    Duration `yaml:"bootstrap_backoff"`

	// Buffered event deliveries before Dispatch blocks
	EventQueueDepth int `yaml:"event_queue_depth"`
}

// DefaultConfig returns a config with production defaults.
func DefaultConfig() *Config {
	return &Config{
		StorageEngine:       "memory",
		PendingWindow:       Duration(3 * time.Second),
		PendingMaxAge:       Duration(5 * time.Minute),
		QueryTimeout:        Duration(2 * time.Second),
		SnapshotTimeout:     Duration(30 * time.Second),
		BootstrapMaxRetries: 5,
		BootstrapBackoff:    Duration(500 * time.Millisecond),
		EventQueueDepth:     64,
	}
}

// LoadConfig reads a YAML config file, filling unset fields with
// defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func validateConfig(cfg *Config) error {
	switch cfg.StorageEngine {
	case "", "memory":
	case "bbolt":
		if cfg.StoragePath == "" {
			return fmt.Errorf("storage_path required for engine %q", cfg.StorageEngine)
		}
	default:
		return fmt.Errorf("unknown storage engine %q", cfg.StorageEngine)
	}

	if cfg.PendingWindow <= 0 {
		return fmt.Errorf("pending_window must be positive")
	}
	if cfg.PendingMaxAge < cfg.PendingWindow {
		return fmt.Errorf("pending_max_age must not be below pending_window")
	}
	return nil
}
