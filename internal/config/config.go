// Package config loads and validates a zmesh node's YAML configuration
// surface.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete configuration of a zmesh node.
type Config struct {
	Node      NodeInfo        `yaml:"node"`
	Transfer  TransferTuning  `yaml:"transfer"`
	Discovery DiscoveryTuning `yaml:"discovery"`
	Outbound  OutboundTuning  `yaml:"outbound"`
	Delivery  DeliveryConfig  `yaml:"delivery"`
	Logging   LoggingInfo     `yaml:"logging"`
}

// NodeInfo identifies the local node and its mesh transport.
type NodeInfo struct {
	Name   string `yaml:"name"`
	Device string `yaml:"device"` // serial path or "fake" for the in-memory transport
}

// TransferTuning covers a Transfer Session's per-chunk watchdog and
// retry knobs, both sender- and receiver-side.
type TransferTuning struct {
	ChunkPayloadMax  int           `yaml:"chunk_payload_max"`
	ChunkTimeout     time.Duration `yaml:"chunk_timeout"`
	MaxRetries       int           `yaml:"max_retries"`
	NegotiateTimeout time.Duration `yaml:"negotiate_timeout"`
	FinalTimeout     time.Duration `yaml:"final_timeout"`
	RecvIdleTimeout  time.Duration `yaml:"recv_idle_timeout"`
	MaxNAKsPerBatch  int           `yaml:"max_naks_per_batch"`
}

// DiscoveryTuning covers the Node Registry's periodic PING sweep.
type DiscoveryTuning struct {
	Interval         time.Duration `yaml:"discovery_interval"`
	NodeActiveWindow time.Duration `yaml:"node_active_window"`
}

// OutboundTuning covers the Session Manager's DATA-frame token bucket.
type OutboundTuning struct {
	TXBurst  int     `yaml:"tx_burst"`
	TXRateHz float64 `yaml:"tx_rate_hz"`
}

// DeliveryConfig selects where completed inbound transfers land.
// Local is always active; S3 is an optional secondary archive.
type DeliveryConfig struct {
	DownloadsDir string     `yaml:"downloads_dir"`
	S3Archive    *S3Archive `yaml:"s3_archive"`
}

// S3Archive mirrors every completed transfer to an S3-compatible
// bucket in addition to the local downloads directory.
type S3Archive struct {
	Bucket   string `yaml:"bucket"`
	Prefix   string `yaml:"prefix"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"` // non-empty to target an S3-compatible endpoint other than AWS
}

// LoggingInfo configures the shared slog logger.
type LoggingInfo struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
	// TransferLogDir, if set, enables a dedicated debug log file per
	// transfer session alongside the shared logger.
	TransferLogDir string `yaml:"transfer_log_dir"`
	// EventLogFile, if set, enables a rotating JSONL history of every
	// Event Bus event alongside the shared logger.
	EventLogFile string `yaml:"event_log_file"`
}

// Load reads, parses and validates the YAML configuration at path,
// filling in every documented default along the way.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Node.Name == "" {
		return fmt.Errorf("node.name is required")
	}
	if c.Node.Device == "" {
		c.Node.Device = "fake"
	}

	if c.Transfer.ChunkPayloadMax == 0 {
		c.Transfer.ChunkPayloadMax = 120
	}
	if c.Transfer.ChunkPayloadMax < 16 || c.Transfer.ChunkPayloadMax > 200 {
		return fmt.Errorf("transfer.chunk_payload_max must be between 16 and 200, got %d", c.Transfer.ChunkPayloadMax)
	}
	if c.Transfer.ChunkTimeout <= 0 {
		c.Transfer.ChunkTimeout = 30 * time.Second
	}
	if c.Transfer.MaxRetries <= 0 {
		c.Transfer.MaxRetries = 5
	}
	if c.Transfer.MaxRetries > 255 {
		return fmt.Errorf("transfer.max_retries must fit in a byte, got %d", c.Transfer.MaxRetries)
	}
	if c.Transfer.NegotiateTimeout <= 0 {
		c.Transfer.NegotiateTimeout = 30 * time.Second
	}
	if c.Transfer.FinalTimeout <= 0 {
		c.Transfer.FinalTimeout = 60 * time.Second
	}
	if c.Transfer.RecvIdleTimeout <= 0 {
		c.Transfer.RecvIdleTimeout = 120 * time.Second
	}
	if c.Transfer.MaxNAKsPerBatch <= 0 {
		c.Transfer.MaxNAKsPerBatch = 8
	}

	if c.Discovery.Interval <= 0 {
		c.Discovery.Interval = 60 * time.Second
	}
	if c.Discovery.NodeActiveWindow <= 0 {
		c.Discovery.NodeActiveWindow = 600 * time.Second
	}

	if c.Outbound.TXBurst <= 0 {
		c.Outbound.TXBurst = 3
	}
	if c.Outbound.TXRateHz <= 0 {
		c.Outbound.TXRateHz = 1
	}

	if c.Delivery.DownloadsDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("delivery.downloads_dir not set and home directory could not be resolved: %w", err)
		}
		c.Delivery.DownloadsDir = home + "/Downloads"
	}
	if s := c.Delivery.S3Archive; s != nil {
		if s.Bucket == "" {
			return fmt.Errorf("delivery.s3_archive.bucket is required when s3_archive is set")
		}
		if s.Region == "" && s.Endpoint == "" {
			return fmt.Errorf("delivery.s3_archive.region or endpoint is required when s3_archive is set")
		}
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))

	return nil
}
