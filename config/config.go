package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// AppConfig holds the application-level configuration
type AppConfig struct {
	NodeName     string         `mapstructure:"node_name"`
	Listen       string         `mapstructure:"listen"`
	Transport    string         `mapstructure:"transport"`
	StoragePath  string         `mapstructure:"storage_path"`
	MetadataPath string         `mapstructure:"metadata_path"`
	Compress     bool           `mapstructure:"compress"`
	Debug        bool           `mapstructure:"debug"`
	Transfer     TransferConfig `mapstructure:"transfer"`
	Probe        ProbeConfig    `mapstructure:"probe"`
}

// TransferConfig tunes the bulk transfer protocol.
type TransferConfig struct {
	ChunkSize          int           `mapstructure:"chunk_size"`
	HighWatermark      int           `mapstructure:"high_watermark"`
	LowWatermark       int           `mapstructure:"low_watermark"`
	DrainPoll          time.Duration `mapstructure:"drain_poll"`
	PacingYield        time.Duration `mapstructure:"pacing_yield"`
	Checksum           bool          `mapstructure:"checksum"`
	InboundIdleTimeout time.Duration `mapstructure:"inbound_idle_timeout"`
	MaxObjectSize      int64         `mapstructure:"max_object_size"`
}

// ProbeConfig tunes the bandwidth probe.
type ProbeConfig struct {
	ChunkSize       int           `mapstructure:"chunk_size"`
	RoundDuration   time.Duration `mapstructure:"round_duration"`
	DownloadTimeout time.Duration `mapstructure:"download_timeout"`
	Yield           time.Duration `mapstructure:"yield"`
}

var Config *AppConfig

func setDefaults(v *viper.Viper) {
	v.SetDefault("node_name", "dropwire-node")
	v.SetDefault("listen", ":9400")
	v.SetDefault("transport", "tcp")
	v.SetDefault("storage_path", "./data/objects")
	v.SetDefault("metadata_path", "./data/catalog")
	v.SetDefault("compress", true)
	v.SetDefault("debug", false)

	v.SetDefault("transfer.chunk_size", 16*1024)
	v.SetDefault("transfer.high_watermark", 64*1024)
	v.SetDefault("transfer.low_watermark", 32*1024)
	v.SetDefault("transfer.drain_poll", 10*time.Millisecond)
	v.SetDefault("transfer.pacing_yield", time.Millisecond)
	v.SetDefault("transfer.checksum", false)
	v.SetDefault("transfer.inbound_idle_timeout", time.Duration(0))
	v.SetDefault("transfer.max_object_size", int64(4<<30))

	v.SetDefault("probe.chunk_size", 1024*1024)
	v.SetDefault("probe.round_duration", 3000*time.Millisecond)
	v.SetDefault("probe.download_timeout", 10000*time.Millisecond)
	v.SetDefault("probe.yield", time.Millisecond)
}

// Default returns the configuration with every default applied and no file read.
func Default() *AppConfig {
	v := viper.New()
	setDefaults(v)
	var appConfig AppConfig
	// Defaults only, decoding cannot fail.
	_ = v.Unmarshal(&appConfig)
	return &appConfig
}

// LoadConfig reads config.yaml from path (if present), overlays DROPWIRE_*
// environment variables and stores the result in Config.
func LoadConfig(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(path)
	v.SetEnvPrefix("dropwire")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var appConfig AppConfig
	if err := v.Unmarshal(&appConfig); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}
	if err := appConfig.Validate(); err != nil {
		return nil, err
	}

	Config = &appConfig
	return &appConfig, nil
}

// Validate rejects settings the protocol cannot run with.
func (c *AppConfig) Validate() error {
	if c.Transfer.ChunkSize <= 0 {
		return fmt.Errorf("transfer.chunk_size must be positive")
	}
	if c.Transfer.HighWatermark <= 0 {
		return fmt.Errorf("transfer.high_watermark must be positive")
	}
	if c.Transfer.LowWatermark <= 0 || c.Transfer.LowWatermark > c.Transfer.HighWatermark {
		return fmt.Errorf("transfer.low_watermark must be in (0, high_watermark]")
	}
	if c.Transfer.MaxObjectSize <= 0 {
		return fmt.Errorf("transfer.max_object_size must be positive")
	}
	if c.Probe.ChunkSize <= 0 {
		return fmt.Errorf("probe.chunk_size must be positive")
	}
	if c.Probe.RoundDuration <= 0 || c.Probe.DownloadTimeout <= 0 {
		return fmt.Errorf("probe durations must be positive")
	}
	switch c.Transport {
	case "tcp", "ws":
	default:
		return fmt.Errorf("unknown transport %q", c.Transport)
	}
	return nil
}
