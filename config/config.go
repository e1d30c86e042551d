// Package config provides YAML-based configuration loading for the bridge
// CLI. The core packages never read configuration or environment
// variables themselves; everything is resolved here and handed down as
// explicit values.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/the-Drunken-coder/atlas-meshtastic-bridge-go/observe"
)

// Modes.
const (
	ModeGateway = "gateway"
	ModeClient  = "client"
)

// ErrInvalid marks configuration validation failures (CLI exit code 2).
var ErrInvalid = errors.New("invalid configuration")

// Config is the root bridge configuration.
type Config struct {
	// Mode selects the role: gateway or client.
	Mode string `mapstructure:"mode"`
	// NodeID is this node's mesh identifier.
	NodeID string `mapstructure:"node_id"`
	// GatewayNodeID is the node that executes requests.
	GatewayNodeID string `mapstructure:"gateway_node_id"`

	Radio RadioConfig `mapstructure:"radio"`

	// SegmentSize is the outgoing chunk body ceiling.
	SegmentSize int `mapstructure:"segment_size"`
	// ReliabilityMethod: none, simple, stage, window, or window_fec.
	ReliabilityMethod string `mapstructure:"reliability_method"`
	NackMaxPerSeq     int     `mapstructure:"nack_max_per_seq"`
	NackInterval      float64 `mapstructure:"nack_interval"`

	ChunkDelayThreshold int     `mapstructure:"chunk_delay_threshold"`
	ChunkDelaySeconds   float64 `mapstructure:"chunk_delay_seconds"`

	// Timeout is the progress-resetting inactivity timeout in seconds;
	// PostResponseTimeout the absolute cap; PostResponseQuiet the drain
	// window after a one-shot request.
	Timeout             float64 `mapstructure:"timeout"`
	PostResponseTimeout float64 `mapstructure:"post_response_timeout"`
	PostResponseQuiet   float64 `mapstructure:"post_response_quiet"`

	Retries    int    `mapstructure:"retries"`
	SpoolPath  string `mapstructure:"spool_path"`
	ClearSpool bool   `mapstructure:"clear_spool"`

	DedupeTTLSeconds float64 `mapstructure:"dedupe_ttl_seconds"`

	API     APIConfig         `mapstructure:"api"`
	Metrics MetricsConfig     `mapstructure:"metrics"`
	Log     observe.LogConfig `mapstructure:"log"`
}

// RadioConfig selects and tunes the radio adapter.
type RadioConfig struct {
	// Simulate uses the in-memory bus instead of hardware.
	Simulate bool `mapstructure:"simulate"`
	// Port is the serial device for the hardware adapter.
	Port string `mapstructure:"port"`
	Baud int    `mapstructure:"baud"`
	// MQTTBroker switches to the broker-backed adapter when set.
	MQTTBroker    string `mapstructure:"mqtt_broker"`
	MQTTTopicRoot string `mapstructure:"mqtt_topic_root"`
	MQTTUsername  string `mapstructure:"mqtt_username"`
	MQTTPassword  string `mapstructure:"mqtt_password"`
	// PSK enables the channel cipher on the sim and MQTT paths.
	PSK string `mapstructure:"psk"`
}

// APIConfig locates the Atlas Command HTTP API.
type APIConfig struct {
	BaseURL string `mapstructure:"base_url"`
	// Token is filled from ATLAS_API_TOKEN by the CLI when unset here.
	Token string `mapstructure:"token"`
}

// MetricsConfig controls the observability endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("segment_size", 210)
	v.SetDefault("reliability_method", "window")
	v.SetDefault("nack_max_per_seq", 3)
	v.SetDefault("nack_interval", 1.0)
	v.SetDefault("chunk_delay_threshold", 0)
	v.SetDefault("chunk_delay_seconds", 0.0)
	v.SetDefault("timeout", 90.0)
	v.SetDefault("post_response_timeout", 150.0)
	v.SetDefault("post_response_quiet", 10.0)
	v.SetDefault("retries", 2)
	v.SetDefault("clear_spool", false)
	v.SetDefault("dedupe_ttl_seconds", 3600.0)
	v.SetDefault("radio.baud", 115200)
	v.SetDefault("radio.mqtt_topic_root", "atlas-mesh")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen", "0.0.0.0:9700")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

// Load reads the optional YAML file at path and unmarshals it over the
// defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); ok || os.IsNotExist(err) {
				return nil, fmt.Errorf("%w: config file %s not found", ErrInvalid, path)
			}
			return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return &cfg, nil
}

// Validate checks cross-field constraints before the bridge starts.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeGateway, ModeClient:
	default:
		return fmt.Errorf("%w: mode must be %q or %q", ErrInvalid, ModeGateway, ModeClient)
	}
	if c.NodeID == "" {
		return fmt.Errorf("%w: node_id is required", ErrInvalid)
	}
	if c.Mode == ModeClient && c.GatewayNodeID == "" {
		return fmt.Errorf("%w: gateway_node_id is required in client mode", ErrInvalid)
	}
	if c.Mode == ModeGateway && c.API.BaseURL == "" {
		return fmt.Errorf("%w: api.base_url is required in gateway mode", ErrInvalid)
	}
	if c.SpoolPath == "" {
		return fmt.Errorf("%w: spool_path is required", ErrInvalid)
	}
	if c.SegmentSize < 1 || c.SegmentSize > 214 {
		return fmt.Errorf("%w: segment_size %d outside 1..214", ErrInvalid, c.SegmentSize)
	}
	switch strings.ToLower(c.ReliabilityMethod) {
	case "none", "simple", "stage", "window", "window_fec":
	default:
		return fmt.Errorf("%w: unknown reliability_method %q", ErrInvalid, c.ReliabilityMethod)
	}
	if !c.Radio.Simulate && c.Radio.Port == "" && c.Radio.MQTTBroker == "" {
		return fmt.Errorf("%w: one of radio.simulate, radio.port, radio.mqtt_broker is required", ErrInvalid)
	}
	return nil
}

// Seconds converts a float seconds value into a duration.
func Seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
