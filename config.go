package midimesh

import (
	"fmt"
	"reflect"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/localrivet/midimesh/discovery"
	"github.com/localrivet/midimesh/transport/udp"
)

// Config holds the tunables of a mesh node. Start from DefaultConfig and
// override fields, or construct from a generic map (for example a parsed
// config file section) with ConfigFromMap, which layers the map over
// DefaultConfig. Zero values are not replaced by defaults: Validate rejects an
// empty Name or Backoff and a zero MaxAttempts, MaxBufferSize or
// MaxSequenceGap.
type Config struct {
	// Name is the human-readable instance name used in discovery.
	Name string `mapstructure:"name"`

	// UDPPort is the data port to bind. 0 means OS-assigned.
	UDPPort int `mapstructure:"udp_port"`

	// HTTPPort is the control API port advertised in discovery records. The
	// API itself is served elsewhere.
	HTTPPort int `mapstructure:"http_port"`

	// DeviceCount is the initially advertised number of local MIDI devices.
	DeviceCount int `mapstructure:"device_count"`

	// EnableMDNS toggles the multicast-DNS discovery mechanism.
	EnableMDNS bool `mapstructure:"enable_mdns"`

	// EnableMulticast toggles the UDP-multicast fallback mechanism.
	EnableMulticast bool `mapstructure:"enable_multicast"`

	// AnnouncePeriod is the fallback announcement interval.
	AnnouncePeriod time.Duration `mapstructure:"announce_period"`

	// LivenessTimeout overrides the fallback liveness timeout; zero derives
	// it from the announce period.
	LivenessTimeout time.Duration `mapstructure:"liveness_timeout"`

	// InitialTimeout is the first retry deadline for reliable sends.
	InitialTimeout time.Duration `mapstructure:"initial_timeout"`

	// MaxAttempts is the total transmission budget per reliable send.
	MaxAttempts int `mapstructure:"max_attempts"`

	// Backoff selects the retry strategy: "fixed", "exponential" or "capped".
	Backoff string `mapstructure:"backoff"`

	// AckWindow coalesces outbound ACKs; zero acknowledges immediately.
	AckWindow time.Duration `mapstructure:"ack_window"`

	// MaxBufferSize bounds buffered out-of-order packets per source.
	MaxBufferSize int `mapstructure:"max_buffer_size"`

	// MaxSequenceGap is the missing-predecessor tolerance before forced
	// advance.
	MaxSequenceGap int `mapstructure:"max_sequence_gap"`

	// HeartbeatPeriod is the interval between HEARTBEAT packets to known
	// peers. Zero disables heartbeats.
	HeartbeatPeriod time.Duration `mapstructure:"heartbeat_period"`

	// LogLevel is one of "debug", "info", "warning", "error".
	LogLevel string `mapstructure:"log_level"`
}

// DefaultConfig returns the baseline configuration.
func DefaultConfig() Config {
	return Config{
		Name:            "midimesh-node",
		EnableMDNS:      true,
		EnableMulticast: true,
		AnnouncePeriod:  discovery.DefaultAnnouncePeriod,
		InitialTimeout:  udp.DefaultInitialTimeout,
		MaxAttempts:     udp.DefaultMaxAttempts,
		Backoff:         "fixed",
		MaxBufferSize:   udp.DefaultMaxBufferSize,
		MaxSequenceGap:  udp.DefaultMaxSequenceGap,
		HeartbeatPeriod: 5 * time.Second,
		LogLevel:        "info",
	}
}

// ConfigFromMap decodes a configuration from a generic map, layering the
// provided keys over DefaultConfig. Duration fields accept Go duration
// strings ("250ms") or integer milliseconds.
func ConfigFromMap(raw map[string]interface{}) (Config, error) {
	cfg := DefaultConfig()

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result: &cfg,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			millisToDurationHook,
		),
	})
	if err != nil {
		return Config{}, fmt.Errorf("config decoder: %w", err)
	}
	if err := decoder.Decode(raw); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var durationType = reflect.TypeOf(time.Duration(0))

// millisToDurationHook lets plain integers configure duration fields as
// milliseconds.
func millisToDurationHook(from, to reflect.Type, data interface{}) (interface{}, error) {
	if to != durationType {
		return data, nil
	}
	switch v := data.(type) {
	case int:
		return time.Duration(v) * time.Millisecond, nil
	case int64:
		return time.Duration(v) * time.Millisecond, nil
	case float64:
		return time.Duration(v) * time.Millisecond, nil
	default:
		return data, nil
	}
}

// Validate rejects configurations the mesh cannot run with.
func (c *Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("config: name must not be empty")
	}
	if c.UDPPort < 0 || c.UDPPort > 65535 {
		return fmt.Errorf("config: udp_port %d out of range", c.UDPPort)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("config: max_attempts must be at least 1")
	}
	switch c.Backoff {
	case "fixed", "exponential", "capped":
	default:
		return fmt.Errorf("config: unknown backoff strategy %q", c.Backoff)
	}
	if c.MaxBufferSize < 1 {
		return fmt.Errorf("config: max_buffer_size must be at least 1")
	}
	if c.MaxSequenceGap < 1 {
		return fmt.Errorf("config: max_sequence_gap must be at least 1")
	}
	return nil
}

// backoffStrategy maps the configured name onto the transport's strategy.
func (c *Config) backoffStrategy() udp.BackoffStrategy {
	switch c.Backoff {
	case "exponential":
		return udp.BackoffExponential
	case "capped":
		return udp.BackoffCapped
	default:
		return udp.BackoffFixed
	}
}
