package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Protocol classes understood by the engine.
const (
	ClassAttys  = "attys"
	ClassBinary = "binary"
)

// Overflow policies accepted in configuration.
const (
	PolicyDropOldest = "drop-oldest"
	PolicyReject     = "reject"
	PolicyBlock      = "block"
)

// Config holds application configuration
type Config struct {
	LogLevel       string        `yaml:"log_level" json:"log_level" default:"info"`
	ScanTimeout    time.Duration `yaml:"scan_timeout" json:"scan_timeout" default:"10s"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" json:"connect_timeout" default:"30s"`
	ReadTimeout    time.Duration `yaml:"read_timeout" json:"read_timeout" default:"100ms"`
	CommandTimeout time.Duration `yaml:"command_timeout" json:"command_timeout" default:"1s"`
	BufferCapacity int           `yaml:"buffer_capacity" json:"buffer_capacity" default:"1000"`
	OverflowPolicy string        `yaml:"overflow_policy" json:"overflow_policy" default:"drop-oldest"`
	BaudRate       int           `yaml:"baud_rate" json:"baud_rate" default:"115200"`
	OutputFormat   string        `yaml:"output_format" json:"output_format" default:"table"`

	Protocol  ProtocolConfig  `yaml:"protocol" json:"protocol"`
	Attys     AttysConfig     `yaml:"attys" json:"attys"`
	Discovery DiscoveryConfig `yaml:"discovery" json:"discovery"`
}

// ProtocolConfig selects the device class and, for the generic binary class,
// describes its frame layout.
type ProtocolConfig struct {
	Class        string  `yaml:"class" json:"class" default:"attys"`
	Version      int     `yaml:"version" json:"version" default:"1"`
	Marker       string  `yaml:"marker" json:"marker" default:"AA55"` // hex
	ChannelCount int     `yaml:"channel_count" json:"channel_count" default:"4"`
	ChannelWidth int     `yaml:"channel_width" json:"channel_width" default:"2"`
	Signed       bool    `yaml:"signed" json:"signed" default:"true"`
	ByteOrder    string  `yaml:"byte_order" json:"byte_order" default:"little"`
	Checksum     string  `yaml:"checksum" json:"checksum" default:"sum8"`
	Trailer      string  `yaml:"trailer" json:"trailer"` // hex
	SeqMask      int     `yaml:"seq_mask" json:"seq_mask" default:"255"`
	SampleRate   float64 `yaml:"sample_rate" json:"sample_rate" default:"250"`
	FillGaps     bool    `yaml:"fill_gaps" json:"fill_gaps"`
	StartCommand string  `yaml:"start_command" json:"start_command"`
	StopCommand  string  `yaml:"stop_command" json:"stop_command"`
}

// AttysConfig carries the register settings sent to an Attys during the
// handshake. Indices follow the device firmware tables.
type AttysConfig struct {
	SampleRateIndex  int  `yaml:"sample_rate_index" json:"sample_rate_index" default:"1"`
	AccelRangeIndex  int  `yaml:"accel_range_index" json:"accel_range_index" default:"3"`
	ADC1GainIndex    int  `yaml:"adc1_gain_index" json:"adc1_gain_index"`
	ADC2GainIndex    int  `yaml:"adc2_gain_index" json:"adc2_gain_index"`
	ADC1MuxIndex     int  `yaml:"adc1_mux_index" json:"adc1_mux_index"`
	ADC2MuxIndex     int  `yaml:"adc2_mux_index" json:"adc2_mux_index"`
	PartialData      bool `yaml:"partial_data" json:"partial_data"`
	BiasCurrentIndex int  `yaml:"bias_current_index" json:"bias_current_index"`
	CurrentMask      int  `yaml:"current_mask" json:"current_mask"`
}

// StaticDevice is a device known up front, e.g. a paired RFCOMM address.
type StaticDevice struct {
	Address   string `yaml:"address" json:"address"`
	Name      string `yaml:"name" json:"name"`
	Transport string `yaml:"transport" json:"transport"`
}

// DiscoveryConfig controls which sources the scanner consults.
type DiscoveryConfig struct {
	NamePrefixes   []string       `yaml:"name_prefixes" json:"name_prefixes"`
	SerialPatterns []string       `yaml:"serial_patterns" json:"serial_patterns"`
	USBIDs         []string       `yaml:"usb_ids" json:"usb_ids"` // "VID:PID"
	Serial         bool           `yaml:"serial" json:"serial" default:"true"`
	BLE            bool           `yaml:"ble" json:"ble"`
	Static         []StaticDevice `yaml:"static" json:"static"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	cfg.Discovery.NamePrefixes = []string{"GN-ATTYS"}
	cfg.Discovery.SerialPatterns = []string{"/dev/rfcomm*", "/dev/cu.GN-ATTYS*", "/dev/tty.GN-ATTYS*", "COM*"}
	return cfg
}

// Load reads a YAML file over the defaults. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports the first inconsistent setting.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.BufferCapacity <= 0 {
		return errors.New("buffer_capacity must be > 0")
	}
	if c.ReadTimeout <= 0 {
		return errors.New("read_timeout must be > 0")
	}
	switch c.OverflowPolicy {
	case PolicyDropOldest, PolicyReject, PolicyBlock:
	default:
		return fmt.Errorf("unknown overflow_policy %q", c.OverflowPolicy)
	}
	switch c.Protocol.Class {
	case ClassAttys:
		if c.Attys.SampleRateIndex < 0 || c.Attys.SampleRateIndex > 2 {
			return fmt.Errorf("attys.sample_rate_index out of range: %d", c.Attys.SampleRateIndex)
		}
		if c.Attys.AccelRangeIndex < 0 || c.Attys.AccelRangeIndex > 3 {
			return fmt.Errorf("attys.accel_range_index out of range: %d", c.Attys.AccelRangeIndex)
		}
		for _, g := range []int{c.Attys.ADC1GainIndex, c.Attys.ADC2GainIndex} {
			if g < 0 || g > 6 {
				return fmt.Errorf("attys adc gain index out of range: %d", g)
			}
		}
	case ClassBinary:
		if c.Protocol.SampleRate <= 0 {
			return errors.New("protocol.sample_rate must be > 0")
		}
	default:
		return fmt.Errorf("unknown protocol class %q", c.Protocol.Class)
	}
	return nil
}

// Level returns the parsed log level, falling back to info.
func (c *Config) Level() logrus.Level {
	lvl, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return lvl
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.Level())

	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
