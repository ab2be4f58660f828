// Package config loads the session configuration from an optional YAML file
// and RENDERCORE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"github.com/vsariola/rendercore"
	"github.com/vsariola/rendercore/graph"
	"gopkg.in/yaml.v3"
)

type (
	Config struct {
		SampleRate       int           `mapstructure:"sample_rate" yaml:"sample_rate"`
		BlockSize        int           `mapstructure:"block_size" yaml:"block_size"`
		Channels         int           `mapstructure:"channels" yaml:"channels"`
		Topology         string        `mapstructure:"topology" yaml:"topology"`
		LookaheadSamples int           `mapstructure:"lookahead_samples" yaml:"lookahead_samples"`
		StartupMute      time.Duration `mapstructure:"startup_mute" yaml:"startup_mute"`
		HealthCheckDelay time.Duration `mapstructure:"health_check_delay" yaml:"health_check_delay"`
		PluginLatency    time.Duration `mapstructure:"plugin_latency" yaml:"plugin_latency"`
		MetricsAddr      string        `mapstructure:"metrics_addr" yaml:"metrics_addr"`
		LogLevel         string        `mapstructure:"log_level" yaml:"log_level"`
		MIDIInput        string        `mapstructure:"midi_input" yaml:"midi_input"`
		Plugins          []SlotConfig  `mapstructure:"plugins" yaml:"plugins,omitempty"`
	}

	// SlotConfig is a plugin loaded into a slot when the session starts.
	SlotConfig struct {
		Slot     string             `mapstructure:"slot" yaml:"slot"`
		Plugin   string             `mapstructure:"plugin" yaml:"plugin"`
		Settings map[string]float32 `mapstructure:"settings" yaml:"settings,omitempty"`
		Bypass   bool               `mapstructure:"bypass" yaml:"bypass,omitempty"`
	}
)

const EnvPrefix = "RENDERCORE"

const maxBlockSize = 8192

func Default() Config {
	return Config{
		SampleRate:       48000,
		BlockSize:        512,
		Channels:         rendercore.MaxTargets,
		Topology:         rendercore.Simple.String(),
		LookaheadSamples: 64,
		StartupMute:      100 * time.Millisecond,
		HealthCheckDelay: 750 * time.Millisecond,
		MetricsAddr:      ":2112",
		LogLevel:         "info",
	}
}

// Load reads the configuration. path may be empty, in which case only the
// defaults and the environment are used.
func Load(path string) (Config, error) {
	v := viper.New()
	d := Default()
	v.SetDefault("sample_rate", d.SampleRate)
	v.SetDefault("block_size", d.BlockSize)
	v.SetDefault("channels", d.Channels)
	v.SetDefault("topology", d.Topology)
	v.SetDefault("lookahead_samples", d.LookaheadSamples)
	v.SetDefault("startup_mute", d.StartupMute)
	v.SetDefault("health_check_delay", d.HealthCheckDelay)
	v.SetDefault("plugin_latency", d.PluginLatency)
	v.SetDefault("metrics_addr", d.MetricsAddr)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("midi_input", d.MIDIInput)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config %s: %w", path, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks every field and reports all problems at once.
func (c Config) Validate() error {
	var errs []error
	if c.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("sample_rate must be positive, got %d", c.SampleRate))
	}
	if c.BlockSize <= 0 || c.BlockSize > maxBlockSize {
		errs = append(errs, fmt.Errorf("block_size must be in 1..%d, got %d", maxBlockSize, c.BlockSize))
	}
	if c.Channels < 1 || c.Channels > rendercore.MaxTargets {
		errs = append(errs, fmt.Errorf("channels must be in 1..%d, got %d", rendercore.MaxTargets, c.Channels))
	}
	if _, err := rendercore.ParseTopology(c.Topology); err != nil {
		errs = append(errs, err)
	}
	if c.LookaheadSamples < 0 {
		errs = append(errs, fmt.Errorf("lookahead_samples must not be negative, got %d", c.LookaheadSamples))
	}
	if c.StartupMute < 0 || c.HealthCheckDelay < 0 || c.PluginLatency < 0 {
		errs = append(errs, errors.New("durations must not be negative"))
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	seen := map[graph.Target]bool{}
	for _, p := range c.Plugins {
		t, err := graph.ParseTarget(p.Slot)
		switch {
		case err != nil:
			errs = append(errs, err)
		case t.Kind == graph.KindTopology:
			errs = append(errs, fmt.Errorf("plugin %q: not a slot: %s", p.Plugin, p.Slot))
		case seen[t]:
			errs = append(errs, fmt.Errorf("slot %s configured twice", t))
		}
		seen[t] = true
		if p.Plugin == "" {
			errs = append(errs, fmt.Errorf("slot %s: no plugin", p.Slot))
		}
	}
	return errors.Join(errs...)
}

// TopologyValue returns the parsed topology. Call Validate first.
func (c Config) TopologyValue() rendercore.Topology {
	t, _ := rendercore.ParseTopology(c.Topology)
	return t
}

// StartupMuteFrames converts StartupMute to frames.
func (c Config) StartupMuteFrames() int {
	return int(c.StartupMute.Seconds() * float64(c.SampleRate))
}

// Level returns the parsed log level. Call Validate first.
func (c Config) Level() logrus.Level {
	l, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return l
}

// Descriptor returns the plugin descriptor of the slot configuration.
func (s SlotConfig) Descriptor() rendercore.PluginDescriptor {
	return rendercore.PluginDescriptor{Name: s.Plugin, Settings: s.Settings}
}

// Write writes c as YAML, in a form Load reads back.
func Write(w io.Writer, c Config) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	return enc.Close()
}

// MarshalYAML writes durations as strings like "750ms".
func (c Config) MarshalYAML() (any, error) {
	return struct {
		SampleRate       int          `yaml:"sample_rate"`
		BlockSize        int          `yaml:"block_size"`
		Channels         int          `yaml:"channels"`
		Topology         string       `yaml:"topology"`
		LookaheadSamples int          `yaml:"lookahead_samples"`
		StartupMute      string       `yaml:"startup_mute"`
		HealthCheckDelay string       `yaml:"health_check_delay"`
		PluginLatency    string       `yaml:"plugin_latency"`
		MetricsAddr      string       `yaml:"metrics_addr"`
		LogLevel         string       `yaml:"log_level"`
		MIDIInput        string       `yaml:"midi_input"`
		Plugins          []SlotConfig `yaml:"plugins,omitempty"`
	}{
		c.SampleRate, c.BlockSize, c.Channels, c.Topology, c.LookaheadSamples,
		c.StartupMute.String(), c.HealthCheckDelay.String(), c.PluginLatency.String(),
		c.MetricsAddr, c.LogLevel, c.MIDIInput, c.Plugins,
	}, nil
}
