// control/config.go
// Author: momentics <momentics@gmail.com>
//
// Capture configuration loading and validation, plus a thread-safe store
// that propagates hot-reloaded values to listeners.

package control

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/momentics/hioload-capture/api"
	"github.com/spf13/viper"
)

// EnvPrefix is the environment variable prefix bound by LoadConfig.
const EnvPrefix = "HIOCAP"

// Config is the operator-facing configuration of a capture session.
type Config struct {
	Device        string        `mapstructure:"device"`
	Mode          string        `mapstructure:"mode"`
	Memory        string        `mapstructure:"memory"`
	DMAHeap       string        `mapstructure:"dma_heap"`
	Width         uint32        `mapstructure:"width"`
	Height        uint32        `mapstructure:"height"`
	PixelFormat   string        `mapstructure:"pixel_format"`
	Buffers       int           `mapstructure:"buffers"`
	BufferSize    int           `mapstructure:"buffer_size"`
	Backlog       int           `mapstructure:"backlog"`
	AllowDrop     bool          `mapstructure:"allow_drop"`
	Policy        string        `mapstructure:"policy"`
	Preload       int           `mapstructure:"preload"`
	RecordSize    int           `mapstructure:"record_size"`
	IoctlAttempts int           `mapstructure:"ioctl_attempts"`
	CPU           int           `mapstructure:"cpu"`
	Output        string        `mapstructure:"output"`
	Report        time.Duration `mapstructure:"report_interval"`
	MetricsAddr   string        `mapstructure:"metrics_addr"`
	LogLevel      string        `mapstructure:"log_level"`
	Development   bool          `mapstructure:"development"`
}

// SetDefaults registers every key with its default so environment
// variables are picked up by Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("device", "/dev/video0")
	v.SetDefault("mode", "poll")
	v.SetDefault("memory", "mmap")
	v.SetDefault("dma_heap", "system")
	v.SetDefault("width", 0)
	v.SetDefault("height", 0)
	v.SetDefault("pixel_format", "")
	v.SetDefault("buffers", 16)
	v.SetDefault("buffer_size", 0)
	v.SetDefault("backlog", 8)
	v.SetDefault("allow_drop", true)
	v.SetDefault("policy", "immediate")
	v.SetDefault("preload", 4)
	v.SetDefault("record_size", 0)
	v.SetDefault("ioctl_attempts", 2)
	v.SetDefault("cpu", -1)
	v.SetDefault("output", "-")
	v.SetDefault("report_interval", time.Second)
	v.SetDefault("metrics_addr", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("development", false)
}

// LoadConfig binds HIOCAP_* environment variables, decodes v and validates the result.
func LoadConfig(v *viper.Viper) (Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", api.ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks value ranges and enumerations.
func (c Config) Validate() error {
	bad := func(format string, args ...any) error {
		return fmt.Errorf("%w: "+format, append([]any{api.ErrInvalidConfig}, args...)...)
	}
	if c.Device == "" {
		return bad("device path is empty")
	}
	switch c.Mode {
	case "poll", "blocking":
	default:
		return bad("mode %q", c.Mode)
	}
	switch c.Memory {
	case "mmap", "userptr", "dmabuf":
	default:
		return bad("memory %q", c.Memory)
	}
	if c.Buffers <= 0 {
		return bad("buffers %d", c.Buffers)
	}
	if c.Backlog <= 0 || c.Backlog >= c.Buffers {
		return bad("backlog %d must be in [1, %d)", c.Backlog, c.Buffers)
	}
	switch c.Policy {
	case "immediate", "preload":
	default:
		return bad("policy %q", c.Policy)
	}
	if c.PixelFormat != "" && len(c.PixelFormat) != 4 {
		return bad("pixel format %q is not a fourcc", c.PixelFormat)
	}
	if c.BufferSize < 0 || c.RecordSize < 0 || c.Preload < 0 {
		return bad("negative size")
	}
	if c.IoctlAttempts < 1 {
		return bad("ioctl attempts %d", c.IoctlAttempts)
	}
	if c.CPU < -1 {
		return bad("cpu %d", c.CPU)
	}
	if c.Report < 0 {
		return bad("report interval %s", c.Report)
	}
	return nil
}

// PixelFormatCode packs the fourcc into its little-endian code. Empty yields 0.
func (c Config) PixelFormatCode() uint32 {
	if len(c.PixelFormat) != 4 {
		return 0
	}
	p := c.PixelFormat
	return uint32(p[0]) | uint32(p[1])<<8 | uint32(p[2])<<16 | uint32(p[3])<<24
}

// ConfigStore is a dynamic key/value map with atomic snapshot and listener support.
type ConfigStore struct {
	mu        sync.RWMutex
	config    map[string]any
	listeners []func()
}

// NewConfigStore initializes a new config store with empty data.
func NewConfigStore() *ConfigStore {
	return &ConfigStore{
		config:    make(map[string]any),
		listeners: make([]func(), 0),
	}
}

// GetSnapshot returns a copy of all config values.
func (cs *ConfigStore) GetSnapshot() map[string]any {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	out := make(map[string]any, len(cs.config))
	for k, v := range cs.config {
		out[k] = v
	}
	return out
}

// Duration reads key as a duration. Strings are parsed with time.ParseDuration.
func (cs *ConfigStore) Duration(key string) (time.Duration, bool) {
	cs.mu.RLock()
	v, ok := cs.config[key]
	cs.mu.RUnlock()
	if !ok {
		return 0, false
	}
	switch d := v.(type) {
	case time.Duration:
		return d, true
	case string:
		parsed, err := time.ParseDuration(d)
		return parsed, err == nil
	case int:
		return time.Duration(d), true
	case int64:
		return time.Duration(d), true
	default:
		return 0, false
	}
}

// SetConfig merges new values and dispatches reload listeners.
func (cs *ConfigStore) SetConfig(newCfg map[string]any) {
	cs.mu.Lock()
	for k, v := range newCfg {
		cs.config[k] = v
	}
	listeners := append([]func(){}, cs.listeners...)
	cs.mu.Unlock()
	for _, fn := range listeners {
		fn()
	}
}

// OnReload registers a listener called synchronously after each SetConfig.
func (cs *ConfigStore) OnReload(fn func()) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.listeners = append(cs.listeners, fn)
}
