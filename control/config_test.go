package control

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/momentics/hioload-capture/api"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig(viper.New())
	require.NoError(t, err)
	assert.Equal(t, "/dev/video0", cfg.Device)
	assert.Equal(t, "poll", cfg.Mode)
	assert.Equal(t, "mmap", cfg.Memory)
	assert.Equal(t, 16, cfg.Buffers)
	assert.Equal(t, 8, cfg.Backlog)
	assert.True(t, cfg.AllowDrop)
	assert.Equal(t, 2, cfg.IoctlAttempts)
	assert.Equal(t, -1, cfg.CPU)
	assert.Equal(t, time.Second, cfg.Report)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("HIOCAP_BUFFERS", "32")
	t.Setenv("HIOCAP_POLICY", "preload")
	t.Setenv("HIOCAP_REPORT_INTERVAL", "250ms")

	cfg, err := LoadConfig(viper.New())
	require.NoError(t, err)
	assert.Equal(t, 32, cfg.Buffers)
	assert.Equal(t, "preload", cfg.Policy)
	assert.Equal(t, 250*time.Millisecond, cfg.Report)
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := map[string]func(v *viper.Viper){
		"backlog not below buffers": func(v *viper.Viper) { v.Set("backlog", 16) },
		"unknown memory":            func(v *viper.Viper) { v.Set("memory", "shm") },
		"unknown mode":              func(v *viper.Viper) { v.Set("mode", "async") },
		"bad fourcc":                func(v *viper.Viper) { v.Set("pixel_format", "YUV") },
		"zero attempts":             func(v *viper.Viper) { v.Set("ioctl_attempts", 0) },
		"unknown policy":            func(v *viper.Viper) { v.Set("policy", "eager") },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			v := viper.New()
			mutate(v)
			_, err := LoadConfig(v)
			assert.ErrorIs(t, err, api.ErrInvalidConfig)
		})
	}
}

func TestConfig_PixelFormatCode(t *testing.T) {
	cfg := Config{PixelFormat: "YUYV"}
	assert.Equal(t, uint32(0x56595559), cfg.PixelFormatCode())
	assert.Zero(t, Config{}.PixelFormatCode())
}

func TestConfigStore_ReloadListeners(t *testing.T) {
	cs := NewConfigStore()
	var calls atomic.Int32
	cs.OnReload(func() { calls.Add(1) })

	cs.SetConfig(map[string]any{"report_interval": "2s"})
	assert.EqualValues(t, 1, calls.Load())

	d, ok := cs.Duration("report_interval")
	require.True(t, ok)
	assert.Equal(t, 2*time.Second, d)

	cs.SetConfig(map[string]any{"report_interval": 500 * time.Millisecond})
	d, ok = cs.Duration("report_interval")
	require.True(t, ok)
	assert.Equal(t, 500*time.Millisecond, d)

	_, ok = cs.Duration("missing")
	assert.False(t, ok)

	snap := cs.GetSnapshot()
	snap["report_interval"] = "1h"
	d, _ = cs.Duration("report_interval")
	assert.Equal(t, 500*time.Millisecond, d, "snapshot is a copy")
}
