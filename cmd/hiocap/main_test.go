package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/momentics/hioload-capture/control"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionCommand(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "hiocap dev")
}

func TestStreamFlagsBindConfig(t *testing.T) {
	c := &cli{v: viper.New()}
	cmd := newStreamCmd(c)
	require.NoError(t, cmd.Flags().Parse([]string{"--buffers", "24", "--policy", "preload", "--report-interval", "2s"}))

	cfg, err := c.load()
	require.NoError(t, err)
	assert.Equal(t, 24, cfg.Buffers)
	assert.Equal(t, "preload", cfg.Policy)
	assert.Equal(t, 2*time.Second, cfg.Report)
	assert.Equal(t, "/dev/video0", cfg.Device)
}

func TestNewLogger(t *testing.T) {
	_, err := newLogger(control.Config{LogLevel: "debug", Development: true})
	require.NoError(t, err)

	_, err = newLogger(control.Config{LogLevel: "loud"})
	assert.Error(t, err)
}

func TestFlagKey(t *testing.T) {
	assert.Equal(t, "report_interval", flagKey("report-interval"))
}
