// File: cmd/hiocap/root.go
// Author: momentics <momentics@gmail.com>
//
// Root command, configuration binding and logger construction.

package main

import (
	"fmt"

	"github.com/momentics/hioload-capture/control"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	version = "dev"
	commit  = "none"
)

type cli struct {
	v       *viper.Viper
	cfgFile string
}

func newRootCmd() *cobra.Command {
	c := &cli{v: viper.New()}
	root := &cobra.Command{
		Use:   "hiocap",
		Short: "Bounded-buffer V4L2 capture streamer",
		Long: `hiocap keeps a fixed set of capture buffers cycling between a V4L2 device
and a downstream sink, dropping the oldest completed frame when the sink
falls behind instead of stalling the hardware.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.initConfig()
		},
	}
	root.PersistentFlags().StringVar(&c.cfgFile, "config", "", "config file (yaml, json or toml)")
	root.PersistentFlags().String("log-level", "info", "log level: debug, info, warn, error")
	root.PersistentFlags().Bool("development", false, "human-readable development logging")
	_ = c.v.BindPFlag("log_level", root.PersistentFlags().Lookup("log-level"))
	_ = c.v.BindPFlag("development", root.PersistentFlags().Lookup("development"))

	root.AddCommand(newStreamCmd(c))
	root.AddCommand(newVersionCmd())
	return root
}

func (c *cli) initConfig() error {
	if c.cfgFile == "" {
		return nil
	}
	c.v.SetConfigFile(c.cfgFile)
	if err := c.v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", c.cfgFile, err)
	}
	return nil
}

func (c *cli) load() (control.Config, error) {
	return control.LoadConfig(c.v)
}

func newLogger(cfg control.Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	var zc zap.Config
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	// stdout may carry the capture stream
	zc.OutputPaths = []string{"stderr"}
	return zc.Build()
}
