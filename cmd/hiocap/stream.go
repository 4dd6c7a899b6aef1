// File: cmd/hiocap/stream.go
// Author: momentics <momentics@gmail.com>
//
// stream subcommand: wires device, allocator, sink, engine and telemetry.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/momentics/hioload-capture/api"
	"github.com/momentics/hioload-capture/control"
	"github.com/momentics/hioload-capture/device/v4l2"
	"github.com/momentics/hioload-capture/pool"
	"github.com/momentics/hioload-capture/sink"
	"github.com/momentics/hioload-capture/transfer"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/zap"
)

func newStreamCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stream",
		Short: "Stream captured buffers to a file or stdout",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := c.load()
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			return runStream(cmd.Context(), c, cfg, logger)
		},
	}

	f := cmd.Flags()
	f.String("device", "/dev/video0", "capture device node")
	f.String("mode", "poll", "dequeue wait mode: poll or blocking")
	f.String("memory", "mmap", "buffer memory: mmap, userptr or dmabuf")
	f.String("dma-heap", "system", "DMA heap name for dmabuf memory")
	f.Uint32("width", 0, "frame width (0 keeps the current format)")
	f.Uint32("height", 0, "frame height")
	f.String("pixel-format", "", "fourcc pixel format, e.g. YUYV")
	f.Int("buffers", 16, "number of capture buffers")
	f.Int("buffer-size", 0, "bytes per buffer (0 derives it from the format)")
	f.Int("backlog", 8, "completed buffers staged for the sink")
	f.Bool("allow-drop", true, "evict the oldest completed buffer when the backlog is full")
	f.String("policy", "immediate", "submission policy: immediate or preload")
	f.Int("preload", transfer.DefaultPreload, "buffers kept in flight by the preload policy")
	f.Int("record-size", 0, "raw record size; partial records are discarded")
	f.Int("ioctl-attempts", v4l2.DefaultIoctlAttempts, "attempts for transient ioctl failures")
	f.Int("cpu", -1, "pin the completion thread to this CPU")
	f.StringP("output", "o", "-", "output file, - for stdout")
	f.Duration("report-interval", time.Second, "rate report period, 0 disables")
	f.String("metrics-addr", "", "serve Prometheus metrics on this address")

	for _, name := range []string{
		"device", "mode", "memory", "dma-heap", "width", "height", "pixel-format",
		"buffers", "buffer-size", "backlog", "allow-drop", "policy", "preload",
		"record-size", "ioctl-attempts", "cpu", "output", "report-interval", "metrics-addr",
	} {
		_ = c.v.BindPFlag(flagKey(name), f.Lookup(name))
	}
	return cmd
}

func flagKey(name string) string { return strings.ReplaceAll(name, "-", "_") }

func runStream(parent context.Context, c *cli, cfg control.Config, logger *zap.Logger) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	meter, shutdownMetrics, err := setupMetrics(cfg, logger)
	if err != nil {
		return err
	}
	defer shutdownMetrics()

	mode := v4l2.ModePoll
	if cfg.Mode == "blocking" {
		mode = v4l2.ModeBlocking
	}
	dev, err := v4l2.Open(cfg.Device,
		v4l2.WithMode(mode),
		v4l2.WithIoctlAttempts(cfg.IoctlAttempts),
		v4l2.WithLogger(logger))
	if err != nil {
		return err
	}
	defer dev.Close()

	alloc, closeAlloc, err := newAllocator(cfg, dev)
	if err != nil {
		return err
	}
	defer closeAlloc()

	out, closeOut, err := openOutput(cfg.Output)
	if err != nil {
		return err
	}
	defer closeOut()
	ws := sink.NewWriterSink(out, logger)

	policy, err := transfer.ParsePolicy(cfg.Policy)
	if err != nil {
		return err
	}
	engine, err := transfer.New(transfer.Config{
		BufferCount:     cfg.Buffers,
		BufferSize:      cfg.BufferSize,
		RecordSize:      cfg.RecordSize,
		BacklogCapacity: cfg.Backlog,
		AllowDrop:       cfg.AllowDrop,
		Policy:          policy,
		Preload:         cfg.Preload,
		Format: api.Format{
			Width:       cfg.Width,
			Height:      cfg.Height,
			PixelFormat: cfg.PixelFormatCode(),
		},
	}, dev, alloc, ws,
		transfer.WithLogger(logger),
		transfer.WithMetrics(control.NewEngineMetrics(meter, logger)),
		transfer.WithCPU(cfg.CPU))
	if err != nil {
		return err
	}

	registry := control.NewMetricsRegistry()
	reporter := control.NewRateReporter(engine, cfg.Report, logger, registry)
	store := control.NewConfigStore()
	store.SetConfig(c.v.AllSettings())
	store.OnReload(func() {
		if d, ok := store.Duration("report_interval"); ok && d >= 0 {
			reporter.SetInterval(d)
		}
	})
	if c.cfgFile != "" {
		c.v.OnConfigChange(func(e fsnotify.Event) {
			logger.Info("Config file changed", zap.String("file", e.Name))
			store.SetConfig(c.v.AllSettings())
		})
		c.v.WatchConfig()
	}

	probes := control.NewDebugProbes()
	control.RegisterPlatformProbes(probes)
	probes.RegisterProbe("engine", func() any { return engine.Stats() })
	probes.RegisterProbe("rates", func() any { return registry.GetSnapshot() })
	probes.RegisterProbe("sink.bytes", func() any { return ws.Bytes() })
	dump := make(chan os.Signal, 1)
	notifyDump(dump)
	defer signal.Stop(dump)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-dump:
				probes.Log(logger)
			}
		}
	}()

	if err := engine.Start(ctx, nil); err != nil {
		return err
	}
	go func() { _ = reporter.Run(ctx) }()

	runErr := engine.Run(ctx)
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}
	stopErr := engine.Stop()
	flushErr := ws.Flush()

	st := engine.Stats()
	logger.Info("Capture finished",
		zap.String("session", st.Session),
		zap.Stringer("state", st.State),
		zap.Uint64("acquired", st.FramesAcquired),
		zap.Uint64("transferred", st.FramesTransferred),
		zap.Uint64("dropped", st.FramesDropped),
		zap.Uint64("bytes", ws.Bytes()))
	return errors.Join(runErr, stopErr, flushErr)
}

func newAllocator(cfg control.Config, dev *v4l2.Device) (api.Allocator, func(), error) {
	noop := func() {}
	switch cfg.Memory {
	case "mmap":
		a, err := pool.NewMmapAllocator(dev)
		if err != nil {
			return nil, noop, err
		}
		return a, noop, nil
	case "userptr":
		return pool.NewHeapAllocator(), noop, nil
	case "dmabuf":
		a, err := pool.NewDMAHeapAllocator(pool.DefaultDMAHeapPath, cfg.DMAHeap)
		if err != nil {
			return nil, noop, err
		}
		return a, func() { _ = a.Close() }, nil
	default:
		return nil, noop, fmt.Errorf("%w: memory %q", api.ErrInvalidConfig, cfg.Memory)
	}
}

func openOutput(path string) (io.Writer, func(), error) {
	if path == "" || path == "-" {
		return os.Stdout, func() {}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, err
	}
	return f, func() { _ = f.Close() }, nil
}

// setupMetrics exports engine instruments to Prometheus when an address is set.
func setupMetrics(cfg control.Config, logger *zap.Logger) (metric.Meter, func(), error) {
	if cfg.MetricsAddr == "" {
		return nil, func() {}, nil
	}
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create Prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()
	logger.Info("Serving metrics", zap.String("addr", cfg.MetricsAddr))

	shutdown := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		_ = provider.Shutdown(ctx)
	}
	return provider.Meter(control.MeterName), shutdown, nil
}
