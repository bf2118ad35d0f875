// display-probe connects to a display server, prints what it reports, and
// cycles buffers on a few surfaces. It finds the server through etcd when
// registry endpoints are configured, or through the socket path otherwise.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"display-rpc/client"
	"display-rpc/codec"
	"display-rpc/config"
	"display-rpc/loadbalance"
	"display-rpc/message"
	"display-rpc/registry"
	"display-rpc/transport"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath string
		socketPath string
		appName    string
		codecName  string
		logLevel   string
		etcd       []string
		surfaces   int
		frames     int
	)
	flagSet := pflag.NewFlagSet("display-probe", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "config file (default: $"+config.EnvVar+")")
	flagSet.StringVar(&socketPath, "socket", "", "display server socket")
	flagSet.StringVar(&appName, "app", "", "application name sent in connect")
	flagSet.StringVar(&codecName, "codec", "", "envelope codec: cbor or json")
	flagSet.StringVar(&logLevel, "log-level", "", "debug, info, warn or error")
	flagSet.StringSliceVar(&etcd, "etcd", nil, "etcd endpoints to discover the server in")
	flagSet.IntVarP(&surfaces, "surfaces", "n", 2, "surfaces to create concurrently")
	flagSet.IntVarP(&frames, "frames", "f", 3, "buffers to cycle per surface")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if flagSet.Changed("socket") {
		cfg.SocketPath = socketPath
	}
	if flagSet.Changed("app") {
		cfg.Client.ApplicationName = appName
	}
	if flagSet.Changed("codec") {
		cfg.Codec = codecName
	}
	if flagSet.Changed("log-level") {
		cfg.LogLevel = logLevel
	}
	if flagSet.Changed("etcd") {
		cfg.Registry.Endpoints = etcd
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := cfg.NewLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Client.CallTimeout)
	conn, err := connect(ctx, cfg, logger)
	cancel()
	if err != nil {
		return err
	}
	defer conn.Close()

	conn.SetLifecycleEventHandler(func(state message.LifecycleState) {
		logger.Info("lifecycle", zap.Stringer("state", state))
	})
	printConnection(conn)

	g, gctx := errgroup.WithContext(context.Background())
	for i := 0; i < surfaces; i++ {
		g.Go(func() error {
			return exerciseSurface(gctx, conn, cfg.Client.CallTimeout, i, frames)
		})
	}
	err = g.Wait()

	stats := conn.Stats()
	fmt.Printf("stats: processing_failures=%d event_parse_failures=%d dropped_input=%d unknown_ids=%d fd_anomalies=%d\n",
		stats.ResultProcessingFailures, stats.EventParseFailures, stats.DroppedInputEvents,
		stats.UnknownCallIDs, stats.DescriptorAnomalies)
	if err != nil {
		return err
	}

	ctx, cancel = context.WithTimeout(context.Background(), cfg.Client.CallTimeout)
	defer cancel()
	return conn.Disconnect(ctx)
}

func connect(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*client.Connection, error) {
	opts := client.Options{Codec: codec.GetCodec(cfg.CodecType()), Logger: logger}
	if len(cfg.Registry.Endpoints) == 0 {
		t, err := transport.Dial(cfg.SocketPath)
		if err != nil {
			return nil, err
		}
		return client.Connect(ctx, t, cfg.Client.ApplicationName, opts)
	}

	reg, err := registry.NewEtcdRegistry(cfg.Registry.Endpoints, cfg.Registry.DialTimeout, logger)
	if err != nil {
		return nil, err
	}
	defer reg.Close()
	bal, err := loadbalance.New(cfg.Client.Balancer)
	if err != nil {
		return nil, err
	}
	return client.NewClient(reg, bal, cfg.Registry.Service, opts).Connect(ctx, cfg.Client.ApplicationName)
}

func exerciseSurface(ctx context.Context, conn *client.Connection, timeout time.Duration, n, frames int) error {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	surface, err := conn.CreateSurface(callCtx, message.SurfaceParameters{
		SurfaceName: fmt.Sprintf("probe-%d", n),
		Width:       640,
		Height:      480,
		PixelFormat: message.PixelFormatARGB8888,
		BufferUsage: message.BufferUsageSoftware,
	})
	if err != nil {
		return fmt.Errorf("surface %d: %w", n, err)
	}
	for i := 0; i < frames; i++ {
		b, err := surface.NextBuffer(callCtx)
		if err != nil {
			return fmt.Errorf("surface %d frame %d: %w", surface.ID(), i, err)
		}
		fmt.Printf("surface %d: buffer %d %dx%d stride %d fds %v\n", surface.ID(), b.BufferID, b.Width, b.Height,
			b.Stride, b.Fd)
	}
	return surface.Release(callCtx)
}

func printConnection(conn *client.Connection) {
	if p := conn.Platform(); p != nil {
		fmt.Printf("platform: fds %v data %v\n", p.Fd, p.Data)
	}
	fmt.Printf("pixel formats: %v\n", conn.SurfacePixelFormats())
	if cfg := conn.DisplayConfiguration(); cfg != nil {
		for _, out := range cfg.Outputs {
			mode := "none"
			if int(out.CurrentMode) < len(out.Modes) {
				m := out.Modes[out.CurrentMode]
				mode = fmt.Sprintf("%dx%d@%.0f", m.HorizontalResolution, m.VerticalResolution, m.RefreshRate)
			}
			fmt.Printf("output %d: connected=%t used=%t mode=%s\n", out.OutputID, out.Connected, out.Used, mode)
		}
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	cfg, err := config.Load()
	if errors.Is(err, config.ErrNoConfig) {
		return config.Default(), nil
	}
	return cfg, err
}
