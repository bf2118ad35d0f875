// display-stub-server is a software display server for exercising clients
// without a compositor. It serves the client protocol on an AF_UNIX socket,
// hands out memfd-backed buffers, and optionally advertises itself in etcd.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"display-rpc/codec"
	"display-rpc/config"
	"display-rpc/message"
	"display-rpc/middleware"
	"display-rpc/registry"
	"display-rpc/server"
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
		codecName  string
		logLevel   string
		etcd       []string
		rateLimit  float64
		suspendIn  time.Duration
	)
	flagSet := pflag.NewFlagSet("display-stub-server", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "config file (default: $"+config.EnvVar+")")
	flagSet.StringVar(&socketPath, "socket", "", "socket path to listen on")
	flagSet.StringVar(&codecName, "codec", "", "envelope codec: cbor or json")
	flagSet.StringVar(&logLevel, "log-level", "", "debug, info, warn or error")
	flagSet.StringSliceVar(&etcd, "etcd", nil, "etcd endpoints to advertise the socket in")
	flagSet.Float64Var(&rateLimit, "rate-limit", -1, "calls per second across all sessions, 0 for unlimited")
	flagSet.DurationVar(&suspendIn, "suspend-after", 0, "push will_suspend to every client after this long")
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
	if flagSet.Changed("codec") {
		cfg.Codec = codecName
	}
	if flagSet.Changed("log-level") {
		cfg.LogLevel = logLevel
	}
	if flagSet.Changed("etcd") {
		cfg.Registry.Endpoints = etcd
	}
	if flagSet.Changed("rate-limit") {
		cfg.Server.RateLimit = rateLimit
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := cfg.NewLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	srv := server.NewServer(
		server.WithCodec(codec.GetCodec(cfg.CodecType())),
		server.WithLogger(logger),
		server.WithServiceName(cfg.Registry.Service),
	)
	srv.Use(middleware.LoggingMiddleware(logger))
	if cfg.Server.RateLimit > 0 {
		srv.Use(middleware.RateLimitMiddleware(cfg.Server.RateLimit, cfg.Server.RateBurst))
	}
	if cfg.Server.RequestTimeout > 0 {
		srv.Use(middleware.TimeoutMiddleware(cfg.Server.RequestTimeout))
	}
	display, err := server.NewDisplayService(srv)
	if err != nil {
		return err
	}

	var reg registry.Registry
	if len(cfg.Registry.Endpoints) > 0 {
		etcdReg, err := registry.NewEtcdRegistry(cfg.Registry.Endpoints, cfg.Registry.DialTimeout, logger)
		if err != nil {
			return err
		}
		defer etcdReg.Close()
		reg = etcdReg
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return srv.ListenAndServe(cfg.SocketPath, reg)
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		return srv.Shutdown(cfg.Server.ShutdownTimeout)
	})
	if suspendIn > 0 {
		g.Go(func() error {
			select {
			case <-time.After(suspendIn):
				if err := display.SetLifecycle(message.LifecycleWillSuspend); err != nil {
					logger.Warn("lifecycle push incomplete", zap.Error(err))
				}
			case <-ctx.Done():
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
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
