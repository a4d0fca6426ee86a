package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/devghori1264/aerophoenix/cnapi/internal/api"
	"github.com/devghori1264/aerophoenix/cnapi/internal/bootparams"
	"github.com/devghori1264/aerophoenix/cnapi/internal/config"
	"github.com/devghori1264/aerophoenix/cnapi/internal/logging"
	natsclient "github.com/devghori1264/aerophoenix/cnapi/internal/nats"
	"github.com/devghori1264/aerophoenix/cnapi/internal/server"
	"github.com/devghori1264/aerophoenix/cnapi/internal/storage"
	"github.com/devghori1264/aerophoenix/cnapi/internal/telemetry"
	"github.com/devghori1264/aerophoenix/cnapi/internal/ur"
	"github.com/devghori1264/aerophoenix/cnapi/internal/workflow"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func main() {
	var (
		configPath string
		dev        bool
		overrides  config.Config
	)

	rootCmd := &cobra.Command{
		Use:           "cnapi",
		Short:         "Compute node control plane",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("http-addr") {
				cfg.API.Listen = overrides.API.Listen
			}
			if flags.Changed("grpc-addr") {
				cfg.GRPC.Listen = overrides.GRPC.Listen
			}
			if flags.Changed("metrics-addr") {
				cfg.Metrics.Listen = overrides.Metrics.Listen
			}
			if flags.Changed("db") {
				cfg.Store.Path = overrides.Store.Path
			}
			if flags.Changed("log-level") {
				cfg.LogLevel = overrides.LogLevel
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return run(cmd.Context(), cfg, dev)
		},
	}

	flags := rootCmd.Flags()
	flags.StringVarP(&configPath, "config", "c", "", "path to the YAML config file")
	flags.BoolVar(&dev, "dev", false, "human readable logs")
	flags.StringVar(&overrides.API.Listen, "http-addr", "", "HTTP API listen address")
	flags.StringVar(&overrides.GRPC.Listen, "grpc-addr", "", "gRPC health listen address")
	flags.StringVar(&overrides.Metrics.Listen, "metrics-addr", "", "Prometheus metrics listen address")
	flags.StringVar(&overrides.Store.Path, "db", "", "directory store path")
	flags.StringVar(&overrides.LogLevel, "log-level", "", "log level")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, dev bool) error {
	log, err := logging.New(cfg.LogLevel, dev)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	shutdownTracing, err := telemetry.Setup(cfg.Tracing.Enabled, os.Stdout)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}

	store, err := storage.Open(cfg.Store.Driver, cfg.Store.Path, log)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.Store.Driver, err)
	}
	defer store.Close()

	nc, err := natsclient.Connect(cfg.NATS.URL, "cnapi", log.Named("nats"))
	if err != nil {
		return fmt.Errorf("connect nats %s: %w", cfg.NATS.URL, err)
	}
	publisher := natsclient.NewPublisher(nc)
	defer publisher.Close()

	client, err := newUrClient(cfg, nc)
	if err != nil {
		return err
	}

	srv := server.New(store, client, log, server.Options{
		Datacenter: cfg.DatacenterName,
		CNAPIURL:   cfg.CNAPIURL,
		AssetsURL:  cfg.AssetsURL,
		BootExtras: bootparams.Extras{Rabbitmq: cfg.BootParams.Rabbitmq},
	})
	srv.SetPublisher(publisher)

	runner := workflow.NewRunner(store, log, cfg.Workflow.RetryDelay)
	runner.Register(workflow.SetupWorkflow(client, srv, log))
	runner.Register(workflow.RebootWorkflow(client, log))
	srv.SetJobRunner(runner)

	subscriber := natsclient.NewSubscriber(nc, srv, cfg.Events.Concurrency, log)
	eventsDone := make(chan error, 1)
	go func() { eventsDone <- subscriber.Run(ctx) }()

	// gRPC health endpoint
	lis, err := net.Listen("tcp", cfg.GRPC.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.GRPC.Listen, err)
	}
	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("cnapi", healthpb.HealthCheckResponse_SERVING)
	go func() {
		log.Info("gRPC health server listening", zap.String("addr", cfg.GRPC.Listen))
		if err := grpcServer.Serve(lis); err != nil {
			log.Error("grpc serve error", zap.Error(err))
		}
	}()

	httpServer := &http.Server{
		Addr:              cfg.API.Listen,
		Handler:           api.NewHTTPHandler(srv, log),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info("HTTP API listening", zap.String("addr", cfg.API.Listen))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("http listen", zap.Error(err))
		}
	}()

	metricsMux := http.NewServeMux()
	api.RegisterMetrics(metricsMux)
	metricsServer := &http.Server{Addr: cfg.Metrics.Listen, Handler: metricsMux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		log.Info("Prometheus metrics available", zap.String("addr", cfg.Metrics.Listen))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server", zap.Error(err))
		}
	}()

	log.Info("cnapi started",
		zap.String("datacenter", cfg.DatacenterName),
		zap.String("store", cfg.Store.Driver),
		zap.String("ur_transport", cfg.Ur.Transport))

	<-ctx.Done()
	log.Info("shutdown initiated")

	healthServer.Shutdown()
	grpcServer.GracefulStop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("http server shutdown error", zap.Error(err))
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("metrics server shutdown error", zap.Error(err))
	}
	if err := <-eventsDone; err != nil {
		log.Warn("event subscriber stopped", zap.Error(err))
	}
	runner.Shutdown()
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Warn("tracing shutdown error", zap.Error(err))
	}
	log.Info("shutdown complete")
	return nil
}

func newUrClient(cfg *config.Config, nc *nats.Conn) (ur.Client, error) {
	if cfg.Ur.Transport != "ssh" {
		return ur.NewNATSClient(nc, cfg.Ur.Timeout), nil
	}
	key, err := os.ReadFile(cfg.Ur.SSH.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("read ssh key: %w", err)
	}
	return ur.NewSSHClient(ur.SSHConfig{
		User:       cfg.Ur.SSH.User,
		PrivateKey: key,
		Port:       cfg.Ur.SSH.Port,
		HostSuffix: cfg.Ur.SSH.HostSuffix,
	})
}
