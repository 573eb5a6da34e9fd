package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"rebasenet/observability/logging"
	telemetry "rebasenet/observability/otel"
	"rebasenet/services/relayerd/config"
	"rebasenet/services/relayerd/journal"
	"rebasenet/services/relayerd/noderpc"
	"rebasenet/services/relayerd/recon"
	"rebasenet/services/relayerd/relay"
	"rebasenet/services/relayerd/server"
)

func main() {
	configFile := flag.String("config", "./relayerd.yaml", "Path to the configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("REBASED_ENV"))
	logger := logging.Setup("relayerd", env)

	shutdownTelemetry := initTelemetry(env)
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	cfg, err := config.Load(*configFile)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	store, err := journal.Open(cfg.JournalDSN)
	if err != nil {
		panic(fmt.Sprintf("Failed to open delivery journal: %v", err))
	}
	defer store.Close()

	specs := make([]relay.RouteSpec, 0, len(cfg.Routes))
	for _, routeCfg := range cfg.Routes {
		specs = append(specs, relay.RouteSpec{
			Name: routeCfg.Name,
			Source: noderpc.NewClient(noderpc.Config{
				URL:     routeCfg.Source.URL,
				Token:   routeCfg.Source.Token(),
				Timeout: routeCfg.Source.Timeout.Duration,
			}),
			Dest: noderpc.NewClient(noderpc.Config{
				URL:     routeCfg.Dest.URL,
				Token:   routeCfg.Dest.Token(),
				Timeout: routeCfg.Dest.Timeout.Duration,
			}),
			Budget:       routeCfg.Budget,
			PollInterval: routeCfg.PollInterval.Duration,
			BatchLimit:   routeCfg.BatchLimit,
			Paused:       routeCfg.Paused,
		})
	}

	relayer, err := relay.New(relay.Config{Journal: store, Logger: logger}, specs...)
	if err != nil {
		panic(fmt.Sprintf("Failed to configure relayer: %v", err))
	}

	exporter, err := recon.New(recon.Config{
		Journal:   store,
		OutputDir: cfg.ReconDir,
		Logger:    logger,
	})
	if err != nil {
		panic(fmt.Sprintf("Failed to configure reconciliation: %v", err))
	}

	adminServer, err := server.New(server.Config{
		Relayer:   relayer,
		Recon:     exporter,
		JWTSecret: cfg.Admin.Secret(),
		Issuer:    cfg.Admin.Issuer,
		Audience:  cfg.Admin.Audience,
		Logger:    logger,
	})
	if err != nil {
		panic(fmt.Sprintf("Failed to configure admin server: %v", err))
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           otelhttp.NewHandler(adminServer.Handler(), "relayerd-admin"),
		ReadHeaderTimeout: 10 * time.Second,
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	relayer.Start(stopCtx)
	logger.Info("relayer started", "routes", len(cfg.Routes), "journal", logging.MaskDSN(cfg.JournalDSN))

	errs := make(chan error, 1)
	go func() {
		logger.Info("admin listening", "address", cfg.ListenAddress)
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-stopCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
		}
	case err := <-errs:
		if err != nil && err != http.ErrServerClosed {
			logger.Error("admin server stopped", slog.Any("error", err))
			stop()
			relayer.Wait()
			os.Exit(1)
		}
	}
	relayer.Wait()
}

func initTelemetry(env string) func(context.Context) error {
	endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	headers := telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"))
	insecure := true
	if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			insecure = parsed
		}
	}
	shutdown, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "relayerd",
		Environment: env,
		Endpoint:    endpoint,
		Insecure:    insecure,
		Headers:     headers,
		Metrics:     true,
		Traces:      true,
	})
	if err != nil {
		panic(fmt.Sprintf("Failed to init telemetry: %v", err))
	}
	return shutdown
}
