package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	warpclient "github.com/zsiec/warpclient"
	"github.com/zsiec/warpclient/internal/config"
	"github.com/zsiec/warpclient/internal/metrics"
	"github.com/zsiec/warpclient/internal/registry"
)

func main() {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfgPath, err := config.ParseFlags(os.Args[1:])
	if err != nil {
		slog.Error("failed to parse flags", "error", err)
		os.Exit(1)
	}

	settings, err := config.Load(config.Source{FilePath: cfgPath, Query: url.Values{}})
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if settings.DefaultServerURL == "" {
		slog.Error("no defaultServerUrl configured")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	reg := prometheus.NewRegistry()
	gauges := metrics.RegisterMetrics(reg)

	metricsAddr := envOr("METRICS_ADDR", ":9464")
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		slog.Info("metrics server listening", "addr", metricsAddr)
		if err := http.ListenAndServe(metricsAddr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server error", "error", err)
		}
	}()

	client := warpclient.New(warpclient.Config{
		ServerURL:      settings.DefaultServerURL,
		FingerprintURL: settings.FingerprintURL,
		MinimalBuffer:  time.Duration(settings.MinimalBufferMs) * time.Millisecond,
		TargetLatency:  time.Duration(settings.TargetLatencyMs) * time.Millisecond,
	})

	slog.Info("warp-client starting", "server", settings.DefaultServerURL)
	if err := client.Start(ctx); err != nil {
		slog.Error("failed to start client", "error", err)
		os.Exit(1)
	}

	if _, err := client.Subscribe(ctx, []string{"live"}, "catalog", &catalogLogger{}); err != nil {
		slog.Error("failed to subscribe to catalog track", "error", err)
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			client.Stop()
			slog.Info("warp-client stopped")
			return
		case <-ticker.C:
			gauges.Push(client.Metrics())
		}
	}
}

// catalogLogger logs catalog-track deliveries; parsing the WARP catalog
// JSON and deciding which media tracks to subscribe to is outside this
// program's scope.
type catalogLogger struct{}

func (c *catalogLogger) OnObject(obj registry.PendingObject) {
	slog.Info("catalog object received", "groupId", obj.GroupID, "objectId", obj.ObjectID, "bytes", len(obj.Payload))
}

func (c *catalogLogger) OnEnd(reason string) {
	slog.Info("catalog subscription ended", "reason", reason)
}

func (c *catalogLogger) OnError(err error) {
	slog.Error("catalog subscription failed", "error", err)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
