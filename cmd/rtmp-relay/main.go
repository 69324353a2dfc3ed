package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/rtmp-relay/internal/certs"
	"github.com/zsiec/rtmp-relay/internal/config"
	"github.com/zsiec/rtmp-relay/internal/logging"
	"github.com/zsiec/rtmp-relay/internal/observe"
	"github.com/zsiec/rtmp-relay/internal/relay"
	"github.com/zsiec/rtmp-relay/internal/server"
	"github.com/zsiec/rtmp-relay/internal/session"
	"github.com/zsiec/rtmp-relay/internal/stream"
)

var version = "dev"

func main() {
	configPath := flag.String("config", envOr("RTMP_RELAY_CONFIG", ""), "path to YAML config file")
	flag.Parse()

	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rtmp-relay: %v\n", err)
		os.Exit(1)
	}
	cfg.Server.Addr = envOr("RTMP_ADDR", cfg.Server.Addr)
	cfg.Server.RTMPSAddr = envOr("RTMPS_ADDR", cfg.Server.RTMPSAddr)
	cfg.Metrics.Addr = envOr("METRICS_ADDR", cfg.Metrics.Addr)

	log, err := logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rtmp-relay: %v\n", err)
		os.Exit(1)
	}
	slog.SetDefault(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	if err := run(ctx, cfg); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	policy, err := relay.ParsePolicy(cfg.Relay.Backpressure)
	if err != nil {
		return err
	}

	sink := observe.Sink(observe.NewLogSink(nil))
	promReg := prometheus.NewRegistry()
	if !cfg.Metrics.Disabled {
		promReg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		metrics, err := observe.NewMetricsSink(promReg)
		if err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
		sink = observe.Multi(sink, metrics)
	}

	registry := stream.NewRegistry(stream.Options{
		IdleTimeout:   cfg.Relay.IdleTimeout,
		SweepInterval: cfg.Relay.SweepInterval,
		Policy:        policy,
		Sink:          sink,
	})
	defer registry.Close()

	var tlsConfig *tls.Config
	if cfg.Server.RTMPSAddr != "" {
		cert, err := loadCertificate(cfg.Server)
		if err != nil {
			return err
		}
		tlsConfig = cert.TLSConfig()
	}

	srv := server.New(server.Config{
		Addr:           cfg.Server.Addr,
		TLSAddr:        cfg.Server.RTMPSAddr,
		TLS:            tlsConfig,
		MaxConnections: cfg.Server.MaxConnections,
		Session: session.Config{
			ChunkSize:        uint32(cfg.RTMP.ChunkSize),
			WindowAckSize:    uint32(cfg.RTMP.WindowAckSize),
			MaxMessageSize:   uint32(cfg.RTMP.MaxMessageSize),
			MaxTimestampJump: cfg.RTMP.MaxTimestampJump,
			HandshakeTimeout: cfg.Server.HandshakeTimeout,
			ReadTimeout:      cfg.Server.ReadTimeout,
			WriteTimeout:     cfg.Server.WriteTimeout,
			QueueMessages:    cfg.Relay.QueueMessages,
			QueueBytes:       cfg.Relay.QueueBytes,
		},
	}, registry, sink, nil)

	slog.Info("rtmp-relay starting",
		"version", version,
		"rtmp", cfg.Server.Addr,
		"rtmps", cfg.Server.RTMPSAddr,
		"metrics", metricsAddr(cfg.Metrics),
		"backpressure", policy.Name(),
	)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return srv.Start(ctx)
	})

	g.Go(func() error {
		return registry.Run(ctx)
	})

	if !cfg.Metrics.Disabled {
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
		metricsSrv := &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}

		g.Go(func() error {
			slog.Info("metrics server listening", "addr", cfg.Metrics.Addr, "path", cfg.Metrics.Path)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})

		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			return metricsSrv.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}

// loadCertificate returns the configured key pair, or a self-signed
// certificate when none is configured.
func loadCertificate(cfg config.ServerConfig) (*certs.CertInfo, error) {
	if cfg.CertFile != "" {
		cert, err := certs.Load(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("RTMPS certificate: %w", err)
		}
		slog.Info("certificate loaded", "file", cfg.CertFile, "expires", cert.NotAfter.Format(time.RFC3339))
		return cert, nil
	}

	slog.Info("generating self-signed certificate")
	cert, err := certs.Generate(certs.DefaultValidity)
	if err != nil {
		return nil, fmt.Errorf("RTMPS certificate: %w", err)
	}
	slog.Info("certificate generated",
		"fingerprint", cert.FingerprintHex(),
		"expires", cert.NotAfter.Format(time.RFC3339),
	)
	return cert, nil
}

func metricsAddr(m config.MetricsConfig) string {
	if m.Disabled {
		return "disabled"
	}
	return m.Addr + m.Path
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
