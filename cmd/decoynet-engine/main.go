// Command decoynet-engine runs the DecoyNet detection and correlation
// engine: DTLS sensor ingest, detector pipeline, incident correlation,
// tamper-evident alert storage and notification fan-out. With -tui it
// additionally runs the operator dashboard in the foreground.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"decoynet/internal/config"
	"decoynet/internal/correlation"
	"decoynet/internal/detector"
	"decoynet/internal/dispatch"
	"decoynet/internal/engine"
	"decoynet/internal/ingest"
	"decoynet/internal/metrics"
	"decoynet/internal/queue"
	"decoynet/internal/schema"
	"decoynet/internal/scoring"
	"decoynet/internal/store"
	s3store "decoynet/internal/store/s3"
	"decoynet/internal/tui"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

func main() {
	withTUI := flag.Bool("tui", false, "run the operator dashboard in the foreground")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger, logClose, err := buildLogger(cfg.Logging, *withTUI)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up logging: %v\n", err)
		os.Exit(1)
	}
	if logClose != nil {
		defer logClose()
	}
	slog.SetDefault(logger)

	logger.Info("decoynet engine starting",
		"workers", cfg.Engine.Workers,
		"storage_backend", cfg.Storage.Backend,
		"sinks", len(cfg.Dispatch.Sinks),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Alert store.
	var alertStore store.Store
	switch cfg.Storage.Backend {
	case "clickhouse":
		chStore, err := store.NewClickHouseStore(ctx, store.ClickHouseConfig{
			Hosts:           cfg.Storage.ClickHouse.Hosts,
			Database:        cfg.Storage.ClickHouse.Database,
			Username:        cfg.Storage.ClickHouse.Username,
			Password:        cfg.Storage.ClickHouse.Password,
			MaxOpenConns:    cfg.Storage.ClickHouse.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.ClickHouse.MaxIdleConns,
			ConnMaxLifetime: cfg.Storage.ClickHouse.ConnMaxLifetime,
			TLSEnabled:      cfg.Storage.ClickHouse.TLSEnabled,
			DialTimeout:     cfg.Storage.ClickHouse.DialTimeout,
		})
		if err != nil {
			logger.Error("failed to connect to ClickHouse", "error", err)
			os.Exit(1)
		}
		alertStore = chStore
		logger.Info("alert store ready", "backend", "clickhouse", "hosts", cfg.Storage.ClickHouse.Hosts)
	default:
		alertStore = store.NewMemoryStore()
		logger.Info("alert store ready", "backend", "memory")
	}
	defer func() {
		if err := alertStore.Close(); err != nil {
			logger.Warn("alert store close failed", "error", err)
		}
	}()

	// Detectors.
	pool, anomaly, err := buildDetectorPool(cfg.Detectors, logger)
	if err != nil {
		logger.Error("failed to build detectors", "error", err)
		os.Exit(1)
	}
	if anomaly != nil {
		defer anomaly.Stop()
	}

	scorer, err := scoring.NewRiskScorer(nil, scoring.Boundaries(cfg.Scoring.Boundaries))
	if err != nil {
		logger.Error("failed to build risk scorer", "error", err)
		os.Exit(1)
	}

	correlator := correlation.NewEngine(correlation.EngineConfig{
		FireThreshold: cfg.Correlation.FireThreshold,
		Window:        cfg.Correlation.Window,
		QuietPeriod:   cfg.Correlation.QuietPeriod,
		SweepInterval: cfg.Correlation.SweepInterval,
	}, correlation.SubjectDetectorKey, logger)

	// Alert delivery.
	suppressor, err := buildSuppressor(cfg.Dispatch.Suppression, logger)
	if err != nil {
		logger.Error("failed to build suppressor", "error", err)
		os.Exit(1)
	}

	dispatcher := dispatch.NewDispatcher(dispatch.Config{
		MaxRetries:      cfg.Dispatch.MaxRetries,
		InitialBackoff:  cfg.Dispatch.InitialBackoff,
		MaxBackoff:      cfg.Dispatch.MaxBackoff,
		BackoffFactor:   cfg.Dispatch.BackoffFactor,
		AttemptTimeout:  cfg.Dispatch.AttemptTimeout,
		DispatchTimeout: cfg.Dispatch.DispatchTimeout,
		FailedThreshold: cfg.Dispatch.FailedThreshold,
		ProbeInterval:   cfg.Dispatch.ProbeInterval,
	}, suppressor, logger)

	var kafkaSinks []*dispatch.KafkaSink
	for _, sc := range cfg.Dispatch.Sinks {
		sink, err := buildSink(sc)
		if err != nil {
			logger.Error("failed to build sink", "sink", sc.Name, "error", err)
			os.Exit(1)
		}
		dispatcher.Register(sink)
		if !sc.Enabled {
			dispatcher.DisableSink(sc.Name)
		}
		if ks, ok := sink.(*dispatch.KafkaSink); ok {
			kafkaSinks = append(kafkaSinks, ks)
		}
		logger.Info("sink registered", "sink", sc.Name, "kind", sc.Kind, "enabled", sc.Enabled)
	}
	defer func() {
		for _, ks := range kafkaSinks {
			if err := ks.Close(); err != nil {
				logger.Warn("kafka sink close failed", "sink", ks.Name(), "error", err)
			}
		}
	}()

	// Incident archive.
	var archiver engine.Archiver
	if cfg.Storage.Archive.Enabled {
		a, err := s3store.NewArchiver(ctx, s3store.Config{
			Region:          cfg.Storage.Archive.Region,
			Bucket:          cfg.Storage.Archive.Bucket,
			Prefix:          cfg.Storage.Archive.Prefix,
			Endpoint:        cfg.Storage.Archive.Endpoint,
			UsePathStyle:    cfg.Storage.Archive.UsePathStyle,
			AccessKeyID:     cfg.Storage.Archive.AccessKeyID,
			SecretAccessKey: cfg.Storage.Archive.SecretAccessKey,
		}, logger)
		if err != nil {
			logger.Error("failed to set up incident archive", "error", err)
			os.Exit(1)
		}
		archiver = a
		logger.Info("incident archive ready", "bucket", cfg.Storage.Archive.Bucket)
	}

	// Metrics endpoint.
	var engineMetrics *metrics.Metrics
	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		registry := prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		engineMetrics = metrics.NewMetrics(registry)

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		metricsServer = &http.Server{
			Addr:              cfg.Metrics.Address,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("metrics endpoint listening", "address", cfg.Metrics.Address)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics endpoint failed", "error", err)
			}
		}()
	}

	eng := engine.NewEngine(engine.Config{
		Workers:      cfg.Engine.Workers,
		ShutdownWait: cfg.Engine.ShutdownWait,
	}, engine.Deps{
		Validator: schema.NewValidatorWithConfig(schema.ValidatorConfig{
			MaxAge:    cfg.Validation.MaxEventAge,
			MaxFuture: cfg.Validation.MaxFuture,
		}),
		Queue:       queue.NewRingBuffer(cfg.Queue.Size),
		Pool:        pool,
		Scorer:      scorer,
		ScoringMode: scoring.Mode(cfg.Scoring.Mode),
		Correlator:  correlator,
		Store:       alertStore,
		Dispatcher:  dispatcher,
		Archiver:    archiver,
		Metrics:     engineMetrics,
		Logger:      logger,
	})
	eng.Start(ctx)

	// Sensor listener.
	var sensorListener *ingest.DTLSServer
	if cfg.Ingest.DTLS.Enabled {
		sensorListener, err = ingest.NewDTLSServer(ingest.DTLSConfig{
			Address:           cfg.Ingest.DTLS.Address,
			CertFile:          cfg.Ingest.DTLS.CertFile,
			KeyFile:           cfg.Ingest.DTLS.KeyFile,
			CAFile:            cfg.Ingest.DTLS.CAFile,
			RequireClientCert: cfg.Ingest.DTLS.RequireClientCert,
			MaxMessageSize:    cfg.Ingest.DTLS.MaxMessageSize,
			IdleTimeout:       cfg.Ingest.DTLS.IdleTimeout,
		}, eng, logger)
		if err != nil {
			logger.Error("failed to set up sensor listener", "error", err)
			os.Exit(1)
		}
		if err := sensorListener.Start(ctx); err != nil {
			logger.Error("failed to start sensor listener", "error", err)
			os.Exit(1)
		}
	}

	logger.Info("decoynet engine started")

	if *withTUI {
		// The dashboard owns the terminal until the operator quits.
		if err := tui.Run(eng); err != nil {
			logger.Error("dashboard failed", "error", err)
		}
	} else {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	if sensorListener != nil {
		sensorListener.Stop()
	}
	eng.Stop()

	if metricsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics endpoint shutdown failed", "error", err)
		}
		shutdownCancel()
	}

	stats := eng.Snapshot(context.Background())
	logger.Info("decoynet engine stopped",
		"events_pushed", stats.Queue.Pushed,
		"events_popped", stats.Queue.Popped,
		"events_rejected", stats.Queue.Rejected,
		"stored_records", stats.StoredRecords,
	)
}

// buildLogger sets up slog per config. In TUI mode log output moves to a
// file so the dashboard owns stdout.
func buildLogger(cfg config.LoggingConfig, withTUI bool) (*slog.Logger, func(), error) {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var out io.Writer = os.Stdout
	var closeFn func()
	if withTUI {
		path := os.Getenv("DECOYNET_LOG_FILE")
		if path == "" {
			path = "decoynet.log"
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, err
		}
		out = f
		closeFn = func() { f.Close() }
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}
	return slog.New(handler), closeFn, nil
}

// buildDetectorPool assembles the enabled detectors in fixed order. The
// anomaly detector is returned separately so its janitor can be stopped.
func buildDetectorPool(cfg config.DetectorsConfig, logger *slog.Logger) (*detector.Pool, *detector.AnomalyDetector, error) {
	var detectors []detector.Detector

	if cfg.Signature.Enabled {
		rules := detector.DefaultSignatureRules()
		if len(cfg.Signature.Rules) > 0 {
			rules = rules[:0]
			for _, r := range cfg.Signature.Rules {
				sev := schema.Severity(r.Severity)
				if !sev.IsValid() {
					return nil, nil, fmt.Errorf("signature rule %q: invalid severity %q", r.Pattern, r.Severity)
				}
				rules = append(rules, detector.SignatureRule{
					Pattern:     r.Pattern,
					Regex:       r.Regex,
					Description: r.Description,
					Severity:    sev,
				})
			}
		}
		sig, err := detector.NewSignatureDetector(rules)
		if err != nil {
			return nil, nil, err
		}
		detectors = append(detectors, sig)
	}

	var anomaly *detector.AnomalyDetector
	if cfg.Anomaly.Enabled {
		anomaly = detector.NewAnomalyDetector(detector.AnomalyConfig{
			Threshold:    cfg.Anomaly.Threshold,
			Window:       cfg.Anomaly.Window,
			IdleEviction: cfg.Anomaly.IdleEviction,
		})
		detectors = append(detectors, anomaly)
	}

	if cfg.Behavioral.Enabled {
		behavioral, err := detector.NewBehavioralDetector(detector.BehavioralConfig{
			HistorySize:        cfg.Behavioral.HistorySize,
			DiversityThreshold: cfg.Behavioral.DiversityThreshold,
		})
		if err != nil {
			return nil, nil, err
		}
		detectors = append(detectors, behavioral)
	}

	return detector.NewPool(logger, detectors...), anomaly, nil
}

// buildSuppressor selects the duplicate-notification suppressor. Redis is
// used when configured so suppression holds across engine instances.
func buildSuppressor(cfg config.SuppressionConfig, logger *slog.Logger) (dispatch.Suppressor, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		return dispatch.NewRedisSuppressor(client, cfg.TTL, logger)
	}
	return dispatch.NewLocalSuppressor(cfg.CacheSize, cfg.TTL)
}

// buildSink constructs one notification sink from its configuration.
func buildSink(sc config.SinkConfig) (dispatch.Sink, error) {
	switch sc.Kind {
	case "elastic":
		if sc.URL == "" {
			return nil, fmt.Errorf("sink %q: url is required", sc.Name)
		}
		return dispatch.NewElasticSink(sc.Name, sc.URL, sc.Index, sc.APIKey), nil
	case "splunk":
		if sc.URL == "" || sc.Token == "" {
			return nil, fmt.Errorf("sink %q: url and token are required", sc.Name)
		}
		return dispatch.NewSplunkSink(sc.Name, sc.URL, sc.Token), nil
	case "syslog":
		if sc.Address == "" {
			return nil, fmt.Errorf("sink %q: address is required", sc.Name)
		}
		return dispatch.NewSyslogSink(sc.Name, sc.Network, sc.Address, sc.Tag), nil
	case "webhook":
		if sc.URL == "" {
			return nil, fmt.Errorf("sink %q: url is required", sc.Name)
		}
		return dispatch.NewWebhookSink(sc.Name, sc.URL, sc.Headers), nil
	case "kafka":
		if len(sc.Brokers) == 0 || sc.Topic == "" {
			return nil, fmt.Errorf("sink %q: brokers and topic are required", sc.Name)
		}
		return dispatch.NewKafkaSink(sc.Name, sc.Brokers, sc.Topic), nil
	default:
		return nil, fmt.Errorf("sink %q: unknown kind %q", sc.Name, sc.Kind)
	}
}
