package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"astrostream/config"
	"astrostream/internal/auth"
	"astrostream/internal/broker"
	"astrostream/internal/gateway"
	"astrostream/internal/ingest"
	"astrostream/internal/limits"
	"astrostream/internal/metrics"
	"astrostream/internal/producer"
	"astrostream/internal/resume"
	"astrostream/internal/sequence"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := zerolog.New(os.Stderr)
		bootLogger.Fatal().Err(err).Msg("configuration invalid")
	}

	logger := newLogger(cfg)
	logger.Info().Str("env", cfg.Env).Str("addr", cfg.Addr).Msg("streamd starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Redis backs sequencing, resume, JTI and audit. Every consumer has a
	// local fallback, so a failed ping only degrades durability.
	rdb := goredis.NewClient(&goredis.Options{
		Addr:     cfg.RedisAddr(),
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()

	redisUp := rdb.Ping(ctx).Err() == nil
	if redisUp {
		logger.Info().Str("addr", cfg.RedisAddr()).Msg("redis connected")
	} else {
		logger.Warn().Str("addr", cfg.RedisAddr()).Msg("redis unreachable, running degraded")
	}

	m := metrics.New(nil)

	seqPrefix := cfg.SeqRedisPrefix + ":" + cfg.Env
	seq := sequence.New(rdb, seqPrefix, logger)
	seq.OnFallback = m.SequencerFallbacks.Inc

	var store resume.Store
	switch {
	case cfg.ResumeBackend == "memory":
	case cfg.ResumeBackend == "redis" && !redisUp:
		logger.Fatal().Msg("STREAM_RESUME_BACKEND=redis but redis is unreachable")
	case !redisUp:
		logger.Warn().Msg("resume backend auto: redis down, in-memory ring only")
	default:
		store = resume.NewRedisStore(rdb, resume.RedisConfig{
			Prefix:   cfg.ResumeRedisPrefix + ":" + cfg.Env,
			MaxItems: cfg.ResumeMaxItems,
			TTL:      cfg.ResumeTTL(),
		}, logger)
	}

	b := broker.New(seq, store, resume.NewMemoryStore(resume.DefaultRingCapacity), logger)
	b.OnPublished = m.EnvelopesPublished.Inc
	b.OnDropped = func(topic string) { m.EnvelopesDropped.WithLabelValues(topic).Inc() }
	b.OnStoreError = m.ResumeStoreErrors.Inc

	lim := limits.New(limits.Defaults{
		QPS:         cfg.RateLimitQPS,
		Burst:       cfg.RateLimitBurst,
		Connections: cfg.RateLimitConnections,
	}, cfg.RateLimiterIdleTTL(), logger)
	go sweepTenants(ctx, lim, cfg.RateLimiterIdleTTL())

	jti := auth.NewJTIStore(rdb, logger)
	jti.OnFallback = m.JTIFallbacks.Inc

	var archive auth.Archiver
	if cfg.AuditSQLitePath != "" {
		sq, err := auth.NewSQLiteArchive(cfg.AuditSQLitePath, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("audit archive open failed")
		}
		defer sq.Close()
		go sq.Run(ctx)
		go pruneArchive(ctx, sq, cfg.AuditRetention(), logger)
		archive = sq
	}

	var auditor *auth.Auditor
	if cfg.AuditEnabled {
		auditor = auth.NewAuditor(rdb, cfg.AuditRetention(), archive, logger)
	}

	verifier, err := auth.NewVerifier(auth.Config{
		Secret:        cfg.AuthJWTSecret,
		JWKSURL:       cfg.AuthJWKSURL,
		Audience:      cfg.AuthAudience,
		Issuer:        cfg.AuthIssuer,
		Leeway:        cfg.AuthLeeway(),
		RequireTenant: cfg.AuthRequireTenant,
		Production:    cfg.Production(),
	}, jti, auditor, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("verifier init failed")
	}

	gw := gateway.NewServer(b, lim, verifier, m, logger, gateway.Options{
		HeartbeatInterval:    cfg.HeartbeatInterval,
		QueueCapacity:        cfg.QueueCapacity,
		CORSOrigin:           cfg.CORSOrigin,
		AllowedTopics:        cfg.AllowedTopics,
		PublisherEnabled:     cfg.PublisherEnabled,
		DevPublishEnabled:    cfg.DevPublishEnabled,
		DevPublishToken:      cfg.DevPublishToken,
		DevPublishTOTPSecret: cfg.DevPublishTOTPSecret,
	})

	if redisUp {
		bridge := ingest.NewPubSubBridge(rdb, b, cfg.IngestRedisPrefix, logger)
		go bridge.Run(ctx)
	}
	if cfg.NATSURL != "" {
		nb, err := ingest.NewNATSBridge(cfg.NATSURL, b, cfg.NATSSubjectPrefix, logger)
		if err != nil {
			logger.Fatal().Err(err).Str("url", cfg.NATSURL).Msg("nats connect failed")
		}
		defer nb.Close()
		go nb.Run(ctx)
	}

	if cfg.ProducerEnabled {
		moon := producer.NewMoon(b, cfg.ProducerTopic, cfg.ProducerInterval, logger)
		go moon.Run(ctx)
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           gw.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux()}

	go func() {
		logger.Info().Str("addr", cfg.MetricsAddr).Msg("metrics server listening")
		if err := metricsSrv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server error")
		}
	}()
	go func() {
		logger.Info().Str("addr", cfg.Addr).Msg("gateway listening")
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info().Msg("shutting down")

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	srv.Shutdown(shutdownCtx)
	metricsSrv.Shutdown(shutdownCtx)
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	var logger zerolog.Logger
	if cfg.LogFormat == "console" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(level).With().Timestamp().Logger()
}

func metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// sweepTenants garbage-collects idle tenants on a fraction of the TTL so
// eviction lag stays small relative to the threshold.
func sweepTenants(ctx context.Context, lim *limits.Limiter, ttl time.Duration) {
	interval := ttl / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			lim.Sweep()
		}
	}
}

func pruneArchive(ctx context.Context, sq *auth.SQLiteArchive, retention time.Duration, logger zerolog.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := sq.Prune(retention); err != nil {
				logger.Warn().Err(err).Msg("archive prune failed")
			}
		}
	}
}
