package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/Emmyhack/osem-sub002/internal/alert"
	"github.com/Emmyhack/osem-sub002/internal/cache"
	"github.com/Emmyhack/osem-sub002/internal/chain/ratelimit"
	"github.com/Emmyhack/osem-sub002/internal/chain/solana"
	"github.com/Emmyhack/osem-sub002/internal/chain/solana/rpc"
	"github.com/Emmyhack/osem-sub002/internal/config"
	"github.com/Emmyhack/osem-sub002/internal/pipeline"
	"github.com/Emmyhack/osem-sub002/internal/pipeline/delivery"
	"github.com/Emmyhack/osem-sub002/internal/pipeline/reconciler"
	"github.com/Emmyhack/osem-sub002/internal/pipeline/retry"
	"github.com/Emmyhack/osem-sub002/internal/sink"
	"github.com/Emmyhack/osem-sub002/internal/store"
	"github.com/Emmyhack/osem-sub002/internal/store/postgres"
	redispkg "github.com/Emmyhack/osem-sub002/internal/store/redis"
	"github.com/Emmyhack/osem-sub002/internal/tracing"
)

const (
	serviceName     = "oseme-indexer"
	shutdownTimeout = 5 * time.Second
)

type indexerStatus interface {
	Healthy() bool
	Stats() pipeline.Stats
}

// backends holds the optional stores the sinks are built on.
type backends struct {
	db      *postgres.DB
	redis   *redispkg.Client
	closers []io.Closer
}

func (b *backends) Close(logger *slog.Logger) {
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i].Close(); err != nil {
			logger.Warn("close failed", "error", err)
		}
	}
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(cfg.Log.Level)}))
	slog.SetDefault(logger)

	logger.Info("starting "+serviceName,
		"solana_rpc", cfg.Solana.RPCURL,
		"solana_ws", cfg.Solana.WSURL,
		"commitment", cfg.Solana.Commitment,
		"programs", len(cfg.Programs),
		"webhook", cfg.Backend.WebhookURL(),
		"reconcile_interval", cfg.Reconcile.Interval,
	)

	shutdownTracing, err := tracing.Init(context.Background(), serviceName, cfg.Tracing.Endpoint, cfg.Tracing.Insecure, cfg.Tracing.SampleRatio)
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("tracing shutdown error", "error", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b, err := openBackends(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open backends", "error", err)
		os.Exit(1)
	}
	defer b.Close(logger)

	sinks, err := buildSinks(ctx, cfg, b, logger)
	if err != nil {
		logger.Error("failed to build sinks", "error", err)
		os.Exit(1)
	}

	var cursors reconciler.CursorStore
	if b.db != nil {
		cursors = postgres.NewCursorRepo(b.db)
	}

	limiter := ratelimit.NewLimiter(cfg.Solana.RateLimitRPS, cfg.Solana.RateLimitBurst, cfg.Solana.RPCURL)
	source := solana.NewAdapter(rpc.NewClient(cfg.Solana.RPCURL, cfg.Solana.Commitment, logger, rpc.WithTimeout(cfg.Solana.RPCTimeout)), logger,
		solana.WithRateLimit(limiter),
		solana.WithProgramLabels(cfg.ProgramLabels()),
	)

	ix, err := pipeline.NewIndexer(indexerConfig(cfg), pipeline.Deps{
		Stream:  solana.NewStream(cfg.Solana.WSURL, cfg.Solana.Commitment, logger),
		Source:  source,
		Sinks:   sinks,
		Cursors: cursors,
		Alerter: buildAlerter(cfg, logger),
		Logger:  logger,
	})
	if err != nil {
		logger.Error("failed to build indexer", "error", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return runHealthServer(gCtx, cfg.Server.HealthPort, newHTTPHandler(ix, logger), logger)
	})

	g.Go(func() error {
		if err := ix.Start(gCtx); err != nil {
			return fmt.Errorf("start indexer: %w", err)
		}
		<-gCtx.Done()
		ix.Stop()
		return nil
	})

	if b.db != nil {
		g.Go(func() error {
			b.db.ReportPoolStats(gCtx, 15*time.Second)
			return nil
		})
	}

	g.Go(func() error {
		select {
		case sig := <-sigCh:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
			return nil
		case <-gCtx.Done():
			return nil
		}
	})

	if err := g.Wait(); err != nil {
		logger.Error("indexer exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info(serviceName + " stopped")
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func indexerConfig(cfg *config.Config) pipeline.Config {
	return pipeline.Config{
		Programs: cfg.Programs,
		SubscribeBackoff: retry.Backoff{
			Initial: cfg.Subscription.BackoffInitial,
			Max:     cfg.Subscription.BackoffMax,
		},
		SinkTimeout:       cfg.Delivery.SinkTimeout,
		SinkQueueSize:     cfg.Delivery.SinkQueueSize,
		ReconcileInterval: cfg.Reconcile.Interval,
		MaxSlotSpan:       cfg.Reconcile.MaxSlotSpan,
		StartSlot:         cfg.Reconcile.StartSlot,
	}
}

func openBackends(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*backends, error) {
	b := &backends{}

	if cfg.DB.URL != "" {
		db, err := postgres.New(postgres.Config{
			URL:             cfg.DB.URL,
			MaxOpenConns:    cfg.DB.MaxOpenConns,
			MaxIdleConns:    cfg.DB.MaxIdleConns,
			ConnMaxLifetime: cfg.DB.ConnMaxLifetime,
		})
		if err != nil {
			return nil, fmt.Errorf("connect database: %w", err)
		}
		b.db = db
		b.closers = append(b.closers, db)
		if err := db.RunMigrations(ctx, cfg.DB.MigrationsDir); err != nil {
			b.Close(logger)
			return nil, fmt.Errorf("run migrations: %w", err)
		}
		logger.Info("connected to database")
	} else {
		logger.Warn("DB_URL not set; store sink disabled and reconcile cursor kept in memory")
	}

	if cfg.Redis.URL != "" {
		client, err := redispkg.NewClient(ctx, cfg.Redis.URL)
		if err != nil {
			b.Close(logger)
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		b.redis = client
		b.closers = append(b.closers, client)
		logger.Info("connected to redis")
	}
	return b, nil
}

// buildSinks returns the sinks in invocation order. Store, notifier and
// webhook mirror the backend contract; kafka and archive are optional.
func buildSinks(ctx context.Context, cfg *config.Config, b *backends, logger *slog.Logger) ([]delivery.Sink, error) {
	var sinks []delivery.Sink

	if b.db != nil {
		schemas, err := sink.NewSchemaValidator()
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, sink.NewStoreSink(postgres.NewEventRepo(b.db), schemas, logger))
	}

	var dedup store.DedupStore = cache.NewDedupSet(cfg.Alert.Dedup.Capacity, cfg.Alert.Dedup.TTL)
	notifierOpts := []sink.NotifierOption{
		sink.WithDedupTTL(cfg.Alert.Dedup.TTL),
		sink.WithNotifierLogger(logger),
	}
	if b.redis != nil {
		dedup = b.redis.DedupStore(redispkg.DefaultDedupPrefix)
		notifierOpts = append(notifierOpts, sink.WithPublisher(b.redis.Publisher(cfg.Redis.NotifyChannel)))
	}
	if b.db != nil {
		notifierOpts = append(notifierOpts, sink.WithNotificationRepository(postgres.NewNotificationRepo(b.db)))
	}
	sinks = append(sinks, sink.NewNotifierSink(dedup, notifierOpts...))

	sinks = append(sinks, sink.NewWebhookSink(cfg.Backend.WebhookURL(),
		sink.WithHTTPClient(&http.Client{Timeout: cfg.Backend.Timeout}),
		sink.WithSigningSecret(cfg.Backend.SigningSecret),
		sink.WithWebhookLogger(logger),
	))

	if len(cfg.Kafka.Brokers) > 0 {
		k, err := sink.NewKafkaSink(sink.KafkaConfig{
			Brokers:      cfg.Kafka.Brokers,
			Topic:        cfg.Kafka.Topic,
			RequiredAcks: cfg.Kafka.RequiredAcks,
		})
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, k)
		sinks = append(sinks, k)
	}

	if cfg.Archive.Bucket != "" {
		a, err := sink.NewArchiveSink(ctx, sink.ArchiveConfig{
			Bucket:   cfg.Archive.Bucket,
			Region:   cfg.Archive.Region,
			Endpoint: cfg.Archive.Endpoint,
			Prefix:   cfg.Archive.Prefix,
		})
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, a)
	}
	return sinks, nil
}

func buildAlerter(cfg *config.Config, logger *slog.Logger) alert.Alerter {
	var channels []alert.Alerter
	if cfg.Alert.SlackWebhookURL != "" {
		channels = append(channels, alert.NewSlackAlerter(cfg.Alert.SlackWebhookURL))
	}
	if cfg.Alert.WebhookURL != "" {
		channels = append(channels, alert.NewWebhookAlerter(cfg.Alert.WebhookURL))
	}
	if len(channels) == 0 {
		channels = append(channels, alert.NewLogAlerter(logger))
	}
	return alert.NewMultiAlerter(cfg.Alert.Cooldown, logger, channels...)
}

func newHTTPHandler(ix indexerStatus, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		status, body := http.StatusOK, "ok"
		if !ix.Healthy() {
			status, body = http.StatusServiceUnavailable, "unhealthy"
		}
		w.WriteHeader(status)
		if _, err := w.Write([]byte(body)); err != nil {
			logger.Warn("failed to write health response", "error", err)
		}
	})
	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(ix.Stats()); err != nil {
			logger.Warn("failed to write stats response", "error", err)
		}
	})
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

func runHealthServer(ctx context.Context, port int, handler http.Handler, logger *slog.Logger) error {
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("health server shutdown error", "error", err)
		}
	}()

	logger.Info("health server started", "port", port)
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("health server: %w", err)
	}
	return nil
}
