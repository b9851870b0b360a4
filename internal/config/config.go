package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	solanago "github.com/gagliardetto/solana-go"

	"github.com/Emmyhack/osem-sub002/internal/domain/model"
)

type Config struct {
	Solana       SolanaConfig
	Programs     []model.Program
	Backend      BackendConfig
	Reconcile    ReconcileConfig
	Subscription SubscriptionConfig
	Delivery     DeliveryConfig
	DB           DBConfig
	Redis        RedisConfig
	Kafka        KafkaConfig
	Archive      ArchiveConfig
	Server       ServerConfig
	Log          LogConfig
	Tracing      TracingConfig
	Alert        AlertConfig
}

type SolanaConfig struct {
	RPCURL         string
	WSURL          string
	Commitment     string
	RateLimitRPS   float64
	RateLimitBurst int
	RPCTimeout     time.Duration
}

type BackendConfig struct {
	URL           string
	WebhookPath   string
	SigningSecret string
	Timeout       time.Duration
}

// WebhookURL is the full callback target.
func (b BackendConfig) WebhookURL() string {
	return strings.TrimRight(b.URL, "/") + "/" + strings.TrimLeft(b.WebhookPath, "/")
}

type ReconcileConfig struct {
	Interval    time.Duration
	MaxSlotSpan uint64
	StartSlot   uint64
}

type SubscriptionConfig struct {
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

type DeliveryConfig struct {
	SinkTimeout   time.Duration
	SinkQueueSize int
}

type DBConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	MigrationsDir   string
}

type RedisConfig struct {
	URL           string
	NotifyChannel string
}

type NotifyDedupConfig struct {
	TTL      time.Duration
	Capacity int
}

type KafkaConfig struct {
	Brokers      []string
	Topic        string
	RequiredAcks string
}

type ArchiveConfig struct {
	Bucket   string
	Region   string
	Endpoint string
	Prefix   string
}

type ServerConfig struct {
	HealthPort int
}

type LogConfig struct {
	Level string
}

type TracingConfig struct {
	Endpoint    string
	Insecure    bool
	SampleRatio float64
}

type AlertConfig struct {
	SlackWebhookURL string
	WebhookURL      string
	Cooldown        time.Duration
	Dedup           NotifyDedupConfig
}

func Load() (*Config, error) {
	rpcURL := getEnvFirst("https://api.devnet.solana.com", "SOLANA_RPC_ENDPOINT", "SOLANA_RPC_URL")

	cfg := &Config{
		Solana: SolanaConfig{
			RPCURL:         rpcURL,
			WSURL:          getEnv("SOLANA_WS_ENDPOINT", deriveWSURL(rpcURL)),
			Commitment:     getEnv("SOLANA_COMMITMENT", "confirmed"),
			RateLimitRPS:   getEnvFloat("RPC_RATE_LIMIT_RPS", 10),
			RateLimitBurst: getEnvInt("RPC_RATE_LIMIT_BURST", 20),
			RPCTimeout:     time.Duration(getEnvInt("SOLANA_RPC_TIMEOUT_MS", 30000)) * time.Millisecond,
		},
		Backend: BackendConfig{
			URL:           getEnv("BACKEND_URL", "http://localhost:3000"),
			WebhookPath:   getEnv("WEBHOOK_PATH", "/api/webhooks/solana-events"),
			SigningSecret: getEnv("WEBHOOK_SIGNING_SECRET", ""),
			Timeout:       time.Duration(getEnvInt("WEBHOOK_TIMEOUT_MS", 10000)) * time.Millisecond,
		},
		Reconcile: ReconcileConfig{
			Interval:    time.Duration(getEnvInt("RECONCILE_INTERVAL_MS", 60000)) * time.Millisecond,
			MaxSlotSpan: getEnvUint64("RECONCILE_MAX_SLOT_SPAN", 5000),
			StartSlot:   getEnvUint64("RECONCILE_START_SLOT", 0),
		},
		Subscription: SubscriptionConfig{
			BackoffInitial: time.Duration(getEnvInt("SUBSCRIBE_BACKOFF_INITIAL_MS", 500)) * time.Millisecond,
			BackoffMax:     time.Duration(getEnvInt("SUBSCRIBE_BACKOFF_MAX_MS", 30000)) * time.Millisecond,
		},
		Delivery: DeliveryConfig{
			SinkTimeout:   time.Duration(getEnvInt("SINK_TIMEOUT_MS", 10000)) * time.Millisecond,
			SinkQueueSize: getEnvInt("SINK_QUEUE_SIZE", 1024),
		},
		DB: DBConfig{
			URL:             getEnv("DB_URL", ""),
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 10),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: time.Duration(getEnvInt("DB_CONN_MAX_LIFETIME_MIN", 30)) * time.Minute,
			MigrationsDir:   getEnv("DB_MIGRATIONS_DIR", ""),
		},
		Redis: RedisConfig{
			URL:           getEnv("REDIS_URL", ""),
			NotifyChannel: getEnv("REDIS_NOTIFY_CHANNEL", "oseme:notifications"),
		},
		Kafka: KafkaConfig{
			Brokers:      splitList(getEnv("KAFKA_BROKERS", "")),
			Topic:        getEnv("KAFKA_TOPIC", "oseme.events"),
			RequiredAcks: strings.ToLower(getEnv("KAFKA_REQUIRED_ACKS", "one")),
		},
		Archive: ArchiveConfig{
			Bucket:   getEnv("ARCHIVE_S3_BUCKET", ""),
			Region:   getEnv("ARCHIVE_S3_REGION", "us-east-1"),
			Endpoint: getEnv("ARCHIVE_S3_ENDPOINT", ""),
			Prefix:   getEnv("ARCHIVE_S3_PREFIX", "events/"),
		},
		Server: ServerConfig{
			HealthPort: getEnvInt("HEALTH_PORT", 8080),
		},
		Log: LogConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		Tracing: TracingConfig{
			Endpoint:    getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			Insecure:    getEnvBool("OTEL_INSECURE", true),
			SampleRatio: getEnvFloat("OTEL_SAMPLE_RATIO", 1.0),
		},
		Alert: AlertConfig{
			SlackWebhookURL: getEnv("ALERT_SLACK_WEBHOOK_URL", ""),
			WebhookURL:      getEnv("ALERT_WEBHOOK_URL", ""),
			Cooldown:        time.Duration(getEnvInt("ALERT_COOLDOWN_MS", 1800000)) * time.Millisecond,
			Dedup: NotifyDedupConfig{
				TTL:      time.Duration(getEnvInt("NOTIFY_DEDUP_TTL_SEC", 86400)) * time.Second,
				Capacity: getEnvInt("NOTIFY_DEDUP_CAPACITY", 100000),
			},
		},
	}

	cfg.Programs = programsFromEnv()
	if path := getEnv("PROGRAMS_FILE", ""); path != "" {
		extra, err := LoadProgramsFile(path)
		if err != nil {
			return nil, err
		}
		cfg.Programs = append(cfg.Programs, extra...)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func programsFromEnv() []model.Program {
	var programs []model.Program
	add := func(label string, keys ...string) {
		if id := getEnvFirst("", keys...); id != "" {
			programs = append(programs, model.Program{Label: label, ID: strings.TrimSpace(id)})
		}
	}
	add(model.ProgramLabelGroup, "OSEME_GROUP_PROGRAM_ID", "GROUP_PROGRAM_ID")
	add(model.ProgramLabelTrust, "OSEME_TRUST_PROGRAM_ID", "TRUST_PROGRAM_ID")
	add(model.ProgramLabelTreasury, "OSEME_TREASURY_PROGRAM_ID", "TREASURY_PROGRAM_ID")
	return programs
}

func (c *Config) validate() error {
	if c.Solana.RPCURL == "" {
		return fmt.Errorf("SOLANA_RPC_ENDPOINT is required")
	}
	if c.Solana.WSURL == "" {
		return fmt.Errorf("SOLANA_WS_ENDPOINT is required")
	}

	hasGroup := false
	seen := make(map[string]string, len(c.Programs))
	for _, p := range c.Programs {
		if p.Label == "" {
			return fmt.Errorf("program %q has no label", p.ID)
		}
		if _, err := solanago.PublicKeyFromBase58(p.ID); err != nil {
			return fmt.Errorf("program %s: invalid program id %q: %w", p.Label, p.ID, err)
		}
		if other, dup := seen[p.ID]; dup {
			return fmt.Errorf("program id %s configured twice (%s, %s)", p.ID, other, p.Label)
		}
		seen[p.ID] = p.Label
		if p.Label == model.ProgramLabelGroup {
			hasGroup = true
		}
	}
	if !hasGroup {
		return fmt.Errorf("OSEME_GROUP_PROGRAM_ID is required")
	}

	if c.Backend.URL == "" {
		return fmt.Errorf("BACKEND_URL is required")
	}
	if c.Solana.RPCTimeout <= 0 {
		return fmt.Errorf("SOLANA_RPC_TIMEOUT_MS must be positive")
	}
	if c.Backend.Timeout <= 0 {
		return fmt.Errorf("WEBHOOK_TIMEOUT_MS must be positive")
	}
	if c.Reconcile.Interval <= 0 {
		return fmt.Errorf("RECONCILE_INTERVAL_MS must be positive")
	}
	if c.Reconcile.MaxSlotSpan == 0 {
		return fmt.Errorf("RECONCILE_MAX_SLOT_SPAN must be positive")
	}
	if c.Subscription.BackoffInitial <= 0 || c.Subscription.BackoffMax <= 0 {
		return fmt.Errorf("subscription backoff must be positive")
	}
	if c.Subscription.BackoffInitial > c.Subscription.BackoffMax {
		return fmt.Errorf("SUBSCRIBE_BACKOFF_INITIAL_MS (%s) exceeds SUBSCRIBE_BACKOFF_MAX_MS (%s)",
			c.Subscription.BackoffInitial, c.Subscription.BackoffMax)
	}
	if c.Delivery.SinkTimeout <= 0 {
		return fmt.Errorf("SINK_TIMEOUT_MS must be positive")
	}
	if c.Delivery.SinkQueueSize <= 0 {
		return fmt.Errorf("SINK_QUEUE_SIZE must be positive")
	}
	switch c.Kafka.RequiredAcks {
	case "none", "one", "all":
	default:
		return fmt.Errorf("KAFKA_REQUIRED_ACKS must be one of none|one|all, got %q", c.Kafka.RequiredAcks)
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("OTEL_SAMPLE_RATIO must be within [0, 1]")
	}
	return nil
}

// ProgramLabels maps program id to label.
func (c *Config) ProgramLabels() map[string]string {
	out := make(map[string]string, len(c.Programs))
	for _, p := range c.Programs {
		out[p.ID] = p.Label
	}
	return out
}

func deriveWSURL(rpcURL string) string {
	switch {
	case strings.HasPrefix(rpcURL, "https://"):
		return "wss://" + strings.TrimPrefix(rpcURL, "https://")
	case strings.HasPrefix(rpcURL, "http://"):
		return "ws://" + strings.TrimPrefix(rpcURL, "http://")
	default:
		return rpcURL
	}
}

func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvFirst(fallback string, keys ...string) string {
	for _, key := range keys {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			return v
		}
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvUint64(key string, fallback uint64) uint64 {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.ParseUint(v, 10, 64); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
