package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"domainflow/internal/observability"

	"github.com/joho/godotenv"
)

// HTTPConfig holds the webhook API listener and its rate limit.
type HTTPConfig struct {
	Addr              string
	RateLimitInterval time.Duration
	RateLimitBurst    int
	DefaultCurrency   string
}

// RedisConfig holds Redis connection and behavior settings.
type RedisConfig struct {
	URL                string
	QueuePrefix        string
	DialTimeout        *time.Duration
	ReadTimeout        *time.Duration
	WriteTimeout       *time.Duration
	PoolSize           *int
	MinIdleConns       *int
	MaxRetries         *int
	HealthcheckTimeout time.Duration
	EnableOTel         bool
	TLSConfig          *tls.Config
}

// GRPCConfig holds the health server listener and its ingress rate limit.
type GRPCConfig struct {
	Addr              string
	RateLimitInterval time.Duration
	RateLimitBurst    int
}

// ObservabilityConfig holds the HTTP address for the metrics endpoint.
type ObservabilityConfig struct {
	Addr string
}

// DatabaseConfig holds the Postgres DSN. An empty URL selects in-memory stores.
type DatabaseConfig struct {
	URL string
}

// WorkflowConfig tunes reconciliation, the saga and the retry worker.
type WorkflowConfig struct {
	SagaDeadline       time.Duration
	BackgroundBudget   time.Duration
	PollInterval       time.Duration
	MaxAttempts        int
	Retention          time.Duration
	AttemptTimeout     time.Duration
	OrderTTL           time.Duration
	StallAfter         time.Duration
	DefaultNameservers []string
	RegistrationYears  int
	ReplayTTL          time.Duration
	OperatorAccountID  string
}

// KafkaConfig holds the notification producer settings. No brokers disables it.
type KafkaConfig struct {
	Brokers  []string
	Topic    string
	ClientID string
}

// Enabled reports whether notifications should be produced to Kafka.
func (c KafkaConfig) Enabled() bool { return len(c.Brokers) > 0 }

// ReviewConfig holds where manual-review escalations are journaled.
type ReviewConfig struct {
	JournalPath string
}

// LoadDotenv loads variables from the given files, skipping files that do not exist.
// Variables already set in the environment win.
func LoadDotenv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	var existing []string
	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			existing = append(existing, path)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	if err := godotenv.Load(existing...); err != nil {
		return fmt.Errorf("load env files: %w", err)
	}
	return nil
}

// Environment returns APP_ENV, defaulting to development.
func Environment() string {
	if env := strings.TrimSpace(os.Getenv("APP_ENV")); env != "" {
		return env
	}
	return "development"
}

// LoadHTTP reads the webhook API settings from env.
func LoadHTTP() (HTTPConfig, error) {
	cfg := HTTPConfig{
		Addr:            stringOr("HTTP_ADDR", ":8080"),
		DefaultCurrency: stringOr("DEFAULT_CURRENCY", "USD"),
	}
	var err error
	if cfg.RateLimitInterval, err = durationOr("HTTP_RATE_LIMIT_INTERVAL", 0); err != nil {
		return cfg, err
	}
	if cfg.RateLimitBurst, err = intOr("HTTP_RATE_LIMIT_BURST", 0); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadRedis reads Redis config from env.
func LoadRedis() (RedisConfig, error) {
	cfg := RedisConfig{
		QueuePrefix: stringOr("RETRY_QUEUE_PREFIX", "domainflow:retry"),
	}

	url, err := requiredString("REDIS_URL")
	if err != nil {
		return cfg, err
	}
	cfg.URL = url

	if cfg.DialTimeout, err = optionalDuration("REDIS_DIAL_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.ReadTimeout, err = optionalDuration("REDIS_READ_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.WriteTimeout, err = optionalDuration("REDIS_WRITE_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.PoolSize, err = optionalInt("REDIS_POOL_SIZE"); err != nil {
		return cfg, err
	}
	if cfg.MinIdleConns, err = optionalInt("REDIS_MIN_IDLE_CONNS"); err != nil {
		return cfg, err
	}
	if cfg.MaxRetries, err = optionalInt("REDIS_MAX_RETRIES"); err != nil {
		return cfg, err
	}
	if cfg.HealthcheckTimeout, err = durationOr("REDIS_HEALTHCHECK_TIMEOUT", 2*time.Second); err != nil {
		return cfg, err
	}
	if cfg.EnableOTel, err = optionalBool("REDIS_OTEL"); err != nil {
		return cfg, err
	}
	if cfg.TLSConfig, err = loadRedisTLSFromEnv(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// LoadGRPC reads the gRPC listener and its rate limit from env.
func LoadGRPC() (GRPCConfig, error) {
	cfg := GRPCConfig{Addr: stringOr("GRPC_ADDR", ":50051")}
	var err error
	if cfg.RateLimitInterval, err = durationOr("GRPC_RATE_LIMIT_INTERVAL", 0); err != nil {
		return cfg, err
	}
	if cfg.RateLimitBurst, err = intOr("GRPC_RATE_LIMIT_BURST", 0); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadObservability reads metrics HTTP server address from env.
func LoadObservability() (ObservabilityConfig, error) {
	addr, err := requiredString("OBS_ADDR")
	if err != nil {
		return ObservabilityConfig{}, err
	}
	return ObservabilityConfig{Addr: addr}, nil
}

// LoadDatabase reads DATABASE_URL.
func LoadDatabase() DatabaseConfig {
	return DatabaseConfig{URL: strings.TrimSpace(os.Getenv("DATABASE_URL"))}
}

// LoadWorkflow reads saga, reconciliation and retry settings from env.
func LoadWorkflow() (WorkflowConfig, error) {
	cfg := WorkflowConfig{
		DefaultNameservers: stringList("DEFAULT_NAMESERVERS"),
		OperatorAccountID:  stringOr("OPERATOR_ACCOUNT_ID", "operator"),
	}
	var err error
	if cfg.SagaDeadline, err = durationOr("SAGA_DEADLINE", 25*time.Second); err != nil {
		return cfg, err
	}
	if cfg.BackgroundBudget, err = durationOr("SAGA_BACKGROUND_BUDGET", 0); err != nil {
		return cfg, err
	}
	if cfg.PollInterval, err = durationOr("RETRY_POLL_INTERVAL", 30*time.Second); err != nil {
		return cfg, err
	}
	if cfg.MaxAttempts, err = intOr("RETRY_MAX_ATTEMPTS", 3); err != nil {
		return cfg, err
	}
	if cfg.Retention, err = durationOr("RETRY_RETENTION", 24*time.Hour); err != nil {
		return cfg, err
	}
	if cfg.AttemptTimeout, err = durationOr("RETRY_ATTEMPT_TIMEOUT", 0); err != nil {
		return cfg, err
	}
	if cfg.OrderTTL, err = durationOr("ORDER_TTL", 24*time.Hour); err != nil {
		return cfg, err
	}
	if cfg.StallAfter, err = durationOr("STALL_AFTER", 15*time.Minute); err != nil {
		return cfg, err
	}
	if cfg.RegistrationYears, err = intOr("REGISTRATION_YEARS", 1); err != nil {
		return cfg, err
	}
	if cfg.ReplayTTL, err = durationOr("REPLAY_CACHE_TTL", 10*time.Minute); err != nil {
		return cfg, err
	}
	if cfg.SagaDeadline == 0 {
		return cfg, errors.New("SAGA_DEADLINE must be > 0")
	}
	if cfg.MaxAttempts == 0 {
		return cfg, errors.New("RETRY_MAX_ATTEMPTS must be > 0")
	}
	return cfg, nil
}

// LoadKafka reads the optional notification producer settings from env.
func LoadKafka() KafkaConfig {
	return KafkaConfig{
		Brokers:  stringList("KAFKA_BROKERS"),
		Topic:    stringOr("KAFKA_NOTIFY_TOPIC", "domainflow.notifications"),
		ClientID: stringOr("KAFKA_CLIENT_ID", "domainflow"),
	}
}

// LoadTracing reads the optional OTLP exporter settings from env.
func LoadTracing() (observability.TracingConfig, error) {
	cfg := observability.TracingConfig{
		ExporterURL: strings.TrimSpace(os.Getenv("OTEL_EXPORTER_URL")),
		ServiceName: stringOr("OTEL_SERVICE_NAME", "domainflow"),
		Environment: Environment(),
		SampleRate:  1,
	}
	if raw := strings.TrimSpace(os.Getenv("OTEL_SAMPLE_RATE")); raw != "" {
		rate, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return cfg, fmt.Errorf("OTEL_SAMPLE_RATE: %w", err)
		}
		if rate < 0 || rate > 1 {
			return cfg, errors.New("OTEL_SAMPLE_RATE must be within [0, 1]")
		}
		cfg.SampleRate = rate
	}
	insecure, err := optionalBool("OTEL_EXPORTER_INSECURE")
	if err != nil {
		return cfg, err
	}
	cfg.Insecure = insecure
	return cfg, nil
}

// LoadReview reads where manual-review escalations are journaled.
func LoadReview() ReviewConfig {
	return ReviewConfig{JournalPath: stringOr("REVIEW_JOURNAL_PATH", "review.jsonl")}
}

func loadRedisTLSFromEnv() (*tls.Config, error) {
	caFile := strings.TrimSpace(os.Getenv("REDIS_TLS_CA_FILE"))
	certFile := strings.TrimSpace(os.Getenv("REDIS_TLS_CERT_FILE"))
	keyFile := strings.TrimSpace(os.Getenv("REDIS_TLS_KEY_FILE"))
	serverName := strings.TrimSpace(os.Getenv("REDIS_TLS_SERVER_NAME"))
	insecureStr := strings.TrimSpace(os.Getenv("REDIS_TLS_INSECURE_SKIP_VERIFY"))

	if caFile == "" && certFile == "" && keyFile == "" && serverName == "" && insecureStr == "" {
		return nil, nil
	}
	if (certFile == "") != (keyFile == "") {
		return nil, errors.New("REDIS_TLS_CERT_FILE and REDIS_TLS_KEY_FILE must be set together")
	}

	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: serverName,
	}

	if insecureStr != "" {
		insecure, err := strconv.ParseBool(insecureStr)
		if err != nil {
			return nil, fmt.Errorf("REDIS_TLS_INSECURE_SKIP_VERIFY: %w", err)
		}
		tlsConfig.InsecureSkipVerify = insecure
	}

	if caFile != "" {
		pemData, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("read REDIS_TLS_CA_FILE: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, errors.New("REDIS_TLS_CA_FILE contains no valid certificates")
		}
		tlsConfig.RootCAs = pool
	}

	if certFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("load redis TLS keypair: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

func optionalDuration(name string) (*time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil, nil
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return nil, fmt.Errorf("%s must be >= 0", name)
	}
	return &val, nil
}

func optionalInt(name string) (*int, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return nil, fmt.Errorf("%s must be >= 0", name)
	}
	return &val, nil
}

func optionalBool(name string) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return false, nil
	}
	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%s: %w", name, err)
	}
	return val, nil
}

func durationOr(name string, fallback time.Duration) (time.Duration, error) {
	val, err := optionalDuration(name)
	if err != nil || val == nil {
		return fallback, err
	}
	return *val, nil
}

func intOr(name string, fallback int) (int, error) {
	val, err := optionalInt(name)
	if err != nil || val == nil {
		return fallback, err
	}
	return *val, nil
}

func stringOr(name, fallback string) string {
	if raw := strings.TrimSpace(os.Getenv(name)); raw != "" {
		return raw
	}
	return fallback
}

// stringList splits a comma separated variable, dropping empty items.
func stringList(name string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(name), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func requiredString(name string) (string, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return "", fmt.Errorf("%s is required", name)
	}
	return raw, nil
}
