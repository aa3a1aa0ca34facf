package main

import (
	"context"
	"fmt"

	"domainflow/cmd/server/config"
	ordersdb "domainflow/internal/db/orders"
	"domainflow/internal/ledger"
	"domainflow/internal/notify"
	"domainflow/internal/orders"
	"domainflow/internal/payments"
	"domainflow/internal/saga"

	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var openDB = ordersdb.Open

// storeSet is the persistence layer shared by the saga, reconciliation and the API.
type storeSet struct {
	orders   orders.Store
	receipts payments.ReceiptStore
	sagas    saga.Store
	ledger   ledger.Ledger
	records  saga.RecordStore
}

// buildStores connects to Postgres when DATABASE_URL is set and falls back to in-memory stores.
func buildStores(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (storeSet, func(), error) {
	if cfg.URL == "" {
		logger.Warn("DATABASE_URL not set, using in-memory stores")
		return storeSet{
			orders:   orders.NewInMemoryStore(),
			receipts: payments.NewInMemoryReceipts(),
			sagas:    saga.NewInMemoryStore(),
			ledger:   ledger.NewInMemory(),
			records:  saga.NewInMemoryRecordStore(),
		}, func() {}, nil
	}

	db, err := openDB(ctx, cfg.URL)
	if err != nil {
		return storeSet{}, nil, err
	}
	stores, err := ordersdb.NewStoresWithSchema(ctx, db)
	if err != nil {
		_ = db.Close()
		return storeSet{}, nil, fmt.Errorf("init schema: %w", err)
	}
	cleanup := func() {
		if err := db.Close(); err != nil {
			logger.Warn("close postgres", zap.Error(err))
		}
	}
	return storeSet{
		orders:   stores.Orders,
		receipts: stores.Receipts,
		sagas:    stores.Sagas,
		ledger:   stores.Ledger,
		records:  stores.Records,
	}, cleanup, nil
}

func buildRedisClient(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, err
	}
	if cfg.DialTimeout != nil {
		opts.DialTimeout = *cfg.DialTimeout
	}
	if cfg.ReadTimeout != nil {
		opts.ReadTimeout = *cfg.ReadTimeout
	}
	if cfg.WriteTimeout != nil {
		opts.WriteTimeout = *cfg.WriteTimeout
	}
	if cfg.PoolSize != nil {
		opts.PoolSize = *cfg.PoolSize
	}
	if cfg.MinIdleConns != nil {
		opts.MinIdleConns = *cfg.MinIdleConns
	}
	if cfg.MaxRetries != nil {
		opts.MaxRetries = *cfg.MaxRetries
	}
	if cfg.TLSConfig != nil {
		opts.TLSConfig = cfg.TLSConfig
	}

	client := redis.NewClient(opts)
	if cfg.EnableOTel {
		if err := redisotel.InstrumentTracing(client); err != nil {
			_ = client.Close()
			return nil, err
		}
		if err := redisotel.InstrumentMetrics(client); err != nil {
			_ = client.Close()
			return nil, err
		}
	}

	pingCtx := ctx
	if cfg.HealthcheckTimeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, cfg.HealthcheckTimeout)
		defer cancel()
	}
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	logger.Info("redis connected", zap.String("addr", opts.Addr), zap.Bool("otel", cfg.EnableOTel))
	return client, nil
}

// buildNotifier always logs notifications and also produces them to Kafka when brokers are set.
func buildNotifier(cfg config.KafkaConfig, logger *zap.Logger) (saga.Notifier, func(), error) {
	notifiers := []saga.Notifier{notify.NewLogNotifier(logger)}
	cleanup := func() {}
	if cfg.Enabled() {
		client, err := notify.NewKafkaClient(cfg.Brokers, cfg.Topic, cfg.ClientID)
		if err != nil {
			return nil, nil, err
		}
		notifiers = append(notifiers, notify.NewKafkaNotifier(client, cfg.Topic))
		cleanup = client.Close
		logger.Info("kafka notifications enabled", zap.Strings("brokers", cfg.Brokers), zap.String("topic", cfg.Topic))
	}
	return notify.NewMulti(notifiers...), cleanup, nil
}

// buildRegistrarClients wraps the registrar and DNS clients with their own limiter, breaker and retry.
func buildRegistrarClients(registrar saga.RegistrarClient, dns saga.DNSClient) (*saga.ReliableRegistrar, *saga.ReliableDNS, error) {
	registrarCfg, err := saga.LoadReliabilityConfig("REGISTRAR")
	if err != nil {
		return nil, nil, err
	}
	dnsCfg, err := saga.LoadReliabilityConfig("DNS")
	if err != nil {
		return nil, nil, err
	}
	return saga.NewReliableRegistrar(registrar, registrarCfg.Caller()), saga.NewReliableDNS(dns, dnsCfg.Caller()), nil
}

func newLogger(env string) (*zap.Logger, error) {
	if env == "production" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}
