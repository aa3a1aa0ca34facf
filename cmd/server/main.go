package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"domainflow/cmd/server/config"
	"domainflow/internal/adapters/httpapi"
	"domainflow/internal/observability"
	"domainflow/internal/orders"
	"domainflow/internal/payments"
	"domainflow/internal/realtime"
	"domainflow/internal/retryqueue"
	"domainflow/internal/review"
	"domainflow/internal/saga"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	grpcpkg "google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

const shutdownTimeout = 10 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := config.LoadDotenv(); err != nil {
		log.Fatalf("config error: %v", err)
	}
	logger, err := newLogger(config.Environment())
	if err != nil {
		log.Fatalf("logger error: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(ctx, logger); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}

func run(ctx context.Context, logger *zap.Logger) error {
	env := config.Environment()
	httpCfg, err := config.LoadHTTP()
	if err != nil {
		return err
	}
	grpcCfg, err := config.LoadGRPC()
	if err != nil {
		return err
	}
	obsCfg, err := config.LoadObservability()
	if err != nil {
		return err
	}
	redisCfg, err := config.LoadRedis()
	if err != nil {
		return err
	}
	workflow, err := config.LoadWorkflow()
	if err != nil {
		return err
	}
	tracingCfg, err := config.LoadTracing()
	if err != nil {
		return err
	}

	shutdownTracer, err := observability.InitTracer(ctx, tracingCfg)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Warn("tracer shutdown", zap.Error(err))
		}
	}()

	metrics := observability.NewMetrics()

	stores, closeStores, err := buildStores(ctx, config.LoadDatabase(), logger)
	if err != nil {
		return err
	}
	defer closeStores()

	hub := realtime.NewHub(256, logger.Named("realtime"))
	orderStore := orders.NewFanoutStore(stores.orders, hub)

	journal, err := review.Open(config.LoadReview().JournalPath)
	if err != nil {
		return err
	}
	defer func() { _ = journal.Close() }()

	notifier, closeNotifier, err := buildNotifier(config.LoadKafka(), logger.Named("notify"))
	if err != nil {
		return err
	}
	defer closeNotifier()

	registrar, dns, err := buildRegistrarClients(saga.NewSandboxRegistrar(), saga.NewSandboxDNS(workflow.DefaultNameservers))
	if err != nil {
		return err
	}
	coordinator := saga.NewCoordinator(saga.Deps{
		Orders:    orderStore,
		Sagas:     stores.sagas,
		Registrar: registrar,
		DNS:       dns,
		Records:   stores.records,
		Notifier:  notifier,
		Review:    journal,
		Logger:    logger.Named("saga"),
	}, saga.Config{
		DefaultNameservers: workflow.DefaultNameservers,
		RegistrationYears:  workflow.RegistrationYears,
	})

	redisClient, err := buildRedisClient(ctx, redisCfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = redisClient.Close() }()
	queue := retryqueue.New(redisClient, retryqueue.Config{
		Prefix:      redisCfg.QueuePrefix,
		MaxAttempts: workflow.MaxAttempts,
	})

	paymentsSvc := payments.NewService(payments.Deps{
		Orders:   orderStore,
		Receipts: stores.receipts,
		Ledger:   stores.ledger,
		Saga:     coordinator,
		Queue:    queue,
		Notifier: notifier,
		Review:   journal,
		Logger:   logger.Named("payments"),
		Metrics:  metrics,
	}, payments.Config{
		Deadline:          workflow.SagaDeadline,
		BackgroundBudget:  workflow.BackgroundBudget,
		ReplayTTL:         workflow.ReplayTTL,
		OperatorAccountID: workflow.OperatorAccountID,
	})

	worker := retryqueue.NewWorker(queue, paymentsSvc, paymentsSvc, paymentsSvc, retryqueue.WorkerConfig{
		PollInterval:   workflow.PollInterval,
		Retention:      workflow.Retention,
		AttemptTimeout: workflow.AttemptTimeout,
		OrderTTL:       workflow.OrderTTL,
		StallAfter:     workflow.StallAfter,
	}, logger.Named("retry"), metrics)

	if env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := httpapi.NewRouter(httpapi.Deps{
		Payments: paymentsSvc,
		Orders:   orderStore,
		Queue:    queue,
		Wallets:  stores.ledger,
		Sagas:    stores.sagas,
		Events:   http.HandlerFunc(hub.ServeWS),
		Limiter:  saga.NewRateLimiter(httpCfg.RateLimitInterval, httpCfg.RateLimitBurst).OnWait(metrics.AddRateLimitWait),
		Logger:   logger.Named("http"),
		Metrics:  metrics,
	}, httpapi.Config{DefaultCurrency: httpCfg.DefaultCurrency})
	httpSrv := &http.Server{
		Addr:              httpCfg.Addr,
		Handler:           httpapi.Handler(router),
		ReadHeaderTimeout: 10 * time.Second,
	}

	grpcLimiter := saga.NewRateLimiter(grpcCfg.RateLimitInterval, grpcCfg.RateLimitBurst).OnWait(metrics.AddRateLimitWait)
	grpcServer := grpcpkg.NewServer(
		grpcpkg.UnaryInterceptor(rateLimitUnaryInterceptor(grpcLimiter, metrics, logger.Named("grpc"))),
		grpcpkg.StreamInterceptor(rateLimitStreamInterceptor(grpcLimiter, metrics, logger.Named("grpc"))),
	)
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	if env != "production" {
		reflection.Register(grpcServer)
		logger.Info("gRPC reflection enabled", zap.String("env", env))
	}
	lis, err := net.Listen("tcp", grpcCfg.Addr)
	if err != nil {
		return err
	}

	obsMux := http.NewServeMux()
	obsMux.Handle("/metrics", observability.Handler(metrics,
		observability.Probe{Name: "retry_queue", Collect: func(ctx context.Context) (any, error) {
			return queue.Status(ctx)
		}},
		observability.Probe{Name: "realtime", Collect: func(context.Context) (any, error) {
			return map[string]int64{"clients": hub.Clients(), "dropped": hub.Dropped()}, nil
		}},
		observability.Probe{Name: "breakers", Collect: func(context.Context) (any, error) {
			return map[string]saga.BreakerState{"registrar": registrar.BreakerState(), "dns": dns.BreakerState()}, nil
		}},
	))
	obsSrv := &http.Server{Addr: obsCfg.Addr, Handler: obsMux, ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hub.Run(gctx) })
	g.Go(func() error { return worker.Run(gctx) })
	g.Go(func() error {
		logger.Info("http server listening", zap.String("addr", httpCfg.Addr))
		return serveHTTP(httpSrv)
	})
	g.Go(func() error {
		logger.Info("metrics server listening", zap.String("addr", obsCfg.Addr))
		return serveHTTP(obsSrv)
	})
	g.Go(func() error {
		logger.Info("grpc server listening", zap.String("addr", grpcCfg.Addr))
		return grpcServer.Serve(lis)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		metrics.MarkShutdown(metrics.Snapshot().InFlight)
		healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := errors.Join(httpSrv.Shutdown(shutdownCtx), obsSrv.Shutdown(shutdownCtx))
		grpcServer.GracefulStop()
		return err
	})

	return g.Wait()
}

func serveHTTP(srv *http.Server) error {
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
