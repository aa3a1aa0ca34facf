package httpapi

import (
	"context"
	"net/http"
	"time"

	"domainflow/internal/observability"
	"domainflow/internal/orders"
	"domainflow/internal/payments"
	"domainflow/internal/retryqueue"
	"domainflow/internal/saga"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/govalues/decimal"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

// Ingestor applies payment notifications to orders and wallets.
type Ingestor interface {
	Ingest(ctx context.Context, orderID string, n payments.Notification) (payments.Outcome, error)
	TopUp(ctx context.Context, accountID string, n payments.Notification) (payments.Outcome, error)
	PayFromWallet(ctx context.Context, orderID string) (payments.Outcome, error)
}

// QueueStatus reports retry queue partition sizes.
type QueueStatus interface {
	Status(ctx context.Context) (retryqueue.Counts, error)
}

// Balances reads wallet balances.
type Balances interface {
	Balance(ctx context.Context, accountID string) (decimal.Decimal, error)
}

// SagaHistory lists the saga executions of an order.
type SagaHistory interface {
	ListByOrder(ctx context.Context, orderID string) ([]saga.Execution, error)
}

// Deps are the services behind the HTTP API. Sagas and Events are optional.
type Deps struct {
	Payments Ingestor
	Orders   orders.Store
	Queue    QueueStatus
	Wallets  Balances
	Sagas    SagaHistory
	Events   http.Handler
	Limiter  RateLimiter
	Logger   *zap.Logger
	Metrics  *observability.Metrics
}

// Config tunes the API.
type Config struct {
	DefaultCurrency string
	Now             func() time.Time
	NewID           func() string
}

type api struct {
	deps Deps
	cfg  Config
}

// NewRouter builds the gin engine serving the webhook and the order API.
func NewRouter(deps Deps, cfg Config) *gin.Engine {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	if cfg.DefaultCurrency == "" {
		cfg.DefaultCurrency = "USD"
	}
	a := &api{deps: deps, cfg: cfg}

	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(deps.Logger))

	router.GET("/health", a.handleHealth)

	limited := router.Group("/", rateLimit(deps.Limiter, deps.Metrics))
	{
		limited.GET("/webhook/:provider/:orderID", a.handleWebhook)
		limited.POST("/webhook/:provider/:orderID", a.handleWebhook)
		limited.GET("/topup/:provider/:accountID", a.handleTopUp)
		limited.POST("/topup/:provider/:accountID", a.handleTopUp)
		limited.GET("/queue/status", a.handleQueueStatus)
		limited.GET("/wallet/:accountID/balance", a.handleBalance)
		limited.POST("/orders", a.handleCreateOrder)
		limited.GET("/orders/:orderID", a.handleGetOrder)
	}
	if deps.Events != nil {
		router.GET("/ws/orders", gin.WrapH(deps.Events))
	}
	return router
}

// Handler wraps the router with OpenTelemetry HTTP instrumentation.
func Handler(router http.Handler) http.Handler {
	return otelhttp.NewHandler(router, "domainflow-http")
}
