package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"domainflow/internal/orders"
	"domainflow/internal/payments"
	"domainflow/internal/saga"

	"github.com/gin-gonic/gin"
	"github.com/govalues/decimal"
)

const maxWebhookBody = 64 << 10

func (a *api) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func (a *api) fail(c *gin.Context, err error) {
	_ = c.Error(err)
	c.JSON(mapError(err), gin.H{"error": err.Error()})
}

func (a *api) handleWebhook(c *gin.Context) {
	orderID := strings.TrimSpace(c.Param("orderID"))
	if orderID == "" {
		a.fail(c, fmt.Errorf("%w: order id is required", payments.ErrInvalidNotification))
		return
	}

	// walletpayment shares the webhook path but carries no provider payload.
	if strings.EqualFold(c.Param("provider"), walletPaymentProvider) {
		outcome, err := a.deps.Payments.PayFromWallet(c.Request.Context(), orderID)
		a.respondOutcome(c, outcome, err)
		return
	}

	fields, err := webhookFields(c.Request)
	if err != nil {
		a.fail(c, err)
		return
	}
	n, err := payments.Normalize(c.Param("provider"), fields)
	if err != nil {
		a.fail(c, err)
		return
	}

	outcome, err := a.deps.Payments.Ingest(c.Request.Context(), orderID, n)
	a.respondOutcome(c, outcome, err)
}

const walletPaymentProvider = "walletpayment"

func (a *api) handleTopUp(c *gin.Context) {
	accountID := strings.TrimSpace(c.Param("accountID"))
	if accountID == "" {
		a.fail(c, fmt.Errorf("%w: account id is required", payments.ErrInvalidNotification))
		return
	}
	fields, err := webhookFields(c.Request)
	if err != nil {
		a.fail(c, err)
		return
	}
	n, err := payments.Normalize(c.Param("provider"), fields)
	if err != nil {
		a.fail(c, err)
		return
	}
	outcome, err := a.deps.Payments.TopUp(c.Request.Context(), accountID, n)
	a.respondOutcome(c, outcome, err)
}

func (a *api) respondOutcome(c *gin.Context, outcome payments.Outcome, err error) {
	if outcome == payments.OutcomeUnknownOrder && err == nil {
		err = orders.ErrNotFound
	}
	if err != nil {
		a.fail(c, err)
		return
	}

	status := "success"
	if outcome == payments.OutcomePending {
		status = "pending"
	}
	c.JSON(http.StatusOK, gin.H{"status": status, "result": outcome})
}

// webhookFields merges query parameters with a JSON or form body. Body values win.
func webhookFields(r *http.Request) (map[string]string, error) {
	fields := make(map[string]string)
	for key, values := range r.URL.Query() {
		if len(values) > 0 {
			fields[key] = values[0]
		}
	}
	if r.Method != http.MethodPost || r.Body == nil {
		return fields, nil
	}

	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		dec := json.NewDecoder(io.LimitReader(r.Body, maxWebhookBody))
		dec.UseNumber()
		var body map[string]any
		if err := dec.Decode(&body); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: malformed json body: %v", payments.ErrInvalidNotification, err)
		}
		for key, value := range body {
			switch v := value.(type) {
			case nil:
			case string:
				fields[key] = v
			case json.Number:
				fields[key] = v.String()
			case bool:
				fields[key] = fmt.Sprint(v)
			}
		}
		return fields, nil
	}

	r.Body = io.NopCloser(io.LimitReader(r.Body, maxWebhookBody))
	if err := r.ParseForm(); err != nil {
		return nil, fmt.Errorf("%w: malformed form body: %v", payments.ErrInvalidNotification, err)
	}
	for key, values := range r.PostForm {
		if len(values) > 0 {
			fields[key] = values[0]
		}
	}
	return fields, nil
}

func (a *api) handleQueueStatus(c *gin.Context) {
	counts, err := a.deps.Queue.Status(c.Request.Context())
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, counts)
}

func (a *api) handleBalance(c *gin.Context) {
	accountID := c.Param("accountID")
	balance, err := a.deps.Wallets.Balance(c.Request.Context(), accountID)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account_id": accountID, "balance": balance.String()})
}

type createOrderRequest struct {
	OrderID       string         `json:"order_id"`
	CorrelationID string         `json:"correlation_id"`
	PayerID       string         `json:"payer_id"`
	DomainName    string         `json:"domain_name"`
	DNSMode       orders.DNSMode `json:"dns_mode"`
	Nameservers   []string       `json:"nameservers"`
	Contact       orders.Contact `json:"contact"`
	Amount        string         `json:"amount"`
	Currency      string         `json:"currency"`
}

func (a *api) handleCreateOrder(c *gin.Context) {
	var req createOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		a.fail(c, fmt.Errorf("%w: %v", orders.ErrInvalidOrder, err))
		return
	}
	amount, err := decimal.Parse(req.Amount)
	if err != nil {
		a.fail(c, fmt.Errorf("%w: amount %q", orders.ErrInvalidOrder, req.Amount))
		return
	}
	id := req.OrderID
	if id == "" {
		id = a.cfg.NewID()
	}
	currency := req.Currency
	if currency == "" {
		currency = a.cfg.DefaultCurrency
	}

	order, err := orders.NewOrder(id, req.PayerID, orders.Params{
		DomainName:  req.DomainName,
		DNSMode:     req.DNSMode,
		Nameservers: req.Nameservers,
		Contact:     req.Contact,
	}, amount, currency, a.cfg.Now())
	if err != nil {
		a.fail(c, err)
		return
	}
	order.CorrelationID = req.CorrelationID
	if err := a.deps.Orders.Create(c.Request.Context(), order); err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, order)
}

type orderResponse struct {
	orders.Order
	Sagas []saga.Execution `json:"sagas,omitempty"`
}

func (a *api) handleGetOrder(c *gin.Context) {
	ctx := c.Request.Context()
	order, err := a.deps.Orders.Get(ctx, c.Param("orderID"))
	if errors.Is(err, orders.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		a.fail(c, err)
		return
	}
	resp := orderResponse{Order: order}
	if a.deps.Sagas != nil {
		if resp.Sagas, err = a.deps.Sagas.ListByOrder(ctx, order.ID); err != nil {
			a.fail(c, err)
			return
		}
	}
	c.JSON(http.StatusOK, resp)
}
