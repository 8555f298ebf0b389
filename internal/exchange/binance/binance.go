// Package binance implements the USDT-M futures venue client. Every
// outbound call clears the rate governor first, goes out through the
// resilient pkg/http client, and feeds response headers and status codes
// back into the governor so local budgets track the venue's view.
package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"liqhunter/internal/config"
	"liqhunter/internal/core"
	apperrors "liqhunter/pkg/errors"
	pkghttp "liqhunter/pkg/http"
	"liqhunter/pkg/retry"
)

const (
	defaultBaseURL = "https://fapi.binance.com"

	requestTimeout = 10 * time.Second
	batchLimit     = 5
)

var _ core.IVenue = (*Client)(nil)

// Client is the signed REST client for the venue. In simulate mode every
// mutating call short-circuits to a synthetic ack with a negative order id
// and signed reads return empty results, so the rest of the engine runs
// unchanged without credentials.
type Client struct {
	cfg      config.VenueConfig
	simulate bool
	gov      core.IGovernor
	logger   core.ILogger

	pub  *pkghttp.Client // unsigned market-data endpoints
	auth *pkghttp.Client // signed account and trade endpoints

	specMu      sync.RWMutex
	specs       map[string]*core.SymbolSpec
	specsLoaded time.Time

	simOrderID atomic.Int64
	now        func() time.Time
}

// NewClient builds the venue client. gov must not be nil; the client never
// sends a request the governor has not admitted.
func NewClient(cfg config.VenueConfig, simulate bool, gov core.IGovernor, logger core.ILogger) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	signer := &hmacSigner{
		apiKey:       cfg.APIKey.Reveal(),
		secret:       cfg.SecretKey,
		recvWindowMs: int64(cfg.RecvWindowMs),
		now:          time.Now,
	}
	return &Client{
		cfg:      cfg,
		simulate: simulate,
		gov:      gov,
		logger:   logger.WithField("component", "venue"),
		pub:      pkghttp.NewClient(baseURL, requestTimeout, nil),
		auth:     pkghttp.NewClient(baseURL, requestTimeout, signer),
		specs:    make(map[string]*core.SymbolSpec),
		now:      time.Now,
	}
}

func (c *Client) GetName() string {
	return "binance"
}

// hmacSigner signs requests the venue way: timestamp and recvWindow joined
// into the query string, HMAC-SHA256 over the canonical query, hex-encoded
// and appended as signature. listenKey endpoints take the API key header
// only and must not carry a signature.
type hmacSigner struct {
	apiKey       string
	secret       config.Secret
	recvWindowMs int64
	now          func() time.Time
}

func (s *hmacSigner) SignRequest(req *http.Request) error {
	req.Header.Set("X-MBX-APIKEY", s.apiKey)
	if strings.HasSuffix(req.URL.Path, "/listenKey") {
		return nil
	}

	q := req.URL.Query()
	if q.Get("timestamp") == "" {
		q.Set("timestamp", strconv.FormatInt(s.now().UnixMilli(), 10))
	}
	if s.recvWindowMs > 0 && q.Get("recvWindow") == "" {
		q.Set("recvWindow", strconv.FormatInt(s.recvWindowMs, 10))
	}

	payload := q.Encode()
	mac := hmac.New(sha256.New, []byte(s.secret.Reveal()))
	mac.Write([]byte(payload))
	req.URL.RawQuery = payload + "&signature=" + hex.EncodeToString(mac.Sum(nil))
	return nil
}

// call runs one admitted request. Critical calls queue on the governor
// until a slot frees; other priorities fail fast with a typed error and a
// wait hint. Header reconciliation runs on every response, rejected ones
// included, so 429/418 policy engages even when the body is an error.
func (c *Client) call(ctx context.Context, signed bool, method, path string, params url.Values, pr core.Priority) ([]byte, error) {
	if pr == core.PriorityCritical {
		if err := c.gov.WaitAdmit(ctx, path, method, params, pr); err != nil {
			return nil, err
		}
	} else if ok, wait := c.gov.Admit(path, method, params, pr); !ok {
		return nil, fmt.Errorf("%w: %s %s, retry in %s", apperrors.ErrRateLimited, method, path, wait.Round(time.Millisecond))
	}

	hc := c.pub
	if signed {
		hc = c.auth
	}
	resp, err := hc.Request(ctx, method, path, params)
	c.gov.Record(path, method, params)
	if err != nil {
		var apiErr *pkghttp.APIError
		if errors.As(err, &apiErr) {
			c.gov.ObserveHeaders(apiErr.Header)
			c.gov.ObserveStatus(apiErr.StatusCode, path)
			return nil, c.mapAPIError(apiErr)
		}
		return nil, fmt.Errorf("%w: %v", apperrors.ErrNetwork, err)
	}

	c.gov.ObserveHeaders(resp.Header)
	c.gov.ObserveStatus(resp.StatusCode, path)
	return resp.Body, nil
}

// mapAPIError translates a non-2xx response into the engine's closed error
// set. 429/418 map by status before any body inspection.
func (c *Client) mapAPIError(apiErr *pkghttp.APIError) error {
	switch {
	case apiErr.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: venue throttled", apperrors.ErrRateLimited)
	case apiErr.StatusCode == http.StatusTeapot:
		return apperrors.ErrBanned
	case apiErr.StatusCode >= 500:
		return fmt.Errorf("%w: HTTP %d", apperrors.ErrNetwork, apiErr.StatusCode)
	}
	return parseVenueError(apiErr.Body)
}

func parseVenueError(body []byte) error {
	var resp struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("%w: unparseable error body %q", apperrors.ErrUnknownVenue, string(body))
	}
	return mapVenueCode(resp.Code, resp.Msg)
}

func mapVenueCode(code int, msg string) error {
	switch code {
	case -1003:
		return fmt.Errorf("%w: %s", apperrors.ErrRateLimited, msg)
	case -1021:
		// Timestamp outside recvWindow: a resend gets a fresh signature.
		return fmt.Errorf("%w: %s", apperrors.ErrNetwork, msg)
	case -1022, -2014, -2015:
		return fmt.Errorf("%w: code=%d %s", apperrors.ErrAuthFailed, code, msg)
	case -1013, -1102, -1106, -1111, -1121, -2021, -4014, -4061:
		return fmt.Errorf("%w: code=%d %s", apperrors.ErrInvalidParam, code, msg)
	case -2011, -2013:
		return fmt.Errorf("%w: code=%d %s", apperrors.ErrOrderNotFound, code, msg)
	case -2018, -2019:
		return fmt.Errorf("%w: code=%d %s", apperrors.ErrInsufficientBalance, code, msg)
	case -2022:
		return fmt.Errorf("%w: code=%d %s", apperrors.ErrReduceOnlyRejected, code, msg)
	case -4046, -4059, -4171:
		return fmt.Errorf("%w: code=%d %s", apperrors.ErrNoPositionSideChange, code, msg)
	case -4164:
		return fmt.Errorf("%w: code=%d %s", apperrors.ErrMinNotional, code, msg)
	}
	if strings.Contains(strings.ToLower(msg), "duplicate") {
		return fmt.Errorf("%w: code=%d %s", apperrors.ErrDuplicateOrder, code, msg)
	}
	return fmt.Errorf("%w: code=%d msg=%q", apperrors.ErrUnknownVenue, code, msg)
}

// specViolation reports whether a rejection points at a stale tick, step
// or precision filter, meaning the cached symbol spec must be refetched.
func specViolation(err error) bool {
	if !errors.Is(err, apperrors.ErrInvalidParam) {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "tick") || strings.Contains(msg, "step") ||
		strings.Contains(msg, "precision") || strings.Contains(msg, "lot")
}

// CheckHealth probes venue reachability.
func (c *Client) CheckHealth(ctx context.Context) error {
	_, err := c.call(ctx, false, http.MethodGet, "/fapi/v1/ping", nil, core.PriorityLow)
	return err
}

// ServerTime returns the venue clock, used by the startup auth probe to
// detect local clock skew before signed calls start failing.
func (c *Client) ServerTime(ctx context.Context) (time.Time, error) {
	body, err := c.call(ctx, false, http.MethodGet, "/fapi/v1/time", nil, core.PriorityLow)
	if err != nil {
		return time.Time{}, err
	}
	var resp struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return time.Time{}, fmt.Errorf("failed to decode server time: %w", err)
	}
	return time.UnixMilli(resp.ServerTime), nil
}

// rawOrder is the venue's order payload shape, shared by the ack, query,
// open-orders and batch responses. Code/Msg are set only on batch items
// that failed.
type rawOrder struct {
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Symbol        string `json:"symbol"`
	Status        string `json:"status"`
	Side          string `json:"side"`
	PositionSide  string `json:"positionSide"`
	Type          string `json:"type"`
	TimeInForce   string `json:"timeInForce"`
	Price         string `json:"price"`
	StopPrice     string `json:"stopPrice"`
	OrigQty       string `json:"origQty"`
	ExecutedQty   string `json:"executedQty"`
	AvgPrice      string `json:"avgPrice"`
	ReduceOnly    bool   `json:"reduceOnly"`
	WorkingType   string `json:"workingType"`
	UpdateTime    int64  `json:"updateTime"`
	Code          int    `json:"code"`
	Msg           string `json:"msg"`
}

func (r *rawOrder) toOrder() *core.Order {
	price, _ := decimal.NewFromString(r.Price)
	stop, _ := decimal.NewFromString(r.StopPrice)
	qty, _ := decimal.NewFromString(r.OrigQty)
	exec, _ := decimal.NewFromString(r.ExecutedQty)
	avg, _ := decimal.NewFromString(r.AvgPrice)

	ps := core.PositionSide(r.PositionSide)
	if ps == "" {
		ps = core.PositionBoth
	}
	return &core.Order{
		OrderID:       r.OrderID,
		ClientOrderID: r.ClientOrderID,
		Symbol:        r.Symbol,
		Side:          core.Side(r.Side),
		PositionSide:  ps,
		Type:          core.OrderType(r.Type),
		Status:        core.OrderStatus(r.Status),
		Price:         price,
		StopPrice:     stop,
		OrigQty:       qty,
		ExecutedQty:   exec,
		AvgFillPrice:  avg,
		ReduceOnly:    r.ReduceOnly,
		TimeInForce:   core.TimeInForce(r.TimeInForce),
		WorkingType:   core.WorkingType(r.WorkingType),
		TrancheID:     -1,
		UpdatedAt:     time.UnixMilli(r.UpdateTime),
	}
}

func orderParams(req *core.PlaceOrderRequest) url.Values {
	p := url.Values{}
	p.Set("symbol", req.Symbol)
	p.Set("side", string(req.Side))
	p.Set("type", string(req.Type))
	p.Set("quantity", req.Qty.String())
	if req.PositionSide != "" && req.PositionSide != core.PositionBoth {
		p.Set("positionSide", string(req.PositionSide))
	}
	if req.Type == core.OrderTypeLimit {
		p.Set("price", req.Price.String())
		tif := req.TimeInForce
		if tif == "" {
			tif = core.TIFGoodTillCancel
		}
		p.Set("timeInForce", string(tif))
	}
	if req.Type == core.OrderTypeStopMarket {
		p.Set("stopPrice", req.StopPrice.String())
		if req.WorkingType != "" {
			p.Set("workingType", string(req.WorkingType))
		}
		if req.PriceProtect {
			p.Set("priceProtect", "TRUE")
		}
	}
	if req.ReduceOnly {
		p.Set("reduceOnly", "true")
	}
	if req.ClientOrderID != "" {
		p.Set("newClientOrderId", req.ClientOrderID)
	}
	// RESULT acks carry executedQty/avgPrice, so market closes learn their
	// fill price without an extra query.
	p.Set("newOrderRespType", "RESULT")
	return p
}

// PlaceOrder submits one order. Client order ids make resends idempotent:
// a duplicate-id rejection means an earlier attempt landed, and the
// existing order is queried and returned as success.
func (c *Client) PlaceOrder(ctx context.Context, req *core.PlaceOrderRequest) (*core.Order, error) {
	if c.simulate {
		o := c.simulatedOrder(req)
		c.logger.Info("simulated order placed",
			"symbol", req.Symbol, "side", req.Side, "type", req.Type,
			"qty", req.Qty.String(), "price", req.Price.String(), "order_id", o.OrderID)
		return o, nil
	}

	var placed *core.Order
	err := retry.Do(ctx, retry.DefaultPolicy, apperrors.Retryable, func() error {
		if ok, wait := c.gov.AdmitOrder(ctx, req.Priority); !ok {
			return fmt.Errorf("%w: order budget, retry in %s", apperrors.ErrRateLimited, wait.Round(time.Millisecond))
		}
		// Charged at send intent; the next response's usage headers re-sync
		// the window if the request never goes out.
		c.gov.RecordOrder()

		body, err := c.call(ctx, true, http.MethodPost, "/fapi/v1/order", orderParams(req), req.Priority)
		if err != nil {
			return err
		}
		var raw rawOrder
		if err := json.Unmarshal(body, &raw); err != nil {
			return fmt.Errorf("failed to decode order ack: %w", err)
		}
		placed = raw.toOrder()
		return nil
	})

	if errors.Is(err, apperrors.ErrDuplicateOrder) {
		c.logger.Warn("duplicate client order id, adopting existing order",
			"symbol", req.Symbol, "client_order_id", req.ClientOrderID)
		return c.QueryOrder(ctx, req.Symbol, 0, req.ClientOrderID)
	}
	if err != nil {
		if specViolation(err) {
			c.invalidateSpec(req.Symbol, err)
		}
		return nil, fmt.Errorf("failed to place order: %w", err)
	}
	return placed, nil
}

// batchOrderItem is the stringly-typed per-order shape the batch endpoint
// wants inside the batchOrders JSON parameter.
type batchOrderItem struct {
	Symbol           string `json:"symbol"`
	Side             string `json:"side"`
	PositionSide     string `json:"positionSide,omitempty"`
	Type             string `json:"type"`
	Quantity         string `json:"quantity"`
	Price            string `json:"price,omitempty"`
	TimeInForce      string `json:"timeInForce,omitempty"`
	StopPrice        string `json:"stopPrice,omitempty"`
	WorkingType      string `json:"workingType,omitempty"`
	PriceProtect     string `json:"priceProtect,omitempty"`
	ReduceOnly       string `json:"reduceOnly,omitempty"`
	NewClientOrderID string `json:"newClientOrderId,omitempty"`
	NewOrderRespType string `json:"newOrderRespType,omitempty"`
}

func batchItem(req *core.PlaceOrderRequest) batchOrderItem {
	item := batchOrderItem{
		Symbol:           req.Symbol,
		Side:             string(req.Side),
		Type:             string(req.Type),
		Quantity:         req.Qty.String(),
		NewClientOrderID: req.ClientOrderID,
		NewOrderRespType: "RESULT",
	}
	if req.PositionSide != "" && req.PositionSide != core.PositionBoth {
		item.PositionSide = string(req.PositionSide)
	}
	if req.Type == core.OrderTypeLimit {
		item.Price = req.Price.String()
		item.TimeInForce = string(req.TimeInForce)
		if item.TimeInForce == "" {
			item.TimeInForce = string(core.TIFGoodTillCancel)
		}
	}
	if req.Type == core.OrderTypeStopMarket {
		item.StopPrice = req.StopPrice.String()
		item.WorkingType = string(req.WorkingType)
		if req.PriceProtect {
			item.PriceProtect = "TRUE"
		}
	}
	if req.ReduceOnly {
		item.ReduceOnly = "true"
	}
	return item
}

// PlaceBatch submits orders in chunks of five. The result is positional:
// res[i] matches reqs[i] and is nil when that item was rejected. A non-nil
// error reports how many items failed; callers re-queue the nil slots.
func (c *Client) PlaceBatch(ctx context.Context, reqs []*core.PlaceOrderRequest) ([]*core.Order, error) {
	if len(reqs) == 0 {
		return nil, nil
	}
	if c.simulate {
		out := make([]*core.Order, len(reqs))
		for i, req := range reqs {
			out[i] = c.simulatedOrder(req)
		}
		c.logger.Info("simulated batch placed", "orders", len(reqs))
		return out, nil
	}

	out := make([]*core.Order, len(reqs))
	var failed int
	var firstErr error

	for start := 0; start < len(reqs); start += batchLimit {
		end := start + batchLimit
		if end > len(reqs) {
			end = len(reqs)
		}
		chunk := reqs[start:end]

		items := make([]batchOrderItem, len(chunk))
		pr := core.PriorityNormal
		for i, req := range chunk {
			items[i] = batchItem(req)
			if req.Priority == core.PriorityCritical {
				pr = core.PriorityCritical
			}
			if ok, wait := c.gov.AdmitOrder(ctx, req.Priority); !ok {
				return out, fmt.Errorf("%w: order budget, retry in %s", apperrors.ErrRateLimited, wait.Round(time.Millisecond))
			}
			c.gov.RecordOrder()
		}
		batchJSON, err := json.Marshal(items)
		if err != nil {
			return out, fmt.Errorf("failed to encode batch: %w", err)
		}

		params := url.Values{}
		params.Set("batchOrders", string(batchJSON))
		body, err := c.call(ctx, true, http.MethodPost, "/fapi/v1/batchOrders", params, pr)
		if err != nil {
			return out, fmt.Errorf("failed to place batch: %w", err)
		}

		var results []rawOrder
		if err := json.Unmarshal(body, &results); err != nil {
			return out, fmt.Errorf("failed to decode batch response: %w", err)
		}
		for i := range results {
			if i >= len(chunk) {
				break
			}
			if results[i].Code != 0 {
				itemErr := mapVenueCode(results[i].Code, results[i].Msg)
				c.logger.Warn("batch order item rejected",
					"symbol", chunk[i].Symbol, "code", results[i].Code, "msg", results[i].Msg)
				if specViolation(itemErr) {
					c.invalidateSpec(chunk[i].Symbol, itemErr)
				}
				if firstErr == nil {
					firstErr = itemErr
				}
				failed++
				continue
			}
			out[start+i] = results[i].toOrder()
		}
	}

	if failed > 0 {
		return out, fmt.Errorf("%d of %d batch orders rejected: %w", failed, len(reqs), firstErr)
	}
	return out, nil
}

// CancelOrder cancels by venue id or client id. The caller decides whether
// an order-not-found outcome is an error; terminal orders cancel as no-ops
// at the protection layer.
func (c *Client) CancelOrder(ctx context.Context, req *core.CancelOrderRequest) error {
	if c.simulate {
		c.logger.Info("simulated cancel", "symbol", req.Symbol, "order_id", req.OrderID)
		return nil
	}
	params := url.Values{}
	params.Set("symbol", req.Symbol)
	if req.OrderID != 0 {
		params.Set("orderId", strconv.FormatInt(req.OrderID, 10))
	} else if req.ClientOrderID != "" {
		params.Set("origClientOrderId", req.ClientOrderID)
	}
	_, err := c.call(ctx, true, http.MethodDelete, "/fapi/v1/order", params, req.Priority)
	if err != nil {
		return fmt.Errorf("failed to cancel order: %w", err)
	}
	return nil
}

// CancelAllOpen cancels every open order on the symbol.
func (c *Client) CancelAllOpen(ctx context.Context, symbol string) error {
	if c.simulate {
		c.logger.Info("simulated cancel all", "symbol", symbol)
		return nil
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	_, err := c.call(ctx, true, http.MethodDelete, "/fapi/v1/allOpenOrders", params, core.PriorityCritical)
	if err != nil {
		return fmt.Errorf("failed to cancel all open orders: %w", err)
	}
	return nil
}

// QueryOrder looks an order up by venue id or client id. It rides the
// critical reserve: its callers are the duplicate-id recovery and fill
// verification paths, which must not park behind a 429 backoff.
func (c *Client) QueryOrder(ctx context.Context, symbol string, orderID int64, clientOrderID string) (*core.Order, error) {
	if c.simulate {
		return nil, fmt.Errorf("simulated order lookup: %w", apperrors.ErrOrderNotFound)
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	if orderID != 0 {
		params.Set("orderId", strconv.FormatInt(orderID, 10))
	} else if clientOrderID != "" {
		params.Set("origClientOrderId", clientOrderID)
	}
	body, err := c.call(ctx, true, http.MethodGet, "/fapi/v1/order", params, core.PriorityCritical)
	if err != nil {
		return nil, fmt.Errorf("failed to query order: %w", err)
	}
	var raw rawOrder
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode order: %w", err)
	}
	return raw.toOrder(), nil
}

// OpenOrders lists open orders, for one symbol or (expensively) for all.
func (c *Client) OpenOrders(ctx context.Context, symbol string) ([]*core.Order, error) {
	if c.simulate {
		return nil, nil
	}
	params := url.Values{}
	if symbol != "" {
		params.Set("symbol", symbol)
	}
	body, err := c.call(ctx, true, http.MethodGet, "/fapi/v1/openOrders", params, core.PriorityNormal)
	if err != nil {
		return nil, fmt.Errorf("failed to list open orders: %w", err)
	}
	var raws []rawOrder
	if err := json.Unmarshal(body, &raws); err != nil {
		return nil, fmt.Errorf("failed to decode open orders: %w", err)
	}
	orders := make([]*core.Order, 0, len(raws))
	for i := range raws {
		orders = append(orders, raws[i].toOrder())
	}
	return orders, nil
}

// GetAccount returns the balance view the engine inspects.
func (c *Client) GetAccount(ctx context.Context) (*core.AccountState, error) {
	if c.simulate {
		return &core.AccountState{}, nil
	}
	body, err := c.call(ctx, true, http.MethodGet, "/fapi/v2/account", nil, core.PriorityNormal)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch account: %w", err)
	}
	var raw struct {
		TotalWalletBalance    string `json:"totalWalletBalance"`
		TotalUnrealizedProfit string `json:"totalUnrealizedProfit"`
		TotalMarginBalance    string `json:"totalMarginBalance"`
		AvailableBalance      string `json:"availableBalance"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode account: %w", err)
	}
	wallet, _ := decimal.NewFromString(raw.TotalWalletBalance)
	upnl, _ := decimal.NewFromString(raw.TotalUnrealizedProfit)
	margin, _ := decimal.NewFromString(raw.TotalMarginBalance)
	avail, _ := decimal.NewFromString(raw.AvailableBalance)
	return &core.AccountState{
		TotalWalletBalance: wallet,
		TotalUnrealizedPnL: upnl,
		TotalMarginBalance: margin,
		AvailableBalance:   avail,
	}, nil
}

// PositionRisk returns live position legs, zero rows skipped. One-way rows
// report BOTH; the leg is derived from the sign of the amount so state is
// always keyed LONG or SHORT. Critical priority: the fast-path close
// verifies positions mid-cascade through this call.
func (c *Client) PositionRisk(ctx context.Context, symbol string) ([]*core.VenuePosition, error) {
	if c.simulate {
		return nil, nil
	}
	params := url.Values{}
	if symbol != "" {
		params.Set("symbol", symbol)
	}
	body, err := c.call(ctx, true, http.MethodGet, "/fapi/v2/positionRisk", params, core.PriorityCritical)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch position risk: %w", err)
	}
	var raws []struct {
		Symbol           string `json:"symbol"`
		PositionAmt      string `json:"positionAmt"`
		EntryPrice       string `json:"entryPrice"`
		MarkPrice        string `json:"markPrice"`
		UnRealizedProfit string `json:"unRealizedProfit"`
		Leverage         string `json:"leverage"`
		PositionSide     string `json:"positionSide"`
	}
	if err := json.Unmarshal(body, &raws); err != nil {
		return nil, fmt.Errorf("failed to decode position risk: %w", err)
	}

	positions := make([]*core.VenuePosition, 0, len(raws))
	for _, p := range raws {
		amt, _ := decimal.NewFromString(p.PositionAmt)
		if amt.IsZero() {
			continue
		}
		entry, _ := decimal.NewFromString(p.EntryPrice)
		mark, _ := decimal.NewFromString(p.MarkPrice)
		upnl, _ := decimal.NewFromString(p.UnRealizedProfit)
		lev, _ := decimal.NewFromString(p.Leverage)

		side := core.PositionSide(p.PositionSide)
		if side == "" || side == core.PositionBoth {
			side = core.PositionLong
			if amt.IsNegative() {
				side = core.PositionShort
			}
		}
		positions = append(positions, &core.VenuePosition{
			Symbol:        p.Symbol,
			Side:          side,
			Qty:           amt.Abs(),
			EntryPrice:    entry,
			MarkPrice:     mark,
			UnrealizedPnL: upnl,
			Leverage:      int(lev.IntPart()),
		})
	}
	return positions, nil
}

// SetLeverage applies symbol leverage.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if c.simulate {
		return nil
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("leverage", strconv.Itoa(leverage))
	_, err := c.call(ctx, true, http.MethodPost, "/fapi/v1/leverage", params, core.PriorityNormal)
	if err != nil {
		return fmt.Errorf("failed to set leverage: %w", err)
	}
	return nil
}

// SetMarginType applies the symbol margin mode. The venue rejects a
// no-op change with a dedicated code; that outcome is success here.
func (c *Client) SetMarginType(ctx context.Context, symbol string, mt core.MarginType) error {
	if c.simulate {
		return nil
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("marginType", string(mt))
	_, err := c.call(ctx, true, http.MethodPost, "/fapi/v1/marginType", params, core.PriorityNormal)
	if errors.Is(err, apperrors.ErrNoPositionSideChange) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to set margin type: %w", err)
	}
	return nil
}

// SetPositionMode switches hedge mode on or off account-wide; a no-change
// rejection is success.
func (c *Client) SetPositionMode(ctx context.Context, hedge bool) error {
	if c.simulate {
		return nil
	}
	params := url.Values{}
	params.Set("dualSidePosition", strconv.FormatBool(hedge))
	_, err := c.call(ctx, true, http.MethodPost, "/fapi/v1/positionSide/dual", params, core.PriorityNormal)
	if errors.Is(err, apperrors.ErrNoPositionSideChange) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to set position mode: %w", err)
	}
	return nil
}

// SetMultiAssetsMode switches multi-assets margin account-wide; a
// no-change rejection is success.
func (c *Client) SetMultiAssetsMode(ctx context.Context, enabled bool) error {
	if c.simulate {
		return nil
	}
	params := url.Values{}
	params.Set("multiAssetsMargin", strconv.FormatBool(enabled))
	_, err := c.call(ctx, true, http.MethodPost, "/fapi/v1/multiAssetsMargin", params, core.PriorityNormal)
	if errors.Is(err, apperrors.ErrNoPositionSideChange) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to set multi-assets mode: %w", err)
	}
	return nil
}

// GetDepth fetches an order book snapshot.
func (c *Client) GetDepth(ctx context.Context, symbol string, limit int) (*core.Depth, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	body, err := c.call(ctx, false, http.MethodGet, "/fapi/v1/depth", params, core.PriorityNormal)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch depth: %w", err)
	}
	var raw struct {
		Bids [][]string `json:"bids"`
		Asks [][]string `json:"asks"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode depth: %w", err)
	}
	depth := &core.Depth{Symbol: symbol}
	for _, lvl := range raw.Bids {
		if len(lvl) < 2 {
			continue
		}
		price, _ := decimal.NewFromString(lvl[0])
		qty, _ := decimal.NewFromString(lvl[1])
		depth.Bids = append(depth.Bids, core.PriceLevel{Price: price, Qty: qty})
	}
	for _, lvl := range raw.Asks {
		if len(lvl) < 2 {
			continue
		}
		price, _ := decimal.NewFromString(lvl[0])
		qty, _ := decimal.NewFromString(lvl[1])
		depth.Asks = append(depth.Asks, core.PriceLevel{Price: price, Qty: qty})
	}
	return depth, nil
}

// GetMarkPrice returns the current mark price for the symbol.
func (c *Client) GetMarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	body, err := c.call(ctx, false, http.MethodGet, "/fapi/v1/premiumIndex", params, core.PriorityNormal)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to fetch mark price: %w", err)
	}
	var raw struct {
		MarkPrice string `json:"markPrice"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return decimal.Zero, fmt.Errorf("failed to decode mark price: %w", err)
	}
	return decimal.NewFromString(raw.MarkPrice)
}

// FetchExchangeInfo refreshes the symbol spec cache. Bootstrap calls it
// once before trading and again on a refresh interval; order rejections
// that blame tick or step filters invalidate single symbols in between.
func (c *Client) FetchExchangeInfo(ctx context.Context) error {
	body, err := c.call(ctx, false, http.MethodGet, "/fapi/v1/exchangeInfo", nil, core.PriorityLow)
	if err != nil {
		return fmt.Errorf("failed to fetch exchange info: %w", err)
	}
	var raw struct {
		Symbols []struct {
			Symbol            string `json:"symbol"`
			PricePrecision    int    `json:"pricePrecision"`
			QuantityPrecision int    `json:"quantityPrecision"`
			Filters           []struct {
				FilterType  string `json:"filterType"`
				TickSize    string `json:"tickSize"`
				StepSize    string `json:"stepSize"`
				MinQty      string `json:"minQty"`
				MaxQty      string `json:"maxQty"`
				MinNotional string `json:"notional"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return fmt.Errorf("failed to decode exchange info: %w", err)
	}

	specs := make(map[string]*core.SymbolSpec, len(raw.Symbols))
	for _, s := range raw.Symbols {
		spec := &core.SymbolSpec{
			Symbol:         s.Symbol,
			PricePrecision: s.PricePrecision,
			QtyPrecision:   s.QuantityPrecision,
		}
		for _, f := range s.Filters {
			switch f.FilterType {
			case "PRICE_FILTER":
				spec.TickSize, _ = decimal.NewFromString(f.TickSize)
			case "LOT_SIZE":
				spec.StepSize, _ = decimal.NewFromString(f.StepSize)
				spec.MinQty, _ = decimal.NewFromString(f.MinQty)
				spec.MaxQty, _ = decimal.NewFromString(f.MaxQty)
			case "MIN_NOTIONAL":
				spec.MinNotional, _ = decimal.NewFromString(f.MinNotional)
			}
		}
		specs[s.Symbol] = spec
	}

	c.specMu.Lock()
	c.specs = specs
	c.specsLoaded = c.now()
	c.specMu.Unlock()
	c.logger.Info("exchange info refreshed", "symbols", len(specs))
	return nil
}

// GetSymbolSpec serves the cached trading filters for a symbol. The cache
// is filled by FetchExchangeInfo; a miss means the symbol was never loaded
// or was invalidated by a filter rejection.
func (c *Client) GetSymbolSpec(symbol string) (*core.SymbolSpec, error) {
	c.specMu.RLock()
	defer c.specMu.RUnlock()
	spec, ok := c.specs[symbol]
	if !ok {
		return nil, fmt.Errorf("no spec cached for %s", symbol)
	}
	return spec, nil
}

// SpecsLoadedAt reports when the spec cache was last refreshed, so the
// bootstrap refresh loop can decide whether a refetch is due.
func (c *Client) SpecsLoadedAt() time.Time {
	c.specMu.RLock()
	defer c.specMu.RUnlock()
	return c.specsLoaded
}

func (c *Client) invalidateSpec(symbol string, cause error) {
	c.specMu.Lock()
	delete(c.specs, symbol)
	c.specMu.Unlock()
	c.logger.Warn("symbol spec invalidated by filter rejection",
		"symbol", symbol, "error", cause)
}

// CreateListenKey opens a user-data stream session.
func (c *Client) CreateListenKey(ctx context.Context) (string, error) {
	if c.simulate {
		return "sim-listen-key", nil
	}
	body, err := c.call(ctx, true, http.MethodPost, "/fapi/v1/listenKey", nil, core.PriorityNormal)
	if err != nil {
		return "", fmt.Errorf("failed to create listen key: %w", err)
	}
	var raw struct {
		ListenKey string `json:"listenKey"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return "", fmt.Errorf("failed to decode listen key: %w", err)
	}
	return raw.ListenKey, nil
}

// KeepAliveListenKey extends the user-data stream session.
func (c *Client) KeepAliveListenKey(ctx context.Context, key string) error {
	if c.simulate {
		return nil
	}
	_, err := c.call(ctx, true, http.MethodPut, "/fapi/v1/listenKey", nil, core.PriorityNormal)
	if err != nil {
		return fmt.Errorf("failed to keep listen key alive: %w", err)
	}
	return nil
}

// CloseListenKey closes the user-data stream session.
func (c *Client) CloseListenKey(ctx context.Context, key string) error {
	if c.simulate {
		return nil
	}
	_, err := c.call(ctx, true, http.MethodDelete, "/fapi/v1/listenKey", nil, core.PriorityNormal)
	if err != nil {
		return fmt.Errorf("failed to close listen key: %w", err)
	}
	return nil
}

func (c *Client) simulatedOrder(req *core.PlaceOrderRequest) *core.Order {
	now := c.now()
	ps := req.PositionSide
	if ps == "" {
		ps = core.PositionBoth
	}
	return &core.Order{
		OrderID:       c.simOrderID.Add(-1),
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		PositionSide:  ps,
		Type:          req.Type,
		Status:        core.OrderStatusNew,
		Price:         req.Price,
		StopPrice:     req.StopPrice,
		OrigQty:       req.Qty,
		ReduceOnly:    req.ReduceOnly,
		TimeInForce:   req.TimeInForce,
		WorkingType:   req.WorkingType,
		TrancheID:     -1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}
