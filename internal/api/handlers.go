package api

import (
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"liqhunter/internal/core"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// PositionSummary is one (symbol, side) rolled up across its tranches.
type PositionSummary struct {
	Symbol      string          `json:"symbol"`
	Side        string          `json:"side"`
	Tranches    int             `json:"tranches"`
	Qty         decimal.Decimal `json:"qty"`
	AvgEntry    decimal.Decimal `json:"avg_entry"`
	Mark        decimal.Decimal `json:"mark"`
	PnLPct      decimal.Decimal `json:"pnl_pct"`
	Unprotected int             `json:"unprotected"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

type TrancheView struct {
	ID          int64           `json:"id"`
	Qty         decimal.Decimal `json:"qty"`
	AvgEntry    decimal.Decimal `json:"avg_entry"`
	TPPrice     decimal.Decimal `json:"tp_price"`
	SLPrice     decimal.Decimal `json:"sl_price"`
	TPOrderID   int64           `json:"tp_order_id"`
	SLOrderID   int64           `json:"sl_order_id"`
	Unprotected bool            `json:"unprotected"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

type OrderView struct {
	OrderID       int64           `json:"order_id"`
	ClientOrderID string          `json:"client_order_id"`
	Symbol        string          `json:"symbol"`
	Side          string          `json:"side"`
	PositionSide  string          `json:"position_side"`
	Type          string          `json:"type"`
	Kind          string          `json:"kind"`
	Status        string          `json:"status"`
	Price         decimal.Decimal `json:"price"`
	StopPrice     decimal.Decimal `json:"stop_price"`
	OrigQty       decimal.Decimal `json:"orig_qty"`
	ExecutedQty   decimal.Decimal `json:"executed_qty"`
	AvgFillPrice  decimal.Decimal `json:"avg_fill_price"`
	TrancheID     int64           `json:"tranche_id"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

type FillView struct {
	OrderID      int64           `json:"order_id"`
	TradeID      int64           `json:"trade_id"`
	Symbol       string          `json:"symbol"`
	Side         string          `json:"side"`
	PositionSide string          `json:"position_side"`
	Qty          decimal.Decimal `json:"qty"`
	Price        decimal.Decimal `json:"price"`
	Commission   decimal.Decimal `json:"commission"`
	RealizedPnL  decimal.Decimal `json:"realized_pnl"`
	TradeTime    time.Time       `json:"trade_time"`
}

type LiquidationView struct {
	EventID    string          `json:"event_id"`
	Symbol     string          `json:"symbol"`
	Side       string          `json:"side"`
	Qty        decimal.Decimal `json:"qty"`
	Price      decimal.Decimal `json:"price"`
	USDTValue  decimal.Decimal `json:"usdt_value"`
	EventTime  time.Time       `json:"event_time"`
	ReceivedAt time.Time       `json:"received_at"`
}

type PositionDetail struct {
	PositionSummary
	TrancheList []TrancheView `json:"tranche_list"`
	Orders      []OrderView   `json:"orders"`
	Fills       []FillView    `json:"fills"`
}

func (s *Server) handlePositions(w http.ResponseWriter, _ *http.Request) {
	keys := s.part.AllKeys()
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Symbol != keys[j].Symbol {
			return keys[i].Symbol < keys[j].Symbol
		}
		return keys[i].Side < keys[j].Side
	})

	out := make([]PositionSummary, 0, len(keys))
	for _, key := range keys {
		if sum, ok := s.summarize(key); ok {
			out = append(out, sum)
		}
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) summarize(key core.PositionKey) (PositionSummary, bool) {
	tranches := s.part.Tranches(key)
	if len(tranches) == 0 {
		return PositionSummary{}, false
	}

	var qty, notional decimal.Decimal
	var unprotected int
	var updated time.Time
	for _, t := range tranches {
		qty = qty.Add(t.Qty)
		notional = notional.Add(t.Qty.Mul(t.AvgEntry))
		if t.Unprotected {
			unprotected++
		}
		if t.UpdatedAt.After(updated) {
			updated = t.UpdatedAt
		}
	}
	avg := decimal.Zero
	if qty.IsPositive() {
		avg = notional.Div(qty)
	}

	sum := PositionSummary{
		Symbol:      key.Symbol,
		Side:        string(key.Side),
		Tranches:    len(tranches),
		Qty:         qty,
		AvgEntry:    avg,
		Unprotected: unprotected,
		UpdatedAt:   updated,
	}
	if s.marks != nil {
		if mark, ok := s.marks.Mark(key.Symbol); ok {
			sum.Mark = mark
			sum.PnLPct = s.part.AggregatePnLPct(key, mark)
		}
	}
	return sum, true
}

func (s *Server) handlePositionDetail(w http.ResponseWriter, r *http.Request) {
	key, ok := parseKey(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "side must be LONG or SHORT")
		return
	}
	sum, ok := s.summarize(key)
	if !ok {
		s.writeError(w, http.StatusNotFound, "no position for "+key.Symbol+" "+string(key.Side))
		return
	}

	detail := PositionDetail{PositionSummary: sum}
	for _, t := range s.part.Tranches(key) {
		detail.TrancheList = append(detail.TrancheList, TrancheView{
			ID: t.ID, Qty: t.Qty, AvgEntry: t.AvgEntry,
			TPPrice: t.TPPrice, SLPrice: t.SLPrice,
			TPOrderID: t.TPOrderID, SLOrderID: t.SLOrderID,
			Unprotected: t.Unprotected,
			CreatedAt:   t.CreatedAt, UpdatedAt: t.UpdatedAt,
		})
		for _, id := range []int64{t.TPOrderID, t.SLOrderID} {
			if id == 0 {
				continue
			}
			if o, err := s.store.OrderByID(r.Context(), id); err == nil && o != nil {
				detail.Orders = append(detail.Orders, orderView(o))
			}
		}
	}

	fills, err := s.store.RecentFills(r.Context(), defaultLimit)
	if err != nil {
		s.logger.Error("failed to load fills", "error", err)
	}
	for _, f := range fills {
		if f.Symbol != key.Symbol {
			continue
		}
		if f.PositionSide != key.Side && f.PositionSide != core.PositionBoth {
			continue
		}
		detail.Fills = append(detail.Fills, fillView(f))
	}

	s.writeJSON(w, http.StatusOK, detail)
}

// handleClose enqueues a market close for every tranche of the key. The
// protection manager's serial lane runs the same cancel-TP-then-reduce
// sequence the fast path uses.
func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	key, ok := parseKey(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "side must be LONG or SHORT")
		return
	}
	tranches := s.part.Tranches(key)
	if len(tranches) == 0 {
		s.writeError(w, http.StatusNotFound, "no position for "+key.Symbol+" "+string(key.Side))
		return
	}

	var submitted, refused int
	for _, t := range tranches {
		ok := s.protector.Submit(core.ProtectionTask{
			Kind:      core.TaskCloseMarket,
			Key:       key,
			TrancheID: t.ID,
			Reason:    "api_close",
		})
		if ok {
			submitted++
		} else {
			refused++
		}
	}
	s.logger.Info("manual close requested",
		"symbol", key.Symbol, "position_side", key.Side,
		"submitted", submitted, "refused", refused)

	code := http.StatusAccepted
	if submitted == 0 {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, map[string]int{"submitted": submitted, "refused": refused})
}

func (s *Server) handleLiquidations(w http.ResponseWriter, r *http.Request) {
	liqs, err := s.store.RecentLiquidations(r.Context(), limitParam(r))
	if err != nil {
		s.logger.Error("failed to load liquidations", "error", err)
		s.writeError(w, http.StatusInternalServerError, "store read failed")
		return
	}
	out := make([]LiquidationView, 0, len(liqs))
	for _, l := range liqs {
		out = append(out, LiquidationView{
			EventID: l.EventID, Symbol: l.Symbol, Side: string(l.Side),
			Qty: l.Qty, Price: l.Price, USDTValue: l.USDTValue,
			EventTime: l.EventTime, ReceivedAt: l.ReceivedAt,
		})
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	limit := limitParam(r)
	orders, err := s.store.RecentOrders(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to load orders", "error", err)
		s.writeError(w, http.StatusInternalServerError, "store read failed")
		return
	}
	fills, err := s.store.RecentFills(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to load fills", "error", err)
		s.writeError(w, http.StatusInternalServerError, "store read failed")
		return
	}

	resp := struct {
		Orders []OrderView `json:"orders"`
		Fills  []FillView  `json:"fills"`
	}{Orders: make([]OrderView, 0, len(orders)), Fills: make([]FillView, 0, len(fills))}
	for _, o := range orders {
		resp.Orders = append(resp.Orders, orderView(o))
	}
	for _, f := range fills {
		resp.Fills = append(resp.Fills, fillView(f))
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	healthy := true
	components := map[string]string{}
	if s.health != nil {
		components = s.health.GetStatus()
		healthy = s.health.IsHealthy()
	}

	resp := map[string]any{
		"healthy":    healthy,
		"components": components,
	}
	if s.governor != nil {
		u := s.governor.Usage()
		resp["governor"] = map[string]any{
			"weight_used":  u.WeightUsed,
			"weight_limit": u.WeightLimit,
			"orders_used":  u.OrdersUsed,
			"orders_limit": u.OrdersLimit,
			"mode":         u.Mode,
			"banned":       u.Banned,
		}
	}

	code := http.StatusOK
	if !healthy {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, resp)
}

func parseKey(r *http.Request) (core.PositionKey, bool) {
	symbol := strings.ToUpper(r.PathValue("symbol"))
	side := core.PositionSide(strings.ToUpper(r.PathValue("side")))
	if symbol == "" || (side != core.PositionLong && side != core.PositionShort) {
		return core.PositionKey{}, false
	}
	return core.PositionKey{Symbol: symbol, Side: side}, true
}

func limitParam(r *http.Request) int {
	limit := defaultLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	return limit
}

func orderView(o *core.Order) OrderView {
	return OrderView{
		OrderID:       o.OrderID,
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Side:          string(o.Side),
		PositionSide:  string(o.PositionSide),
		Type:          string(o.Type),
		Kind:          string(o.Kind),
		Status:        string(o.Status),
		Price:         o.Price,
		StopPrice:     o.StopPrice,
		OrigQty:       o.OrigQty,
		ExecutedQty:   o.ExecutedQty,
		AvgFillPrice:  o.AvgFillPrice,
		TrancheID:     o.TrancheID,
		CreatedAt:     o.CreatedAt,
		UpdatedAt:     o.UpdatedAt,
	}
}

func fillView(f *core.Fill) FillView {
	return FillView{
		OrderID:      f.OrderID,
		TradeID:      f.TradeID,
		Symbol:       f.Symbol,
		Side:         string(f.Side),
		PositionSide: string(f.PositionSide),
		Qty:          f.Qty,
		Price:        f.Price,
		Commission:   f.Commission,
		RealizedPnL:  f.RealizedPnL,
		TradeTime:    f.TradeTime,
	}
}
