// Package core defines the domain types and component interfaces shared
// across the liquidation engine.
package core

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Side is an order side as the venue spells it.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the counter side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// PositionSide identifies the position leg an order or tranche belongs to.
// In one-way mode the venue reports BOTH; the engine still keys state by
// LONG/SHORT derived from the entry side.
type PositionSide string

const (
	PositionLong  PositionSide = "LONG"
	PositionShort PositionSide = "SHORT"
	PositionBoth  PositionSide = "BOTH"
)

// EntrySide returns the order side that opens this position leg.
func (p PositionSide) EntrySide() Side {
	if p == PositionShort {
		return SideSell
	}
	return SideBuy
}

// CloseSide returns the order side that reduces this position leg.
func (p PositionSide) CloseSide() Side {
	return p.EntrySide().Opposite()
}

// PositionSideForEntry maps an entry order side to its position leg.
func PositionSideForEntry(s Side) PositionSide {
	if s == SideSell {
		return PositionShort
	}
	return PositionLong
}

// OrderType is the venue order type.
type OrderType string

const (
	OrderTypeLimit      OrderType = "LIMIT"
	OrderTypeMarket     OrderType = "MARKET"
	OrderTypeStopMarket OrderType = "STOP_MARKET"
)

// TimeInForce values accepted for LIMIT orders.
type TimeInForce string

const (
	TIFGoodTillCancel TimeInForce = "GTC"
	TIFImmediate      TimeInForce = "IOC"
	TIFFillOrKill     TimeInForce = "FOK"
	TIFPostOnly       TimeInForce = "GTX"
)

// WorkingType selects the price feed a stop order triggers on.
type WorkingType string

const (
	WorkingTypeMark     WorkingType = "MARK_PRICE"
	WorkingTypeContract WorkingType = "CONTRACT_PRICE"
)

// MarginType per symbol.
type MarginType string

const (
	MarginIsolated MarginType = "ISOLATED"
	MarginCrossed  MarginType = "CROSSED"
)

// OrderStatus mirrors the venue order lifecycle.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
	OrderStatusRejected        OrderStatus = "REJECTED"
)

// IsTerminal reports whether no further updates can arrive for the order.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusExpired, OrderStatusRejected:
		return true
	}
	return false
}

// OrderKind classifies what role an order plays in the engine.
type OrderKind string

const (
	KindEntry      OrderKind = "ENTRY"
	KindTakeProfit OrderKind = "TAKE_PROFIT"
	KindStopLoss   OrderKind = "STOP_LOSS"
	KindClose      OrderKind = "CLOSE"
)

// Priority classes for rate-governor admission.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityLow:
		return "low"
	default:
		return "normal"
	}
}

// PositionKey addresses one independently managed position state machine.
type PositionKey struct {
	Symbol string
	Side   PositionSide
}

func (k PositionKey) String() string {
	return k.Symbol + "/" + string(k.Side)
}

// Liquidation is one normalized forced-order event.
type Liquidation struct {
	EventID    string
	Symbol     string
	Side       Side // side of the liquidated order as sent by the venue
	Qty        decimal.Decimal
	Price      decimal.Decimal
	USDTValue  decimal.Decimal
	EventTime  time.Time
	ReceivedAt time.Time
}

// Order is the engine's record of a venue order.
type Order struct {
	OrderID       int64
	ClientOrderID string
	Symbol        string
	Side          Side
	PositionSide  PositionSide
	Type          OrderType
	Kind          OrderKind
	Status        OrderStatus
	Price         decimal.Decimal
	StopPrice     decimal.Decimal
	OrigQty       decimal.Decimal
	ExecutedQty   decimal.Decimal
	AvgFillPrice  decimal.Decimal
	ReduceOnly    bool
	TimeInForce   TimeInForce
	WorkingType   WorkingType
	TrancheID     int64 // -1 when the order is not tied to a tranche
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// PlaceOrderRequest carries everything the venue client needs to submit an order.
type PlaceOrderRequest struct {
	Symbol        string
	Side          Side
	PositionSide  PositionSide // sent only in hedge mode
	Type          OrderType
	Qty           decimal.Decimal
	Price         decimal.Decimal // LIMIT only
	StopPrice     decimal.Decimal // STOP_MARKET only
	TimeInForce   TimeInForce     // LIMIT only
	ReduceOnly    bool            // one-way mode close orders
	ClientOrderID string
	WorkingType   WorkingType // STOP_MARKET only
	PriceProtect  bool        // STOP_MARKET only
	Priority      Priority
}

// CancelOrderRequest identifies an order by venue id or client id.
type CancelOrderRequest struct {
	Symbol        string
	OrderID       int64
	ClientOrderID string
	Priority      Priority
}

// Fill is one trade execution against an order.
type Fill struct {
	OrderID      int64
	TradeID      int64
	Symbol       string
	Side         Side
	PositionSide PositionSide
	Qty          decimal.Decimal
	Price        decimal.Decimal
	Commission   decimal.Decimal // negative = paid
	RealizedPnL  decimal.Decimal
	TradeTime    time.Time
}

// OrderUpdate is one user-stream order event, already normalized.
type OrderUpdate struct {
	Order         Order
	ExecType      string // NEW, TRADE, CANCELED, EXPIRED, ...
	LastFillQty   decimal.Decimal
	LastFillPrice decimal.Decimal
	TradeID       int64
	Commission    decimal.Decimal
	RealizedPnL   decimal.Decimal
	EventTime     time.Time
}

// Tranche is one slice of an accumulated position with its own protection.
type Tranche struct {
	ID          int64
	Symbol      string
	Side        PositionSide
	Qty         decimal.Decimal
	AvgEntry    decimal.Decimal
	TPPrice     decimal.Decimal
	SLPrice     decimal.Decimal
	TPOrderID   int64
	SLOrderID   int64
	Unprotected bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Key returns the position state machine this tranche belongs to.
func (t *Tranche) Key() PositionKey {
	return PositionKey{Symbol: t.Symbol, Side: t.Side}
}

// PnLPct is the signed return of the tranche at the given price, in percent.
// Positive means the price moved in the tranche's favor.
func (t *Tranche) PnLPct(price decimal.Decimal) decimal.Decimal {
	if t.AvgEntry.IsZero() {
		return decimal.Zero
	}
	move := price.Sub(t.AvgEntry).Div(t.AvgEntry).Mul(decimal.NewFromInt(100))
	if t.Side == PositionShort {
		return move.Neg()
	}
	return move
}

// SymbolSpec is the venue trading filter set for one symbol.
type SymbolSpec struct {
	Symbol         string
	TickSize       decimal.Decimal
	StepSize       decimal.Decimal
	MinQty         decimal.Decimal
	MaxQty         decimal.Decimal
	MinNotional    decimal.Decimal
	PricePrecision int
	QtyPrecision   int
}

// SnapPriceDown rounds p down onto the symbol's tick grid.
func (s *SymbolSpec) SnapPriceDown(p decimal.Decimal) decimal.Decimal {
	if s.TickSize.IsZero() {
		return p
	}
	return p.Div(s.TickSize).Floor().Mul(s.TickSize)
}

// SnapPriceUp rounds p up onto the symbol's tick grid.
func (s *SymbolSpec) SnapPriceUp(p decimal.Decimal) decimal.Decimal {
	if s.TickSize.IsZero() {
		return p
	}
	return p.Div(s.TickSize).Ceil().Mul(s.TickSize)
}

// SnapPricePassive rounds p onto the tick grid away from the spread, down
// for buys and up for sells, so a limit order never gains aggression from
// rounding.
func (s *SymbolSpec) SnapPricePassive(p decimal.Decimal, side Side) decimal.Decimal {
	if side == SideBuy {
		return s.SnapPriceDown(p)
	}
	return s.SnapPriceUp(p)
}

// SnapQtyDown rounds q down onto the symbol's lot step.
func (s *SymbolSpec) SnapQtyDown(q decimal.Decimal) decimal.Decimal {
	if s.StepSize.IsZero() {
		return q
	}
	return q.Div(s.StepSize).Floor().Mul(s.StepSize)
}

// VenuePosition is one position leg as reported by the venue.
type VenuePosition struct {
	Symbol        string
	Side          PositionSide
	Qty           decimal.Decimal // absolute
	EntryPrice    decimal.Decimal
	MarkPrice     decimal.Decimal
	UnrealizedPnL decimal.Decimal
	Leverage      int
}

// AccountState is the subset of account info the engine inspects.
type AccountState struct {
	TotalWalletBalance decimal.Decimal
	AvailableBalance   decimal.Decimal
	TotalUnrealizedPnL decimal.Decimal
	TotalMarginBalance decimal.Decimal
}

// PriceLevel is one book level.
type PriceLevel struct {
	Price decimal.Decimal
	Qty   decimal.Decimal
}

// Depth is an order book snapshot.
type Depth struct {
	Symbol string
	Bids   []PriceLevel // descending price
	Asks   []PriceLevel // ascending price
}

// BestBid returns the top bid, or zero when the book side is empty.
func (d *Depth) BestBid() decimal.Decimal {
	if len(d.Bids) == 0 {
		return decimal.Zero
	}
	return d.Bids[0].Price
}

// BestAsk returns the top ask, or zero when the book side is empty.
func (d *Depth) BestAsk() decimal.Decimal {
	if len(d.Asks) == 0 {
		return decimal.Zero
	}
	return d.Asks[0].Price
}

// MarkPrice is one mark-price stream tick.
type MarkPrice struct {
	Symbol    string
	Price     decimal.Decimal
	EventTime time.Time
}

// ProtectionTaskKind enumerates the serialized per-key protection operations.
type ProtectionTaskKind int

const (
	TaskEstablish ProtectionTaskKind = iota // place TP+SL for a new/absorbed tranche
	TaskRebuild                             // cancel and replace both legs
	TaskSiblingCancel                       // TP or SL filled: cancel the companion
	TaskResize                              // partial reduce: shrink protection qty
	TaskPlaceMissing                        // reconciler found a naked leg
	TaskCloseMarket                         // market-close the tranche (fast path, command)
)

func (k ProtectionTaskKind) String() string {
	switch k {
	case TaskEstablish:
		return "establish"
	case TaskRebuild:
		return "rebuild"
	case TaskSiblingCancel:
		return "sibling_cancel"
	case TaskResize:
		return "resize"
	case TaskPlaceMissing:
		return "place_missing"
	case TaskCloseMarket:
		return "close_market"
	default:
		return fmt.Sprintf("task(%d)", int(k))
	}
}

// ProtectionTask is one unit of work for the protection manager's per-key queue.
type ProtectionTask struct {
	Kind      ProtectionTaskKind
	Key       PositionKey
	TrancheID int64
	// EntryOrderID names the entry fill that prompted the task, when there
	// is one, so the relationship index can link entry to protective legs.
	EntryOrderID int64
	// FilledOrderID is set for TaskSiblingCancel: the leg that filled.
	FilledOrderID int64
	// CancelTPID and CancelSLID name legs to cancel on tasks issued after
	// the tranche row is already gone; zero means no such leg.
	CancelTPID int64
	CancelSLID int64
	// Reason is a short tag for logs and metrics.
	Reason string
}
