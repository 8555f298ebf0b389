package core

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
)

// IVenue is the trading venue surface the engine depends on. The production
// implementation signs USDT-M futures REST calls; internal/mock provides the
// scripted test double.
type IVenue interface {
	// Identity
	GetName() string
	CheckHealth(ctx context.Context) error

	// Order operations
	PlaceOrder(ctx context.Context, req *PlaceOrderRequest) (*Order, error)
	PlaceBatch(ctx context.Context, reqs []*PlaceOrderRequest) ([]*Order, error)
	CancelOrder(ctx context.Context, req *CancelOrderRequest) error
	CancelAllOpen(ctx context.Context, symbol string) error
	QueryOrder(ctx context.Context, symbol string, orderID int64, clientOrderID string) (*Order, error)
	OpenOrders(ctx context.Context, symbol string) ([]*Order, error)

	// Account and position
	GetAccount(ctx context.Context) (*AccountState, error)
	PositionRisk(ctx context.Context, symbol string) ([]*VenuePosition, error)

	// Symbol session setup
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	SetMarginType(ctx context.Context, symbol string, mt MarginType) error
	SetPositionMode(ctx context.Context, hedge bool) error
	SetMultiAssetsMode(ctx context.Context, enabled bool) error

	// Market data
	GetDepth(ctx context.Context, symbol string, limit int) (*Depth, error)
	GetMarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	FetchExchangeInfo(ctx context.Context) error
	GetSymbolSpec(symbol string) (*SymbolSpec, error)
	ServerTime(ctx context.Context) (time.Time, error)

	// User-data stream lifecycle
	CreateListenKey(ctx context.Context) (string, error)
	KeepAliveListenKey(ctx context.Context, key string) error
	CloseListenKey(ctx context.Context, key string) error
}

// IGovernor is the client-side rate budget for all venue traffic.
type IGovernor interface {
	// Admit reports whether a request may be sent now. When denied, wait is
	// a hint for how long the caller should hold off.
	Admit(endpoint, method string, params url.Values, pr Priority) (ok bool, wait time.Duration)
	// AdmitOrder additionally charges the order-count window and the
	// short-horizon smoothing limiter.
	AdmitOrder(ctx context.Context, pr Priority) (ok bool, wait time.Duration)
	// WaitAdmit is the queued form of Admit: it blocks until admitted,
	// the context ends, or the per-priority queue is full.
	WaitAdmit(ctx context.Context, endpoint, method string, params url.Values, pr Priority) error
	// Record charges the weight window after a request is sent.
	Record(endpoint, method string, params url.Values)
	RecordOrder()
	// ObserveHeaders reconciles local counters with the venue's own view.
	ObserveHeaders(h http.Header)
	// ObserveStatus feeds response codes back for 429/418 policy.
	ObserveStatus(code int, endpoint string)
	EnableBurst(d time.Duration)
	EnableCascade(d time.Duration)
	Banned() (bool, time.Time)
	Usage() GovernorSnapshot
}

// GovernorSnapshot is a point-in-time view of rate budget occupancy.
type GovernorSnapshot struct {
	WeightUsed     int
	WeightLimit    int
	OrdersUsed     int
	OrdersLimit    int
	Mode           string // normal, burst, cascade
	Banned         bool
	BannedUntil    time.Time
	Backoff429     int
	QueuedCritical int
	QueuedNormal   int
	QueuedLow      int
}

// IStore is the durable event store beneath the engine.
type IStore interface {
	// Liquidations. InsertLiquidation reports false when the event id was
	// already persisted, so stream replays are not double-counted.
	InsertLiquidation(ctx context.Context, l *Liquidation) (bool, error)
	SumUSDTVolume(ctx context.Context, symbol string, side Side, since time.Time) (decimal.Decimal, error)
	RecentLiquidations(ctx context.Context, limit int) ([]*Liquidation, error)
	LiquidationsSince(ctx context.Context, since time.Time) ([]*Liquidation, error)

	// Orders
	UpsertOrder(ctx context.Context, o *Order) error
	UpdateOrderStatus(ctx context.Context, orderID int64, status OrderStatus, executedQty, avgPrice decimal.Decimal) error
	OrderByID(ctx context.Context, orderID int64) (*Order, error)
	OrderByClientID(ctx context.Context, clientOrderID string) (*Order, error)
	OpenEntryOrders(ctx context.Context, symbol string) ([]*Order, error)
	RecentOrders(ctx context.Context, limit int) ([]*Order, error)

	// Tranches
	CreateTranche(ctx context.Context, t *Tranche) error
	UpdateTranche(ctx context.Context, t *Tranche) error
	DeleteTranche(ctx context.Context, symbol string, side PositionSide, id int64) error
	ListTranches(ctx context.Context, symbol string, side PositionSide) ([]*Tranche, error)
	AllTranches(ctx context.Context) ([]*Tranche, error)
	NextTrancheID(ctx context.Context, symbol string, side PositionSide) (int64, error)

	// Order relationships (entry -> protection legs)
	InsertRelationship(ctx context.Context, entryID, tpID, slID, trancheID int64, symbol string, side PositionSide) error
	FindCompanions(ctx context.Context, orderID int64) (tpID, slID int64, err error)
	RelationshipsForSymbol(ctx context.Context, symbol string) (map[int64][2]int64, error)

	// Fills
	InsertFill(ctx context.Context, f *Fill) error
	FillsForOrder(ctx context.Context, orderID int64) ([]*Fill, error)
	RecentFills(ctx context.Context, limit int) ([]*Fill, error)
	LastEntryFillTime(ctx context.Context, symbol string) (time.Time, error)

	Ping(ctx context.Context) error
	Close() error
}

// IWindow answers rolling-window volume queries.
type IWindow interface {
	Add(l *Liquidation)
	Current(symbol string, side Side) decimal.Decimal
	Rebuild(ctx context.Context, store IStore) error
}

// IPartitioner owns tranche state for every position key.
type IPartitioner interface {
	// OnEntryFill routes a filled entry into a tranche (absorb or create).
	OnEntryFill(ctx context.Context, o *Order, fillPrice decimal.Decimal, qty decimal.Decimal) error
	// OnProtectionFill handles a TP or SL fill reducing or closing a tranche.
	OnProtectionFill(ctx context.Context, trancheID int64, key PositionKey, filledQty decimal.Decimal, filledOrderID int64) error
	// DropTranche removes a tranche whose venue position is gone.
	DropTranche(ctx context.Context, key PositionKey, trancheID int64, reason string) error
	// AdoptVenuePosition creates a synthetic recovery tranche for venue
	// quantity the store does not account for.
	AdoptVenuePosition(ctx context.Context, key PositionKey, qty, markPrice decimal.Decimal) error
	Tranches(key PositionKey) []*Tranche
	AllKeys() []PositionKey
	AggregatePnLPct(key PositionKey, price decimal.Decimal) decimal.Decimal
	Recover(ctx context.Context) error
	MergeProfitablePairs(ctx context.Context, key PositionKey, markPrice decimal.Decimal) error
	// SetProtection records the outcome of a protection build: the live leg
	// ids and prices (zero clears a leg) and whether the tranche is exposed.
	SetProtection(ctx context.Context, key PositionKey, trancheID, tpID, slID int64, tpPrice, slPrice decimal.Decimal, unprotected bool) error
}

// IProtector maintains the TP/SL pair for every tranche.
type IProtector interface {
	Submit(task ProtectionTask) bool
	Start(ctx context.Context) error
	Stop() error
}

// IAlerter fans a notification out to the configured channels.
type IAlerter interface {
	Alert(ctx context.Context, level AlertLevel, title, message string, fields map[string]string)
}

// AlertLevel grades alert severity.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "INFO"
	AlertWarning  AlertLevel = "WARNING"
	AlertError    AlertLevel = "ERROR"
	AlertCritical AlertLevel = "CRITICAL"
)

// IHealthMonitor is the component health registry.
type IHealthMonitor interface {
	Register(component string, check func() error)
	GetStatus() map[string]string
	IsHealthy() bool
}

// ILogger is the structured logger handed to every component.
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}
