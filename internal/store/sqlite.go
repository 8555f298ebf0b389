// Package store persists the engine's event history: liquidations,
// orders, tranche state, order relationships and fills. The sqlite
// implementation is the production store; the memory implementation
// backs tests and simulation runs.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"liqhunter/internal/core"
	apperrors "liqhunter/pkg/errors"
)

const schema = `
CREATE TABLE IF NOT EXISTS liquidations (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	event_id     TEXT NOT NULL,
	symbol       TEXT NOT NULL,
	side         TEXT NOT NULL,
	qty          TEXT NOT NULL,
	price        TEXT NOT NULL,
	usdt_value   TEXT NOT NULL,
	event_time   INTEGER NOT NULL,
	received_at  INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_liq_event ON liquidations(event_id);
CREATE INDEX IF NOT EXISTS idx_liq_lookup ON liquidations(symbol, side, event_time);

CREATE TABLE IF NOT EXISTS orders (
	order_id        INTEGER PRIMARY KEY,
	client_order_id TEXT NOT NULL DEFAULT '',
	symbol          TEXT NOT NULL,
	side            TEXT NOT NULL,
	position_side   TEXT NOT NULL,
	type            TEXT NOT NULL,
	kind            TEXT NOT NULL,
	status          TEXT NOT NULL,
	price           TEXT NOT NULL,
	stop_price      TEXT NOT NULL,
	orig_qty        TEXT NOT NULL,
	executed_qty    TEXT NOT NULL,
	avg_fill_price  TEXT NOT NULL,
	reduce_only     INTEGER NOT NULL DEFAULT 0,
	time_in_force   TEXT NOT NULL DEFAULT '',
	working_type    TEXT NOT NULL DEFAULT '',
	tranche_id      INTEGER NOT NULL DEFAULT -1,
	created_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_orders_client ON orders(client_order_id);
CREATE INDEX IF NOT EXISTS idx_orders_symbol_status ON orders(symbol, status);

CREATE TABLE IF NOT EXISTS order_relationships (
	entry_order_id INTEGER PRIMARY KEY,
	tp_order_id    INTEGER NOT NULL DEFAULT 0,
	sl_order_id    INTEGER NOT NULL DEFAULT 0,
	tranche_id     INTEGER NOT NULL DEFAULT -1,
	symbol         TEXT NOT NULL,
	side           TEXT NOT NULL,
	created_at     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_rel_symbol ON order_relationships(symbol);

CREATE TABLE IF NOT EXISTS tranches (
	symbol      TEXT NOT NULL,
	side        TEXT NOT NULL,
	tranche_id  INTEGER NOT NULL,
	qty         TEXT NOT NULL,
	avg_entry   TEXT NOT NULL,
	tp_price    TEXT NOT NULL,
	sl_price    TEXT NOT NULL,
	tp_order_id INTEGER NOT NULL DEFAULT 0,
	sl_order_id INTEGER NOT NULL DEFAULT 0,
	unprotected INTEGER NOT NULL DEFAULT 0,
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL,
	PRIMARY KEY (symbol, side, tranche_id)
);

CREATE TABLE IF NOT EXISTS tranche_seq (
	symbol  TEXT NOT NULL,
	side    TEXT NOT NULL,
	next_id INTEGER NOT NULL,
	PRIMARY KEY (symbol, side)
);

CREATE TABLE IF NOT EXISTS fills (
	trade_id      INTEGER NOT NULL,
	order_id      INTEGER NOT NULL,
	symbol        TEXT NOT NULL,
	side          TEXT NOT NULL,
	position_side TEXT NOT NULL,
	qty           TEXT NOT NULL,
	price         TEXT NOT NULL,
	commission    TEXT NOT NULL,
	realized_pnl  TEXT NOT NULL,
	trade_time    INTEGER NOT NULL,
	PRIMARY KEY (trade_id, order_id)
);
CREATE INDEX IF NOT EXISTS idx_fills_order ON fills(order_id);
CREATE INDEX IF NOT EXISTS idx_fills_time ON fills(trade_time);
`

// SQLiteStore is the durable core.IStore implementation.
type SQLiteStore struct {
	db *sql.DB
}

var _ core.IStore = (*SQLiteStore)(nil)

// NewSQLiteStore opens (creating if needed) the store at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Enable WAL mode for crash recovery; writes are short transactions
	// so a modest busy timeout absorbs contention.
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	// Single connection serializes writers at the pool level.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// wrapErr maps driver-level busy/locked conditions onto the shared
// sentinel so call sites can retry through pkg/retry.
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var se sqlite3.Error
	if errors.As(err, &se) && (se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked) {
		return fmt.Errorf("%s: %v: %w", op, err, apperrors.ErrStoreBusy)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func ms(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMs(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.UnixMilli(v)
}

func parseDec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// --- Liquidations ---

// InsertLiquidation persists one event. INSERT OR IGNORE keeps the write
// idempotent when a reconnect replays an event already persisted; the
// returned flag is false for such replays so callers skip double-counting.
func (s *SQLiteStore) InsertLiquidation(ctx context.Context, l *core.Liquidation) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO liquidations
			(event_id, symbol, side, qty, price, usdt_value, event_time, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		l.EventID, l.Symbol, string(l.Side), l.Qty.String(), l.Price.String(),
		l.USDTValue.String(), ms(l.EventTime), ms(l.ReceivedAt))
	if err != nil {
		return false, wrapErr("insert liquidation", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrapErr("insert liquidation", err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) SumUSDTVolume(ctx context.Context, symbol string, side core.Side, since time.Time) (decimal.Decimal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT usdt_value FROM liquidations
		WHERE symbol = ? AND side = ? AND event_time >= ?`,
		symbol, string(side), ms(since))
	if err != nil {
		return decimal.Zero, wrapErr("sum usdt volume", err)
	}
	defer rows.Close()

	sum := decimal.Zero
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return decimal.Zero, wrapErr("sum usdt volume scan", err)
		}
		sum = sum.Add(parseDec(v))
	}
	return sum, wrapErr("sum usdt volume rows", rows.Err())
}

func (s *SQLiteStore) RecentLiquidations(ctx context.Context, limit int) ([]*core.Liquidation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, symbol, side, qty, price, usdt_value, event_time, received_at
		FROM liquidations ORDER BY event_time DESC LIMIT ?`, limit)
	if err != nil {
		return nil, wrapErr("recent liquidations", err)
	}
	defer rows.Close()
	return scanLiquidations(rows)
}

func (s *SQLiteStore) LiquidationsSince(ctx context.Context, since time.Time) ([]*core.Liquidation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, symbol, side, qty, price, usdt_value, event_time, received_at
		FROM liquidations WHERE event_time >= ? ORDER BY event_time ASC`, ms(since))
	if err != nil {
		return nil, wrapErr("liquidations since", err)
	}
	defer rows.Close()
	return scanLiquidations(rows)
}

func scanLiquidations(rows *sql.Rows) ([]*core.Liquidation, error) {
	var out []*core.Liquidation
	for rows.Next() {
		var l core.Liquidation
		var side, qty, price, usdt string
		var eventTime, receivedAt int64
		if err := rows.Scan(&l.EventID, &l.Symbol, &side, &qty, &price, &usdt, &eventTime, &receivedAt); err != nil {
			return nil, wrapErr("scan liquidation", err)
		}
		l.Side = core.Side(side)
		l.Qty = parseDec(qty)
		l.Price = parseDec(price)
		l.USDTValue = parseDec(usdt)
		l.EventTime = fromMs(eventTime)
		l.ReceivedAt = fromMs(receivedAt)
		out = append(out, &l)
	}
	return out, wrapErr("liquidation rows", rows.Err())
}

// --- Orders ---

const orderColumns = `order_id, client_order_id, symbol, side, position_side, type, kind,
	status, price, stop_price, orig_qty, executed_qty, avg_fill_price,
	reduce_only, time_in_force, working_type, tranche_id, created_at, updated_at`

func (s *SQLiteStore) UpsertOrder(ctx context.Context, o *core.Order) error {
	// created_at survives replacement; everything else is refreshed.
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(order_id) DO UPDATE SET
			client_order_id = excluded.client_order_id,
			symbol = excluded.symbol,
			side = excluded.side,
			position_side = excluded.position_side,
			type = excluded.type,
			kind = excluded.kind,
			status = excluded.status,
			price = excluded.price,
			stop_price = excluded.stop_price,
			orig_qty = excluded.orig_qty,
			executed_qty = excluded.executed_qty,
			avg_fill_price = excluded.avg_fill_price,
			reduce_only = excluded.reduce_only,
			time_in_force = excluded.time_in_force,
			working_type = excluded.working_type,
			tranche_id = excluded.tranche_id,
			updated_at = excluded.updated_at`,
		o.OrderID, o.ClientOrderID, o.Symbol, string(o.Side), string(o.PositionSide),
		string(o.Type), string(o.Kind), string(o.Status), o.Price.String(),
		o.StopPrice.String(), o.OrigQty.String(), o.ExecutedQty.String(),
		o.AvgFillPrice.String(), boolToInt(o.ReduceOnly), string(o.TimeInForce),
		string(o.WorkingType), o.TrancheID, ms(o.CreatedAt), ms(o.UpdatedAt))
	return wrapErr("upsert order", err)
}

func (s *SQLiteStore) UpdateOrderStatus(ctx context.Context, orderID int64, status core.OrderStatus, executedQty, avgPrice decimal.Decimal) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders SET status = ?, executed_qty = ?, avg_fill_price = ?, updated_at = ?
		WHERE order_id = ?`,
		string(status), executedQty.String(), avgPrice.String(), ms(time.Now()), orderID)
	if err != nil {
		return wrapErr("update order status", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update order status %d: %w", orderID, apperrors.ErrOrderNotFound)
	}
	return nil
}

func (s *SQLiteStore) OrderByID(ctx context.Context, orderID int64) (*core.Order, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE order_id = ?`, orderID)
	return scanOrder(row, orderID)
}

func (s *SQLiteStore) OrderByClientID(ctx context.Context, clientOrderID string) (*core.Order, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE client_order_id = ? ORDER BY updated_at DESC LIMIT 1`,
		clientOrderID)
	o, err := scanOrder(row, 0)
	if err != nil && errors.Is(err, apperrors.ErrOrderNotFound) {
		return nil, fmt.Errorf("order %q: %w", clientOrderID, apperrors.ErrOrderNotFound)
	}
	return o, err
}

func (s *SQLiteStore) OpenEntryOrders(ctx context.Context, symbol string) ([]*core.Order, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE symbol = ? AND kind = ? AND status IN (?, ?)
		ORDER BY created_at ASC`,
		symbol, string(core.KindEntry),
		string(core.OrderStatusNew), string(core.OrderStatusPartiallyFilled))
	if err != nil {
		return nil, wrapErr("open entry orders", err)
	}
	defer rows.Close()
	return scanOrders(rows)
}

func (s *SQLiteStore) RecentOrders(ctx context.Context, limit int) ([]*core.Order, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+orderColumns+` FROM orders ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, wrapErr("recent orders", err)
	}
	defer rows.Close()
	return scanOrders(rows)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOrderInto(sc rowScanner) (*core.Order, error) {
	var o core.Order
	var side, posSide, typ, kind, status string
	var price, stop, orig, executed, avg string
	var reduceOnly int
	var tif, workingType string
	var createdAt, updatedAt int64
	err := sc.Scan(&o.OrderID, &o.ClientOrderID, &o.Symbol, &side, &posSide, &typ, &kind,
		&status, &price, &stop, &orig, &executed, &avg,
		&reduceOnly, &tif, &workingType, &o.TrancheID, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	o.Side = core.Side(side)
	o.PositionSide = core.PositionSide(posSide)
	o.Type = core.OrderType(typ)
	o.Kind = core.OrderKind(kind)
	o.Status = core.OrderStatus(status)
	o.Price = parseDec(price)
	o.StopPrice = parseDec(stop)
	o.OrigQty = parseDec(orig)
	o.ExecutedQty = parseDec(executed)
	o.AvgFillPrice = parseDec(avg)
	o.ReduceOnly = reduceOnly != 0
	o.TimeInForce = core.TimeInForce(tif)
	o.WorkingType = core.WorkingType(workingType)
	o.CreatedAt = fromMs(createdAt)
	o.UpdatedAt = fromMs(updatedAt)
	return &o, nil
}

func scanOrder(row *sql.Row, orderID int64) (*core.Order, error) {
	o, err := scanOrderInto(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("order %d: %w", orderID, apperrors.ErrOrderNotFound)
		}
		return nil, wrapErr("scan order", err)
	}
	return o, nil
}

func scanOrders(rows *sql.Rows) ([]*core.Order, error) {
	var out []*core.Order
	for rows.Next() {
		o, err := scanOrderInto(rows)
		if err != nil {
			return nil, wrapErr("scan order", err)
		}
		out = append(out, o)
	}
	return out, wrapErr("order rows", rows.Err())
}

// --- Tranches ---

func (s *SQLiteStore) CreateTranche(ctx context.Context, t *core.Tranche) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapErr("create tranche begin", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tranches
			(symbol, side, tranche_id, qty, avg_entry, tp_price, sl_price,
			 tp_order_id, sl_order_id, unprotected, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.Symbol, string(t.Side), t.ID, t.Qty.String(), t.AvgEntry.String(),
		t.TPPrice.String(), t.SLPrice.String(), t.TPOrderID, t.SLOrderID,
		boolToInt(t.Unprotected), ms(t.CreatedAt), ms(t.UpdatedAt))
	if err != nil {
		return wrapErr("create tranche", err)
	}

	// Keep the id high-water mark ahead of every id ever issued so ids
	// are never reused after a delete.
	_, err = tx.ExecContext(ctx, `
		INSERT INTO tranche_seq (symbol, side, next_id) VALUES (?, ?, ?)
		ON CONFLICT(symbol, side) DO UPDATE SET next_id = MAX(next_id, excluded.next_id)`,
		t.Symbol, string(t.Side), t.ID+1)
	if err != nil {
		return wrapErr("create tranche seq", err)
	}

	return wrapErr("create tranche commit", tx.Commit())
}

func (s *SQLiteStore) UpdateTranche(ctx context.Context, t *core.Tranche) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tranches SET
			qty = ?, avg_entry = ?, tp_price = ?, sl_price = ?,
			tp_order_id = ?, sl_order_id = ?, unprotected = ?, updated_at = ?
		WHERE symbol = ? AND side = ? AND tranche_id = ?`,
		t.Qty.String(), t.AvgEntry.String(), t.TPPrice.String(), t.SLPrice.String(),
		t.TPOrderID, t.SLOrderID, boolToInt(t.Unprotected), ms(time.Now()),
		t.Symbol, string(t.Side), t.ID)
	if err != nil {
		return wrapErr("update tranche", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update tranche %s/%d: %w", t.Key(), t.ID, apperrors.ErrPositionNotFound)
	}
	return nil
}

func (s *SQLiteStore) DeleteTranche(ctx context.Context, symbol string, side core.PositionSide, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM tranches WHERE symbol = ? AND side = ? AND tranche_id = ?`,
		symbol, string(side), id)
	return wrapErr("delete tranche", err)
}

func (s *SQLiteStore) ListTranches(ctx context.Context, symbol string, side core.PositionSide) ([]*core.Tranche, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT symbol, side, tranche_id, qty, avg_entry, tp_price, sl_price,
		       tp_order_id, sl_order_id, unprotected, created_at, updated_at
		FROM tranches WHERE symbol = ? AND side = ? ORDER BY tranche_id ASC`,
		symbol, string(side))
	if err != nil {
		return nil, wrapErr("list tranches", err)
	}
	defer rows.Close()
	return scanTranches(rows)
}

func (s *SQLiteStore) AllTranches(ctx context.Context) ([]*core.Tranche, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT symbol, side, tranche_id, qty, avg_entry, tp_price, sl_price,
		       tp_order_id, sl_order_id, unprotected, created_at, updated_at
		FROM tranches ORDER BY symbol, side, tranche_id ASC`)
	if err != nil {
		return nil, wrapErr("all tranches", err)
	}
	defer rows.Close()
	return scanTranches(rows)
}

func scanTranches(rows *sql.Rows) ([]*core.Tranche, error) {
	var out []*core.Tranche
	for rows.Next() {
		var t core.Tranche
		var side, qty, entry, tp, sl string
		var unprotected int
		var createdAt, updatedAt int64
		if err := rows.Scan(&t.Symbol, &side, &t.ID, &qty, &entry, &tp, &sl,
			&t.TPOrderID, &t.SLOrderID, &unprotected, &createdAt, &updatedAt); err != nil {
			return nil, wrapErr("scan tranche", err)
		}
		t.Side = core.PositionSide(side)
		t.Qty = parseDec(qty)
		t.AvgEntry = parseDec(entry)
		t.TPPrice = parseDec(tp)
		t.SLPrice = parseDec(sl)
		t.Unprotected = unprotected != 0
		t.CreatedAt = fromMs(createdAt)
		t.UpdatedAt = fromMs(updatedAt)
		out = append(out, &t)
	}
	return out, wrapErr("tranche rows", rows.Err())
}

// NextTrancheID reserves and returns the next id for the key. Ids are
// monotonic over the full history of the key: the high-water row in
// tranche_seq survives tranche deletion.
func (s *SQLiteStore) NextTrancheID(ctx context.Context, symbol string, side core.PositionSide) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, wrapErr("next tranche id begin", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var next int64
	err = tx.QueryRowContext(ctx,
		`SELECT next_id FROM tranche_seq WHERE symbol = ? AND side = ?`,
		symbol, string(side)).Scan(&next)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// Seed from surviving rows so a pre-seq database keeps its ids.
		var maxID sql.NullInt64
		if err := tx.QueryRowContext(ctx,
			`SELECT MAX(tranche_id) FROM tranches WHERE symbol = ? AND side = ?`,
			symbol, string(side)).Scan(&maxID); err != nil {
			return 0, wrapErr("next tranche id seed", err)
		}
		if maxID.Valid {
			next = maxID.Int64 + 1
		}
	case err != nil:
		return 0, wrapErr("next tranche id", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tranche_seq (symbol, side, next_id) VALUES (?, ?, ?)
		ON CONFLICT(symbol, side) DO UPDATE SET next_id = excluded.next_id`,
		symbol, string(side), next+1)
	if err != nil {
		return 0, wrapErr("next tranche id advance", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, wrapErr("next tranche id commit", err)
	}
	return next, nil
}

// --- Order relationships ---

func (s *SQLiteStore) InsertRelationship(ctx context.Context, entryID, tpID, slID, trancheID int64, symbol string, side core.PositionSide) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO order_relationships
			(entry_order_id, tp_order_id, sl_order_id, tranche_id, symbol, side, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(entry_order_id) DO UPDATE SET
			tp_order_id = excluded.tp_order_id,
			sl_order_id = excluded.sl_order_id,
			tranche_id = excluded.tranche_id`,
		entryID, tpID, slID, trancheID, symbol, string(side), ms(time.Now()))
	return wrapErr("insert relationship", err)
}

// FindCompanions returns the protection order ids recorded for an entry
// order. Both ids are zero when no relationship exists.
func (s *SQLiteStore) FindCompanions(ctx context.Context, orderID int64) (int64, int64, error) {
	var tpID, slID int64
	err := s.db.QueryRowContext(ctx,
		`SELECT tp_order_id, sl_order_id FROM order_relationships WHERE entry_order_id = ?`,
		orderID).Scan(&tpID, &slID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, wrapErr("find companions", err)
	}
	return tpID, slID, nil
}

func (s *SQLiteStore) RelationshipsForSymbol(ctx context.Context, symbol string) (map[int64][2]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT entry_order_id, tp_order_id, sl_order_id FROM order_relationships WHERE symbol = ?`,
		symbol)
	if err != nil {
		return nil, wrapErr("relationships for symbol", err)
	}
	defer rows.Close()

	out := make(map[int64][2]int64)
	for rows.Next() {
		var entryID, tpID, slID int64
		if err := rows.Scan(&entryID, &tpID, &slID); err != nil {
			return nil, wrapErr("scan relationship", err)
		}
		out[entryID] = [2]int64{tpID, slID}
	}
	return out, wrapErr("relationship rows", rows.Err())
}

// --- Fills ---

func (s *SQLiteStore) InsertFill(ctx context.Context, f *core.Fill) error {
	// Stream reconnects can replay executions; the (trade_id, order_id)
	// key makes the write idempotent.
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO fills
			(trade_id, order_id, symbol, side, position_side, qty, price,
			 commission, realized_pnl, trade_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.TradeID, f.OrderID, f.Symbol, string(f.Side), string(f.PositionSide),
		f.Qty.String(), f.Price.String(), f.Commission.String(),
		f.RealizedPnL.String(), ms(f.TradeTime))
	return wrapErr("insert fill", err)
}

func (s *SQLiteStore) FillsForOrder(ctx context.Context, orderID int64) ([]*core.Fill, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT trade_id, order_id, symbol, side, position_side, qty, price,
		       commission, realized_pnl, trade_time
		FROM fills WHERE order_id = ? ORDER BY trade_time ASC`, orderID)
	if err != nil {
		return nil, wrapErr("fills for order", err)
	}
	defer rows.Close()
	return scanFills(rows)
}

func (s *SQLiteStore) RecentFills(ctx context.Context, limit int) ([]*core.Fill, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT trade_id, order_id, symbol, side, position_side, qty, price,
		       commission, realized_pnl, trade_time
		FROM fills ORDER BY trade_time DESC LIMIT ?`, limit)
	if err != nil {
		return nil, wrapErr("recent fills", err)
	}
	defer rows.Close()
	return scanFills(rows)
}

func scanFills(rows *sql.Rows) ([]*core.Fill, error) {
	var out []*core.Fill
	for rows.Next() {
		var f core.Fill
		var side, posSide, qty, price, commission, pnl string
		var tradeTime int64
		if err := rows.Scan(&f.TradeID, &f.OrderID, &f.Symbol, &side, &posSide,
			&qty, &price, &commission, &pnl, &tradeTime); err != nil {
			return nil, wrapErr("scan fill", err)
		}
		f.Side = core.Side(side)
		f.PositionSide = core.PositionSide(posSide)
		f.Qty = parseDec(qty)
		f.Price = parseDec(price)
		f.Commission = parseDec(commission)
		f.RealizedPnL = parseDec(pnl)
		f.TradeTime = fromMs(tradeTime)
		out = append(out, &f)
	}
	return out, wrapErr("fill rows", rows.Err())
}

func (s *SQLiteStore) LastEntryFillTime(ctx context.Context, symbol string) (time.Time, error) {
	var last sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(f.trade_time) FROM fills f
		JOIN orders o ON o.order_id = f.order_id
		WHERE o.symbol = ? AND o.kind = ?`,
		symbol, string(core.KindEntry)).Scan(&last)
	if err != nil {
		return time.Time{}, wrapErr("last entry fill time", err)
	}
	if !last.Valid {
		return time.Time{}, nil
	}
	return fromMs(last.Int64), nil
}

// --- Health ---

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return wrapErr("ping", s.db.PingContext(ctx))
}

// Checksum runs the sqlite integrity check. Bootstrap calls it once at
// startup before any stream opens.
func (s *SQLiteStore) Checksum(ctx context.Context) (string, error) {
	var result string
	if err := s.db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return "", wrapErr("integrity check", err)
	}
	if result != "ok" {
		return result, fmt.Errorf("integrity check failed: %s", result)
	}
	return result, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
