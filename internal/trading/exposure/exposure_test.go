package exposure

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"liqhunter/internal/core"
	"liqhunter/internal/logging"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var btcLong = core.PositionKey{Symbol: "BTCUSDT", Side: core.PositionLong}

func TestLedgerReserveAndRelease(t *testing.T) {
	l := NewLedger(logging.Discard())

	l.Reserve(101, btcLong, d("100"), 10)
	assert.True(t, l.TotalNotional().Equal(d("100")))
	assert.True(t, l.SymbolNotional("BTCUSDT").Equal(d("100")))
	assert.True(t, l.SymbolNotional("ETHUSDT").IsZero())
	assert.True(t, l.TotalCollateral().Equal(d("10")))

	// A canceled order releases its full reservation; releasing twice is
	// harmless.
	l.ReleasePending(101)
	l.ReleasePending(101)
	assert.True(t, l.TotalNotional().IsZero())
}

func TestLedgerConvertFillMovesPendingIntoPosition(t *testing.T) {
	l := NewLedger(logging.Discard())
	l.Reserve(101, btcLong, d("100"), 10)

	// Half the order fills: 50 notional leaves pending, the position holds
	// the other 50, total unchanged.
	l.ConvertFill(101, btcLong, d("0.001"), d("50000"), 10)
	assert.True(t, l.TotalNotional().Equal(d("100")))

	snap := l.Snapshot()
	assert.Equal(t, 1, snap.PendingOrders)
	assert.True(t, snap.PendingNotional.Equal(d("50")))
	assert.Len(t, snap.Positions, 1)
	assert.True(t, snap.Positions[0].Qty.Equal(d("0.001")))
	assert.True(t, snap.Positions[0].AvgEntry.Equal(d("50000")))

	// The second half exhausts the reservation.
	l.ConvertFill(101, btcLong, d("0.001"), d("50000"), 10)
	snap = l.Snapshot()
	assert.Equal(t, 0, snap.PendingOrders)
	assert.True(t, l.TotalNotional().Equal(d("100")))
	assert.True(t, l.TotalCollateral().Equal(d("10")))
}

func TestLedgerConvertFillAveragesEntries(t *testing.T) {
	l := NewLedger(logging.Discard())

	l.ConvertFill(201, btcLong, d("1"), d("60000"), 5)
	l.ConvertFill(202, btcLong, d("1"), d("62000"), 5)

	snap := l.Snapshot()
	assert.Len(t, snap.Positions, 1)
	assert.True(t, snap.Positions[0].Qty.Equal(d("2")))
	assert.True(t, snap.Positions[0].AvgEntry.Equal(d("61000")))
	assert.True(t, snap.Positions[0].Notional.Equal(d("122000")))
	assert.True(t, snap.Positions[0].Margin.Equal(d("24400")))
}

func TestLedgerFillWithoutReservationStillCounts(t *testing.T) {
	l := NewLedger(logging.Discard())

	// Recovery path: a fill for an order the ledger never saw submitted.
	l.ConvertFill(999, btcLong, d("0.5"), d("60000"), 10)
	assert.True(t, l.TotalNotional().Equal(d("30000")))
}

func TestLedgerReducePosition(t *testing.T) {
	l := NewLedger(logging.Discard())
	l.ConvertFill(301, btcLong, d("2"), d("60000"), 10)

	l.ReducePosition(btcLong, d("0.5"))
	snap := l.Snapshot()
	assert.True(t, snap.Positions[0].Qty.Equal(d("1.5")))
	assert.True(t, snap.Positions[0].AvgEntry.Equal(d("60000")))

	// Reducing to or below zero removes the leg.
	l.ReducePosition(btcLong, d("2"))
	assert.True(t, l.TotalNotional().IsZero())
	assert.Empty(t, l.Snapshot().Positions)

	// Reducing an unknown leg is a no-op.
	l.ReducePosition(core.PositionKey{Symbol: "ETHUSDT", Side: core.PositionShort}, d("1"))
}

func TestLedgerSetPositionOverwrites(t *testing.T) {
	l := NewLedger(logging.Discard())
	l.ConvertFill(401, btcLong, d("1"), d("60000"), 10)

	// Reconciler snaps to venue truth.
	l.SetPosition(btcLong, d("3"), d("59000"), 20)
	snap := l.Snapshot()
	assert.True(t, snap.Positions[0].Qty.Equal(d("3")))
	assert.True(t, snap.Positions[0].AvgEntry.Equal(d("59000")))
	assert.True(t, snap.Positions[0].Margin.Equal(d("8850")))

	// Zero quantity from the venue removes the leg.
	l.SetPosition(btcLong, decimal.Zero, decimal.Zero, 20)
	assert.Empty(t, l.Snapshot().Positions)
}

func TestLedgerHedgeLegsAreIndependent(t *testing.T) {
	l := NewLedger(logging.Discard())
	short := core.PositionKey{Symbol: "BTCUSDT", Side: core.PositionShort}

	l.ConvertFill(501, btcLong, d("1"), d("60000"), 10)
	l.ConvertFill(502, short, d("1"), d("61000"), 10)

	// Exposure is the sum of absolute notionals, never a net.
	assert.True(t, l.SymbolNotional("BTCUSDT").Equal(d("121000")))
	assert.True(t, l.TotalNotional().Equal(d("121000")))

	l.DropPosition(short)
	assert.True(t, l.TotalNotional().Equal(d("60000")))
}
