// Package safety runs the pre-trading account checks. The engine refuses
// to start hunting when the account cannot carry the configured exposure.
package safety

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"liqhunter/internal/config"
	"liqhunter/internal/core"
)

// marginHeadroom is the share of worst-case margin the account must cover
// beyond the minimum, absorbing fees and adverse drift before liquidation
// risk appears.
const marginHeadroom = 1.2

type Checker struct {
	cfg    *config.Config
	logger core.ILogger
}

func NewChecker(cfg *config.Config, logger core.ILogger) *Checker {
	return &Checker{
		cfg:    cfg,
		logger: logger.WithField("component", "safety"),
	}
}

// CheckAccount verifies the account can carry every configured symbol at
// its worst case: all tranche slots filled on every traded side. When the
// venue already holds positions the engine is resuming, not starting
// fresh; sizing was checked when those positions opened, so the margin
// check is skipped and recovery takes over.
func (c *Checker) CheckAccount(ctx context.Context, venue core.IVenue) error {
	positions, err := venue.PositionRisk(ctx, "")
	if err != nil {
		return fmt.Errorf("failed to get positions: %w", err)
	}
	var existing decimal.Decimal
	for _, p := range positions {
		existing = existing.Add(p.Qty.Abs())
	}
	if existing.IsPositive() {
		c.logger.Info("existing positions found, skipping margin check",
			"total_qty", existing)
		return nil
	}

	account, err := venue.GetAccount(ctx)
	if err != nil {
		return fmt.Errorf("failed to get account info: %w", err)
	}
	if !account.AvailableBalance.IsPositive() {
		return fmt.Errorf("insufficient account balance: %s", account.AvailableBalance)
	}

	required := c.worstCaseMargin()
	needed := required.Mul(decimal.NewFromFloat(marginHeadroom))
	if account.AvailableBalance.LessThan(needed) {
		return fmt.Errorf("available balance %s cannot carry configured exposure (worst-case margin %s with headroom %s)",
			account.AvailableBalance, required, needed)
	}

	c.logger.Info("account safety check passed",
		"available_balance", account.AvailableBalance,
		"worst_case_margin", required,
		"total_exposure_cap", c.exposureCap())
	return nil
}

// worstCaseMargin is the margin needed with every tranche slot filled,
// capped by the global exposure limit when one is set.
func (c *Checker) worstCaseMargin() decimal.Decimal {
	var margin decimal.Decimal
	slots := int64(c.cfg.Engine.MaxTranchesPerSymbolSide)
	if slots <= 0 {
		slots = 1
	}
	sides := int64(1)
	if c.cfg.Engine.HedgeMode {
		sides = 2
	}
	capLeft := c.exposureCap()
	for sym, sc := range c.cfg.Symbols {
		lev := int64(sc.Leverage)
		if lev <= 0 {
			lev = 1
		}
		notional := decimal.NewFromFloat(sc.TradeValueUSDT).Mul(decimal.NewFromInt(lev * slots * sides))
		if sc.MaxPositionUSDT > 0 {
			perSide := decimal.NewFromFloat(sc.MaxPositionUSDT).Mul(decimal.NewFromInt(sides))
			if perSide.LessThan(notional) {
				notional = perSide
			}
		}
		if capLeft.IsPositive() && notional.GreaterThan(capLeft) {
			notional = capLeft
		}
		if capLeft.IsPositive() {
			capLeft = capLeft.Sub(notional)
			if capLeft.IsNegative() {
				capLeft = decimal.Zero
			}
		}
		margin = margin.Add(notional.Div(decimal.NewFromInt(lev)))
		c.logger.Debug("symbol worst case", "symbol", sym, "notional", notional, "leverage", lev)
	}
	return margin
}

func (c *Checker) exposureCap() decimal.Decimal {
	if c.cfg.Engine.MaxTotalExposureUSDT <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromFloat(c.cfg.Engine.MaxTotalExposureUSDT)
}

// CheckConnectivity probes the venue surfaces the engine depends on before
// streams start: signed account access, market data, and open orders.
func (c *Checker) CheckConnectivity(ctx context.Context, venue core.IVenue) error {
	c.logger.Info("checking venue connectivity", "venue", venue.GetName())

	if _, err := venue.GetAccount(ctx); err != nil {
		return fmt.Errorf("account access failed: %w", err)
	}

	for sym := range c.cfg.Symbols {
		price, err := venue.GetMarkPrice(ctx, sym)
		if err != nil {
			return fmt.Errorf("mark price access failed for %s: %w", sym, err)
		}
		if !price.IsPositive() {
			return fmt.Errorf("invalid mark price for %s: %s", sym, price)
		}
		break
	}

	if _, err := venue.OpenOrders(ctx, ""); err != nil {
		return fmt.Errorf("open orders access failed: %w", err)
	}

	c.logger.Info("venue connectivity check passed")
	return nil
}
