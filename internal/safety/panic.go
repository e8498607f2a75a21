// Package safety implements the emergency-stop path: force-closing every
// open position as fast as possible, continuing past individual failures
// instead of stopping at the first one.
package safety

import (
	"context"
	"fmt"
	"sync"

	"funding_harvester/internal/core"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// panicBufferPct is how far through the book a panic-close limit reaches:
// sells rest at 95% of bid, buys at 105% of ask. Wide enough to fill against
// normal intraday moves without resorting to an unbounded market order.
const panicBufferPct = 0.05

// CloseOutcome records what happened when the panic switch tried to
// flatten one coin's pair of legs.
type CloseOutcome struct {
	Coin       string
	SpotClosed bool
	PerpClosed bool
	Err        error
}

// PanicSwitch closes every open position on the book as aggressively as
// possible: it does not wait for favorable fills, does not retry a failed
// leg beyond the gateway's own resilience, and never lets one coin's
// failure stop the rest from being attempted.
type PanicSwitch struct {
	gateway  core.ExchangeGateway
	logger   core.Logger
	notifier core.Notifier
	coldLog  core.ColdLogger
}

// NewPanicSwitch creates a PanicSwitch.
func NewPanicSwitch(gateway core.ExchangeGateway, logger core.Logger, notifier core.Notifier, coldLog core.ColdLogger) *PanicSwitch {
	return &PanicSwitch{
		gateway:  gateway,
		logger:   logger.WithField("component", "panic_switch"),
		notifier: notifier,
		coldLog:  coldLog,
	}
}

// EmergencyCloseAll submits a closing order for every non-flat leg across
// every position, concurrently, and reports per-coin outcomes. It never
// touches the priority lock (see internal/priority), and neither of its
// callers, the margin watchdog and --verify-panic, acquires it first.
func (p *PanicSwitch) EmergencyCloseAll(ctx context.Context, positions []core.Position) []CloseOutcome {
	p.logger.Error("panic switch triggered, closing all positions", "position_count", len(positions))

	results := make([]CloseOutcome, len(positions))
	var wg sync.WaitGroup

	for i, pos := range positions {
		wg.Add(1)
		go func(i int, pos core.Position) {
			defer wg.Done()
			results[i] = p.closePosition(ctx, pos)
		}(i, pos)
	}
	wg.Wait()

	var failed int
	for _, r := range results {
		if r.Err != nil {
			failed++
			if p.notifier != nil {
				p.notifier.Notify(ctx, core.AlertCritical, "panic close failed",
					fmt.Sprintf("coin=%s spot_closed=%v perp_closed=%v err=%v", r.Coin, r.SpotClosed, r.PerpClosed, r.Err),
					map[string]string{"coin": r.Coin})
			}
		}
	}

	if p.coldLog != nil {
		p.coldLog.Log(core.ColdEvent{
			Kind: "panic_close",
			Data: map[string]interface{}{"position_count": len(positions), "failed": failed},
		})
	}

	if failed == 0 && p.notifier != nil {
		p.notifier.Notify(ctx, core.AlertCritical, "panic switch completed",
			fmt.Sprintf("closed %d positions", len(positions)), nil)
	}

	return results
}

func (p *PanicSwitch) closePosition(ctx context.Context, pos core.Position) CloseOutcome {
	outcome := CloseOutcome{Coin: pos.Coin}

	if !pos.SizeSpot.IsZero() {
		side := core.SideSell
		if pos.SizeSpot.LessThan(decimal.Zero) {
			side = core.SideBuy
		}
		limit := p.aggressiveLimit(ctx, pos.Coin, core.MarketSpot, side)
		cloid := "panic-" + uuid.NewString()
		if err := p.gateway.PlaceOrder(ctx, pos.Coin, core.MarketSpot, side, pos.SizeSpot.Abs(), limit, cloid); err != nil {
			outcome.Err = fmt.Errorf("spot leg close failed: %w", err)
			p.logger.Error("panic close spot leg failed", "coin", pos.Coin, "error", err)
		} else {
			outcome.SpotClosed = true
		}
	} else {
		outcome.SpotClosed = true
	}

	if !pos.SizePerp.IsZero() {
		side := core.SideBuy
		if pos.SizePerp.GreaterThan(decimal.Zero) {
			side = core.SideSell
		}
		limit := p.aggressiveLimit(ctx, pos.Coin, core.MarketPerp, side)
		cloid := "panic-" + uuid.NewString()
		if err := p.gateway.PlaceOrder(ctx, pos.Coin, core.MarketPerp, side, pos.SizePerp.Abs(), limit, cloid); err != nil {
			if outcome.Err != nil {
				outcome.Err = fmt.Errorf("%v; perp leg close failed: %w", outcome.Err, err)
			} else {
				outcome.Err = fmt.Errorf("perp leg close failed: %w", err)
			}
			p.logger.Error("panic close perp leg failed", "coin", pos.Coin, "error", err)
		} else {
			outcome.PerpClosed = true
		}
	} else {
		outcome.PerpClosed = true
	}

	return outcome
}

// aggressiveLimit prices a panic-close order to cross the spread
// immediately: sells rest panicBufferPct below bid, buys panicBufferPct
// above ask. Falls back to a zero limit (best-effort market-style fill)
// if the current quote can't be fetched; a rejected order still surfaces
// through the usual error path.
func (p *PanicSwitch) aggressiveLimit(ctx context.Context, coin string, market core.Market, side core.Side) decimal.Decimal {
	quote, err := p.gateway.GetPrice(ctx, coin, market)
	if err != nil {
		p.logger.Warn("panic close quote fetch failed, submitting zero limit", "coin", coin, "market", market, "error", err)
		return decimal.Zero
	}

	buffer := decimal.NewFromFloat(panicBufferPct)
	limit := quote.Ask.Mul(decimal.NewFromInt(1).Add(buffer))
	if side == core.SideSell {
		limit = quote.Bid.Mul(decimal.NewFromInt(1).Sub(buffer))
	}

	meta, err := p.gateway.GetMarketMeta(ctx, coin)
	if err != nil {
		p.logger.Warn("market meta fetch failed, using unrounded panic limit", "coin", coin, "error", err)
		return limit
	}
	return limit.Round(meta.TickDecimals)
}
