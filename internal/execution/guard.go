// Package execution implements the atomic two-leg order executor, the
// component through which trading fills reach State (the Reconciler and
// the margin monitor also write positions there). Every call is
// serialized through the priority lock so a strategy entry and a
// safety rebalance never interleave.
package execution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"funding_harvester/internal/config"
	"funding_harvester/internal/core"
	"funding_harvester/internal/priority"
	"funding_harvester/internal/state"
	apperrors "funding_harvester/pkg/errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const minCloseFraction = "0.0001"

// deltaNeutralEpsilonPct is the tolerance on the post-entry size mismatch
// between the two legs, expressed as a fraction of the larger leg. A
// mismatch past this bound means the pair is no longer a clean hedge.
const deltaNeutralEpsilonPct = "0.001"

// fallbackMarketMeta is used when a venue meta fetch fails; it rounds to
// 8 decimals, generous enough to be a no-op for most coins, so a single
// meta-endpoint hiccup does not block every subsequent order.
var fallbackMarketMeta = core.MarketMeta{SizeDecimals: 8, TickDecimals: 8}

// Guard is the atomic dual-leg executor described by the engine's
// execution design: execute_delta_neutral is the strategy entrypoint,
// safety_rebalance and emergency_close are the margin-monitor
// entrypoints that take priority over any future strategy call.
type Guard struct {
	gateway  core.ExchangeGateway
	st       *state.State
	lock     *priority.Lock
	logger   core.Logger
	notifier core.Notifier
	coldLog  core.ColdLogger

	entryBuffer  decimal.Decimal
	unwindBuffer decimal.Decimal
	orderTimeout time.Duration

	metaMu    sync.Mutex
	metaCache map[string]core.MarketMeta
}

// New constructs a Guard wired to a shared State, priority Lock, and
// gateway.
func New(gateway core.ExchangeGateway, st *state.State, lock *priority.Lock, logger core.Logger, notifier core.Notifier, coldLog core.ColdLogger, slippage config.SlippageConfig, timing config.TimingConfig) *Guard {
	return &Guard{
		gateway:      gateway,
		st:           st,
		lock:         lock,
		logger:       logger.WithField("component", "execution_guard"),
		notifier:     notifier,
		coldLog:      coldLog,
		entryBuffer:  decimal.NewFromFloat(slippage.EntryBuffer),
		unwindBuffer: decimal.NewFromFloat(slippage.UnwindBuffer),
		orderTimeout: time.Duration(timing.OrderTimeoutSeconds) * time.Second,
		metaCache:    make(map[string]core.MarketMeta),
	}
}

// marketMeta returns the cached venue rounding rules for a coin,
// fetching and caching them on first use. A fetch failure logs a
// warning and falls back to a generous no-op rounding rather than
// blocking the order.
func (g *Guard) marketMeta(ctx context.Context, coin string) core.MarketMeta {
	g.metaMu.Lock()
	if meta, ok := g.metaCache[coin]; ok {
		g.metaMu.Unlock()
		return meta
	}
	g.metaMu.Unlock()

	meta, err := g.gateway.GetMarketMeta(ctx, coin)
	if err != nil {
		g.logger.Warn("market meta fetch failed, using fallback rounding", "coin", coin, "error", err)
		meta = fallbackMarketMeta
	}

	g.metaMu.Lock()
	g.metaCache[coin] = meta
	g.metaMu.Unlock()
	return meta
}

// legOutcome is the resolved state of one dispatched leg.
type legOutcome struct {
	filled   bool
	filledQty decimal.Decimal
	avgPrice decimal.Decimal
	err      error
}

// ExecuteDeltaNeutral is the strategy entrypoint: open a new
// delta-neutral pair sized in USD notional.
func (g *Guard) ExecuteDeltaNeutral(ctx context.Context, coin string, sizeUSD, spotPrice, perpPrice decimal.Decimal) core.ExecutionResult {
	g.lock.AcquireStrategy()
	defer g.lock.ReleaseStrategy()

	result := core.ExecutionResult{Coin: coin}

	if spotPrice.IsZero() || perpPrice.IsZero() {
		result.Err = fmt.Errorf("zero price for %s: spot=%s perp=%s", coin, spotPrice, perpPrice)
		return result
	}

	meta := g.marketMeta(ctx, coin)

	spotSize := sizeUSD.Div(spotPrice).Round(meta.SizeDecimals)
	perpSize := sizeUSD.Div(perpPrice).Round(meta.SizeDecimals)

	spotLimit := spotPrice.Mul(decimal.NewFromInt(1).Add(g.entryBuffer)).Round(meta.TickDecimals)
	perpLimit := perpPrice.Mul(decimal.NewFromInt(1).Sub(g.entryBuffer)).Round(meta.TickDecimals)

	spotCloid := "entry-spot-" + uuid.NewString()
	perpCloid := "entry-perp-" + uuid.NewString()

	g.st.AddPendingOrder(core.PendingOrder{ClientOrderID: spotCloid, Coin: coin, Market: core.MarketSpot, Side: core.SideBuy, Quantity: spotSize, SubmittedAt: time.Now()})
	g.st.AddPendingOrder(core.PendingOrder{ClientOrderID: perpCloid, Coin: coin, Market: core.MarketPerp, Side: core.SideSell, Quantity: perpSize, SubmittedAt: time.Now()})
	defer func() {
		g.st.RemovePendingOrder(spotCloid)
		g.st.RemovePendingOrder(perpCloid)
	}()

	spotCh := make(chan legOutcome, 1)
	perpCh := make(chan legOutcome, 1)

	go func() { spotCh <- g.dispatchLeg(ctx, coin, core.MarketSpot, core.SideBuy, spotSize, spotLimit, spotCloid) }()
	go func() { perpCh <- g.dispatchLeg(ctx, coin, core.MarketPerp, core.SideSell, perpSize, perpLimit, perpCloid) }()

	spotOut := <-spotCh
	perpOut := <-perpCh

	switch {
	case spotOut.filled && perpOut.filled:
		pos := core.Position{
			Coin:           coin,
			SizeSpot:       spotOut.filledQty,
			SizePerp:       perpOut.filledQty,
			EntryPriceSpot: spotOut.avgPrice,
			EntryPricePerp: perpOut.avgPrice,
			EntrySpotKnown: true,
			OpenedAt:       time.Now(),
		}

		epsilonPct, _ := decimal.NewFromString(deltaNeutralEpsilonPct)
		diff := spotOut.filledQty.Sub(perpOut.filledQty).Abs()
		largerLeg := decimal.Max(spotOut.filledQty, perpOut.filledQty)
		if !largerLeg.IsZero() && diff.GreaterThan(largerLeg.Mul(epsilonPct)) {
			pos.PriorityExit = true
			result.InvariantViolated = true
			g.logger.Error(apperrors.ErrInvariantViolation.Error(), "coin", coin, "spot_size", spotOut.filledQty, "perp_size", perpOut.filledQty, "diff", diff)
			if g.notifier != nil {
				g.notifier.Notify(ctx, core.AlertCritical, "delta-neutrality invariant violated",
					fmt.Sprintf("coin=%s spot_size=%s perp_size=%s diff=%s, marked for priority exit", coin, spotOut.filledQty, perpOut.filledQty, diff), nil)
			}
		}

		g.st.AddPosition(pos)
		result.Succeeded = true
		result.FilledSpot = spotOut.filledQty
		result.FilledPerp = perpOut.filledQty
		result.AvgPriceSpot = spotOut.avgPrice
		result.AvgPricePerp = perpOut.avgPrice

	case !spotOut.filled && !perpOut.filled:
		result.Err = fmt.Errorf("both legs failed: spot=%v perp=%v", spotOut.err, perpOut.err)

	case spotOut.filled && !perpOut.filled:
		result.UnwindAttempted = true
		result.UnwindSucceeded = g.unwindLeg(ctx, coin, core.MarketSpot, core.SideSell, spotOut.filledQty, spotOut.avgPrice)
		result.Err = fmt.Errorf("perp leg failed (%v), spot leg unwound=%v", perpOut.err, result.UnwindSucceeded)

	case !spotOut.filled && perpOut.filled:
		result.UnwindAttempted = true
		result.UnwindSucceeded = g.unwindLeg(ctx, coin, core.MarketPerp, core.SideBuy, perpOut.filledQty, perpOut.avgPrice)
		result.Err = fmt.Errorf("spot leg failed (%v), perp leg unwound=%v", spotOut.err, result.UnwindSucceeded)
	}

	return result
}

// unwindLeg closes a single already-filled leg at an aggressive 2%
// slippage buffer. It must execute before ExecuteDeltaNeutral returns;
// if it fails, State is left untouched and a critical alert fires —
// exchange truth wins at the next reconciliation.
func (g *Guard) unwindLeg(ctx context.Context, coin string, market core.Market, side core.Side, qty, refPrice decimal.Decimal) bool {
	cloid := "unwind-" + uuid.NewString()
	meta := g.marketMeta(ctx, coin)
	var limit decimal.Decimal
	if side == core.SideSell {
		limit = refPrice.Mul(decimal.NewFromInt(1).Sub(g.unwindBuffer))
	} else {
		limit = refPrice.Mul(decimal.NewFromInt(1).Add(g.unwindBuffer))
	}
	limit = limit.Round(meta.TickDecimals)

	out := g.dispatchLeg(ctx, coin, market, side, qty, limit, cloid)
	if g.coldLog != nil {
		g.coldLog.Log(core.ColdEvent{Kind: "unwind", Coin: coin, At: time.Now(), Data: map[string]interface{}{"market": market, "succeeded": out.filled}})
	}
	if !out.filled {
		g.logger.Error("unwind failed, leaving state untouched for reconciliation", "coin", coin, "market", market, "error", out.err)
		if g.notifier != nil {
			g.notifier.Notify(ctx, core.AlertCritical, "unwind failed", fmt.Sprintf("coin=%s market=%s error=%v", coin, market, out.err), nil)
		}
	}
	return out.filled
}

// dispatchLeg places one order, honoring the per-order timeout and the
// ghost-order recovery path: on timeout, query status rather than
// assume failure, since the order may have filled on the venue despite
// the client not observing it in time.
func (g *Guard) dispatchLeg(ctx context.Context, coin string, market core.Market, side core.Side, qty, limitPrice decimal.Decimal, cloid string) legOutcome {
	callCtx, cancel := context.WithTimeout(ctx, g.orderTimeout)
	defer cancel()

	err := g.gateway.PlaceOrder(callCtx, coin, market, side, qty, limitPrice, cloid)
	if err == nil {
		status, filledQty, avgPrice, qerr := g.gateway.QueryOrderStatus(ctx, coin, market, cloid)
		if qerr == nil && (status == core.StatusFilled || status == core.StatusPartial) && filledQty.GreaterThan(decimal.Zero) {
			return legOutcome{filled: true, filledQty: filledQty, avgPrice: avgPrice}
		}
		if qerr == nil && status == core.StatusFilled {
			return legOutcome{filled: true, filledQty: qty, avgPrice: limitPrice}
		}
		return legOutcome{err: fmt.Errorf("order not confirmed filled: status=%v err=%v", status, qerr)}
	}

	if callCtx.Err() == context.DeadlineExceeded {
		status, filledQty, avgPrice, qerr := g.gateway.QueryOrderStatus(ctx, coin, market, cloid)
		if qerr != nil {
			g.logger.Error("timeout and status query failed, treating as failure, reconciliation will catch it", "coin", coin, "market", market, "cloid", cloid, "error", qerr)
			return legOutcome{err: fmt.Errorf("timeout, status query failed: %w", qerr)}
		}
		switch status {
		case core.StatusFilled:
			return legOutcome{filled: true, filledQty: filledQty, avgPrice: avgPrice}
		case core.StatusUnknown:
			g.logger.Error("order status unknown after timeout, treating as failure, reconciliation will catch it", "coin", coin, "market", market, "cloid", cloid)
			return legOutcome{err: fmt.Errorf("order status unknown after timeout")}
		default:
			_ = g.gateway.CancelOrder(ctx, coin, market, cloid)
			return legOutcome{err: fmt.Errorf("order left open after timeout, cancelled: status=%v", status)}
		}
	}

	return legOutcome{err: err}
}

// SafetyRebalance is the margin-monitor entrypoint: closes percentage
// of an existing position. percentage=1.0 is a full close.
func (g *Guard) SafetyRebalance(ctx context.Context, coin string, percentage decimal.Decimal) bool {
	g.lock.AcquireSafety()
	defer g.lock.ReleaseSafety()

	pos, ok := g.st.Position(coin)
	if !ok {
		return true // already flat: idempotent success
	}
	if pos.IsFlat() {
		g.st.RemovePosition(coin)
		return true
	}

	quote, err := g.gateway.GetPrice(ctx, coin, core.MarketSpot)
	if err != nil {
		g.logger.Error("failed to fetch spot price for rebalance", "coin", coin, "error", err)
		return false
	}
	perpQuote, err := g.gateway.GetPrice(ctx, coin, core.MarketPerp)
	if err != nil {
		g.logger.Error("failed to fetch perp price for rebalance", "coin", coin, "error", err)
		return false
	}

	meta := g.marketMeta(ctx, coin)

	closeSpot := pos.SizeSpot.Mul(percentage).Round(meta.SizeDecimals)
	closePerp := pos.SizePerp.Mul(percentage).Round(meta.SizeDecimals)

	floor, _ := decimal.NewFromString(minCloseFraction)
	if closeSpot.LessThan(floor) && closePerp.LessThan(floor) {
		return true
	}

	spotLimit := quote.Bid.Mul(decimal.NewFromFloat(0.98)).Round(meta.TickDecimals)
	perpLimit := perpQuote.Ask.Mul(decimal.NewFromFloat(1.02)).Round(meta.TickDecimals)

	spotCloid := "rebalance-spot-" + uuid.NewString()
	perpCloid := "rebalance-perp-" + uuid.NewString()

	spotCh := make(chan legOutcome, 1)
	perpCh := make(chan legOutcome, 1)
	go func() { spotCh <- g.dispatchLeg(ctx, coin, core.MarketSpot, core.SideSell, closeSpot, spotLimit, spotCloid) }()
	go func() { perpCh <- g.dispatchLeg(ctx, coin, core.MarketPerp, core.SideBuy, closePerp, perpLimit, perpCloid) }()

	spotOut := <-spotCh
	perpOut := <-perpCh

	if g.coldLog != nil {
		g.coldLog.Log(core.ColdEvent{Kind: "rebalance", Coin: coin, At: time.Now(), Data: map[string]interface{}{"percentage": percentage.String(), "spot_filled": spotOut.filled, "perp_filled": perpOut.filled}})
	}

	if !spotOut.filled || !perpOut.filled {
		g.logger.Error("rebalance leg failed, state left for next reconciliation", "coin", coin, "spot_filled", spotOut.filled, "perp_filled", perpOut.filled)
		return false
	}

	if percentage.Equal(decimal.NewFromInt(1)) {
		g.st.RemovePosition(coin)
	} else {
		g.st.UpdatePositionSize(coin, pos.SizeSpot.Sub(spotOut.filledQty), pos.SizePerp.Sub(perpOut.filledQty))
	}

	return true
}

// EmergencyClose is equivalent to SafetyRebalance(coin, 1.0).
func (g *Guard) EmergencyClose(ctx context.Context, coin string) bool {
	return g.SafetyRebalance(ctx, coin, decimal.NewFromInt(1))
}
