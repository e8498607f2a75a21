// Package reconcile implements the Reconciler: the startup-only pass
// that rebuilds State from whatever the venue currently reports,
// trusting the exchange over any stale local assumption.
package reconcile

import (
	"context"
	"fmt"

	"funding_harvester/internal/core"
	"funding_harvester/internal/state"
	"funding_harvester/pkg/errors"

	"github.com/shopspring/decimal"
)

// divergenceHaltPct is the spot/perp size mismatch threshold above which
// a position is no longer trusted as a clean delta-neutral hedge and
// reconciliation halts rather than silently adopting it.
const divergenceHaltPct = 5

// Reconciler rebuilds the process-wide State from the exchange exactly
// once, before any trading loop starts. It never runs again; ongoing
// consistency is the job of the normal mutation paths, not this
// component.
type Reconciler struct {
	gateway core.ExchangeGateway
	st      *state.State
	logger  core.Logger
}

// New constructs a Reconciler.
func New(gateway core.ExchangeGateway, st *state.State, logger core.Logger) *Reconciler {
	return &Reconciler{
		gateway: gateway,
		st:      st,
		logger:  logger.WithField("component", "reconciler"),
	}
}

// Run resets State and rebuilds it from the venue's reported positions
// and balances. Any gateway failure is fatal: the engine must not start
// trading against an unknown book.
func (r *Reconciler) Run(ctx context.Context) error {
	r.st.Reset()

	positions, err := r.gateway.GetPositions(ctx)
	if err != nil {
		return fmt.Errorf("%w: fetching positions: %v", apperrors.ErrReconciliation, err)
	}

	balances, err := r.gateway.GetBalances(ctx)
	if err != nil {
		return fmt.Errorf("%w: fetching balances: %v", apperrors.ErrReconciliation, err)
	}

	rebuilt := 0
	for _, pos := range positions {
		if pos.SizePerp.IsZero() {
			continue
		}

		if !pos.SizeSpot.IsZero() {
			divergencePct := divergencePercent(pos.SizeSpot, pos.SizePerp)
			if divergencePct.GreaterThanOrEqual(decimal.NewFromInt(divergenceHaltPct)) {
				return fmt.Errorf("%w: %s spot/perp size diverge by %s%%, refusing to adopt as a hedge",
					apperrors.ErrReconciliation, pos.Coin, divergencePct.StringFixed(2))
			}
			if divergencePct.Sign() > 0 {
				r.logger.Warn("auto-correcting small spot/perp size divergence", "coin", pos.Coin, "divergence_pct", divergencePct)
			}
		}

		rebuilt++
		r.logger.Info("rebuilding position from venue", "coin", pos.Coin, "spot_size", pos.SizeSpot, "perp_size", pos.SizePerp)

		// No trade record backs the spot entry price the venue reports, so
		// it is kept as reported but flagged lower-confidence; nothing is
		// derived from the current spread in its place.
		pos.EntrySpotKnown = false
		r.st.AddPosition(pos)
	}

	// Matches the margin monitor's own tick-path convention: equity over
	// total position value, lower meaning closer to liquidation. Seeded
	// at 1.0 (perfectly safe) when there is no position value yet to
	// divide by, same as the monitor's first tick before any fill.
	ratio := decimal.NewFromInt(1)
	if !balances.TotalPositionValue.IsZero() {
		ratio = balances.AccountEquity.Div(balances.TotalPositionValue)
	}
	r.st.SetMarginSnapshot(ratio, balances.FetchedAt, balances.AvailableBalance, balances.MaintenanceMargin)

	r.logger.Info("reconciliation complete", "positions_rebuilt", rebuilt, "total_exposure_usd", r.st.TotalExposureUSD())
	return nil
}

// divergencePercent returns the absolute percentage difference between
// spot and perp leg sizes, relative to the perp size.
func divergencePercent(spot, perp decimal.Decimal) decimal.Decimal {
	denominator := perp.Abs()
	if denominator.IsZero() {
		denominator = decimal.NewFromFloat(0.0001)
	}
	return spot.Sub(perp).Div(denominator).Mul(decimal.NewFromInt(100)).Abs()
}
