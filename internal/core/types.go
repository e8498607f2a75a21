// Package core defines the domain types and collaborator interfaces shared
// by every component of the funding-rate harvester.
package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is a trading direction.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderStatus is the lifecycle state of a venue order as reported by the
// gateway.
type OrderStatus string

const (
	StatusNew      OrderStatus = "NEW"
	StatusFilled   OrderStatus = "FILLED"
	StatusPartial  OrderStatus = "PARTIALLY_FILLED"
	StatusCanceled OrderStatus = "CANCELED"
	StatusRejected OrderStatus = "REJECTED"
	// StatusUnknown is returned when a venue has no record of the order in
	// its open-order book and no fill event was observed either. Callers
	// must not treat this as a fill; see Reconciler.
	StatusUnknown OrderStatus = "UNKNOWN"
)

// Position describes one delta-neutral pair: a spot long and a perp short
// on the same coin, entered together as a unit.
type Position struct {
	Coin string

	SizeSpot decimal.Decimal
	SizePerp decimal.Decimal

	EntryPriceSpot decimal.Decimal
	EntryPricePerp decimal.Decimal
	// EntrySpotKnown is false when the spot leg of this position was
	// reconstructed from a bare venue snapshot with no matching trade
	// record (see Reconciler, spec open question on entry-price
	// fabrication). Downstream PnL display must treat EntryPriceSpot as
	// unreliable when this is false.
	EntrySpotKnown bool

	OpenedAt time.Time

	// FundingSince is not set by any component and stays zero; the
	// negative-funding timer is kept per coin inside margin.Monitor.
	FundingSince time.Time

	CumulativeFundingReceived decimal.Decimal

	// PriorityExit is set when the ExecutionGuard detects, immediately
	// after entry, that the two legs drifted past the delta-neutrality
	// tolerance. The position is still adopted (both legs did fill) and
	// flagged; no component reads the flag or unwinds the position on
	// its own.
	PriorityExit bool
}

// IsFlat reports whether both legs of the position are closed.
func (p Position) IsFlat() bool {
	return p.SizeSpot.IsZero() && p.SizePerp.IsZero()
}

// DeltaExposure returns the net directional exposure of the pair: spot long
// minus perp short magnitude. Zero means perfectly delta-neutral.
func (p Position) DeltaExposure() decimal.Decimal {
	return p.SizeSpot.Sub(p.SizePerp)
}

// PendingOrder tracks a single in-flight leg of a dual-leg execution while
// the ExecutionGuard is waiting for it to resolve.
type PendingOrder struct {
	ClientOrderID string
	Coin          string
	Market        Market
	Side          Side
	Quantity      decimal.Decimal
	SubmittedAt   time.Time
}

// Market distinguishes the two venues a position spans.
type Market string

const (
	MarketSpot Market = "SPOT"
	MarketPerp Market = "PERP"
)

// FundingOpportunity is a single coin's current funding economics, as
// produced by the FundingScanner.
type FundingOpportunity struct {
	Coin string

	FundingRateHourly decimal.Decimal
	FundingAPR        decimal.Decimal

	SpotPrice decimal.Decimal
	PerpPrice decimal.Decimal

	SpotLiquidityUSD decimal.Decimal
	PerpLiquidityUSD decimal.Decimal

	// BreakEvenDays is how long, at the current rate, funding income
	// needs to accumulate before it recoups the round-trip entry+exit
	// fees and slippage buffers.
	BreakEvenDays decimal.Decimal
	NetAPYPct     decimal.Decimal

	// QualityScore is a secondary tiebreaker blending funding APR and
	// liquidity depth; it never overrides the primary NetAPYPct ranking,
	// only breaks ties between opportunities of equal viability and
	// equal NetAPYPct.
	QualityScore float64

	// Viable reports whether this opportunity cleared every configured
	// minimum at scan time. Reason explains a non-viable result (or the
	// fetch failure that cut the analysis short); empty when Viable.
	Viable bool
	Reason string

	ScannedAt time.Time
}

// IsViable reports whether this opportunity clears the configured minimums.
// The thresholds themselves are supplied by the caller (scanner config);
// this method expresses only the break-even inequality shape.
func (o FundingOpportunity) IsViable(minAPR, minNetAPYPct, maxBreakEvenDays decimal.Decimal) bool {
	if o.FundingAPR.LessThanOrEqual(minAPR) {
		return false
	}
	if o.NetAPYPct.LessThan(minNetAPYPct) {
		return false
	}
	if o.BreakEvenDays.GreaterThan(maxBreakEvenDays) {
		return false
	}
	return true
}

// ExecutionResult is the outcome of an ExecutionGuard operation: either both
// legs landed (success), or the guard had to unwind back to flat (failure).
type ExecutionResult struct {
	Coin      string
	Succeeded bool

	FilledSpot decimal.Decimal
	FilledPerp decimal.Decimal

	AvgPriceSpot decimal.Decimal
	AvgPricePerp decimal.Decimal

	// UnwindAttempted is true when a partial fill forced the guard to
	// close the filled leg back out.
	UnwindAttempted bool
	UnwindSucceeded bool

	// InvariantViolated is true when both legs filled but drifted past
	// the delta-neutrality tolerance; the resulting Position is marked
	// PriorityExit rather than unwound, since unwinding after fill only
	// adds more slippage.
	InvariantViolated bool

	Err error
}

// PriceQuote is a single best-bid/best-ask snapshot pushed by a PriceFeed.
type PriceQuote struct {
	Coin   string
	Market Market
	Bid    decimal.Decimal
	Ask    decimal.Decimal
	At     time.Time
}

// Mid returns the midpoint of bid/ask.
func (q PriceQuote) Mid() decimal.Decimal {
	return q.Bid.Add(q.Ask).Div(decimal.NewFromInt(2))
}

// Balances is the account-level margin snapshot used by the MarginMonitor.
type Balances struct {
	AccountEquity      decimal.Decimal
	MaintenanceMargin  decimal.Decimal
	AvailableBalance   decimal.Decimal
	TotalPositionValue decimal.Decimal
	FetchedAt          time.Time
}

