package core

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ExchangeGateway is the full capability surface the engine needs from a
// venue. Every other component talks to a venue only through this
// interface; nothing upstream ever depends on a concrete exchange SDK.
type ExchangeGateway interface {
	// PlaceOrder submits a single-leg limit order and returns as soon as
	// the venue has accepted (not necessarily filled) it. price is the
	// order's limit price, already rounded to the venue's tick decimals;
	// callers compute it from the current quote plus whatever slippage
	// buffer applies to the call site (entry, unwind, panic).
	PlaceOrder(ctx context.Context, coin string, market Market, side Side, quantity decimal.Decimal, price decimal.Decimal, clientOrderID string) error

	// CancelOrder requests cancellation of a still-open order. Returning
	// nil does not guarantee the cancel beat a concurrent fill.
	CancelOrder(ctx context.Context, coin string, market Market, clientOrderID string) error

	// QueryOrderStatus reports the current state of a previously placed
	// order. When the venue has no record of the order in its open-order
	// book and reports no fill event either, implementations must return
	// StatusUnknown, never guess StatusFilled (see open question on
	// ambiguous fallback behavior).
	QueryOrderStatus(ctx context.Context, coin string, market Market, clientOrderID string) (status OrderStatus, filledQty decimal.Decimal, avgPrice decimal.Decimal, err error)

	// GetPositions returns every open spot/perp leg the venue currently
	// reports for this account, used by the Reconciler to rebuild State
	// from scratch on boot.
	GetPositions(ctx context.Context) ([]Position, error)

	// GetOpenOrders returns every order the venue still considers live.
	GetOpenOrders(ctx context.Context) ([]PendingOrder, error)

	// GetBalances returns the account-level margin snapshot.
	GetBalances(ctx context.Context) (Balances, error)

	// GetFundingRate returns the current (most recently settled or
	// predicted) hourly funding rate for a coin's perp contract.
	GetFundingRate(ctx context.Context, coin string) (decimal.Decimal, error)

	// GetPrice returns a best-bid/best-ask snapshot for one coin on one
	// market, used when a live feed subscription is unavailable or stale.
	GetPrice(ctx context.Context, coin string, market Market) (PriceQuote, error)

	// GetLiquidityUSD returns a trailing-24h volume proxy for both legs of
	// a coin, used by the FundingScanner's liquidity floor. Not part of
	// the original gateway contract's call list; added because the
	// scanner cannot validate liquidity without it.
	GetLiquidityUSD(ctx context.Context, coin string) (spotLiquidityUSD, perpLiquidityUSD decimal.Decimal, err error)

	// GetMarketMeta returns the venue's size- and price-rounding rules for
	// a coin. Fetched once at startup and cached; any order size or limit
	// price sent to PlaceOrder must be rounded through it first.
	GetMarketMeta(ctx context.Context, coin string) (MarketMeta, error)
}

// MarketMeta holds the per-coin rounding rules a venue enforces on order
// submission: sizes are rounded to SizeDecimals, prices to TickDecimals.
type MarketMeta struct {
	SizeDecimals int32
	TickDecimals int32
}

// PriceFeed delivers a continuous stream of PriceQuote updates. Production
// implementations reconnect on their own; callers only see the callback.
type PriceFeed interface {
	Subscribe(ctx context.Context, coins []string, onQuote func(PriceQuote)) error
	Close() error
}

// ColdEvent is one record destined for the append-only cold-path log: a
// fill, a funding payment, a reconciliation correction, a panic close.
type ColdEvent struct {
	Kind string
	Coin string
	At   time.Time
	Data map[string]interface{}
}

// ColdLogger persists ColdEvents without ever blocking the hot trading
// path. A full queue drops the oldest event rather than stalling the
// caller.
type ColdLogger interface {
	Log(event ColdEvent)
	Close() error
}

// AlertLevel classifies a Notifier message's severity.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "INFO"
	AlertWarning  AlertLevel = "WARNING"
	AlertError    AlertLevel = "ERROR"
	AlertCritical AlertLevel = "CRITICAL"
)

// Notifier fans a message out to whatever external channels are
// configured (Slack, Telegram, ...). Implementations must not block the
// caller on channel delivery.
type Notifier interface {
	Notify(ctx context.Context, level AlertLevel, title, message string, fields map[string]string)
}

// Logger is the structured logging interface every component depends on,
// instead of depending on zap directly.
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) Logger
	WithFields(fields map[string]interface{}) Logger
}
