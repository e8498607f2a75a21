package gateway

import (
	"context"
	"sync"

	"funding_harvester/internal/core"

	"github.com/shopspring/decimal"
)

// FakeGateway is a deterministic in-memory core.ExchangeGateway double.
// Most calls are overridable via a setter (open orders, cancel errors
// and order status have none; order status follows PlaceOrder); anything
// not explicitly set returns a zero value and no error, giving tests
// sane defaults they can override only for what they care about.
type FakeGateway struct {
	mu sync.Mutex

	orders        map[string]fakeOrder
	positions     []core.Position
	openOrders    []core.PendingOrder
	balances      core.Balances
	fundingRates  map[string]decimal.Decimal
	prices        map[string]core.PriceQuote
	spotLiquidity map[string]decimal.Decimal
	perpLiquidity map[string]decimal.Decimal
	marketMeta    map[string]core.MarketMeta

	placeOrderErr  error
	cancelOrderErr error
	autoFill       bool
}

type fakeOrder struct {
	coin     string
	market   core.Market
	side     core.Side
	quantity decimal.Decimal
	status   core.OrderStatus
	avgPrice decimal.Decimal
}

// NewFakeGateway constructs an empty FakeGateway. AutoFill defaults to
// true: PlaceOrder immediately marks the order filled, the common case
// for exercising the happy path without per-test wiring.
func NewFakeGateway() *FakeGateway {
	return &FakeGateway{
		orders:        make(map[string]fakeOrder),
		fundingRates:  make(map[string]decimal.Decimal),
		prices:        make(map[string]core.PriceQuote),
		spotLiquidity: make(map[string]decimal.Decimal),
		perpLiquidity: make(map[string]decimal.Decimal),
		marketMeta:    make(map[string]core.MarketMeta),
		autoFill:      true,
	}
}

// SetAutoFill toggles whether PlaceOrder immediately fills.
func (f *FakeGateway) SetAutoFill(v bool) { f.mu.Lock(); defer f.mu.Unlock(); f.autoFill = v }

// SetPlaceOrderErr forces every subsequent PlaceOrder call to fail.
func (f *FakeGateway) SetPlaceOrderErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.placeOrderErr = err
}

// SetBalances overrides the value returned by GetBalances.
func (f *FakeGateway) SetBalances(b core.Balances) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances = b
}

// SetFundingRate overrides the hourly funding rate returned for a coin.
func (f *FakeGateway) SetFundingRate(coin string, rate decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fundingRates[coin] = rate
}

// SetPrice overrides the quote returned for a coin/market pair.
func (f *FakeGateway) SetPrice(coin string, market core.Market, quote core.PriceQuote) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[priceKey(coin, market)] = quote
}

// SetLiquidity overrides the liquidity proxy returned for a coin.
func (f *FakeGateway) SetLiquidity(coin string, spotUSD, perpUSD decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spotLiquidity[coin] = spotUSD
	f.perpLiquidity[coin] = perpUSD
}

// defaultMarketMeta is returned for any coin never configured via
// SetMarketMeta: 8 decimals on both size and price, generous enough that
// rounding is a no-op for the values tests typically construct.
var defaultMarketMeta = core.MarketMeta{SizeDecimals: 8, TickDecimals: 8}

// SetMarketMeta overrides the size/tick decimals returned for a coin.
func (f *FakeGateway) SetMarketMeta(coin string, meta core.MarketMeta) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marketMeta[coin] = meta
}

// SeedPosition injects a position as though the venue already reported it.
func (f *FakeGateway) SeedPosition(p core.Position) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.positions = append(f.positions, p)
}

func priceKey(coin string, market core.Market) string {
	return coin + "|" + string(market)
}

// PlaceOrder records the order and, unless autoFill is disabled, marks
// it filled. The fill price is the venue's last known mid for that
// market when one was configured via SetPrice, otherwise the order's own
// limit price, matching a venue filling a resting limit order at touch.
func (f *FakeGateway) PlaceOrder(ctx context.Context, coin string, market core.Market, side core.Side, quantity decimal.Decimal, price decimal.Decimal, clientOrderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.placeOrderErr != nil {
		return f.placeOrderErr
	}

	status := core.StatusNew
	avgPrice := decimal.Zero
	if f.autoFill {
		status = core.StatusFilled
		avgPrice = f.prices[priceKey(coin, market)].Mid()
		if avgPrice.IsZero() {
			avgPrice = price
		}
	}

	f.orders[clientOrderID] = fakeOrder{
		coin:     coin,
		market:   market,
		side:     side,
		quantity: quantity,
		status:   status,
		avgPrice: avgPrice,
	}
	return nil
}

// CancelOrder marks a tracked order canceled; unknown cloids are a no-op.
func (f *FakeGateway) CancelOrder(ctx context.Context, coin string, market core.Market, clientOrderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelOrderErr != nil {
		return f.cancelOrderErr
	}
	if o, ok := f.orders[clientOrderID]; ok {
		o.status = core.StatusCanceled
		f.orders[clientOrderID] = o
	}
	return nil
}

// QueryOrderStatus reports StatusUnknown for any cloid this fake never
// saw, matching the gateway contract's ambiguous-fallback rule.
func (f *FakeGateway) QueryOrderStatus(ctx context.Context, coin string, market core.Market, clientOrderID string) (core.OrderStatus, decimal.Decimal, decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[clientOrderID]
	if !ok {
		return core.StatusUnknown, decimal.Zero, decimal.Zero, nil
	}
	filledQty := decimal.Zero
	if o.status == core.StatusFilled {
		filledQty = o.quantity
	}
	return o.status, filledQty, o.avgPrice, nil
}

// GetPositions returns the currently seeded positions.
func (f *FakeGateway) GetPositions(ctx context.Context) ([]core.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]core.Position, len(f.positions))
	copy(out, f.positions)
	return out, nil
}

// GetOpenOrders returns the currently seeded open orders.
func (f *FakeGateway) GetOpenOrders(ctx context.Context) ([]core.PendingOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]core.PendingOrder, len(f.openOrders))
	copy(out, f.openOrders)
	return out, nil
}

// GetBalances returns the currently configured balance snapshot.
func (f *FakeGateway) GetBalances(ctx context.Context) (core.Balances, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balances, nil
}

// GetFundingRate returns the configured rate, or zero if never set.
func (f *FakeGateway) GetFundingRate(ctx context.Context, coin string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fundingRates[coin], nil
}

// GetPrice returns the configured quote, or a zero quote if never set.
func (f *FakeGateway) GetPrice(ctx context.Context, coin string, market core.Market) (core.PriceQuote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.prices[priceKey(coin, market)], nil
}

// GetLiquidityUSD returns the configured liquidity proxy, or zero if
// never set.
func (f *FakeGateway) GetLiquidityUSD(ctx context.Context, coin string) (decimal.Decimal, decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.spotLiquidity[coin], f.perpLiquidity[coin], nil
}

// GetMarketMeta returns the configured rounding rules for a coin, or
// defaultMarketMeta if never set.
func (f *FakeGateway) GetMarketMeta(ctx context.Context, coin string) (core.MarketMeta, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	meta, ok := f.marketMeta[coin]
	if !ok {
		return defaultMarketMeta, nil
	}
	return meta, nil
}

var _ core.ExchangeGateway = (*FakeGateway)(nil)
