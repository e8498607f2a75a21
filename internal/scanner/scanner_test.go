package scanner

import (
	"context"
	"errors"
	"testing"
	"time"

	"funding_harvester/internal/config"
	"funding_harvester/internal/core"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type noopLogger struct{}

func (n *noopLogger) Debug(string, ...interface{})                  {}
func (n *noopLogger) Info(string, ...interface{})                   {}
func (n *noopLogger) Warn(string, ...interface{})                   {}
func (n *noopLogger) Error(string, ...interface{})                  {}
func (n *noopLogger) Fatal(string, ...interface{})                  {}
func (n *noopLogger) WithField(string, interface{}) core.Logger     { return n }
func (n *noopLogger) WithFields(map[string]interface{}) core.Logger { return n }

type coinFixture struct {
	rate          decimal.Decimal
	rateErr       error
	spotLiquidity decimal.Decimal
	perpLiquidity decimal.Decimal
	liquidityErr  error
	spotPrice     decimal.Decimal
	perpPrice     decimal.Decimal
}

type fakeGateway struct {
	fixtures map[string]coinFixture
	calls    int
}

func (g *fakeGateway) PlaceOrder(context.Context, string, core.Market, core.Side, decimal.Decimal, decimal.Decimal, string) error {
	return nil
}
func (g *fakeGateway) CancelOrder(context.Context, string, core.Market, string) error { return nil }
func (g *fakeGateway) QueryOrderStatus(context.Context, string, core.Market, string) (core.OrderStatus, decimal.Decimal, decimal.Decimal, error) {
	return core.StatusUnknown, decimal.Zero, decimal.Zero, nil
}
func (g *fakeGateway) GetPositions(context.Context) ([]core.Position, error) { return nil, nil }
func (g *fakeGateway) GetOpenOrders(context.Context) ([]core.PendingOrder, error) {
	return nil, nil
}
func (g *fakeGateway) GetBalances(context.Context) (core.Balances, error) { return core.Balances{}, nil }

func (g *fakeGateway) GetFundingRate(ctx context.Context, coin string) (decimal.Decimal, error) {
	g.calls++
	f := g.fixtures[coin]
	return f.rate, f.rateErr
}

func (g *fakeGateway) GetPrice(ctx context.Context, coin string, market core.Market) (core.PriceQuote, error) {
	f := g.fixtures[coin]
	price := f.spotPrice
	if market == core.MarketPerp {
		price = f.perpPrice
	}
	return core.PriceQuote{Coin: coin, Market: market, Bid: price, Ask: price}, nil
}

func (g *fakeGateway) GetLiquidityUSD(ctx context.Context, coin string) (decimal.Decimal, decimal.Decimal, error) {
	f := g.fixtures[coin]
	return f.spotLiquidity, f.perpLiquidity, f.liquidityErr
}

func (g *fakeGateway) GetMarketMeta(ctx context.Context, coin string) (core.MarketMeta, error) {
	return core.MarketMeta{SizeDecimals: 8, TickDecimals: 8}, nil
}

func testTrading() config.TradingConfig {
	return config.TradingConfig{
		MinFundingAPR:        0.20,
		MinLiquidityUSD:      1_000_000,
		MaxBreakevenDays:     5,
		MinNetAPYPct:         15,
		CapitalEfficiencyEta: 0.40,
		SpotTakerFee:         0.0004,
		PerpTakerFee:         0.0003,
		SlippageBps:          0.001,
	}
}

func richFixture() coinFixture {
	return coinFixture{
		rate:          decimal.NewFromFloat(0.0002), // hourly -> apr = 0.0002*8760 = 1.752, break-even 2.8125 days
		spotLiquidity: decimal.NewFromInt(5_000_000),
		perpLiquidity: decimal.NewFromInt(5_000_000),
		spotPrice:     decimal.NewFromInt(100),
		perpPrice:     decimal.NewFromInt(100),
	}
}

func TestScan_ViableOpportunitySortsFirst(t *testing.T) {
	gw := &fakeGateway{fixtures: map[string]coinFixture{
		"BTC": richFixture(),
		"ETH": {rate: decimal.Zero, spotLiquidity: decimal.NewFromInt(5_000_000), perpLiquidity: decimal.NewFromInt(5_000_000)},
	}}
	s := New(gw, &noopLogger{}, nil, testTrading())

	opps := s.Scan(context.Background(), []string{"ETH", "BTC"})

	require.Len(t, opps, 2)
	assert.Equal(t, "BTC", opps[0].Coin)
	assert.True(t, opps[0].IsViable(decimal.NewFromFloat(0.20), decimal.NewFromFloat(15), decimal.NewFromFloat(5)))
	assert.True(t, opps[0].Viable)
	assert.Empty(t, opps[0].Reason)
}

func TestScan_NonPositiveFundingRateSkipped(t *testing.T) {
	gw := &fakeGateway{fixtures: map[string]coinFixture{
		"BTC": {rate: decimal.NewFromFloat(-0.0001)},
	}}
	s := New(gw, &noopLogger{}, nil, testTrading())

	opps := s.Scan(context.Background(), []string{"BTC"})

	require.Len(t, opps, 1)
	assert.True(t, opps[0].FundingAPR.IsZero())
	assert.False(t, opps[0].IsViable(decimal.NewFromFloat(0.20), decimal.NewFromFloat(15), decimal.NewFromFloat(5)))
}

func TestScan_FundingRateFetchErrorSkipped(t *testing.T) {
	gw := &fakeGateway{fixtures: map[string]coinFixture{
		"BTC": {rateErr: errors.New("venue unavailable")},
	}}
	s := New(gw, &noopLogger{}, nil, testTrading())

	opps := s.Scan(context.Background(), []string{"BTC"})

	require.Len(t, opps, 1)
	assert.True(t, opps[0].FundingAPR.IsZero())
}

func TestScan_BelowLiquidityFloorNotViable(t *testing.T) {
	gw := &fakeGateway{fixtures: map[string]coinFixture{
		"BTC": {
			rate:          decimal.NewFromFloat(0.0001),
			spotLiquidity: decimal.NewFromInt(10_000),
			perpLiquidity: decimal.NewFromInt(10_000),
		},
	}}
	s := New(gw, &noopLogger{}, nil, testTrading())

	opps := s.Scan(context.Background(), []string{"BTC"})

	require.Len(t, opps, 1)
	assert.True(t, opps[0].NetAPYPct.IsZero())
	assert.False(t, opps[0].IsViable(decimal.NewFromFloat(0.20), decimal.NewFromFloat(15), decimal.NewFromFloat(5)))
	assert.False(t, opps[0].Viable)
	assert.Equal(t, "Low liquidity", opps[0].Reason)
}

// Exactly-at-threshold APR is not viable; IsViable requires strictly
// clearing the floor, not merely reaching it.
func TestScan_ExactlyAtMinAPRIsNotViable(t *testing.T) {
	trading := testTrading()
	// rate*8760 == trading.MinFundingAPR exactly: 0.0002*8760 = 1.752,
	// while break-even and net APY both clear their thresholds.
	trading.MinFundingAPR = 1.752
	rate := decimal.NewFromFloat(0.0002)
	gw := &fakeGateway{fixtures: map[string]coinFixture{
		"BTC": {
			rate:          rate,
			spotLiquidity: decimal.NewFromInt(5_000_000),
			perpLiquidity: decimal.NewFromInt(5_000_000),
			spotPrice:     decimal.NewFromInt(100),
			perpPrice:     decimal.NewFromInt(100),
		},
	}}
	s := New(gw, &noopLogger{}, nil, trading)

	opps := s.Scan(context.Background(), []string{"BTC"})

	require.Len(t, opps, 1)
	assert.False(t, opps[0].IsViable(decimal.NewFromFloat(trading.MinFundingAPR), decimal.NewFromFloat(trading.MinNetAPYPct), decimal.NewFromFloat(trading.MaxBreakevenDays)))
}

// Good APR but breakeven too slow: rejected even though the rate alone
// clears the APR floor.
func TestScan_BreakEvenTooSlowNotViable(t *testing.T) {
	trading := testTrading()
	trading.MaxBreakevenDays = 5
	// apr=0.22 hourly rate, liquidity=$5M, but fees tuned so breakeven
	// stretches past the 5-day ceiling.
	trading.SpotTakerFee = 0.01
	trading.PerpTakerFee = 0.01
	trading.SlippageBps = 0.01
	rate := decimal.NewFromFloat(0.22).Div(decimal.NewFromInt(8760))
	gw := &fakeGateway{fixtures: map[string]coinFixture{
		"BTC": {
			rate:          rate,
			spotLiquidity: decimal.NewFromInt(5_000_000),
			perpLiquidity: decimal.NewFromInt(5_000_000),
			spotPrice:     decimal.NewFromInt(100),
			perpPrice:     decimal.NewFromInt(100),
		},
	}}
	s := New(gw, &noopLogger{}, nil, trading)

	opps := s.Scan(context.Background(), []string{"BTC"})

	require.Len(t, opps, 1)
	assert.True(t, opps[0].BreakEvenDays.GreaterThan(decimal.NewFromFloat(5)))
	assert.False(t, opps[0].IsViable(decimal.NewFromFloat(trading.MinFundingAPR), decimal.NewFromFloat(trading.MinNetAPYPct), decimal.NewFromFloat(trading.MaxBreakevenDays)))
	assert.False(t, opps[0].Viable)
	assert.Contains(t, opps[0].Reason, "Break-even too slow")
}

func TestScan_CachesWithinTTL(t *testing.T) {
	gw := &fakeGateway{fixtures: map[string]coinFixture{"BTC": richFixture()}}
	s := New(gw, &noopLogger{}, nil, testTrading())

	first := s.Scan(context.Background(), []string{"BTC"})
	callsAfterFirst := gw.calls
	second := s.Scan(context.Background(), []string{"BTC"})

	assert.Equal(t, callsAfterFirst, gw.calls, "second scan within TTL must not re-hit the gateway")
	require.Len(t, second, 1)
	assert.Equal(t, first[0].Coin, second[0].Coin)
}

func TestScan_RefreshesAfterTTLExpires(t *testing.T) {
	gw := &fakeGateway{fixtures: map[string]coinFixture{"BTC": richFixture()}}
	s := New(gw, &noopLogger{}, nil, testTrading())

	s.Scan(context.Background(), []string{"BTC"})
	s.cachedAt = time.Now().Add(-2 * cacheTTL)
	callsBefore := gw.calls

	s.Scan(context.Background(), []string{"BTC"})

	assert.Greater(t, gw.calls, callsBefore)
}

func TestScan_EmptyCandidateListReturnsEmpty(t *testing.T) {
	gw := &fakeGateway{fixtures: map[string]coinFixture{}}
	s := New(gw, &noopLogger{}, nil, testTrading())

	opps := s.Scan(context.Background(), nil)

	assert.Empty(t, opps)
}
