package gateway

import (
	"context"
	"errors"
	"testing"

	"funding_harvester/internal/core"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlaceOrder_AutoFillMarksFilledAtConfiguredPrice(t *testing.T) {
	gw := NewFakeGateway()
	gw.SetPrice("BTC", core.MarketSpot, core.PriceQuote{Bid: decimal.NewFromInt(100), Ask: decimal.NewFromInt(100)})

	err := gw.PlaceOrder(context.Background(), "BTC", core.MarketSpot, core.SideBuy, decimal.NewFromInt(1), decimal.NewFromInt(100), "cloid-1")
	require.NoError(t, err)

	status, filledQty, avgPrice, err := gw.QueryOrderStatus(context.Background(), "BTC", core.MarketSpot, "cloid-1")
	require.NoError(t, err)
	assert.Equal(t, core.StatusFilled, status)
	assert.True(t, filledQty.Equal(decimal.NewFromInt(1)))
	assert.True(t, avgPrice.Equal(decimal.NewFromInt(100)))
}

func TestPlaceOrder_AutoFillDisabledLeavesOrderNew(t *testing.T) {
	gw := NewFakeGateway()
	gw.SetAutoFill(false)

	err := gw.PlaceOrder(context.Background(), "BTC", core.MarketSpot, core.SideBuy, decimal.NewFromInt(1), decimal.NewFromInt(100), "cloid-1")
	require.NoError(t, err)

	status, _, _, err := gw.QueryOrderStatus(context.Background(), "BTC", core.MarketSpot, "cloid-1")
	require.NoError(t, err)
	assert.Equal(t, core.StatusNew, status)
}

func TestPlaceOrder_ConfiguredErrorIsReturned(t *testing.T) {
	gw := NewFakeGateway()
	gw.SetPlaceOrderErr(errors.New("rejected"))

	err := gw.PlaceOrder(context.Background(), "BTC", core.MarketSpot, core.SideBuy, decimal.NewFromInt(1), decimal.NewFromInt(100), "cloid-1")

	assert.Error(t, err)
}

func TestQueryOrderStatus_UnknownCloidReturnsUnknown(t *testing.T) {
	gw := NewFakeGateway()

	status, filledQty, _, err := gw.QueryOrderStatus(context.Background(), "BTC", core.MarketSpot, "never-placed")

	require.NoError(t, err)
	assert.Equal(t, core.StatusUnknown, status)
	assert.True(t, filledQty.IsZero())
}

func TestCancelOrder_MarksTrackedOrderCanceled(t *testing.T) {
	gw := NewFakeGateway()
	gw.SetAutoFill(false)
	require.NoError(t, gw.PlaceOrder(context.Background(), "BTC", core.MarketSpot, core.SideBuy, decimal.NewFromInt(1), decimal.NewFromInt(100), "cloid-1"))

	require.NoError(t, gw.CancelOrder(context.Background(), "BTC", core.MarketSpot, "cloid-1"))

	status, _, _, err := gw.QueryOrderStatus(context.Background(), "BTC", core.MarketSpot, "cloid-1")
	require.NoError(t, err)
	assert.Equal(t, core.StatusCanceled, status)
}

func TestSeedPosition_ReturnedByGetPositions(t *testing.T) {
	gw := NewFakeGateway()
	gw.SeedPosition(core.Position{Coin: "BTC", SizeSpot: decimal.NewFromInt(1), SizePerp: decimal.NewFromInt(1)})

	positions, err := gw.GetPositions(context.Background())

	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, "BTC", positions[0].Coin)
}

func TestGetLiquidityUSD_ReturnsConfiguredValues(t *testing.T) {
	gw := NewFakeGateway()
	gw.SetLiquidity("BTC", decimal.NewFromInt(5_000_000), decimal.NewFromInt(4_000_000))

	spot, perp, err := gw.GetLiquidityUSD(context.Background(), "BTC")

	require.NoError(t, err)
	assert.True(t, spot.Equal(decimal.NewFromInt(5_000_000)))
	assert.True(t, perp.Equal(decimal.NewFromInt(4_000_000)))
}
