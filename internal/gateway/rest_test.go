package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"funding_harvester/internal/config"
	"funding_harvester/internal/core"
	apperrors "funding_harvester/pkg/errors"
	httpclient "funding_harvester/pkg/http"

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

func newTestGateway(t *testing.T, handler http.HandlerFunc) *RESTGateway {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewRESTGateway(config.ExchangeConfig{APIKey: "k", SecretKey: "s", BaseURL: srv.URL}, 2*time.Second, &noopLogger{})
}

func TestGetBalances_ParsesResponse(t *testing.T) {
	gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{
			"account_equity":       "1000",
			"maintenance_margin":   "50",
			"available_balance":    "900",
			"total_position_value": "500",
		})
	})

	balances, err := gw.GetBalances(context.Background())

	require.NoError(t, err)
	assert.True(t, balances.AccountEquity.Equal(decimal.NewFromInt(1000)))
	assert.True(t, balances.AvailableBalance.Equal(decimal.NewFromInt(900)))
}

func TestGetFundingRate_ParsesResponse(t *testing.T) {
	gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"rate_hourly": "0.0001"})
	})

	rate, err := gw.GetFundingRate(context.Background(), "BTC")

	require.NoError(t, err)
	assert.True(t, rate.Equal(decimal.NewFromFloat(0.0001)))
}

func TestQueryOrderStatus_404MapsToUnknownNotError(t *testing.T) {
	gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"not found"}`))
	})

	status, _, _, err := gw.QueryOrderStatus(context.Background(), "BTC", core.MarketSpot, "cloid-1")

	require.NoError(t, err)
	assert.Equal(t, core.StatusUnknown, status)
}

func TestPlaceOrder_RejectedStatusReturnsErrOrderRejected(t *testing.T) {
	gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "rejected"})
	})

	err := gw.PlaceOrder(context.Background(), "BTC", core.MarketSpot, core.SideBuy, decimal.NewFromInt(1), decimal.NewFromInt(100), "cloid-1")

	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrOrderRejected)
}

func TestPlaceOrder_FilledStatusReturnsNoError(t *testing.T) {
	gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "filled", "filled_qty": "1", "avg_price": "100"})
	})

	err := gw.PlaceOrder(context.Background(), "BTC", core.MarketPerp, core.SideBuy, decimal.NewFromInt(1), decimal.NewFromInt(100), "cloid-1")

	assert.NoError(t, err)
}

func TestResolveSpotSymbols_MissingCoinReturnsInvalidSymbol(t *testing.T) {
	gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"BTC": "@1"})
	})

	err := gw.ResolveSpotSymbols(context.Background(), []string{"ETH"})

	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrInvalidSymbol)
}

func TestResolveSpotSymbols_KnownCoinIsCached(t *testing.T) {
	gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"BTC": "@1"})
	})

	err := gw.ResolveSpotSymbols(context.Background(), []string{"BTC"})

	require.NoError(t, err)
	assert.Equal(t, "@1", gw.spotSymbol("BTC"))
}

func TestMapVenueError_RateLimitMapsToErrRateLimitExceeded(t *testing.T) {
	err := mapVenueError(&httpclient.APIError{StatusCode: http.StatusTooManyRequests, Body: []byte("slow down")})

	assert.ErrorIs(t, err, apperrors.ErrRateLimitExceeded)
}

func TestMapVenueError_UnauthorizedMapsToAuthFailed(t *testing.T) {
	err := mapVenueError(&httpclient.APIError{StatusCode: http.StatusUnauthorized})

	assert.ErrorIs(t, err, apperrors.ErrAuthenticationFailed)
}

func TestMapVenueError_ConflictMapsToDuplicateOrder(t *testing.T) {
	err := mapVenueError(&httpclient.APIError{StatusCode: http.StatusConflict})

	assert.ErrorIs(t, err, apperrors.ErrDuplicateOrder)
}

func TestMapVenueError_NonAPIErrorMapsToNetwork(t *testing.T) {
	err := mapVenueError(assert.AnError)

	assert.ErrorIs(t, err, apperrors.ErrNetwork)
}
