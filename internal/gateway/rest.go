// Package gateway provides the production and in-memory implementations
// of core.ExchangeGateway: RESTGateway talks to a real venue over a
// signed REST API; FakeGateway is a deterministic test double.
package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"funding_harvester/internal/config"
	"funding_harvester/internal/core"
	apperrors "funding_harvester/pkg/errors"
	httpclient "funding_harvester/pkg/http"

	"github.com/shopspring/decimal"
)

// hmacSigner signs every outbound request with an HMAC-SHA256 of the
// request timestamp, method, and path, the way most venue REST APIs
// expect. It is the httpclient.Signer this gateway installs.
type hmacSigner struct {
	apiKey    string
	secretKey string
}

func (s *hmacSigner) SignRequest(req *http.Request) error {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	payload := ts + req.Method + req.URL.Path
	mac := hmac.New(sha256.New, []byte(s.secretKey))
	mac.Write([]byte(payload))
	signature := hex.EncodeToString(mac.Sum(nil))

	req.Header.Set("X-API-KEY", s.apiKey)
	req.Header.Set("X-TIMESTAMP", ts)
	req.Header.Set("X-SIGNATURE", signature)
	return nil
}

// RESTGateway is a production core.ExchangeGateway implementation over
// a generic venue's signed REST surface, resilient via the shared
// httpclient.Client's retry and circuit-breaker pipeline.
type RESTGateway struct {
	http   *httpclient.Client
	logger core.Logger

	spotSymbols map[string]string
	marketMeta  map[string]core.MarketMeta
}

// NewRESTGateway constructs a RESTGateway against the given venue.
func NewRESTGateway(exchange config.ExchangeConfig, timeout time.Duration, logger core.Logger) *RESTGateway {
	signer := &hmacSigner{apiKey: string(exchange.APIKey), secretKey: string(exchange.SecretKey)}
	return &RESTGateway{
		http:        httpclient.NewClient(exchange.BaseURL, timeout, signer),
		logger:      logger.WithField("component", "rest_gateway"),
		spotSymbols: make(map[string]string),
		marketMeta:  make(map[string]core.MarketMeta),
	}
}

// ResolveSpotSymbols fetches venue metadata once at startup and caches
// the coin-to-spot-symbol mapping; spot symbols are venue-internal
// tokens (e.g. "@107") and must never be hard-coded.
func (g *RESTGateway) ResolveSpotSymbols(ctx context.Context, coins []string) error {
	body, err := g.http.Get(ctx, "/meta/spot", nil)
	if err != nil {
		return fmt.Errorf("%w: fetching spot meta: %v", apperrors.ErrNetwork, err)
	}

	var meta map[string]string
	if err := json.Unmarshal(body, &meta); err != nil {
		return fmt.Errorf("failed to parse spot meta: %w", err)
	}

	for _, coin := range coins {
		symbol, ok := meta[coin]
		if !ok {
			return fmt.Errorf("%w: %s is not listed for spot", apperrors.ErrInvalidSymbol, coin)
		}
		g.spotSymbols[coin] = symbol
	}
	return nil
}

func (g *RESTGateway) spotSymbol(coin string) string {
	if symbol, ok := g.spotSymbols[coin]; ok {
		return symbol
	}
	return coin
}

type marketMetaResponse struct {
	SizeDecimals int32 `json:"size_decimals"`
	TickDecimals int32 `json:"tick_decimals"`
}

// GetMarketMeta returns the venue's size- and price-rounding rules for a
// coin, fetched once and cached; repeat calls never hit the network.
func (g *RESTGateway) GetMarketMeta(ctx context.Context, coin string) (core.MarketMeta, error) {
	if meta, ok := g.marketMeta[coin]; ok {
		return meta, nil
	}

	body, err := g.http.Get(ctx, "/meta/market", map[string]string{"coin": coin})
	if err != nil {
		return core.MarketMeta{}, mapVenueError(err)
	}

	var resp marketMetaResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return core.MarketMeta{}, fmt.Errorf("failed to parse market meta response: %w", err)
	}

	meta := core.MarketMeta{SizeDecimals: resp.SizeDecimals, TickDecimals: resp.TickDecimals}
	g.marketMeta[coin] = meta
	return meta, nil
}

type placeOrderRequest struct {
	Coin          string `json:"coin"`
	Market        string `json:"market"`
	Side          string `json:"side"`
	Quantity      string `json:"quantity"`
	Price         string `json:"price"`
	ClientOrderID string `json:"client_order_id"`
}

type placeOrderResponse struct {
	Status    string `json:"status"`
	FilledQty string `json:"filled_qty"`
	AvgPrice  string `json:"avg_price"`
}

// PlaceOrder submits a single-leg limit order.
func (g *RESTGateway) PlaceOrder(ctx context.Context, coin string, market core.Market, side core.Side, quantity decimal.Decimal, price decimal.Decimal, clientOrderID string) error {
	symbol := coin
	if market == core.MarketSpot {
		symbol = g.spotSymbol(coin)
	}

	body, err := g.http.Post(ctx, "/orders", placeOrderRequest{
		Coin:          symbol,
		Market:        string(market),
		Side:          string(side),
		Quantity:      quantity.String(),
		Price:         price.String(),
		ClientOrderID: clientOrderID,
	})
	if err != nil {
		return mapVenueError(err)
	}

	var resp placeOrderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("failed to parse place_order response: %w", err)
	}
	if resp.Status == "rejected" {
		return apperrors.ErrOrderRejected
	}
	return nil
}

// CancelOrder requests cancellation of a still-open order.
func (g *RESTGateway) CancelOrder(ctx context.Context, coin string, market core.Market, clientOrderID string) error {
	_, err := g.http.Delete(ctx, "/orders/"+clientOrderID, map[string]string{"coin": coin, "market": string(market)})
	if err != nil {
		return mapVenueError(err)
	}
	return nil
}

type orderStatusResponse struct {
	Status    string `json:"status"`
	FilledQty string `json:"filled_qty"`
	AvgPrice  string `json:"avg_price"`
}

// QueryOrderStatus reports the current state of a previously placed
// order. A 404 from the venue (no record, no fill) maps to
// StatusUnknown, never a guessed fill, per the engine's ambiguous
// fallback rule.
func (g *RESTGateway) QueryOrderStatus(ctx context.Context, coin string, market core.Market, clientOrderID string) (core.OrderStatus, decimal.Decimal, decimal.Decimal, error) {
	body, err := g.http.Get(ctx, "/orders/"+clientOrderID, map[string]string{"coin": coin, "market": string(market)})
	if err != nil {
		if isNotFound(err) {
			return core.StatusUnknown, decimal.Zero, decimal.Zero, nil
		}
		return core.StatusUnknown, decimal.Zero, decimal.Zero, mapVenueError(err)
	}

	var resp orderStatusResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return core.StatusUnknown, decimal.Zero, decimal.Zero, fmt.Errorf("failed to parse order status response: %w", err)
	}

	filledQty, _ := decimal.NewFromString(resp.FilledQty)
	avgPrice, _ := decimal.NewFromString(resp.AvgPrice)
	return core.OrderStatus(resp.Status), filledQty, avgPrice, nil
}

func isNotFound(err error) bool {
	apiErr, ok := err.(*httpclient.APIError)
	return ok && apiErr.StatusCode == http.StatusNotFound
}

type positionResponse struct {
	Coin           string `json:"coin"`
	SizeSpot       string `json:"size_spot"`
	SizePerp       string `json:"size_perp"`
	EntryPriceSpot string `json:"entry_price_spot"`
	EntryPricePerp string `json:"entry_price_perp"`
}

// GetPositions returns every open spot/perp leg the venue currently
// reports, used by the Reconciler to rebuild State from scratch.
func (g *RESTGateway) GetPositions(ctx context.Context) ([]core.Position, error) {
	body, err := g.http.Get(ctx, "/positions", nil)
	if err != nil {
		return nil, mapVenueError(err)
	}

	var raw []positionResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse positions response: %w", err)
	}

	positions := make([]core.Position, 0, len(raw))
	for _, r := range raw {
		sizeSpot, _ := decimal.NewFromString(r.SizeSpot)
		sizePerp, _ := decimal.NewFromString(r.SizePerp)
		entrySpot, _ := decimal.NewFromString(r.EntryPriceSpot)
		entryPerp, _ := decimal.NewFromString(r.EntryPricePerp)
		positions = append(positions, core.Position{
			Coin:           r.Coin,
			SizeSpot:       sizeSpot,
			SizePerp:       sizePerp,
			EntryPriceSpot: entrySpot,
			EntryPricePerp: entryPerp,
			EntrySpotKnown: true,
		})
	}
	return positions, nil
}

type pendingOrderResponse struct {
	ClientOrderID string `json:"client_order_id"`
	Coin          string `json:"coin"`
	Market        string `json:"market"`
	Side          string `json:"side"`
	Quantity      string `json:"quantity"`
}

// GetOpenOrders returns every order the venue still considers live.
func (g *RESTGateway) GetOpenOrders(ctx context.Context) ([]core.PendingOrder, error) {
	body, err := g.http.Get(ctx, "/orders/open", nil)
	if err != nil {
		return nil, mapVenueError(err)
	}

	var raw []pendingOrderResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse open orders response: %w", err)
	}

	orders := make([]core.PendingOrder, 0, len(raw))
	for _, r := range raw {
		qty, _ := decimal.NewFromString(r.Quantity)
		orders = append(orders, core.PendingOrder{
			ClientOrderID: r.ClientOrderID,
			Coin:          r.Coin,
			Market:        core.Market(r.Market),
			Side:          core.Side(r.Side),
			Quantity:      qty,
		})
	}
	return orders, nil
}

type balancesResponse struct {
	AccountEquity      string `json:"account_equity"`
	MaintenanceMargin  string `json:"maintenance_margin"`
	AvailableBalance   string `json:"available_balance"`
	TotalPositionValue string `json:"total_position_value"`
}

// GetBalances returns the account-level margin snapshot.
func (g *RESTGateway) GetBalances(ctx context.Context) (core.Balances, error) {
	body, err := g.http.Get(ctx, "/balances", nil)
	if err != nil {
		return core.Balances{}, mapVenueError(err)
	}

	var resp balancesResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return core.Balances{}, fmt.Errorf("failed to parse balances response: %w", err)
	}

	equity, _ := decimal.NewFromString(resp.AccountEquity)
	maintenance, _ := decimal.NewFromString(resp.MaintenanceMargin)
	available, _ := decimal.NewFromString(resp.AvailableBalance)
	totalPosition, _ := decimal.NewFromString(resp.TotalPositionValue)

	return core.Balances{
		AccountEquity:      equity,
		MaintenanceMargin:  maintenance,
		AvailableBalance:   available,
		TotalPositionValue: totalPosition,
		FetchedAt:          time.Now(),
	}, nil
}

// GetFundingRate returns the current hourly funding rate for a coin's
// perp contract.
func (g *RESTGateway) GetFundingRate(ctx context.Context, coin string) (decimal.Decimal, error) {
	body, err := g.http.Get(ctx, "/funding-rate", map[string]string{"coin": coin})
	if err != nil {
		return decimal.Zero, mapVenueError(err)
	}

	var resp struct {
		RateHourly string `json:"rate_hourly"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return decimal.Zero, fmt.Errorf("failed to parse funding rate response: %w", err)
	}
	rate, _ := decimal.NewFromString(resp.RateHourly)
	return rate, nil
}

// GetPrice returns a best-bid/best-ask snapshot for one coin on one market.
func (g *RESTGateway) GetPrice(ctx context.Context, coin string, market core.Market) (core.PriceQuote, error) {
	symbol := coin
	if market == core.MarketSpot {
		symbol = g.spotSymbol(coin)
	}

	body, err := g.http.Get(ctx, "/price", map[string]string{"symbol": symbol, "market": string(market)})
	if err != nil {
		return core.PriceQuote{}, mapVenueError(err)
	}

	var resp struct {
		Bid string `json:"bid"`
		Ask string `json:"ask"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return core.PriceQuote{}, fmt.Errorf("failed to parse price response: %w", err)
	}
	bid, _ := decimal.NewFromString(resp.Bid)
	ask, _ := decimal.NewFromString(resp.Ask)
	return core.PriceQuote{Coin: coin, Market: market, Bid: bid, Ask: ask, At: time.Now()}, nil
}

// GetLiquidityUSD returns a trailing-24h volume proxy for both legs.
func (g *RESTGateway) GetLiquidityUSD(ctx context.Context, coin string) (decimal.Decimal, decimal.Decimal, error) {
	body, err := g.http.Get(ctx, "/liquidity", map[string]string{"coin": coin})
	if err != nil {
		return decimal.Zero, decimal.Zero, mapVenueError(err)
	}

	var resp struct {
		SpotVolume24hUSD string `json:"spot_volume_24h_usd"`
		PerpVolume24hUSD string `json:"perp_volume_24h_usd"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("failed to parse liquidity response: %w", err)
	}
	spot, _ := decimal.NewFromString(resp.SpotVolume24hUSD)
	perp, _ := decimal.NewFromString(resp.PerpVolume24hUSD)
	return spot, perp, nil
}

// mapVenueError maps an httpclient.APIError's status code onto the
// engine's venue-facing sentinels so upstream components can
// errors.Is() against a stable set regardless of which venue is wired.
func mapVenueError(err error) error {
	apiErr, ok := err.(*httpclient.APIError)
	if !ok {
		return fmt.Errorf("%w: %v", apperrors.ErrNetwork, err)
	}

	switch apiErr.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %v", apperrors.ErrAuthenticationFailed, err)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %v", apperrors.ErrRateLimitExceeded, err)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %v", apperrors.ErrOrderNotFound, err)
	case http.StatusServiceUnavailable:
		return fmt.Errorf("%w: %v", apperrors.ErrExchangeMaintenance, err)
	case http.StatusConflict:
		return fmt.Errorf("%w: %v", apperrors.ErrDuplicateOrder, err)
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %v", apperrors.ErrInvalidOrderParameter, err)
	default:
		return fmt.Errorf("%w: %v", apperrors.ErrNetwork, err)
	}
}
