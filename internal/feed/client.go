// Package feed provides the production core.PriceFeed implementation
// over the venue's public market-data websocket, plus a deterministic
// fake for tests.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"funding_harvester/internal/core"
	wsclient "funding_harvester/pkg/websocket"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

// quoteMessage is the venue's wire format for a price update pushed over
// the public market-data channel.
type quoteMessage struct {
	Channel string `json:"channel"`
	Coin    string `json:"coin"`
	Market  string `json:"market"`
	Bid     string `json:"bid"`
	Ask     string `json:"ask"`
}

// Client is a production core.PriceFeed over the venue's public
// market-data websocket. Reconnection is handled by the underlying
// pkg/websocket.Client's own loop; Reconnect exists only for the margin
// watchdog's forced-reconnect rung.
type Client struct {
	url    string
	logger core.Logger

	mu      sync.Mutex
	coins   []string
	onQuote func(core.PriceQuote)
	ws      *wsclient.Client
}

// NewClient constructs a feed.Client against the venue's market-data URL.
func NewClient(url string, logger core.Logger) *Client {
	return &Client{url: url, logger: logger}
}

// Subscribe opens the websocket and begins delivering quotes for the
// given coins on both the spot and perp markets until ctx is canceled
// or Close is called.
func (c *Client) Subscribe(ctx context.Context, coins []string, onQuote func(core.PriceQuote)) error {
	c.mu.Lock()
	c.coins = coins
	c.onQuote = onQuote
	c.mu.Unlock()

	c.connect()
	return nil
}

func (c *Client) connect() {
	ws := wsclient.NewClient(c.url, c.handleMessage, c.logger)
	ws.SetOnConnected(c.subscribeAll)

	c.mu.Lock()
	c.ws = ws
	c.mu.Unlock()

	ws.Start()
}

func (c *Client) subscribeAll() {
	c.mu.Lock()
	coins := append([]string(nil), c.coins...)
	ws := c.ws
	c.mu.Unlock()

	for _, coin := range coins {
		for _, market := range []core.Market{core.MarketSpot, core.MarketPerp} {
			_ = ws.Send(map[string]string{
				"op":      "subscribe",
				"channel": "price",
				"coin":    coin,
				"market":  string(market),
			})
		}
	}
}

func (c *Client) handleMessage(raw []byte) {
	var msg quoteMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		if c.logger != nil {
			c.logger.Warn("feed: discarding unparseable message", "error", err)
		}
		return
	}
	if msg.Channel != "price" {
		return
	}

	bid, err := decimal.NewFromString(msg.Bid)
	if err != nil {
		return
	}
	ask, err := decimal.NewFromString(msg.Ask)
	if err != nil {
		return
	}

	c.mu.Lock()
	onQuote := c.onQuote
	c.mu.Unlock()
	if onQuote == nil {
		return
	}
	onQuote(core.PriceQuote{Coin: msg.Coin, Market: core.Market(msg.Market), Bid: bid, Ask: ask, At: time.Now()})
}

// Reconnect probes the venue with a bounded direct dial and, if it
// succeeds, tears down and rebuilds the underlying websocket client so
// the watchdog observes a genuinely fresh stream rather than a silently
// stalled one.
func (c *Client) Reconnect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("feed reconnect probe failed: %w", err)
	}
	conn.Close()

	c.mu.Lock()
	old := c.ws
	c.mu.Unlock()
	if old != nil {
		old.Stop()
	}

	c.connect()
	return nil
}

// Close tears down the underlying websocket client.
func (c *Client) Close() error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws != nil {
		ws.Stop()
	}
	return nil
}

var _ core.PriceFeed = (*Client)(nil)
