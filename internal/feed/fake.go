package feed

import (
	"context"
	"sync"

	"funding_harvester/internal/core"
)

// FakeFeed is a deterministic core.PriceFeed double: tests call Push to
// simulate an incoming quote instead of waiting on a real socket.
type FakeFeed struct {
	mu           sync.Mutex
	onQuote      func(core.PriceQuote)
	closed       bool
	reconnectErr error
	reconnectsN  int
}

// NewFakeFeed constructs an empty FakeFeed.
func NewFakeFeed() *FakeFeed {
	return &FakeFeed{}
}

// Subscribe records the callback; no goroutine or connection is created.
func (f *FakeFeed) Subscribe(ctx context.Context, coins []string, onQuote func(core.PriceQuote)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onQuote = onQuote
	return nil
}

// Push delivers a quote to whatever callback Subscribe registered, as
// though it had arrived over the wire.
func (f *FakeFeed) Push(quote core.PriceQuote) {
	f.mu.Lock()
	onQuote := f.onQuote
	f.mu.Unlock()
	if onQuote != nil {
		onQuote(quote)
	}
}

// SetReconnectErr forces Reconnect to fail with the given error.
func (f *FakeFeed) SetReconnectErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconnectErr = err
}

// Reconnect records the attempt and returns the configured error, if any.
func (f *FakeFeed) Reconnect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconnectsN++
	return f.reconnectErr
}

// Reconnects reports how many times Reconnect was called.
func (f *FakeFeed) Reconnects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reconnectsN
}

// Close marks the feed closed.
func (f *FakeFeed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// Closed reports whether Close was called.
func (f *FakeFeed) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

var _ core.PriceFeed = (*FakeFeed)(nil)
