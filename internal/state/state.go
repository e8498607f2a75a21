// Package state holds the process-scoped, in-memory source of truth for
// open positions, in-flight orders, and the account's margin snapshot.
// It is never persisted: every process start rebuilds it from the venue
// via the reconciler.
package state

import (
	"sync"
	"time"

	"funding_harvester/internal/core"

	"github.com/shopspring/decimal"
)

// Summary is a point-in-time snapshot of State, safe to read without
// holding any lock after it is returned.
type Summary struct {
	Positions         map[string]core.Position
	PendingOrders     map[string]core.PendingOrder
	MarginRatio       decimal.Decimal
	LastPriceUpdate   time.Time
	TotalExposureUSD  decimal.Decimal
	SpotBalanceUSD    decimal.Decimal
	PerpMarginUSD     decimal.Decimal
	AvailableBufferUSD decimal.Decimal
}

// State is constructed once per process and passed explicitly to every
// component that needs it; there is no package-level global. It is
// written only by the ExecutionGuard, the MarginMonitor, and the
// Reconciler, and read everywhere else. A single mutex guards the full
// compound update of any mutation, matching the concurrency model's
// "one mutex held for the full update" requirement.
type State struct {
	mu sync.RWMutex

	positions     map[string]core.Position
	pendingOrders map[string]core.PendingOrder

	marginRatio     decimal.Decimal
	lastPriceUpdate time.Time

	totalExposureUSD   decimal.Decimal
	spotBalanceUSD     decimal.Decimal
	perpMarginUSD      decimal.Decimal
	availableBufferUSD decimal.Decimal
}

// New returns a fresh, empty State with margin_ratio defaulted to 1.0
// (the boundary value for "no positions").
func New() *State {
	s := &State{
		positions:     make(map[string]core.Position),
		pendingOrders: make(map[string]core.PendingOrder),
		marginRatio:   decimal.NewFromInt(1),
	}
	return s
}

// Reset clears every position and pending order, used by the Reconciler
// at the start of every boot.
func (s *State) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions = make(map[string]core.Position)
	s.pendingOrders = make(map[string]core.PendingOrder)
	s.marginRatio = decimal.NewFromInt(1)
	s.totalExposureUSD = decimal.Zero
}

// Get returns a deep-enough snapshot of the current state for read-only
// use by callers that must not observe a torn update.
func (s *State) Get() Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	positions := make(map[string]core.Position, len(s.positions))
	for k, v := range s.positions {
		positions[k] = v
	}
	pending := make(map[string]core.PendingOrder, len(s.pendingOrders))
	for k, v := range s.pendingOrders {
		pending[k] = v
	}

	return Summary{
		Positions:          positions,
		PendingOrders:      pending,
		MarginRatio:        s.marginRatio,
		LastPriceUpdate:    s.lastPriceUpdate,
		TotalExposureUSD:   s.totalExposureUSD,
		SpotBalanceUSD:     s.spotBalanceUSD,
		PerpMarginUSD:      s.perpMarginUSD,
		AvailableBufferUSD: s.availableBufferUSD,
	}
}

// HasPosition reports whether coin currently has an open position.
func (s *State) HasPosition(coin string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.positions[coin]
	return ok
}

// Position returns the current position for coin, if any.
func (s *State) Position(coin string) (core.Position, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[coin]
	return p, ok
}

// Positions returns every open position, snapshot-copied.
func (s *State) Positions() []core.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.Position, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, p)
	}
	return out
}

// AddPosition inserts or overwrites the position for its coin and
// recomputes total exposure.
func (s *State) AddPosition(p core.Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[p.Coin] = p
	s.recomputeExposureLocked()
}

// RemovePosition deletes a fully-closed position and recomputes exposure.
func (s *State) RemovePosition(coin string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.positions, coin)
	s.recomputeExposureLocked()
}

// UpdatePositionSize shrinks or grows an existing position's leg sizes
// (used by a partial close) and recomputes exposure. It is a no-op if
// the coin has no open position.
func (s *State) UpdatePositionSize(coin string, newSpot, newPerp decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[coin]
	if !ok {
		return
	}
	p.SizeSpot = newSpot
	p.SizePerp = newPerp
	s.positions[coin] = p
	s.recomputeExposureLocked()
}

// recomputeExposureLocked must be called with mu held for write.
func (s *State) recomputeExposureLocked() {
	total := decimal.Zero
	for _, p := range s.positions {
		total = total.Add(p.SizeSpot.Mul(p.EntryPriceSpot))
	}
	s.totalExposureUSD = total
}

// AddPendingOrder records an order as in-flight before it is dispatched.
func (s *State) AddPendingOrder(o core.PendingOrder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingOrders[o.ClientOrderID] = o
}

// RemovePendingOrder clears an in-flight order once its execution
// attempt has resolved, regardless of outcome.
func (s *State) RemovePendingOrder(cloid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pendingOrders, cloid)
}

// PendingOrderCount returns the number of orders currently tracked
// in-flight, used by tests asserting invariant 3 (pending count returns
// to its pre-call size after every operation).
func (s *State) PendingOrderCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pendingOrders)
}

// SetMarginSnapshot writes the margin ratio and heartbeat together, as
// the MarginMonitor does on every tick, and updates the balance fields
// used to derive available_buffer_usd.
func (s *State) SetMarginSnapshot(ratio decimal.Decimal, at time.Time, spotBalance, perpMargin decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marginRatio = ratio
	s.lastPriceUpdate = at
	s.spotBalanceUSD = spotBalance
	s.perpMarginUSD = perpMargin

	buffer := perpMargin.Sub(s.totalExposureUSD.Mul(decimal.NewFromFloat(0.5)))
	if buffer.LessThan(decimal.Zero) {
		buffer = decimal.Zero
	}
	s.availableBufferUSD = buffer
}

// MarginRatio returns the last-computed margin ratio.
func (s *State) MarginRatio() decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.marginRatio
}

// LastPriceUpdate returns the watchdog heartbeat timestamp.
func (s *State) LastPriceUpdate() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastPriceUpdate
}

// TotalExposureUSD returns the current sum of every position's size_usd.
func (s *State) TotalExposureUSD() decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.totalExposureUSD
}

// AvailableBufferUSD returns max(0, perp_margin - 0.5*total_exposure).
func (s *State) AvailableBufferUSD() decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.availableBufferUSD
}
