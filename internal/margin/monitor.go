// Package margin implements the per-tick margin monitor: it recomputes
// the account's margin ratio on every price update, triggers a
// rebalance when a threshold is breached, and runs the watchdog ladder
// (reconnect -> panic-close -> die) that is the engine's terminal
// safety net against a dead price feed.
package margin

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"funding_harvester/internal/config"
	"funding_harvester/internal/core"
	"funding_harvester/internal/execution"
	"funding_harvester/internal/safety"
	"funding_harvester/internal/state"
	"funding_harvester/pkg/telemetry"

	"github.com/shopspring/decimal"
)

// Reconnector is the narrow capability the watchdog needs from the
// price feed: a blocking reconnect attempt bounded by the caller's
// context.
type Reconnector interface {
	Reconnect(ctx context.Context) error
}

// Watchdog escalation rungs, exported for the metrics gauge and tests.
const (
	RungNormal    = 0
	RungReconnect = 1
	RungPanic     = 2
	RungDie       = 3
)

// Monitor is the margin watchdog described by the engine's risk design:
// driven by every price tick, never by polling.
type Monitor struct {
	gateway     core.ExchangeGateway
	guard       *execution.Guard
	st          *state.State
	reconnector Reconnector
	panicSwitch *safety.PanicSwitch
	logger      core.Logger
	notifier    core.Notifier

	risk   config.RiskConfig
	timing config.TimingConfig

	rebalancing int32 // atomic bool: single-flight guard for the rebalance task

	mu          sync.Mutex
	lastPerpBid map[string]decimal.Decimal

	negMu                sync.Mutex
	negativeFundingSince map[string]time.Time

	// exitFunc is injectable so tests can observe a terminal watchdog
	// rung without killing the test process.
	exitFunc func(code int)

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Monitor. reconnector and panicSwitch may be nil in
// tests that never exercise the watchdog ladder.
func New(gateway core.ExchangeGateway, guard *execution.Guard, st *state.State, reconnector Reconnector, panicSwitch *safety.PanicSwitch, logger core.Logger, notifier core.Notifier, risk config.RiskConfig, timing config.TimingConfig) *Monitor {
	return &Monitor{
		gateway:              gateway,
		guard:                guard,
		st:                   st,
		reconnector:          reconnector,
		panicSwitch:          panicSwitch,
		logger:               logger.WithField("component", "margin_monitor"),
		notifier:             notifier,
		risk:                 risk,
		timing:               timing,
		lastPerpBid:          make(map[string]decimal.Decimal),
		negativeFundingSince: make(map[string]time.Time),
		exitFunc:             os.Exit,
		stopCh:               make(chan struct{}),
	}
}

// OnTick is the price-feed callback. It must complete before the next
// tick is delivered; the engine guarantees this by invoking OnTick
// synchronously from the feed's single subscription goroutine.
func (m *Monitor) OnTick(ctx context.Context, quote core.PriceQuote) {
	now := time.Now()

	if quote.Market == core.MarketPerp {
		m.mu.Lock()
		m.lastPerpBid[quote.Coin] = quote.Bid
		m.mu.Unlock()
	}

	balances, err := m.gateway.GetBalances(ctx)
	if err != nil {
		m.logger.Error("failed to fetch balances on tick", "error", err)
		m.st.SetMarginSnapshot(m.st.MarginRatio(), now, m.st.Get().SpotBalanceUSD, m.st.Get().PerpMarginUSD)
		return
	}

	positions := m.st.Positions()

	totalPositionValue := decimal.Zero
	m.mu.Lock()
	for _, p := range positions {
		bid, ok := m.lastPerpBid[p.Coin]
		if !ok {
			bid = p.EntryPricePerp
		}
		totalPositionValue = totalPositionValue.Add(p.SizePerp.Mul(bid))
	}
	m.mu.Unlock()

	ratio := decimal.NewFromInt(1)
	if len(positions) > 0 && !totalPositionValue.IsZero() {
		ratio = balances.AccountEquity.Div(totalPositionValue)
	}

	m.st.SetMarginSnapshot(ratio, now, balances.AvailableBalance, balances.MaintenanceMargin)
	telemetry.GetGlobalMetrics().SetMarginRatio(ratio.InexactFloat64())
	telemetry.GetGlobalMetrics().SetPositionsOpen(int64(len(positions)))

	if atomic.LoadInt32(&m.rebalancing) == 1 {
		return
	}
	if len(positions) == 0 {
		return
	}

	var percentage decimal.Decimal
	switch {
	case ratio.LessThanOrEqual(decimal.NewFromFloat(m.risk.MarginCriticalThreshold)):
		percentage = decimal.NewFromFloat(0.5)
	case ratio.LessThanOrEqual(decimal.NewFromFloat(m.risk.MarginDangerThreshold)):
		percentage = decimal.NewFromFloat(0.25)
	default:
		return
	}

	if !atomic.CompareAndSwapInt32(&m.rebalancing, 0, 1) {
		return
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer atomic.StoreInt32(&m.rebalancing, 0)
		m.runRebalance(percentage)
	}()
}

func (m *Monitor) runRebalance(percentage decimal.Decimal) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(m.timing.PanicTimeoutSeconds)*time.Second*3)
	defer cancel()

	for _, p := range m.st.Positions() {
		ok := m.guard.SafetyRebalance(ctx, p.Coin, percentage)
		if !ok && m.notifier != nil {
			m.notifier.Notify(ctx, core.AlertError, "rebalance failed", "coin="+p.Coin, map[string]string{"coin": p.Coin})
		}
	}
}

// CheckNegativeFunding is called by the strategy loop, not by a price
// tick. It reports whether a coin has been in negative-funding
// territory long enough to warrant an exit.
func (m *Monitor) CheckNegativeFunding(coin string, rateHourly decimal.Decimal) bool {
	m.negMu.Lock()
	defer m.negMu.Unlock()

	if rateHourly.GreaterThanOrEqual(decimal.Zero) {
		delete(m.negativeFundingSince, coin)
		return false
	}

	since, tracking := m.negativeFundingSince[coin]
	if !tracking {
		m.negativeFundingSince[coin] = time.Now()
		return false
	}

	tolerance := time.Duration(m.risk.NegativeFundingToleranceHours * float64(time.Hour))
	return time.Since(since) >= tolerance
}

// StartWatchdog runs the stale-heartbeat check every watchdog_check
// interval until ctx is cancelled or Stop is called.
func (m *Monitor) StartWatchdog(ctx context.Context) {
	interval := time.Duration(m.timing.WatchdogCheckSeconds) * time.Second
	staleAfter := time.Duration(m.timing.WatchdogStaleSeconds) * time.Second

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.checkHeartbeat(ctx, staleAfter)
		}
	}
}

// Stop signals StartWatchdog's loop to exit and waits for any in-flight
// rebalance goroutine to finish.
func (m *Monitor) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

func (m *Monitor) checkHeartbeat(ctx context.Context, staleAfter time.Duration) {
	last := m.st.LastPriceUpdate()
	if last.IsZero() || time.Since(last) <= staleAfter {
		telemetry.GetGlobalMetrics().SetWatchdogRung(RungNormal)
		return
	}

	m.logger.Error("heartbeat stale, escalating watchdog", "stale_for", time.Since(last))
	telemetry.GetGlobalMetrics().SetWatchdogRung(RungReconnect)

	if m.reconnector != nil {
		reconnectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := m.reconnector.Reconnect(reconnectCtx)
		cancel()
		if err == nil {
			m.st.SetMarginSnapshot(m.st.MarginRatio(), time.Now(), m.st.Get().SpotBalanceUSD, m.st.Get().PerpMarginUSD)
			telemetry.GetGlobalMetrics().SetWatchdogRung(RungNormal)
			return
		}
		m.logger.Error("watchdog reconnect failed", "error", err)
	}

	telemetry.GetGlobalMetrics().SetWatchdogRung(RungPanic)
	if m.panicSwitch != nil {
		panicCtx, cancel := context.WithTimeout(context.Background(), time.Duration(m.timing.PanicTimeoutSeconds)*time.Second)
		outcomes := m.panicSwitch.EmergencyCloseAll(panicCtx, m.st.Positions())
		cancel()

		allClosed := true
		for _, o := range outcomes {
			if o.Err != nil {
				allClosed = false
			} else {
				m.st.RemovePosition(o.Coin)
			}
		}
		if allClosed {
			m.logger.Error("watchdog panic-close succeeded, exiting clean")
			m.exitFunc(0)
			return
		}
	}

	telemetry.GetGlobalMetrics().SetWatchdogRung(RungDie)
	m.logger.Error("watchdog panic-close failed or unavailable, exiting fatal")
	m.exitFunc(1)
}
