// Package harvester implements the FundingHarvester: the strategy
// orchestrator that turns scanner output into dual-leg entries and
// keeps a running log of funding income on open positions.
package harvester

import (
	"context"
	"sync"
	"time"

	"funding_harvester/internal/config"
	"funding_harvester/internal/core"
	"funding_harvester/internal/execution"
	"funding_harvester/internal/scanner"
	"funding_harvester/internal/state"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const minEntryFloorUSD = 5

// NegativeFundingChecker reports whether a coin's negative-funding streak
// has exceeded the configured tolerance and should be exited. Satisfied
// by *margin.Monitor; declared narrowly here so this package does not
// import margin for a single method.
type NegativeFundingChecker interface {
	CheckNegativeFunding(coin string, rateHourly decimal.Decimal) bool
}

// Harvester runs the scan-and-enter and funding-log loops.
type Harvester struct {
	gateway core.ExchangeGateway
	scanner *scanner.Scanner
	guard   *execution.Guard
	st      *state.State
	negFund NegativeFundingChecker
	coldLog core.ColdLogger
	logger  core.Logger

	trading config.TradingConfig
	timing  config.TimingConfig

	coins  []string
	dryRun bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Harvester. coins is the fixed candidate universe
// scanned every iteration; dryRun suppresses the execute_delta_neutral
// call, logging intent only.
func New(gateway core.ExchangeGateway, sc *scanner.Scanner, guard *execution.Guard, st *state.State,
	negFund NegativeFundingChecker, coldLog core.ColdLogger, logger core.Logger,
	trading config.TradingConfig, timing config.TimingConfig, coins []string, dryRun bool) *Harvester {
	return &Harvester{
		gateway: gateway,
		scanner: sc,
		guard:   guard,
		st:      st,
		negFund: negFund,
		coldLog: coldLog,
		logger:  logger.WithField("component", "funding_harvester"),
		trading: trading,
		timing:  timing,
		coins:   coins,
		dryRun:  dryRun,
		stopCh:  make(chan struct{}),
	}
}

// Start launches both cooperative loops in the background.
func (h *Harvester) Start(ctx context.Context) {
	h.wg.Add(2)
	go h.scanAndEnterLoop(ctx)
	go h.fundingLogLoop(ctx)
}

// Stop signals both loops to exit and waits for them to drain.
func (h *Harvester) Stop() {
	close(h.stopCh)
	h.wg.Wait()
}

func (h *Harvester) scanAndEnterLoop(ctx context.Context) {
	defer h.wg.Done()
	interval := time.Duration(h.timing.ScanIntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.scanAndEnterOnce(ctx)
		}
	}
}

func (h *Harvester) scanAndEnterOnce(ctx context.Context) {
	maxExposure := decimal.NewFromFloat(h.trading.MaxTotalExposureUSD)
	if h.st.TotalExposureUSD().GreaterThanOrEqual(maxExposure) {
		h.logger.Debug("total exposure at cap, skipping scan", "total_exposure_usd", h.st.TotalExposureUSD())
		return
	}

	opportunities := h.scanner.Scan(ctx, h.coins)
	minAPR := decimal.NewFromFloat(h.trading.MinFundingAPR)
	minNetAPY := decimal.NewFromFloat(h.trading.MinNetAPYPct)
	maxBreakeven := decimal.NewFromFloat(h.trading.MaxBreakevenDays)

	for _, opp := range opportunities {
		if !opp.IsViable(minAPR, minNetAPY, maxBreakeven) {
			continue
		}
		if h.st.HasPosition(opp.Coin) {
			continue
		}
		if h.tryEnter(ctx, opp, maxExposure) {
			return // at most one new position per iteration
		}
	}
}

func (h *Harvester) tryEnter(ctx context.Context, opp core.FundingOpportunity, maxExposure decimal.Decimal) bool {
	remainingCapacity := maxExposure.Sub(h.st.TotalExposureUSD())
	maxPerCoin := decimal.NewFromFloat(h.trading.MaxPositionPerCoinUSD)
	sizeUSD := decimal.Min(maxPerCoin, remainingCapacity)
	if sizeUSD.LessThan(decimal.NewFromInt(minEntryFloorUSD)) {
		return false
	}

	spotQuote, err := h.gateway.GetPrice(ctx, opp.Coin, core.MarketSpot)
	if err != nil {
		h.logger.Warn("spot price fetch failed, skipping entry", "coin", opp.Coin, "error", err)
		return false
	}
	perpQuote, err := h.gateway.GetPrice(ctx, opp.Coin, core.MarketPerp)
	if err != nil {
		h.logger.Warn("perp price fetch failed, skipping entry", "coin", opp.Coin, "error", err)
		return false
	}
	if spotQuote.Mid().IsZero() || perpQuote.Mid().IsZero() {
		h.logger.Warn("zero price quoted, skipping entry", "coin", opp.Coin)
		return false
	}

	balances, err := h.gateway.GetBalances(ctx)
	if err != nil {
		h.logger.Warn("balance fetch failed, skipping entry", "coin", opp.Coin, "error", err)
		return false
	}
	requiredSpot := sizeUSD.Mul(decimal.NewFromFloat(1.02))
	requiredPerpMargin := sizeUSD.Mul(decimal.NewFromFloat(0.20))
	if balances.AvailableBalance.LessThan(requiredSpot) {
		h.logger.Debug("insufficient spot balance, skipping entry", "coin", opp.Coin, "required", requiredSpot, "available", balances.AvailableBalance)
		return false
	}
	if balances.AccountEquity.LessThan(requiredPerpMargin) {
		h.logger.Debug("insufficient perp margin, skipping entry", "coin", opp.Coin, "required", requiredPerpMargin)
		return false
	}

	if h.dryRun {
		h.logger.Info("dry run: would enter position", "coin", opp.Coin, "size_usd", sizeUSD, "net_apy_pct", opp.NetAPYPct)
		return true
	}

	result := h.guard.ExecuteDeltaNeutral(ctx, opp.Coin, sizeUSD, spotQuote.Mid(), perpQuote.Mid())
	if !result.Succeeded {
		h.logger.Warn("entry failed", "coin", opp.Coin, "error", result.Err)
		return false
	}

	h.logEntry(opp.Coin, result)
	return true
}

func (h *Harvester) logEntry(coin string, result core.ExecutionResult) {
	now := time.Now()
	h.coldLog.Log(core.ColdEvent{Kind: "position_open", Coin: coin, At: now, Data: map[string]interface{}{
		"spot_filled": result.FilledSpot.String(),
		"perp_filled": result.FilledPerp.String(),
	}})
	h.coldLog.Log(core.ColdEvent{Kind: "trade", Coin: coin, At: now, Data: map[string]interface{}{
		"market": string(core.MarketSpot),
		"qty":    result.FilledSpot.String(),
		"price":  result.AvgPriceSpot.String(),
		"cloid":  "entry-" + uuid.NewString(),
	}})
	h.coldLog.Log(core.ColdEvent{Kind: "trade", Coin: coin, At: now, Data: map[string]interface{}{
		"market": string(core.MarketPerp),
		"qty":    result.FilledPerp.String(),
		"price":  result.AvgPricePerp.String(),
		"cloid":  "entry-" + uuid.NewString(),
	}})
}

func (h *Harvester) fundingLogLoop(ctx context.Context) {
	defer h.wg.Done()
	interval := time.Duration(h.timing.FundingCheckIntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.logFundingOnce(ctx)
		}
	}
}

func (h *Harvester) logFundingOnce(ctx context.Context) {
	for _, pos := range h.st.Positions() {
		rate, err := h.gateway.GetFundingRate(ctx, pos.Coin)
		if err != nil {
			h.logger.Warn("funding rate fetch failed", "coin", pos.Coin, "error", err)
			continue
		}

		if rate.LessThanOrEqual(decimal.Zero) {
			if h.negFund != nil {
				h.negFund.CheckNegativeFunding(pos.Coin, rate)
			}
			continue
		}
		if h.negFund != nil {
			h.negFund.CheckNegativeFunding(pos.Coin, rate)
		}

		payment := pos.SizePerp.Mul(rate).Mul(pos.EntryPricePerp)
		h.coldLog.Log(core.ColdEvent{Kind: "funding", Coin: pos.Coin, At: time.Now(), Data: map[string]interface{}{
			"rate_hourly": rate.String(),
			"payment_usd": payment.String(),
		}})
	}
}
