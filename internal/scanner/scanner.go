// Package scanner implements the FundingScanner: the component that
// turns a list of candidate coins into a sorted list of validated
// funding-harvest opportunities, with a short-TTL cache so a fast
// strategy loop doesn't hammer the venue on every iteration.
package scanner

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"funding_harvester/internal/config"
	"funding_harvester/internal/core"
	"funding_harvester/pkg/concurrency"
	"funding_harvester/pkg/telemetry"

	"github.com/shopspring/decimal"
)

const cacheTTL = 60 * time.Second

const hoursPerYear = 24 * 365

// Scanner produces validated FundingOpportunity records for a universe
// of candidate coins, cached for cacheTTL so calls within that window
// reuse the last pass over the venue. Calls that find the cache stale
// at the same time each run their own pass.
type Scanner struct {
	gateway core.ExchangeGateway
	logger  core.Logger
	pool    *concurrency.WorkerPool

	trading config.TradingConfig

	mu       sync.Mutex
	cached   []core.FundingOpportunity
	cachedAt time.Time
}

// New constructs a Scanner. pool runs the per-coin fetches; a nil pool
// runs them inline. The scanner does not own the pool's lifecycle.
func New(gateway core.ExchangeGateway, logger core.Logger, pool *concurrency.WorkerPool, trading config.TradingConfig) *Scanner {
	return &Scanner{
		gateway: gateway,
		logger:  logger.WithField("component", "funding_scanner"),
		pool:    pool,
		trading: trading,
	}
}

// Scan returns every candidate coin's FundingOpportunity, sorted
// (viable first, highest net APY first, higher quality score breaking
// ties), refreshing the cache if it has
// gone stale. Callers get a snapshot list, never a live view.
func (s *Scanner) Scan(ctx context.Context, coins []string) []core.FundingOpportunity {
	s.mu.Lock()
	if time.Since(s.cachedAt) < cacheTTL && s.cached != nil {
		snapshot := make([]core.FundingOpportunity, len(s.cached))
		copy(snapshot, s.cached)
		s.mu.Unlock()
		return snapshot
	}
	s.mu.Unlock()

	results := make([]core.FundingOpportunity, len(coins))
	var wg sync.WaitGroup
	for i, coin := range coins {
		wg.Add(1)
		i, coin := i, coin
		submit := func() {
			defer wg.Done()
			results[i] = s.analyzeCandidate(ctx, coin)
		}
		if s.pool != nil {
			if err := s.pool.Submit(submit); err != nil {
				s.logger.Warn("scan worker pool rejected task, running inline", "coin", coin, "error", err)
				submit()
			}
		} else {
			submit()
		}
	}
	wg.Wait()

	telemetry.GetGlobalMetrics().OpportunitiesScanned.Add(ctx, int64(len(results)))

	sort.Slice(results, func(i, j int) bool {
		if results[i].Viable != results[j].Viable {
			return results[i].Viable // viable sorts first
		}
		if !results[i].NetAPYPct.Equal(results[j].NetAPYPct) {
			return results[i].NetAPYPct.GreaterThan(results[j].NetAPYPct)
		}
		return results[i].QualityScore > results[j].QualityScore
	})

	s.mu.Lock()
	s.cached = results
	s.cachedAt = time.Now()
	snapshot := make([]core.FundingOpportunity, len(results))
	copy(snapshot, results)
	s.mu.Unlock()

	return snapshot
}

func (s *Scanner) analyzeCandidate(ctx context.Context, coin string) core.FundingOpportunity {
	opp := core.FundingOpportunity{Coin: coin, ScannedAt: time.Now()}

	rate, err := s.gateway.GetFundingRate(ctx, coin)
	if err != nil {
		s.logger.Warn("funding rate fetch failed", "coin", coin, "error", err)
		opp.Reason = "funding rate unavailable"
		return opp
	}
	opp.FundingRateHourly = rate
	if rate.LessThanOrEqual(decimal.Zero) {
		opp.Reason = "Funding APR too low"
		return opp
	}

	opp.FundingAPR = rate.Mul(decimal.NewFromInt(hoursPerYear))
	minAPR := decimal.NewFromFloat(s.trading.MinFundingAPR)
	if opp.FundingAPR.LessThan(minAPR) {
		opp.Reason = "Funding APR too low"
		return opp
	}

	spotLiq, perpLiq, err := s.gateway.GetLiquidityUSD(ctx, coin)
	if err != nil {
		s.logger.Warn("liquidity fetch failed", "coin", coin, "error", err)
		opp.Reason = "liquidity unavailable"
		return opp
	}
	opp.SpotLiquidityUSD = spotLiq
	opp.PerpLiquidityUSD = perpLiq
	minLiquidity := decimal.NewFromFloat(s.trading.MinLiquidityUSD)
	if spotLiq.LessThan(minLiquidity) || perpLiq.LessThan(minLiquidity) {
		opp.Reason = "Low liquidity"
		return opp
	}

	spotQuote, err := s.gateway.GetPrice(ctx, coin, core.MarketSpot)
	if err != nil {
		opp.Reason = "spot price unavailable"
		return opp
	}
	perpQuote, err := s.gateway.GetPrice(ctx, coin, core.MarketPerp)
	if err != nil {
		opp.Reason = "perp price unavailable"
		return opp
	}
	opp.SpotPrice = spotQuote.Mid()
	opp.PerpPrice = perpQuote.Mid()

	eta := decimal.NewFromFloat(s.trading.CapitalEfficiencyEta)
	roundTripCost := decimal.NewFromInt(2).Mul(
		decimal.NewFromFloat(s.trading.SpotTakerFee).
			Add(decimal.NewFromFloat(s.trading.PerpTakerFee)).
			Add(decimal.NewFromInt(2).Mul(decimal.NewFromFloat(s.trading.SlippageBps))),
	)
	dailyIncomeFraction := rate.Mul(decimal.NewFromInt(24)).Mul(eta)

	if dailyIncomeFraction.IsZero() {
		opp.Reason = "funding income negligible"
		return opp
	}
	opp.BreakEvenDays = roundTripCost.Div(dailyIncomeFraction)
	opp.NetAPYPct = dailyIncomeFraction.Mul(decimal.NewFromInt(365)).Sub(roundTripCost).Mul(decimal.NewFromInt(100))

	opp.QualityScore = qualityScore(opp)

	minNetAPY := decimal.NewFromFloat(s.trading.MinNetAPYPct)
	maxBreakEven := decimal.NewFromFloat(s.trading.MaxBreakevenDays)
	opp.Viable = opp.IsViable(minAPR, minNetAPY, maxBreakEven)
	if !opp.Viable {
		switch {
		case opp.BreakEvenDays.GreaterThan(maxBreakEven):
			opp.Reason = fmt.Sprintf("Break-even too slow: %s days", opp.BreakEvenDays.StringFixed(1))
		case opp.NetAPYPct.LessThan(minNetAPY):
			opp.Reason = "Net APY too low"
		default:
			opp.Reason = "Funding APR too low"
		}
	}

	return opp
}

// qualityScore is a secondary tiebreaker: 0.3 × funding APR plus
// 0.7 × combined spot and perp liquidity in millions of USD, higher
// being better. Scan consults it only between opportunities with equal
// viability and equal net APY.
func qualityScore(o core.FundingOpportunity) float64 {
	apr, _ := o.FundingAPR.Float64()
	liquidity, _ := o.SpotLiquidityUSD.Add(o.PerpLiquidityUSD).Float64()
	return apr*0.3 + liquidity/1_000_000*0.7
}
