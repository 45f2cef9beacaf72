// Package strategy computes arbitrage opportunities from cached order
// books. The evaluator holds no market state of its own: every call reads
// the books it needs through BookSource and returns a value, so the same
// inputs always produce the same opportunities.
package strategy

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"okx-triarb/internal/config"
	"okx-triarb/pkg/types"
)

// maxStakeCap bounds the suggested stake regardless of visible depth,
// in start-asset units.
const maxStakeCap = 10000.0

// sizingDepth is how many levels per side count toward the stake estimate.
const sizingDepth = 5

// stableAssets are treated as pegged: a stable-stable pair whose mid drifts
// outside the configured range indicates broken data, not free money.
var stableAssets = map[string]bool{"USDT": true, "USDC": true, "DAI": true}

// BookSource supplies order books under a freshness budget.
type BookSource interface {
	Fetch(pair string, budget time.Duration) (*types.OrderBook, error)
}

// Stats is a snapshot of evaluator counters for the status surface.
type Stats struct {
	Checks        int64   `json:"checks"`
	Found         int64   `json:"found"`
	BestRate      float64 `json:"best_rate"`
	SkippedStale  int64   `json:"skipped_stale"`
	SkippedSanity int64   `json:"skipped_sanity"`
}

// Evaluator scores configured paths against the current books.
type Evaluator struct {
	feeRate      float64
	feeOverrides map[string]float64
	minProfit    float64
	maxProfit    float64
	budget       time.Duration
	stableMin    float64
	stableMax    float64
	logger       *slog.Logger

	mu    sync.Mutex
	stats Stats
}

// NewEvaluator creates an evaluator from the trading config.
func NewEvaluator(cfg *config.Config, logger *slog.Logger) *Evaluator {
	return &Evaluator{
		feeRate:      cfg.Trading.FeeRate,
		feeOverrides: cfg.Trading.FeeRateOverrides,
		minProfit:    cfg.Trading.MinProfitThreshold,
		maxProfit:    cfg.Trading.MaxProfitRateThreshold,
		budget:       cfg.Trading.FreshnessBudget,
		stableMin:    cfg.Trading.StablecoinRangeMin,
		stableMax:    cfg.Trading.StablecoinRangeMax,
		logger:       logger.With("component", "evaluator"),
	}
}

// Evaluate scores every path and returns the opportunities that clear the
// profit threshold, best first. Paths with stale, missing, or implausible
// books are skipped, never guessed at.
func (e *Evaluator) Evaluate(paths []types.Path, books BookSource) []types.Opportunity {
	now := time.Now()
	var opps []types.Opportunity

	for _, path := range paths {
		e.bump(func(s *Stats) { s.Checks++ })

		legs, ok := e.fetchLegs(path, books)
		if !ok {
			continue
		}

		rate, ok := e.profitRate(path, legs)
		if !ok {
			continue
		}
		if rate < e.minProfit {
			continue
		}
		if rate > e.maxProfit {
			e.bump(func(s *Stats) { s.SkippedSanity++ })
			e.logger.Warn("implausible profit rate, skipping",
				"route", path.Route, "rate", rate)
			continue
		}

		stake := e.maxStake(path, legs)
		if stake <= 0 {
			continue
		}

		opps = append(opps, types.Opportunity{
			Path:       path,
			ProfitRate: rate,
			MaxStake:   stake,
			StartAsset: path.StartAsset(),
			Timestamp:  now,
		})
		e.bump(func(s *Stats) {
			s.Found++
			if rate > s.BestRate {
				s.BestRate = rate
			}
		})
	}

	sort.Slice(opps, func(i, j int) bool {
		return opps[i].ProfitRate > opps[j].ProfitRate
	})
	return opps
}

// Statistics returns a copy of the evaluator counters.
func (e *Evaluator) Statistics() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

func (e *Evaluator) bump(f func(*Stats)) {
	e.mu.Lock()
	f(&e.stats)
	e.mu.Unlock()
}

// fetchLegs loads every leg's book and enforces cross-leg coherence: the
// oldest book must be within the freshness budget of the newest, so the
// path is priced against one moment in time.
func (e *Evaluator) fetchLegs(path types.Path, books BookSource) ([]*types.OrderBook, bool) {
	legs := make([]*types.OrderBook, len(path.Steps))
	oldest, newest := time.Time{}, time.Time{}

	for i, step := range path.Steps {
		book, err := books.Fetch(step.Pair.String(), e.budget)
		if err != nil {
			e.bump(func(s *Stats) { s.SkippedStale++ })
			e.logger.Debug("leg book unavailable", "route", path.Route,
				"pair", step.Pair.String(), "error", err)
			return nil, false
		}
		if len(book.Bids) == 0 || len(book.Asks) == 0 {
			return nil, false
		}
		if e.stablePairBroken(step.Pair, book) {
			e.bump(func(s *Stats) { s.SkippedSanity++ })
			e.logger.Warn("stable pair outside plausible range",
				"pair", step.Pair.String())
			return nil, false
		}

		legs[i] = book
		if oldest.IsZero() || book.Timestamp.Before(oldest) {
			oldest = book.Timestamp
		}
		if book.Timestamp.After(newest) {
			newest = book.Timestamp
		}
	}

	if newest.Sub(oldest) > e.budget {
		e.bump(func(s *Stats) { s.SkippedStale++ })
		return nil, false
	}
	return legs, true
}

func (e *Evaluator) stablePairBroken(pair types.Pair, book *types.OrderBook) bool {
	if !stableAssets[pair.Base] || !stableAssets[pair.Quote] {
		return false
	}
	mid, ok := book.MidPrice()
	if !ok {
		return true
	}
	return mid < e.stableMin || mid > e.stableMax
}

// profitRate walks one unit of the start asset through the path at top of
// book, applying the taker fee to each leg's output.
func (e *Evaluator) profitRate(path types.Path, legs []*types.OrderBook) (float64, bool) {
	amount := 1.0
	for i, step := range path.Steps {
		fee := e.feeFor(step.Pair.String())
		switch step.Action {
		case types.Buy:
			ask, ok := legs[i].BestAsk()
			if !ok || ask.Price <= 0 {
				return 0, false
			}
			amount = amount / ask.Price * (1 - fee)
		case types.Sell:
			bid, ok := legs[i].BestBid()
			if !ok || bid.Price <= 0 {
				return 0, false
			}
			amount = amount * bid.Price * (1 - fee)
		default:
			return 0, false
		}
	}
	return amount - 1, true
}

// maxStake back-propagates each leg's visible depth into start-asset units
// and takes the tightest constraint, capped at maxStakeCap. Depth is summed
// over the top levels on the side the leg would hit.
func (e *Evaluator) maxStake(path types.Path, legs []*types.OrderBook) float64 {
	stake := maxStakeCap
	conv := 1.0 // start-asset units consumed per unit of leg input

	for i, step := range path.Steps {
		var capacity float64 // in the leg's input asset
		switch step.Action {
		case types.Buy:
			// input is the quote asset; depth in quote = Σ price×size
			for j, lvl := range legs[i].Asks {
				if j >= sizingDepth {
					break
				}
				capacity += lvl.Price * lvl.Size
			}
		case types.Sell:
			// input is the base asset
			for j, lvl := range legs[i].Bids {
				if j >= sizingDepth {
					break
				}
				capacity += lvl.Size
			}
		}

		if conv > 0 {
			if limit := capacity / conv; limit < stake {
				stake = limit
			}
		}

		// carry the conversion into the next leg's input units
		fee := e.feeFor(step.Pair.String())
		switch step.Action {
		case types.Buy:
			ask, _ := legs[i].BestAsk()
			if ask.Price <= 0 {
				return 0
			}
			conv = conv / ask.Price * (1 - fee)
		case types.Sell:
			bid, _ := legs[i].BestBid()
			conv = conv * bid.Price * (1 - fee)
		}
	}
	return stake
}

func (e *Evaluator) feeFor(pair string) float64 {
	if fee, ok := e.feeOverrides[pair]; ok {
		return fee
	}
	return e.feeRate
}
