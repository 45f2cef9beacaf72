// Package engine is the central orchestrator of the arbitrage bot.
//
// It wires together all subsystems:
//
//  1. The books feed streams snapshots and deltas into the order-book cache.
//  2. A balance-sync loop keeps the portfolio cache fresh over REST.
//  3. The scan loop evaluates the configured paths once per monitor
//     interval, passes the best opportunity through the risk gate, and
//     hands it to the executor. At most one execution chain runs at a time.
//  4. Finished executions are recorded by the risk gate, persisted to the
//     trade store, and followed by a forced balance refresh.
//
// Lifecycle: New() → Start() → [runs until SIGINT] → Stop()
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"okx-triarb/internal/config"
	"okx-triarb/internal/exchange"
	"okx-triarb/internal/executor"
	"okx-triarb/internal/market"
	"okx-triarb/internal/metrics"
	"okx-triarb/internal/risk"
	"okx-triarb/internal/store"
	"okx-triarb/internal/strategy"
	"okx-triarb/pkg/types"
)

// State is the engine lifecycle state.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateError    State = "error"
)

// Stats aggregates run counters for the final summary and the status
// surface.
type Stats struct {
	StartedAt     time.Time `json:"started_at"`
	Ticks         int64     `json:"ticks"`
	Opportunities int64     `json:"opportunities"`
	Executions    int64     `json:"executions"`
	Successes     int64     `json:"successes"`
	NetProfit     float64   `json:"net_profit"`
}

// Engine owns the lifecycle of all goroutines and the trade pipeline.
type Engine struct {
	cfg       *config.Config
	client    *exchange.Client
	feed      *exchange.BooksFeed
	cache     *market.Cache
	portfolio *market.PortfolioCache
	evaluator *strategy.Evaluator
	riskMgr   *risk.Manager
	exec      *executor.Executor
	store     *store.Store
	paths     []types.Path
	pairs     []string
	logger    *slog.Logger

	stateMu  sync.Mutex
	state    State
	fatalErr error

	executing atomic.Bool // one in-flight chain at a time

	statsMu sync.Mutex
	stats   Stats

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates and wires all engine components.
func New(cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	paths, err := cfg.ParsedPaths()
	if err != nil {
		return nil, err
	}
	pairs := pathPairs(paths)

	auth := exchange.NewAuth(cfg.API)
	client := exchange.NewClient(cfg, auth, logger)
	cache := market.NewCache()
	portfolio := market.NewPortfolioCache(client, logger)
	feed := exchange.NewBooksFeed(cfg.API.WSPublicURL, logger)
	evaluator := strategy.NewEvaluator(cfg, logger)
	riskMgr := risk.NewManager(cfg, cache, logger)

	st, err := store.Open(cfg.Store.DataDir)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Engine{
		cfg:       cfg,
		client:    client,
		feed:      feed,
		cache:     cache,
		portfolio: portfolio,
		evaluator: evaluator,
		riskMgr:   riskMgr,
		store:     st,
		paths:     paths,
		pairs:     pairs,
		logger:    logger.With("component", "engine"),
		state:     StateStopped,
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Start performs synchronous setup (instrument metadata, initial balances,
// feed subscriptions) and launches the background goroutines.
func (e *Engine) Start() error {
	if !e.transition(StateStopped, StateStarting) {
		return fmt.Errorf("start from state %q", e.State())
	}

	setupCtx, cancel := context.WithTimeout(e.ctx, 30*time.Second)
	defer cancel()

	instruments, err := e.client.GetInstruments(setupCtx, e.pairs)
	if err != nil {
		e.setState(StateError)
		return fmt.Errorf("load instruments: %w", err)
	}
	e.exec = executor.New(e.cfg, e.client, e.cache, e.portfolio, instruments, e.logger)

	if !e.client.PublicOnly() {
		if err := e.portfolio.Refresh(setupCtx); err != nil {
			e.setState(StateError)
			return fmt.Errorf("initial balance refresh: %w", err)
		}
	} else {
		e.logger.Warn("no API credentials, running in public-only mode")
	}

	if err := e.feed.Subscribe(e.pairs); err != nil {
		// not connected yet: the subscription is replayed on connect
		e.logger.Debug("initial subscribe deferred", "error", err)
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.feed.Run(e.ctx); err != nil && e.ctx.Err() == nil {
			e.fatal(fmt.Errorf("books feed: %w", err))
		}
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.dispatchUpdates()
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.balanceSyncLoop()
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.scanLoop()
	}()

	e.statsMu.Lock()
	e.stats.StartedAt = time.Now()
	e.statsMu.Unlock()

	e.setState(StateRunning)
	e.logger.Info("engine started",
		"mode", e.cfg.Mode,
		"dry_run", e.cfg.DryRun,
		"paths", len(e.paths),
		"pairs", len(e.pairs),
	)
	return nil
}

// Stop shuts down gracefully. Safe to call more than once; later calls
// return immediately.
func (e *Engine) Stop() {
	e.stateMu.Lock()
	if e.state == StateStopping || e.state == StateStopped {
		e.stateMu.Unlock()
		return
	}
	e.state = StateStopping
	e.stateMu.Unlock()

	e.logger.Info("shutting down...")
	e.cancel()
	e.feed.Close()
	e.wg.Wait()
	e.store.Close()

	e.logSummary()
	e.setState(StateStopped)
}

// State returns the current lifecycle state.
func (e *Engine) State() State {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.state
}

// Stats returns a copy of the run counters.
func (e *Engine) Stats() Stats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	return e.stats
}

// Status implements the status-server provider.
func (e *Engine) Status() map[string]any {
	stats := e.Stats()

	ages := make(map[string]string)
	for _, pair := range e.pairs {
		if book := e.cache.FetchAny(pair); book != nil {
			ages[pair] = book.Age(time.Now()).Truncate(time.Millisecond).String()
		} else {
			ages[pair] = "none"
		}
	}

	return map[string]any{
		"state":     string(e.State()),
		"mode":      e.cfg.Mode,
		"dry_run":   e.cfg.DryRun,
		"uptime":    time.Since(stats.StartedAt).Truncate(time.Second).String(),
		"stats":     stats,
		"risk":      e.riskMgr.Statistics(),
		"evaluator": e.evaluator.Statistics(),
		"book_ages": ages,
	}
}

// dispatchUpdates is the single writer of the book cache. It folds feed
// messages into the cache and recovers from data errors by dropping the
// pair and resubscribing for a fresh snapshot.
func (e *Engine) dispatchUpdates() {
	for {
		select {
		case <-e.ctx.Done():
			return

		case update := <-e.feed.Updates():
			e.applyUpdate(update)

		case <-e.feed.Disconnects():
			metrics.WSReconnects.Inc()
			e.cache.MarkAllStale()
			e.logger.Warn("feed disconnected, books marked stale")
		}
	}
}

// applyUpdate folds one feed message into the cache. A data error
// (checksum mismatch, crossed book, malformed level) drops the pair and
// requests a fresh snapshot.
func (e *Engine) applyUpdate(update exchange.BookUpdate) {
	var err error
	if update.Action == "snapshot" {
		err = e.cache.ApplySnapshot(update.Pair, update.Data)
	} else {
		err = e.cache.ApplyDelta(update.Pair, update.Data)
	}
	if err == nil {
		return
	}

	var derr *types.DataError
	if errors.As(err, &derr) {
		metrics.ChecksumMismatches.Inc()
		e.logger.Warn("book invalidated, resubscribing",
			"pair", update.Pair, "error", err)
		e.cache.Drop(update.Pair)
		if rerr := e.feed.Resubscribe(update.Pair); rerr != nil {
			e.logger.Warn("resubscribe failed", "pair", update.Pair, "error", rerr)
		}
		return
	}
	// Apply* fails with DataError or not at all; anything else means the
	// cache writer is in a state the recovery path cannot reason about.
	e.fatal(fmt.Errorf("book update on %s: %w", update.Pair, err))
}

// fatal records an unrecoverable error, enters the error state, and
// cancels the run context so the goroutines wind down. The caller is
// expected to notice via Done() and call Stop(). Only the first error
// is kept.
func (e *Engine) fatal(err error) {
	var ferr *types.FatalError
	if !errors.As(err, &ferr) {
		ferr = &types.FatalError{Msg: err.Error()}
	}

	e.stateMu.Lock()
	if e.fatalErr == nil {
		e.fatalErr = ferr
		e.state = StateError
	}
	e.stateMu.Unlock()

	e.logger.Error("fatal error, shutting down", "error", ferr)
	e.cancel()
}

// Done is closed when the run context ends, either by Stop or by a
// fatal error.
func (e *Engine) Done() <-chan struct{} {
	return e.ctx.Done()
}

// Err returns the fatal error that stopped the engine, or nil after a
// clean run.
func (e *Engine) Err() error {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.fatalErr
}

// balanceSyncLoop refreshes the portfolio on a fixed cadence.
func (e *Engine) balanceSyncLoop() {
	if e.client.PublicOnly() {
		return
	}

	ticker := time.NewTicker(e.cfg.Risk.BalanceCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(e.ctx, 10*time.Second)
			if err := e.portfolio.Refresh(ctx); err != nil {
				e.logger.Warn("balance refresh failed", "error", err)
			}
			cancel()
		}
	}
}

// scanLoop evaluates paths once per monitor interval and acts on the best
// opportunity. Evaluation continues while an execution is in flight; only
// the act step is skipped.
func (e *Engine) scanLoop() {
	ticker := time.NewTicker(e.cfg.Trading.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.tick()
		}
	}
}

func (e *Engine) tick() {
	e.statsMu.Lock()
	e.stats.Ticks++
	e.statsMu.Unlock()

	e.observeBookAges()

	opps := e.evaluator.Evaluate(e.paths, e.cache)
	if len(opps) == 0 {
		return
	}

	e.statsMu.Lock()
	e.stats.Opportunities += int64(len(opps))
	e.statsMu.Unlock()
	for range opps {
		metrics.OpportunitiesFound.Inc()
	}

	best := opps[0]
	e.logger.Info("opportunity",
		"route", best.Path.Route,
		"rate", fmt.Sprintf("%.4f%%", best.ProfitRate*100),
		"max_stake", best.MaxStake,
	)

	if e.executing.Load() {
		e.logger.Debug("execution in flight, skipping act step")
		return
	}
	e.act(opps)
}

// act walks the opportunities in profit order, validating each against the
// risk gate until one passes. At most one execution launches per tick.
func (e *Engine) act(opps []types.Opportunity) {
	snapshot := e.portfolio.Snapshot()

	for _, opp := range opps {
		decision := e.riskMgr.Validate(opp, snapshot)
		for _, warning := range decision.Warnings {
			e.logger.Warn("risk warning", "warning", warning)
		}
		if !decision.Passed {
			metrics.RiskRejections.WithLabelValues(rejectCategory(decision.Reason)).Inc()
			e.logger.Debug("risk rejected", "route", opp.Path.Route, "reason", decision.Reason)
			continue
		}

		if !e.executing.CompareAndSwap(false, true) {
			return
		}
		opp := opp
		stake := decision.SuggestedStake
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			defer e.executing.Store(false)
			e.runExecution(opp, stake)
		}()
		return
	}
}

func (e *Engine) runExecution(opp types.Opportunity, stake float64) {
	result := e.exec.Execute(e.ctx, opp, stake)

	e.riskMgr.Record(result)
	if err := e.store.Append(result); err != nil {
		e.logger.Error("persist trade record", "error", err)
	}

	e.statsMu.Lock()
	e.stats.Executions++
	if result.Success {
		e.stats.Successes++
	}
	e.stats.NetProfit += result.Profit
	net := e.stats.NetProfit
	e.statsMu.Unlock()

	outcome := "failure"
	if result.Success {
		outcome = "success"
	}
	metrics.Executions.WithLabelValues(outcome).Inc()
	metrics.RealizedProfit.Set(net)

	// the chain moved balances; resync before the next decision
	ctx, cancel := context.WithTimeout(e.ctx, 10*time.Second)
	if err := e.portfolio.Refresh(ctx); err != nil {
		e.logger.Warn("post-execution balance refresh failed", "error", err)
	}
	cancel()
}

func (e *Engine) observeBookAges() {
	now := time.Now()
	for _, pair := range e.pairs {
		if book := e.cache.FetchAny(pair); book != nil {
			metrics.BookAge.WithLabelValues(pair).Set(book.Age(now).Seconds())
		}
	}
}

func (e *Engine) logSummary() {
	stats := e.Stats()
	riskStats := e.riskMgr.Statistics()

	successRate := 0.0
	if stats.Executions > 0 {
		successRate = float64(stats.Successes) / float64(stats.Executions)
	}
	e.logger.Info("run summary",
		"runtime", time.Since(stats.StartedAt).Truncate(time.Second).String(),
		"ticks", stats.Ticks,
		"opportunities", stats.Opportunities,
		"executions", stats.Executions,
		"success_rate", fmt.Sprintf("%.1f%%", successRate*100),
		"net_profit", stats.NetProfit,
		"risk_rejections", riskStats.Rejected,
	)
}

func (e *Engine) transition(from, to State) bool {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	if e.state != from {
		return false
	}
	e.state = to
	return true
}

func (e *Engine) setState(s State) {
	e.stateMu.Lock()
	e.state = s
	e.stateMu.Unlock()
}

// rejectCategory folds free-form rejection reasons into stable metric
// labels.
func rejectCategory(reason string) string {
	switch {
	case strings.Contains(reason, "disabled"):
		return "disabled"
	case strings.Contains(reason, "balance"):
		return "no_balance"
	case strings.Contains(reason, "expired"):
		return "expired"
	case strings.Contains(reason, "interval"):
		return "frequency"
	case strings.Contains(reason, "trade limit"):
		return "daily_trades"
	case strings.Contains(reason, "kill switch"):
		return "kill_switch"
	case strings.Contains(reason, "loss"):
		return "daily_loss"
	case strings.Contains(reason, "minimum"):
		return "stake_too_small"
	default:
		return "other"
	}
}

// pathPairs collects the distinct instruments across all paths.
func pathPairs(paths []types.Path) []string {
	seen := make(map[string]bool)
	var pairs []string
	for _, path := range paths {
		for _, pair := range path.Pairs() {
			id := pair.String()
			if !seen[id] {
				seen[id] = true
				pairs = append(pairs, id)
			}
		}
	}
	return pairs
}
