package market

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"okx-triarb/pkg/types"
)

// BalanceFetcher pulls account balances from the exchange.
type BalanceFetcher interface {
	GetBalance(ctx context.Context) (*types.Portfolio, error)
	PublicOnly() bool
}

// PortfolioCache holds the last known account balances plus local deltas
// applied by the executor between REST refreshes. In public-only mode the
// snapshot stays nil and the risk gate refuses every trade.
type PortfolioCache struct {
	mu      sync.RWMutex
	client  BalanceFetcher
	current *types.Portfolio
	logger  *slog.Logger
}

// NewPortfolioCache creates a portfolio cache backed by the REST client.
func NewPortfolioCache(client BalanceFetcher, logger *slog.Logger) *PortfolioCache {
	return &PortfolioCache{
		client: client,
		logger: logger.With("component", "portfolio"),
	}
}

// Refresh pulls fresh balances from the exchange. A refresh failure keeps
// the previous snapshot; the staleness check decides whether it is usable.
func (p *PortfolioCache) Refresh(ctx context.Context) error {
	if p.client.PublicOnly() {
		return nil
	}

	pf, err := p.client.GetBalance(ctx)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.current = pf
	p.mu.Unlock()

	p.logger.Debug("portfolio refreshed", "assets", len(pf.Balances))
	return nil
}

// Snapshot returns a copy of the current portfolio, or nil when no balance
// data has been loaded (public-only mode, or before the first refresh).
func (p *PortfolioCache) Snapshot() *types.Portfolio {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.current == nil {
		return nil
	}
	balances := make(map[string]float64, len(p.current.Balances))
	for k, v := range p.current.Balances {
		balances[k] = v
	}
	return &types.Portfolio{Balances: balances, Timestamp: p.current.Timestamp}
}

// Free returns the spendable amount of one asset. The second return is
// false when no balance data has been loaded yet.
func (p *PortfolioCache) Free(asset string) (float64, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.current == nil {
		return 0, false
	}
	return p.current.Free(asset), true
}

// AdjustBalance applies a local delta for one asset, keeping the cache
// usable between REST refreshes while legs execute.
func (p *PortfolioCache) AdjustBalance(asset string, delta float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.current == nil {
		return
	}
	asset = strings.ToUpper(asset)
	next := p.current.Balances[asset] + delta
	if next < 0 {
		next = 0
	}
	p.current.Balances[asset] = next
}

// Stale reports whether the snapshot is older than maxAge. A nil snapshot
// is always stale.
func (p *PortfolioCache) Stale(maxAge time.Duration) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.current == nil {
		return true
	}
	return time.Since(p.current.Timestamp) > maxAge
}
