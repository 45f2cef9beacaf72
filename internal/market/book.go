// Package market maintains the engine's local market state: a fused
// order-book cache fed by the books WebSocket channel, and a portfolio
// cache fed by REST balance queries.
//
// The book cache is updated from a single dispatch goroutine
// (ApplySnapshot / ApplyDelta) and read concurrently by the evaluator
// (Fetch) and the status surface (FetchAny). Each book carries the exact
// price/size strings the exchange sent so the merged state can be verified
// against the wire checksum.
package market

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"okx-triarb/pkg/types"
)

// level is one side entry of a cached book. The raw strings are retained
// for checksum verification over the merged state.
type level struct {
	price    float64
	size     float64
	priceRaw string
	sizeRaw  string
}

// bookState is the cached book for one instrument. Bids descend, asks
// ascend. valid is cleared when the book crosses or a checksum fails and
// restored only by the next snapshot.
type bookState struct {
	bids        []level
	asks        []level
	ts          time.Time
	hasSnapshot bool
	valid       bool
	stale       bool // set on feed disconnect, cleared by the next apply
}

// Cache is the order-book cache for all subscribed instruments.
type Cache struct {
	mu    sync.RWMutex
	books map[string]*bookState
}

// NewCache creates an empty book cache.
func NewCache() *Cache {
	return &Cache{books: make(map[string]*bookState)}
}

// ApplySnapshot replaces the book for one instrument with a full snapshot
// and verifies the wire checksum when one is present.
func (c *Cache) ApplySnapshot(pair string, data types.BookData) error {
	bids, asks, ts, err := parseBook(pair, data)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	state := &bookState{bids: bids, asks: asks, ts: ts, hasSnapshot: true, valid: true}
	c.books[pair] = state

	if crossed(bids, asks) {
		state.valid = false
		return &types.DataError{Pair: pair, Msg: "crossed snapshot"}
	}
	if data.Checksum != 0 {
		if got := computeChecksum(bids, asks); got != data.Checksum {
			state.valid = false
			return &types.DataError{
				Pair: pair,
				Msg:  fmt.Sprintf("snapshot checksum mismatch: computed %d, want %d", got, data.Checksum),
			}
		}
	}
	return nil
}

// ApplyDelta merges an incremental update into the cached book. Deltas
// arriving before any snapshot, or after the book was invalidated, are
// dropped silently; the caller is expected to resubscribe on errors.
func (c *Cache) ApplyDelta(pair string, data types.BookData) error {
	dBids, dAsks, ts, err := parseBook(pair, data)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	state, ok := c.books[pair]
	if !ok || !state.hasSnapshot || !state.valid {
		return nil
	}

	state.bids = mergeSide(state.bids, dBids, true)
	state.asks = mergeSide(state.asks, dAsks, false)
	state.ts = ts
	state.stale = false

	if crossed(state.bids, state.asks) {
		state.valid = false
		return &types.DataError{Pair: pair, Msg: "book crossed after update"}
	}
	if data.Checksum != 0 {
		if got := computeChecksum(state.bids, state.asks); got != data.Checksum {
			state.valid = false
			return &types.DataError{
				Pair: pair,
				Msg:  fmt.Sprintf("checksum mismatch: computed %d, want %d", got, data.Checksum),
			}
		}
	}
	return nil
}

// Fetch returns a copy of the book for evaluation. It fails with ErrMissing
// when the pair has no valid snapshot, ErrCrossed when the book is
// invalidated, and ErrStale when the book is older than the freshness
// budget.
func (c *Cache) Fetch(pair string, budget time.Duration) (*types.OrderBook, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	state, ok := c.books[pair]
	if !ok || !state.hasSnapshot {
		return nil, fmt.Errorf("%s: %w", pair, types.ErrMissing)
	}
	if !state.valid {
		return nil, fmt.Errorf("%s: %w", pair, types.ErrCrossed)
	}
	if state.stale || time.Since(state.ts) > budget {
		return nil, fmt.Errorf("%s: %w", pair, types.ErrStale)
	}
	return snapshotCopy(pair, state), nil
}

// FetchAny returns the book regardless of freshness, for display surfaces
// only. Returns nil when no valid book exists.
func (c *Cache) FetchAny(pair string) *types.OrderBook {
	c.mu.RLock()
	defer c.mu.RUnlock()

	state, ok := c.books[pair]
	if !ok || !state.hasSnapshot || !state.valid {
		return nil
	}
	return snapshotCopy(pair, state)
}

// MidPrice returns the mid price for one instrument, tolerating staleness.
// Used for valuation, never for trade decisions.
func (c *Cache) MidPrice(pair string) (float64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	state, ok := c.books[pair]
	if !ok || !state.hasSnapshot || !state.valid ||
		len(state.bids) == 0 || len(state.asks) == 0 {
		return 0, false
	}
	return (state.bids[0].price + state.asks[0].price) / 2, true
}

// MarkAllStale flags every cached book as stale. Called on feed disconnect;
// books become readable again once fresh data arrives.
func (c *Cache) MarkAllStale() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, state := range c.books {
		state.stale = true
	}
}

// Drop removes a pair from the cache entirely, forcing ErrMissing until the
// next snapshot. Used alongside resubscription after data errors.
func (c *Cache) Drop(pair string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.books, pair)
}

// Pairs returns the instruments currently cached.
func (c *Cache) Pairs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	pairs := make([]string, 0, len(c.books))
	for p := range c.books {
		pairs = append(pairs, p)
	}
	return pairs
}

func snapshotCopy(pair string, state *bookState) *types.OrderBook {
	book := &types.OrderBook{
		Pair:      pair,
		Bids:      make([]types.PriceLevel, len(state.bids)),
		Asks:      make([]types.PriceLevel, len(state.asks)),
		Timestamp: state.ts,
	}
	for i, l := range state.bids {
		book.Bids[i] = types.PriceLevel{Price: l.price, Size: l.size}
	}
	for i, l := range state.asks {
		book.Asks[i] = types.PriceLevel{Price: l.price, Size: l.size}
	}
	return book
}

func parseBook(pair string, data types.BookData) (bids, asks []level, ts time.Time, err error) {
	bids, err = parseLevels(pair, data.Bids)
	if err != nil {
		return nil, nil, time.Time{}, err
	}
	asks, err = parseLevels(pair, data.Asks)
	if err != nil {
		return nil, nil, time.Time{}, err
	}

	ms, perr := strconv.ParseInt(data.Ts, 10, 64)
	if perr != nil {
		return nil, nil, time.Time{}, &types.DataError{Pair: pair, Msg: "bad timestamp " + data.Ts}
	}
	return bids, asks, time.UnixMilli(ms), nil
}

func parseLevels(pair string, raw [][]string) ([]level, error) {
	levels := make([]level, 0, len(raw))
	for _, entry := range raw {
		if len(entry) < 2 {
			return nil, &types.DataError{Pair: pair, Msg: fmt.Sprintf("short level %v", entry)}
		}
		price, err := strconv.ParseFloat(entry[0], 64)
		if err != nil {
			return nil, &types.DataError{Pair: pair, Msg: "bad price " + entry[0]}
		}
		size, err := strconv.ParseFloat(entry[1], 64)
		if err != nil {
			return nil, &types.DataError{Pair: pair, Msg: "bad size " + entry[1]}
		}
		levels = append(levels, level{price: price, size: size, priceRaw: entry[0], sizeRaw: entry[1]})
	}
	return levels, nil
}

// mergeSide folds delta levels into a sorted side. A zero size deletes the
// level, an existing price is replaced, a new price is inserted in order.
// Bids descend, asks ascend.
func mergeSide(side, deltas []level, desc bool) []level {
	for _, d := range deltas {
		idx := -1
		for i, l := range side {
			if l.price == d.price {
				idx = i
				break
			}
		}
		switch {
		case d.size == 0:
			if idx >= 0 {
				side = append(side[:idx], side[idx+1:]...)
			}
		case idx >= 0:
			side[idx] = d
		default:
			pos := len(side)
			for i, l := range side {
				if (desc && d.price > l.price) || (!desc && d.price < l.price) {
					pos = i
					break
				}
			}
			side = append(side, level{})
			copy(side[pos+1:], side[pos:])
			side[pos] = d
		}
	}
	return side
}

func crossed(bids, asks []level) bool {
	if len(bids) == 0 || len(asks) == 0 {
		return false
	}
	return bids[0].price >= asks[0].price
}
