// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the engine — pairs, arbitrage
// paths, order books, portfolios, opportunities, risk decisions, execution
// results, and the OKX wire payloads. It has no dependencies on internal
// packages, so it can be imported by any layer.
package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: buy or sell.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// OrderState enumerates the lifecycle states reported by the exchange.
type OrderState string

const (
	OrderLive            OrderState = "live"
	OrderPartiallyFilled OrderState = "partially_filled"
	OrderFilled          OrderState = "filled"
	OrderCancelled       OrderState = "canceled"
)

// Terminal reports whether the state admits no further fills.
func (s OrderState) Terminal() bool {
	return s == OrderFilled || s == OrderCancelled
}

// LegStatus is the outcome of a single executed leg.
type LegStatus string

const (
	LegFilled    LegStatus = "filled"    // fully filled (or within dust) before timeout
	LegCancelled LegStatus = "cancelled" // unfilled at timeout, order cancelled
	LegFailed    LegStatus = "failed"    // exchange rejected placement
	LegTimeout   LegStatus = "timeout"   // partially filled at timeout, chain aborted
	LegSkipped   LegStatus = "skipped"   // never attempted because an earlier leg aborted
)

// RiskLevel grades how close the day's results are to the loss limits.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"      // daily loss ≤ 1% of balance
	RiskMedium   RiskLevel = "medium"   // ≤ 3%
	RiskHigh     RiskLevel = "high"     // below stop_loss_ratio
	RiskCritical RiskLevel = "critical" // kill switch engaged
)

// ————————————————————————————————————————————————————————————————————————
// Pairs and paths
// ————————————————————————————————————————————————————————————————————————

// Pair identifies a spot instrument in canonical BASE-QUOTE form.
type Pair struct {
	Base  string
	Quote string
}

// assetPriority orders assets for canonical pair construction: majors first,
// stables last, everything else in between broken lexicographically.
// The lower-priority asset becomes the base.
var assetPriority = map[string]int{
	"BTC": 1, "ETH": 2, "BNB": 3,
	"USDT": 8, "USDC": 9,
}

func priority(asset string) int {
	if p, ok := assetPriority[asset]; ok {
		return p
	}
	return 5
}

// CanonicalPair builds the exchange-canonical pair for two assets.
func CanonicalPair(a, b string) (Pair, error) {
	a, b = strings.ToUpper(a), strings.ToUpper(b)
	if a == b {
		return Pair{}, fmt.Errorf("pair assets must differ: %s", a)
	}
	pa, pb := priority(a), priority(b)
	if pa > pb || (pa == pb && a > b) {
		a, b = b, a
	}
	return Pair{Base: a, Quote: b}, nil
}

// ParsePair parses a BASE-QUOTE instrument id.
func ParsePair(s string) (Pair, error) {
	parts := strings.Split(strings.ToUpper(strings.TrimSpace(s)), "-")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Pair{}, fmt.Errorf("invalid pair %q, want BASE-QUOTE", s)
	}
	if parts[0] == parts[1] {
		return Pair{}, fmt.Errorf("pair assets must differ: %q", s)
	}
	return Pair{Base: parts[0], Quote: parts[1]}, nil
}

func (p Pair) String() string { return p.Base + "-" + p.Quote }

// PathStep is a single trade within an arbitrage path.
// A buy on BASE-QUOTE spends quote and receives base; a sell does the reverse.
type PathStep struct {
	Pair   Pair
	Action Side
}

// Input returns the asset this step consumes.
func (s PathStep) Input() string {
	if s.Action == Buy {
		return s.Pair.Quote
	}
	return s.Pair.Base
}

// Output returns the asset this step produces.
func (s PathStep) Output() string {
	if s.Action == Buy {
		return s.Pair.Base
	}
	return s.Pair.Quote
}

// Path is an ordered cycle of trades beginning and ending in the same asset.
type Path struct {
	Route string
	Steps []PathStep
}

// StartAsset returns the asset the cycle begins and ends in.
func (p Path) StartAsset() string {
	if len(p.Steps) == 0 {
		return ""
	}
	return p.Steps[0].Input()
}

// Assets returns the asset cycle derived from the steps, start asset first
// and last.
func (p Path) Assets() []string {
	if len(p.Steps) == 0 {
		return nil
	}
	cycle := make([]string, 0, len(p.Steps)+1)
	cycle = append(cycle, p.Steps[0].Input())
	for _, step := range p.Steps {
		cycle = append(cycle, step.Output())
	}
	return cycle
}

// Pairs returns the distinct instruments the path trades, in step order.
func (p Path) Pairs() []Pair {
	seen := make(map[Pair]bool, len(p.Steps))
	out := make([]Pair, 0, len(p.Steps))
	for _, step := range p.Steps {
		if !seen[step.Pair] {
			seen[step.Pair] = true
			out = append(out, step.Pair)
		}
	}
	return out
}

// Validate checks that the path has at least three legs, that each step's
// input is the previous step's output, and that the cycle closes.
func (p Path) Validate() error {
	if len(p.Steps) < 3 {
		return fmt.Errorf("path %q: need at least 3 steps, got %d", p.Route, len(p.Steps))
	}
	for i, step := range p.Steps {
		if step.Action != Buy && step.Action != Sell {
			return fmt.Errorf("path %q step %d: invalid action %q", p.Route, i+1, step.Action)
		}
		if i > 0 && step.Input() != p.Steps[i-1].Output() {
			return fmt.Errorf("path %q step %d: input %s does not follow previous output %s",
				p.Route, i+1, step.Input(), p.Steps[i-1].Output())
		}
	}
	last := p.Steps[len(p.Steps)-1]
	if last.Output() != p.StartAsset() {
		return fmt.Errorf("path %q: cycle does not close (%s -> %s)",
			p.Route, p.StartAsset(), last.Output())
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Order book and portfolio
// ————————————————————————————————————————————————————————————————————————

// PriceLevel is a single bid or ask level.
type PriceLevel struct {
	Price float64
	Size  float64
}

// OrderBook is a point-in-time depth view for one pair.
// Bids are sorted descending by price, asks ascending.
type OrderBook struct {
	Pair      string
	Bids      []PriceLevel
	Asks      []PriceLevel
	Timestamp time.Time
}

// BestBid returns the highest bid, or false when the side is empty.
func (b *OrderBook) BestBid() (PriceLevel, bool) {
	if len(b.Bids) == 0 {
		return PriceLevel{}, false
	}
	return b.Bids[0], true
}

// BestAsk returns the lowest ask, or false when the side is empty.
func (b *OrderBook) BestAsk() (PriceLevel, bool) {
	if len(b.Asks) == 0 {
		return PriceLevel{}, false
	}
	return b.Asks[0], true
}

// MidPrice returns (bestBid+bestAsk)/2, or false when either side is empty.
func (b *OrderBook) MidPrice() (float64, bool) {
	bid, okB := b.BestBid()
	ask, okA := b.BestAsk()
	if !okB || !okA {
		return 0, false
	}
	return (bid.Price + ask.Price) / 2, true
}

// Crossed reports whether the best bid is at or above the best ask.
func (b *OrderBook) Crossed() bool {
	bid, okB := b.BestBid()
	ask, okA := b.BestAsk()
	return okB && okA && bid.Price >= ask.Price
}

// Age returns how old the book is relative to now.
func (b *OrderBook) Age(now time.Time) time.Duration {
	return now.Sub(b.Timestamp)
}

// Portfolio is a snapshot of free balances per asset.
type Portfolio struct {
	Balances  map[string]float64
	Timestamp time.Time
}

// Free returns the free balance for an asset (zero if unknown).
func (p *Portfolio) Free(asset string) float64 {
	if p == nil {
		return 0
	}
	return p.Balances[strings.ToUpper(asset)]
}

// ————————————————————————————————————————————————————————————————————————
// Opportunities, decisions, results
// ————————————————————————————————————————————————————————————————————————

// Opportunity is a path evaluated against current depth and found to yield
// a positive, feasible profit. Values are in the path's start asset.
type Opportunity struct {
	Path       Path
	ProfitRate float64   // net of fees, e.g. 0.005 = +0.5%
	MaxStake   float64   // largest stake no leg's depth can absorb beyond
	StartAsset string
	Timestamp  time.Time // evaluation time
}

// Expired reports whether the opportunity is older than maxAge.
func (o Opportunity) Expired(now time.Time, maxAge time.Duration) bool {
	return now.Sub(o.Timestamp) > maxAge
}

// RiskDecision is the risk gate's verdict on one opportunity.
type RiskDecision struct {
	Passed         bool
	Reason         string // required when Passed is false
	Level          RiskLevel
	SuggestedStake float64 // ≤ requested stake
	Warnings       []string
}

// LegResult records the outcome of a single leg order.
type LegResult struct {
	Pair      string     `json:"pair"`
	Side      Side       `json:"side"`
	OrderID   string     `json:"order_id,omitempty"`
	Requested float64    `json:"requested"`
	Filled    float64    `json:"filled"`
	AvgPrice  float64    `json:"avg_price,omitempty"` // defined iff Filled > 0
	Status    LegStatus  `json:"status"`
	PlacedAt  time.Time  `json:"placed_at,omitempty"`
	DoneAt    time.Time  `json:"done_at,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// ExecutionResult bundles everything about one attempted arbitrage.
type ExecutionResult struct {
	Route       string      `json:"route"`
	StartAsset  string      `json:"start_asset"`
	Stake       float64     `json:"stake"`
	Legs        []LegResult `json:"legs"`
	FinalAmount float64     `json:"final_amount"` // in start asset (estimated on abort)
	Profit      float64     `json:"profit"`       // FinalAmount - Stake, may be negative
	ProfitRate  float64     `json:"profit_rate"`
	Success     bool        `json:"success"`
	Error       string      `json:"error,omitempty"`
	StartedAt   time.Time   `json:"started_at"`
	FinishedAt  time.Time   `json:"finished_at"`
}

// Order is the exchange's view of a placed order.
type Order struct {
	ID       string
	ClientID string
	Pair     string
	Side     Side
	Price    float64
	Size     float64
	Filled   float64
	AvgPrice float64
	State    OrderState
}

// OrderRequest is a limit order to be placed.
type OrderRequest struct {
	Pair     string
	Side     Side
	Price    float64
	Size     float64 // in base asset
	ClientID string
}

// Instrument carries the exchange's trading rules for one pair.
type Instrument struct {
	Pair      string
	PriceStep float64 // tick size
	SizeStep  float64 // lot size
	MinSize   float64 // minimum order size in base asset
}

// ————————————————————————————————————————————————————————————————————————
// OKX wire payloads
// ————————————————————————————————————————————————————————————————————————
// REST responses share an envelope {code, msg, data}. WebSocket book levels
// arrive as 4-element string arrays [price, size, liquidated, orders].

// RestEnvelope is the common OKX REST response wrapper.
type RestEnvelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// BalanceDetail is one currency's entry under /api/v5/account/balance.
type BalanceDetail struct {
	Currency  string `json:"ccy"`
	Available string `json:"availBal"`
}

// BalanceData is the account-level wrapper around balance details.
type BalanceData struct {
	Details []BalanceDetail `json:"details"`
}

// BookData is the depth payload shared by REST /market/books and the WS
// books channel. Levels are [price, size, liquidatedOrders, orderCount].
type BookData struct {
	Bids     [][]string `json:"bids"`
	Asks     [][]string `json:"asks"`
	Ts       string     `json:"ts"` // millisecond timestamp
	Checksum int32      `json:"checksum,omitempty"`
}

// TickerData is the /market/ticker payload.
type TickerData struct {
	InstID string `json:"instId"`
	Last   string `json:"last"`
	BidPx  string `json:"bidPx"`
	AskPx  string `json:"askPx"`
}

// OrderData is the /trade/order payload (placement ack and status query).
type OrderData struct {
	OrdID     string `json:"ordId"`
	ClOrdID   string `json:"clOrdId"`
	InstID    string `json:"instId"`
	Side      string `json:"side"`
	Px        string `json:"px"`
	Sz        string `json:"sz"`
	FillSz    string `json:"fillSz"`
	AvgPx     string `json:"avgPx"`
	State     string `json:"state"`
	SCode     string `json:"sCode"`
	SMsg      string `json:"sMsg"`
}

// InstrumentData is the /public/instruments payload.
type InstrumentData struct {
	InstID string `json:"instId"`
	TickSz string `json:"tickSz"`
	LotSz  string `json:"lotSz"`
	MinSz  string `json:"minSz"`
}

// WSArg identifies a channel subscription.
type WSArg struct {
	Channel string `json:"channel"`
	InstID  string `json:"instId"`
}

// WSRequest is a subscribe/unsubscribe operation.
type WSRequest struct {
	Op   string  `json:"op"`
	Args []WSArg `json:"args"`
}

// WSMessage is the envelope for data and event frames on the public feed.
// Action is "snapshot" or "update" for the books channel.
type WSMessage struct {
	Event  string     `json:"event,omitempty"` // "subscribe", "error", ""
	Arg    WSArg      `json:"arg"`
	Action string     `json:"action,omitempty"`
	Code   string     `json:"code,omitempty"`
	Msg    string     `json:"msg,omitempty"`
	Data   []BookData `json:"data,omitempty"`
}
