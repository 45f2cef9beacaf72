// Package executor turns an approved opportunity into a chain of
// sequential spot orders. Legs run strictly one after another: each leg's
// realized output funds the next. A leg that cannot fill within the order
// timeout aborts the chain; already-filled legs are never reversed, the
// engine simply keeps whatever asset it holds at that point.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"okx-triarb/internal/config"
	"okx-triarb/pkg/types"
)

// Price clamps around top of book: a marketable limit never pays more than
// 0.5% through the touch regardless of the configured slippage tolerance.
const (
	maxBuyClamp  = 1.005
	maxSellClamp = 0.995
)

// nudgeFactor shifts the price toward the market between placement retries.
const nudgeFactor = 0.001

const defaultPollInterval = 150 * time.Millisecond

// balanceHeadroom is the cushion over the stake the start-asset balance
// must cover before any order is placed.
const balanceHeadroom = 1.001

// OrderClient places, cancels, and queries orders on the exchange.
type OrderClient interface {
	PlaceOrder(ctx context.Context, req types.OrderRequest) (*types.Order, error)
	CancelOrder(ctx context.Context, pair, orderID string) error
	GetOrder(ctx context.Context, pair, orderID string) (*types.Order, error)
}

// MarketData reads the book cache for leg pricing and abort valuation.
type MarketData interface {
	Fetch(pair string, budget time.Duration) (*types.OrderBook, error)
	MidPrice(pair string) (float64, bool)
}

// Balances exposes the cached account balances: a free-balance read for
// the pre-trade check, and local delta application as legs fill.
type Balances interface {
	Free(asset string) (float64, bool)
	AdjustBalance(asset string, delta float64)
}

// Executor runs opportunity chains leg by leg.
type Executor struct {
	client      OrderClient
	books       MarketData
	portfolio   Balances
	instruments map[string]types.Instrument

	feeRate      float64
	feeOverrides map[string]float64
	slippage     float64
	orderTimeout time.Duration
	budget       time.Duration
	dust         float64
	retries      int
	retryDelay   time.Duration

	pollInterval time.Duration
	logger       *slog.Logger
}

// New creates an executor. The instruments map must cover every pair the
// configured paths trade.
func New(cfg *config.Config, client OrderClient, books MarketData,
	portfolio Balances, instruments map[string]types.Instrument,
	logger *slog.Logger) *Executor {
	return &Executor{
		client:       client,
		books:        books,
		portfolio:    portfolio,
		instruments:  instruments,
		feeRate:      cfg.Trading.FeeRate,
		feeOverrides: cfg.Trading.FeeRateOverrides,
		slippage:     cfg.Trading.SlippageTolerance,
		orderTimeout: cfg.Trading.OrderTimeout,
		budget:       cfg.Trading.FreshnessBudget,
		dust:         cfg.Trading.DustThreshold,
		retries:      cfg.Risk.NetworkRetryCount,
		retryDelay:   cfg.Risk.NetworkRetryDelay,
		pollInterval: defaultPollInterval,
		logger:       logger.With("component", "executor"),
	}
}

// Execute runs every leg of the opportunity with the given stake (in the
// start asset). The returned result is always non-nil and records the
// outcome of every leg, including the ones never attempted.
func (e *Executor) Execute(ctx context.Context, opp types.Opportunity, stake float64) *types.ExecutionResult {
	result := &types.ExecutionResult{
		Route:      opp.Path.Route,
		StartAsset: opp.StartAsset,
		Stake:      stake,
		Legs:       make([]types.LegResult, len(opp.Path.Steps)),
		StartedAt:  time.Now(),
	}
	for i, step := range opp.Path.Steps {
		result.Legs[i] = types.LegResult{
			Pair:   step.Pair.String(),
			Side:   step.Action,
			Status: types.LegSkipped,
		}
	}

	if err := e.checkBalance(opp.StartAsset, stake); err != nil {
		result.Error = err.Error()
		result.FinalAmount = stake
		result.FinishedAt = time.Now()
		e.logger.Warn("execution refused", "route", opp.Path.Route, "error", err)
		return result
	}

	amount := stake // in the current leg's input asset
	heldAsset := opp.StartAsset

	for i, step := range opp.Path.Steps {
		output, leg, err := e.runLeg(ctx, step, amount)
		result.Legs[i] = leg
		if err != nil {
			result.Error = err.Error()
			e.logger.Warn("chain aborted",
				"route", opp.Path.Route, "leg", i, "pair", leg.Pair, "error", err)
			result.FinalAmount = e.valueInStart(heldAsset, amount, output, step, leg, opp.StartAsset)
			break
		}
		amount = output
		heldAsset = step.Output()

		if i == len(opp.Path.Steps)-1 {
			result.Success = true
			result.FinalAmount = amount
		}
	}

	result.FinishedAt = time.Now()
	result.Profit = result.FinalAmount - stake
	if stake > 0 {
		result.ProfitRate = result.Profit / stake
	}

	e.logger.Info("execution finished",
		"route", opp.Path.Route,
		"success", result.Success,
		"stake", stake,
		"final", result.FinalAmount,
		"profit", result.Profit,
	)
	return result
}

// checkBalance fails fast when the cached free balance cannot cover the
// stake plus headroom, closing the gap between risk validation and the
// first placement. No balance data means no check (dry-run paths).
func (e *Executor) checkBalance(asset string, stake float64) error {
	if e.portfolio == nil {
		return nil
	}
	free, ok := e.portfolio.Free(asset)
	if !ok {
		return nil
	}
	if need := stake * balanceHeadroom; free < need {
		return fmt.Errorf("insufficient %s balance: %.2f free, %.2f required", asset, free, need)
	}
	return nil
}

// runLeg executes one leg with the given input amount and returns the
// realized output amount in the leg's output asset.
func (e *Executor) runLeg(ctx context.Context, step types.PathStep, input float64) (float64, types.LegResult, error) {
	pair := step.Pair.String()
	leg := types.LegResult{Pair: pair, Side: step.Action, Status: types.LegFailed}

	book, err := e.books.Fetch(pair, e.budget)
	if err != nil {
		return 0, leg, fmt.Errorf("leg book: %w", err)
	}

	price, err := e.legPrice(step.Action, book)
	if err != nil {
		return 0, leg, err
	}

	inst := e.instruments[pair]
	size := input
	if step.Action == types.Buy {
		size = input / price
	}
	size = roundStep(size, inst.SizeStep)
	if inst.MinSize > 0 && size < inst.MinSize {
		return 0, leg, &types.OrderError{Pair: pair,
			Err: fmt.Errorf("size %.8f below instrument minimum %.8f", size, inst.MinSize)}
	}

	order, err := e.placeWithRetry(ctx, types.OrderRequest{
		Pair:     pair,
		Side:     step.Action,
		Price:    roundStep(price, inst.PriceStep),
		Size:     size,
		ClientID: newClientID(),
	}, inst.PriceStep)
	if err != nil {
		return 0, leg, err
	}

	leg.OrderID = order.ID
	leg.Requested = size
	leg.PlacedAt = time.Now()

	final, err := e.awaitFill(ctx, order)
	if err != nil {
		leg.Status = types.LegFailed
		return 0, leg, err
	}

	leg.Filled = final.Filled
	leg.AvgPrice = final.AvgPrice
	if leg.AvgPrice == 0 {
		leg.AvgPrice = order.Price
	}
	leg.DoneAt = time.Now()

	remaining := size - final.Filled
	switch {
	case final.Filled == 0:
		leg.Status = types.LegCancelled
		return 0, leg, &types.OrderError{Pair: pair, OrderID: order.ID,
			Err: fmt.Errorf("unfilled at timeout")}
	case remaining/size > e.dust:
		leg.Status = types.LegTimeout
		leg.Error = "partial fill over dust threshold"
		e.applyBalanceDeltas(step, leg)
		return e.legOutput(step, leg), leg, &types.PartialFillError{
			Pair: pair, Filled: final.Filled, Requested: size,
		}
	default:
		leg.Status = types.LegFilled
		e.applyBalanceDeltas(step, leg)
		return e.legOutput(step, leg), leg, nil
	}
}

// legPrice computes the marketable limit price from top of book.
func (e *Executor) legPrice(side types.Side, book *types.OrderBook) (float64, error) {
	switch side {
	case types.Buy:
		ask, ok := book.BestAsk()
		if !ok || ask.Price <= 0 {
			return 0, &types.DataError{Pair: book.Pair, Msg: "no ask"}
		}
		price := ask.Price * (1 + e.slippage)
		if limit := ask.Price * maxBuyClamp; price > limit {
			price = limit
		}
		return price, nil
	case types.Sell:
		bid, ok := book.BestBid()
		if !ok || bid.Price <= 0 {
			return 0, &types.DataError{Pair: book.Pair, Msg: "no bid"}
		}
		price := bid.Price * (1 - e.slippage)
		if limit := bid.Price * maxSellClamp; price < limit {
			price = limit
		}
		return price, nil
	default:
		return 0, fmt.Errorf("unknown side %q", side)
	}
}

// placeWithRetry retries rejected placements with a small price nudge
// toward the market on each attempt.
func (e *Executor) placeWithRetry(ctx context.Context, req types.OrderRequest, priceStep float64) (*types.Order, error) {
	var lastErr error
	for attempt := 0; attempt <= e.retries; attempt++ {
		if attempt > 0 {
			if req.Side == types.Buy {
				req.Price = roundStep(req.Price*(1+nudgeFactor), priceStep)
			} else {
				req.Price = roundStep(req.Price*(1-nudgeFactor), priceStep)
			}
			req.ClientID = newClientID()

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(e.retryDelay):
			}
		}

		order, err := e.client.PlaceOrder(ctx, req)
		if err == nil {
			return order, nil
		}
		lastErr = err
		e.logger.Warn("placement failed",
			"pair", req.Pair, "attempt", attempt+1, "error", err)
	}
	return nil, fmt.Errorf("place after %d attempts: %w", e.retries+1, lastErr)
}

// awaitFill polls the order until it reaches a terminal state or the
// timeout passes, then cancels and re-queries to capture any fill that
// landed during cancellation.
func (e *Executor) awaitFill(ctx context.Context, order *types.Order) (*types.Order, error) {
	deadline := time.Now().Add(e.orderTimeout)

	for time.Now().Before(deadline) {
		current, err := e.client.GetOrder(ctx, order.Pair, order.ID)
		if err == nil {
			if current.State.Terminal() {
				return current, nil
			}
		} else {
			e.logger.Warn("order poll failed", "order_id", order.ID, "error", err)
		}

		select {
		case <-ctx.Done():
			e.cancelDetached(order)
			return nil, ctx.Err()
		case <-time.After(e.pollInterval):
		}
	}

	if err := e.client.CancelOrder(ctx, order.Pair, order.ID); err != nil {
		e.logger.Warn("cancel failed", "order_id", order.ID, "error", err)
	}

	final, err := e.client.GetOrder(ctx, order.Pair, order.ID)
	if err != nil {
		return nil, &types.OrderError{Pair: order.Pair, OrderID: order.ID,
			Err: fmt.Errorf("final state unknown: %w", err)}
	}
	return final, nil
}

// cancelDetached issues a best-effort cancel on its own short deadline,
// for the shutdown path where the caller's context is already gone and
// would starve the rate limiter.
func (e *Executor) cancelDetached(order *types.Order) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.client.CancelOrder(ctx, order.Pair, order.ID); err != nil {
		e.logger.Warn("shutdown cancel failed", "order_id", order.ID, "error", err)
	}
}

// legOutput converts a leg's fill into the output asset amount after fees.
// Buy fees are charged on the received base, sell fees on the received
// quote.
func (e *Executor) legOutput(step types.PathStep, leg types.LegResult) float64 {
	fee := e.feeFor(leg.Pair)
	if step.Action == types.Buy {
		return leg.Filled * (1 - fee)
	}
	return leg.Filled * leg.AvgPrice * (1 - fee)
}

func (e *Executor) applyBalanceDeltas(step types.PathStep, leg types.LegResult) {
	if e.portfolio == nil || leg.Filled == 0 {
		return
	}
	fee := e.feeFor(leg.Pair)
	if step.Action == types.Buy {
		e.portfolio.AdjustBalance(step.Pair.Quote, -leg.Filled*leg.AvgPrice)
		e.portfolio.AdjustBalance(step.Pair.Base, leg.Filled*(1-fee))
	} else {
		e.portfolio.AdjustBalance(step.Pair.Base, -leg.Filled)
		e.portfolio.AdjustBalance(step.Pair.Quote, leg.Filled*leg.AvgPrice*(1-fee))
	}
}

// valueInStart estimates what the chain currently holds, in start-asset
// units, after an abort. The estimate uses cached mid prices; an asset with
// no usable price values at zero, which understates rather than overstates
// the result.
func (e *Executor) valueInStart(heldAsset string, heldAmount, legOutput float64,
	step types.PathStep, leg types.LegResult, startAsset string) float64 {

	if leg.Filled == 0 {
		// nothing converted: the input amount is still held
		return e.convert(heldAsset, heldAmount, startAsset)
	}

	// partial conversion: the produced output plus whatever input was
	// never consumed
	var unspent float64
	if step.Action == types.Buy {
		unspent = heldAmount - leg.Filled*leg.AvgPrice
	} else {
		unspent = leg.Requested - leg.Filled
	}
	if unspent < 0 {
		unspent = 0
	}
	return e.convert(step.Output(), legOutput, startAsset) +
		e.convert(step.Input(), unspent, startAsset)
}

func (e *Executor) convert(asset string, amount float64, startAsset string) float64 {
	if amount <= 0 {
		return 0
	}
	if asset == startAsset {
		return amount
	}
	pair, err := types.CanonicalPair(asset, startAsset)
	if err != nil {
		return 0
	}
	mid, ok := e.books.MidPrice(pair.String())
	if !ok || mid <= 0 {
		e.logger.Warn("no price to value holdings", "asset", asset)
		return 0
	}
	if pair.Base == asset {
		return amount * mid
	}
	return amount / mid
}

func (e *Executor) feeFor(pair string) float64 {
	if fee, ok := e.feeOverrides[pair]; ok {
		return fee
	}
	return e.feeRate
}

// roundStep floors a value to the instrument's step grid.
func roundStep(value, step float64) float64 {
	if step <= 0 {
		return value
	}
	v := decimal.NewFromFloat(value)
	s := decimal.NewFromFloat(step)
	out, _ := v.Div(s).Floor().Mul(s).Float64()
	return out
}

// newClientID returns an exchange-safe client order ID: a UUID compacted
// to 32 alphanumeric characters.
func newClientID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}
