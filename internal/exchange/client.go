// Package exchange implements the OKX v5 REST and WebSocket clients.
//
// The REST client (Client) covers the endpoints the engine needs:
//   - GetBalance:     GET  /api/v5/account/balance   — spot balances
//   - GetOrderBook:   GET  /api/v5/market/books      — depth snapshot
//   - GetTicker:      GET  /api/v5/market/ticker     — top of book
//   - GetInstruments: GET  /api/v5/public/instruments — tick/lot/min sizes
//   - PlaceOrder:     POST /api/v5/trade/order        — limit order
//   - CancelOrder:    POST /api/v5/trade/cancel-order
//   - GetOrder:       GET  /api/v5/trade/order        — status poll
//
// Every request is rate-limited per endpoint category, automatically
// retried on 5xx, and private endpoints are signed with HMAC headers.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"okx-triarb/internal/config"
	"okx-triarb/pkg/types"
)

// Client is the OKX v5 REST API client.
// It wraps a resty HTTP client with rate limiting, retry, and auth.
type Client struct {
	http   *resty.Client
	auth   *Auth
	rl     *RateLimiter
	dryRun bool // mutating methods return fake success without HTTP calls
	logger *slog.Logger
}

// NewClient creates a REST client with rate limiting and retry.
func NewClient(cfg *config.Config, auth *Auth, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.API.RestBaseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(cfg.Risk.NetworkRetryCount).
		SetRetryWaitTime(cfg.Risk.NetworkRetryDelay).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:   httpClient,
		auth:   auth,
		rl:     NewRateLimiter(),
		dryRun: cfg.DryRun,
		logger: logger,
	}
}

// PublicOnly reports whether the client can only serve public endpoints.
func (c *Client) PublicOnly() bool {
	return !c.auth.HasCredentials()
}

// unwrap decodes an OKX envelope and returns the data payload.
// A non-zero code is an API-level error even when HTTP status is 200.
func unwrap(resp *resty.Response, op string) (json.RawMessage, error) {
	if resp.StatusCode() != http.StatusOK {
		return nil, &types.TransportError{
			Op:  op,
			Err: fmt.Errorf("status %d: %s", resp.StatusCode(), resp.String()),
		}
	}
	var env types.RestEnvelope
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		return nil, fmt.Errorf("%s: decode envelope: %w", op, err)
	}
	if env.Code != "0" {
		return nil, fmt.Errorf("%s: api code %s: %s", op, env.Code, env.Msg)
	}
	return env.Data, nil
}

// GetBalance fetches spot account balances for the trading account.
func (c *Client) GetBalance(ctx context.Context) (*types.Portfolio, error) {
	if c.PublicOnly() {
		return nil, fmt.Errorf("get balance: no API credentials")
	}
	if err := c.rl.Account.Wait(ctx); err != nil {
		return nil, err
	}

	path := "/api/v5/account/balance"
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(c.auth.Headers("GET", path, "")).
		Get(path)
	if err != nil {
		return nil, &types.TransportError{Op: "get balance", Err: err}
	}
	data, err := unwrap(resp, "get balance")
	if err != nil {
		return nil, err
	}

	var accounts []types.BalanceData
	if err := json.Unmarshal(data, &accounts); err != nil {
		return nil, fmt.Errorf("get balance: decode: %w", err)
	}

	balances := make(map[string]float64)
	for _, acct := range accounts {
		for _, d := range acct.Details {
			avail, err := strconv.ParseFloat(d.Available, 64)
			if err != nil {
				continue
			}
			balances[d.Currency] = avail
		}
	}
	return &types.Portfolio{Balances: balances, Timestamp: time.Now()}, nil
}

// GetOrderBook fetches a depth snapshot for one instrument.
func (c *Client) GetOrderBook(ctx context.Context, pair string, depth int) (*types.BookData, error) {
	if err := c.rl.Market.Wait(ctx); err != nil {
		return nil, err
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"instId": pair,
			"sz":     strconv.Itoa(depth),
		}).
		Get("/api/v5/market/books")
	if err != nil {
		return nil, &types.TransportError{Op: "get book", Err: err}
	}
	data, err := unwrap(resp, "get book")
	if err != nil {
		return nil, err
	}

	var books []types.BookData
	if err := json.Unmarshal(data, &books); err != nil {
		return nil, fmt.Errorf("get book: decode: %w", err)
	}
	if len(books) == 0 {
		return nil, &types.DataError{Pair: pair, Msg: "empty book response"}
	}
	return &books[0], nil
}

// GetTicker fetches the top of book for one instrument.
func (c *Client) GetTicker(ctx context.Context, pair string) (*types.TickerData, error) {
	if err := c.rl.Market.Wait(ctx); err != nil {
		return nil, err
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("instId", pair).
		Get("/api/v5/market/ticker")
	if err != nil {
		return nil, &types.TransportError{Op: "get ticker", Err: err}
	}
	data, err := unwrap(resp, "get ticker")
	if err != nil {
		return nil, err
	}

	var tickers []types.TickerData
	if err := json.Unmarshal(data, &tickers); err != nil {
		return nil, fmt.Errorf("get ticker: decode: %w", err)
	}
	if len(tickers) == 0 {
		return nil, &types.DataError{Pair: pair, Msg: "empty ticker response"}
	}
	return &tickers[0], nil
}

// GetInstruments fetches spot instrument metadata (tick size, lot size,
// minimum order size) for the given pairs.
func (c *Client) GetInstruments(ctx context.Context, pairs []string) (map[string]types.Instrument, error) {
	if err := c.rl.Market.Wait(ctx); err != nil {
		return nil, err
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("instType", "SPOT").
		Get("/api/v5/public/instruments")
	if err != nil {
		return nil, &types.TransportError{Op: "get instruments", Err: err}
	}
	data, err := unwrap(resp, "get instruments")
	if err != nil {
		return nil, err
	}

	var raw []types.InstrumentData
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("get instruments: decode: %w", err)
	}

	wanted := make(map[string]bool, len(pairs))
	for _, p := range pairs {
		wanted[p] = true
	}

	out := make(map[string]types.Instrument, len(pairs))
	for _, inst := range raw {
		if !wanted[inst.InstID] {
			continue
		}
		tick, _ := strconv.ParseFloat(inst.TickSz, 64)
		lot, _ := strconv.ParseFloat(inst.LotSz, 64)
		minSz, _ := strconv.ParseFloat(inst.MinSz, 64)
		out[inst.InstID] = types.Instrument{
			Pair:      inst.InstID,
			PriceStep: tick,
			SizeStep:  lot,
			MinSize:   minSz,
		}
	}
	for _, p := range pairs {
		if _, ok := out[p]; !ok {
			return nil, &types.DataError{Pair: p, Msg: "instrument not found"}
		}
	}
	return out, nil
}

// PlaceOrder submits a spot limit order in cash trade mode.
func (c *Client) PlaceOrder(ctx context.Context, req types.OrderRequest) (*types.Order, error) {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would place order",
			"pair", req.Pair, "side", req.Side, "price", req.Price, "size", req.Size)
		return &types.Order{
			ID:       "dry-run-" + req.ClientID,
			ClientID: req.ClientID,
			Pair:     req.Pair,
			Side:     req.Side,
			Price:    req.Price,
			Size:     req.Size,
			Filled:   req.Size,
			AvgPrice: req.Price,
			State:    types.OrderFilled,
		}, nil
	}
	if err := c.rl.Trade.Wait(ctx); err != nil {
		return nil, err
	}

	payload := map[string]string{
		"instId":  req.Pair,
		"tdMode":  "cash",
		"side":    string(req.Side),
		"ordType": "limit",
		"px":      strconv.FormatFloat(req.Price, 'f', -1, 64),
		"sz":      strconv.FormatFloat(req.Size, 'f', -1, 64),
		"clOrdId": req.ClientID,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal order: %w", err)
	}

	path := "/api/v5/trade/order"
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(c.auth.Headers("POST", path, string(body))).
		SetBody(json.RawMessage(body)).
		Post(path)
	if err != nil {
		return nil, &types.TransportError{Op: "place order", Err: err}
	}
	data, err := unwrap(resp, "place order")
	if err != nil {
		return nil, err
	}

	var acks []types.OrderData
	if err := json.Unmarshal(data, &acks); err != nil {
		return nil, fmt.Errorf("place order: decode: %w", err)
	}
	if len(acks) == 0 {
		return nil, &types.OrderError{Pair: req.Pair, Err: fmt.Errorf("empty placement ack")}
	}
	ack := acks[0]
	if ack.SCode != "" && ack.SCode != "0" {
		return nil, &types.OrderError{
			Pair: req.Pair,
			Err:  fmt.Errorf("rejected, code %s: %s", ack.SCode, ack.SMsg),
		}
	}

	c.logger.Debug("order placed",
		"pair", req.Pair, "side", req.Side, "order_id", ack.OrdID, "price", req.Price, "size", req.Size)
	return &types.Order{
		ID:       ack.OrdID,
		ClientID: req.ClientID,
		Pair:     req.Pair,
		Side:     req.Side,
		Price:    req.Price,
		Size:     req.Size,
		State:    types.OrderLive,
	}, nil
}

// CancelOrder cancels one order by exchange ID. Cancelling an order that
// already reached a terminal state is not an error for the caller; the
// follow-up GetOrder resolves the final fill.
func (c *Client) CancelOrder(ctx context.Context, pair, orderID string) error {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel order", "pair", pair, "order_id", orderID)
		return nil
	}
	if err := c.rl.Cancel.Wait(ctx); err != nil {
		return err
	}

	payload := map[string]string{"instId": pair, "ordId": orderID}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal cancel: %w", err)
	}

	path := "/api/v5/trade/cancel-order"
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(c.auth.Headers("POST", path, string(body))).
		SetBody(json.RawMessage(body)).
		Post(path)
	if err != nil {
		return &types.TransportError{Op: "cancel order", Err: err}
	}
	if _, err := unwrap(resp, "cancel order"); err != nil {
		return err
	}
	return nil
}

// GetOrder queries the current state of an order.
func (c *Client) GetOrder(ctx context.Context, pair, orderID string) (*types.Order, error) {
	if c.dryRun {
		return &types.Order{ID: orderID, Pair: pair, State: types.OrderFilled}, nil
	}
	if err := c.rl.Trade.Wait(ctx); err != nil {
		return nil, err
	}

	path := "/api/v5/trade/order"
	query := "?instId=" + pair + "&ordId=" + orderID
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(c.auth.Headers("GET", path+query, "")).
		SetQueryParams(map[string]string{"instId": pair, "ordId": orderID}).
		Get(path)
	if err != nil {
		return nil, &types.TransportError{Op: "get order", Err: err}
	}
	data, err := unwrap(resp, "get order")
	if err != nil {
		return nil, err
	}

	var orders []types.OrderData
	if err := json.Unmarshal(data, &orders); err != nil {
		return nil, fmt.Errorf("get order: decode: %w", err)
	}
	if len(orders) == 0 {
		return nil, &types.OrderError{Pair: pair, OrderID: orderID, Err: fmt.Errorf("not found")}
	}

	o := orders[0]
	price, _ := strconv.ParseFloat(o.Px, 64)
	size, _ := strconv.ParseFloat(o.Sz, 64)
	filled, _ := strconv.ParseFloat(o.FillSz, 64)
	avg, _ := strconv.ParseFloat(o.AvgPx, 64)
	return &types.Order{
		ID:       o.OrdID,
		ClientID: o.ClOrdID,
		Pair:     o.InstID,
		Side:     types.Side(o.Side),
		Price:    price,
		Size:     size,
		Filled:   filled,
		AvgPrice: avg,
		State:    types.OrderState(o.State),
	}, nil
}
