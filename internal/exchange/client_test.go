package exchange

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"okx-triarb/internal/config"
	"okx-triarb/pkg/types"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := &config.Config{
		API: config.APIConfig{
			RestBaseURL: srv.URL,
			ApiKey:      "k", SecretKey: "s", Passphrase: "p",
			Simulated: true,
		},
		Risk: config.RiskConfig{NetworkRetryCount: 0, NetworkRetryDelay: 10 * time.Millisecond},
	}
	return NewClient(cfg, NewAuth(cfg.API), discardLogger())
}

func TestGetBalance(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v5/account/balance" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("OK-ACCESS-KEY") != "k" || r.Header.Get("OK-ACCESS-SIGN") == "" {
			t.Error("missing auth headers")
		}
		if r.Header.Get("x-simulated-trading") != "1" {
			t.Error("missing simulated-trading header")
		}
		w.Write([]byte(`{"code":"0","msg":"","data":[{"details":[
			{"ccy":"USDT","availBal":"1000.5"},
			{"ccy":"BTC","availBal":"0.25"}]}]}`))
	}))

	pf, err := client.GetBalance(context.Background())
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if pf.Free("USDT") != 1000.5 || pf.Free("BTC") != 0.25 {
		t.Errorf("balances = %v", pf.Balances)
	}
}

func TestGetOrderBook(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("instId"); got != "BTC-USDT" {
			t.Errorf("instId = %s", got)
		}
		w.Write([]byte(`{"code":"0","msg":"","data":[{
			"bids":[["60000","1.5","0","3"]],
			"asks":[["60010","2","0","1"]],
			"ts":"1700000000000"}]}`))
	}))

	book, err := client.GetOrderBook(context.Background(), "BTC-USDT", 25)
	if err != nil {
		t.Fatalf("GetOrderBook: %v", err)
	}
	if len(book.Bids) != 1 || book.Bids[0][0] != "60000" {
		t.Errorf("bids = %v", book.Bids)
	}
}

func TestAPIErrorCode(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":"51008","msg":"insufficient balance","data":[]}`))
	}))

	_, err := client.GetOrderBook(context.Background(), "BTC-USDT", 25)
	if err == nil {
		t.Fatal("non-zero api code should be an error")
	}
}

func TestPlaceOrderRejection(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":"0","msg":"","data":[
			{"ordId":"","sCode":"51020","sMsg":"order size too small"}]}`))
	}))

	_, err := client.PlaceOrder(context.Background(), types.OrderRequest{
		Pair: "BTC-USDT", Side: types.Buy, Price: 60000, Size: 0.000001, ClientID: "abc",
	})
	if err == nil {
		t.Fatal("sCode rejection should be an error")
	}
	var oerr *types.OrderError
	if !errors.As(err, &oerr) {
		t.Errorf("error = %T, want OrderError", err)
	}
}

func TestDryRunPlaceOrder(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("dry-run must not hit the network")
	}))
	client.dryRun = true

	order, err := client.PlaceOrder(context.Background(), types.OrderRequest{
		Pair: "BTC-USDT", Side: types.Buy, Price: 60000, Size: 0.01, ClientID: "abc",
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if order.State != types.OrderFilled || order.Filled != 0.01 {
		t.Errorf("dry-run order = %+v, want immediate fill", order)
	}
}

func TestPublicOnly(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	cfg := &config.Config{API: config.APIConfig{RestBaseURL: srv.URL}}
	client := NewClient(cfg, NewAuth(cfg.API), discardLogger())
	if !client.PublicOnly() {
		t.Error("no credentials should be public-only")
	}
	if _, err := client.GetBalance(context.Background()); err == nil {
		t.Error("GetBalance in public-only mode should fail")
	}
}
