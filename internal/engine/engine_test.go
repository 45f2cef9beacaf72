package engine

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"okx-triarb/internal/config"
	"okx-triarb/internal/exchange"
	"okx-triarb/pkg/types"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Mode:   "monitor",
		DryRun: true,
		Trading: config.TradingConfig{
			FeeRate:                0.001,
			SlippageTolerance:      0.002,
			MinProfitThreshold:     0.003,
			MaxProfitRateThreshold: 0.10,
			OrderTimeout:           3 * time.Second,
			MinTradeAmount:         10,
			MonitorInterval:        time.Second,
			FreshnessBudget:        500 * time.Millisecond,
			MaxOpportunityAge:      2 * time.Second,
			DustThreshold:          0.05,
			StablecoinRangeMin:     0.95,
			StablecoinRangeMax:     1.05,
			Paths: []config.PathSpec{{
				Route: "USDT->BTC->USDC->USDT",
				Steps: []config.StepSpec{
					{Pair: "BTC-USDT", Action: "buy"},
					{Pair: "BTC-USDC", Action: "sell"},
					{Pair: "USDC-USDT", Action: "sell"},
				},
			}},
		},
		Risk: config.RiskConfig{
			MaxPositionRatio:     0.5,
			MaxSingleTradeRatio:  0.1,
			MaxDailyLossRatio:    0.05,
			StopLossRatio:        0.10,
			MaxDailyTrades:       100,
			MinArbitrageInterval: 10 * time.Second,
			BalanceCheckInterval: time.Minute,
			NetworkRetryCount:    2,
		},
		API: config.APIConfig{
			RestBaseURL: "http://127.0.0.1:1",
			WSPublicURL: "ws://127.0.0.1:1",
		},
		Store: config.StoreConfig{DataDir: t.TempDir()},
	}
}

func testEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := New(testConfig(t), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return e
}

func TestNewCollectsPairs(t *testing.T) {
	t.Parallel()
	e := testEngine(t)

	assert.Equal(t, StateStopped, e.State())
	assert.ElementsMatch(t, []string{"BTC-USDT", "BTC-USDC", "USDC-USDT"}, e.pairs)
	assert.Len(t, e.paths, 1)
}

func TestNewRejectsEmptyPaths(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.Trading.Paths = nil

	_, err := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.Error(t, err)
}

func TestStopBeforeStartIsNoop(t *testing.T) {
	t.Parallel()
	e := testEngine(t)

	e.Stop()
	e.Stop()
	assert.Equal(t, StateStopped, e.State())
}

func TestStatusShape(t *testing.T) {
	t.Parallel()
	e := testEngine(t)

	status := e.Status()
	assert.Equal(t, "stopped", status["state"])
	assert.Equal(t, "monitor", status["mode"])
	assert.Equal(t, true, status["dry_run"])

	ages, ok := status["book_ages"].(map[string]string)
	require.True(t, ok)
	assert.Equal(t, "none", ages["BTC-USDT"])
}

func snapshotUpdate(checksum int32) exchange.BookUpdate {
	return exchange.BookUpdate{
		Pair:   "BTC-USDT",
		Action: "snapshot",
		Data: types.BookData{
			Bids:     [][]string{{"60000", "1.5", "0", "1"}, {"59990", "2", "0", "1"}},
			Asks:     [][]string{{"60010", "1", "0", "1"}, {"60020", "3", "0", "1"}},
			Ts:       fmt.Sprintf("%d", time.Now().UnixMilli()),
			Checksum: checksum,
		},
	}
}

func TestApplyUpdateSnapshotPopulatesCache(t *testing.T) {
	t.Parallel()
	e := testEngine(t)

	e.applyUpdate(snapshotUpdate(1569814919))

	book := e.cache.FetchAny("BTC-USDT")
	require.NotNil(t, book)
	bid, ok := book.BestBid()
	require.True(t, ok)
	assert.Equal(t, 60000.0, bid.Price)
}

func TestApplyUpdateChecksumMismatchDropsBook(t *testing.T) {
	t.Parallel()
	e := testEngine(t)

	e.applyUpdate(snapshotUpdate(1569814919))
	require.NotNil(t, e.cache.FetchAny("BTC-USDT"))

	e.applyUpdate(snapshotUpdate(12345))
	assert.Nil(t, e.cache.FetchAny("BTC-USDT"))
}

func TestActWalksAllOpportunities(t *testing.T) {
	t.Parallel()
	e := testEngine(t)

	now := time.Now()
	opps := []types.Opportunity{
		{ProfitRate: 0.006, MaxStake: 5000, StartAsset: "USDT", Timestamp: now},
		{ProfitRate: 0.004, MaxStake: 5000, StartAsset: "USDT", Timestamp: now},
	}
	e.act(opps)

	// monitor mode rejects both; a rejection must not end the walk
	assert.Equal(t, 2, e.riskMgr.Statistics().Rejected)
}

func TestFatalEntersErrorState(t *testing.T) {
	t.Parallel()
	e := testEngine(t)

	e.fatal(errors.New("books feed: connection refused"))

	assert.Equal(t, StateError, e.State())
	var ferr *types.FatalError
	require.ErrorAs(t, e.Err(), &ferr)
	select {
	case <-e.Done():
	default:
		t.Fatal("run context should be cancelled after a fatal error")
	}

	// only the first error is kept
	e.fatal(errors.New("second"))
	assert.Contains(t, e.Err().Error(), "connection refused")
}

func TestRejectCategory(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"trading disabled: manual":            "disabled",
		"no balance data (public-only mode)":  "no_balance",
		"opportunity expired":                 "expired",
		"attempt interval below 10s":          "frequency",
		"daily trade limit reached":           "daily_trades",
		"kill switch: daily loss 10.10%":      "kill_switch",
		"daily loss 6.00% over limit":         "daily_loss",
		"stake 5.00 below minimum 10.00":      "stake_too_small",
		"something else entirely":             "other",
	}
	for reason, want := range cases {
		assert.Equal(t, want, rejectCategory(reason), reason)
	}
}
