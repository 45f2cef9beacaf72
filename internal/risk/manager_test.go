package risk

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"okx-triarb/internal/config"
	"okx-triarb/pkg/types"
)

type fakePrices map[string]float64

func (f fakePrices) MidPrice(pair string) (float64, bool) {
	mid, ok := f[pair]
	return mid, ok
}

func testConfig() *config.Config {
	return &config.Config{
		Mode: "auto",
		Trading: config.TradingConfig{
			MinTradeAmount:    100,
			MaxOpportunityAge: 5 * time.Second,
		},
		Risk: config.RiskConfig{
			MaxPositionRatio:     0.2,
			MaxSingleTradeRatio:  0.1,
			MinArbitrageInterval: 10 * time.Second,
			MaxDailyTrades:       100,
			MaxDailyLossRatio:    0.05,
			StopLossRatio:        0.1,
		},
	}
}

func newTestManager(t *testing.T, cfg *config.Config, clock *time.Time) *Manager {
	t.Helper()
	m := NewManager(cfg, fakePrices{"BTC-USDT": 60000, "ETH-USDT": 3000},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	m.now = func() time.Time { return *clock }
	return m
}

func triPath() types.Path {
	return types.Path{
		Route: "USDT->BTC->USDC->USDT",
		Steps: []types.PathStep{
			{Pair: types.Pair{Base: "BTC", Quote: "USDT"}, Action: types.Buy},
			{Pair: types.Pair{Base: "BTC", Quote: "USDC"}, Action: types.Sell},
			{Pair: types.Pair{Base: "USDC", Quote: "USDT"}, Action: types.Sell},
		},
	}
}

func opportunity(ts time.Time) types.Opportunity {
	return types.Opportunity{
		Path:       triPath(),
		ProfitRate: 0.0053,
		MaxStake:   5000,
		StartAsset: "USDT",
		Timestamp:  ts,
	}
}

func portfolio(usdt float64) *types.Portfolio {
	return &types.Portfolio{
		Balances:  map[string]float64{"USDT": usdt},
		Timestamp: time.Now(),
	}
}

func TestValidatePasses(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.Local)
	m := newTestManager(t, testConfig(), &now)

	d := m.Validate(opportunity(now), portfolio(10000))
	require.True(t, d.Passed, "reason: %s", d.Reason)
	assert.Equal(t, types.RiskLow, d.Level)

	// the profit multiplier never pushes past the single-trade cap
	assert.InDelta(t, 1000, d.SuggestedStake, 0.01)
}

func TestFrequencyThrottle(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.Local)
	m := newTestManager(t, testConfig(), &now)

	require.True(t, m.Validate(opportunity(now), portfolio(10000)).Passed)
	m.Record(&types.ExecutionResult{Profit: 1})

	// 3 seconds later: under the 10s interval
	now = now.Add(3 * time.Second)
	d := m.Validate(opportunity(now), portfolio(10000))
	assert.False(t, d.Passed)
	assert.Contains(t, d.Reason, "interval")

	now = now.Add(8 * time.Second)
	assert.True(t, m.Validate(opportunity(now), portfolio(10000)).Passed)
}

func TestStakeCaps(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.Local)

	cases := []struct {
		name string
		opp  func(types.Opportunity) types.Opportunity
		pf   *types.Portfolio
		want float64
	}{
		{
			name: "single-trade cap binds over the multiplier",
			opp: func(o types.Opportunity) types.Opportunity {
				o.ProfitRate = 0.009 // multiplier would be 1.5
				return o
			},
			pf:   portfolio(10000),
			want: 1000,
		},
		{
			name: "thin edge scales down",
			opp: func(o types.Opportunity) types.Opportunity {
				o.ProfitRate = 0.004 // multiplier 0.8
				return o
			},
			pf:   portfolio(10000),
			want: 800,
		},
		{
			name: "depth limit binds",
			opp: func(o types.Opportunity) types.Opportunity {
				o.MaxStake = 800
				return o
			},
			pf:   portfolio(10000),
			want: 800,
		},
		{
			name: "free balance binds",
			opp:  func(o types.Opportunity) types.Opportunity { return o },
			pf: &types.Portfolio{Balances: map[string]float64{
				"USDT": 900,
				"ETH":  3.0333, // ≈ 9100 USDT at the 3000 mid, not on the path
			}},
			want: 900,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			clock := now
			m := newTestManager(t, testConfig(), &clock)
			d := m.Validate(tc.opp(opportunity(now)), tc.pf)
			require.True(t, d.Passed, "reason: %s", d.Reason)
			assert.InDelta(t, tc.want, d.SuggestedStake, 1.0)
		})
	}
}

func TestStakeWithinSingleTradeRatio(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.Local)
	m := newTestManager(t, testConfig(), &now)

	o := opportunity(now)
	o.ProfitRate = 0.009
	d := m.Validate(o, portfolio(10000))
	require.True(t, d.Passed, "reason: %s", d.Reason)
	assert.LessOrEqual(t, d.SuggestedStake, 0.1*10000)
}

func TestStakeRespectsPerAssetPosition(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.Local)
	m := newTestManager(t, testConfig(), &now)

	pf := &types.Portfolio{Balances: map[string]float64{
		"USDT": 10000,
		"BTC":  0.025, // 1500 USDT at the 60000 mid, and BTC is on the path
	}}
	d := m.Validate(opportunity(now), pf)
	require.True(t, d.Passed, "reason: %s", d.Reason)

	// total 11500, position limit 2300, 1500 already held in BTC
	assert.InDelta(t, 800, d.SuggestedStake, 1.0)
}

func TestStakeBelowMinimumRejected(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.Local)
	m := newTestManager(t, testConfig(), &now)

	// 10% of 500 is 50: below the 100 minimum
	d := m.Validate(opportunity(now), portfolio(500))
	assert.False(t, d.Passed)
	assert.Contains(t, d.Reason, "below minimum")
}

func TestNilPortfolioHardReject(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.Local)
	m := newTestManager(t, testConfig(), &now)

	d := m.Validate(opportunity(now), nil)
	assert.False(t, d.Passed)
	assert.Contains(t, d.Reason, "public-only")
}

func TestMonitorModeDisabled(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.Local)
	cfg := testConfig()
	cfg.Mode = "monitor"
	m := newTestManager(t, cfg, &now)

	d := m.Validate(opportunity(now), portfolio(10000))
	assert.False(t, d.Passed)
	assert.Contains(t, d.Reason, "disabled")
}

func TestExpiredOpportunity(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.Local)
	m := newTestManager(t, testConfig(), &now)

	d := m.Validate(opportunity(now.Add(-6*time.Second)), portfolio(10000))
	assert.False(t, d.Passed)
	assert.Contains(t, d.Reason, "expired")
}

func TestDailyTradeLimit(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.Local)
	cfg := testConfig()
	cfg.Risk.MaxDailyTrades = 2
	cfg.Risk.MinArbitrageInterval = 0
	m := newTestManager(t, cfg, &now)

	for i := 0; i < 2; i++ {
		require.True(t, m.Validate(opportunity(now), portfolio(10000)).Passed)
		m.Record(&types.ExecutionResult{Profit: 1})
		now = now.Add(time.Second)
	}

	d := m.Validate(opportunity(now), portfolio(10000))
	assert.False(t, d.Passed)
	assert.Contains(t, d.Reason, "daily trade limit")
}

func TestKillSwitchAndRollover(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.Local)
	m := newTestManager(t, testConfig(), &now)

	// establish the day-start balance, then lose 10.1% of it
	require.True(t, m.Validate(opportunity(now), portfolio(10000)).Passed)
	m.Record(&types.ExecutionResult{Profit: -1010})

	now = now.Add(time.Minute)
	d := m.Validate(opportunity(now), portfolio(8990))
	assert.False(t, d.Passed)
	assert.Contains(t, d.Reason, "kill switch")
	assert.Equal(t, types.RiskCritical, d.Level)

	// manual enable must not override the kill switch
	m.EnableTrading()
	assert.False(t, m.Validate(opportunity(now), portfolio(8990)).Passed)

	// next local day: counters and the switch reset
	now = now.Add(24 * time.Hour)
	d = m.Validate(opportunity(now), portfolio(8990))
	assert.True(t, d.Passed, "reason: %s", d.Reason)

	stats := m.Statistics()
	assert.Equal(t, 0, stats.TradesToday)
	assert.False(t, stats.KillSwitch)
}

func TestDailyLossLimitBeforeKill(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.Local)
	m := newTestManager(t, testConfig(), &now)

	require.True(t, m.Validate(opportunity(now), portfolio(10000)).Passed)
	// 6% loss: over max_daily_loss_ratio, under stop_loss_ratio
	m.Record(&types.ExecutionResult{Profit: -600})

	now = now.Add(time.Minute)
	d := m.Validate(opportunity(now), portfolio(9400))
	assert.False(t, d.Passed)
	assert.Contains(t, d.Reason, "daily loss")
	assert.Equal(t, types.RiskHigh, d.Level)

	stats := m.Statistics()
	assert.False(t, stats.KillSwitch, "6%% loss should not engage the kill switch")
	assert.True(t, stats.TradingOn)
}

func TestWarningsNearBudget(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.Local)
	cfg := testConfig()
	cfg.Risk.MaxDailyTrades = 10
	cfg.Risk.MinArbitrageInterval = 0
	m := newTestManager(t, cfg, &now)

	for i := 0; i < 8; i++ {
		m.Record(&types.ExecutionResult{Profit: 1})
	}
	d := m.Validate(opportunity(now), portfolio(10000))
	require.True(t, d.Passed, "reason: %s", d.Reason)
	require.NotEmpty(t, d.Warnings)
	assert.Contains(t, d.Warnings[0], "daily trades")
}

func TestManualDisableEnable(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.Local)
	m := newTestManager(t, testConfig(), &now)

	m.DisableTrading("operator stop")
	d := m.Validate(opportunity(now), portfolio(10000))
	assert.False(t, d.Passed)
	assert.Contains(t, d.Reason, "operator stop")

	m.EnableTrading()
	assert.True(t, m.Validate(opportunity(now), portfolio(10000)).Passed)
}
