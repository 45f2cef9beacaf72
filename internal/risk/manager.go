// Package risk enforces the hard limits between the evaluator and the
// executor. Every opportunity passes through Manager.Validate before any
// order is placed; every finished execution is reported back via Record so
// the daily counters and the kill switch see the realized results.
package risk

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"okx-triarb/internal/config"
	"okx-triarb/pkg/types"
)

// profitMultiplierUnit is the profit rate at which the sizing multiplier
// reaches 1.0; the multiplier is capped at maxProfitMultiplier.
const (
	profitMultiplierUnit = 0.005
	maxProfitMultiplier  = 1.5
)

// warningFraction of a daily budget triggers a soft warning on decisions.
const warningFraction = 0.8

// PriceSource supplies mid prices for converting holdings into the stake
// asset when computing total balance.
type PriceSource interface {
	MidPrice(pair string) (float64, bool)
}

// Statistics is a snapshot of the day's risk state.
type Statistics struct {
	TradesToday   int             `json:"trades_today"`
	PnLToday      float64         `json:"pnl_today"`
	Rejected      int             `json:"rejected"`
	RejectReasons map[string]int  `json:"reject_reasons"`
	Level         types.RiskLevel `json:"level"`
	TradingOn     bool            `json:"trading_enabled"`
	KillSwitch    bool            `json:"kill_switch"`
}

// Manager is the stateful risk gate.
type Manager struct {
	cfg       config.RiskConfig
	minTrade  float64
	maxOppAge time.Duration
	prices    PriceSource
	logger    *slog.Logger

	mu            sync.Mutex
	enabled       bool
	disableReason string
	killSwitch    bool
	day           string  // local date of the current counters
	dayStartTotal float64 // total balance at first validation of the day
	tradesToday   int
	pnlToday      float64
	lastAttempt   time.Time
	rejected      int
	rejectReasons map[string]int

	now func() time.Time // injectable clock
}

// NewManager creates a risk manager. Trading starts enabled in auto mode
// and disabled in monitor mode.
func NewManager(cfg *config.Config, prices PriceSource, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:           cfg.Risk,
		minTrade:      cfg.Trading.MinTradeAmount,
		maxOppAge:     cfg.Trading.MaxOpportunityAge,
		prices:        prices,
		logger:        logger.With("component", "risk"),
		enabled:       cfg.Mode == "auto",
		rejectReasons: make(map[string]int),
		now:           time.Now,
	}
}

// Validate runs the full check sequence for an opportunity against the
// current portfolio and returns a decision with a suggested stake.
func (m *Manager) Validate(opp types.Opportunity, portfolio *types.Portfolio) types.RiskDecision {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.rolloverLocked(now)

	if !m.enabled {
		reason := "trading disabled"
		if m.disableReason != "" {
			reason = "trading disabled: " + m.disableReason
		}
		return m.rejectLocked(reason)
	}
	if portfolio == nil {
		return m.rejectLocked("no balance data (public-only mode)")
	}
	if opp.Expired(now, m.maxOppAge) {
		return m.rejectLocked("opportunity expired")
	}
	if !m.lastAttempt.IsZero() && now.Sub(m.lastAttempt) < m.cfg.MinArbitrageInterval {
		return m.rejectLocked(fmt.Sprintf("attempt interval below %s", m.cfg.MinArbitrageInterval))
	}
	if m.tradesToday >= m.cfg.MaxDailyTrades {
		return m.rejectLocked("daily trade limit reached")
	}

	total := m.totalBalanceLocked(portfolio, opp.StartAsset)
	if m.dayStartTotal == 0 && total > 0 {
		m.dayStartTotal = total
	}

	lossRatio := m.lossRatioLocked()
	if lossRatio >= m.cfg.StopLossRatio {
		m.killSwitch = true
		m.enabled = false
		m.disableReason = fmt.Sprintf("kill switch: daily loss %.2f%%", lossRatio*100)
		m.logger.Error("kill switch engaged", "loss_ratio", lossRatio)
		return m.rejectLocked(m.disableReason)
	}
	if lossRatio >= m.cfg.MaxDailyLossRatio {
		return m.rejectLocked(fmt.Sprintf("daily loss %.2f%% over limit", lossRatio*100))
	}

	stake := m.sizeLocked(opp, portfolio, total)
	if stake < m.minTrade {
		return m.rejectLocked(fmt.Sprintf("stake %.2f below minimum %.2f", stake, m.minTrade))
	}

	return types.RiskDecision{
		Passed:         true,
		Level:          m.levelLocked(),
		SuggestedStake: stake,
		Warnings:       m.warningsLocked(),
	}
}

// sizeLocked computes the suggested stake. The profit multiplier scales
// thin edges down; the result never exceeds the single-trade cap, the
// per-asset position headroom, the path's depth limit, or the free balance.
func (m *Manager) sizeLocked(opp types.Opportunity, portfolio *types.Portfolio, total float64) float64 {
	single := total * m.cfg.MaxSingleTradeRatio

	multiplier := opp.ProfitRate / profitMultiplierUnit
	if multiplier > maxProfitMultiplier {
		multiplier = maxProfitMultiplier
	}
	stake := single * multiplier
	if stake > single {
		stake = single
	}

	// the stake passes through every intermediate asset; existing holdings
	// plus the stake must stay inside the position ratio
	posLimit := total * m.cfg.MaxPositionRatio
	for _, asset := range opp.Path.Assets() {
		if asset == opp.StartAsset {
			continue
		}
		held := m.convertLocked(portfolio.Free(asset), asset, opp.StartAsset)
		if room := posLimit - held; stake > room {
			stake = room
		}
	}
	if stake < 0 {
		return 0
	}

	if stake > opp.MaxStake {
		stake = opp.MaxStake
	}
	if free := portfolio.Free(opp.StartAsset); stake > free {
		stake = free
	}
	return stake
}

// Record reports a finished execution. Both successes and failures count
// against the attempt interval and the daily trade budget.
func (m *Manager) Record(result *types.ExecutionResult) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.rolloverLocked(now)

	m.lastAttempt = now
	m.tradesToday++
	m.pnlToday += result.Profit

	if result.Profit < 0 {
		m.logger.Warn("losing execution recorded",
			"route", result.Route, "profit", result.Profit, "pnl_today", m.pnlToday)
	}
}

// Statistics returns a copy of the day's counters.
func (m *Manager) Statistics() Statistics {
	m.mu.Lock()
	defer m.mu.Unlock()

	reasons := make(map[string]int, len(m.rejectReasons))
	for k, v := range m.rejectReasons {
		reasons[k] = v
	}
	return Statistics{
		TradesToday:   m.tradesToday,
		PnLToday:      m.pnlToday,
		Rejected:      m.rejected,
		RejectReasons: reasons,
		Level:         m.levelLocked(),
		TradingOn:     m.enabled,
		KillSwitch:    m.killSwitch,
	}
}

// EnableTrading re-enables the gate after a manual stop. It does not
// override the kill switch within the same day.
func (m *Manager) EnableTrading() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.killSwitch {
		m.logger.Warn("enable refused, kill switch active until next day")
		return
	}
	m.enabled = true
	m.disableReason = ""
}

// DisableTrading stops the gate manually.
func (m *Manager) DisableTrading(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = false
	m.disableReason = reason
	m.logger.Warn("trading disabled", "reason", reason)
}

// rolloverLocked resets the daily counters and the kill switch when the
// local date changes.
func (m *Manager) rolloverLocked(now time.Time) {
	day := now.Local().Format("2006-01-02")
	if m.day == day {
		return
	}
	if m.day != "" {
		m.logger.Info("daily counters reset",
			"previous_day", m.day, "trades", m.tradesToday, "pnl", m.pnlToday)
	}
	m.day = day
	m.tradesToday = 0
	m.pnlToday = 0
	m.dayStartTotal = 0
	m.rejected = 0
	m.rejectReasons = make(map[string]int)
	if m.killSwitch {
		m.killSwitch = false
		m.enabled = true
		m.disableReason = ""
	}
}

func (m *Manager) rejectLocked(reason string) types.RiskDecision {
	m.rejected++
	m.rejectReasons[reason]++
	m.logger.Debug("opportunity rejected", "reason", reason)
	return types.RiskDecision{
		Passed:   false,
		Reason:   reason,
		Level:    m.levelLocked(),
		Warnings: m.warningsLocked(),
	}
}

func (m *Manager) lossRatioLocked() float64 {
	if m.pnlToday >= 0 || m.dayStartTotal <= 0 {
		return 0
	}
	return -m.pnlToday / m.dayStartTotal
}

func (m *Manager) levelLocked() types.RiskLevel {
	if m.killSwitch {
		return types.RiskCritical
	}
	ratio := m.lossRatioLocked()
	switch {
	case ratio <= 0.01:
		return types.RiskLow
	case ratio <= 0.03:
		return types.RiskMedium
	case ratio < m.cfg.StopLossRatio:
		return types.RiskHigh
	default:
		return types.RiskCritical
	}
}

func (m *Manager) warningsLocked() []string {
	var warnings []string
	if m.cfg.MaxDailyTrades > 0 {
		used := float64(m.tradesToday) / float64(m.cfg.MaxDailyTrades)
		if used >= warningFraction {
			warnings = append(warnings, fmt.Sprintf(
				"daily trades at %d%% of limit", int(used*100)))
		}
	}
	if ratio := m.lossRatioLocked(); m.cfg.MaxDailyLossRatio > 0 &&
		ratio >= warningFraction*m.cfg.MaxDailyLossRatio {
		warnings = append(warnings, fmt.Sprintf(
			"daily loss %.2f%% approaching limit %.2f%%",
			ratio*100, m.cfg.MaxDailyLossRatio*100))
	}
	return warnings
}

// totalBalanceLocked converts every holding to stake-asset units at cached
// mid prices. Assets with no available price contribute nothing.
func (m *Manager) totalBalanceLocked(portfolio *types.Portfolio, stakeAsset string) float64 {
	total := 0.0
	for asset, amount := range portfolio.Balances {
		total += m.convertLocked(amount, asset, stakeAsset)
	}
	return total
}

// convertLocked values an amount of one asset in stake-asset units at the
// cached mid price, zero when no price is available.
func (m *Manager) convertLocked(amount float64, asset, stakeAsset string) float64 {
	if amount <= 0 {
		return 0
	}
	if asset == stakeAsset {
		return amount
	}
	pair, err := types.CanonicalPair(asset, stakeAsset)
	if err != nil {
		return 0
	}
	mid, ok := m.prices.MidPrice(pair.String())
	if !ok || mid <= 0 {
		return 0
	}
	if pair.Base == asset {
		return amount * mid
	}
	return amount / mid
}
