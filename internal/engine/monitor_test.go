package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/yxzhao/perpbot/internal/domain"
)

func monitorUpdate(id string, ratio float64) TickUpdate {
	return TickUpdate{Position: domain.Position{
		ID:          id,
		ProfileID:   "p1",
		Symbol:      "BTCUSDT",
		MarginRatio: ratio,
		MarkPrice:   40000,
	}}
}

func freshQuote(clock *fakeClock) domain.Quote {
	return domain.Quote{Symbol: "BTCUSDT", Price: 40000, AsOf: clock.Now()}
}

func TestMonitorEscalation(t *testing.T) {
	clock := newFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	m := NewMonitor(MonitorConfig{}, clock, testLogger())

	// Healthy: nothing raised.
	a, err := m.Evaluate(monitorUpdate("pos1", 0.50), freshQuote(clock))
	require.NoError(t, err)
	require.Nil(t, a)

	// Degrades past the warn threshold: one WARN.
	a, err = m.Evaluate(monitorUpdate("pos1", 0.18), freshQuote(clock))
	require.NoError(t, err)
	require.NotNil(t, a)
	require.Equal(t, domain.SeverityWarn, a.Severity)
	require.Equal(t, "pos1", a.PositionID)

	// Stays degraded: edge-triggered, no repeat.
	a, err = m.Evaluate(monitorUpdate("pos1", 0.15), freshQuote(clock))
	require.NoError(t, err)
	require.Nil(t, a)

	// Degrades further: one CRITICAL.
	a, err = m.Evaluate(monitorUpdate("pos1", 0.03), freshQuote(clock))
	require.NoError(t, err)
	require.NotNil(t, a)
	require.Equal(t, domain.SeverityCritical, a.Severity)

	a, err = m.Evaluate(monitorUpdate("pos1", 0.02), freshQuote(clock))
	require.NoError(t, err)
	require.Nil(t, a)

	// Both alerts are on the channel, in order.
	require.Equal(t, domain.SeverityWarn, (<-m.Alerts()).Severity)
	require.Equal(t, domain.SeverityCritical, (<-m.Alerts()).Severity)

	// RecentAlerts is newest first.
	recent := m.RecentAlerts(10)
	require.Len(t, recent, 2)
	require.Equal(t, domain.SeverityCritical, recent[0].Severity)
	require.Equal(t, domain.SeverityWarn, recent[1].Severity)
}

func TestMonitorRecoveryHysteresis(t *testing.T) {
	clock := newFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	m := NewMonitor(MonitorConfig{}, clock, testLogger())

	a, err := m.Evaluate(monitorUpdate("pos1", 0.18), freshQuote(clock))
	require.NoError(t, err)
	require.NotNil(t, a)

	// Recovering to just above the threshold is inside the band: WARN holds
	// and oscillation does not flap alerts.
	a, err = m.Evaluate(monitorUpdate("pos1", 0.21), freshQuote(clock))
	require.NoError(t, err)
	require.Nil(t, a)
	a, err = m.Evaluate(monitorUpdate("pos1", 0.19), freshQuote(clock))
	require.NoError(t, err)
	require.Nil(t, a)

	// Past threshold + band: cleared silently.
	a, err = m.Evaluate(monitorUpdate("pos1", 0.23), freshQuote(clock))
	require.NoError(t, err)
	require.Nil(t, a)

	// A fresh degradation alerts again.
	a, err = m.Evaluate(monitorUpdate("pos1", 0.18), freshQuote(clock))
	require.NoError(t, err)
	require.NotNil(t, a)
	require.Equal(t, domain.SeverityWarn, a.Severity)
}

func TestMonitorCriticalHoldsWithinBand(t *testing.T) {
	clock := newFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	m := NewMonitor(MonitorConfig{}, clock, testLogger())

	a, err := m.Evaluate(monitorUpdate("pos1", 0.04), freshQuote(clock))
	require.NoError(t, err)
	require.NotNil(t, a)
	require.Equal(t, domain.SeverityCritical, a.Severity)

	// 0.06 is within critical + recovery band: CRITICAL holds.
	a, err = m.Evaluate(monitorUpdate("pos1", 0.06), freshQuote(clock))
	require.NoError(t, err)
	require.Nil(t, a)

	// Clearly back in warn territory: de-escalates without a new alert.
	a, err = m.Evaluate(monitorUpdate("pos1", 0.10), freshQuote(clock))
	require.NoError(t, err)
	require.Nil(t, a)

	// Degrading again from WARN re-raises CRITICAL.
	a, err = m.Evaluate(monitorUpdate("pos1", 0.04), freshQuote(clock))
	require.NoError(t, err)
	require.NotNil(t, a)
	require.Equal(t, domain.SeverityCritical, a.Severity)
}

func TestMonitorStaleQuoteSuppression(t *testing.T) {
	clock := newFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	m := NewMonitor(MonitorConfig{}, clock, testLogger())

	// Explicitly stale quote.
	q := freshQuote(clock)
	q.Stale = true
	_, err := m.Evaluate(monitorUpdate("pos1", 0.03), q)
	require.ErrorIs(t, err, domain.ErrStaleQuote)

	// Quote older than the maximum age.
	q = freshQuote(clock)
	clock.Advance(11 * time.Second)
	_, err = m.Evaluate(monitorUpdate("pos1", 0.03), q)
	require.ErrorIs(t, err, domain.ErrStaleQuote)

	// No alert was raised by either evaluation.
	require.Empty(t, m.RecentAlerts(10))

	// A fresh quote alerts normally.
	a, err := m.Evaluate(monitorUpdate("pos1", 0.03), freshQuote(clock))
	require.NoError(t, err)
	require.NotNil(t, a)
}

func TestMonitorLiquidationClearsState(t *testing.T) {
	clock := newFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	m := NewMonitor(MonitorConfig{}, clock, testLogger())

	a, err := m.Evaluate(monitorUpdate("pos1", 0.03), freshQuote(clock))
	require.NoError(t, err)
	require.NotNil(t, a)

	u := monitorUpdate("pos1", -0.01)
	u.Liquidated = true
	a, err = m.Evaluate(u, freshQuote(clock))
	require.NoError(t, err)
	require.Nil(t, a, "liquidation is announced by the scheduler, not the monitor")

	// State was cleared: a new position reusing the ID starts from scratch.
	a, err = m.Evaluate(monitorUpdate("pos1", 0.18), freshQuote(clock))
	require.NoError(t, err)
	require.NotNil(t, a)
	require.Equal(t, domain.SeverityWarn, a.Severity)
}

func TestMonitorForget(t *testing.T) {
	clock := newFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	m := NewMonitor(MonitorConfig{}, clock, testLogger())

	a, err := m.Evaluate(monitorUpdate("pos1", 0.18), freshQuote(clock))
	require.NoError(t, err)
	require.NotNil(t, a)

	m.Forget("pos1")

	// Same ratio after Forget raises a fresh WARN instead of staying silent.
	a, err = m.Evaluate(monitorUpdate("pos1", 0.18), freshQuote(clock))
	require.NoError(t, err)
	require.NotNil(t, a)
}
