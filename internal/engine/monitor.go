package engine

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yxzhao/perpbot/internal/domain"
)

// MonitorConfig holds the liquidation monitor's alerting thresholds.
type MonitorConfig struct {
	// WarnThreshold is the margin ratio at or below which a WARN alert is
	// raised.
	WarnThreshold float64
	// CriticalThreshold is the margin ratio at or below which a CRITICAL
	// alert is raised.
	CriticalThreshold float64
	// RecoveryMargin is the hysteresis band: a raised severity clears only
	// once the margin ratio recovers above threshold + RecoveryMargin, so a
	// ratio oscillating around a threshold does not flap alerts.
	RecoveryMargin float64
	// MaxQuoteAge is the oldest quote the monitor will act on. Older quotes
	// suppress evaluation instead of raising alerts on dead data.
	MaxQuoteAge time.Duration
	// AlertBuffer is the capacity of the Alerts channel.
	AlertBuffer int
}

func (c *MonitorConfig) applyDefaults() {
	if c.WarnThreshold <= 0 {
		c.WarnThreshold = 0.20
	}
	if c.CriticalThreshold <= 0 {
		c.CriticalThreshold = 0.05
	}
	if c.RecoveryMargin <= 0 {
		c.RecoveryMargin = 0.02
	}
	if c.MaxQuoteAge <= 0 {
		c.MaxQuoteAge = 10 * time.Second
	}
	if c.AlertBuffer <= 0 {
		c.AlertBuffer = 64
	}
}

const recentAlertCap = 128

// Monitor watches margin ratios and raises edge-triggered alerts: one WARN
// when a position first degrades past the warn threshold, one CRITICAL when
// it degrades further, and nothing more until the ratio recovers past the
// hysteresis band. Evaluate is called only from the scheduler goroutine;
// Alerts and RecentAlerts are safe to use from other goroutines.
type Monitor struct {
	cfg    MonitorConfig
	clock  Clock
	logger *slog.Logger

	severity map[string]domain.AlertSeverity // position ID -> raised severity
	alerts   chan domain.Alert
	dropped  int

	mu     sync.Mutex
	recent []domain.Alert
}

// NewMonitor creates a Monitor. Zero-value config fields fall back to
// defaults (warn 20%, critical 5%, recovery band 2%, max quote age 10s).
func NewMonitor(cfg MonitorConfig, clock Clock, logger *slog.Logger) *Monitor {
	cfg.applyDefaults()
	return &Monitor{
		cfg:      cfg,
		clock:    clock,
		logger:   logger.With(slog.String("component", "liquidation_monitor")),
		severity: make(map[string]domain.AlertSeverity),
		alerts:   make(chan domain.Alert, cfg.AlertBuffer),
	}
}

// Alerts returns the stream of raised alerts. The channel is bounded; if no
// consumer keeps up, the oldest alerts are dropped rather than blocking the
// scheduler.
func (m *Monitor) Alerts() <-chan domain.Alert { return m.alerts }

// Evaluate inspects a freshly re-valued position. It returns the alert raised
// by this evaluation, if any, and domain.ErrStaleQuote when the quote is too
// old to act on. Liquidated positions only have their tracking state cleared;
// the scheduler announces liquidations itself.
func (m *Monitor) Evaluate(u TickUpdate, q domain.Quote) (*domain.Alert, error) {
	if u.Liquidated {
		delete(m.severity, u.Position.ID)
		return nil, nil
	}
	if q.Stale || q.Age(m.clock.Now()) > m.cfg.MaxQuoteAge {
		return nil, fmt.Errorf("monitor: quote for %s aged %s: %w", q.Symbol, q.Age(m.clock.Now()).Round(time.Millisecond), domain.ErrStaleQuote)
	}

	current := m.severity[u.Position.ID]
	next := m.classify(u.Position.MarginRatio, current)
	if next == current {
		return nil, nil
	}

	if next == "" || next.Rank() < current.Rank() {
		// Recovery past the hysteresis band. No alert, just clear or lower
		// the raised level.
		m.logger.Info("margin ratio recovered",
			slog.String("position_id", u.Position.ID),
			slog.String("from", string(current)),
			slog.String("to", string(next)),
			slog.Float64("margin_ratio", u.Position.MarginRatio),
		)
		m.setSeverity(u.Position.ID, next)
		return nil, nil
	}

	m.setSeverity(u.Position.ID, next)
	a := domain.Alert{
		ID:          uuid.NewString(),
		PositionID:  u.Position.ID,
		ProfileID:   u.Position.ProfileID,
		Symbol:      u.Position.Symbol,
		Severity:    next,
		MarginRatio: u.Position.MarginRatio,
		MarkPrice:   u.Position.MarkPrice,
		At:          m.clock.Now(),
	}
	m.record(a)
	m.logger.Warn("margin alert raised",
		slog.String("position_id", a.PositionID),
		slog.String("severity", string(a.Severity)),
		slog.Float64("margin_ratio", a.MarginRatio),
		slog.Float64("mark_price", a.MarkPrice),
	)
	return &a, nil
}

// Forget drops tracking state for a position, used when it closes for any
// reason other than liquidation.
func (m *Monitor) Forget(positionID string) {
	delete(m.severity, positionID)
}

// RecentAlerts returns up to n of the most recently raised alerts, newest
// first.
func (m *Monitor) RecentAlerts(n int) []domain.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n <= 0 || n > len(m.recent) {
		n = len(m.recent)
	}
	out := make([]domain.Alert, n)
	for i := 0; i < n; i++ {
		out[i] = m.recent[len(m.recent)-1-i]
	}
	return out
}

// classify maps a margin ratio to a severity, honoring the recovery band
// relative to the currently raised severity.
func (m *Monitor) classify(ratio float64, current domain.AlertSeverity) domain.AlertSeverity {
	switch {
	case ratio <= m.cfg.CriticalThreshold:
		return domain.SeverityCritical
	case ratio <= m.cfg.WarnThreshold:
		// Holding within the critical recovery band keeps CRITICAL raised.
		if current == domain.SeverityCritical && ratio <= m.cfg.CriticalThreshold+m.cfg.RecoveryMargin {
			return domain.SeverityCritical
		}
		return domain.SeverityWarn
	default:
		if current != "" && ratio <= m.cfg.WarnThreshold+m.cfg.RecoveryMargin {
			return current
		}
		return ""
	}
}

func (m *Monitor) setSeverity(positionID string, s domain.AlertSeverity) {
	if s == "" {
		delete(m.severity, positionID)
		return
	}
	m.severity[positionID] = s
}

func (m *Monitor) record(a domain.Alert) {
	m.mu.Lock()
	m.recent = append(m.recent, a)
	if len(m.recent) > recentAlertCap {
		m.recent = m.recent[len(m.recent)-recentAlertCap:]
	}
	m.mu.Unlock()

	select {
	case m.alerts <- a:
	default:
		select {
		case <-m.alerts:
		default:
		}
		select {
		case m.alerts <- a:
		default:
		}
		m.dropped++
		m.logger.Warn("alert channel full, dropped oldest", slog.Int("dropped_total", m.dropped))
	}
}
