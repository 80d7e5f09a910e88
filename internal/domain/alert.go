package domain

import "time"

// AlertSeverity grades how close a position is to liquidation.
type AlertSeverity string

const (
	SeverityWarn     AlertSeverity = "warn"
	SeverityCritical AlertSeverity = "critical"
)

// Rank orders severities for comparison; higher is more severe.
func (s AlertSeverity) Rank() int {
	switch s {
	case SeverityWarn:
		return 1
	case SeverityCritical:
		return 2
	default:
		return 0
	}
}

// Alert is an edge-triggered margin-health notification for an open position.
// Alerts are idempotent per (position, severity) until the margin ratio
// recovers past the hysteresis threshold.
type Alert struct {
	ID          string        `json:"id"`
	PositionID  string        `json:"position_id"`
	ProfileID   string        `json:"profile_id"`
	Symbol      string        `json:"symbol"`
	Severity    AlertSeverity `json:"severity"`
	MarginRatio float64       `json:"margin_ratio"`
	MarkPrice   float64       `json:"mark_price"`
	At          time.Time     `json:"at"`
}
