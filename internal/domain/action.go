package domain

import "time"

// ActionType is the closed set of decisions the external decision service can
// return for a profile.
type ActionType string

const (
	ActionOpen  ActionType = "open"
	ActionClose ActionType = "close"
	ActionHold  ActionType = "hold"
)

// OpenParams describes the position an OPEN action wants to establish. When
// Margin is zero the engine derives it from the mark price, quantity, and
// leverage (fully collateralized isolated margin).
type OpenParams struct {
	Symbol   string       `json:"symbol"`
	Side     PositionSide `json:"side"`
	Quantity float64      `json:"quantity"`
	Leverage float64      `json:"leverage"`
	Margin   float64      `json:"margin,omitempty"`
}

// Action is the decision service's answer for one evaluation cycle. For
// CLOSE actions an empty PositionID means "close all open positions for the
// profile".
type Action struct {
	Type       ActionType  `json:"type"`
	Open       *OpenParams `json:"open,omitempty"`
	PositionID string      `json:"position_id,omitempty"`
	Reason     string      `json:"reason,omitempty"`
}

// DecisionRequest is the snapshot handed to the decision service: the profile
// being evaluated, its open positions, the quote that triggered the
// evaluation, and which triggers fired.
type DecisionRequest struct {
	Profile       Profile    `json:"profile"`
	OpenPositions []Position `json:"open_positions"`
	Quote         Quote      `json:"quote"`
	FiredTriggers []string   `json:"fired_triggers"`
	RequestedAt   time.Time  `json:"requested_at"`
}
