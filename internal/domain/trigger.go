package domain

import "time"

// TriggerKind is the closed set of trigger variants.
type TriggerKind string

const (
	TriggerKindPrice TriggerKind = "price"
	TriggerKindTime  TriggerKind = "time"
)

// PriceDirection selects which way a price trigger's threshold must be
// crossed.
type PriceDirection string

const (
	// DirectionAbove fires when the price rises to or above the threshold.
	DirectionAbove PriceDirection = "above"
	// DirectionBelow fires when the price falls to or below the threshold.
	DirectionBelow PriceDirection = "below"
)

// Trigger is a condition gating when a profile should be re-evaluated. A
// trigger carries only the fields its kind needs: price triggers use
// Threshold, Direction, and ReturnBand; time triggers use Interval.
type Trigger struct {
	ID        string      `json:"id"`
	ProfileID string      `json:"profile_id"`
	Kind      TriggerKind `json:"kind"`

	// Price trigger parameters. ReturnBand is the hysteresis level the price
	// must recross before the trigger re-arms, preventing rapid re-firing on
	// micro-oscillation around the threshold.
	Threshold  float64        `json:"threshold,omitempty"`
	Direction  PriceDirection `json:"direction,omitempty"`
	ReturnBand float64        `json:"return_band,omitempty"`

	// Time trigger parameter. The trigger fires whenever Interval has elapsed
	// since its last firing and re-arms automatically.
	Interval time.Duration `json:"interval,omitempty"`
}

// Profile is an independently configured trading profile monitored by the
// scheduler.
type Profile struct {
	ID               string        `json:"id"`
	Symbol           string        `json:"symbol"`
	Triggers         []Trigger     `json:"triggers"`
	MinCheckInterval time.Duration `json:"min_check_interval"`
}
