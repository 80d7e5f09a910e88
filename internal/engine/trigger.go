package engine

import (
	"log/slog"
	"time"

	"github.com/yxzhao/perpbot/internal/domain"
)

// triggerState is the runtime arming state for one trigger. Price triggers
// disarm when they fire and re-arm only after the price recrosses the return
// band; time triggers re-arm immediately with a fresh deadline.
type triggerState struct {
	armed     bool
	lastFired time.Time
}

// TriggerEngine evaluates price- and time-based trigger conditions per
// profile. It is driven entirely by the scheduler goroutine and holds no
// locks.
type TriggerEngine struct {
	clock  Clock
	logger *slog.Logger
	states map[string]*triggerState // trigger ID -> state
}

// NewTriggerEngine creates a TriggerEngine.
func NewTriggerEngine(clock Clock, logger *slog.Logger) *TriggerEngine {
	return &TriggerEngine{
		clock:  clock,
		logger: logger.With(slog.String("component", "trigger_engine")),
		states: make(map[string]*triggerState),
	}
}

// Register initializes runtime state for a profile's triggers. Time triggers
// start their interval at registration, so a 5m trigger first fires 5m after
// the profile is registered.
func (e *TriggerEngine) Register(p domain.Profile) {
	now := e.clock.Now()
	for _, t := range p.Triggers {
		if _, ok := e.states[t.ID]; ok {
			continue
		}
		e.states[t.ID] = &triggerState{armed: true, lastFired: now}
	}
}

// Deregister drops runtime state for a profile's triggers.
func (e *TriggerEngine) Deregister(p domain.Profile) {
	for _, t := range p.Triggers {
		delete(e.states, t.ID)
	}
}

// ShouldFireAny evaluates all of the profile's triggers against the quote and
// returns the IDs of those that fired. Evaluating is a logical OR, but every
// trigger is checked so each maintains its own arming state.
func (e *TriggerEngine) ShouldFireAny(p domain.Profile, q domain.Quote) []string {
	now := e.clock.Now()
	var fired []string
	for _, t := range p.Triggers {
		if e.shouldFire(t, q, now) {
			fired = append(fired, t.ID)
		}
	}
	return fired
}

func (e *TriggerEngine) shouldFire(t domain.Trigger, q domain.Quote, now time.Time) bool {
	st, ok := e.states[t.ID]
	if !ok {
		return false
	}

	switch t.Kind {
	case domain.TriggerKindTime:
		if t.Interval <= 0 {
			return false
		}
		if now.Sub(st.lastFired) < t.Interval {
			return false
		}
		st.lastFired = now
		return true

	case domain.TriggerKindPrice:
		if !st.armed {
			if e.recrossed(t, q.Price) {
				st.armed = true
				e.logger.Debug("price trigger re-armed",
					slog.String("trigger_id", t.ID),
					slog.Float64("price", q.Price),
				)
			}
			return false
		}
		if !crossed(t, q.Price) {
			return false
		}
		st.armed = false
		st.lastFired = now
		return true

	default:
		e.logger.Warn("unknown trigger kind", slog.String("kind", string(t.Kind)))
		return false
	}
}

// crossed reports whether the price satisfies the trigger's threshold in the
// configured direction.
func crossed(t domain.Trigger, price float64) bool {
	if t.Direction == domain.DirectionBelow {
		return price <= t.Threshold
	}
	return price >= t.Threshold
}

// recrossed reports whether the price has returned past the hysteresis band,
// which re-arms a fired price trigger.
func (e *TriggerEngine) recrossed(t domain.Trigger, price float64) bool {
	if t.Direction == domain.DirectionBelow {
		return price >= t.ReturnBand
	}
	return price <= t.ReturnBand
}

// NextFireTime computes the earliest instant at which any of the profile's
// triggers could theoretically fire again. Price triggers can fire on any
// tick, so their next possible time is one minimum check interval away; time
// triggers are exact. The result is never before now.
func (e *TriggerEngine) NextFireTime(p domain.Profile, now time.Time) time.Time {
	interval := p.MinCheckInterval
	if interval <= 0 {
		interval = time.Minute
	}

	var next time.Time
	consider := func(c time.Time) {
		if next.IsZero() || c.Before(next) {
			next = c
		}
	}

	for _, t := range p.Triggers {
		switch t.Kind {
		case domain.TriggerKindTime:
			if st, ok := e.states[t.ID]; ok && t.Interval > 0 {
				consider(st.lastFired.Add(t.Interval))
			}
		case domain.TriggerKindPrice:
			consider(now.Add(interval))
		}
	}

	if next.IsZero() {
		next = now.Add(interval)
	}
	if next.Before(now) {
		next = now
	}
	return next
}
