package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/yxzhao/perpbot/internal/domain"
	"github.com/yxzhao/perpbot/internal/engine"
)

// Event types used for notification filtering.
const (
	EventMarginWarn     = "margin_warn"
	EventMarginCritical = "margin_critical"
	EventLiquidation    = "liquidation"
)

// EventForwarder turns engine events into operator notifications: margin
// alerts from the monitor's alert channel and liquidations from the signal
// bus.
type EventForwarder struct {
	notifier *Notifier
	alerts   <-chan domain.Alert
	bus      domain.SignalBus // nil disables liquidation forwarding
	logger   *slog.Logger
}

// NewEventForwarder creates an EventForwarder. bus may be nil.
func NewEventForwarder(notifier *Notifier, alerts <-chan domain.Alert, bus domain.SignalBus, logger *slog.Logger) *EventForwarder {
	return &EventForwarder{
		notifier: notifier,
		alerts:   alerts,
		bus:      bus,
		logger:   logger.With(slog.String("component", "event_forwarder")),
	}
}

// Run forwards events until ctx is canceled.
func (f *EventForwarder) Run(ctx context.Context) error {
	var liquidations <-chan []byte
	if f.bus != nil {
		ch, err := f.bus.Subscribe(ctx, engine.LiquidationChannel)
		if err != nil {
			return fmt.Errorf("notify: subscribe liquidations: %w", err)
		}
		liquidations = ch
	}

	f.logger.Info("event forwarder started")
	defer f.logger.Info("event forwarder stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case a, ok := <-f.alerts:
			if !ok {
				return nil
			}
			f.forwardAlert(ctx, a)

		case payload, ok := <-liquidations:
			if !ok {
				liquidations = nil
				continue
			}
			f.forwardLiquidation(ctx, payload)
		}
	}
}

func (f *EventForwarder) forwardAlert(ctx context.Context, a domain.Alert) {
	event := EventMarginWarn
	if a.Severity == domain.SeverityCritical {
		event = EventMarginCritical
	}
	title := fmt.Sprintf("Margin %s: %s", a.Severity, a.Symbol)
	message := fmt.Sprintf(
		"Position %s margin ratio at %.1f%% (mark price %.2f).",
		a.PositionID, a.MarginRatio*100, a.MarkPrice,
	)
	if err := f.notifier.Notify(ctx, event, title, message); err != nil {
		f.logger.Error("alert notification failed", slog.String("error", err.Error()))
	}
}

func (f *EventForwarder) forwardLiquidation(ctx context.Context, payload []byte) {
	var p domain.Position
	if err := json.Unmarshal(payload, &p); err != nil {
		f.logger.Error("decode liquidation event", slog.String("error", err.Error()))
		return
	}
	title := fmt.Sprintf("LIQUIDATED: %s", p.Symbol)
	var realized float64
	if p.RealizedPnL != nil {
		realized = *p.RealizedPnL
	}
	message := fmt.Sprintf(
		"Position %s (%s %.4f @ %.2f, %gx) liquidated at %.2f. Realized PnL: %.2f.",
		p.ID, p.Side, p.Quantity, p.EntryPrice, p.Leverage, p.MarkPrice, realized,
	)
	if err := f.notifier.Notify(ctx, EventLiquidation, title, message); err != nil {
		f.logger.Error("liquidation notification failed", slog.String("error", err.Error()))
	}
}
