package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/yxzhao/perpbot/internal/domain"
)

// stubFeed is an in-memory PriceSource.
type stubFeed struct {
	mu     sync.Mutex
	quotes map[string]domain.Quote
	ticks  chan domain.Quote
}

func newStubFeed() *stubFeed {
	return &stubFeed{
		quotes: make(map[string]domain.Quote),
		ticks:  make(chan domain.Quote, 16),
	}
}

func (f *stubFeed) setQuote(q domain.Quote) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.quotes[q.Symbol] = q
}

func (f *stubFeed) Ticks() <-chan domain.Quote { return f.ticks }

func (f *stubFeed) Latest(_ context.Context, symbol string) (domain.Quote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q, ok := f.quotes[symbol]
	if !ok {
		return domain.Quote{}, domain.ErrUnavailable
	}
	return q, nil
}

func (f *stubFeed) Watch(string)   {}
func (f *stubFeed) Unwatch(string) {}

// deciderFunc adapts a function to domain.DecisionService.
type deciderFunc func(ctx context.Context, req domain.DecisionRequest) (domain.Action, error)

func (f deciderFunc) Decide(ctx context.Context, req domain.DecisionRequest) (domain.Action, error) {
	return f(ctx, req)
}

type schedulerFixture struct {
	clock   *fakeClock
	feed    *stubFeed
	ledger  *Ledger
	monitor *Monitor
	sched   *Scheduler
}

func newSchedulerFixture(t *testing.T, decide deciderFunc) *schedulerFixture {
	t.Helper()
	clock := newFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	feed := newStubFeed()
	logger := testLogger()
	ledger := NewLedger(LedgerConfig{}, nil, domain.IsolatedMarginModel{}, clock, logger)
	monitor := NewMonitor(MonitorConfig{}, clock, logger)
	sched := NewScheduler(SchedulerConfig{}, clock,
		NewWakeQueue(), NewTriggerEngine(clock, logger),
		ledger, monitor, decide, feed, nil, nil, logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = sched.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return &schedulerFixture{clock: clock, feed: feed, ledger: ledger, monitor: monitor, sched: sched}
}

func priceProfile(id, symbol string, threshold float64) domain.Profile {
	return domain.Profile{
		ID:               id,
		Symbol:           symbol,
		MinCheckInterval: time.Second,
		Triggers: []domain.Trigger{{
			ID:         id + "-price",
			ProfileID:  id,
			Kind:       domain.TriggerKindPrice,
			Threshold:  threshold,
			Direction:  domain.DirectionAbove,
			ReturnBand: threshold * 0.99,
		}},
	}
}

func TestSchedulerRegisterEvaluatesAndOpens(t *testing.T) {
	var decisions atomic.Int64
	fx := newSchedulerFixture(t, func(_ context.Context, req domain.DecisionRequest) (domain.Action, error) {
		if decisions.Add(1) == 1 {
			return domain.Action{
				Type: domain.ActionOpen,
				Open: &domain.OpenParams{Side: domain.SideLong, Quantity: 0.1, Leverage: 2},
			}, nil
		}
		return domain.Action{Type: domain.ActionHold}, nil
	})
	ctx := context.Background()

	fx.feed.setQuote(domain.Quote{Symbol: "BTCUSDT", Price: 50100, AsOf: fx.clock.Now()})

	p := priceProfile("btc", "BTCUSDT", 50000)
	require.NoError(t, fx.sched.RegisterProfile(ctx, p))
	require.ErrorIs(t, fx.sched.RegisterProfile(ctx, p), domain.ErrAlreadyExists)

	// Registration wakes the profile immediately: the crossed price trigger
	// fires, the decision runs, and the OPEN is applied at the mark price.
	require.Eventually(t, func() bool {
		st, err := fx.sched.CurrentStatus(ctx)
		return err == nil && st.OpenPositions == 1
	}, time.Second, 5*time.Millisecond)

	open := fx.ledger.ListOpen("btc")
	require.Len(t, open, 1)
	require.InDelta(t, 50100, open[0].EntryPrice, 1e-9)
	// Margin was derived from price, quantity, and leverage.
	require.InDelta(t, 50100*0.1/2, open[0].Margin, 1e-9)
}

func TestSchedulerRegisterValidation(t *testing.T) {
	fx := newSchedulerFixture(t, func(context.Context, domain.DecisionRequest) (domain.Action, error) {
		return domain.Action{Type: domain.ActionHold}, nil
	})
	ctx := context.Background()

	err := fx.sched.RegisterProfile(ctx, domain.Profile{ID: "", Symbol: "BTCUSDT"})
	require.ErrorIs(t, err, domain.ErrInvalidParameters)

	err = fx.sched.DeregisterProfile(ctx, "missing")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSchedulerManualOpenAndClose(t *testing.T) {
	fx := newSchedulerFixture(t, func(context.Context, domain.DecisionRequest) (domain.Action, error) {
		return domain.Action{Type: domain.ActionHold}, nil
	})
	ctx := context.Background()

	fx.feed.setQuote(domain.Quote{Symbol: "BTCUSDT", Price: 50100, AsOf: fx.clock.Now()})

	pos, err := fx.sched.OpenPosition(ctx, "manual", domain.OpenParams{
		Symbol:   "BTCUSDT",
		Side:     domain.SideLong,
		Quantity: 0.1,
		Leverage: 2,
	})
	require.NoError(t, err)
	require.InDelta(t, 50100, pos.EntryPrice, 1e-9)

	st, err := fx.sched.CurrentStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, st.OpenPositions)

	fx.feed.setQuote(domain.Quote{Symbol: "BTCUSDT", Price: 51000, AsOf: fx.clock.Now()})
	realized, err := fx.sched.ClosePosition(ctx, pos.ID, domain.CloseReasonManual)
	require.NoError(t, err)
	require.InDelta(t, (51000-50100)*0.1*2, realized, 1e-9)

	_, err = fx.sched.ClosePosition(ctx, pos.ID, domain.CloseReasonManual)
	require.ErrorIs(t, err, domain.ErrNotOpen)
}

func TestSchedulerTickAlertsThenLiquidates(t *testing.T) {
	fx := newSchedulerFixture(t, func(context.Context, domain.DecisionRequest) (domain.Action, error) {
		return domain.Action{Type: domain.ActionHold}, nil
	})
	ctx := context.Background()

	fx.feed.setQuote(domain.Quote{Symbol: "BTCUSDT", Price: 45000, AsOf: fx.clock.Now()})
	pos, err := fx.sched.OpenPosition(ctx, "manual", domain.OpenParams{
		Symbol:   "BTCUSDT",
		Side:     domain.SideLong,
		Quantity: 0.1,
		Leverage: 2,
		Margin:   2250,
	})
	require.NoError(t, err)
	require.InDelta(t, 22500, pos.LiquidationPrice, 1e-6)

	// Margin is deep underwater but above the liquidation price: CRITICAL.
	fx.feed.ticks <- domain.Quote{Symbol: "BTCUSDT", Price: 30000, AsOf: fx.clock.Now()}

	select {
	case a := <-fx.monitor.Alerts():
		require.Equal(t, domain.SeverityCritical, a.Severity)
		require.Equal(t, pos.ID, a.PositionID)
	case <-time.After(time.Second):
		t.Fatal("expected a critical margin alert")
	}

	// Crossing the liquidation price closes the position on the same tick.
	fx.feed.ticks <- domain.Quote{Symbol: "BTCUSDT", Price: 22000, AsOf: fx.clock.Now()}

	require.Eventually(t, func() bool {
		st, err := fx.sched.CurrentStatus(ctx)
		return err == nil && st.OpenPositions == 0
	}, time.Second, 5*time.Millisecond)

	got, err := fx.ledger.Get(pos.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusLiquidated, got.Status)
}

func TestSchedulerStaleTickRaisesNoAlert(t *testing.T) {
	fx := newSchedulerFixture(t, func(context.Context, domain.DecisionRequest) (domain.Action, error) {
		return domain.Action{Type: domain.ActionHold}, nil
	})
	ctx := context.Background()

	fx.feed.setQuote(domain.Quote{Symbol: "BTCUSDT", Price: 45000, AsOf: fx.clock.Now()})
	_, err := fx.sched.OpenPosition(ctx, "manual", domain.OpenParams{
		Symbol:   "BTCUSDT",
		Side:     domain.SideLong,
		Quantity: 0.1,
		Leverage: 2,
		Margin:   2250,
	})
	require.NoError(t, err)

	// A stale quote at an alarming price must not alert.
	fx.feed.ticks <- domain.Quote{Symbol: "BTCUSDT", Price: 30000, AsOf: fx.clock.Now(), Stale: true}
	// A fresh one must.
	fx.feed.ticks <- domain.Quote{Symbol: "BTCUSDT", Price: 30000, AsOf: fx.clock.Now()}

	select {
	case a := <-fx.monitor.Alerts():
		require.Equal(t, domain.SeverityCritical, a.Severity)
	case <-time.After(time.Second):
		t.Fatal("expected an alert from the fresh quote")
	}
	require.Len(t, fx.monitor.RecentAlerts(10), 1, "the stale quote must be suppressed")
}

func TestSchedulerDeregisterDiscardsInFlightDecision(t *testing.T) {
	release := make(chan struct{})
	fx := newSchedulerFixture(t, func(ctx context.Context, _ domain.DecisionRequest) (domain.Action, error) {
		select {
		case <-release:
		case <-ctx.Done():
			return domain.Action{}, ctx.Err()
		}
		return domain.Action{
			Type: domain.ActionOpen,
			Open: &domain.OpenParams{Side: domain.SideLong, Quantity: 0.1, Leverage: 2},
		}, nil
	})
	ctx := context.Background()

	fx.feed.setQuote(domain.Quote{Symbol: "BTCUSDT", Price: 50100, AsOf: fx.clock.Now()})
	require.NoError(t, fx.sched.RegisterProfile(ctx, priceProfile("btc", "BTCUSDT", 50000)))

	// Wait for the decision call to be dispatched.
	require.Eventually(t, func() bool {
		st, err := fx.sched.CurrentStatus(ctx)
		if err != nil || len(st.Profiles) != 1 {
			return false
		}
		return st.Profiles[0].State == StateEvaluating
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, fx.sched.DeregisterProfile(ctx, "btc"))
	close(release)

	// The late result must be discarded, never applied.
	require.Never(t, func() bool {
		st, err := fx.sched.CurrentStatus(ctx)
		return err != nil || st.OpenPositions > 0
	}, 200*time.Millisecond, 10*time.Millisecond)
}

func TestSchedulerManyProfilesAllWake(t *testing.T) {
	var decisions atomic.Int64
	fx := newSchedulerFixture(t, func(context.Context, domain.DecisionRequest) (domain.Action, error) {
		decisions.Add(1)
		return domain.Action{Type: domain.ActionHold}, nil
	})
	ctx := context.Background()

	const n = 10
	symbols := []string{"BTCUSDT", "ETHUSDT", "SOLUSDT", "BNBUSDT", "XRPUSDT",
		"ADAUSDT", "DOGEUSDT", "DOTUSDT", "LINKUSDT", "AVAXUSDT"}
	for i := 0; i < n; i++ {
		fx.feed.setQuote(domain.Quote{Symbol: symbols[i], Price: 100, AsOf: fx.clock.Now()})
		p := domain.Profile{
			ID:               symbols[i],
			Symbol:           symbols[i],
			MinCheckInterval: time.Minute,
			Triggers: []domain.Trigger{{
				ID:       symbols[i] + "-time",
				Kind:     domain.TriggerKindTime,
				Interval: time.Minute,
			}},
		}
		require.NoError(t, fx.sched.RegisterProfile(ctx, p))
	}

	// The registration wakes evaluate without firing (interval not elapsed).
	require.Eventually(t, func() bool {
		st, err := fx.sched.CurrentStatus(ctx)
		return err == nil && st.QueueDepth == n
	}, time.Second, 5*time.Millisecond)
	require.Zero(t, decisions.Load())

	// One interval later every profile's time trigger is due; all wakes are
	// served in order without any profile starving.
	fx.clock.Advance(time.Minute)

	require.Eventually(t, func() bool {
		return decisions.Load() == n
	}, time.Second, 5*time.Millisecond)

	st, err := fx.sched.CurrentStatus(ctx)
	require.NoError(t, err)
	require.Len(t, st.Profiles, n)
	require.Equal(t, n, st.QueueDepth, "every profile stays scheduled")
}

func TestSchedulerProfileIdleUntilPositionOpens(t *testing.T) {
	fx := newSchedulerFixture(t, func(context.Context, domain.DecisionRequest) (domain.Action, error) {
		return domain.Action{
			Type: domain.ActionOpen,
			Open: &domain.OpenParams{Side: domain.SideLong, Quantity: 0.1, Leverage: 2},
		}, nil
	})
	ctx := context.Background()

	// Below the trigger threshold: registration leaves the profile idle.
	fx.feed.setQuote(domain.Quote{Symbol: "BTCUSDT", Price: 49000, AsOf: fx.clock.Now()})
	require.NoError(t, fx.sched.RegisterProfile(ctx, priceProfile("btc", "BTCUSDT", 50000)))

	require.Eventually(t, func() bool {
		st, err := fx.sched.CurrentStatus(ctx)
		return err == nil && len(st.Profiles) == 1 && st.Profiles[0].State == StateIdle
	}, time.Second, 5*time.Millisecond)

	// Crossing the threshold fires the trigger; the decision opens a position
	// and the profile settles in MONITORING.
	fx.feed.setQuote(domain.Quote{Symbol: "BTCUSDT", Price: 50100, AsOf: fx.clock.Now()})
	fx.clock.Advance(time.Second)

	require.Eventually(t, func() bool {
		st, err := fx.sched.CurrentStatus(ctx)
		return err == nil && len(st.Profiles) == 1 &&
			st.Profiles[0].State == StateMonitoring && st.OpenPositions == 1
	}, time.Second, 5*time.Millisecond)
}

func TestSchedulerProfileReturnsToIdleAfterLiquidation(t *testing.T) {
	fx := newSchedulerFixture(t, func(context.Context, domain.DecisionRequest) (domain.Action, error) {
		return domain.Action{Type: domain.ActionHold}, nil
	})
	ctx := context.Background()

	fx.feed.setQuote(domain.Quote{Symbol: "BTCUSDT", Price: 49000, AsOf: fx.clock.Now()})
	require.NoError(t, fx.sched.RegisterProfile(ctx, priceProfile("btc", "BTCUSDT", 50000)))
	_, err := fx.sched.OpenPosition(ctx, "btc", domain.OpenParams{
		Symbol:   "BTCUSDT",
		Side:     domain.SideLong,
		Quantity: 0.1,
		Leverage: 2,
		Margin:   2450,
	})
	require.NoError(t, err)

	st, err := fx.sched.CurrentStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, StateMonitoring, st.Profiles[0].State)

	// Liquidating the only position returns the profile to IDLE.
	fx.feed.ticks <- domain.Quote{Symbol: "BTCUSDT", Price: 20000, AsOf: fx.clock.Now()}

	require.Eventually(t, func() bool {
		st, err := fx.sched.CurrentStatus(ctx)
		return err == nil && st.OpenPositions == 0 && st.Profiles[0].State == StateIdle
	}, time.Second, 5*time.Millisecond)
}

func TestSchedulerCloseDecisionScopedToOwnProfile(t *testing.T) {
	var victimID atomic.Value
	fx := newSchedulerFixture(t, func(context.Context, domain.DecisionRequest) (domain.Action, error) {
		id, _ := victimID.Load().(string)
		return domain.Action{Type: domain.ActionClose, PositionID: id}, nil
	})
	ctx := context.Background()

	fx.feed.setQuote(domain.Quote{Symbol: "ETHUSDT", Price: 2000, AsOf: fx.clock.Now()})
	victim, err := fx.sched.OpenPosition(ctx, "eth", domain.OpenParams{
		Symbol:   "ETHUSDT",
		Side:     domain.SideLong,
		Quantity: 1,
		Leverage: 2,
	})
	require.NoError(t, err)
	victimID.Store(victim.ID)

	// The btc profile's decision names the eth profile's position.
	fx.feed.setQuote(domain.Quote{Symbol: "BTCUSDT", Price: 50100, AsOf: fx.clock.Now()})
	require.NoError(t, fx.sched.RegisterProfile(ctx, priceProfile("btc", "BTCUSDT", 50000)))

	// The cross-profile close must be rejected.
	require.Never(t, func() bool {
		st, err := fx.sched.CurrentStatus(ctx)
		return err != nil || st.OpenPositions != 1
	}, 300*time.Millisecond, 10*time.Millisecond)

	got, err := fx.ledger.Get(victim.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusOpen, got.Status)
}
