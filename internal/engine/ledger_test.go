package engine

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/yxzhao/perpbot/internal/domain"
)

func newTestLedger(t *testing.T, cfg LedgerConfig, mmr float64) (*Ledger, *fakeClock) {
	t.Helper()
	clock := newFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	l := NewLedger(cfg, nil, domain.NewIsolatedMarginModel(mmr), clock, testLogger())
	return l, clock
}

func TestLedgerOpenValidation(t *testing.T) {
	l, _ := newTestLedger(t, LedgerConfig{MaxLeverage: 20}, 0.005)
	ctx := context.Background()

	cases := []struct {
		name     string
		side     domain.PositionSide
		entry    float64
		qty      float64
		leverage float64
		margin   float64
	}{
		{"invalid side", "sideways", 45000, 0.1, 2, 2250},
		{"zero entry price", domain.SideLong, 0, 0.1, 2, 2250},
		{"negative quantity", domain.SideLong, 45000, -1, 2, 2250},
		{"zero leverage", domain.SideLong, 45000, 0.1, 0, 2250},
		{"leverage above cap", domain.SideLong, 45000, 0.1, 25, 2250},
		{"zero margin", domain.SideLong, 45000, 0.1, 2, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := l.Open(ctx, "p1", "BTCUSDT", tc.side, tc.entry, tc.qty, tc.leverage, tc.margin)
			require.ErrorIs(t, err, domain.ErrInvalidParameters)
		})
	}
	require.Zero(t, l.OpenCount())
}

func TestLedgerOpenComputesDerivedFields(t *testing.T) {
	l, clock := newTestLedger(t, LedgerConfig{MaxLeverage: 100, TakerFeeRate: 0.0004}, 0.005)
	ctx := context.Background()

	p, err := l.Open(ctx, "p1", "BTCUSDT", domain.SideLong, 45000, 0.1, 2, 2250)
	require.NoError(t, err)

	require.NotEmpty(t, p.ID)
	require.Equal(t, domain.StatusOpen, p.Status)
	require.Equal(t, clock.Now(), p.OpenedAt)
	// Entry fee: 45000 * 0.1 * 0.0004
	require.InDelta(t, 1.8, p.AccumulatedFees, 1e-9)
	// Liquidation price: 45000 * (1 - 1/2 + 0.005)
	require.InDelta(t, 22725, p.LiquidationPrice, 1e-6)
	// Unrealized PnL at entry is just the fee drag.
	require.InDelta(t, -1.8, p.UnrealizedPnL, 1e-9)
	require.InDelta(t, (2250-1.8)/9000, p.MarginRatio, 1e-9)

	got, err := l.Get(p.ID)
	require.NoError(t, err)
	require.Equal(t, p.ID, got.ID)
	require.Equal(t, 1, l.OpenCount())
	require.Equal(t, []string{"BTCUSDT"}, l.OpenSymbols())
}

func TestLedgerCloseRealizesPnLNetOfFees(t *testing.T) {
	l, _ := newTestLedger(t, LedgerConfig{MaxLeverage: 100, TakerFeeRate: 0.0004}, 0.005)
	ctx := context.Background()

	p, err := l.Open(ctx, "p1", "BTCUSDT", domain.SideLong, 45000, 0.1, 2, 2250)
	require.NoError(t, err)

	realized, err := l.Close(ctx, p.ID, 46000, domain.CloseReasonManual)
	require.NoError(t, err)
	// Gross: (46000-45000)*0.1*2 = 200; fees: 1.8 entry + 1.84 exit.
	require.InDelta(t, 200-1.8-1.84, realized, 1e-9)

	got, err := l.Get(p.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusClosed, got.Status)
	require.Equal(t, domain.CloseReasonManual, got.CloseReason)
	require.NotNil(t, got.ClosedAt)
	require.NotNil(t, got.ExitPrice)
	require.InDelta(t, 46000, *got.ExitPrice, 1e-9)
	require.Zero(t, l.OpenCount())
	require.Empty(t, l.OpenSymbols())
}

func TestLedgerCloseErrors(t *testing.T) {
	l, _ := newTestLedger(t, LedgerConfig{}, 0.005)
	ctx := context.Background()

	_, err := l.Close(ctx, "missing", 100, domain.CloseReasonManual)
	require.ErrorIs(t, err, domain.ErrNotFound)

	p, err := l.Open(ctx, "p1", "BTCUSDT", domain.SideShort, 45000, 0.1, 2, 2250)
	require.NoError(t, err)
	_, err = l.Close(ctx, p.ID, 44000, domain.CloseReasonManual)
	require.NoError(t, err)

	// Terminal positions are immutable.
	_, err = l.Close(ctx, p.ID, 43000, domain.CloseReasonManual)
	require.ErrorIs(t, err, domain.ErrNotOpen)
}

func TestLedgerApplyTickRevalues(t *testing.T) {
	l, _ := newTestLedger(t, LedgerConfig{}, 0.005)
	ctx := context.Background()

	p, err := l.Open(ctx, "p1", "BTCUSDT", domain.SideLong, 45000, 0.1, 2, 2250)
	require.NoError(t, err)

	updates := l.ApplyTick(ctx, domain.Quote{Symbol: "BTCUSDT", Price: 44000})
	require.Len(t, updates, 1)
	u := updates[0]
	require.Equal(t, p.ID, u.Position.ID)
	require.False(t, u.Liquidated)
	require.InDelta(t, 44000, u.Position.MarkPrice, 1e-9)
	// (44000-45000)*0.1*2 = -200
	require.InDelta(t, -200, u.Position.UnrealizedPnL, 1e-9)
	require.InDelta(t, (2250-200)/9000.0, u.Position.MarginRatio, 1e-9)

	// Ticks on other symbols touch nothing.
	require.Empty(t, l.ApplyTick(ctx, domain.Quote{Symbol: "ETHUSDT", Price: 2000}))
}

func TestLedgerApplyTickLiquidates(t *testing.T) {
	// Zero maintenance margin keeps the liquidation arithmetic exact:
	// long at 45000 with 2x liquidates at 22500.
	clock := newFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	l := NewLedger(LedgerConfig{}, nil, domain.IsolatedMarginModel{}, clock, testLogger())
	ctx := context.Background()

	p, err := l.Open(ctx, "p1", "BTCUSDT", domain.SideLong, 45000, 0.1, 2, 2250)
	require.NoError(t, err)
	require.InDelta(t, 22500, p.LiquidationPrice, 1e-6)

	// Above the liquidation price: still open.
	updates := l.ApplyTick(ctx, domain.Quote{Symbol: "BTCUSDT", Price: 22501})
	require.Len(t, updates, 1)
	require.False(t, updates[0].Liquidated)

	// At or below: liquidated exactly once, atomically with the tick.
	updates = l.ApplyTick(ctx, domain.Quote{Symbol: "BTCUSDT", Price: 22000})
	require.Len(t, updates, 1)
	require.True(t, updates[0].Liquidated)
	require.Equal(t, domain.StatusLiquidated, updates[0].Position.Status)
	require.Equal(t, domain.CloseReasonLiquidation, updates[0].Position.CloseReason)
	require.Zero(t, l.OpenCount())

	// The terminal position no longer receives ticks.
	require.Empty(t, l.ApplyTick(ctx, domain.Quote{Symbol: "BTCUSDT", Price: 21000}))

	got, err := l.Get(p.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusLiquidated, got.Status)
}

func TestLedgerShortLiquidatesOnRisingPrice(t *testing.T) {
	clock := newFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	l := NewLedger(LedgerConfig{}, nil, domain.IsolatedMarginModel{}, clock, testLogger())
	ctx := context.Background()

	p, err := l.Open(ctx, "p1", "BTCUSDT", domain.SideShort, 45000, 0.1, 2, 2250)
	require.NoError(t, err)
	// short at 45000 with 2x liquidates at 67500
	require.InDelta(t, 67500, p.LiquidationPrice, 1e-6)

	updates := l.ApplyTick(ctx, domain.Quote{Symbol: "BTCUSDT", Price: 68000})
	require.Len(t, updates, 1)
	require.True(t, updates[0].Liquidated)
}

func TestLedgerListOpenAndSnapshot(t *testing.T) {
	l, clock := newTestLedger(t, LedgerConfig{}, 0.005)
	ctx := context.Background()

	first, err := l.Open(ctx, "p1", "BTCUSDT", domain.SideLong, 45000, 0.1, 2, 2250)
	require.NoError(t, err)
	clock.Advance(time.Second)
	second, err := l.Open(ctx, "p1", "ETHUSDT", domain.SideShort, 2000, 1, 3, 700)
	require.NoError(t, err)
	_, err = l.Open(ctx, "p2", "BTCUSDT", domain.SideLong, 45000, 0.2, 2, 4500)
	require.NoError(t, err)

	open := l.ListOpen("p1")
	require.Len(t, open, 2)
	require.Equal(t, first.ID, open[0].ID, "oldest first")
	require.Equal(t, second.ID, open[1].ID)

	_, err = l.Close(ctx, first.ID, 46000, domain.CloseReasonManual)
	require.NoError(t, err)

	require.Len(t, l.ListOpen("p1"), 1)
	require.Len(t, l.Snapshot("p1"), 2, "snapshot includes terminal positions")
	require.Equal(t, 2, l.OpenCount())
	require.ElementsMatch(t, []string{"BTCUSDT", "ETHUSDT"}, l.OpenSymbols())
}

func TestLedgerFundingAccruesOnIntervalBoundary(t *testing.T) {
	l, clock := newTestLedger(t, LedgerConfig{}, 0.005)
	ctx := context.Background()

	// Opened at 12:00 UTC; the next funding boundary is 16:00.
	p, err := l.Open(ctx, "p1", "BTCUSDT", domain.SideLong, 45000, 0.1, 2, 2250)
	require.NoError(t, err)
	require.Zero(t, p.AccumulatedFees)

	// Ticks before the boundary accrue nothing.
	clock.Advance(3 * time.Hour)
	updates := l.ApplyTick(ctx, domain.Quote{Symbol: "BTCUSDT", Price: 45000, FundingRate: 0.0001})
	require.Len(t, updates, 1)
	require.Zero(t, updates[0].Position.AccumulatedFees)

	// Crossing 16:00 charges one interval: rate * price * qty * leverage. The
	// payment drags unrealized PnL like any other fee.
	clock.Advance(2 * time.Hour)
	updates = l.ApplyTick(ctx, domain.Quote{Symbol: "BTCUSDT", Price: 45000, FundingRate: 0.0001})
	require.Len(t, updates, 1)
	require.InDelta(t, 0.0001*45000*0.1*2, updates[0].Position.AccumulatedFees, 1e-9)
	require.InDelta(t, -0.9, updates[0].Position.UnrealizedPnL, 1e-9)

	// Another tick inside the same interval charges nothing more.
	clock.Advance(time.Hour)
	updates = l.ApplyTick(ctx, domain.Quote{Symbol: "BTCUSDT", Price: 45000, FundingRate: 0.0001})
	require.Len(t, updates, 1)
	require.InDelta(t, 0.9, updates[0].Position.AccumulatedFees, 1e-9)
}

func TestLedgerFundingShortReceivesPositiveRate(t *testing.T) {
	l, clock := newTestLedger(t, LedgerConfig{}, 0.005)
	ctx := context.Background()

	_, err := l.Open(ctx, "p1", "BTCUSDT", domain.SideShort, 45000, 0.1, 2, 2250)
	require.NoError(t, err)

	clock.Advance(5 * time.Hour)
	updates := l.ApplyTick(ctx, domain.Quote{Symbol: "BTCUSDT", Price: 45000, FundingRate: 0.0001})
	require.Len(t, updates, 1)
	require.InDelta(t, -0.9, updates[0].Position.AccumulatedFees, 1e-9)
}

func TestLedgerFundingChargesEachMissedInterval(t *testing.T) {
	l, clock := newTestLedger(t, LedgerConfig{}, 0.005)
	ctx := context.Background()

	_, err := l.Open(ctx, "p1", "BTCUSDT", domain.SideLong, 45000, 0.1, 2, 2250)
	require.NoError(t, err)

	// 12:00 to 08:00 the next day crosses 16:00, 00:00, and 08:00.
	clock.Advance(20 * time.Hour)
	updates := l.ApplyTick(ctx, domain.Quote{Symbol: "BTCUSDT", Price: 45000, FundingRate: 0.0001})
	require.Len(t, updates, 1)
	require.InDelta(t, 3*0.9, updates[0].Position.AccumulatedFees, 1e-9)
}

// Randomized tick/close/liquidate sequences: every position leaves OPEN at
// most once and stays frozen afterwards, regardless of interleaving.
func TestLedgerRandomSequencePreservesMonotonicity(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	l, _ := newTestLedger(t, LedgerConfig{TakerFeeRate: 0.0004}, 0.005)
	ctx := context.Background()

	transitions := make(map[string]int)
	frozen := make(map[string]domain.Position)
	var ids []string

	for i := 0; i < 2000; i++ {
		switch r := rng.Intn(100); {
		case r < 15:
			side := domain.SideLong
			if rng.Intn(2) == 1 {
				side = domain.SideShort
			}
			p, err := l.Open(ctx, "p1", "BTCUSDT", side,
				30000+rng.Float64()*30000, 0.01+rng.Float64(),
				1+float64(rng.Intn(20)), 500+rng.Float64()*5000)
			require.NoError(t, err)
			ids = append(ids, p.ID)

		case r < 30 && len(ids) > 0:
			id := ids[rng.Intn(len(ids))]
			_, closeErr := l.Close(ctx, id, 20000+rng.Float64()*50000, domain.CloseReasonManual)
			if _, terminal := frozen[id]; terminal {
				require.ErrorIs(t, closeErr, domain.ErrNotOpen)
			} else {
				require.NoError(t, closeErr)
				transitions[id]++
			}

		default:
			price := 15000 + rng.Float64()*60000
			for _, u := range l.ApplyTick(ctx, domain.Quote{Symbol: "BTCUSDT", Price: price}) {
				_, terminal := frozen[u.Position.ID]
				require.False(t, terminal, "terminal position revalued by a tick")
				if u.Liquidated {
					transitions[u.Position.ID]++
				}
			}
		}

		for _, id := range ids {
			got, err := l.Get(id)
			require.NoError(t, err)
			if prev, ok := frozen[id]; ok {
				require.Equal(t, prev, got, "terminal position mutated")
			} else if got.Status.Terminal() {
				frozen[id] = got
			}
		}
	}

	for id, n := range transitions {
		require.Equal(t, 1, n, "position %s transitioned %d times", id, n)
	}
	require.Equal(t, len(frozen), len(transitions))
}
