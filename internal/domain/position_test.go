package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSideSign(t *testing.T) {
	require.Equal(t, 1.0, SideLong.Sign())
	require.Equal(t, -1.0, SideShort.Sign())
	require.True(t, SideLong.Valid())
	require.True(t, SideShort.Valid())
	require.False(t, PositionSide("sideways").Valid())
}

func TestStatusTerminal(t *testing.T) {
	require.False(t, StatusOpen.Terminal())
	require.True(t, StatusClosed.Terminal())
	require.True(t, StatusLiquidated.Terminal())
}

func TestComputeUnrealizedPnL(t *testing.T) {
	cases := []struct {
		name string
		pos  Position
		mark float64
		want float64
	}{
		{
			name: "long gains on rising price",
			pos:  Position{Side: SideLong, EntryPrice: 45000, Quantity: 0.1, Leverage: 2},
			mark: 46000,
			want: 200,
		},
		{
			name: "long loses on falling price",
			pos:  Position{Side: SideLong, EntryPrice: 45000, Quantity: 0.1, Leverage: 2},
			mark: 44000,
			want: -200,
		},
		{
			name: "short gains on falling price",
			pos:  Position{Side: SideShort, EntryPrice: 45000, Quantity: 0.1, Leverage: 2},
			mark: 44000,
			want: 200,
		},
		{
			name: "fees drag the result",
			pos:  Position{Side: SideLong, EntryPrice: 45000, Quantity: 0.1, Leverage: 2, AccumulatedFees: 1.8},
			mark: 45000,
			want: -1.8,
		},
		{
			name: "leverage scales the delta",
			pos:  Position{Side: SideLong, EntryPrice: 45000, Quantity: 0.1, Leverage: 10},
			mark: 45100,
			want: 100,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.InDelta(t, tc.want, tc.pos.ComputeUnrealizedPnL(tc.mark), 1e-9)
		})
	}
}

func TestComputeMarginRatio(t *testing.T) {
	p := Position{Side: SideLong, EntryPrice: 45000, Quantity: 0.1, Leverage: 2, Margin: 2250}
	require.InDelta(t, 9000, p.Notional(), 1e-9)

	// Fully backed at entry with no fees.
	require.InDelta(t, 0.25, p.ComputeMarginRatio(0), 1e-9)
	// Losses eat into the margin.
	require.InDelta(t, (2250-200)/9000.0, p.ComputeMarginRatio(-200), 1e-9)
	// Margin exhausted.
	require.InDelta(t, 0, p.ComputeMarginRatio(-2250), 1e-9)

	// Degenerate notional never divides by zero.
	require.Zero(t, Position{}.ComputeMarginRatio(100))
}

func TestROI(t *testing.T) {
	p := Position{Margin: 2250}
	require.InDelta(t, 8.88888888, p.ROI(200), 1e-6)
	require.InDelta(t, -100, p.ROI(-2250), 1e-9)
	require.Zero(t, Position{}.ROI(100))
}

func TestIsolatedMarginModelLiquidationPrice(t *testing.T) {
	m := NewIsolatedMarginModel(0.005)
	require.InDelta(t, 0.005, m.MaintenanceMarginRate, 1e-12)

	// Negative rates fall back to the default; zero is honored as configured.
	require.InDelta(t, DefaultMaintenanceMarginRate, NewIsolatedMarginModel(-1).MaintenanceMarginRate, 1e-12)
	require.Zero(t, NewIsolatedMarginModel(0).MaintenanceMarginRate)

	long := Position{Side: SideLong, EntryPrice: 45000, Leverage: 2}
	require.InDelta(t, 45000*(1-0.5+0.005), m.LiquidationPrice(long), 1e-6)

	short := Position{Side: SideShort, EntryPrice: 45000, Leverage: 2}
	require.InDelta(t, 45000*(1+0.5-0.005), m.LiquidationPrice(short), 1e-6)

	// High leverage pulls the liquidation price toward entry.
	tight := Position{Side: SideLong, EntryPrice: 45000, Leverage: 100}
	require.InDelta(t, 45000*(1-0.01+0.005), m.LiquidationPrice(tight), 1e-6)

	// Degenerate inputs clamp to zero instead of going negative.
	require.Zero(t, m.LiquidationPrice(Position{Side: SideLong, EntryPrice: 45000}))
}

func TestIsolatedMarginModelCrossed(t *testing.T) {
	m := IsolatedMarginModel{}

	long := Position{Side: SideLong, EntryPrice: 45000, Leverage: 2, LiquidationPrice: 22500}
	require.False(t, m.Crossed(long, 22501))
	require.True(t, m.Crossed(long, 22500))
	require.True(t, m.Crossed(long, 20000))

	short := Position{Side: SideShort, EntryPrice: 45000, Leverage: 2, LiquidationPrice: 67500}
	require.False(t, m.Crossed(short, 67499))
	require.True(t, m.Crossed(short, 67500))
	require.True(t, m.Crossed(short, 70000))

	// Without a precomputed level the model derives it from the position.
	derived := Position{Side: SideLong, EntryPrice: 45000, Leverage: 2}
	require.True(t, m.Crossed(derived, 22500))
	require.False(t, m.Crossed(derived, 22501))
}

func TestPositionJSONRoundTrip(t *testing.T) {
	closedAt := time.Date(2025, 6, 2, 8, 0, 0, 0, time.UTC)
	exit := 46000.0
	realized := 180.5
	p := Position{
		ID:               "pos-1",
		ProfileID:        "btc-main",
		Symbol:           "BTCUSDT",
		Side:             SideShort,
		EntryPrice:       45000,
		Quantity:         0.1,
		Leverage:         3,
		Margin:           1500,
		Status:           StatusLiquidated,
		AccumulatedFees:  3.6,
		MarkPrice:        46000,
		UnrealizedPnL:    -303.6,
		MarginRatio:      0.0886,
		LiquidationPrice: 59850,
		OpenedAt:         time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		ClosedAt:         &closedAt,
		ExitPrice:        &exit,
		RealizedPnL:      &realized,
		CloseReason:      CloseReasonLiquidation,
	}

	data, err := json.Marshal(p)
	require.NoError(t, err)
	var got Position
	require.NoError(t, json.Unmarshal(data, &got))
	require.Equal(t, p, got, "every field and the status must survive a round trip")

	// The optional terminal fields stay absent while a position is open.
	open := Position{ID: "pos-2", Status: StatusOpen, OpenedAt: p.OpenedAt}
	data, err = json.Marshal(open)
	require.NoError(t, err)
	require.NotContains(t, string(data), "closed_at")
	require.NotContains(t, string(data), "exit_price")
	var gotOpen Position
	require.NoError(t, json.Unmarshal(data, &gotOpen))
	require.Equal(t, open, gotOpen)
}
