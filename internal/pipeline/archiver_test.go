package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNextCronTimeDaily(t *testing.T) {
	after := time.Date(2025, 6, 1, 12, 30, 45, 0, time.UTC)

	next, err := nextCronTime("0 3 * * *", after)
	require.NoError(t, err)
	require.Equal(t, time.Date(2025, 6, 2, 3, 0, 0, 0, time.UTC), next)

	// Just before the trigger minute lands on the same day.
	next, err = nextCronTime("0 3 * * *", time.Date(2025, 6, 1, 2, 59, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Equal(t, time.Date(2025, 6, 1, 3, 0, 0, 0, time.UTC), next)

	// Exactly on the trigger minute rolls to the next occurrence.
	next, err = nextCronTime("0 3 * * *", time.Date(2025, 6, 1, 3, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Equal(t, time.Date(2025, 6, 2, 3, 0, 0, 0, time.UTC), next)
}

func TestNextCronTimeFieldLists(t *testing.T) {
	after := time.Date(2025, 6, 1, 10, 20, 0, 0, time.UTC)

	// Twice an hour.
	next, err := nextCronTime("0,30 * * * *", after)
	require.NoError(t, err)
	require.Equal(t, time.Date(2025, 6, 1, 10, 30, 0, 0, time.UTC), next)

	// Monthly on the 15th.
	next, err = nextCronTime("0 0 15 * *", after)
	require.NoError(t, err)
	require.Equal(t, time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC), next)

	// Weekly on Sunday (2025-06-01 is a Sunday, already past 03:00).
	next, err = nextCronTime("0 3 * * 0", time.Date(2025, 6, 1, 4, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Equal(t, time.Date(2025, 6, 8, 3, 0, 0, 0, time.UTC), next)
}

func TestParseCronRejectsMalformedExpressions(t *testing.T) {
	cases := []string{
		"",
		"0 3 * *",
		"0 3 * * * *",
		"x 3 * * *",
		"0 3 * * mon",
	}
	for _, expr := range cases {
		_, err := parseCron(expr)
		require.Error(t, err, "expression %q", expr)
	}
}
