package dispatcher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPlanCoversRangeWithoutOverlap(t *testing.T) {
	t.Parallel()

	start := time.Date(2005, 5, 23, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 11, 7, 0, 0, 0, 0, time.UTC)
	window := 365 * 24 * time.Hour

	parts, err := Plan(start, end, window)
	require.NoError(t, err)
	require.Len(t, parts, 20)
	require.Equal(t, start, parts[0].Start)
	require.Equal(t, end, parts[len(parts)-1].End)
	for i, p := range parts {
		require.Equal(t, i, p.Index)
		require.True(t, p.End.After(p.Start))
		require.LessOrEqual(t, p.End.Sub(p.Start), window)
		if i > 0 {
			require.Equal(t, parts[i-1].End, p.Start, "windows are contiguous")
		}
	}
}

func TestPlanClipsLastWindow(t *testing.T) {
	t.Parallel()

	start := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	parts, err := Plan(start, start.Add(50*time.Hour), 24*time.Hour)
	require.NoError(t, err)
	require.Len(t, parts, 3)
	require.Equal(t, 2*time.Hour, parts[2].End.Sub(parts[2].Start))
}

func TestPlanRejectsInvalidInput(t *testing.T) {
	t.Parallel()

	start := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err := Plan(start, start.AddDate(1, 0, 0), 0)
	require.ErrorIs(t, err, ErrInvalidWindow)
	_, err = Plan(start, start, time.Hour)
	require.ErrorIs(t, err, ErrInvalidRange)
	_, err = Plan(start, start.Add(-time.Hour), time.Hour)
	require.ErrorIs(t, err, ErrInvalidRange)
}
