package bucket

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFor_Boundaries(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	ageDays := func(days float64) time.Time {
		return now.Add(-time.Duration(days * 24 * float64(time.Hour)))
	}

	require.Equal(t, Less1Day, For(ageDays(23.0/24.0), now))
	require.Equal(t, Day1Week1, For(ageDays(6.99), now))
	require.Equal(t, Week1Month1, For(ageDays(7.0), now))
	require.Equal(t, Week1Month1, For(ageDays(7.01), now))
	require.Equal(t, Week1Month1, For(ageDays(8), now))
	require.Equal(t, Month1Month3, For(ageDays(30), now))
	require.Equal(t, Month3Month6, For(ageDays(90), now))
	require.Equal(t, Month6Year1, For(ageDays(180), now))
	require.Equal(t, Year1Year3, For(ageDays(365), now))
	require.Equal(t, Year3More, For(ageDays(1095), now))
	require.Equal(t, Year3More, For(ageDays(4000), now))
}

func TestMissingAndRemaining(t *testing.T) {
	t.Parallel()

	targets := Targets{Less1Day: 3, Day1Week1: 2, Year3More: 1}
	counts := map[string]int{Less1Day: 1, Day1Week1: 5}

	missing := Missing(targets, counts)
	require.Equal(t, 2, missing[Less1Day])
	require.Equal(t, 0, missing[Day1Week1])
	require.Equal(t, 1, missing[Year3More])
	require.Equal(t, 3, Remaining(targets, counts))
}

func TestPublishedAfter_FavorsOldestBucketInNeed(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	targets := Targets{Less1Day: 2, Week1Month1: 2, Year1Year3: 2}

	// Year1Year3 still needs records: cursor reaches back 1095 days.
	cursor := PublishedAfter(targets, map[string]int{}, now)
	require.Equal(t, now.Add(-1095*24*time.Hour), cursor)

	// Oldest gap filled: cursor tightens to the next oldest in need.
	counts := map[string]int{Year1Year3: 2}
	cursor = PublishedAfter(targets, counts, now)
	require.Equal(t, now.Add(-30*24*time.Hour), cursor)

	// Everything filled: fall back to the oldest configured bucket.
	counts = map[string]int{Less1Day: 2, Week1Month1: 2, Year1Year3: 2}
	cursor = PublishedAfter(targets, counts, now)
	require.Equal(t, now.Add(-1095*24*time.Hour), cursor)
}

func TestTargetsValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, Targets{Less1Day: 1}.Validate())
	require.Error(t, Targets{"2day-4day": 1}.Validate())
	require.Equal(t, 6, Targets{Less1Day: 1, Day1Week1: 5}.Total())
}
