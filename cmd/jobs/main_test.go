package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunDateIngestIsToday(t *testing.T) {
	now := time.Date(2026, 3, 10, 14, 30, 0, 0, time.UTC)

	date, err := runDate("ingest", "", now)
	require.NoError(t, err)
	// Ingest collects pings stamped at collection time; yesterday's date
	// would make every live ping fail the same-day filter.
	assert.Equal(t, time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC), date)
}

func TestRunDateCompletedDayJobsAreYesterday(t *testing.T) {
	now := time.Date(2026, 3, 10, 14, 30, 0, 0, time.UTC)

	for _, job := range []string{"segment", "classify"} {
		date, err := runDate(job, "", now)
		require.NoError(t, err)
		assert.Equal(t, time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC), date, job)
	}
}

func TestRunDateOverrideWins(t *testing.T) {
	now := time.Date(2026, 3, 10, 14, 30, 0, 0, time.UTC)

	for _, job := range []string{"ingest", "segment"} {
		date, err := runDate(job, "2026-02-27", now)
		require.NoError(t, err)
		assert.Equal(t, time.Date(2026, 2, 27, 0, 0, 0, 0, time.UTC), date, job)
	}

	_, err := runDate("ingest", "bogus", now)
	assert.Error(t, err)
}
