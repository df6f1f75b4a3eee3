package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/nikshitha/site-login-automation/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *Database {
	t.Helper()
	db, err := NewDatabase(filepath.Join(t.TempDir(), "nested", "attempts.db"), logger.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRecordAndListAttempts(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	start := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)

	first := &Attempt{Site: "asana", Attempt: 1, Outcome: "timeout", Elapsed: 30 * time.Second, StartedAt: start}
	second := &Attempt{
		Site:      "asana",
		Attempt:   2,
		Outcome:   "success",
		FinalURL:  "https://app.asana.com/0/home/1",
		Matched:   `url glob "https://app.asana.com/0/**"`,
		Elapsed:   4200 * time.Millisecond,
		StartedAt: start.Add(time.Minute),
	}
	require.NoError(t, db.RecordAttempt(ctx, first))
	require.NoError(t, db.RecordAttempt(ctx, second))
	require.NoError(t, db.RecordAttempt(ctx, &Attempt{Site: "logz", Outcome: "failure", Reason: "LoginRejected", StartedAt: start}))

	assert.NotEmpty(t, first.ID, "ids are assigned on insert")

	attempts, err := db.RecentAttempts(ctx, "asana", 10)
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.Equal(t, "success", attempts[0].Outcome, "newest first")
	assert.Equal(t, second.FinalURL, attempts[0].FinalURL)
	assert.Equal(t, 4200*time.Millisecond, attempts[0].Elapsed)
	assert.True(t, attempts[0].StartedAt.Equal(second.StartedAt))

	all, err := db.RecentAttempts(ctx, "", 10)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestSiteStatsCountsOutcomes(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	day := time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC)

	for _, outcome := range []string{"success", "success", "failure", "timeout"} {
		require.NoError(t, db.RecordAttempt(ctx, &Attempt{Site: "servicenow", Outcome: outcome, StartedAt: day}))
	}
	require.NoError(t, db.RecordAttempt(ctx, &Attempt{Site: "servicenow", Outcome: "failure", StartedAt: day.AddDate(0, 0, 1)}))

	stats, err := db.SiteStats(ctx, "servicenow", 7)
	require.NoError(t, err)
	require.Len(t, stats, 2)

	assert.Equal(t, "2026-03-05", stats[0].Date)
	assert.Equal(t, 1, stats[0].Failures)

	assert.Equal(t, "2026-03-04", stats[1].Date)
	assert.Equal(t, 2, stats[1].Successes)
	assert.Equal(t, 1, stats[1].Failures)
	assert.Equal(t, 1, stats[1].Timeouts)
}

func TestRecordAttemptRejectsUnknownOutcome(t *testing.T) {
	db := openTestDB(t)
	err := db.RecordAttempt(context.Background(), &Attempt{Site: "asana", Outcome: "maybe"})
	assert.Error(t, err)

	attempts, err := db.RecentAttempts(context.Background(), "asana", 10)
	require.NoError(t, err)
	assert.Empty(t, attempts)
}
