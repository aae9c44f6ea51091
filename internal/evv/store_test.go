package evv

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neighborhood-lab/care-commons-sub016/internal/compliance"
	"github.com/neighborhood-lab/care-commons-sub016/internal/geoverify"
	"github.com/neighborhood-lab/care-commons-sub016/internal/testutil"
)

func seedStoreRecord(id, visitID, org, state string, status RecordStatus, createdAt time.Time) *EVVRecord {
	return &EVVRecord{
		ID:              id,
		VisitID:         visitID,
		OrganizationID:  org,
		ClientID:        "client-1",
		CaregiverID:     "cg-1",
		StateCode:       state,
		ServiceTypeCode: "T1019",
		MedicaidID:      "M1",
		Level:           compliance.LevelFull,
		Flags:           []compliance.Flag{compliance.FlagCompliant},
		Status:          status,
		CreatedAt:       createdAt,
		UpdatedAt:       createdAt,
	}
}

func runStoreTests(t *testing.T, store Store) {
	ctx := context.Background()
	base := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)

	for i, spec := range []struct {
		id, visit, org, state string
		status                RecordStatus
	}{
		{"evv_a", "v-a", "org-1", "TX", StatusPending},
		{"evv_b", "v-b", "org-1", "TX", StatusComplete},
		{"evv_c", "v-c", "org-1", "FL", StatusSubmitted},
		{"evv_d", "v-d", "org-2", "TX", StatusComplete},
	} {
		rec := seedStoreRecord(spec.id, spec.visit, spec.org, spec.state, spec.status, base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, store.CreateRecord(ctx, rec))
	}

	t.Run("get by id and visit", func(t *testing.T) {
		rec, err := store.GetRecord(ctx, "evv_a")
		require.NoError(t, err)
		assert.Equal(t, "v-a", rec.VisitID)

		rec, err = store.GetRecordByVisit(ctx, "v-b")
		require.NoError(t, err)
		assert.Equal(t, "evv_b", rec.ID)

		_, err = store.GetRecord(ctx, "evv_ghost")
		assert.ErrorIs(t, err, ErrRecordNotFound)
	})

	t.Run("list filters", func(t *testing.T) {
		recs, err := store.ListRecords(ctx, RecordQuery{OrganizationID: "org-1", Limit: 10})
		require.NoError(t, err)
		assert.Len(t, recs, 3)

		recs, err = store.ListRecords(ctx, RecordQuery{OrganizationID: "org-1", StateCode: "FL", Limit: 10})
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.Equal(t, "evv_c", recs[0].ID)

		recs, err = store.ListRecords(ctx, RecordQuery{Status: StatusComplete, Limit: 10})
		require.NoError(t, err)
		assert.Len(t, recs, 2)
	})

	t.Run("list pagination", func(t *testing.T) {
		first, err := store.ListRecords(ctx, RecordQuery{OrganizationID: "org-1", Limit: 2})
		require.NoError(t, err)
		require.Len(t, first, 2)

		rest, err := store.ListRecords(ctx, RecordQuery{
			OrganizationID: "org-1", Limit: 2, Cursor: first[1].ID,
		})
		require.NoError(t, err)
		require.Len(t, rest, 1)
		assert.NotEqual(t, first[0].ID, rest[0].ID)
		assert.NotEqual(t, first[1].ID, rest[0].ID)
	})

	t.Run("update round trip", func(t *testing.T) {
		rec, err := store.GetRecord(ctx, "evv_b")
		require.NoError(t, err)

		now := base.Add(time.Hour)
		rec.ClockIn = &Leg{
			Timestamp: now,
			Location: geoverify.Sample{
				Latitude:  geoverify.Coord(30.1),
				Longitude: geoverify.Coord(-97.7),
				AccuracyM: 9,
			},
			Device:    compliance.DeviceInfo{DeviceID: "d1", Model: "m", OSVersion: "1", AppVersion: "2"},
		}
		rec.Status = StatusRetryScheduled
		rec.SubmissionAttempts = 2
		rec.LastErrorCode = "SERVER_ERROR"
		rec.NextAttemptAt = &now
		rec.UpdatedAt = now
		require.NoError(t, store.UpdateRecord(ctx, rec))

		got, err := store.GetRecord(ctx, "evv_b")
		require.NoError(t, err)
		assert.Equal(t, StatusRetryScheduled, got.Status)
		assert.Equal(t, 2, got.SubmissionAttempts)
		require.NotNil(t, got.ClockIn)
		assert.Equal(t, "d1", got.ClockIn.Device.DeviceID)
		require.NotNil(t, got.NextAttemptAt)
		assert.True(t, now.Equal(*got.NextAttemptAt))
	})

	t.Run("due for submission", func(t *testing.T) {
		now := base.Add(2 * time.Hour)
		rec, err := store.GetRecord(ctx, "evv_d")
		require.NoError(t, err)
		due := now.Add(-time.Minute)
		rec.NextAttemptAt = &due
		require.NoError(t, store.UpdateRecord(ctx, rec))

		got, err := store.ListDueForSubmission(ctx, now, 10)
		require.NoError(t, err)
		require.Len(t, got, 2, "evv_b (retry due) and evv_d (complete due)")

		got, err = store.ListDueForSubmission(ctx, base, 10)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("time entries", func(t *testing.T) {
		entry := &TimeEntry{
			ID: "te_1", VisitID: "v-a", RecordID: "evv_a", CaregiverID: "cg-1",
			ClockInAt: base, Status: TimeEntryActive,
			CreatedAt: base, UpdatedAt: base,
		}
		require.NoError(t, store.CreateTimeEntry(ctx, entry))

		got, err := store.GetTimeEntryByVisit(ctx, "v-a")
		require.NoError(t, err)
		assert.Equal(t, "te_1", got.ID)

		out := base.Add(time.Hour)
		got.ClockOutAt = &out
		got.Status = TimeEntryCompleted
		got.UpdatedAt = out
		require.NoError(t, store.UpdateTimeEntry(ctx, got))

		got, err = store.GetTimeEntry(ctx, "te_1")
		require.NoError(t, err)
		assert.Equal(t, TimeEntryCompleted, got.Status)
		require.NotNil(t, got.ClockOutAt)

		_, err = store.GetTimeEntry(ctx, "te_ghost")
		assert.ErrorIs(t, err, ErrTimeEntryNotFound)
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreTests(t, NewMemoryStore())
}

func TestPostgresStore(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	runStoreTests(t, NewPostgresStore(db))
}
