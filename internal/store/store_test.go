package store_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"analysis-engine/internal/models"
	"analysis-engine/internal/store"
	"analysis-engine/internal/store/storetest"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newJob(id string, runAt time.Time, dedupe string) models.Job {
	j := models.Job{
		ID:          id,
		OwnerRef:    "owner",
		SubjectRef:  "/src/" + id,
		MaxAttempts: 3,
		RunAt:       runAt,
		CreatedAt:   runAt,
		UpdatedAt:   runAt,
	}
	if dedupe != "" {
		j.DedupeKey = &dedupe
	}
	return j
}

func TestCreateAndGetJob(t *testing.T) {
	storetest.ForEachDialect(t, func(t *testing.T, st *store.Store) {
		ctx := context.Background()

		require.NoError(t, st.CreateJob(ctx, newJob("a", t0, "repo-1")))

		got, err := st.GetJob(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, models.StatusPending, got.Status)
		assert.Equal(t, 0, got.Attempts)
		assert.Equal(t, t0, got.RunAt)
		require.NotNil(t, got.DedupeKey)
		assert.Equal(t, "repo-1", *got.DedupeKey)
		assert.Nil(t, got.LeaseOwner)

		_, err = st.GetJob(ctx, "missing")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}

func TestCreateJobActiveDedupeConflict(t *testing.T) {
	storetest.ForEachDialect(t, func(t *testing.T, st *store.Store) {
		ctx := context.Background()

		require.NoError(t, st.CreateJob(ctx, newJob("a", t0, "k")))
		assert.ErrorIs(t, st.CreateJob(ctx, newJob("b", t0, "k")), store.ErrConflict)

		// Jobs without a key never conflict.
		require.NoError(t, st.CreateJob(ctx, newJob("c", t0, "")))
		require.NoError(t, st.CreateJob(ctx, newJob("d", t0, "")))

		ok, err := st.Cancel(ctx, "a", t0)
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, st.CreateJob(ctx, newJob("e", t0, "k")))
	})
}

func TestClaimNextOrdersByRunAtThenID(t *testing.T) {
	storetest.ForEachDialect(t, func(t *testing.T, st *store.Store) {
		ctx := context.Background()

		require.NoError(t, st.CreateJob(ctx, newJob("b", t0, "")))
		require.NoError(t, st.CreateJob(ctx, newJob("a", t0, "")))
		require.NoError(t, st.CreateJob(ctx, newJob("early", t0.Add(-time.Minute), "")))
		require.NoError(t, st.CreateJob(ctx, newJob("future", t0.Add(time.Hour), "")))

		var order []string
		for {
			job, ok, err := st.ClaimNext(ctx, "w1", t0, t0.Add(time.Minute))
			require.NoError(t, err)
			if !ok {
				break
			}
			assert.Equal(t, models.StatusClaimed, job.Status)
			assert.Equal(t, 1, job.Attempts)
			require.NotNil(t, job.LeaseOwner)
			assert.Equal(t, "w1", *job.LeaseOwner)
			require.NotNil(t, job.LeaseUntil)
			assert.Equal(t, t0.Add(time.Minute), *job.LeaseUntil)
			order = append(order, job.ID)
		}
		assert.Equal(t, []string{"early", "a", "b"}, order)
	})
}

func TestProgressAndLogs(t *testing.T) {
	storetest.ForEachDialect(t, func(t *testing.T, st *store.Store) {
		ctx := context.Background()
		require.NoError(t, st.CreateJob(ctx, newJob("a", t0, "")))
		_, ok, err := st.ClaimNext(ctx, "w1", t0, t0.Add(time.Minute))
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = st.UpdateProgress(ctx, "a", "w1", store.Progress{Step: 3, Total: 6, Message: "order", LogText: "3/6 order"}, t0)
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = st.UpdateProgress(ctx, "a", "w1", store.Progress{Step: 2, Total: 6, Message: "relate", LogText: "2/6 relate"}, t0)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = st.UpdateProgress(ctx, "a", "intruder", store.Progress{Step: 6, Total: 6, LogText: "nope"}, t0)
		require.NoError(t, err)
		assert.False(t, ok)

		job, err := st.GetJob(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, 3, job.CurrentStep, "step never regresses")
		assert.Equal(t, "relate", job.ProgressMessage)

		logs, err := st.ListLogs(ctx, "a", 0, 0)
		require.NoError(t, err)
		require.Len(t, logs, 2)
		assert.Equal(t, int64(1), logs[0].Sequence)
		assert.Equal(t, int64(2), logs[1].Sequence)

		tail, err := st.ListLogs(ctx, "a", 1, 10)
		require.NoError(t, err)
		require.Len(t, tail, 1)
		assert.Equal(t, "2/6 relate", tail[0].Text)
	})
}

func TestCompleteStoresDocuments(t *testing.T) {
	storetest.ForEachDialect(t, func(t *testing.T, st *store.Store) {
		ctx := context.Background()
		require.NoError(t, st.CreateJob(ctx, newJob("a", t0, "")))
		_, _, err := st.ClaimNext(ctx, "w1", t0, t0.Add(time.Minute))
		require.NoError(t, err)
		_, err = st.UpdateProgress(ctx, "a", "w1", store.Progress{Step: 4, Total: 6, LogText: "4/6"}, t0)
		require.NoError(t, err)

		docs := []models.OutputDocument{
			{Kind: "chapter", Index: 2, Title: "Two", Content: "b", SizeBytes: 1},
			{Kind: "chapter", Index: 10, Title: "Ten", Content: "c", SizeBytes: 1},
			{Kind: "review", Index: 1, Title: "Review", Content: "r", SizeBytes: 1},
		}
		ok, err := st.Complete(ctx, "a", "other", models.JobResult{}, docs, t0)
		require.NoError(t, err)
		assert.False(t, ok, "non-owner cannot complete")

		ok, err = st.Complete(ctx, "a", "w1", models.JobResult{DocumentCount: 3}, docs, t0)
		require.NoError(t, err)
		require.True(t, ok)

		job, err := st.GetJob(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, models.StatusCompleted, job.Status)
		assert.Equal(t, 6, job.CurrentStep)
		assert.Nil(t, job.LeaseOwner)
		assert.Nil(t, job.LeaseUntil)
		require.NotNil(t, job.Result)
		assert.Equal(t, 3, job.Result.DocumentCount)

		got, err := st.ListDocuments(ctx, "a")
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, 10, got[1].Index)
		assert.Equal(t, "a", got[2].JobID)
	})
}

func TestReclaimExpired(t *testing.T) {
	storetest.ForEachDialect(t, func(t *testing.T, st *store.Store) {
		ctx := context.Background()

		retryable := newJob("retryable", t0, "")
		exhausted := newJob("exhausted", t0, "")
		exhausted.MaxAttempts = 1
		require.NoError(t, st.CreateJob(ctx, retryable))
		require.NoError(t, st.CreateJob(ctx, exhausted))
		for i := 0; i < 2; i++ {
			_, ok, err := st.ClaimNext(ctx, "w1", t0, t0.Add(time.Minute))
			require.NoError(t, err)
			require.True(t, ok)
		}

		requeued, dead, err := st.ReclaimExpired(ctx, t0.Add(30*time.Second))
		require.NoError(t, err)
		assert.Empty(t, requeued)
		assert.Empty(t, dead)

		requeued, dead, err = st.ReclaimExpired(ctx, t0.Add(2*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, []string{"retryable"}, requeued)
		assert.Equal(t, []string{"exhausted"}, dead)

		job, err := st.GetJob(ctx, "exhausted")
		require.NoError(t, err)
		assert.Equal(t, models.StatusDead, job.Status)
		require.NotNil(t, job.ErrorMessage)

		counts, err := st.CountByStatus(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), counts[models.StatusPending])
		assert.Equal(t, int64(1), counts[models.StatusDead])
	})
}

func TestClaimNextConcurrentClaimersShareNothing(t *testing.T) {
	storetest.ForEachDialect(t, func(t *testing.T, st *store.Store) {
		ctx := context.Background()
		const jobs, workers = 5, 8
		for i := 0; i < jobs; i++ {
			require.NoError(t, st.CreateJob(ctx, newJob(fmt.Sprintf("job-%d", i), t0, "")))
		}

		var (
			mu      sync.Mutex
			claimed = make(map[string]string)
			wg      sync.WaitGroup
		)
		for w := 0; w < workers; w++ {
			owner := fmt.Sprintf("w%d", w)
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					job, ok, err := st.ClaimNext(ctx, owner, t0, t0.Add(time.Minute))
					if err != nil {
						t.Errorf("claim: %v", err)
						return
					}
					if !ok {
						return
					}
					mu.Lock()
					if prev, dup := claimed[job.ID]; dup {
						t.Errorf("%s claimed by %s and %s", job.ID, prev, owner)
					}
					claimed[job.ID] = owner
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Len(t, claimed, jobs)
		counts, err := st.CountByStatus(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(jobs), counts[models.StatusClaimed])
	})
}
