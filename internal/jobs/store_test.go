package jobs

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type storeFactory func(t *testing.T, clock *fakeClock) Store

func storeFactories(t *testing.T) map[string]storeFactory {
	factories := map[string]storeFactory{
		"memory": func(t *testing.T, clock *fakeClock) Store {
			return NewMemoryStore(WithClock(clock.Now))
		},
		"sqlite": func(t *testing.T, clock *fakeClock) Store {
			s, err := NewSQLiteStore(":memory:", WithClock(clock.Now))
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
	if url := os.Getenv("TEST_REDIS_URL"); url != "" {
		factories["redis"] = func(t *testing.T, clock *fakeClock) Store {
			opt, err := redis.ParseURL(url)
			require.NoError(t, err)
			rdb := redis.NewClient(opt)
			require.NoError(t, rdb.FlushDB(context.Background()).Err())
			s := NewRedisStore(rdb, WithClock(clock.Now))
			t.Cleanup(func() { s.Close() })
			return s
		}
	}
	return factories
}

func forEachStore(t *testing.T, fn func(t *testing.T, s Store, clock *fakeClock)) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			clock := newFakeClock()
			fn(t, factory(t, clock), clock)
		})
	}
}

func TestStoreCreateAndGet(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store, clock *fakeClock) {
		ctx := context.Background()
		job, err := s.Create(ctx, ToolMergePDF, 3, 5*time.Minute)
		require.NoError(t, err)

		assert.NotEmpty(t, job.ID)
		assert.Equal(t, StatusQueued, job.Status)
		assert.Equal(t, 3, job.TotalUnits)
		assert.True(t, job.ExpiresAt.Equal(clock.Now().Add(5*time.Minute)))

		got, err := s.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, job.ID, got.ID)
		assert.Equal(t, ToolMergePDF, got.Tool)
		assert.True(t, got.CreatedAt.Equal(job.CreatedAt))
	})
}

func TestStoreGetUnknown(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store, clock *fakeClock) {
		_, err := s.Get(context.Background(), "missing")
		assert.True(t, errors.Is(err, ErrNotFound))
	})
}

func TestStoreStatusTransitions(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store, clock *fakeClock) {
		ctx := context.Background()
		job, err := s.Create(ctx, ToolSplitPDF, 2, time.Minute)
		require.NoError(t, err)

		_, err = s.UpdateStatus(ctx, job.ID, StatusCompleted)
		assert.True(t, errors.Is(err, ErrInvalidState), "queued -> completed must be rejected")

		updated, err := s.UpdateStatus(ctx, job.ID, StatusProcessing)
		require.NoError(t, err)
		assert.Equal(t, StatusProcessing, updated.Status)

		_, err = s.UpdateStatus(ctx, job.ID, StatusProcessing)
		assert.True(t, errors.Is(err, ErrInvalidState))

		_, err = s.UpdateStatus(ctx, job.ID, StatusExpired)
		assert.True(t, errors.Is(err, ErrInvalidState), "processing jobs are never expired")

		done, err := s.UpdateStatus(ctx, job.ID, StatusCompleted, WithOutput(&Output{
			Ref:      "out/split.zip",
			Metadata: &SplitMeta{Ranges: []PageRange{{Start: 1, End: 2}}},
		}))
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, done.Status)
		assert.Equal(t, 2, done.ProcessedUnits)

		got, err := s.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, "out/split.zip", got.OutputRef)
		meta, ok := got.Metadata.(*SplitMeta)
		require.True(t, ok, "metadata type %T", got.Metadata)
		assert.Equal(t, []PageRange{{Start: 1, End: 2}}, meta.Ranges)
	})
}

func TestStoreTerminalIsSticky(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store, clock *fakeClock) {
		ctx := context.Background()
		job, err := s.Create(ctx, ToolCompressPDF, 4, time.Minute)
		require.NoError(t, err)
		_, err = s.UpdateStatus(ctx, job.ID, StatusProcessing)
		require.NoError(t, err)
		_, err = s.UpdateStatus(ctx, job.ID, StatusFailed, WithError("PROCESSING_FAILED", "boom"))
		require.NoError(t, err)

		before, err := s.Get(ctx, job.ID)
		require.NoError(t, err)

		clock.Advance(time.Second)
		after, err := s.UpdateStatus(ctx, job.ID, StatusCompleted)
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, after.Status)

		require.NoError(t, s.UpdateProgress(ctx, job.ID, 3))
		_, err = s.UpdateStatus(ctx, job.ID, StatusExpired)
		require.NoError(t, err)

		got, err := s.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, got.Status)
		assert.Equal(t, before.ProcessedUnits, got.ProcessedUnits)
		assert.True(t, before.UpdatedAt.Equal(got.UpdatedAt))
		require.NotNil(t, got.Error)
		assert.Equal(t, "boom", got.Error.Message)
	})
}

func TestStoreProgressIsMonotonicAndClamped(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store, clock *fakeClock) {
		ctx := context.Background()
		job, err := s.Create(ctx, ToolPDFToImages, 10, time.Minute)
		require.NoError(t, err)
		_, err = s.UpdateStatus(ctx, job.ID, StatusProcessing)
		require.NoError(t, err)

		require.NoError(t, s.UpdateProgress(ctx, job.ID, 4))
		require.NoError(t, s.UpdateProgress(ctx, job.ID, 2))
		got, err := s.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, 4, got.ProcessedUnits)

		require.NoError(t, s.UpdateProgress(ctx, job.ID, 25))
		got, err = s.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, 10, got.ProcessedUnits)
		assert.Equal(t, 100, got.Percent())
	})
}

func TestStoreUpdateInputOnlyWhileQueued(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store, clock *fakeClock) {
		ctx := context.Background()
		job, err := s.Create(ctx, ToolMergePDF, 0, time.Minute)
		require.NoError(t, err)

		require.NoError(t, s.UpdateInput(ctx, job.ID, Input{
			Ref:        "in",
			TotalUnits: 2,
			Metadata:   &MergeMeta{Files: []SourceFile{{Name: "a.pdf"}, {Name: "b.pdf"}}, TotalPages: 5},
		}))
		got, err := s.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, got.TotalUnits)
		assert.Equal(t, "in", got.InputRef)
		meta, ok := got.Metadata.(*MergeMeta)
		require.True(t, ok)
		assert.Equal(t, 5, meta.TotalPages)

		_, err = s.UpdateStatus(ctx, job.ID, StatusProcessing)
		require.NoError(t, err)
		err = s.UpdateInput(ctx, job.ID, Input{Ref: "other"})
		assert.True(t, errors.Is(err, ErrInvalidState))
	})
}

func TestStoreListFilters(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store, clock *fakeClock) {
		ctx := context.Background()
		short, err := s.Create(ctx, ToolMergePDF, 1, time.Minute)
		require.NoError(t, err)
		clock.Advance(time.Second)
		long, err := s.Create(ctx, ToolPDFToImages, 1, time.Hour)
		require.NoError(t, err)
		_, err = s.UpdateStatus(ctx, long.ID, StatusProcessing)
		require.NoError(t, err)

		all, err := s.List(ctx, Filter{})
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, long.ID, all[0].ID, "newest first")

		expired, err := s.List(ctx, Filter{ExpiredAsOf: clock.Now().Add(2 * time.Minute)})
		require.NoError(t, err)
		require.Len(t, expired, 1)
		assert.Equal(t, short.ID, expired[0].ID)

		processing, err := s.List(ctx, Filter{Statuses: []Status{StatusProcessing}})
		require.NoError(t, err)
		require.Len(t, processing, 1)
		assert.Equal(t, long.ID, processing[0].ID)

		byTool, err := s.List(ctx, Filter{Tool: ToolMergePDF})
		require.NoError(t, err)
		require.Len(t, byTool, 1)

		page, err := s.List(ctx, Filter{Limit: 1, Offset: 1})
		require.NoError(t, err)
		require.Len(t, page, 1)
		assert.Equal(t, short.ID, page[0].ID)

		n, err := s.Count(ctx, Filter{Statuses: []Status{StatusQueued}})
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})
}

func TestStoreDeleteIsIdempotent(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store, clock *fakeClock) {
		ctx := context.Background()
		job, err := s.Create(ctx, ToolSplitPDF, 1, time.Minute)
		require.NoError(t, err)

		require.NoError(t, s.Delete(ctx, job.ID))
		require.NoError(t, s.Delete(ctx, job.ID))

		_, err = s.Get(ctx, job.ID)
		assert.True(t, errors.Is(err, ErrNotFound))
		jobs, err := s.List(ctx, Filter{ExpiredAsOf: clock.Now().Add(time.Hour)})
		require.NoError(t, err)
		assert.Empty(t, jobs)
	})
}

func TestStoreNegativeTTLIsAlreadyExpired(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store, clock *fakeClock) {
		ctx := context.Background()
		job, err := s.Create(ctx, ToolPDFToImages, 1, -time.Second)
		require.NoError(t, err)
		assert.True(t, job.IsExpired(clock.Now()))

		expired, err := s.List(ctx, Filter{ExpiredAsOf: clock.Now()})
		require.NoError(t, err)
		require.Len(t, expired, 1)
	})
}
