package rawstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"tracklink/internal/db"
	"tracklink/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

// stores runs fn against both implementations.
func stores(t *testing.T, fn func(t *testing.T, s Store, clock *fakeClock)) {
	t.Run("memory", func(t *testing.T) {
		clock := newClock()
		fn(t, NewMemStore(WithClock(clock.Now), WithClaimLease(time.Minute)), clock)
	})
	t.Run("gorm", func(t *testing.T) {
		clock := newClock()
		gdb, err := db.Open("sqlite", "file::memory:")
		require.NoError(t, err)
		require.NoError(t, db.Migrate(gdb))
		fn(t, NewGormStore(gdb, WithClock(clock.Now), WithClaimLease(time.Minute)), clock)
	})
}

func TestAppendCreatesPendingRow(t *testing.T) {
	stores(t, func(t *testing.T, s Store, _ *fakeClock) {
		ctx := context.Background()
		id, err := s.Append(ctx, "IMEI:123456789012345,LAT:1,LNG:2", "Unknown TCP", "10.0.0.7")
		require.NoError(t, err)
		require.NotZero(t, id)

		m, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.False(t, m.Processed)
		assert.Nil(t, m.ProcessedAt)
		assert.Nil(t, m.ErrorDetail)
		assert.Nil(t, m.DeviceRef)
		assert.Equal(t, "Unknown TCP", m.ProtocolRef)
		assert.Equal(t, "10.0.0.7", m.SourceAddress)
		assert.Equal(t, models.RawPending, m.State())
	})
}

func TestAppendRejectsEmptyPayload(t *testing.T) {
	stores(t, func(t *testing.T, s Store, _ *fakeClock) {
		_, err := s.Append(context.Background(), "  \n", "Unknown TCP", "10.0.0.7")
		assert.ErrorIs(t, err, ErrEmptyPayload)
	})
}

func TestClaimOldestFirstAndOnlyOnce(t *testing.T) {
	stores(t, func(t *testing.T, s Store, clock *fakeClock) {
		ctx := context.Background()
		first, err := s.Append(ctx, "a", "p", "x")
		require.NoError(t, err)
		clock.Advance(time.Second)
		second, err := s.Append(ctx, "b", "p", "x")
		require.NoError(t, err)

		m1, err := s.ClaimNextUnprocessed(ctx)
		require.NoError(t, err)
		require.NotNil(t, m1)
		assert.Equal(t, first, m1.ID)
		assert.NotEmpty(t, m1.ClaimToken)

		m2, err := s.ClaimNextUnprocessed(ctx)
		require.NoError(t, err)
		require.NotNil(t, m2)
		assert.Equal(t, second, m2.ID)

		m3, err := s.ClaimNextUnprocessed(ctx)
		require.NoError(t, err)
		assert.Nil(t, m3, "both rows are claimed")
	})
}

func TestExpiredClaimIsReclaimed(t *testing.T) {
	stores(t, func(t *testing.T, s Store, clock *fakeClock) {
		ctx := context.Background()
		id, err := s.Append(ctx, "a", "p", "x")
		require.NoError(t, err)

		m, err := s.ClaimNextUnprocessed(ctx)
		require.NoError(t, err)
		require.NotNil(t, m)

		clock.Advance(2 * time.Minute)
		again, err := s.ClaimNextUnprocessed(ctx)
		require.NoError(t, err)
		require.NotNil(t, again)
		assert.Equal(t, id, again.ID)
	})
}

func TestReleaseMakesRowClaimableAgain(t *testing.T) {
	stores(t, func(t *testing.T, s Store, _ *fakeClock) {
		ctx := context.Background()
		id, err := s.Append(ctx, "a", "p", "x")
		require.NoError(t, err)
		_, err = s.ClaimNextUnprocessed(ctx)
		require.NoError(t, err)

		require.NoError(t, s.Release(ctx, id))
		m, err := s.ClaimNextUnprocessed(ctx)
		require.NoError(t, err)
		require.NotNil(t, m)
		assert.Equal(t, id, m.ID)
	})
}

func TestMarkProcessedAndErrorAreTerminal(t *testing.T) {
	stores(t, func(t *testing.T, s Store, _ *fakeClock) {
		ctx := context.Background()
		ok, err := s.Append(ctx, "a", "p", "x")
		require.NoError(t, err)
		bad, err := s.Append(ctx, "b", "p", "x")
		require.NoError(t, err)

		require.NoError(t, s.AssignDevice(ctx, ok, 42))
		require.NoError(t, s.MarkProcessed(ctx, ok))
		require.NoError(t, s.MarkError(ctx, bad, "unresolved device"))

		m, err := s.Get(ctx, ok)
		require.NoError(t, err)
		assert.True(t, m.Processed)
		assert.NotNil(t, m.ProcessedAt)
		assert.Nil(t, m.ErrorDetail)
		require.NotNil(t, m.DeviceRef)
		assert.Equal(t, uint(42), *m.DeviceRef)

		e, err := s.Get(ctx, bad)
		require.NoError(t, err)
		assert.True(t, e.Processed)
		require.NotNil(t, e.ErrorDetail)
		assert.Equal(t, "unresolved device", *e.ErrorDetail)
		assert.Nil(t, e.DeviceRef)

		assert.ErrorIs(t, s.MarkProcessed(ctx, ok), ErrAlreadyProcessed)
		assert.ErrorIs(t, s.MarkError(ctx, ok, "late"), ErrAlreadyProcessed)
		assert.ErrorIs(t, s.AssignDevice(ctx, bad, 7), ErrAlreadyProcessed)
		assert.ErrorIs(t, s.Release(ctx, ok), ErrAlreadyProcessed)
		assert.ErrorIs(t, s.MarkProcessed(ctx, 9999), ErrNotFound)

		next, err := s.ClaimNextUnprocessed(ctx)
		require.NoError(t, err)
		assert.Nil(t, next, "processed rows are never claimed")
	})
}

func TestListAndStats(t *testing.T) {
	stores(t, func(t *testing.T, s Store, clock *fakeClock) {
		ctx := context.Background()
		ids := make([]uint, 0, 3)
		for _, p := range []string{"a", "b", "c"} {
			id, err := s.Append(ctx, p, "p", "x")
			require.NoError(t, err)
			ids = append(ids, id)
			clock.Advance(time.Second)
		}
		require.NoError(t, s.MarkProcessed(ctx, ids[0]))
		require.NoError(t, s.MarkError(ctx, ids[1], "parse: missing LAT"))

		st, err := s.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, models.RawStats{Pending: 1, Processed: 1, Errored: 1}, st)

		errs, err := s.List(ctx, Filter{State: models.RawError})
		require.NoError(t, err)
		require.Len(t, errs, 1)
		assert.Equal(t, ids[1], errs[0].ID)

		all, err := s.List(ctx, Filter{Limit: 2})
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, ids[0], all[0].ID)

		_, err = s.List(ctx, Filter{State: "bogus"})
		assert.Error(t, err)
	})
}

func TestConcurrentClaimsNeverShareARow(t *testing.T) {
	stores(t, func(t *testing.T, s Store, _ *fakeClock) {
		ctx := context.Background()
		const n = 20
		for i := 0; i < n; i++ {
			_, err := s.Append(ctx, "payload", "p", "x")
			require.NoError(t, err)
		}

		var (
			mu   sync.Mutex
			seen = map[uint]int{}
			wg   sync.WaitGroup
		)
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					m, err := s.ClaimNextUnprocessed(ctx)
					if err != nil || m == nil {
						return
					}
					mu.Lock()
					seen[m.ID]++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Len(t, seen, n)
		for id, c := range seen {
			assert.Equal(t, 1, c, "row %d claimed more than once", id)
		}
	})
}
