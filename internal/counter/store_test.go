package counter

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storeFactory builds a fresh Store driven by the given clock.
type storeFactory func(t *testing.T, clock clockwork.Clock) Store

var epoch = time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC)

func runStoreSuite(t *testing.T, newStore storeFactory) {
	t.Run("counts only the window", func(t *testing.T) {
		clock := clockwork.NewFakeClockAt(epoch)
		s := newStore(t, clock)
		ctx := context.Background()

		for _, offset := range []time.Duration{-90 * time.Second, -60 * time.Second, -30 * time.Second, 0} {
			require.NoError(t, s.Record(ctx, "k", epoch.Add(offset)))
		}

		st, err := s.Stats(ctx, "k", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, 3, st.Count, "window is inclusive of now-window")
		assert.True(t, st.Oldest.Equal(epoch.Add(-60*time.Second)))
		assert.True(t, st.Newest.Equal(epoch))

		st, err = s.Stats(ctx, "k", 10*time.Second)
		require.NoError(t, err)
		assert.Equal(t, 1, st.Count)
	})

	t.Run("keys are isolated", func(t *testing.T) {
		clock := clockwork.NewFakeClockAt(epoch)
		s := newStore(t, clock)
		ctx := context.Background()

		for i := 0; i < 4; i++ {
			require.NoError(t, s.Record(ctx, "a", epoch.Add(-time.Duration(i)*time.Second)))
		}
		for i := 0; i < 50; i++ {
			require.NoError(t, s.Record(ctx, fmt.Sprintf("noise-%d", i), epoch))
			require.NoError(t, s.Record(ctx, "b", epoch))
		}

		st, err := s.Stats(ctx, "a", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, 4, st.Count)

		st, err = s.Stats(ctx, "missing", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, 0, st.Count)
		assert.True(t, st.Oldest.IsZero())
	})

	t.Run("future occurrences are not counted", func(t *testing.T) {
		clock := clockwork.NewFakeClockAt(epoch)
		s := newStore(t, clock)
		ctx := context.Background()

		require.NoError(t, s.Record(ctx, "k", epoch.Add(time.Second)))
		st, err := s.Stats(ctx, "k", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, 0, st.Count)

		clock.Advance(time.Second)
		st, err = s.Stats(ctx, "k", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, 1, st.Count)
	})

	t.Run("admit stops at the limit and reopens after the window", func(t *testing.T) {
		clock := clockwork.NewFakeClockAt(epoch)
		s := newStore(t, clock)
		ctx := context.Background()
		window := time.Minute

		for i := 0; i < 3; i++ {
			st, ok, err := s.Admit(ctx, "k", window, 3)
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, i, st.Count)
			clock.Advance(time.Second)
		}

		st, ok, err := s.Admit(ctx, "k", window, 3)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, 3, st.Count)
		assert.True(t, st.Oldest.Equal(epoch))

		clock.Advance(window - 3*time.Second + time.Millisecond)
		_, ok, err = s.Admit(ctx, "k", window, 3)
		require.NoError(t, err)
		assert.True(t, ok, "first occurrence left the window")
	})

	t.Run("sweep keeps the longest window in use", func(t *testing.T) {
		clock := clockwork.NewFakeClockAt(epoch)
		s := newStore(t, clock)
		ctx := context.Background()

		_, err := s.Stats(ctx, "k", 2*time.Hour)
		require.NoError(t, err)

		require.NoError(t, s.Record(ctx, "k", epoch.Add(-3*time.Hour)))
		require.NoError(t, s.Record(ctx, "k", epoch.Add(-90*time.Minute)))
		require.NoError(t, s.Record(ctx, "k", epoch))

		removed, err := s.Sweep(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, removed)

		st, err := s.Stats(ctx, "k", 2*time.Hour)
		require.NoError(t, err)
		assert.Equal(t, 2, st.Count)
	})

	t.Run("reset", func(t *testing.T) {
		clock := clockwork.NewFakeClockAt(epoch)
		s := newStore(t, clock)
		ctx := context.Background()

		require.NoError(t, s.Record(ctx, "k", epoch))
		require.NoError(t, s.Reset(ctx, "k"))
		st, err := s.Stats(ctx, "k", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, 0, st.Count)
	})

	t.Run("concurrent admits never exceed the limit", func(t *testing.T) {
		clock := clockwork.NewFakeClockAt(epoch)
		s := newStore(t, clock)
		ctx := context.Background()

		const limit = 10
		var wg sync.WaitGroup
		var mu sync.Mutex
		admitted := 0
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, ok, err := s.Admit(ctx, "shared", time.Minute, limit)
				assert.NoError(t, err)
				if ok {
					mu.Lock()
					admitted++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, limit, admitted)
		st, err := s.Stats(ctx, "shared", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, limit, st.Count)
	})
}
