package cancat_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gavinwade12/cancat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMailbox(t *testing.T) {
	ctx := context.Background()
	now := time.Now()

	t.Run("KeepsOrderPerCategory", func(t *testing.T) {
		m := cancat.NewMailbox()
		for i := 0; i < 5; i++ {
			assert.Equal(t, i, m.Append(1, now, []byte{byte(i)}))
		}
		m.Append(2, now, []byte{0xff})

		assert.Equal(t, 5, m.Count(1))
		assert.Equal(t, []int{1, 2}, m.Categories())
		for i := 0; i < 5; i++ {
			msg, err := m.TakeOne(ctx, 1, time.Millisecond)
			require.NoError(t, err)
			assert.Equal(t, []byte{byte(i)}, msg.Payload)
		}
		assert.Equal(t, 1, m.Count(2))
	})

	t.Run("TakeOneTimesOut", func(t *testing.T) {
		m := cancat.NewMailbox()
		start := time.Now()
		_, err := m.TakeOne(ctx, 1, time.Millisecond*20)
		assert.ErrorIs(t, err, cancat.ErrTimeout)
		assert.True(t, time.Since(start) >= time.Millisecond*20)
	})

	t.Run("TakeOneWakesOnAppend", func(t *testing.T) {
		m := cancat.NewMailbox()
		go func() {
			time.Sleep(time.Millisecond * 10)
			m.Append(3, now, []byte("late"))
		}()
		msg, err := m.TakeOne(ctx, 3, time.Second)
		require.NoError(t, err)
		assert.Equal(t, []byte("late"), msg.Payload)
	})

	t.Run("TakeOneHonorsContext", func(t *testing.T) {
		m := cancat.NewMailbox()
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := m.TakeOne(cctx, 1, time.Second)
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("WaitFor", func(t *testing.T) {
		m := cancat.NewMailbox()
		m.Append(1, now, nil)
		assert.True(t, m.WaitFor(ctx, 1, 0, time.Millisecond))
		assert.False(t, m.WaitFor(ctx, 1, 1, time.Millisecond*10))

		go func() {
			time.Sleep(time.Millisecond * 10)
			m.Append(1, now, nil)
		}()
		assert.True(t, m.WaitFor(ctx, 1, 1, time.Second))
	})

	t.Run("Slice", func(t *testing.T) {
		m := cancat.NewMailbox()
		for i := 0; i < 4; i++ {
			m.Append(1, now, []byte{byte(i)})
		}
		msgs := m.Slice(1, 1, 3)
		require.Len(t, msgs, 2)
		assert.Equal(t, []byte{1}, msgs[0].Payload)
		assert.Len(t, m.Slice(1, 2, -1), 2)
		assert.Len(t, m.Slice(1, 0, 100), 4)
		assert.Empty(t, m.Slice(1, 3, 1))
		assert.Equal(t, 4, m.Count(1))
	})

	t.Run("DrainAll", func(t *testing.T) {
		m := cancat.NewMailbox()
		m.Append(1, now, []byte{1})
		m.Append(1, now, []byte{2})
		assert.Len(t, m.DrainAll(1), 2)
		assert.Zero(t, m.Count(1))
	})

	t.Run("SnapshotAndRestore", func(t *testing.T) {
		m := cancat.NewMailbox()
		m.Append(1, now, []byte{1})
		snap := m.Snapshot()
		m.Append(1, now, []byte{2})
		assert.Len(t, snap[1], 1)

		other := cancat.NewMailbox()
		other.Restore(snap)
		assert.Equal(t, 1, other.Count(1))
		assert.Equal(t, 2, m.Count(1))
	})

	t.Run("ConcurrentProducers", func(t *testing.T) {
		m := cancat.NewMailbox()
		const producers, each = 8, 200

		var wg sync.WaitGroup
		for p := 0; p < producers; p++ {
			wg.Add(1)
			go func(p int) {
				defer wg.Done()
				for i := 0; i < each; i++ {
					m.Append(1, now, []byte{byte(p), byte(i >> 8), byte(i)})
				}
			}(p)
		}
		wg.Wait()

		msgs := m.DrainAll(1)
		require.Len(t, msgs, producers*each)
		next := make([]int, producers)
		for _, msg := range msgs {
			p, i := int(msg.Payload[0]), int(msg.Payload[1])<<8|int(msg.Payload[2])
			assert.Equal(t, next[p], i, "producer %d out of order", p)
			next[p] = i + 1
		}
		assert.Equal(t, 0, m.Count(1))
	})

	t.Run("FailReleasesWaiters", func(t *testing.T) {
		m := cancat.NewMailbox()
		failure := errors.New("gone")

		var wg sync.WaitGroup
		errs := make([]error, 3)
		for i := range errs {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, errs[i] = m.TakeOne(ctx, i, time.Second*5)
			}(i)
		}
		time.Sleep(time.Millisecond * 10)
		m.Fail(failure)
		assert.ErrorIs(t, m.Err(), failure)
		wg.Wait()
		for _, err := range errs {
			assert.ErrorIs(t, err, failure)
		}
		assert.False(t, m.WaitFor(ctx, 1, 0, time.Second))

		m.Fail(nil)
		assert.NoError(t, m.Err())
		m.Append(1, now, nil)
		_, err := m.TakeOne(ctx, 1, time.Millisecond)
		assert.NoError(t, err)
	})
}
