package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFIFO_PreservesOrder(t *testing.T) {
	q := New[int]()
	for i := 0; i < 100; i++ {
		require.True(t, q.Push(i))
	}
	require.Equal(t, 100, q.Len())

	for i := 0; i < 100; i++ {
		v, err := q.Pop(context.Background(), time.Second)
		require.NoError(t, err)
		assert.Equal(t, i, v)
	}
	assert.Equal(t, 0, q.Len())
}

func TestFIFO_PopTimesOutWhenEmpty(t *testing.T) {
	q := New[string]()
	start := time.Now()
	_, err := q.Pop(context.Background(), 30*time.Millisecond)
	assert.ErrorIs(t, err, ErrEmpty)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestFIFO_PopWakesOnPush(t *testing.T) {
	q := New[string]()
	go func() {
		time.Sleep(20 * time.Millisecond)
		q.Push("hello")
	}()
	v, err := q.Pop(context.Background(), 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "hello", v)
}

func TestFIFO_CloseDrainsBeforeReportingClosed(t *testing.T) {
	q := New[int]()
	q.Push(1)
	q.Push(2)
	q.Close()

	assert.False(t, q.Push(3), "push after close must be rejected")

	v, err := q.Pop(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	v, err = q.Pop(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	_, err = q.Pop(context.Background(), time.Second)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestFIFO_CloseWakesAllWaiters(t *testing.T) {
	q := New[int]()
	var wg sync.WaitGroup
	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := q.Pop(context.Background(), 0)
			errs <- err
		}()
	}
	time.Sleep(20 * time.Millisecond)
	q.Close()
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.ErrorIs(t, err, ErrClosed)
	}
}

func TestFIFO_PopHonorsContext(t *testing.T) {
	q := New[int]()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := q.Pop(ctx, 0)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFIFO_TryPop(t *testing.T) {
	q := New[int]()
	_, ok := q.TryPop()
	assert.False(t, ok)
	q.Push(7)
	v, ok := q.TryPop()
	assert.True(t, ok)
	assert.Equal(t, 7, v)
}
