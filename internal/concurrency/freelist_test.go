package concurrency

import (
	"context"
	"testing"
	"time"

	"github.com/momentics/hioload-capture/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFreeList_RejectsZeroCapacity(t *testing.T) {
	_, err := NewFreeList(0, true)
	assert.ErrorIs(t, err, api.ErrInvalidConfig)
}

func TestFreeList_FIFO(t *testing.T) {
	l, err := NewFreeList(4, true)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, dropped, err := l.PushCompleted(i)
		require.NoError(t, err)
		assert.False(t, dropped)
	}
	assert.Equal(t, []int{0, 1, 2}, l.Snapshot())

	for want := 0; want < 3; want++ {
		got, err := l.PopBlocking(context.Background())
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, ok := l.TryPop()
	assert.False(t, ok)
}

func TestFreeList_DropsOldest(t *testing.T) {
	for _, n := range []int{8, 9, 10, 30} {
		l, err := NewFreeList(8, true)
		require.NoError(t, err)

		var evicted []int
		for i := 0; i < n; i++ {
			e, dropped, err := l.PushCompleted(i)
			require.NoError(t, err)
			if dropped {
				evicted = append(evicted, e)
			}
		}
		assert.Len(t, evicted, n-8, "n=%d", n)
		assert.EqualValues(t, n-8, l.Dropped())
		assert.Equal(t, 8, l.Len())
		for i, e := range evicted {
			assert.Equal(t, i, e, "oldest index is evicted first")
		}
		snap := l.Snapshot()
		assert.Equal(t, n-8, snap[0])
		assert.Equal(t, n-1, snap[len(snap)-1])
	}
}

func TestFreeList_PopBlocksUntilPush(t *testing.T) {
	l, err := NewFreeList(2, true)
	require.NoError(t, err)

	got := make(chan int, 1)
	go func() {
		idx, err := l.PopBlocking(context.Background())
		if err == nil {
			got <- idx
		}
	}()

	select {
	case <-got:
		t.Fatal("pop returned from an empty backlog")
	case <-time.After(20 * time.Millisecond):
	}
	_, _, err = l.PushCompleted(7)
	require.NoError(t, err)
	select {
	case idx := <-got:
		assert.Equal(t, 7, idx)
	case <-time.After(time.Second):
		t.Fatal("pop not woken by push")
	}
}

func TestFreeList_PopHonorsContext(t *testing.T) {
	l, err := NewFreeList(2, true)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = l.PopBlocking(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFreeList_CloseWakesWaiters(t *testing.T) {
	l, err := NewFreeList(1, false)
	require.NoError(t, err)

	popErr := make(chan error, 1)
	go func() {
		_, err := l.PopBlocking(context.Background())
		popErr <- err
	}()
	time.Sleep(10 * time.Millisecond)
	l.Close()
	assert.ErrorIs(t, <-popErr, api.ErrFreeListClosed)

	_, _, err = l.PushCompleted(1)
	assert.ErrorIs(t, err, api.ErrFreeListClosed)
}

func TestFreeList_NoDropBlocksPush(t *testing.T) {
	l, err := NewFreeList(1, false)
	require.NoError(t, err)
	_, _, err = l.PushCompleted(1)
	require.NoError(t, err)

	pushed := make(chan error, 1)
	go func() {
		_, dropped, err := l.PushCompleted(2)
		assert.False(t, dropped)
		pushed <- err
	}()

	select {
	case <-pushed:
		t.Fatal("push returned with a full backlog and dropping disabled")
	case <-time.After(20 * time.Millisecond):
	}

	idx, err := l.PopBlocking(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, idx)
	require.NoError(t, <-pushed)
	assert.Equal(t, []int{2}, l.Snapshot())
	assert.Zero(t, l.Dropped())
}

func TestFreeList_CloseUnblocksPush(t *testing.T) {
	l, err := NewFreeList(1, false)
	require.NoError(t, err)
	_, _, err = l.PushCompleted(1)
	require.NoError(t, err)

	pushed := make(chan error, 1)
	go func() {
		_, _, err := l.PushCompleted(2)
		pushed <- err
	}()
	time.Sleep(10 * time.Millisecond)
	l.Close()
	assert.ErrorIs(t, <-pushed, api.ErrFreeListClosed)
	assert.Equal(t, []int{1}, l.Drain(), "queued indices survive close")
	assert.Zero(t, l.Len())
}

func BenchmarkFreeList_PushPop(b *testing.B) {
	l, err := NewFreeList(8, true)
	require.NoError(b, err)
	ctx := context.Background()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, _, err := l.PushCompleted(i & 15); err != nil {
			b.Fatal(err)
		}
		if _, err := l.PopBlocking(ctx); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkFreeList_DropOldest(b *testing.B) {
	l, err := NewFreeList(8, true)
	require.NoError(b, err)
	for i := 0; i < 8; i++ {
		_, _, _ = l.PushCompleted(i)
	}
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, _, err := l.PushCompleted(i & 15); err != nil {
			b.Fatal(err)
		}
	}
}
