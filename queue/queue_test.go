package queue

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandoffQueue_FIFO(t *testing.T) {
	q := New[int]()
	require.True(t, q.Empty())

	for i := 0; i < 100; i++ {
		q.Push(i)
	}
	assert.Equal(t, 100, q.Len())

	for i := 0; i < 100; i++ {
		got, ok := q.Pop()
		require.True(t, ok)
		assert.Equal(t, i, got)
	}
	assert.True(t, q.Empty())
}

func TestHandoffQueue_PopEmpty(t *testing.T) {
	q := New[*int]()

	got, ok := q.Pop()
	assert.False(t, ok)
	assert.Nil(t, got)
}

func TestHandoffQueue_InterleavedPushPop(t *testing.T) {
	q := New[int]()
	next := 0
	want := 0

	for round := 0; round < 50; round++ {
		for i := 0; i < 7; i++ {
			q.Push(next)
			next++
		}
		for i := 0; i < 5; i++ {
			got, ok := q.Pop()
			require.True(t, ok)
			require.Equal(t, want, got)
			want++
		}
	}

	for !q.Empty() {
		got, ok := q.Pop()
		require.True(t, ok)
		require.Equal(t, want, got)
		want++
	}
	assert.Equal(t, next, want)
}

func TestHandoffQueue_PerProducerOrder(t *testing.T) {
	const producers = 4
	const perProducer = 1000

	type item struct{ producer, seq int }
	q := New[item]()

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.Push(item{p, i})
			}
		}(p)
	}

	last := make([]int, producers)
	for i := range last {
		last[i] = -1
	}

	received := 0
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	for received < producers*perProducer {
		if q.Empty() {
			select {
			case <-done:
			default:
			}
			continue
		}
		it, ok := q.Pop()
		if !ok {
			continue
		}
		require.Greater(t, it.seq, last[it.producer], "producer %d out of order", it.producer)
		last[it.producer] = it.seq
		received++
	}
	<-done
	assert.True(t, q.Empty())
}
