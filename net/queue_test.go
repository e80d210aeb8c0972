package net

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestQueueFIFO(t *testing.T) {
	q := NewQueue[int]()
	_, ok := q.Pop()
	assert.False(t, ok)

	for i := 0; i < 5; i++ {
		q.Push(i)
	}
	assert.Equal(t, 5, q.Len())

	v, ok := q.Pop()
	assert.True(t, ok)
	assert.Equal(t, 0, v)
	assert.Equal(t, []int{1, 2, 3, 4}, q.Drain(nil))
	assert.Zero(t, q.Len())
}

func TestQueueSignal(t *testing.T) {
	q := NewQueue[string]()
	q.Push("a")
	q.Push("b")

	select {
	case <-q.Signal():
	case <-time.After(time.Second):
		t.Fatal("no signal after push")
	}
	assert.Equal(t, []string{"a", "b"}, q.Drain(nil))
}

func TestQueueConcurrentProducers(t *testing.T) {
	q := NewQueue[int]()
	var wg sync.WaitGroup
	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				q.Push(i)
			}
		}()
	}

	got := 0
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	for {
		select {
		case <-q.Signal():
			got += len(q.Drain(nil))
		case <-done:
			got += len(q.Drain(nil))
			assert.Equal(t, 4000, got)
			return
		}
	}
}
