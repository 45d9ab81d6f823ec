package workpool

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fn func()

func (f fn) Run() { f() }

func TestBlockingFIFOStartOrder(t *testing.T) {
	p := New(Config{Name: "b", Discipline: Blocking, Workers: 1})
	defer p.Shutdown()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	wg.Add(3)

	for i := 0; i < 3; i++ {
		i := i
		require.NoError(t, p.Submit(fn(func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			wg.Done()
		})))
	}
	wg.Wait()
	assert.Equal(t, []int{0, 1, 2}, order)
}

func TestLIFOPopsMostRecent(t *testing.T) {
	// Single worker, but hold it busy while we queue up 3 items so we
	// can observe the LIFO pop order deterministically.
	block := make(chan struct{})
	started := make(chan struct{})
	p := New(Config{Name: "l", Discipline: LIFO, Workers: 1})
	defer p.Shutdown()

	require.NoError(t, p.Submit(fn(func() {
		close(started)
		<-block
	})))
	<-started

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	wg.Add(3)
	for i := 0; i < 3; i++ {
		i := i
		for {
			if p.Len() == i {
				break
			}
			time.Sleep(time.Millisecond)
		}
		require.NoError(t, p.Submit(fn(func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			wg.Done()
		})))
	}
	close(block)
	wg.Wait()
	assert.Equal(t, []int{2, 1, 0}, order)
}

func TestQueueLimitRejects(t *testing.T) {
	block := make(chan struct{})
	started := make(chan struct{})
	p := New(Config{Name: "q", Discipline: Blocking, Workers: 1, QueueLimit: 1})
	defer func() {
		close(block)
		p.Shutdown()
	}()

	require.NoError(t, p.Submit(fn(func() {
		close(started)
		<-block
	})))
	<-started // worker is now busy, queue is empty

	require.NoError(t, p.Submit(fn(func() {}))) // fills the 1-slot queue

	err := p.Submit(fn(func() {}))
	var full *ErrPoolFull
	assert.ErrorAs(t, err, &full)
}

func TestNoSubmitAfterShutdown(t *testing.T) {
	p := New(Config{Name: "s", Discipline: Blocking, Workers: 1})
	p.Shutdown()

	err := p.Submit(fn(func() {}))
	assert.Error(t, err)
}
