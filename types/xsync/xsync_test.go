package xsync

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLatch(t *testing.T) {
	l := NewLatch()
	assert.False(t, l.Test())
	go func() {
		time.Sleep(time.Millisecond)
		l.Trigger()
		l.Trigger() // second trigger is a no-op
	}()
	l.Wait()
	assert.True(t, l.Test())
}

func TestLatchWithValueSingleProducerManyWaiters(t *testing.T) {
	l := NewLatchWithValue[int]()
	const waiters = 16
	var wg sync.WaitGroup
	results := make([]int, waiters)
	for i := range waiters {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = l.Wait()
		}()
	}
	l.Trigger(42)
	l.Trigger(43) // discarded
	wg.Wait()
	for _, r := range results {
		assert.Equal(t, 42, r)
	}
}

func TestPool(t *testing.T) {
	created := 0
	p := NewPool(func() *[]byte {
		created++
		b := make([]byte, 8)
		return &b
	})
	v := p.Get()
	assert.Equal(t, 1, created)
	p.Put(v)
	p.Get()
	assert.LessOrEqual(t, created, 2)
}

func TestSyncMap(t *testing.T) {
	var m SyncMap[string, int]
	_, ok := m.Load("a")
	assert.False(t, ok)
	m.Store("a", 1)
	v, ok := m.Load("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)
	actual, loaded := m.LoadOrStore("a", 2)
	assert.True(t, loaded)
	assert.Equal(t, 1, actual)
	m.Delete("a")
	_, ok = m.Load("a")
	assert.False(t, ok)
}
