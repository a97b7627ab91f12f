package agent

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// countingRunner tracks the peak number of concurrent calls per
// conversation.
type countingRunner struct {
	mu      sync.Mutex
	active  map[string]int
	peak    map[string]int
	overall atomic.Int32
	maxAll  atomic.Int32
}

func (c *countingRunner) Run(_ context.Context, id, prompt string) (*Result, error) {
	c.mu.Lock()
	c.active[id]++
	if c.active[id] > c.peak[id] {
		c.peak[id] = c.active[id]
	}
	c.mu.Unlock()

	n := c.overall.Add(1)
	for {
		m := c.maxAll.Load()
		if n <= m || c.maxAll.CompareAndSwap(m, n) {
			break
		}
	}
	time.Sleep(20 * time.Millisecond)
	c.overall.Add(-1)

	c.mu.Lock()
	c.active[id]--
	c.mu.Unlock()
	return &Result{ConversationID: id, Text: prompt}, nil
}

func TestSerialized(t *testing.T) {
	inner := &countingRunner{active: map[string]int{}, peak: map[string]int{}}
	s := NewSerialized(inner)

	var wg sync.WaitGroup
	for i := range 8 {
		id := "a"
		if i%2 == 1 {
			id = "b"
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Run(context.Background(), id, "x"); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	if inner.peak["a"] != 1 || inner.peak["b"] != 1 {
		t.Errorf("per-conversation peak = a:%d b:%d, want 1", inner.peak["a"], inner.peak["b"])
	}
	if inner.maxAll.Load() < 2 {
		t.Errorf("distinct conversations should overlap, peak overall = %d", inner.maxAll.Load())
	}
	if len(s.locks) != 0 {
		t.Errorf("lock table leaked %d entries", len(s.locks))
	}
}
