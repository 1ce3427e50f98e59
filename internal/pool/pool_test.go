package pool

import (
	"sync"
	"testing"
)

func TestPoolTakeEmpty(t *testing.T) {
	p := New[string, int](0, nil)
	if v, ok := p.Take("a"); ok {
		t.Errorf("Take() = %d, true; want miss", v)
	}
	if s := p.Stats(); s.Misses != 1 {
		t.Errorf("Misses = %d, want 1", s.Misses)
	}
}

func TestPoolPutTake(t *testing.T) {
	p := New[string, int](0, nil)
	p.Put("a", 1)
	p.Put("a", 2)
	p.Put("b", 3)

	if got := p.Len(); got != 3 {
		t.Fatalf("Len() = %d, want 3", got)
	}

	// Most recently returned object comes back first.
	if v, ok := p.Take("a"); !ok || v != 2 {
		t.Errorf("Take(a) = %d, %v; want 2, true", v, ok)
	}
	if v, ok := p.Take("a"); !ok || v != 1 {
		t.Errorf("Take(a) = %d, %v; want 1, true", v, ok)
	}
	if _, ok := p.Take("a"); ok {
		t.Error("Take(a) on empty key succeeded")
	}
	if got := p.Len(); got != 1 {
		t.Errorf("Len() = %d, want 1", got)
	}
}

func TestPoolEviction(t *testing.T) {
	var released []int
	p := New[int, int](4, func(v int) { released = append(released, v) })

	for i := 0; i < 5; i++ {
		p.Put(i%2, i)
	}

	// 5 > 4 evicts down to 3 entries, oldest first.
	if got := p.Len(); got != 3 {
		t.Fatalf("Len() = %d, want 3", got)
	}
	if len(released) != 2 || released[0] != 0 || released[1] != 1 {
		t.Errorf("released = %v, want [0 1]", released)
	}
	if s := p.Stats(); s.Evictions != 2 || s.Capacity != 4 {
		t.Errorf("Stats() = %+v, want 2 evictions, capacity 4", s)
	}
}

func TestPoolDrain(t *testing.T) {
	count := 0
	p := New[string, int](0, func(int) { count++ })
	p.Put("a", 1)
	p.Put("b", 2)
	p.Drain()

	if count != 2 {
		t.Errorf("released %d objects, want 2", count)
	}
	if p.Len() != 0 {
		t.Errorf("Len() = %d after Drain, want 0", p.Len())
	}
}

func TestPoolConcurrent(t *testing.T) {
	p := New[int, int](64, nil)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				p.Put(g, i)
				p.Take(g)
			}
		}(g)
	}
	wg.Wait()
	if p.Len() > 64 {
		t.Errorf("Len() = %d exceeds soft limit", p.Len())
	}
}
