package lru

import "testing"

func TestPutGet(t *testing.T) {
	c := New[string, int](2)
	c.Put("a", 1)
	c.Put("b", 2)

	if v, ok := c.Get("a"); !ok || v != 1 {
		t.Fatalf("expected a=1, got %v %v", v, ok)
	}
}

func TestEvictsLeastRecentlyUsed(t *testing.T) {
	c := New[string, int](2)
	c.Put("a", 1)
	c.Put("b", 2)
	c.Get("a") // a is now most recently used
	evicted, ok := c.Put("c", 3)
	if !ok || evicted != "b" {
		t.Fatalf("expected to evict b, got %v ok=%v", evicted, ok)
	}
	if c.Contains("b") {
		t.Fatalf("b should have been evicted")
	}
	if !c.Contains("a") || !c.Contains("c") {
		t.Fatalf("a and c should remain")
	}
}

func TestRemove(t *testing.T) {
	c := New[string, int](2)
	c.Put("a", 1)
	c.Remove("a")
	if c.Contains("a") {
		t.Fatalf("a should have been removed")
	}
	if c.Len() != 0 {
		t.Fatalf("expected empty cache, got len=%d", c.Len())
	}
}

func TestPeekDoesNotAffectRecency(t *testing.T) {
	c := New[string, int](2)
	c.Put("a", 1)
	c.Put("b", 2)
	c.Peek("a")
	evicted, ok := c.Put("c", 3)
	if !ok || evicted != "a" {
		t.Fatalf("expected to evict a (peek should not bump recency), got %v ok=%v", evicted, ok)
	}
}
