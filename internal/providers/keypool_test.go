package providers

import "testing"

func TestNewKeyPoolDropsEmptyEntries(t *testing.T) {
	pool := NewKeyPool([]string{" alpha ", "", "  ", "beta"})
	if got := pool.Size(); got != 2 {
		t.Fatalf("expected 2 keys, got %d", got)
	}
	key, ok := pool.Current()
	if !ok || key != "alpha" {
		t.Fatalf("expected current key alpha, got %q ok=%v", key, ok)
	}
}

func TestParseKeyPoolSplitsOnCommas(t *testing.T) {
	pool := ParseKeyPool("one,two, three")
	if got := pool.Size(); got != 3 {
		t.Fatalf("expected 3 keys, got %d", got)
	}
}

func TestRotateIsStickyAndWraps(t *testing.T) {
	pool := NewKeyPool([]string{"a", "b", "c"})

	key, more := pool.Rotate()
	if key != "b" || !more {
		t.Fatalf("expected rotation to b, got %q more=%v", key, more)
	}
	// Rotation persists across subsequent reads.
	if current, _ := pool.Current(); current != "b" {
		t.Fatalf("expected current b after rotation, got %q", current)
	}

	pool.Rotate()
	key, _ = pool.Rotate()
	if key != "a" {
		t.Fatalf("expected wrap back to a, got %q", key)
	}
}

func TestRotateSingleKeyPool(t *testing.T) {
	pool := NewKeyPool([]string{"only"})
	key, more := pool.Rotate()
	if key != "only" {
		t.Fatalf("expected only, got %q", key)
	}
	if more {
		t.Fatal("single-key pool should report no alternatives")
	}
}

func TestNilPoolIsEmpty(t *testing.T) {
	var pool *KeyPool
	if pool.Size() != 0 {
		t.Fatal("nil pool should report size 0")
	}
	if _, ok := pool.Current(); ok {
		t.Fatal("nil pool should have no current key")
	}
}
