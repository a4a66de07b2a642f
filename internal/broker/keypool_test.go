package broker

import "testing"

func TestIDPoolAllocIsSequentialWhenEmpty(t *testing.T) {
	p := NewIDPool()
	for want := uint16(1); want <= 5; want++ {
		got, ok := p.Alloc()
		if !ok || got != want {
			t.Fatalf("Alloc() = %d, %v; want %d, true", got, ok, want)
		}
	}
}

func TestIDPoolReleaseThenReallocReusesHole(t *testing.T) {
	p := NewIDPool()
	a, _ := p.Alloc()
	b, _ := p.Alloc()
	_, _ = p.Alloc()
	p.Release(b)
	got, ok := p.Alloc()
	if !ok || got != b {
		t.Fatalf("expected reallocation of released id %d, got %d, %v", b, got, ok)
	}
	p.Release(a)
	got, ok = p.Alloc()
	if !ok || got != a {
		t.Fatalf("expected reallocation of released id %d, got %d, %v", a, got, ok)
	}
}

func TestIDPoolReserveRejectsDuplicate(t *testing.T) {
	p := NewIDPool()
	if !p.Reserve(100) {
		t.Fatal("first Reserve(100) should succeed")
	}
	if p.Reserve(100) {
		t.Fatal("second Reserve(100) should fail")
	}
}

func TestIDPoolReleaseSplitsRange(t *testing.T) {
	p := NewIDPool()
	for i := uint16(1); i <= 5; i++ {
		p.Reserve(i)
	}
	p.Release(3)
	if p.contains(3) {
		t.Fatal("id 3 still reported in use after Release")
	}
	if !p.contains(2) || !p.contains(4) {
		t.Fatal("releasing the middle id should not affect its neighbors")
	}
	if got, ok := p.Alloc(); !ok || got != 3 {
		t.Fatalf("expected hole at 3 to be reallocated, got %d, %v", got, ok)
	}
}

func TestIDPoolInUse(t *testing.T) {
	p := NewIDPool()
	if p.InUse() != 0 {
		t.Fatalf("empty pool InUse() = %d", p.InUse())
	}
	p.Reserve(1)
	p.Reserve(2)
	p.Reserve(3)
	if p.InUse() != 3 {
		t.Fatalf("InUse() = %d, want 3", p.InUse())
	}
	p.Release(2)
	if p.InUse() != 2 {
		t.Fatalf("InUse() after release = %d, want 2", p.InUse())
	}
}
