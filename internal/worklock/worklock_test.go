package worklock

import "testing"

func TestTryAcquireIsExclusivePerKey(t *testing.T) {
	locks := New()

	if !locks.TryAcquire("ws-1") {
		t.Fatal("first acquisition should succeed")
	}
	if locks.TryAcquire("ws-1") {
		t.Fatal("second acquisition for the same key should fail")
	}
	if !locks.TryAcquire("ws-2") {
		t.Fatal("different keys must not contend")
	}

	locks.Release("ws-1")
	if !locks.TryAcquire("ws-1") {
		t.Fatal("released key should be acquirable again")
	}
}
