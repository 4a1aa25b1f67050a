package lock

import (
	"testing"
	"time"
)

func TestAcquireGrantsWhenFree(t *testing.T) {
	s := NewService()
	if !s.Acquire("k1", "owner-a", time.Minute) {
		t.Fatal("expected acquire to succeed on a free key")
	}
}

func TestAcquireIsReentrantForSameOwner(t *testing.T) {
	s := NewService()
	s.Acquire("k1", "owner-a", time.Minute)
	if !s.Acquire("k1", "owner-a", time.Minute) {
		t.Fatal("re-acquire by the same owner should succeed")
	}
}

func TestAcquireFailsForDifferentOwnerWhileHeld(t *testing.T) {
	s := NewService()
	s.Acquire("k1", "owner-a", time.Minute)
	if s.Acquire("k1", "owner-b", time.Minute) {
		t.Fatal("acquire by a different owner should fail while held")
	}
}

func TestAcquireSucceedsAfterExpiry(t *testing.T) {
	s := NewService()
	s.Acquire("k1", "owner-a", 10*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	if !s.Acquire("k1", "owner-b", time.Minute) {
		t.Fatal("acquire should succeed once the prior holder's TTL expired")
	}
}

func TestReleaseOnlyByCurrentHolder(t *testing.T) {
	s := NewService()
	s.Acquire("k1", "owner-a", time.Minute)
	if s.Release("k1", "owner-b") {
		t.Fatal("release by a non-holder should fail")
	}
	if !s.Release("k1", "owner-a") {
		t.Fatal("release by the current holder should succeed")
	}
	if _, ok := s.Holder("k1"); ok {
		t.Fatal("expected no holder after release")
	}
}

func TestReleaseAllOnConnectionClose(t *testing.T) {
	s := NewService()
	s.Acquire("k1", "conn-1", time.Minute)
	s.Acquire("k2", "conn-1", time.Minute)
	s.Acquire("k3", "conn-2", time.Minute)

	n := s.ReleaseAll("conn-1")
	if n != 2 {
		t.Fatalf("ReleaseAll released %d, want 2", n)
	}
	if _, ok := s.Holder("k1"); ok {
		t.Fatal("k1 should have no holder")
	}
	if _, ok := s.Holder("k2"); ok {
		t.Fatal("k2 should have no holder")
	}
	if owner, ok := s.Holder("k3"); !ok || owner != "conn-2" {
		t.Fatal("k3 held by conn-2 should be untouched")
	}
}

func TestSweepRemovesExpiredEntries(t *testing.T) {
	s := NewService()
	s.Acquire("k1", "owner-a", 10*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	if n := s.Sweep(); n != 1 {
		t.Fatalf("Sweep removed %d, want 1", n)
	}
	if _, ok := s.Holder("k1"); ok {
		t.Fatal("expected k1 gone after sweep")
	}
}
