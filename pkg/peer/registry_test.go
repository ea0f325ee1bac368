package peer

import (
	"sync"
	"testing"
	"time"
)

func TestRegistryAddDuplicate(t *testing.T) {
	r := NewRegistry()
	p := NewWithID("p1")

	if err := r.Add(p); err != nil {
		t.Fatal(err)
	}
	if err := r.Add(p); err != ErrExists {
		t.Fatalf("expected ErrExists, got %v", err)
	}
}

func TestRegistryLookup(t *testing.T) {
	r := NewRegistry()
	p := NewWithID("p1")
	r.Add(p)

	got, ok := r.Lookup("p1")
	if !ok || got.ID() != "p1" {
		t.Fatalf("expected to find p1, got %+v ok=%v", got, ok)
	}

	if _, ok := r.Lookup("missing"); ok {
		t.Fatal("expected lookup miss")
	}
}

func TestRegistryNewPeerSignalAsync(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	wg.Add(1)
	var gotID string
	r.OnNewPeer(func(p *Peer) {
		gotID = p.ID()
		wg.Done()
	})

	p := NewWithID("p1")
	if err := r.Add(p); err != nil {
		t.Fatal(err)
	}
	// The listener runs on its own goroutine after Add; wait for it.
	wg.Wait()
	if gotID != "p1" {
		t.Fatalf("expected p1, got %s", gotID)
	}
}

func TestRegistryClose(t *testing.T) {
	r := NewRegistry()
	p := NewWithID("p1")
	r.Add(p)

	var wg sync.WaitGroup
	wg.Add(1)
	var gotGraceful bool
	r.OnPeerClosed(func(p *Peer, graceful bool) {
		gotGraceful = graceful
		wg.Done()
	})

	r.Close(p, true)
	wg.Wait()

	if !gotGraceful {
		t.Fatal("expected graceful=true")
	}
	if !p.Closed() {
		t.Fatal("expected peer marked closed")
	}
	if _, ok := r.Lookup("p1"); ok {
		t.Fatal("expected peer removed from registry")
	}
}

func TestRegistrySweepReapsDeadPeers(t *testing.T) {
	r := NewRegistry(WithTimeouts(time.Millisecond, 10*time.Millisecond))
	p := NewWithID("p1")
	r.Add(p)

	var wg sync.WaitGroup
	wg.Add(1)
	r.OnPeerClosed(func(p *Peer, graceful bool) {
		if graceful {
			t.Error("reaped peer should be closed non-gracefully")
		}
		wg.Done()
	})

	time.Sleep(20 * time.Millisecond)
	r.Sweep()
	wg.Wait()

	if r.Count() != 0 {
		t.Fatalf("expected registry empty after sweep, got %d", r.Count())
	}
}

func TestRegistrySweepHonorsParkedCarrier(t *testing.T) {
	r := NewRegistry(
		WithTimeouts(time.Millisecond, 10*time.Millisecond),
		WithParkedCarrierCheck(func(id string) bool { return id == "parked" }),
	)
	r.Add(NewWithID("parked"))
	r.Add(NewWithID("idle"))

	time.Sleep(20 * time.Millisecond)
	r.Sweep()

	if _, ok := r.Lookup("parked"); !ok {
		t.Fatal("peer with a parked carrier should survive the sweep")
	}
	if _, ok := r.Lookup("idle"); ok {
		t.Fatal("peer with no parked carrier should be reaped")
	}
}

func TestRegistrySweepRateLimited(t *testing.T) {
	r := NewRegistry(WithTimeouts(time.Hour, time.Millisecond))
	p := NewWithID("p1")
	r.Add(p)

	time.Sleep(5 * time.Millisecond)
	// Lookup should piggyback a sweep attempt, but cleanup_interval (1h)
	// hasn't elapsed since NewRegistry set lastSweep, so the peer survives.
	if _, ok := r.Lookup("p1"); !ok {
		t.Fatal("peer should survive: sweep is rate-limited by cleanup_interval")
	}
}
