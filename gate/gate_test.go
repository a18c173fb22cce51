package gate

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
)

func testLogger() *log.Logger {
	return log.New(io.Discard)
}

func TestImmediateGrant(t *testing.T) {
	g := New(1, testLogger())

	if err := g.Request(context.Background(), "a"); err != nil {
		t.Fatalf("expected immediate grant, got %v", err)
	}

	st := g.Status()
	if st.Active != 1 || st.Queued != 0 {
		t.Errorf("unexpected status: %+v", st)
	}
}

func TestFIFOHandoff(t *testing.T) {
	g := New(1, testLogger())

	if err := g.Request(context.Background(), "a"); err != nil {
		t.Fatal(err)
	}

	bGranted := make(chan error, 1)
	go func() {
		bGranted <- g.Request(context.Background(), "b")
	}()

	// Wait until b is actually queued.
	waitFor(t, func() bool { return g.Status().Queued == 1 })

	select {
	case <-bGranted:
		t.Fatal("b granted while a still holds the slot")
	case <-time.After(50 * time.Millisecond):
	}

	g.Release("a")

	select {
	case err := <-bGranted:
		if err != nil {
			t.Fatalf("b should be granted after release, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("b never granted")
	}

	st := g.Status()
	if st.Active != 1 || st.Queued != 0 {
		t.Errorf("unexpected status after handoff: %+v", st)
	}
}

func TestGrantOrderIsRequestOrder(t *testing.T) {
	g := New(1, testLogger())

	if err := g.Request(context.Background(), "holder"); err != nil {
		t.Fatal(err)
	}

	order := make(chan string, 3)
	var wg sync.WaitGroup
	for _, id := range []string{"first", "second", "third"} {
		id := id
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := g.Request(context.Background(), id); err != nil {
				t.Errorf("request %s: %v", id, err)
				return
			}
			order <- id
			g.Release(id)
		}()
		// Queue them one at a time so arrival order is deterministic.
		want := queuedCount(id)
		waitFor(t, func() bool { return g.Status().Queued >= want })
	}

	g.Release("holder")
	wg.Wait()
	close(order)

	want := []string{"first", "second", "third"}
	i := 0
	for got := range order {
		if got != want[i] {
			t.Errorf("grant %d: got %s, want %s", i, got, want[i])
		}
		i++
	}
}

func queuedCount(id string) int {
	switch id {
	case "first":
		return 1
	case "second":
		return 2
	default:
		return 3
	}
}

func TestActiveNeverExceedsMax(t *testing.T) {
	g := New(2, testLogger())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		id := string(rune('a' + i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := g.Request(context.Background(), id); err != nil {
				t.Errorf("request %s: %v", id, err)
				return
			}
			if st := g.Status(); st.Active > st.Max {
				t.Errorf("active %d exceeds max %d", st.Active, st.Max)
			}
			time.Sleep(time.Millisecond)
			g.Release(id)
		}()
	}
	wg.Wait()

	st := g.Status()
	if st.Active != 0 || st.Queued != 0 {
		t.Errorf("gate not drained: %+v", st)
	}
}

func TestReleaseUnknownIDIsNoOp(t *testing.T) {
	g := New(1, testLogger())

	if err := g.Request(context.Background(), "a"); err != nil {
		t.Fatal(err)
	}
	before := g.Status()

	g.Release("never-granted")

	after := g.Status()
	if before != after {
		t.Errorf("status changed by unknown release: %+v -> %+v", before, after)
	}
}

func TestRequestCancellation(t *testing.T) {
	g := New(1, testLogger())

	if err := g.Request(context.Background(), "a"); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- g.Request(ctx, "b")
	}()
	waitFor(t, func() bool { return g.Status().Queued == 1 })

	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("cancelled request never returned")
	}

	// The abandoned waiter must not absorb the next grant.
	waitFor(t, func() bool { return g.Status().Queued == 0 })
	g.Release("a")
	if err := g.Request(context.Background(), "c"); err != nil {
		t.Fatalf("slot lost to abandoned waiter: %v", err)
	}
}

func TestCancelDuringGrantHandsSlotBack(t *testing.T) {
	g := New(1, testLogger())

	if err := g.Request(context.Background(), "a"); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- g.Request(ctx, "b")
	}()
	waitFor(t, func() bool { return g.Status().Queued == 1 })

	// Reproduce the moment inside Release where b has been dequeued and
	// its slot marked active, but the grant has not been delivered yet.
	g.mu.Lock()
	delete(g.active, "a")
	w := g.waiters[0]
	g.waiters = nil
	g.active[w.id] = struct{}{}
	g.mu.Unlock()

	cancel()
	time.Sleep(20 * time.Millisecond) // let the request observe ctx first
	w.granted <- nil

	err := <-done
	if err == nil {
		// The grant won after all; the caller owns the slot.
		g.Release("b")
	} else if !errors.Is(err, context.Canceled) {
		t.Fatalf("unexpected error: %v", err)
	}

	// Either way the slot must come back, not wedge as permanently held.
	waitFor(t, func() bool {
		st := g.Status()
		return st.Active == 0 && st.Queued == 0
	})
	if err := g.Request(context.Background(), "c"); err != nil {
		t.Fatalf("slot lost to cancelled grant: %v", err)
	}
}

func TestClearAllRejectsWaiters(t *testing.T) {
	g := New(1, testLogger())

	if err := g.Request(context.Background(), "a"); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		done <- g.Request(context.Background(), "b")
	}()
	waitFor(t, func() bool { return g.Status().Queued == 1 })

	g.ClearAll()

	select {
	case err := <-done:
		if !errors.Is(err, ErrCleared) {
			t.Fatalf("expected ErrCleared, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter left hanging after ClearAll")
	}

	st := g.Status()
	if st.Active != 0 || st.Queued != 0 {
		t.Errorf("gate not empty after ClearAll: %+v", st)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition never met")
}
