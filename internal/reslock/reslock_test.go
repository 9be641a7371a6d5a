package reslock

import (
	"context"
	"testing"
	"time"
)

func TestLockUnlockBasic(t *testing.T) {
	m := New()
	ctx := context.Background()
	if err := m.Lock(ctx, "dev0", 1, 0); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if !m.IsHeldBy("dev0", 1) {
		t.Fatalf("expected dev0 held by link 1")
	}
	m.Unlock("dev0", 1)
	if m.IsLocked("dev0") {
		t.Fatalf("expected dev0 unlocked")
	}
}

func TestLockContentionTimesOut(t *testing.T) {
	m := New()
	ctx := context.Background()
	if err := m.Lock(ctx, "dev0", 1, 0); err != nil {
		t.Fatalf("Lock A: %v", err)
	}

	start := time.Now()
	err := m.Lock(ctx, "dev0", 2, 100*time.Millisecond)
	elapsed := time.Since(start)
	if err == nil {
		t.Fatalf("expected lock timeout error")
	}
	if _, ok := err.(*ErrLockedByAnother); !ok {
		t.Fatalf("expected ErrLockedByAnother, got %T: %v", err, err)
	}
	if elapsed < 90*time.Millisecond {
		t.Fatalf("returned too early: %v", elapsed)
	}
}

func TestLockHandoffToWaiter(t *testing.T) {
	m := New()
	ctx := context.Background()
	if err := m.Lock(ctx, "dev0", 1, 0); err != nil {
		t.Fatalf("Lock A: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- m.Lock(ctx, "dev0", 2, time.Second)
	}()

	time.Sleep(20 * time.Millisecond)
	m.Unlock("dev0", 1)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected B to acquire after A released, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("B never acquired lock")
	}
	if !m.IsHeldBy("dev0", 2) {
		t.Fatalf("expected dev0 held by link 2 after handoff")
	}
}

func TestReentrantLockBySameLinkSucceeds(t *testing.T) {
	m := New()
	ctx := context.Background()
	if err := m.Lock(ctx, "dev0", 1, 0); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if err := m.Lock(ctx, "dev0", 1, 0); err != nil {
		t.Fatalf("re-Lock by same link: %v", err)
	}
}

func TestReleaseAllDropsLocksAndWaits(t *testing.T) {
	m := New()
	ctx := context.Background()
	if err := m.Lock(ctx, "dev0", 1, 0); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	m.ReleaseAll(1)
	if m.IsLocked("dev0") {
		t.Fatalf("expected dev0 unlocked after ReleaseAll")
	}
}

func TestReleaseAllPurgesPendingWaiter(t *testing.T) {
	m := New()
	ctx := context.Background()
	if err := m.Lock(ctx, "dev0", 1, 0); err != nil {
		t.Fatalf("Lock A: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- m.Lock(ctx, "dev0", 2, 300*time.Millisecond)
	}()
	time.Sleep(20 * time.Millisecond)

	// Link 2 is torn down (e.g. its connection dropped) while still
	// queued behind link 1, never having held the lock.
	m.ReleaseAll(2)

	m.Unlock("dev0", 1)

	select {
	case err := <-done:
		if _, ok := err.(*ErrLockedByAnother); !ok {
			t.Fatalf("expected purged waiter's Lock call to time out, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("waiter never returned after ReleaseAll purged it mid-wait")
	}
	if m.IsHeldBy("dev0", 2) {
		t.Fatalf("expected link 2 to never receive the lock after being purged")
	}
	if m.IsLocked("dev0") {
		t.Fatalf("expected dev0 unlocked since its only waiter was purged before release")
	}
}

func TestForceUnlock(t *testing.T) {
	m := New()
	ctx := context.Background()
	if err := m.Lock(ctx, "dev0", 1, 0); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	m.ForceUnlock("dev0")
	if m.IsLocked("dev0") {
		t.Fatalf("expected dev0 unlocked after ForceUnlock")
	}
}
