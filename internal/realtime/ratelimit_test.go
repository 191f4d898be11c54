package realtime

import (
	"testing"
	"time"
)

func TestGuardAllowsUpToMaxWithinWindow(t *testing.T) {
	now := time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	guard := NewGuard(1000*time.Millisecond, 2, clock)

	if !guard.Allow("USER01") {
		t.Fatalf("first intent must be allowed")
	}
	if !guard.Allow("USER01") {
		t.Fatalf("second intent within the cap must be allowed")
	}
	if guard.Allow("USER01") {
		t.Fatalf("third intent within the window must be denied")
	}

	now = now.Add(1001 * time.Millisecond)
	if !guard.Allow("USER01") {
		t.Fatalf("intent after the window elapsed must be allowed")
	}
}

func TestGuardDenialDoesNotExtendWindow(t *testing.T) {
	now := time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	guard := NewGuard(time.Second, 1, clock)

	guard.Allow("USER01")
	for i := 0; i < 5; i++ {
		if guard.Allow("USER01") {
			t.Fatalf("expected denial while window is live")
		}
	}

	now = now.Add(1001 * time.Millisecond)
	if !guard.Allow("USER01") {
		t.Fatalf("window should reset at its original deadline")
	}
}

func TestGuardIsolatesUsers(t *testing.T) {
	guard := NewGuard(time.Second, 1, testClock)

	guard.Allow("USER01")
	if guard.Allow("USER01") {
		t.Fatalf("USER01 should be exhausted")
	}
	if !guard.Allow("USER02") {
		t.Fatalf("USER02 has a fresh window")
	}
}
