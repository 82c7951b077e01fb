package http

import (
	"fmt"
	"testing"
	"time"
)

func TestRateLimiter_Disabled(t *testing.T) {
	for _, rpm := range []int{0, -1} {
		rl := NewRateLimiter(rpm, 1)
		if rl.Enabled() {
			t.Errorf("rpm=%d should be disabled", rpm)
		}
		for i := 0; i < 100; i++ {
			if !rl.Allow("u") {
				t.Fatalf("rpm=%d: disabled limiter rejected request %d", rpm, i)
			}
		}
	}
	var nilRL *RateLimiter
	if nilRL.Enabled() || !nilRL.Allow("u") {
		t.Error("nil limiter should allow everything")
	}
}

func TestRateLimiter_BurstThenRefill(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	rl := NewRateLimiter(60, 3) // one token per second
	rl.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if !rl.Allow("u1") {
			t.Fatalf("request %d within burst rejected", i)
		}
	}
	if rl.Allow("u1") {
		t.Fatal("request beyond burst allowed")
	}
	if !rl.Allow("u2") {
		t.Fatal("other sender should have its own bucket")
	}

	now = now.Add(time.Second)
	if !rl.Allow("u1") {
		t.Fatal("token should refill after one second")
	}
	if rl.Allow("u1") {
		t.Fatal("only one token should have refilled")
	}
}

func TestRateLimiter_BoundedKeys(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	rl := NewRateLimiter(60, 1)
	rl.now = func() time.Time { return now }

	for i := 0; i < maxTrackedKeys+100; i++ {
		rl.Allow(fmt.Sprintf("k%d", i))
	}
	if n := rl.size(); n > maxTrackedKeys {
		t.Fatalf("tracked %d keys, cap is %d", n, maxTrackedKeys)
	}
}

func TestRateLimiter_SetRPM(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	rl := NewRateLimiter(0, 1)
	rl.now = func() time.Time { return now }

	rl.SetRPM(60)
	if !rl.Enabled() {
		t.Fatal("SetRPM(60) should enable limiting")
	}
	if !rl.Allow("u1") || rl.Allow("u1") {
		t.Fatal("want exactly one request within burst at 60 rpm")
	}

	// Raising the rate applies to keys already tracked.
	rl.SetRPM(600)
	now = now.Add(100 * time.Millisecond)
	if !rl.Allow("u1") {
		t.Fatal("token should refill after 100ms at 600 rpm")
	}

	rl.SetRPM(0)
	if rl.Enabled() || rl.size() != 0 {
		t.Fatalf("SetRPM(0): enabled=%v tracked=%d, want disabled and empty", rl.Enabled(), rl.size())
	}
	for i := 0; i < 10; i++ {
		if !rl.Allow("u1") {
			t.Fatal("disabled limiter rejected a request")
		}
	}
}
