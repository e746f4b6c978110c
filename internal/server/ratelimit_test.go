package server

import (
	"testing"
	"time"
)

func TestTokenBucketRefills(t *testing.T) {
	bucket := newTokenBucket(1000, 1)

	if !bucket.Allow() {
		t.Fatal("expected first request to pass")
	}
	if bucket.Allow() {
		t.Fatal("expected bucket to be drained")
	}

	time.Sleep(5 * time.Millisecond)
	if !bucket.Allow() {
		t.Fatal("expected bucket to refill")
	}
}

func TestAllowRequestUnlimitedWhenUnconfigured(t *testing.T) {
	rl := newRateLimiter(RateLimitConfig{})
	for i := 0; i < 100; i++ {
		if !rl.AllowRequest() {
			t.Fatalf("request %d denied without a configured limit", i)
		}
	}
}

func TestAllowRequestEnforcesBurst(t *testing.T) {
	rl := newRateLimiter(RateLimitConfig{GlobalRPS: 0.001, GlobalBurst: 2})

	if !rl.AllowRequest() || !rl.AllowRequest() {
		t.Fatal("expected burst requests to pass")
	}
	if rl.AllowRequest() {
		t.Fatal("expected third request to be denied")
	}
}

func TestAllowConnectLimitsPerAddress(t *testing.T) {
	rl := newRateLimiter(RateLimitConfig{ConnectLimit: 2, ConnectWindow: time.Hour})

	for i := 0; i < 2; i++ {
		if ok, _ := rl.AllowConnect("10.0.0.1"); !ok {
			t.Fatalf("connect %d from first address denied", i)
		}
	}
	ok, retry := rl.AllowConnect("10.0.0.1")
	if ok {
		t.Fatal("expected third connect from same address to be denied")
	}
	if retry <= 0 {
		t.Fatalf("expected positive retry hint, got %v", retry)
	}
	if ok, _ := rl.AllowConnect("10.0.0.2"); !ok {
		t.Fatal("expected a different address to still connect")
	}
}

func TestAllowConnectPoolsUnknownAddresses(t *testing.T) {
	rl := newRateLimiter(RateLimitConfig{ConnectLimit: 1, ConnectWindow: time.Hour})

	if ok, _ := rl.AllowConnect(""); !ok {
		t.Fatal("expected first anonymous connect to pass")
	}
	if ok, _ := rl.AllowConnect(""); ok {
		t.Fatal("expected anonymous connects to share one bucket")
	}
}

func TestAllowConnectUnlimitedWhenDisabled(t *testing.T) {
	rl := newRateLimiter(RateLimitConfig{})
	for i := 0; i < 50; i++ {
		if ok, _ := rl.AllowConnect("10.0.0.1"); !ok {
			t.Fatalf("connect %d denied without a configured limit", i)
		}
	}
}

func TestCleanupEvictsIdleBuckets(t *testing.T) {
	rl := newRateLimiter(RateLimitConfig{ConnectLimit: 5, ConnectWindow: 5 * time.Millisecond})

	rl.AllowConnect("10.0.0.1")
	time.Sleep(15 * time.Millisecond)
	rl.AllowConnect("10.0.0.2")

	rl.mu.Lock()
	_, stale := rl.buckets["10.0.0.1"]
	_, fresh := rl.buckets["10.0.0.2"]
	rl.mu.Unlock()

	if stale {
		t.Fatal("expected idle bucket to be evicted")
	}
	if !fresh {
		t.Fatal("expected active bucket to remain")
	}
}
