package api

import (
	"net/http/httptest"
	"testing"
	"time"
)

func TestClientIPHonorsProxyOnlyWhenTrusted(t *testing.T) {
	r := httptest.NewRequest("GET", "/v1/sys/health", nil)
	r.RemoteAddr = "10.1.2.3:56789"
	r.Header.Set("X-Forwarded-For", "203.0.113.7, 198.51.100.2")

	if got := clientIP(r, false); got != "10.1.2.3" {
		t.Errorf("untrusted: ip = %q, want the peer address", got)
	}
	if got := clientIP(r, true); got != "203.0.113.7" {
		t.Errorf("trusted: ip = %q, want the first forwarded hop", got)
	}

	// Without the header, both modes report the peer.
	r.Header.Del("X-Forwarded-For")
	if got := clientIP(r, true); got != "10.1.2.3" {
		t.Errorf("no header: ip = %q", got)
	}
}

func TestRateLimiterBurst(t *testing.T) {
	rl := newRateLimiter(1, 2, false)
	if !rl.allow("a") || !rl.allow("a") {
		t.Fatal("requests within the burst should pass")
	}
	if rl.allow("a") {
		t.Error("request beyond the burst should be limited")
	}
	if !rl.allow("b") {
		t.Error("other clients should be unaffected")
	}
}

func TestRateLimiterPrunesIdleBuckets(t *testing.T) {
	rl := newRateLimiter(100, 200, false)
	rl.allow("stale")
	rl.allow("fresh")
	rl.buckets["stale"].lastCheck = time.Now().Add(-2 * bucketIdle)

	rl.mu.Lock()
	rl.prune(time.Now())
	rl.mu.Unlock()

	if _, ok := rl.buckets["stale"]; ok {
		t.Error("idle bucket survived prune")
	}
	if _, ok := rl.buckets["fresh"]; !ok {
		t.Error("active bucket was pruned")
	}
}
