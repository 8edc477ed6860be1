package ratelimit

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pgregory.net/rapid"
)

func TestCheckAndIncrement(t *testing.T) {
	l := New(time.Hour, 0)
	defer l.Stop()

	for i := 0; i < 5; i++ {
		if !l.CheckAndIncrement("ip:192.0.2.1", 5) {
			t.Fatalf("event %d refused below the limit", i+1)
		}
	}
	if l.CheckAndIncrement("ip:192.0.2.1", 5) {
		t.Fatal("event above the limit allowed")
	}
	// Other keys are unaffected.
	if !l.CheckAndIncrement("ip:192.0.2.2", 5) {
		t.Fatal("independent key refused")
	}
}

func TestWindowSlides(t *testing.T) {
	l := New(time.Minute, 0)
	defer l.Stop()

	now := time.Unix(1000, 0)
	l.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if !l.CheckAndIncrement("k", 3) {
			t.Fatalf("event %d refused", i+1)
		}
	}
	if l.CheckAndIncrement("k", 3) {
		t.Fatal("limit not enforced")
	}

	// The window moves past the earlier events.
	now = now.Add(61 * time.Second)
	if !l.CheckAndIncrement("k", 3) {
		t.Fatal("event refused after the window slid")
	}
	if got := l.Count("k"); got != 1 {
		t.Fatalf("Count = %d, want 1", got)
	}
}

func TestSweepDropsStaleKeys(t *testing.T) {
	l := New(time.Minute, 0)
	defer l.Stop()

	now := time.Unix(1000, 0)
	l.now = func() time.Time { return now }

	l.CheckAndIncrement("stale", 10)
	l.CheckAndIncrement("fresh", 10)

	now = now.Add(3 * time.Minute)
	l.CheckAndIncrement("fresh", 10)
	l.sweep()

	l.mu.Lock()
	_, staleKept := l.entries["stale"]
	_, freshKept := l.entries["fresh"]
	l.mu.Unlock()
	if staleKept {
		t.Error("key untouched for over twice the window survived the sweep")
	}
	if !freshKept {
		t.Error("recently touched key was swept")
	}
}

// Running N concurrent checks against one key with initial count c admits
// exactly min(N, max(0, limit-c)) callers.
func TestConcurrentAdmissionCount(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		limit := rapid.IntRange(1, 30).Draw(t, "limit")
		initial := rapid.IntRange(0, 40).Draw(t, "initial")
		callers := rapid.IntRange(1, 50).Draw(t, "callers")

		l := New(time.Hour, 0)
		defer l.Stop()

		preloaded := 0
		for i := 0; i < initial; i++ {
			if l.CheckAndIncrement("k", limit) {
				preloaded++
			}
		}

		var allowed int64
		var wg sync.WaitGroup
		start := make(chan struct{})
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				if l.CheckAndIncrement("k", limit) {
					atomic.AddInt64(&allowed, 1)
				}
			}()
		}
		close(start)
		wg.Wait()

		want := limit - preloaded
		if want < 0 {
			want = 0
		}
		if want > callers {
			want = callers
		}
		if int(allowed) != want {
			t.Fatalf("allowed = %d, want %d (limit=%d preloaded=%d callers=%d)",
				allowed, want, limit, preloaded, callers)
		}
	})
}
