package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetrySucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), []time.Duration{0, time.Millisecond}, nil, func(ctx context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("Retry() = %v, want nil", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestRetryExhaustsSchedule(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	err := Retry(context.Background(), []time.Duration{0, time.Millisecond, time.Millisecond}, nil, func(ctx context.Context) error {
		calls++
		return boom
	})
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
	if !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("err = %v, want ErrRetriesExhausted", err)
	}
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped boom", err)
	}
}

func TestRetryRecoversMidSchedule(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), []time.Duration{0, time.Millisecond, time.Millisecond}, nil, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Retry() = %v, want nil", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestRetryStopsOnNonRetryable(t *testing.T) {
	fatal := errors.New("unauthorized")
	calls := 0
	retryable := func(err error) bool { return !errors.Is(err, fatal) }
	err := Retry(context.Background(), []time.Duration{0, time.Millisecond, time.Millisecond}, retryable, func(ctx context.Context) error {
		calls++
		return fatal
	})
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
	if !errors.Is(err, fatal) {
		t.Fatalf("err = %v, want fatal", err)
	}
	if errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("non-retryable error should not be marked exhausted")
	}
}

func TestRetryHonorsContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Retry(ctx, []time.Duration{0, time.Hour}, nil, func(ctx context.Context) error {
		calls++
		cancel()
		return errors.New("transient")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	b := &Backoff{Base: time.Second, Max: 5 * time.Second, MaxAttempts: 10}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for i, w := range want {
		d, ok := b.Next()
		if !ok {
			t.Fatalf("attempt %d: Next() exhausted early", i)
		}
		if d != w {
			t.Fatalf("attempt %d: delay = %v, want %v", i, d, w)
		}
	}
}

func TestBackoffExhausts(t *testing.T) {
	b := &Backoff{Base: time.Millisecond, Max: time.Second, MaxAttempts: 3}
	for i := 0; i < 3; i++ {
		if _, ok := b.Next(); !ok {
			t.Fatalf("attempt %d: exhausted early", i)
		}
	}
	if _, ok := b.Next(); ok {
		t.Fatalf("Next() after MaxAttempts should report exhaustion")
	}
}

func TestBackoffReset(t *testing.T) {
	b := &Backoff{Base: time.Second, Max: time.Minute, MaxAttempts: 5}
	b.Next()
	b.Next()
	b.Reset()
	if got := b.Attempt(); got != 0 {
		t.Fatalf("Attempt() after Reset = %d, want 0", got)
	}
	d, ok := b.Next()
	if !ok || d != time.Second {
		t.Fatalf("Next() after Reset = %v, %v, want 1s, true", d, ok)
	}
}

func TestBackoffJitterStaysInRange(t *testing.T) {
	b := &Backoff{Base: time.Second, Max: time.Minute, Jitter: 0.5, MaxAttempts: 100}
	for i := 0; i < 20; i++ {
		d, ok := b.Next()
		if !ok {
			t.Fatalf("exhausted early")
		}
		if d <= 0 || d > time.Minute+time.Minute/2 {
			t.Fatalf("attempt %d: delay %v out of range", i, d)
		}
	}
}

func TestReconnectBackoffDefaults(t *testing.T) {
	b := NewReconnectBackoff()
	d, ok := b.Next()
	if !ok || d != 5*time.Second {
		t.Fatalf("first delay = %v, %v, want 5s, true", d, ok)
	}
	for i := 0; i < 9; i++ {
		if _, ok := b.Next(); !ok {
			t.Fatalf("attempt %d: exhausted before 10", i+2)
		}
	}
	if _, ok := b.Next(); ok {
		t.Fatalf("reconnect backoff should exhaust after 10 attempts")
	}
}

func TestDedupCacheDropsRepeatWithinTTL(t *testing.T) {
	d := NewDedupCache(30 * time.Second)
	if d.Seen("u1", "hello") {
		t.Fatalf("first Seen() = true, want false")
	}
	if !d.Seen("u1", "hello") {
		t.Fatalf("second Seen() = false, want true")
	}
}

func TestDedupCacheSeparatesUsers(t *testing.T) {
	d := NewDedupCache(30 * time.Second)
	d.Seen("u1", "hello")
	if d.Seen("u2", "hello") {
		t.Fatalf("same text from another user should not be a duplicate")
	}
}

func TestDedupCacheExpiresAfterTTL(t *testing.T) {
	d := NewDedupCache(30 * time.Second)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return base }
	d.Seen("u1", "hello")

	// Same minute bucket but past the TTL: not a duplicate anymore.
	d.now = func() time.Time { return base.Add(31 * time.Second) }
	if d.Seen("u1", "hello") {
		t.Fatalf("Seen() after TTL = true, want false")
	}
}

func TestDedupCacheMinuteBucketSplits(t *testing.T) {
	d := NewDedupCache(30 * time.Second)
	base := time.Date(2025, 6, 1, 12, 0, 50, 0, time.UTC)
	d.now = func() time.Time { return base }
	d.Seen("u1", "hello")

	// 20s later is inside the TTL but in the next minute bucket, so the
	// key differs and the message passes.
	d.now = func() time.Time { return base.Add(20 * time.Second) }
	if d.Seen("u1", "hello") {
		t.Fatalf("Seen() across minute boundary = true, want false")
	}
}
