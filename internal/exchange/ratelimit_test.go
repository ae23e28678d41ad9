package exchange

import (
	"context"
	"testing"
	"time"
)

func TestTokenBucketBurst(t *testing.T) {
	t.Parallel()
	tb := NewTokenBucket(5, 1)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 5; i++ {
		if err := tb.Wait(ctx); err != nil {
			t.Fatalf("Wait %d: %v", i, err)
		}
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("burst of 5 took %v, want near-instant", elapsed)
	}
}

func TestTokenBucketBlocksWhenDrained(t *testing.T) {
	t.Parallel()
	tb := NewTokenBucket(1, 10) // refill: one token per 100ms
	ctx := context.Background()

	if err := tb.Wait(ctx); err != nil {
		t.Fatalf("first Wait: %v", err)
	}
	start := time.Now()
	if err := tb.Wait(ctx); err != nil {
		t.Fatalf("second Wait: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("drained bucket released after %v, want >= ~100ms", elapsed)
	}
}

func TestTokenBucketRespectsContext(t *testing.T) {
	t.Parallel()
	tb := NewTokenBucket(1, 0.001) // practically never refills
	ctx := context.Background()

	if err := tb.Wait(ctx); err != nil {
		t.Fatalf("first Wait: %v", err)
	}

	cancelled, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := tb.Wait(cancelled); err == nil {
		t.Error("expected context error from drained bucket")
	}
}
