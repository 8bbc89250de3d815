package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestLimiter_LocalFallbackAllowsBurst(t *testing.T) {
	l := NewLimiter(nil, Config{RequestsPerSecond: 1, BurstSize: 3})

	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := l.Wait(context.Background(), "acc"); err != nil {
			t.Fatalf("Wait #%d: %v", i, err)
		}
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("burst of 3 took %v, expected no waiting", elapsed)
	}
}

func TestLimiter_KeysAreIndependent(t *testing.T) {
	l := NewLimiter(nil, Config{RequestsPerSecond: 1, BurstSize: 1})
	ctx := context.Background()

	if err := l.Wait(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	if err := l.Wait(ctx, "b"); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("key b waited %v on key a's budget", elapsed)
	}
}

func TestLimiter_WaitHonorsContext(t *testing.T) {
	l := NewLimiter(nil, Config{RequestsPerSecond: 1, BurstSize: 1})
	if err := l.Wait(context.Background(), "acc"); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := l.Wait(ctx, "acc"); err == nil {
		t.Error("Wait should fail once the context expires before a token is available")
	}
}

func TestNewLimiter_Defaults(t *testing.T) {
	l := NewLimiter(nil, Config{})
	def := DefaultConfig()
	if l.cfg.RequestsPerSecond != def.RequestsPerSecond || l.cfg.MaxWait != def.MaxWait {
		t.Errorf("cfg = %+v, want defaults %+v", l.cfg, def)
	}
}
