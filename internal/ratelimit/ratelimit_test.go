package ratelimit

import (
	"errors"
	"testing"
)

func TestAllowUnlimited(t *testing.T) {
	l := NewLimiter(Config{})
	for i := 0; i < 100; i++ {
		if err := l.Allow("tenant-a"); err != nil {
			t.Fatalf("unlimited limiter rejected request %d: %v", i, err)
		}
	}
}

func TestAllowExhaustsBurst(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 3})

	for i := 0; i < 3; i++ {
		if err := l.Allow("tenant-a"); err != nil {
			t.Fatalf("request %d should pass: %v", i, err)
		}
	}
	if err := l.Allow("tenant-a"); !errors.Is(err, ErrRateLimited) {
		t.Errorf("expected ErrRateLimited, got %v", err)
	}
}

func TestTenantsAreIndependent(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 1})

	if err := l.Allow("tenant-a"); err != nil {
		t.Fatalf("tenant-a first request: %v", err)
	}
	if err := l.Allow("tenant-a"); !errors.Is(err, ErrRateLimited) {
		t.Errorf("tenant-a should be limited, got %v", err)
	}
	if err := l.Allow("tenant-b"); err != nil {
		t.Errorf("tenant-b must not be affected by tenant-a's quota: %v", err)
	}
}

func TestBurstDefaultsToRate(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 2})

	if err := l.Allow("tenant-a"); err != nil {
		t.Fatalf("first request: %v", err)
	}
	if err := l.Allow("tenant-a"); err != nil {
		t.Fatalf("second request: %v", err)
	}
	if err := l.Allow("tenant-a"); !errors.Is(err, ErrRateLimited) {
		t.Errorf("expected ErrRateLimited after burst, got %v", err)
	}
}
