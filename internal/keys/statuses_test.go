package keys

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"
)

func TestMemoryStatusesExpire(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	m := NewMemoryStatuses()
	m.now = func() time.Time { return now }

	if got, _ := m.Get(ctx, "k"); got != StatusUnknown {
		t.Fatalf("fresh key status = %s, want unknown", got)
	}
	_ = m.Set(ctx, "k", StatusQuota)
	if got, _ := m.Get(ctx, "k"); got != StatusQuota {
		t.Fatalf("status = %s, want quota", got)
	}

	now = now.Add(2 * time.Hour)
	if got, _ := m.Get(ctx, "k"); got != StatusUnknown {
		t.Errorf("quota status after an hour = %s, want unknown", got)
	}

	_ = m.Set(ctx, "k", StatusBroken)
	now = now.Add(2 * time.Hour)
	if got, _ := m.Get(ctx, "k"); got != StatusBroken {
		t.Errorf("broken status expired too early: %s", got)
	}
}

func TestStatusUsable(t *testing.T) {
	tests := map[Status]bool{
		StatusUnknown: true,
		StatusWorks:   true,
		StatusBroken:  false,
		StatusQuota:   false,
	}
	for s, want := range tests {
		if got := s.Usable(); got != want {
			t.Errorf("%s.Usable() = %v, want %v", s, got, want)
		}
	}
}

func TestFingerprintHidesKey(t *testing.T) {
	fp := Fingerprint("sk-very-secret")
	if strings.Contains(fp, "secret") || len(fp) != 16 {
		t.Errorf("fingerprint = %q", fp)
	}
	if fp != Fingerprint("sk-very-secret") {
		t.Error("fingerprint is not stable")
	}
	if fp == Fingerprint("sk-other") {
		t.Error("different keys share a fingerprint")
	}
}

func TestRedisStatuses(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	ctx := context.Background()
	r, err := NewRedisStatuses(ctx, url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })

	key := "test-key-" + time.Now().Format(time.RFC3339Nano)
	if got, err := r.Get(ctx, key); err != nil || got != StatusUnknown {
		t.Fatalf("Get = %s, %v; want unknown", got, err)
	}
	if err := r.Set(ctx, key, StatusBroken); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if got, err := r.Get(ctx, key); err != nil || got != StatusBroken {
		t.Errorf("Get = %s, %v; want broken", got, err)
	}
}
