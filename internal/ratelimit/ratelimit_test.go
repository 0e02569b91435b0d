package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestAllowWithinQuota(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	l := New(Quota{PerMinute: 3, PerDay: 100}, func() time.Time { return now })

	for i := 0; i < 3; i++ {
		if ok, _ := l.Allow(context.Background(), "caller"); !ok {
			t.Fatalf("request %d denied within quota", i+1)
		}
	}
	ok, retryAfter := l.Allow(context.Background(), "caller")
	if ok {
		t.Fatalf("fourth request allowed past per-minute quota")
	}
	if retryAfter <= 0 || retryAfter > time.Minute {
		t.Fatalf("retryAfter = %v", retryAfter)
	}
}

func TestMinuteWindowRollsOver(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	l := New(Quota{PerMinute: 1, PerDay: 100}, func() time.Time { return now })

	if ok, _ := l.Allow(context.Background(), "caller"); !ok {
		t.Fatalf("first request denied")
	}
	if ok, _ := l.Allow(context.Background(), "caller"); ok {
		t.Fatalf("second request in the same minute allowed")
	}
	now = now.Add(61 * time.Second)
	if ok, _ := l.Allow(context.Background(), "caller"); !ok {
		t.Fatalf("request denied after the window rolled over")
	}
}

func TestDayQuotaOutlivesMinuteWindows(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	l := New(Quota{PerMinute: 10, PerDay: 2}, func() time.Time { return now })

	l.Allow(context.Background(), "caller")
	l.Allow(context.Background(), "caller")
	now = now.Add(2 * time.Minute)
	ok, retryAfter := l.Allow(context.Background(), "caller")
	if ok {
		t.Fatalf("third request allowed past the daily quota")
	}
	if retryAfter < 23*time.Hour {
		t.Fatalf("retryAfter = %v, want close to a day", retryAfter)
	}
}

func TestCallersAreIndependent(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	l := New(Quota{PerMinute: 1, PerDay: 10}, func() time.Time { return now })

	if ok, _ := l.Allow(context.Background(), "a"); !ok {
		t.Fatalf("caller a denied")
	}
	if ok, _ := l.Allow(context.Background(), "b"); !ok {
		t.Fatalf("caller b denied after a used its quota")
	}
}

func TestPrune(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	l := New(Quota{PerMinute: 1, PerDay: 1}, func() time.Time { return now })

	l.Allow(context.Background(), "caller")
	now = now.Add(25 * time.Hour)
	l.Prune()
	if len(l.minute) != 0 || len(l.day) != 0 {
		t.Fatalf("stale windows survived prune: %d/%d", len(l.minute), len(l.day))
	}
}

func TestDenialConsumesNoOtherWindow(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	l := New(Quota{PerMinute: 1, PerDay: 2}, func() time.Time { return now })

	if ok, _ := l.Allow(context.Background(), "caller"); !ok {
		t.Fatal("first request denied")
	}
	// Minute window is now full; the denials must not touch the day window.
	for i := 0; i < 5; i++ {
		if ok, _ := l.Allow(context.Background(), "caller"); ok {
			t.Fatal("request allowed past the minute quota")
		}
	}

	now = now.Add(time.Minute)
	if ok, _ := l.Allow(context.Background(), "caller"); !ok {
		t.Fatal("day allowance was burned by denied requests")
	}

	now = now.Add(time.Minute)
	ok, retryAfter := l.Allow(context.Background(), "caller")
	if ok {
		t.Fatal("request allowed past the day quota")
	}
	if retryAfter <= time.Minute {
		t.Fatalf("retryAfter = %v, want the day window remainder", retryAfter)
	}
}
