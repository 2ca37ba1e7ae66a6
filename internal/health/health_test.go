package health

import (
	"testing"
	"time"
)

func TestUnknownProviderIsHealthy(t *testing.T) {
	s := NewStore()
	if !s.IsHealthy("never-seen") {
		t.Error("unknown provider must be healthy")
	}
}

func TestFailureOpensCooldown(t *testing.T) {
	s := NewStore()
	now := time.Now()
	s.SetNowFunc(func() time.Time { return now })

	s.MarkFailure("groq", 0)
	if s.IsHealthy("groq") {
		t.Error("provider must be in cooldown right after failure")
	}

	// Just before the default cooldown elapses.
	now = now.Add(DefaultCooldown - time.Second)
	if s.IsHealthy("groq") {
		t.Error("cooldown must still be open at 29s")
	}

	now = now.Add(2 * time.Second)
	if !s.IsHealthy("groq") {
		t.Error("cooldown must have elapsed after 31s")
	}
}

func TestSuccessResetsCooldown(t *testing.T) {
	s := NewStore()
	s.MarkFailure("groq", 0)
	s.MarkSuccess("groq")

	if !s.IsHealthy("groq") {
		t.Error("success must close the cooldown window")
	}
	rec := s.Snapshot()["groq"]
	if rec.ConsecutiveFailures != 0 {
		t.Errorf("consecutive failures = %d, want 0", rec.ConsecutiveFailures)
	}
	if rec.FailureCount != 1 || rec.SuccessCount != 1 {
		t.Errorf("lifetime counters: %+v", rec)
	}
}

func TestCooldownDoublesAfterThreshold(t *testing.T) {
	s := NewStore()
	now := time.Now()
	s.SetNowFunc(func() time.Time { return now })

	// Five failures keep the default 30s window.
	for i := 0; i < 5; i++ {
		s.MarkFailure("flaky", 0)
	}
	rec := s.Snapshot()["flaky"]
	if got := rec.CooldownUntil.Sub(now); got != DefaultCooldown {
		t.Errorf("cooldown after 5 failures = %v, want %v", got, DefaultCooldown)
	}

	// The sixth doubles, the seventh doubles again.
	s.MarkFailure("flaky", 0)
	rec = s.Snapshot()["flaky"]
	if got := rec.CooldownUntil.Sub(now); got != 2*DefaultCooldown {
		t.Errorf("cooldown after 6 failures = %v, want %v", got, 2*DefaultCooldown)
	}

	s.MarkFailure("flaky", 0)
	rec = s.Snapshot()["flaky"]
	if got := rec.CooldownUntil.Sub(now); got != 4*DefaultCooldown {
		t.Errorf("cooldown after 7 failures = %v, want %v", got, 4*DefaultCooldown)
	}
}

func TestCooldownCapsAtMax(t *testing.T) {
	s := NewStore()
	now := time.Now()
	s.SetNowFunc(func() time.Time { return now })

	for i := 0; i < 30; i++ {
		s.MarkFailure("dead", 0)
	}
	rec := s.Snapshot()["dead"]
	if got := rec.CooldownUntil.Sub(now); got != MaxCooldown {
		t.Errorf("cooldown = %v, want cap %v", got, MaxCooldown)
	}
}

func TestAnyHealthy(t *testing.T) {
	s := NewStore()
	s.MarkFailure("a", 0)
	if !s.AnyHealthy([]string{"a", "b"}) {
		t.Error("b is healthy, AnyHealthy must be true")
	}
	if s.AnyHealthy([]string{"a"}) {
		t.Error("a alone is in cooldown")
	}
}
