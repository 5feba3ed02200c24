package ratelimit

import (
	"testing"
	"time"
)

func TestLimiterAllowsWithinBudget(t *testing.T) {
	l := New(3, 5*time.Minute, 5*time.Minute)

	if l.IsLimited("peer-a") {
		t.Error("IsLimited() true for a key with no attempts")
	}

	l.RecordAttempt("peer-a")
	l.RecordAttempt("peer-a")

	if l.IsLimited("peer-a") {
		t.Error("IsLimited() true after 2 of 3 attempts")
	}
}

func TestLimiterBlocksAtThreshold(t *testing.T) {
	l := New(3, 5*time.Minute, 5*time.Minute)

	l.RecordAttempt("peer-a")
	l.RecordAttempt("peer-a")
	entry := l.RecordAttempt("peer-a")

	if !entry.Blocked {
		t.Error("RecordAttempt() third attempt did not block the key")
	}
	if !l.IsLimited("peer-a") {
		t.Error("IsLimited() false after the attempt budget was exhausted")
	}
}

func TestLimiterKeysAreIndependent(t *testing.T) {
	l := New(3, 5*time.Minute, 5*time.Minute)

	for i := 0; i < 3; i++ {
		l.RecordAttempt("peer-a")
	}

	if l.IsLimited("peer-b") {
		t.Error("IsLimited() true for an untouched key after blocking another")
	}
}

func TestLimiterWindowReset(t *testing.T) {
	tp := newMockTimeProvider()
	l := New(3, 5*time.Minute, 5*time.Minute)
	l.SetTimeProvider(tp)

	l.RecordAttempt("peer-a")
	l.RecordAttempt("peer-a")

	// Past the window, the old count no longer applies.
	tp.Advance(5*time.Minute + time.Second)

	if l.IsLimited("peer-a") {
		t.Error("IsLimited() true after the counting window elapsed")
	}

	entry := l.RecordAttempt("peer-a")
	if entry.Attempts != 1 {
		t.Errorf("RecordAttempt() after window reset counted %d attempts, want 1", entry.Attempts)
	}
}

func TestLimiterCooldownExpiry(t *testing.T) {
	tp := newMockTimeProvider()
	l := New(3, 5*time.Minute, 5*time.Minute)
	l.SetTimeProvider(tp)

	for i := 0; i < 3; i++ {
		l.RecordAttempt("peer-a")
	}
	if !l.IsLimited("peer-a") {
		t.Fatal("IsLimited() false after exhausting the budget")
	}

	// Still inside the cooldown.
	tp.Advance(4 * time.Minute)
	if !l.IsLimited("peer-a") {
		t.Error("IsLimited() false before the cooldown elapsed")
	}

	// Past the cooldown, the key starts over.
	tp.Advance(time.Minute + time.Second)
	if l.IsLimited("peer-a") {
		t.Error("IsLimited() true after the cooldown elapsed")
	}
}

func TestLimiterClear(t *testing.T) {
	l := New(3, 5*time.Minute, 5*time.Minute)

	for i := 0; i < 3; i++ {
		l.RecordAttempt("peer-a")
	}
	l.Clear("peer-a")

	if l.IsLimited("peer-a") {
		t.Error("IsLimited() true after Clear()")
	}
}

func TestLimiterZeroValuesFallBackToDefaults(t *testing.T) {
	l := New(0, 0, 0)

	if l.maxAttempts != DefaultMaxAttempts {
		t.Errorf("New(0,0,0) maxAttempts = %d, want %d", l.maxAttempts, DefaultMaxAttempts)
	}
	if l.window != DefaultWindow {
		t.Errorf("New(0,0,0) window = %v, want %v", l.window, DefaultWindow)
	}
	if l.blockDuration != DefaultBlockDuration {
		t.Errorf("New(0,0,0) blockDuration = %v, want %v", l.blockDuration, DefaultBlockDuration)
	}
}
