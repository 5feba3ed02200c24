package ratelimit

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// DefaultMaxAttempts is the number of attempts allowed inside one window.
	DefaultMaxAttempts = 3
	// DefaultWindow is the length of the counting window.
	DefaultWindow = 5 * time.Minute
	// DefaultBlockDuration is the cooldown applied once the threshold is hit.
	DefaultBlockDuration = 5 * time.Minute
)

// TimeProvider abstracts time operations for deterministic testing.
type TimeProvider interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

// DefaultTimeProvider uses the standard library time functions.
type DefaultTimeProvider struct{}

// Now returns the current time.
func (DefaultTimeProvider) Now() time.Time { return time.Now() }

// Since returns the duration since t.
func (DefaultTimeProvider) Since(t time.Time) time.Duration { return time.Since(t) }

// Entry tracks attempt counts for one peer identifier.
type Entry struct {
	Attempts     int
	FirstAttempt time.Time
	LastAttempt  time.Time
	Blocked      bool
	BlockedUntil time.Time
}

// Limiter counts attempts per key inside a sliding window and blocks keys
// that exceed the configured maximum.
type Limiter struct {
	mu            sync.Mutex
	entries       map[string]*Entry
	maxAttempts   int
	window        time.Duration
	blockDuration time.Duration
	timeProvider  TimeProvider
}

// New creates a limiter with the given thresholds. Zero values fall back to
// the package defaults.
func New(maxAttempts int, window, blockDuration time.Duration) *Limiter {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if window <= 0 {
		window = DefaultWindow
	}
	if blockDuration <= 0 {
		blockDuration = DefaultBlockDuration
	}

	return &Limiter{
		entries:       make(map[string]*Entry),
		maxAttempts:   maxAttempts,
		window:        window,
		blockDuration: blockDuration,
		timeProvider:  DefaultTimeProvider{},
	}
}

// SetTimeProvider sets a custom time provider for deterministic testing.
func (l *Limiter) SetTimeProvider(tp TimeProvider) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.timeProvider = tp
}

// IsLimited reports whether the key is currently blocked, or has exhausted
// its attempts inside the active window.
func (l *Limiter) IsLimited(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, exists := l.entries[key]
	if !exists {
		return false
	}

	now := l.timeProvider.Now()

	if entry.Blocked {
		if now.Before(entry.BlockedUntil) {
			return true
		}
		// Cooldown elapsed; the key starts over.
		delete(l.entries, key)
		return false
	}

	if now.Sub(entry.FirstAttempt) > l.window {
		// Window elapsed without a block; the count no longer applies.
		delete(l.entries, key)
		return false
	}

	return entry.Attempts >= l.maxAttempts
}

// RecordAttempt registers an attempt for the key, starting a new window if
// the previous one has elapsed and promoting the entry to blocked once the
// threshold is reached. It returns a copy of the updated entry.
func (l *Limiter) RecordAttempt(key string) Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.timeProvider.Now()

	entry, exists := l.entries[key]
	if !exists || (!entry.Blocked && now.Sub(entry.FirstAttempt) > l.window) {
		entry = &Entry{FirstAttempt: now}
		l.entries[key] = entry
	}

	entry.Attempts++
	entry.LastAttempt = now

	if !entry.Blocked && entry.Attempts >= l.maxAttempts {
		entry.Blocked = true
		entry.BlockedUntil = now.Add(l.blockDuration)

		logrus.WithFields(logrus.Fields{
			"function":      "RecordAttempt",
			"key":           key,
			"attempts":      entry.Attempts,
			"blocked_until": entry.BlockedUntil,
		}).Warn("Peer blocked after exceeding connection attempt limit")
	}

	return *entry
}

// Clear removes the key's record, typically after successful authentication.
func (l *Limiter) Clear(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, key)
}
