package ratelimit

import "time"

// mockTimeProvider allows tests to control time deterministically.
type mockTimeProvider struct {
	currentTime time.Time
}

func newMockTimeProvider() *mockTimeProvider {
	return &mockTimeProvider{currentTime: time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)}
}

func (m *mockTimeProvider) Now() time.Time { return m.currentTime }

func (m *mockTimeProvider) Since(t time.Time) time.Duration { return m.currentTime.Sub(t) }

func (m *mockTimeProvider) Advance(d time.Duration) { m.currentTime = m.currentTime.Add(d) }
