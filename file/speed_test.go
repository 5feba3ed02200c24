package file

import (
	"testing"
	"time"
)

func TestSpeedTrackerBeforeFirstSample(t *testing.T) {
	tracker := newSpeedTracker(newMockTimeProvider())

	if tracker.speed() != 0 {
		t.Errorf("speed() = %f before any observation, want 0", tracker.speed())
	}
	if tracker.eta(1000, 0) != 0 {
		t.Error("eta() != 0 while the speed is unknown")
	}
}

func TestSpeedTrackerSteadyRate(t *testing.T) {
	tp := newMockTimeProvider()
	tracker := newSpeedTracker(tp)

	// 1000 bytes per second, observed once per second.
	var total int64
	tracker.observe(total)
	for i := 0; i < 10; i++ {
		tp.Advance(time.Second)
		total += 1000
		tracker.observe(total)
	}

	speed := tracker.speed()
	if speed < 999 || speed > 1001 {
		t.Errorf("speed() = %f, want ~1000", speed)
	}
}

func TestSpeedTrackerIgnoresRapidObservations(t *testing.T) {
	tp := newMockTimeProvider()
	tracker := newSpeedTracker(tp)

	tracker.observe(0)
	// Below the sample interval, observations must not create samples.
	tp.Advance(100 * time.Millisecond)
	tracker.observe(50)

	if len(tracker.samples) != 0 {
		t.Errorf("observe() created %d samples inside the interval, want 0", len(tracker.samples))
	}
}

func TestSpeedTrackerWindowSlides(t *testing.T) {
	tp := newMockTimeProvider()
	tracker := newSpeedTracker(tp)

	// A slow start followed by a fast steady state: once the window has
	// slid past the slow samples, only the fast rate remains.
	var total int64
	tracker.observe(total)
	for i := 0; i < 3; i++ {
		tp.Advance(time.Second)
		total += 100
		tracker.observe(total)
	}
	for i := 0; i < speedSampleWindow; i++ {
		tp.Advance(time.Second)
		total += 10000
		tracker.observe(total)
	}

	speed := tracker.speed()
	if speed < 9999 || speed > 10001 {
		t.Errorf("speed() = %f after window slid, want ~10000", speed)
	}
	if len(tracker.samples) != speedSampleWindow {
		t.Errorf("window holds %d samples, want %d", len(tracker.samples), speedSampleWindow)
	}
}

func TestSpeedTrackerEta(t *testing.T) {
	tp := newMockTimeProvider()
	tracker := newSpeedTracker(tp)

	var total int64
	tracker.observe(total)
	for i := 0; i < 5; i++ {
		tp.Advance(time.Second)
		total += 1000
		tracker.observe(total)
	}

	// 5000 of 10000 bytes at ~1000 B/s leaves ~5s.
	eta := tracker.eta(10000, total)
	if eta < 4*time.Second || eta > 6*time.Second {
		t.Errorf("eta() = %v, want ~5s", eta)
	}

	if tracker.eta(10000, 10000) != 0 {
		t.Error("eta() != 0 once everything transferred")
	}
}
