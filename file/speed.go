package file

import "time"

const (
	// speedSampleInterval is the minimum spacing between two speed samples.
	speedSampleInterval = 500 * time.Millisecond
	// speedSampleWindow is how many samples the sliding average covers.
	speedSampleWindow = 5
)

// speedTracker computes a sliding-average transfer speed. Each sample is
// the byte delta over the elapsed time since the previous sample, taken at
// most once per speedSampleInterval; the reported speed is the mean of the
// last speedSampleWindow samples.
type speedTracker struct {
	samples        []float64
	lastSampleTime time.Time
	lastBytes      int64
	timeProvider   TimeProvider
}

func newSpeedTracker(tp TimeProvider) *speedTracker {
	return &speedTracker{timeProvider: tp}
}

// observe feeds the current cumulative byte count into the tracker.
func (s *speedTracker) observe(totalBytes int64) {
	now := s.timeProvider.Now()

	if s.lastSampleTime.IsZero() {
		s.lastSampleTime = now
		s.lastBytes = totalBytes
		return
	}

	elapsed := now.Sub(s.lastSampleTime)
	if elapsed < speedSampleInterval {
		return
	}

	sample := float64(totalBytes-s.lastBytes) / elapsed.Seconds()
	s.samples = append(s.samples, sample)
	if len(s.samples) > speedSampleWindow {
		s.samples = s.samples[len(s.samples)-speedSampleWindow:]
	}

	s.lastSampleTime = now
	s.lastBytes = totalBytes
}

// speed returns the sliding-average bytes per second, or 0 before the first
// sample exists.
func (s *speedTracker) speed() float64 {
	if len(s.samples) == 0 {
		return 0
	}
	var sum float64
	for _, v := range s.samples {
		sum += v
	}
	return sum / float64(len(s.samples))
}

// eta estimates time remaining for the given totals. Returns 0 when the
// speed is still unknown.
func (s *speedTracker) eta(totalBytes, transferred int64) time.Duration {
	sp := s.speed()
	if sp <= 0 || transferred >= totalBytes {
		return 0
	}
	seconds := float64(totalBytes-transferred) / sp
	return time.Duration(seconds * float64(time.Second))
}
