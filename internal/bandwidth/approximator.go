// Package bandwidth estimates download throughput from byte counts reported
// as transfers progress.
package bandwidth

import "sync"

const (
	// SmoothInterval is the window, in milliseconds, over which raw byte
	// samples are summed into a smoothed rate.
	SmoothInterval = 15 * 1000
	// MeasureInterval is the window, in milliseconds, over which the maximum
	// smoothed rate is reported.
	MeasureInterval = 60 * 1000
)

type sample struct {
	value     float64
	timestamp float64
}

// Approximator reports the best smoothed rate seen in the last MeasureInterval.
// Timestamps are milliseconds on a monotonic clock and must not decrease.
type Approximator struct {
	mu        sync.Mutex
	bytes     []sample
	bytesSum  float64
	bandwidth []sample
}

// New returns an empty Approximator.
func New() *Approximator {
	return &Approximator{}
}

// AddBytes records n bytes received at timestamp and appends the resulting
// smoothed rate.
func (a *Approximator) AddBytes(n int, timestamp float64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.bytes = append(a.bytes, sample{value: float64(n), timestamp: timestamp})
	a.bytesSum += float64(n)

	drop := 0
	for drop < len(a.bytes) && timestamp-a.bytes[drop].timestamp > SmoothInterval {
		a.bytesSum -= a.bytes[drop].value
		drop++
	}
	a.bytes = a.bytes[drop:]

	// Dividing by the elapsed clock rather than the sample span keeps the first
	// samples after startup from reporting a spike.
	interval := min(float64(SmoothInterval), timestamp)
	if interval <= 0 {
		return
	}
	a.bandwidth = append(a.bandwidth, sample{value: a.bytesSum / interval, timestamp: timestamp})
}

// GetBandwidth returns bytes per millisecond: the maximum smoothed rate within
// MeasureInterval of timestamp, or 0 when there is none.
func (a *Approximator) GetBandwidth(timestamp float64) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	drop := 0
	for drop < len(a.bandwidth) && timestamp-a.bandwidth[drop].timestamp > MeasureInterval {
		drop++
	}
	a.bandwidth = a.bandwidth[drop:]

	max := 0.0
	for _, s := range a.bandwidth {
		if s.value > max {
			max = s.value
		}
	}
	return max
}

// SmoothInterval returns the smoothing window in milliseconds.
func (a *Approximator) SmoothInterval() float64 { return SmoothInterval }

// MeasureInterval returns the measurement window in milliseconds.
func (a *Approximator) MeasureInterval() float64 { return MeasureInterval }
