// Package perfmonitor measures wall-clock durations of individual requests.
package perfmonitor

import "time"

// PerformanceMonitor is a stopwatch. It is not safe for concurrent use; the
// dispatcher creates one per request.
type PerformanceMonitor struct {
	startTime time.Time
	endTime   time.Time
}

// NewPerformanceMonitor returns a stopped monitor with no measurement.
func NewPerformanceMonitor() *PerformanceMonitor {
	return &PerformanceMonitor{}
}

// StartNew returns a monitor that has already been started.
func StartNew() *PerformanceMonitor {
	pm := &PerformanceMonitor{}
	pm.Start()
	return pm
}

// Start records the start time, discarding any previous end time.
func (pm *PerformanceMonitor) Start() {
	pm.startTime = time.Now()
	pm.endTime = time.Time{}
}

// Stop records the end time. It has no effect unless Start was called since
// the last Reset. Calling Stop again extends the measurement.
func (pm *PerformanceMonitor) Stop() {
	if pm.startTime.IsZero() {
		return
	}

	pm.endTime = time.Now()
}

// Reset clears both timestamps.
func (pm *PerformanceMonitor) Reset() {
	pm.startTime = time.Time{}
	pm.endTime = time.Time{}
}

// Elapsed returns the measured duration, or 0 unless both Start and Stop
// were called.
func (pm *PerformanceMonitor) Elapsed() time.Duration {
	if pm.startTime.IsZero() || pm.endTime.IsZero() {
		return 0
	}

	return pm.endTime.Sub(pm.startTime)
}

// ElapsedMilliseconds returns Elapsed in fractional milliseconds.
func (pm *PerformanceMonitor) ElapsedMilliseconds() float64 {
	return float64(pm.Elapsed()) / float64(time.Millisecond)
}
