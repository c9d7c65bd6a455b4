package scheduler

import (
	"sync"
	"time"
)

// Metrics tracks compile throughput for the scheduler.
type Metrics struct {
	Submitted       int64         `json:"submitted"`
	Coalesced       int64         `json:"coalesced"`
	Reruns          int64         `json:"reruns"`
	Succeeded       int64         `json:"succeeded"`
	Failed          int64         `json:"failed"`
	AverageDuration time.Duration `json:"average_duration_ns"`
	TotalDuration   time.Duration `json:"total_duration_ns"`
	mutex           sync.RWMutex
}

// NewMetrics creates an empty metrics tracker.
func NewMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) recordSubmit(outcome Submission) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.Submitted++
	if outcome != Queued {
		m.Coalesced++
	}
}

func (m *Metrics) recordRerun() {
	m.mutex.Lock()
	m.Reruns++
	m.mutex.Unlock()
}

// RecordRun records one finished compile execution.
func (m *Metrics) RecordRun(duration time.Duration, err error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.TotalDuration += duration
	if err != nil {
		m.Failed++
	} else {
		m.Succeeded++
	}

	if runs := m.Succeeded + m.Failed; runs > 0 {
		m.AverageDuration = m.TotalDuration / time.Duration(runs)
	}
}

// GetSnapshot returns a copy of the current counters.
func (m *Metrics) GetSnapshot() Metrics {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	return Metrics{
		Submitted:       m.Submitted,
		Coalesced:       m.Coalesced,
		Reruns:          m.Reruns,
		Succeeded:       m.Succeeded,
		Failed:          m.Failed,
		AverageDuration: m.AverageDuration,
		TotalDuration:   m.TotalDuration,
	}
}

// Runs is the number of compile executions, reruns included.
func (m *Metrics) Runs() int64 {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	return m.Succeeded + m.Failed
}

// Reset zeroes every counter.
func (m *Metrics) Reset() {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.Submitted = 0
	m.Coalesced = 0
	m.Reruns = 0
	m.Succeeded = 0
	m.Failed = 0
	m.AverageDuration = 0
	m.TotalDuration = 0
}

// GetSuccessRate returns the success rate as a percentage
func (m *Metrics) GetSuccessRate() float64 {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	runs := m.Succeeded + m.Failed
	if runs == 0 {
		return 0.0
	}

	return float64(m.Succeeded) / float64(runs) * 100.0
}
