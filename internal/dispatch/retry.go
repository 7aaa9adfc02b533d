package dispatch

import (
	"math"
	"sync"
	"time"

	necroerr "necrocode/internal/errors"
)

// RetryRecord tracks the failure history of one task.
type RetryRecord struct {
	Attempts     int
	LastFailure  time.Time
	LastReason   string
	NextEligible time.Time
}

// RetryManager decides whether a failed task gets another attempt.
// Backoff follows min(initial·base^(n-1), max).
type RetryManager struct {
	mu      sync.Mutex
	records map[string]*RetryRecord

	maxAttempts  int
	base         float64
	initialDelay time.Duration
	maxDelay     time.Duration
	now          func() time.Time
}

// NewRetryManager builds a manager with the configured policy.
func NewRetryManager(maxAttempts int, base float64, initialDelay, maxDelay time.Duration) *RetryManager {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if base < 1 {
		base = 2
	}
	if initialDelay <= 0 {
		initialDelay = time.Second
	}
	if maxDelay <= 0 {
		maxDelay = 300 * time.Second
	}
	return &RetryManager{
		records:      make(map[string]*RetryRecord),
		maxAttempts:  maxAttempts,
		base:         base,
		initialDelay: initialDelay,
		maxDelay:     maxDelay,
		now:          time.Now,
	}
}

// RecordFailure bumps the attempt count and computes the next eligible
// time, then returns the updated record.
func (m *RetryManager) RecordFailure(key, reason string) RetryRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[key]
	if !ok {
		rec = &RetryRecord{}
		m.records[key] = rec
	}
	rec.Attempts++
	rec.LastFailure = m.now()
	rec.LastReason = reason

	delay := time.Duration(float64(m.initialDelay) * math.Pow(m.base, float64(rec.Attempts-1)))
	if delay > m.maxDelay || delay <= 0 {
		delay = m.maxDelay
	}
	rec.NextEligible = rec.LastFailure.Add(delay)
	return *rec
}

// ShouldRetry reports whether the task has attempts left and its backoff
// has elapsed. A task with no failure record is always retryable.
func (m *RetryManager) ShouldRetry(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[key]
	if !ok {
		return true
	}
	return rec.Attempts < m.maxAttempts && !m.now().Before(rec.NextEligible)
}

// ExhaustedOrWaiting distinguishes the two reasons ShouldRetry can say
// no: attempts used up, or backoff still pending.
func (m *RetryManager) ExhaustedOrWaiting(key string) (exhausted, waiting bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[key]
	if !ok {
		return false, false
	}
	if rec.Attempts >= m.maxAttempts {
		return true, false
	}
	return false, m.now().Before(rec.NextEligible)
}

// Attempts returns the recorded attempt count.
func (m *RetryManager) Attempts(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[key]; ok {
		return rec.Attempts
	}
	return 0
}

// Clear drops the record after a success.
func (m *RetryManager) Clear(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, key)
}

// Config exposes the policy as a retry config for in-runner use.
func (m *RetryManager) Config() necroerr.RetryConfig {
	return necroerr.RetryConfig{
		MaxAttempts: m.maxAttempts,
		BaseDelay:   m.initialDelay,
		MaxDelay:    m.maxDelay,
	}
}
