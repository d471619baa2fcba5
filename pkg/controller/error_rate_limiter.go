package controller

import (
	"crypto/md5"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// ErrorRateLimiter provides exponential backoff for error logging to reduce log spam
type ErrorRateLimiter struct {
	mutex           sync.RWMutex
	errorEntries    map[string]*ErrorEntry
	backoffSchedule []time.Duration
	cleanupTicker   *clock.Ticker
	clock           clock.Clock

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// ErrorEntry tracks error information for a specific key
type ErrorEntry struct {
	lastError           error
	lastErrorTime       time.Time
	lastLogTime         time.Time
	errorCount          int
	currentBackoffIndex int    // Current backoff level (1-4: 1min, 5min, 15min, 60min)
	errorHash           string // Hash of error message to detect new error types
}

// NewErrorRateLimiter creates a new error rate limiter with exponential backoff
func NewErrorRateLimiter() *ErrorRateLimiter {
	return NewErrorRateLimiterWithClock(clock.New())
}

// NewErrorRateLimiterWithClock creates a rate limiter reading time from clk
func NewErrorRateLimiterWithClock(clk clock.Clock) *ErrorRateLimiter {
	erl := &ErrorRateLimiter{
		errorEntries: make(map[string]*ErrorEntry),
		backoffSchedule: []time.Duration{
			0,                // Index 0: 1st error - immediate
			1 * time.Minute,  // Index 1: 2nd error - 1 minute
			5 * time.Minute,  // Index 2: 3rd error - 5 minutes
			15 * time.Minute, // Index 3: 4th error - 15 minutes
			60 * time.Minute, // Index 4: 5th+ error - 60 minutes
		},
		clock:  clk,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}

	erl.cleanupTicker = clk.Ticker(24 * time.Hour)
	go func() {
		defer close(erl.done)
		for {
			select {
			case <-erl.stopCh:
				return
			case <-erl.cleanupTicker.C:
				erl.cleanup()
			}
		}
	}()

	return erl
}

// Stop stops the cleanup ticker and waits for its goroutine to exit.
// Safe to call more than once.
func (e *ErrorRateLimiter) Stop() {
	e.stopOnce.Do(func() {
		e.cleanupTicker.Stop()
		close(e.stopCh)
	})
	<-e.done
}

// ShouldLogError determines whether an error should be logged based on rate limiting
func (e *ErrorRateLimiter) ShouldLogError(key string, err error) (bool, string) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	now := e.clock.Now()
	errorHash := hashError(err)

	entry, exists := e.errorEntries[key]
	if !exists {
		e.errorEntries[key] = &ErrorEntry{
			lastError:           err,
			lastErrorTime:       now,
			lastLogTime:         now,
			errorCount:          1,
			currentBackoffIndex: 1,
			errorHash:           errorHash,
		}
		return true, ""
	}

	// A different error resets the backoff
	if entry.errorHash != errorHash {
		entry.lastError = err
		entry.lastErrorTime = now
		entry.lastLogTime = now
		entry.errorCount = 1
		entry.currentBackoffIndex = 1
		entry.errorHash = errorHash
		return true, "new error type"
	}

	entry.errorCount++
	entry.lastErrorTime = now

	timeSinceLastLog := now.Sub(entry.lastLogTime)
	backoffDuration := e.getBackoffDuration(entry.currentBackoffIndex)

	if timeSinceLastLog >= backoffDuration {
		entry.lastError = err
		entry.lastLogTime = now
		if entry.currentBackoffIndex < len(e.backoffSchedule)-1 {
			entry.currentBackoffIndex++
		}
		return true, ""
	}

	reason := fmt.Sprintf("rate limited (next log in %v)", backoffDuration-timeSinceLastLog)
	return false, reason
}

// Reset clears error tracking for key (call once the operation succeeds)
func (e *ErrorRateLimiter) Reset(key string) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	delete(e.errorEntries, key)
}

// getBackoffDuration returns backoff duration for given index
func (e *ErrorRateLimiter) getBackoffDuration(index int) time.Duration {
	if index < 0 {
		return 0
	}
	if index >= len(e.backoffSchedule) {
		return e.backoffSchedule[len(e.backoffSchedule)-1]
	}
	return e.backoffSchedule[index]
}

// GetBackoffIndex returns current backoff index for a key (for testing/metrics)
func (e *ErrorRateLimiter) GetBackoffIndex(key string) int {
	e.mutex.RLock()
	defer e.mutex.RUnlock()

	if entry, exists := e.errorEntries[key]; exists {
		return entry.currentBackoffIndex
	}
	return 0
}

// GetErrorCount returns error count for a key (for testing)
func (e *ErrorRateLimiter) GetErrorCount(key string) int {
	e.mutex.RLock()
	defer e.mutex.RUnlock()

	if entry, exists := e.errorEntries[key]; exists {
		return entry.errorCount
	}
	return 0
}

// hashError creates a hash of error message for comparison
func hashError(err error) string {
	if err == nil {
		return ""
	}
	return fmt.Sprintf("%x", md5.Sum([]byte(err.Error())))
}

// cleanup removes old error entries to prevent memory leaks
func (e *ErrorRateLimiter) cleanup() {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	cutoff := e.clock.Now().Add(-24 * time.Hour)
	for key, entry := range e.errorEntries {
		if entry.lastErrorTime.Before(cutoff) {
			delete(e.errorEntries, key)
		}
	}
}
