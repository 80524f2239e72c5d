// Package liveness implements two independent slave-disconnection
// detectors: mailbox-PDO freshness and the heartbeat watchdog. Each keeps
// one mutex-protected entry per monitored slave with an explicit
// fresh/not-fresh flag, so the engine can fold both into composite
// readiness without re-deriving anything mid-cycle.
package liveness

import (
	"sync"
	"time"
)

// MailboxEntry tracks one slave's mailbox-input freshness.
type MailboxEntry struct {
	mu            sync.Mutex
	lastNonZeroTS time.Time
	cache         []byte
	fresh         bool
	timeout       time.Duration
}

// NewMailboxEntry creates an entry considered fresh until proven otherwise:
// a slave that has never been checked is assumed responding.
func NewMailboxEntry(timeout time.Duration) *MailboxEntry {
	return &MailboxEntry{fresh: true, timeout: timeout, lastNonZeroTS: time.Now()}
}

// Check runs the freshness test: if all bytes are zero and the last
// non-zero observation is older than the timeout, the slave is stale. When
// fresh, the cached last-nonzero payload is written back into dst so
// downstream readers never see transient zeroes between slave writes.
func (e *MailboxEntry) Check(now time.Time, raw []byte, dst []byte) (fresh bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	allZero := true
	for _, b := range raw {
		if b != 0 {
			allZero = false
			break
		}
	}

	if allZero {
		if now.Sub(e.lastNonZeroTS) > e.timeout {
			e.fresh = false
		}
		if e.fresh && len(e.cache) == len(dst) {
			copy(dst, e.cache)
		}
		return e.fresh
	}

	e.lastNonZeroTS = now
	e.fresh = true
	if cap(e.cache) < len(raw) {
		e.cache = make([]byte, len(raw))
	}
	e.cache = e.cache[:len(raw)]
	copy(e.cache, raw)
	copy(dst, raw)
	return true
}

// Fresh reports the last computed freshness without performing a new check.
func (e *MailboxEntry) Fresh() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fresh
}

// MailboxMonitor tracks freshness for every slave that has mailbox-mode
// input entries. Slaves with none are always reported fresh; the detector
// only applies where mailbox PDOs exist.
type MailboxMonitor struct {
	mu      sync.Mutex
	entries map[int]*MailboxEntry
	timeout time.Duration
}

func NewMailboxMonitor(timeout time.Duration) *MailboxMonitor {
	return &MailboxMonitor{entries: map[int]*MailboxEntry{}, timeout: timeout}
}

// Check runs the freshness test for one slave's mailbox byte range,
// creating its entry on first use.
func (m *MailboxMonitor) Check(slavePosition int, now time.Time, raw []byte, dst []byte) bool {
	m.mu.Lock()
	entry, ok := m.entries[slavePosition]
	if !ok {
		entry = NewMailboxEntry(m.timeout)
		m.entries[slavePosition] = entry
	}
	m.mu.Unlock()
	return entry.Check(now, raw, dst)
}

// Fresh reports whether slavePosition is currently considered fresh. A
// slave with no mailbox entries (never Checked) is reported fresh.
func (m *MailboxMonitor) Fresh(slavePosition int) bool {
	m.mu.Lock()
	entry, ok := m.entries[slavePosition]
	m.mu.Unlock()
	if !ok {
		return true
	}
	return entry.Fresh()
}
