package liveness

import (
	"sync"
	"time"
)

// watchdog bit layout: the outgoing counter rides reserved control bits
// 11-15 (high nibble of the control word's high byte plus one spare bit);
// the returned counter rides reserved status bits {8, 14, 15}. Slave
// firmware with a different manufacturer-bit assignment must be
// cross-checked before deployment.

// DecodeCounter extracts the 3-bit returned counter from a status word's
// manufacturer bits (8, 14, 15).
func DecodeCounter(statusWord uint16) uint8 {
	// bit 8 contributes the low bit, bits 14-15 the top two bits.
	var c uint8
	if statusWord&(1<<8) != 0 {
		c |= 0b001
	}
	if statusWord&(1<<14) != 0 {
		c |= 0b010
	}
	if statusWord&(1<<15) != 0 {
		c |= 0b100
	}
	return c
}

// EncodeCounter writes a 3-bit outgoing counter into a control word's
// reserved bits 11-15, preserving the low bits (the real CiA 402 command
// bits, 0-7, plus bit 9/10 which are unused here).
func EncodeCounter(controlWord uint16, counter uint8) uint16 {
	controlWord &^= 0b1111_1000_0000_0000 // clear bits 11-15
	controlWord |= uint16(counter&0x07) << 11
	return controlWord
}

// WatchdogEntry tracks one slave's heartbeat counter round-trip.
type WatchdogEntry struct {
	mu           sync.Mutex
	previous     uint8
	lastChangeTS time.Time
	fresh        bool
	timeout      time.Duration
	started      bool
}

func NewWatchdogEntry(timeout time.Duration) *WatchdogEntry {
	return &WatchdogEntry{fresh: true, timeout: timeout, lastChangeTS: time.Now()}
}

// Check runs the freshness test: if the returned counter hasn't changed
// for longer than the timeout, the slave is stale.
func (e *WatchdogEntry) Check(now time.Time, counter uint8) (fresh bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.started {
		e.started = true
		e.previous = counter
		e.lastChangeTS = now
		return true
	}

	if counter == e.previous {
		if now.Sub(e.lastChangeTS) > e.timeout {
			e.fresh = false
		}
		return e.fresh
	}

	e.previous = counter
	e.lastChangeTS = now
	e.fresh = true
	return true
}

func (e *WatchdogEntry) Fresh() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fresh
}

// WatchdogMonitor tracks the round-trip counter for every slave and hands
// out the next outgoing counter value, incrementing modulo 8 once per
// cycle.
type WatchdogMonitor struct {
	mu      sync.Mutex
	entries map[int]*WatchdogEntry
	timeout time.Duration
	out     uint8
}

func NewWatchdogMonitor(timeout time.Duration) *WatchdogMonitor {
	return &WatchdogMonitor{entries: map[int]*WatchdogEntry{}, timeout: timeout}
}

// Advance increments the outgoing counter modulo 8 and returns it. Called
// once per cycle, before the frame is sent.
func (m *WatchdogMonitor) Advance() uint8 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.out = (m.out + 1) % 8
	return m.out
}

// Check runs the freshness test for one slave's returned counter.
func (m *WatchdogMonitor) Check(slavePosition int, now time.Time, returnedCounter uint8) bool {
	m.mu.Lock()
	entry, ok := m.entries[slavePosition]
	if !ok {
		entry = NewWatchdogEntry(m.timeout)
		m.entries[slavePosition] = entry
	}
	m.mu.Unlock()
	return entry.Check(now, returnedCounter)
}

func (m *WatchdogMonitor) Fresh(slavePosition int) bool {
	m.mu.Lock()
	entry, ok := m.entries[slavePosition]
	m.mu.Unlock()
	if !ok {
		return true
	}
	return entry.Fresh()
}
