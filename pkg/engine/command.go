package engine

import (
	"time"

	"github.com/pollen-robotics/ethercat-master/pkg/fieldbus"
)

// ByteRangeWrite is one write destined for the live process image, already
// translated from CiA 402 intent into bytes by the caller (pkg/rpc, via
// pkg/cia402). The engine never interprets Data; it only copies it into
// Range.
type ByteRangeWrite struct {
	SlavePosition int
	Range         fieldbus.ByteRange
	Data          []byte
	PublishedAt   time.Time
}

// commandQueue is a bounded multi-producer/single-consumer channel:
// producers (the RPC server) enqueue without blocking and drop on
// overflow; the engine drains non-blockingly once per tick. Sized at 20
// writes per slave, enough for command bursts without letting entries
// grow arbitrarily stale in the backlog.
type commandQueue struct {
	ch chan ByteRangeWrite
}

func newCommandQueue(numSlaves int) *commandQueue {
	size := numSlaves * 20
	if size < 20 {
		size = 20
	}
	return &commandQueue{ch: make(chan ByteRangeWrite, size)}
}

// TryEnqueue attempts a non-blocking send. Returns false if the queue is
// full, in which case the caller (the RPC server) should count it as a
// dropped message, never block.
func (q *commandQueue) TryEnqueue(w ByteRangeWrite) bool {
	select {
	case q.ch <- w:
		return true
	default:
		return false
	}
}

// drainInto pulls everything currently queued, applies it to img in
// enqueue order (so overlapping ranges are last-write-wins), and drops
// anything whose PublishedAt is older than dropTime relative to now. It
// returns the number of writes applied and the number dropped as stale.
func (q *commandQueue) drainInto(img []byte, now time.Time, dropTime time.Duration) (applied, dropped int) {
	for {
		select {
		case w := <-q.ch:
			if dropTime > 0 && now.Sub(w.PublishedAt) > dropTime {
				dropped++
				continue
			}
			if w.Range.End <= len(img) {
				copy(img[w.Range.Start:w.Range.End], w.Data)
				applied++
			}
		default:
			return applied, dropped
		}
	}
}
