// Package engine implements the hard-periodic cyclic exchange loop: a
// single dedicated goroutine owns the live process image and is the only
// writer to it, never blocks inside its tick, and publishes an immutable
// [image.Snapshot] once per cycle for every other reader.
package engine

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/pollen-robotics/ethercat-master/pkg/cia402"
	"github.com/pollen-robotics/ethercat-master/pkg/fieldbus"
	"github.com/pollen-robotics/ethercat-master/pkg/image"
	"github.com/pollen-robotics/ethercat-master/pkg/liveness"
)

// Readiness is the composite master state: READY requires link up, every
// slave in AL OP, and every slave's liveness detectors fresh. Dropping any
// one condition drops the whole engine back to NOT_READY until all
// conditions hold again simultaneously.
type Readiness uint8

const (
	NotReady Readiness = iota
	Ready
)

func (r Readiness) String() string {
	if r == Ready {
		return "READY"
	}
	return "NOT_READY"
}

// SlaveRuntime bundles the per-slave state the engine drives every cycle:
// its static descriptor, its mailbox input entry names (for liveness), and
// (for CiA 402 slaves only) a cooperative setup/turn-on driver.
type SlaveRuntime struct {
	Descriptor    fieldbus.SlaveDescriptor
	MailboxInputs []string
	Driver        *cia402.Driver // nil unless Descriptor.HasCiA402()
}

// Engine owns the live process image and runs the tick loop. Construct with
// [New], then call [Engine.Run] from a single goroutine (typically
// supervised by an errgroup alongside the RPC server).
type Engine struct {
	logger *slog.Logger
	cfg    Config
	handle fieldbus.Handle
	layout fieldbus.Layout
	slaves []SlaveRuntime

	mailbox  *liveness.MailboxMonitor
	watchdog *liveness.WatchdogMonitor

	queue *commandQueue

	cycleTick *broadcaster
	readyTick *broadcaster

	snapMu   sync.RWMutex
	snapshot image.Snapshot

	readyMu sync.RWMutex
	ready   Readiness

	mailboxSpans map[int][]mailboxSpan
}

// mailboxSpan is one mailbox-mode input entry's byte range within the live
// image, pre-resolved at construction time so the tick loop never walks
// slave descriptors while the clock is running.
type mailboxSpan struct {
	rng fieldbus.ByteRange
}

// New builds an Engine from an already-Scan'd and Configure'd fieldbus
// handle. Callers are expected to have driven Scan/Configure/Activate
// themselves (the one-time startup sequence lives in the
// cmd/ethercat-masterd wiring, not here) so the engine's job starts clean
// at "process image is live".
func New(logger *slog.Logger, cfg Config, handle fieldbus.Handle, layout fieldbus.Layout, slaves []SlaveRuntime, mailboxInputs fieldbus.MailboxInputEntries) *Engine {
	if logger == nil {
		logger = slog.Default()
	}

	spans := map[int][]mailboxSpan{}
	for pos, names := range mailboxInputs {
		for _, name := range names {
			if rng, ok := layout.Lookup(pos, name, 0); ok {
				spans[pos] = append(spans[pos], mailboxSpan{rng: rng})
			}
		}
	}

	return &Engine{
		logger:       logger.With("service", "[ENGINE]"),
		cfg:          cfg,
		handle:       handle,
		layout:       layout,
		slaves:       slaves,
		mailbox:      liveness.NewMailboxMonitor(cfg.MailboxTimeout),
		watchdog:     liveness.NewWatchdogMonitor(cfg.WatchdogTimeout),
		queue:        newCommandQueue(len(slaves)),
		cycleTick:    newBroadcaster(),
		readyTick:    newBroadcaster(),
		mailboxSpans: spans,
	}
}

// EnqueueCommand offers a write to the engine's bounded command queue.
// Non-blocking: returns false if the queue is currently full, in which
// case the caller (pkg/rpc) must count it as dropped rather than retry
// synchronously.
func (e *Engine) EnqueueCommand(w ByteRangeWrite) bool {
	return e.queue.TryEnqueue(w)
}

// Snapshot returns the most recently published snapshot. Safe to call from
// any goroutine.
func (e *Engine) Snapshot() image.Snapshot {
	e.snapMu.RLock()
	defer e.snapMu.RUnlock()
	return e.snapshot
}

// Readiness returns the current composite master readiness.
func (e *Engine) Readiness() Readiness {
	e.readyMu.RLock()
	defer e.readyMu.RUnlock()
	return e.ready
}

// WatchCycle returns a channel closed once the next cycle has published
// its snapshot.
func (e *Engine) WatchCycle() <-chan struct{} { return e.cycleTick.Watch() }

// WatchReadiness returns a channel closed the next time composite
// readiness changes.
func (e *Engine) WatchReadiness() <-chan struct{} { return e.readyTick.Watch() }

// Run executes the tick loop until ctx is cancelled or an unrecoverable
// fieldbus error occurs. On an unrecoverable error it logs and, unless
// cfg.RecoverFromError is set, calls os.Exit(10) so supervisors can tell
// loss of operational state apart from a clean shutdown -- this is the one
// place this package calls os.Exit.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.CyclePeriod)
	defer ticker.Stop()

	e.logger.Info("starting cyclic engine", "period", e.cfg.CyclePeriod)

	var (
		lastJitterLog time.Time
		ticks         uint64
		periodSum     time.Duration
		lastTick      time.Time
	)

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("cyclic engine stopping")
			return ctx.Err()
		case now := <-ticker.C:
			if !lastTick.IsZero() {
				periodSum += now.Sub(lastTick)
				ticks++
			}
			lastTick = now

			if err := e.tick(now); err != nil {
				if !e.cfg.RecoverFromError {
					e.logger.Error("unrecoverable fieldbus error", "err", err)
					os.Exit(10)
				}
				e.logger.Error("recoverable fieldbus error, continuing", "err", err)
			}

			if e.cfg.JitterLogInterval > 0 && now.Sub(lastJitterLog) >= e.cfg.JitterLogInterval && ticks > 0 {
				avg := periodSum / time.Duration(ticks)
				e.logger.Info("cycle timing", "target", e.cfg.CyclePeriod, "observed_avg", avg, "ticks", ticks)
				lastJitterLog = now
				ticks = 0
				periodSum = 0
			}
		}
	}
}

// tick runs one full exchange cycle: receive, verify liveness, drive the
// CiA 402 sequences, publish, drain commands, advance the watchdog, send,
// recompute readiness. The sleep-until-next-period step is handled by the
// ticker in Run: a missed tick is simply skipped, never fired twice.
func (e *Engine) tick(now time.Time) error {
	if err := e.handle.CycleRx(); err != nil {
		return err
	}

	alStates := e.handle.ALStates()

	// mailbox verification (if enabled), per slave with mailbox inputs.
	if e.cfg.EnableMailboxVerification {
		e.verifyMailboxes(now)
	}

	// run CiA 402 drivers against the (now rx'd) image before publishing,
	// so the snapshot readers see actuals; their outputs are written
	// straight into the live image this same cycle.
	e.driveCiA402(now)

	// publish a fresh snapshot
	responding := e.computeResponding(alStates)
	snap := image.New(e.layout.Image, e.layout, responding, alStates.PerSlave, now)
	e.snapMu.Lock()
	e.snapshot = snap
	e.snapMu.Unlock()

	// broadcast new cycle
	e.cycleTick.Signal()

	// drain command queue (non-blocking) if READY
	if e.Readiness() == Ready {
		applied, dropped := e.queue.drainInto(e.layout.Image, now, e.cfg.CommandDropTime)
		if dropped > 0 {
			e.logger.Warn("dropped stale commands", "count", dropped)
		}
		_ = applied
	}

	// watchdog (if enabled)
	if e.cfg.EnableWatchdog {
		e.advanceWatchdogs(now, alStates)
	}

	if err := e.handle.CycleTx(); err != nil {
		return err
	}

	// recompute composite readiness, broadcast on change
	e.recomputeReadiness(alStates)

	return nil
}

// verifyMailboxes collapses each slave's mailbox-mode input entries into one
// contiguous buffer so a single all-zero test covers all of them, then
// writes the cached last-nonzero payload back into the live image if the
// slave is still considered fresh.
func (e *Engine) verifyMailboxes(now time.Time) {
	for pos, spans := range e.mailboxSpans {
		total := 0
		for _, sp := range spans {
			total += sp.rng.Len()
		}
		if total == 0 {
			continue
		}

		buf := make([]byte, total)
		off := 0
		for _, sp := range spans {
			copy(buf[off:off+sp.rng.Len()], e.layout.Image[sp.rng.Start:sp.rng.End])
			off += sp.rng.Len()
		}

		out := make([]byte, total)
		if e.mailbox.Check(pos, now, buf, out) {
			off = 0
			for _, sp := range spans {
				copy(e.layout.Image[sp.rng.Start:sp.rng.End], out[off:off+sp.rng.Len()])
				off += sp.rng.Len()
			}
		}
	}
}

func (e *Engine) driveCiA402(now time.Time) {
	for i := range e.slaves {
		sr := &e.slaves[i]
		if sr.Driver == nil {
			continue
		}
		pos := sr.Descriptor.Position
		sw, _ := e.readUint16(pos, cia402.EntryStatusWord)
		mode, _ := e.readUint8(pos, cia402.EntryModeOfOperationDisplay)
		actPos, _ := e.readInt32(pos, cia402.EntryActualPosition)

		out := sr.Driver.Tick(cia402.Input{
			StatusWord:     sw,
			ModeDisplay:    cia402.ModeOfOperation(mode),
			ActualPosition: actPos,
			Now:            now,
		})

		if out.WriteControlWord {
			e.writeUint16(pos, cia402.EntryControlWord, out.ControlWord)
		}
		if out.WriteMode {
			e.writeUint8(pos, cia402.EntryModeOfOperation, uint8(out.Mode))
		}
		if out.WriteTargetPos {
			e.writeInt32(pos, cia402.EntryTargetPosition, out.TargetPosition)
		}
	}
}

func (e *Engine) advanceWatchdogs(now time.Time, alStates fieldbus.ALStates) {
	out := e.watchdog.Advance()
	for _, sr := range e.slaves {
		pos := sr.Descriptor.Position
		sw, ok := e.readUint16(pos, cia402.EntryStatusWord)
		if ok {
			returned := liveness.DecodeCounter(sw)
			e.watchdog.Check(pos, now, returned)
		}
		cw, ok := e.readUint16(pos, cia402.EntryControlWord)
		if ok {
			e.writeUint16(pos, cia402.EntryControlWord, liveness.EncodeCounter(cw, out))
		}
	}
}

func (e *Engine) computeResponding(al fieldbus.ALStates) map[int]bool {
	out := make(map[int]bool, len(e.slaves))
	for _, sr := range e.slaves {
		pos := sr.Descriptor.Position
		out[pos] = al.PerSlave[pos] == fieldbus.ALStateOp &&
			e.mailbox.Fresh(pos) &&
			(!e.cfg.EnableWatchdog || e.watchdog.Fresh(pos))
	}
	return out
}

func (e *Engine) recomputeReadiness(al fieldbus.ALStates) {
	next := Ready
	if !al.LinkUp {
		next = NotReady
	}
	for _, sr := range e.slaves {
		pos := sr.Descriptor.Position
		if al.PerSlave[pos] != fieldbus.ALStateOp {
			next = NotReady
		}
		if !e.mailbox.Fresh(pos) {
			next = NotReady
		}
		if e.cfg.EnableWatchdog && !e.watchdog.Fresh(pos) {
			next = NotReady
		}
	}

	e.readyMu.Lock()
	changed := e.ready != next
	e.ready = next
	e.readyMu.Unlock()

	if changed {
		e.logger.Info("readiness changed", "state", next.String())
		e.readyTick.Signal()
	}
}

func (e *Engine) readUint16(pos int, name string) (uint16, bool) {
	rng, ok := e.layout.Lookup(pos, name, 0)
	if !ok || rng.Len() < 2 {
		return 0, false
	}
	b := e.layout.Image[rng.Start:rng.End]
	return uint16(b[0]) | uint16(b[1])<<8, true
}

func (e *Engine) readUint8(pos int, name string) (uint8, bool) {
	rng, ok := e.layout.Lookup(pos, name, 0)
	if !ok || rng.Len() < 1 {
		return 0, false
	}
	return e.layout.Image[rng.Start], true
}

func (e *Engine) readInt32(pos int, name string) (int32, bool) {
	rng, ok := e.layout.Lookup(pos, name, 0)
	if !ok || rng.Len() < 4 {
		return 0, false
	}
	b := e.layout.Image[rng.Start:rng.End]
	v := uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
	return int32(v), true
}

func (e *Engine) writeUint16(pos int, name string, v uint16) {
	rng, ok := e.layout.Lookup(pos, name, 0)
	if !ok || rng.Len() < 2 {
		return
	}
	b := e.layout.Image[rng.Start:rng.End]
	b[0] = byte(v)
	b[1] = byte(v >> 8)
}

func (e *Engine) writeUint8(pos int, name string, v uint8) {
	rng, ok := e.layout.Lookup(pos, name, 0)
	if !ok || rng.Len() < 1 {
		return
	}
	e.layout.Image[rng.Start] = v
}

func (e *Engine) writeInt32(pos int, name string, v int32) {
	rng, ok := e.layout.Lookup(pos, name, 0)
	if !ok || rng.Len() < 4 {
		return
	}
	b := e.layout.Image[rng.Start:rng.End]
	u := uint32(v)
	b[0] = byte(u)
	b[1] = byte(u >> 8)
	b[2] = byte(u >> 16)
	b[3] = byte(u >> 24)
}
