package liveness

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMailboxEntryStaysFreshWithinTimeout(t *testing.T) {
	now := time.Now()
	e := NewMailboxEntry(time.Second)
	dst := make([]byte, 4)

	fresh := e.Check(now, []byte{0, 0, 0, 0}, dst)
	assert.True(t, fresh, "all-zero within the timeout window is still fresh")
}

func TestMailboxEntryGoesStaleAfterTimeout(t *testing.T) {
	now := time.Now()
	e := NewMailboxEntry(100 * time.Millisecond)
	dst := make([]byte, 4)

	require.True(t, e.Check(now, []byte{1, 2, 3, 4}, dst), "non-zero payload is always fresh")
	assert.Equal(t, []byte{1, 2, 3, 4}, dst)

	later := now.Add(200 * time.Millisecond)
	fresh := e.Check(later, []byte{0, 0, 0, 0}, dst)
	assert.False(t, fresh, "persistent all-zero past the timeout must go stale")
}

func TestMailboxEntryWritesBackCachedPayloadWhenFreshButZero(t *testing.T) {
	now := time.Now()
	e := NewMailboxEntry(time.Second)
	dst := make([]byte, 4)

	e.Check(now, []byte{9, 9, 9, 9}, dst)

	dst2 := make([]byte, 4)
	fresh := e.Check(now.Add(10*time.Millisecond), []byte{0, 0, 0, 0}, dst2)
	assert.True(t, fresh)
	assert.Equal(t, []byte{9, 9, 9, 9}, dst2, "transient zero between slave writes must be masked by the last-nonzero cache")
}

func TestMailboxMonitorTimesOutAndRecovers(t *testing.T) {
	// With a 1s window and input pinned at all-zero for 1200ms, freshness
	// must drop once the window lapses and recover within one cycle of
	// non-zero input resuming.
	m := NewMailboxMonitor(time.Second)
	now := time.Now()
	dst := make([]byte, 1)

	assert.True(t, m.Check(7, now, []byte{1}, dst))
	assert.True(t, m.Fresh(7))

	stillFresh := now.Add(1000 * time.Millisecond)
	assert.True(t, m.Check(7, stillFresh, []byte{0}, dst), "still within the 1s window")

	goneStale := now.Add(1200 * time.Millisecond)
	assert.False(t, m.Check(7, goneStale, []byte{0}, dst))
	assert.False(t, m.Fresh(7))

	recovered := goneStale.Add(time.Millisecond)
	assert.True(t, m.Check(7, recovered, []byte{1}, dst))
	assert.True(t, m.Fresh(7))
}

func TestMailboxMonitorFreshWithNoEntry(t *testing.T) {
	m := NewMailboxMonitor(time.Second)
	assert.True(t, m.Fresh(42), "a slave with no mailbox inputs is never checked and reads fresh")
}
