package rpc

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pollen-robotics/ethercat-master/pkg/config"
	"github.com/pollen-robotics/ethercat-master/pkg/engine"
	"github.com/pollen-robotics/ethercat-master/pkg/fieldbus/simulated"
)

// newTestServer wires a Server to a running engine over the simulated
// backend, using the same config-resolved topology cmd/ethercat-masterd
// builds: one two-axis Poulpe slave at position 0.
func newTestServer(t *testing.T) *Server {
	t.Helper()

	sim, err := simulated.New("")
	require.NoError(t, err)
	h := sim.(*simulated.Handle)

	descs := config.BuildDescriptors([]config.SlaveConfig{
		{Kind: config.KindPoulpe, ID: 0, Name: "neck", OrbitaType: "orbita2d"},
	})
	for _, d := range descs {
		h.AddSlave(d, simulated.SlaveBehavior{RespondMailbox: true, RespondWatchdog: true})
	}

	scanned, err := h.Scan()
	require.NoError(t, err)
	layout, mailboxInputs, err := h.Configure(scanned)
	require.NoError(t, err)
	require.NoError(t, h.Activate())

	slaves := make([]engine.SlaveRuntime, 0, len(scanned))
	for _, d := range scanned {
		slaves = append(slaves, engine.SlaveRuntime{Descriptor: d, MailboxInputs: mailboxInputs[d.Position]})
	}

	cfg := engine.DefaultConfig()
	cfg.CyclePeriod = time.Millisecond
	eng := engine.New(nil, cfg, h, layout, slaves, mailboxInputs)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go eng.Run(ctx)

	return NewServer(nil, eng, layout, scanned, 50*time.Millisecond)
}

func waitReady(t *testing.T, s *Server) {
	t.Helper()
	for i := 0; i < 500; i++ {
		if s.eng.Readiness() == engine.Ready {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("engine never reached READY")
}

func TestEnumerateSlavesReturnsActivatedTopology(t *testing.T) {
	s := newTestServer(t)

	inv, err := s.EnumerateSlaves(context.Background(), &Empty{})
	require.NoError(t, err)
	assert.Equal(t, []int32{0}, inv.IDs)
	assert.Equal(t, []string{"neck"}, inv.Names)
}

type fakeSubscribeStream struct {
	ctx context.Context

	mu      sync.Mutex
	batches []StateBatch
}

func (f *fakeSubscribeStream) Send(b *StateBatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, *b)
	return nil
}

func (f *fakeSubscribeStream) Context() context.Context { return f.ctx }

func (f *fakeSubscribeStream) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

func TestSubscribeStatesPushesAtClientCadence(t *testing.T) {
	s := newTestServer(t)
	waitReady(t, s)

	ctx, cancel := context.WithCancel(context.Background())
	stream := &fakeSubscribeStream{ctx: ctx}

	done := make(chan error, 1)
	go func() {
		done <- s.SubscribeStates(&StateSubscribe{IDs: []int32{0}, UpdatePeriodS: 0.002}, stream)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for stream.count() < 5 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	require.GreaterOrEqual(t, stream.count(), 5, "the subscription must push one batch per period")

	stream.mu.Lock()
	defer stream.mu.Unlock()
	var prev time.Time
	for _, batch := range stream.batches {
		require.Len(t, batch.States, 1)
		st := batch.States[0]
		assert.Equal(t, int32(0), st.ID)
		assert.Equal(t, int32(2), st.AxisCount)
		assert.False(t, st.PublishTS.Before(prev), "publish timestamps must be non-decreasing")
		prev = st.PublishTS
	}
}

// blockingSubscribeStream never completes a Send, simulating a client that
// stopped reading its end of the stream.
type blockingSubscribeStream struct {
	ctx     context.Context
	release chan struct{}
}

func (f *blockingSubscribeStream) Send(*StateBatch) error {
	<-f.release
	return nil
}

func (f *blockingSubscribeStream) Context() context.Context { return f.ctx }

func TestSubscribeStatesEndsOnBackpressure(t *testing.T) {
	s := newTestServer(t)
	waitReady(t, s)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream := &blockingSubscribeStream{ctx: ctx, release: make(chan struct{})}
	defer close(stream.release)

	done := make(chan error, 1)
	go func() {
		done <- s.SubscribeStates(&StateSubscribe{IDs: []int32{0}, UpdatePeriodS: 0.001}, stream)
	}()

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrBackpressure)
	case <-time.After(2 * time.Second):
		t.Fatal("subscription did not end under backpressure")
	}
}

type fakeCommandStream struct {
	ctx context.Context
	in  chan *CommandBatch
	ack *Ack
}

func (f *fakeCommandStream) Recv() (*CommandBatch, error) {
	b, ok := <-f.in
	if !ok {
		return nil, io.EOF
	}
	return b, nil
}

func (f *fakeCommandStream) SendAndClose(a *Ack) error {
	f.ack = a
	return nil
}

func (f *fakeCommandStream) Context() context.Context { return f.ctx }

func TestSendCommandsAccountsReceivedAndDropped(t *testing.T) {
	s := newTestServer(t)
	waitReady(t, s)

	stream := &fakeCommandStream{ctx: context.Background(), in: make(chan *CommandBatch, 1)}
	now := time.Now()
	stream.in <- &CommandBatch{Commands: []Command{
		{ID: 0, CompliancySet: true, Compliancy: true, PublishTS: now},
		{ID: 0, CompliancySet: true, Compliancy: true, PublishTS: now.Add(-time.Second)},
		{ID: 99, CompliancySet: true, Compliancy: true, PublishTS: now},
	}}
	close(stream.in)

	require.NoError(t, s.SendCommands(stream))
	require.NotNil(t, stream.ack)
	assert.Equal(t, int32(3), stream.ack.Received)
	assert.Equal(t, int32(2), stream.ack.Dropped, "the stale command and the unknown-slave command must both count as dropped")
}
