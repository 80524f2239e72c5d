package client

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/pollen-robotics/ethercat-master/pkg/cia402"
	"github.com/pollen-robotics/ethercat-master/pkg/config"
	"github.com/pollen-robotics/ethercat-master/pkg/engine"
	"github.com/pollen-robotics/ethercat-master/pkg/fieldbus/simulated"
	"github.com/pollen-robotics/ethercat-master/pkg/rpc"
)

func TestPendingCommandsCoalesceLastWriteWins(t *testing.T) {
	c := New(nil, nil, []int32{1}, 10*time.Millisecond, 5*time.Millisecond)

	c.SetTargetPosition(1, []float32{1, 2})
	c.SetTargetPosition(1, []float32{3, 4})
	c.SetCompliancy(1, true)
	c.SetModeOfOperation(1, int32(cia402.ModeCyclicSyncVelocity))

	batch := c.drainPending()
	require.Len(t, batch.Commands, 1, "writes to the same slave must coalesce into one record")

	cmd := batch.Commands[0]
	assert.Equal(t, int32(1), cmd.ID)
	assert.Equal(t, []float32{3, 4}, cmd.TargetPosition, "the later vector write must win")
	assert.True(t, cmd.CompliancySet)
	assert.True(t, cmd.Compliancy)
	assert.Equal(t, int32(cia402.ModeCyclicSyncVelocity), cmd.ModeOfOperation)
	assert.False(t, cmd.PublishTS.IsZero(), "publish time is stamped at drain")

	assert.Empty(t, c.drainPending().Commands, "drain must clear the pending map")
}

func TestPendingCommandsKeptPerSlave(t *testing.T) {
	c := New(nil, nil, []int32{1, 2}, 10*time.Millisecond, 5*time.Millisecond)

	c.SetTargetTorque(1, []float32{0.5})
	c.SetEmergencyStop(2, true)

	batch := c.drainPending()
	require.Len(t, batch.Commands, 2)
}

func TestStateGetterStaleness(t *testing.T) {
	c := New(nil, nil, []int32{1}, 10*time.Millisecond, 5*time.Millisecond)

	_, err := c.State(1)
	assert.ErrorIs(t, err, ErrUnknownSlave)

	c.stateMu.Lock()
	c.states[1] = rpc.State{ID: 1, PublishTS: time.Now().Add(-2 * time.Second)}
	c.stateMu.Unlock()
	_, err = c.State(1)
	assert.ErrorIs(t, err, ErrStale, "a record older than one second means the server is considered down")

	c.stateMu.Lock()
	c.states[1] = rpc.State{ID: 1, PublishTS: time.Now()}
	c.stateMu.Unlock()
	st, err := c.State(1)
	require.NoError(t, err)
	assert.Equal(t, int32(1), st.ID)
}

// startMaster brings up the full server side in-process: simulated fieldbus,
// cyclic engine, and the gRPC multiplexer on a bufconn listener.
func startMaster(t *testing.T) (*grpc.ClientConn, *engine.Engine) {
	t.Helper()

	sim, err := simulated.New("")
	require.NoError(t, err)
	h := sim.(*simulated.Handle)

	descs := config.BuildDescriptors([]config.SlaveConfig{
		{Kind: config.KindPoulpe, ID: 0, Name: "shoulder", OrbitaType: "orbita2d"},
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
	cfg.CommandDropTime = 50 * time.Millisecond
	eng := engine.New(nil, cfg, h, layout, slaves, mailboxInputs)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go eng.Run(ctx)

	grpcServer := grpc.NewServer()
	grpcServer.RegisterService(&rpc.ServiceDesc, rpc.NewServer(nil, eng, layout, scanned, cfg.CommandDropTime))

	lis := bufconn.Listen(1 << 20)
	go grpcServer.Serve(lis)
	t.Cleanup(grpcServer.Stop)

	cc, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { cc.Close() })

	return cc, eng
}

func TestClientEndToEndAgainstSimulatedMaster(t *testing.T) {
	cc, eng := startMaster(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	inv, err := EnumerateSlaves(ctx, cc)
	require.NoError(t, err)
	require.Equal(t, []int32{0}, inv.IDs)
	require.Equal(t, []string{"shoulder"}, inv.Names)

	c := New(nil, cc, inv.IDs, 5*time.Millisecond, 5*time.Millisecond)
	go c.Run(ctx)
	require.NoError(t, c.WaitReady(ctx))

	for eng.Readiness() != engine.Ready {
		select {
		case <-ctx.Done():
			t.Fatal("engine never reached READY")
		case <-time.After(2 * time.Millisecond):
		}
	}

	// Drive the slave compliant; the simulated drive follows the resulting
	// EnableOperation control word, so the observed CiA 402 state must
	// converge to OperationEnabled through the full client -> rpc ->
	// engine -> fieldbus -> snapshot -> rpc -> client loop.
	for {
		c.SetCompliancy(0, true)
		st, err := c.State(0)
		if err == nil && st.CiA402State == uint32(cia402.OperationEnabled) {
			assert.Equal(t, int32(2), st.AxisCount)
			return
		}
		select {
		case <-ctx.Done():
			t.Fatalf("slave never reached OperationEnabled (last state %+v, err %v)", st, err)
		case <-time.After(5 * time.Millisecond):
		}
	}
}
