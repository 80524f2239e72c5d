// Package client implements the remote client side of the RPC surface: a
// background state receiver and a coalescing command sender running
// against the pkg/rpc server, fronted by a synchronous getter/setter
// façade. The two tasks are supervised by one errgroup so they are torn
// down together on the first failure.
package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/pollen-robotics/ethercat-master/pkg/rpc"
)

// ErrStale is returned by getters when the cached state record is older
// than staleAfter, at which point the server is considered down.
var ErrStale = errors.New("client: state is stale")

// ErrUnknownSlave is returned by a getter for a slave id with no cached
// state: one the client does not subscribe to, or one whose first state
// message has not arrived yet.
var ErrUnknownSlave = errors.New("client: unknown slave id")

const staleAfter = time.Second

// methodEnumerateSlaves etc. name the same wire methods pkg/rpc.ServiceDesc
// registers; this package never imports pkg/rpc's server-side ServiceDesc
// (only a client has any business dialing it), so the full method paths are
// named directly here, as protoc-gen-go-grpc's client stub would.
const (
	methodEnumerateSlaves = "/" + "ethercat.Fieldbus" + "/EnumerateSlaves"
	methodSubscribeStates = "/" + "ethercat.Fieldbus" + "/SubscribeStates"
	methodSendCommands    = "/" + "ethercat.Fieldbus" + "/SendCommands"
)

const codecSubtype = "gob"

// Client is a synchronous façade over the two background tasks: getters
// read a mutex-protected latest-state cache; setters enqueue into a
// coalescing pending-command map without blocking.
type Client struct {
	logger *slog.Logger
	cc     *grpc.ClientConn
	ids    []int32

	updatePeriod time.Duration
	sendInterval time.Duration

	stateMu sync.RWMutex
	states  map[int32]rpc.State

	readyOnce sync.Once
	readyCh   chan struct{}

	cmdMu   sync.Mutex
	pending map[int32]rpc.Command
}

// New builds a Client that will, once Run is called, subscribe to ids at
// updatePeriod and flush coalesced commands every sendInterval (typically
// half the master's nominal cycle period).
func New(logger *slog.Logger, cc *grpc.ClientConn, ids []int32, updatePeriod, sendInterval time.Duration) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		logger:       logger.With("service", "[RCLIENT]"),
		cc:           cc,
		ids:          append([]int32(nil), ids...),
		updatePeriod: updatePeriod,
		sendInterval: sendInterval,
		states:       map[int32]rpc.State{},
		readyCh:      make(chan struct{}),
		pending:      map[int32]rpc.Command{},
	}
}

// Run starts the state receiver and command sender tasks and blocks until
// ctx is cancelled or either task fails, per errgroup's first-error-wins
// supervision.
func (c *Client) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.runStateReceiver(ctx) })
	g.Go(func() error { return c.runCommandSender(ctx) })
	return g.Wait()
}

// WaitReady blocks until the first state message has arrived, or ctx ends.
func (c *Client) WaitReady(ctx context.Context) error {
	select {
	case <-c.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns the latest cached state for id, or ErrStale if it hasn't
// been refreshed within the last second.
func (c *Client) State(id int32) (rpc.State, error) {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	st, ok := c.states[id]
	if !ok {
		return rpc.State{}, ErrUnknownSlave
	}
	if time.Since(st.PublishTS) > staleAfter {
		return st, ErrStale
	}
	return st, nil
}

func (c *Client) runStateReceiver(ctx context.Context) error {
	desc := &grpc.StreamDesc{StreamName: "SubscribeStates", ServerStreams: true}
	stream, err := c.cc.NewStream(ctx, desc, methodSubscribeStates, grpc.CallContentSubtype(codecSubtype))
	if err != nil {
		return err
	}
	req := &rpc.StateSubscribe{IDs: c.ids, UpdatePeriodS: float32(c.updatePeriod.Seconds())}
	if err := stream.SendMsg(req); err != nil {
		return err
	}

	for {
		var batch rpc.StateBatch
		if err := stream.RecvMsg(&batch); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		c.stateMu.Lock()
		for _, st := range batch.States {
			c.states[st.ID] = st
		}
		c.stateMu.Unlock()
		c.readyOnce.Do(func() { close(c.readyCh) })
	}
}

func (c *Client) runCommandSender(ctx context.Context) error {
	desc := &grpc.StreamDesc{StreamName: "SendCommands", ClientStreams: true}
	stream, err := c.cc.NewStream(ctx, desc, methodSendCommands, grpc.CallContentSubtype(codecSubtype))
	if err != nil {
		return err
	}

	ticker := time.NewTicker(c.sendInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = stream.CloseSend()
			return ctx.Err()
		case <-ticker.C:
			batch := c.drainPending()
			if len(batch.Commands) == 0 {
				continue
			}
			if err := stream.SendMsg(&batch); err != nil {
				return err
			}
		}
	}
}

func (c *Client) drainPending() rpc.CommandBatch {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()
	if len(c.pending) == 0 {
		return rpc.CommandBatch{}
	}
	now := time.Now()
	batch := rpc.CommandBatch{Commands: make([]rpc.Command, 0, len(c.pending))}
	for id, cmd := range c.pending {
		cmd.PublishTS = now
		batch.Commands = append(batch.Commands, cmd)
		delete(c.pending, id)
	}
	return batch
}

// mergeInto applies field-level last-write-wins coalescing for whichever
// Command fields fn sets on a copy of the slave's currently pending
// record.
func (c *Client) mergeInto(id int32, fn func(*rpc.Command)) {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()
	cmd := c.pending[id]
	cmd.ID = id
	fn(&cmd)
	c.pending[id] = cmd
}

// SetTargetPosition enqueues a target-position vector for id, non-blocking.
func (c *Client) SetTargetPosition(id int32, v []float32) {
	c.mergeInto(id, func(cmd *rpc.Command) { cmd.TargetPosition = v })
}

// SetTargetVelocity enqueues a target-velocity vector for id.
func (c *Client) SetTargetVelocity(id int32, v []float32) {
	c.mergeInto(id, func(cmd *rpc.Command) { cmd.TargetVelocity = v })
}

// SetTargetTorque enqueues a target-torque vector for id.
func (c *Client) SetTargetTorque(id int32, v []float32) {
	c.mergeInto(id, func(cmd *rpc.Command) { cmd.TargetTorque = v })
}

// SetCompliancy enqueues a compliancy change for id.
func (c *Client) SetCompliancy(id int32, compliant bool) {
	c.mergeInto(id, func(cmd *rpc.Command) {
		cmd.Compliancy = compliant
		cmd.CompliancySet = true
	})
}

// SetEmergencyStop enqueues an emergency-stop request for id.
func (c *Client) SetEmergencyStop(id int32, stop bool) {
	c.mergeInto(id, func(cmd *rpc.Command) {
		cmd.EmergencyStop = stop
		cmd.EmergencyStopSet = true
	})
}

// SetModeOfOperation enqueues a mode-of-operation change for id. mode == 0
// means "no change".
func (c *Client) SetModeOfOperation(id int32, mode int32) {
	c.mergeInto(id, func(cmd *rpc.Command) { cmd.ModeOfOperation = mode })
}

// EnumerateSlaves performs the synchronous inventory call.
func EnumerateSlaves(ctx context.Context, cc *grpc.ClientConn) (*rpc.SlaveInventory, error) {
	out := new(rpc.SlaveInventory)
	if err := cc.Invoke(ctx, methodEnumerateSlaves, &rpc.Empty{}, out, grpc.CallContentSubtype(codecSubtype)); err != nil {
		return nil, err
	}
	return out, nil
}
