package rpc

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"

	"github.com/pollen-robotics/ethercat-master/pkg/engine"
	"github.com/pollen-robotics/ethercat-master/pkg/fieldbus"
)

// ErrBackpressure ends a SubscribeStates task when the client can't keep
// up with its own requested cadence: a full client channel ends the
// subscription rather than stalling the producer.
var ErrBackpressure = errors.New("rpc: subscriber backpressure, ending subscription")

const serviceName = "ethercat.Fieldbus"

// FieldbusServer is the interface service.go's ServiceDesc dispatches to --
// the shape protoc-gen-go-grpc would generate for the three endpoints.
type FieldbusServer interface {
	EnumerateSlaves(context.Context, *Empty) (*SlaveInventory, error)
	SubscribeStates(*StateSubscribe, FieldbusSubscribeStatesServer) error
	SendCommands(FieldbusSendCommandsServer) error
}

// FieldbusSubscribeStatesServer is the server-stream handle SubscribeStates
// sends StateBatch messages through.
type FieldbusSubscribeStatesServer interface {
	Send(*StateBatch) error
	Context() context.Context
}

// FieldbusSendCommandsServer is the client-stream handle SendCommands reads
// CommandBatch messages from.
type FieldbusSendCommandsServer interface {
	Recv() (*CommandBatch, error)
	SendAndClose(*Ack) error
	Context() context.Context
}

type subscribeStatesServer struct{ grpc.ServerStream }

func (x *subscribeStatesServer) Send(m *StateBatch) error { return x.ServerStream.SendMsg(m) }

type sendCommandsServer struct{ grpc.ServerStream }

func (x *sendCommandsServer) Recv() (*CommandBatch, error) {
	m := new(CommandBatch)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (x *sendCommandsServer) SendAndClose(ack *Ack) error { return x.ServerStream.SendMsg(ack) }

func enumerateSlavesHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(FieldbusServer).EnumerateSlaves(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/EnumerateSlaves"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(FieldbusServer).EnumerateSlaves(ctx, req.(*Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func subscribeStatesHandler(srv any, stream grpc.ServerStream) error {
	m := new(StateSubscribe)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(FieldbusServer).SubscribeStates(m, &subscribeStatesServer{stream})
}

func sendCommandsHandler(srv any, stream grpc.ServerStream) error {
	return srv.(FieldbusServer).SendCommands(&sendCommandsServer{stream})
}

// ServiceDesc is the hand-authored equivalent of what protoc-gen-go-grpc
// would emit for the three RPCs, registered against a real [grpc.Server]
// with [grpc.Server.RegisterService].
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*FieldbusServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "EnumerateSlaves", Handler: enumerateSlavesHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "SubscribeStates", Handler: subscribeStatesHandler, ServerStreams: true},
		{StreamName: "SendCommands", Handler: sendCommandsHandler, ClientStreams: true},
	},
	Metadata: "pkg/rpc/service.go",
}

// Server implements [FieldbusServer] against a single cyclic [engine.Engine].
// One Server instance fans out to every connected client; it holds no
// per-client state beyond what each RPC's goroutine needs locally, so any
// number of client streams share one engine without coordination.
type Server struct {
	logger   *slog.Logger
	eng      *engine.Engine
	layout   fieldbus.Layout
	dropTime time.Duration

	mu        sync.RWMutex
	byID      map[int32]fieldbus.SlaveDescriptor
	orderedID []int32
}

// NewServer builds a Server over the given engine and activated topology.
func NewServer(logger *slog.Logger, eng *engine.Engine, layout fieldbus.Layout, slaves []fieldbus.SlaveDescriptor, dropTime time.Duration) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	byID := make(map[int32]fieldbus.SlaveDescriptor, len(slaves))
	ordered := make([]int32, 0, len(slaves))
	for _, d := range slaves {
		id := int32(d.Position)
		byID[id] = d
		ordered = append(ordered, id)
	}
	return &Server{
		logger:    logger.With("service", "[RPC]"),
		eng:       eng,
		layout:    layout,
		dropTime:  dropTime,
		byID:      byID,
		orderedID: ordered,
	}
}

func (s *Server) descriptor(id int32) (fieldbus.SlaveDescriptor, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.byID[id]
	return d, ok
}

// EnumerateSlaves answers with the fixed topology discovered at
// activation.
func (s *Server) EnumerateSlaves(ctx context.Context, _ *Empty) (*SlaveInventory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inv := &SlaveInventory{IDs: make([]int32, len(s.orderedID)), Names: make([]string, len(s.orderedID))}
	for i, id := range s.orderedID {
		inv.IDs[i] = id
		inv.Names[i] = s.byID[id].Name
	}
	return inv, nil
}

// SubscribeStates runs one producer loop per subscription: on every tick
// at the client-chosen period it reads the latest snapshot (wait-free,
// never touches the engine's live image), projects the requested slave
// subset, and pushes one StateBatch. A slave whose state can't be read
// this tick falls back to its last-known value rather than leaving a gap.
func (s *Server) SubscribeStates(req *StateSubscribe, stream FieldbusSubscribeStatesServer) error {
	subID := uuid.NewString()
	s.logger.Info("subscription opened", "subscription", subID, "slaves", req.IDs, "period_s", req.UpdatePeriodS)
	defer s.logger.Info("subscription closed", "subscription", subID)

	period := time.Duration(float64(req.UpdatePeriodS) * float64(time.Second))
	if period <= 0 {
		period = 10 * time.Millisecond
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	last := map[int32]State{}

	// Send happens on a fixed-size buffered handoff so a client that can't
	// keep up is detected (backpressure) instead of stalling the producer
	// loop indefinitely.
	outbox := make(chan StateBatch, 4)
	sendErr := make(chan error, 1)
	go func() {
		for batch := range outbox {
			if err := stream.Send(&batch); err != nil {
				sendErr <- err
				return
			}
		}
	}()
	defer close(outbox)

	for {
		select {
		case <-stream.Context().Done():
			return stream.Context().Err()
		case err := <-sendErr:
			return err
		case <-ticker.C:
			snap := s.eng.Snapshot()
			var batch StateBatch
			for _, id := range req.IDs {
				desc, ok := s.descriptor(id)
				if !ok {
					continue
				}
				st, ok := projectState(snap, desc)
				if ok {
					last[id] = st
				} else if cached, cachedOK := last[id]; cachedOK {
					st = cached
				} else {
					continue
				}
				batch.States = append(batch.States, st)
			}
			select {
			case outbox <- batch:
			default:
				return ErrBackpressure
			}
		}
	}
}

// SendCommands reads CommandBatch messages until the client closes the
// stream, translating each Command into byte-range writes and enqueueing
// them before replying with an accounting Ack.
func (s *Server) SendCommands(stream FieldbusSendCommandsServer) error {
	var received, dropped int32
	for {
		batch, err := stream.Recv()
		if err == io.EOF {
			return stream.SendAndClose(&Ack{Received: received, Dropped: dropped})
		}
		if err != nil {
			return err
		}

		now := time.Now()
		snap := s.eng.Snapshot()
		for _, cmd := range batch.Commands {
			received++
			desc, ok := s.descriptor(cmd.ID)
			if !ok {
				dropped++
				s.logger.Warn("command for unknown slave", "id", cmd.ID)
				continue
			}
			writes, err := translateCommand(cmd, snap, s.layout, desc.Position, desc.AxisCount, s.dropTime, now)
			if err != nil {
				dropped++
				s.logger.Warn("command rejected", "id", cmd.ID, "err", err)
				continue
			}
			for _, w := range writes {
				if !s.eng.EnqueueCommand(w) {
					dropped++
				}
			}
		}
	}
}
