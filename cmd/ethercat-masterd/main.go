// Command ethercat-masterd runs the cyclic engine and RPC multiplexer for
// one fieldbus master. Accepts a single positional argument: the path to
// a YAML configuration document.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/pollen-robotics/ethercat-master/pkg/cia402"
	"github.com/pollen-robotics/ethercat-master/pkg/config"
	"github.com/pollen-robotics/ethercat-master/pkg/engine"
	"github.com/pollen-robotics/ethercat-master/pkg/fieldbus"
	"github.com/pollen-robotics/ethercat-master/pkg/fieldbus/simulated"
	"github.com/pollen-robotics/ethercat-master/pkg/rpc"
)

func main() {
	log.SetLevel(log.InfoLevel)

	backendFlag := flag.String("backend", "simulated", "registered fieldbus backend name")
	channelFlag := flag.String("channel", "", "backend-specific channel/device path")
	listenFlag := flag.String("listen", ":4402", "gRPC listen address")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: ethercat-masterd [flags] <config.yaml>")
		os.Exit(1)
	}
	configPath := flag.Arg(0)

	log.Infof("ethercat-masterd starting, config=%s backend=%s", configPath, *backendFlag)

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Errorf("failed to load configuration: %v", err)
		os.Exit(1)
	}

	if err := run(cfg, *backendFlag, *channelFlag, *listenFlag); err != nil {
		log.Errorf("fatal: %v", err)
		os.Exit(10)
	}
}

func run(cfg config.Config, backend, channel, listen string) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	handle, err := fieldbus.Open(backend, channel)
	if err != nil {
		return fmt.Errorf("open fieldbus backend %q: %w", backend, err)
	}
	defer handle.Close()

	// The simulated backend has no hardware to discover; seed it from the
	// config-resolved topology before scanning. Real backends ignore this
	// and discover their own topology during Scan.
	if sim, ok := handle.(*simulated.Handle); ok {
		for _, d := range config.BuildDescriptors(cfg.Slaves) {
			sim.AddSlave(d, simulated.SlaveBehavior{RespondMailbox: true, RespondWatchdog: true})
		}
	}

	scanned, err := handle.Scan()
	if err != nil {
		return fmt.Errorf("scan: %w", err)
	}

	layout, mailboxInputs, err := handle.Configure(scanned)
	if err != nil {
		return fmt.Errorf("configure: %w", err)
	}
	if err := handle.Activate(); err != nil {
		return fmt.Errorf("activate: %w", err)
	}

	slaves := make([]engine.SlaveRuntime, 0, len(scanned))
	for _, d := range scanned {
		sr := engine.SlaveRuntime{Descriptor: d, MailboxInputs: mailboxInputs[d.Position]}
		if d.HasCiA402() {
			sr.Driver = cia402.NewDriver(cia402.ModeCyclicSyncPosition, true)
			sr.Driver.StartSetup()
		}
		slaves = append(slaves, sr)
	}

	eng := engine.New(logger, cfg.EtherCAT.EngineConfig(), handle, layout, slaves, mailboxInputs)

	lis, err := net.Listen("tcp", listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", listen, err)
	}
	grpcServer := grpc.NewServer()
	rpcServer := rpc.NewServer(logger, eng, layout, scanned, cfg.EtherCAT.EngineConfig().CommandDropTime)
	grpcServer.RegisterService(&rpc.ServiceDesc, rpcServer)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.Run(ctx) })
	g.Go(func() error {
		log.Infof("rpc server listening on %s", listen)
		return grpcServer.Serve(lis)
	})
	g.Go(func() error {
		<-ctx.Done()
		grpcServer.GracefulStop()
		return nil
	})
	g.Go(func() error {
		return turnOnAllSlaves(ctx, eng, slaves)
	})

	return g.Wait()
}

// turnOnAllSlaves starts every CiA 402 slave's turn-on sequence once the
// engine is READY and that slave's setup sequence (started by the caller)
// has reached PhaseDone, polling each driver's phase until then. A slave
// whose setup ends in PhaseFailed is never turned on. It only polls, it
// never blocks the engine.
func turnOnAllSlaves(ctx context.Context, eng *engine.Engine, slaves []engine.SlaveRuntime) error {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	started := make([]bool, len(slaves))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if eng.Readiness() != engine.Ready {
				continue
			}
			for i, sr := range slaves {
				if !started[i] && sr.Driver != nil && sr.Driver.Phase() == cia402.PhaseDone {
					sr.Driver.StartTurnOn()
					started[i] = true
				}
			}
		}
	}
}
