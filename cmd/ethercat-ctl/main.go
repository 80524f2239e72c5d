// Command ethercat-ctl is a minimal inspector client: it enumerates slaves
// on a running ethercat-masterd and prints one state snapshot per slave.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/pollen-robotics/ethercat-master/pkg/client"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:4402", "ethercat-masterd gRPC address")
	timeout := flag.Duration("timeout", 3*time.Second, "dial/inspect timeout")
	flag.Parse()

	if err := run(*addr, *timeout); err != nil {
		fmt.Fprintln(os.Stderr, "ethercat-ctl:", err)
		os.Exit(1)
	}
}

func run(addr string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	cc, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer cc.Close()

	inventory, err := client.EnumerateSlaves(ctx, cc)
	if err != nil {
		return fmt.Errorf("enumerate slaves: %w", err)
	}
	if len(inventory.IDs) == 0 {
		fmt.Println("no slaves reported")
		return nil
	}

	c := client.New(slog.Default(), cc, inventory.IDs, 10*time.Millisecond, 5*time.Millisecond)
	go c.Run(ctx)

	if err := c.WaitReady(ctx); err != nil {
		return fmt.Errorf("waiting for first state: %w", err)
	}

	for i, id := range inventory.IDs {
		st, err := c.State(id)
		if err != nil {
			fmt.Printf("%-20s id=%-4d error=%v\n", inventory.Names[i], id, err)
			continue
		}
		fmt.Printf("%-20s id=%-4d state=%d mode=%d compliant=%v actual_position=%v\n",
			inventory.Names[i], id, st.CiA402State, st.ModeOfOperation, st.Compliant, st.ActualPosition)
	}
	return nil
}
