// Command zonemesh-node runs one ZoneMesh cache node: it registers with a
// bootstrap directory, either becomes the cluster's first node or joins an
// existing parent by splitting its zone, then serves the memcache client
// protocol until killed or told to `die`.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/zonemesh/zonemesh/internal/bootstrap"
	"github.com/zonemesh/zonemesh/internal/cacheadapter"
	"github.com/zonemesh/zonemesh/internal/config"
	"github.com/zonemesh/zonemesh/internal/node"
)

func main() {
	var cli config.NodeCLI
	kong.Parse(&cli, kong.Description("ZoneMesh cache node"))

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	if err := run(cli, logger); err != nil {
		logger.Error("node exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cli config.NodeCLI, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	world, err := cli.World()
	if err != nil {
		return fmt.Errorf("zonemesh-node: %w", err)
	}

	reply, err := bootstrap.DialAddition(ctx, cli.Bootstrap)
	if err != nil {
		return fmt.Errorf("zonemesh-node: register with bootstrap directory: %w", err)
	}
	logger.Info("registered with bootstrap directory", "join_ep", reply.JoinEP, "is_first", reply.IsFirst)

	// A join address with port 0 defers to the join_ep the directory
	// assigned, so the directory's registry names the address this node
	// actually listens on.
	joinAddr := cli.JoinAddr
	if _, port, err := net.SplitHostPort(joinAddr); err == nil && port == "0" {
		joinAddr = reply.JoinEP
	}

	cfg := node.Config{
		World:             world,
		BootstrapAddr:     cli.Bootstrap,
		ClientAddr:        cli.ClientAddr,
		JoinAddr:          joinAddr,
		PropagateAddr:     cli.PropagateAddr,
		RemovalAddr:       cli.RemovalAddr,
		AdminAddr:         cli.AdminAddr,
		NeighbourCapacity: cli.NeighbourCapacity,
	}

	n, err := node.New(cfg, cacheadapter.NewMemory(), logger)
	if err != nil {
		return fmt.Errorf("zonemesh-node: build node: %w", err)
	}
	logger.Info("listeners bound", "propagate_ep", n.PropagateEP(), "join_ep", n.JoinEP(), "removal_ep", n.RemovalEP())

	if !reply.IsFirst {
		if err := n.JoinCluster(ctx, reply.ParentJoinEP); err != nil {
			return fmt.Errorf("zonemesh-node: join cluster via %s: %w", reply.ParentJoinEP, err)
		}
		logger.Info("joined cluster", "parent_join_ep", reply.ParentJoinEP)
	}

	return n.Run(ctx)
}
