// Command zonemesh-bootstrap runs the BootstrapDirectory service: the
// single well-known process new nodes register with to learn the cluster's
// WorldRect and receive a parent to join against.
package main

import (
	"context"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/zonemesh/zonemesh/internal/bootstrap"
	"github.com/zonemesh/zonemesh/internal/config"
)

func main() {
	var cli config.BootstrapCLI
	kong.Parse(&cli, kong.Description("ZoneMesh bootstrap directory"))

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	if err := run(cli, logger); err != nil {
		logger.Error("bootstrap directory exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cli config.BootstrapCLI, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	world, err := cli.World()
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", cli.ListenAddr)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	dir := bootstrap.New(world, logger)
	logger.Info("bootstrap directory listening", "addr", ln.Addr().String(), "world", world.String())
	return dir.Serve(ln)
}
