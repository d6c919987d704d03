package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	"github.com/wolfeidau/simstream/cmd/cli/internal/commands"
	"github.com/wolfeidau/simstream/internal/logger"
)

var (
	version = "dev"
	cli     struct {
		Monitor commands.MonitorCmd `cmd:"" help:"Open a channel and print job pushes"`
		Notify  commands.NotifyCmd  `cmd:"" help:"Publish a job status event onto the bus"`
		Token   commands.TokenCmd   `cmd:"" help:"Issue a channel credential"`
		Debug   bool                `help:"Enable debug mode."`
		Version kong.VersionFlag
	}
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := kong.Parse(&cli,
		kong.Vars{
			"version": version,
		},
		kong.BindTo(ctx, (*context.Context)(nil)))

	logger.Setup(cli.Debug)

	err := cmd.Run(&commands.Globals{Debug: cli.Debug, Version: version})
	cmd.FatalIfErrorf(err)
}
