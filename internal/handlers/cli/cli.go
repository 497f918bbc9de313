// Package cli wires the blockfeed services into a command-line interface.
package cli

import (
	"context"
	"os"

	"github.com/gabapcia/blockfeed/internal/blockstream"

	"github.com/urfave/cli/v3"
)

// Run initializes and executes the blockfeed CLI application.
//
// It registers all available commands:
//
//   - `start`: runs the fetch pipeline and a tick-driven terminal consumer.
//   - `head`: prints the configured chain's current tip height.
func Run(ctx context.Context, svc blockstream.Service, chain blockstream.ChainReader) error {
	app := &cli.Command{
		EnableShellCompletion: true,
		Name:                  "blockfeed",
		Description:           "Command-line interface for running and inspecting the blockfeed ingestion pipeline.",
		Usage:                 "blockfeed [command] [flags]",
		Commands: []*cli.Command{
			startFeedCommand(svc),
			headCommand(chain),
		},
	}

	return app.Run(ctx, os.Args)
}
