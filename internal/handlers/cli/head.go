package cli

import (
	"context"
	"fmt"

	"github.com/gabapcia/blockfeed/internal/blockstream"

	"github.com/urfave/cli/v3"
)

// headCommand returns a CLI command that prints the configured chain's
// current tip height. It doubles as a smoke check of the chain capability.
//
// Usage example:
//
//	blockfeed head
func headCommand(chain blockstream.ChainReader) *cli.Command {
	return &cli.Command{
		Name:        "head",
		Description: "Prints the current tip height of the configured chain endpoint.",
		Usage:       "Queries the chain once and prints the latest block number.",
		Action: func(ctx context.Context, c *cli.Command) error {
			tip, err := chain.LatestBlockNumber(ctx)
			if err != nil {
				return err
			}

			fmt.Println(tip)
			return nil
		},
	}
}
