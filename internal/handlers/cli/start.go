package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gabapcia/blockfeed/internal/blockstream"
	"github.com/gabapcia/blockfeed/internal/pkg/logger"

	"github.com/urfave/cli/v3"
)

// startFeedCommand returns a CLI command that starts the fetch pipeline and
// consumes it with a fixed-cadence tick loop, standing in for a renderer or
// dashboard. Each tick drains at most --max-per-tick payloads, so a burst of
// backfilled blocks never stalls a single tick.
//
// Usage example:
//
//	blockfeed start --tick-interval 500ms --max-per-tick 5
//
// The process runs until it receives an interrupt (SIGINT or SIGTERM) or the
// feed reports closed.
func startFeedCommand(svc blockstream.Service) *cli.Command {
	return &cli.Command{
		Name:        "start",
		Description: "Starts the block ingestion pipeline and a tick-driven terminal consumer.",
		Usage:       "Runs the pipeline until Ctrl+C or a termination signal, then drains and prints a summary.",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:  "tick-interval",
				Usage: "Cadence of the consumer loop; one drain happens per tick",
				Value: 500 * time.Millisecond,
			},
			&cli.IntFlag{
				Name:  "max-per-tick",
				Usage: "Maximum number of payloads drained per tick",
				Value: 5,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			var (
				tickInterval = c.Duration("tick-interval")
				maxPerTick   = int(c.Int("max-per-tick"))
			)

			quit := make(chan os.Signal, 1)
			defer close(quit)

			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

			feed, err := svc.Start(ctx)
			if err != nil {
				return err
			}
			defer svc.Close()

			runConsumer(ctx, svc, feed, tickInterval, maxPerTick, quit)
			return nil
		},
	}
}

// runConsumer is the tick loop: every tickInterval it drains up to maxPerTick
// payloads and folds them into the running stats. It returns once the feed
// reports closed, draining whatever is still buffered after a shutdown signal.
func runConsumer(ctx context.Context, svc blockstream.Service, feed <-chan blockstream.BlockPayload, tickInterval time.Duration, maxPerTick int, quit <-chan os.Signal) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	stats := newFeedStats()
	defer stats.logSummary(ctx)

	for {
		select {
		case <-quit:
			logger.Info(ctx, "shutdown signal received, draining remaining payloads")
			svc.Close()

			// The worker has closed the feed; empty what is left.
			for {
				drained, open := blockstream.Drain(feed, maxPerTick)
				stats.observeBatch(ctx, drained)
				if !open {
					return
				}
			}

		case <-ticker.C:
			drained, open := blockstream.Drain(feed, maxPerTick)
			stats.observeBatch(ctx, drained)
			if !open {
				logger.Info(ctx, "feed closed, stopping consumer")
				return
			}
		}
	}
}
