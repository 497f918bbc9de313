package cli

import (
	"context"

	"github.com/gabapcia/blockfeed/internal/blockstream"
	"github.com/gabapcia/blockfeed/internal/pkg/logger"
	"github.com/gabapcia/blockfeed/internal/pkg/types"
)

const (
	// gasPriceWindowSize bounds the rolling average of per-block gas prices.
	gasPriceWindowSize = 10

	// weiPerGwei converts the smallest fee unit into gwei for display.
	weiPerGwei = 1e9
)

// feedStats accumulates a terminal-friendly view of the ingested stream:
// totals, the latest height, a rolling gas-price average, and how full blocks
// run relative to their gas limit.
type feedStats struct {
	blocksIngested uint64
	txsIngested    uint64
	latestBlock    uint64

	gasPriceWindow []float64                     // per-block average gas price in gwei, newest last
	fullnessBucket types.DefaultMap[string, int] // distribution of gas_used/gas_limit ratios
}

func newFeedStats() *feedStats {
	return &feedStats{
		gasPriceWindow: make([]float64, 0, gasPriceWindowSize),
		fullnessBucket: types.NewDefaultMap[string, int](func() int { return 0 }),
	}
}

// observeBatch folds one drained batch into the stats and logs each payload
// plus a per-tick line with the batch's unique senders. Empty batches are a
// normal tick with nothing new and produce no output.
func (s *feedStats) observeBatch(ctx context.Context, batch []blockstream.BlockPayload) {
	if len(batch) == 0 {
		return
	}

	senders := types.NewSet[string]()
	for _, block := range batch {
		s.observe(block)

		for _, tx := range block.Transactions {
			if tx.From != "" {
				senders.Add(tx.From)
			}
		}

		logger.Info(ctx, "block ingested",
			"block.number", block.Number,
			"block.transactions", block.TxCount,
			"block.gas_used", block.GasUsed,
			"block.gas_limit", block.GasLimit,
		)
	}

	logger.Info(ctx, "tick drained",
		"tick.blocks", len(batch),
		"tick.unique_senders", len(senders),
		"feed.latest_block", s.latestBlock,
		"feed.avg_gas_price_gwei", s.averageGasPrice(),
	)
}

// observe folds a single payload into the running counters.
func (s *feedStats) observe(block blockstream.BlockPayload) {
	s.blocksIngested++
	s.txsIngested += uint64(block.TxCount)
	if block.Number > s.latestBlock {
		s.latestBlock = block.Number
	}

	if avg, ok := blockAverageGasPrice(block); ok {
		s.gasPriceWindow = append(s.gasPriceWindow, avg)
		if len(s.gasPriceWindow) > gasPriceWindowSize {
			s.gasPriceWindow = s.gasPriceWindow[1:]
		}
	}

	bucket := fullnessBucket(block)
	s.fullnessBucket.Set(bucket, s.fullnessBucket.Get(bucket)+1)
}

// averageGasPrice returns the rolling average gas price in gwei over the
// last gasPriceWindowSize blocks that carried priced transactions.
func (s *feedStats) averageGasPrice() float64 {
	if len(s.gasPriceWindow) == 0 {
		return 0
	}

	var sum float64
	for _, v := range s.gasPriceWindow {
		sum += v
	}
	return sum / float64(len(s.gasPriceWindow))
}

// logSummary emits the final totals when the consumer stops.
func (s *feedStats) logSummary(ctx context.Context) {
	logger.Info(ctx, "feed summary",
		"feed.blocks_ingested", s.blocksIngested,
		"feed.txs_ingested", s.txsIngested,
		"feed.latest_block", s.latestBlock,
		"feed.avg_gas_price_gwei", s.averageGasPrice(),
		"feed.fullness_distribution", s.fullnessBucket.ToMap(),
	)
}

// blockAverageGasPrice returns the block's mean transaction gas price in
// gwei. Blocks without priced transactions report ok=false.
func blockAverageGasPrice(block blockstream.BlockPayload) (float64, bool) {
	var (
		sum   float64
		count int
	)
	for _, tx := range block.Transactions {
		if tx.GasPrice == 0 {
			continue
		}

		sum += float64(tx.GasPrice) / weiPerGwei
		count++
	}

	if count == 0 {
		return 0, false
	}
	return sum / float64(count), true
}

// fullnessBucket classifies how full a block ran relative to its gas limit.
func fullnessBucket(block blockstream.BlockPayload) string {
	if block.GasLimit == 0 {
		return "unknown"
	}

	// Upstream data may transiently report gas_used > gas_limit; tolerate it.
	ratio := float64(block.GasUsed) / float64(block.GasLimit)
	switch {
	case ratio < 0.25:
		return "0-25%"
	case ratio < 0.50:
		return "25-50%"
	case ratio < 0.75:
		return "50-75%"
	default:
		return "75-100%"
	}
}
