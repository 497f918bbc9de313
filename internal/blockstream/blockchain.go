package blockstream

import (
	"context"
	"errors"
)

// ErrBlockNotFound is returned by ChainReader implementations when the node
// has no block at the requested height (e.g. the tip moved backwards during a
// reorg, or the height is beyond the current tip).
var ErrBlockNotFound = errors.New("block not found")

// ChainReader is the capability the pipeline needs from a blockchain: the
// current tip height and the ability to fetch one block by number.
//
// Implementations live under internal/infra/blockchain and perform the
// raw-to-payload conversion internally, so the pipeline never sees a chain
// client's own types. Supporting a new chain means writing a new ChainReader,
// never a parallel pipeline.
type ChainReader interface {
	// LatestBlockNumber returns the height of the most recent block known to
	// the chain endpoint.
	LatestBlockNumber(ctx context.Context) (uint64, error)

	// BlockByNumber fetches the block at the given height and converts it to
	// a chain-agnostic BlockPayload. Individual fields that cannot be parsed
	// are left absent; only an unobtainable block fails the call.
	BlockByNumber(ctx context.Context, number uint64) (BlockPayload, error)
}

// BlockGap describes a block the fetcher gave up on after exhausting its
// retries while running under GapPolicySkip. The heights around it were (or
// will be) emitted normally; this one is missing from the stream.
type BlockGap struct {
	Network string // name of the blockchain network (e.g. "ethereum")
	Height  uint64 // block height that was skipped
	Err     error  // last error returned by the chain reader
}
