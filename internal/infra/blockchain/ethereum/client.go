// Package ethereum implements the blockstream.ChainReader capability for
// Ethereum-compatible nodes over JSON-RPC.
package ethereum

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/gabapcia/blockfeed/internal/blockstream"
	"github.com/gabapcia/blockfeed/internal/pkg/transport/jsonrpc"
	"github.com/gabapcia/blockfeed/internal/pkg/types"
)

// defaultNativeDecimals is the wei-to-ether scale used when no override is given.
const defaultNativeDecimals = 18

// client talks to an Ethereum-compatible node via a JSON-RPC client and
// converts its wire types into chain-agnostic payloads.
type client struct {
	conn           jsonrpc.Client // underlying JSON-RPC client
	nativeDecimals int            // decimals of the chain's native unit
}

// Ensure client implements the blockstream.ChainReader interface at compile time.
var _ blockstream.ChainReader = (*client)(nil)

// Option customizes the client built by NewClient.
type Option func(*client)

// WithNativeDecimals overrides the number of decimals used to convert raw
// transaction values into the chain's native unit. Default: 18 (wei → ether).
func WithNativeDecimals(decimals int) Option {
	return func(c *client) {
		c.nativeDecimals = decimals
	}
}

// NewClient creates an Ethereum chain reader using the provided JSON-RPC connection.
func NewClient(conn jsonrpc.Client, opts ...Option) *client {
	c := &client{
		conn:           conn,
		nativeDecimals: defaultNativeDecimals,
	}
	for _, opt := range opts {
		opt(c)
	}

	return c
}

// LatestBlockNumber returns the current chain tip via eth_blockNumber.
func (c *client) LatestBlockNumber(ctx context.Context) (uint64, error) {
	data, err := c.conn.Fetch(ctx, "eth_blockNumber")
	if err != nil {
		return 0, err
	}

	var blockNumber types.Hex
	if err := json.Unmarshal(data, &blockNumber); err != nil {
		return 0, fmt.Errorf("malformed block number: %w", err)
	}

	return blockNumber.Uint64(), nil
}

// BlockByNumber fetches a full block (with transaction objects) via
// eth_getBlockByNumber and converts it to a blockstream.BlockPayload.
// A null result means the node has no block at that height and is reported
// as blockstream.ErrBlockNotFound.
func (c *client) BlockByNumber(ctx context.Context, number uint64) (blockstream.BlockPayload, error) {
	data, err := c.conn.Fetch(ctx, "eth_getBlockByNumber", fmt.Sprintf("0x%x", number), true)
	if err != nil {
		return blockstream.BlockPayload{}, err
	}

	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return blockstream.BlockPayload{}, fmt.Errorf("%w: height %d", blockstream.ErrBlockNotFound, number)
	}

	var blockResponse BlockResponse
	if err := json.Unmarshal(data, &blockResponse); err != nil {
		return blockstream.BlockPayload{}, fmt.Errorf("malformed block response: %w", err)
	}

	// Every other field downgrades gracefully, but a block without a number
	// cannot be placed in the stream.
	if blockResponse.Number.IsEmpty() {
		return blockstream.BlockPayload{}, fmt.Errorf("block response missing number: height %d", number)
	}

	return blockResponse.toBlockPayload(c.nativeDecimals), nil
}
