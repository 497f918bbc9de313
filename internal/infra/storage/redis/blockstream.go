package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/gabapcia/blockfeed/internal/blockstream"

	"github.com/redis/go-redis/v9"
)

// blockstreamKeyPrefix is the namespace prefix for all keys related to the blockstream checkpointing system.
const blockstreamKeyPrefix = "blockfeed"

// checkpointKey constructs the Redis key used to store the latest emitted
// block height for a specific blockchain network. The format is:
//
//	"blockfeed:checkpoint:<network>"
func checkpointKey(network string) string {
	return fmt.Sprintf("%s:checkpoint:%s", blockstreamKeyPrefix, network)
}

// SaveCheckpoint persists the most recent block height emitted for a given
// network, allowing the pipeline to resume from the correct position after a
// restart. The checkpoint is stored with no expiration.
func (c *client) SaveCheckpoint(ctx context.Context, network string, height uint64) error {
	key := checkpointKey(network)
	return c.conn.Set(ctx, key, strconv.FormatUint(height, 10), 0).Err()
}

// LoadLatestCheckpoint retrieves the most recently saved checkpoint for the
// given network. If no checkpoint exists yet, it returns
// blockstream.ErrNoCheckpointFound.
func (c *client) LoadLatestCheckpoint(ctx context.Context, network string) (uint64, error) {
	key := checkpointKey(network)

	val, err := c.conn.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			err = blockstream.ErrNoCheckpointFound
		}

		return 0, err
	}

	return strconv.ParseUint(val, 10, 64)
}

// Compile-time assertion to ensure client implements the CheckpointStorage interface.
var _ blockstream.CheckpointStorage = new(client)
