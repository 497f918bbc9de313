package blockstream

import (
	"context"
	"errors"
)

// ErrNoCheckpointFound is returned by LoadLatestCheckpoint when no checkpoint
// has been saved yet for the requested network.
var ErrNoCheckpointFound = errors.New("no checkpoint found for network")

// CheckpointStorage persists and retrieves the latest emitted block height
// for each blockchain network, letting a restarted pipeline resume from where
// it left off instead of backfilling again.
type CheckpointStorage interface {
	// SaveCheckpoint records the given block height as the latest checkpoint
	// for the specified network. Calling SaveCheckpoint multiple times for
	// the same network overwrites any previous checkpoint.
	SaveCheckpoint(ctx context.Context, network string, height uint64) error

	// LoadLatestCheckpoint returns the most recent block height saved for the
	// specified network, or ErrNoCheckpointFound when nothing was saved yet.
	LoadLatestCheckpoint(ctx context.Context, network string) (uint64, error)
}

// nopCheckpoint is the default CheckpointStorage: it persists nothing, so
// every run starts with a fresh backfill.
type nopCheckpoint struct{}

var _ CheckpointStorage = nopCheckpoint{}

// SaveCheckpoint accepts the checkpoint input but does not store anything.
func (nopCheckpoint) SaveCheckpoint(_ context.Context, _ string, _ uint64) error {
	return nil
}

// LoadLatestCheckpoint always returns ErrNoCheckpointFound, as no state is persisted.
func (nopCheckpoint) LoadLatestCheckpoint(_ context.Context, _ string) (uint64, error) {
	return 0, ErrNoCheckpointFound
}
