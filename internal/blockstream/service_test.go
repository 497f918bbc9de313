package blockstream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gabapcia/blockfeed/internal/pkg/logger"
	"github.com/gabapcia/blockfeed/internal/pkg/resilience/retry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	// Initialize logger for tests to prevent nil pointer dereference
	_ = logger.Init(logger.WithLevel("error"))
}

// chainReaderStub is an in-memory ChainReader whose tip and per-height
// failures can be adjusted mid-test.
type chainReaderStub struct {
	mu         sync.Mutex
	tip        uint64
	tipErr     error
	failures   map[uint64]int // remaining failures per height; negative means always fail
	fetchCalls map[uint64]int
}

var _ ChainReader = (*chainReaderStub)(nil)

func newChainReaderStub(tip uint64) *chainReaderStub {
	return &chainReaderStub{
		tip:        tip,
		failures:   make(map[uint64]int),
		fetchCalls: make(map[uint64]int),
	}
}

func (s *chainReaderStub) setTip(n uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tip = n
}

func (s *chainReaderStub) setTipErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tipErr = err
}

func (s *chainReaderStub) failBlock(height uint64, times int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[height] = times
}

func (s *chainReaderStub) calls(height uint64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetchCalls[height]
}

func (s *chainReaderStub) totalCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := 0
	for _, n := range s.fetchCalls {
		total += n
	}
	return total
}

func (s *chainReaderStub) LatestBlockNumber(_ context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tipErr != nil {
		return 0, s.tipErr
	}
	return s.tip, nil
}

func (s *chainReaderStub) BlockByNumber(_ context.Context, number uint64) (BlockPayload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.fetchCalls[number]++

	if remaining := s.failures[number]; remaining != 0 {
		if remaining > 0 {
			s.failures[number] = remaining - 1
		}
		return BlockPayload{}, errors.New("fetch failed")
	}

	return BlockPayload{
		Number:    number,
		GasUsed:   number * 1_000,
		GasLimit:  30_000_000,
		Timestamp: 1_700_000_000 + number,
	}, nil
}

// checkpointStorageStub records saved heights and can simulate load/save failures.
type checkpointStorageStub struct {
	mu            sync.Mutex
	saved         []uint64
	checkpoint    uint64
	hasCheckpoint bool
	loadErr       error
	saveErr       error
}

var _ CheckpointStorage = (*checkpointStorageStub)(nil)

func (s *checkpointStorageStub) SaveCheckpoint(_ context.Context, _ string, height uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.saved = append(s.saved, height)
	return s.saveErr
}

func (s *checkpointStorageStub) LoadLatestCheckpoint(_ context.Context, _ string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.loadErr != nil {
		return 0, s.loadErr
	}
	if !s.hasCheckpoint {
		return 0, ErrNoCheckpointFound
	}
	return s.checkpoint, nil
}

func (s *checkpointStorageStub) savedHeights() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]uint64, len(s.saved))
	copy(out, s.saved)
	return out
}

// receivePayload reads one payload from the feed, failing the test if nothing
// arrives within two seconds.
func receivePayload(t *testing.T, feed <-chan BlockPayload) (BlockPayload, bool) {
	t.Helper()

	select {
	case payload, ok := <-feed:
		return payload, ok
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for payload")
		return BlockPayload{}, false
	}
}

// assertNoPayload asserts the feed stays quiet for the given duration.
func assertNoPayload(t *testing.T, feed <-chan BlockPayload, d time.Duration) {
	t.Helper()

	select {
	case payload, ok := <-feed:
		if ok {
			t.Fatalf("unexpected payload for block %d", payload.Number)
		}
		t.Fatal("feed unexpectedly closed")
	case <-time.After(d):
	}
}

func TestService_Start(t *testing.T) {
	t.Run("backfill emits most recent blocks oldest first", func(t *testing.T) {
		chain := newChainReaderStub(100)
		svc := New("ethereum", chain,
			WithBackfillCount(3),
			WithPollInterval(time.Hour),
		)

		feed, err := svc.Start(t.Context())
		require.NoError(t, err)
		defer svc.Close()

		for _, want := range []uint64{98, 99, 100} {
			payload, ok := receivePayload(t, feed)
			require.True(t, ok)
			assert.Equal(t, want, payload.Number)
		}
	})

	t.Run("tip advance yields new blocks without re-delivery", func(t *testing.T) {
		chain := newChainReaderStub(100)
		svc := New("ethereum", chain,
			WithBackfillCount(3),
			WithPollInterval(5*time.Millisecond),
		)

		feed, err := svc.Start(t.Context())
		require.NoError(t, err)
		defer svc.Close()

		for _, want := range []uint64{98, 99, 100} {
			payload, ok := receivePayload(t, feed)
			require.True(t, ok)
			assert.Equal(t, want, payload.Number)
		}

		chain.setTip(101)

		payload, ok := receivePayload(t, feed)
		require.True(t, ok)
		assert.Equal(t, uint64(101), payload.Number)

		// The tip has not moved again, so nothing else may arrive.
		assertNoPayload(t, feed, 50*time.Millisecond)
		assert.Equal(t, 1, chain.calls(98))
		assert.Equal(t, 1, chain.calls(99))
		assert.Equal(t, 1, chain.calls(100))
		assert.Equal(t, 1, chain.calls(101))
	})

	t.Run("zero backfill streams live only", func(t *testing.T) {
		chain := newChainReaderStub(5)
		svc := New("ethereum", chain,
			WithBackfillCount(0),
			WithPollInterval(5*time.Millisecond),
		)

		feed, err := svc.Start(t.Context())
		require.NoError(t, err)
		defer svc.Close()

		assertNoPayload(t, feed, 30*time.Millisecond)

		chain.setTip(6)

		payload, ok := receivePayload(t, feed)
		require.True(t, ok)
		assert.Equal(t, uint64(6), payload.Number)
		assert.Equal(t, 0, chain.calls(5))
	})

	t.Run("second start fails while running", func(t *testing.T) {
		chain := newChainReaderStub(10)
		svc := New("ethereum", chain, WithPollInterval(time.Hour))

		_, err := svc.Start(t.Context())
		require.NoError(t, err)
		defer svc.Close()

		_, err = svc.Start(t.Context())
		assert.ErrorIs(t, err, ErrServiceAlreadyStarted)
	})

	t.Run("backfill survives tip query failures", func(t *testing.T) {
		chain := newChainReaderStub(10)
		chain.setTipErr(errors.New("endpoint unreachable"))

		svc := New("ethereum", chain,
			WithBackfillCount(1),
			WithPollInterval(5*time.Millisecond),
		)

		feed, err := svc.Start(t.Context())
		require.NoError(t, err)
		defer svc.Close()

		// Nothing can be emitted while the endpoint is down; the worker keeps
		// retrying instead of terminating.
		assertNoPayload(t, feed, 30*time.Millisecond)

		chain.setTipErr(nil)

		payload, ok := receivePayload(t, feed)
		require.True(t, ok)
		assert.Equal(t, uint64(10), payload.Number)
	})
}

func TestService_Close(t *testing.T) {
	t.Run("close terminates the worker and closes the feed", func(t *testing.T) {
		chain := newChainReaderStub(100)
		svc := New("ethereum", chain,
			WithBackfillCount(2),
			WithPollInterval(time.Hour),
		)

		feed, err := svc.Start(t.Context())
		require.NoError(t, err)

		// Close blocks until the worker has exited.
		svc.Close()

		// Whatever was buffered before the close is still delivered, then the
		// feed reports closed.
		for {
			_, ok := receivePayload(t, feed)
			if !ok {
				break
			}
		}
	})

	t.Run("close while blocked on a full buffer", func(t *testing.T) {
		chain := newChainReaderStub(100)
		svc := New("ethereum", chain,
			WithBackfillCount(10),
			WithBufferSize(1),
			WithPollInterval(time.Hour),
		)

		_, err := svc.Start(t.Context())
		require.NoError(t, err)

		// Let the worker fill the buffer and block on the next send.
		assert.Eventually(t, func() bool {
			return chain.totalCalls() >= 2
		}, 2*time.Second, 5*time.Millisecond)

		done := make(chan struct{})
		go func() {
			svc.Close()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("Close did not unblock the fetcher worker")
		}
	})

	t.Run("close before start is a no-op", func(t *testing.T) {
		svc := New("ethereum", newChainReaderStub(1))
		assert.NotPanics(t, svc.Close)
	})

	t.Run("service can be restarted after close", func(t *testing.T) {
		chain := newChainReaderStub(50)
		svc := New("ethereum", chain,
			WithBackfillCount(1),
			WithPollInterval(time.Hour),
		)

		feed, err := svc.Start(t.Context())
		require.NoError(t, err)

		payload, ok := receivePayload(t, feed)
		require.True(t, ok)
		assert.Equal(t, uint64(50), payload.Number)

		svc.Close()

		feed, err = svc.Start(t.Context())
		require.NoError(t, err)
		defer svc.Close()

		payload, ok = receivePayload(t, feed)
		require.True(t, ok)
		assert.Equal(t, uint64(50), payload.Number)
	})
}

func TestService_Backpressure(t *testing.T) {
	t.Run("full buffer blocks the fetcher worker, not the consumer", func(t *testing.T) {
		chain := newChainReaderStub(10)
		svc := New("ethereum", chain,
			WithBackfillCount(5), // heights 6..10
			WithBufferSize(2),
			WithPollInterval(time.Hour),
		)

		feed, err := svc.Start(t.Context())
		require.NoError(t, err)
		defer svc.Close()

		// Two payloads fit the buffer and a third fetch completes before its
		// send blocks; the fourth fetch must not happen until a drain.
		assert.Eventually(t, func() bool {
			return chain.totalCalls() == 3
		}, 2*time.Second, 5*time.Millisecond)

		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, 3, chain.totalCalls(), "fetcher should be blocked on send, not fetching ahead")

		// Draining one payload frees space and lets the worker continue.
		payload, ok := receivePayload(t, feed)
		require.True(t, ok)
		assert.Equal(t, uint64(6), payload.Number)

		assert.Eventually(t, func() bool {
			return chain.totalCalls() == 4
		}, 2*time.Second, 5*time.Millisecond)
	})
}

func TestService_Retry(t *testing.T) {
	t.Run("fetch failing then succeeding emits exactly one payload", func(t *testing.T) {
		chain := newChainReaderStub(100)
		chain.failBlock(100, 2)

		svc := New("ethereum", chain,
			WithBackfillCount(1),
			WithPollInterval(5*time.Millisecond),
			WithRetry(retry.New(
				retry.WithAttempts(3),
				retry.WithDelay(time.Millisecond),
				retry.WithMaxDelay(2*time.Millisecond),
			)),
		)

		feed, err := svc.Start(t.Context())
		require.NoError(t, err)
		defer svc.Close()

		payload, ok := receivePayload(t, feed)
		require.True(t, ok)
		assert.Equal(t, uint64(100), payload.Number)
		assert.Equal(t, 3, chain.calls(100))

		assertNoPayload(t, feed, 50*time.Millisecond)
	})
}

func TestService_GapPolicy(t *testing.T) {
	t.Run("skip reports the gap and moves past the failed height", func(t *testing.T) {
		chain := newChainReaderStub(100)
		chain.failBlock(99, -1)

		var (
			mu   sync.Mutex
			gaps []BlockGap
		)

		svc := New("ethereum", chain,
			WithBackfillCount(3),
			WithPollInterval(5*time.Millisecond),
			WithGapPolicy(GapPolicySkip),
			WithGapHandler(func(_ context.Context, gap BlockGap) {
				mu.Lock()
				defer mu.Unlock()
				gaps = append(gaps, gap)
			}),
		)

		feed, err := svc.Start(t.Context())
		require.NoError(t, err)
		defer svc.Close()

		first, ok := receivePayload(t, feed)
		require.True(t, ok)
		assert.Equal(t, uint64(98), first.Number)

		second, ok := receivePayload(t, feed)
		require.True(t, ok)
		assert.Equal(t, uint64(100), second.Number, "the failed height must be skipped, not re-delivered")

		mu.Lock()
		defer mu.Unlock()
		require.Len(t, gaps, 1)
		assert.Equal(t, "ethereum", gaps[0].Network)
		assert.Equal(t, uint64(99), gaps[0].Height)
		assert.Error(t, gaps[0].Err)
	})

	t.Run("stall re-attempts the failed height every cycle", func(t *testing.T) {
		chain := newChainReaderStub(100)
		chain.failBlock(99, -1)

		gapHandlerCalled := false

		svc := New("ethereum", chain,
			WithBackfillCount(3),
			WithPollInterval(5*time.Millisecond),
			WithGapPolicy(GapPolicyStall),
			WithGapHandler(func(_ context.Context, _ BlockGap) {
				gapHandlerCalled = true
			}),
		)

		feed, err := svc.Start(t.Context())
		require.NoError(t, err)
		defer svc.Close()

		first, ok := receivePayload(t, feed)
		require.True(t, ok)
		assert.Equal(t, uint64(98), first.Number)

		// The stream is stalled at 99; several poll cycles must re-attempt it
		// without emitting anything.
		assertNoPayload(t, feed, 50*time.Millisecond)
		assert.Greater(t, chain.calls(99), 1)

		// Once the height becomes fetchable the stream resumes with no gap.
		chain.failBlock(99, 0)

		second, ok := receivePayload(t, feed)
		require.True(t, ok)
		assert.Equal(t, uint64(99), second.Number)

		third, ok := receivePayload(t, feed)
		require.True(t, ok)
		assert.Equal(t, uint64(100), third.Number)

		assert.False(t, gapHandlerCalled, "stall policy never reports gaps")
	})
}

func TestService_Checkpoint(t *testing.T) {
	t.Run("existing checkpoint skips backfill and resumes after it", func(t *testing.T) {
		chain := newChainReaderStub(102)
		storage := &checkpointStorageStub{checkpoint: 100, hasCheckpoint: true}

		svc := New("ethereum", chain,
			WithBackfillCount(20),
			WithPollInterval(5*time.Millisecond),
			WithCheckpointStorage(storage),
		)

		feed, err := svc.Start(t.Context())
		require.NoError(t, err)
		defer svc.Close()

		for _, want := range []uint64{101, 102} {
			payload, ok := receivePayload(t, feed)
			require.True(t, ok)
			assert.Equal(t, want, payload.Number)
		}

		assert.Equal(t, 0, chain.calls(100), "checkpointed height must not be re-fetched")

		// The save for the last emitted height may still be in flight right
		// after the receive.
		assert.Eventually(t, func() bool {
			heights := storage.savedHeights()
			return len(heights) == 2 && heights[0] == 101 && heights[1] == 102
		}, 2*time.Second, 5*time.Millisecond)
	})

	t.Run("save failure is logged but never stops the stream", func(t *testing.T) {
		chain := newChainReaderStub(100)
		storage := &checkpointStorageStub{saveErr: errors.New("storage down")}

		svc := New("ethereum", chain,
			WithBackfillCount(2),
			WithPollInterval(time.Hour),
			WithCheckpointStorage(storage),
		)

		feed, err := svc.Start(t.Context())
		require.NoError(t, err)
		defer svc.Close()

		for _, want := range []uint64{99, 100} {
			payload, ok := receivePayload(t, feed)
			require.True(t, ok)
			assert.Equal(t, want, payload.Number)
		}
	})

	t.Run("load failure falls back to backfill", func(t *testing.T) {
		chain := newChainReaderStub(100)
		storage := &checkpointStorageStub{loadErr: errors.New("storage down")}

		svc := New("ethereum", chain,
			WithBackfillCount(1),
			WithPollInterval(time.Hour),
			WithCheckpointStorage(storage),
		)

		feed, err := svc.Start(t.Context())
		require.NoError(t, err)
		defer svc.Close()

		payload, ok := receivePayload(t, feed)
		require.True(t, ok)
		assert.Equal(t, uint64(100), payload.Number)
	})
}
