package blockstream

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gabapcia/blockfeed/internal/pkg/logger"
	"github.com/gabapcia/blockfeed/internal/pkg/resilience/retry"
	"github.com/gabapcia/blockfeed/internal/pkg/x/chflow"

	"github.com/google/uuid"
)

// ErrServiceAlreadyStarted is returned by Start when the service is already running.
var ErrServiceAlreadyStarted = errors.New("service already started")

const (
	// defaultBackfillCount is how many recent blocks are fetched before live
	// polling begins, so a fresh consumer has context immediately.
	defaultBackfillCount = 20

	// defaultPollInterval is the delay between tip queries in steady state.
	defaultPollInterval = 2 * time.Second

	// defaultFeedBufferSize caps how many fetched-but-undrained payloads may
	// accumulate. A full buffer blocks the fetcher worker, never the consumer.
	defaultFeedBufferSize = 64
)

// GapPolicy selects what the fetcher does with a block whose fetch still
// fails after all configured retries.
type GapPolicy int

const (
	// GapPolicySkip logs the failure, reports it through the gap handler, and
	// moves on past the failed height. The stream continues with a gap.
	GapPolicySkip GapPolicy = iota

	// GapPolicyStall keeps re-attempting the same height on every poll cycle.
	// The stream never has a gap, but a permanently missing block halts all
	// progress behind it.
	GapPolicyStall
)

// GapHandler is invoked for every block skipped under GapPolicySkip.
type GapHandler func(ctx context.Context, gap BlockGap)

// Service runs the fetch pipeline: Start launches the background fetcher
// worker and returns the feed channel; Close stops the worker and waits for
// it to exit, after which the feed channel is closed.
type Service interface {
	Start(ctx context.Context) (<-chan BlockPayload, error)
	Close()
}

type service struct {
	mu        sync.Mutex
	isStarted bool
	cancel    context.CancelFunc
	done      chan struct{}

	network string
	chain   ChainReader

	checkpointStorage CheckpointStorage
	retry             retry.Retry
	gapPolicy         GapPolicy
	gapHandler        GapHandler

	backfillCount uint64
	pollInterval  time.Duration
	bufferSize    int
}

var _ Service = (*service)(nil)

// Start launches the fetcher worker and returns the feed channel the worker
// emits into. The worker backfills recent blocks (unless a checkpoint exists)
// and then polls the chain tip until the service is closed or ctx is
// canceled; either way the worker closes the feed channel on exit, so drains
// observe closure distinctly from "temporarily empty".
func (s *service) Start(ctx context.Context) (<-chan BlockPayload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isStarted {
		return nil, ErrServiceAlreadyStarted
	}

	ctx, cancel := context.WithCancel(ctx)

	feed := make(chan BlockPayload, s.bufferSize)
	done := make(chan struct{})

	s.isStarted = true
	s.cancel = cancel
	s.done = done

	go s.run(ctx, feed, done)

	return feed, nil
}

// Close cancels the fetcher worker and blocks until it has exited. It is safe
// to call Close on a service that was never started.
func (s *service) Close() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.isStarted = false
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}

	cancel()
	<-done
}

// run is the fetcher worker: backfill (or checkpoint resume) once, then poll
// the tip forever. It owns the feed channel and closes it on exit.
func (s *service) run(ctx context.Context, feed chan<- BlockPayload, done chan struct{}) {
	defer close(done)
	defer close(feed)

	streamID := uuid.NewString()

	logger.Info(ctx, "block stream started",
		"stream.id", streamID,
		"stream.network", s.network,
	)
	defer logger.Info(ctx, "block stream stopped",
		"stream.id", streamID,
		"stream.network", s.network,
	)

	next, ok := s.startingHeight(ctx, feed, streamID)
	if !ok {
		return
	}

	for {
		if !s.waitNextPoll(ctx) {
			return
		}

		tip, err := s.chain.LatestBlockNumber(ctx)
		if err != nil {
			logger.Warn(ctx, "tip query failed",
				"stream.id", streamID,
				"stream.network", s.network,
				"error", err,
			)
			continue
		}

		if tip < next {
			continue
		}

		next, ok = s.emitRange(ctx, feed, streamID, next, tip)
		if !ok {
			return
		}
	}
}

// startingHeight resolves the first height the poll loop should fetch. When a
// checkpoint exists the stream resumes right after it; otherwise the worker
// backfills the most recent blocks and returns the height after the tip.
func (s *service) startingHeight(ctx context.Context, feed chan<- BlockPayload, streamID string) (uint64, bool) {
	checkpoint, err := s.checkpointStorage.LoadLatestCheckpoint(ctx, s.network)
	if err == nil {
		logger.Info(ctx, "resuming from checkpoint",
			"stream.id", streamID,
			"stream.network", s.network,
			"block.height", checkpoint,
		)
		return checkpoint + 1, true
	}

	if !errors.Is(err, ErrNoCheckpointFound) {
		logger.Warn(ctx, "checkpoint load failed, falling back to backfill",
			"stream.id", streamID,
			"stream.network", s.network,
			"error", err,
		)
	}

	return s.backfill(ctx, feed, streamID)
}

// backfill queries the tip — retrying every poll interval until it succeeds,
// since the fetcher never self-terminates on a transient error — and emits
// the most recent backfillCount blocks oldest-first. It returns the next
// height the poll loop should fetch.
func (s *service) backfill(ctx context.Context, feed chan<- BlockPayload, streamID string) (uint64, bool) {
	var tip uint64
	for {
		t, err := s.chain.LatestBlockNumber(ctx)
		if err == nil {
			tip = t
			break
		}

		logger.Warn(ctx, "backfill tip query failed",
			"stream.id", streamID,
			"stream.network", s.network,
			"error", err,
		)

		if !s.waitNextPoll(ctx) {
			return 0, false
		}
	}

	if s.backfillCount == 0 {
		return tip + 1, true
	}

	var from uint64
	if tip >= s.backfillCount {
		from = tip - s.backfillCount + 1
	}

	logger.Info(ctx, "backfilling recent blocks",
		"stream.id", streamID,
		"stream.network", s.network,
		"block.from", from,
		"block.to", tip,
	)

	return s.emitRange(ctx, feed, streamID, from, tip)
}

// emitRange fetches and emits every block in [from, to] in increasing order
// and returns the next height to fetch. A height whose retries are exhausted
// ends the cycle early per the configured gap policy, so a persistently
// failing endpoint is re-attempted at the poll cadence instead of busy-looped.
// The false return means the context was canceled and the worker must exit.
func (s *service) emitRange(ctx context.Context, feed chan<- BlockPayload, streamID string, from, to uint64) (uint64, bool) {
	for number := from; number <= to; number++ {
		payload, err := s.fetchBlock(ctx, number)
		if err != nil {
			if ctx.Err() != nil {
				return 0, false
			}

			if s.gapPolicy == GapPolicyStall {
				logger.Warn(ctx, "block fetch failed, stalling until it succeeds",
					"stream.id", streamID,
					"stream.network", s.network,
					"block.number", number,
					"error", err,
				)
				return number, true
			}

			logger.Error(ctx, "block fetch failed, skipping height",
				"stream.id", streamID,
				"stream.network", s.network,
				"block.number", number,
				"error", err,
			)
			if s.gapHandler != nil {
				s.gapHandler(ctx, BlockGap{Network: s.network, Height: number, Err: err})
			}
			return number + 1, true
		}

		// A full buffer blocks here until the consumer drains or the context
		// is canceled. That is the backpressure mechanism, not an error.
		if !chflow.Send(ctx, feed, payload) {
			return 0, false
		}

		logger.Debug(ctx, "block emitted",
			"stream.id", streamID,
			"stream.network", s.network,
			"block.number", payload.Number,
			"block.transactions", payload.TxCount,
		)

		if err := s.checkpointStorage.SaveCheckpoint(ctx, s.network, number); err != nil {
			logger.Error(ctx, "failed to save checkpoint",
				"stream.id", streamID,
				"stream.network", s.network,
				"block.number", number,
				"error", err,
			)
		}
	}

	return to + 1, true
}

// fetchBlock fetches one block, going through the configured retrier when one
// is set. Every attempt targets the same height.
func (s *service) fetchBlock(ctx context.Context, number uint64) (BlockPayload, error) {
	if s.retry == nil {
		return s.chain.BlockByNumber(ctx, number)
	}

	var payload BlockPayload
	err := s.retry.Execute(ctx, func() error {
		p, err := s.chain.BlockByNumber(ctx, number)
		if err != nil {
			return err
		}

		payload = p
		return nil
	})

	return payload, err
}

// waitNextPoll sleeps for one poll interval, waking early if the context is
// canceled. It returns false when the worker should exit.
func (s *service) waitNextPoll(ctx context.Context) bool {
	timer := time.NewTimer(s.pollInterval)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

type config struct {
	checkpointStorage CheckpointStorage
	retry             retry.Retry
	gapPolicy         GapPolicy
	gapHandler        GapHandler

	backfillCount uint64
	pollInterval  time.Duration
	bufferSize    int
}

// Option customizes the service built by New.
type Option func(*config)

// New builds a fetch pipeline for the given network name and chain reader.
// The network name keys checkpoints and log fields; the reader is the only
// chain-specific piece the pipeline touches.
func New(network string, chain ChainReader, opts ...Option) *service {
	cfg := config{
		checkpointStorage: nopCheckpoint{},
		retry:             nil,
		gapPolicy:         GapPolicySkip,
		gapHandler:        defaultOnBlockGap,
		backfillCount:     defaultBackfillCount,
		pollInterval:      defaultPollInterval,
		bufferSize:        defaultFeedBufferSize,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	return &service{
		network:           network,
		chain:             chain,
		checkpointStorage: cfg.checkpointStorage,
		retry:             cfg.retry,
		gapPolicy:         cfg.gapPolicy,
		gapHandler:        cfg.gapHandler,
		backfillCount:     cfg.backfillCount,
		pollInterval:      cfg.pollInterval,
		bufferSize:        cfg.bufferSize,
	}
}

// defaultOnBlockGap logs skipped blocks when no handler is configured.
func defaultOnBlockGap(ctx context.Context, gap BlockGap) {
	logger.Error(ctx, "block skipped after exhausting retries",
		"stream.network", gap.Network,
		"block.height", gap.Height,
		"error", gap.Err,
	)
}

// WithBackfillCount sets how many recent blocks are fetched before live
// polling starts. Zero disables backfill entirely (live-only).
func WithBackfillCount(n uint64) Option {
	return func(c *config) {
		c.backfillCount = n
	}
}

// WithPollInterval sets the delay between tip queries.
func WithPollInterval(d time.Duration) Option {
	return func(c *config) {
		c.pollInterval = d
	}
}

// WithBufferSize sets the feed channel capacity — the single backpressure
// knob. When the buffer is full the fetcher worker blocks until the consumer
// drains.
func WithBufferSize(n int) Option {
	return func(c *config) {
		c.bufferSize = n
	}
}

// WithRetry sets the retrier used for each block fetch. Without one, every
// block gets a single attempt per poll cycle.
func WithRetry(r retry.Retry) Option {
	return func(c *config) {
		c.retry = r
	}
}

// WithGapPolicy selects what happens to a block whose retries are exhausted.
func WithGapPolicy(p GapPolicy) Option {
	return func(c *config) {
		c.gapPolicy = p
	}
}

// WithGapHandler replaces the default log-only handler for skipped blocks.
func WithGapHandler(h GapHandler) Option {
	return func(c *config) {
		c.gapHandler = h
	}
}

// WithCheckpointStorage enables resume support: emitted heights are persisted
// and a restarted pipeline continues right after the last checkpoint instead
// of backfilling.
func WithCheckpointStorage(cs CheckpointStorage) Option {
	return func(c *config) {
		c.checkpointStorage = cs
	}
}
