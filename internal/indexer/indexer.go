// Package indexer drives a stream subscription through the decoder and the
// projector, one event at a time, and checkpoints after each whole batch.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"example.com/eventchain/indexer/internal/events"
	"example.com/eventchain/indexer/internal/felt"
	"example.com/eventchain/indexer/internal/metrics"
	"example.com/eventchain/indexer/internal/models"
	"example.com/eventchain/indexer/internal/projector"
	"example.com/eventchain/indexer/internal/repositories"
	"example.com/eventchain/indexer/internal/stream"
	"example.com/eventchain/indexer/internal/tracing"
)

var errInterrupted = errors.New("batch interrupted")

// Source is an open subscription
type Source interface {
	Next(ctx context.Context) (*stream.Batch, error)
	Checkpoint(c stream.Cursor)
	State() stream.State
	Close() error
}

// Opener opens a Source positioned after start
type Opener interface {
	Open(ctx context.Context, filter stream.Filter, start *stream.Cursor) (Source, error)
}

// Applier projects one decoded event
type Applier interface {
	Apply(ctx context.Context, ev events.Event) (projector.Outcome, error)
}

// StreamOpener adapts a stream client to Opener
func StreamOpener(c *stream.Client) Opener {
	return clientOpener{client: c}
}

type clientOpener struct {
	client *stream.Client
}

func (o clientOpener) Open(ctx context.Context, filter stream.Filter, start *stream.Cursor) (Source, error) {
	return o.client.Subscribe(ctx, filter, start)
}

// Config identifies the stream an Indexer follows
type Config struct {
	// Stream names the checkpoint row
	Stream          string
	ContractAddress felt.Felt
	// StartBlock is the first block indexed when no checkpoint exists
	StartBlock uint64
}

// Status is a point-in-time view of the indexer for the ops endpoint
type Status struct {
	Stream         string         `json:"stream"`
	State          string         `json:"state"`
	Cursor         *stream.Cursor `json:"cursor,omitempty"`
	Batches        uint64         `json:"batches"`
	Events         uint64         `json:"events"`
	Applied        uint64         `json:"applied"`
	AlreadyApplied uint64         `json:"already_applied"`
	Missing        uint64         `json:"missing_reference"`
	Skipped        uint64         `json:"skipped"`
	LastBatchAt    *time.Time     `json:"last_batch_at,omitempty"`
	Error          string         `json:"error,omitempty"`
}

// Option configures an Indexer
type Option func(*Indexer)

// WithMetrics sets the metrics collector
func WithMetrics(m *metrics.Metrics) Option {
	return func(ix *Indexer) { ix.metrics = m }
}

// WithTracer wraps every batch in a transaction
func WithTracer(t *tracing.Tracer) Option {
	return func(ix *Indexer) { ix.tracer = t }
}

// Indexer is the single consumer of one stream
type Indexer struct {
	cfg         Config
	opener      Opener
	decoder     *events.Decoder
	applier     Applier
	checkpoints repositories.CheckpointStore
	metrics     *metrics.Metrics
	tracer      *tracing.Tracer

	mu      sync.RWMutex
	status  Status
	source  Source
	started bool
}

// New creates an indexer
func New(cfg Config, opener Opener, decoder *events.Decoder, applier Applier, checkpoints repositories.CheckpointStore, opts ...Option) *Indexer {
	ix := &Indexer{
		cfg:         cfg,
		opener:      opener,
		decoder:     decoder,
		applier:     applier,
		checkpoints: checkpoints,
		status:      Status{Stream: cfg.Stream},
	}
	for _, opt := range opts {
		opt(ix)
	}
	return ix
}

// Run indexes until ctx is cancelled or a storage failure halts it. A
// cancelled run returns nil; the batch in progress is not checkpointed and
// will be delivered again on the next run.
func (ix *Indexer) Run(ctx context.Context) error {
	err := ix.run(ctx)
	if err != nil {
		ix.mu.Lock()
		ix.status.Error = err.Error()
		ix.mu.Unlock()
	}
	return err
}

func (ix *Indexer) run(ctx context.Context) error {
	start, err := ix.startCursor(ctx)
	if err != nil {
		return err
	}

	filter := stream.Filter{Address: ix.cfg.ContractAddress, Keys: ix.decoder.Keys()}
	src, err := ix.opener.Open(ctx, filter, start)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("open stream: %w", err)
	}
	ix.setSource(src)
	defer func() {
		if err := src.Close(); err != nil {
			log.Warn().Err(err).Msg("closing stream subscription")
		}
		ix.setSource(nil)
	}()

	logStart := log.Info().Str("stream", ix.cfg.Stream)
	if start != nil {
		logStart = logStart.Uint64("cursor", start.OrderKey)
	}
	logStart.Msg("indexer started")

	for {
		batch, err := src.Next(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, stream.ErrStopped) {
				log.Info().Str("stream", ix.cfg.Stream).Msg("indexer stopped")
				return nil
			}
			return fmt.Errorf("stream: %w", err)
		}

		if err := ix.processBatch(ctx, src, batch); err != nil {
			if errors.Is(err, errInterrupted) {
				log.Info().
					Str("stream", ix.cfg.Stream).
					Uint64("end_cursor", batch.EndCursor.OrderKey).
					Msg("indexer stopped mid-batch, batch will be redelivered")
				return nil
			}
			return err
		}
	}
}

// startCursor resumes from the checkpoint, else from the configured start
// block. A nil cursor means genesis.
func (ix *Indexer) startCursor(ctx context.Context) (*stream.Cursor, error) {
	cp, err := ix.checkpoints.Load(ctx, ix.cfg.Stream)
	switch {
	case err == nil:
		c := &stream.Cursor{OrderKey: cp.OrderKey, UniqueKey: cp.UniqueKey}
		ix.mu.Lock()
		ix.status.Cursor = c
		ix.mu.Unlock()
		return c, nil
	case errors.Is(err, repositories.ErrNotFound):
		if ix.cfg.StartBlock > 0 {
			return &stream.Cursor{OrderKey: ix.cfg.StartBlock - 1}, nil
		}
		return nil, nil
	default:
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
}

func (ix *Indexer) processBatch(ctx context.Context, src Source, batch *stream.Batch) error {
	txn := ix.tracer.StartTransaction("index-batch")
	defer ix.tracer.EndTransaction(txn)
	ix.tracer.AddAttribute(txn, "end_cursor", batch.EndCursor.OrderKey)
	ix.tracer.AddAttribute(txn, "events", len(batch.Events))

	started := time.Now()
	// writes already started are finished even when ctx is cancelled
	writeCtx := context.WithoutCancel(ctx)

	var counts Status
	for _, raw := range batch.Events {
		if ctx.Err() != nil {
			ix.addCounts(counts)
			return errInterrupted
		}
		if err := ix.processEvent(writeCtx, raw, &counts); err != nil {
			ix.tracer.RecordError(txn, err)
			ix.addCounts(counts)
			return err
		}
	}

	end := batch.EndCursor
	err := ix.checkpoints.Save(writeCtx, &models.Checkpoint{
		Stream:    ix.cfg.Stream,
		OrderKey:  end.OrderKey,
		UniqueKey: end.UniqueKey,
	})
	if err != nil {
		ix.tracer.RecordError(txn, err)
		ix.addCounts(counts)
		return fmt.Errorf("save checkpoint at %d: %w", end.OrderKey, err)
	}
	src.Checkpoint(end)

	counts.Batches = 1
	ix.addCounts(counts)
	now := time.Now()
	ix.mu.Lock()
	ix.status.Cursor = &end
	ix.status.LastBatchAt = &now
	ix.mu.Unlock()

	if ix.metrics != nil {
		ix.metrics.IncrementCounter(metrics.CounterBatchesCommitted)
		ix.metrics.SetGauge(metrics.GaugeCursorOrderKey, int64(end.OrderKey))
		ix.metrics.RecordTimer(metrics.TimerBatch, time.Since(started))
	}

	log.Debug().
		Uint64("end_cursor", end.OrderKey).
		Int("events", len(batch.Events)).
		Dur("took", time.Since(started)).
		Msg("batch committed")
	return nil
}

func (ix *Indexer) processEvent(ctx context.Context, raw stream.RawEvent, counts *Status) error {
	counts.Events++
	if ix.metrics != nil {
		ix.metrics.IncrementCounter(metrics.CounterEventsReceived)
	}

	if !ix.cfg.ContractAddress.IsZero() && raw.FromAddress != ix.cfg.ContractAddress {
		ix.skip(raw, counts, errors.New("event from another contract"))
		return nil
	}

	meta := events.Meta{
		BlockNumber:     raw.BlockNumber,
		TransactionHash: raw.TransactionHash,
		EventIndex:      raw.EventIndex,
	}
	ev, err := ix.decoder.Decode(raw.Key(), raw.Data, meta)
	if err != nil {
		ix.skip(raw, counts, err)
		return nil
	}

	outcome, err := ix.applier.Apply(ctx, ev)
	if errors.Is(err, events.ErrUnknownEventKind) {
		ix.skip(raw, counts, err)
		return nil
	}
	if err != nil {
		return fmt.Errorf("apply %s at block %d: %w", ev.Kind(), raw.BlockNumber, err)
	}

	switch outcome {
	case projector.Applied:
		counts.Applied++
	case projector.AlreadyApplied:
		counts.AlreadyApplied++
	case projector.MissingReferencedEvent:
		counts.Missing++
	}
	return nil
}

func (ix *Indexer) skip(raw stream.RawEvent, counts *Status, err error) {
	counts.Skipped++
	if ix.metrics != nil {
		ix.metrics.IncrementCounter(metrics.CounterEventsSkipped)
	}
	log.Warn().Err(err).
		Uint64("block", raw.BlockNumber).
		Str("tx", raw.TransactionHash.Hex()).
		Int("index", raw.EventIndex).
		Str("key", raw.Key().Hex()).
		Str("kind", ix.decoder.KindOf(raw.Key()).String()).
		Msg("skipping event")
}

func (ix *Indexer) addCounts(c Status) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.status.Batches += c.Batches
	ix.status.Events += c.Events
	ix.status.Applied += c.Applied
	ix.status.AlreadyApplied += c.AlreadyApplied
	ix.status.Missing += c.Missing
	ix.status.Skipped += c.Skipped
}

func (ix *Indexer) setSource(src Source) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.source = src
	if src != nil {
		ix.started = true
	}
}

// Status returns a snapshot safe to read from any goroutine
func (ix *Indexer) Status() Status {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	s := ix.status
	if s.Cursor != nil {
		c := *s.Cursor
		s.Cursor = &c
	}
	switch {
	case ix.source != nil:
		s.State = ix.source.State().String()
	case ix.started:
		s.State = stream.StateStopped.String()
	default:
		s.State = stream.StateInit.String()
	}
	return s
}
