package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"example.com/eventchain/indexer/internal/metrics"
)

// Options tune a Client
type Options struct {
	BatchSize int
	// MaxReconnectAttempts bounds the dial attempts of one (re)connect, 0 is unlimited
	MaxReconnectAttempts int
	BackoffInitial       time.Duration
	BackoffMax           time.Duration
	Metrics              *metrics.Metrics
}

// Client opens subscriptions on a stream server
type Client struct {
	dialer Dialer
	opts   Options
}

// NewClient creates a client dialing through dialer
func NewClient(dialer Dialer, opts Options) *Client {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 1
	}
	if opts.BackoffInitial <= 0 {
		opts.BackoffInitial = 500 * time.Millisecond
	}
	if opts.BackoffMax < opts.BackoffInitial {
		opts.BackoffMax = opts.BackoffInitial
	}
	return &Client{dialer: dialer, opts: opts}
}

// Subscribe connects and configures a subscription delivering finalized
// data after start. A nil start streams from genesis.
func (c *Client) Subscribe(ctx context.Context, filter Filter, start *Cursor) (*Subscription, error) {
	s := &Subscription{
		dialer:     c.dialer,
		opts:       c.opts,
		filter:     filter,
		checkpoint: start,
		state:      StateInit,
		done:       make(chan struct{}),
	}
	if err := s.connect(ctx, StateConnecting); err != nil {
		return nil, err
	}
	return s, nil
}

// Subscription is a single-consumer handle on the stream. Next must not be
// called concurrently; State, Checkpoint and Close may be called from any
// goroutine.
type Subscription struct {
	dialer Dialer
	opts   Options
	filter Filter

	mu         sync.Mutex
	state      State
	conn       Conn
	streamID   uint64
	checkpoint *Cursor
	closed     bool
	done       chan struct{}

	// highest block delivered on the current connection
	lastBlock uint64
	delivered bool
}

// State returns the current lifecycle state
func (s *Subscription) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Checkpoint records the cursor up to which delivered data is durably
// applied. Reconnects resume from here.
func (s *Subscription) Checkpoint(c Cursor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoint = &c
}

// Close stops the subscription. A blocked Next returns ErrStopped.
func (s *Subscription) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	s.state = StateStopped
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

// Next blocks until the next finalized batch. Transport and protocol
// faults are retried by reconnecting from the last checkpoint; batches
// after that checkpoint may be delivered again.
func (s *Subscription) Next(ctx context.Context) (*Batch, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		conn, streamID, err := s.current()
		if err != nil {
			return nil, err
		}

		var msg serverMessage
		if err := s.read(ctx, conn, &msg); err != nil {
			if s.isClosed() {
				return nil, ErrStopped
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			log.Warn().Err(err).Msg("stream transport fault, reconnecting")
			if err := s.connect(ctx, StateReconnecting); err != nil {
				return nil, err
			}
			continue
		}

		batch, err := s.handle(msg, streamID)
		if err != nil {
			log.Warn().Err(err).Msg("stream protocol fault, reconnecting")
			if err := s.connect(ctx, StateReconnecting); err != nil {
				return nil, err
			}
			continue
		}
		if batch != nil {
			return batch, nil
		}
	}
}

func (s *Subscription) current() (Conn, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, 0, ErrStopped
	}
	return s.conn, s.streamID, nil
}

func (s *Subscription) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// read unblocks on ctx cancellation by closing the connection
func (s *Subscription) read(ctx context.Context, conn Conn, msg *serverMessage) error {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	return conn.ReadJSON(msg)
}

func (s *Subscription) handle(msg serverMessage, streamID uint64) (*Batch, error) {
	switch msg.Type {
	case msgData:
		if msg.StreamID != streamID {
			log.Debug().Uint64("stream_id", msg.StreamID).Msg("dropping data for previous stream")
			return nil, nil
		}
		if msg.Finality != finalityFinalized {
			log.Warn().Str("finality", msg.Finality).Msg("dropping non-finalized data")
			return nil, nil
		}
		return s.batch(msg)
	case msgHeartbeat:
		return nil, nil
	case msgInvalidate:
		log.Debug().Msg("ignoring invalidate message on finalized stream")
		return nil, nil
	default:
		log.Debug().Str("type", msg.Type).Msg("ignoring unknown stream message")
		return nil, nil
	}
}

// batch flattens the blocks of a data message, enforcing non-decreasing
// block order across the connection
func (s *Subscription) batch(msg serverMessage) (*Batch, error) {
	if msg.EndCursor == nil {
		return nil, fmt.Errorf("%w: data message without end cursor", errProtocol)
	}

	last, delivered := s.lastBlock, s.delivered
	b := &Batch{Cursor: msg.Cursor, EndCursor: *msg.EndCursor}
	for _, block := range msg.Blocks {
		number := block.Header.BlockNumber
		if delivered && number < last {
			return nil, fmt.Errorf("%w: block %d after block %d", errProtocol, number, last)
		}
		last, delivered = number, true

		for _, ev := range block.Events {
			b.Events = append(b.Events, RawEvent{
				FromAddress:     ev.Event.FromAddress,
				Keys:            ev.Event.Keys,
				Data:            ev.Event.Data,
				BlockNumber:     number,
				TransactionHash: ev.TransactionHash,
				EventIndex:      ev.Index,
			})
		}
	}
	if delivered && b.EndCursor.OrderKey < last {
		return nil, fmt.Errorf("%w: end cursor %d behind block %d", errProtocol, b.EndCursor.OrderKey, last)
	}

	s.lastBlock, s.delivered = last, delivered
	return b, nil
}

// connect replaces the current connection with a configured one, retrying
// with capped exponential backoff
func (s *Subscription) connect(ctx context.Context, state State) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStopped
	}
	old := s.conn
	s.conn = nil
	s.state = state
	s.mu.Unlock()

	if old != nil {
		old.Close()
	}

	// Close interrupts a backoff wait
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	attempt := 0
	op := func() error {
		attempt++
		conn, err := s.dialer.Dial(ctx)
		if err != nil {
			if errors.Is(err, ErrUnauthorized) {
				return backoff.Permanent(err)
			}
			return err
		}
		if err := s.configure(conn); err != nil {
			conn.Close()
			return err
		}
		return nil
	}
	notify := func(err error, wait time.Duration) {
		if s.opts.Metrics != nil {
			s.opts.Metrics.IncrementCounter(metrics.CounterReconnects)
		}
		log.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", wait).Msg("stream connect failed")
	}

	if err := backoff.RetryNotify(op, s.backOff(ctx), notify); err != nil {
		if s.isClosed() {
			return ErrStopped
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		s.mu.Lock()
		s.state = StateStopped
		s.mu.Unlock()
		return fmt.Errorf("%w: %w", ErrConnectionFault, err)
	}
	return nil
}

// configure sends the subscription request and installs conn
func (s *Subscription) configure(conn Conn) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return backoff.Permanent(ErrStopped)
	}
	streamID := s.streamID + 1
	start := s.checkpoint
	s.mu.Unlock()

	if err := conn.WriteJSON(newConfigure(streamID, s.opts.BatchSize, s.filter, start)); err != nil {
		return fmt.Errorf("send configure: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return backoff.Permanent(ErrStopped)
	}
	s.conn = conn
	s.streamID = streamID
	s.state = StateStreaming
	s.delivered = start != nil
	if start != nil {
		s.lastBlock = start.OrderKey
	} else {
		s.lastBlock = 0
	}

	ev := log.Info().Uint64("stream_id", streamID)
	if start != nil {
		ev = ev.Uint64("cursor", start.OrderKey)
	}
	ev.Msg("stream configured")
	return nil
}

func (s *Subscription) backOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = s.opts.BackoffInitial
	exp.MaxInterval = s.opts.BackoffMax
	exp.MaxElapsedTime = 0
	exp.Reset()

	var b backoff.BackOff = exp
	if n := s.opts.MaxReconnectAttempts; n > 0 {
		b = backoff.WithMaxRetries(b, uint64(n-1))
	}
	return backoff.WithContext(b, ctx)
}
