package stream

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/eventchain/indexer/internal/felt"
)

type fakeConn struct {
	inbox     chan interface{}
	closed    chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	written []configureMessage
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbox: make(chan interface{}, 16), closed: make(chan struct{})}
}

func (c *fakeConn) WriteJSON(v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var msg configureMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return err
	}
	c.mu.Lock()
	c.written = append(c.written, msg)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) ReadJSON(v interface{}) error {
	select {
	case <-c.closed:
		return errors.New("use of closed connection")
	case item := <-c.inbox:
		if err, ok := item.(error); ok {
			return err
		}
		raw, err := json.Marshal(item)
		if err != nil {
			return err
		}
		return json.Unmarshal(raw, v)
	}
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) configures() []configureMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]configureMessage(nil), c.written...)
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	err   error
	dials int
}

func (d *fakeDialer) Dial(ctx context.Context) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.err != nil {
		return nil, d.err
	}
	if len(d.conns) == 0 {
		return nil, errors.New("connection refused")
	}
	c := d.conns[0]
	d.conns = d.conns[1:]
	return c, nil
}

func fastOptions() Options {
	return Options{BatchSize: 1, BackoffInitial: time.Millisecond, BackoffMax: 5 * time.Millisecond}
}

func dataMessage(streamID uint64, finality string, start *Cursor, blocks ...uint64) serverMessage {
	msg := serverMessage{Type: msgData, StreamID: streamID, Finality: finality, Cursor: start}
	for _, n := range blocks {
		var b wireBlock
		b.Header.BlockNumber = n
		var ev wireEvent
		ev.Event.FromAddress = felt.FromUint64(0xc0)
		ev.Event.Keys = []felt.Felt{felt.Selector("RSVPForEvent")}
		ev.Event.Data = []felt.Felt{felt.FromUint64(1), felt.Zero, felt.FromUint64(0xa)}
		ev.TransactionHash = felt.FromUint64(n)
		b.Events = append(b.Events, ev)
		msg.Blocks = append(msg.Blocks, b)
		msg.EndCursor = &Cursor{OrderKey: n}
	}
	return msg
}

func TestSubscribeSendsConfigure(t *testing.T) {
	conn := newFakeConn()
	client := NewClient(&fakeDialer{conns: []*fakeConn{conn}}, Options{BatchSize: 1})

	filter := Filter{Address: felt.FromUint64(0xc0), Keys: []felt.Felt{felt.Selector("NewEventAdded")}}
	sub, err := client.Subscribe(context.Background(), filter, nil)
	require.NoError(t, err)
	defer sub.Close()

	assert.Equal(t, StateStreaming, sub.State())
	cfg := conn.configures()
	require.Len(t, cfg, 1)
	assert.Equal(t, msgConfigure, cfg[0].Type)
	assert.Equal(t, finalityFinalized, cfg[0].Finality)
	assert.Nil(t, cfg[0].StartingCursor)
	require.Len(t, cfg[0].Filter.Events, 1)
	assert.Equal(t, filter.Address, cfg[0].Filter.Events[0].FromAddress)
	assert.Equal(t, filter.Keys, cfg[0].Filter.Events[0].Keys)
}

func TestNextDeliversFinalizedBatches(t *testing.T) {
	conn := newFakeConn()
	conn.inbox <- serverMessage{Type: msgHeartbeat}
	conn.inbox <- dataMessage(1, "DATA_STATUS_ACCEPTED", nil, 3)
	conn.inbox <- serverMessage{Type: msgInvalidate}
	conn.inbox <- dataMessage(1, finalityFinalized, nil, 2)

	sub, err := NewClient(&fakeDialer{conns: []*fakeConn{conn}}, fastOptions()).
		Subscribe(context.Background(), Filter{}, nil)
	require.NoError(t, err)
	defer sub.Close()

	batch, err := sub.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(2), batch.EndCursor.OrderKey)
	require.Len(t, batch.Events, 1)
	assert.Equal(t, uint64(2), batch.Events[0].BlockNumber)
	assert.Equal(t, felt.Selector("RSVPForEvent"), batch.Events[0].Key())
}

func TestReconnectResumesFromCheckpoint(t *testing.T) {
	first, second := newFakeConn(), newFakeConn()
	first.inbox <- dataMessage(1, finalityFinalized, nil, 10)
	first.inbox <- dataMessage(1, finalityFinalized, &Cursor{OrderKey: 10}, 11)
	first.inbox <- errors.New("connection reset by peer")
	second.inbox <- dataMessage(1, finalityFinalized, &Cursor{OrderKey: 10}, 11)
	second.inbox <- dataMessage(2, finalityFinalized, &Cursor{OrderKey: 10}, 11)

	dialer := &fakeDialer{conns: []*fakeConn{first, second}}
	sub, err := NewClient(dialer, fastOptions()).Subscribe(context.Background(), Filter{}, nil)
	require.NoError(t, err)
	defer sub.Close()

	ctx := context.Background()
	batch, err := sub.Next(ctx)
	require.NoError(t, err)
	sub.Checkpoint(batch.EndCursor)

	// delivered but never checkpointed
	batch, err = sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(11), batch.EndCursor.OrderKey)

	batch, err = sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(11), batch.EndCursor.OrderKey)
	assert.Equal(t, StateStreaming, sub.State())

	cfg := second.configures()
	require.Len(t, cfg, 1)
	require.NotNil(t, cfg[0].StartingCursor)
	assert.Equal(t, uint64(10), cfg[0].StartingCursor.OrderKey)
	assert.Equal(t, uint64(2), cfg[0].StreamID)
	assert.Equal(t, 2, dialer.dials)
}

func TestBlockRegressionForcesReconnect(t *testing.T) {
	first, second := newFakeConn(), newFakeConn()
	first.inbox <- dataMessage(1, finalityFinalized, nil, 10)
	first.inbox <- dataMessage(1, finalityFinalized, nil, 8)
	second.inbox <- dataMessage(2, finalityFinalized, nil, 10)

	sub, err := NewClient(&fakeDialer{conns: []*fakeConn{first, second}}, fastOptions()).
		Subscribe(context.Background(), Filter{}, nil)
	require.NoError(t, err)
	defer sub.Close()

	_, err = sub.Next(context.Background())
	require.NoError(t, err)

	batch, err := sub.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(10), batch.EndCursor.OrderKey)
	assert.Len(t, second.configures(), 1)
}

func TestConnectGivesUpAfterMaxAttempts(t *testing.T) {
	dialer := &fakeDialer{err: errors.New("connection refused")}
	opts := fastOptions()
	opts.MaxReconnectAttempts = 3

	_, err := NewClient(dialer, opts).Subscribe(context.Background(), Filter{}, nil)
	require.ErrorIs(t, err, ErrConnectionFault)
	assert.Equal(t, 3, dialer.dials)
}

func TestUnauthorizedIsNotRetried(t *testing.T) {
	dialer := &fakeDialer{err: ErrUnauthorized}

	_, err := NewClient(dialer, fastOptions()).Subscribe(context.Background(), Filter{}, nil)
	require.ErrorIs(t, err, ErrConnectionFault)
	require.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, 1, dialer.dials)
}

func TestCloseUnblocksNext(t *testing.T) {
	sub, err := NewClient(&fakeDialer{conns: []*fakeConn{newFakeConn()}}, fastOptions()).
		Subscribe(context.Background(), Filter{}, nil)
	require.NoError(t, err)

	errs := make(chan error, 1)
	go func() {
		_, err := sub.Next(context.Background())
		errs <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, sub.Close())

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrStopped)
	case <-time.After(2 * time.Second):
		t.Fatal("Next did not return after Close")
	}
	assert.Equal(t, StateStopped, sub.State())

	_, err = sub.Next(context.Background())
	assert.ErrorIs(t, err, ErrStopped)
}

func TestCancelUnblocksNext(t *testing.T) {
	sub, err := NewClient(&fakeDialer{conns: []*fakeConn{newFakeConn()}}, fastOptions()).
		Subscribe(context.Background(), Filter{}, nil)
	require.NoError(t, err)
	defer sub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = sub.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
