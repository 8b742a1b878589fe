package stream

import (
	"errors"
	"fmt"

	"example.com/eventchain/indexer/internal/felt"
)

var (
	// ErrConnectionFault is returned once the reconnect policy gives up
	ErrConnectionFault = errors.New("stream connection fault")
	// ErrStopped is returned by a subscription after Close
	ErrStopped = errors.New("stream subscription stopped")
	// ErrUnauthorized is returned when the server rejects the token. It is
	// not retried.
	ErrUnauthorized = errors.New("stream server rejected credentials")
	// errProtocol marks a malformed or out-of-order server message
	errProtocol = errors.New("stream protocol fault")
)

// Cursor is a position in the stream. OrderKey is the block number.
type Cursor struct {
	OrderKey  uint64 `json:"order_key"`
	UniqueKey string `json:"unique_key,omitempty"`
}

func (c Cursor) String() string {
	return fmt.Sprintf("%d/%s", c.OrderKey, c.UniqueKey)
}

// Filter selects the events the server sends: emitted by Address with a
// first key in Keys
type Filter struct {
	Address felt.Felt
	Keys    []felt.Felt
}

// RawEvent is one undecoded contract event
type RawEvent struct {
	FromAddress     felt.Felt
	Keys            []felt.Felt
	Data            []felt.Felt
	BlockNumber     uint64
	TransactionHash felt.Felt
	EventIndex      int
}

// Key returns the event selector, the zero felt when the event has no keys
func (e RawEvent) Key() felt.Felt {
	if len(e.Keys) == 0 {
		return felt.Zero
	}
	return e.Keys[0]
}

// Batch is one finalized data message. Events are in chain order.
type Batch struct {
	Cursor    *Cursor
	EndCursor Cursor
	Events    []RawEvent
}

// State of a subscription
type State int

const (
	StateInit State = iota
	StateConnecting
	StateStreaming
	StateReconnecting
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateConnecting:
		return "CONNECTING"
	case StateStreaming:
		return "STREAMING"
	case StateReconnecting:
		return "RECONNECTING"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}
