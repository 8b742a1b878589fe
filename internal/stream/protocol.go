package stream

import "example.com/eventchain/indexer/internal/felt"

// Message types on the wire
const (
	msgConfigure  = "configure"
	msgData       = "data"
	msgHeartbeat  = "heartbeat"
	msgInvalidate = "invalidate"
)

const finalityFinalized = "DATA_STATUS_FINALIZED"

type configureMessage struct {
	Type           string     `json:"type"`
	StreamID       uint64     `json:"stream_id"`
	BatchSize      int        `json:"batch_size"`
	Finality       string     `json:"finality"`
	StartingCursor *Cursor    `json:"starting_cursor,omitempty"`
	Filter         wireFilter `json:"filter"`
}

type wireFilter struct {
	Header wireHeaderFilter  `json:"header"`
	Events []wireEventFilter `json:"events"`
}

type wireHeaderFilter struct {
	Weak bool `json:"weak"`
}

type wireEventFilter struct {
	FromAddress felt.Felt   `json:"from_address"`
	Keys        []felt.Felt `json:"keys"`
}

type serverMessage struct {
	Type      string      `json:"type"`
	StreamID  uint64      `json:"stream_id"`
	Cursor    *Cursor     `json:"cursor,omitempty"`
	EndCursor *Cursor     `json:"end_cursor,omitempty"`
	Finality  string      `json:"finality,omitempty"`
	Blocks    []wireBlock `json:"blocks,omitempty"`
}

type wireBlock struct {
	Header struct {
		BlockNumber uint64 `json:"block_number"`
	} `json:"header"`
	Events []wireEvent `json:"events"`
}

type wireEvent struct {
	Event struct {
		FromAddress felt.Felt   `json:"from_address"`
		Keys        []felt.Felt `json:"keys"`
		Data        []felt.Felt `json:"data"`
	} `json:"event"`
	TransactionHash felt.Felt `json:"transaction_hash"`
	Index           int       `json:"index"`
}

func newConfigure(streamID uint64, batchSize int, filter Filter, start *Cursor) configureMessage {
	return configureMessage{
		Type:           msgConfigure,
		StreamID:       streamID,
		BatchSize:      batchSize,
		Finality:       finalityFinalized,
		StartingCursor: start,
		Filter: wireFilter{
			Header: wireHeaderFilter{Weak: true},
			Events: []wireEventFilter{{FromAddress: filter.Address, Keys: filter.Keys}},
		},
	}
}
