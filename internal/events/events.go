package events

import (
	"strings"

	"example.com/eventchain/indexer/internal/felt"
)

// Kind tags the on-chain event variants the indexer understands.
type Kind int

const (
	KindUnknown Kind = iota
	KindNewEventAdded
	KindRegisteredForEvent
	KindEndEventRegistration
	KindRSVPForEvent
	KindEventAttendanceMark
)

// Kinds lists every known variant in declaration order.
var Kinds = []Kind{
	KindNewEventAdded,
	KindRegisteredForEvent,
	KindEndEventRegistration,
	KindRSVPForEvent,
	KindEventAttendanceMark,
}

var kindNames = map[Kind]string{
	KindNewEventAdded:        "NewEventAdded",
	KindRegisteredForEvent:   "RegisteredForEvent",
	KindEndEventRegistration: "EndEventRegistration",
	KindRSVPForEvent:         "RSVPForEvent",
	KindEventAttendanceMark:  "EventAttendanceMark",
}

// String returns the contract-level event name.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "Unknown"
}

// ParseKind resolves a contract-level event name, ignoring case.
func ParseKind(name string) (Kind, bool) {
	for k, n := range kindNames {
		if strings.EqualFold(n, name) {
			return k, true
		}
	}
	return KindUnknown, false
}

// Meta locates a raw event on chain.
type Meta struct {
	BlockNumber     uint64
	TransactionHash felt.Felt
	EventIndex      int
}

// Metadata returns the on-chain position of the event.
func (m Meta) Metadata() Meta {
	return m
}

// Event is one decoded on-chain event. The set of implementations is closed;
// values are only produced by Decoder.
type Event interface {
	Kind() Kind
	// ReferencedEventID is the id of the Event record this event creates or targets.
	ReferencedEventID() uint64
	Metadata() Meta
	sealed()
}

// NewEventAdded announces a new event on the contract.
type NewEventAdded struct {
	Meta
	Name       string
	EventID    uint64
	Location   string
	EventOwner string
}

// RegisteredForEvent records a user registering for an event.
type RegisteredForEvent struct {
	Meta
	EventID     uint64
	EventName   string
	UserAddress string
}

// EndEventRegistration closes registration for an event.
type EndEventRegistration struct {
	Meta
	EventID    uint64
	EventName  string
	EventOwner string
}

// RSVPForEvent records an attendee RSVP.
type RSVPForEvent struct {
	Meta
	EventID         uint64
	AttendeeAddress string
}

// EventAttendanceMark records a user's attendance.
type EventAttendanceMark struct {
	Meta
	EventID     uint64
	UserAddress string
}

func (NewEventAdded) Kind() Kind        { return KindNewEventAdded }
func (RegisteredForEvent) Kind() Kind   { return KindRegisteredForEvent }
func (EndEventRegistration) Kind() Kind { return KindEndEventRegistration }
func (RSVPForEvent) Kind() Kind         { return KindRSVPForEvent }
func (EventAttendanceMark) Kind() Kind  { return KindEventAttendanceMark }

func (e NewEventAdded) ReferencedEventID() uint64        { return e.EventID }
func (e RegisteredForEvent) ReferencedEventID() uint64   { return e.EventID }
func (e EndEventRegistration) ReferencedEventID() uint64 { return e.EventID }
func (e RSVPForEvent) ReferencedEventID() uint64         { return e.EventID }
func (e EventAttendanceMark) ReferencedEventID() uint64  { return e.EventID }

func (NewEventAdded) sealed()        {}
func (RegisteredForEvent) sealed()   {}
func (EndEventRegistration) sealed() {}
func (RSVPForEvent) sealed()         {}
func (EventAttendanceMark) sealed()  {}
