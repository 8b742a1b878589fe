package events

import (
	"math"

	"github.com/pkg/errors"

	"example.com/eventchain/indexer/internal/felt"
)

var (
	// ErrUnknownEventKind is returned for a key with no known layout.
	ErrUnknownEventKind = errors.New("unknown event kind")

	// ErrDecode is returned for malformed event data.
	ErrDecode = felt.ErrDecode
)

// fieldCounts is the number of data scalars each variant carries. Event ids
// are u256 values and take two scalars (low, high).
var fieldCounts = map[Kind]int{
	KindNewEventAdded:        5, // name, id.low, id.high, location, owner
	KindRegisteredForEvent:   4, // id.low, id.high, event_name, user
	KindEndEventRegistration: 4, // id.low, id.high, event_name, owner
	KindRSVPForEvent:         3, // id.low, id.high, attendee
	KindEventAttendanceMark:  3, // id.low, id.high, user
}

// DefaultKey is the selector of the variant's event name.
func DefaultKey(k Kind) felt.Felt {
	return felt.Selector(k.String())
}

// Decoder maps raw event keys and data to typed events.
type Decoder struct {
	kinds map[felt.Felt]Kind
	keys  map[Kind]felt.Felt
}

// NewDecoder creates a decoder using the default selectors, replaced by any
// entry in overrides.
func NewDecoder(overrides map[Kind]felt.Felt) *Decoder {
	d := &Decoder{
		kinds: make(map[felt.Felt]Kind, len(Kinds)),
		keys:  make(map[Kind]felt.Felt, len(Kinds)),
	}
	for _, k := range Kinds {
		key, ok := overrides[k]
		if !ok {
			key = DefaultKey(k)
		}
		d.keys[k] = key
		d.kinds[key] = k
	}
	return d
}

// Key returns the event key the decoder uses for a kind.
func (d *Decoder) Key(k Kind) felt.Felt {
	return d.keys[k]
}

// Keys returns the key of every known kind, suitable for a stream filter.
func (d *Decoder) Keys() []felt.Felt {
	keys := make([]felt.Felt, 0, len(Kinds))
	for _, k := range Kinds {
		keys = append(keys, d.keys[k])
	}
	return keys
}

// KindOf resolves a raw event key.
func (d *Decoder) KindOf(key felt.Felt) Kind {
	return d.kinds[key]
}

// Decode builds the typed event for key from its ordered data scalars.
func (d *Decoder) Decode(key felt.Felt, data []felt.Felt, meta Meta) (Event, error) {
	kind, ok := d.kinds[key]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownEventKind, "key %s", key.Hex())
	}
	if want := fieldCounts[kind]; len(data) != want {
		return nil, errors.Wrapf(ErrDecode, "%s expects %d data fields, got %d", kind, want, len(data))
	}

	r := &reader{data: data}
	var ev Event
	switch kind {
	case KindNewEventAdded:
		ev = NewEventAdded{
			Meta:       meta,
			Name:       r.shortString("name"),
			EventID:    r.eventID(),
			Location:   r.shortString("location"),
			EventOwner: r.address(),
		}
	case KindRegisteredForEvent:
		ev = RegisteredForEvent{
			Meta:        meta,
			EventID:     r.eventID(),
			EventName:   r.shortString("event_name"),
			UserAddress: r.address(),
		}
	case KindEndEventRegistration:
		ev = EndEventRegistration{
			Meta:       meta,
			EventID:    r.eventID(),
			EventName:  r.shortString("event_name"),
			EventOwner: r.address(),
		}
	case KindRSVPForEvent:
		ev = RSVPForEvent{
			Meta:            meta,
			EventID:         r.eventID(),
			AttendeeAddress: r.address(),
		}
	case KindEventAttendanceMark:
		ev = EventAttendanceMark{
			Meta:        meta,
			EventID:     r.eventID(),
			UserAddress: r.address(),
		}
	}

	if r.err != nil {
		return nil, errors.WithMessagef(r.err, "decode %s", kind)
	}
	return ev, nil
}

// reader consumes scalars in order and keeps the first failure.
type reader struct {
	data []felt.Felt
	pos  int
	err  error
}

func (r *reader) next() felt.Felt {
	f := r.data[r.pos]
	r.pos++
	return f
}

func (r *reader) shortString(field string) string {
	f := r.next()
	if r.err != nil {
		return ""
	}
	s, err := f.ShortString()
	if err != nil {
		r.err = errors.WithMessage(err, field)
	}
	return s
}

func (r *reader) eventID() uint64 {
	low, high := r.next(), r.next()
	if r.err != nil {
		return 0
	}
	id, err := felt.WideUint64(low, high)
	if err != nil {
		r.err = errors.WithMessage(err, "event_id")
		return 0
	}
	// ids are stored in a signed bigint column
	if id > math.MaxInt64 {
		r.err = errors.Wrapf(ErrDecode, "event_id %d exceeds storage range", id)
		return 0
	}
	return id
}

func (r *reader) address() string {
	return r.next().Hex()
}
