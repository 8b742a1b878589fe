// Package projector turns decoded chain events into store writes. Each
// variant has one handler; every handler is safe to run again on an event
// it has already applied.
package projector

import (
	"context"
	"errors"
	"fmt"

	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/eventchain/indexer/internal/events"
	"example.com/eventchain/indexer/internal/metrics"
	"example.com/eventchain/indexer/internal/models"
	"example.com/eventchain/indexer/internal/repositories"
)

// ErrStorage marks a failed read or write against the store. The indexer
// halts on it.
var ErrStorage = errors.New("storage failure")

// Outcome is the result of applying one event
type Outcome int

const (
	Applied Outcome = iota + 1
	AlreadyApplied
	MissingReferencedEvent
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case AlreadyApplied:
		return "already_applied"
	case MissingReferencedEvent:
		return "missing_referenced_event"
	default:
		return "unknown"
	}
}

// EventCache mirrors the set of events seen in the store. Entries are
// hints, never a substitute for the store lookup.
type EventCache interface {
	EventKnown(ctx context.Context, eventID uint64) (bool, error)
	RememberEvent(ctx context.Context, eventID uint64) error
	ForgetEvent(ctx context.Context, eventID uint64) error
}

// Observer is told about every applied event. Failures are logged and
// never stop the projector.
type Observer interface {
	Observe(ctx context.Context, ev events.Event) error
}

// Option configures a Projector
type Option func(*Projector)

// WithCache sets the referenced-event cache
func WithCache(c EventCache) Option {
	return func(p *Projector) { p.cache = c }
}

// WithObservers appends observers run after each applied event
func WithObservers(obs ...Observer) Option {
	return func(p *Projector) { p.observers = append(p.observers, obs...) }
}

// WithMetrics sets the metrics collector
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Projector) { p.metrics = m }
}

// Projector dispatches decoded events to their handlers
type Projector struct {
	gateway   repositories.Gateway
	guard     *Guard
	cache     EventCache
	observers []Observer
	metrics   *metrics.Metrics
}

// New creates a projector writing through gw
func New(gw repositories.Gateway, opts ...Option) *Projector {
	p := &Projector{
		gateway: gw,
		guard:   NewGuard(gw),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Apply projects ev into the store. AlreadyApplied and
// MissingReferencedEvent are normal outcomes; an error is either
// ErrUnknownEventKind or ErrStorage.
func (p *Projector) Apply(ctx context.Context, ev events.Event) (Outcome, error) {
	var (
		outcome Outcome
		err     error
	)

	switch e := ev.(type) {
	case events.NewEventAdded:
		outcome, err = p.applyNewEvent(ctx, e)
	case events.RegisteredForEvent:
		outcome, err = p.applyRegistration(ctx, e)
	case events.EndEventRegistration:
		outcome, err = p.applyEndRegistration(ctx, e)
	case events.RSVPForEvent:
		outcome, err = p.applyRSVP(ctx, e)
	case events.EventAttendanceMark:
		outcome, err = p.applyAttendance(ctx, e)
	default:
		return 0, pkgerrors.Wrapf(events.ErrUnknownEventKind, "%T", ev)
	}
	if err != nil {
		return 0, err
	}

	p.record(ev, outcome)
	if outcome == Applied {
		p.notify(ctx, ev)
	}
	return outcome, nil
}

func (p *Projector) applyNewEvent(ctx context.Context, e events.NewEventAdded) (Outcome, error) {
	done, err := p.guard.AlreadyApplied(ctx, e)
	if err != nil {
		return 0, storageError("check event", err)
	}
	if done {
		p.remember(ctx, e.EventID)
		return AlreadyApplied, nil
	}

	err = p.gateway.CreateEvent(ctx, &models.Event{
		EventID:          e.EventID,
		Name:             e.Name,
		Location:         e.Location,
		EventOwner:       e.EventOwner,
		RegistrationOpen: true,
		BlockNumber:      e.BlockNumber,
	})
	if errors.Is(err, repositories.ErrDuplicateKey) {
		return AlreadyApplied, nil
	}
	if err != nil {
		return 0, storageError("create event", err)
	}

	p.remember(ctx, e.EventID)
	return Applied, nil
}

func (p *Projector) applyRegistration(ctx context.Context, e events.RegisteredForEvent) (Outcome, error) {
	return p.applyDependent(ctx, e, func() error {
		return p.gateway.CreateRegistration(ctx, &models.Registration{
			EventID:     e.EventID,
			UserAddress: e.UserAddress,
			IsActive:    true,
			BlockNumber: e.BlockNumber,
		})
	})
}

func (p *Projector) applyEndRegistration(ctx context.Context, e events.EndEventRegistration) (Outcome, error) {
	return p.applyDependent(ctx, e, func() error {
		n, err := p.gateway.DeactivateRegistrations(ctx, e.EventID)
		if err == nil {
			log.Info().
				Uint64("event_id", e.EventID).
				Int64("deactivated", n).
				Msg("event registration closed")
		}
		return err
	})
}

func (p *Projector) applyRSVP(ctx context.Context, e events.RSVPForEvent) (Outcome, error) {
	return p.applyDependent(ctx, e, func() error {
		return p.gateway.CreateRSVP(ctx, &models.RSVP{
			EventID:         e.EventID,
			AttendeeAddress: e.AttendeeAddress,
			BlockNumber:     e.BlockNumber,
		})
	})
}

func (p *Projector) applyAttendance(ctx context.Context, e events.EventAttendanceMark) (Outcome, error) {
	return p.applyDependent(ctx, e, func() error {
		return p.gateway.CreateAttendance(ctx, &models.Attendance{
			EventID:     e.EventID,
			UserAddress: e.UserAddress,
			BlockNumber: e.BlockNumber,
		})
	})
}

// applyDependent runs write for an event that targets an existing Event
// record: reference check, then guard, then write
func (p *Projector) applyDependent(ctx context.Context, ev events.Event, write func() error) (Outcome, error) {
	found, err := p.eventExists(ctx, ev.ReferencedEventID())
	if err != nil {
		return 0, storageError("check referenced event", err)
	}
	if !found {
		return MissingReferencedEvent, nil
	}

	// the event can still vanish between the reference check and the write
	done, err := p.guard.AlreadyApplied(ctx, ev)
	if errors.Is(err, repositories.ErrNotFound) {
		return MissingReferencedEvent, nil
	}
	if err != nil {
		return 0, storageError("check "+ev.Kind().String(), err)
	}
	if done {
		return AlreadyApplied, nil
	}

	err = write()
	if errors.Is(err, repositories.ErrDuplicateKey) {
		return AlreadyApplied, nil
	}
	if errors.Is(err, repositories.ErrNotFound) {
		return MissingReferencedEvent, nil
	}
	if err != nil {
		return 0, storageError("write "+ev.Kind().String(), err)
	}
	return Applied, nil
}

// eventExists asks the store. The cache only learns from the answer: a hit
// whose row is gone is dropped.
func (p *Projector) eventExists(ctx context.Context, eventID uint64) (bool, error) {
	_, err := p.gateway.FindEventByID(ctx, eventID)
	if errors.Is(err, repositories.ErrNotFound) {
		p.forget(ctx, eventID)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	p.remember(ctx, eventID)
	return true, nil
}

func (p *Projector) remember(ctx context.Context, eventID uint64) {
	if p.cache == nil {
		return
	}
	if err := p.cache.RememberEvent(ctx, eventID); err != nil {
		log.Warn().Err(err).Uint64("event_id", eventID).Msg("event cache update failed")
	}
}

func (p *Projector) forget(ctx context.Context, eventID uint64) {
	if p.cache == nil {
		return
	}
	known, err := p.cache.EventKnown(ctx, eventID)
	if err != nil {
		log.Warn().Err(err).Uint64("event_id", eventID).Msg("event cache lookup failed")
		return
	}
	if !known {
		return
	}
	log.Warn().Uint64("event_id", eventID).Msg("dropping stale event cache entry")
	if err := p.cache.ForgetEvent(ctx, eventID); err != nil {
		log.Warn().Err(err).Uint64("event_id", eventID).Msg("event cache delete failed")
	}
}

func (p *Projector) notify(ctx context.Context, ev events.Event) {
	for _, obs := range p.observers {
		if err := obs.Observe(ctx, ev); err != nil {
			if p.metrics != nil {
				p.metrics.IncrementCounter(metrics.CounterObserverErrors)
			}
			log.Warn().Err(err).
				Str("kind", ev.Kind().String()).
				Uint64("event_id", ev.ReferencedEventID()).
				Msg("observer failed")
		}
	}
}

func (p *Projector) record(ev events.Event, outcome Outcome) {
	meta := ev.Metadata()
	logEvent := log.Debug()
	if outcome == MissingReferencedEvent {
		logEvent = log.Warn()
	}
	logEvent.
		Str("kind", ev.Kind().String()).
		Uint64("event_id", ev.ReferencedEventID()).
		Uint64("block", meta.BlockNumber).
		Str("tx", meta.TransactionHash.Hex()).
		Str("outcome", outcome.String()).
		Msg("event projected")

	if p.metrics == nil {
		return
	}
	switch outcome {
	case Applied:
		p.metrics.IncrementCounter(metrics.CounterEventsApplied)
	case AlreadyApplied:
		p.metrics.IncrementCounter(metrics.CounterEventsAlreadyApplied)
	case MissingReferencedEvent:
		p.metrics.IncrementCounter(metrics.CounterEventsMissingRef)
	}
}

func storageError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}
