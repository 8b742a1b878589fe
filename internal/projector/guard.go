package projector

import (
	"context"
	"errors"

	pkgerrors "github.com/pkg/errors"

	"example.com/eventchain/indexer/internal/events"
	"example.com/eventchain/indexer/internal/repositories"
)

// Guard answers whether the effect of an event is already in the store.
// It must be asked immediately before the write it protects.
type Guard struct {
	gateway repositories.Gateway
}

// NewGuard creates a guard reading through gw
func NewGuard(gw repositories.Gateway) *Guard {
	return &Guard{gateway: gw}
}

// AlreadyApplied reports whether ev has been projected before. For
// EndEventRegistration it returns repositories.ErrNotFound when the event
// row is missing; other errors are storage failures.
func (g *Guard) AlreadyApplied(ctx context.Context, ev events.Event) (bool, error) {
	switch e := ev.(type) {
	case events.NewEventAdded:
		_, err := g.gateway.FindEventByID(ctx, e.EventID)
		if errors.Is(err, repositories.ErrNotFound) {
			return false, nil
		}
		return err == nil, err

	case events.RegisteredForEvent:
		// any row counts, a deactivated registration is still the same registration
		return g.gateway.IsRegistered(ctx, e.EventID, e.UserAddress)

	case events.EndEventRegistration:
		event, err := g.gateway.FindEventByID(ctx, e.EventID)
		if err != nil {
			return false, err
		}
		return !event.RegistrationOpen, nil

	case events.RSVPForEvent:
		return g.gateway.HasRSVPed(ctx, e.EventID, e.AttendeeAddress)

	case events.EventAttendanceMark:
		return g.gateway.HasAttended(ctx, e.EventID, e.UserAddress)

	default:
		return false, pkgerrors.Wrapf(events.ErrUnknownEventKind, "%T", ev)
	}
}
