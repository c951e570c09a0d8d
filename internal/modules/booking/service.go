// README: Booking service owns every lifecycle transition, driver claims and status events.
package booking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"ridecore/internal/modules/eventbus"
	"ridecore/internal/types"
)

var (
	ErrInvalidTransition = errors.New("invalid booking state transition")
	ErrNotFound          = errors.New("booking not found")
	ErrConflict          = errors.New("booking state conflict")
	ErrBadRequest        = errors.New("bad request")
	ErrForbidden         = errors.New("actor not allowed on booking")
	ErrDriverUnavailable = errors.New("driver unavailable")
	ErrAlreadyRated      = errors.New("booking already rated")
	ErrActiveBooking     = errors.New("customer has active booking")
)

// Claimer is the driver pool's claim surface.
type Claimer interface {
	Claim(driverID, bookingID types.ID) bool
	Reserve(driverID, bookingID types.ID) error
	Release(driverID, bookingID types.ID) bool
}

type Service struct {
	store   Store
	claimer Claimer
	bus     eventbus.Publisher
	logger  *slog.Logger
	locks   *keyedMutex
	now     func() time.Time

	mu             sync.RWMutex
	activeByDriver map[types.ID]types.ID
}

func NewService(store Store, claimer Claimer, bus eventbus.Publisher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:          store,
		claimer:        claimer,
		bus:            bus,
		logger:         logger.With("component", "booking"),
		locks:          newKeyedMutex(),
		now:            time.Now,
		activeByDriver: make(map[types.ID]types.ID),
	}
}

type CreateCommand struct {
	// ID is optional; dispatch pre-generates it so the driver claim can reference it.
	ID           types.ID
	CustomerID   types.ID
	DriverID     types.ID
	Pickup       types.Point
	Dropoff      types.Point
	Class        types.VehicleClass
	Price        types.Money
	DistanceKm   float64
	Source       DistanceSource
	DurationText string
}

type TransitionCommand struct {
	BookingID types.ID
	To        Status
	Actor     Actor
	// DriverID is required for requested -> accepted.
	DriverID types.ID
	Reason   string
}

type RateCommand struct {
	BookingID  types.ID
	CustomerID types.ID
	Rating     int
	Feedback   string
}

// Create persists a new booking. The caller owns any driver claim referenced by
// cmd.DriverID and must release it when Create fails.
func (s *Service) Create(ctx context.Context, cmd CreateCommand) (*Booking, error) {
	if cmd.CustomerID == "" || !cmd.Pickup.Valid() || !cmd.Dropoff.Valid() || !cmd.Class.Valid() {
		return nil, ErrBadRequest
	}
	if cmd.Price.Amount < 0 || cmd.DistanceKm < 0 {
		return nil, ErrBadRequest
	}
	active, err := s.store.HasActiveByCustomer(ctx, cmd.CustomerID)
	if err != nil {
		return nil, err
	}
	if active {
		return nil, ErrActiveBooking
	}

	id := cmd.ID
	if id == "" {
		id = types.NewID()
	}
	source := cmd.Source
	if source == "" {
		source = SourceHaversine
	}
	now := s.now()
	b := &Booking{
		ID:             id,
		CustomerID:     cmd.CustomerID,
		DriverID:       types.IDPtr(cmd.DriverID),
		Pickup:         cmd.Pickup,
		Dropoff:        cmd.Dropoff,
		VehicleClass:   cmd.Class,
		Status:         StatusRequested,
		Price:          cmd.Price,
		DistanceKm:     cmd.DistanceKm,
		DistanceSource: source,
		DurationText:   cmd.DurationText,
		PaymentStatus:  PaymentPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if cmd.DriverID != "" {
		b.Status = StatusAccepted
		b.AcceptedAt = &now
	}

	if err := s.store.Create(ctx, b); err != nil {
		return nil, err
	}
	s.appendEvent(ctx, b.ID, StatusNone, b.Status, Actor{Type: ActorCustomer, ID: cmd.CustomerID}, now)
	if cmd.DriverID != "" {
		s.track(cmd.DriverID, b.ID)
	}
	s.publishStatus(ctx, b)
	s.logger.Info("booking created", "booking_id", b.ID, "status", b.Status, "driver_id", b.Driver())
	return b, nil
}

// Transition is the single entry point for status changes.
func (s *Service) Transition(ctx context.Context, cmd TransitionCommand) (*Booking, error) {
	if cmd.BookingID == "" {
		return nil, ErrBadRequest
	}
	unlock := s.locks.Lock(cmd.BookingID)
	defer unlock()

	b, err := s.store.Get(ctx, cmd.BookingID)
	if err != nil {
		return nil, err
	}
	if cmd.To == StatusCancelled && b.Status == StatusCancelled {
		if err := authorize(b, cmd); err != nil {
			return nil, err
		}
		return b, nil
	}
	if !CanTransition(b.Status, cmd.To) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, b.Status, cmd.To)
	}
	if err := authorize(b, cmd); err != nil {
		return nil, err
	}

	change := StatusChange{
		ID:      b.ID,
		From:    b.Status,
		To:      cmd.To,
		Version: b.StatusVersion,
		At:      s.now(),
	}
	claimed := types.ID("")
	if cmd.To == StatusAccepted {
		driverID := cmd.DriverID
		if cmd.Actor.Type == ActorDriver {
			driverID = cmd.Actor.ID
		}
		if driverID == "" {
			return nil, ErrBadRequest
		}
		if !s.claimer.Claim(driverID, b.ID) {
			return nil, ErrDriverUnavailable
		}
		claimed = driverID
		change.DriverID = &driverID
	}
	if cmd.To == StatusCancelled && cmd.Reason != "" {
		reason := cmd.Reason
		change.Reason = &reason
	}

	if err := s.commit(ctx, change, claimed); err != nil {
		return nil, err
	}
	return s.afterTransition(ctx, b, change, cmd.Actor), nil
}

// CompletePayment records a successful payment, finishing an in-progress trip
// in the same write.
func (s *Service) CompletePayment(ctx context.Context, bookingID types.ID) (*Booking, error) {
	unlock := s.locks.Lock(bookingID)
	defer unlock()

	b, err := s.store.Get(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	switch {
	case b.Status == StatusInProgress:
		paid := PaymentCompleted
		change := StatusChange{
			ID:      b.ID,
			From:    b.Status,
			To:      StatusCompleted,
			Version: b.StatusVersion,
			Payment: &paid,
			At:      s.now(),
		}
		if err := s.commit(ctx, change, ""); err != nil {
			return nil, err
		}
		return s.afterTransition(ctx, b, change, Actor{Type: ActorPayment}), nil
	case b.Status == StatusCompleted && b.PaymentStatus == PaymentCompleted:
		return b, nil
	case b.Status == StatusCompleted:
		return s.setPayment(ctx, b, PaymentCompleted)
	default:
		return nil, fmt.Errorf("%w: payment on %s booking", ErrInvalidTransition, b.Status)
	}
}

// FailPayment marks the payment as failed. The trip status is unchanged.
func (s *Service) FailPayment(ctx context.Context, bookingID types.ID) (*Booking, error) {
	unlock := s.locks.Lock(bookingID)
	defer unlock()

	b, err := s.store.Get(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if b.Status == StatusCancelled || b.PaymentStatus == PaymentCompleted {
		return nil, fmt.Errorf("%w: payment failure on %s booking", ErrInvalidTransition, b.Status)
	}
	if b.PaymentStatus == PaymentFailed {
		return b, nil
	}
	return s.setPayment(ctx, b, PaymentFailed)
}

func (s *Service) Rate(ctx context.Context, cmd RateCommand) (*Booking, error) {
	if cmd.Rating < 1 || cmd.Rating > 5 {
		return nil, ErrBadRequest
	}
	unlock := s.locks.Lock(cmd.BookingID)
	defer unlock()

	b, err := s.store.Get(ctx, cmd.BookingID)
	if err != nil {
		return nil, err
	}
	if b.CustomerID != cmd.CustomerID {
		return nil, ErrForbidden
	}
	if b.Status != StatusCompleted {
		return nil, fmt.Errorf("%w: rating %s booking", ErrInvalidTransition, b.Status)
	}
	if b.Rating != nil {
		return nil, ErrAlreadyRated
	}
	var feedback *string
	if cmd.Feedback != "" {
		f := cmd.Feedback
		feedback = &f
	}
	ok, err := s.store.SetRating(ctx, b.ID, b.StatusVersion, cmd.Rating, feedback)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrConflict
	}
	rating := cmd.Rating
	b.Rating = &rating
	b.Feedback = feedback
	b.StatusVersion++
	return b, nil
}

func (s *Service) Get(ctx context.Context, id types.ID) (*Booking, error) {
	return s.store.Get(ctx, id)
}

// ActiveBookingForDriver returns the accepted or in-progress booking the driver serves.
func (s *Service) ActiveBookingForDriver(driverID types.ID) (types.ID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.activeByDriver[driverID]
	return id, ok
}

func (s *Service) ListPending(ctx context.Context) ([]*Booking, error) {
	return s.store.ListByStatus(ctx, StatusRequested)
}

// Restore re-reserves drivers of persisted active bookings. It runs once on
// startup, before the driver pool starts serving queries.
func (s *Service) Restore(ctx context.Context) (int, error) {
	active, err := s.store.ListByStatus(ctx, StatusAccepted, StatusInProgress)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, b := range active {
		driverID := b.Driver()
		if driverID == "" {
			continue
		}
		if err := s.claimer.Reserve(driverID, b.ID); err != nil {
			s.logger.Warn("restore reservation failed", "booking_id", b.ID, "driver_id", driverID, "error", err)
			continue
		}
		s.track(driverID, b.ID)
		n++
	}
	return n, nil
}

// commit writes the change and releases claimed when the write does not land.
func (s *Service) commit(ctx context.Context, change StatusChange, claimed types.ID) error {
	ok, err := s.store.UpdateStatus(ctx, change)
	if err == nil && !ok {
		err = ErrConflict
	}
	if err != nil && claimed != "" {
		s.claimer.Release(claimed, change.ID)
	}
	return err
}

func (s *Service) afterTransition(ctx context.Context, b *Booking, change StatusChange, actor Actor) *Booking {
	s.appendEvent(ctx, b.ID, change.From, change.To, actor, change.At)

	b.Status = change.To
	b.StatusVersion++
	b.UpdatedAt = change.At
	if change.DriverID != nil {
		d := *change.DriverID
		b.DriverID = &d
	}
	if change.Payment != nil {
		b.PaymentStatus = *change.Payment
	}
	if change.Reason != nil {
		b.CancelReason = change.Reason
	}
	stampStatus(b, change.To, change.At)

	if driverID := b.Driver(); driverID != "" {
		switch {
		case IsTerminal(b.Status):
			s.claimer.Release(driverID, b.ID)
			s.untrack(driverID, b.ID)
		case b.Status == StatusAccepted:
			s.track(driverID, b.ID)
		}
	}
	s.publishStatus(ctx, b)
	s.logger.Info("booking transitioned",
		"booking_id", b.ID,
		"from", change.From,
		"to", change.To,
		"actor", actor.Type,
	)
	return b
}

func (s *Service) setPayment(ctx context.Context, b *Booking, payment PaymentStatus) (*Booking, error) {
	ok, err := s.store.UpdatePayment(ctx, b.ID, b.StatusVersion, payment)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrConflict
	}
	b.PaymentStatus = payment
	b.StatusVersion++
	b.UpdatedAt = s.now()
	s.publishStatus(ctx, b)
	return b, nil
}

func authorize(b *Booking, cmd TransitionCommand) error {
	switch cmd.Actor.Type {
	case ActorSystem, ActorPayment:
		return nil
	case ActorCustomer:
		if cmd.Actor.ID != b.CustomerID || cmd.To != StatusCancelled {
			return ErrForbidden
		}
		return nil
	case ActorDriver:
		if cmd.Actor.ID == "" {
			return ErrForbidden
		}
		if b.Status == StatusRequested && cmd.To == StatusAccepted {
			if cmd.DriverID != "" && cmd.DriverID != cmd.Actor.ID {
				return ErrForbidden
			}
			return nil
		}
		if b.Driver() != cmd.Actor.ID {
			return ErrForbidden
		}
		return nil
	default:
		return ErrForbidden
	}
}

func (s *Service) appendEvent(ctx context.Context, id types.ID, from, to Status, actor Actor, at time.Time) {
	err := s.store.AppendEvent(ctx, &Event{
		BookingID:  id,
		FromStatus: from,
		ToStatus:   to,
		ActorType:  actor.Type,
		ActorID:    types.IDPtr(actor.ID),
		CreatedAt:  at,
	})
	if err != nil {
		s.logger.Warn("append booking event failed", "booking_id", id, "error", err)
	}
}

func (s *Service) publishStatus(ctx context.Context, b *Booking) {
	if s.bus == nil {
		return
	}
	err := s.bus.Publish(context.WithoutCancel(ctx), eventbus.Event{
		Topic: eventbus.BookingStatusTopic(b.ID),
		Type:  eventbus.TypeBookingStatusUpdate,
		Payload: eventbus.StatusUpdate{
			BookingID:     b.ID,
			CustomerID:    b.CustomerID,
			DriverID:      b.Driver(),
			Status:        string(b.Status),
			PaymentStatus: string(b.PaymentStatus),
			Version:       b.StatusVersion,
			At:            b.UpdatedAt,
		},
	})
	if err != nil {
		s.logger.Warn("publish status update failed", "booking_id", b.ID, "error", err)
	}
}

func (s *Service) track(driverID, bookingID types.ID) {
	s.mu.Lock()
	s.activeByDriver[driverID] = bookingID
	s.mu.Unlock()
}

func (s *Service) untrack(driverID, bookingID types.ID) {
	s.mu.Lock()
	if s.activeByDriver[driverID] == bookingID {
		delete(s.activeByDriver, driverID)
	}
	s.mu.Unlock()
}
