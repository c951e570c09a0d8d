// README: In-memory booking store with the same compare-and-set semantics as PGStore.
package booking

import (
	"context"
	"sort"
	"sync"
	"time"

	"ridecore/internal/types"
)

type MemoryStore struct {
	mu       sync.RWMutex
	bookings map[types.ID]*Booking
	events   []Event
	nextID   int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{bookings: make(map[types.ID]*Booking)}
}

func (s *MemoryStore) Create(_ context.Context, b *Booking) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bookings[b.ID]; ok {
		return ErrConflict
	}
	if d := b.Driver(); d != "" && IsActive(b.Status) && s.driverBusyLocked(d, b.ID) {
		return ErrConflict
	}
	if !IsTerminal(b.Status) && s.customerBusyLocked(b.CustomerID) {
		return ErrActiveBooking
	}
	s.bookings[b.ID] = cloneBooking(b)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id types.ID) (*Booking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bookings[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneBooking(b), nil
}

func (s *MemoryStore) UpdateStatus(_ context.Context, u StatusChange) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bookings[u.ID]
	if !ok || b.Status != u.From || b.StatusVersion != u.Version {
		return false, nil
	}
	driver := b.Driver()
	if u.DriverID != nil {
		driver = *u.DriverID
	}
	if driver != "" && IsActive(u.To) && s.driverBusyLocked(driver, b.ID) {
		return false, nil
	}

	b.Status = u.To
	b.StatusVersion++
	if u.DriverID != nil {
		d := *u.DriverID
		b.DriverID = &d
	}
	if u.Payment != nil {
		b.PaymentStatus = *u.Payment
	}
	if u.Reason != nil {
		r := *u.Reason
		b.CancelReason = &r
	}
	stampStatus(b, u.To, u.At)
	return true, nil
}

func (s *MemoryStore) UpdatePayment(_ context.Context, id types.ID, version int, payment PaymentStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bookings[id]
	if !ok || b.StatusVersion != version {
		return false, nil
	}
	b.PaymentStatus = payment
	b.StatusVersion++
	b.UpdatedAt = time.Now()
	return true, nil
}

func (s *MemoryStore) SetRating(_ context.Context, id types.ID, version int, rating int, feedback *string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bookings[id]
	if !ok || b.StatusVersion != version || b.Rating != nil {
		return false, nil
	}
	r := rating
	b.Rating = &r
	if feedback != nil {
		f := *feedback
		b.Feedback = &f
	}
	b.StatusVersion++
	b.UpdatedAt = time.Now()
	return true, nil
}

func (s *MemoryStore) AppendEvent(_ context.Context, e *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	cp := *e
	cp.ID = s.nextID
	s.events = append(s.events, cp)
	return nil
}

// Events returns the audit trail of one booking in append order.
func (s *MemoryStore) Events(id types.ID) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Event
	for _, e := range s.events {
		if e.BookingID == id {
			out = append(out, e)
		}
	}
	return out
}

func (s *MemoryStore) ListByStatus(_ context.Context, statuses ...Status) ([]*Booking, error) {
	want := make(map[Status]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	s.mu.RLock()
	var out []*Booking
	for _, b := range s.bookings {
		if want[b.Status] {
			out = append(out, cloneBooking(b))
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) HasActiveByCustomer(_ context.Context, customerID types.ID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, b := range s.bookings {
		if b.CustomerID == customerID && !IsTerminal(b.Status) {
			return true, nil
		}
	}
	return false, nil
}

// driverBusyLocked mirrors the partial unique index on active driver bookings.
func (s *MemoryStore) driverBusyLocked(driverID, except types.ID) bool {
	for id, b := range s.bookings {
		if id != except && b.Driver() == driverID && IsActive(b.Status) {
			return true
		}
	}
	return false
}

// customerBusyLocked mirrors the partial unique index on open customer bookings.
func (s *MemoryStore) customerBusyLocked(customerID types.ID) bool {
	for _, b := range s.bookings {
		if b.CustomerID == customerID && !IsTerminal(b.Status) {
			return true
		}
	}
	return false
}

func stampStatus(b *Booking, to Status, at time.Time) {
	t := at
	b.UpdatedAt = at
	switch to {
	case StatusAccepted:
		b.AcceptedAt = &t
	case StatusInProgress:
		b.StartedAt = &t
	case StatusCompleted:
		b.CompletedAt = &t
	case StatusCancelled:
		b.CancelledAt = &t
	}
}

func cloneBooking(b *Booking) *Booking {
	cp := *b
	if b.DriverID != nil {
		d := *b.DriverID
		cp.DriverID = &d
	}
	if b.Rating != nil {
		r := *b.Rating
		cp.Rating = &r
	}
	cp.Feedback = cloneString(b.Feedback)
	cp.CancelReason = cloneString(b.CancelReason)
	cp.AcceptedAt = cloneTime(b.AcceptedAt)
	cp.StartedAt = cloneTime(b.StartedAt)
	cp.CompletedAt = cloneTime(b.CompletedAt)
	cp.CancelledAt = cloneTime(b.CancelledAt)
	return &cp
}

func cloneString(v *string) *string {
	if v == nil {
		return nil
	}
	s := *v
	return &s
}

func cloneTime(v *time.Time) *time.Time {
	if v == nil {
		return nil
	}
	t := *v
	return &t
}
