// README: Store contract tests run against the in-memory store and, when configured, Postgres.
package booking

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"ridecore/internal/infra"
	"ridecore/internal/types"
)

func setupPGStore(t *testing.T) *PGStore {
	t.Helper()

	dsn := os.Getenv("RIDECORE_TEST_DSN")
	if dsn == "" {
		t.Skip("RIDECORE_TEST_DSN not set; skipping DB-backed store tests")
	}

	ctx := context.Background()
	if err := infra.Migrate(ctx, dsn, nil); err != nil {
		t.Fatalf("apply migration: %v", err)
	}
	db, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if _, err := db.Exec(ctx, "TRUNCATE TABLE booking_state_events, bookings"); err != nil {
		t.Fatalf("truncate tables: %v", err)
	}
	return NewPGStore(db)
}

func stores() map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory":   func(*testing.T) Store { return NewMemoryStore() },
		"postgres": func(t *testing.T) Store { return setupPGStore(t) },
	}
}

func newStoredBooking(customerID types.ID, driverID types.ID) *Booking {
	now := time.Now().UTC().Truncate(time.Microsecond)
	b := &Booking{
		ID:             types.NewID(),
		CustomerID:     customerID,
		DriverID:       types.IDPtr(driverID),
		Pickup:         pickup,
		Dropoff:        dropoff,
		VehicleClass:   types.VehicleEconomy,
		Status:         StatusRequested,
		Price:          types.Money{Amount: 2000, Currency: "USD"},
		DistanceKm:     10,
		DistanceSource: SourceHaversine,
		PaymentStatus:  PaymentPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if driverID != "" {
		b.Status = StatusAccepted
		b.AcceptedAt = &now
	}
	return b
}

func TestStoreStatusCAS(t *testing.T) {
	for name, open := range stores() {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()

			b := newStoredBooking("c1", "")
			if err := s.Create(ctx, b); err != nil {
				t.Fatalf("create: %v", err)
			}
			if err := s.Create(ctx, b); err == nil {
				t.Fatal("duplicate create succeeded")
			}

			d := types.ID("d1")
			ok, err := s.UpdateStatus(ctx, StatusChange{
				ID: b.ID, From: StatusRequested, To: StatusAccepted, Version: 0, DriverID: &d, At: time.Now(),
			})
			if err != nil || !ok {
				t.Fatalf("first update = %v, %v", ok, err)
			}
			// stale version
			ok, err = s.UpdateStatus(ctx, StatusChange{
				ID: b.ID, From: StatusRequested, To: StatusCancelled, Version: 0, At: time.Now(),
			})
			if err != nil || ok {
				t.Fatalf("stale update = %v, %v", ok, err)
			}

			got, err := s.Get(ctx, b.ID)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if got.Status != StatusAccepted || got.StatusVersion != 1 || got.Driver() != "d1" || got.AcceptedAt == nil {
				t.Fatalf("stored booking = %+v", got)
			}

			if _, err := s.Get(ctx, "missing"); err != ErrNotFound {
				t.Fatalf("get missing: %v", err)
			}
		})
	}
}

func TestStoreDriverExclusivity(t *testing.T) {
	for name, open := range stores() {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()

			first := newStoredBooking("c1", "d1")
			if err := s.Create(ctx, first); err != nil {
				t.Fatalf("create: %v", err)
			}
			if err := s.Create(ctx, newStoredBooking("c2", "d1")); err != ErrConflict {
				t.Fatalf("second active booking for d1: %v, want ErrConflict", err)
			}

			second := newStoredBooking("c3", "")
			if err := s.Create(ctx, second); err != nil {
				t.Fatalf("create: %v", err)
			}
			d := types.ID("d1")
			ok, err := s.UpdateStatus(ctx, StatusChange{
				ID: second.ID, From: StatusRequested, To: StatusAccepted, Version: 0, DriverID: &d, At: time.Now(),
			})
			if err != nil || ok {
				t.Fatalf("accept with busy driver = %v, %v", ok, err)
			}
		})
	}
}

func TestStorePaymentRatingAndQueries(t *testing.T) {
	for name, open := range stores() {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()

			b := newStoredBooking("c1", "d1")
			if err := s.Create(ctx, b); err != nil {
				t.Fatalf("create: %v", err)
			}
			active, err := s.HasActiveByCustomer(ctx, "c1")
			if err != nil || !active {
				t.Fatalf("active = %v, %v", active, err)
			}

			paid := PaymentCompleted
			steps := []StatusChange{
				{ID: b.ID, From: StatusAccepted, To: StatusInProgress, Version: 0, At: time.Now()},
				{ID: b.ID, From: StatusInProgress, To: StatusCompleted, Version: 1, Payment: &paid, At: time.Now()},
			}
			for _, step := range steps {
				if ok, err := s.UpdateStatus(ctx, step); err != nil || !ok {
					t.Fatalf("update to %s = %v, %v", step.To, ok, err)
				}
			}
			if active, _ := s.HasActiveByCustomer(ctx, "c1"); active {
				t.Fatal("completed booking still active")
			}

			if ok, err := s.SetRating(ctx, b.ID, 2, 5, nil); err != nil || !ok {
				t.Fatalf("rate = %v, %v", ok, err)
			}
			if ok, _ := s.SetRating(ctx, b.ID, 3, 1, nil); ok {
				t.Fatal("second rating accepted")
			}
			if ok, err := s.UpdatePayment(ctx, b.ID, 3, PaymentCompleted); err != nil || !ok {
				t.Fatalf("update payment = %v, %v", ok, err)
			}

			got, err := s.Get(ctx, b.ID)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if got.Rating == nil || *got.Rating != 5 || got.PaymentStatus != PaymentCompleted || got.StatusVersion != 4 {
				t.Fatalf("stored booking = %+v", got)
			}

			if err := s.AppendEvent(ctx, &Event{
				BookingID: b.ID, FromStatus: StatusInProgress, ToStatus: StatusCompleted,
				ActorType: ActorPayment, CreatedAt: time.Now(),
			}); err != nil {
				t.Fatalf("append event: %v", err)
			}

			pending := newStoredBooking("c2", "")
			if err := s.Create(ctx, pending); err != nil {
				t.Fatalf("create pending: %v", err)
			}
			list, err := s.ListByStatus(ctx, StatusRequested)
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(list) != 1 || list[0].ID != pending.ID {
				t.Fatalf("requested list = %v", list)
			}
		})
	}
}

func TestStoreOneOpenBookingPerCustomer(t *testing.T) {
	for name, open := range stores() {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()

			first := newStoredBooking("c1", "")
			if err := s.Create(ctx, first); err != nil {
				t.Fatalf("create: %v", err)
			}
			if err := s.Create(ctx, newStoredBooking("c1", "d1")); !errors.Is(err, ErrActiveBooking) {
				t.Fatalf("second open booking err = %v, want ErrActiveBooking", err)
			}
			if err := s.Create(ctx, newStoredBooking("c2", "")); err != nil {
				t.Fatalf("other customer: %v", err)
			}

			cancelled := StatusChange{ID: first.ID, From: StatusRequested, To: StatusCancelled, Version: 0, At: time.Now()}
			if ok, err := s.UpdateStatus(ctx, cancelled); err != nil || !ok {
				t.Fatalf("cancel = %v, %v", ok, err)
			}
			if err := s.Create(ctx, newStoredBooking("c1", "")); err != nil {
				t.Fatalf("create after cancel: %v", err)
			}
		})
	}
}
