// README: Booking store backed by PostgreSQL with optimistic status_version checks.
package booking

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"ridecore/internal/types"
)

// Store persists bookings. Every mutating call is a compare-and-set on
// (status, status_version) and reports false when the row moved on.
type Store interface {
	Create(ctx context.Context, b *Booking) error
	Get(ctx context.Context, id types.ID) (*Booking, error)
	UpdateStatus(ctx context.Context, u StatusChange) (bool, error)
	UpdatePayment(ctx context.Context, id types.ID, version int, payment PaymentStatus) (bool, error)
	SetRating(ctx context.Context, id types.ID, version int, rating int, feedback *string) (bool, error)
	AppendEvent(ctx context.Context, e *Event) error
	ListByStatus(ctx context.Context, statuses ...Status) ([]*Booking, error)
	HasActiveByCustomer(ctx context.Context, customerID types.ID) (bool, error)
}

type StatusChange struct {
	ID       types.ID
	From     Status
	To       Status
	Version  int
	DriverID *types.ID
	Payment  *PaymentStatus
	Reason   *string
	At       time.Time
}

const (
	uniqueViolationCode = "23505"
	activeCustomerIndex = "bookings_open_customer_idx"
)

type PGStore struct {
	db *pgxpool.Pool
}

func NewPGStore(db *pgxpool.Pool) *PGStore {
	return &PGStore{db: db}
}

const bookingColumns = `
	id, customer_id, driver_id, status, status_version, vehicle_class,
	pickup_lat, pickup_lng, dropoff_lat, dropoff_lng,
	price_amount, price_currency, distance_km, distance_source, duration_text,
	payment_status, rating, feedback,
	created_at, updated_at, accepted_at, started_at, completed_at, cancelled_at, cancel_reason`

func (s *PGStore) Create(ctx context.Context, b *Booking) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO bookings (
			id, customer_id, driver_id, status, status_version, vehicle_class,
			pickup_lat, pickup_lng, dropoff_lat, dropoff_lng,
			price_amount, price_currency, distance_km, distance_source, duration_text,
			payment_status, created_at, updated_at, accepted_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10,
			$11, $12, $13, $14, $15,
			$16, $17, $18, $19
		)`,
		string(b.ID),
		string(b.CustomerID),
		toStringPtr(b.DriverID),
		string(b.Status),
		b.StatusVersion,
		string(b.VehicleClass),
		b.Pickup.Lat, b.Pickup.Lng,
		b.Dropoff.Lat, b.Dropoff.Lng,
		b.Price.Amount, b.Price.Currency,
		b.DistanceKm, string(b.DistanceSource), b.DurationText,
		string(b.PaymentStatus),
		b.CreatedAt, b.UpdatedAt, b.AcceptedAt,
	)
	if constraint, ok := uniqueViolation(err); ok {
		if constraint == activeCustomerIndex {
			return ErrActiveBooking
		}
		return ErrConflict
	}
	return err
}

func (s *PGStore) Get(ctx context.Context, id types.ID) (*Booking, error) {
	row := s.db.QueryRow(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, string(id))
	b, err := scanBooking(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return b, err
}

func (s *PGStore) UpdateStatus(ctx context.Context, u StatusChange) (bool, error) {
	var payment *string
	if u.Payment != nil {
		v := string(*u.Payment)
		payment = &v
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE bookings
		SET status = $1,
			status_version = status_version + 1,
			driver_id = COALESCE($2, driver_id),
			payment_status = COALESCE($3, payment_status),
			cancel_reason = COALESCE($4, cancel_reason),
			updated_at = $5,
			accepted_at = CASE WHEN $1 = 'accepted' THEN $5 ELSE accepted_at END,
			started_at = CASE WHEN $1 = 'in_progress' THEN $5 ELSE started_at END,
			completed_at = CASE WHEN $1 = 'completed' THEN $5 ELSE completed_at END,
			cancelled_at = CASE WHEN $1 = 'cancelled' THEN $5 ELSE cancelled_at END
		WHERE id = $6 AND status = $7 AND status_version = $8`,
		string(u.To),
		toStringPtr(u.DriverID),
		payment,
		u.Reason,
		u.At,
		string(u.ID),
		string(u.From),
		u.Version,
	)
	if _, ok := uniqueViolation(err); ok {
		// another active booking already holds this driver
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PGStore) UpdatePayment(ctx context.Context, id types.ID, version int, payment PaymentStatus) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE bookings
		SET payment_status = $1, status_version = status_version + 1, updated_at = NOW()
		WHERE id = $2 AND status_version = $3`,
		string(payment), string(id), version,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PGStore) SetRating(ctx context.Context, id types.ID, version int, rating int, feedback *string) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE bookings
		SET rating = $1, feedback = $2, status_version = status_version + 1, updated_at = NOW()
		WHERE id = $3 AND status_version = $4 AND rating IS NULL`,
		rating, feedback, string(id), version,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PGStore) AppendEvent(ctx context.Context, e *Event) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO booking_state_events (
			booking_id, from_status, to_status, actor_type, actor_id, created_at
		) VALUES ($1, $2, $3, $4, $5, $6)`,
		string(e.BookingID),
		string(e.FromStatus),
		string(e.ToStatus),
		string(e.ActorType),
		toStringPtr(e.ActorID),
		e.CreatedAt,
	)
	return err
}

func (s *PGStore) ListByStatus(ctx context.Context, statuses ...Status) ([]*Booking, error) {
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}
	rows, err := s.db.Query(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE status = ANY($1) ORDER BY created_at`, names)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *PGStore) HasActiveByCustomer(ctx context.Context, customerID types.ID) (bool, error) {
	row := s.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM bookings
			WHERE customer_id = $1
			  AND status IN ('requested','accepted','in_progress')
		)`, string(customerID),
	)
	var exists bool
	if err := row.Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

func scanBooking(row pgx.Row) (*Booking, error) {
	var b Booking
	var id, customerID, status, class, source, payment string
	var driverID, feedback, cancelReason sql.NullString
	var rating sql.NullInt32
	var acceptedAt, startedAt, completedAt, cancelledAt sql.NullTime

	err := row.Scan(
		&id, &customerID, &driverID, &status, &b.StatusVersion, &class,
		&b.Pickup.Lat, &b.Pickup.Lng, &b.Dropoff.Lat, &b.Dropoff.Lng,
		&b.Price.Amount, &b.Price.Currency, &b.DistanceKm, &source, &b.DurationText,
		&payment, &rating, &feedback,
		&b.CreatedAt, &b.UpdatedAt, &acceptedAt, &startedAt, &completedAt, &cancelledAt, &cancelReason,
	)
	if err != nil {
		return nil, err
	}

	b.ID = types.ID(id)
	b.CustomerID = types.ID(customerID)
	b.Status = Status(status)
	b.VehicleClass = types.VehicleClass(class)
	b.DistanceSource = DistanceSource(source)
	b.PaymentStatus = PaymentStatus(payment)
	if driverID.Valid {
		d := types.ID(driverID.String)
		b.DriverID = &d
	}
	if rating.Valid {
		r := int(rating.Int32)
		b.Rating = &r
	}
	if feedback.Valid {
		b.Feedback = &feedback.String
	}
	if cancelReason.Valid {
		b.CancelReason = &cancelReason.String
	}
	b.AcceptedAt = toTimePtr(acceptedAt)
	b.StartedAt = toTimePtr(startedAt)
	b.CompletedAt = toTimePtr(completedAt)
	b.CancelledAt = toTimePtr(cancelledAt)
	return &b, nil
}

// uniqueViolation returns the violated constraint name for a 23505 error.
func uniqueViolation(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode {
		return pgErr.ConstraintName, true
	}
	return "", false
}

func toStringPtr(v *types.ID) *string {
	if v == nil {
		return nil
	}
	s := string(*v)
	return &s
}

func toTimePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}
