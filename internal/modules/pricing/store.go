// README: Pricing store backed by PostgreSQL.
package pricing

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"ridecore/internal/types"
)

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

func (s *Store) ListRates(ctx context.Context) ([]Rate, error) {
	rows, err := s.db.Query(ctx, `
		SELECT vehicle_class, base_fare, per_km, currency
		FROM fare_rates
		ORDER BY vehicle_class`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Rate
	for rows.Next() {
		var r Rate
		var class string
		if err := rows.Scan(&class, &r.BaseFare, &r.PerKm, &r.Currency); err != nil {
			return nil, err
		}
		r.Class = types.VehicleClass(class)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) UpsertRate(ctx context.Context, r Rate) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO fare_rates (vehicle_class, base_fare, per_km, currency)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (vehicle_class) DO UPDATE
		SET base_fare = EXCLUDED.base_fare, per_km = EXCLUDED.per_km, currency = EXCLUDED.currency`,
		string(r.Class), r.BaseFare, r.PerKm, r.Currency,
	)
	return err
}
