// README: Location persistence: driver registry and snapshots in Postgres, live GEO mirror in Redis.
package location

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"ridecore/internal/types"
)

// Store is the durable side of driver presence.
type Store interface {
	UpsertDriver(ctx context.Context, d DriverRecord) error
	DeleteDriver(ctx context.Context, id types.ID) error
	GetDriver(ctx context.Context, id types.ID) (*DriverRecord, error)
	AppendSnapshot(ctx context.Context, snap Snapshot) error
}

// Mirror keeps the live positions outside the process for warm restarts.
type Mirror interface {
	SetPosition(ctx context.Context, p Position) error
	Remove(ctx context.Context, id types.ID) error
	LoadAll(ctx context.Context) ([]Position, error)
}

type PGStore struct {
	db *pgxpool.Pool
}

func NewPGStore(db *pgxpool.Pool) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) UpsertDriver(ctx context.Context, d DriverRecord) error {
	var token *string
	if d.DeviceToken != "" {
		token = &d.DeviceToken
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO drivers (id, vehicle_class, rating, device_token, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE
		SET vehicle_class = EXCLUDED.vehicle_class,
			rating = EXCLUDED.rating,
			device_token = COALESCE(EXCLUDED.device_token, drivers.device_token)`,
		string(d.ID), string(d.Class), d.Rating, token, d.CreatedAt,
	)
	return err
}

func (s *PGStore) DeleteDriver(ctx context.Context, id types.ID) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM drivers WHERE id = $1`, string(id))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrDriverNotFound
	}
	return nil
}

func (s *PGStore) GetDriver(ctx context.Context, id types.ID) (*DriverRecord, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, vehicle_class, rating, COALESCE(device_token, ''), created_at
		FROM drivers
		WHERE id = $1`, string(id),
	)
	var d DriverRecord
	var driverID, class string
	err := row.Scan(&driverID, &class, &d.Rating, &d.DeviceToken, &d.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrDriverNotFound
	}
	if err != nil {
		return nil, err
	}
	d.ID = types.ID(driverID)
	d.Class = types.VehicleClass(class)
	return &d, nil
}

func (s *PGStore) AppendSnapshot(ctx context.Context, snap Snapshot) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO location_snapshots (driver_id, lat, lng, online, reported_at)
		VALUES ($1, $2, $3, $4, $5)`,
		string(snap.DriverID), snap.Position.Lat, snap.Position.Lng, snap.Online, snap.ReportedAt,
	)
	return err
}

// RedisMirror stores positions in a GEO set and per-driver metadata in hashes.
type RedisMirror struct {
	rdb *redis.Client
	key string
}

func NewRedisMirror(rdb *redis.Client, key string) *RedisMirror {
	if key == "" {
		key = "drivers:geo"
	}
	return &RedisMirror{rdb: rdb, key: key}
}

func (m *RedisMirror) metaKey(id types.ID) string {
	return m.key + ":meta:" + string(id)
}

func (m *RedisMirror) SetPosition(ctx context.Context, p Position) error {
	_, err := m.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.GeoAdd(ctx, m.key, &redis.GeoLocation{
			Name:      string(p.DriverID),
			Longitude: p.Point.Lng,
			Latitude:  p.Point.Lat,
		})
		pipe.HSet(ctx, m.metaKey(p.DriverID),
			"class", string(p.Class),
			"online", strconv.FormatBool(p.Online),
			"rating", strconv.FormatFloat(p.Rating, 'f', -1, 64),
			"at", strconv.FormatInt(p.At.UnixMilli(), 10),
		)
		return nil
	})
	return err
}

func (m *RedisMirror) Remove(ctx context.Context, id types.ID) error {
	_, err := m.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, m.key, string(id))
		pipe.Del(ctx, m.metaKey(id))
		return nil
	})
	return err
}

func (m *RedisMirror) LoadAll(ctx context.Context) ([]Position, error) {
	members, err := m.rdb.ZRange(ctx, m.key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list drivers: %w", err)
	}
	if len(members) == 0 {
		return nil, nil
	}
	coords, err := m.rdb.GeoPos(ctx, m.key, members...).Result()
	if err != nil {
		return nil, fmt.Errorf("geopos: %w", err)
	}

	out := make([]Position, 0, len(members))
	for i, member := range members {
		if i >= len(coords) || coords[i] == nil {
			continue
		}
		meta, err := m.rdb.HGetAll(ctx, m.metaKey(types.ID(member))).Result()
		if err != nil {
			return nil, fmt.Errorf("driver meta %s: %w", member, err)
		}
		p := Position{
			DriverID: types.ID(member),
			Point:    types.Point{Lat: coords[i].Latitude, Lng: coords[i].Longitude},
			Class:    types.VehicleClass(meta["class"]),
			Online:   meta["online"] == "true",
			Rating:   defaultRating,
		}
		if r, err := strconv.ParseFloat(meta["rating"], 64); err == nil {
			p.Rating = r
		}
		if ms, err := strconv.ParseInt(meta["at"], 10, 64); err == nil {
			p.At = time.UnixMilli(ms)
		}
		out = append(out, p)
	}
	return out, nil
}
