// README: Driver presence: registration, location reports, availability and nearby search.
package location

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"ridecore/internal/config"
	"ridecore/internal/modules/eventbus"
	"ridecore/internal/modules/geoindex"
	"ridecore/internal/types"
)

// ActiveBookings resolves the booking a driver is currently serving.
type ActiveBookings interface {
	ActiveBookingForDriver(driverID types.ID) (types.ID, bool)
}

type Service struct {
	index  *geoindex.Index
	store  Store
	mirror Mirror
	active ActiveBookings
	bus    eventbus.Publisher
	cfg    config.LocationConfig
	logger *slog.Logger

	mu           sync.Mutex
	registry     map[types.ID]DriverRecord
	lastSnapshot map[types.ID]time.Time
}

// NewService wires driver presence. mirror and bus may be nil.
func NewService(index *geoindex.Index, store Store, mirror Mirror, active ActiveBookings, bus eventbus.Publisher, cfg config.LocationConfig, logger *slog.Logger) *Service {
	if cfg.NearbyRadiusKm <= 0 {
		cfg.NearbyRadiusKm = 5
	}
	if cfg.NearbyLimit <= 0 {
		cfg.NearbyLimit = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		index:        index,
		store:        store,
		mirror:       mirror,
		active:       active,
		bus:          bus,
		cfg:          cfg,
		logger:       logger.With("component", "location"),
		registry:     make(map[types.ID]DriverRecord),
		lastSnapshot: make(map[types.ID]time.Time),
	}
}

// Register persists the driver. The driver joins the index, offline, on its
// first location report.
func (s *Service) Register(ctx context.Context, cmd RegisterCommand) (*DriverRecord, error) {
	if cmd.DriverID == "" {
		return nil, fmt.Errorf("%w: driver id required", ErrBadRequest)
	}
	class, err := types.ParseVehicleClass(string(cmd.Class))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	rating := defaultRating
	if cmd.Rating != nil {
		if *cmd.Rating < 0 || *cmd.Rating > 5 {
			return nil, fmt.Errorf("%w: rating must be within 0..5", ErrBadRequest)
		}
		rating = *cmd.Rating
	}
	rec := DriverRecord{
		ID:          cmd.DriverID,
		Class:       class,
		Rating:      rating,
		DeviceToken: cmd.DeviceToken,
		CreatedAt:   time.Now(),
	}
	if err := s.store.UpsertDriver(ctx, rec); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.registry[rec.ID] = rec
	s.mu.Unlock()

	// a re-registration may change class or rating of an indexed driver
	if d, ok := s.index.Get(rec.ID); ok && d.Located {
		_, _ = s.index.Report(geoindex.Report{
			DriverID: rec.ID,
			Location: d.Location,
			Class:    rec.Class,
			Rating:   &rec.Rating,
			At:       d.ReportedAt,
		})
	}
	s.logger.Info("driver registered", "driver_id", rec.ID, "class", rec.Class)
	return &rec, nil
}

// Deregister removes the driver. A driver serving a booking cannot leave.
func (s *Service) Deregister(ctx context.Context, driverID types.ID) error {
	err := s.index.RemoveIfFree(driverID)
	if errors.Is(err, geoindex.ErrAlreadyClaimed) {
		return ErrDriverBusy
	}
	if err != nil && !errors.Is(err, geoindex.ErrDriverNotFound) {
		return err
	}
	if err := s.store.DeleteDriver(ctx, driverID); err != nil {
		return err
	}
	if s.mirror != nil {
		if err := s.mirror.Remove(ctx, driverID); err != nil {
			s.logger.Warn("mirror remove failed", "driver_id", driverID, "error", err)
		}
	}

	s.mu.Lock()
	delete(s.registry, driverID)
	delete(s.lastSnapshot, driverID)
	s.mu.Unlock()
	return nil
}

// ReportLocation feeds the index. Stale reports are not errors; they come back
// with Accepted=false.
func (s *Service) ReportLocation(ctx context.Context, cmd ReportCommand) (ReportResult, error) {
	if cmd.DriverID == "" {
		return ReportResult{}, fmt.Errorf("%w: driver id required", ErrBadRequest)
	}
	if !cmd.Point.Valid() {
		return ReportResult{}, ErrInvalidLocation
	}
	if cmd.At.IsZero() {
		cmd.At = time.Now()
	}
	rec, err := s.driver(ctx, cmd.DriverID)
	if err != nil {
		return ReportResult{}, err
	}

	accepted, err := s.index.Report(geoindex.Report{
		DriverID: cmd.DriverID,
		Location: cmd.Point,
		Class:    rec.Class,
		Online:   cmd.Available,
		Rating:   &rec.Rating,
		At:       cmd.At,
	})
	if err != nil {
		if errors.Is(err, geoindex.ErrInvalidReport) {
			return ReportResult{}, fmt.Errorf("%w: %v", ErrInvalidLocation, err)
		}
		return ReportResult{}, err
	}
	if !accepted {
		return ReportResult{Accepted: false}, nil
	}

	online := false
	if d, ok := s.index.Get(cmd.DriverID); ok {
		online = d.Online
	}
	s.mirrorPosition(ctx, Position{
		DriverID: cmd.DriverID,
		Point:    cmd.Point,
		Class:    rec.Class,
		Online:   online,
		Rating:   rec.Rating,
		At:       cmd.At,
	})
	s.snapshot(ctx, cmd, online)

	res := ReportResult{Accepted: true}
	if s.active != nil {
		if bookingID, ok := s.active.ActiveBookingForDriver(cmd.DriverID); ok {
			res.BookingID = bookingID
			s.publishLocation(ctx, bookingID, cmd)
		}
	}
	return res, nil
}

// SetAvailability toggles the driver online or offline. A claim held by an
// active booking is not affected.
func (s *Service) SetAvailability(ctx context.Context, driverID types.ID, available bool) error {
	if _, err := s.driver(ctx, driverID); err != nil {
		return err
	}
	err := s.index.SetAvailability(driverID, available)
	if errors.Is(err, geoindex.ErrDriverNotFound) {
		return fmt.Errorf("%w: report a location first", ErrInvalidLocation)
	}
	if err != nil {
		return err
	}
	if d, ok := s.index.Get(driverID); ok && d.Located {
		s.mirrorPosition(ctx, Position{
			DriverID: driverID,
			Point:    d.Location,
			Class:    d.Class,
			Online:   available,
			Rating:   d.Rating,
			At:       d.ReportedAt,
		})
	}
	s.logger.Info("driver availability changed", "driver_id", driverID, "available", available)
	return nil
}

// Nearby lists available drivers around a point, nearest first.
func (s *Service) Nearby(_ context.Context, q NearbyQuery) ([]NearbyDriver, error) {
	if !q.Center.Valid() {
		return nil, ErrInvalidLocation
	}
	if q.Class != "" && !q.Class.Valid() {
		return nil, fmt.Errorf("%w: %v", ErrBadRequest, types.ErrUnknownVehicleClass)
	}
	if q.RadiusMeters <= 0 {
		q.RadiusMeters = s.cfg.NearbyRadiusKm * 1000
	}
	if q.Limit <= 0 {
		q.Limit = s.cfg.NearbyLimit
	}
	candidates := s.index.Query(geoindex.Query{
		Center:       q.Center,
		Class:        q.Class,
		RadiusMeters: q.RadiusMeters,
		Limit:        q.Limit,
	})
	out := make([]NearbyDriver, len(candidates))
	for i, c := range candidates {
		out[i] = NearbyDriver{
			DriverID:   c.DriverID,
			Class:      c.Class,
			Location:   c.Location,
			DistanceKm: c.DistanceKm,
			Rating:     c.Rating,
		}
	}
	return out, nil
}

// WarmStart reloads the last mirrored positions into the index. It may run
// before or after booking restore: restored claims on drivers not yet indexed
// are kept on placeholder entries that the reloaded reports fill in.
func (s *Service) WarmStart(ctx context.Context) (int, error) {
	if s.mirror == nil {
		return 0, nil
	}
	positions, err := s.mirror.LoadAll(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, p := range positions {
		if !p.Class.Valid() {
			s.logger.Warn("skipping mirrored driver without class", "driver_id", p.DriverID)
			continue
		}
		online := p.Online
		rating := p.Rating
		ok, err := s.index.Report(geoindex.Report{
			DriverID: p.DriverID,
			Location: p.Point,
			Class:    p.Class,
			Online:   &online,
			Rating:   &rating,
			At:       p.At,
		})
		if err != nil {
			s.logger.Warn("skipping mirrored driver", "driver_id", p.DriverID, "error", err)
			continue
		}
		if ok {
			n++
		}
	}
	s.logger.Info("driver positions restored", "count", n)
	return n, nil
}

// DeviceToken returns the push token registered for the driver, if any.
func (s *Service) DeviceToken(ctx context.Context, driverID types.ID) (string, error) {
	rec, err := s.driver(ctx, driverID)
	if err != nil {
		return "", err
	}
	return rec.DeviceToken, nil
}

// driver returns the registration from the local cache or the store.
func (s *Service) driver(ctx context.Context, id types.ID) (DriverRecord, error) {
	s.mu.Lock()
	rec, ok := s.registry[id]
	s.mu.Unlock()
	if ok {
		return rec, nil
	}
	stored, err := s.store.GetDriver(ctx, id)
	if err != nil {
		return DriverRecord{}, err
	}
	s.mu.Lock()
	s.registry[id] = *stored
	s.mu.Unlock()
	return *stored, nil
}

func (s *Service) mirrorPosition(ctx context.Context, p Position) {
	if s.mirror == nil {
		return
	}
	if err := s.mirror.SetPosition(ctx, p); err != nil {
		s.logger.Warn("mirror position failed", "driver_id", p.DriverID, "error", err)
	}
}

// snapshot persists at most one position per driver per SnapshotInterval.
func (s *Service) snapshot(ctx context.Context, cmd ReportCommand, online bool) {
	s.mu.Lock()
	last, seen := s.lastSnapshot[cmd.DriverID]
	due := !seen || cmd.At.Sub(last) >= s.cfg.SnapshotInterval
	if due {
		s.lastSnapshot[cmd.DriverID] = cmd.At
	}
	s.mu.Unlock()
	if !due {
		return
	}
	err := s.store.AppendSnapshot(ctx, Snapshot{
		DriverID:   cmd.DriverID,
		Position:   cmd.Point,
		Online:     online,
		ReportedAt: cmd.At,
	})
	if err != nil {
		s.logger.Warn("append snapshot failed", "driver_id", cmd.DriverID, "error", err)
	}
}

func (s *Service) publishLocation(ctx context.Context, bookingID types.ID, cmd ReportCommand) {
	if s.bus == nil {
		return
	}
	err := s.bus.Publish(context.WithoutCancel(ctx), eventbus.Event{
		Topic: eventbus.BookingLocationTopic(bookingID),
		Type:  eventbus.TypeDriverLocation,
		Payload: eventbus.DriverLocation{
			BookingID: bookingID,
			DriverID:  cmd.DriverID,
			Location:  cmd.Point,
			At:        cmd.At,
		},
	})
	if err != nil {
		s.logger.Warn("publish driver location failed", "booking_id", bookingID, "error", err)
	}
}
