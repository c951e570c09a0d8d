// README: In-memory driver index with nearest-neighbour queries and atomic per-driver claims.
package geoindex

import (
	"sort"
	"sync"
	"time"

	"ridecore/internal/types"
)

// spatial is a coarse pre-filter; near may return a superset of the drivers within radiusKm.
type spatial interface {
	upsert(id types.ID, p types.Point)
	remove(id types.ID)
	near(center types.Point, radiusKm float64) []types.ID
}

type entry struct {
	// guarded by Index.mu
	class      types.VehicleClass
	loc        types.Point
	located    bool
	rating     float64
	reportedAt time.Time

	mu        sync.Mutex
	online    bool
	claimedBy types.ID
	removed   bool
}

func (e *entry) available() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.online && e.claimedBy == ""
}

// Index holds the live position and availability of every known driver.
// Queries run concurrently with each other; claims lock a single driver only.
type Index struct {
	mu        sync.RWMutex
	drivers   map[types.ID]*entry
	spatial   spatial
	technique Technique
	precision uint
}

type Option func(*Index)

// WithTechnique selects the spatial pre-filter. Unknown values fall back to geohash.
func WithTechnique(t Technique) Option {
	return func(ix *Index) { ix.technique = t }
}

// WithGeohashPrecision sets the geohash cell size in characters (1-12).
func WithGeohashPrecision(p uint) Option {
	return func(ix *Index) { ix.precision = p }
}

func New(opts ...Option) *Index {
	ix := &Index{
		drivers:   make(map[types.ID]*entry),
		technique: TechniqueGeohash,
		precision: defaultGeohashPrecision,
	}
	for _, opt := range opts {
		opt(ix)
	}
	switch ix.technique {
	case TechniqueRTree:
		ix.spatial = newRTreeSpatial()
	default:
		ix.technique = TechniqueGeohash
		ix.spatial = newCellSpatial(ix.precision)
	}
	return ix
}

func (ix *Index) Technique() Technique { return ix.technique }

// Report upserts a driver position. Reports older than the stored one are
// dropped and return false with a nil error.
func (ix *Index) Report(r Report) (bool, error) {
	if r.DriverID == "" || !r.Location.Valid() {
		return false, ErrInvalidReport
	}
	if r.Class != "" && !r.Class.Valid() {
		return false, ErrInvalidReport
	}
	if r.At.IsZero() {
		r.At = time.Now()
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	e, ok := ix.drivers[r.DriverID]
	if ok && r.At.Before(e.reportedAt) {
		return false, nil
	}
	if (!ok || e.class == "") && r.Class == "" {
		return false, ErrInvalidReport
	}
	if !ok {
		e = &entry{}
		ix.drivers[r.DriverID] = e
	}
	if r.Class != "" {
		e.class = r.Class
	}
	if r.Rating != nil {
		e.rating = *r.Rating
	}
	e.loc = r.Location
	e.located = true
	e.reportedAt = r.At
	if r.Online != nil {
		e.mu.Lock()
		e.online = *r.Online
		e.mu.Unlock()
	}
	ix.spatial.upsert(r.DriverID, r.Location)
	return true, nil
}

// Query returns available drivers of the requested class within the radius,
// nearest first, ties broken by driver id.
func (ix *Index) Query(q Query) []Candidate {
	if q.RadiusMeters <= 0 || !q.Center.Valid() {
		return nil
	}
	radiusKm := q.RadiusMeters / 1000

	ix.mu.RLock()
	ids := ix.spatial.near(q.Center, radiusKm)
	out := make([]Candidate, 0, len(ids))
	for _, id := range ids {
		e := ix.drivers[id]
		if e == nil || !e.located {
			continue
		}
		if q.Class != "" && e.class != q.Class {
			continue
		}
		d := DistanceKm(q.Center, e.loc)
		if d > radiusKm || !e.available() {
			continue
		}
		out = append(out, Candidate{
			DriverID:   id,
			Class:      e.class,
			Location:   e.loc,
			DistanceKm: d,
			Rating:     e.rating,
		})
	}
	ix.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceKm != out[j].DistanceKm {
			return out[i].DistanceKm < out[j].DistanceKm
		}
		return out[i].DriverID < out[j].DriverID
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

// Claim reserves the driver for bookingID. It succeeds only when the driver is
// online and unclaimed, or already claimed by the same booking.
func (ix *Index) Claim(driverID, bookingID types.ID) bool {
	if bookingID == "" {
		return false
	}
	e := ix.lookup(driverID)
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return false
	}
	if e.claimedBy == bookingID {
		return true
	}
	if !e.online || e.claimedBy != "" {
		return false
	}
	e.claimedBy = bookingID
	return true
}

// Reserve restores a claim for an already-persisted booking regardless of the
// online flag. Unknown drivers get a placeholder entry that stays out of
// queries until their first report.
func (ix *Index) Reserve(driverID, bookingID types.ID) error {
	if driverID == "" || bookingID == "" {
		return ErrInvalidReport
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	e, ok := ix.drivers[driverID]
	if !ok {
		e = &entry{}
		ix.drivers[driverID] = e
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.claimedBy != "" && e.claimedBy != bookingID {
		return ErrAlreadyClaimed
	}
	e.claimedBy = bookingID
	return nil
}

// Release clears the claim if it is held by bookingID.
func (ix *Index) Release(driverID, bookingID types.ID) bool {
	e := ix.lookup(driverID)
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.claimedBy != bookingID || bookingID == "" {
		return false
	}
	e.claimedBy = ""
	return true
}

// SetAvailability records the driver's own online/offline toggle. A claim,
// if any, is left untouched.
func (ix *Index) SetAvailability(driverID types.ID, online bool) error {
	e := ix.lookup(driverID)
	if e == nil {
		return ErrDriverNotFound
	}
	e.mu.Lock()
	e.online = online
	e.mu.Unlock()
	return nil
}

// Remove drops the driver from the index. It returns false for unknown drivers.
func (ix *Index) Remove(driverID types.ID) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	e, ok := ix.drivers[driverID]
	if !ok {
		return false
	}
	e.mu.Lock()
	ix.drop(driverID, e)
	e.mu.Unlock()
	return true
}

// RemoveIfFree drops the driver unless a booking holds its claim. The check and
// the removal happen under the driver's lock, so no claim can slip in between.
func (ix *Index) RemoveIfFree(driverID types.ID) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	e, ok := ix.drivers[driverID]
	if !ok {
		return ErrDriverNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.claimedBy != "" {
		return ErrAlreadyClaimed
	}
	ix.drop(driverID, e)
	return nil
}

// drop requires ix.mu and e.mu.
func (ix *Index) drop(driverID types.ID, e *entry) {
	e.removed = true
	delete(ix.drivers, driverID)
	ix.spatial.remove(driverID)
}

func (ix *Index) Get(driverID types.ID) (Driver, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	e, ok := ix.drivers[driverID]
	if !ok {
		return Driver{}, false
	}
	return snapshot(driverID, e), true
}

func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.drivers)
}

func (ix *Index) lookup(driverID types.ID) *entry {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.drivers[driverID]
}

func snapshot(id types.ID, e *entry) Driver {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Driver{
		ID:         id,
		Class:      e.class,
		Location:   e.loc,
		Located:    e.located,
		Online:     e.online,
		ClaimedBy:  e.claimedBy,
		Rating:     e.rating,
		ReportedAt: e.reportedAt,
	}
}
