// README: Geohash cell bucketing used as the default spatial pre-filter.
package geoindex

import (
	"math"

	"github.com/mmcloughlin/geohash"

	"ridecore/internal/types"
)

const (
	defaultGeohashPrecision = 5
	// maxCellRings bounds the ring walk; wider searches scan every cell.
	maxCellRings = 40
)

type cellSpatial struct {
	precision uint
	cells     map[string]map[types.ID]struct{}
	cellOf    map[types.ID]string
}

func newCellSpatial(precision uint) *cellSpatial {
	if precision == 0 || precision > 12 {
		precision = defaultGeohashPrecision
	}
	return &cellSpatial{
		precision: precision,
		cells:     make(map[string]map[types.ID]struct{}),
		cellOf:    make(map[types.ID]string),
	}
}

func (c *cellSpatial) upsert(id types.ID, p types.Point) {
	hash := geohash.EncodeWithPrecision(p.Lat, p.Lng, c.precision)
	if old, ok := c.cellOf[id]; ok {
		if old == hash {
			return
		}
		c.removeFromCell(old, id)
	}
	members := c.cells[hash]
	if members == nil {
		members = make(map[types.ID]struct{})
		c.cells[hash] = members
	}
	members[id] = struct{}{}
	c.cellOf[id] = hash
}

func (c *cellSpatial) remove(id types.ID) {
	if old, ok := c.cellOf[id]; ok {
		c.removeFromCell(old, id)
		delete(c.cellOf, id)
	}
}

func (c *cellSpatial) removeFromCell(hash string, id types.ID) {
	members := c.cells[hash]
	delete(members, id)
	if len(members) == 0 {
		delete(c.cells, hash)
	}
}

// near returns every driver in the square of cells around center that covers radiusKm.
func (c *cellSpatial) near(center types.Point, radiusKm float64) []types.ID {
	hash := geohash.EncodeWithPrecision(center.Lat, center.Lng, c.precision)
	box := geohash.BoundingBox(hash)
	latDelta := box.MaxLat - box.MinLat
	lngDelta := box.MaxLng - box.MinLng

	latRadiusDeg := radiusKm / kmPerDegree
	minLat := math.Max(-90, center.Lat-latRadiusDeg)
	maxLat := math.Min(90, center.Lat+latRadiusDeg)
	lngRadiusDeg, bounded := lngSpanDeg(minLat, maxLat, radiusKm)

	latRings := int(math.Ceil(latRadiusDeg/latDelta)) + 1
	lngRings := int(math.Ceil(lngRadiusDeg/lngDelta)) + 1
	if !bounded || latRings > maxCellRings || lngRings > maxCellRings {
		return c.all()
	}

	cLat, cLng := box.Center()
	seen := make(map[string]struct{}, (2*latRings+1)*(2*lngRings+1))
	var out []types.ID
	for i := -latRings; i <= latRings; i++ {
		lat := cLat + float64(i)*latDelta
		if lat < -90 || lat > 90 {
			continue
		}
		for j := -lngRings; j <= lngRings; j++ {
			lng := wrapLng(cLng + float64(j)*lngDelta)
			cell := geohash.EncodeWithPrecision(lat, lng, c.precision)
			if _, dup := seen[cell]; dup {
				continue
			}
			seen[cell] = struct{}{}
			for id := range c.cells[cell] {
				out = append(out, id)
			}
		}
	}
	return out
}

func (c *cellSpatial) all() []types.ID {
	out := make([]types.ID, 0, len(c.cellOf))
	for id := range c.cellOf {
		out = append(out, id)
	}
	return out
}
