// README: R-tree spatial pre-filter backed by rtreego.
package geoindex

import (
	"math"

	"github.com/dhconnelly/rtreego"

	"ridecore/internal/types"
)

const (
	rtreeMinChildren = 25
	rtreeMaxChildren = 50
	// pointTolerance is the side length in degrees of the box stored for a driver.
	pointTolerance = 1e-9
)

// rtreeItem is stored by pointer; rtreego deletes by identity.
type rtreeItem struct {
	id   types.ID
	rect rtreego.Rect
}

func (it *rtreeItem) Bounds() rtreego.Rect { return it.rect }

type rtreeSpatial struct {
	tree  *rtreego.Rtree
	items map[types.ID]*rtreeItem
}

func newRTreeSpatial() *rtreeSpatial {
	return &rtreeSpatial{
		tree:  rtreego.NewTree(2, rtreeMinChildren, rtreeMaxChildren),
		items: make(map[types.ID]*rtreeItem),
	}
}

func (r *rtreeSpatial) upsert(id types.ID, p types.Point) {
	if old, ok := r.items[id]; ok {
		r.tree.Delete(old)
	}
	item := &rtreeItem{id: id, rect: rtreego.Point{p.Lng, p.Lat}.ToRect(pointTolerance)}
	r.tree.Insert(item)
	r.items[id] = item
}

func (r *rtreeSpatial) remove(id types.ID) {
	if old, ok := r.items[id]; ok {
		r.tree.Delete(old)
		delete(r.items, id)
	}
}

func (r *rtreeSpatial) near(center types.Point, radiusKm float64) []types.ID {
	var out []types.ID
	for _, bb := range searchBoxes(center, radiusKm) {
		for _, obj := range r.tree.SearchIntersect(bb) {
			out = append(out, obj.(*rtreeItem).id)
		}
	}
	return out
}

// searchBoxes returns lng/lat rectangles covering radiusKm around center,
// split in two when the span crosses the antimeridian.
func searchBoxes(center types.Point, radiusKm float64) []rtreego.Rect {
	latRadiusDeg := radiusKm / kmPerDegree
	minLat := math.Max(-90, center.Lat-latRadiusDeg)
	maxLat := math.Min(90, center.Lat+latRadiusDeg)

	span, bounded := lngSpanDeg(minLat, maxLat, radiusKm)
	if !bounded {
		return []rtreego.Rect{mustRect(-180, minLat, 180, maxLat)}
	}
	minLng := center.Lng - span
	maxLng := center.Lng + span
	switch {
	case minLng < -180:
		return []rtreego.Rect{
			mustRect(minLng+360, minLat, 180, maxLat),
			mustRect(-180, minLat, maxLng, maxLat),
		}
	case maxLng > 180:
		return []rtreego.Rect{
			mustRect(minLng, minLat, 180, maxLat),
			mustRect(-180, minLat, maxLng-360, maxLat),
		}
	default:
		return []rtreego.Rect{mustRect(minLng, minLat, maxLng, maxLat)}
	}
}

func mustRect(minLng, minLat, maxLng, maxLat float64) rtreego.Rect {
	// Only fails on a dimension mismatch, which cannot happen here.
	rect, _ := rtreego.NewRectFromPoints(rtreego.Point{minLng, minLat}, rtreego.Point{maxLng, maxLat})
	return rect
}
