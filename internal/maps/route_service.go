// README: Routing collaborator over the Google Maps Directions API.
package maps

import (
	"context"
	"errors"
	"fmt"
	"time"

	"googlemaps.github.io/maps"

	"ridecore/internal/types"
)

var (
	ErrExternalServiceTimeout = errors.New("routing service timeout")
	ErrNoRoute                = errors.New("no route found")
)

// Route is the driving route summary used for pricing.
type Route struct {
	DistanceKm   float64
	DurationText string
	Duration     time.Duration
}

// RouteService handles interactions with Google Maps API.
type RouteService struct {
	client *maps.Client
}

// NewRouteService creates a new RouteService with the given API Key. Extra
// options are passed to the maps client (base URL, HTTP client).
func NewRouteService(apiKey string, opts ...maps.ClientOption) (*RouteService, error) {
	opts = append([]maps.ClientOption{maps.WithAPIKey(apiKey)}, opts...)
	client, err := maps.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	return &RouteService{client: client}, nil
}

// GetRoute returns the driving distance and duration of the first route leg.
// Deadline expiry is reported as ErrExternalServiceTimeout.
func (s *RouteService) GetRoute(ctx context.Context, pickup, dropoff types.Point) (Route, error) {
	r := &maps.DirectionsRequest{
		Origin:      pickup.LatLng(),
		Destination: dropoff.LatLng(),
		Mode:        maps.TravelModeDriving,
	}

	routes, _, err := s.client.Directions(ctx, r)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Route{}, ErrExternalServiceTimeout
		}
		return Route{}, fmt.Errorf("maps api error: %w", err)
	}
	if len(routes) == 0 || len(routes[0].Legs) == 0 {
		return Route{}, ErrNoRoute
	}

	leg := routes[0].Legs[0]
	return Route{
		DistanceKm:   float64(leg.Distance.Meters) / 1000,
		DurationText: humanDuration(leg.Duration),
		Duration:     leg.Duration,
	}, nil
}

// humanDuration renders d the way the Directions API text field does ("1 hour 5 mins").
func humanDuration(d time.Duration) string {
	mins := int((d + 30*time.Second) / time.Minute)
	if mins < 1 {
		mins = 1
	}
	hours, mins := mins/60, mins%60
	unit := func(n int, one, many string) string {
		if n == 1 {
			return fmt.Sprintf("1 %s", one)
		}
		return fmt.Sprintf("%d %s", n, many)
	}
	switch {
	case hours == 0:
		return unit(mins, "min", "mins")
	case mins == 0:
		return unit(hours, "hour", "hours")
	default:
		return unit(hours, "hour", "hours") + " " + unit(mins, "min", "mins")
	}
}
