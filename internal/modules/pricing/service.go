// README: Pricing service computes fare estimates from the rate table.
package pricing

import (
	"context"
	"fmt"
	"math"
	"sync"

	"ridecore/internal/types"
)

// RateSource loads rate overrides, typically from Postgres.
type RateSource interface {
	ListRates(ctx context.Context) ([]Rate, error)
}

type Service struct {
	mu    sync.RWMutex
	rates map[types.VehicleClass]Rate
}

func NewService(rates []Rate) *Service {
	s := &Service{rates: make(map[types.VehicleClass]Rate, len(rates))}
	for _, r := range rates {
		s.rates[r.Class] = r
	}
	return s
}

// Estimate returns base + distance * perKm for the class, rounded to the nearest minor unit.
func (s *Service) Estimate(ctx context.Context, distanceKm float64, class types.VehicleClass) (types.Money, error) {
	if distanceKm < 0 || math.IsNaN(distanceKm) || math.IsInf(distanceKm, 0) {
		return types.Money{}, ErrInvalidDistance
	}
	s.mu.RLock()
	rate, ok := s.rates[class]
	s.mu.RUnlock()
	if !ok {
		return types.Money{}, fmt.Errorf("%w: %q", ErrUnknownVehicleClass, class)
	}
	amount := rate.BaseFare + int64(math.Round(distanceKm*float64(rate.PerKm)))
	return types.Money{Amount: amount, Currency: rate.Currency}, nil
}

// Rate returns the configured rate for class.
func (s *Service) Rate(class types.VehicleClass) (Rate, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rates[class]
	return r, ok
}

// Load overlays the rates returned by src on top of the configured ones.
func (s *Service) Load(ctx context.Context, src RateSource) (int, error) {
	rates, err := src.ListRates(ctx)
	if err != nil {
		return 0, fmt.Errorf("load fare rates: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range rates {
		if !r.Class.Valid() || r.BaseFare < 0 || r.PerKm < 0 {
			continue
		}
		s.rates[r.Class] = r
		n++
	}
	return n, nil
}
