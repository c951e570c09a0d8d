// README: Fare rate definition for each vehicle class.
package pricing

import (
	"errors"

	"ridecore/internal/types"
)

var (
	ErrUnknownVehicleClass = errors.New("no fare rate for vehicle class")
	ErrInvalidDistance     = errors.New("invalid trip distance")
)

// Rate amounts are in minor currency units.
type Rate struct {
	Class    types.VehicleClass
	BaseFare int64
	PerKm    int64
	Currency string
}

// DefaultRates mirrors the built-in configuration defaults.
func DefaultRates() []Rate {
	return []Rate{
		{Class: types.VehicleEconomy, BaseFare: 500, PerKm: 150, Currency: "USD"},
		{Class: types.VehiclePremium, BaseFare: 800, PerKm: 250, Currency: "USD"},
		{Class: types.VehicleSUV, BaseFare: 1000, PerKm: 300, Currency: "USD"},
	}
}
