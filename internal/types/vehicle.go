// README: Vehicle classes a driver can serve and a customer can request.
package types

import (
	"errors"
	"strings"
)

type VehicleClass string

const (
	VehicleEconomy VehicleClass = "economy"
	VehiclePremium VehicleClass = "premium"
	VehicleSUV     VehicleClass = "suv"
)

var ErrUnknownVehicleClass = errors.New("unknown vehicle class")

var vehicleClasses = []VehicleClass{VehicleEconomy, VehiclePremium, VehicleSUV}

// VehicleClasses lists every supported class.
func VehicleClasses() []VehicleClass {
	out := make([]VehicleClass, len(vehicleClasses))
	copy(out, vehicleClasses)
	return out
}

func (c VehicleClass) Valid() bool {
	for _, v := range vehicleClasses {
		if v == c {
			return true
		}
	}
	return false
}

// ParseVehicleClass accepts any casing; an empty string yields economy.
func ParseVehicleClass(s string) (VehicleClass, error) {
	if s == "" {
		return VehicleEconomy, nil
	}
	c := VehicleClass(strings.ToLower(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", ErrUnknownVehicleClass
	}
	return c, nil
}
