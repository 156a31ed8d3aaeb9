// Package units converts distances reported by the query API.
// Everything is computed and stored in metres.
package units

import "strings"

const (
	Meters     = "m"
	Kilometers = "km"
	Feet       = "ft"
	Miles      = "mi"
)

// ValidUnits lists the accepted ?units= values.
var ValidUnits = []string{Meters, Kilometers, Feet, Miles}

// IsValid reports whether unit is one of ValidUnits.
func IsValid(unit string) bool {
	for _, u := range ValidUnits {
		if unit == u {
			return true
		}
	}
	return false
}

// ValidUnitsString is used in error messages.
func ValidUnitsString() string {
	return strings.Join(ValidUnits, ", ")
}

// ConvertDistance converts metres to unit. Unknown units return metres.
func ConvertDistance(meters float64, unit string) float64 {
	switch unit {
	case Kilometers:
		return meters / 1000
	case Feet:
		return meters / 0.3048
	case Miles:
		return meters / 1609.344
	default:
		return meters
	}
}
