package geometry

import (
	"math"

	"github.com/cjeanneret/DriveGo/internal/config"
)

// FourWheelScrubFactor corrects the degree-to-distance factor for four
// wheel cars, whose fixed wheels scrub sideways while turning and
// therefore need more wheel travel per degree.
const FourWheelScrubFactor = 1.4

// DefaultTrackWidthMm is used when the config does not specify the
// distance between the two wheels (a common small 2WD chassis).
const DefaultTrackWidthMm = 135.0

// Calculator converts between encoder ticks, wheel travel and rotation
// angles for one car geometry.
type Calculator struct {
	millimeterPerTick        float64
	factorDegreeToMillimeter float64
}

// NewCalculator creates a geometry calculator from configuration.
func NewCalculator(cfg *config.Config) *Calculator {
	var mmPerTick float64
	if cfg.Geometry.TicksPerRevolution > 0 {
		circumference := cfg.Geometry.WheelDiameterMm * math.Pi
		mmPerTick = circumference / float64(cfg.Geometry.TicksPerRevolution)
	}

	track := cfg.Geometry.TrackWidthMm
	if track <= 0 {
		track = DefaultTrackWidthMm
	}
	// The outer wheel of a one-wheel pivot travels an arc of radius
	// track width; per degree that is track·π/180. An in-place turn
	// halves the radius and splits the same total between both wheels.
	factor := track * math.Pi / 180
	if cfg.Geometry.FourWheel {
		factor *= FourWheelScrubFactor
	}

	return &Calculator{
		millimeterPerTick:        mmPerTick,
		factorDegreeToMillimeter: factor,
	}
}

// MillimeterPerTick returns the wheel travel per encoder tick
// (0 when the car has no encoders).
func (c *Calculator) MillimeterPerTick() float64 {
	return c.millimeterPerTick
}

// FactorDegreeToMillimeter returns the outer-wheel travel per degree of
// car rotation.
func (c *Calculator) FactorDegreeToMillimeter() float64 {
	return c.factorDegreeToMillimeter
}

// TurnDistanceMillimeter returns the outer-wheel travel for a rotation.
func (c *Calculator) TurnDistanceMillimeter(degrees uint) uint {
	return uint(float64(degrees)*c.factorDegreeToMillimeter + 0.5)
}

// TicksFromMillimeter converts a distance to encoder ticks, rounding to
// the nearest tick (0 when the car has no encoders).
func (c *Calculator) TicksFromMillimeter(distanceMm uint) uint32 {
	if c.millimeterPerTick <= 0 {
		return 0
	}
	return uint32(float64(distanceMm)/c.millimeterPerTick + 0.5)
}

// MillimeterFromTicks converts encoder ticks to wheel travel.
func (c *Calculator) MillimeterFromTicks(ticks uint32) uint {
	return uint(float64(ticks)*c.millimeterPerTick + 0.5)
}
