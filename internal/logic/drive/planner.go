package drive

import (
	"github.com/cjeanneret/DriveGo/internal/debug"
	"github.com/cjeanneret/DriveGo/internal/hw/motor"
)

// slowSpeedThreshold: start speeds below this get a rotation speed of
// 1.5x start speed; above it the boost would overflow the speed range,
// so the drive speed is used instead.
const slowSpeedThreshold = 160

// StartGoDistance starts a fixed-distance move at the motors' drive
// speed. Non-blocking; UpdateMotors advances it.
func (c *Car) StartGoDistance(distanceMm uint, direction motor.Mode) {
	c.StartGoDistanceSpeed(c.right.DriveSpeed, distanceMm, direction)
}

// StartGoDistanceSpeed starts a fixed-distance move at the given speed.
func (c *Car) StartGoDistanceSpeed(speed uint8, distanceMm uint, direction motor.Mode) {
	if distanceMm == 0 {
		c.Stop(motor.ModeKeep)
		return
	}
	c.CheckAndHandleDirectionChange(direction)
	debug.Move(distanceMm, speed, direction.String())

	if c.imu != nil {
		// the car-level target is checked against the inertial
		// distance; still hand each motor the target so a failing
		// sensor cannot run the car away
		c.imu.Reset()
		c.resetFeedbackCache()
		c.pendingDistanceMm = distanceMm
	}
	c.right.StartGoDistance(speed, distanceMm, direction)
	c.left.StartGoDistance(speed, distanceMm, direction)
}

// StartGoDistanceSigned is the signed convenience form: negative
// distances drive backward.
func (c *Car) StartGoDistanceSigned(speed uint8, distanceMm int) {
	if distanceMm < 0 {
		c.StartGoDistanceSpeed(speed, uint(-distanceMm), motor.ModeBackward)
	} else {
		c.StartGoDistanceSpeed(speed, uint(distanceMm), motor.ModeForward)
	}
}

// GoDistance is the blocking form of StartGoDistance: it runs the update
// engine until the car has stopped. p may be nil.
func (c *Car) GoDistance(distanceMm uint, direction motor.Mode, p Poller) {
	c.StartGoDistance(distanceMm, direction)
	c.WaitUntilStopped(p)
}

// StartRotate starts turning the car by degrees (positive = left /
// counterclockwise). Non-blocking; UpdateMotors finishes the turn.
//
// The rotation is split onto the wheels by turn mode: TurnForward drives
// only the outer wheel, TurnBackward only the inner wheel (in reverse),
// and TurnInPlace drives both in opposite directions over half the arc
// each.
func (c *Car) StartRotate(degrees int, turn TurnDirection, useSlowSpeed bool) {
	if degrees == 0 {
		return
	}
	debug.Turn(degrees, turn.String())

	// positive degrees turn left: right wheel is the outer one
	outer, inner := c.right, c.left
	if degrees < 0 {
		degrees = -degrees
		outer, inner = c.left, c.right
	}

	arcMm := uint(float64(degrees)*c.factorDegreeToMillimeter + 0.5)

	// the outer wheel always travels forward, the inner one backward;
	// the turn mode only decides how the arc is split between them
	var outerMm, innerMm uint
	switch turn {
	case TurnForward:
		outerMm = arcMm
	case TurnBackward:
		innerMm = arcMm
	case TurnInPlace:
		outerMm = arcMm / 2
		innerMm = arcMm / 2
	}

	outerSpeed := turnSpeed(outer, useSlowSpeed)
	innerSpeed := turnSpeed(inner, useSlowSpeed)

	if c.imu != nil {
		c.imu.Reset()
		c.resetFeedbackCache()
		// half-degree resolution keeps the stop comparison integral
		half := degrees * 2
		if outer == c.left {
			half = -half
		}
		c.pendingRotationHalfDegrees = half
		c.turnSlowDownSpeed = c.right.StartSpeed

		// rotation speed is stepped, never ramped: the measured angle
		// decides when to stop
		if outerMm > 0 {
			outer.SetSpeedCompensated(outerSpeed, motor.ModeForward)
		}
		if innerMm > 0 {
			inner.SetSpeedCompensated(innerSpeed, motor.ModeBackward)
		}
		return
	}

	outer.StartGoDistance(outerSpeed, outerMm, motor.ModeForward)
	inner.StartGoDistance(innerSpeed, innerMm, motor.ModeBackward)
}

// turnSpeed picks the rotation speed for one wheel. Slow turns run at
// 1.5x the dead-band speed for precision, unless the dead band already
// sits near the top of the range.
func turnSpeed(m *motor.Motor, useSlowSpeed bool) uint8 {
	if !useSlowSpeed || m.StartSpeed >= slowSpeedThreshold {
		return m.DriveSpeed
	}
	s := uint(m.StartSpeed) + uint(m.StartSpeed)/2
	if s > uint(motor.MaxSpeed) {
		s = uint(motor.MaxSpeed)
	}
	return uint8(s)
}

// Rotate is the blocking form of StartRotate, always at slow speed.
// p may be nil.
func (c *Car) Rotate(degrees int, turn TurnDirection, p Poller) {
	c.StartRotate(degrees, turn, true)
	c.WaitUntilStopped(p)
}
