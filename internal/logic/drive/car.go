// Package drive coordinates the two motors of a differential-drive car:
// direction arbitration, per-side speed and compensation allocation,
// distance and rotation planning, and the closed-loop update engine that
// advances both motors against the active feedback source.
package drive

import (
	"time"

	"github.com/cjeanneret/DriveGo/internal/debug"
	"github.com/cjeanneret/DriveGo/internal/hw/imu"
	"github.com/cjeanneret/DriveGo/internal/hw/motor"
	"github.com/cjeanneret/DriveGo/internal/logic/geometry"
)

// TurnDirection selects which way the car moves while rotating.
type TurnDirection uint8

const (
	// TurnForward pivots around the inner wheel, driving the outer
	// wheel forward.
	TurnForward TurnDirection = iota
	// TurnBackward pivots around the outer wheel, driving the inner
	// wheel backward.
	TurnBackward
	// TurnInPlace spins around the car center: outer wheel forward,
	// inner wheel backward, no net translation.
	TurnInPlace
)

func (t TurnDirection) String() string {
	switch t {
	case TurnForward:
		return "forward"
	case TurnBackward:
		return "backward"
	case TurnInPlace:
		return "in-place"
	}
	return "unknown"
}

// Poller is invoked on each iteration of a blocking wait so the caller
// can run other work (polling sensors, serving input). It must not block
// and must not call back into the update engine; to cancel a wait, stop
// the car.
type Poller interface {
	Poll()
}

// PollerFunc adapts a plain function to the Poller interface.
type PollerFunc func()

func (f PollerFunc) Poll() { f() }

// Events receives change notifications the owner may want to act on,
// e.g. re-persisting motor parameters after a compensation change.
type Events interface {
	// ControlValuesChanged fires when tuning values (speeds,
	// compensation) were modified.
	ControlValuesChanged()
	// SensorValuesChanged fires when a fresh feedback reading differed
	// from the cached one.
	SensorValuesChanged()
}

// Config carries the optional collaborators of a Car.
type Config struct {
	// IMU selects inertial feedback when non-nil; otherwise the motors'
	// own encoders are the feedback source.
	IMU imu.Source
	// FactorDegreeToMillimeter maps one degree of car rotation to
	// outer-wheel travel. 0 = default 2WD geometry.
	FactorDegreeToMillimeter float64
	// Events is notified about control/sensor value changes. Optional.
	Events Events
	// Clock may be replaced for deterministic tests. nil = wall clock.
	Clock motor.Clock
}

// Car owns the two drive motors and all vehicle-level state. It is not
// safe for concurrent use; everything runs on one control goroutine.
type Car struct {
	right *motor.Motor
	left  *motor.Motor

	imu    imu.Source
	events Events
	clock  motor.Clock

	// mode is the commanded vehicle direction/brake mode. Only
	// CheckAndHandleDirectionChange (and the stop paths that re-read
	// the motors' stop mode) may write it.
	mode motor.Mode

	factorDegreeToMillimeter float64

	// pending targets, only tracked under inertial feedback
	pendingDistanceMm          uint
	pendingRotationHalfDegrees int
	turnSlowDownSpeed          uint8

	// cached inertial readings, refreshed by the update engine
	speedCmPerSecond int
	turnHalfDegrees  int
	distanceMm       uint
}

// NewCar creates the coordinator for the two given motors. right/left
// are owned by the Car and must not be driven elsewhere.
func NewCar(right, left *motor.Motor, cfg Config) *Car {
	clock := cfg.Clock
	if clock == nil {
		clock = motor.RealClock()
	}
	factor := cfg.FactorDegreeToMillimeter
	if factor <= 0 {
		factor = geometry.DefaultTrackWidthMm * 3.14159265 / 180
	}
	return &Car{
		right:                    right,
		left:                     left,
		imu:                      cfg.IMU,
		events:                   cfg.Events,
		clock:                    clock,
		mode:                     motor.ModeRelease,
		factorDegreeToMillimeter: factor,
	}
}

// Right exposes the right motor for telemetry/diagnostics.
func (c *Car) Right() *motor.Motor { return c.right }

// Left exposes the left motor for telemetry/diagnostics.
func (c *Car) Left() *motor.Motor { return c.left }

// --- direction/mode controller ---

// CheckAndHandleDirectionChange arbitrates a vehicle-level direction or
// brake mode request. If either motor is still turning, both are
// brake-stopped first and the car waits out the coast-down (half the
// higher current speed, in milliseconds) before the new mode is
// accepted. Returns true if a stop occurred.
//
// This is the only place that mutates the commanded mode.
func (c *Car) CheckAndHandleDirectionChange(requested motor.Mode) bool {
	if c.mode == requested {
		return false
	}
	stopped := false
	maxSpeed := c.right.CurrentSpeed
	if c.left.CurrentSpeed > maxSpeed {
		maxSpeed = c.left.CurrentSpeed
	}
	if maxSpeed > 0 {
		// direction change requested but a motor is still running:
		// stop first and let the wheels coast down
		c.Stop(motor.ModeBrake)
		c.clock.Sleep(time.Duration(maxSpeed/2) * time.Millisecond)
		stopped = true
	}
	debug.Mode(c.mode.String(), requested.String())
	c.mode = requested
	return stopped
}

// DirectionOrBrakeMode returns the commanded vehicle mode.
func (c *Car) DirectionOrBrakeMode() motor.Mode {
	return c.mode
}

// --- speed & compensation allocator ---

// SetSpeed applies the raw speed to both motors. Direct manual control:
// no compensation, no ramp, and deliberately NO direction arbitration —
// reversing a moving car through here is the caller's problem.
func (c *Car) SetSpeed(speed uint8, direction motor.Mode) {
	c.right.SetSpeed(speed, direction)
	c.left.SetSpeed(speed, direction)
}

// SetSpeedSigned is the signed convenience form of SetSpeed.
func (c *Car) SetSpeedSigned(speed int) {
	c.right.SetSpeedSigned(speed)
	c.left.SetSpeedSigned(speed)
}

// SetSpeedCompensated arbitrates the direction, then applies the
// compensation-adjusted speed to both motors.
func (c *Car) SetSpeedCompensated(speed uint8, direction motor.Mode) {
	c.CheckAndHandleDirectionChange(direction)
	c.right.SetSpeedCompensated(speed, direction)
	c.left.SetSpeedCompensated(speed, direction)
}

// SetSpeedCompensatedWithBias additionally slows one side for
// differential steering while cruising: a non-negative bias reduces the
// left motor by bias (clamped at zero), a negative bias reduces the
// right motor by |bias|.
func (c *Car) SetSpeedCompensatedWithBias(speed uint8, direction motor.Mode, bias int8) {
	c.CheckAndHandleDirectionChange(direction)

	var full, reduced *motor.Motor
	magnitude := int(bias)
	if bias >= 0 {
		full, reduced = c.right, c.left
	} else {
		full, reduced = c.left, c.right
		magnitude = -magnitude
	}

	full.SetSpeedCompensated(speed, direction)
	if int(speed) >= magnitude {
		reduced.SetSpeedCompensated(speed-uint8(magnitude), direction)
	} else {
		reduced.SetSpeedCompensated(0, direction)
	}
}

// ChangeSpeedCompensated adjusts both (already moving) motors to a new
// compensated speed, keeping their directions.
func (c *Car) ChangeSpeedCompensated(speed uint8) {
	c.right.ChangeSpeedCompensated(speed)
	c.left.ChangeSpeedCompensated(speed)
}

// SetValuesForFixedDistanceDriving sets start/drive speed on both motors
// and distributes the baseline asymmetry correction: a non-negative
// compensation goes to the right motor (left cleared), a negative one to
// the left motor with the sign flipped.
func (c *Car) SetValuesForFixedDistanceDriving(startSpeed, driveSpeed uint8, compensationRight int8) {
	if compensationRight >= 0 {
		c.right.SetValuesForFixedDistanceDriving(startSpeed, driveSpeed, compensationRight)
		c.left.SetValuesForFixedDistanceDriving(startSpeed, driveSpeed, 0)
	} else {
		c.right.SetValuesForFixedDistanceDriving(startSpeed, driveSpeed, 0)
		c.left.SetValuesForFixedDistanceDriving(startSpeed, driveSpeed, -compensationRight)
	}
	c.notifyControlChange()
}

// SetDefaultsForFixedDistanceDriving restores both motors' default
// tuning values.
func (c *Car) SetDefaultsForFixedDistanceDriving() {
	c.right.SetDefaultsForFixedDistanceDriving()
	c.left.SetDefaultsForFixedDistanceDriving()
	c.notifyControlChange()
}

// ChangeSpeedCompensation re-tunes the differential bias at runtime.
// A positive delta prefers taking compensation away from the left motor
// before adding to the right one (and mirrored for negative deltas), so
// the total bias stays a zero-sum transfer between the sides instead of
// growing on both.
func (c *Car) ChangeSpeedCompensation(delta int8) {
	d := int(delta)
	if d == 0 {
		return
	}
	// the fixed-distance split keeps per-side compensation non-negative;
	// a negative value written directly onto a motor is the same bias as
	// a positive one on the other side, so fold it over before the
	// transfer
	if c.left.SpeedCompensation < 0 {
		c.right.SpeedCompensation = addCompensation(c.right.SpeedCompensation, -int(c.left.SpeedCompensation))
		c.left.SpeedCompensation = 0
	}
	if c.right.SpeedCompensation < 0 {
		c.left.SpeedCompensation = addCompensation(c.left.SpeedCompensation, -int(c.right.SpeedCompensation))
		c.right.SpeedCompensation = 0
	}
	switch {
	case d > 0:
		if int(c.left.SpeedCompensation) >= d {
			c.left.SpeedCompensation -= int8(d)
		} else {
			c.right.SpeedCompensation = addCompensation(c.right.SpeedCompensation, d)
		}
	case d < 0:
		d = -d
		if int(c.right.SpeedCompensation) >= d {
			c.right.SpeedCompensation -= int8(d)
		} else {
			c.left.SpeedCompensation = addCompensation(c.left.SpeedCompensation, d)
		}
	}
	c.notifyControlChange()
}

// SetStartSpeed sets the dead-band speed on both motors.
func (c *Car) SetStartSpeed(speed uint8) {
	c.right.SetStartSpeed(speed)
	c.left.SetStartSpeed(speed)
	c.notifyControlChange()
}

// SetDriveSpeed sets the cruising speed on both motors.
func (c *Car) SetDriveSpeed(speed uint8) {
	c.right.SetDriveSpeed(speed)
	c.left.SetDriveSpeed(speed)
	c.notifyControlChange()
}

// SetFactorDegreeToMillimeter overrides the rotation geometry factor.
func (c *Car) SetFactorDegreeToMillimeter(factor float64) {
	if factor > 0 {
		c.factorDegreeToMillimeter = factor
	}
}

// --- stop & queries ---

// Stop stops both motors immediately. mode is motor.ModeBrake,
// motor.ModeRelease or motor.ModeKeep.
func (c *Car) Stop(mode motor.Mode) {
	c.right.Stop(mode)
	c.left.Stop(mode)
	// pick up the resolved stop mode (ModeKeep is evaluated per motor)
	c.mode = c.right.CurrentMode
}

// SetStopMode sets the default stop mode of both motors.
func (c *Car) SetStopMode(mode motor.Mode) {
	c.right.SetStopMode(mode)
	c.left.SetStopMode(mode)
}

// ResetControlValues stops tracking state: encoder counters, pending
// targets and cached feedback readings.
func (c *Car) ResetControlValues() {
	c.right.ResetEncoderControlValues()
	c.left.ResetEncoderControlValues()
	c.pendingDistanceMm = 0
	c.pendingRotationHalfDegrees = 0
	c.resetFeedbackCache()
}

// IsStopped returns true when neither motor is powered.
func (c *Car) IsStopped() bool {
	return c.right.CurrentSpeed == 0 && c.left.CurrentSpeed == 0
}

// IsState returns true when both motors are in the given ramp state.
func (c *Car) IsState(state motor.RampState) bool {
	return c.right.RampState == state && c.left.RampState == state
}

// IsStateRamp returns true while either motor is accelerating or
// decelerating. Callers use this to suppress expensive telemetry during
// the phase where Update must run at full rate.
func (c *Car) IsStateRamp() bool {
	return c.right.RampState == motor.StateRampUp || c.right.RampState == motor.StateRampDown ||
		c.left.RampState == motor.StateRampUp || c.left.RampState == motor.StateRampDown
}

// DistanceCount returns the right motor's encoder ticks since reset.
func (c *Car) DistanceCount() uint32 {
	return c.right.EncoderCount()
}

// DistanceMillimeter returns the distance travelled since the last move
// started: from the inertial sensor when active, else from the right
// motor's encoder.
func (c *Car) DistanceMillimeter() uint {
	if c.imu != nil {
		return c.distanceMm
	}
	return c.right.DistanceMillimeter()
}

// SpeedCmPerSecond returns the measured car speed (magnitude).
func (c *Car) SpeedCmPerSecond() int {
	if c.imu != nil {
		return c.speedCmPerSecond
	}
	return c.right.SpeedCmPerSecond()
}

// TurnHalfDegrees returns the cumulative turn angle since the last
// rotation started (inertial feedback only; 0 otherwise).
func (c *Car) TurnHalfDegrees() int {
	return c.turnHalfDegrees
}

// BrakingDistanceMillimeter estimates how far the car still travels once
// deceleration starts, from the active feedback source.
func (c *Car) BrakingDistanceMillimeter() uint {
	if c.imu == nil {
		return c.right.BrakingDistanceMillimeter()
	}
	v := c.speedCmPerSecond
	// v² = 2·a·d with the deceleration constant pre-scaled to keep the
	// intermediate product small
	return uint(v * v / (motor.RampDecelerationTimes2 / 100))
}

// ComputeAndReportIMUOffsets measures the stationary sensor bias. Must
// be called while the car is not moving, ideally shortly after boot.
func (c *Car) ComputeAndReportIMUOffsets() error {
	if c.imu == nil {
		return nil
	}
	return c.imu.ComputeOffsets()
}

// --- persistence fan-out ---

// LoadMotorParameters restores both motors' tuning records
// (slot 0 = left, slot 1 = right).
func (c *Car) LoadMotorParameters() error {
	if err := c.left.LoadParameters(0); err != nil {
		return err
	}
	return c.right.LoadParameters(1)
}

// SaveMotorParameters persists both motors' tuning records.
func (c *Car) SaveMotorParameters() error {
	if err := c.left.SaveParameters(0); err != nil {
		return err
	}
	return c.right.SaveParameters(1)
}

// --- internals ---

func (c *Car) notifyControlChange() {
	if c.events != nil {
		c.events.ControlValuesChanged()
	}
}

func (c *Car) resetFeedbackCache() {
	c.speedCmPerSecond = 0
	c.turnHalfDegrees = 0
	c.distanceMm = 0
}

// addCompensation clamps into the int8 range instead of wrapping.
func addCompensation(current int8, delta int) int8 {
	v := int(current) + delta
	if v > 127 {
		v = 127
	}
	if v < -127 {
		v = -127
	}
	return int8(v)
}
