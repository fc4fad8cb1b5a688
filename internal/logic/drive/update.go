package drive

import (
	"time"

	"github.com/cjeanneret/DriveGo/internal/debug"
	"github.com/cjeanneret/DriveGo/internal/hw/motor"
)

const (
	// turnOverrunHalfDegrees: stop a rotation this many half-degrees
	// before the target, the car coasts through the rest.
	turnOverrunHalfDegrees = 2

	// slowDownMarginHalfDegrees: within this margin of the target, drop
	// to slow-down speed so the final stop lands precisely.
	slowDownMarginHalfDegrees = 20

	// waitPollInterval paces the blocking helpers. Short enough to keep
	// ramp steps on time.
	waitPollInterval = time.Millisecond
)

// UpdateMotors runs one closed-loop control step: refresh the feedback
// readings, check pending rotation and distance targets, then advance
// both motors' ramp state machines. Returns true while any motor is
// still active. Call it continuously (every millisecond is fine) while
// the car moves.
func (c *Car) UpdateMotors() bool {
	c.refreshFeedback()

	if c.pendingRotationHalfDegrees != 0 {
		c.checkRotationTarget()
	} else if c.pendingDistanceMm != 0 {
		c.checkDistanceTarget()
	}

	// keep || strict: both motors must step even when the first is busy
	rightActive := c.right.Update()
	leftActive := c.left.Update()
	return rightActive || leftActive
}

// refreshFeedback pulls fresh inertial readings into the cache and
// reports changes. No-op under encoder feedback.
func (c *Car) refreshFeedback() {
	if c.imu == nil {
		return
	}
	c.imu.Poll()
	speed := c.imu.SpeedCmPerSecond()
	turn := c.imu.TurnHalfDegrees()
	dist := c.imu.DistanceMillimeter()
	if speed != c.speedCmPerSecond || turn != c.turnHalfDegrees || dist != c.distanceMm {
		c.speedCmPerSecond = speed
		c.turnHalfDegrees = turn
		c.distanceMm = dist
		debug.IMU(speed, turn, dist)
		if c.events != nil {
			c.events.SensorValuesChanged()
		}
	}
}

// checkRotationTarget ends or slows a pending rotation from the measured
// turn angle. Works on magnitudes so left and right turns share one
// comparison.
func (c *Car) checkRotationTarget() {
	target := c.pendingRotationHalfDegrees
	measured := c.turnHalfDegrees
	if target < 0 {
		target = -target
		measured = -measured
	}

	if measured+turnOverrunHalfDegrees >= target {
		debug.Verbose("rotation target reached at %d half-degrees", c.turnHalfDegrees)
		c.pendingRotationHalfDegrees = 0
		c.Stop(motor.ModeBrake)
		return
	}
	if measured+slowDownMarginHalfDegrees >= target {
		// close to the target: drop to the latched slow-down speed
		c.ChangeSpeedCompensated(c.turnSlowDownSpeed)
	}
}

// checkDistanceTarget ends a pending inertial-feedback move once the
// measured distance covers the target, and starts the deceleration ramp
// when the remaining distance fits the braking estimate.
func (c *Car) checkDistanceTarget() {
	if !c.right.RampState.IsActive() {
		return
	}
	if c.distanceMm >= c.pendingDistanceMm {
		debug.Verbose("distance target reached at %d mm", c.distanceMm)
		c.pendingDistanceMm = 0
		c.Stop(motor.ModeBrake)
		return
	}
	if c.right.RampState != motor.StateRampDown &&
		c.distanceMm+c.BrakingDistanceMillimeter() >= c.pendingDistanceMm {
		c.right.StartRampDown()
		c.left.StartRampDown()
	}
}

// --- blocking helpers ---

// WaitUntilStopped runs the update engine until both motors are idle,
// then aligns the commanded mode with the motors' final stop mode.
// p may be nil.
func (c *Car) WaitUntilStopped(p Poller) {
	for c.UpdateMotors() {
		if p != nil {
			p.Poll()
		}
		c.clock.Sleep(waitPollInterval)
	}
	c.mode = c.right.CurrentMode
}

// WaitForDriveSpeed runs the update engine until both motors finished
// ramping up (or everything stopped early). p may be nil.
func (c *Car) WaitForDriveSpeed(p Poller) {
	for c.UpdateMotors() && !c.IsState(motor.StateDriveSpeed) {
		if p != nil {
			p.Poll()
		}
		c.clock.Sleep(waitPollInterval)
	}
}

// StartRampUp arbitrates the direction and starts both motors ramping to
// their drive speed.
func (c *Car) StartRampUp(direction motor.Mode) {
	c.CheckAndHandleDirectionChange(direction)
	c.right.StartRampUp(direction)
	c.left.StartRampUp(direction)
}

// StartRampUpSpeed arbitrates the direction and starts both motors
// ramping to the given speed.
func (c *Car) StartRampUpSpeed(speed uint8, direction motor.Mode) {
	c.CheckAndHandleDirectionChange(direction)
	c.right.StartRampUpSpeed(speed, direction)
	c.left.StartRampUpSpeed(speed, direction)
}

// StartRampUpAndWait is the blocking form of StartRampUp. p may be nil.
func (c *Car) StartRampUpAndWait(direction motor.Mode, p Poller) {
	c.StartRampUp(direction)
	c.WaitForDriveSpeed(p)
}

// StartRampDown starts both motors decelerating toward their start
// speed and a subsequent stop.
func (c *Car) StartRampDown() {
	c.right.StartRampDown()
	c.left.StartRampDown()
}

// StopAndWaitForIt decelerates smoothly and blocks until the car stands
// still. p may be nil.
func (c *Car) StopAndWaitForIt(p Poller) {
	if c.IsStopped() {
		return
	}
	c.StartRampDown()
	c.WaitUntilStopped(p)
}

// DelayAndUpdateMotors keeps the update engine running for the given
// duration, e.g. to let a move finish a known remainder.
func (c *Car) DelayAndUpdateMotors(d time.Duration, p Poller) {
	deadline := c.clock.Now().Add(d)
	for c.clock.Now().Before(deadline) {
		c.UpdateMotors()
		if p != nil {
			p.Poll()
		}
		c.clock.Sleep(waitPollInterval)
	}
}
