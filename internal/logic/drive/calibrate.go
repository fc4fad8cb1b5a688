package drive

import (
	"time"

	"github.com/cjeanneret/DriveGo/internal/debug"
	"github.com/cjeanneret/DriveGo/internal/hw/motor"
)

const (
	// calibrationFloorSpeed is where the dead-band sweep starts; below
	// that no geared motor moves anyway.
	calibrationFloorSpeed uint8 = 20

	// calibrationSettle is how long each sweep step holds the speed
	// before movement is checked.
	calibrationSettle = 200 * time.Millisecond

	// calibrationSubInterval paces the settle loop so the poller and
	// the feedback source stay serviced.
	calibrationSubInterval = 10 * time.Millisecond

	// calibrationTickThreshold: a side counts as moving once its
	// encoder advanced more than this many ticks (about 3 cm).
	calibrationTickThreshold uint32 = 6

	// calibrationIMUSpeedThreshold: under inertial feedback the car
	// counts as moving at this measured speed (cm/s).
	calibrationIMUSpeedThreshold = 10
)

// Calibrate sweeps the motor speed up from calibrationFloorSpeed until
// the car demonstrably moves, and latches the speed at which each side
// started as its new dead-band start speed. With encoder feedback the
// two sides are calibrated independently; under inertial feedback only
// car movement is observable, so both sides latch the same value.
//
// The car must stand free. p is serviced throughout and may stop the
// car to abort; the latched values are NOT persisted, call
// SaveMotorParameters for that. Returns false when aborted.
func (c *Car) Calibrate(p Poller) bool {
	c.Stop(motor.ModeBrake)
	c.ResetControlValues()

	c.right.SetStartSpeed(0)
	c.left.SetStartSpeed(0)

	if c.imu != nil {
		c.imu.Reset()
		if err := c.imu.ComputeOffsets(); err != nil {
			debug.Error(err)
			return false
		}
	}

	for speed := calibrationFloorSpeed; speed < motor.MaxSpeed; speed++ {
		// sides that already latched keep their speed
		if c.right.StartSpeed == 0 {
			c.right.SetSpeed(speed, motor.ModeForward)
		}
		if c.left.StartSpeed == 0 {
			c.left.SetSpeed(speed, motor.ModeForward)
		}

		if !c.settleAndService(p) {
			return false
		}

		if c.imu == nil {
			if c.right.StartSpeed == 0 && c.right.EncoderCount() > calibrationTickThreshold {
				c.right.SetStartSpeed(speed)
				debug.Calibration("right", speed)
				c.notifyControlChange()
			}
			if c.left.StartSpeed == 0 && c.left.EncoderCount() > calibrationTickThreshold {
				c.left.SetStartSpeed(speed)
				debug.Calibration("left", speed)
				c.notifyControlChange()
			}
			if c.right.StartSpeed != 0 && c.left.StartSpeed != 0 {
				break
			}
		} else {
			v := c.speedCmPerSecond
			if v < 0 {
				v = -v
			}
			if v >= calibrationIMUSpeedThreshold {
				c.SetStartSpeed(speed)
				debug.Calibration("both", speed)
				break
			}
		}
	}

	c.Stop(motor.ModeBrake)
	return true
}

// settleAndService holds the current speed for calibrationSettle while
// keeping the poller and the feedback source alive. Returns false when
// the poller stopped the car.
func (c *Car) settleAndService(p Poller) bool {
	deadline := c.clock.Now().Add(calibrationSettle)
	for c.clock.Now().Before(deadline) {
		if p != nil {
			p.Poll()
		}
		if c.IsStopped() {
			// stopped from the poller, abort the sweep
			return false
		}
		// edge-latching encoders record at most one tick between polls,
		// so tick counting must stay alive through the settle
		c.right.EncoderCount()
		c.left.EncoderCount()
		c.refreshFeedback()
		c.clock.Sleep(calibrationSubInterval)
	}
	return true
}
