package motor

import "time"

// Speed range of a motor command. Speeds map directly onto 8 bit PWM duty.
const (
	MaxSpeed uint8 = 255

	// DefaultStartSpeed is the assumed dead band before calibration:
	// the lowest command at which a typical geared DC motor starts turning.
	DefaultStartSpeed uint8 = 45
	// DefaultDriveSpeed is the default cruising speed.
	DefaultDriveSpeed uint8 = 90
)

// Ramp timing. Update must be called at least every RampInterval while a
// motor is ramping, otherwise acceleration becomes visibly jerky.
const (
	RampInterval = 16 * time.Millisecond
	RampDuration = 256 * time.Millisecond
	rampSteps    = int(RampDuration / RampInterval)
)

// RampDecelerationTimes2 is twice the constant deceleration (mm/s²)
// assumed for braking distance estimates (v² = 2·a·d).
const RampDecelerationTimes2 = 4000

// speedSampleInterval is how often the measured wheel speed is refreshed
// from encoder tick deltas.
const speedSampleInterval = 100 * time.Millisecond

// Mode is the combined direction-or-brake mode of a motor.
type Mode uint8

const (
	ModeForward Mode = iota
	ModeBackward
	// ModeBrake shorts the motor windings for an active stop.
	ModeBrake
	// ModeRelease cuts power and lets the motor coast.
	ModeRelease
	// ModeKeep is only valid as a stop-mode argument: use the
	// previously configured default stop mode.
	ModeKeep
)

func (m Mode) String() string {
	switch m {
	case ModeForward:
		return "forward"
	case ModeBackward:
		return "backward"
	case ModeBrake:
		return "brake"
	case ModeRelease:
		return "release"
	case ModeKeep:
		return "keep"
	}
	return "unknown"
}

// IsDirection returns true for the two moving modes.
func (m Mode) IsDirection() bool {
	return m == ModeForward || m == ModeBackward
}

// RampState is the acceleration state machine of one motor.
type RampState uint8

const (
	StateStopped RampState = iota
	// StateStart is the pending state between a ramp request and the
	// first Update call that applies the start speed.
	StateStart
	StateRampUp
	StateDriveSpeed
	StateRampDown
)

// IsActive returns true while the state machine is driving the motor.
func (s RampState) IsActive() bool {
	return s != StateStopped
}

func (s RampState) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStart:
		return "start"
	case StateRampUp:
		return "ramp-up"
	case StateDriveSpeed:
		return "drive-speed"
	case StateRampDown:
		return "ramp-down"
	}
	return "unknown"
}

// Clock abstracts time so ramp behavior can be tested deterministically.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

type realClock struct{}

func (realClock) Now() time.Time        { return time.Now() }
func (realClock) Sleep(d time.Duration) { time.Sleep(d) }

// RealClock returns a Clock backed by the wall clock.
func RealClock() Clock { return realClock{} }
