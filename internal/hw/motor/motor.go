package motor

import (
	"fmt"
	"time"

	"github.com/cjeanneret/DriveGo/internal/debug"
	"github.com/cjeanneret/DriveGo/internal/hw/gpio"
)

// Config holds the hardware configuration for one drive motor behind an
// H-bridge (e.g. L298N): two direction inputs plus a hardware PWM enable.
type Config struct {
	ForwardPin  int
	BackwardPin int
	PWMPin      int
	// PWMFrequencyHz is the PWM base frequency. 0 = 1000 Hz.
	PWMFrequencyHz int

	// Side labels the motor in logs ("left"/"right").
	Side string

	// Encoder is the optional tick source for this wheel. nil means the
	// motor cannot track distance on its own.
	Encoder Encoder
	// MillimeterPerTick is the wheel travel per encoder tick.
	MillimeterPerTick float64

	// Clock may be replaced for deterministic tests. nil = wall clock.
	Clock Clock
	// Store is the optional persistence backend for tuning parameters.
	Store ParamsStore
}

// Motor drives one side of the car. It owns its own ramp state machine,
// speed compensation and distance tracking; the drive package coordinates
// two of these.
//
// The exported fields are the unit's telemetry/tuning contract. They are
// read (and SpeedCompensation also written) by the coordination layer;
// everything else goes through methods.
type Motor struct {
	// StartSpeed is the dead band: the minimum speed at which the motor
	// reliably starts moving. Discovered by calibration.
	StartSpeed uint8
	// DriveSpeed is the default cruising speed.
	DriveSpeed uint8
	// SpeedCompensation is a signed bias added to every compensated
	// speed request, correcting for asymmetry between the two sides.
	SpeedCompensation int8
	// CurrentSpeed is the currently applied (uncompensated PWM) speed.
	CurrentSpeed uint8
	// RampState is the acceleration state machine.
	RampState RampState
	// CurrentMode is the applied direction-or-brake mode.
	CurrentMode Mode

	gpio    gpio.Driver
	cfg     Config
	clock   Clock
	encoder Encoder
	store   ParamsStore

	defaultStopMode Mode

	rampTarget uint8
	rampDelta  uint8
	nextRamp   time.Time

	encoderBase uint32
	targetTicks uint32 // 0 = free run

	lastSampleTime   time.Time
	lastSampleTicks  uint32
	speedCmPerSecond int
}

// NewMotor configures the H-bridge pins and returns a stopped motor with
// default fixed-distance driving values.
func NewMotor(g gpio.Driver, cfg Config) (*Motor, error) {
	if err := g.SetupPin(cfg.ForwardPin, gpio.Output); err != nil {
		return nil, fmt.Errorf("setup forward pin: %w", err)
	}
	if err := g.SetupPin(cfg.BackwardPin, gpio.Output); err != nil {
		return nil, fmt.Errorf("setup backward pin: %w", err)
	}
	freq := cfg.PWMFrequencyHz
	if freq <= 0 {
		freq = 1000
	}
	if err := g.SetupPWMPin(cfg.PWMPin, freq); err != nil {
		return nil, fmt.Errorf("setup PWM pin: %w", err)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = RealClock()
	}

	m := &Motor{
		gpio:            g,
		cfg:             cfg,
		clock:           clock,
		encoder:         cfg.Encoder,
		store:           cfg.Store,
		defaultStopMode: ModeRelease,
	}
	m.SetDefaultsForFixedDistanceDriving()
	m.apply(0, ModeRelease)
	return m, nil
}

// HasEncoder reports whether the motor can track its own distance.
func (m *Motor) HasEncoder() bool {
	return m.encoder != nil
}

// SetDefaultsForFixedDistanceDriving restores default start/drive speed
// and clears the compensation.
func (m *Motor) SetDefaultsForFixedDistanceDriving() {
	m.StartSpeed = DefaultStartSpeed
	m.DriveSpeed = DefaultDriveSpeed
	m.SpeedCompensation = 0
}

// SetValuesForFixedDistanceDriving sets the three tuning values at once.
func (m *Motor) SetValuesForFixedDistanceDriving(startSpeed, driveSpeed uint8, compensation int8) {
	m.StartSpeed = startSpeed
	m.DriveSpeed = driveSpeed
	m.SpeedCompensation = compensation
}

func (m *Motor) SetStartSpeed(speed uint8) { m.StartSpeed = speed }
func (m *Motor) SetDriveSpeed(speed uint8) { m.DriveSpeed = speed }

// compensated clamps requested + SpeedCompensation into the speed range.
func (m *Motor) compensated(speed uint8) uint8 {
	v := int(speed) + int(m.SpeedCompensation)
	if v < 0 {
		v = 0
	}
	if v > int(MaxSpeed) {
		v = int(MaxSpeed)
	}
	return uint8(v)
}

// SetSpeed applies the raw speed immediately. No compensation, no ramp.
func (m *Motor) SetSpeed(speed uint8, direction Mode) {
	if speed == 0 {
		m.Stop(ModeKeep)
		return
	}
	m.apply(speed, direction)
	m.rampTarget = speed
	m.RampState = StateDriveSpeed
}

// SetSpeedSigned is the signed convenience form: the sign selects the
// direction and the magnitude the speed.
func (m *Motor) SetSpeedSigned(speed int) {
	if speed < 0 {
		m.SetSpeed(clampSpeed(-speed), ModeBackward)
	} else {
		m.SetSpeed(clampSpeed(speed), ModeForward)
	}
}

// SetSpeedCompensated applies the compensation-adjusted speed immediately.
func (m *Motor) SetSpeedCompensated(speed uint8, direction Mode) {
	m.SetSpeed(m.compensated(speed), direction)
}

// SetSpeedCompensatedSigned is the signed convenience form of
// SetSpeedCompensated.
func (m *Motor) SetSpeedCompensatedSigned(speed int) {
	if speed < 0 {
		m.SetSpeedCompensated(clampSpeed(-speed), ModeBackward)
	} else {
		m.SetSpeedCompensated(clampSpeed(speed), ModeForward)
	}
}

// ChangeSpeedCompensated adjusts the speed of an already moving motor,
// keeping its direction. Stopped motors are left alone.
func (m *Motor) ChangeSpeedCompensated(speed uint8) {
	if !m.CurrentMode.IsDirection() || m.CurrentSpeed == 0 {
		return
	}
	m.apply(m.compensated(speed), m.CurrentMode)
	m.rampTarget = m.compensated(speed)
}

// StartRampUp ramps toward DriveSpeed in the given direction.
func (m *Motor) StartRampUp(direction Mode) {
	m.StartRampUpSpeed(m.DriveSpeed, direction)
}

// StartRampUpSpeed ramps toward the given speed. The first Update call
// applies the start speed, then the speed is interpolated on every ramp
// interval until the compensated target is reached.
func (m *Motor) StartRampUpSpeed(speed uint8, direction Mode) {
	m.rampTarget = m.compensated(speed)
	if m.RampState == StateStopped {
		// latch direction; first Update applies the start speed
		m.CurrentMode = direction
		m.setRampState(StateStart)
		return
	}
	m.CurrentMode = direction
	m.computeRampDelta()
	m.nextRamp = m.clock.Now()
	if m.rampTarget < m.CurrentSpeed {
		m.setRampState(StateRampDown)
	} else {
		m.setRampState(StateRampUp)
	}
}

// StartRampDown begins decelerating toward the start speed; the motor
// stops once it gets there. No-op when already stopped or ramping down.
func (m *Motor) StartRampDown() {
	if m.RampState == StateStopped || m.RampState == StateRampDown {
		return
	}
	m.computeRampDelta()
	m.nextRamp = m.clock.Now()
	m.setRampState(StateRampDown)
}

// StartGoDistance drives the requested distance and stops. Requires an
// encoder; the motor triggers its own ramp-down when the remaining
// distance shrinks to the braking distance, and stops at the target.
// A zero distance stops the motor immediately.
func (m *Motor) StartGoDistance(speed uint8, distanceMm uint, direction Mode) {
	if distanceMm == 0 {
		m.Stop(ModeKeep)
		return
	}
	m.encoderBase = m.rawTicks()
	m.resetSpeedSample()
	if m.encoder != nil && m.cfg.MillimeterPerTick > 0 {
		ticks := uint32(float64(distanceMm)/m.cfg.MillimeterPerTick + 0.5)
		if ticks == 0 {
			ticks = 1
		}
		m.targetTicks = ticks
	}
	m.StartRampUpSpeed(speed, direction)
}

// Update advances the ramp state machine and the distance tracking.
// Must be called at a high rate (at least every RampInterval) while the
// motor is moving. Returns true while the motor expects further updates.
func (m *Motor) Update() bool {
	m.sampleSpeed()
	m.checkDistanceTarget()

	now := m.clock.Now()
	switch m.RampState {
	case StateStopped, StateDriveSpeed:
		// nothing to interpolate

	case StateStart:
		start := m.StartSpeed
		if start == 0 || start > m.rampTarget {
			start = m.rampTarget
		}
		m.computeRampDelta()
		m.apply(start, m.CurrentMode)
		m.nextRamp = now.Add(RampInterval)
		if start >= m.rampTarget {
			m.setRampState(StateDriveSpeed)
		} else {
			m.setRampState(StateRampUp)
		}

	case StateRampUp:
		if now.Before(m.nextRamp) {
			break
		}
		m.nextRamp = now.Add(RampInterval)
		s := int(m.CurrentSpeed) + int(m.rampDelta)
		if s >= int(m.rampTarget) {
			m.apply(m.rampTarget, m.CurrentMode)
			m.setRampState(StateDriveSpeed)
		} else {
			m.apply(uint8(s), m.CurrentMode)
		}

	case StateRampDown:
		if now.Before(m.nextRamp) {
			break
		}
		m.nextRamp = now.Add(RampInterval)
		s := int(m.CurrentSpeed) - int(m.rampDelta)
		if s <= int(m.StartSpeed) || s <= 0 {
			m.Stop(ModeKeep)
		} else {
			m.apply(uint8(s), m.CurrentMode)
		}
	}

	return m.CurrentSpeed > 0 || m.RampState != StateStopped
}

// Stop stops the motor. mode ModeBrake shorts the windings, ModeRelease
// lets the motor coast, ModeKeep uses the configured default stop mode.
func (m *Motor) Stop(mode Mode) {
	if mode == ModeKeep {
		mode = m.defaultStopMode
	}
	if mode != ModeBrake && mode != ModeRelease {
		mode = ModeRelease
	}
	m.targetTicks = 0
	m.rampTarget = 0
	m.setRampState(StateStopped)
	m.apply(0, mode)
}

// SetStopMode sets the default stop mode used by Stop(ModeKeep).
func (m *Motor) SetStopMode(mode Mode) {
	if mode == ModeBrake || mode == ModeRelease {
		m.defaultStopMode = mode
	}
}

// ResetEncoderControlValues clears tick counting, distance targets and
// the measured speed.
func (m *Motor) ResetEncoderControlValues() {
	m.encoderBase = m.rawTicks()
	m.targetTicks = 0
	m.resetSpeedSample()
}

// EncoderCount returns the ticks accumulated since the last reset.
// Polls the encoder, so calling it frequently also keeps tick counting
// alive while the ramp state machine is idle (e.g. during calibration).
func (m *Motor) EncoderCount() uint32 {
	return m.rawTicks() - m.encoderBase
}

// DistanceMillimeter returns the wheel travel since the last reset.
func (m *Motor) DistanceMillimeter() uint {
	return uint(float64(m.EncoderCount())*m.cfg.MillimeterPerTick + 0.5)
}

// SpeedCmPerSecond returns the last measured wheel speed.
func (m *Motor) SpeedCmPerSecond() int {
	return m.speedCmPerSecond
}

// BrakingDistanceMillimeter estimates how far the wheel still travels
// once deceleration starts, from the measured speed and the assumed
// constant deceleration (v² = 2·a·d, scaled to avoid overflow).
func (m *Motor) BrakingDistanceMillimeter() uint {
	v := m.speedCmPerSecond
	if v < 0 {
		v = -v
	}
	return uint(v * v / (RampDecelerationTimes2 / 100))
}

// LoadParameters restores StartSpeed, DriveSpeed and SpeedCompensation
// from the configured store slot. Implausible records (zero start speed)
// leave the current values untouched.
func (m *Motor) LoadParameters(slot int) error {
	if m.store == nil {
		return fmt.Errorf("motor %s: no params store configured", m.cfg.Side)
	}
	p, err := m.store.Load(slot)
	if err != nil {
		return fmt.Errorf("motor %s: load parameters: %w", m.cfg.Side, err)
	}
	if p.StartSpeed == 0 {
		debug.Info("Motor %s: slot %d holds no plausible parameters, keeping defaults", m.cfg.Side, slot)
		return nil
	}
	m.StartSpeed = p.StartSpeed
	m.DriveSpeed = p.DriveSpeed
	m.SpeedCompensation = p.SpeedCompensation
	return nil
}

// SaveParameters persists the current tuning values to the store slot.
func (m *Motor) SaveParameters(slot int) error {
	if m.store == nil {
		return fmt.Errorf("motor %s: no params store configured", m.cfg.Side)
	}
	p := Params{
		StartSpeed:        m.StartSpeed,
		DriveSpeed:        m.DriveSpeed,
		SpeedCompensation: m.SpeedCompensation,
	}
	if err := m.store.Save(slot, p); err != nil {
		return fmt.Errorf("motor %s: save parameters: %w", m.cfg.Side, err)
	}
	return nil
}

// --- internals ---

func (m *Motor) setRampState(s RampState) {
	if s == m.RampState {
		return
	}
	debug.Ramp(m.cfg.Side, m.RampState.String(), s.String())
	m.RampState = s
}

func (m *Motor) computeRampDelta() {
	span := int(m.rampTarget) - int(m.StartSpeed)
	if span < 0 {
		span = int(m.rampTarget)
	}
	delta := span / rampSteps
	if delta < 1 {
		delta = 1
	}
	m.rampDelta = uint8(delta)
}

// apply writes the H-bridge pins. Brake shorts the low side with full
// duty, release cuts the duty entirely.
func (m *Motor) apply(speed uint8, mode Mode) {
	var fwd, bwd gpio.Level
	duty := uint32(speed)
	switch mode {
	case ModeForward:
		fwd, bwd = gpio.High, gpio.Low
	case ModeBackward:
		fwd, bwd = gpio.Low, gpio.High
	case ModeBrake:
		fwd, bwd = gpio.Low, gpio.Low
		duty = uint32(MaxSpeed)
		speed = 0
	default: // release
		fwd, bwd = gpio.Low, gpio.Low
		duty = 0
		speed = 0
	}

	// Command-path GPIO failures are logged, not propagated: the
	// constructor already validated the pins, and the control loop has
	// no error channel (a wheel cannot half-fail a PWM write).
	if err := m.gpio.WritePin(m.cfg.ForwardPin, fwd); err != nil {
		debug.Error(err)
	}
	if err := m.gpio.WritePin(m.cfg.BackwardPin, bwd); err != nil {
		debug.Error(err)
	}
	if err := m.gpio.WritePWMDuty(m.cfg.PWMPin, duty); err != nil {
		debug.Error(err)
	}

	m.CurrentSpeed = speed
	m.CurrentMode = mode
	debug.Motor(m.cfg.Side, speed, mode.String())

	if o, ok := m.encoder.(speedObserver); ok {
		o.ObserveSpeed(speed)
	}
}

func (m *Motor) rawTicks() uint32 {
	if m.encoder == nil {
		return 0
	}
	return m.encoder.Ticks()
}

func (m *Motor) resetSpeedSample() {
	m.lastSampleTime = m.clock.Now()
	m.lastSampleTicks = m.rawTicks()
	m.speedCmPerSecond = 0
}

func (m *Motor) sampleSpeed() {
	if m.encoder == nil || m.cfg.MillimeterPerTick <= 0 {
		return
	}
	now := m.clock.Now()
	if m.lastSampleTime.IsZero() {
		m.lastSampleTime = now
		m.lastSampleTicks = m.rawTicks()
		return
	}
	dt := now.Sub(m.lastSampleTime)
	if dt < speedSampleInterval {
		return
	}
	ticks := m.rawTicks()
	delta := ticks - m.lastSampleTicks
	mmPerSecond := float64(delta) * m.cfg.MillimeterPerTick / dt.Seconds()
	m.speedCmPerSecond = int(mmPerSecond / 10)
	m.lastSampleTime = now
	m.lastSampleTicks = ticks
}

func (m *Motor) checkDistanceTarget() {
	if m.targetTicks == 0 || m.encoder == nil {
		return
	}
	count := m.EncoderCount()
	if count >= m.targetTicks {
		m.Stop(ModeKeep)
		return
	}
	if m.RampState != StateRampUp && m.RampState != StateDriveSpeed {
		return
	}
	remainingMm := uint(float64(m.targetTicks-count)*m.cfg.MillimeterPerTick + 0.5)
	if remainingMm <= m.BrakingDistanceMillimeter() {
		m.StartRampDown()
	}
}

func clampSpeed(v int) uint8 {
	if v > int(MaxSpeed) {
		return MaxSpeed
	}
	return uint8(v)
}
