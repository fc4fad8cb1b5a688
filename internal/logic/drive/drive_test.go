package drive

import (
	"testing"
	"time"

	"github.com/cjeanneret/DriveGo/internal/hw/gpio"
	"github.com/cjeanneret/DriveGo/internal/hw/motor"
)

// fakeClock advances only when someone sleeps, which makes ramp and
// coast-down timing fully deterministic.
type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time        { return c.t }
func (c *fakeClock) Sleep(d time.Duration) { c.t = c.t.Add(d) }

// stubEncoder is a hand-cranked tick source.
type stubEncoder struct {
	ticks uint32
}

func (e *stubEncoder) Ticks() uint32 { return e.ticks }

// fakeIMU is a settable inertial feedback source.
type fakeIMU struct {
	speed    int
	turnHalf int
	distMm   uint

	resets     int
	offsetErr  error
	offsetRuns int
}

func (f *fakeIMU) Reset() {
	f.resets++
	f.speed, f.turnHalf, f.distMm = 0, 0, 0
}
func (f *fakeIMU) Poll() bool               { return true }
func (f *fakeIMU) SpeedCmPerSecond() int    { return f.speed }
func (f *fakeIMU) TurnHalfDegrees() int     { return f.turnHalf }
func (f *fakeIMU) DistanceMillimeter() uint { return f.distMm }
func (f *fakeIMU) ComputeOffsets() error {
	f.offsetRuns++
	return f.offsetErr
}

const testMmPerTick = 5.0

func newTestMotor(t *testing.T, clock motor.Clock, side string, enc motor.Encoder) *motor.Motor {
	t.Helper()
	pins := map[string][3]int{
		"right": {17, 27, 12},
		"left":  {23, 24, 13},
	}
	p := pins[side]
	m, err := motor.NewMotor(&gpio.MockDriver{}, motor.Config{
		ForwardPin:        p[0],
		BackwardPin:       p[1],
		PWMPin:            p[2],
		Side:              side,
		Encoder:           enc,
		MillimeterPerTick: testMmPerTick,
		Clock:             clock,
	})
	if err != nil {
		t.Fatalf("NewMotor(%s): %v", side, err)
	}
	return m
}

// newEncoderCar builds a car on hand-cranked encoders.
func newEncoderCar(t *testing.T) (*Car, *fakeClock, *stubEncoder, *stubEncoder) {
	t.Helper()
	clock := newFakeClock()
	rightEnc := &stubEncoder{}
	leftEnc := &stubEncoder{}
	right := newTestMotor(t, clock, "right", rightEnc)
	left := newTestMotor(t, clock, "left", leftEnc)
	return NewCar(right, left, Config{Clock: clock}), clock, rightEnc, leftEnc
}

// newSimCar builds a car on simulated encoders that follow the PWM duty.
func newSimCar(t *testing.T) (*Car, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	right := newTestMotor(t, clock, "right", motor.NewSimEncoder(500, clock))
	left := newTestMotor(t, clock, "left", motor.NewSimEncoder(500, clock))
	return NewCar(right, left, Config{Clock: clock}), clock
}

// newIMUCar builds a car on inertial feedback, without wheel encoders.
func newIMUCar(t *testing.T) (*Car, *fakeClock, *fakeIMU) {
	t.Helper()
	clock := newFakeClock()
	right := newTestMotor(t, clock, "right", nil)
	left := newTestMotor(t, clock, "left", nil)
	f := &fakeIMU{}
	return NewCar(right, left, Config{Clock: clock, IMU: f}), clock, f
}

// --- direction arbitration ---

func TestDirectionChangeWhileStoppedIsImmediate(t *testing.T) {
	car, clock, _, _ := newEncoderCar(t)
	before := clock.Now()

	if car.CheckAndHandleDirectionChange(motor.ModeForward) {
		t.Error("expected no stop for a stationary direction change")
	}
	if car.DirectionOrBrakeMode() != motor.ModeForward {
		t.Errorf("mode = %v, want forward", car.DirectionOrBrakeMode())
	}
	if !clock.Now().Equal(before) {
		t.Error("stationary direction change must not wait")
	}
}

func TestDirectionChangeWhileMovingBrakesAndWaits(t *testing.T) {
	car, clock, _, _ := newEncoderCar(t)
	car.SetSpeed(200, motor.ModeForward)

	before := clock.Now()
	if !car.CheckAndHandleDirectionChange(motor.ModeBackward) {
		t.Fatal("expected a stop before reversing a moving car")
	}
	if !car.IsStopped() {
		t.Error("car must be stopped after the direction change")
	}
	waited := clock.Now().Sub(before)
	if waited != 100*time.Millisecond {
		t.Errorf("coast-down wait = %v, want 100ms for speed 200", waited)
	}
}

func TestDirectionChangeWaitScalesWithSpeed(t *testing.T) {
	measure := func(speed uint8) time.Duration {
		car, clock, _, _ := newEncoderCar(t)
		car.SetSpeed(speed, motor.ModeForward)
		before := clock.Now()
		car.CheckAndHandleDirectionChange(motor.ModeBackward)
		return clock.Now().Sub(before)
	}

	slow := measure(80)
	fast := measure(240)
	if fast <= slow {
		t.Errorf("coast-down wait must grow with speed: %v (fast) <= %v (slow)", fast, slow)
	}
}

func TestRepeatedModeRequestIsNoOp(t *testing.T) {
	car, clock, _, _ := newEncoderCar(t)
	car.CheckAndHandleDirectionChange(motor.ModeForward)
	car.SetSpeed(150, motor.ModeForward)

	before := clock.Now()
	if car.CheckAndHandleDirectionChange(motor.ModeForward) {
		t.Error("same-mode request must not stop the car")
	}
	if !clock.Now().Equal(before) {
		t.Error("same-mode request must not wait")
	}
	if car.IsStopped() {
		t.Error("car must keep moving")
	}
}

// --- speed & compensation allocation ---

func TestSetSpeedCompensatedAppliesPerSideBias(t *testing.T) {
	car, _, _, _ := newEncoderCar(t)
	car.Left().SpeedCompensation = -10

	car.SetSpeedCompensated(100, motor.ModeForward)

	if got := car.Right().CurrentSpeed; got != 100 {
		t.Errorf("right speed = %d, want 100", got)
	}
	if got := car.Left().CurrentSpeed; got != 90 {
		t.Errorf("left speed = %d, want 90", got)
	}
}

func TestSetSpeedCompensatedWithBiasSlowsOneSide(t *testing.T) {
	car, _, _, _ := newEncoderCar(t)

	car.SetSpeedCompensatedWithBias(100, motor.ModeForward, 30)
	if r, l := car.Right().CurrentSpeed, car.Left().CurrentSpeed; r != 100 || l != 70 {
		t.Errorf("positive bias: right/left = %d/%d, want 100/70", r, l)
	}

	car.SetSpeedCompensatedWithBias(100, motor.ModeForward, -30)
	if r, l := car.Right().CurrentSpeed, car.Left().CurrentSpeed; r != 70 || l != 100 {
		t.Errorf("negative bias: right/left = %d/%d, want 70/100", r, l)
	}
}

func TestSetSpeedCompensatedWithBiasClampsAtZero(t *testing.T) {
	car, _, _, _ := newEncoderCar(t)

	car.SetSpeedCompensatedWithBias(20, motor.ModeForward, 50)
	if got := car.Left().CurrentSpeed; got != 0 {
		t.Errorf("left speed = %d, want 0 when bias exceeds speed", got)
	}
	if got := car.Right().CurrentSpeed; got != 20 {
		t.Errorf("right speed = %d, want 20", got)
	}
}

func TestChangeSpeedCompensationTransfersBetweenSides(t *testing.T) {
	car, _, _, _ := newEncoderCar(t)
	car.Left().SpeedCompensation = 10

	// positive delta takes from the left bias before adding to the right
	car.ChangeSpeedCompensation(4)
	if l, r := car.Left().SpeedCompensation, car.Right().SpeedCompensation; l != 6 || r != 0 {
		t.Errorf("after +4: left/right compensation = %d/%d, want 6/0", l, r)
	}

	// left bias too small: the remainder lands on the right side
	car.ChangeSpeedCompensation(8)
	if l, r := car.Left().SpeedCompensation, car.Right().SpeedCompensation; l != 6 || r != 8 {
		t.Errorf("after +8: left/right compensation = %d/%d, want 6/8", l, r)
	}
}

func TestChangeSpeedCompensationFoldsNegativeBias(t *testing.T) {
	car, _, _, _ := newEncoderCar(t)
	// slowing the left side by 5 is the same bias as boosting the right
	car.Left().SpeedCompensation = -5

	car.ChangeSpeedCompensation(4)
	if l, r := car.Left().SpeedCompensation, car.Right().SpeedCompensation; l != 0 || r != 9 {
		t.Errorf("after +4: left/right compensation = %d/%d, want 0/9", l, r)
	}

	car.ChangeSpeedCompensation(-4)
	if l, r := car.Left().SpeedCompensation, car.Right().SpeedCompensation; l != 0 || r != 5 {
		t.Errorf("after -4: left/right compensation = %d/%d, want 0/5", l, r)
	}
}

func TestChangeSpeedCompensationRoundTripIsIdentity(t *testing.T) {
	car, _, _, _ := newEncoderCar(t)
	car.Left().SpeedCompensation = 10
	car.Right().SpeedCompensation = 3

	car.ChangeSpeedCompensation(5)
	car.ChangeSpeedCompensation(-5)

	if got := car.Left().SpeedCompensation; got != 10 {
		t.Errorf("left compensation = %d, want 10", got)
	}
	if got := car.Right().SpeedCompensation; got != 3 {
		t.Errorf("right compensation = %d, want 3", got)
	}
}

func TestSetValuesForFixedDistanceDrivingSplitsCompensation(t *testing.T) {
	car, _, _, _ := newEncoderCar(t)

	car.SetValuesForFixedDistanceDriving(50, 120, 7)
	if r, l := car.Right().SpeedCompensation, car.Left().SpeedCompensation; r != 7 || l != 0 {
		t.Errorf("positive: right/left compensation = %d/%d, want 7/0", r, l)
	}

	car.SetValuesForFixedDistanceDriving(50, 120, -7)
	if r, l := car.Right().SpeedCompensation, car.Left().SpeedCompensation; r != 0 || l != 7 {
		t.Errorf("negative: right/left compensation = %d/%d, want 0/7", r, l)
	}
	if car.Right().StartSpeed != 50 || car.Right().DriveSpeed != 120 {
		t.Errorf("speeds = %d/%d, want 50/120",
			car.Right().StartSpeed, car.Right().DriveSpeed)
	}
}

type countingEvents struct {
	control int
	sensor  int
}

func (e *countingEvents) ControlValuesChanged() { e.control++ }
func (e *countingEvents) SensorValuesChanged()  { e.sensor++ }

func TestControlValueChangesAreReported(t *testing.T) {
	clock := newFakeClock()
	right := newTestMotor(t, clock, "right", nil)
	left := newTestMotor(t, clock, "left", nil)
	ev := &countingEvents{}
	car := NewCar(right, left, Config{Clock: clock, Events: ev})

	car.SetStartSpeed(30)
	car.SetDriveSpeed(110)
	car.ChangeSpeedCompensation(3)

	if ev.control != 3 {
		t.Errorf("control change events = %d, want 3", ev.control)
	}
}

// --- rotation planning ---

func TestStartRotateForwardDrivesOuterWheelOnly(t *testing.T) {
	car, _, _, _ := newEncoderCar(t)

	// positive degrees = left turn, right wheel is the outer one
	car.StartRotate(90, TurnForward, false)
	car.UpdateMotors()

	if car.Right().CurrentSpeed == 0 || car.Right().CurrentMode != motor.ModeForward {
		t.Errorf("right motor: speed %d mode %v, want forward movement",
			car.Right().CurrentSpeed, car.Right().CurrentMode)
	}
	if car.Left().CurrentSpeed != 0 {
		t.Errorf("left motor speed = %d, want 0", car.Left().CurrentSpeed)
	}
}

func TestStartRotateBackwardDrivesInnerWheelOnly(t *testing.T) {
	car, _, _, _ := newEncoderCar(t)

	car.StartRotate(90, TurnBackward, false)
	car.UpdateMotors()

	if car.Left().CurrentSpeed == 0 || car.Left().CurrentMode != motor.ModeBackward {
		t.Errorf("left motor: speed %d mode %v, want backward movement",
			car.Left().CurrentSpeed, car.Left().CurrentMode)
	}
	if car.Right().CurrentSpeed != 0 {
		t.Errorf("right motor speed = %d, want 0", car.Right().CurrentSpeed)
	}
}

func TestStartRotateInPlaceCountersTheWheels(t *testing.T) {
	car, _, _, _ := newEncoderCar(t)

	car.StartRotate(90, TurnInPlace, false)
	car.UpdateMotors()

	if car.Right().CurrentMode != motor.ModeForward || car.Right().CurrentSpeed == 0 {
		t.Errorf("right motor: speed %d mode %v, want forward",
			car.Right().CurrentSpeed, car.Right().CurrentMode)
	}
	if car.Left().CurrentMode != motor.ModeBackward || car.Left().CurrentSpeed == 0 {
		t.Errorf("left motor: speed %d mode %v, want backward",
			car.Left().CurrentSpeed, car.Left().CurrentMode)
	}
}

func TestStartRotateNegativeDegreesSwapsSides(t *testing.T) {
	car, _, _, _ := newEncoderCar(t)

	car.StartRotate(-90, TurnForward, false)
	car.UpdateMotors()

	if car.Left().CurrentSpeed == 0 || car.Left().CurrentMode != motor.ModeForward {
		t.Errorf("left motor: speed %d mode %v, want forward movement",
			car.Left().CurrentSpeed, car.Left().CurrentMode)
	}
	if car.Right().CurrentSpeed != 0 {
		t.Errorf("right motor speed = %d, want 0", car.Right().CurrentSpeed)
	}
}

func TestStartRotateZeroDegreesDoesNothing(t *testing.T) {
	car, _, _, _ := newEncoderCar(t)

	car.StartRotate(0, TurnInPlace, false)

	if !car.IsStopped() {
		t.Error("zero-degree rotation must leave the car stopped")
	}
}

func TestStartRotateSlowSpeedBoostsSmallStartSpeeds(t *testing.T) {
	car, _, _, _ := newEncoderCar(t)
	car.SetStartSpeed(40)

	car.StartRotate(90, TurnForward, true)
	car.UpdateMotors() // StateStart applies the capped start speed
	car.UpdateMotors()

	// target is 1.5x the start speed; the ramp heads there
	for i := 0; i < 100 && car.Right().RampState == motor.StateRampUp; i++ {
		car.clock.Sleep(motor.RampInterval)
		car.UpdateMotors()
	}
	if got := car.Right().CurrentSpeed; got != 60 {
		t.Errorf("rotation speed = %d, want 60 (1.5x start speed)", got)
	}
}

// --- rotation closed loop (inertial feedback) ---

func TestRotationStopsJustBeforeTarget(t *testing.T) {
	car, _, f := newIMUCar(t)

	car.StartRotate(90, TurnInPlace, false) // target: 180 half-degrees
	car.UpdateMotors()
	if car.IsStopped() {
		t.Fatal("car must be turning")
	}

	f.turnHalf = 177
	car.UpdateMotors()
	if car.IsStopped() {
		t.Fatal("177 of 180 half-degrees: must still be turning")
	}

	f.turnHalf = 178 // within the 2 half-degree overrun allowance
	car.UpdateMotors()
	if !car.IsStopped() {
		t.Error("178 of 180 half-degrees: must have stopped")
	}
	if car.DirectionOrBrakeMode() != motor.ModeBrake {
		t.Errorf("mode = %v, want brake after a rotation", car.DirectionOrBrakeMode())
	}
}

func TestRotationSlowsDownNearTarget(t *testing.T) {
	car, clock, f := newIMUCar(t)
	car.SetDriveSpeed(150)

	car.StartRotate(90, TurnInPlace, false)
	for i := 0; i < 200 && !car.IsState(motor.StateDriveSpeed); i++ {
		clock.Sleep(motor.RampInterval)
		car.UpdateMotors()
	}
	if car.Right().CurrentSpeed != 150 {
		t.Fatalf("cruise speed = %d, want 150", car.Right().CurrentSpeed)
	}

	f.turnHalf = 160 // 20 half-degrees short of 180
	car.UpdateMotors()

	if car.IsStopped() {
		t.Fatal("slow-down margin must not stop the car")
	}
	if got := car.Right().CurrentSpeed; got != car.Right().StartSpeed {
		t.Errorf("slow-down speed = %d, want start speed %d", got, car.Right().StartSpeed)
	}
}

func TestRotationNegativeTargetUsesMagnitudes(t *testing.T) {
	car, _, f := newIMUCar(t)

	car.StartRotate(-90, TurnInPlace, false)
	car.UpdateMotors()

	f.turnHalf = -178
	car.UpdateMotors()
	if !car.IsStopped() {
		t.Error("right turn at -178 of -180 half-degrees: must have stopped")
	}
}

func TestRotateBlocksUntilDone(t *testing.T) {
	car, _, f := newIMUCar(t)

	polls := 0
	p := PollerFunc(func() {
		polls++
		// the world turns as the wheels run
		if car.Right().CurrentSpeed > 0 {
			f.turnHalf++
		}
	})
	car.Rotate(90, TurnInPlace, p)

	if !car.IsStopped() {
		t.Error("Rotate must block until the car stands still")
	}
	if polls == 0 {
		t.Error("poller was never serviced")
	}
	if f.turnHalf < 178 {
		t.Errorf("turn ended at %d half-degrees, want >= 178", f.turnHalf)
	}
}

// --- distance closed loop (inertial feedback) ---

func TestDistanceMoveStopsAtTarget(t *testing.T) {
	car, _, f := newIMUCar(t)

	car.StartGoDistanceSpeed(100, 1000, motor.ModeForward)
	car.UpdateMotors()
	if car.IsStopped() {
		t.Fatal("car must be moving")
	}

	f.distMm = 999
	car.UpdateMotors()
	if car.IsStopped() {
		t.Fatal("999 of 1000 mm: must still be moving")
	}

	f.distMm = 1000
	car.UpdateMotors()
	if !car.IsStopped() {
		t.Error("1000 of 1000 mm: must have stopped")
	}
}

func TestDistanceMoveRampsDownAtBrakingDistance(t *testing.T) {
	car, clock, f := newIMUCar(t)

	car.StartGoDistanceSpeed(100, 1000, motor.ModeForward)
	for i := 0; i < 200 && !car.IsState(motor.StateDriveSpeed); i++ {
		clock.Sleep(motor.RampInterval)
		car.UpdateMotors()
	}
	if car.Right().CurrentSpeed != 100 {
		t.Fatalf("cruise speed = %d, want 100", car.Right().CurrentSpeed)
	}

	f.speed = 100 // braking distance: 100*100/40 = 250 mm

	f.distMm = 749 // 749 + 250 = 999 < 1000
	car.UpdateMotors()
	if car.Right().RampState == motor.StateRampDown {
		t.Fatal("ramp-down started one millimeter too early")
	}

	f.distMm = 750 // 750 + 250 = 1000: now it fits exactly
	car.UpdateMotors()
	if car.Right().RampState != motor.StateRampDown {
		t.Errorf("right ramp state = %v, want ramp-down", car.Right().RampState)
	}
	if car.Left().RampState != motor.StateRampDown {
		t.Errorf("left ramp state = %v, want ramp-down", car.Left().RampState)
	}
}

func TestStartGoDistanceZeroStops(t *testing.T) {
	car, _, _ := newIMUCar(t)
	car.StartGoDistanceSpeed(100, 0, motor.ModeForward)
	if !car.IsStopped() {
		t.Error("zero distance must stop the car")
	}
}

func TestStartGoDistanceSignedSelectsDirection(t *testing.T) {
	car, _, _, _ := newEncoderCar(t)

	car.StartGoDistanceSigned(100, -200)
	car.UpdateMotors()

	if car.Right().CurrentMode != motor.ModeBackward {
		t.Errorf("mode = %v, want backward for a negative distance", car.Right().CurrentMode)
	}
}

func TestStartGoDistanceResetsInertialState(t *testing.T) {
	car, _, f := newIMUCar(t)
	f.distMm = 500

	car.StartGoDistanceSpeed(100, 1000, motor.ModeForward)

	if f.resets != 1 {
		t.Errorf("IMU resets = %d, want 1", f.resets)
	}
	if car.DistanceMillimeter() != 0 {
		t.Errorf("distance cache = %d, want 0 after a fresh start", car.DistanceMillimeter())
	}
}

// --- end-to-end with simulated encoders ---

func TestGoDistanceDrivesAndStopsOnEncoderFeedback(t *testing.T) {
	car, _ := newSimCar(t)

	car.GoDistance(500, motor.ModeForward, nil)

	if !car.IsStopped() {
		t.Fatal("car must be stopped after GoDistance returns")
	}
	got := car.Right().DistanceMillimeter()
	if got < 500 || got > 550 {
		t.Errorf("travelled %d mm, want 500..550", got)
	}
	if car.DirectionOrBrakeMode() != motor.ModeRelease {
		t.Errorf("mode = %v, want the default stop mode", car.DirectionOrBrakeMode())
	}
}

func TestRotateInPlaceCoversTheArcOnEncoderFeedback(t *testing.T) {
	car, _ := newSimCar(t)

	// 90 degrees at the default 135 mm track: 212 mm arc, 106 mm per wheel
	car.Rotate(90, TurnInPlace, nil)

	if !car.IsStopped() {
		t.Fatal("car must be stopped after Rotate returns")
	}
	right := car.Right().DistanceMillimeter()
	left := car.Left().DistanceMillimeter()
	if right < 100 || right > 140 {
		t.Errorf("right wheel travelled %d mm, want 100..140", right)
	}
	if left < 100 || left > 140 {
		t.Errorf("left wheel travelled %d mm, want 100..140", left)
	}
}

func TestStopAndWaitForIt(t *testing.T) {
	car, _ := newSimCar(t)

	car.StartRampUp(motor.ModeForward)
	car.WaitForDriveSpeed(nil)
	if car.IsStopped() {
		t.Fatal("car must be cruising")
	}

	car.StopAndWaitForIt(nil)
	if !car.IsStopped() {
		t.Error("car must be stopped")
	}
}

func TestWaitForDriveSpeedReachesCruise(t *testing.T) {
	car, _ := newSimCar(t)

	car.StartRampUpSpeed(120, motor.ModeForward)
	car.WaitForDriveSpeed(nil)

	if got := car.Right().CurrentSpeed; got != 120 {
		t.Errorf("right speed = %d, want 120", got)
	}
	if !car.IsState(motor.StateDriveSpeed) {
		t.Errorf("ramp states = %v/%v, want drive-speed",
			car.Right().RampState, car.Left().RampState)
	}
}

func TestDelayAndUpdateMotorsAdvancesTime(t *testing.T) {
	car, clock := newSimCar(t)

	before := clock.Now()
	car.DelayAndUpdateMotors(50*time.Millisecond, nil)

	if waited := clock.Now().Sub(before); waited < 50*time.Millisecond {
		t.Errorf("waited %v, want at least 50ms", waited)
	}
}

// --- calibration ---

func TestCalibrateLatchesPerSideStartSpeeds(t *testing.T) {
	car, _, rightEnc, leftEnc := newEncoderCar(t)

	// wheels break free at different speeds
	p := PollerFunc(func() {
		if car.Right().CurrentSpeed >= 27 {
			rightEnc.ticks++
		}
		if car.Left().CurrentSpeed >= 31 {
			leftEnc.ticks++
		}
	})

	if !car.Calibrate(p) {
		t.Fatal("calibration aborted unexpectedly")
	}
	if got := car.Right().StartSpeed; got != 27 {
		t.Errorf("right start speed = %d, want 27", got)
	}
	if got := car.Left().StartSpeed; got != 31 {
		t.Errorf("left start speed = %d, want 31", got)
	}
	if !car.IsStopped() {
		t.Error("car must be stopped after calibration")
	}
}

// latchEncoder mimics hardware edge detection that records at most one
// edge between polls: a raised edge is consumed by the next Ticks call.
type latchEncoder struct {
	edge  bool
	count uint32
}

func (e *latchEncoder) Ticks() uint32 {
	if e.edge {
		e.count++
		e.edge = false
	}
	return e.count
}

func TestCalibrateCountsLatchedTicksDuringSettle(t *testing.T) {
	clock := newFakeClock()
	rightEnc := &latchEncoder{}
	leftEnc := &latchEncoder{}
	right := newTestMotor(t, clock, "right", rightEnc)
	left := newTestMotor(t, clock, "left", leftEnc)
	car := NewCar(right, left, Config{Clock: clock})

	// both wheels really turn from speed 22 on: an edge arrives between
	// any two polls. The latched speed must be 22, not several sweep
	// steps later.
	p := PollerFunc(func() {
		if car.Right().CurrentSpeed >= 22 {
			rightEnc.edge = true
		}
		if car.Left().CurrentSpeed >= 22 {
			leftEnc.edge = true
		}
	})

	if !car.Calibrate(p) {
		t.Fatal("calibration aborted unexpectedly")
	}
	if got := car.Right().StartSpeed; got != 22 {
		t.Errorf("right start speed = %d, want 22", got)
	}
	if got := car.Left().StartSpeed; got != 22 {
		t.Errorf("left start speed = %d, want 22", got)
	}
}

func TestCalibrateAbortsWhenPollerStopsTheCar(t *testing.T) {
	car, _, _, _ := newEncoderCar(t)

	p := PollerFunc(func() { car.Stop(motor.ModeBrake) })
	if car.Calibrate(p) {
		t.Error("calibration must report the abort")
	}
	if car.Right().StartSpeed != 0 {
		t.Errorf("aborted calibration latched start speed %d", car.Right().StartSpeed)
	}
}

func TestCalibrateOnInertialFeedbackLatchesBothSides(t *testing.T) {
	car, _, f := newIMUCar(t)

	p := PollerFunc(func() {
		if car.Right().CurrentSpeed >= 35 {
			f.speed = 12 // car visibly moving
		}
	})

	if !car.Calibrate(p) {
		t.Fatal("calibration aborted unexpectedly")
	}
	if f.offsetRuns != 1 {
		t.Errorf("offset calibration runs = %d, want 1", f.offsetRuns)
	}
	if got := car.Right().StartSpeed; got != 35 {
		t.Errorf("right start speed = %d, want 35", got)
	}
	if got := car.Left().StartSpeed; got != 35 {
		t.Errorf("left start speed = %d, want 35", got)
	}
}

func TestCalibrateFailsWhenOffsetsCannotBeMeasured(t *testing.T) {
	car, _, f := newIMUCar(t)
	f.offsetErr = errNoSamples{}

	if car.Calibrate(nil) {
		t.Error("calibration must fail without sensor offsets")
	}
}

type errNoSamples struct{}

func (errNoSamples) Error() string { return "no samples" }

// --- persistence fan-out ---

func TestSaveAndLoadMotorParameters(t *testing.T) {
	clock := newFakeClock()
	store := motor.NewFileParamsStore(t.TempDir() + "/params.yaml")

	build := func() *Car {
		right, err := motor.NewMotor(&gpio.MockDriver{}, motor.Config{
			ForwardPin: 17, BackwardPin: 27, PWMPin: 12, Side: "right",
			Clock: clock, Store: store,
		})
		if err != nil {
			t.Fatal(err)
		}
		left, err := motor.NewMotor(&gpio.MockDriver{}, motor.Config{
			ForwardPin: 23, BackwardPin: 24, PWMPin: 13, Side: "left",
			Clock: clock, Store: store,
		})
		if err != nil {
			t.Fatal(err)
		}
		return NewCar(right, left, Config{Clock: clock})
	}

	car := build()
	car.SetValuesForFixedDistanceDriving(33, 144, -5)
	if err := car.SaveMotorParameters(); err != nil {
		t.Fatalf("SaveMotorParameters: %v", err)
	}

	fresh := build()
	if err := fresh.LoadMotorParameters(); err != nil {
		t.Fatalf("LoadMotorParameters: %v", err)
	}
	if got := fresh.Left().SpeedCompensation; got != 5 {
		t.Errorf("left compensation = %d, want 5", got)
	}
	if got := fresh.Right().StartSpeed; got != 33 {
		t.Errorf("right start speed = %d, want 33", got)
	}
}
