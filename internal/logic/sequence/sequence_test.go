package sequence

import (
	"context"
	"testing"
	"time"

	"github.com/cjeanneret/DriveGo/internal/config"
	"github.com/cjeanneret/DriveGo/internal/hw/gpio"
	"github.com/cjeanneret/DriveGo/internal/hw/motor"
	"github.com/cjeanneret/DriveGo/internal/logic/drive"
)

// fakeClock advances only on Sleep so the blocking moves terminate
// deterministically.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time        { return c.t }
func (c *fakeClock) Sleep(d time.Duration) { c.t = c.t.Add(d) }

func newTestCar(t *testing.T) *drive.Car {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	newMotor := func(side string, fwd, bwd, pwm int) *motor.Motor {
		m, err := motor.NewMotor(&gpio.MockDriver{}, motor.Config{
			ForwardPin: fwd, BackwardPin: bwd, PWMPin: pwm,
			Side:              side,
			Encoder:           motor.NewSimEncoder(500, clock),
			MillimeterPerTick: 5.0,
			Clock:             clock,
		})
		if err != nil {
			t.Fatalf("NewMotor(%s): %v", side, err)
		}
		return m
	}
	right := newMotor("right", 17, 27, 12)
	left := newMotor("left", 23, 24, 13)
	return drive.NewCar(right, left, drive.Config{Clock: clock})
}

func TestRun_DriveRotatePause(t *testing.T) {
	car := newTestCar(t)
	r := NewRunner(car)

	steps := []config.StepConfig{
		{Action: "drive", DistanceMm: 200},
		{Action: "rotate", Degrees: 90, TurnMode: "in-place"},
		{Action: "pause", PauseMs: 1},
		{Action: "drive", DistanceMm: -100, Speed: 120},
	}

	if err := r.Run(context.Background(), steps); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !car.IsStopped() {
		t.Error("car must be stopped after the sequence")
	}
}

func TestRun_BackwardDriveSelectsDirection(t *testing.T) {
	car := newTestCar(t)
	r := NewRunner(car)

	steps := []config.StepConfig{{Action: "drive", DistanceMm: -150}}
	if err := r.Run(context.Background(), steps); err != nil {
		t.Fatalf("Run: %v", err)
	}
	// the car reversed and came to a releasing stop
	if got := car.DirectionOrBrakeMode(); got != motor.ModeRelease {
		t.Errorf("final mode = %v, want release", got)
	}
}

func TestRun_CancelledContextAborts(t *testing.T) {
	car := newTestCar(t)
	r := NewRunner(car)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	steps := []config.StepConfig{{Action: "drive", DistanceMm: 200}}
	if err := r.Run(ctx, steps); err != context.Canceled {
		t.Fatalf("Run = %v, want context.Canceled", err)
	}
	if !car.IsStopped() {
		t.Error("aborted sequence must leave the car stopped")
	}
}

func TestRun_UnknownActionFails(t *testing.T) {
	car := newTestCar(t)
	r := NewRunner(car)

	steps := []config.StepConfig{{Action: "launch"}}
	if err := r.Run(context.Background(), steps); err == nil {
		t.Fatal("expected an error for an unknown action")
	}
}

func TestRun_EmptySequence(t *testing.T) {
	car := newTestCar(t)
	r := NewRunner(car)

	if err := r.Run(context.Background(), nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
}
