// Package sequence runs scripted demo drives: a list of configured
// steps (drive, rotate, pause) executed against the car.
package sequence

import (
	"context"
	"fmt"
	"time"

	"github.com/cjeanneret/DriveGo/internal/config"
	"github.com/cjeanneret/DriveGo/internal/debug"
	"github.com/cjeanneret/DriveGo/internal/hw/motor"
	"github.com/cjeanneret/DriveGo/internal/logic/drive"
)

// Runner executes a scripted sequence against one car.
type Runner struct {
	car *drive.Car
}

func NewRunner(car *drive.Car) *Runner {
	return &Runner{car: car}
}

// Run executes the steps in order. Cancelling the context stops the car
// and aborts between (and during) steps; the blocking moves service the
// context through the car's poller.
func (r *Runner) Run(ctx context.Context, steps []config.StepConfig) error {
	debug.Section("Running Sequence")

	// blocking moves poll this so a cancellation also interrupts a
	// move already in flight
	abort := drive.PollerFunc(func() {
		if ctx.Err() != nil {
			r.car.Stop(motor.ModeBrake)
		}
	})

	for i, step := range steps {
		if err := ctx.Err(); err != nil {
			r.car.Stop(motor.ModeBrake)
			return err
		}
		debug.Step(i+1, describe(step))

		switch step.Action {
		case "drive":
			r.drive(step, abort)
		case "rotate":
			r.rotate(step, abort)
		case "pause":
			r.pause(ctx, step)
		default:
			return fmt.Errorf("sequence step %d: unknown action %q", i+1, step.Action)
		}
	}

	r.car.StopAndWaitForIt(abort)
	debug.Live("Sequence complete")
	return ctx.Err()
}

func (r *Runner) drive(step config.StepConfig, p drive.Poller) {
	speed := uint8(step.Speed)
	if speed == 0 {
		speed = r.car.Right().DriveSpeed
	}
	r.car.StartGoDistanceSigned(speed, step.DistanceMm)
	r.car.WaitUntilStopped(p)
}

func (r *Runner) rotate(step config.StepConfig, p drive.Poller) {
	r.car.Rotate(step.Degrees, turnDirection(step.TurnMode), p)
}

func (r *Runner) pause(ctx context.Context, step config.StepConfig) {
	d := time.Duration(step.PauseMs) * time.Millisecond
	debug.Verbose("Pausing for %v", d)
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

func turnDirection(mode string) drive.TurnDirection {
	switch mode {
	case "forward":
		return drive.TurnForward
	case "backward":
		return drive.TurnBackward
	default:
		return drive.TurnInPlace
	}
}

func describe(step config.StepConfig) string {
	switch step.Action {
	case "drive":
		return fmt.Sprintf("drive %d mm", step.DistanceMm)
	case "rotate":
		return fmt.Sprintf("rotate %d degrees (%s)", step.Degrees, step.TurnMode)
	case "pause":
		return fmt.Sprintf("pause %d ms", step.PauseMs)
	}
	return step.Action
}
