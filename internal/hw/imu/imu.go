// Package imu provides the fused inertial motion estimate used as an
// alternative feedback source to wheel encoders: forward speed, cumulative
// turn angle and cumulative distance since the last reset.
package imu

import (
	"fmt"

	"github.com/cjeanneret/DriveGo/internal/debug"
)

// Source is the feedback contract consumed by the drive layer.
type Source interface {
	// Reset clears the cumulative speed, distance and turn state.
	// Called when a new move starts.
	Reset()
	// Poll consumes pending raw samples and returns true if any new
	// data was integrated.
	Poll() bool
	// SpeedCmPerSecond returns the current forward speed (signed;
	// negative while rolling backward).
	SpeedCmPerSecond() int
	// TurnHalfDegrees returns the cumulative turn angle since Reset,
	// in half-degree units (signed).
	TurnHalfDegrees() int
	// DistanceMillimeter returns the cumulative distance since Reset.
	DistanceMillimeter() uint
	// ComputeOffsets measures the stationary sensor bias. Only valid
	// while the car is not moving.
	ComputeOffsets() error
}

// Sample is one raw inertial reading.
type Sample struct {
	// AccelForward is the forward acceleration in cm/s².
	AccelForward float64
	// GyroZ is the yaw rate in degrees per second (positive = left).
	GyroZ float64
}

// Sampler produces raw samples at a fixed rate (e.g. an MPU6050 FIFO
// drained over I²C).
type Sampler interface {
	// Sample returns the next pending raw sample, ok=false when the
	// FIFO is empty.
	Sample() (s Sample, ok bool)
}

// offsetSampleCount is how many stationary samples are averaged into the
// bias offsets.
const offsetSampleCount = 32

// Fusion integrates raw accelerometer/gyro samples into speed, distance
// and turn angle. All samples are assumed equally spaced by the sampler's
// fixed period.
type Fusion struct {
	sampler      Sampler
	samplePeriod float64 // seconds

	accelOffset float64
	gyroOffset  float64
	haveOffsets bool

	speedCmPerSecond float64
	distanceMm       float64
	turnHalfDegrees  float64
}

// NewFusion creates a fusion source draining the given sampler.
// samplePeriodSeconds is the fixed spacing between raw samples.
func NewFusion(sampler Sampler, samplePeriodSeconds float64) *Fusion {
	return &Fusion{
		sampler:      sampler,
		samplePeriod: samplePeriodSeconds,
	}
}

func (f *Fusion) Reset() {
	f.speedCmPerSecond = 0
	f.distanceMm = 0
	f.turnHalfDegrees = 0
}

// Poll drains all pending samples and integrates them. Integration is
// gated on computed offsets: without a stationary bias measurement the
// raw data would drift immediately.
func (f *Fusion) Poll() bool {
	consumed := false
	for {
		s, ok := f.sampler.Sample()
		if !ok {
			break
		}
		consumed = true
		if !f.haveOffsets {
			continue
		}
		f.speedCmPerSecond += (s.AccelForward - f.accelOffset) * f.samplePeriod
		speed := f.speedCmPerSecond
		if speed < 0 {
			speed = -speed
		}
		f.distanceMm += speed * 10 * f.samplePeriod
		f.turnHalfDegrees += (s.GyroZ - f.gyroOffset) * 2 * f.samplePeriod
	}
	if consumed {
		debug.IMU(f.SpeedCmPerSecond(), f.TurnHalfDegrees(), f.DistanceMillimeter())
	}
	return consumed
}

func (f *Fusion) SpeedCmPerSecond() int {
	return int(f.speedCmPerSecond)
}

func (f *Fusion) TurnHalfDegrees() int {
	return int(f.turnHalfDegrees)
}

func (f *Fusion) DistanceMillimeter() uint {
	if f.distanceMm < 0 {
		return 0
	}
	return uint(f.distanceMm)
}

// ComputeOffsets averages a window of samples into the stationary bias.
// The car must not be moving while this runs.
func (f *Fusion) ComputeOffsets() error {
	var accelSum, gyroSum float64
	n := 0
	for n < offsetSampleCount {
		s, ok := f.sampler.Sample()
		if !ok {
			break
		}
		accelSum += s.AccelForward
		gyroSum += s.GyroZ
		n++
	}
	if n == 0 {
		return fmt.Errorf("imu: no samples available for offset measurement")
	}
	f.accelOffset = accelSum / float64(n)
	f.gyroOffset = gyroSum / float64(n)
	f.haveOffsets = true
	debug.Info("IMU offsets: accel=%.3f cm/s² gyro=%.3f deg/s (%d samples)", f.accelOffset, f.gyroOffset, n)
	return nil
}
