package motor

import (
	"time"

	"github.com/cjeanneret/DriveGo/internal/hw/gpio"
)

// Encoder supplies a monotonically increasing tick count for one wheel.
// Ticks() may poll hardware, so it must be called at a high rate to avoid
// losing edges.
type Encoder interface {
	Ticks() uint32
}

// GPIOEncoder counts rising edges on a slot-type optocoupler pin.
// go-rpio edge detection latches a single edge between polls, so Ticks
// must be called faster than the slot frequency of the encoder disc.
type GPIOEncoder struct {
	gpio  gpio.Driver
	pin   int
	count uint32
}

// NewGPIOEncoder arms edge detection on the given pin.
func NewGPIOEncoder(g gpio.Driver, pin int) (*GPIOEncoder, error) {
	if err := g.WatchPin(pin); err != nil {
		return nil, err
	}
	return &GPIOEncoder{gpio: g, pin: pin}, nil
}

func (e *GPIOEncoder) Ticks() uint32 {
	detected, err := e.gpio.PollEdge(e.pin)
	if err == nil && detected {
		e.count++
	}
	return e.count
}

// SimEncoder is a software encoder for development without hardware.
// Ticks advance proportionally to the speed last observed from its motor,
// emulating a wheel that follows its commanded PWM duty.
type SimEncoder struct {
	clock Clock

	// TicksPerSecondAtFullSpeed is the simulated tick rate when the
	// motor is commanded at MaxSpeed.
	TicksPerSecondAtFullSpeed float64

	speed      uint8
	last       time.Time
	fractional float64
	count      uint32
}

// NewSimEncoder creates a simulated encoder. clock may be nil for wall time.
func NewSimEncoder(ticksPerSecondAtFullSpeed float64, clock Clock) *SimEncoder {
	if clock == nil {
		clock = RealClock()
	}
	return &SimEncoder{
		clock:                     clock,
		TicksPerSecondAtFullSpeed: ticksPerSecondAtFullSpeed,
		last:                      clock.Now(),
	}
}

// ObserveSpeed is called by the driving motor whenever it applies a new
// PWM duty. Accumulates ticks for the elapsed period at the old speed.
func (e *SimEncoder) ObserveSpeed(speed uint8) {
	e.accumulate()
	e.speed = speed
}

func (e *SimEncoder) Ticks() uint32 {
	e.accumulate()
	return e.count
}

func (e *SimEncoder) accumulate() {
	now := e.clock.Now()
	elapsed := now.Sub(e.last).Seconds()
	e.last = now
	if e.speed == 0 || elapsed <= 0 {
		return
	}
	e.fractional += elapsed * e.TicksPerSecondAtFullSpeed * float64(e.speed) / float64(MaxSpeed)
	whole := uint32(e.fractional)
	e.fractional -= float64(whole)
	e.count += whole
}

// speedObserver lets an encoder implementation follow the duty its motor
// applies; only the simulated encoder cares.
type speedObserver interface {
	ObserveSpeed(speed uint8)
}
