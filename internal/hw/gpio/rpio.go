package gpio

import (
	"fmt"

	"github.com/cjeanneret/DriveGo/internal/debug"
	"github.com/stianeikeland/go-rpio/v4"
)

// RPiDriver is the real implementation for Raspberry Pi using go-rpio.
type RPiDriver struct {
	pins    map[int]rpio.Pin
	pwmPins map[int]rpio.Pin
}

// NewRPiRealDriver creates a real GPIO driver for Raspberry Pi.
// Requires running on a Raspberry Pi with access to /dev/gpiomem or as root.
func NewRPiRealDriver() (*RPiDriver, error) {
	debug.Info("Initializing real GPIO driver (go-rpio)")

	if err := rpio.Open(); err != nil {
		return nil, fmt.Errorf("failed to open GPIO: %w (are you running on a Raspberry Pi?)", err)
	}

	debug.Verbose("GPIO memory mapped successfully")

	return &RPiDriver{
		pins:    make(map[int]rpio.Pin),
		pwmPins: make(map[int]rpio.Pin),
	}, nil
}

func (r *RPiDriver) SetupPin(pin int, mode PinMode) error {
	debug.GPIO("SetupPin", pin, mode)

	p := rpio.Pin(pin)
	r.pins[pin] = p

	switch mode {
	case Input:
		p.Input()
	case Output:
		p.Output()
	default:
		return fmt.Errorf("unknown pin mode: %d", mode)
	}

	return nil
}

func (r *RPiDriver) WritePin(pin int, level Level) error {
	debug.GPIO("WritePin", pin, level)

	p, ok := r.pins[pin]
	if !ok {
		// Pin not setup yet, setup as output
		if err := r.SetupPin(pin, Output); err != nil {
			return err
		}
		p = r.pins[pin]
	}

	if level == High {
		p.High()
	} else {
		p.Low()
	}

	return nil
}

func (r *RPiDriver) ReadPin(pin int) (Level, error) {
	debug.GPIO("ReadPin", pin, nil)

	p, ok := r.pins[pin]
	if !ok {
		// Pin not setup yet, setup as input
		if err := r.SetupPin(pin, Input); err != nil {
			return Low, err
		}
		p = r.pins[pin]
	}

	state := p.Read()
	if state == rpio.High {
		return High, nil
	}
	return Low, nil
}

// SetupPWMPin puts a pin into hardware PWM mode. Only the PWM-capable
// BCM pins (12, 13, 18, 19) can be used here; go-rpio silently ignores
// Pwm() on other pins, so we reject them early.
func (r *RPiDriver) SetupPWMPin(pin int, freqHz int) error {
	debug.GPIO("SetupPWMPin", pin, freqHz)

	switch pin {
	case 12, 13, 18, 19:
	default:
		return fmt.Errorf("pin %d is not hardware PWM capable", pin)
	}

	p := rpio.Pin(pin)
	p.Pwm()
	// go-rpio wants the counter clock, i.e. cycle frequency times the
	// number of duty steps per cycle.
	p.Freq(freqHz * PWMCycleLength)
	p.DutyCycle(0, PWMCycleLength)
	r.pwmPins[pin] = p

	return nil
}

func (r *RPiDriver) WritePWMDuty(pin int, duty uint32) error {
	debug.GPIO("WritePWMDuty", pin, duty)

	p, ok := r.pwmPins[pin]
	if !ok {
		return fmt.Errorf("pin %d was not configured for PWM", pin)
	}
	if duty >= PWMCycleLength {
		duty = PWMCycleLength - 1
	}
	p.DutyCycle(duty, PWMCycleLength)

	return nil
}

func (r *RPiDriver) WatchPin(pin int) error {
	debug.GPIO("WatchPin", pin, nil)

	if err := r.SetupPin(pin, Input); err != nil {
		return err
	}
	p := r.pins[pin]
	p.PullUp()
	p.Detect(rpio.RiseEdge)

	return nil
}

func (r *RPiDriver) PollEdge(pin int) (bool, error) {
	p, ok := r.pins[pin]
	if !ok {
		return false, fmt.Errorf("pin %d was not armed with WatchPin", pin)
	}
	return p.EdgeDetected(), nil
}

func (r *RPiDriver) Close() error {
	debug.Trace("GPIO Close (real driver)")

	// Stop edge detection and reset all pins to input (safe state)
	for pin, p := range r.pins {
		debug.Verbose("Resetting pin %d to input", pin)
		p.Detect(rpio.NoEdge)
		p.Input()
	}
	for pin, p := range r.pwmPins {
		debug.Verbose("Resetting PWM pin %d", pin)
		p.DutyCycle(0, PWMCycleLength)
		p.Input()
	}

	return rpio.Close()
}
