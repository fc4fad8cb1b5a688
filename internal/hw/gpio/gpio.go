package gpio

import (
	"github.com/cjeanneret/DriveGo/internal/debug"
)

// Level represents the logical state of a GPIO pin.
type Level bool

const (
	Low  Level = false
	High Level = true
)

// PinMode indicates whether a GPIO is input or output.
type PinMode int

const (
	Input PinMode = iota
	Output
)

// PWMCycleLength is the duty-cycle resolution used for motor speed pins.
// A duty value of 0..255 maps directly onto an 8 bit PWM command.
const PWMCycleLength = 256

// Driver defines the abstract interface for controlling GPIOs.
// This allows plugging in a real Raspberry Pi implementation
// or a mock for development on PC.
type Driver interface {
	SetupPin(pin int, mode PinMode) error
	WritePin(pin int, level Level) error
	ReadPin(pin int) (Level, error)

	// SetupPWMPin configures a hardware PWM pin with the given base
	// frequency. Duty values written afterwards range 0..PWMCycleLength-1.
	SetupPWMPin(pin int, freqHz int) error
	WritePWMDuty(pin int, duty uint32) error

	// WatchPin arms rising-edge detection on an input pin (encoder
	// channels). PollEdge reports and clears the detected flag.
	WatchPin(pin int) error
	PollEdge(pin int) (bool, error)

	Close() error
}

// MockDriver is a test implementation that simply logs actions.
// Used for development on PC or testing.
type MockDriver struct{}

// NewDriver creates a GPIO driver based on the chosen mode.
// If mock is true, returns a MockDriver (for dev/test).
// If mock is false, returns a real RPiDriver (for Raspberry Pi).
func NewDriver(mock bool) (Driver, error) {
	if mock {
		debug.Info("Using MOCK GPIO driver (development mode)")
		return &MockDriver{}, nil
	}
	return NewRPiRealDriver()
}

func (m *MockDriver) SetupPin(pin int, mode PinMode) error {
	debug.GPIO("SetupPin", pin, mode)
	return nil
}

func (m *MockDriver) WritePin(pin int, level Level) error {
	debug.GPIO("WritePin", pin, level)
	return nil
}

func (m *MockDriver) ReadPin(pin int) (Level, error) {
	debug.GPIO("ReadPin", pin, nil)
	return Low, nil
}

func (m *MockDriver) SetupPWMPin(pin int, freqHz int) error {
	debug.GPIO("SetupPWMPin", pin, freqHz)
	return nil
}

func (m *MockDriver) WritePWMDuty(pin int, duty uint32) error {
	debug.GPIO("WritePWMDuty", pin, duty)
	return nil
}

func (m *MockDriver) WatchPin(pin int) error {
	debug.GPIO("WatchPin", pin, nil)
	return nil
}

func (m *MockDriver) PollEdge(pin int) (bool, error) {
	debug.GPIO("PollEdge", pin, nil)
	return false, nil
}

func (m *MockDriver) Close() error {
	debug.Trace("GPIO Close (mock)")
	return nil
}
