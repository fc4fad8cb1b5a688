package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Feedback source selection: the car estimates its motion from either
// per-wheel encoder ticks or a fused inertial sensor, never both.
const (
	FeedbackEncoder = "encoder"
	FeedbackIMU     = "imu"
)

// MotorConfig holds the H-bridge wiring for one drive motor.
type MotorConfig struct {
	ForwardPin  int `yaml:"forward_pin"`
	BackwardPin int `yaml:"backward_pin"`
	PWMPin      int `yaml:"pwm_pin"`      // hardware PWM capable BCM pin (12, 13, 18, 19)
	EncoderPin  int `yaml:"encoder_pin"`  // slot optocoupler input. 0 = no encoder
}

// GeometryConfig describes the physical car.
type GeometryConfig struct {
	WheelDiameterMm    float64 `yaml:"wheel_diameter_mm"`
	TicksPerRevolution int     `yaml:"ticks_per_revolution"` // encoder slots per wheel revolution
	TrackWidthMm       float64 `yaml:"track_width_mm"`       // distance between the two wheels
	FourWheel          bool    `yaml:"four_wheel"`           // 4WD cars scrub more while turning
}

// IMUConfig is only used when the feedback source is "imu".
type IMUConfig struct {
	SamplePeriodMs float64 `yaml:"sample_period_ms"` // fixed raw-sample spacing
}

// StepConfig is one entry of a scripted demo sequence.
type StepConfig struct {
	Action     string `yaml:"action"`                // "drive", "rotate" or "pause"
	DistanceMm int    `yaml:"distance_mm,omitempty"` // signed; negative drives backward
	Degrees    int    `yaml:"degrees,omitempty"`     // signed; positive turns left
	TurnMode   string `yaml:"turn_mode,omitempty"`   // "forward", "backward" or "in-place"
	Speed      int    `yaml:"speed,omitempty"`       // 0 = configured drive speed
	PauseMs    int    `yaml:"pause_ms,omitempty"`
}

// DefaultsConfig contains generic parameters (speeds, feedback, debug).
type DefaultsConfig struct {
	StartSpeed        int    `yaml:"start_speed"`        // dead band before calibration (0 = library default)
	DriveSpeed        int    `yaml:"drive_speed"`        // cruising speed (0 = library default)
	SpeedCompensation int    `yaml:"speed_compensation"` // signed; positive biases the right motor
	StopMode          string `yaml:"stop_mode"`          // "brake" or "release"
	FeedbackSource    string `yaml:"feedback_source"`    // "encoder" or "imu"
	PWMFrequencyHz    int    `yaml:"pwm_frequency_hz"`   // motor PWM base frequency
	ParamsFile        string `yaml:"params_file"`        // persisted motor tuning records
	DebugLevel        int    `yaml:"debug_level"`        // debug level 0-4 (0=off, 1=info, 2=live, 3=verbose, 4=trace)
	MockGPIO          bool   `yaml:"mock_gpio"`          // use mock GPIO (true=dev/test, false=real Raspberry Pi)
}

// Config aggregates all application configuration.
type Config struct {
	LeftMotor  MotorConfig    `yaml:"left_motor"`
	RightMotor MotorConfig    `yaml:"right_motor"`
	Geometry   GeometryConfig `yaml:"geometry"`
	IMU        *IMUConfig     `yaml:"imu,omitempty"` // optional
	Defaults   DefaultsConfig `yaml:"defaults"`
	Sequence   []StepConfig   `yaml:"sequence,omitempty"` // optional demo script
}

// ValidateConfigPath checks that a user-supplied config path is a .yaml
// file inside a configs/ directory, rejecting traversal attempts.
func ValidateConfigPath(path string) error {
	if path == "" {
		return fmt.Errorf("config path is empty")
	}
	abs, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}
	if filepath.Ext(abs) != ".yaml" {
		return fmt.Errorf("config file must have a .yaml extension: %s", path)
	}
	if filepath.Base(filepath.Dir(abs)) != "configs" {
		return fmt.Errorf("config file must live in a configs/ directory: %s", path)
	}
	return nil
}

// Load reads a YAML file and returns the configuration.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}

	// Basic validation
	for side, m := range map[string]MotorConfig{"left_motor": cfg.LeftMotor, "right_motor": cfg.RightMotor} {
		if m.ForwardPin <= 0 || m.BackwardPin <= 0 || m.PWMPin <= 0 {
			return nil, fmt.Errorf("%s: forward_pin, backward_pin and pwm_pin are required", side)
		}
	}

	if cfg.Defaults.FeedbackSource == "" {
		cfg.Defaults.FeedbackSource = FeedbackEncoder
	}
	switch cfg.Defaults.FeedbackSource {
	case FeedbackEncoder:
		if cfg.LeftMotor.EncoderPin <= 0 || cfg.RightMotor.EncoderPin <= 0 {
			return nil, fmt.Errorf("feedback_source %q requires encoder_pin on both motors", FeedbackEncoder)
		}
		if cfg.Geometry.WheelDiameterMm <= 0 || cfg.Geometry.TicksPerRevolution <= 0 {
			return nil, fmt.Errorf("feedback_source %q requires wheel_diameter_mm and ticks_per_revolution", FeedbackEncoder)
		}
	case FeedbackIMU:
		if cfg.IMU == nil {
			cfg.IMU = &IMUConfig{}
		}
		if cfg.IMU.SamplePeriodMs <= 0 {
			cfg.IMU.SamplePeriodMs = 8 // MPU6050 FIFO at 125 Hz
		}
	default:
		return nil, fmt.Errorf("feedback_source must be %q or %q, got %q", FeedbackEncoder, FeedbackIMU, cfg.Defaults.FeedbackSource)
	}

	if cfg.Geometry.TrackWidthMm < 0 {
		return nil, fmt.Errorf("track_width_mm must be >= 0, got %.2f", cfg.Geometry.TrackWidthMm)
	}

	if cfg.Defaults.StartSpeed < 0 || cfg.Defaults.StartSpeed > 255 {
		return nil, fmt.Errorf("start_speed must be between 0 and 255, got %d", cfg.Defaults.StartSpeed)
	}
	if cfg.Defaults.DriveSpeed < 0 || cfg.Defaults.DriveSpeed > 255 {
		return nil, fmt.Errorf("drive_speed must be between 0 and 255, got %d", cfg.Defaults.DriveSpeed)
	}
	if cfg.Defaults.SpeedCompensation < -127 || cfg.Defaults.SpeedCompensation > 127 {
		return nil, fmt.Errorf("speed_compensation must be between -127 and 127, got %d", cfg.Defaults.SpeedCompensation)
	}

	if cfg.Defaults.StopMode == "" {
		cfg.Defaults.StopMode = "release"
	}
	if cfg.Defaults.StopMode != "brake" && cfg.Defaults.StopMode != "release" {
		return nil, fmt.Errorf("stop_mode must be \"brake\" or \"release\", got %q", cfg.Defaults.StopMode)
	}

	if cfg.Defaults.PWMFrequencyHz <= 0 {
		cfg.Defaults.PWMFrequencyHz = 1000 // reasonable default above audible whine
	}
	if cfg.Defaults.ParamsFile == "" {
		cfg.Defaults.ParamsFile = "motor_params.yaml"
	}

	for i, step := range cfg.Sequence {
		switch step.Action {
		case "drive", "pause":
		case "rotate":
			switch step.TurnMode {
			case "", "forward", "backward", "in-place":
			default:
				return nil, fmt.Errorf("sequence step %d: unknown turn_mode %q", i, step.TurnMode)
			}
		default:
			return nil, fmt.Errorf("sequence step %d: unknown action %q", i, step.Action)
		}
		if step.Speed < 0 || step.Speed > 255 {
			return nil, fmt.Errorf("sequence step %d: speed must be between 0 and 255, got %d", i, step.Speed)
		}
	}

	return &cfg, nil
}

// UseIMU returns true when the fused inertial sensor is the feedback source.
func (c *Config) UseIMU() bool {
	return c.Defaults.FeedbackSource == FeedbackIMU
}

// IMUSamplePeriod returns the raw-sample spacing as a duration.
func (c *Config) IMUSamplePeriod() time.Duration {
	if c.IMU == nil {
		return 0
	}
	return time.Duration(c.IMU.SamplePeriodMs * float64(time.Millisecond))
}
