package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/cjeanneret/DriveGo/internal/config"
	"github.com/cjeanneret/DriveGo/internal/debug"
	"github.com/cjeanneret/DriveGo/internal/hw/gpio"
	"github.com/cjeanneret/DriveGo/internal/hw/imu"
	"github.com/cjeanneret/DriveGo/internal/hw/motor"
	"github.com/cjeanneret/DriveGo/internal/logic/drive"
	"github.com/cjeanneret/DriveGo/internal/logic/geometry"
	"github.com/cjeanneret/DriveGo/internal/logic/sequence"
)

func main() {
	// CLI flags
	cfgPath := flag.String("config", filepath.Join("configs", "default.yaml"), "path to config file")
	mock := flag.Bool("mock", false, "force the mock GPIO driver (overrides config)")
	calibrate := flag.Bool("calibrate", false, "run dead-band calibration and persist the result")
	distanceMm := flag.Int("distance", 0, "drive the given distance in mm (negative = backward)")
	rotateDeg := flag.Int("rotate", 0, "rotate by the given degrees (positive = left)")
	turnMode := flag.String("turn", "in-place", "turn mode for -rotate: forward, backward or in-place")
	speed := flag.Int("speed", 0, "override speed for -distance (1-255, 0 = configured drive speed)")
	runSequence := flag.Bool("sequence", false, "run the sequence scripted in the config file")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Load configuration
	if err := config.ValidateConfigPath(*cfgPath); err != nil {
		log.Fatalf("invalid config path: %v", err)
	}
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}
	if *mock {
		cfg.Defaults.MockGPIO = true
	}
	if *speed < 0 || *speed > 255 {
		log.Fatalf("speed must be between 0 and 255, got %d", *speed)
	}

	// Initialize debug system
	debug.Init(cfg.Defaults.DebugLevel)
	debug.Section("Initialization")
	debug.Value("Config path", *cfgPath)
	debug.Value("Debug level", cfg.Defaults.DebugLevel)
	debug.Value("Feedback source", cfg.Defaults.FeedbackSource)

	// Initialize GPIO driver
	debug.Value("Mock GPIO", cfg.Defaults.MockGPIO)
	debug.Step(1, "Initializing GPIO driver")
	gpioDriver, err := gpio.NewDriver(cfg.Defaults.MockGPIO)
	if err != nil {
		log.Fatalf("init GPIO failed: %v", err)
	}
	defer func() {
		if err := gpioDriver.Close(); err != nil {
			log.Printf("closing GPIO driver failed: %v", err)
		}
	}()

	// Initialize drive motors
	debug.Step(2, "Initializing drive motors")
	calc := geometry.NewCalculator(cfg)
	debug.Value("Millimeter per tick", calc.MillimeterPerTick())
	debug.Value("Degree to millimeter factor", calc.FactorDegreeToMillimeter())
	store := motor.NewFileParamsStore(cfg.Defaults.ParamsFile)

	rightMotor, err := newMotorFromConfig(gpioDriver, cfg, cfg.RightMotor, "right", calc, store)
	if err != nil {
		log.Fatalf("init right motor failed: %v", err)
	}
	debug.PrintStruct("Right motor config", cfg.RightMotor)
	leftMotor, err := newMotorFromConfig(gpioDriver, cfg, cfg.LeftMotor, "left", calc, store)
	if err != nil {
		log.Fatalf("init left motor failed: %v", err)
	}
	debug.PrintStruct("Left motor config", cfg.LeftMotor)

	// Initialize the feedback source
	debug.Step(3, "Initializing feedback source")
	var feedback imu.Source
	if cfg.UseIMU() {
		sampler, err := newIMUSampler(cfg)
		if err != nil {
			log.Fatalf("init IMU failed: %v", err)
		}
		feedback = imu.NewFusion(sampler, cfg.IMUSamplePeriod().Seconds())
		debug.Value("IMU sample period", cfg.IMUSamplePeriod())
	}

	// Assemble the car
	debug.Step(4, "Assembling the car")
	car := drive.NewCar(rightMotor, leftMotor, drive.Config{
		IMU:                      feedback,
		FactorDegreeToMillimeter: calc.FactorDegreeToMillimeter(),
		Events:                   logEvents{},
	})
	applyDefaults(car, cfg)
	if err := car.LoadMotorParameters(); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Fatalf("load motor parameters failed: %v", err)
		}
		debug.Info("No stored motor parameters yet, using configured defaults")
	}

	// stop the wheels no matter how we exit
	defer car.Stop(motor.ModeRelease)

	if err := run(ctx, car, cfg, calc, runOptions{
		calibrate:   *calibrate,
		distanceMm:  *distanceMm,
		rotateDeg:   *rotateDeg,
		turnMode:    *turnMode,
		speed:       uint8(*speed),
		runSequence: *runSequence,
	}); err != nil {
		log.Fatalf("run failed: %v", err)
	}
}

type runOptions struct {
	calibrate   bool
	distanceMm  int
	rotateDeg   int
	turnMode    string
	speed       uint8
	runSequence bool
}

// run executes the requested maneuvers in a fixed order: calibration
// first (it changes the speeds everything else uses), then a distance
// move, a rotation, and finally the scripted sequence.
func run(ctx context.Context, car *drive.Car, cfg *config.Config, calc *geometry.Calculator, opts runOptions) error {
	// a cancelled context stops the car from inside any blocking move
	abort := drive.PollerFunc(func() {
		if ctx.Err() != nil {
			car.Stop(motor.ModeBrake)
		}
	})

	ran := false

	if opts.calibrate {
		debug.Section("Calibration")
		if !car.Calibrate(abort) {
			return errors.New("calibration aborted")
		}
		debug.Value("Right start speed", car.Right().StartSpeed)
		debug.Value("Left start speed", car.Left().StartSpeed)
		if err := car.SaveMotorParameters(); err != nil {
			return err
		}
		ran = true
	}

	if opts.distanceMm != 0 {
		debug.Section("Distance Move")
		speed := opts.speed
		if speed == 0 {
			speed = car.Right().DriveSpeed
		}
		car.StartGoDistanceSigned(speed, opts.distanceMm)
		car.WaitUntilStopped(abort)
		debug.Value("Travelled mm", car.DistanceMillimeter())
		ran = true
	}

	if opts.rotateDeg != 0 {
		debug.Section("Rotation")
		turn, err := parseTurnMode(opts.turnMode)
		if err != nil {
			return err
		}
		deg := opts.rotateDeg
		if deg < 0 {
			deg = -deg
		}
		debug.Value("Arc mm", calc.TurnDistanceMillimeter(uint(deg)))
		car.Rotate(opts.rotateDeg, turn, abort)
		debug.Value("Right wheel arc mm", calc.MillimeterFromTicks(car.DistanceCount()))
		ran = true
	}

	if opts.runSequence {
		if len(cfg.Sequence) == 0 {
			return errors.New("-sequence requested but the config has no sequence")
		}
		if err := sequence.NewRunner(car).Run(ctx, cfg.Sequence); err != nil {
			return err
		}
		ran = true
	}

	if !ran {
		debug.Info("Nothing to do: pass -calibrate, -distance, -rotate or -sequence")
	}
	return ctx.Err()
}

func parseTurnMode(mode string) (drive.TurnDirection, error) {
	switch mode {
	case "forward":
		return drive.TurnForward, nil
	case "backward":
		return drive.TurnBackward, nil
	case "in-place":
		return drive.TurnInPlace, nil
	}
	return 0, errors.New("turn mode must be forward, backward or in-place")
}

// mockFullSpeedMmPerSecond is the assumed wheel speed of the simulated
// encoder at full PWM duty.
const mockFullSpeedMmPerSecond = 1000

// simEncoderRate derives the simulated tick rate at full duty from the
// car geometry, falling back to a plausible rate when the config carries
// no encoder geometry.
func simEncoderRate(calc *geometry.Calculator) float64 {
	rate := float64(calc.TicksFromMillimeter(mockFullSpeedMmPerSecond))
	if rate <= 0 {
		rate = 500
	}
	return rate
}

// newMotorFromConfig wires one motor: encoder (real edge detection, or a
// simulated wheel under the mock driver), H-bridge pins and persistence.
func newMotorFromConfig(g gpio.Driver, cfg *config.Config, mc config.MotorConfig, side string,
	calc *geometry.Calculator, store motor.ParamsStore) (*motor.Motor, error) {

	var enc motor.Encoder
	if mc.EncoderPin > 0 {
		if cfg.Defaults.MockGPIO {
			// the mock driver never reports edges; simulate a wheel
			// that follows its commanded duty instead
			enc = motor.NewSimEncoder(simEncoderRate(calc), nil)
		} else {
			e, err := motor.NewGPIOEncoder(g, mc.EncoderPin)
			if err != nil {
				return nil, err
			}
			enc = e
		}
	}

	return motor.NewMotor(g, motor.Config{
		ForwardPin:        mc.ForwardPin,
		BackwardPin:       mc.BackwardPin,
		PWMPin:            mc.PWMPin,
		PWMFrequencyHz:    cfg.Defaults.PWMFrequencyHz,
		Side:              side,
		Encoder:           enc,
		MillimeterPerTick: calc.MillimeterPerTick(),
		Store:             store,
	})
}

// newIMUSampler opens the inertial sensor. There is no mock I2C bus, so
// inertial feedback requires real hardware.
func newIMUSampler(cfg *config.Config) (imu.Sampler, error) {
	if cfg.Defaults.MockGPIO {
		return nil, errors.New("inertial feedback is not available with the mock GPIO driver, use encoder feedback")
	}
	return imu.NewMPU6050("/dev/i2c-1", imu.DefaultMPU6050Address, cfg.IMUSamplePeriod())
}

// logEvents traces value-change notifications. Persistence stays an
// explicit operator action (-calibrate saves), so the listener only
// narrates.
type logEvents struct{}

func (logEvents) ControlValuesChanged() { debug.Trace("control values changed") }
func (logEvents) SensorValuesChanged()  { debug.Trace("sensor values changed") }

// applyDefaults pushes the configured tuning values onto the car.
func applyDefaults(car *drive.Car, cfg *config.Config) {
	if cfg.Defaults.StartSpeed > 0 {
		car.SetStartSpeed(uint8(cfg.Defaults.StartSpeed))
	}
	if cfg.Defaults.DriveSpeed > 0 {
		car.SetDriveSpeed(uint8(cfg.Defaults.DriveSpeed))
	}
	if c := cfg.Defaults.SpeedCompensation; c != 0 {
		car.ChangeSpeedCompensation(int8(c))
	}
	if cfg.Defaults.StopMode == "brake" {
		car.SetStopMode(motor.ModeBrake)
	}
}
