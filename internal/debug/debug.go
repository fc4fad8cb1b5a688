package debug

import (
	"fmt"
	"log"
	"os"
)

// Debug levels
const (
	LevelOff     = 0 // No output
	LevelInfo    = 1 // Important info (calibration results, move summaries)
	LevelLive    = 2 // Live info (moves started, mode changes)
	LevelVerbose = 3 // Verbose (speed allocation, turn distances, ramp states)
	LevelTrace   = 4 // Trace (GPIO, PWM, encoder edges, very low level)
)

var (
	level  int
	logger *log.Logger
)

// Init initializes the debug system with a level (0-4).
// 0 = no output
// 1 = important info (calibration results, move summaries)
// 2 = live info (moves, direction changes)
// 3 = verbose (per-motor speeds, turn math, ramp transitions)
// 4 = trace (GPIO, PWM duty, encoder ticks, very low level)
func Init(debugLevel int) {
	level = debugLevel
	if level > LevelOff {
		logger = log.New(os.Stdout, "[DriveGo] ", log.LstdFlags|log.Lmicroseconds)
	}
}

// Level returns the current debug level.
func Level() int {
	return level
}

// IsEnabled returns true if debug level is >= the requested level.
func IsEnabled(minLevel int) bool {
	return level >= minLevel
}

// --- Level 1 functions (Info): important info ---

// Info prints a level 1 message (important info).
func Info(format string, args ...interface{}) {
	if level >= LevelInfo && logger != nil {
		logger.Printf("[INFO] "+format, args...)
	}
}

// Summary prints an important summary (level 1).
func Summary(title string) {
	if level >= LevelOff && logger != nil {
		logger.Printf("═══════════════════════════════════════")
		logger.Printf("  %s", title)
		logger.Printf("═══════════════════════════════════════")
	}
}

// Calibration prints a calibration result for one side (level 1).
func Calibration(side string, startSpeed uint8) {
	if level >= LevelInfo && logger != nil {
		logger.Printf("[INFO] Calibration: %s motor start speed = %d", side, startSpeed)
	}
}

// Value prints a named value in formatted form (level 1).
func Value(name string, value interface{}) {
	if level >= LevelInfo && logger != nil {
		logger.Printf("[INFO]   %s = %v", name, value)
	}
}

// --- Level 2 functions (Live): real-time info ---

// Live prints a level 2 message (live info).
func Live(format string, args ...interface{}) {
	if level >= LevelLive && logger != nil {
		logger.Printf("[LIVE] "+format, args...)
	}
}

// Move prints the start of a distance move (level 2).
func Move(distanceMm uint, speed uint8, direction string) {
	if level >= LevelLive && logger != nil {
		logger.Printf("[LIVE] Drive %d mm at speed %d (%s)", distanceMm, speed, direction)
	}
}

// Turn prints the start of a rotation (level 2).
func Turn(degrees int, mode string) {
	if level >= LevelLive && logger != nil {
		logger.Printf("[LIVE] Rotate %d degrees (%s)", degrees, mode)
	}
}

// Mode prints a vehicle direction/brake mode change (level 2).
func Mode(from, to string) {
	if level >= LevelLive && logger != nil {
		logger.Printf("[LIVE] Car mode change: %s -> %s", from, to)
	}
}

// --- Level 3 functions (Verbose): everything ---

// Verbose prints a level 3 message (verbose).
func Verbose(format string, args ...interface{}) {
	if level >= LevelVerbose && logger != nil {
		logger.Printf("[VERBOSE] "+format, args...)
	}
}

// Print prints a level 3 message (alias for Verbose).
func Print(format string, args ...interface{}) {
	Verbose(format, args...)
}

// Printf is an alias for Print for compatibility.
func Printf(format string, args ...interface{}) {
	Verbose(format, args...)
}

// PrintStruct prints a struct in formatted form (level 3).
func PrintStruct(name string, v interface{}) {
	if level >= LevelVerbose && logger != nil {
		logger.Printf("[VERBOSE] %s: %+v", name, v)
	}
}

// Motor prints a per-motor speed command (level 3).
func Motor(side string, speed uint8, mode string) {
	if level >= LevelVerbose && logger != nil {
		logger.Printf("[VERBOSE] Motor %s: speed=%d mode=%s", side, speed, mode)
	}
}

// Ramp prints a ramp state transition (level 3).
func Ramp(side string, from, to string) {
	if level >= LevelVerbose && logger != nil {
		logger.Printf("[VERBOSE] Motor %s ramp: %s -> %s", side, from, to)
	}
}

// Section prints a section separator (level 3).
func Section(name string) {
	if level >= LevelVerbose && logger != nil {
		logger.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
		logger.Printf("  %s", name)
		logger.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	}
}

// Step prints a numbered step (level 3).
func Step(num int, description string) {
	if level >= LevelVerbose && logger != nil {
		logger.Printf("[VERBOSE] Step %d: %s", num, description)
	}
}

// --- Level 4 functions (Trace): very low level ---

// Trace prints a level 4 message (trace, GPIO).
func Trace(format string, args ...interface{}) {
	if level >= LevelTrace && logger != nil {
		logger.Printf("[TRACE] "+format, args...)
	}
}

// GPIO prints a GPIO operation (level 4).
func GPIO(operation string, pin int, value interface{}) {
	if level >= LevelTrace && logger != nil {
		logger.Printf("[GPIO] %s pin=%d value=%v", operation, pin, value)
	}
}

// IMU prints a fused sensor reading (level 4).
func IMU(speedCmPerSecond int, turnHalfDegrees int, distanceMm uint) {
	if level >= LevelTrace && logger != nil {
		logger.Printf("[IMU] speed=%dcm/s turn=%dhalfdeg dist=%dmm", speedCmPerSecond, turnHalfDegrees, distanceMm)
	}
}

// --- General functions ---

// Error prints a debug error (level 1+).
func Error(err error) {
	if level >= LevelInfo && logger != nil {
		logger.Printf("[ERROR] %v", err)
	}
}

// Fmt is a helper function that returns a formatted string
// only if debug is enabled (to avoid unnecessary allocations).
func Fmt(format string, args ...interface{}) string {
	if level > 0 {
		return fmt.Sprintf(format, args...)
	}
	return ""
}
