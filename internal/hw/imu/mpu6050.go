package imu

import (
	"fmt"
	"os"
	"syscall"
	"time"
)

// MPU6050 register map (the subset we use).
const (
	regPowerMgmt1  = 0x6B
	regAccelXOutH  = 0x3B
	burstReadBytes = 14 // accel XYZ, temp, gyro XYZ, 16 bit each

	// full-scale defaults after reset: accel ±2g, gyro ±250 deg/s
	accelLSBPerG         = 16384.0
	gyroLSBPerDegSecond  = 131.0
	gravityCmPerSecondSq = 981.0

	i2cSlaveIoctl = 0x0703 // I2C_SLAVE from linux/i2c-dev.h
)

// DefaultMPU6050Address is the sensor's I2C address with AD0 low.
const DefaultMPU6050Address = 0x68

// MPU6050 reads raw acceleration and yaw rate from the sensor over the
// Linux I2C character device. It implements Sampler; sample pacing is
// done host-side because the burst read is cheap compared to the 8 ms
// sample period.
//
// No library in our stack speaks mainline-Go I2C, so this talks to
// /dev/i2c-* directly with the slave-address ioctl.
type MPU6050 struct {
	f      *os.File
	period time.Duration
	next   time.Time
}

// NewMPU6050 opens the I2C device (e.g. "/dev/i2c-1"), selects the
// sensor address and takes it out of sleep mode.
func NewMPU6050(devicePath string, addr byte, samplePeriod time.Duration) (*MPU6050, error) {
	f, err := os.OpenFile(devicePath, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open i2c device: %w", err)
	}
	if _, _, errno := syscall.Syscall(syscall.SYS_IOCTL, f.Fd(), i2cSlaveIoctl, uintptr(addr)); errno != 0 {
		f.Close()
		return nil, fmt.Errorf("select i2c slave 0x%02x: %w", addr, errno)
	}

	m := &MPU6050{f: f, period: samplePeriod}
	// clear the sleep bit, keep the default internal clock
	if _, err := f.Write([]byte{regPowerMgmt1, 0x00}); err != nil {
		f.Close()
		return nil, fmt.Errorf("wake sensor: %w", err)
	}
	m.next = time.Now()
	return m, nil
}

// Sample reads one raw sample. ok is false between sample periods.
func (m *MPU6050) Sample() (Sample, bool) {
	now := time.Now()
	if now.Before(m.next) {
		return Sample{}, false
	}
	m.next = now.Add(m.period)

	if _, err := m.f.Write([]byte{regAccelXOutH}); err != nil {
		return Sample{}, false
	}
	buf := make([]byte, burstReadBytes)
	if _, err := m.f.Read(buf); err != nil {
		return Sample{}, false
	}

	accelX := int16(uint16(buf[0])<<8 | uint16(buf[1]))
	gyroZ := int16(uint16(buf[12])<<8 | uint16(buf[13]))

	return Sample{
		AccelForward: float64(accelX) / accelLSBPerG * gravityCmPerSecondSq,
		GyroZ:        float64(gyroZ) / gyroLSBPerDegSecond,
	}, true
}

// Close releases the I2C device.
func (m *MPU6050) Close() error {
	return m.f.Close()
}
