// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package config

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/relabs-tech/inertial_steps/internal/fusion"
	"github.com/relabs-tech/inertial_steps/internal/power"
)

// Sample sources.
const (
	SourceMPU9250   = "mpu9250"
	SourceSerial    = "serial"
	SourceSynthetic = "synthetic"
	SourceMQTT      = "mqtt"
)

// Config holds all application configuration values.
type Config struct {
	// MQTT
	MQTTBroker          string
	MQTTClientIDStepper string
	MQTTClientIDGPS     string
	MQTTClientIDConsole string

	// Input topics
	TopicAccel    string
	TopicHWSteps  string
	TopicBattery  string
	TopicActivity string
	TopicCommand  string

	// Output topics
	TopicSteps       string
	TopicState       string
	TopicPower       string
	TopicCalibration string
	TopicCondition   string

	TopicGPS string

	// Sample source
	SampleSource string

	// MPU9250 over SPI
	IMUSPIDevice string
	IMUCSPin     string
	// Accelerometer: 0=±2g, 1=±4g, 2=±8g, 3=±16g
	IMUAccelRange byte

	// Serial accelerometer lines
	SerialPort     string
	SerialBaudRate int

	// Synthetic gait
	SyntheticCadenceHz  float64
	SyntheticAmplitudeG float64
	SyntheticNoiseG     float64

	// GPS
	GPSSerialPort string
	GPSBaudRate   int

	// Engine
	InitialPowerMode power.Mode
	FusionMode       fusion.Mode
	BatteryMode      string
	QueueSize        int
	ErrorCeiling     int
	ProfileDir       string

	// Web Server
	WebServerPort int

	LogLevel slog.Level
}

// Default returns a configuration that runs against a local broker with a
// synthetic source.
func Default() *Config {
	return &Config{
		MQTTBroker:          "tcp://localhost:1883",
		MQTTClientIDStepper: "inertial-stepper",
		MQTTClientIDGPS:     "inertial-gps-producer",
		MQTTClientIDConsole: "inertial-console-subscriber",

		TopicAccel:    "inertial/accel",
		TopicHWSteps:  "inertial/hw_steps",
		TopicBattery:  "inertial/battery",
		TopicActivity: "inertial/activity",
		TopicCommand:  "inertial/steps/command",

		TopicSteps:       "inertial/steps",
		TopicState:       "inertial/steps/state",
		TopicPower:       "inertial/steps/power",
		TopicCalibration: "inertial/steps/calibration",
		TopicCondition:   "inertial/steps/condition",

		TopicGPS: "inertial/gps",

		SampleSource: SourceSynthetic,

		IMUSPIDevice:  "/dev/spidev0.0",
		IMUCSPin:      "GPIO8",
		IMUAccelRange: 1,

		SerialPort:     "/dev/ttyUSB0",
		SerialBaudRate: 115200,

		SyntheticCadenceHz:  1.8,
		SyntheticAmplitudeG: 0.3,
		SyntheticNoiseG:     0.02,

		GPSSerialPort: "/dev/serial0",
		GPSBaudRate:   9600,

		InitialPowerMode: power.Normal,
		FusionMode:       fusion.Adaptive,
		BatteryMode:      "auto",
		QueueSize:        256,
		ErrorCeiling:     10,
		ProfileDir:       "calibration",

		WebServerPort: 8080,
		LogLevel:      slog.LevelInfo,
	}
}

// Load reads the configuration file on top of Default.
func Load(configPath string) (*Config, error) {
	file, err := os.Open(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()
	return Parse(file)
}

// Parse reads KEY=VALUE lines on top of Default. Blank lines and lines
// starting with # are skipped.
func Parse(r io.Reader) (*Config, error) {
	cfg := Default()
	scanner := bufio.NewScanner(r)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid config line %d: %q", lineNum, line)
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if err := cfg.setValue(key, value); err != nil {
			return nil, fmt.Errorf("config line %d: %w", lineNum, err)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setValue sets a config value based on the key.
func (c *Config) setValue(key, value string) error {
	switch key {
	// MQTT
	case "MQTT_BROKER":
		c.MQTTBroker = value
	case "MQTT_CLIENT_ID_STEPPER":
		c.MQTTClientIDStepper = value
	case "MQTT_CLIENT_ID_GPS":
		c.MQTTClientIDGPS = value
	case "MQTT_CLIENT_ID_CONSOLE":
		c.MQTTClientIDConsole = value

	// Topics
	case "TOPIC_ACCEL":
		c.TopicAccel = value
	case "TOPIC_HW_STEPS":
		c.TopicHWSteps = value
	case "TOPIC_BATTERY":
		c.TopicBattery = value
	case "TOPIC_ACTIVITY":
		c.TopicActivity = value
	case "TOPIC_COMMAND":
		c.TopicCommand = value
	case "TOPIC_STEPS":
		c.TopicSteps = value
	case "TOPIC_STATE":
		c.TopicState = value
	case "TOPIC_POWER":
		c.TopicPower = value
	case "TOPIC_CALIBRATION":
		c.TopicCalibration = value
	case "TOPIC_CONDITION":
		c.TopicCondition = value
	case "TOPIC_GPS":
		c.TopicGPS = value

	// Sample source
	case "SAMPLE_SOURCE":
		switch v := strings.ToLower(value); v {
		case SourceMPU9250, SourceSerial, SourceSynthetic, SourceMQTT:
			c.SampleSource = v
		default:
			return fmt.Errorf("SAMPLE_SOURCE must be one of mpu9250, serial, synthetic, mqtt, got %q", value)
		}
	case "IMU_SPI_DEVICE":
		c.IMUSPIDevice = value
	case "IMU_CS_PIN":
		c.IMUCSPin = value
	case "IMU_ACCEL_RANGE":
		rangeVal, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid IMU_ACCEL_RANGE %q: %w", value, err)
		}
		if rangeVal < 0 || rangeVal > 3 {
			return fmt.Errorf("IMU_ACCEL_RANGE must be 0-3 (0=±2g, 1=±4g, 2=±8g, 3=±16g), got %d", rangeVal)
		}
		c.IMUAccelRange = byte(rangeVal)
	case "SERIAL_PORT":
		c.SerialPort = value
	case "SERIAL_BAUD_RATE":
		baud, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid SERIAL_BAUD_RATE %q: %w", value, err)
		}
		c.SerialBaudRate = baud
	case "SYNTHETIC_CADENCE_HZ":
		return parseFloat(key, value, 0, 5, &c.SyntheticCadenceHz)
	case "SYNTHETIC_AMPLITUDE_G":
		return parseFloat(key, value, 0, 4, &c.SyntheticAmplitudeG)
	case "SYNTHETIC_NOISE_G":
		return parseFloat(key, value, 0, 1, &c.SyntheticNoiseG)

	// GPS
	case "GPS_SERIAL_PORT":
		c.GPSSerialPort = value
	case "GPS_BAUD_RATE":
		baud, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid GPS_BAUD_RATE %q: %w", value, err)
		}
		c.GPSBaudRate = baud

	// Engine
	case "INITIAL_POWER_MODE":
		m, err := power.ParseMode(value)
		if err != nil {
			return fmt.Errorf("invalid INITIAL_POWER_MODE: %w", err)
		}
		c.InitialPowerMode = m
	case "FUSION_MODE":
		m, err := fusion.ParseMode(value)
		if err != nil {
			return fmt.Errorf("invalid FUSION_MODE: %w", err)
		}
		c.FusionMode = m
	case "BATTERY_MODE":
		if !strings.EqualFold(value, "auto") {
			if _, err := power.ParseMode(value); err != nil {
				return fmt.Errorf("invalid BATTERY_MODE: %w", err)
			}
		}
		c.BatteryMode = strings.ToLower(value)
	case "QUEUE_SIZE":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid QUEUE_SIZE %q: %w", value, err)
		}
		c.QueueSize = n
	case "ERROR_CEILING":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid ERROR_CEILING %q: %w", value, err)
		}
		c.ErrorCeiling = n
	case "PROFILE_DIR":
		c.ProfileDir = value

	// Web Server
	case "WEB_SERVER_PORT":
		port, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid WEB_SERVER_PORT %q: %w", value, err)
		}
		c.WebServerPort = port

	case "LOG_LEVEL":
		if err := c.LogLevel.UnmarshalText([]byte(value)); err != nil {
			return fmt.Errorf("invalid LOG_LEVEL %q: %w", value, err)
		}

	default:
		return fmt.Errorf("unknown config key: %q", key)
	}

	return nil
}

func parseFloat(key, value string, lo, hi float64, dst *float64) error {
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	if v < lo || v > hi {
		return fmt.Errorf("%s must be %g-%g, got %g", key, lo, hi, v)
	}
	*dst = v
	return nil
}

// validate checks that all required fields are set.
func (c *Config) validate() error {
	if c.MQTTBroker == "" {
		return fmt.Errorf("MQTT_BROKER is required")
	}
	if c.TopicAccel == "" || c.TopicSteps == "" || c.TopicCommand == "" {
		return fmt.Errorf("TOPIC_ACCEL, TOPIC_STEPS and TOPIC_COMMAND are required")
	}
	switch c.SampleSource {
	case SourceMPU9250:
		if c.IMUSPIDevice == "" || c.IMUCSPin == "" {
			return fmt.Errorf("IMU_SPI_DEVICE and IMU_CS_PIN are required for the mpu9250 source")
		}
	case SourceSerial:
		if c.SerialPort == "" || c.SerialBaudRate <= 0 {
			return fmt.Errorf("SERIAL_PORT and SERIAL_BAUD_RATE are required for the serial source")
		}
	}
	if c.GPSBaudRate <= 0 {
		return fmt.Errorf("GPS_BAUD_RATE must be positive")
	}
	if c.QueueSize <= 0 {
		return fmt.Errorf("QUEUE_SIZE must be positive")
	}
	if c.ErrorCeiling <= 0 {
		return fmt.Errorf("ERROR_CEILING must be positive")
	}
	if c.WebServerPort <= 0 || c.WebServerPort > 65535 {
		return fmt.Errorf("WEB_SERVER_PORT must be 1-65535, got %d", c.WebServerPort)
	}
	return nil
}
