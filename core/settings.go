package core

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultIdentifier is the echo identifier that tags the traffic of a session.
	DefaultIdentifier = 0xAFAF

	// DefaultPayloadSize is the number of filler bytes following the echo header.
	DefaultPayloadSize = 32

	// DefaultInterval is the time between two consecutive timer fires.
	DefaultInterval = time.Second

	// DefaultDestination is pinged when no destination is supplied.
	DefaultDestination = "192.168.10.10"

	// maxPayloadSize is the largest echo payload that fits in an IPv4 datagram.
	maxPayloadSize = 65535 - 20 - echoHeaderLen

	maxInterval = 24 * time.Hour
)

// ErrInvalidSettings is wrapped by every settings validation error.
var ErrInvalidSettings = errors.New("invalid settings")

// Settings contains all configurable properties of a watchdog session.
type Settings struct {
	// Identifier is the 16-bit echo identifier distinguishing this session's packets.
	Identifier uint16 `yaml:"identifier"`

	// PayloadSize is the amount of filler bytes appended to each echo request.
	PayloadSize int `yaml:"payload_size"`

	// Interval is the fixed delay between two timer fires, which is also the reply window.
	Interval time.Duration `yaml:"interval"`

	// Destination is the host pinged when none is given on the command line.
	Destination string `yaml:"destination"`

	// MaxCount is the amount of cycles run before stopping, -1 means forever.
	MaxCount int `yaml:"count"`

	// Deadline is the time before the run is stopped regardless of the count, 0 means none.
	Deadline time.Duration `yaml:"deadline"`

	// ReportEveryCycle reports a timeout on every timer fire, even when the request of the
	// closing window was answered or nothing was sent yet.
	ReportEveryCycle bool `yaml:"report_every_cycle"`

	// LoggingLevel is the logrus level of the session logger.
	LoggingLevel uint32 `yaml:"log_level"`

	// MetricsAddr is the listen address of the prometheus endpoint, empty disables it.
	MetricsAddr string `yaml:"metrics_addr"`
}

// DefaultSettings returns the default settings for a watchdog session, change as you wish.
func DefaultSettings() *Settings {
	return &Settings{
		Identifier:       DefaultIdentifier,
		PayloadSize:      DefaultPayloadSize,
		Interval:         DefaultInterval,
		Destination:      DefaultDestination,
		MaxCount:         -1,
		Deadline:         0,
		ReportEveryCycle: false,
		LoggingLevel:     3, // logrus.WarnLevel
		MetricsAddr:      "",
	}
}

// LoadSettings reads a YAML file on top of the default settings.
func LoadSettings(path string) (*Settings, error) {
	settings := DefaultSettings()

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read settings file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(content, settings); err != nil {
		return nil, fmt.Errorf("could not parse settings file %s: %w", path, err)
	}

	if err := settings.validate(); err != nil {
		return nil, err
	}

	return settings, nil
}

func (s *Settings) validate() error {
	if s.PayloadSize < 0 || s.PayloadSize > maxPayloadSize {
		return fmt.Errorf("%w: payload size must be between 0 and %d, got %d",
			ErrInvalidSettings, maxPayloadSize, s.PayloadSize)
	}

	if s.Interval <= 0 {
		return fmt.Errorf("%w: interval must be positive, got %s", ErrInvalidSettings, s.Interval)
	}

	if s.Interval > maxInterval {
		return fmt.Errorf("%w: interval must be at most %s, got %s", ErrInvalidSettings, maxInterval, s.Interval)
	}

	if s.MaxCount == 0 || s.MaxCount < -1 {
		return fmt.Errorf("%w: count must be positive or -1, got %d", ErrInvalidSettings, s.MaxCount)
	}

	if s.Deadline < 0 {
		return fmt.Errorf("%w: deadline must not be negative, got %s", ErrInvalidSettings, s.Deadline)
	}

	if s.LoggingLevel > 6 {
		return fmt.Errorf("%w: log level must be between 0 and 6, got %d", ErrInvalidSettings, s.LoggingLevel)
	}

	return nil
}
