package domain

import (
	"errors"
	"time"
)

// ErrInvalidSettings is returned for out-of-range device limits or inactivity windows.
var ErrInvalidSettings = errors.New("invalid settings")

// AppSettings holds the runtime-adjustable admission policy (from the app_settings row or defaults).
type AppSettings struct {
	ID             string // empty when the values are defaults, not a stored row
	MaxDevices     int
	InactivityDays int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Defaults builds settings from configured fallbacks. The window is rounded up to whole days.
func Defaults(maxDevices int, inactivityWindow time.Duration) AppSettings {
	days := int((inactivityWindow + 24*time.Hour - 1) / (24 * time.Hour))
	if days < 1 {
		days = 1
	}
	if maxDevices < 0 {
		maxDevices = 0
	}
	return AppSettings{MaxDevices: maxDevices, InactivityDays: days}
}

// InactivityWindow is the idle period after which a session is treated as expired.
func (s AppSettings) InactivityWindow() time.Duration {
	return time.Duration(s.InactivityDays) * 24 * time.Hour
}

// Validate mirrors the table's CHECK constraints.
func Validate(maxDevices, inactivityDays int) error {
	if maxDevices < 0 {
		return errors.Join(ErrInvalidSettings, errors.New("max devices must be >= 0"))
	}
	if inactivityDays < 1 {
		return errors.Join(ErrInvalidSettings, errors.New("inactivity days must be >= 1"))
	}
	return nil
}
