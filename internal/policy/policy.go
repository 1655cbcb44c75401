// Package policy centralizes the admission and quota knobs. Values come
// from the environment with fixed defaults; day and week boundaries are
// always computed against the single configured zone, never ambient local
// time.
package policy

import (
	"os"
	"strconv"
	"time"
)

type Policy struct {
	// per-role daily call quotas
	FreeDailyLimit    int
	PremiumDailyLimit int

	// device capacity per role
	FreeMaxDevices    int
	PremiumMaxDevices int

	// a device counts against capacity while active and seen inside this window
	ActiveDeviceWindow time.Duration
	// premium admission may replace a device idle longer than this
	StaleDeviceAfter time.Duration

	// pending-binding lifetime
	BindingTTL time.Duration
	// session rows idle longer than this are reaped
	SessionTTL time.Duration

	TimezoneName string
	Location     *time.Location
}

// Default returns the built-in policy in UTC.
func Default() Policy {
	return Policy{
		FreeDailyLimit:     100,
		PremiumDailyLimit:  1000,
		FreeMaxDevices:     1,
		PremiumMaxDevices:  3,
		ActiveDeviceWindow: 24 * time.Hour,
		StaleDeviceAfter:   7 * 24 * time.Hour,
		BindingTTL:         60 * time.Second,
		SessionTTL:         24 * time.Hour,
		TimezoneName:       "UTC",
		Location:           time.UTC,
	}
}

// FromEnv reads policy overrides from environment variables, falling back to
// Default for anything unset or unparsable.
func FromEnv() (Policy, error) {
	p := Default()
	p.FreeDailyLimit = envInt("QUOTA_FREE_DAILY", p.FreeDailyLimit)
	p.PremiumDailyLimit = envInt("QUOTA_PREMIUM_DAILY", p.PremiumDailyLimit)
	p.FreeMaxDevices = envInt("DEVICES_FREE_MAX", p.FreeMaxDevices)
	p.PremiumMaxDevices = envInt("DEVICES_PREMIUM_MAX", p.PremiumMaxDevices)
	p.ActiveDeviceWindow = envDuration("DEVICES_ACTIVE_WINDOW", p.ActiveDeviceWindow)
	p.StaleDeviceAfter = envDuration("DEVICES_STALE_AFTER", p.StaleDeviceAfter)
	p.BindingTTL = envDuration("BINDING_TTL", p.BindingTTL)
	p.SessionTTL = envDuration("SESSION_TTL", p.SessionTTL)

	if tz := os.Getenv("SERVICE_TIMEZONE"); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return p, err
		}
		p.TimezoneName = tz
		p.Location = loc
	}
	return p, nil
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
