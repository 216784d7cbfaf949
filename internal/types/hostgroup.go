package types

import "time"

// HostGroupConfig is the capacity and rate budget for all sessions sharing
// a canonicalized server host (spec §3's Host Group entity, §4.1).
type HostGroupConfig struct {
	HostKey        string
	MaxConcurrent  int           // C_host
	RateWindow     time.Duration // W
	MaxPerWindow   int           // R_host
}

// DefaultHostGroupConfig returns the spec's default budget (§4.1: 50-100
// concurrent, 200 per 60s window) for a host with no specific override.
func DefaultHostGroupConfig(hostKey string) HostGroupConfig {
	return HostGroupConfig{
		HostKey:       hostKey,
		MaxConcurrent: 75,
		RateWindow:    60 * time.Second,
		MaxPerWindow:  200,
	}
}
