package config

import "time"

type SecurityConfig interface {
	GetMaxLoginAttempts() int
	GetLoginLockoutDuration() time.Duration
	GetRotateRefreshTokens() bool
}

type Security struct{}

var _ SecurityConfig = Security{}

func (Security) GetMaxLoginAttempts() int {
	return 5
}

func (Security) GetLoginLockoutDuration() time.Duration {
	return 15 * time.Minute
}

// GetRotateRefreshTokens controls whether a refresh response is expected
// to carry a new refresh token. The server may or may not rotate; the
// client keeps the old token unless a new one arrives.
func (Security) GetRotateRefreshTokens() bool {
	return false
}
