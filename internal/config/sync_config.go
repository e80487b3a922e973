package config

import "time"

type SessionConfig interface {
	GetInactivityTimeout() time.Duration
	GetExpiryMargin() time.Duration
	GetTokenTickInterval() time.Duration
	GetCacheTTL() time.Duration
	GetCoalesceDebounce() time.Duration
	GetHandshakeTimeout() time.Duration
	GetPollInterval() time.Duration
}

type Sync struct{}

var _ SessionConfig = Sync{}

func (Sync) GetInactivityTimeout() time.Duration {
	return 10 * time.Minute
}

func (Sync) GetExpiryMargin() time.Duration {
	return 60 * time.Second // Refresh when a token is this close to expiry
}

func (Sync) GetTokenTickInterval() time.Duration {
	return 30 * time.Second
}

func (Sync) GetCacheTTL() time.Duration {
	return 30 * time.Minute
}

func (Sync) GetCoalesceDebounce() time.Duration {
	return 300 * time.Millisecond
}

func (Sync) GetHandshakeTimeout() time.Duration {
	return 10 * time.Second
}

func (Sync) GetPollInterval() time.Duration {
	return 30 * time.Second
}
