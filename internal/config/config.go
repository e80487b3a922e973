package config

type Config interface {
	EnvConfig
	SessionConfig
	SecurityConfig
}

type EnvConfig interface {
	GetAPIURL() string
	GetWSURL() string
	GetDataFolder() string
	GetAppName() string
	GetCaptchaSiteKey() string
	GetEnv() string
}

type mainConfig struct {
	EnvVars
	Sync
	Security
}

func New() Config {
	return mainConfig{}
}
