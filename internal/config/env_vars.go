package config

import (
	"os"
	"strings"
)

const (
	apiURLVar     = "API_URL"
	wsURLVar      = "WS_URL"
	appNameVar    = "APP_NAME"
	folderEnvVar  = "FOLDER"
	captchaKeyVar = "CAPTCHA_SITE_KEY"
)

type EnvVars struct{}

var _ EnvConfig = EnvVars{}

func (EnvVars) GetAPIURL() string {
	return GetEnv(apiURLVar, "http://localhost:3000/api")
}

// GetWSURL returns the WebSocket endpoint. When WS_URL is unset it is
// derived from API_URL by swapping the scheme (http→ws, https→wss).
func (e EnvVars) GetWSURL() string {
	if ws := GetEnv(wsURLVar, ""); ws != "" {
		return ws
	}
	return DeriveWSURL(e.GetAPIURL())
}

func (EnvVars) GetAppName() string {
	return GetEnv(appNameVar, "FleetView Client")
}

func (EnvVars) GetDataFolder() string {
	return GetEnv(folderEnvVar, "./data")
}

func (EnvVars) GetCaptchaSiteKey() string {
	return GetEnv(captchaKeyVar, "")
}

func (EnvVars) GetEnv() string {
	env := os.Getenv("ENV")
	if env == "" {
		return "DEV"
	}
	return env
}

// DeriveWSURL maps an HTTP base URL onto its WebSocket counterpart.
func DeriveWSURL(apiURL string) string {
	switch {
	case strings.HasPrefix(apiURL, "https://"):
		return "wss://" + strings.TrimPrefix(apiURL, "https://")
	case strings.HasPrefix(apiURL, "http://"):
		return "ws://" + strings.TrimPrefix(apiURL, "http://")
	}
	return apiURL
}

func GetEnv(envVar, defaultValue string) string {
	value := os.Getenv(envVar)
	if value == "" {
		return defaultValue
	}
	return value
}
