package app

import (
	"strings"

	"github.com/ticktalk/ticktalk/pkg/logger"
)

// ConfigureLogging initialises the global logger with the provided level, defaulting to info.
func ConfigureLogging(server ServerConfig) error {
	level := strings.TrimSpace(server.LogLevel)
	if level == "" {
		level = "info"
	}
	return logger.Init(level, server.LogFormat)
}
