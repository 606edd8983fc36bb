package rpchub

import (
	"os"
	"strings"

	"github.com/nuclio/logger"
	nucliozap "github.com/nuclio/zap"
)

func parseLogLevel(level string) nucliozap.Level {
	switch strings.ToLower(level) {
	case "debug":
		return nucliozap.DebugLevel
	case "warn", "warning":
		return nucliozap.WarnLevel
	case "error":
		return nucliozap.ErrorLevel
	}
	return nucliozap.InfoLevel
}

// NewLogger returns the console logger a Hub uses when
// Config.Logger is not set. It writes to stdout.
func NewLogger(name, level string) (logger.Logger, error) {
	zl, err := nucliozap.NewNuclioZapCmd(name, parseLogLevel(level), os.Stdout)
	if err != nil {
		return nil, err
	}
	return zl, nil
}
