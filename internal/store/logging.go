package store

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/dgraph-io/badger/v3"
)

// slogBridge forwards badger's printf-style log calls onto a slog.Logger.
// Badger terminates its messages with a newline; slog does not want one.
type slogBridge struct {
	logger *slog.Logger
}

func newLogger(logger *slog.Logger) badger.Logger {
	return &slogBridge{logger: logger}
}

func (s *slogBridge) format(format string, args ...interface{}) string {
	return strings.TrimRight(fmt.Sprintf(format, args...), "\n")
}

func (s *slogBridge) Errorf(format string, args ...interface{}) {
	s.logger.Error(s.format(format, args...))
}

func (s *slogBridge) Warningf(format string, args ...interface{}) {
	s.logger.Warn(s.format(format, args...))
}

func (s *slogBridge) Infof(format string, args ...interface{}) {
	s.logger.Info(s.format(format, args...))
}

func (s *slogBridge) Debugf(format string, args ...interface{}) {
	s.logger.Debug(s.format(format, args...))
}
