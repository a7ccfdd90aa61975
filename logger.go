package modbus

import (
	"os"
	"sync"

	"github.com/rs/zerolog"
)

var (
	baseLoggerLock sync.RWMutex
	baseLogger     = zerolog.New(os.Stdout).With().Timestamp().Logger()
)

// SetLogger replaces the zerolog logger used by all connections, transports
// and file handlers created afterwards.
func SetLogger(l zerolog.Logger) {
	baseLoggerLock.Lock()
	defer baseLoggerLock.Unlock()

	baseLogger = l

	return
}

type logger struct {
	prefix string
	zl     zerolog.Logger
}

// newLogger returns a logger tagging every entry with prefix as component.
// customLogger may be nil, in which case the package-wide logger is used.
func newLogger(prefix string, customLogger *zerolog.Logger) (l *logger) {
	var zl zerolog.Logger

	if customLogger != nil {
		zl = *customLogger
	} else {
		baseLoggerLock.RLock()
		zl = baseLogger
		baseLoggerLock.RUnlock()
	}

	l = &logger{
		prefix: prefix,
		zl:     zl.With().Str("component", prefix).Logger(),
	}

	return
}

func (l *logger) Debugf(format string, msg ...interface{}) {
	l.zl.Debug().Msgf(format, msg...)

	return
}

func (l *logger) Info(msg string) {
	l.zl.Info().Msg(msg)

	return
}

func (l *logger) Infof(format string, msg ...interface{}) {
	l.zl.Info().Msgf(format, msg...)

	return
}

func (l *logger) Warning(msg string) {
	l.zl.Warn().Msg(msg)

	return
}

func (l *logger) Warningf(format string, msg ...interface{}) {
	l.zl.Warn().Msgf(format, msg...)

	return
}

func (l *logger) Error(msg string) {
	l.zl.Error().Msg(msg)

	return
}

func (l *logger) Errorf(format string, msg ...interface{}) {
	l.zl.Error().Msgf(format, msg...)

	return
}
