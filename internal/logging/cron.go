package logging

import (
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// CronLogger adapts a component logger to cron.Logger so scheduler panics and
// job errors land in the structured log.
func CronLogger(component string) cron.Logger {
	return cronLogger{l: Component(component)}
}

type cronLogger struct {
	l zerolog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug().Fields(keysAndValues).Msg(msg)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
