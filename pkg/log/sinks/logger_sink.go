package sinks

import (
	"github.com/arnavsurve/mendstep/pkg/log"
	"github.com/arnavsurve/mendstep/pkg/types"
)

// LoggerSink re-emits routed events on another logger, so a scoped router can
// feed both its own transcript and the process-wide log.
type LoggerSink struct {
	logger types.Logger
}

func NewLoggerSink(logger types.Logger) *LoggerSink {
	return &LoggerSink{logger: logger}
}

func (l *LoggerSink) Write(event *log.LogEvent) error {
	var evt types.Event
	switch event.Level {
	case types.DebugLevel:
		evt = l.logger.Debug()
	case types.WarnLevel:
		evt = l.logger.Warn()
	case types.ErrorLevel, types.FatalLevel:
		evt = l.logger.Error()
	default:
		evt = l.logger.Info()
	}
	for k, v := range event.Fields {
		if s, ok := v.(string); ok {
			evt = evt.Str(k, s)
			continue
		}
		evt = evt.Interface(k, v)
	}
	evt.Msg(event.Message)
	return nil
}

func (l *LoggerSink) Close() error {
	return nil
}
