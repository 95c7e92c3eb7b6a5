package definition

import (
	"github.com/sirupsen/logrus"
)

// NewLogrusLogger wraps l (or a fresh logrus.New() if l is nil) to
// satisfy types.Logger.
func NewLogrusLogger(l *logrus.Logger) *LogrusLogger {
	if l == nil {
		l = logrus.New()
	}
	return &LogrusLogger{entry: logrus.NewEntry(l)}
}

// LogrusLogger adapts a *logrus.Logger to types.Logger.
type LogrusLogger struct {
	entry *logrus.Entry
}

func (l *LogrusLogger) Info(v ...interface{})                 { l.entry.Info(v...) }
func (l *LogrusLogger) Infof(format string, v ...interface{})  { l.entry.Infof(format, v...) }
func (l *LogrusLogger) Warn(v ...interface{})                  { l.entry.Warn(v...) }
func (l *LogrusLogger) Warnf(format string, v ...interface{})  { l.entry.Warnf(format, v...) }
func (l *LogrusLogger) Error(v ...interface{})                 { l.entry.Error(v...) }
func (l *LogrusLogger) Errorf(format string, v ...interface{}) { l.entry.Errorf(format, v...) }
func (l *LogrusLogger) Debug(v ...interface{})                 { l.entry.Debug(v...) }
func (l *LogrusLogger) Debugf(format string, v ...interface{}) { l.entry.Debugf(format, v...) }
func (l *LogrusLogger) Fatal(v ...interface{})                 { l.entry.Fatal(v...) }
func (l *LogrusLogger) Fatalf(format string, v ...interface{}) { l.entry.Fatalf(format, v...) }
func (l *LogrusLogger) Panic(v ...interface{})                 { l.entry.Panic(v...) }
func (l *LogrusLogger) Panicf(format string, v ...interface{}) { l.entry.Panicf(format, v...) }

// ToggleDebug flips the underlying logger between InfoLevel and
// DebugLevel, returning the new state.
func (l *LogrusLogger) ToggleDebug(value bool) bool {
	logger := l.entry.Logger
	if value {
		logger.SetLevel(logrus.DebugLevel)
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}
	return value
}
