package types

// Logger is the logging contract used throughout the transport core.
// It mirrors the leveled-logging shape used by the logging libraries
// this module actually wires in (prometheus/common/log, logrus), so
// adapters for either can satisfy it directly.
type Logger interface {
	Info(v ...interface{})
	Infof(format string, v ...interface{})
	Warn(v ...interface{})
	Warnf(format string, v ...interface{})
	Error(v ...interface{})
	Errorf(format string, v ...interface{})
	Debug(v ...interface{})
	Debugf(format string, v ...interface{})
	Fatal(v ...interface{})
	Fatalf(format string, v ...interface{})
	Panic(v ...interface{})
	Panicf(format string, v ...interface{})

	// ToggleDebug enables or disables Debug/Debugf output and returns
	// the new state.
	ToggleDebug(value bool) bool
}

// Invoker abstracts goroutine spawning so the core and its tests can
// control concurrency uniformly: production code spawns a real
// goroutine, tests can spawn onto a wait-group-tracked invoker to make
// teardown deterministic.
type Invoker interface {
	// Spawn runs f, typically in its own goroutine.
	Spawn(f func())
}
