// Package log defines the logger used across versecraft components.
//
// Components receive a Logger through their config and tag it with a
// "svc" value. Use Noop to disable logging.
package log

// Kv is a set of structured key-value pairs attached to log lines.
type Kv map[string]any

// Logger is the logging contract implemented by the logrus adapter and Noop.
type Logger interface {
	Infof(format string, args ...any)
	Warningf(format string, args ...any)
	Errorf(format string, args ...any)
	Debugf(format string, args ...any)
	WithValues(values Kv) Logger
}

type noop struct{}

// Noop is a logger that discards everything.
var Noop Logger = noop{}

func (noop) Infof(string, ...any)    {}
func (noop) Warningf(string, ...any) {}
func (noop) Errorf(string, ...any)   {}
func (noop) Debugf(string, ...any)   {}
func (n noop) WithValues(Kv) Logger  { return n }
