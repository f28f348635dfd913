package metrics

import (
	"github.com/sirupsen/logrus"
)

// NewLogHook creates a hook that counts warnings and errors so that they can
// be alerted on.
func NewLogHook() logrus.Hook {
	return &hook{[]logrus.Level{
		logrus.WarnLevel,
		logrus.ErrorLevel,
		logrus.FatalLevel,
		logrus.PanicLevel,
	}}
}

type hook struct {
	levels []logrus.Level
}

func (h *hook) Levels() []logrus.Level {
	return h.levels
}

func (h *hook) Fire(entry *logrus.Entry) error {
	// Prometheus has no use for the panic level, so panics are counted as
	// fatal errors.
	level := entry.Level
	if level == logrus.PanicLevel {
		level = logrus.FatalLevel
	}
	logEventsTotal.WithLabelValues(level.String()).Inc()

	// Never return an error because doing so causes the error to be printed
	// directly to `stderr`.
	return nil
}
