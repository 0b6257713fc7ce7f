package telemetry

import (
	"io"
	"os"

	"drawings-core/config"

	"github.com/sirupsen/logrus"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// NewLogger builds the process logger. Output goes through an AsyncWriter so
// that no caller ever waits on the sink; the returned closer flushes it.
func NewLogger(cfg config.Log, out io.Writer) (*logrus.Logger, io.Closer, error) {
	logger := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}
	logger.SetLevel(level)

	switch cfg.Format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}

	if !cfg.Enabled {
		logger.SetOutput(io.Discard)
		return logger, nopCloser{}, nil
	}

	if out == nil {
		out = os.Stderr
	}
	writer := NewAsyncWriter(out, cfg.Buffer)
	logger.SetOutput(writer)
	return logger, writer, nil
}

// Discard returns a logger that drops everything, used when no sink is injected.
func Discard() logrus.FieldLogger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// OrDiscard returns log, or a silent logger when log is nil.
func OrDiscard(log logrus.FieldLogger) logrus.FieldLogger {
	if log == nil {
		return Discard()
	}
	return log
}
