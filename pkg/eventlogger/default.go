package eventlogger

import (
	"bytes"
	"io"

	"github.com/semaphoreci/activitylog/pkg/config"
	"github.com/semaphoreci/activitylog/pkg/events"
	"github.com/semaphoreci/activitylog/pkg/summary"
)

// New builds the standard logger from the configuration: summary lines on
// the console, and the full log in a file if a path was configured.
func New(c config.Config, console io.Writer) (*Logger, *summary.Aggregator, error) {
	aggregator := summary.NewAggregator(c.StderrHintBytes)

	options := Options{
		FileMinSeverity: c.FileMinSeverity,
		Console:         NewConsole(console, c.ConsoleMinSeverity),
		Aggregator:      aggregator,
	}

	if c.FileSinkPath != "" {
		backend, err := NewFileBackend(c.FileSinkPath)
		if err != nil {
			return nil, nil, err
		}

		backend.OpenAttempts = c.OpenRetryAttempts
		options.FileBackend = backend
	}

	logger, err := NewLogger(options)
	if err != nil {
		return nil, nil, err
	}

	err = logger.Open()
	if err != nil {
		return nil, nil, err
	}

	return logger, aggregator, nil
}

// DefaultTestLogger keeps everything in memory, and
// captures the console at DEBUG level.
func DefaultTestLogger() (*Logger, *InMemoryBackend, *bytes.Buffer) {
	backend, err := NewInMemoryBackend()
	if err != nil {
		panic(err)
	}

	console := &bytes.Buffer{}
	logger, err := NewLogger(Options{
		Memory:          backend,
		FileMinSeverity: events.SeverityDebug,
		Console:         NewConsole(console, events.SeverityDebug),
		Aggregator:      summary.NewAggregator(config.DefaultStderrHintBytes),
	})

	if err != nil {
		panic(err)
	}

	err = logger.Open()
	if err != nil {
		panic(err)
	}

	return logger, backend, console
}
