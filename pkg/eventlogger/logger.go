package eventlogger

import (
	"errors"
	"fmt"
	"sync"

	"github.com/semaphoreci/activitylog/pkg/compression"
	"github.com/semaphoreci/activitylog/pkg/events"
	"github.com/semaphoreci/activitylog/pkg/summary"
	log "github.com/sirupsen/logrus"
)

var ErrLoggerClosed = errors.New("event logger is closed")

const NoFileSinkDetails = "no file sink configured, full output unavailable"

type Options struct {
	// Both are optional. Without a file backend, the logger is console-only.
	FileBackend *FileBackend
	Memory      *InMemoryBackend

	FileMinSeverity events.Severity
	Console         *Console
	Aggregator      *summary.Aggregator
}

// Logger is the append-only event log. Records go, in append order,
// to the full sinks unmodified and to the console as summary lines.
type Logger struct {
	options Options

	// Guards everything below. Held for the whole of an append,
	// which keeps the sinks in append order.
	mu         sync.Mutex
	fileActive bool
	opened     bool
	closed     bool
}

func NewLogger(options Options) (*Logger, error) {
	if options.Console == nil {
		return nil, errors.New("event logger needs a console")
	}

	return &Logger{options: options}, nil
}

// Open opens the sinks. An unavailable file sink is reported on the
// console and the logger continues without it.
func (l *Logger) Open() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.opened {
		return nil
	}

	l.opened = true

	if l.options.Memory != nil {
		if err := l.options.Memory.Open(); err != nil {
			return err
		}
	}

	if l.options.FileBackend == nil {
		return nil
	}

	if err := l.options.FileBackend.Open(); err != nil {
		l.options.Console.Warnf("%v - continuing with console output only", err)
		return nil
	}

	l.fileActive = true
	return nil
}

func (l *Logger) SetProvider(agreementID, provider string) {
	if l.options.Aggregator != nil {
		l.options.Aggregator.SetProvider(agreementID, provider)
	}
}

// Append records one event. Sink failures never fail the append; the only
// error returned is a duplicate operation reported by the aggregator.
func (l *Logger) Append(record events.Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrLoggerClosed
	}

	if l.options.Memory != nil {
		if err := safeWrite(l.options.Memory, record); err != nil {
			log.Errorf("Error writing %s record to memory: %v", record.Tag(), err)
		}
	}

	if l.fileActive && record.Severity.AtLeast(l.options.FileMinSeverity) {
		if err := safeWrite(l.options.FileBackend, record); err != nil {
			l.dropFileSink(err)
		}
	}

	if l.options.Aggregator == nil || !summary.Summarizes(record) {
		l.options.Console.Record(record)
		return nil
	}

	line, err := l.options.Aggregator.Observe(record)
	if err != nil {
		l.options.Console.Warnf("%v", err)
	}

	if line != nil {
		l.options.Console.Summary(*line, l.details())
	}

	return err
}

func (l *Logger) dropFileSink(err error) {
	var unavailable *SinkUnavailableError
	if !errors.As(err, &unavailable) {
		err = &SinkUnavailableError{Path: l.options.FileBackend.Path(), Err: err}
	}

	l.options.Console.Warnf("%v - continuing with console output only", err)
	l.fileActive = false

	if closeErr := l.options.FileBackend.Close(); closeErr != nil {
		log.Errorf("Error releasing file sink: %v", closeErr)
	}
}

func (l *Logger) details() string {
	if l.fileActive {
		return "see " + l.options.FileBackend.Path()
	}

	return NoFileSinkDetails
}

// FileActive reports whether records are still being written to the file sink.
func (l *Logger) FileActive() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.fileActive
}

func (l *Logger) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.fileActive {
		return nil
	}

	if err := l.options.FileBackend.Flush(); err != nil {
		l.dropFileSink(err)
		return err
	}

	return nil
}

func (l *Logger) OpenOperations() []summary.Pending {
	if l.options.Aggregator == nil {
		return nil
	}

	return l.options.Aggregator.Open()
}

// Records returns what was appended so far, if an in-memory backend is attached.
func (l *Logger) Records() []events.Record {
	if l.options.Memory == nil {
		return nil
	}

	return l.options.Memory.Records()
}

// Close reports operations that are still open, then flushes and
// releases every sink. Calling it more than once is fine.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}

	l.closed = true

	for _, pending := range l.OpenOperations() {
		l.options.Console.Warnf(
			"%s #%d %s still open for agreement=%s task=%s (started %s)",
			pending.Kind,
			pending.Key.CmdIndex,
			pending.Descriptor,
			pending.Key.AgreementID,
			pending.Key.TaskID,
			pending.OpenedAt.UTC().Format("15:04:05.000"),
		)
	}

	var errs []error
	if l.options.FileBackend != nil && l.fileActive {
		if err := l.options.FileBackend.Close(); err != nil {
			l.options.Console.Warnf("%v - file sink may be incomplete", err)
			l.fileActive = false
			errs = append(errs, err)
		}
	}

	if l.options.Memory != nil {
		if err := l.options.Memory.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// Compress gzips the file sink once the logger is closed.
func (l *Logger) Compress() (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.closed {
		return "", errors.New("event logger must be closed before compressing")
	}

	if l.options.FileBackend == nil {
		return "", errors.New("no file sink to compress")
	}

	path, err := compression.Compress(l.options.FileBackend.Path())
	if err != nil {
		return "", fmt.Errorf("error compressing file sink: %v", err)
	}

	return path, nil
}
