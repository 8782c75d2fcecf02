package eventlogger

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/semaphoreci/activitylog/pkg/events"
	"github.com/semaphoreci/activitylog/pkg/retry"
)

const DefaultOpenAttempts = 3
const DefaultDelayBetweenOpenAttempts = 100 * time.Millisecond

var ErrSinkClosed = errors.New("file sink is closed")

// SinkUnavailableError means the file sink could not be opened or written.
// The logger keeps going with the console only.
type SinkUnavailableError struct {
	Path string
	Err  error
}

func (e *SinkUnavailableError) Error() string {
	return fmt.Sprintf("file sink %s unavailable: %v", e.Path, e.Err)
}

func (e *SinkUnavailableError) Unwrap() error {
	return e.Err
}

type FileBackend struct {
	OpenAttempts             int
	DelayBetweenOpenAttempts time.Duration

	path string
	mu   sync.Mutex
	file *os.File
}

func NewFileBackend(path string) (*FileBackend, error) {
	if path == "" {
		return nil, errors.New("file sink needs a path")
	}

	return &FileBackend{
		OpenAttempts:             DefaultOpenAttempts,
		DelayBetweenOpenAttempts: DefaultDelayBetweenOpenAttempts,
		path:                     path,
	}, nil
}

func (b *FileBackend) Path() string {
	return b.path
}

func (b *FileBackend) Open() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var file *os.File
	err := retry.RetryWithConstantWait(retry.RetryOptions{
		Task:                 "open file sink " + b.path,
		MaxAttempts:          b.OpenAttempts,
		DelayBetweenAttempts: b.DelayBetweenOpenAttempts,
		HideError:            true,
		Permanent: func(err error) bool {
			return errors.Is(err, os.ErrPermission)
		},
		Fn: func() error {
			f, err := os.Create(b.path)
			if err != nil {
				return err
			}

			file = f
			return nil
		},
	})

	if err != nil {
		return &SinkUnavailableError{Path: b.path, Err: err}
	}

	b.file = file
	return nil
}

// Write appends one line straight to the file, with a single
// write under the lock. Lines from concurrent writers never interleave.
func (b *FileBackend) Write(record events.Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.file == nil {
		return &SinkUnavailableError{Path: b.path, Err: ErrSinkClosed}
	}

	if _, err := b.file.WriteString(events.FormatLine(record) + "\n"); err != nil {
		return &SinkUnavailableError{Path: b.path, Err: err}
	}

	return nil
}

// Flush commits what was written to stable storage.
func (b *FileBackend) Flush() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.file == nil {
		return nil
	}

	info, err := b.file.Stat()
	if err != nil || !info.Mode().IsRegular() {
		return nil
	}

	if err := b.file.Sync(); err != nil {
		return &SinkUnavailableError{Path: b.path, Err: err}
	}

	return nil
}

func (b *FileBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.file == nil {
		return nil
	}

	err := b.file.Close()
	b.file = nil

	if err != nil {
		return &SinkUnavailableError{Path: b.path, Err: err}
	}

	return nil
}
