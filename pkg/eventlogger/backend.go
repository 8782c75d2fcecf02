package eventlogger

import (
	"fmt"

	"github.com/semaphoreci/activitylog/pkg/events"
)

// Backend is a full sink: it receives every record at or above
// the file minimum severity, unsummarized.
type Backend interface {
	Open() error
	Write(events.Record) error
	Close() error
}

var _ Backend = (*FileBackend)(nil)
var _ Backend = (*InMemoryBackend)(nil)

// A panicking backend must not take down the process being logged.
func safeWrite(backend Backend, record events.Record) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while writing %s record: %v", record.Tag(), r)
		}
	}()

	return backend.Write(record)
}
