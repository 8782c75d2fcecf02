package eventlogger

import (
	"sync"

	"github.com/semaphoreci/activitylog/pkg/events"
)

type InMemoryBackend struct {
	mu      sync.Mutex
	records []events.Record
}

func NewInMemoryBackend() (*InMemoryBackend, error) {
	return &InMemoryBackend{}, nil
}

func (b *InMemoryBackend) Open() error {
	return nil
}

func (b *InMemoryBackend) Write(record events.Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.records = append(b.records, record)
	return nil
}

func (b *InMemoryBackend) Close() error {
	return nil
}

func (b *InMemoryBackend) Records() []events.Record {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([]events.Record{}, b.records...)
}

func (b *InMemoryBackend) Tags() []string {
	tags := []string{}
	for _, r := range b.Records() {
		tags = append(tags, r.Tag())
	}

	return tags
}
