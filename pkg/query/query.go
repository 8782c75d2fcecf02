package query

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/semaphoreci/activitylog/pkg/compression"
	"github.com/semaphoreci/activitylog/pkg/events"
	"github.com/semaphoreci/activitylog/pkg/normalize"
	log "github.com/sirupsen/logrus"
)

var ErrNotFound = errors.New("operation never started")
var ErrIncomplete = errors.New("operation started but never finished")

// Output chunks can make single lines large.
const MaxLineSize = 16 * 1024 * 1024

// Warning is a line that had to be skipped while loading a log.
type Warning struct {
	Line int
	Err  error
}

func (w Warning) String() string {
	return fmt.Sprintf("line %d: %v", w.Line, w.Err)
}

// Query answers read-only questions about a recorded log.
// It never changes the records it was built from.
type Query struct {
	records  []events.Record
	warnings []Warning
}

func FromRecords(records []events.Record) *Query {
	return &Query{records: records}
}

var ErrLineTooLong = fmt.Errorf("line longer than %d bytes", MaxLineSize)

func Load(reader io.Reader) (*Query, error) {
	q := &Query{}
	r := bufio.NewReaderSize(reader, 64*1024)

	lineNumber := 0
	for {
		line, read, readErr := readLine(r)
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			return nil, fmt.Errorf("error reading log at line %d: %v", lineNumber+1, readErr)
		}

		if read == 0 && readErr != nil {
			return q, nil
		}

		lineNumber++
		q.parse(lineNumber, line, read)

		if readErr != nil {
			return q, nil
		}
	}
}

func (q *Query) parse(lineNumber int, line string, read int) {
	if read > MaxLineSize {
		log.Warnf("Skipping line %d: %v", lineNumber, ErrLineTooLong)
		q.warnings = append(q.warnings, Warning{Line: lineNumber, Err: ErrLineTooLong})
		return
	}

	if line == "" {
		return
	}

	record, err := normalize.ParseLine(line)
	if err != nil {
		log.Warnf("Skipping line %d: %v", lineNumber, err)
		q.warnings = append(q.warnings, Warning{Line: lineNumber, Err: err})
		return
	}

	q.records = append(q.records, record)
}

// readLine returns the next line without its line ending, and how many
// bytes it took. Past MaxLineSize the rest of the line is consumed
// but not kept.
func readLine(r *bufio.Reader) (string, int, error) {
	var b strings.Builder
	read := 0

	for {
		chunk, err := r.ReadSlice('\n')
		read += len(chunk)
		if read <= MaxLineSize {
			b.Write(chunk)
		}

		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}

		return strings.TrimRight(b.String(), "\r\n"), read, err
	}
}

// LoadFile reads a full log file, decompressing .gz files.
func LoadFile(path string) (*Query, error) {
	reader, err := compression.Open(path)
	if err != nil {
		return nil, err
	}

	defer reader.Close()
	return Load(reader)
}

func (q *Query) Records() []events.Record {
	return append([]events.Record{}, q.records...)
}

func (q *Query) Warnings() []Warning {
	return append([]Warning{}, q.warnings...)
}

// Keys lists started commands and transfers in the order they started.
func (q *Query) Keys() []events.Key {
	seen := map[events.Key]bool{}
	keys := []events.Key{}

	for _, record := range q.records {
		switch record.Payload.(type) {
		case events.CommandStarted, events.TransferStarted:
			key, _ := record.Key()
			if !seen[key] {
				seen[key] = true
				keys = append(keys, key)
			}
		}
	}

	return keys
}

type CommandOutcome struct {
	Key         events.Key
	EntryPoint  string
	Args        []string
	Stdout      []byte
	Stderr      []byte
	Success     bool
	ExitMessage *string
}

// ExitStatus is 0 for a success without a message,
// otherwise whatever the exit message carries.
func (o *CommandOutcome) ExitStatus() (int, bool) {
	if o.ExitMessage == nil {
		if o.Success {
			return 0, true
		}

		return 0, false
	}

	return events.ParseExitMessage(*o.ExitMessage)
}

// PossiblyNegativeExit is true when the exit status is above 127,
// so it is likely a negative status converted to unsigned, e.g. -1 as 255.
func (o *CommandOutcome) PossiblyNegativeExit() bool {
	code, ok := o.ExitStatus()
	return ok && events.PossiblyNegative(code)
}

type TransferOutcome struct {
	Key     events.Key
	From    string
	To      string
	Success bool
}

func (q *Query) CommandOutcome(key events.Key) (*CommandOutcome, error) {
	var outcome *CommandOutcome

	for _, record := range q.records {
		recordKey, ok := record.Key()
		if !ok || recordKey != key {
			continue
		}

		switch p := record.Payload.(type) {
		case events.CommandStarted:
			// A second start with the same key is a reused index; the first one wins.
			if outcome == nil {
				outcome = &CommandOutcome{
					Key:        key,
					EntryPoint: p.EntryPoint,
					Args:       p.Args,
					Stdout:     []byte{},
					Stderr:     []byte{},
				}
			}

		case events.CommandStdOut:
			if outcome != nil {
				outcome.Stdout = append(outcome.Stdout, p.Chunk...)
			}

		case events.CommandStdErr:
			if outcome != nil {
				outcome.Stderr = append(outcome.Stderr, p.Chunk...)
			}

		case events.CommandExecuted:
			if outcome != nil {
				outcome.Success = p.Success
				outcome.ExitMessage = p.ExitMessage
				return outcome, nil
			}
		}
	}

	if outcome == nil {
		return nil, fmt.Errorf("command %s: %w", key, ErrNotFound)
	}

	return outcome, fmt.Errorf("command %s: %w", key, ErrIncomplete)
}

func (q *Query) TransferOutcome(key events.Key) (*TransferOutcome, error) {
	var outcome *TransferOutcome

	for _, record := range q.records {
		recordKey, ok := record.Key()
		if !ok || recordKey != key {
			continue
		}

		switch p := record.Payload.(type) {
		case events.TransferStarted:
			if outcome == nil {
				outcome = &TransferOutcome{Key: key, From: p.From, To: p.To}
			}

		case events.TransferExecuted:
			if outcome != nil {
				outcome.Success = p.Success
				return outcome, nil
			}
		}
	}

	if outcome == nil {
		return nil, fmt.Errorf("transfer %s: %w", key, ErrNotFound)
	}

	return outcome, fmt.Errorf("transfer %s: %w", key, ErrIncomplete)
}
