package summary

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/semaphoreci/activitylog/pkg/events"
)

type Kind string

const (
	KindRun      Kind = "run"
	KindTransfer Kind = "transfer"
)

var ErrDuplicateOperation = errors.New("operation opened twice without being closed")

// DuplicateOperationError means a cmd_index was reused for a task
// while the previous operation with that index was still open.
type DuplicateOperationError struct {
	Key  events.Key
	Kind Kind
}

func (e *DuplicateOperationError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Kind, e.Key, ErrDuplicateOperation)
}

func (e *DuplicateOperationError) Is(target error) bool {
	return target == ErrDuplicateOperation
}

// Line is the summary of one closed operation.
type Line struct {
	Timestamp  time.Time
	Key        events.Key
	Provider   string
	Kind       Kind
	Descriptor string
	Success    bool

	// Set when the operation was closed without ever being opened.
	Unmatched bool

	// For failures: the last stderr line and the exit message, when known.
	Hint string
}

func (l Line) Severity() events.Severity {
	if l.Success && !l.Unmatched {
		return events.SeverityInfo
	}

	return events.SeverityWarn
}

func (l Line) Message() string {
	status := "succeeded"
	if !l.Success {
		status = "failed"
	}

	message := fmt.Sprintf("%s #%d %s: %s", l.Kind, l.Key.CmdIndex, l.Descriptor, status)
	if l.Hint != "" {
		message += " - " + l.Hint
	}

	if l.Unmatched {
		message += " (no matching start in this log)"
	}

	return message
}

// Pending is an operation that was started but not yet closed.
type Pending struct {
	Key        events.Key
	Kind       Kind
	Descriptor string
	OpenedAt   time.Time
	StderrTail []byte
}

type Aggregator struct {
	OnClose func(Line)

	mu        sync.Mutex
	pending   map[events.Key]*Pending
	providers map[string]string
	hintBytes int
}

func NewAggregator(hintBytes int) *Aggregator {
	return &Aggregator{
		pending:   map[events.Key]*Pending{},
		providers: map[string]string{},
		hintBytes: hintBytes,
	}
}

func (a *Aggregator) SetProvider(agreementID, provider string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.providers[agreementID] = provider
}

// Summarizes reports whether a record belongs to an operation the
// aggregator tracks. Other records are not summarized and should be
// rendered on their own.
func Summarizes(record events.Record) bool {
	_, ok := record.Key()
	return ok
}

// Observe feeds one record into the aggregator. A line is returned only
// when the record closes an operation.
func (a *Aggregator) Observe(record events.Record) (*Line, error) {
	key, ok := record.Key()
	if !ok {
		return nil, nil
	}

	a.mu.Lock()
	line, err := a.observe(key, record)
	onClose := a.OnClose
	a.mu.Unlock()

	if line != nil && onClose != nil {
		onClose(*line)
	}

	return line, err
}

func (a *Aggregator) observe(key events.Key, record events.Record) (*Line, error) {
	switch p := record.Payload.(type) {
	case events.CommandStarted:
		return nil, a.open(key, KindRun, DescribeCommand(p.EntryPoint, p.Args), record.Timestamp)

	case events.TransferStarted:
		return nil, a.open(key, KindTransfer, DescribeTransfer(p.From, p.To), record.Timestamp)

	case events.CommandStdErr:
		if pending, ok := a.pending[key]; ok {
			pending.StderrTail = a.appendTail(pending.StderrTail, p.Chunk)
		}

		return nil, nil

	case events.CommandExecuted:
		line := a.close(key, KindRun, record.Timestamp, p.Success)
		if !p.Success {
			line.Hint = joinHint(line.Hint, p.ExitMessage)
		}

		return line, nil

	case events.TransferExecuted:
		return a.close(key, KindTransfer, record.Timestamp, p.Success), nil

	default:
		return nil, nil
	}
}

func (a *Aggregator) open(key events.Key, kind Kind, descriptor string, at time.Time) error {
	if _, ok := a.pending[key]; ok {
		return &DuplicateOperationError{Key: key, Kind: kind}
	}

	a.pending[key] = &Pending{Key: key, Kind: kind, Descriptor: descriptor, OpenedAt: at}
	return nil
}

func (a *Aggregator) close(key events.Key, kind Kind, at time.Time, success bool) *Line {
	line := &Line{
		Timestamp: at,
		Key:       key,
		Provider:  a.providers[key.AgreementID],
		Kind:      kind,
		Success:   success,
	}

	pending, ok := a.pending[key]
	if !ok {
		line.Unmatched = true
		line.Descriptor = "<unknown>"
		return line
	}

	delete(a.pending, key)
	line.Kind = pending.Kind
	line.Descriptor = pending.Descriptor

	if !success {
		line.Hint = lastLine(pending.StderrTail)
	}

	return line
}

func (a *Aggregator) appendTail(tail, chunk []byte) []byte {
	if a.hintBytes <= 0 {
		return nil
	}

	tail = append(tail, chunk...)
	if len(tail) > a.hintBytes {
		tail = append([]byte{}, tail[len(tail)-a.hintBytes:]...)
	}

	return tail
}

// Open returns the operations that were started but never closed,
// ordered by key.
func (a *Aggregator) Open() []Pending {
	a.mu.Lock()
	defer a.mu.Unlock()

	open := make([]Pending, 0, len(a.pending))
	for _, p := range a.pending {
		copied := *p
		copied.StderrTail = append([]byte{}, p.StderrTail...)
		open = append(open, copied)
	}

	sort.Slice(open, func(i, j int) bool {
		return open[i].Key.Less(open[j].Key)
	})

	return open
}

// Replay builds the summary view of an already recorded log.
// Duplicate opens are skipped, the first operation with a key wins.
func Replay(records []events.Record, hintBytes int) ([]Line, []Pending) {
	aggregator := NewAggregator(hintBytes)
	lines := []Line{}

	for _, record := range records {
		line, _ := aggregator.Observe(record)
		if line != nil {
			lines = append(lines, *line)
		}
	}

	return lines, aggregator.Open()
}

// DescribeCommand renders a command the way a shell user would type it.
func DescribeCommand(entryPoint string, args []string) string {
	parts := []string{entryPoint}
	for _, arg := range args {
		if arg == "" || strings.ContainsAny(arg, " \t\n'\"$") {
			arg = "'" + strings.ReplaceAll(arg, "'", `'\''`) + "'"
		}

		parts = append(parts, arg)
	}

	return strings.Join(parts, " ")
}

func DescribeTransfer(from, to string) string {
	return from + " -> " + to
}

func lastLine(output []byte) string {
	lines := bytes.Split(bytes.TrimRight(output, "\r\n "), []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(string(lines[i]))
		if line != "" {
			return line
		}
	}

	return ""
}

func joinHint(stderr string, exitMessage *string) string {
	if exitMessage == nil || *exitMessage == "" {
		return stderr
	}

	if stderr == "" {
		return *exitMessage
	}

	return fmt.Sprintf("%s (%s)", stderr, *exitMessage)
}
