package events

import (
	"fmt"
	"time"
)

const (
	TagCommandStarted   = "CommandStarted"
	TagCommandStdOut    = "CommandStdOut"
	TagCommandStdErr    = "CommandStdErr"
	TagCommandExecuted  = "CommandExecuted"
	TagTransferStarted  = "TransferStarted"
	TagTransferExecuted = "TransferExecuted"
	TagDownloadStarted  = "DownloadStarted"
	TagDownloadFinished = "DownloadFinished"
	TagUnknown          = "Unknown"
)

// Record is one lifecycle event emitted by the requestor runtime.
// Records are never mutated after they are appended to a log.
type Record struct {
	Timestamp   time.Time
	AgreementID string
	TaskID      string
	Severity    Severity
	Payload     Payload
}

// Payload is implemented by every record variant.
type Payload interface {
	Tag() string
}

// Key identifies a single command or transfer issued for a task.
type Key struct {
	AgreementID string
	TaskID      string
	CmdIndex    int
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%d", k.AgreementID, k.TaskID, k.CmdIndex)
}

func (k Key) Less(other Key) bool {
	if k.AgreementID != other.AgreementID {
		return k.AgreementID < other.AgreementID
	}

	if k.TaskID != other.TaskID {
		return k.TaskID < other.TaskID
	}

	return k.CmdIndex < other.CmdIndex
}

type CaptureMode string

const (
	CaptureNone   CaptureMode = ""
	CaptureStream CaptureMode = "stream"
	CaptureAtEnd  CaptureMode = "at_end"
)

// Capture describes how the remote side captures the output of a command.
type Capture struct {
	Stdout CaptureMode
	Stderr CaptureMode
}

type CommandStarted struct {
	CmdIndex   int
	EntryPoint string
	Args       []string
	Capture    Capture
}

type CommandStdOut struct {
	CmdIndex int
	Chunk    []byte
}

type CommandStdErr struct {
	CmdIndex int
	Chunk    []byte
}

type CommandExecuted struct {
	CmdIndex    int
	Success     bool
	ExitMessage *string
}

type TransferStarted struct {
	CmdIndex int
	From     string
	To       string
}

type TransferExecuted struct {
	CmdIndex int
	Success  bool
}

type DownloadStarted struct {
	Path string
}

type DownloadFinished struct {
	Path string
}

// Unknown keeps a line we could not map to a known variant,
// so newer logs can still be read by older tools.
type Unknown struct {
	Raw string
}

func (CommandStarted) Tag() string   { return TagCommandStarted }
func (CommandStdOut) Tag() string    { return TagCommandStdOut }
func (CommandStdErr) Tag() string    { return TagCommandStdErr }
func (CommandExecuted) Tag() string  { return TagCommandExecuted }
func (TransferStarted) Tag() string  { return TagTransferStarted }
func (TransferExecuted) Tag() string { return TagTransferExecuted }
func (DownloadStarted) Tag() string  { return TagDownloadStarted }
func (DownloadFinished) Tag() string { return TagDownloadFinished }
func (Unknown) Tag() string          { return TagUnknown }

// CmdIndex returns the command index carried by the record's payload.
// Download and unknown records don't carry one.
func (r Record) CmdIndex() (int, bool) {
	switch p := r.Payload.(type) {
	case CommandStarted:
		return p.CmdIndex, true
	case CommandStdOut:
		return p.CmdIndex, true
	case CommandStdErr:
		return p.CmdIndex, true
	case CommandExecuted:
		return p.CmdIndex, true
	case TransferStarted:
		return p.CmdIndex, true
	case TransferExecuted:
		return p.CmdIndex, true
	default:
		return 0, false
	}
}

func (r Record) Key() (Key, bool) {
	index, ok := r.CmdIndex()
	if !ok {
		return Key{}, false
	}

	return Key{AgreementID: r.AgreementID, TaskID: r.TaskID, CmdIndex: index}, true
}

func (r Record) Tag() string {
	if r.Payload == nil {
		return TagUnknown
	}

	return r.Payload.Tag()
}

func NewCommandStarted(key Key, entryPoint string, args []string, capture Capture) Record {
	return newRecord(key, SeverityDebug, CommandStarted{
		CmdIndex:   key.CmdIndex,
		EntryPoint: entryPoint,
		Args:       args,
		Capture:    capture,
	})
}

func NewStdOut(key Key, chunk []byte) Record {
	return newRecord(key, SeverityDebug, CommandStdOut{CmdIndex: key.CmdIndex, Chunk: chunk})
}

func NewStdErr(key Key, chunk []byte) Record {
	return newRecord(key, SeverityDebug, CommandStdErr{CmdIndex: key.CmdIndex, Chunk: chunk})
}

func NewCommandExecuted(key Key, success bool, exitMessage *string) Record {
	severity := SeverityInfo
	if !success {
		severity = SeverityWarn
	}

	return newRecord(key, severity, CommandExecuted{
		CmdIndex:    key.CmdIndex,
		Success:     success,
		ExitMessage: exitMessage,
	})
}

func NewTransferStarted(key Key, from, to string) Record {
	return newRecord(key, SeverityDebug, TransferStarted{CmdIndex: key.CmdIndex, From: from, To: to})
}

func NewTransferExecuted(key Key, success bool) Record {
	severity := SeverityInfo
	if !success {
		severity = SeverityWarn
	}

	return newRecord(key, severity, TransferExecuted{CmdIndex: key.CmdIndex, Success: success})
}

func NewDownloadStarted(agreementID, taskID, path string) Record {
	return newRecord(Key{AgreementID: agreementID, TaskID: taskID}, SeverityDebug, DownloadStarted{Path: path})
}

func NewDownloadFinished(agreementID, taskID, path string) Record {
	return newRecord(Key{AgreementID: agreementID, TaskID: taskID}, SeverityInfo, DownloadFinished{Path: path})
}

func newRecord(key Key, severity Severity, payload Payload) Record {
	return Record{
		Timestamp:   time.Now().UTC(),
		AgreementID: key.AgreementID,
		TaskID:      key.TaskID,
		Severity:    severity,
		Payload:     payload,
	}
}

func StringPtr(value string) *string {
	return &value
}
