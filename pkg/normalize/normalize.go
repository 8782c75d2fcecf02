// Package normalize reads log lines produced by different requestor
// runtimes into the same events.Record model.
//
// Two shapes are understood:
//
//   - keyed lines, as written by events.FormatLine
//   - nested JSON objects, one per line, as written by JSON-logging runtimes:
//     {"ts": ..., "level": "debug", "event": {"name": "CommandStdErr", "agreementId": ..., ...}}
package normalize

import (
	"strings"
	"time"

	"github.com/semaphoreci/activitylog/pkg/events"
	"github.com/tidwall/gjson"
)

func ParseLine(line string) (events.Record, error) {
	trimmed := strings.TrimSpace(line)
	if strings.HasPrefix(trimmed, "{") {
		return ParseJSONLine(trimmed)
	}

	return events.ParseLine(line)
}

func ParseJSONLine(line string) (events.Record, error) {
	if !gjson.Valid(line) {
		return events.Record{}, &events.ParseError{Line: line, Reason: "invalid JSON"}
	}

	root := gjson.Parse(line)

	timestamp, ok := parseTimestamp(root.Get("ts"))
	if !ok {
		return events.Record{}, &events.ParseError{Line: line, Reason: "missing or invalid 'ts'"}
	}

	severity, err := events.ParseSeverity(root.Get("level").String())
	if err != nil {
		return events.Record{}, &events.ParseError{Line: line, Reason: err.Error()}
	}

	event := root.Get("event")
	if !event.IsObject() {
		return events.Record{}, &events.ParseError{Line: line, Reason: "missing 'event' object"}
	}

	record := events.Record{Timestamp: timestamp, Severity: severity}
	r := &reader{event: event}

	record.AgreementID = r.str("agreementId")
	record.TaskID = r.str("taskId")

	switch event.Get("name").String() {
	case events.TagCommandStarted:
		record.Payload = events.CommandStarted{
			CmdIndex:   r.int("cmdIndex"),
			EntryPoint: r.str("command.entryPoint"),
			Args:       r.list("command.args"),
			Capture: events.Capture{
				Stdout: events.CaptureMode(event.Get("capture.stdout").String()),
				Stderr: events.CaptureMode(event.Get("capture.stderr").String()),
			},
		}
	case events.TagCommandStdOut:
		record.Payload = events.CommandStdOut{CmdIndex: r.int("cmdIndex"), Chunk: []byte(r.str("output"))}
	case events.TagCommandStdErr:
		record.Payload = events.CommandStdErr{CmdIndex: r.int("cmdIndex"), Chunk: []byte(r.str("output"))}
	case events.TagCommandExecuted:
		executed := events.CommandExecuted{CmdIndex: r.int("cmdIndex"), Success: r.bool("success")}
		if message := event.Get("message"); message.Exists() && message.Type == gjson.String {
			executed.ExitMessage = events.StringPtr(message.String())
		}

		record.Payload = executed
	case events.TagTransferStarted:
		record.Payload = events.TransferStarted{CmdIndex: r.int("cmdIndex"), From: r.str("from"), To: r.str("to")}
	case events.TagTransferExecuted:
		record.Payload = events.TransferExecuted{CmdIndex: r.int("cmdIndex"), Success: r.bool("success")}
	case events.TagDownloadStarted:
		record.Payload = events.DownloadStarted{Path: r.str("path")}
	case events.TagDownloadFinished:
		record.Payload = events.DownloadFinished{Path: r.str("path")}
	default:
		r.failed = true
	}

	if r.failed {
		return events.Record{Timestamp: timestamp, Severity: severity, Payload: events.Unknown{Raw: line}}, nil
	}

	return record, nil
}

// Timestamps are either RFC 3339 strings or unix milliseconds.
func parseTimestamp(value gjson.Result) (time.Time, bool) {
	switch value.Type {
	case gjson.String:
		t, err := time.Parse(time.RFC3339Nano, value.String())
		if err != nil {
			return time.Time{}, false
		}

		return t.UTC(), true
	case gjson.Number:
		return time.UnixMilli(value.Int()).UTC(), true
	default:
		return time.Time{}, false
	}
}

type reader struct {
	event  gjson.Result
	failed bool
}

func (r *reader) get(path string, types ...gjson.Type) gjson.Result {
	value := r.event.Get(path)
	for _, t := range types {
		if value.Exists() && value.Type == t {
			return value
		}
	}

	r.failed = true
	return gjson.Result{}
}

func (r *reader) str(path string) string {
	return r.get(path, gjson.String).String()
}

func (r *reader) int(path string) int {
	return int(r.get(path, gjson.Number).Int())
}

func (r *reader) bool(path string) bool {
	return r.get(path, gjson.True, gjson.False).Bool()
}

func (r *reader) list(path string) []string {
	value := r.event.Get(path)
	if !value.Exists() {
		return nil
	}

	if !value.IsArray() {
		r.failed = true
		return nil
	}

	items := []string{}
	for _, item := range value.Array() {
		items = append(items, item.String())
	}

	if len(items) == 0 {
		return nil
	}

	return items
}
