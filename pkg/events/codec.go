package events

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

//
// A persisted record is one line:
//
//   <timestamp> <severity> <Tag>(<key>=<value>, ...)
//
// The timestamp is RFC 3339 with nanoseconds, in UTC. String values are
// Go-quoted, so output chunks with arbitrary bytes survive the round trip.
// Lists are written as [<quoted>, ...], absent optional values as None.
//

const TimestampLayout = time.RFC3339Nano

const noneValue = "None"

type ParseError struct {
	Line   string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("malformed log line '%s': %s", e.Line, e.Reason)
}

func FormatLine(record Record) string {
	b := &strings.Builder{}
	b.WriteString(record.Timestamp.UTC().Format(TimestampLayout))
	b.WriteByte(' ')
	b.WriteString(record.Severity.String())
	b.WriteByte(' ')

	if u, ok := record.Payload.(Unknown); ok {
		// Unknown records are written back exactly as they were read.
		b.WriteString(TagUnknown)
		b.WriteString("(raw=")
		b.WriteString(strconv.Quote(u.Raw))
		b.WriteString(")")
		return b.String()
	}

	b.WriteString(record.Tag())
	b.WriteByte('(')

	w := &fieldWriter{b: b}
	w.str("agreement_id", record.AgreementID)
	w.str("task_id", record.TaskID)

	switch p := record.Payload.(type) {
	case CommandStarted:
		w.int("cmd_index", p.CmdIndex)
		w.str("entry_point", p.EntryPoint)
		w.list("args", p.Args)
		w.str("capture_stdout", string(p.Capture.Stdout))
		w.str("capture_stderr", string(p.Capture.Stderr))
	case CommandStdOut:
		w.int("cmd_index", p.CmdIndex)
		w.str("chunk", string(p.Chunk))
	case CommandStdErr:
		w.int("cmd_index", p.CmdIndex)
		w.str("chunk", string(p.Chunk))
	case CommandExecuted:
		w.int("cmd_index", p.CmdIndex)
		w.bool("success", p.Success)
		w.optional("exit_message", p.ExitMessage)
	case TransferStarted:
		w.int("cmd_index", p.CmdIndex)
		w.str("from", p.From)
		w.str("to", p.To)
	case TransferExecuted:
		w.int("cmd_index", p.CmdIndex)
		w.bool("success", p.Success)
	case DownloadStarted:
		w.str("path", p.Path)
	case DownloadFinished:
		w.str("path", p.Path)
	}

	b.WriteByte(')')
	return b.String()
}

// ParseLine reads a line written by FormatLine.
//
// Only a broken outer structure is an error. A line with an unrecognized tag,
// or one missing a required field, becomes an Unknown record.
func ParseLine(line string) (Record, error) {
	line = strings.TrimRight(line, "\r\n")

	stamp, rest, ok := strings.Cut(line, " ")
	if !ok {
		return Record{}, &ParseError{Line: line, Reason: "missing severity"}
	}

	timestamp, err := time.Parse(TimestampLayout, stamp)
	if err != nil {
		return Record{}, &ParseError{Line: line, Reason: fmt.Sprintf("bad timestamp: %v", err)}
	}

	severityName, body, ok := strings.Cut(rest, " ")
	if !ok {
		return Record{}, &ParseError{Line: line, Reason: "missing payload"}
	}

	severity, err := ParseSeverity(severityName)
	if err != nil {
		return Record{}, &ParseError{Line: line, Reason: err.Error()}
	}

	open := strings.IndexByte(body, '(')
	if open <= 0 || !strings.HasSuffix(body, ")") {
		return Record{}, &ParseError{Line: line, Reason: "payload is not of the form Tag(...)"}
	}

	tag := body[:open]
	record := Record{Timestamp: timestamp.UTC(), Severity: severity}

	fields, err := parseFields(body[open+1 : len(body)-1])
	if err != nil {
		record.Payload = Unknown{Raw: line}
		return record, nil
	}

	r := &fieldReader{fields: fields}

	if tag == TagUnknown {
		record.Payload = Unknown{Raw: r.str("raw")}
		if r.failed() {
			record.Payload = Unknown{Raw: line}
		}

		return record, nil
	}

	record.AgreementID = r.str("agreement_id")
	record.TaskID = r.str("task_id")

	switch tag {
	case TagCommandStarted:
		record.Payload = CommandStarted{
			CmdIndex:   r.int("cmd_index"),
			EntryPoint: r.str("entry_point"),
			Args:       r.list("args"),
			Capture: Capture{
				Stdout: CaptureMode(r.optionalStr("capture_stdout")),
				Stderr: CaptureMode(r.optionalStr("capture_stderr")),
			},
		}
	case TagCommandStdOut:
		record.Payload = CommandStdOut{CmdIndex: r.int("cmd_index"), Chunk: r.bytes("chunk")}
	case TagCommandStdErr:
		record.Payload = CommandStdErr{CmdIndex: r.int("cmd_index"), Chunk: r.bytes("chunk")}
	case TagCommandExecuted:
		record.Payload = CommandExecuted{
			CmdIndex:    r.int("cmd_index"),
			Success:     r.bool("success"),
			ExitMessage: r.optional("exit_message"),
		}
	case TagTransferStarted:
		record.Payload = TransferStarted{CmdIndex: r.int("cmd_index"), From: r.str("from"), To: r.str("to")}
	case TagTransferExecuted:
		record.Payload = TransferExecuted{CmdIndex: r.int("cmd_index"), Success: r.bool("success")}
	case TagDownloadStarted:
		record.Payload = DownloadStarted{Path: r.str("path")}
	case TagDownloadFinished:
		record.Payload = DownloadFinished{Path: r.str("path")}
	default:
		r.missing = append(r.missing, "known tag")
	}

	if r.failed() {
		record.AgreementID = ""
		record.TaskID = ""
		record.Payload = Unknown{Raw: line}
	}

	return record, nil
}

type fieldWriter struct {
	b     *strings.Builder
	count int
}

func (w *fieldWriter) key(name string) {
	if w.count > 0 {
		w.b.WriteString(", ")
	}

	w.count++
	w.b.WriteString(name)
	w.b.WriteByte('=')
}

func (w *fieldWriter) str(name, value string) {
	w.key(name)
	w.b.WriteString(strconv.Quote(value))
}

func (w *fieldWriter) int(name string, value int) {
	w.key(name)
	w.b.WriteString(strconv.Itoa(value))
}

func (w *fieldWriter) bool(name string, value bool) {
	w.key(name)
	w.b.WriteString(strconv.FormatBool(value))
}

func (w *fieldWriter) optional(name string, value *string) {
	if value == nil {
		w.key(name)
		w.b.WriteString(noneValue)
		return
	}

	w.str(name, *value)
}

// A nil list is written as None, so nil and empty lists both survive a round trip.
func (w *fieldWriter) list(name string, values []string) {
	w.key(name)
	if values == nil {
		w.b.WriteString(noneValue)
		return
	}

	w.b.WriteByte('[')
	for i, v := range values {
		if i > 0 {
			w.b.WriteString(", ")
		}

		w.b.WriteString(strconv.Quote(v))
	}

	w.b.WriteByte(']')
}

type valueKind int

const (
	valueBare valueKind = iota
	valueQuoted
	valueList
)

type fieldValue struct {
	kind valueKind
	text string
	list []string
}

func parseFields(body string) (map[string]fieldValue, error) {
	fields := map[string]fieldValue{}
	rest := strings.TrimSpace(body)

	for rest != "" {
		name, value, ok := strings.Cut(rest, "=")
		if !ok {
			return nil, fmt.Errorf("field without value: '%s'", rest)
		}

		name = strings.TrimSpace(name)
		value = strings.TrimLeft(value, " ")

		var parsed fieldValue
		var err error

		parsed, rest, err = parseValue(value)
		if err != nil {
			return nil, fmt.Errorf("field '%s': %v", name, err)
		}

		fields[name] = parsed

		rest = strings.TrimLeft(rest, " ")
		if rest == "" {
			break
		}

		if rest[0] != ',' {
			return nil, fmt.Errorf("expected ',' after field '%s'", name)
		}

		rest = strings.TrimLeft(rest[1:], " ")
	}

	return fields, nil
}

func parseValue(input string) (fieldValue, string, error) {
	if input == "" {
		return fieldValue{}, "", fmt.Errorf("empty value")
	}

	switch input[0] {
	case '"':
		text, rest, err := readQuoted(input)
		if err != nil {
			return fieldValue{}, "", err
		}

		return fieldValue{kind: valueQuoted, text: text}, rest, nil

	case '[':
		items := []string{}
		rest := strings.TrimLeft(input[1:], " ")
		for {
			if rest == "" {
				return fieldValue{}, "", fmt.Errorf("unterminated list")
			}

			if rest[0] == ']' {
				return fieldValue{kind: valueList, list: items}, rest[1:], nil
			}

			item, remaining, err := readQuoted(rest)
			if err != nil {
				return fieldValue{}, "", err
			}

			items = append(items, item)
			rest = strings.TrimLeft(remaining, " ")
			if strings.HasPrefix(rest, ",") {
				rest = strings.TrimLeft(rest[1:], " ")
			}
		}

	default:
		end := strings.IndexByte(input, ',')
		if end < 0 {
			end = len(input)
		}

		return fieldValue{kind: valueBare, text: strings.TrimSpace(input[:end])}, input[end:], nil
	}
}

func readQuoted(input string) (string, string, error) {
	quoted, err := strconv.QuotedPrefix(input)
	if err != nil {
		return "", "", fmt.Errorf("bad quoted string: %v", err)
	}

	text, err := strconv.Unquote(quoted)
	if err != nil {
		return "", "", fmt.Errorf("bad quoted string: %v", err)
	}

	return text, input[len(quoted):], nil
}

// fieldReader collects the names of required fields
// that are absent or have the wrong shape.
type fieldReader struct {
	fields  map[string]fieldValue
	missing []string
}

func (r *fieldReader) failed() bool {
	return len(r.missing) > 0
}

func (r *fieldReader) get(name string, kind valueKind) (fieldValue, bool) {
	v, ok := r.fields[name]
	if !ok || v.kind != kind {
		r.missing = append(r.missing, name)
		return fieldValue{}, false
	}

	return v, true
}

func (r *fieldReader) str(name string) string {
	v, _ := r.get(name, valueQuoted)
	return v.text
}

func (r *fieldReader) optionalStr(name string) string {
	v, ok := r.fields[name]
	if !ok || v.kind != valueQuoted {
		return ""
	}

	return v.text
}

func (r *fieldReader) bytes(name string) []byte {
	v, ok := r.get(name, valueQuoted)
	if !ok {
		return nil
	}

	return []byte(v.text)
}

func (r *fieldReader) int(name string) int {
	v, ok := r.get(name, valueBare)
	if !ok {
		return 0
	}

	n, err := strconv.Atoi(v.text)
	if err != nil {
		r.missing = append(r.missing, name)
		return 0
	}

	return n
}

func (r *fieldReader) bool(name string) bool {
	v, ok := r.get(name, valueBare)
	if !ok {
		return false
	}

	b, err := strconv.ParseBool(v.text)
	if err != nil {
		r.missing = append(r.missing, name)
		return false
	}

	return b
}

func (r *fieldReader) optional(name string) *string {
	v, ok := r.fields[name]
	if !ok {
		r.missing = append(r.missing, name)
		return nil
	}

	if v.kind == valueBare && v.text == noneValue {
		return nil
	}

	if v.kind != valueQuoted {
		r.missing = append(r.missing, name)
		return nil
	}

	text := v.text
	return &text
}

func (r *fieldReader) list(name string) []string {
	v, ok := r.fields[name]
	if !ok {
		r.missing = append(r.missing, name)
		return nil
	}

	if v.kind == valueBare && v.text == noneValue {
		return nil
	}

	if v.kind != valueList {
		r.missing = append(r.missing, name)
		return nil
	}

	return v.list
}
