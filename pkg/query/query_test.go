package query

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/semaphoreci/activitylog/pkg/compression"
	"github.com/semaphoreci/activitylog/pkg/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func key(index int) events.Key {
	return events.Key{AgreementID: "A", TaskID: "1", CmdIndex: index}
}

func hashcatKeyspaceFailure() []events.Record {
	return []events.Record{
		events.NewCommandStarted(key(3), "/bin/sh", []string{"-c", "hashcat --keeyspace -a 3 ?a?a?a"}, events.Capture{}),
		events.NewStdErr(key(3), []byte("hashcat: unrecognized option '--keeyspace'\n")),
		events.NewCommandExecuted(key(3), false, events.StringPtr("exited with code 255")),
	}
}

func Test__FailedCommandOutcome(t *testing.T) {
	q := FromRecords(hashcatKeyspaceFailure())

	outcome, err := q.CommandOutcome(key(3))
	require.NoError(t, err)

	assert.Equal(t, "/bin/sh", outcome.EntryPoint)
	assert.Equal(t, []string{"-c", "hashcat --keeyspace -a 3 ?a?a?a"}, outcome.Args)
	assert.False(t, outcome.Success)
	assert.Contains(t, string(outcome.Stderr), "hashcat: unrecognized option '--keeyspace'")
	assert.Empty(t, outcome.Stdout)
	require.NotNil(t, outcome.ExitMessage)
	assert.Equal(t, "exited with code 255", *outcome.ExitMessage)

	code, ok := outcome.ExitStatus()
	assert.True(t, ok)
	assert.Equal(t, 255, code)
	assert.True(t, outcome.PossiblyNegativeExit())
}

func Test__SuccessfulCommandOutcome(t *testing.T) {
	q := FromRecords([]events.Record{
		events.NewCommandStarted(key(3), "/bin/sh", []string{"-c", "hashcat --keyspace -a 3 ?a?a"}, events.Capture{}),
		events.NewStdOut(key(3), []byte("90")),
		events.NewStdOut(key(3), []byte("25")),
		events.NewCommandExecuted(key(3), true, nil),
	})

	outcome, err := q.CommandOutcome(key(3))
	require.NoError(t, err)
	assert.True(t, outcome.Success)
	assert.Nil(t, outcome.ExitMessage)
	assert.Equal(t, "9025", string(outcome.Stdout))

	code, ok := outcome.ExitStatus()
	assert.True(t, ok)
	assert.Equal(t, 0, code)
	assert.False(t, outcome.PossiblyNegativeExit())
}

func Test__OutputIsConcatenatedInEmissionOrder(t *testing.T) {
	q := FromRecords([]events.Record{
		events.NewCommandStarted(key(0), "/bin/run", nil, events.Capture{}),
		events.NewStdOut(key(0), []byte("a")),
		events.NewStdErr(key(0), []byte("x")),
		events.NewStdOut(key(0), []byte("b")),
		events.NewStdErr(key(0), []byte("y")),
		events.NewStdOut(key(0), []byte("c")),
		events.NewCommandExecuted(key(0), true, nil),
	})

	outcome, err := q.CommandOutcome(key(0))
	require.NoError(t, err)
	assert.Equal(t, "abc", string(outcome.Stdout))
	assert.Equal(t, "xy", string(outcome.Stderr))
}

func Test__NotFound(t *testing.T) {
	q := FromRecords(hashcatKeyspaceFailure())

	_, err := q.CommandOutcome(key(4))
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = q.CommandOutcome(events.Key{AgreementID: "B", TaskID: "1", CmdIndex: 3})
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = q.TransferOutcome(key(3))
	assert.True(t, errors.Is(err, ErrNotFound))
}

func Test__Incomplete(t *testing.T) {
	q := FromRecords([]events.Record{
		events.NewCommandStarted(key(1), "/bin/sleep", []string{"1000"}, events.Capture{}),
		events.NewStdOut(key(1), []byte("partial")),
		events.NewTransferStarted(key(2), "gftp://X/abc", "container:/golem/work/a"),
	})

	outcome, err := q.CommandOutcome(key(1))
	assert.True(t, errors.Is(err, ErrIncomplete))
	require.NotNil(t, outcome)
	assert.Equal(t, "partial", string(outcome.Stdout))

	_, err = q.TransferOutcome(key(2))
	assert.True(t, errors.Is(err, ErrIncomplete))
}

func Test__CommandsOfTheSameTaskAreIsolated(t *testing.T) {
	q := FromRecords([]events.Record{
		events.NewCommandStarted(key(1), "/bin/first", nil, events.Capture{}),
		events.NewCommandStarted(key(2), "/bin/second", nil, events.Capture{}),
		events.NewStdOut(key(1), []byte("one-a ")),
		events.NewStdOut(key(2), []byte("two-a ")),
		events.NewStdOut(key(1), []byte("one-b")),
		events.NewStdOut(key(2), []byte("two-b")),
		events.NewCommandExecuted(key(2), true, nil),
		events.NewCommandExecuted(key(1), true, nil),
	})

	first, err := q.CommandOutcome(key(1))
	require.NoError(t, err)
	assert.Equal(t, "one-a one-b", string(first.Stdout))

	second, err := q.CommandOutcome(key(2))
	require.NoError(t, err)
	assert.Equal(t, "two-a two-b", string(second.Stdout))
}

func Test__TransferOutcome(t *testing.T) {
	q := FromRecords([]events.Record{
		events.NewTransferStarted(key(0), "gftp://X/abc", "container:/golem/work/keyspace.sh"),
		events.NewTransferExecuted(key(0), true),
	})

	outcome, err := q.TransferOutcome(key(0))
	require.NoError(t, err)
	assert.Equal(t, "gftp://X/abc", outcome.From)
	assert.Equal(t, "container:/golem/work/keyspace.sh", outcome.To)
	assert.True(t, outcome.Success)

	// queries are idempotent
	again, err := q.TransferOutcome(key(0))
	require.NoError(t, err)
	assert.Equal(t, outcome, again)
}

func writeLog(t *testing.T, records []events.Record, extraLines ...string) string {
	lines := []string{}
	for _, record := range records {
		lines = append(lines, events.FormatLine(record))
	}

	lines = append(lines, extraLines...)

	path := filepath.Join(t.TempDir(), "requestor.log")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0600))
	return path
}

func Test__LoadFileSkipsMalformedLines(t *testing.T) {
	path := writeLog(t, hashcatKeyspaceFailure(),
		"garbage that is not a record",
		"",
		`2026-10-19T08:00:00Z INFO ProviderBanned(agreement_id="A")`,
	)

	q, err := LoadFile(path)
	require.NoError(t, err)

	warnings := q.Warnings()
	require.Len(t, warnings, 1)
	assert.Equal(t, 4, warnings[0].Line)

	records := q.Records()
	require.Len(t, records, 4)
	assert.Equal(t, events.TagUnknown, records[3].Tag())

	outcome, err := q.CommandOutcome(key(3))
	require.NoError(t, err)
	assert.False(t, outcome.Success)
}

func Test__LoadCompressedFile(t *testing.T) {
	path := writeLog(t, hashcatKeyspaceFailure())
	compressed, err := compression.Compress(path)
	require.NoError(t, err)

	q, err := LoadFile(compressed)
	require.NoError(t, err)

	outcome, err := q.CommandOutcome(key(3))
	require.NoError(t, err)
	assert.Contains(t, string(outcome.Stderr), "unrecognized option")
}

func Test__Keys(t *testing.T) {
	records := append(hashcatKeyspaceFailure(),
		events.NewTransferStarted(key(0), "gftp://X/abc", "container:/golem/work/a"),
		events.NewDownloadStarted("A", "1", "/tmp/out.txt"),
	)

	assert.Equal(t, []events.Key{key(3), key(0)}, FromRecords(records).Keys())
}

func Test__WritePlainText(t *testing.T) {
	records := []events.Record{
		events.NewTransferStarted(key(0), "gftp://X/abc", "container:/golem/work/keyspace.sh"),
		events.NewTransferExecuted(key(0), true),
		events.NewCommandStarted(key(1), "/bin/sh", []string{"/golem/work/keyspace.sh"}, events.Capture{}),
		events.NewStdOut(key(1), []byte("9025")),
		events.NewCommandExecuted(key(1), true, nil),
	}

	records = append(records, hashcatKeyspaceFailure()...)

	w := &bytes.Buffer{}
	require.NoError(t, FromRecords(records).WritePlainText(w))

	assert.Equal(t, []string{
		"[A/1/0] transfer gftp://X/abc -> container:/golem/work/keyspace.sh: succeeded",
		"[A/1/1] $ /bin/sh /golem/work/keyspace.sh",
		"9025",
		"[A/1/1] succeeded",
		"[A/1/3] $ /bin/sh -c 'hashcat --keeyspace -a 3 ?a?a?a'",
		"hashcat: unrecognized option '--keeyspace'",
		"[A/1/3] failed: exited with code 255 (possibly -1)",
		"",
	}, strings.Split(w.String(), "\n"))
}

func Test__GeneratePlainTextFile(t *testing.T) {
	file, err := FromRecords(hashcatKeyspaceFailure()).GeneratePlainTextFileIn(t.TempDir())
	require.NoError(t, err)
	assert.FileExists(t, file)

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Contains(t, string(data), "possibly -1")
}

func Test__OversizeLineIsSkipped(t *testing.T) {
	lines := []string{}
	for _, record := range hashcatKeyspaceFailure() {
		lines = append(lines, events.FormatLine(record))
	}

	huge := strings.Repeat("x", MaxLineSize+10)
	input := lines[0] + "\n" + huge + "\n" + lines[1] + "\n" + lines[2]

	q, err := Load(strings.NewReader(input))
	require.NoError(t, err)

	warnings := q.Warnings()
	require.Len(t, warnings, 1)
	assert.Equal(t, 2, warnings[0].Line)
	assert.ErrorIs(t, warnings[0].Err, ErrLineTooLong)

	// the last line has no newline and is still read
	outcome, err := q.CommandOutcome(key(3))
	require.NoError(t, err)
	assert.False(t, outcome.Success)
}
