package summary

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/semaphoreci/activitylog/pkg/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func key(index int) events.Key {
	return events.Key{AgreementID: "A", TaskID: "1", CmdIndex: index}
}

func observeAll(t *testing.T, a *Aggregator, records ...events.Record) []Line {
	lines := []Line{}
	for _, record := range records {
		line, err := a.Observe(record)
		require.NoError(t, err)
		if line != nil {
			lines = append(lines, *line)
		}
	}

	return lines
}

func Test__FailedCommandShowsStderrHint(t *testing.T) {
	a := NewAggregator(512)
	a.SetProvider("A", "provider-1")

	lines := observeAll(t, a,
		events.NewCommandStarted(key(3), "/bin/sh", []string{"-c", "hashcat --keeyspace -a 3 ?a?a"}, events.Capture{}),
		events.NewStdErr(key(3), []byte("hashcat: unrecognized option '--keeyspace'\n")),
		events.NewCommandExecuted(key(3), false, events.StringPtr("exited with code 255")),
	)

	require.Len(t, lines, 1)
	line := lines[0]
	assert.Equal(t, "provider-1", line.Provider)
	assert.Equal(t, KindRun, line.Kind)
	assert.False(t, line.Success)
	assert.Equal(t, events.SeverityWarn, line.Severity())
	assert.Equal(t, "hashcat: unrecognized option '--keeyspace' (exited with code 255)", line.Hint)
	assert.Equal(t,
		"run #3 /bin/sh -c 'hashcat --keeyspace -a 3 ?a?a': failed - hashcat: unrecognized option '--keeyspace' (exited with code 255)",
		line.Message(),
	)

	assert.Empty(t, a.Open())
}

func Test__OutputChunksDoNotProduceLines(t *testing.T) {
	a := NewAggregator(512)

	lines := observeAll(t, a,
		events.NewCommandStarted(key(0), "/bin/echo", []string{"9025"}, events.Capture{}),
		events.NewStdOut(key(0), []byte("90")),
		events.NewStdOut(key(0), []byte("25")),
		events.NewCommandExecuted(key(0), true, nil),
		events.NewDownloadStarted("A", "1", "/tmp/out.txt"),
	)

	require.Len(t, lines, 1)
	assert.True(t, lines[0].Success)
	assert.Equal(t, "", lines[0].Hint)
	assert.Equal(t, "run #0 /bin/echo 9025: succeeded", lines[0].Message())
}

func Test__Transfers(t *testing.T) {
	a := NewAggregator(512)

	lines := observeAll(t, a,
		events.NewTransferStarted(key(1), "gftp://X/abc", "container:/golem/work/keyspace.sh"),
		events.NewTransferExecuted(key(1), true),
	)

	require.Len(t, lines, 1)
	assert.Equal(t, KindTransfer, lines[0].Kind)
	assert.Equal(t, "gftp://X/abc -> container:/golem/work/keyspace.sh", lines[0].Descriptor)
}

func Test__PipelinedCommandsAreKeptApart(t *testing.T) {
	a := NewAggregator(512)

	lines := observeAll(t, a,
		events.NewCommandStarted(key(1), "/bin/first", nil, events.Capture{}),
		events.NewCommandStarted(key(2), "/bin/second", nil, events.Capture{}),
		events.NewStdErr(key(2), []byte("second broke")),
		events.NewStdErr(key(1), []byte("first broke")),
		events.NewCommandExecuted(key(2), false, nil),
	)

	require.Len(t, lines, 1)
	assert.Equal(t, "/bin/second", lines[0].Descriptor)
	assert.Equal(t, "second broke", lines[0].Hint)

	open := a.Open()
	require.Len(t, open, 1)
	assert.Equal(t, key(1), open[0].Key)
	assert.Equal(t, []byte("first broke"), open[0].StderrTail)
}

func Test__DuplicateOpenIsReported(t *testing.T) {
	a := NewAggregator(512)

	_, err := a.Observe(events.NewCommandStarted(key(1), "/bin/first", nil, events.Capture{}))
	require.NoError(t, err)

	_, err = a.Observe(events.NewCommandStarted(key(1), "/bin/again", nil, events.Capture{}))
	assert.True(t, errors.Is(err, ErrDuplicateOperation))

	var duplicate *DuplicateOperationError
	require.True(t, errors.As(err, &duplicate))
	assert.Equal(t, key(1), duplicate.Key)

	// the original operation is kept
	open := a.Open()
	require.Len(t, open, 1)
	assert.Equal(t, "/bin/first", open[0].Descriptor)
}

func Test__CloseWithoutOpen(t *testing.T) {
	a := NewAggregator(512)

	lines := observeAll(t, a, events.NewCommandExecuted(key(7), true, nil))
	require.Len(t, lines, 1)
	assert.True(t, lines[0].Unmatched)
	assert.Equal(t, events.SeverityWarn, lines[0].Severity())
}

func Test__StderrTailIsBounded(t *testing.T) {
	a := NewAggregator(8)

	lines := observeAll(t, a,
		events.NewCommandStarted(key(0), "/bin/sh", nil, events.Capture{}),
		events.NewStdErr(key(0), []byte("first line\n")),
		events.NewStdErr(key(0), []byte("0123456789abcdef")),
		events.NewCommandExecuted(key(0), false, nil),
	)

	require.Len(t, lines, 1)
	assert.Equal(t, "89abcdef", lines[0].Hint)
}

func Test__OnCloseHook(t *testing.T) {
	a := NewAggregator(512)
	closed := []Line{}
	a.OnClose = func(l Line) { closed = append(closed, l) }

	observeAll(t, a,
		events.NewTransferStarted(key(0), "gftp://X/abc", "container:/golem/work/a"),
		events.NewTransferExecuted(key(0), false),
	)

	require.Len(t, closed, 1)
	assert.False(t, closed[0].Success)
}

func Test__ConcurrentKeys(t *testing.T) {
	a := NewAggregator(512)

	var wg sync.WaitGroup
	for task := 0; task < 20; task++ {
		wg.Add(1)
		go func(task int) {
			defer wg.Done()

			for index := 0; index < 10; index++ {
				k := events.Key{AgreementID: "A", TaskID: fmt.Sprintf("%d", task), CmdIndex: index}
				_, err := a.Observe(events.NewCommandStarted(k, "/bin/true", nil, events.Capture{}))
				assert.NoError(t, err)
				_, err = a.Observe(events.NewCommandExecuted(k, true, nil))
				assert.NoError(t, err)
			}
		}(task)
	}

	wg.Wait()
	assert.Empty(t, a.Open())
}

func Test__Replay(t *testing.T) {
	lines, open := Replay([]events.Record{
		events.NewCommandStarted(key(0), "/bin/true", nil, events.Capture{}),
		events.NewCommandExecuted(key(0), true, nil),
		events.NewCommandStarted(key(1), "/bin/sleep", []string{"100"}, events.Capture{}),
	}, 512)

	require.Len(t, lines, 1)
	require.Len(t, open, 1)
	assert.Equal(t, "/bin/sleep 100", open[0].Descriptor)
}
