package eventlogger

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/semaphoreci/activitylog/pkg/compression"
	"github.com/semaphoreci/activitylog/pkg/config"
	"github.com/semaphoreci/activitylog/pkg/events"
	"github.com/semaphoreci/activitylog/pkg/summary"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(index int) events.Key {
	return events.Key{AgreementID: "A", TaskID: "1", CmdIndex: index}
}

func newFileLogger(t *testing.T, path string) (*Logger, *bytes.Buffer) {
	c := config.Default()
	c.FileSinkPath = path
	c.OpenRetryAttempts = 1

	console := &bytes.Buffer{}
	logger, _, err := New(c, console)
	require.NoError(t, err)

	return logger, console
}

func readRecords(t *testing.T, path string) []events.Record {
	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()

	records := []events.Record{}
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		record, err := events.ParseLine(scanner.Text())
		require.NoError(t, err)
		records = append(records, record)
	}

	require.NoError(t, scanner.Err())
	return records
}

func failingCommand(t *testing.T, logger *Logger) {
	assert.NoError(t, logger.Append(events.NewCommandStarted(testKey(3), "/bin/sh", []string{"-c", "hashcat --keeyspace"}, events.Capture{})))
	assert.NoError(t, logger.Append(events.NewStdErr(testKey(3), []byte("hashcat: unrecognized option '--keeyspace'\n"))))
	assert.NoError(t, logger.Append(events.NewCommandExecuted(testKey(3), false, events.StringPtr("exited with code 255"))))
}

func Test__FullLogInFileAndSummaryOnConsole(t *testing.T) {
	path := filepath.Join(t.TempDir(), "requestor.log")
	logger, console := newFileLogger(t, path)
	logger.SetProvider("A", "provider-1")

	assert.NoError(t, logger.Append(events.NewCommandStarted(testKey(0), "/bin/echo", []string{"9025"}, events.Capture{})))
	assert.NoError(t, logger.Append(events.NewStdOut(testKey(0), []byte("9025\n"))))
	assert.NoError(t, logger.Append(events.NewCommandExecuted(testKey(0), true, nil)))
	failingCommand(t, logger)
	assert.NoError(t, logger.Close())

	records := readRecords(t, path)
	tags := []string{}
	for _, r := range records {
		tags = append(tags, r.Tag())
	}

	assert.Equal(t, []string{
		events.TagCommandStarted,
		events.TagCommandStdOut,
		events.TagCommandExecuted,
		events.TagCommandStarted,
		events.TagCommandStdErr,
		events.TagCommandExecuted,
	}, tags)

	lines := strings.Split(strings.TrimSpace(console.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "INFO [provider-1] agreement=A task=1 : run #0 /bin/echo 9025: succeeded")
	assert.Contains(t, lines[1], "WARN [provider-1] agreement=A details=see "+path+" task=1 : run #3")
	assert.Contains(t, lines[1], "hashcat: unrecognized option '--keeyspace' (exited with code 255)")
	assert.NotContains(t, console.String(), "9025\n\n")
}

func Test__ConsoleOnlyWhenFileSinkIsUnavailable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "dir", "requestor.log")
	logger, console := newFileLogger(t, path)
	assert.False(t, logger.FileActive())

	failingCommand(t, logger)
	assert.NoError(t, logger.Close())

	output := console.String()
	assert.Contains(t, output, "file sink "+path+" unavailable")
	assert.Contains(t, output, "continuing with console output only")
	assert.Contains(t, output, "details="+NoFileSinkDetails)
	assert.Contains(t, output, "hashcat: unrecognized option '--keeyspace'")
	assert.NoFileExists(t, path)
}

func Test__RecordsAreOnDiskBeforeClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "requestor.log")
	logger, _ := newFileLogger(t, path)

	failingCommand(t, logger)
	assert.Len(t, readRecords(t, path), 3)
	assert.NoError(t, logger.Close())
}

func Test__ConsoleOnlyAfterFileSinkWriteFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "requestor.log")
	logger, console := newFileLogger(t, path)
	require.True(t, logger.FileActive())

	// the disk goes away under the open sink
	require.NoError(t, logger.options.FileBackend.file.Close())

	failingCommand(t, logger)
	assert.False(t, logger.FileActive())

	output := console.String()
	assert.Contains(t, output, "file sink "+path+" unavailable")
	assert.Contains(t, output, "continuing with console output only")
	assert.Contains(t, output, "details="+NoFileSinkDetails)
	assert.NotContains(t, output, "details=see "+path)

	assert.NoError(t, logger.Flush())
	assert.NoError(t, logger.Close())
}

func Test__ConsoleOnlyWhenDiskIsFull(t *testing.T) {
	if _, err := os.Stat("/dev/full"); err != nil {
		t.Skip("/dev/full is not available")
	}

	logger, console := newFileLogger(t, "/dev/full")
	require.True(t, logger.FileActive())

	failingCommand(t, logger)
	assert.False(t, logger.FileActive())
	assert.Contains(t, console.String(), "file sink /dev/full unavailable")
	assert.Contains(t, console.String(), "details="+NoFileSinkDetails)
	assert.NoError(t, logger.Close())
}

func Test__ConsoleMinSeverity(t *testing.T) {
	console := &bytes.Buffer{}
	c := config.Default()
	c.ConsoleMinSeverity = events.SeverityWarn

	logger, _, err := New(c, console)
	require.NoError(t, err)

	assert.NoError(t, logger.Append(events.NewTransferStarted(testKey(0), "gftp://X/abc", "container:/golem/work/a")))
	assert.NoError(t, logger.Append(events.NewTransferExecuted(testKey(0), true)))
	assert.NoError(t, logger.Append(events.NewDownloadFinished("A", "1", "/tmp/out.txt")))
	assert.Empty(t, console.String())

	failingCommand(t, logger)
	assert.Contains(t, console.String(), "run #3")
	assert.NoError(t, logger.Close())
}

func Test__RecordsWithoutOperationAreShownDirectly(t *testing.T) {
	logger, backend, console := DefaultTestLogger()

	assert.NoError(t, logger.Append(events.NewDownloadStarted("A", "1", "/tmp/out.txt")))
	assert.NoError(t, logger.Append(events.NewDownloadFinished("A", "1", "/tmp/out.txt")))
	assert.NoError(t, logger.Close())

	assert.Equal(t, []string{events.TagDownloadStarted, events.TagDownloadFinished}, backend.Tags())
	assert.Contains(t, console.String(), "DEBUG agreement=A task=1 : download started: /tmp/out.txt")
	assert.Contains(t, console.String(), "INFO agreement=A task=1 : download finished: /tmp/out.txt")
}

func Test__DuplicateOperationIsReturnedButRecorded(t *testing.T) {
	logger, backend, console := DefaultTestLogger()

	assert.NoError(t, logger.Append(events.NewCommandStarted(testKey(1), "/bin/first", nil, events.Capture{})))
	err := logger.Append(events.NewCommandStarted(testKey(1), "/bin/second", nil, events.Capture{}))
	assert.True(t, errors.Is(err, summary.ErrDuplicateOperation))

	assert.Len(t, backend.Records(), 2)
	assert.Contains(t, console.String(), "opened twice")
	assert.NoError(t, logger.Close())
}

func Test__CloseReportsOpenOperationsAndFlushes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "requestor.log")
	logger, console := newFileLogger(t, path)

	assert.NoError(t, logger.Append(events.NewCommandStarted(testKey(5), "/bin/sleep", []string{"1000"}, events.Capture{})))
	assert.NoError(t, logger.Append(events.NewStdOut(testKey(5), []byte("partial output"))))

	require.Len(t, logger.OpenOperations(), 1)
	assert.NoError(t, logger.Close())

	assert.Contains(t, console.String(), "run #5 /bin/sleep 1000 still open for agreement=A task=1")

	records := readRecords(t, path)
	require.Len(t, records, 2)
	assert.Equal(t, events.CommandStdOut{CmdIndex: 5, Chunk: []byte("partial output")}, records[1].Payload)

	// closing twice is harmless, appending after close is not allowed
	assert.NoError(t, logger.Close())
	assert.ErrorIs(t, logger.Append(events.NewStdOut(testKey(5), []byte("late"))), ErrLoggerClosed)
}

func Test__ConcurrentAppendsKeepPerKeyOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "requestor.log")
	logger, _ := newFileLogger(t, path)

	tasks := 10
	commands := 5
	chunks := 20

	var wg sync.WaitGroup
	for task := 0; task < tasks; task++ {
		wg.Add(1)
		go func(task int) {
			defer wg.Done()

			for index := 0; index < commands; index++ {
				key := events.Key{AgreementID: "A", TaskID: fmt.Sprintf("task-%d", task), CmdIndex: index}
				assert.NoError(t, logger.Append(events.NewCommandStarted(key, "/bin/count", nil, events.Capture{})))
				for chunk := 0; chunk < chunks; chunk++ {
					assert.NoError(t, logger.Append(events.NewStdOut(key, []byte(fmt.Sprintf("%d,", chunk)))))
				}

				assert.NoError(t, logger.Append(events.NewCommandExecuted(key, true, nil)))
			}
		}(task)
	}

	wg.Wait()
	assert.NoError(t, logger.Close())

	records := readRecords(t, path)
	assert.Len(t, records, tasks*commands*(chunks+2))

	expected := ""
	for chunk := 0; chunk < chunks; chunk++ {
		expected += fmt.Sprintf("%d,", chunk)
	}

	outputs := map[events.Key]string{}
	for _, record := range records {
		if out, ok := record.Payload.(events.CommandStdOut); ok {
			key, _ := record.Key()
			outputs[key] += string(out.Chunk)
		}
	}

	assert.Len(t, outputs, tasks*commands)
	for key, output := range outputs {
		assert.Equal(t, expected, output, key.String())
	}
}

func Test__Compress(t *testing.T) {
	path := filepath.Join(t.TempDir(), "requestor.log")
	logger, _ := newFileLogger(t, path)

	_, err := logger.Compress()
	assert.Error(t, err)

	assert.NoError(t, logger.Append(events.NewDownloadStarted("A", "1", "/tmp/out.txt")))
	assert.NoError(t, logger.Close())

	compressed, err := logger.Compress()
	require.NoError(t, err)
	assert.Equal(t, path+compression.Extension, compressed)
	assert.FileExists(t, compressed)
}

type panickingBackend struct{}

func (b *panickingBackend) Open() error                 { return nil }
func (b *panickingBackend) Write(r events.Record) error { panic("boom") }
func (b *panickingBackend) Close() error                { return nil }

func Test__PanickingBackendDoesNotPropagate(t *testing.T) {
	err := safeWrite(&panickingBackend{}, events.NewStdOut(testKey(0), []byte("x")))
	assert.ErrorContains(t, err, "boom")
}
