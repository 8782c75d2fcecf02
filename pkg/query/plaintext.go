package query

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/semaphoreci/activitylog/pkg/events"
	"github.com/semaphoreci/activitylog/pkg/summary"
)

// WritePlainText writes a transcript of every command and transfer:
// the command line, then its stdout and stderr, then how it ended.
func (q *Query) WritePlainText(writer io.Writer) error {
	w := bufio.NewWriterSize(writer, 64*1024)

	for _, key := range q.Keys() {
		if err := q.writeOperation(w, key); err != nil {
			return fmt.Errorf("error writing to output: %v", err)
		}
	}

	return w.Flush()
}

func (q *Query) writeOperation(w *bufio.Writer, key events.Key) error {
	command, err := q.CommandOutcome(key)
	if command != nil {
		if _, writeErr := fmt.Fprintf(w, "[%s] $ %s\n", key, summary.DescribeCommand(command.EntryPoint, command.Args)); writeErr != nil {
			return writeErr
		}

		if _, writeErr := w.Write(command.Stdout); writeErr != nil {
			return writeErr
		}

		if _, writeErr := w.Write(command.Stderr); writeErr != nil {
			return writeErr
		}

		if len(command.Stdout)+len(command.Stderr) > 0 && !endsWithNewline(command.Stdout, command.Stderr) {
			if writeErr := w.WriteByte('\n'); writeErr != nil {
				return writeErr
			}
		}

		_, writeErr := fmt.Fprintf(w, "[%s] %s\n", key, commandResult(command, err))
		return writeErr
	}

	transfer, err := q.TransferOutcome(key)
	if transfer == nil {
		return nil
	}

	_, writeErr := fmt.Fprintf(w, "[%s] transfer %s: %s\n", key, summary.DescribeTransfer(transfer.From, transfer.To), transferResult(transfer, err))
	return writeErr
}

func commandResult(outcome *CommandOutcome, err error) string {
	if errors.Is(err, ErrIncomplete) {
		return "did not finish"
	}

	result := "succeeded"
	if !outcome.Success {
		result = "failed"
	}

	if outcome.ExitMessage != nil {
		result += ": " + *outcome.ExitMessage
	}

	if outcome.PossiblyNegativeExit() {
		code, _ := outcome.ExitStatus()
		result += fmt.Sprintf(" (possibly %d)", events.SignedExitStatus(code))
	}

	return result
}

func transferResult(outcome *TransferOutcome, err error) string {
	if errors.Is(err, ErrIncomplete) {
		return "did not finish"
	}

	if outcome.Success {
		return "succeeded"
	}

	return "failed"
}

func endsWithNewline(stdout, stderr []byte) bool {
	last := stderr
	if len(last) == 0 {
		last = stdout
	}

	return len(last) > 0 && last[len(last)-1] == '\n'
}

// GeneratePlainTextFileIn writes the transcript into a new file in directory.
// The caller must delete the file after it's done with it.
func (q *Query) GeneratePlainTextFileIn(directory string) (string, error) {
	tmpFile, err := os.CreateTemp(directory, "*.txt")
	if err != nil {
		return "", fmt.Errorf("error creating plain text file: %v", err)
	}

	defer tmpFile.Close()

	if err := q.WritePlainText(tmpFile); err != nil {
		return "", err
	}

	return tmpFile.Name(), nil
}
