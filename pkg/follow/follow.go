package follow

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"
)

//
// Follows a log file that is still being written, like tail -f.
//
// Complete lines are handed to the consumer as soon as they are read.
// A trailing line without a newline is kept until the rest arrives,
// so a record is never split in two.
//
// When there is nothing new, the wait between reads grows exponentially,
// up to MaxInterval, and goes back to InitialInterval as soon as data shows up.
//

const InitialInterval = 10 * time.Millisecond
const MaxInterval = time.Second

type Options struct {
	Path string

	// Lines before this one are skipped.
	StartLine int

	Consumer func(line string) error
}

// Follow blocks until the context is cancelled or the consumer fails.
// It returns the number of lines read so far, which can be used as
// StartLine to resume.
func Follow(ctx context.Context, options Options) (int, error) {
	if options.Consumer == nil {
		return options.StartLine, errors.New("follow requires a consumer")
	}

	file, err := waitForFile(ctx, options.Path)
	if err != nil {
		return options.StartLine, err
	}

	defer file.Close()

	reader := bufio.NewReader(file)
	strategy := exponentialBackoff()
	lineIndex := 0
	partial := ""

	for {
		line, err := reader.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return lineIndex, err
		}

		if err == nil {
			line = partial + line
			partial = ""

			if lineIndex >= options.StartLine {
				if consumerErr := options.Consumer(line[:len(line)-1]); consumerErr != nil {
					return lineIndex + 1, consumerErr
				}
			}

			lineIndex++
			strategy.Reset()
			continue
		}

		// EOF: keep what we have of the current line, and wait for more.
		partial += line

		delay := strategy.NextBackOff()
		log.Debugf("No new lines in %s - waiting %v until next read", options.Path, delay)

		select {
		case <-ctx.Done():
			return lineIndex, nil
		case <-time.After(delay):
		}
	}
}

func waitForFile(ctx context.Context, path string) (*os.File, error) {
	strategy := exponentialBackoff()

	for {
		file, err := os.Open(path)
		if err == nil {
			return file, nil
		}

		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(strategy.NextBackOff()):
		}
	}
}

func exponentialBackoff() *backoff.ExponentialBackOff {
	e := backoff.NewExponentialBackOff()
	e.InitialInterval = InitialInterval
	e.MaxInterval = MaxInterval

	// We never want the strategy to return backoff.Stop.
	e.MaxElapsedTime = 0

	e.Reset()
	return e
}
