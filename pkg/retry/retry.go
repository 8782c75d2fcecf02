package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
)

type RetryOptions struct {
	Task                 string
	MaxAttempts          int
	DelayBetweenAttempts time.Duration
	Fn                   func() error

	// Errors for which another attempt would not help.
	// They are returned right away.
	Permanent func(error) bool

	HideError bool
}

type ExhaustedError struct {
	Task     string
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("[%s] failed after [%d] attempts - giving up: %v", e.Task, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

func RetryWithConstantWait(options RetryOptions) error {
	return RetryWithConstantWaitAndContext(context.Background(), options)
}

func RetryWithConstantWaitAndContext(ctx context.Context, options RetryOptions) error {
	if options.Fn == nil {
		return errors.New("options.Fn cannot be nil")
	}

	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := options.Fn()
		if err == nil {
			return nil
		}

		if options.Permanent != nil && options.Permanent(err) {
			return err
		}

		if attempt >= options.MaxAttempts {
			return &ExhaustedError{Task: options.Task, Attempts: attempt, Err: err}
		}

		if !options.HideError {
			log.Warnf(
				"[%s] attempt [%d] failed with [%v] - retrying in %s",
				options.Task,
				attempt,
				err,
				options.DelayBetweenAttempts,
			)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(options.DelayBetweenAttempts):
		}
	}
}
