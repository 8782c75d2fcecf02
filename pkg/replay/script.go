// Package replay emits the events of a scripted requestor run into an
// event log. It stands in for the requestor runtime in demos and tests.
package replay

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/semaphoreci/activitylog/pkg/events"
	log "github.com/sirupsen/logrus"
	yaml "gopkg.in/yaml.v3"
)

type Script struct {
	Agreements []Agreement `yaml:"agreements"`
}

type Agreement struct {
	ID       string `yaml:"id"`
	Provider string `yaml:"provider"`
	Tasks    []Task `yaml:"tasks"`
}

type Task struct {
	ID    string `yaml:"id"`
	Steps []Step `yaml:"steps"`
}

// Step holds exactly one of Run, Transfer or Download.
type Step struct {
	Run      *RunStep      `yaml:"run"`
	Transfer *TransferStep `yaml:"transfer"`
	Download *DownloadStep `yaml:"download"`
}

type RunStep struct {
	EntryPoint string   `yaml:"entry_point"`
	Args       []string `yaml:"args"`
	Stdout     []string `yaml:"stdout"`
	Stderr     []string `yaml:"stderr"`
	ExitCode   int      `yaml:"exit_code"`
	Capture    string   `yaml:"capture"`

	// The command never reports back, leaving the operation open.
	Unfinished bool `yaml:"unfinished"`
}

type TransferStep struct {
	From       string `yaml:"from"`
	To         string `yaml:"to"`
	Failed     bool   `yaml:"failed"`
	Unfinished bool   `yaml:"unfinished"`
}

type DownloadStep struct {
	Path string `yaml:"path"`
}

// Appender is satisfied by *eventlogger.Logger.
type Appender interface {
	Append(events.Record) error
	SetProvider(agreementID, provider string)
}

func Load(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	return Parse(data)
}

func Parse(data []byte) (*Script, error) {
	script := &Script{}
	if err := yaml.Unmarshal(data, script); err != nil {
		return nil, fmt.Errorf("error parsing replay script: %v", err)
	}

	if err := script.validate(); err != nil {
		return nil, err
	}

	return script, nil
}

func (s *Script) validate() error {
	for _, agreement := range s.Agreements {
		if agreement.ID == "" {
			return fmt.Errorf("agreement without an id")
		}

		for _, task := range agreement.Tasks {
			if task.ID == "" {
				return fmt.Errorf("agreement %s: task without an id", agreement.ID)
			}

			for i, step := range task.Steps {
				count := 0
				if step.Run != nil {
					count++
				}

				if step.Transfer != nil {
					count++
				}

				if step.Download != nil {
					count++
				}

				if count != 1 {
					return fmt.Errorf("agreement %s, task %s, step %d: expected exactly one of run, transfer or download", agreement.ID, task.ID, i)
				}
			}
		}
	}

	return nil
}

// Emit runs every task of the script concurrently, each one emitting its
// steps in order with increasing command indexes. The first append error
// is returned once all tasks are done.
func Emit(ctx context.Context, appender Appender, script *Script) error {
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	for _, agreement := range script.Agreements {
		if agreement.Provider != "" {
			appender.SetProvider(agreement.ID, agreement.Provider)
		}

		for _, task := range agreement.Tasks {
			wg.Add(1)
			go func(agreementID string, task Task) {
				defer wg.Done()

				err := emitTask(ctx, appender, agreementID, task)
				if err != nil {
					log.Debugf("Task %s/%s stopped: %v", agreementID, task.ID, err)

					mu.Lock()
					if firstErr == nil {
						firstErr = err
					}

					mu.Unlock()
				}
			}(agreement.ID, task)
		}
	}

	wg.Wait()
	return firstErr
}

func emitTask(ctx context.Context, appender Appender, agreementID string, task Task) error {
	index := 0

	for _, step := range task.Steps {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		records := []events.Record{}

		switch {
		case step.Run != nil:
			records = runRecords(events.Key{AgreementID: agreementID, TaskID: task.ID, CmdIndex: index}, step.Run)
			index++
		case step.Transfer != nil:
			records = transferRecords(events.Key{AgreementID: agreementID, TaskID: task.ID, CmdIndex: index}, step.Transfer)
			index++
		case step.Download != nil:
			records = []events.Record{
				events.NewDownloadStarted(agreementID, task.ID, step.Download.Path),
				events.NewDownloadFinished(agreementID, task.ID, step.Download.Path),
			}
		}

		for _, record := range records {
			if err := appender.Append(record); err != nil {
				return err
			}
		}
	}

	return nil
}

func runRecords(key events.Key, run *RunStep) []events.Record {
	capture := events.Capture{
		Stdout: events.CaptureMode(run.Capture),
		Stderr: events.CaptureMode(run.Capture),
	}

	records := []events.Record{events.NewCommandStarted(key, run.EntryPoint, run.Args, capture)}
	for _, chunk := range run.Stdout {
		records = append(records, events.NewStdOut(key, []byte(chunk)))
	}

	for _, chunk := range run.Stderr {
		records = append(records, events.NewStdErr(key, []byte(chunk)))
	}

	if run.Unfinished {
		return records
	}

	var exitMessage *string
	if run.ExitCode != 0 {
		exitMessage = events.StringPtr(events.ExitMessage(run.ExitCode))
	}

	return append(records, events.NewCommandExecuted(key, run.ExitCode == 0, exitMessage))
}

func transferRecords(key events.Key, transfer *TransferStep) []events.Record {
	records := []events.Record{events.NewTransferStarted(key, transfer.From, transfer.To)}
	if transfer.Unfinished {
		return records
	}

	return append(records, events.NewTransferExecuted(key, !transfer.Failed))
}
