package eventlogger

import (
	"fmt"
	"io"

	"github.com/semaphoreci/activitylog/pkg/events"
	"github.com/semaphoreci/activitylog/pkg/summary"
	log "github.com/sirupsen/logrus"
)

// Console is the human-readable sink. It only shows entries at or
// above its minimum severity. logrus serializes writes, one entry at a time.
type Console struct {
	logger *log.Logger
}

func NewConsole(out io.Writer, min events.Severity) *Console {
	logger := log.New()
	logger.SetOutput(out)
	logger.SetFormatter(&CustomFormatter{})
	logger.SetLevel(logrusLevel(min))

	return &Console{logger: logger}
}

func (c *Console) Summary(line summary.Line, details string) {
	fields := log.Fields{
		"agreement": line.Key.AgreementID,
		"task":      line.Key.TaskID,
	}

	if line.Provider != "" {
		fields[ProviderField] = line.Provider
	}

	if !line.Success && details != "" {
		fields["details"] = details
	}

	c.logger.WithFields(fields).WithTime(line.Timestamp).Log(logrusLevel(line.Severity()), line.Message())
}

func (c *Console) Record(record events.Record) {
	fields := log.Fields{}
	if record.AgreementID != "" {
		fields["agreement"] = record.AgreementID
	}

	if record.TaskID != "" {
		fields["task"] = record.TaskID
	}

	c.logger.WithFields(fields).WithTime(record.Timestamp).Log(logrusLevel(record.Severity), describeRecord(record))
}

func (c *Console) Warnf(format string, args ...interface{}) {
	c.logger.Warnf(format, args...)
}

func describeRecord(record events.Record) string {
	switch p := record.Payload.(type) {
	case events.DownloadStarted:
		return "download started: " + p.Path
	case events.DownloadFinished:
		return "download finished: " + p.Path
	case events.Unknown:
		return "unrecognized event: " + p.Raw
	default:
		return fmt.Sprintf("%s event", record.Tag())
	}
}

func logrusLevel(severity events.Severity) log.Level {
	switch severity {
	case events.SeverityDebug:
		return log.DebugLevel
	case events.SeverityWarn:
		return log.WarnLevel
	default:
		return log.InfoLevel
	}
}
