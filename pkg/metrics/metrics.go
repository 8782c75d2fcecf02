package metrics

import (
	watchman "github.com/renderedtext/go-watchman"
	"github.com/semaphoreci/activitylog/pkg/summary"
	log "github.com/sirupsen/logrus"
)

const OperationClosedMetric = "operation.closed"
const OperationOpenMetric = "operation.open"

type SubmitFn func(name string, tags []string, value int) error

// Reporter submits one counter per closed operation, tagged with
// the operation kind and its result.
type Reporter struct {
	Submit SubmitFn
}

func NewReporter() *Reporter {
	return &Reporter{Submit: watchman.SubmitWithTags}
}

// Configure points watchman at a StatsD server. Without it,
// submissions are dropped by the watchman client.
func Configure(host, port, prefix string) error {
	return watchman.Configure(host, port, prefix)
}

func (r *Reporter) OperationClosed(line summary.Line) {
	r.submit(OperationClosedMetric, []string{string(line.Kind), result(line)}, 1)
}

func (r *Reporter) OpenOperations(open []summary.Pending) {
	r.submit(OperationOpenMetric, []string{}, len(open))
}

func (r *Reporter) submit(name string, tags []string, value int) {
	err := r.Submit(name, tags, value)
	if err != nil {
		log.Errorf("Error submitting metrics: %v", err)
	}
}

func result(line summary.Line) string {
	switch {
	case line.Unmatched:
		return "unmatched"
	case line.Success:
		return "success"
	default:
		return "failure"
	}
}
