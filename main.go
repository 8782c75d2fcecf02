package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/mitchellh/panicwrap"
	"github.com/semaphoreci/activitylog/pkg/compression"
	"github.com/semaphoreci/activitylog/pkg/config"
	"github.com/semaphoreci/activitylog/pkg/eventlogger"
	"github.com/semaphoreci/activitylog/pkg/events"
	"github.com/semaphoreci/activitylog/pkg/follow"
	"github.com/semaphoreci/activitylog/pkg/metrics"
	"github.com/semaphoreci/activitylog/pkg/normalize"
	"github.com/semaphoreci/activitylog/pkg/query"
	"github.com/semaphoreci/activitylog/pkg/replay"
	"github.com/semaphoreci/activitylog/pkg/server"
	"github.com/semaphoreci/activitylog/pkg/summary"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
)

var VERSION = "dev"

const usage = `usage: activitylog <command> [flags] [args]

commands:
  summary  <log>                          summary lines of a recorded log
  command  <log> <agreement> <task> <n>   outcome of one command
  transfer <log> <agreement> <task> <n>   outcome of one transfer
  open     <log>                          operations that never finished
  plain    <log>                          plain-text transcript
  follow   <log>                          live summary of a log being written
  replay   <script>                       emit a YAML script into a new log
  serve                                   HTTP inspection server
  compress <log>                          gzip a finished log
  version`

func main() {
	exitStatus, err := panicwrap.BasicWrap(panicHandler)
	if err != nil {
		panic(err)
	}

	// Parent process: the child already ran the program.
	if exitStatus >= 0 {
		os.Exit(exitStatus)
	}

	log.SetOutput(os.Stderr)
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	action := os.Args[1]
	if action == "version" {
		fmt.Println(VERSION)
		return
	}

	if err := run(action, os.Args[2:]); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}

func panicHandler(output string) {
	log.Errorf("Activity log crashed:\n%s", output)
	os.Exit(1)
}

type command struct {
	args   []string
	config config.Config

	// The event log console. Standard output is kept for command results.
	stderr io.Writer
}

func run(action string, args []string) error {
	flags := pflag.NewFlagSet(action, pflag.ContinueOnError)
	config.DefineFlags(flags)
	startFrom := flags.Int("start-from", 0, "follow: skip lines before this one")
	compress := flags.Bool("compress", false, "replay: gzip the file sink when done")

	if err := flags.Parse(args); err != nil {
		return err
	}

	v, err := config.NewViper(flags)
	if err != nil {
		return err
	}

	c, err := config.Load(v)
	if err != nil {
		return err
	}

	if c.MetricsHost != "" {
		if err := metrics.Configure(c.MetricsHost, c.MetricsPort, c.MetricsPrefix); err != nil {
			log.Errorf("Error configuring metrics: %v", err)
		}
	}

	cmd := command{args: flags.Args(), config: c, stderr: os.Stderr}

	switch action {
	case "summary":
		return cmd.summary()
	case "command":
		return cmd.command()
	case "transfer":
		return cmd.transfer()
	case "open":
		return cmd.open()
	case "plain":
		return cmd.plain()
	case "follow":
		return cmd.follow(*startFrom)
	case "replay":
		return cmd.replay(*compress)
	case "serve":
		return cmd.serve()
	case "compress":
		return cmd.compress()
	default:
		return fmt.Errorf("unknown command %q\n%s", action, usage)
	}
}

func (c *command) arg(i int, name string) (string, error) {
	if len(c.args) <= i {
		return "", fmt.Errorf("missing argument <%s>\n%s", name, usage)
	}

	return c.args[i], nil
}

func (c *command) load() (*query.Query, error) {
	path, err := c.arg(0, "log")
	if err != nil {
		return nil, err
	}

	return query.LoadFile(path)
}

func (c *command) key() (events.Key, error) {
	agreement, err := c.arg(1, "agreement")
	if err != nil {
		return events.Key{}, err
	}

	task, err := c.arg(2, "task")
	if err != nil {
		return events.Key{}, err
	}

	index, err := c.arg(3, "n")
	if err != nil {
		return events.Key{}, err
	}

	cmdIndex, err := strconv.Atoi(index)
	if err != nil {
		return events.Key{}, fmt.Errorf("invalid command index %q: %v", index, err)
	}

	return events.Key{AgreementID: agreement, TaskID: task, CmdIndex: cmdIndex}, nil
}

func (c *command) summary() error {
	q, err := c.load()
	if err != nil {
		return err
	}

	console := eventlogger.NewConsole(os.Stdout, c.config.ConsoleMinSeverity)
	lines, open := summary.Replay(q.Records(), c.config.StderrHintBytes)
	for _, line := range lines {
		console.Summary(line, "")
	}

	for _, pending := range open {
		console.Warnf("%s #%d %s never finished for agreement=%s task=%s",
			pending.Kind, pending.Key.CmdIndex, pending.Descriptor, pending.Key.AgreementID, pending.Key.TaskID)
	}

	metrics.NewReporter().OpenOperations(open)
	return nil
}

func (c *command) command() error {
	q, err := c.load()
	if err != nil {
		return err
	}

	key, err := c.key()
	if err != nil {
		return err
	}

	outcome, err := q.CommandOutcome(key)
	if outcome == nil {
		return err
	}

	fmt.Printf("$ %s\n", summary.DescribeCommand(outcome.EntryPoint, outcome.Args))
	fmt.Printf("--- stdout\n%s\n--- stderr\n%s\n", outcome.Stdout, outcome.Stderr)

	if errors.Is(err, query.ErrIncomplete) {
		fmt.Println("--- still running, or the log ends before the command finished")
		return err
	}

	status := "succeeded"
	if !outcome.Success {
		status = "failed"
	}

	if code, ok := outcome.ExitStatus(); ok {
		status = fmt.Sprintf("%s, exit status %d", status, code)
		if outcome.PossiblyNegativeExit() {
			status = fmt.Sprintf("%s (possibly %d)", status, events.SignedExitStatus(code))
		}
	}

	fmt.Printf("--- %s\n", status)
	return nil
}

func (c *command) transfer() error {
	q, err := c.load()
	if err != nil {
		return err
	}

	key, err := c.key()
	if err != nil {
		return err
	}

	outcome, err := q.TransferOutcome(key)
	if outcome == nil {
		return err
	}

	fmt.Println(summary.DescribeTransfer(outcome.From, outcome.To))
	if err != nil {
		return err
	}

	if outcome.Success {
		fmt.Println("succeeded")
	} else {
		fmt.Println("failed")
	}

	return nil
}

func (c *command) open() error {
	q, err := c.load()
	if err != nil {
		return err
	}

	_, open := summary.Replay(q.Records(), c.config.StderrHintBytes)
	for _, pending := range open {
		fmt.Printf("%s %s #%d %s (started %s)\n",
			pending.Key, pending.Kind, pending.Key.CmdIndex, pending.Descriptor, pending.OpenedAt.Format("15:04:05.000"))
	}

	return nil
}

func (c *command) plain() error {
	q, err := c.load()
	if err != nil {
		return err
	}

	return q.WritePlainText(os.Stdout)
}

// follow shows the summary of a log that another process is still writing.
func (c *command) follow(startFrom int) error {
	path, err := c.arg(0, "log")
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	console := eventlogger.NewConsole(os.Stdout, c.config.ConsoleMinSeverity)
	aggregator := summary.NewAggregator(c.config.StderrHintBytes)
	aggregator.OnClose = metrics.NewReporter().OperationClosed

	read, err := follow.Follow(ctx, follow.Options{
		Path:      path,
		StartLine: startFrom,
		Consumer: func(line string) error {
			if line == "" {
				return nil
			}

			record, err := normalize.ParseLine(line)
			if err != nil {
				log.Warnf("Skipping line: %v", err)
				return nil
			}

			if !summary.Summarizes(record) {
				console.Record(record)
				return nil
			}

			summaryLine, err := aggregator.Observe(record)
			if err != nil {
				console.Warnf("%v", err)
			}

			if summaryLine != nil {
				console.Summary(*summaryLine, "see "+path)
			}

			return nil
		},
	})

	log.Infof("Stopped following %s after %d lines", path, read)
	return err
}

func (c *command) replay(compress bool) error {
	path, err := c.arg(0, "script")
	if err != nil {
		return err
	}

	script, err := replay.Load(path)
	if err != nil {
		return err
	}

	logger, aggregator, err := eventlogger.New(c.config, c.stderr)
	if err != nil {
		return err
	}

	// Releases the file sink on early returns and panics. Closing twice is fine.
	defer logger.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	reporter := metrics.NewReporter()
	aggregator.OnClose = reporter.OperationClosed

	emitErr := replay.Emit(ctx, logger, script)
	reporter.OpenOperations(logger.OpenOperations())

	if err := logger.Close(); err != nil {
		return errors.Join(emitErr, err)
	}

	if emitErr != nil {
		return emitErr
	}

	if compress && c.config.FileSinkPath != "" {
		compressed, err := logger.Compress()
		if err != nil {
			return err
		}

		log.Infof("Compressed log written to %s", compressed)
	}

	return nil
}

func (c *command) serve() error {
	logPath := c.config.FileSinkPath
	if len(c.args) > 0 {
		logPath = c.args[0]
	}

	if logPath == "" {
		return fmt.Errorf("serve needs a log: pass it as an argument or with --%s", config.FileSinkPath)
	}

	return server.NewServer(server.ServerConfig{
		Host:      c.config.ServerHost,
		Port:      c.config.ServerPort,
		Version:   VERSION,
		JWTSecret: []byte(c.config.AuthTokenSecret),
		HintBytes: c.config.StderrHintBytes,
		LogPath:   logPath,
		AccessLog: os.Stderr,
	}).Serve()
}

func (c *command) compress() error {
	path, err := c.arg(0, "log")
	if err != nil {
		return err
	}

	if _, err := os.Stat(path + compression.Extension); err == nil {
		return fmt.Errorf("%s%s already exists", path, compression.Extension)
	}

	compressed, err := compression.Compress(path)
	if err != nil {
		return err
	}

	fmt.Println(compressed)
	return nil
}
