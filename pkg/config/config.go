package config

import (
	"fmt"
	"strings"

	"github.com/semaphoreci/activitylog/pkg/events"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	ConfigFile         = "config-file"
	FileSinkPath       = "file-sink-path"
	ConsoleMinSeverity = "console-min-severity"
	FileMinSeverity    = "file-min-severity"
	StderrHintBytes    = "stderr-hint-bytes"
	OpenRetryAttempts  = "open-retry-attempts"
	MetricsHost        = "metrics-host"
	MetricsPort        = "metrics-port"
	MetricsPrefix      = "metrics-prefix"
	ServerHost         = "server-host"
	ServerPort         = "server-port"
	AuthTokenSecret    = "auth-token-secret"
)

const EnvPrefix = "ACTIVITYLOG"

const (
	DefaultStderrHintBytes   = 512
	DefaultOpenRetryAttempts = 3
	DefaultServerPort        = 8000
)

var ValidConsoleMinSeverities = []string{
	events.SeverityNameInfo,
	events.SeverityNameDebug,
	events.SeverityNameWarn,
}

var ValidFileMinSeverities = []string{
	events.SeverityNameDebug,
}

var ValidConfigKeys = []string{
	ConfigFile,
	FileSinkPath,
	ConsoleMinSeverity,
	FileMinSeverity,
	StderrHintBytes,
	OpenRetryAttempts,
	MetricsHost,
	MetricsPort,
	MetricsPrefix,
	ServerHost,
	ServerPort,
	AuthTokenSecret,
}

type Config struct {
	FileSinkPath       string
	ConsoleMinSeverity events.Severity
	FileMinSeverity    events.Severity
	StderrHintBytes    int
	OpenRetryAttempts  int
	MetricsHost        string
	MetricsPort        string
	MetricsPrefix      string
	ServerHost         string
	ServerPort         int
	AuthTokenSecret    string
}

// Default is a console-only setup showing INFO and above.
func Default() Config {
	return Config{
		ConsoleMinSeverity: events.SeverityInfo,
		FileMinSeverity:    events.SeverityDebug,
		StderrHintBytes:    DefaultStderrHintBytes,
		OpenRetryAttempts:  DefaultOpenRetryAttempts,
		MetricsPrefix:      "activitylog",
		ServerHost:         "0.0.0.0",
		ServerPort:         DefaultServerPort,
	}
}

func DefineFlags(flags *pflag.FlagSet) {
	defaults := Default()

	flags.String(ConfigFile, "", "Config file")
	flags.String(FileSinkPath, "", "Write the full structured log to this file")
	flags.String(ConsoleMinSeverity, events.SeverityNameInfo, "Minimum severity shown on the console: "+strings.Join(ValidConsoleMinSeverities, ", "))
	flags.String(FileMinSeverity, events.SeverityNameDebug, "Minimum severity written to the file sink: "+strings.Join(ValidFileMinSeverities, ", "))
	flags.Int(StderrHintBytes, defaults.StderrHintBytes, "How much stderr to keep for failure hints in the summary")
	flags.Int(OpenRetryAttempts, defaults.OpenRetryAttempts, "How many times to try opening the file sink")
	flags.String(MetricsHost, "", "StatsD host for operation metrics")
	flags.String(MetricsPort, "8125", "StatsD port for operation metrics")
	flags.String(MetricsPrefix, defaults.MetricsPrefix, "StatsD metric prefix")
	flags.String(ServerHost, defaults.ServerHost, "Host for the inspection server")
	flags.Int(ServerPort, defaults.ServerPort, "Port for the inspection server")
	flags.String(AuthTokenSecret, "", "Secret used to verify inspection server tokens")
}

// NewViper binds the flags, ACTIVITYLOG_* environment variables
// and, if one was given, the config file.
func NewViper(flags *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(flags); err != nil {
		return nil, fmt.Errorf("error binding flags: %v", err)
	}

	path := v.GetString(ConfigFile)
	if path == "" {
		return v, nil
	}

	// Only the keys in the file are checked, flags of other commands are fine.
	fileOnly := viper.New()
	fileOnly.SetConfigFile(path)
	if err := fileOnly.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %v", path, err)
	}

	if err := validateConfigKeys(fileOnly.AllKeys()); err != nil {
		return nil, err
	}

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %v", path, err)
	}

	return v, nil
}

func Load(v *viper.Viper) (Config, error) {
	c := Default()

	consoleMin, err := parseSeverity(v.GetString(ConsoleMinSeverity), events.SeverityInfo, ValidConsoleMinSeverities)
	if err != nil {
		return c, fmt.Errorf("invalid %s: %v", ConsoleMinSeverity, err)
	}

	fileMin, err := parseSeverity(v.GetString(FileMinSeverity), events.SeverityDebug, ValidFileMinSeverities)
	if err != nil {
		return c, fmt.Errorf("invalid %s: %v", FileMinSeverity, err)
	}

	c.FileSinkPath = v.GetString(FileSinkPath)
	c.ConsoleMinSeverity = consoleMin
	c.FileMinSeverity = fileMin
	c.MetricsHost = v.GetString(MetricsHost)
	c.MetricsPort = v.GetString(MetricsPort)
	c.AuthTokenSecret = v.GetString(AuthTokenSecret)

	if v.IsSet(StderrHintBytes) {
		c.StderrHintBytes = v.GetInt(StderrHintBytes)
	}

	if v.IsSet(OpenRetryAttempts) {
		c.OpenRetryAttempts = v.GetInt(OpenRetryAttempts)
	}

	if v.IsSet(MetricsPrefix) {
		c.MetricsPrefix = v.GetString(MetricsPrefix)
	}

	if v.IsSet(ServerHost) {
		c.ServerHost = v.GetString(ServerHost)
	}

	if v.IsSet(ServerPort) {
		c.ServerPort = v.GetInt(ServerPort)
	}

	if c.StderrHintBytes < 0 {
		return c, fmt.Errorf("invalid %s: %d", StderrHintBytes, c.StderrHintBytes)
	}

	if c.OpenRetryAttempts < 1 {
		c.OpenRetryAttempts = 1
	}

	return c, nil
}

func parseSeverity(value string, fallback events.Severity, valid []string) (events.Severity, error) {
	if value == "" {
		return fallback, nil
	}

	severity, err := events.ParseSeverity(value)
	if err != nil {
		return fallback, err
	}

	for _, name := range valid {
		if name == severity.String() {
			return severity, nil
		}
	}

	return fallback, fmt.Errorf("'%s' is not one of %s", value, strings.Join(valid, ", "))
}

func validateConfigKeys(keys []string) error {
	for _, key := range keys {
		if !contains(ValidConfigKeys, key) {
			return fmt.Errorf("unrecognized config key '%s'", key)
		}
	}

	return nil
}

func contains(list []string, value string) bool {
	for _, item := range list {
		if item == value {
			return true
		}
	}

	return false
}
