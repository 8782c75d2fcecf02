package eventlogger

import (
	"fmt"
	"sort"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

const ProviderField = "provider"

// CustomFormatter renders console lines as
//
//	<time> <LEVEL> [provider] key=value ... : message
type CustomFormatter struct{}

func (f *CustomFormatter) Format(entry *log.Entry) ([]byte, error) {
	parts := []string{}
	parts = append(parts, entry.Time.UTC().Format(time.StampMilli))
	parts = append(parts, strings.ToUpper(levelName(entry.Level)))

	if provider, ok := entry.Data[ProviderField]; ok && provider != "" {
		parts = append(parts, fmt.Sprintf("[%v]", provider))
	}

	extraFields := f.formatFields(entry.Data)
	if extraFields != "" {
		parts = append(parts, extraFields)
	}

	parts = append(parts, ":")
	parts = append(parts, fmt.Sprintf("%s\n", entry.Message))
	return []byte(strings.Join(parts, " ")), nil
}

func (f *CustomFormatter) formatFields(fields log.Fields) string {
	keys := make([]string, 0, len(fields))
	for key := range fields {
		if key == ProviderField {
			continue
		}

		keys = append(keys, key)
	}

	sort.Strings(keys)

	result := []string{}
	for _, key := range keys {
		result = append(result, fmt.Sprintf("%s=%v", key, fields[key]))
	}

	return strings.Join(result, " ")
}

func levelName(level log.Level) string {
	if level == log.WarnLevel {
		return "warn"
	}

	return level.String()
}
