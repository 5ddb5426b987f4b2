package logger

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

var (
	mu    sync.Mutex
	level = INFO
	out   = os.Stderr
)

// SetLevel sets the minimum level that will be written.
func SetLevel(l Level) {
	mu.Lock()
	level = l
	mu.Unlock()
}

func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "?"
	}
}

func logCF(l Level, channel, msg string, fields map[string]interface{}) {
	mu.Lock()
	defer mu.Unlock()
	if l < level {
		return
	}

	var b strings.Builder
	b.WriteString(time.Now().Format("2006-01-02 15:04:05.000"))
	b.WriteString(" [")
	b.WriteString(l.String())
	b.WriteString("] [")
	b.WriteString(channel)
	b.WriteString("] ")
	b.WriteString(msg)

	if len(fields) > 0 {
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			b.WriteString(fmt.Sprintf(" %s=%v", k, fields[k]))
		}
	}

	fmt.Fprintln(out, b.String())
}

// DebugC logs a message at DEBUG level tagged with a channel name.
func DebugC(channel, msg string) { logCF(DEBUG, channel, msg, nil) }

// DebugCF logs a message at DEBUG level with structured fields.
func DebugCF(channel, msg string, fields map[string]interface{}) { logCF(DEBUG, channel, msg, fields) }

// InfoC logs a message at INFO level tagged with a channel name.
func InfoC(channel, msg string) { logCF(INFO, channel, msg, nil) }

// InfoCF logs a message at INFO level with structured fields.
func InfoCF(channel, msg string, fields map[string]interface{}) { logCF(INFO, channel, msg, fields) }

// WarnC logs a message at WARN level tagged with a channel name.
func WarnC(channel, msg string) { logCF(WARN, channel, msg, nil) }

// WarnCF logs a message at WARN level with structured fields.
func WarnCF(channel, msg string, fields map[string]interface{}) { logCF(WARN, channel, msg, fields) }

// ErrorCF logs a message at ERROR level with structured fields.
func ErrorCF(channel, msg string, fields map[string]interface{}) { logCF(ERROR, channel, msg, fields) }
