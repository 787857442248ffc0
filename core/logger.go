package core

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// ProductionLogger is the standard Logger implementation for the fleet.
//
// Configuration priority:
//  1. Explicit setters (highest)
//  2. Environment variables (AIFLEET_LOG_LEVEL, AIFLEET_LOG_FORMAT, AIFLEET_DEBUG)
//  3. Auto-detection (JSON format inside Kubernetes)
//  4. Defaults (INFO, text)
//
// Error logs are rate limited to one per second per logger to prevent
// flooding while a backend is down.
type ProductionLogger struct {
	level     string
	debug     bool
	component string
	format    string
	output    io.Writer
	mu        sync.RWMutex

	errEvery    time.Duration
	lastErrorMu sync.Mutex
	lastError   time.Time
}

// NewProductionLogger creates a logger tagged with a component name.
func NewProductionLogger(component string) *ProductionLogger {
	level := os.Getenv("AIFLEET_LOG_LEVEL")
	if level == "" {
		level = "INFO"
	}

	debug := os.Getenv("AIFLEET_DEBUG") == "true" || strings.EqualFold(level, "DEBUG")

	format := "text"
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		format = "json"
	}
	if envFormat := os.Getenv("AIFLEET_LOG_FORMAT"); envFormat != "" {
		format = envFormat
	}

	return &ProductionLogger{
		level:     strings.ToUpper(level),
		debug:     debug,
		component: component,
		format:    format,
		output:    os.Stdout,
		errEvery:  time.Second,
	}
}

func (l *ProductionLogger) Info(msg string, fields map[string]interface{}) {
	l.log("INFO", msg, fields)
}

func (l *ProductionLogger) Warn(msg string, fields map[string]interface{}) {
	l.log("WARN", msg, fields)
}

func (l *ProductionLogger) Error(msg string, fields map[string]interface{}) {
	l.lastErrorMu.Lock()
	now := time.Now()
	if now.Sub(l.lastError) < l.errEvery {
		l.lastErrorMu.Unlock()
		return
	}
	l.lastError = now
	l.lastErrorMu.Unlock()

	l.log("ERROR", msg, fields)
}

func (l *ProductionLogger) Debug(msg string, fields map[string]interface{}) {
	if !l.debug {
		return
	}
	l.log("DEBUG", msg, fields)
}

// SetLevel dynamically updates the log level.
func (l *ProductionLogger) SetLevel(level string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = strings.ToUpper(level)
	l.debug = l.level == "DEBUG"
}

// SetOutput changes the output writer (useful for testing).
func (l *ProductionLogger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.output = w
}

func (l *ProductionLogger) log(level, msg string, fields map[string]interface{}) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if !l.shouldLog(level) {
		return
	}

	timestamp := time.Now().Format(time.RFC3339)
	if l.format == "json" {
		l.logJSON(timestamp, level, msg, fields)
	} else {
		l.logText(timestamp, level, msg, fields)
	}
}

func (l *ProductionLogger) logJSON(timestamp, level, msg string, fields map[string]interface{}) {
	entry := map[string]interface{}{
		"timestamp": timestamp,
		"level":     level,
		"component": l.component,
		"message":   msg,
	}
	for k, v := range fields {
		if k != "timestamp" && k != "level" && k != "component" && k != "message" {
			entry[k] = v
		}
	}
	if data, err := json.Marshal(entry); err == nil {
		fmt.Fprintln(l.output, string(data))
	}
}

func (l *ProductionLogger) logText(timestamp, level, msg string, fields map[string]interface{}) {
	var b strings.Builder
	if len(fields) > 0 {
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(" ")
		for _, k := range keys {
			fmt.Fprintf(&b, "%s=%v ", k, fields[k])
		}
	}
	fmt.Fprintf(l.output, "%s [%s] [%s] %s%s\n", timestamp, level, l.component, msg, b.String())
}

func (l *ProductionLogger) shouldLog(level string) bool {
	levels := map[string]int{"DEBUG": 0, "INFO": 1, "WARN": 2, "ERROR": 3}

	current, ok1 := levels[l.level]
	message, ok2 := levels[level]
	if !ok1 || !ok2 {
		return true
	}
	return message >= current
}
