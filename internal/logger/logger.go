package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
	FATAL
)

type levelStyle struct {
	name     string
	level    *color.Color
	category *color.Color
}

var styles = map[LogLevel]levelStyle{
	DEBUG: {"DEBUG", color.New(color.FgCyan), color.New(color.FgCyan, color.Bold)},
	INFO:  {"INFO", color.New(color.FgGreen), color.New(color.FgGreen, color.Bold)},
	WARN:  {"WARN", color.New(color.FgYellow), color.New(color.FgYellow, color.Bold)},
	ERROR: {"ERROR", color.New(color.FgRed), color.New(color.FgRed, color.Bold)},
	FATAL: {"FATAL", color.New(color.FgRed, color.Bold), color.New(color.FgRed, color.Bold)},
}

var (
	timeColor = color.New(color.FgBlue)
	fileColor = color.New(color.FgMagenta)
)

func (l LogLevel) String() string {
	if s, ok := styles[l]; ok {
		return s.name
	}
	return "INFO"
}

// ParseLevel maps a LOG_LEVEL value to a LogLevel, defaulting to INFO.
func ParseLevel(s string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return DEBUG
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	case "FATAL":
		return FATAL
	default:
		return INFO
	}
}

// LogEntry is one line of the JSON log file.
type LogEntry struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Category  string `json:"category"`
	Message   string `json:"message"`
	File      string `json:"file,omitempty"`
	Line      int    `json:"line,omitempty"`
}

// Options controls where a Logger writes.
type Options struct {
	// Dir receives a JSON log file per day. Empty disables file output.
	Dir string
	// FilePrefix names the log file, e.g. "paytracker" -> paytracker-2006-01-02.log.
	FilePrefix string
	// Console receives the coloured terminal line. Nil means stdout.
	Console io.Writer
	// MinLevel drops entries below this level.
	MinLevel LogLevel
	// NoColor disables ANSI colours on the console.
	NoColor bool
}

// Logger writes category-tagged entries to the console and, optionally, to a daily JSON file.
type Logger struct {
	mu       sync.Mutex
	console  io.Writer
	minLevel LogLevel
	color    bool

	dir     string
	prefix  string
	file    *os.File
	fileDay string
	now     func() time.Time
}

func New(opts Options) (*Logger, error) {
	l := &Logger{
		console:  opts.Console,
		minLevel: opts.MinLevel,
		color:    !opts.NoColor,
		dir:      opts.Dir,
		prefix:   opts.FilePrefix,
		now:      time.Now,
	}
	if l.console == nil {
		l.console = os.Stdout
	}
	if l.prefix == "" {
		l.prefix = "paytracker"
	}

	if l.dir != "" {
		if err := os.MkdirAll(l.dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create logs directory: %w", err)
		}
		if err := l.rotate(l.now()); err != nil {
			return nil, err
		}
		l.Info("LOGGER", fmt.Sprintf("Log file: %s", l.file.Name()))
	}
	return l, nil
}

// NewLogger creates the default service logger writing to ./logs and stdout.
func NewLogger() *Logger {
	l, err := New(Options{Dir: "logs"})
	if err != nil {
		log.Fatal("Failed to initialise logger: ", err)
	}
	return l
}

// NewDiscard returns a Logger that writes nowhere.
func NewDiscard() *Logger {
	return &Logger{console: io.Discard, minLevel: DEBUG, now: time.Now}
}

// rotate opens the file for day t, closing the previous one. Caller holds mu or owns l.
func (l *Logger) rotate(t time.Time) error {
	day := t.Format("2006-01-02")
	if l.file != nil && l.fileDay == day {
		return nil
	}

	name := filepath.Join(l.dir, fmt.Sprintf("%s-%s.log", l.prefix, day))
	f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return fmt.Errorf("failed to create log file: %w", err)
	}
	if l.file != nil {
		l.file.Close()
	}
	l.file = f
	l.fileDay = day
	return nil
}

func (l *Logger) log(level LogLevel, category, message string) {
	if level < l.minLevel {
		return
	}

	now := l.now()
	entry := LogEntry{
		Timestamp: now.UTC().Format("2006-01-02T15:04:05.000Z"),
		Level:     level.String(),
		Category:  strings.ToUpper(category),
		Message:   message,
	}
	if _, file, line, ok := runtime.Caller(2); ok {
		entry.File = filepath.Base(file)
		entry.Line = line
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	fmt.Fprint(l.console, l.terminalLine(level, entry))

	if l.dir == "" {
		return
	}
	if err := l.rotate(now); err != nil {
		fmt.Fprintf(l.console, "logger: %v\n", err)
		return
	}
	if data, err := json.Marshal(entry); err == nil {
		l.file.Write(append(data, '\n'))
	}
}

func (l *Logger) terminalLine(level LogLevel, e LogEntry) string {
	clock := e.Timestamp[11:19]
	lvl := fmt.Sprintf("%-5s", e.Level)
	cat := fmt.Sprintf("[%-10s]", e.Category)
	var where string
	if e.File != "" && e.Line > 0 {
		where = fmt.Sprintf(" (%s:%d)", e.File, e.Line)
	}

	if l.color {
		s := styles[level]
		clock = timeColor.Sprint(clock)
		lvl = s.level.Sprint(lvl)
		cat = s.category.Sprint(cat)
		if where != "" {
			where = fileColor.Sprint(where)
		}
	}
	return fmt.Sprintf("%s %s %s %s%s\n", clock, lvl, cat, e.Message, where)
}

func (l *Logger) Debug(category, message string) {
	l.log(DEBUG, category, message)
}

func (l *Logger) Info(category, message string) {
	l.log(INFO, category, message)
}

func (l *Logger) Warn(category, message string) {
	l.log(WARN, category, message)
}

func (l *Logger) Error(category, message string) {
	l.log(ERROR, category, message)
}

// Fatal logs and exits the process.
func (l *Logger) Fatal(category, message string) {
	l.log(FATAL, category, message)
	l.Close()
	os.Exit(1)
}

// LogPayment records a lifecycle step of one payment.
func (l *Logger) LogPayment(action, traceID, message string) {
	l.Info("PAYMENT", fmt.Sprintf("[%s] %s - %s", action, traceID, message))
}

// LogTracker records a single poll. Debug level, since a payment may poll many times.
func (l *Logger) LogTracker(traceID string, attempt int, message string) {
	l.Debug("TRACKER", fmt.Sprintf("[%s] attempt %d - %s", traceID, attempt, message))
}

func (l *Logger) LogAPI(method, path, status, duration string) {
	l.Info("API", fmt.Sprintf("%s %s - %s (%s)", method, path, status, duration))
}

func (l *Logger) LogKafka(action, topic, message string) {
	l.Info("KAFKA", fmt.Sprintf("[%s] %s - %s", action, topic, message))
}

func (l *Logger) LogCache(operation, key, message string) {
	l.Debug("CACHE", fmt.Sprintf("[%s] %s - %s", operation, key, message))
}

func (l *Logger) LogDatabase(operation, table, message string) {
	l.Info("DATABASE", fmt.Sprintf("[%s] %s - %s", operation, table, message))
}

func (l *Logger) LogSecurity(event, message string) {
	l.Warn("SECURITY", fmt.Sprintf("[%s] %s", event, message))
}

func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}
