package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/term"
)

// Level represents log severity levels
type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

func (l Level) String() string {
	switch l {
	case DebugLevel:
		return "DEBUG"
	case InfoLevel:
		return "INFO"
	case WarnLevel:
		return "WARN"
	case ErrorLevel:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel converts a configuration value such as "debug" to a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "trace":
		return DebugLevel, nil
	case "", "info":
		return InfoLevel, nil
	case "warn", "warning":
		return WarnLevel, nil
	case "error":
		return ErrorLevel, nil
	default:
		return InfoLevel, fmt.Errorf("unknown log level %q", s)
	}
}

func (l Level) hclog() hclog.Level {
	switch l {
	case DebugLevel:
		return hclog.Debug
	case WarnLevel:
		return hclog.Warn
	case ErrorLevel:
		return hclog.Error
	default:
		return hclog.Info
	}
}

// Logger interface defines structured logging methods
type Logger interface {
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
	SetLevel(level Level)
	SetJSONOutput(enabled bool)
}

// LoggerConfig holds configuration for the logger
type LoggerConfig struct {
	Name       string
	Level      Level
	JSONOutput bool
	Stderr     io.Writer
}

// DefaultLogger is the default implementation of Logger, backed by hclog.
// Messages take key/value pairs: logger.Info("pair done", "flows", 3).
type DefaultLogger struct {
	mu         sync.Mutex
	name       string
	level      Level
	jsonOutput bool
	stderr     io.Writer
	colors     bool
	inner      hclog.Logger
}

var (
	defaultLogger *DefaultLogger
	once          sync.Once
)

// New creates a new logger with the given configuration
func New(cfg LoggerConfig) *DefaultLogger {
	l := &DefaultLogger{
		name:       cfg.Name,
		level:      cfg.Level,
		jsonOutput: cfg.JSONOutput,
		stderr:     cfg.Stderr,
	}
	if l.stderr == nil {
		l.stderr = os.Stderr
	}
	l.colors = isTerminal(l.stderr)
	l.rebuild()
	return l
}

// Default returns the default logger instance
func Default() *DefaultLogger {
	once.Do(func() {
		defaultLogger = New(LoggerConfig{Name: "gtf", Level: InfoLevel})
	})
	return defaultLogger
}

// Discard returns a logger that drops every message. Used by tests.
func Discard() *DefaultLogger {
	return New(LoggerConfig{Level: ErrorLevel, Stderr: io.Discard})
}

// rebuild recreates the hclog logger; callers hold mu or own l exclusively.
func (l *DefaultLogger) rebuild() {
	color := hclog.ColorOff
	if l.colors && !l.jsonOutput {
		color = hclog.ForceColor
	}
	l.inner = hclog.New(&hclog.LoggerOptions{
		Name:            l.name,
		Level:           l.level.hclog(),
		Output:          l.stderr,
		JSONFormat:      l.jsonOutput,
		Color:           color,
		TimeFormat:      "2006-01-02 15:04:05",
		IncludeLocation: false,
	})
}

// isTerminal checks if the writer is a terminal
func isTerminal(w io.Writer) bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	if f, ok := w.(*os.File); ok {
		return term.IsTerminal(int(f.Fd()))
	}
	return false
}

// IsTTY checks if the standard error is a TTY
func IsTTY() bool {
	return isTerminal(os.Stderr)
}

func (l *DefaultLogger) logger() hclog.Logger {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inner
}

// Debug logs a debug message
func (l *DefaultLogger) Debug(msg string, args ...interface{}) {
	l.logger().Debug(msg, args...)
}

// Info logs an info message
func (l *DefaultLogger) Info(msg string, args ...interface{}) {
	l.logger().Info(msg, args...)
}

// Warn logs a warning message
func (l *DefaultLogger) Warn(msg string, args ...interface{}) {
	l.logger().Warn(msg, args...)
}

// Error logs an error message
func (l *DefaultLogger) Error(msg string, args ...interface{}) {
	l.logger().Error(msg, args...)
}

// SetLevel sets the minimum log level
func (l *DefaultLogger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
	l.inner.SetLevel(level.hclog())
}

// SetJSONOutput enables or disables JSON output
func (l *DefaultLogger) SetJSONOutput(enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.jsonOutput == enabled {
		return
	}
	l.jsonOutput = enabled
	l.rebuild()
}

// Named returns a child logger whose messages carry a sub-system name.
func (l *DefaultLogger) Named(name string) *DefaultLogger {
	l.mu.Lock()
	defer l.mu.Unlock()
	child := &DefaultLogger{
		name:       l.name,
		level:      l.level,
		jsonOutput: l.jsonOutput,
		stderr:     l.stderr,
		colors:     l.colors,
	}
	if child.name != "" {
		child.name += "."
	}
	child.name += name
	child.rebuild()
	return child
}

// ProgressSpinner provides a spinner for long-running operations
type ProgressSpinner struct {
	mu       sync.Mutex
	message  string
	spinner  []string
	current  int
	active   bool
	writer   io.Writer
	colors   bool
	stopChan chan struct{}
	done     chan struct{}
}

// NewProgressSpinner creates a new progress spinner
func NewProgressSpinner(message string) *ProgressSpinner {
	return &ProgressSpinner{
		message:  message,
		spinner:  []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"},
		writer:   os.Stderr,
		colors:   IsTTY(),
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins the spinner animation. It does nothing when stderr is not
// a terminal.
func (p *ProgressSpinner) Start() {
	p.mu.Lock()
	if p.active || !p.colors {
		p.mu.Unlock()
		return
	}
	p.active = true
	p.mu.Unlock()

	go p.animate()
}

// Stop stops the spinner and clears its line.
func (p *ProgressSpinner) Stop() {
	p.mu.Lock()
	if !p.active {
		p.mu.Unlock()
		return
	}
	p.active = false
	p.mu.Unlock()

	close(p.stopChan)
	<-p.done
	fmt.Fprint(p.writer, "\r\033[K")
}

// Message updates the spinner message
func (p *ProgressSpinner) Message(msg string) {
	p.mu.Lock()
	p.message = msg
	p.mu.Unlock()
}

// animate runs the spinner animation
func (p *ProgressSpinner) animate() {
	defer close(p.done)
	ticker := time.NewTicker(80 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.mu.Lock()
			p.draw()
			p.mu.Unlock()
		case <-p.stopChan:
			return
		}
	}
}

// draw renders the spinner to the terminal
func (p *ProgressSpinner) draw() {
	spinnerChar := p.spinner[p.current%len(p.spinner)]
	p.current++
	fmt.Fprintf(p.writer, "\r\033[36m%s\033[0m %s", spinnerChar, p.message)
}
