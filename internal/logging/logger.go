// Package logging provides env-driven categorized file-based logging for the
// ingestion core. Logs are written to KB_LOG_DIR with separate files per
// category. When KB_DEBUG is unset or false, no log files are written.
package logging

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Category represents a log category/subsystem
type Category string

const (
	// Process categories
	CategoryBoot      Category = "boot"      // Startup/initialization
	CategoryWorker    Category = "worker"    // Worker loop
	CategoryScheduler Category = "scheduler" // Seed scheduler
	CategoryQueue     Category = "queue"     // Queue pop/push

	// Pipeline stage categories
	CategoryFetch    Category = "fetch"    // URL acquisition
	CategoryExtract  Category = "extract"  // Text extraction
	CategoryChunk    Category = "chunk"    // Chunking
	CategoryGenerate Category = "generate" // LLM atom generation
	CategoryValidate Category = "validate" // Atom validation
	CategoryEmbed    Category = "embed"    // Embedding engine
	CategoryStore    Category = "store"    // Store operations
	CategoryPipeline Category = "pipeline" // Coordinator state machine

	// Observability categories
	CategoryMonitor Category = "monitor" // Ingestion monitor, metrics writer
	CategoryNotify  Category = "notify"  // Notifier, chat transport
)

// loggingConfig holds the env-derived logging settings
type loggingConfig struct {
	DebugMode  bool
	Categories map[string]bool
	Level      string
	JSONFormat bool
}

// StructuredLogEntry represents a JSON log entry
type StructuredLogEntry struct {
	Timestamp int64                  `json:"ts"`  // Unix milliseconds
	Category  string                 `json:"cat"` // Log category
	Level     string                 `json:"lvl"` // debug/info/warn/error
	Message   string                 `json:"msg"` // Log message
	Session   string                 `json:"sess,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Logger wraps a standard logger with category and file output
type Logger struct {
	category Category
	logger   *log.Logger
	file     *os.File
}

var (
	loggers      = make(map[Category]*Logger)
	loggersMu    sync.RWMutex
	logsDir      string
	config       loggingConfig
	configLoaded bool
	configMu     sync.RWMutex
	logLevel     int // 0=debug, 1=info, 2=warn, 3=error
)

// Log levels
const (
	LevelDebug = 0
	LevelInfo  = 1
	LevelWarn  = 2
	LevelError = 3
)

// Initialize sets up the logging directory from the environment.
// Should be called once at startup.
//
//	KB_DEBUG          true/1 enables file logging (default off)
//	KB_LOG_DIR        log directory (default ./kb-logs)
//	KB_LOG_LEVEL      debug|info|warn|error (default info)
//	KB_LOG_CATEGORIES comma-separated allowlist (default: all)
//	KB_LOG_JSON       true/1 emits JSON lines instead of text
func Initialize() error {
	if err := loadConfig(); err != nil {
		return err
	}

	if !config.DebugMode {
		return nil // Silent no-op in production mode
	}

	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	bootLogger := Get(CategoryBoot)
	bootLogger.Info("=== ingestion logging initialized ===")
	bootLogger.Info("Logs directory: %s", logsDir)
	bootLogger.Info("Log level: %s", config.Level)
	if len(config.Categories) > 0 {
		bootLogger.Info("Category filter: %d categories enabled", len(config.Categories))
	} else {
		bootLogger.Info("All categories enabled (no category filter)")
	}

	return nil
}

func loadConfig() error {
	configMu.Lock()
	defer configMu.Unlock()

	config = loggingConfig{Level: "info"}

	switch strings.ToLower(os.Getenv("KB_DEBUG")) {
	case "1", "true", "yes":
		config.DebugMode = true
	}

	logsDir = os.Getenv("KB_LOG_DIR")
	if logsDir == "" {
		logsDir = "kb-logs"
	}

	if lvl := os.Getenv("KB_LOG_LEVEL"); lvl != "" {
		config.Level = lvl
	}
	switch config.Level {
	case "debug":
		logLevel = LevelDebug
	case "info":
		logLevel = LevelInfo
	case "warn", "warning":
		logLevel = LevelWarn
	case "error":
		logLevel = LevelError
	default:
		logLevel = LevelInfo
	}

	if cats := os.Getenv("KB_LOG_CATEGORIES"); cats != "" {
		config.Categories = make(map[string]bool)
		for _, c := range strings.Split(cats, ",") {
			c = strings.TrimSpace(c)
			if c != "" {
				config.Categories[c] = true
			}
		}
	}

	switch strings.ToLower(os.Getenv("KB_LOG_JSON")) {
	case "1", "true", "yes":
		config.JSONFormat = true
	}

	configLoaded = true
	return nil
}

// IsDebugMode returns whether debug logging is enabled
func IsDebugMode() bool {
	configMu.RLock()
	defer configMu.RUnlock()
	return config.DebugMode
}

// IsCategoryEnabled returns whether a specific category is enabled
func IsCategoryEnabled(category Category) bool {
	configMu.RLock()
	defer configMu.RUnlock()

	if !config.DebugMode {
		return false
	}
	if config.Categories == nil {
		return true // All enabled by default in debug mode
	}
	return config.Categories[string(category)]
}

// Get returns (or creates) a logger for the given category.
// Returns a no-op logger if debug mode is disabled or category is disabled.
func Get(category Category) *Logger {
	if !IsCategoryEnabled(category) {
		return &Logger{category: category}
	}

	if logsDir == "" {
		return &Logger{category: category}
	}

	loggersMu.RLock()
	if l, ok := loggers[category]; ok {
		loggersMu.RUnlock()
		return l
	}
	loggersMu.RUnlock()

	loggersMu.Lock()
	defer loggersMu.Unlock()

	// Double-check after acquiring write lock
	if l, ok := loggers[category]; ok {
		return l
	}

	// Date prefix for easy rotation
	date := time.Now().Format("2006-01-02")
	filename := fmt.Sprintf("%s_%s.log", date, category)
	logPath := filepath.Join(logsDir, filename)

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[logging] Warning: could not open log file %s: %v\n", logPath, err)
		return &Logger{category: category}
	}

	l := &Logger{
		category: category,
		file:     file,
		logger:   log.New(file, "", log.Ldate|log.Ltime|log.Lmicroseconds),
	}
	loggers[category] = l

	return l
}

func (l *Logger) logJSON(level, msg string) {
	entry := StructuredLogEntry{
		Timestamp: time.Now().UnixMilli(),
		Category:  string(l.category),
		Level:     level,
		Message:   msg,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		l.logger.Printf("[%s] %s", level, msg) // Fallback to text
		return
	}
	l.logger.Printf("%s", data)
}

// Debug logs a debug message (only if level <= debug)
func (l *Logger) Debug(format string, args ...interface{}) {
	if l.logger == nil || logLevel > LevelDebug {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if config.JSONFormat {
		l.logJSON("debug", msg)
	} else {
		l.logger.Printf("[DEBUG] %s", msg)
	}
}

// Info logs an informational message (only if level <= info)
func (l *Logger) Info(format string, args ...interface{}) {
	if l.logger == nil || logLevel > LevelInfo {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if config.JSONFormat {
		l.logJSON("info", msg)
	} else {
		l.logger.Printf("[INFO] %s", msg)
	}
}

// Warn logs a warning message (only if level <= warn)
func (l *Logger) Warn(format string, args ...interface{}) {
	if l.logger == nil || logLevel > LevelWarn {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if config.JSONFormat {
		l.logJSON("warn", msg)
	} else {
		l.logger.Printf("[WARN] %s", msg)
	}
}

// Error logs an error message (always logged if logger exists)
func (l *Logger) Error(format string, args ...interface{}) {
	if l.logger == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if config.JSONFormat {
		l.logJSON("error", msg)
	} else {
		l.logger.Printf("[ERROR] %s", msg)
	}
}

// CloseAll closes all open log files (call at shutdown)
func CloseAll() {
	loggersMu.Lock()
	defer loggersMu.Unlock()

	for _, l := range loggers {
		if l.file != nil {
			l.file.Close()
		}
	}
	loggers = make(map[Category]*Logger)
}

// =============================================================================
// CONVENIENCE FUNCTIONS - Quick logging without getting a logger first
// These are no-ops if the category is disabled
// =============================================================================

// Boot logs to the boot category
func Boot(format string, args ...interface{}) {
	Get(CategoryBoot).Info(format, args...)
}

// BootDebug logs debug to the boot category
func BootDebug(format string, args ...interface{}) {
	Get(CategoryBoot).Debug(format, args...)
}

// BootWarn logs warning to the boot category
func BootWarn(format string, args ...interface{}) {
	Get(CategoryBoot).Warn(format, args...)
}

// BootError logs error to the boot category
func BootError(format string, args ...interface{}) {
	Get(CategoryBoot).Error(format, args...)
}

// Worker logs to the worker category
func Worker(format string, args ...interface{}) {
	Get(CategoryWorker).Info(format, args...)
}

// WorkerDebug logs debug to the worker category
func WorkerDebug(format string, args ...interface{}) {
	Get(CategoryWorker).Debug(format, args...)
}

// WorkerWarn logs warning to the worker category
func WorkerWarn(format string, args ...interface{}) {
	Get(CategoryWorker).Warn(format, args...)
}

// WorkerError logs error to the worker category
func WorkerError(format string, args ...interface{}) {
	Get(CategoryWorker).Error(format, args...)
}

// Scheduler logs to the scheduler category
func Scheduler(format string, args ...interface{}) {
	Get(CategoryScheduler).Info(format, args...)
}

// SchedulerDebug logs debug to the scheduler category
func SchedulerDebug(format string, args ...interface{}) {
	Get(CategoryScheduler).Debug(format, args...)
}

// SchedulerWarn logs warning to the scheduler category
func SchedulerWarn(format string, args ...interface{}) {
	Get(CategoryScheduler).Warn(format, args...)
}

// SchedulerError logs error to the scheduler category
func SchedulerError(format string, args ...interface{}) {
	Get(CategoryScheduler).Error(format, args...)
}

// Queue logs to the queue category
func Queue(format string, args ...interface{}) {
	Get(CategoryQueue).Info(format, args...)
}

// QueueDebug logs debug to the queue category
func QueueDebug(format string, args ...interface{}) {
	Get(CategoryQueue).Debug(format, args...)
}

// QueueWarn logs warning to the queue category
func QueueWarn(format string, args ...interface{}) {
	Get(CategoryQueue).Warn(format, args...)
}

// QueueError logs error to the queue category
func QueueError(format string, args ...interface{}) {
	Get(CategoryQueue).Error(format, args...)
}

// Fetch logs to the fetch category
func Fetch(format string, args ...interface{}) {
	Get(CategoryFetch).Info(format, args...)
}

// FetchDebug logs debug to the fetch category
func FetchDebug(format string, args ...interface{}) {
	Get(CategoryFetch).Debug(format, args...)
}

// FetchWarn logs warning to the fetch category
func FetchWarn(format string, args ...interface{}) {
	Get(CategoryFetch).Warn(format, args...)
}

// FetchError logs error to the fetch category
func FetchError(format string, args ...interface{}) {
	Get(CategoryFetch).Error(format, args...)
}

// Extract logs to the extract category
func Extract(format string, args ...interface{}) {
	Get(CategoryExtract).Info(format, args...)
}

// ExtractDebug logs debug to the extract category
func ExtractDebug(format string, args ...interface{}) {
	Get(CategoryExtract).Debug(format, args...)
}

// ExtractWarn logs warning to the extract category
func ExtractWarn(format string, args ...interface{}) {
	Get(CategoryExtract).Warn(format, args...)
}

// ExtractError logs error to the extract category
func ExtractError(format string, args ...interface{}) {
	Get(CategoryExtract).Error(format, args...)
}

// Chunk logs to the chunk category
func Chunk(format string, args ...interface{}) {
	Get(CategoryChunk).Info(format, args...)
}

// ChunkDebug logs debug to the chunk category
func ChunkDebug(format string, args ...interface{}) {
	Get(CategoryChunk).Debug(format, args...)
}

// Generate logs to the generate category
func Generate(format string, args ...interface{}) {
	Get(CategoryGenerate).Info(format, args...)
}

// GenerateDebug logs debug to the generate category
func GenerateDebug(format string, args ...interface{}) {
	Get(CategoryGenerate).Debug(format, args...)
}

// GenerateWarn logs warning to the generate category
func GenerateWarn(format string, args ...interface{}) {
	Get(CategoryGenerate).Warn(format, args...)
}

// GenerateError logs error to the generate category
func GenerateError(format string, args ...interface{}) {
	Get(CategoryGenerate).Error(format, args...)
}

// Validate logs to the validate category
func Validate(format string, args ...interface{}) {
	Get(CategoryValidate).Info(format, args...)
}

// ValidateDebug logs debug to the validate category
func ValidateDebug(format string, args ...interface{}) {
	Get(CategoryValidate).Debug(format, args...)
}

// Embed logs to the embed category
func Embed(format string, args ...interface{}) {
	Get(CategoryEmbed).Info(format, args...)
}

// EmbedDebug logs debug to the embed category
func EmbedDebug(format string, args ...interface{}) {
	Get(CategoryEmbed).Debug(format, args...)
}

// EmbedWarn logs warning to the embed category
func EmbedWarn(format string, args ...interface{}) {
	Get(CategoryEmbed).Warn(format, args...)
}

// EmbedError logs error to the embed category
func EmbedError(format string, args ...interface{}) {
	Get(CategoryEmbed).Error(format, args...)
}

// Store logs to the store category
func Store(format string, args ...interface{}) {
	Get(CategoryStore).Info(format, args...)
}

// StoreDebug logs debug to the store category
func StoreDebug(format string, args ...interface{}) {
	Get(CategoryStore).Debug(format, args...)
}

// StoreWarn logs warning to the store category
func StoreWarn(format string, args ...interface{}) {
	Get(CategoryStore).Warn(format, args...)
}

// StoreError logs error to the store category
func StoreError(format string, args ...interface{}) {
	Get(CategoryStore).Error(format, args...)
}

// Pipeline logs to the pipeline category
func Pipeline(format string, args ...interface{}) {
	Get(CategoryPipeline).Info(format, args...)
}

// PipelineDebug logs debug to the pipeline category
func PipelineDebug(format string, args ...interface{}) {
	Get(CategoryPipeline).Debug(format, args...)
}

// PipelineWarn logs warning to the pipeline category
func PipelineWarn(format string, args ...interface{}) {
	Get(CategoryPipeline).Warn(format, args...)
}

// PipelineError logs error to the pipeline category
func PipelineError(format string, args ...interface{}) {
	Get(CategoryPipeline).Error(format, args...)
}

// Monitor logs to the monitor category
func Monitor(format string, args ...interface{}) {
	Get(CategoryMonitor).Info(format, args...)
}

// MonitorDebug logs debug to the monitor category
func MonitorDebug(format string, args ...interface{}) {
	Get(CategoryMonitor).Debug(format, args...)
}

// MonitorWarn logs warning to the monitor category
func MonitorWarn(format string, args ...interface{}) {
	Get(CategoryMonitor).Warn(format, args...)
}

// MonitorError logs error to the monitor category
func MonitorError(format string, args ...interface{}) {
	Get(CategoryMonitor).Error(format, args...)
}

// Notify logs to the notify category
func Notify(format string, args ...interface{}) {
	Get(CategoryNotify).Info(format, args...)
}

// NotifyDebug logs debug to the notify category
func NotifyDebug(format string, args ...interface{}) {
	Get(CategoryNotify).Debug(format, args...)
}

// NotifyWarn logs warning to the notify category
func NotifyWarn(format string, args ...interface{}) {
	Get(CategoryNotify).Warn(format, args...)
}

// NotifyError logs error to the notify category
func NotifyError(format string, args ...interface{}) {
	Get(CategoryNotify).Error(format, args...)
}

// =============================================================================
// SESSION TRACING - Correlates log lines across one ingestion session
// =============================================================================

// SessionLogger provides session-scoped logging with a correlation ID
type SessionLogger struct {
	logger    *Logger
	sessionID string
	fields    map[string]interface{}
}

// WithSessionID creates a session-scoped logger
func WithSessionID(category Category, sessionID string) *SessionLogger {
	return &SessionLogger{
		logger:    Get(category),
		sessionID: sessionID,
		fields:    make(map[string]interface{}),
	}
}

// WithField adds a field to the session logger
func (s *SessionLogger) WithField(key string, value interface{}) *SessionLogger {
	s.fields[key] = value
	return s
}

func (s *SessionLogger) formatMsg(format string, args ...interface{}) string {
	msg := fmt.Sprintf(format, args...)
	if len(s.fields) > 0 {
		return fmt.Sprintf("[sess:%s] %s | %v", s.sessionID, msg, s.fields)
	}
	return fmt.Sprintf("[sess:%s] %s", s.sessionID, msg)
}

func (s *SessionLogger) Debug(format string, args ...interface{}) {
	if s.logger.logger == nil || logLevel > LevelDebug {
		return
	}
	s.logger.logger.Printf("[DEBUG] %s", s.formatMsg(format, args...))
}

func (s *SessionLogger) Info(format string, args ...interface{}) {
	if s.logger.logger == nil || logLevel > LevelInfo {
		return
	}
	s.logger.logger.Printf("[INFO] %s", s.formatMsg(format, args...))
}

func (s *SessionLogger) Warn(format string, args ...interface{}) {
	if s.logger.logger == nil || logLevel > LevelWarn {
		return
	}
	s.logger.logger.Printf("[WARN] %s", s.formatMsg(format, args...))
}

func (s *SessionLogger) Error(format string, args ...interface{}) {
	if s.logger.logger == nil {
		return
	}
	s.logger.logger.Printf("[ERROR] %s", s.formatMsg(format, args...))
}

// =============================================================================
// TIMING HELPERS - For stage duration logging
// =============================================================================

// Timer helps measure operation duration
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation
func StartTimer(category Category, operation string) *Timer {
	return &Timer{
		category: category,
		op:       operation,
		start:    time.Now(),
	}
}

// Stop ends the timer and logs the duration
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithInfo ends the timer and logs at info level
func (t *Timer) StopWithInfo() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Info("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithThreshold logs warning if duration exceeds threshold
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("%s took %v (threshold: %v)", t.op, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	}
	return elapsed
}
