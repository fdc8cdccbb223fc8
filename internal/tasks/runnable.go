package tasks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/darmiel/cirrus/internal/logging"
)

type RunnableTask struct {
	Name     string
	Interval time.Duration
	Handler  TaskFunc

	// Timeout bounds a single run.
	Timeout time.Duration

	registeredAt time.Time
	now          func() time.Time

	mu         sync.RWMutex
	running    bool
	runs       int
	lastRun    time.Time
	lastResult string
	logs       []LogEntry
}

// Run executes the task once unless it is already running.
// It reports whether the handler ran.
func (t *RunnableTask) Run(ctx context.Context) bool {
	l := log.With().Str("task", t.Name).Logger()

	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		l.Warn().Msg("task is already running, skipping execution")
		return false
	}
	t.running = true
	t.logs = make([]LogEntry, 0)
	t.mu.Unlock()

	taskLogger := logging.NewMultiLogger(logging.NewZLogger(l), runLog{task: t})
	taskLogger.Debug("starting task execution")

	if t.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.Timeout)
		defer cancel()
	}

	start := t.now()
	err := t.Handler(ctx, taskLogger)
	duration := t.now().Sub(start)

	t.mu.Lock()
	t.running = false
	t.runs++
	t.lastRun = t.now()
	if err != nil {
		t.lastResult = fmt.Sprintf("failed: %v", err)
	} else {
		t.lastResult = "success"
	}
	t.mu.Unlock()

	if err != nil {
		taskLogger.Error("task failed after %s: %v", duration, err)
	} else {
		taskLogger.Debug("task completed successfully in %s", duration)
	}
	return true
}

func (t *RunnableTask) Status() TaskStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var next time.Time
	if t.Interval > 0 {
		if !t.lastRun.IsZero() {
			next = t.lastRun.Add(t.Interval)
		} else {
			next = t.registeredAt.Add(t.Interval)
		}
	}

	return TaskStatus{
		Name:       t.Name,
		Running:    t.running,
		Runs:       t.runs,
		LastRun:    t.lastRun,
		LastResult: t.lastResult,
		NextRun:    next,
	}
}

func (t *RunnableTask) GetLogs() []LogEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	cpy := make([]LogEntry, len(t.logs))
	copy(cpy, t.logs)
	return cpy
}

func (t *RunnableTask) AppendLog(level, msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.logs = append(t.logs, LogEntry{
		Time:    t.now(),
		Level:   level,
		Message: msg,
	})
	if len(t.logs) > MaxLogsPerTask {
		t.logs = t.logs[1:]
	}
}

var _ logging.InternalLogger = runLog{}

// runLog keeps the lines of a run in the buffer returned by GetLogs.
type runLog struct {
	task *RunnableTask
}

func (l runLog) Debug(format string, args ...any) { l.append(zerolog.DebugLevel, format, args) }
func (l runLog) Info(format string, args ...any)  { l.append(zerolog.InfoLevel, format, args) }
func (l runLog) Warn(format string, args ...any)  { l.append(zerolog.WarnLevel, format, args) }
func (l runLog) Error(format string, args ...any) { l.append(zerolog.ErrorLevel, format, args) }

func (l runLog) append(level zerolog.Level, format string, args []any) {
	l.task.AppendLog(level.String(), fmt.Sprintf(format, args...))
}
