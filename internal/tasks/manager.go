package tasks

import (
	"context"
	"sort"
	"sync"
	"time"
)

const (
	MaxLogsPerTask = 1000

	DefaultRunTimeout = 5 * time.Minute
)

// Manager runs named tasks on an interval until it is stopped.
type Manager struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	timeout time.Duration
	now     func() time.Time

	mu    sync.RWMutex
	tasks map[string]*RunnableTask
}

type Option func(*Manager)

// WithRunTimeout bounds every task run.
func WithRunTimeout(d time.Duration) Option {
	return func(m *Manager) {
		m.timeout = d
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager returns a manager whose tasks stop when ctx is done or Stop is called.
func NewManager(ctx context.Context, opts ...Option) *Manager {
	m := &Manager{
		timeout: DefaultRunTimeout,
		now:     time.Now,
		tasks:   make(map[string]*RunnableTask),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	return m
}

// Register adds a task. With a positive interval the task runs once right
// away and then on every tick.
func (m *Manager) Register(name string, interval time.Duration, fn TaskFunc) error {
	task := &RunnableTask{
		Name:         name,
		Interval:     interval,
		Handler:      fn,
		Timeout:      m.timeout,
		registeredAt: m.now(),
		now:          m.now,
	}

	m.mu.Lock()
	if _, exists := m.tasks[name]; exists {
		m.mu.Unlock()
		return TaskExistsError{Name: name}
	}
	m.tasks[name] = task
	m.mu.Unlock()

	if interval > 0 {
		m.wg.Add(1)
		go m.scheduler(task)
	}
	return nil
}

// Trigger starts a run of the task in the background.
func (m *Manager) Trigger(name string) error {
	task, err := m.task(name)
	if err != nil {
		return err
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		task.Run(m.ctx)
	}()
	return nil
}

// RunNow runs the task and waits for it.
func (m *Manager) RunNow(name string) (bool, error) {
	task, err := m.task(name)
	if err != nil {
		return false, err
	}
	return task.Run(m.ctx), nil
}

func (m *Manager) ListStatus() []TaskStatus {
	m.mu.RLock()
	list := make([]TaskStatus, 0, len(m.tasks))
	for _, task := range m.tasks {
		list = append(list, task.Status())
	}
	m.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool {
		return list[i].Name < list[j].Name
	})
	return list
}

func (m *Manager) GetLogs(name string) ([]LogEntry, error) {
	task, err := m.task(name)
	if err != nil {
		return nil, err
	}
	return task.GetLogs(), nil
}

// Stop cancels running tasks and waits for them and the schedulers to return.
func (m *Manager) Stop() {
	m.cancel()
	m.wg.Wait()
}

func (m *Manager) task(name string) (*RunnableTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	task, ok := m.tasks[name]
	if !ok {
		return nil, TaskNotFoundError{Name: name}
	}
	return task, nil
}

func (m *Manager) scheduler(task *RunnableTask) {
	defer m.wg.Done()

	ticker := time.NewTicker(task.Interval)
	defer ticker.Stop()

	task.Run(m.ctx)
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			task.Run(m.ctx)
		}
	}
}
