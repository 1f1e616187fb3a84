package scheduler

import (
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

var (
	// taskIDPattern validates task IDs (alphanumeric, underscores, hyphens)
	taskIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

// Registry stores and manages periodic maintenance tasks
type Registry struct {
	mu     sync.RWMutex
	tasks  map[string]*Task
	parser cron.Parser
}

// NewRegistry creates a new task registry
func NewRegistry() *Registry {
	return &Registry{
		tasks:  make(map[string]*Task),
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
	}
}

// Register adds a task to the registry
func (r *Registry) Register(task *Task) error {
	if err := r.validate(task); err != nil {
		return fmt.Errorf("invalid task: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tasks[task.ID]; exists {
		return fmt.Errorf("task with ID %s already exists", task.ID)
	}

	// Set defaults
	if task.Timezone == "" {
		task.Timezone = "UTC"
	}

	r.tasks[task.ID] = task
	return nil
}

// MustRegister registers a task, panicking on error
// Useful for initialization-time task registration
func (r *Registry) MustRegister(task *Task) {
	if err := r.Register(task); err != nil {
		panic(fmt.Sprintf("failed to register task: %v", err))
	}
}

// Get retrieves a task by ID
func (r *Registry) Get(id string) (*Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, exists := r.tasks[id]
	return t, exists
}

// List returns all registered tasks
func (r *Registry) List() []*Task {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tasks := make([]*Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		tasks = append(tasks, t)
	}
	return tasks
}

// Count returns the number of registered tasks
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tasks)
}

// NextRun calculates the next run time for a task
func (r *Registry) NextRun(task *Task, after time.Time) (time.Time, error) {
	cronSchedule, err := r.parser.Parse(task.Cron)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse cron expression: %w", err)
	}

	// Load timezone
	loc := time.UTC
	if task.Timezone != "" && task.Timezone != "UTC" {
		loc, err = time.LoadLocation(task.Timezone)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid timezone %s: %w", task.Timezone, err)
		}
	}

	// Calculate next run in the task's timezone
	afterInTz := after.In(loc)
	next := cronSchedule.Next(afterInTz)
	return next, nil
}

// validate validates a task
func (r *Registry) validate(task *Task) error {
	if task.ID == "" {
		return fmt.Errorf("task ID cannot be empty")
	}
	if !taskIDPattern.MatchString(task.ID) {
		return fmt.Errorf("task ID must contain only alphanumeric characters, underscores, and hyphens")
	}

	if task.Cron == "" {
		return fmt.Errorf("cron expression cannot be empty")
	}
	if _, err := r.parser.Parse(task.Cron); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", task.Cron, err)
	}

	if task.Run == nil {
		return fmt.Errorf("task run function cannot be nil")
	}

	if task.Timezone != "" && task.Timezone != "UTC" {
		if _, err := time.LoadLocation(task.Timezone); err != nil {
			return fmt.Errorf("invalid timezone %q: %w", task.Timezone, err)
		}
	}

	return nil
}
