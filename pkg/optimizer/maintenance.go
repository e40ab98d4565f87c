package optimizer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Built-in maintenance tasks
const (
	TaskMemoryReclamation = "memory-reclamation"
	TaskBufferCompaction  = "buffer-compaction"
)

// TaskResult is the outcome of a maintenance run
type TaskResult string

const (
	ResultOK      TaskResult = "ok"
	ResultSkipped TaskResult = "skipped"
	ResultFailed  TaskResult = "failed"
)

// TaskFunc is a maintenance routine
type TaskFunc func(ctx context.Context) error

// TaskError wraps the failure of a single maintenance task
type TaskError struct {
	Task string
	Err  error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("maintenance task %s failed: %v", e.Task, e.Err)
}

func (e *TaskError) Unwrap() error {
	return e.Err
}

// ErrUnknownTask is returned when a task name is not registered
var ErrUnknownTask = errors.New("unknown maintenance task")

// TaskRecord is the schedule and last outcome of a task
type TaskRecord struct {
	Name       string        `json:"name"`
	Enabled    bool          `json:"enabled"`
	Interval   time.Duration `json:"interval"`
	LastRunAt  *time.Time    `json:"lastRunAt,omitempty"`
	LastResult TaskResult    `json:"lastResult,omitempty"`
	LastError  string        `json:"lastError,omitempty"`
	NextRunAt  time.Time     `json:"nextRunAt"`
	DueNow     bool          `json:"dueNow"`
	Runs       int           `json:"runs"`
	Failures   int           `json:"failures"`
}

type maintenanceTask struct {
	record TaskRecord
	fn     TaskFunc
}

// RegisterTask adds a maintenance task first due one interval from now.
// Registering an existing name replaces its routine and interval.
func (o *Optimizer) RegisterTask(name string, interval time.Duration, fn TaskFunc) error {
	if name == "" {
		return errors.New("task name is required")
	}
	if interval <= 0 {
		return fmt.Errorf("task %s: interval must be positive, got %s", name, interval)
	}
	if fn == nil {
		return fmt.Errorf("task %s: routine is required", name)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if t, ok := o.tasks[name]; ok {
		t.fn = fn
		t.record.Interval = interval
		t.record.NextRunAt = o.clock().Add(interval)
		return nil
	}

	o.tasks[name] = &maintenanceTask{
		record: TaskRecord{
			Name:      name,
			Enabled:   true,
			Interval:  interval,
			NextRunAt: o.clock().Add(interval),
		},
		fn: fn,
	}
	o.taskOrder = append(o.taskOrder, name)
	return nil
}

// SetTaskEnabled toggles a task. Disabled tasks are recorded as skipped
// when they come due.
func (o *Optimizer) SetTaskEnabled(name string, enabled bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	t, ok := o.tasks[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	t.record.Enabled = enabled
	return nil
}

// MarkDue flags a task for a one-off run on the next sweep. The run does
// not move the task's regular schedule.
func (o *Optimizer) MarkDue(name string) error {
	o.mu.Lock()
	t, ok := o.tasks[name]
	if ok {
		t.record.DueNow = true
	}
	o.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	if task := o.sweepTask.Load(); task != nil {
		task.Trigger()
	}
	return nil
}

// Tasks returns the task records in registration order
func (o *Optimizer) Tasks() []TaskRecord {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.taskRecordsLocked()
}

func (o *Optimizer) taskRecordsLocked() []TaskRecord {
	out := make([]TaskRecord, 0, len(o.taskOrder))
	for _, name := range o.taskOrder {
		rec := o.tasks[name].record
		if rec.LastRunAt != nil {
			at := *rec.LastRunAt
			rec.LastRunAt = &at
		}
		out = append(out, rec)
	}
	return out
}

type dueTask struct {
	name      string
	fn        TaskFunc
	enabled   bool
	outOfBand bool
}

// RunDueTasks runs every task whose NextRunAt has passed plus any task
// flagged due. Failures are recorded and returned joined; they never stop
// the sweep. Tasks left when ctx expires wait for the next sweep.
func (o *Optimizer) RunDueTasks(ctx context.Context) error {
	now := o.clock()

	o.mu.Lock()
	var due []dueTask
	for _, name := range o.taskOrder {
		t := o.tasks[name]
		regular := !now.Before(t.record.NextRunAt)
		if !regular && !t.record.DueNow {
			continue
		}
		due = append(due, dueTask{
			name:      name,
			fn:        t.fn,
			enabled:   t.record.Enabled,
			outOfBand: !regular,
		})
	}
	o.mu.Unlock()

	var errs []error
	for _, d := range due {
		if ctx.Err() != nil {
			o.logger.Debug("Maintenance sweep deadline reached, deferring remaining tasks",
				zap.String("next_task", d.name))
			break
		}

		result := ResultSkipped
		var err error
		if d.enabled {
			err = o.runTask(ctx, d)
			result = ResultOK
			if err != nil {
				result = ResultFailed
				errs = append(errs, err)
				o.logger.Warn("Maintenance task failed",
					zap.String("task", d.name),
					zap.Error(err))
			}
		}
		o.recordRun(d, now, result, err)
	}

	return errors.Join(errs...)
}

func (o *Optimizer) runTask(ctx context.Context, d dueTask) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &TaskError{Task: d.name, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	if runErr := d.fn(ctx); runErr != nil {
		return &TaskError{Task: d.name, Err: runErr}
	}
	return nil
}

func (o *Optimizer) recordRun(d dueTask, at time.Time, result TaskResult, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	t, ok := o.tasks[d.name]
	if !ok {
		return
	}

	runAt := at
	t.record.LastRunAt = &runAt
	t.record.LastResult = result
	t.record.LastError = ""
	t.record.DueNow = false
	if result == ResultOK || result == ResultFailed {
		t.record.Runs++
	}
	if err != nil {
		t.record.Failures++
		t.record.LastError = err.Error()
	}
	if !d.outOfBand {
		t.record.NextRunAt = at.Add(t.record.Interval)
	}

	o.logger.Debug("Maintenance task run",
		zap.String("task", d.name),
		zap.String("result", string(result)),
		zap.Bool("out_of_band", d.outOfBand),
		zap.Time("next_run_at", t.record.NextRunAt))
}
