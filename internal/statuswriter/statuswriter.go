// Package statuswriter is the write-only status-file sink named in
// spec §6: a UI-facing collaborator the engine calls but never reads
// from. Grounded on original_source/app/utils/update_state.py's
// StatusWriter — atomic tmp-then-rename JSON writes, a SchedulerStatus/
// QueueStatus/TaskStatus shape, and cleanup registered against process
// exit, translated from Python's atexit/signal.signal into
// os/signal.Notify plus context cancellation.
package statuswriter

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gpuscheduler/gpu-scheduler/internal/task"
)

// TaskStatus mirrors one entry in a QueueStatus's process list.
type TaskStatus struct {
	Index      int      `json:"index"`
	Commands   []string `json:"commands"`
	MemoryGiB  float64  `json:"memory_gib"`
	GPUCount   int      `json:"gpu_count"`
	Status     string   `json:"status"` // pending | running | completed | failed | retrying
	CurrentGPU *int     `json:"current_gpu,omitempty"`
	GPUs       []int    `json:"gpus,omitempty"`
	RetryCount int      `json:"retry_count"`
	LastError  string   `json:"last_error,omitempty"`
	StartedAt  string   `json:"started_at,omitempty"`
	FinishedAt string   `json:"finished_at,omitempty"`
}

// QueueStatus is the per-queue status block.
type QueueStatus struct {
	ID             int          `json:"id"`
	Label          string       `json:"label"`
	Status         string       `json:"status"` // idle | running | completed | failed
	TotalTasks     int          `json:"total_tasks"`
	PendingTasks   int          `json:"pending_tasks"`
	RunningTasks   int          `json:"running_tasks"`
	CompletedTasks int          `json:"completed_tasks"`
	FailedTasks    int          `json:"failed_tasks"`
	CurrentTask    string       `json:"current_task,omitempty"`
	CurrentGPU     *int         `json:"current_gpu,omitempty"`
	CurrentGPUs    []int        `json:"current_gpus,omitempty"`
	LastError      string       `json:"last_error,omitempty"`
	Processes      []TaskStatus `json:"processes"`
}

// SchedulerStatus is the top-level document written to the status file.
type SchedulerStatus struct {
	PID        int                 `json:"pid"`
	State      string              `json:"state"` // starting | running | completed | failed | stopping
	StartedAt  string              `json:"started_at,omitempty"`
	FinishedAt string              `json:"finished_at,omitempty"`

	TotalTasks     int `json:"total_tasks"`
	PendingTasks   int `json:"pending_tasks"`
	RunningTasks   int `json:"running_tasks"`
	CompletedTasks int `json:"completed_tasks"`
	FailedTasks    int `json:"failed_tasks"`

	GPUsUsed        []int         `json:"gpus_used"`
	GPUsAvailable   []int         `json:"gpus_available"`
	GPUAssignments  map[int]int   `json:"gpu_assignments"`
	Queues          map[int]*QueueStatus `json:"queues"`
	LastLogLines    []string      `json:"last_log_lines"`
	LastError       string        `json:"last_error,omitempty"`
}

const maxLogLines = 20

// Writer serializes SchedulerStatus writes to a single status file
// under statusDir, using the daemon's own pid as the file name.
type Writer struct {
	logger *logrus.Logger

	mu         sync.Mutex
	statusFile string
	status     *SchedulerStatus
}

// New creates the status directory if needed and writes the initial
// "starting" status document.
func New(statusDir string, logger *logrus.Logger) (*Writer, error) {
	if err := os.MkdirAll(statusDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create status directory: %w", err)
	}

	pid := os.Getpid()
	w := &Writer{
		logger:     logger,
		statusFile: filepath.Join(statusDir, strconv.Itoa(pid)+".json"),
		status: &SchedulerStatus{
			PID:            pid,
			State:          "starting",
			StartedAt:      time.Now().Format(time.RFC3339),
			GPUAssignments: make(map[int]int),
			Queues:         make(map[int]*QueueStatus),
		},
	}
	w.save()
	return w, nil
}

// WatchForShutdown registers cleanup against SIGINT/SIGTERM and ctx
// cancellation, removing the status file on either so a dead
// scheduler never leaves a stale document behind (the Go analogue of
// the original's atexit.register + signal.signal pair).
func (w *Writer) WatchForShutdown(ctx context.Context) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case <-sigCh:
		case <-ctx.Done():
		}
		w.Cleanup()
	}()
}

// Cleanup removes the status file; failures are swallowed, matching
// the original's best-effort "writing must never affect the
// scheduler" stance.
func (w *Writer) Cleanup() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := os.Remove(w.statusFile); err != nil && !os.IsNotExist(err) {
		w.logger.WithError(err).Debug("statuswriter: cleanup failed")
	}
}

func (w *Writer) save() {
	data, err := json.MarshalIndent(w.status, "", "  ")
	if err != nil {
		w.logger.WithError(err).Warn("statuswriter: marshal failed")
		return
	}

	tmp := w.statusFile + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		w.logger.WithError(err).Warn("statuswriter: write failed")
		return
	}
	if err := os.Rename(tmp, w.statusFile); err != nil {
		w.logger.WithError(err).Warn("statuswriter: rename failed")
	}
}

// SetState sets the scheduler-wide state and stamps FinishedAt on
// terminal states.
func (w *Writer) SetState(state string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status.State = state
	if state == "completed" || state == "failed" || state == "stopping" {
		w.status.FinishedAt = time.Now().Format(time.RFC3339)
	}
	w.save()
}

// SetGPUs records the full candidate/available device lists.
func (w *Writer) SetGPUs(used, available []int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status.GPUsUsed = used
	w.status.GPUsAvailable = available
	w.save()
}

// UpdateGPUAssignment records or clears device->queue ownership for
// display purposes (independent of internal/ownership, which is the
// engine's own authoritative copy).
func (w *Writer) UpdateGPUAssignment(device int, queueID *int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if queueID != nil {
		w.status.GPUAssignments[device] = *queueID
	} else {
		delete(w.status.GPUAssignments, device)
	}
	w.save()
}

// InitQueues seeds one QueueStatus per queue, carrying each queue's
// label and task count into the status document.
func (w *Writer) InitQueues(queues []*task.Queue) {
	w.mu.Lock()
	defer w.mu.Unlock()

	total := 0
	for _, q := range queues {
		count := len(q.Tasks)
		total += count
		w.status.Queues[q.ID] = &QueueStatus{
			ID:           q.ID,
			Label:        q.Label,
			Status:       "idle",
			TotalTasks:   count,
			PendingTasks: count,
		}
	}
	w.status.TotalTasks = total
	w.status.PendingTasks = total
	w.save()
}

// OnTaskStart records a task_start event (spec §6 status sink event set).
// devices is the full set of GPUs acquired for the task, not just the
// first one.
func (w *Writer) OnTaskStart(queueID, taskIdx, totalTasks int, devices []int, command string) {
	label := fmt.Sprintf("task %d/%d: %s", taskIdx+1, totalTasks, truncate(command, 50))
	first := devices[0]
	w.updateQueue(queueID, func(q *QueueStatus) {
		q.Status = "running"
		q.PendingTasks = totalTasks - taskIdx - 1
		q.RunningTasks = 1
		q.CurrentTask = label
		q.CurrentGPU = &first
		q.CurrentGPUs = append([]int(nil), devices...)
	})
	qid := queueID
	for _, d := range devices {
		w.UpdateGPUAssignment(d, &qid)
	}
}

// OnTaskSuccess records a task_success event.
func (w *Writer) OnTaskSuccess(queueID, taskIdx, totalTasks int, devices []int) {
	w.updateQueue(queueID, func(q *QueueStatus) {
		q.CompletedTasks++
		q.RunningTasks = 0
		q.CurrentTask = ""
		q.CurrentGPU = nil
		q.CurrentGPUs = nil
		if taskIdx+1 >= totalTasks {
			q.Status = "completed"
		}
	})
	for _, d := range devices {
		w.UpdateGPUAssignment(d, nil)
	}
}

// OnTaskFail records a task_fail(will_retry) event.
func (w *Writer) OnTaskFail(queueID, taskIdx, totalTasks int, devices []int, errMsg string, willRetry bool) {
	w.updateQueue(queueID, func(q *QueueStatus) {
		q.RunningTasks = 0
		q.CurrentGPU = nil
		q.CurrentGPUs = nil
		q.LastError = truncate(errMsg, 200)
		if willRetry {
			q.CurrentTask = fmt.Sprintf("task %d/%d failed, will retry", taskIdx+1, totalTasks)
		} else {
			q.FailedTasks++
			q.Status = "failed"
			q.CurrentTask = ""
		}
	})
	for _, d := range devices {
		w.UpdateGPUAssignment(d, nil)
	}
}

// OnQueueComplete records a queue_complete event.
func (w *Writer) OnQueueComplete(queueID int) {
	w.updateQueue(queueID, func(q *QueueStatus) {
		q.Status = "completed"
		q.RunningTasks = 0
		q.CurrentTask = ""
		q.CurrentGPU = nil
	})
}

// OnQueueFail records a queue_fail event.
func (w *Writer) OnQueueFail(queueID int, errMsg string) {
	w.updateQueue(queueID, func(q *QueueStatus) {
		q.Status = "failed"
		q.RunningTasks = 0
		q.CurrentTask = ""
		q.CurrentGPU = nil
		q.LastError = truncate(errMsg, 200)
	})
}

// AppendLog keeps the most recent maxLogLines lines for UI display.
func (w *Writer) AppendLog(line string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	lines := append(w.status.LastLogLines, line)
	if len(lines) > maxLogLines {
		lines = lines[len(lines)-maxLogLines:]
	}
	w.status.LastLogLines = lines
	w.save()
}

// SetError records a scheduler-wide fatal error.
func (w *Writer) SetError(errMsg string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status.LastError = truncate(errMsg, 200)
	w.save()
}

// Snapshot returns a shallow copy of the current status document, for
// internal/controlplane's /status endpoint.
func (w *Writer) Snapshot() SchedulerStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return *w.status
}

func (w *Writer) updateQueue(queueID int, mutate func(*QueueStatus)) {
	w.mu.Lock()
	defer w.mu.Unlock()

	q, ok := w.status.Queues[queueID]
	if !ok {
		return
	}
	mutate(q)
	w.recalculateTotals()
	w.save()
}

func (w *Writer) recalculateTotals() {
	var pending, running, completed, failed int
	for _, q := range w.status.Queues {
		pending += q.PendingTasks
		running += q.RunningTasks
		completed += q.CompletedTasks
		failed += q.FailedTasks
	}
	w.status.PendingTasks = pending
	w.status.RunningTasks = running
	w.status.CompletedTasks = completed
	w.status.FailedTasks = failed
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
