// Package queue implements the per-queue worker and dispatcher
// (spec §4.6): strict intra-queue serial execution, inter-queue
// parallelism bounded by the ownership map and admission controller,
// and the admission-aware wait-and-acquire loop.
//
// One goroutine per queue, a shared cancellation context for
// shutdown, and a tracer span per exported method.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/gpuscheduler/gpu-scheduler/internal/admission"
	"github.com/gpuscheduler/gpu-scheduler/internal/ownership"
	"github.com/gpuscheduler/gpu-scheduler/internal/selector"
	"github.com/gpuscheduler/gpu-scheduler/internal/statuswriter"
	"github.com/gpuscheduler/gpu-scheduler/internal/task"
)

// GPUProbe is the narrow slice of internal/probe.Probe the dispatcher
// needs. Accepting an interface here (rather than *probe.Probe
// directly) keeps the queue package testable without shelling out to
// nvidia-smi.
type GPUProbe interface {
	FreeMemoryGiB(ctx context.Context, device int) float64
	ForeignUsersOn(ctx context.Context, device int) ([]int, error)
	MemoryStatsGiB(ctx context.Context, device int) (free, used, total float64)
}

// fixed per spec §4.6 / §7.3
const (
	deviceWaitTimeout   = 3600 * time.Second
	backoffSleepCap     = 60 * time.Second
	retryPauseOnFailure = 5 * time.Second
	commandTimeout      = 2 * time.Hour
)

// Config carries the scheduling knobs read from the configuration file
// that affect a single worker's polling behavior. RetryPause,
// DeviceWaitTimeout, and BackoffSleepCap default to the spec §4.6/§7.3
// fixed values when left zero, and Sampling defaults to
// selector.DefaultConfig; tests override them to keep the retry and
// wait loops fast without changing their logic.
type Config struct {
	CheckTime                   time.Duration
	MaximizeResourceUtilization bool
	MemorySaveMode              bool
	Candidates                  []int
	RetryPause                  time.Duration
	DeviceWaitTimeout           time.Duration
	BackoffSleepCap             time.Duration
	Sampling                    selector.Config
}

func (c Config) retryPause() time.Duration {
	if c.RetryPause > 0 {
		return c.RetryPause
	}
	return retryPauseOnFailure
}

func (c Config) deviceWaitTimeout() time.Duration {
	if c.DeviceWaitTimeout > 0 {
		return c.DeviceWaitTimeout
	}
	return deviceWaitTimeout
}

func (c Config) backoffSleepCap() time.Duration {
	if c.BackoffSleepCap > 0 {
		return c.BackoffSleepCap
	}
	return backoffSleepCap
}

// Coordinator is the single value shared by every queue worker
// (spec §9: "a single coordinator value passed to each worker; no
// ambient process-wide singleton is required").
type Coordinator struct {
	Logger    *logrus.Logger
	Ownership *ownership.Map
	Admission *admission.Controller
	Probe     GPUProbe
	Status    *statuswriter.Writer
	Config    Config
	Runner    CommandRunner
}

// Worker drives one queue's tasks to completion or abandons the queue
// on the first permanent failure.
type Worker struct {
	coord  *Coordinator
	tracer trace.Tracer
	queue  *task.Queue
	retry  task.RetryConfig
}

// NewWorker constructs a Worker for queue, bound to coord.
func NewWorker(coord *Coordinator, q *task.Queue, retry task.RetryConfig) *Worker {
	return &Worker{
		coord:  coord,
		tracer: otel.Tracer("queue-worker"),
		queue:  q,
		retry:  retry,
	}
}

// Run walks the queue's task list in order, retrying each task until it
// completes, permanently fails, or the context is cancelled. It returns
// once the queue is done (every task completed) or aborted (a task
// failed permanently or the device wait timed out).
func (w *Worker) Run(ctx context.Context) {
	ctx, span := w.tracer.Start(ctx, "queue.Worker.Run")
	defer span.End()

	logger := w.coord.Logger.WithField("queue", w.queue.ID)

	for _, t := range w.queue.Tasks {
		if t.State == task.StateCompleted {
			continue
		}

		ok := w.runTaskWithRetries(ctx, t)
		if !ok {
			logger.WithFields(logrus.Fields{
				"queue_done":   w.queue.Done(),
				"queue_failed": w.queue.Failed(),
			}).Warn("queue worker aborting: task did not complete")
			w.coord.Status.AppendLog(fmt.Sprintf("queue %d (%s): aborted, last_error=%s", w.queue.ID, w.queue.Label, t.LastError))
			w.coord.Status.OnQueueFail(w.queue.ID, t.LastError)
			return
		}
	}

	logger.WithField("queue_done", w.queue.Done()).Info("queue worker finished: all tasks completed")
	w.coord.Status.AppendLog(fmt.Sprintf("queue %d (%s): completed", w.queue.ID, w.queue.Label))
	w.coord.Status.OnQueueComplete(w.queue.ID)
}

// runTaskWithRetries implements spec §4.6's per-task retry loop.
func (w *Worker) runTaskWithRetries(ctx context.Context, t *task.Task) bool {
	logger := w.coord.Logger.WithFields(logrus.Fields{"queue": w.queue.ID, "task": t.Index})

	for {
		if ctx.Err() != nil {
			return false
		}

		now := time.Now()
		if !t.Ready(now) {
			wait := t.BackoffUntil.Sub(now)
			if wait > w.coord.Config.backoffSleepCap() {
				wait = w.coord.Config.backoffSleepCap()
			}
			if !sleepOrDone(ctx, wait) {
				return false
			}
			continue
		}

		devices, err := w.waitForDevices(ctx, t.DeviceCount, t.MemGiB)
		if err != nil {
			logger.WithError(err).Warn("device wait timed out or cancelled")
			t.LastError = "device_wait_timeout"
			return false
		}

		t.Start(devices)
		w.coord.Status.OnTaskStart(w.queue.ID, t.Index, len(w.queue.Tasks), devices, firstCommand(t))
		w.coord.Status.AppendLog(fmt.Sprintf("queue %d task %d: started on gpus %v", w.queue.ID, t.Index, devices))

		runErr := w.runCommands(ctx, t, devices)
		w.coord.Ownership.Release(devices, w.queue.ID)

		if runErr == nil {
			t.Complete()
			w.coord.Status.OnTaskSuccess(w.queue.ID, t.Index, len(w.queue.Tasks), devices)
			w.coord.Status.AppendLog(fmt.Sprintf("queue %d task %d: completed", w.queue.ID, t.Index))
			return true
		}

		t.Fail(classify(runErr), time.Now(), w.retry)
		w.coord.Status.OnTaskFail(w.queue.ID, t.Index, len(w.queue.Tasks), devices, runErr.Error(), t.State == task.StatePending)
		w.coord.Status.AppendLog(fmt.Sprintf("queue %d task %d: failed: %s", w.queue.ID, t.Index, runErr.Error()))

		if t.Permanent() {
			return false
		}
		if !sleepOrDone(ctx, w.coord.Config.retryPause()) {
			return false
		}
	}
}

// waitForDevices is the admission-aware acquire loop (spec §4.6).
func (w *Worker) waitForDevices(ctx context.Context, n int, memGiB float64) ([]int, error) {
	deadline := time.Now().Add(w.coord.Config.deviceWaitTimeout())
	lastLog := time.Time{}

	for {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		devices, acquired := w.tryAcquire(ctx, n, memGiB)
		if acquired {
			return devices, nil
		}

		if time.Since(lastLog) >= w.coord.Config.CheckTime {
			w.coord.Logger.WithFields(logrus.Fields{
				"queue":   w.queue.ID,
				"need":    n,
				"mem_gib": memGiB,
			}).Debug("waiting for devices")
			lastLog = time.Now()
		}

		if !sleepOrDone(ctx, w.coord.Config.CheckTime) {
			return nil, ctx.Err()
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("device wait timeout after %s", w.coord.Config.deviceWaitTimeout())
		}
	}
}

// tryAcquire implements spec §4.6's read-filter-acquire in two stages.
// Probing candidate devices and running the selector's multi-sample
// burst are blocking I/O and sleeps, so they run first, with no lock
// held. Only the final admission recheck and the atomic acquire — both
// O(|devices|), no I/O, no sleep — run under Ownership.Lock (spec §5:
// "workers never hold the ownership lock across I/O or sleep"). The
// foreign-occupancy snapshot taken before the lock can go stale by the
// time the lock is acquired; that's fine; it's a fairness heuristic,
// not the safety property the ownership map itself enforces, so the
// lock-held recheck only has to re-verify the chosen devices are still
// unheld.
func (w *Worker) tryAcquire(ctx context.Context, n int, memGiB float64) ([]int, bool) {
	foreign := w.foreignOccupancy(ctx)

	survivors := w.eligibleDevices(ctx, n, memGiB, foreign)
	if len(survivors) < n {
		return nil, false
	}

	w.coord.Ownership.Lock()
	defer w.coord.Ownership.Unlock()

	held := w.coord.Ownership.UnsafeCountHeldOf(w.coord.Config.Candidates)
	if !w.coord.Config.MaximizeResourceUtilization {
		for _, d := range w.coord.Config.Candidates {
			if foreign[d] && !w.coord.Ownership.UnsafeHeld(d) {
				held++
			}
		}
	}
	if !w.coord.Admission.CanAcquire(held, n) {
		return nil, false
	}

	chosen := make([]int, 0, n)
	for _, d := range survivors {
		if w.coord.Ownership.UnsafeHeld(d) {
			continue
		}
		chosen = append(chosen, d)
		if len(chosen) == n {
			break
		}
	}
	if len(chosen) < n {
		return nil, false
	}

	if !w.coord.Ownership.UnsafeTryAcquire(chosen, w.queue.ID) {
		return nil, false
	}
	return chosen, true
}

// foreignOccupancy probes every candidate once for compute processes
// not owned by this engine. Run with no lock held: it is pure
// nvidia-smi I/O and the ownership map has no bearing on what other
// processes on the box are doing.
func (w *Worker) foreignOccupancy(ctx context.Context) map[int]bool {
	occupied := make(map[int]bool)
	if w.coord.Config.MaximizeResourceUtilization {
		return occupied
	}
	for _, d := range w.coord.Config.Candidates {
		if foreign, _ := w.coord.Probe.ForeignUsersOn(ctx, d); len(foreign) > 0 {
			occupied[d] = true
		}
	}
	return occupied
}

// eligibleDevices implements spec §4.6's eligible_devices: filter
// candidates by ownership/foreign-occupancy and free memory, then
// delegate to the selector; fall back to the first N surviving
// candidates if sampling returns fewer than N (documented degraded
// path). Runs with no ownership lock held; Ownership.Held takes and
// releases the lock itself for each O(1) check, never across the
// probe calls or the selector's sampling burst.
func (w *Worker) eligibleDevices(ctx context.Context, n int, memGiB float64, foreign map[int]bool) []int {
	var survivors []int
	for _, d := range w.coord.Config.Candidates {
		if !w.coord.Config.MaximizeResourceUtilization {
			if w.coord.Ownership.Held(d) || foreign[d] {
				continue
			}
		}
		if w.coord.Probe.FreeMemoryGiB(ctx, d) < memGiB {
			continue
		}
		survivors = append(survivors, d)
	}

	if len(survivors) < n {
		return survivors
	}

	mode := selector.ModeSafe
	if w.coord.Config.MemorySaveMode {
		mode = selector.ModeSave
	}
	sample := func(device int) selector.Stats {
		return sampleStats(ctx, w.coord.Probe, device)
	}

	selected := selector.Select(survivors, n, memGiB, mode, sample, w.coord.Config.Sampling)
	if len(selected) < n {
		// degraded path: selector sampling returned fewer than
		// requested, fall back to the first N of the candidate set.
		if len(survivors) >= n {
			return survivors[:n]
		}
		return selected
	}
	return selected
}

func sampleStats(ctx context.Context, p GPUProbe, device int) selector.Stats {
	free, used, total := p.MemoryStatsGiB(ctx, device)
	return selector.Stats{Device: device, FreeGiB: free, UsedGiB: used, TotalGiB: total}
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func firstCommand(t *task.Task) string {
	if len(t.Commands) == 0 {
		return ""
	}
	return t.Commands[0]
}

func classify(err error) task.ErrorKind {
	if ce, ok := err.(*commandError); ok {
		return ce.kind
	}
	return task.ErrorSpawn
}
