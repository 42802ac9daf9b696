package queue

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"github.com/gpuscheduler/gpu-scheduler/internal/admission"
	"github.com/gpuscheduler/gpu-scheduler/internal/ownership"
	"github.com/gpuscheduler/gpu-scheduler/internal/selector"
	"github.com/gpuscheduler/gpu-scheduler/internal/statuswriter"
	"github.com/gpuscheduler/gpu-scheduler/internal/task"
)

// fakeProbe reports a configurable, constant free-memory reading per
// device and no foreign users, standing in for internal/probe in tests
// (spec §8: "executing the engine to completion on a mocked probe").
type fakeProbe struct {
	mu        sync.Mutex
	freeGiB   map[int]float64
	foreign   map[int][]int
}

func newFakeProbe(freeGiB map[int]float64) *fakeProbe {
	return &fakeProbe{freeGiB: freeGiB, foreign: map[int][]int{}}
}

func (p *fakeProbe) FreeMemoryGiB(ctx context.Context, device int) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.freeGiB[device]
}

func (p *fakeProbe) ForeignUsersOn(ctx context.Context, device int) ([]int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.foreign[device], nil
}

func (p *fakeProbe) MemoryStatsGiB(ctx context.Context, device int) (free, used, total float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	f := p.freeGiB[device]
	return f, 10 - f, 10
}

// fakeRunner replays a scripted exit behavior per call, standing in for
// a real shell (spec §8's "mocked probe" extends naturally to a mocked
// command runner).
type fakeRunner struct {
	mu    sync.Mutex
	calls int
	fn    func(call int) error
}

func (r *fakeRunner) Run(ctx context.Context, command string, env []string, workDir string, timeout time.Duration) error {
	r.mu.Lock()
	call := r.calls
	r.calls++
	r.mu.Unlock()
	return r.fn(call)
}

func newCoordinator(probe GPUProbe, runner CommandRunner, candidates []int) *Coordinator {
	status, _ := statuswriter.New(noopStatusDir(), logrus.New())
	return &Coordinator{
		Logger:    logrus.New(),
		Ownership: ownership.New(),
		Admission: admission.New(candidates, func(d int) float64 { return probe.(*fakeProbe).freeGiB[d] }, admission.Config{GPULeft: 0, MinGPU: 1, MaxGPU: len(candidates)}),
		Probe:     probe,
		Status:    status,
		Config:    Config{CheckTime: 10 * time.Millisecond, Candidates: candidates},
		Runner:    runner,
	}
}

func noopStatusDir() string {
	// t.TempDir isn't available here since this helper has no *testing.T;
	// os.MkdirTemp keeps each coordinator's status file isolated.
	dir, _ := os.MkdirTemp("", "queuetest")
	return dir
}

// TestHappyPathSingleQueueSingleGPU encodes S1.
func TestHappyPathSingleQueueSingleGPU(t *testing.T) {
	probe := newFakeProbe(map[int]float64{0: 10})
	runner := &fakeRunner{fn: func(call int) error { return nil }}
	coord := newCoordinator(probe, runner, []int{0})

	q := &task.Queue{ID: 1, Tasks: []*task.Task{
		task.New(task.Description{QueueID: 1, DeviceCount: 1, MemGiB: 2, Commands: []string{"echo ok"}}),
	}}

	w := NewWorker(coord, q, task.RetryConfig{MaxRetryBeforeBackoff: 3, BackoffDuration: time.Second})
	w.Run(context.Background())

	assert.Equal(t, task.StateCompleted, q.Tasks[0].State)
	assert.False(t, coord.Ownership.Held(0))
}

// TestTwoQueuesContendForOneDevice encodes S2.
func TestTwoQueuesContendForOneDevice(t *testing.T) {
	probe := newFakeProbe(map[int]float64{0: 10})
	runner := &fakeRunner{fn: func(call int) error { return nil }}
	coord := newCoordinator(probe, runner, []int{0})
	coord.Admission = admission.New([]int{0}, func(d int) float64 { return 10 }, admission.Config{GPULeft: 0, MinGPU: 1, MaxGPU: 1})

	q1 := &task.Queue{ID: 1, Tasks: []*task.Task{task.New(task.Description{QueueID: 1, DeviceCount: 1, MemGiB: 2, Commands: []string{"true"}})}}
	q2 := &task.Queue{ID: 2, Tasks: []*task.Task{task.New(task.Description{QueueID: 2, DeviceCount: 1, MemGiB: 2, Commands: []string{"true"}})}}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); NewWorker(coord, q1, task.RetryConfig{MaxRetryBeforeBackoff: 3, BackoffDuration: time.Second}).Run(context.Background()) }()
	go func() { defer wg.Done(); NewWorker(coord, q2, task.RetryConfig{MaxRetryBeforeBackoff: 3, BackoffDuration: time.Second}).Run(context.Background()) }()
	wg.Wait()

	assert.Equal(t, task.StateCompleted, q1.Tasks[0].State)
	assert.Equal(t, task.StateCompleted, q2.Tasks[0].State)
	assert.False(t, coord.Ownership.Held(0))
}

// TestRetryWithBackoff encodes S4: max_retry_before_backoff=3,
// backoff_duration=short; the command always exits 1.
func TestRetryWithBackoff(t *testing.T) {
	probe := newFakeProbe(map[int]float64{0: 10})
	runner := &fakeRunner{fn: func(call int) error {
		return &commandError{kind: task.ExitCodeError(1), err: assertErr("exit 1")}
	}}
	coord := newCoordinator(probe, runner, []int{0})
	coord.Config.CheckTime = time.Millisecond
	coord.Config.RetryPause = 5 * time.Millisecond
	coord.Config.BackoffSleepCap = 20 * time.Millisecond
	coord.Config.Sampling = selector.Config{Samples: 1}

	q := &task.Queue{ID: 1, Tasks: []*task.Task{
		task.New(task.Description{QueueID: 1, DeviceCount: 1, MemGiB: 1, Commands: []string{"false"}}),
	}}
	retry := task.RetryConfig{MaxRetryBeforeBackoff: 3, BackoffDuration: 20 * time.Millisecond}

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	go NewWorker(coord, q, retry).Run(ctx)

	time.Sleep(300 * time.Millisecond)
	assert.GreaterOrEqual(t, q.Tasks[0].RetryCount, 3)
	assert.False(t, coord.Ownership.Held(0)) // never holds devices between backoffs
}

// TestShutdownMidWait encodes S6: cancelling the context while a
// worker is in wait_for_devices returns promptly and leaves no device
// marked owned.
func TestShutdownMidWait(t *testing.T) {
	probe := newFakeProbe(map[int]float64{0: 0}) // never enough memory
	runner := &fakeRunner{fn: func(call int) error { return nil }}
	coord := newCoordinator(probe, runner, []int{0})
	coord.Config.CheckTime = 10 * time.Millisecond

	q := &task.Queue{ID: 1, Tasks: []*task.Task{
		task.New(task.Description{QueueID: 1, DeviceCount: 1, MemGiB: 2, Commands: []string{"echo ok"}}),
	}}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		NewWorker(coord, q, task.RetryConfig{MaxRetryBeforeBackoff: 3, BackoffDuration: time.Second}).Run(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not return promptly after shutdown")
	}
	assert.False(t, coord.Ownership.Held(0))
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
