// Package supervisor is the engine's top-level assembly point: it
// builds the shared ownership map, admission controller, and probe from
// a loaded configuration and task file, then starts one queue.Worker
// goroutine per queue and joins them at shutdown (spec §4, §5 — the
// engine owns exactly one ownership.Map and one admission.Controller,
// shared by every worker goroutine).
//
// Follows this codebase's running-bool-plus-mutex lifecycle idiom: Start
// assembles and launches sub-components, Stop tears them down in
// reverse, and Start and Stop each open their own tracer span.
package supervisor

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/gpuscheduler/gpu-scheduler/internal/admission"
	"github.com/gpuscheduler/gpu-scheduler/internal/config"
	"github.com/gpuscheduler/gpu-scheduler/internal/ownership"
	"github.com/gpuscheduler/gpu-scheduler/internal/probe"
	"github.com/gpuscheduler/gpu-scheduler/internal/queue"
	"github.com/gpuscheduler/gpu-scheduler/internal/statuswriter"
	"github.com/gpuscheduler/gpu-scheduler/internal/task"
	"github.com/gpuscheduler/gpu-scheduler/internal/taskfile"
)

// Supervisor owns the shared engine state and one Worker per queue.
type Supervisor struct {
	logger *logrus.Logger
	tracer trace.Tracer
	cfg    *config.Config
	status *statuswriter.Writer

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	queues []*task.Queue
	coord  *queue.Coordinator
}

// New constructs a Supervisor from a loaded configuration and status
// sink. It does not read the task file or touch nvidia-smi until Start.
func New(cfg *config.Config, status *statuswriter.Writer, logger *logrus.Logger) *Supervisor {
	return &Supervisor{
		logger: logger,
		tracer: otel.Tracer("supervisor"),
		cfg:    cfg,
		status: status,
	}
}

// Start parses the task file, resolves the candidate GPU set, and
// launches one goroutine per queue. It returns once every worker has
// been launched, not once the queues have finished.
func (s *Supervisor) Start(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "supervisor.Start")
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("supervisor is already running")
	}

	descriptions, err := taskfile.Parse(s.cfg.TaskFile, s.cfg.WorkDir, s.logger)
	if err != nil {
		return fmt.Errorf("failed to parse task file: %w", err)
	}
	s.queues = taskfile.GroupIntoQueues(descriptions)

	p := probe.New(s.logger, 8)

	candidates, err := s.resolveCandidates(ctx, p)
	if err != nil {
		return fmt.Errorf("failed to resolve candidate GPUs: %w", err)
	}

	admissionCtrl := admission.New(candidates, func(d int) float64 { return p.FreeMemoryGiB(ctx, d) }, admission.Config{
		GPULeft: s.cfg.GPULeft,
		MinGPU:  s.cfg.MinGPU,
		MaxGPU:  s.cfg.MaxGPU,
	})

	s.coord = &queue.Coordinator{
		Logger:    s.logger,
		Ownership: ownership.New(),
		Admission: admissionCtrl,
		Probe:     p,
		Status:    s.status,
		Runner:    queue.NewShellRunner(),
		Config: queue.Config{
			CheckTime:                   s.cfg.CheckTime,
			MaximizeResourceUtilization: s.cfg.MaximizeResourceUtilization,
			MemorySaveMode:              s.cfg.MemorySaveMode,
			Candidates:                  candidates,
		},
	}

	s.status.InitQueues(s.queues)
	s.status.SetGPUs(candidates, candidates)
	s.status.SetState("running")

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	retry := task.RetryConfig{
		MaxRetryBeforeBackoff: s.cfg.RetryConfig.MaxRetryBeforeBackoff,
		BackoffDuration:       s.cfg.RetryConfig.BackoffDuration,
	}

	for _, q := range s.queues {
		q := q
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			queue.NewWorker(s.coord, q, retry).Run(runCtx)
		}()
	}

	s.running = true
	s.logger.WithField("queues", len(s.queues)).Info("supervisor: started")
	return nil
}

// Stop cancels every worker's context and waits for them to return,
// bounded by ctx.
func (s *Supervisor) Stop(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "supervisor.Stop")
	defer span.End()

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.cancel()
	s.running = false
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.status.SetState("stopping")
		s.logger.Info("supervisor: all workers stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("supervisor: shutdown timed out waiting for workers: %w", ctx.Err())
	}
}

// resolveCandidates returns the explicit compete_gpus list, or every
// device the probe enumerates when use_all_gpus is set (spec §3).
func (s *Supervisor) resolveCandidates(ctx context.Context, p *probe.Probe) ([]int, error) {
	if !s.cfg.UseAllGPUs {
		return s.cfg.CompeteGPUs, nil
	}
	devices, err := p.EnumerateDevices(ctx)
	if err != nil {
		return nil, err
	}
	return devices, nil
}

// Queues returns the parsed, grouped queues (for diagnostics/tests).
func (s *Supervisor) Queues() []*task.Queue {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queues
}
