// Package task defines the per-task state machine and retry/backoff
// policy that the queue runner drives.
package task

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

// State is a task's position in its lifecycle.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// MaxRetryCeiling is the fixed retry ceiling past which a task is
// permanently failed (spec: retry_count >= 100).
const MaxRetryCeiling = 100

// Description is the immutable part of a task, populated once at parse
// time and never mutated afterwards.
type Description struct {
	QueueID     int
	Index       int // position within the queue, preserves file order
	Commands    []string
	DeviceCount int
	MemGiB      float64
	WorkDir     string
}

// Task is a Description plus the mutable runtime fields owned
// exclusively by the queue worker that runs it.
type Task struct {
	Description

	UniID        string
	State        State
	RetryCount   int
	BackoffUntil time.Time
	LastError    string
	Devices      []int // held only while State == StateRunning
}

// New constructs a task in the pending state with a fresh retry identity.
func New(desc Description) *Task {
	return &Task{
		Description: desc,
		UniID:       uuid.NewString(),
		State:       StatePending,
	}
}

// Ready reports whether the task may be attempted right now: pending and
// past any backoff deadline.
func (t *Task) Ready(now time.Time) bool {
	return t.State == StatePending && !now.Before(t.BackoffUntil)
}

// Permanent reports whether the task has exceeded the retry ceiling and
// must not be attempted again. This is the single, explicit test for
// permanence: nothing else in this package infers permanence by
// inspecting State after the fact.
func (t *Task) Permanent() bool {
	return t.RetryCount >= MaxRetryCeiling
}

// Start transitions pending -> running and records the acquired devices.
func (t *Task) Start(devices []int) {
	t.State = StateRunning
	t.Devices = devices
}

// Complete transitions running -> completed and releases the device
// bookkeeping (ownership release is the caller's responsibility).
func (t *Task) Complete() {
	t.State = StateCompleted
	t.Devices = nil
}

// ErrorKind classifies a transient run_commands failure per spec §4.5/§7.
type ErrorKind string

const (
	ErrorTimeout ErrorKind = "timeout"
	ErrorSpawn   ErrorKind = "spawn_error"
)

// ExitCodeError formats the exit-code error kind tag for a non-zero exit.
func ExitCodeError(code int) ErrorKind {
	return ErrorKind("exit_code_" + strconv.Itoa(code))
}

// Fail records a recoverable failure and applies the retry/backoff
// policy (spec §4.5):
//
//	retry_count++
//	last_error = kind
//	if retry_count % max_retry_before_backoff == 0: backoff_until = now + backoff_duration
//
// If the retry ceiling has been exceeded, the task transitions to
// StateFailed (permanent); otherwise it returns to StatePending so the
// worker retries it. Devices must already have been released by the
// caller before this is invoked (spec: "Devices are released before the
// state transition").
func (t *Task) Fail(kind ErrorKind, now time.Time, cfg RetryConfig) {
	t.Devices = nil
	t.LastError = string(kind)
	t.RetryCount++
	t.UniID = uuid.NewString()

	if cfg.MaxRetryBeforeBackoff > 0 && t.RetryCount%cfg.MaxRetryBeforeBackoff == 0 {
		t.BackoffUntil = now.Add(cfg.BackoffDuration)
	}

	if t.Permanent() {
		t.State = StateFailed
		return
	}
	t.State = StatePending
}

// RetryConfig holds the two retry-policy knobs from the configuration
// file (spec §3/§6: retry_config.max_retry_before_backoff,
// retry_config.backoff_duration).
type RetryConfig struct {
	MaxRetryBeforeBackoff int
	BackoffDuration       time.Duration
}
