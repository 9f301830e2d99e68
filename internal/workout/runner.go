package workout

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/lowaak/smart-trainer/treadmill-app/internal/events"
	"github.com/lowaak/smart-trainer/treadmill-app/internal/ftms"
	"github.com/lowaak/smart-trainer/treadmill-app/internal/treadmill"
)

// Status represents the current status of a workout
type Status int

const (
	StatusIdle     Status = iota // No program loaded
	StatusReady                  // Program loaded but not started
	StatusRunning                // Program in progress
	StatusPaused                 // Program paused, belt stopped
	StatusFinished               // Last step completed
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "Idle"
	case StatusReady:
		return "Ready"
	case StatusRunning:
		return "Running"
	case StatusPaused:
		return "Paused"
	case StatusFinished:
		return "Finished"
	default:
		return "Unknown"
	}
}

// State holds the current state of a workout execution
type State struct {
	Status  Status
	Program *Program

	Elapsed   time.Duration
	Remaining time.Duration

	StepIndex     int
	StepElapsed   time.Duration
	StepRemaining time.Duration

	TargetSpeedKmh       float64
	TargetInclinePercent float64

	// Commands waiting for the session to become Ready again
	PendingCommands int
}

const tickInterval = time.Second

// Runner steps through a Program once a second and sends the step targets
// through a CommandSender. Commands the sender rejects with ErrNotReady are kept
// and retried on the next tick.
type Runner struct {
	sender treadmill.CommandSender
	logger *log.Logger

	mu       sync.Mutex
	program  *Program
	status   Status
	elapsed  time.Duration
	lastStep int
	pending  []ftms.ControlCommand

	// serializes flush so a command is never sent twice
	flushMu sync.Mutex

	stateEvent *events.ChannelEvent[State]
}

func NewRunner(sender treadmill.CommandSender, logger *log.Logger) *Runner {
	if sender == nil {
		panic("Runner: sender cannot be nil")
	}
	if logger == nil {
		panic("Runner: logger cannot be nil")
	}
	return &Runner{
		sender:     sender,
		logger:     logger,
		status:     StatusIdle,
		lastStep:   -1,
		stateEvent: events.NewChannelEvent[State](true),
	}
}

// ListenToState registers ch for state updates. The current state is replayed.
func (r *Runner) ListenToState(ch chan<- State) func() {
	return r.stateEvent.Listen(ch)
}

func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buildState()
}

// SetProgram loads a program. It is refused while a program is running or paused.
func (r *Runner) SetProgram(p *Program) bool {
	r.mu.Lock()
	if r.status == StatusRunning || r.status == StatusPaused {
		r.mu.Unlock()
		r.logger.Printf("Workout: Cannot set program while running or paused")
		return false
	}
	r.program = p
	r.elapsed = 0
	r.lastStep = -1
	r.pending = nil
	if p != nil {
		r.status = StatusReady
		r.logger.Printf("Workout: Program '%s' loaded (duration: %v)", p.Name, p.TotalDuration())
	} else {
		r.status = StatusIdle
		r.logger.Printf("Workout: Program cleared")
	}
	state := r.buildState()
	r.mu.Unlock()

	r.stateEvent.Notify(state)
	return true
}

// Start begins, resumes or restarts the loaded program.
func (r *Runner) Start() bool {
	r.mu.Lock()
	switch r.status {
	case StatusReady, StatusPaused, StatusFinished:
	default:
		status := r.status
		r.mu.Unlock()
		r.logger.Printf("Workout: Cannot start in state %v", status)
		return false
	}
	if r.status == StatusFinished {
		r.elapsed = 0
	}
	r.status = StatusRunning
	// resend the step targets after a pause
	r.lastStep = -1
	r.queue(ftms.Start{})
	r.enterStep()
	r.mu.Unlock()

	r.logger.Printf("Workout: Started")
	r.flush()
	return true
}

// Pause stops the belt and freezes the program clock.
func (r *Runner) Pause() bool {
	r.mu.Lock()
	if r.status != StatusRunning {
		r.mu.Unlock()
		r.logger.Printf("Workout: Cannot pause - program not running")
		return false
	}
	r.status = StatusPaused
	r.queue(ftms.Stop{})
	r.mu.Unlock()

	r.logger.Printf("Workout: Paused")
	r.flush()
	return true
}

// Stop stops the belt and rewinds the program.
func (r *Runner) Stop() bool {
	r.mu.Lock()
	if r.status != StatusRunning && r.status != StatusPaused {
		r.mu.Unlock()
		r.logger.Printf("Workout: No program to stop")
		return false
	}
	r.status = StatusReady
	r.elapsed = 0
	r.lastStep = -1
	r.pending = nil
	r.queue(ftms.Stop{})
	r.mu.Unlock()

	r.logger.Printf("Workout: Stopped and reset")
	r.flush()
	return true
}

// Toggle starts the program when it is not running and pauses it when it is.
func (r *Runner) Toggle() bool {
	if r.State().Status == StatusRunning {
		return r.Pause()
	}
	return r.Start()
}

// Tick advances a running program by one interval, sends the targets of a new
// step and retries pending commands.
func (r *Runner) Tick() {
	r.mu.Lock()
	if r.status == StatusRunning {
		r.elapsed += tickInterval
		if r.elapsed >= r.program.TotalDuration() {
			r.elapsed = r.program.TotalDuration()
			r.status = StatusFinished
			r.queue(ftms.Stop{})
			r.logger.Printf("Workout: '%s' complete", r.program.Name)
		} else {
			r.enterStep()
		}
	}
	r.mu.Unlock()

	r.flush()
}

// Run ticks once a second until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Tick()
		}
	}
}

// enterStep queues the targets of the current step when it changed.
// MUST be called with mu held.
func (r *Runner) enterStep() {
	idx, _, ok := r.program.StepAt(r.elapsed)
	if !ok || idx == r.lastStep {
		return
	}
	step := r.program.Steps[idx]
	r.lastStep = idx
	r.logger.Printf("Workout: Step %d/%d: %.1f km/h, %.1f%% for %v",
		idx+1, len(r.program.Steps), step.SpeedKmh, step.InclinePercent, step.Duration)
	r.queue(ftms.SetSpeed{Kmh: step.SpeedKmh})
	r.queue(ftms.SetInclination{Percent: step.InclinePercent})
}

// queue appends cmd, replacing a pending command of the same kind.
// MUST be called with mu held.
func (r *Runner) queue(cmd ftms.ControlCommand) {
	for i, p := range r.pending {
		if sameKind(p, cmd) {
			r.pending = append(r.pending[:i], r.pending[i+1:]...)
			break
		}
	}
	r.pending = append(r.pending, cmd)
}

// flush sends pending commands in order. It stops at the first ErrNotReady and
// keeps the rest for the next tick; other send errors drop the command.
func (r *Runner) flush() {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()
	for {
		r.mu.Lock()
		if len(r.pending) == 0 {
			state := r.buildState()
			r.mu.Unlock()
			r.stateEvent.Notify(state)
			return
		}
		cmd := r.pending[0]
		r.mu.Unlock()

		err := r.sender.Send(cmd)
		if errors.Is(err, treadmill.ErrNotReady) {
			r.logger.Printf("Workout: %v deferred: %v", cmd, err)
			r.mu.Lock()
			state := r.buildState()
			r.mu.Unlock()
			r.stateEvent.Notify(state)
			return
		}
		if err != nil {
			r.logger.Printf("Workout: %v failed: %v", cmd, err)
		}

		r.mu.Lock()
		if len(r.pending) > 0 && r.pending[0] == cmd {
			r.pending = r.pending[1:]
		}
		r.mu.Unlock()
	}
}

// buildState computes the published state.
// MUST be called with mu held.
func (r *Runner) buildState() State {
	state := State{
		Status:          r.status,
		Program:         r.program,
		PendingCommands: len(r.pending),
	}
	if r.program == nil || len(r.program.Steps) == 0 {
		return state
	}

	total := r.program.TotalDuration()
	state.Elapsed = r.elapsed
	state.Remaining = total - r.elapsed

	idx, start, ok := r.program.StepAt(r.elapsed)
	step := r.program.Steps[idx]
	state.StepIndex = idx
	if ok {
		state.StepElapsed = r.elapsed - start
		state.StepRemaining = step.Duration - state.StepElapsed
	} else {
		state.StepElapsed = step.Duration
	}
	state.TargetSpeedKmh = step.SpeedKmh
	state.TargetInclinePercent = step.InclinePercent
	return state
}

func sameKind(a, b ftms.ControlCommand) bool {
	switch a.(type) {
	case ftms.SetSpeed:
		_, ok := b.(ftms.SetSpeed)
		return ok
	case ftms.SetInclination:
		_, ok := b.(ftms.SetInclination)
		return ok
	case ftms.Start, ftms.Stop:
		// a newer Start or Stop supersedes the older belt command
		switch b.(type) {
		case ftms.Start, ftms.Stop:
			return true
		}
	}
	return false
}
