package ui

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/lowaak/smart-trainer/treadmill-app/internal/treadmill"
	"github.com/lowaak/smart-trainer/treadmill-app/internal/workout"
)

// SessionControl is the part of *treadmill.Session the dashboard drives directly
type SessionControl interface {
	State() treadmill.ConnectionState
	StartScan(ctx context.Context) error
	Disconnect() error
}

var _ SessionControl = (*treadmill.Session)(nil)

// NewControllerArg holds the arguments for creating a new Controller
type NewControllerArg struct {
	Context  context.Context
	Model    *Model
	Session  SessionControl
	Controls *treadmill.Controls
	Runner   *workout.Runner
	Programs []*workout.Program
	// InitialProgram wins over the program remembered from the last run
	InitialProgram string
	StatePath      string
	Logger         *log.Logger
}

// Controller turns dashboard key presses into session, controls and workout actions.
type Controller struct {
	ctx         context.Context
	model       *Model
	session     SessionControl
	controls    *treadmill.Controls
	runner      *workout.Runner
	programs    []*workout.Program
	persistence *persistence
	logger      *log.Logger

	mu         sync.Mutex
	programIdx int
	// Status.Connection the controls last followed the belt on
	syncedConnection int
}

func NewController(args NewControllerArg) *Controller {
	if args.Logger == nil {
		panic("Controller: logger cannot be nil")
	}
	if args.Model == nil || args.Session == nil || args.Controls == nil || args.Runner == nil {
		panic("Controller: model, session, controls and runner are required")
	}
	ctx := args.Context
	if ctx == nil {
		ctx = context.Background()
	}
	statePath := args.StatePath
	if statePath == "" {
		statePath = DefaultStatePath()
	}

	c := &Controller{
		ctx:         ctx,
		model:       args.Model,
		session:     args.Session,
		controls:    args.Controls,
		runner:      args.Runner,
		programs:    args.Programs,
		persistence: newPersistence(statePath, args.Logger),
		logger:      args.Logger,
		programIdx:  -1,
	}

	initial := args.InitialProgram
	if initial == "" {
		initial = c.persistence.lastProgram()
	}
	if len(c.programs) > 0 {
		idx := 0
		for i, p := range c.programs {
			if p.Name == initial {
				idx = i
				break
			}
		}
		c.selectProgram(idx)
	}
	return c
}

// --- belt controls ---

func (c *Controller) SpeedUp() {
	c.sync()
	kmh, err := c.controls.SpeedUp()
	c.report("Speed", kmh, err)
}

func (c *Controller) SpeedDown() {
	c.sync()
	kmh, err := c.controls.SpeedDown()
	c.report("Speed", kmh, err)
}

func (c *Controller) InclineUp() {
	c.sync()
	percent, err := c.controls.InclineUp()
	c.report("Incline", percent, err)
}

func (c *Controller) InclineDown() {
	c.sync()
	percent, err := c.controls.InclineDown()
	c.report("Incline", percent, err)
}

// SpeedPreset selects treadmill.SpeedPresets[i].
func (c *Controller) SpeedPreset(i int) {
	if i < 0 || i >= len(treadmill.SpeedPresets) {
		return
	}
	kmh, err := c.controls.SetSpeed(treadmill.SpeedPresets[i])
	c.report("Speed", kmh, err)
}

// InclinePreset selects treadmill.InclinePresets[i].
func (c *Controller) InclinePreset(i int) {
	if i < 0 || i >= len(treadmill.InclinePresets) {
		return
	}
	percent, err := c.controls.SetIncline(treadmill.InclinePresets[i])
	c.report("Incline", percent, err)
}

func (c *Controller) Start() {
	c.reportErr("Start", c.controls.Start())
}

// Stop ends a running or paused workout, or stops the belt when none is active.
func (c *Controller) Stop() {
	switch c.runner.State().Status {
	case workout.StatusRunning, workout.StatusPaused:
		c.runner.Stop()
	default:
		c.reportErr("Stop", c.controls.Stop())
	}
}

// Targets returns the speed and incline the controls will step from.
func (c *Controller) Targets() (speedKmh, inclinePercent float64) {
	return c.controls.Targets()
}

// --- workout ---

func (c *Controller) ToggleWorkout() {
	if c.runner.State().Status == workout.StatusIdle {
		c.logger.Printf("UI: No workout program loaded")
		return
	}
	c.runner.Toggle()
}

// NextProgram loads the next program in the list. It is ignored while a
// workout is running or paused.
func (c *Controller) NextProgram() {
	c.mu.Lock()
	n := len(c.programs)
	next := (c.programIdx + 1) % max(n, 1)
	c.mu.Unlock()

	if n == 0 {
		c.logger.Printf("UI: No workout programs available")
		return
	}
	c.selectProgram(next)
}

func (c *Controller) ProgramNames() []string {
	names := make([]string, len(c.programs))
	for i, p := range c.programs {
		names[i] = p.Name
	}
	return names
}

// SelectedProgram returns the index of the loaded program, or -1.
func (c *Controller) SelectedProgram() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.programIdx
}

func (c *Controller) selectProgram(idx int) {
	p := c.programs[idx]
	if !c.runner.SetProgram(p) {
		return
	}
	c.mu.Lock()
	c.programIdx = idx
	c.mu.Unlock()
	c.persistence.setLastProgram(p.Name)
}

// --- connection ---

// ScanOrConnect starts a scan when disconnected and disconnects otherwise.
func (c *Controller) ScanOrConnect() {
	if c.session.State() == treadmill.Disconnected {
		c.reportErr("Scan", c.session.StartScan(c.ctx))
		return
	}
	c.reportErr("Disconnect", c.session.Disconnect())
}

func (c *Controller) OnEscapeKey() {
	c.logger.Printf("UI: Quit requested")
	c.model.RequestCloseApplication()
}

// sync points the controls at the belt values once per connection so steps
// start from what the treadmill reports rather than the defaults. Metrics left
// over from an earlier connection are not used.
func (c *Controller) sync() {
	status := c.model.GetStatus()
	if status.State != treadmill.Ready || !status.HasMetrics || status.MetricsConnection != status.Connection {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.syncedConnection == status.Connection {
		return
	}
	c.controls.Observe(status.Metrics)
	c.syncedConnection = status.Connection
}

func (c *Controller) report(what string, value float64, err error) {
	if err != nil {
		c.reportErr(what, err)
		return
	}
	c.logger.Printf("UI: %s -> %.1f", what, value)
}

func (c *Controller) reportErr(action string, err error) {
	switch {
	case err == nil:
	case errors.Is(err, treadmill.ErrNotReady):
		c.logger.Printf("UI: %s ignored: treadmill not connected", action)
	default:
		c.logger.Printf("UI: %s failed: %v", action, err)
	}
}
