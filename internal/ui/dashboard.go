package ui

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/lowaak/smart-trainer/treadmill-app/internal/go_func_utils"
	"github.com/lowaak/smart-trainer/treadmill-app/internal/workout"
)

// Dashboard is the tview terminal UI: metrics and controls on the left, the
// workout in the middle and the log tail on the right.
type Dashboard struct {
	logger     *log.Logger
	app        *tview.Application
	model      *Model
	controller *Controller

	metricsPanel  *tview.TextView
	controlsPanel *tview.TextView
	workoutPanel  *tview.TextView
	logView       *tview.TextView
	root          *tview.Flex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDashboardArg holds the arguments for creating a new Dashboard
type NewDashboardArg struct {
	App        *tview.Application
	Model      *Model
	Controller *Controller
	Logger     *log.Logger
}

func NewDashboard(args NewDashboardArg) *Dashboard {
	if args.Logger == nil {
		panic("Dashboard: logger cannot be nil")
	}
	if args.App == nil || args.Model == nil || args.Controller == nil {
		panic("Dashboard: app, model and controller are required")
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dashboard{
		logger:     args.Logger,
		app:        args.App,
		model:      args.Model,
		controller: args.Controller,
		ctx:        ctx,
		cancel:     cancel,
	}

	d.initWidgets()
	d.setupKeyboardHandlers()

	go_func_utils.SafeGoWG(d.logger, &d.wg, d.monitorLogResize)
	d.updateLogDisplay()
	d.setupEventListeners()
	return d
}

func (d *Dashboard) initWidgets() {
	// No SetChangedFunc with app.Draw() here: the listeners draw after updating
	// content, and a draw from a log write after Stop can hang shutdown.
	d.logView = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(false)
	d.logView.SetBorder(true).SetTitle(" Logs ")

	d.metricsPanel = newPanel(" Metrics ")
	d.metricsPanel.SetText(formatMetricsPanel(d.model.GetStatus()))

	d.controlsPanel = newPanel(" Controls ")
	d.refreshControls(d.model.GetStatus())

	d.workoutPanel = newPanel(" Workout ")
	d.workoutPanel.SetText(formatWorkoutPanel(d.model.GetWorkoutState()))

	leftColumn := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(d.metricsPanel, 0, 3, false).
		AddItem(d.controlsPanel, 0, 2, false)

	d.root = tview.NewFlex().
		SetDirection(tview.FlexColumn).
		AddItem(leftColumn, 0, 1, true).
		AddItem(d.workoutPanel, 0, 1, false).
		AddItem(d.logView, 0, 1, false)
}

func newPanel(title string) *tview.TextView {
	panel := tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignLeft)
	panel.SetBorder(true).SetTitle(title)
	return panel
}

func (d *Dashboard) setupKeyboardHandlers() {
	d.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyEscape:
			d.controller.OnEscapeKey()
			return nil
		case tcell.KeyUp:
			d.controller.SpeedUp()
			return nil
		case tcell.KeyDown:
			d.controller.SpeedDown()
			return nil
		case tcell.KeyRight:
			d.controller.InclineUp()
			return nil
		case tcell.KeyLeft:
			d.controller.InclineDown()
			return nil
		case tcell.KeyRune:
		default:
			return event
		}

		switch r := event.Rune(); r {
		case 's', 'S':
			d.controller.Start()
		case 'x', 'X':
			d.controller.Stop()
		case 'w', 'W':
			d.controller.ToggleWorkout()
		case 'p', 'P':
			d.controller.NextProgram()
		case 'c', 'C':
			d.controller.ScanOrConnect()
		case '1', '2', '3', '4':
			d.controller.SpeedPreset(int(r - '1'))
		case '5', '6', '7', '8':
			d.controller.InclinePreset(int(r - '5'))
		default:
			return event
		}
		// targets change on key presses even when no frame arrives
		d.refreshControls(d.model.GetStatus())
		return nil
	})
}

func (d *Dashboard) refreshControls(status Status) {
	speed, incline := d.controller.Targets()
	d.controlsPanel.SetText(formatControlsPanel(status, speed, incline))
}

func (d *Dashboard) setupEventListeners() {
	logChan := make(chan string, 1)
	listen(d, d.model.ListenToLog, logChan, func(string) {
		d.updateLogDisplay()
	})

	statusChan := make(chan Status, 1)
	listen(d, d.model.ListenToStatus, statusChan, func(status Status) {
		d.metricsPanel.SetText(formatMetricsPanel(status))
		d.refreshControls(status)
	})

	workoutChan := make(chan workout.State, 1)
	listen(d, d.model.ListenToWorkoutState, workoutChan, func(state workout.State) {
		d.workoutPanel.SetText(formatWorkoutPanel(state))
	})

	closeChan := make(chan struct{}, 1)
	unregister := d.model.ListenToCloseApplication(closeChan)
	go_func_utils.SafeGoWG(d.logger, &d.wg, func() {
		defer unregister()
		select {
		case <-d.ctx.Done():
		case <-closeChan:
			d.logger.Printf("Dashboard: Close requested, stopping UI")
			d.app.Stop()
		}
	})
}

// listen runs update for every value delivered on ch and redraws, until Shutdown.
func listen[T any](d *Dashboard, register func(chan<- T) func(), ch chan T, update func(T)) {
	unregister := register(ch)
	go_func_utils.SafeGoWG(d.logger, &d.wg, func() {
		defer unregister()
		for {
			select {
			case <-d.ctx.Done():
				return
			case v, ok := <-ch:
				if !ok {
					return
				}
				update(v)
				d.app.Draw()
			}
		}
	})
}

// monitorLogResize refreshes the log tail when the log pane changes height
func (d *Dashboard) monitorLogResize() {
	var lastHeight int
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			_, _, _, height := d.logView.GetInnerRect()
			if height != lastHeight && height > 0 {
				lastHeight = height
				d.updateLogDisplay()
				d.app.Draw()
			}
		}
	}
}

func (d *Dashboard) updateLogDisplay() {
	_, _, _, height := d.logView.GetInnerRect()
	lines := d.model.GetLogTail(height)
	d.logView.Clear()
	for _, line := range lines {
		if _, err := fmt.Fprint(d.logView, tview.Escape(line)); err != nil {
			return
		}
	}
}

// Run starts the UI and blocks until it exits
func (d *Dashboard) Run() error {
	d.app.SetRoot(d.root, true)
	return d.app.Run()
}

// Shutdown stops all goroutines and waits for them to finish
func (d *Dashboard) Shutdown() {
	d.logger.Println("Dashboard: Shutting down")
	d.cancel()
	d.wg.Wait()
	d.logger.Println("Dashboard: Shutdown complete")
}
