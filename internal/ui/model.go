package ui

import (
	"context"
	"log"
	"sync"

	"github.com/lowaak/smart-trainer/treadmill-app/internal/events"
	"github.com/lowaak/smart-trainer/treadmill-app/internal/ftms"
	"github.com/lowaak/smart-trainer/treadmill-app/internal/go_func_utils"
	"github.com/lowaak/smart-trainer/treadmill-app/internal/treadmill"
	"github.com/lowaak/smart-trainer/treadmill-app/internal/workout"
)

// Verify Model implements treadmill.MetricsSink
var _ treadmill.MetricsSink = (*Model)(nil)

// Status is the session side of the dashboard
type Status struct {
	State        treadmill.ConnectionState
	Metrics      ftms.TreadmillMetrics
	HasMetrics   bool
	DecodeErrors int
	LastError    string
	LastResponse string
	// Connection counts the times the session reached Ready. MetricsConnection
	// is the Connection the latest metrics arrived on.
	Connection        int
	MetricsConnection int
}

// Model holds what the dashboard renders. It is fed as a MetricsSink by the
// session, by the workout runner and by the log channel.
type Model struct {
	logger *log.Logger

	mu       sync.RWMutex
	status   Status
	workout  workout.State
	logLines []string

	logEvent     *events.ChannelEvent[string]
	statusEvent  *events.ChannelEvent[Status]
	workoutEvent *events.ChannelEvent[workout.State]
	closeEvent   *events.ChannelEvent[struct{}]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

const maxLogLines = 1000

func NewModel(logger *log.Logger, uiLogChan <-chan string) *Model {
	if logger == nil {
		panic("Model: logger cannot be nil")
	}
	if uiLogChan == nil {
		panic("Model: uiLogChan cannot be nil")
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Model{
		logger:       logger,
		status:       Status{State: treadmill.Disconnected},
		logLines:     make([]string, 0, maxLogLines),
		logEvent:     events.NewChannelEvent[string](false),
		statusEvent:  events.NewChannelEvent[Status](true),
		workoutEvent: events.NewChannelEvent[workout.State](true),
		closeEvent:   events.NewChannelEvent[struct{}](true),
		ctx:          ctx,
		cancel:       cancel,
	}

	go_func_utils.SafeGoWG(logger, &m.wg, func() { m.readFromLogChannel(uiLogChan) })
	return m
}

// Shutdown stops all goroutines and waits for them to finish
func (m *Model) Shutdown() {
	m.cancel()
	m.wg.Wait()
}

// --- treadmill.MetricsSink ---

func (m *Model) OnMetrics(metrics ftms.TreadmillMetrics) {
	m.updateStatus(func(s *Status) {
		s.Metrics = metrics
		s.HasMetrics = true
		s.MetricsConnection = s.Connection
	})
}

func (m *Model) OnDecodeError(err error) {
	m.updateStatus(func(s *Status) {
		s.DecodeErrors++
	})
}

func (m *Model) OnStateChange(state treadmill.ConnectionState) {
	m.updateStatus(func(s *Status) {
		if state == treadmill.Ready && s.State != treadmill.Ready {
			s.Connection++
			s.LastError = ""
		}
		s.State = state
	})
}

func (m *Model) OnTransportError(err error) {
	m.updateStatus(func(s *Status) {
		s.LastError = err.Error()
	})
}

// SetControlResponse records the latest control point indication.
func (m *Model) SetControlResponse(resp ftms.ControlPointResponse) {
	m.updateStatus(func(s *Status) {
		s.LastResponse = resp.String()
	})
}

func (m *Model) updateStatus(fn func(s *Status)) {
	m.mu.Lock()
	fn(&m.status)
	status := m.status
	m.mu.Unlock()

	m.statusEvent.Notify(status)
}

func (m *Model) GetStatus() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

func (m *Model) ListenToStatus(ch chan<- Status) func() {
	return m.statusEvent.Listen(ch)
}

// --- workout ---

func (m *Model) SetWorkoutState(state workout.State) {
	m.mu.Lock()
	m.workout = state
	m.mu.Unlock()

	m.workoutEvent.Notify(state)
}

func (m *Model) GetWorkoutState() workout.State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.workout
}

func (m *Model) ListenToWorkoutState(ch chan<- workout.State) func() {
	return m.workoutEvent.Listen(ch)
}

// FollowWorkout mirrors the runner's state into the model until Shutdown.
func (m *Model) FollowWorkout(runner *workout.Runner) {
	ch := make(chan workout.State, 4)
	unregister := runner.ListenToState(ch)
	go_func_utils.SafeGoWG(m.logger, &m.wg, func() {
		defer unregister()
		for {
			select {
			case <-m.ctx.Done():
				return
			case state := <-ch:
				m.SetWorkoutState(state)
			}
		}
	})
}

// --- close ---

func (m *Model) ListenToCloseApplication(ch chan<- struct{}) func() {
	return m.closeEvent.Listen(ch)
}

func (m *Model) RequestCloseApplication() {
	m.closeEvent.Notify(struct{}{})
}

// --- log ---

func (m *Model) ListenToLog(ch chan<- string) func() {
	return m.logEvent.Listen(ch)
}

func (m *Model) readFromLogChannel(logChan <-chan string) {
	for {
		select {
		case <-m.ctx.Done():
			return
		case line, ok := <-logChan:
			if !ok {
				return
			}

			m.mu.Lock()
			m.logLines = append(m.logLines, line)
			if len(m.logLines) > maxLogLines {
				m.logLines = m.logLines[len(m.logLines)-maxLogLines:]
			}
			m.mu.Unlock()

			m.logEvent.Notify(line)
		}
	}
}

// GetLogTail returns up to the last n log lines, oldest first.
func (m *Model) GetLogTail(n int) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if n <= 0 {
		return []string{}
	}
	if n > len(m.logLines) {
		n = len(m.logLines)
	}
	result := make([]string, n)
	copy(result, m.logLines[len(m.logLines)-n:])
	return result
}
