package treadmill

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/lowaak/smart-trainer/treadmill-app/internal/events"
	"github.com/lowaak/smart-trainer/treadmill-app/internal/ftms"
)

// Options configures a Session.
type Options struct {
	// DeviceName is matched exactly against advertised names during a scan.
	DeviceName string
	Decoder    ftms.Decoder
	// RequestControlOnReady writes a Request Control command once the session is Ready.
	// Some treadmills ignore speed commands until control has been granted.
	RequestControlOnReady bool
}

// Session drives one treadmill connection. It owns the connection state and the
// last decoded metrics, consumes transport events and gates commands on Ready.
type Session struct {
	transport Transport
	sink      MetricsSink
	logger    *log.Logger
	opts      Options

	mu       sync.RWMutex
	state    ConnectionState
	scanning bool
	device   DiscoveredDevice
	last     ftms.TreadmillMetrics
	hasLast  bool

	stateEvent    *events.ChannelEvent[ConnectionState]
	responseEvent *events.CallbackEvent[ftms.ControlPointResponse]
}

func NewSession(transport Transport, sink MetricsSink, logger *log.Logger, opts Options) *Session {
	if transport == nil {
		panic("Session: transport cannot be nil")
	}
	if sink == nil {
		panic("Session: sink cannot be nil")
	}
	if logger == nil {
		panic("Session: logger cannot be nil")
	}
	return &Session{
		transport:     transport,
		sink:          sink,
		logger:        logger,
		opts:          opts,
		state:         Disconnected,
		stateEvent:    events.NewChannelEvent[ConnectionState](true),
		responseEvent: events.NewCallbackEvent[ftms.ControlPointResponse](false),
	}
}

// State returns the current connection state.
func (s *Session) State() ConnectionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Device returns the device selected by the last scan or Connect call.
func (s *Session) Device() DiscoveredDevice {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.device
}

// LastMetrics returns the most recently decoded metrics. They survive a disconnect.
func (s *Session) LastMetrics() (ftms.TreadmillMetrics, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last, s.hasLast
}

// ListenToState registers a channel for state changes. The current state is sent on registration.
func (s *Session) ListenToState(ch chan<- ConnectionState) func() {
	return s.stateEvent.Listen(ch)
}

// ListenToResponses registers a callback for control point responses.
func (s *Session) ListenToResponses(callback func(ftms.ControlPointResponse)) func() {
	return s.responseEvent.Listen(callback)
}

// StartScan asks the transport to scan for the configured device name. The first
// exact match stops the scan and is connected to.
func (s *Session) StartScan(ctx context.Context) error {
	s.mu.Lock()
	if s.state != Disconnected {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("cannot scan while %v", state)
	}
	s.scanning = true
	s.mu.Unlock()

	s.logger.Printf("Session: scanning for %q", s.opts.DeviceName)
	if err := s.transport.StartScan(ctx); err != nil {
		s.mu.Lock()
		s.scanning = false
		s.mu.Unlock()
		return s.fail(&TransportError{Op: "scan", Err: err}, false)
	}
	return nil
}

// Connect starts connecting to device.
func (s *Session) Connect(device DiscoveredDevice) error {
	s.mu.Lock()
	if s.state != Disconnected {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("cannot connect while %v", state)
	}
	s.device = device
	s.scanning = false
	s.state = Connecting
	s.mu.Unlock()
	s.notifyState(Connecting)

	s.logger.Printf("Session: connecting to %s (%s)", device.Name, device.Address)
	if err := s.transport.Connect(device); err != nil {
		return s.fail(&TransportError{Op: "connect", Err: err}, false)
	}
	return nil
}

// Disconnect ends the session. The Disconnected state is entered when the
// transport reports the link is down.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	s.scanning = false
	s.mu.Unlock()
	if err := s.transport.Disconnect(); err != nil {
		return fmt.Errorf("disconnect: %w", err)
	}
	return nil
}

// Send encodes cmd and writes it to the control point. It fails with ErrNotReady
// unless the session is Ready; nothing is queued. A failed write ends the session.
func (s *Session) Send(cmd ftms.ControlCommand) error {
	state := s.State()
	if state != Ready {
		return fmt.Errorf("%w: %v (%v)", ErrNotReady, state, cmd)
	}
	data := ftms.Encode(cmd)
	s.logger.Printf("Session: sending %v % X", cmd, data)
	if err := s.transport.WriteCharacteristic(ftms.CharUUIDFTMSControlPoint, data); err != nil {
		return s.fail(&TransportError{Op: "write " + cmd.String(), Err: err}, true)
	}
	return nil
}

// Run handles transport events in delivery order until ctx is done or the
// event channel is closed.
func (s *Session) Run(ctx context.Context) error {
	evs := s.transport.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-evs:
			if !ok {
				s.logger.Printf("Session: transport event channel closed")
				return nil
			}
			s.Handle(ev)
		}
	}
}

// Handle processes a single transport event to completion.
func (s *Session) Handle(ev Event) {
	switch e := ev.(type) {
	case DeviceDiscoveredEvent:
		s.handleDiscovered(e)
	case ConnectedEvent:
		s.handleConnected(e)
	case ServicesDiscoveredEvent:
		s.handleServices(e)
	case SubscribedEvent:
		s.handleSubscribed(e)
	case NotificationEvent:
		s.handleNotification(e)
	case DisconnectedEvent:
		s.handleDisconnected(e)
	default:
		s.logger.Printf("Session: unhandled event %T", ev)
	}
}

func (s *Session) handleDiscovered(e DeviceDiscoveredEvent) {
	s.mu.Lock()
	if !s.scanning || s.state != Disconnected || e.Device.Name != s.opts.DeviceName {
		s.mu.Unlock()
		return
	}
	s.scanning = false
	s.mu.Unlock()

	s.logger.Printf("Session: found %s (%s) [RSSI: %d]", e.Device.Name, e.Device.Address, e.Device.RSSI)
	if err := s.transport.StopScan(); err != nil {
		s.logger.Printf("Session: error stopping scan: %v", err)
	}
	if err := s.Connect(e.Device); err != nil {
		s.logger.Printf("Session: %v", err)
	}
}

func (s *Session) handleConnected(e ConnectedEvent) {
	if !s.advance(Connecting, ServicesDiscovered) {
		s.logger.Printf("Session: ignoring connect from %s while %v", e.Device.Address, s.State())
		return
	}
	if err := s.transport.DiscoverServices(); err != nil {
		s.fail(&TransportError{Op: "discover", Err: err}, true)
	}
}

func (s *Session) handleServices(e ServicesDiscoveredEvent) {
	if s.State() != ServicesDiscovered {
		s.logger.Printf("Session: ignoring service discovery result while %v", s.State())
		return
	}
	if e.Err != nil {
		s.fail(&TransportError{Op: "discover", Err: e.Err}, true)
		return
	}
	if err := checkServices(e.Services); err != nil {
		s.fail(&TransportError{Op: "discover", Err: err}, true)
		return
	}
	if !s.advance(ServicesDiscovered, SubscribedToNotifications) {
		return
	}
	if err := s.transport.SubscribeNotifications(ftms.CharUUIDTreadmillData); err != nil {
		s.fail(&TransportError{Op: "subscribe", Err: err}, true)
	}
}

func (s *Session) handleSubscribed(e SubscribedEvent) {
	switch {
	case sameUUID(e.Characteristic, ftms.CharUUIDTreadmillData):
		if e.Err != nil {
			s.fail(&TransportError{Op: "subscribe", Err: e.Err}, true)
			return
		}
		if !s.advance(SubscribedToNotifications, Ready) {
			return
		}
		s.logger.Printf("Session: ready")
		// control point responses are informational, failing to get them is not fatal
		if err := s.transport.SubscribeNotifications(ftms.CharUUIDFTMSControlPoint); err != nil {
			s.logger.Printf("Session: control point indications unavailable: %v", err)
		}
		if s.opts.RequestControlOnReady {
			if err := s.Send(ftms.RequestControl{}); err != nil {
				s.logger.Printf("Session: request control: %v", err)
			}
		}
	case sameUUID(e.Characteristic, ftms.CharUUIDFTMSControlPoint):
		if e.Err != nil {
			s.logger.Printf("Session: control point indications unavailable: %v", e.Err)
		}
	default:
		s.logger.Printf("Session: unexpected subscription ack for %s", e.Characteristic)
	}
}

func (s *Session) handleNotification(e NotificationEvent) {
	switch {
	case sameUUID(e.Characteristic, ftms.CharUUIDTreadmillData):
		s.mu.Lock()
		if !s.state.acceptsNotifications() {
			state := s.state
			s.mu.Unlock()
			s.logger.Printf("Session: dropping treadmill data while %v", state)
			return
		}
		m, err := s.opts.Decoder.Decode(e.Data)
		if err == nil {
			s.last = m
			s.hasLast = true
		}
		s.mu.Unlock()

		if err != nil {
			s.logger.Printf("Session: decode % X: %v", e.Data, err)
			s.sink.OnDecodeError(err)
			return
		}
		s.sink.OnMetrics(m)
	case sameUUID(e.Characteristic, ftms.CharUUIDFTMSControlPoint):
		resp, err := ftms.ParseControlPointResponse(e.Data)
		if err != nil {
			s.logger.Printf("Session: control point: %v", err)
			return
		}
		s.logger.Printf("Session: control point response: %v", resp)
		s.responseEvent.Notify(resp)
	default:
		s.logger.Printf("Session: notification from unknown characteristic %s", e.Characteristic)
	}
}

func (s *Session) handleDisconnected(e DisconnectedEvent) {
	s.mu.Lock()
	s.scanning = false
	already := s.state == Disconnected
	s.mu.Unlock()
	if already {
		// the session already ended, usually through fail
		s.logger.Printf("Session: link closed after the session ended")
		return
	}
	s.logger.Printf("Session: disconnected")
	if e.Err != nil {
		s.fail(&TransportError{Op: "link", Err: e.Err}, false)
		return
	}
	s.setState(Disconnected)
}

// fail ends the session after a transport error. The returned error is err.
func (s *Session) fail(err *TransportError, disconnect bool) error {
	s.logger.Printf("Session: %v", err)
	s.setState(Disconnected)
	if disconnect {
		if derr := s.transport.Disconnect(); derr != nil {
			s.logger.Printf("Session: error disconnecting: %v", derr)
		}
	}
	s.sink.OnTransportError(err)
	return err
}

// advance moves from one state to the next, reporting false if the session
// is no longer in from.
func (s *Session) advance(from, to ConnectionState) bool {
	s.mu.Lock()
	if s.state != from {
		s.mu.Unlock()
		return false
	}
	s.state = to
	s.mu.Unlock()
	s.notifyState(to)
	return true
}

func (s *Session) setState(to ConnectionState) {
	s.mu.Lock()
	changed := s.state != to
	s.state = to
	s.mu.Unlock()
	if changed {
		s.notifyState(to)
	}
}

func (s *Session) notifyState(state ConnectionState) {
	s.logger.Printf("Session: state -> %v", state)
	s.stateEvent.Notify(state)
	s.sink.OnStateChange(state)
}

func checkServices(services map[string][]string) error {
	for svc, chars := range services {
		if !sameUUID(svc, ftms.ServiceUUIDFTMS) {
			continue
		}
		for _, want := range []string{ftms.CharUUIDTreadmillData, ftms.CharUUIDFTMSControlPoint} {
			if !containsUUID(chars, want) {
				return fmt.Errorf("%w: %s", ErrMissingCharacteristic, want)
			}
		}
		return nil
	}
	return fmt.Errorf("%w: service %s", ErrMissingCharacteristic, ftms.ServiceUUIDFTMS)
}

func containsUUID(uuids []string, want string) bool {
	for _, u := range uuids {
		if sameUUID(u, want) {
			return true
		}
	}
	return false
}

func sameUUID(a, b string) bool {
	return strings.EqualFold(a, b)
}
