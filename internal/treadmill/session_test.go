package treadmill

import (
	"bytes"
	"context"
	"errors"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lowaak/smart-trainer/treadmill-app/internal/ftms"
)

type fakeTransport struct {
	mu          sync.Mutex
	events      chan Event
	calls       []string
	writes      [][]byte
	subscribed  []string
	connected   DiscoveredDevice
	writeErr    error
	connectErr  error
	discoverErr error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: make(chan Event, 16)}
}

func (f *fakeTransport) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeTransport) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeTransport) StartScan(ctx context.Context) error { f.record("scan"); return nil }
func (f *fakeTransport) StopScan() error                     { f.record("stopscan"); return nil }
func (f *fakeTransport) Connect(device DiscoveredDevice) error {
	f.record("connect")
	f.connected = device
	return f.connectErr
}
func (f *fakeTransport) DiscoverServices() error { f.record("discover"); return f.discoverErr }
func (f *fakeTransport) SubscribeNotifications(charUUID string) error {
	f.record("subscribe")
	f.subscribed = append(f.subscribed, charUUID)
	return nil
}
func (f *fakeTransport) WriteCharacteristic(charUUID string, data []byte) error {
	f.record("write")
	if f.writeErr != nil {
		return f.writeErr
	}
	f.writes = append(f.writes, data)
	return nil
}
func (f *fakeTransport) Disconnect() error    { f.record("disconnect"); return nil }
func (f *fakeTransport) Events() <-chan Event { return f.events }

type recordingSink struct {
	mu              sync.Mutex
	metrics         []ftms.TreadmillMetrics
	decodeErrors    []error
	states          []ConnectionState
	transportErrors []error
}

func (r *recordingSink) OnMetrics(m ftms.TreadmillMetrics) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics = append(r.metrics, m)
}

func (r *recordingSink) OnDecodeError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decodeErrors = append(r.decodeErrors, err)
}

func (r *recordingSink) OnStateChange(state ConnectionState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
}

func (r *recordingSink) OnTransportError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transportErrors = append(r.transportErrors, err)
}

func (r *recordingSink) MetricsCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.metrics)
}

var device = DiscoveredDevice{Address: "AA:BB:CC:DD:EE:FF", Name: "FS-34EAB5", RSSI: -60}

func ftmsServices() map[string][]string {
	return map[string][]string{
		"00001800-0000-1000-8000-00805f9b34fb": {"00002a00-0000-1000-8000-00805f9b34fb"},
		ftms.ServiceUUIDFTMS: {
			ftms.CharUUIDFTMSFeature,
			ftms.CharUUIDTreadmillData,
			ftms.CharUUIDFTMSControlPoint,
		},
	}
}

func newTestSession(opts Options) (*Session, *fakeTransport, *recordingSink) {
	transport := newFakeTransport()
	sink := &recordingSink{}
	logger := log.New(&bytes.Buffer{}, "", 0)
	if opts.DeviceName == "" {
		opts.DeviceName = device.Name
	}
	return NewSession(transport, sink, logger, opts), transport, sink
}

// readySession walks a session through the whole connect sequence
func readySession(t *testing.T, opts Options) (*Session, *fakeTransport, *recordingSink) {
	s, transport, sink := newTestSession(opts)
	require.NoError(t, s.Connect(device))
	s.Handle(ConnectedEvent{Device: device})
	s.Handle(ServicesDiscoveredEvent{Services: ftmsServices()})
	s.Handle(SubscribedEvent{Characteristic: ftms.CharUUIDTreadmillData})
	require.Equal(t, Ready, s.State())
	return s, transport, sink
}

func TestNewSession_PanicsOnNil(t *testing.T) {
	logger := log.New(&bytes.Buffer{}, "", 0)
	assert.Panics(t, func() { NewSession(nil, &recordingSink{}, logger, Options{}) })
	assert.Panics(t, func() { NewSession(newFakeTransport(), nil, logger, Options{}) })
	assert.Panics(t, func() { NewSession(newFakeTransport(), &recordingSink{}, nil, Options{}) })
}

func TestSession_ConnectSequence(t *testing.T) {
	s, transport, sink := readySession(t, Options{})

	assert.Equal(t, []ConnectionState{Connecting, ServicesDiscovered, SubscribedToNotifications, Ready}, sink.states)
	assert.Equal(t, []string{"connect", "discover", "subscribe", "subscribe"}, transport.Calls())
	assert.Equal(t, []string{ftms.CharUUIDTreadmillData, ftms.CharUUIDFTMSControlPoint}, transport.subscribed)
	assert.Equal(t, device, transport.connected)
	assert.Equal(t, device, s.Device())
	assert.Empty(t, sink.transportErrors)
}

func TestSession_RequestControlOnReady(t *testing.T) {
	_, transport, _ := readySession(t, Options{RequestControlOnReady: true})
	require.Len(t, transport.writes, 1)
	assert.Equal(t, []byte{ftms.OpCodeRequestControl}, transport.writes[0])
}

func TestSession_SendWhenConnectingIsNotReady(t *testing.T) {
	s, transport, sink := newTestSession(Options{})
	require.NoError(t, s.Connect(device))
	require.Equal(t, Connecting, s.State())

	err := s.Send(ftms.SetSpeed{Kmh: 10})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotReady))
	assert.Equal(t, Connecting, s.State())
	assert.Empty(t, transport.writes)
	assert.Equal(t, []ConnectionState{Connecting}, sink.states)
}

func TestSession_SendNotReadyInEveryEarlierState(t *testing.T) {
	s, _, _ := newTestSession(Options{})
	assert.ErrorIs(t, s.Send(ftms.Start{}), ErrNotReady)

	require.NoError(t, s.Connect(device))
	s.Handle(ConnectedEvent{Device: device})
	require.Equal(t, ServicesDiscovered, s.State())
	assert.ErrorIs(t, s.Send(ftms.Start{}), ErrNotReady)

	s.Handle(ServicesDiscoveredEvent{Services: ftmsServices()})
	require.Equal(t, SubscribedToNotifications, s.State())
	assert.ErrorIs(t, s.Send(ftms.Start{}), ErrNotReady)
}

func TestSession_SendWhenReady(t *testing.T) {
	s, transport, _ := readySession(t, Options{})

	require.NoError(t, s.Send(ftms.SetSpeed{Kmh: 12}))
	require.NoError(t, s.Send(ftms.Stop{}))
	assert.Equal(t, [][]byte{{0x02, 0xB0, 0x04}, {0x08}}, transport.writes)
}

func TestSession_WriteFailureDisconnects(t *testing.T) {
	s, transport, sink := readySession(t, Options{})
	transport.writeErr = errors.New("gatt write failed")

	err := s.Send(ftms.Start{})
	var terr *TransportError
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, Disconnected, s.State())
	require.Len(t, sink.transportErrors, 1)
	assert.Contains(t, transport.Calls(), "disconnect")
}

func TestSession_NotificationsDecodedAndForwarded(t *testing.T) {
	s, _, sink := readySession(t, Options{})

	s.Handle(NotificationEvent{Characteristic: ftms.CharUUIDTreadmillData, Data: []byte{0x00, 0x00, 0xE8, 0x03}})
	s.Handle(NotificationEvent{Characteristic: ftms.CharUUIDTreadmillData, Data: []byte{0x08, 0x00, 0xE8, 0x03, 0x32, 0x00}})

	require.Len(t, sink.metrics, 2)
	assert.InDelta(t, 10.0, sink.metrics[0].InstantaneousSpeedKmh, 1e-9)
	assert.InDelta(t, 5.0, sink.metrics[1].InclinationPercent, 1e-9)

	last, ok := s.LastMetrics()
	require.True(t, ok)
	assert.Equal(t, sink.metrics[1], last)
}

func TestSession_DecodeErrorKeepsState(t *testing.T) {
	s, _, sink := readySession(t, Options{})
	s.Handle(NotificationEvent{Characteristic: ftms.CharUUIDTreadmillData, Data: []byte{0x08, 0x00, 0xE8, 0x03, 0x32}})

	assert.Equal(t, Ready, s.State())
	require.Len(t, sink.decodeErrors, 1)
	assert.ErrorIs(t, sink.decodeErrors[0], ftms.ErrTruncated)
	assert.Empty(t, sink.metrics)
	_, ok := s.LastMetrics()
	assert.False(t, ok)
}

func TestSession_DistanceDivisorOption(t *testing.T) {
	s, _, sink := readySession(t, Options{Decoder: ftms.Decoder{DistanceDivisor: 100}})
	s.Handle(NotificationEvent{Characteristic: ftms.CharUUIDTreadmillData, Data: []byte{0x04, 0x00, 0x00, 0x00, 0xE8, 0x03, 0x00}})
	require.Len(t, sink.metrics, 1)
	assert.InDelta(t, 10.0, sink.metrics[0].TotalDistance, 1e-9)
}

func TestSession_DisconnectWhileReady(t *testing.T) {
	s, _, sink := readySession(t, Options{})
	s.Handle(NotificationEvent{Characteristic: ftms.CharUUIDTreadmillData, Data: []byte{0x00, 0x00, 0xE8, 0x03}})
	require.Equal(t, 1, sink.MetricsCount())

	s.Handle(DisconnectedEvent{Err: errors.New("link lost")})
	assert.Equal(t, Disconnected, s.State())
	assert.Equal(t, Disconnected, sink.states[len(sink.states)-1])
	require.Len(t, sink.transportErrors, 1)

	last, ok := s.LastMetrics()
	require.True(t, ok)
	assert.InDelta(t, 10.0, last.InstantaneousSpeedKmh, 1e-9)

	// frames arriving after the drop are not forwarded
	s.Handle(NotificationEvent{Characteristic: ftms.CharUUIDTreadmillData, Data: []byte{0x00, 0x00, 0xD0, 0x07}})
	assert.Equal(t, 1, sink.MetricsCount())
	last, _ = s.LastMetrics()
	assert.InDelta(t, 10.0, last.InstantaneousSpeedKmh, 1e-9)

	assert.ErrorIs(t, s.Send(ftms.Start{}), ErrNotReady)
}

func TestSession_CleanDisconnectIsNotAnError(t *testing.T) {
	s, _, sink := readySession(t, Options{})
	s.Handle(DisconnectedEvent{})
	assert.Equal(t, Disconnected, s.State())
	assert.Empty(t, sink.transportErrors)
}

func TestSession_DisconnectAfterFailureReportedOnce(t *testing.T) {
	s, transport, sink := readySession(t, Options{})
	transport.writeErr = errors.New("gatt write failed")
	require.Error(t, s.Send(ftms.Start{}))
	require.Len(t, sink.transportErrors, 1)

	// the transport reports the link going down after the failed write
	s.Handle(DisconnectedEvent{Err: errors.New("link lost")})
	assert.Equal(t, Disconnected, s.State())
	require.Len(t, sink.transportErrors, 1)
	assert.ErrorContains(t, sink.transportErrors[0], "gatt write failed")
}

func TestSession_DisconnectWhileDisconnectedIgnored(t *testing.T) {
	s, _, sink := newTestSession(Options{})
	s.Handle(DisconnectedEvent{Err: errors.New("link lost")})
	assert.Equal(t, Disconnected, s.State())
	assert.Empty(t, sink.transportErrors)
	assert.Empty(t, sink.states)

	s, _, sink = readySession(t, Options{})
	s.Handle(DisconnectedEvent{Err: errors.New("link lost")})
	s.Handle(DisconnectedEvent{Err: errors.New("link lost again")})
	require.Len(t, sink.transportErrors, 1)
	assert.ErrorContains(t, sink.transportErrors[0], "link lost")
}

func TestSession_MissingCharacteristic(t *testing.T) {
	s, transport, sink := newTestSession(Options{})
	require.NoError(t, s.Connect(device))
	s.Handle(ConnectedEvent{Device: device})
	s.Handle(ServicesDiscoveredEvent{Services: map[string][]string{
		ftms.ServiceUUIDFTMS: {ftms.CharUUIDTreadmillData},
	}})

	assert.Equal(t, Disconnected, s.State())
	require.Len(t, sink.transportErrors, 1)
	assert.ErrorIs(t, sink.transportErrors[0], ErrMissingCharacteristic)
	assert.Contains(t, sink.transportErrors[0].Error(), ftms.CharUUIDFTMSControlPoint)
	assert.Contains(t, transport.Calls(), "disconnect")
}

func TestSession_MissingService(t *testing.T) {
	s, _, sink := newTestSession(Options{})
	require.NoError(t, s.Connect(device))
	s.Handle(ConnectedEvent{Device: device})
	s.Handle(ServicesDiscoveredEvent{Services: map[string][]string{}})

	assert.Equal(t, Disconnected, s.State())
	require.Len(t, sink.transportErrors, 1)
	assert.ErrorIs(t, sink.transportErrors[0], ErrMissingCharacteristic)
}

func TestSession_UppercaseUUIDsMatch(t *testing.T) {
	s, _, _ := newTestSession(Options{})
	require.NoError(t, s.Connect(device))
	s.Handle(ConnectedEvent{Device: device})
	s.Handle(ServicesDiscoveredEvent{Services: map[string][]string{
		"00001826-0000-1000-8000-00805F9B34FB": {"00002ACD-0000-1000-8000-00805F9B34FB", "00002AD9-0000-1000-8000-00805F9B34FB"},
	}})
	assert.Equal(t, SubscribedToNotifications, s.State())
}

func TestSession_SubscribeFailure(t *testing.T) {
	s, _, sink := newTestSession(Options{})
	require.NoError(t, s.Connect(device))
	s.Handle(ConnectedEvent{Device: device})
	s.Handle(ServicesDiscoveredEvent{Services: ftmsServices()})
	s.Handle(SubscribedEvent{Characteristic: ftms.CharUUIDTreadmillData, Err: errors.New("cccd write failed")})

	assert.Equal(t, Disconnected, s.State())
	assert.Len(t, sink.transportErrors, 1)
}

func TestSession_ConnectFailure(t *testing.T) {
	s, transport, sink := newTestSession(Options{})
	transport.connectErr = errors.New("adapter off")

	err := s.Connect(device)
	require.Error(t, err)
	assert.Equal(t, Disconnected, s.State())
	assert.Equal(t, []ConnectionState{Connecting, Disconnected}, sink.states)
	assert.Len(t, sink.transportErrors, 1)
}

func TestSession_ConnectWhileConnecting(t *testing.T) {
	s, _, _ := newTestSession(Options{})
	require.NoError(t, s.Connect(device))
	assert.Error(t, s.Connect(device))
	assert.Equal(t, Connecting, s.State())
}

func TestSession_ScanSelectsExactName(t *testing.T) {
	s, transport, _ := newTestSession(Options{})
	require.NoError(t, s.StartScan(context.Background()))

	s.Handle(DeviceDiscoveredEvent{Device: DiscoveredDevice{Address: "11:11", Name: "FS-34EAB"}})
	s.Handle(DeviceDiscoveredEvent{Device: DiscoveredDevice{Address: "22:22", Name: "fs-34eab5"}})
	s.Handle(DeviceDiscoveredEvent{Device: DiscoveredDevice{Address: "33:33", Name: ""}})
	assert.Equal(t, Disconnected, s.State())
	assert.Equal(t, []string{"scan"}, transport.Calls())

	s.Handle(DeviceDiscoveredEvent{Device: device})
	assert.Equal(t, Connecting, s.State())
	assert.Equal(t, []string{"scan", "stopscan", "connect"}, transport.Calls())

	// a second advertisement of the same device is ignored
	s.Handle(DeviceDiscoveredEvent{Device: device})
	assert.Equal(t, []string{"scan", "stopscan", "connect"}, transport.Calls())
}

func TestSession_DiscoveryIgnoredWithoutScan(t *testing.T) {
	s, transport, _ := newTestSession(Options{})
	s.Handle(DeviceDiscoveredEvent{Device: device})
	assert.Equal(t, Disconnected, s.State())
	assert.Empty(t, transport.Calls())
}

func TestSession_OutOfOrderEventsIgnored(t *testing.T) {
	s, transport, sink := newTestSession(Options{})
	s.Handle(ConnectedEvent{Device: device})
	s.Handle(ServicesDiscoveredEvent{Services: ftmsServices()})
	s.Handle(SubscribedEvent{Characteristic: ftms.CharUUIDTreadmillData})
	s.Handle(NotificationEvent{Characteristic: ftms.CharUUIDTreadmillData, Data: []byte{0x00, 0x00, 0xE8, 0x03}})

	assert.Equal(t, Disconnected, s.State())
	assert.Empty(t, sink.states)
	assert.Empty(t, sink.metrics)
	assert.Empty(t, transport.Calls())
}

func TestSession_ControlPointResponses(t *testing.T) {
	s, _, sink := readySession(t, Options{})

	var got []ftms.ControlPointResponse
	s.ListenToResponses(func(r ftms.ControlPointResponse) { got = append(got, r) })

	s.Handle(NotificationEvent{Characteristic: ftms.CharUUIDFTMSControlPoint, Data: []byte{0x80, 0x02, 0x01}})
	s.Handle(NotificationEvent{Characteristic: ftms.CharUUIDFTMSControlPoint, Data: []byte{0x80}})

	require.Len(t, got, 1)
	assert.True(t, got[0].Success())
	assert.Empty(t, sink.metrics)
	assert.Empty(t, sink.decodeErrors)
}

func TestSession_ListenToState(t *testing.T) {
	s, _, _ := newTestSession(Options{})
	ch := make(chan ConnectionState, 10)
	unregister := s.ListenToState(ch)
	defer unregister()

	require.NoError(t, s.Connect(device))
	select {
	case state := <-ch:
		assert.Equal(t, Connecting, state)
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for state change")
	}
}

func TestSession_Run(t *testing.T) {
	s, transport, sink := newTestSession(Options{})
	require.NoError(t, s.Connect(device))

	transport.events <- ConnectedEvent{Device: device}
	transport.events <- ServicesDiscoveredEvent{Services: ftmsServices()}
	transport.events <- SubscribedEvent{Characteristic: ftms.CharUUIDTreadmillData}
	transport.events <- NotificationEvent{Characteristic: ftms.CharUUIDTreadmillData, Data: []byte{0x00, 0x00, 0xE8, 0x03}}
	close(transport.events)

	err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Ready, s.State())
	assert.Equal(t, 1, sink.MetricsCount())
}

func TestSession_RunStopsOnCancel(t *testing.T) {
	s, _, _ := newTestSession(Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.Run(ctx), context.Canceled)
}

func TestConnectionState_String(t *testing.T) {
	assert.Equal(t, "Disconnected", Disconnected.String())
	assert.Equal(t, "Ready", Ready.String())
	assert.Equal(t, "Unknown", ConnectionState(42).String())
}

func TestMultiSink(t *testing.T) {
	a, b := &recordingSink{}, &recordingSink{}
	sink := MultiSink{a, b}
	sink.OnMetrics(ftms.TreadmillMetrics{InstantaneousSpeedKmh: 3})
	sink.OnStateChange(Ready)
	sink.OnDecodeError(ftms.ErrTooShort)
	sink.OnTransportError(errors.New("x"))
	for _, r := range []*recordingSink{a, b} {
		assert.Len(t, r.metrics, 1)
		assert.Equal(t, []ConnectionState{Ready}, r.states)
		assert.Len(t, r.decodeErrors, 1)
		assert.Len(t, r.transportErrors, 1)
	}
}

// reentrantSink sends a command as soon as the session reports Ready
type reentrantSink struct {
	recordingSink
	session *Session
	sendErr error
	metrics []ftms.TreadmillMetrics
}

func (r *reentrantSink) OnStateChange(state ConnectionState) {
	r.recordingSink.OnStateChange(state)
	if state == Ready {
		r.sendErr = r.session.Send(ftms.Start{})
	}
}

func (r *reentrantSink) OnMetrics(m ftms.TreadmillMetrics) {
	last, _ := r.session.LastMetrics()
	r.metrics = append(r.metrics, last)
}

func TestSession_SinkMayCallBack(t *testing.T) {
	transport := newFakeTransport()
	sink := &reentrantSink{}
	s := NewSession(transport, sink, log.New(&bytes.Buffer{}, "", 0), Options{DeviceName: device.Name})
	sink.session = s

	require.NoError(t, s.Connect(device))
	s.Handle(ConnectedEvent{Device: device})
	s.Handle(ServicesDiscoveredEvent{Services: ftmsServices()})
	s.Handle(SubscribedEvent{Characteristic: ftms.CharUUIDTreadmillData})

	require.Equal(t, Ready, s.State())
	assert.NoError(t, sink.sendErr)
	assert.Equal(t, [][]byte{{ftms.OpCodeStartOrResume}}, transport.writes)

	s.Handle(NotificationEvent{Characteristic: ftms.CharUUIDTreadmillData, Data: []byte{0x00, 0x00, 0xE8, 0x03}})
	require.Len(t, sink.metrics, 1)
	assert.Equal(t, 10.0, sink.metrics[0].InstantaneousSpeedKmh)
}
