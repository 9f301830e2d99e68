package mock

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/lowaak/smart-trainer/treadmill-app/internal/ftms"
	"github.com/lowaak/smart-trainer/treadmill-app/internal/go_func_utils"
	"github.com/lowaak/smart-trainer/treadmill-app/internal/treadmill"
)

// Verify Treadmill implements treadmill.Transport
var _ treadmill.Transport = (*Treadmill)(nil)

const (
	TreadmillAddress = "00:11:22:33:44:02"
	DecoyAddress     = "00:11:22:33:44:09"
	DecoyName        = "Mock HR Strap"

	maxWrites       = 100
	restingHeart    = 70
	lapMeters       = 400.0
	kcalPerKmhSec   = 1.0 / 60.0 // ~600 kcal/h at 10 km/h
	minRunningSpeed = 1.0
)

var (
	errNotConnected = errors.New("mock treadmill not connected")
	// ErrLinkLost is reported when the link is dropped through the HTTP API.
	ErrLinkLost = errors.New("mock treadmill link lost")
)

// Config holds configuration for the simulated treadmill
type Config struct {
	Name     string
	HTTPPort int           // 0 disables the inspection server
	Interval time.Duration // time between Treadmill Data frames, default 1s
}

// WrittenValue records a value written to a characteristic
type WrittenValue struct {
	Timestamp          time.Time `json:"timestamp"`
	CharacteristicUUID string    `json:"characteristicUuid"`
	Data               []byte    `json:"data"`
	DataHex            string    `json:"dataHex"`
	Description        string    `json:"description"`
}

// State is the simulated belt as reported by the inspection API
type State struct {
	Connected          bool    `json:"connected"`
	Address            string  `json:"address"`
	LocalName          string  `json:"localName"`
	ControlGranted     bool    `json:"controlGranted"`
	Running            bool    `json:"running"`
	TargetSpeedKmh     float64 `json:"targetSpeedKmh"`
	SpeedKmh           float64 `json:"speedKmh"`
	InclinationPercent float64 `json:"inclinationPercent"`
	DistanceMeters     float64 `json:"distanceMeters"`
	CaloriesKcal       float64 `json:"caloriesKcal"`
	HeartRateBpm       int     `json:"heartRateBpm"`
	ElapsedSeconds     float64 `json:"elapsedSeconds"`
}

// Treadmill is a treadmill.Transport backed by a simulated FTMS treadmill.
// It advertises the configured name next to a decoy device, streams a Treadmill
// Data frame every Interval while subscribed and applies control point writes to
// its belt.
type Treadmill struct {
	logger   *log.Logger
	name     string
	httpPort int
	interval time.Duration
	events   *treadmill.EventQueue

	mu             sync.Mutex
	scanning       bool
	scanCancel     context.CancelFunc
	connected      bool
	subscribed     map[string]bool
	notifyCancel   context.CancelFunc
	controlGranted bool
	running        bool
	targetSpeed    float64
	incline        float64
	distanceM      float64
	calories       float64
	elapsed        float64
	heartOverride  int

	writesMu sync.RWMutex
	writes   []WrittenValue

	server *http.Server
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewTreadmill creates a disconnected simulated treadmill
func NewTreadmill(logger *log.Logger, config Config) *Treadmill {
	if logger == nil {
		panic("mock.Treadmill: logger cannot be nil")
	}
	if config.Interval <= 0 {
		config.Interval = time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Treadmill{
		logger:     logger,
		name:       config.Name,
		httpPort:   config.HTTPPort,
		interval:   config.Interval,
		events:     treadmill.NewEventQueue(ctx, logger, "MockTreadmill", treadmill.DefaultMaxQueuedFrames),
		subscribed: make(map[string]bool),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start serves the inspection API when an HTTP port is configured
func (m *Treadmill) Start() error {
	m.logger.Printf("MockTreadmill: Starting mock treadmill %s (%s)", m.name, TreadmillAddress)
	if m.httpPort <= 0 {
		return nil
	}

	m.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", m.httpPort),
		Handler:           m.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go_func_utils.SafeGoWG(m.logger, &m.wg, func() {
		m.logger.Printf("MockTreadmill: Web server starting on http://localhost:%d", m.httpPort)
		if err := m.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Printf("MockTreadmill: Web server error: %v", err)
		}
	})
	return nil
}

// Shutdown stops the simulation and its web server
func (m *Treadmill) Shutdown() {
	m.logger.Println("MockTreadmill: Shutting down")
	m.cancel()
	if m.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.server.Shutdown(ctx); err != nil {
			m.logger.Printf("MockTreadmill: Error shutting down web server: %v", err)
		}
	}
	m.wg.Wait()
	m.events.Wait()
	m.logger.Println("MockTreadmill: Shutdown complete")
}

// --- treadmill.Transport ---

func (m *Treadmill) Events() <-chan treadmill.Event {
	return m.events.Events()
}

// StartScan advertises both devices immediately and again every Interval
// until the scan is stopped or ctx ends.
func (m *Treadmill) StartScan(ctx context.Context) error {
	m.mu.Lock()
	if m.scanning {
		m.mu.Unlock()
		return nil
	}
	scanCtx, cancel := context.WithCancel(ctx)
	m.scanning = true
	m.scanCancel = cancel
	m.mu.Unlock()

	m.logger.Println("MockTreadmill: Starting scan")
	devices := m.advertisements()

	go_func_utils.SafeGoWG(m.logger, &m.wg, func() {
		defer m.endScan()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			for _, dev := range devices {
				m.post(treadmill.DeviceDiscoveredEvent{Device: dev})
			}
			select {
			case <-scanCtx.Done():
				return
			case <-m.ctx.Done():
				return
			case <-ticker.C:
			}
		}
	})
	return nil
}

func (m *Treadmill) StopScan() error {
	m.mu.Lock()
	cancel := m.scanCancel
	m.mu.Unlock()
	if cancel != nil {
		m.logger.Println("MockTreadmill: Stopping scan")
		cancel()
	}
	return nil
}

func (m *Treadmill) endScan() {
	m.mu.Lock()
	m.scanning = false
	if m.scanCancel != nil {
		m.scanCancel()
		m.scanCancel = nil
	}
	m.mu.Unlock()
}

func (m *Treadmill) advertisements() []treadmill.DiscoveredDevice {
	return []treadmill.DiscoveredDevice{
		{Address: DecoyAddress, Name: DecoyName, RSSI: -70},
		{Address: TreadmillAddress, Name: m.name, RSSI: -50},
	}
}

func (m *Treadmill) Connect(device treadmill.DiscoveredDevice) error {
	if device.Address != TreadmillAddress {
		return fmt.Errorf("unknown device: %s", device.Address)
	}
	m.mu.Lock()
	m.connected = true
	m.mu.Unlock()

	m.logger.Printf("MockTreadmill: Connected to %s", device.Address)
	m.post(treadmill.ConnectedEvent{Device: device})
	return nil
}

func (m *Treadmill) DiscoverServices() error {
	if !m.IsConnected() {
		return errNotConnected
	}
	m.post(treadmill.ServicesDiscoveredEvent{Services: map[string][]string{
		ftms.ServiceUUIDFTMS: {
			ftms.CharUUIDFTMSFeature,
			ftms.CharUUIDTreadmillData,
			ftms.CharUUIDFTMSControlPoint,
		},
	}})
	return nil
}

func (m *Treadmill) SubscribeNotifications(charUUID string) error {
	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return errNotConnected
	}
	m.subscribed[charUUID] = true
	m.mu.Unlock()

	m.logger.Printf("MockTreadmill: EnableNotifications for %s", charUUID)
	m.post(treadmill.SubscribedEvent{Characteristic: charUUID})
	if charUUID == ftms.CharUUIDTreadmillData {
		m.startNotifications()
	}
	return nil
}

func (m *Treadmill) WriteCharacteristic(charUUID string, data []byte) error {
	if !m.IsConnected() {
		return errNotConnected
	}
	m.logger.Printf("MockTreadmill: WriteCharacteristic %s data=%v", charUUID, data)

	description := ""
	var response *ftms.ControlPointResponse
	if charUUID == ftms.CharUUIDFTMSControlPoint {
		resp := m.handleControl(data)
		response = &resp
		description = resp.String()
	}
	m.recordWrite(charUUID, data, description)

	if response != nil && m.isSubscribed(ftms.CharUUIDFTMSControlPoint) {
		m.post(treadmill.NotificationEvent{
			Characteristic: ftms.CharUUIDFTMSControlPoint,
			Data:           response.Response(),
		})
	}
	return nil
}

// Disconnect drops the link. A DisconnectedEvent always follows.
func (m *Treadmill) Disconnect() error {
	m.dropLink(nil)
	return nil
}

// DropLink simulates the treadmill going out of range.
func (m *Treadmill) DropLink() {
	m.dropLink(ErrLinkLost)
}

func (m *Treadmill) dropLink(err error) {
	m.mu.Lock()
	wasConnected := m.connected
	m.connected = false
	m.controlGranted = false
	m.subscribed = make(map[string]bool)
	m.mu.Unlock()

	m.stopNotifications()
	if wasConnected {
		m.logger.Printf("MockTreadmill: Disconnected from %s", TreadmillAddress)
	}
	m.post(treadmill.DisconnectedEvent{Err: err})
}

// --- simulation ---

func (m *Treadmill) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *Treadmill) isSubscribed(charUUID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subscribed[charUUID]
}

// handleControl applies one control point write and returns the indication to send.
func (m *Treadmill) handleControl(data []byte) ftms.ControlPointResponse {
	resp := ftms.ControlPointResponse{ResultCode: ftms.ResultSuccess}
	if len(data) > 0 {
		resp.RequestOpCode = data[0]
	}

	cmd, err := ftms.ParseCommand(data)
	if err != nil {
		m.logger.Printf("MockTreadmill: rejected control write: %v", err)
		resp.ResultCode = ftms.ResultOpCodeNotSupported
		if len(data) > 0 && supportedOpCode(data[0]) {
			resp.ResultCode = ftms.ResultInvalidParameter
		}
		return resp
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	switch c := cmd.(type) {
	case ftms.RequestControl:
		m.controlGranted = true
	case ftms.Reset:
		m.running = false
		m.targetSpeed = 0
		m.incline = 0
		m.distanceM = 0
		m.calories = 0
		m.elapsed = 0
	case ftms.SetSpeed:
		m.targetSpeed = c.Kmh
	case ftms.SetInclination:
		m.incline = c.Percent
	case ftms.Start:
		m.running = true
		if m.targetSpeed < minRunningSpeed {
			m.targetSpeed = minRunningSpeed
		}
	case ftms.Stop:
		m.running = false
	}
	m.logger.Printf("MockTreadmill: applied %v", cmd)
	return resp
}

func supportedOpCode(op byte) bool {
	switch op {
	case ftms.OpCodeRequestControl, ftms.OpCodeReset, ftms.OpCodeSetTargetSpeed,
		ftms.OpCodeSetTargetInclination, ftms.OpCodeStartOrResume, ftms.OpCodeStopOrPause:
		return true
	}
	return false
}

// Advance moves the simulated belt forward by dt and returns the frame the
// treadmill would send.
func (m *Treadmill) Advance(dt time.Duration) ftms.TreadmillMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	speed := m.beltSpeedLocked()
	if speed > 0 {
		secs := dt.Seconds()
		m.distanceM += speed / 3.6 * secs
		m.calories += speed * kcalPerKmhSec * secs
		m.elapsed += secs
	}
	return m.metricsLocked()
}

func (m *Treadmill) beltSpeedLocked() float64 {
	if !m.running {
		return 0
	}
	return m.targetSpeed
}

func (m *Treadmill) heartRateLocked() int {
	if m.heartOverride > 0 {
		return m.heartOverride
	}
	return restingHeart + int(math.Round(m.beltSpeedLocked()*6+m.incline*2))
}

func (m *Treadmill) metricsLocked() ftms.TreadmillMetrics {
	calories := int(m.calories)
	if calories > math.MaxUint8 {
		calories = math.MaxUint8
	}
	return ftms.TreadmillMetrics{
		InstantaneousSpeedKmh: m.beltSpeedLocked(),
		HasTotalDistance:      true,
		TotalDistanceRaw:      uint32(m.distanceM),
		HasInclination:        true,
		InclinationPercent:    m.incline,
		HasLapCount:           true,
		LapCount:              int(m.distanceM/lapMeters) & 0xFF,
		HasTotalCalories:      true,
		TotalCaloriesKcal:     calories,
		HasHeartRate:          true,
		HeartRateBpm:          m.heartRateLocked(),
		HasElapsedTime:        true,
		ElapsedTimeSeconds:    int(m.elapsed),
	}
}

// Snapshot returns the current simulated state.
func (m *Treadmill) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return State{
		Connected:          m.connected,
		Address:            TreadmillAddress,
		LocalName:          m.name,
		ControlGranted:     m.controlGranted,
		Running:            m.running,
		TargetSpeedKmh:     m.targetSpeed,
		SpeedKmh:           m.beltSpeedLocked(),
		InclinationPercent: m.incline,
		DistanceMeters:     m.distanceM,
		CaloriesKcal:       m.calories,
		HeartRateBpm:       m.heartRateLocked(),
		ElapsedSeconds:     m.elapsed,
	}
}

// Writes returns a copy of the recorded characteristic writes, oldest first.
func (m *Treadmill) Writes() []WrittenValue {
	m.writesMu.RLock()
	defer m.writesMu.RUnlock()
	writes := make([]WrittenValue, len(m.writes))
	copy(writes, m.writes)
	return writes
}

func (m *Treadmill) recordWrite(charUUID string, data []byte, description string) {
	m.writesMu.Lock()
	defer m.writesMu.Unlock()
	m.writes = append(m.writes, WrittenValue{
		Timestamp:          time.Now(),
		CharacteristicUUID: charUUID,
		Data:               append([]byte(nil), data...),
		DataHex:            hex.EncodeToString(data),
		Description:        description,
	})
	// Keep only last 100 writes
	if len(m.writes) > maxWrites {
		m.writes = m.writes[len(m.writes)-maxWrites:]
	}
}

// sendFrame advances the simulation by one interval and notifies the frame
func (m *Treadmill) sendFrame() {
	frame, err := m.Advance(m.interval).MarshalBinary()
	if err != nil {
		m.logger.Printf("MockTreadmill: build frame: %v", err)
		return
	}
	if !m.isSubscribed(ftms.CharUUIDTreadmillData) {
		return
	}
	m.post(treadmill.NotificationEvent{Characteristic: ftms.CharUUIDTreadmillData, Data: frame})
}

// startNotifications starts the periodic frame sender
func (m *Treadmill) startNotifications() {
	m.mu.Lock()
	if m.notifyCancel != nil {
		m.mu.Unlock()
		return
	}
	notifyCtx, notifyCancel := context.WithCancel(m.ctx)
	m.notifyCancel = notifyCancel
	m.mu.Unlock()

	go_func_utils.SafeGoWG(m.logger, &m.wg, func() {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		m.logger.Println("MockTreadmill: Started sending notifications")
		for {
			select {
			case <-notifyCtx.Done():
				m.logger.Println("MockTreadmill: Stopped sending notifications")
				return
			case <-ticker.C:
				m.sendFrame()
			}
		}
	})
}

// stopNotifications stops the periodic frame sender
func (m *Treadmill) stopNotifications() {
	m.mu.Lock()
	if m.notifyCancel != nil {
		m.notifyCancel()
		m.notifyCancel = nil
	}
	m.mu.Unlock()
}

func (m *Treadmill) post(ev treadmill.Event) {
	m.events.Post(ev)
}
