package bt

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/lowaak/smart-trainer/treadmill-app/internal/ftms"
	"github.com/lowaak/smart-trainer/treadmill-app/internal/go_func_utils"
	"github.com/lowaak/smart-trainer/treadmill-app/internal/safe_map"
	"github.com/lowaak/smart-trainer/treadmill-app/internal/treadmill"

	"tinygo.org/x/bluetooth"
)

const (
	// an address is reported again at most this often while scanning
	rediscoverInterval = time.Second
)

var errNotConnected = errors.New("not connected")

var _ treadmill.Transport = (*Transport)(nil)

type scanEntry struct {
	address  bluetooth.Address
	device   treadmill.DiscoveredDevice
	lastSeen time.Time
}

// Transport implements treadmill.Transport on a tinygo bluetooth adapter.
type Transport struct {
	adapter     *bluetooth.Adapter
	logger      *log.Logger
	scanTimeout time.Duration
	events      *treadmill.EventQueue

	scanned *safe_map.SafeMap[string, scanEntry]

	mu         sync.Mutex
	scanning   bool
	scanGen    uint64
	scanCancel context.CancelFunc
	conn       *btConnection

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewTransport(adapter *bluetooth.Adapter, logger *log.Logger, scanTimeout time.Duration) *Transport {
	if adapter == nil {
		panic("Transport: adapter cannot be nil")
	}
	if logger == nil {
		panic("Transport: logger cannot be nil")
	}
	if scanTimeout <= 0 {
		scanTimeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		adapter:     adapter,
		logger:      logger,
		scanTimeout: scanTimeout,
		events:      treadmill.NewEventQueue(ctx, logger, "Transport", treadmill.DefaultMaxQueuedFrames),
		scanned:     safe_map.NewSafeMap[string, scanEntry](),
		ctx:         ctx,
		cancel:      cancel,
	}
}

func (t *Transport) Events() <-chan treadmill.Event {
	return t.events.Events()
}

// Enable powers the adapter and installs the connection handler.
func (t *Transport) Enable() error {
	t.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		addressStr := device.Address.String()
		if connected {
			t.logger.Printf("Device connected: %s", addressStr)
			return
		}
		t.logger.Printf("Device disconnected: %s", addressStr)
		t.mu.Lock()
		ours := t.conn != nil && t.conn.address == addressStr
		if ours {
			t.conn = nil
		}
		t.mu.Unlock()
		if ours {
			t.post(treadmill.DisconnectedEvent{})
		}
	})
	return t.adapter.Enable()
}

// StartScan scans until StopScan, ctx is done, or the scan timeout expires.
func (t *Transport) StartScan(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.scanning && t.scanCancel != nil {
		t.logger.Printf("A scan is already running. Stop the old scan and make a new context...")
		t.scanCancel()
		if err := t.adapter.StopScan(); err != nil {
			t.logger.Printf("Error stopping previous scan: %v", err)
		}
	}
	scanCtx, cancel := context.WithTimeout(ctx, t.scanTimeout)
	t.scanning = true
	t.scanGen++
	gen := t.scanGen
	t.scanCancel = cancel
	t.scanned.Clear()

	t.logger.Printf("Starting scan (timeout %v)", t.scanTimeout)

	go_func_utils.SafeGoWG(t.logger, &t.wg, func() {
		defer t.logger.Printf("exiting scan handling loop")
		err := t.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
			select {
			case <-scanCtx.Done():
				return
			default:
			}
			t.onScanResult(result)
		})
		if err != nil {
			t.logger.Printf("Scan error: %v", err)
		}
	})

	// Scan blocks until the adapter is told to stop
	go_func_utils.SafeGoWG(t.logger, &t.wg, func() {
		select {
		case <-scanCtx.Done():
		case <-t.ctx.Done():
		}
		if errors.Is(scanCtx.Err(), context.DeadlineExceeded) {
			t.logger.Printf("Scan timed out after %v", t.scanTimeout)
		}
		t.mu.Lock()
		current := t.scanning && t.scanGen == gen
		t.mu.Unlock()
		if current {
			if err := t.StopScan(); err != nil {
				t.logger.Printf("Error stopping scan: %v", err)
			}
		}
	})
	return nil
}

func (t *Transport) onScanResult(result bluetooth.ScanResult) {
	addressStr := result.Address.String()
	now := time.Now()

	entry, known := t.scanned.Load(addressStr)
	if known && now.Sub(entry.lastSeen) < rediscoverInterval {
		return
	}
	name := result.LocalName()
	device := treadmill.DiscoveredDevice{Address: addressStr, Name: name, RSSI: result.RSSI}
	t.scanned.Store(addressStr, scanEntry{address: result.Address, device: device, lastSeen: now})
	if !known {
		if name == "" {
			name = "Unknown"
		}
		t.logger.Printf("Found device: %s (%s) [RSSI: %d]", name, addressStr, result.RSSI)
	}
	t.post(treadmill.DeviceDiscoveredEvent{Device: device})
}

func (t *Transport) StopScan() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.scanning {
		return nil
	}
	t.scanning = false
	if t.scanCancel != nil {
		t.scanCancel()
		t.scanCancel = nil
	}
	return t.adapter.StopScan()
}

// Connect dials the device in the background and posts ConnectedEvent or DisconnectedEvent.
func (t *Transport) Connect(device treadmill.DiscoveredDevice) error {
	entry, ok := t.scanned.Load(device.Address)
	if !ok {
		return fmt.Errorf("device %s has not been seen in a scan", device.Address)
	}

	t.logger.Printf("Transport: Attempting to connect to device: %s", device.Address)
	go_func_utils.SafeGoWG(t.logger, &t.wg, func() {
		btDevice, err := t.adapter.Connect(entry.address, bluetooth.ConnectionParams{})
		if err != nil {
			t.logger.Printf("Transport: Connection error: %v", err)
			t.post(treadmill.DisconnectedEvent{Err: err})
			return
		}
		t.mu.Lock()
		t.conn = newBtConnection(t.logger, btDevice)
		t.mu.Unlock()
		t.post(treadmill.ConnectedEvent{Device: device})
	})
	return nil
}

func (t *Transport) DiscoverServices() error {
	conn := t.connection()
	if conn == nil {
		return errNotConnected
	}
	go_func_utils.SafeGoWG(t.logger, &t.wg, func() {
		services, err := conn.discover()
		t.post(treadmill.ServicesDiscoveredEvent{Services: services, Err: err})
	})
	return nil
}

func (t *Transport) SubscribeNotifications(charUUID string) error {
	conn := t.connection()
	if conn == nil {
		return errNotConnected
	}
	go_func_utils.SafeGoWG(t.logger, &t.wg, func() {
		err := conn.enableNotifications(ftms.ServiceUUIDFTMS, charUUID, func(buf []byte) {
			t.post(treadmill.NotificationEvent{Characteristic: charUUID, Data: buf})
		})
		t.post(treadmill.SubscribedEvent{Characteristic: charUUID, Err: err})
	})
	return nil
}

func (t *Transport) WriteCharacteristic(charUUID string, data []byte) error {
	conn := t.connection()
	if conn == nil {
		return errNotConnected
	}
	return conn.write(ftms.ServiceUUIDFTMS, charUUID, data)
}

// Disconnect drops the link. DisconnectedEvent follows from the connection handler.
func (t *Transport) Disconnect() error {
	conn := t.connection()
	if conn == nil {
		t.post(treadmill.DisconnectedEvent{})
		return nil
	}
	t.logger.Printf("Transport: Attempting to disconnect from device: %s", conn.address)
	return conn.disconnect()
}

// Shutdown stops scanning, disconnects and waits for background work to finish.
func (t *Transport) Shutdown() {
	t.logger.Println("Transport: Shutting down")
	if err := t.StopScan(); err != nil {
		t.logger.Printf("Transport: Error stopping scan: %v", err)
	}
	if conn := t.connection(); conn != nil {
		if err := conn.disconnect(); err != nil {
			t.logger.Printf("Error disconnecting from %v: %v", conn.address, err)
		}
	}
	t.cancel()
	t.wg.Wait()
	t.events.Wait()
	t.logger.Println("Transport: Shutdown complete")
}

func (t *Transport) connection() *btConnection {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn
}

// post queues ev without blocking the adapter's callback goroutines.
func (t *Transport) post(ev treadmill.Event) {
	t.events.Post(ev)
}
