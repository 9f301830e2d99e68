package treadmill

import "context"

// DiscoveredDevice is one advertisement seen during a scan.
type DiscoveredDevice struct {
	Address string
	Name    string
	RSSI    int16
}

// Transport is the BLE link to a treadmill. Calls start operations and return
// promptly; completions are delivered as Events on the Events channel in the
// order they happened.
type Transport interface {
	StartScan(ctx context.Context) error
	StopScan() error
	Connect(device DiscoveredDevice) error
	DiscoverServices() error
	// SubscribeNotifications enables notifications on a characteristic of the FTMS
	// service by writing its CCCD.
	SubscribeNotifications(charUUID string) error
	WriteCharacteristic(charUUID string, data []byte) error
	Disconnect() error
	Events() <-chan Event
}

// Event is a transport completion consumed by Session.Handle.
type Event interface {
	isEvent()
}

type DeviceDiscoveredEvent struct {
	Device DiscoveredDevice
}

type ConnectedEvent struct {
	Device DiscoveredDevice
}

// DisconnectedEvent reports that the link went down. Err is nil for a requested disconnect.
type DisconnectedEvent struct {
	Err error
}

// ServicesDiscoveredEvent lists the discovered services and, for each service UUID,
// the characteristic UUIDs it carries.
type ServicesDiscoveredEvent struct {
	Services map[string][]string
	Err      error
}

type SubscribedEvent struct {
	Characteristic string
	Err            error
}

type NotificationEvent struct {
	Characteristic string
	Data           []byte
}

func (DeviceDiscoveredEvent) isEvent()   {}
func (ConnectedEvent) isEvent()          {}
func (DisconnectedEvent) isEvent()       {}
func (ServicesDiscoveredEvent) isEvent() {}
func (SubscribedEvent) isEvent()         {}
func (NotificationEvent) isEvent()       {}
