package bt

import (
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/lowaak/smart-trainer/treadmill-app/internal/safe_map"
	"tinygo.org/x/bluetooth"
)

// btConnection wraps a connected device and caches its GATT table.
type btConnection struct {
	device  bluetooth.Device
	address string
	logger  *log.Logger
	bleMu   sync.Mutex // serializes GATT operations

	serviceByUuid        *safe_map.SafeMap[string, *bluetooth.DeviceService]
	characteristicByUuid *safe_map.SafeMap[string, *bluetooth.DeviceCharacteristic]
}

func newBtConnection(logger *log.Logger, device bluetooth.Device) *btConnection {
	if logger == nil {
		panic("logger must be non nil")
	}
	return &btConnection{
		device:               device,
		address:              device.Address.String(),
		logger:               logger,
		serviceByUuid:        safe_map.NewSafeMap[string, *bluetooth.DeviceService](),
		characteristicByUuid: safe_map.NewSafeMap[string, *bluetooth.DeviceCharacteristic](),
	}
}

func charKey(serviceUuid, charUuid string) string {
	return serviceUuid + "_" + charUuid
}

// discover enumerates all services and their characteristics in one pass.
// Discovering services one at a time interrupts notifications on services found earlier.
func (c *btConnection) discover() (map[string][]string, error) {
	c.bleMu.Lock()
	defer c.bleMu.Unlock()

	c.logger.Printf("BTDevice: Discovering all services for %s", c.address)
	services, err := c.device.DiscoverServices(nil)
	if err != nil {
		return nil, fmt.Errorf("error discovering services: %w", err)
	}

	table := make(map[string][]string, len(services))
	for i := range services {
		svc := &services[i]
		svcUuid := svc.UUID().String()
		c.serviceByUuid.Store(svcUuid, svc)

		chars, err := svc.DiscoverCharacteristics(nil)
		if err != nil {
			// some hosts refuse discovery on the GAP/GATT services
			c.logger.Printf("BTDevice: could not discover characteristics for service %s: %v", svcUuid, err)
			table[svcUuid] = nil
			continue
		}
		uuids := make([]string, 0, len(chars))
		for j := range chars {
			char := &chars[j]
			charUuid := char.UUID().String()
			c.characteristicByUuid.Store(charKey(svcUuid, charUuid), char)
			uuids = append(uuids, charUuid)
		}
		table[svcUuid] = uuids
		c.logger.Printf("BTDevice: Cached service %s with %d characteristics", svcUuid, len(uuids))
	}
	return table, nil
}

func (c *btConnection) characteristic(serviceUuidStr, charUuidStr string) (*bluetooth.DeviceCharacteristic, error) {
	serviceUuid, err := bluetooth.ParseUUID(serviceUuidStr)
	if err != nil {
		return nil, fmt.Errorf("invalid service UUID %q: %w", serviceUuidStr, err)
	}
	charUuid, err := bluetooth.ParseUUID(charUuidStr)
	if err != nil {
		return nil, fmt.Errorf("invalid characteristic UUID %q: %w", charUuidStr, err)
	}
	char, ok := c.characteristicByUuid.Load(charKey(serviceUuid.String(), charUuid.String()))
	if !ok {
		return nil, fmt.Errorf("characteristic %v not found in service %v", charUuid, serviceUuid)
	}
	return char, nil
}

// enableNotifications subscribes to a characteristic. The callback receives a copy of each value.
func (c *btConnection) enableNotifications(serviceUuid, charUuid string, callback func(buf []byte)) error {
	c.bleMu.Lock()
	defer c.bleMu.Unlock()

	char, err := c.characteristic(serviceUuid, charUuid)
	if err != nil {
		return err
	}
	err = char.EnableNotifications(func(buf []byte) {
		callback(append([]byte(nil), buf...))
	})
	if err != nil {
		return fmt.Errorf("failed to enable notifications: %w", err)
	}
	c.logger.Printf("BTDevice: Notifications enabled for %s", charUuid)
	return nil
}

func (c *btConnection) write(serviceUuid, charUuid string, data []byte) error {
	c.bleMu.Lock()
	defer c.bleMu.Unlock()

	char, err := c.characteristic(serviceUuid, charUuid)
	if err != nil {
		return err
	}
	if _, err := char.Write(data); err != nil {
		return fmt.Errorf("failed to write characteristic: %w", err)
	}
	return nil
}

func (c *btConnection) disconnect() error {
	if c == nil {
		return errors.New("no connected device")
	}
	return c.device.Disconnect()
}
