package ble

import (
	"context"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	tinybluetooth "tinygo.org/x/bluetooth"
)

// GattTransport is the radio-backed frame transport: one writable
// characteristic that also delivers notifications.
type GattTransport struct {
	logger  log.FieldLogger
	device  tinybluetooth.Device
	char    tinybluetooth.DeviceCharacteristic
}

// DialDevice scans for a DWARF advertisement, connects and resolves the
// provisioning characteristic. Scanning stops at the first name match
// or when the context expires.
func DialDevice(ctx context.Context, scanTimeout time.Duration, logger log.FieldLogger) (*GattTransport, error) {
	logger = logger.WithField("component", "ble")
	adapter := tinybluetooth.DefaultAdapter
	if err := adapter.Enable(); err != nil {
		return nil, fmt.Errorf("enabling bluetooth adapter: %w", err)
	}

	scanCtx, cancel := context.WithTimeout(ctx, scanTimeout)
	defer cancel()

	found := make(chan tinybluetooth.ScanResult, 1)
	go func() {
		err := adapter.Scan(func(adapter *tinybluetooth.Adapter, result tinybluetooth.ScanResult) {
			name := result.LocalName()
			if !strings.HasPrefix(name, DeviceNamePrefix) {
				return
			}
			logger.WithField("name", name).Info("Found device")
			select {
			case found <- result:
			default:
			}
			_ = adapter.StopScan()
		})
		if err != nil {
			logger.WithError(err).Debug("Scan finished")
		}
	}()

	var result tinybluetooth.ScanResult
	select {
	case result = <-found:
	case <-scanCtx.Done():
		_ = adapter.StopScan()
		return nil, fmt.Errorf("no DWARF device found: %w", scanCtx.Err())
	}

	device, err := adapter.Connect(result.Address, tinybluetooth.ConnectionParams{})
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", result.Address, err)
	}

	char, err := resolveCharacteristic(device)
	if err != nil {
		_ = device.Disconnect()
		return nil, err
	}

	return &GattTransport{logger: logger, device: device, char: char}, nil
}

func resolveCharacteristic(device tinybluetooth.Device) (tinybluetooth.DeviceCharacteristic, error) {
	var zero tinybluetooth.DeviceCharacteristic

	charUUID, err := tinybluetooth.ParseUUID(CharacteristicUUID)
	if err != nil {
		return zero, fmt.Errorf("parsing characteristic uuid: %w", err)
	}
	known := make(map[string]bool, len(ServiceUUIDs))
	for _, s := range ServiceUUIDs {
		known[strings.ToLower(s)] = true
	}

	services, err := device.DiscoverServices(nil)
	if err != nil {
		return zero, fmt.Errorf("discovering services: %w", err)
	}
	for _, service := range services {
		if !known[strings.ToLower(service.UUID().String())] {
			continue
		}
		chars, err := service.DiscoverCharacteristics([]tinybluetooth.UUID{charUUID})
		if err != nil {
			continue
		}
		if len(chars) > 0 {
			return chars[0], nil
		}
	}
	return zero, fmt.Errorf("provisioning characteristic not found")
}

// Subscribe routes notifications from the characteristic to the handler.
func (t *GattTransport) Subscribe(handler func(data []byte)) error {
	return t.char.EnableNotifications(func(buf []byte) {
		handler(append([]byte(nil), buf...))
	})
}

// WriteFrame sends one provisioning frame to the device.
func (t *GattTransport) WriteFrame(data []byte) error {
	_, err := t.char.WriteWithoutResponse(data)
	return err
}

// Close drops the connection.
func (t *GattTransport) Close() error {
	return t.device.Disconnect()
}
