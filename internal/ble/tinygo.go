package ble

import (
	"context"
	"fmt"
	"sync"

	"tinygo.org/x/bluetooth"
)

// defaultMTU is the usable payload assumed when the link has not reported
// one. 23 is the BLE minimum; 20 remains after the 3-byte ATT header.
const defaultMTU = 20

// TinygoAdapter wraps tinygo-org/bluetooth. On macOS device addresses are
// CoreBluetooth UUIDs rather than MAC addresses; the Address fields carry
// whichever form the platform uses, opaque to everything above.
type TinygoAdapter struct {
	adapter *bluetooth.Adapter

	mu     sync.Mutex
	linkCb func(addr string, up bool)
}

// NewTinygoAdapter creates a BLE adapter backed by the platform stack.
func NewTinygoAdapter() *TinygoAdapter {
	return &TinygoAdapter{adapter: bluetooth.DefaultAdapter}
}

func (a *TinygoAdapter) Enable() error {
	if err := a.adapter.Enable(); err != nil {
		return fmt.Errorf("%w: enable: %v", ErrConnectionFailed, err)
	}

	// The adapter-level connect handler is the only link-state signal
	// tinygo/bluetooth provides; it fires for both directions.
	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		a.mu.Lock()
		cb := a.linkCb
		a.mu.Unlock()
		if cb != nil {
			cb(device.Address.String(), connected)
		}
	})
	return nil
}

func (a *TinygoAdapter) OnLinkChange(callback func(addr string, up bool)) {
	a.mu.Lock()
	a.linkCb = callback
	a.mu.Unlock()
}

func (a *TinygoAdapter) Scan(ctx context.Context) ([]Device, error) {
	var mu sync.Mutex
	var devices []Device
	seen := make(map[string]bool)

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			a.adapter.StopScan()
		case <-done:
		}
	}()

	err := a.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
		addr := result.Address.String()
		mu.Lock()
		defer mu.Unlock()
		if seen[addr] {
			return
		}
		seen[addr] = true
		devices = append(devices, Device{
			Name:    result.LocalName(),
			Address: addr,
			RSSI:    int(result.RSSI),
		})
	})
	close(done)

	if err != nil && ctx.Err() == nil {
		return nil, fmt.Errorf("%w: scan: %v", ErrConnectionFailed, err)
	}
	return devices, nil
}

func (a *TinygoAdapter) Connect(ctx context.Context, addr string) (Connection, error) {
	var target bluetooth.Address
	target.Set(addr)

	// tinygo/bluetooth's Connect blocks with its own timeout. Wrap it so
	// our ctx cancellation returns promptly even when the underlying call
	// cannot be interrupted.
	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan connectResult, 1)
	go func() {
		device, err := a.adapter.Connect(target, bluetooth.ConnectionParams{})
		ch <- connectResult{device, err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: connect to %s: %v", ErrConnectionFailed, addr, ctx.Err())
	case result := <-ch:
		if result.err != nil {
			return nil, fmt.Errorf("%w: connect to %s: %v", ErrConnectionFailed, addr, result.err)
		}
		return &tinygoConnection{device: result.device}, nil
	}
}

var _ Adapter = (*TinygoAdapter)(nil)

type tinygoConnection struct {
	device bluetooth.Device
}

func (c *tinygoConnection) DiscoverServices() ([]Service, error) {
	svcs, err := c.device.DiscoverServices(nil)
	if err != nil {
		return nil, fmt.Errorf("%w: discover services: %v", ErrConnectionFailed, err)
	}

	var out []Service
	for i := range svcs {
		chars, err := svcs[i].DiscoverCharacteristics(nil)
		if err != nil {
			return nil, fmt.Errorf("%w: discover characteristics for %s: %v",
				ErrConnectionFailed, svcs[i].UUID().String(), err)
		}
		svc := Service{UUID: svcs[i].UUID().String()}
		for j := range chars {
			svc.Characteristics = append(svc.Characteristics, &tinygoCharacteristic{char: chars[j]})
		}
		out = append(out, svc)
	}
	return out, nil
}

func (c *tinygoConnection) Disconnect() error {
	return c.device.Disconnect()
}

type tinygoCharacteristic struct {
	char bluetooth.DeviceCharacteristic
}

func (c *tinygoCharacteristic) UUID() string {
	return c.char.UUID().String()
}

func (c *tinygoCharacteristic) Write(data []byte) error {
	if len(data) > c.MTU() {
		return fmt.Errorf("%w: payload %d exceeds mtu %d", ErrWriteFailed, len(data), c.MTU())
	}
	if _, err := c.char.WriteWithoutResponse(data); err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	return nil
}

func (c *tinygoCharacteristic) Subscribe(callback func(data []byte)) error {
	return c.char.EnableNotifications(func(buf []byte) {
		callback(buf)
	})
}

func (c *tinygoCharacteristic) MTU() int {
	mtu, err := c.char.GetMTU()
	if err != nil || mtu <= 3 {
		return defaultMTU
	}
	return int(mtu) - 3
}
