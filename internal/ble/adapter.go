// Package ble provides the transport layer for communicating with ESP32
// devices running ArcticLink firmware. It abstracts the platform BLE stack
// behind small interfaces so the session, multiplexer, and OTA layers can be
// tested without radio hardware.
package ble

import (
	"context"
	"errors"
)

// Sentinel errors for the transport layer. Adapter implementations wrap
// these so callers can classify failures without knowing the backend.
var (
	// ErrConnectionFailed marks scan/connect failures. Retried by the
	// session manager's backoff policy.
	ErrConnectionFailed = errors.New("ble: connection failed")
	// ErrWriteFailed marks a characteristic write on a link that is not
	// ready or with a payload exceeding the negotiated MTU.
	ErrWriteFailed = errors.New("ble: write failed")
)

// Device represents a discovered BLE peripheral.
type Device struct {
	Name    string
	Address string
	RSSI    int
}

// Characteristic represents a BLE GATT characteristic.
type Characteristic interface {
	// UUID returns the characteristic UUID in canonical lowercase form.
	UUID() string
	// Write sends data to the characteristic. The write is confirmed
	// before Write returns; implementations must not pipeline.
	Write(data []byte) error
	// Subscribe registers a callback for notifications on this
	// characteristic. Delivery order per characteristic is preserved;
	// order across characteristics is not.
	Subscribe(callback func(data []byte)) error
	// MTU returns the usable payload size for a single write.
	MTU() int
}

// Service represents a discovered GATT service and its characteristics.
type Service struct {
	UUID            string
	Characteristics []Characteristic
}

// Connection represents an active BLE connection to a peripheral.
type Connection interface {
	// DiscoverServices enumerates all services and characteristics
	// exposed by the peripheral.
	DiscoverServices() ([]Service, error)
	// Disconnect terminates the connection.
	Disconnect() error
}

// Adapter abstracts the BLE hardware adapter for testing.
type Adapter interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// Scan discovers advertising peripherals until ctx is cancelled or
	// its deadline expires.
	Scan(ctx context.Context) ([]Device, error)
	// Connect establishes a connection to the device at the given address.
	Connect(ctx context.Context, addr string) (Connection, error)
	// OnLinkChange registers a callback invoked when the adapter observes
	// a link going up or down for a connected device. The session manager
	// uses it to detect loss and self-healed links.
	OnLinkChange(callback func(addr string, up bool))
}
