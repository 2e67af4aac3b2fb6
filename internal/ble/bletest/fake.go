// Package bletest provides an in-memory BLE adapter that emulates ArcticLink
// firmware closely enough to exercise the multiplexer, session manager, and
// OTA engine without radio hardware.
package bletest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/arcticlink/arcticlink/internal/ble"
)

// FakeCharacteristic records writes and delivers notifications.
type FakeCharacteristic struct {
	uuid string

	mu         sync.Mutex
	mtu        int
	writes     [][]byte
	callback   func([]byte)
	writeErr   error
	failWrites int
	onWrite    func(data []byte)
}

func newFakeCharacteristic(uuid string) *FakeCharacteristic {
	return &FakeCharacteristic{uuid: uuid, mtu: 500}
}

func (c *FakeCharacteristic) UUID() string { return c.uuid }

func (c *FakeCharacteristic) Write(data []byte) error {
	c.mu.Lock()
	if c.failWrites > 0 {
		c.failWrites--
		c.mu.Unlock()
		return fmt.Errorf("%w: transient", ble.ErrWriteFailed)
	}
	if c.writeErr != nil {
		err := c.writeErr
		c.mu.Unlock()
		return err
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	c.writes = append(c.writes, cp)
	hook := c.onWrite
	c.mu.Unlock()

	// The hook runs unlocked so it can notify other characteristics.
	if hook != nil {
		hook(cp)
	}
	return nil
}

func (c *FakeCharacteristic) Subscribe(callback func(data []byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callback = callback
	return nil
}

func (c *FakeCharacteristic) MTU() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mtu
}

// SetMTU overrides the usable payload size reported by the characteristic.
func (c *FakeCharacteristic) SetMTU(mtu int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mtu = mtu
}

// SetWriteErr makes subsequent writes fail with err (nil to clear).
func (c *FakeCharacteristic) SetWriteErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeErr = err
}

// FailNextWrites makes the next n writes fail with a transient write error
// before succeeding again.
func (c *FakeCharacteristic) FailNextWrites(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failWrites = n
}

// SetOnWrite installs a firmware-emulation hook invoked after each
// successful write.
func (c *FakeCharacteristic) SetOnWrite(hook func(data []byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onWrite = hook
}

// Notify delivers a notification to the current subscriber, if any.
func (c *FakeCharacteristic) Notify(data []byte) {
	c.mu.Lock()
	cb := c.callback
	c.mu.Unlock()
	if cb != nil {
		cb(data)
	}
}

// Writes returns a snapshot of all payloads written so far.
func (c *FakeCharacteristic) Writes() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.writes))
	copy(out, c.writes)
	return out
}

// Subscribed reports whether a notification callback is registered.
func (c *FakeCharacteristic) Subscribed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.callback != nil
}

// FakePeripheral models one ArcticLink device: a backend service, an OTA
// service, and one console service per entry in its console name list.
type FakePeripheral struct {
	Device ble.Device

	services []ble.Service
	chars    map[string]*FakeCharacteristic
}

// NewPeripheral builds a peripheral exposing len(consoleNames) console
// services. Console RX characteristics answer the get-name command on their
// TXS characteristic, as the firmware does.
func NewPeripheral(name, addr string, consoleNames []string) *FakePeripheral {
	p := &FakePeripheral{
		Device: ble.Device{Name: name, Address: addr, RSSI: -45},
		chars:  make(map[string]*FakeCharacteristic),
	}

	p.addService(ble.BackendServiceUUID, ble.BackendTxUUID, ble.BackendRxUUID)
	p.addService(ble.OTAServiceUUID, ble.OTATxUUID, ble.OTARxUUID)

	for i, title := range consoleNames {
		svc := ble.Service{UUID: ble.ConsoleServiceUUID(i)}
		tx := p.addChar(ble.ConsoleTxUUID(i))
		txs := p.addChar(ble.ConsoleTxsUUID(i))
		rx := p.addChar(ble.ConsoleRxUUID(i))
		svc.Characteristics = []ble.Characteristic{tx, txs, rx}
		p.services = append(p.services, svc)

		reply := []byte(ble.ReplyNamePrefix + title)
		rx.SetOnWrite(func(data []byte) {
			if strings.TrimSpace(string(data)) == ble.CmdGetName {
				txs.Notify(reply)
			}
		})
	}
	return p
}

func (p *FakePeripheral) addService(svcUUID string, charUUIDs ...string) {
	svc := ble.Service{UUID: svcUUID}
	for _, u := range charUUIDs {
		svc.Characteristics = append(svc.Characteristics, p.addChar(u))
	}
	p.services = append(p.services, svc)
}

func (p *FakePeripheral) addChar(uuid string) *FakeCharacteristic {
	c := newFakeCharacteristic(uuid)
	p.chars[uuid] = c
	return c
}

// Char returns the fake characteristic with the given UUID, or nil.
func (p *FakePeripheral) Char(uuid string) *FakeCharacteristic {
	return p.chars[uuid]
}

// AddRawService exposes an extra service outside the ArcticLink UUID scheme,
// for exercising the unknown-route paths.
func (p *FakePeripheral) AddRawService(svcUUID string, charUUIDs ...string) {
	p.addService(svcUUID, charUUIDs...)
}

// FakeConnection is an open connection to a FakePeripheral.
type FakeConnection struct {
	peripheral *FakePeripheral

	mu           sync.Mutex
	disconnected bool
}

func (c *FakeConnection) DiscoverServices() ([]ble.Service, error) {
	return c.peripheral.services, nil
}

func (c *FakeConnection) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnected = true
	return nil
}

// Disconnected reports whether Disconnect was called.
func (c *FakeConnection) Disconnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnected
}

// FakeAdapter is an in-memory ble.Adapter over a set of FakePeripherals.
type FakeAdapter struct {
	mu          sync.Mutex
	peripherals map[string]*FakePeripheral
	linkCb      func(addr string, up bool)
	connects    int
	failNext    int
	lastConn    *FakeConnection
}

// NewAdapter creates a fake adapter hosting the given peripherals.
func NewAdapter(peripherals ...*FakePeripheral) *FakeAdapter {
	a := &FakeAdapter{peripherals: make(map[string]*FakePeripheral)}
	for _, p := range peripherals {
		a.peripherals[p.Device.Address] = p
	}
	return a
}

func (a *FakeAdapter) Enable() error { return nil }

func (a *FakeAdapter) Scan(_ context.Context) ([]ble.Device, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []ble.Device
	for _, p := range a.peripherals {
		out = append(out, p.Device)
	}
	return out, nil
}

func (a *FakeAdapter) Connect(ctx context.Context, addr string) (ble.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: connect to %s: %v", ble.ErrConnectionFailed, addr, err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connects++
	if a.failNext > 0 {
		a.failNext--
		return nil, fmt.Errorf("%w: connect to %s: refused", ble.ErrConnectionFailed, addr)
	}
	p, ok := a.peripherals[addr]
	if !ok {
		return nil, fmt.Errorf("%w: connect to %s: not found", ble.ErrConnectionFailed, addr)
	}
	conn := &FakeConnection{peripheral: p}
	a.lastConn = conn
	return conn, nil
}

func (a *FakeAdapter) OnLinkChange(callback func(addr string, up bool)) {
	a.mu.Lock()
	a.linkCb = callback
	a.mu.Unlock()
}

// FailNextConnects makes the next n Connect calls fail.
func (a *FakeAdapter) FailNextConnects(n int) {
	a.mu.Lock()
	a.failNext = n
	a.mu.Unlock()
}

// ConnectCount returns how many Connect calls were made.
func (a *FakeAdapter) ConnectCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connects
}

// LatestConnection returns the most recently opened connection.
func (a *FakeAdapter) LatestConnection() *FakeConnection {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastConn
}

// SimulateLinkDown fires the link-change callback with up=false.
func (a *FakeAdapter) SimulateLinkDown(addr string) {
	a.fireLink(addr, false)
}

// SimulateLinkUp fires the link-change callback with up=true.
func (a *FakeAdapter) SimulateLinkUp(addr string) {
	a.fireLink(addr, true)
}

func (a *FakeAdapter) fireLink(addr string, up bool) {
	a.mu.Lock()
	cb := a.linkCb
	a.mu.Unlock()
	if cb != nil {
		cb(addr, up)
	}
}

var (
	_ ble.Adapter        = (*FakeAdapter)(nil)
	_ ble.Connection     = (*FakeConnection)(nil)
	_ ble.Characteristic = (*FakeCharacteristic)(nil)
)
