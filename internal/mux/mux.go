// Package mux maps each logical console exposed by ArcticLink firmware to
// its GATT characteristic triple and routes traffic between console
// endpoints and the transport layer over a single physical connection.
package mux

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/arcticlink/arcticlink/internal/ble"
)

// Transient write failures on a single fragment are absorbed up to
// writeRetries times before Send surfaces the error.
const (
	writeRetries   = 3
	writeRetryWait = 50 * time.Millisecond
)

// ErrUnknownConsole is returned by Send for a console id with no registered
// routing. It indicates a protocol mismatch, not a transient condition.
var ErrUnknownConsole = errors.New("mux: unknown console")

// Mux owns one connection's routing table. It is built from service
// discovery output and rebuilt from scratch after every reconnect; routes
// are never merged across connections.
type Mux struct {
	mu       sync.Mutex
	consoles map[int]*Console
	closed   bool

	otaTx ble.Characteristic
	otaRx ble.Characteristic
}

// Build constructs the routing table from the connection's discovered
// services, subscribes to every console's notify characteristics, and
// requests each console's title. A console service missing one of its three
// characteristics fails the build; services outside the ArcticLink UUID
// scheme are skipped with a logged diagnostic.
func Build(conn ble.Connection) (*Mux, error) {
	services, err := conn.DiscoverServices()
	if err != nil {
		return nil, fmt.Errorf("mux: discover services: %w", err)
	}

	m := &Mux{consoles: make(map[int]*Console)}
	for _, svc := range services {
		route, ok := ble.Classify(svc.UUID)
		if !ok {
			slog.Debug("[MUX] skipping foreign service", "uuid", svc.UUID)
			continue
		}
		switch route.Group {
		case ble.GroupConsole:
			if err := m.registerConsole(route.Console, svc); err != nil {
				return nil, err
			}
		case ble.GroupOTA:
			m.registerOTA(svc)
		case ble.GroupBackend:
			// Device-level command channel; not routed to a console.
		}
	}

	for _, c := range m.Consoles() {
		if err := c.rx.Write([]byte(ble.CmdGetName)); err != nil {
			slog.Warn("[MUX] console name request failed", "console", c.id, "error", err)
		}
	}
	return m, nil
}

func (m *Mux) registerConsole(id int, svc ble.Service) error {
	var tx, txs, rx ble.Characteristic
	for _, char := range svc.Characteristics {
		route, ok := ble.Classify(char.UUID())
		if !ok || route.Group != ble.GroupConsole || route.Console != id {
			slog.Warn("[MUX] unexpected characteristic in console service",
				"console", id, "uuid", char.UUID())
			continue
		}
		switch route.Role {
		case ble.RoleTx:
			tx = char
		case ble.RoleTxs:
			txs = char
		case ble.RoleRx:
			rx = char
		}
	}
	if tx == nil || txs == nil || rx == nil {
		return fmt.Errorf("mux: console %d service incomplete (tx=%v txs=%v rx=%v)",
			id, tx != nil, txs != nil, rx != nil)
	}

	c := newConsole(id, m, tx, txs, rx)
	if err := tx.Subscribe(c.push); err != nil {
		return fmt.Errorf("mux: subscribe console %d tx: %w", id, err)
	}
	if err := txs.Subscribe(func(data []byte) { m.handleOOB(c, data) }); err != nil {
		return fmt.Errorf("mux: subscribe console %d txs: %w", id, err)
	}
	m.consoles[id] = c
	return nil
}

func (m *Mux) registerOTA(svc ble.Service) {
	// Unlike console services, the OTA service carries its write
	// characteristic on the b-nibble (BackendRxUUID/OTARxUUID).
	for _, char := range svc.Characteristics {
		switch char.UUID() {
		case ble.OTATxUUID:
			m.otaTx = char
		case ble.OTARxUUID:
			m.otaRx = char
		}
	}
}

// handleOOB processes out-of-band payloads on a console's TXS
// characteristic. Name replies update the console title; anything else is
// forwarded to the console stream.
func (m *Mux) handleOOB(c *Console, data []byte) {
	s := string(data)
	if strings.HasPrefix(s, ble.ReplyNamePrefix) {
		c.setTitle(strings.TrimSpace(strings.TrimPrefix(s, ble.ReplyNamePrefix)))
		return
	}
	c.push(data)
}

// Send writes payload to the upstream characteristic of the given console,
// fragmenting to the link MTU. Fragments are written strictly in order,
// each confirmed before the next, so the peripheral reassembles the
// original byte sequence. Transient write failures are retried per
// fragment before the error is surfaced.
func (m *Mux) Send(consoleID int, payload []byte) error {
	m.mu.Lock()
	c, ok := m.consoles[consoleID]
	closed := m.closed
	m.mu.Unlock()
	if !ok || closed {
		return fmt.Errorf("%w: id %d", ErrUnknownConsole, consoleID)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	mtu := c.rx.MTU()
	if mtu <= 0 {
		mtu = 20
	}
	for off := 0; off < len(payload); off += mtu {
		end := off + mtu
		if end > len(payload) {
			end = len(payload)
		}
		var err error
		for attempt := 0; attempt <= writeRetries; attempt++ {
			if attempt > 0 {
				time.Sleep(writeRetryWait)
			}
			if err = c.rx.Write(payload[off:end]); err == nil {
				break
			}
			slog.Warn("[MUX] console write failed",
				"console", consoleID, "attempt", attempt+1, "error", err)
		}
		if err != nil {
			return fmt.Errorf("mux: console %d write at %d: %w", consoleID, off, err)
		}
	}
	return nil
}

// Console returns the endpoint for the given id, or nil.
func (m *Mux) Console(id int) *Console {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.consoles[id]
}

// Consoles returns all endpoints ordered by console id.
func (m *Mux) Consoles() []*Console {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Console, 0, len(m.consoles))
	for _, c := range m.consoles {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// OTAChannel returns the OTA ack (notify) and data (write) characteristics,
// or ok=false when the device exposes no OTA service.
func (m *Mux) OTAChannel() (ack, data ble.Characteristic, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.otaTx == nil || m.otaRx == nil {
		return nil, nil, false
	}
	return m.otaTx, m.otaRx, true
}

// Close tears down the routing table and closes every console stream.
// Notifications still in flight after Close are dropped.
func (m *Mux) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	consoles := make([]*Console, 0, len(m.consoles))
	for _, c := range m.consoles {
		consoles = append(consoles, c)
	}
	m.mu.Unlock()

	for _, c := range consoles {
		c.close()
	}
}
