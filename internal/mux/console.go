package mux

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/arcticlink/arcticlink/internal/ble"
)

// inboundDepth bounds the per-console FIFO. The link's own flow control
// keeps it far from full in practice; overflow is logged, never silent.
const inboundDepth = 1024

// Console is the per-console endpoint exposed to the presentation layer:
// outbound bytes go through Send, inbound notifications arrive in order on
// Data. Its characteristic bindings never change for its lifetime; a
// reconnect produces new Console values.
type Console struct {
	id  int
	mux *Mux

	tx  ble.Characteristic
	txs ble.Characteristic
	rx  ble.Characteristic

	// writeMu serializes outbound writes so fragments from concurrent
	// senders cannot interleave on the characteristic.
	writeMu sync.Mutex

	mu     sync.Mutex
	title  string
	data   chan []byte
	closed bool
}

func newConsole(id int, m *Mux, tx, txs, rx ble.Characteristic) *Console {
	return &Console{
		id:    id,
		mux:   m,
		tx:    tx,
		txs:   txs,
		rx:    rx,
		title: fmt.Sprintf("console-%d", id),
		data:  make(chan []byte, inboundDepth),
	}
}

// ID returns the console index (0..15).
func (c *Console) ID() int { return c.id }

// Title returns the display title reported by the firmware, or a
// "console-N" placeholder until the name reply arrives.
func (c *Console) Title() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.title
}

func (c *Console) setTitle(title string) {
	c.mu.Lock()
	c.title = title
	c.mu.Unlock()
}

// Send writes data to the console's upstream characteristic, fragmenting to
// the link MTU. Safe for concurrent use.
func (c *Console) Send(data []byte) error {
	return c.mux.Send(c.id, data)
}

// Data returns the inbound byte stream. The channel is closed when the
// multiplexer routing table is torn down.
func (c *Console) Data() <-chan []byte {
	return c.data
}

// push appends an inbound payload to the FIFO without blocking the
// notification callback.
func (c *Console) push(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	select {
	case c.data <- cp:
	default:
		slog.Warn("[MUX] console buffer full, dropping notification",
			"console", c.id, "bytes", len(data))
	}
}

func (c *Console) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.data)
	}
}
