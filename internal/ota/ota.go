// Package ota implements chunked Over-The-Air firmware transfer to
// ArcticLink devices: a setup handshake, per-chunk acknowledgments with
// bounded retries, and progress reporting with achieved throughput.
package ota

import (
	"crypto/md5"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/arcticlink/arcticlink/internal/ble"
)

// State is the transfer's position in its lifecycle.
type State int

const (
	StateIdle State = iota
	StateSending
	StateAwaitingAck
	StateComplete
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSending:
		return "sending"
	case StateAwaitingAck:
		return "awaiting-ack"
	case StateComplete:
		return "complete"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Transfer failure reasons.
var (
	// ErrAckTimeout: the device stopped acknowledging and retries ran out.
	ErrAckTimeout = errors.New("ota: ack timeout")
	// ErrLinkLost: the session lost the link mid-transfer. Transfers are
	// not resumed after reconnection; the update must be restarted.
	ErrLinkLost = errors.New("ota: link lost mid-transfer")
	// ErrCancelled: the user aborted the transfer.
	ErrCancelled = errors.New("ota: transfer cancelled")
	// ErrTransferActive: a transfer is already running on this device.
	ErrTransferActive = errors.New("ota: transfer already active")
)

// PeerError is a non-zero status code reported by the device in an ack.
// Peer-reported errors fail the transfer immediately, without retry.
type PeerError struct {
	Code uint8
}

func (e *PeerError) Error() string {
	return fmt.Sprintf("ota: peer reported error code %d", e.Code)
}

// ackSize is the fixed acknowledgment payload: nextExpectedOffset uint32
// little-endian followed by statusCode uint8.
const ackSize = 5

type ack struct {
	NextOffset uint32
	Status     uint8
}

func decodeAck(data []byte) (ack, bool) {
	if len(data) != ackSize {
		return ack{}, false
	}
	return ack{
		NextOffset: binary.LittleEndian.Uint32(data[:4]),
		Status:     data[4],
	}, true
}

// Progress is reported after every acknowledged chunk.
type Progress struct {
	BytesSent  int
	TotalBytes int
	Throughput float64 // bytes per second since transfer start
}

// Options configures transfer behavior. The firmware side does not pin
// these; they are tunable per deployment.
type Options struct {
	ChunkSize  int           // max chunk payload, further bounded by the link MTU
	AckTimeout time.Duration // wait per chunk before retrying
	AckRetries int           // retries per chunk before failing
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		ChunkSize:  500,
		AckTimeout: 500 * time.Millisecond,
		AckRetries: 3,
	}
}

// Engine creates transfers for one device and enforces that at most one is
// active at a time.
type Engine struct {
	opts Options

	mu     sync.Mutex
	active *Transfer
}

// NewEngine creates an OTA engine with the given options.
func NewEngine(opts Options) *Engine {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 500
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = 500 * time.Millisecond
	}
	if opts.AckRetries <= 0 {
		opts.AckRetries = 3
	}
	return &Engine{opts: opts}
}

// Start begins transferring image over the device's OTA characteristic
// pair. ackChar is the notify characteristic carrying acknowledgments,
// dataChar the write characteristic carrying setup and chunks. onProgress
// may be nil.
func (e *Engine) Start(ackChar, dataChar ble.Characteristic, image []byte, onProgress func(Progress)) (*Transfer, error) {
	if len(image) == 0 {
		return nil, errors.New("ota: empty firmware image")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active != nil && !e.active.terminal() {
		return nil, ErrTransferActive
	}

	t := &Transfer{
		opts:       e.opts,
		ackChar:    ackChar,
		dataChar:   dataChar,
		image:      image,
		onProgress: onProgress,
		state:      StateIdle,
		acks:       make(chan ack, 8),
		abortCh:    make(chan struct{}),
		done:       make(chan struct{}),
	}
	if err := ackChar.Subscribe(t.handleNotification); err != nil {
		return nil, fmt.Errorf("ota: subscribe ack characteristic: %w", err)
	}
	e.active = t
	go t.run()
	return t, nil
}

// Active returns the running transfer, or nil.
func (e *Engine) Active() *Transfer {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active == nil || e.active.terminal() {
		return nil
	}
	return e.active
}

// LinkLost fails the active transfer with ErrLinkLost. Called when the
// session confirms the link is gone; the session's own reconnection runs
// independently and does not resume the transfer.
func (e *Engine) LinkLost() {
	if t := e.Active(); t != nil {
		t.abort(ErrLinkLost)
	}
}

// Transfer is a single firmware image delivery. Exactly one is active per
// device at a time.
type Transfer struct {
	opts       Options
	ackChar    ble.Characteristic
	dataChar   ble.Characteristic
	image      []byte
	onProgress func(Progress)

	acks    chan ack
	abortCh chan struct{}
	done    chan struct{}

	mu        sync.Mutex
	state     State
	offset    int
	started   time.Time
	failure   error
	aborted   bool
	abortWhy  error
}

// State returns the transfer's current state.
func (t *Transfer) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Err returns the failure reason once the transfer is in StateFailed.
func (t *Transfer) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failure
}

// Done is closed when the transfer reaches a terminal state.
func (t *Transfer) Done() <-chan struct{} {
	return t.done
}

// Progress returns the current cumulative progress.
func (t *Transfer) Progress() Progress {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.progressLocked()
}

func (t *Transfer) progressLocked() Progress {
	p := Progress{BytesSent: t.offset, TotalBytes: len(t.image)}
	if elapsed := time.Since(t.started).Seconds(); elapsed > 0 {
		p.Throughput = float64(t.offset) / elapsed
	}
	return p
}

// Cancel aborts the transfer. Safe to call from any goroutine; no chunk is
// written after the abort is observed.
func (t *Transfer) Cancel() {
	t.abort(ErrCancelled)
}

func (t *Transfer) terminal() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == StateComplete || t.state == StateFailed
}

// abort requests termination with the given reason. The run loop observes
// the request at its next suspension point.
func (t *Transfer) abort(reason error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.aborted || t.state == StateComplete || t.state == StateFailed {
		return
	}
	t.aborted = true
	t.abortWhy = reason
	close(t.abortCh)
}

// handleNotification decodes ack payloads from the OTA notify
// characteristic. The firmware also prints human-readable status lines on
// the same characteristic; those are logged and skipped.
func (t *Transfer) handleNotification(data []byte) {
	a, ok := decodeAck(data)
	if !ok {
		slog.Debug("[OTA] device message", "payload", string(data))
		return
	}
	select {
	case t.acks <- a:
	default:
		slog.Warn("[OTA] dropping ack, queue full", "offset", a.NextOffset)
	}
}

func (t *Transfer) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

func (t *Transfer) fail(err error) {
	t.mu.Lock()
	t.state = StateFailed
	t.failure = err
	t.mu.Unlock()
	slog.Error("[OTA] transfer failed", "error", err)
	close(t.done)
}

func (t *Transfer) complete() {
	t.setState(StateComplete)
	slog.Info("[OTA] transfer complete", "bytes", len(t.image))
	close(t.done)
}

// run drives setup and the chunk loop on its own goroutine.
func (t *Transfer) run() {
	t.mu.Lock()
	t.started = time.Now()
	t.mu.Unlock()

	if err := t.setup(); err != nil {
		t.fail(err)
		return
	}

	chunkSize := t.opts.ChunkSize
	if mtu := t.dataChar.MTU(); mtu > 0 && mtu < chunkSize {
		chunkSize = mtu
	}

	total := len(t.image)
	for {
		t.mu.Lock()
		offset := t.offset
		t.mu.Unlock()
		if offset >= total {
			break
		}

		end := offset + chunkSize
		if end > total {
			end = total
		}
		a, err := t.writeAwaitAck(t.image[offset:end])
		if err != nil {
			t.fail(err)
			return
		}
		if a.Status != 0 {
			t.fail(&PeerError{Code: a.Status})
			return
		}
		next := int(a.NextOffset)
		if next <= offset || next > total {
			t.fail(fmt.Errorf("ota: device acked offset %d outside (%d, %d]", next, offset, total))
			return
		}

		t.mu.Lock()
		t.offset = next
		p := t.progressLocked()
		t.mu.Unlock()
		if t.onProgress != nil {
			t.onProgress(p)
		}
	}

	t.complete()
}

// setup announces the image to the device and waits for it to report
// readiness with an ack at offset zero.
func (t *Transfer) setup() error {
	cmd := fmt.Sprintf("%s -s %d -md5 %x", ble.CmdOTASetup, len(t.image), md5.Sum(t.image))
	a, err := t.writeAwaitAck([]byte(cmd))
	if err != nil {
		return err
	}
	if a.Status != 0 {
		return &PeerError{Code: a.Status}
	}
	if a.NextOffset != 0 {
		return fmt.Errorf("ota: device ready at unexpected offset %d", a.NextOffset)
	}
	slog.Info("[OTA] device ready", "size", len(t.image))
	return nil
}

// writeAwaitAck performs the write/await cycle shared by setup and chunk
// delivery: write the payload, enter AwaitingAck, and wait for an ack with
// timeout. Timeouts and transient write failures retry the same payload up
// to AckRetries times; peer-reported errors are returned to the caller
// without retry.
func (t *Transfer) writeAwaitAck(payload []byte) (ack, error) {
	var writeErr error
	for attempt := 0; attempt <= t.opts.AckRetries; attempt++ {
		select {
		case <-t.abortCh:
			return ack{}, t.abortReason()
		default:
		}

		t.setState(StateSending)
		if err := t.dataChar.Write(payload); err != nil {
			// A write on a degrading link fails transiently; retry after
			// a pause. A confirmed link loss aborts with its own reason.
			writeErr = fmt.Errorf("ota: write: %w", err)
			slog.Warn("[OTA] write failed", "attempt", attempt+1, "error", err)
			select {
			case <-t.abortCh:
				return ack{}, t.abortReason()
			case <-time.After(t.opts.AckTimeout):
			}
			continue
		}
		writeErr = nil
		t.setState(StateAwaitingAck)

		timer := time.NewTimer(t.opts.AckTimeout)
		select {
		case a := <-t.acks:
			timer.Stop()
			return a, nil
		case <-t.abortCh:
			timer.Stop()
			return ack{}, t.abortReason()
		case <-timer.C:
			slog.Warn("[OTA] ack timeout", "attempt", attempt+1, "retries", t.opts.AckRetries)
		}
	}
	if writeErr != nil {
		return ack{}, writeErr
	}
	return ack{}, ErrAckTimeout
}

func (t *Transfer) abortReason() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.abortWhy != nil {
		return t.abortWhy
	}
	return ErrCancelled
}
