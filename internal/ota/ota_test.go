package ota

import (
	"bytes"
	"encoding/binary"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/arcticlink/arcticlink/internal/ble"
	"github.com/arcticlink/arcticlink/internal/ble/bletest"
)

func fastOptions() Options {
	return Options{
		ChunkSize:  100,
		AckTimeout: 30 * time.Millisecond,
		AckRetries: 3,
	}
}

func encodeAck(offset uint32, status uint8) []byte {
	buf := make([]byte, ackSize)
	binary.LittleEndian.PutUint32(buf[:4], offset)
	buf[4] = status
	return buf
}

// otaDevice emulates the firmware side of the transfer protocol on a fake
// peripheral's OTA characteristics.
type otaDevice struct {
	ackChar  *bletest.FakeCharacteristic
	dataChar *bletest.FakeCharacteristic

	mu     sync.Mutex
	offset uint32
	// failAtChunk, when > 0, reports errStatus instead of an OK ack on
	// the nth data chunk.
	failAtChunk int
	errStatus   uint8
	// silentAfterSetup suppresses all chunk acks when set.
	silentAfterSetup bool
	chunks           int
}

func newOTADevice() (*otaDevice, *bletest.FakePeripheral) {
	p := bletest.NewPeripheral("arctic-esp32", "AA:BB:CC:DD:EE:FF", nil)
	d := &otaDevice{
		ackChar:  p.Char(ble.OTATxUUID),
		dataChar: p.Char(ble.OTARxUUID),
	}
	d.dataChar.SetOnWrite(d.handleWrite)
	return d, p
}

func (d *otaDevice) handleWrite(data []byte) {
	if strings.HasPrefix(string(data), ble.CmdOTASetup) {
		d.ackChar.Notify(encodeAck(0, 0))
		return
	}

	d.mu.Lock()
	d.chunks++
	chunk := d.chunks
	silent := d.silentAfterSetup
	fail := d.failAtChunk > 0 && chunk >= d.failAtChunk
	status := d.errStatus
	if !fail {
		d.offset += uint32(len(data))
	}
	offset := d.offset
	d.mu.Unlock()

	if silent {
		return
	}
	if fail {
		d.ackChar.Notify(encodeAck(offset, status))
		return
	}
	d.ackChar.Notify(encodeAck(offset, 0))
}

func (d *otaDevice) chunkWrites() [][]byte {
	var chunks [][]byte
	for _, w := range d.dataChar.Writes() {
		if strings.HasPrefix(string(w), ble.CmdOTASetup) {
			continue
		}
		chunks = append(chunks, w)
	}
	return chunks
}

func waitDone(t *testing.T, tr *Transfer) {
	t.Helper()
	select {
	case <-tr.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("transfer did not finish, state %v", tr.State())
	}
}

func makeImage(n int) []byte {
	img := make([]byte, n)
	for i := range img {
		img[i] = byte(i)
	}
	return img
}

func TestTransferCompletesInCeilChunks(t *testing.T) {
	d, _ := newOTADevice()
	engine := NewEngine(fastOptions())

	image := makeImage(1234) // ceil(1234/100) = 13 chunks
	var progress []Progress
	var mu sync.Mutex
	tr, err := engine.Start(d.ackChar, d.dataChar, image, func(p Progress) {
		mu.Lock()
		progress = append(progress, p)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitDone(t, tr)

	if tr.State() != StateComplete {
		t.Fatalf("state = %v (err %v), want complete", tr.State(), tr.Err())
	}

	chunks := d.chunkWrites()
	if len(chunks) != 13 {
		t.Fatalf("got %d chunk writes, want 13", len(chunks))
	}
	var joined []byte
	for _, c := range chunks {
		joined = append(joined, c...)
	}
	if !bytes.Equal(joined, image) {
		t.Error("concatenated chunks do not equal the image")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(progress) != 13 {
		t.Fatalf("got %d progress reports, want 13", len(progress))
	}
	final := progress[len(progress)-1]
	if final.BytesSent != final.TotalBytes || final.BytesSent != len(image) {
		t.Errorf("final progress %d/%d, want %d/%d", final.BytesSent, final.TotalBytes, len(image), len(image))
	}
	if final.Throughput <= 0 {
		t.Errorf("final throughput = %v, want > 0", final.Throughput)
	}
}

func TestSetupAnnouncesSizeAndHash(t *testing.T) {
	d, _ := newOTADevice()
	engine := NewEngine(fastOptions())

	tr, err := engine.Start(d.ackChar, d.dataChar, makeImage(250), nil)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !d.ackChar.Subscribed() {
		t.Error("Start() did not subscribe to the ack characteristic")
	}
	waitDone(t, tr)

	writes := d.dataChar.Writes()
	if len(writes) == 0 {
		t.Fatal("no writes recorded")
	}
	setup := string(writes[0])
	if !strings.HasPrefix(setup, ble.CmdOTASetup) {
		t.Fatalf("first write %q is not the setup command", setup)
	}
	if !strings.Contains(setup, "-s 250") {
		t.Errorf("setup command %q missing size", setup)
	}
	if !strings.Contains(setup, "-md5 ") {
		t.Errorf("setup command %q missing hash", setup)
	}
}

func TestTransientWriteFailureRetried(t *testing.T) {
	d, _ := newOTADevice()
	// The first write attempt (the setup command) fails once; the retry
	// must go through and the transfer complete normally.
	d.dataChar.FailNextWrites(1)
	engine := NewEngine(fastOptions())

	tr, err := engine.Start(d.ackChar, d.dataChar, makeImage(250), nil)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitDone(t, tr)

	if tr.State() != StateComplete {
		t.Fatalf("state = %v (err %v), want complete", tr.State(), tr.Err())
	}
	if got := len(d.chunkWrites()); got != 3 {
		t.Errorf("got %d chunk writes, want 3", got)
	}
}

func TestPersistentWriteFailureFailsTransfer(t *testing.T) {
	d, _ := newOTADevice()
	d.dataChar.SetWriteErr(ble.ErrWriteFailed)
	engine := NewEngine(fastOptions())

	tr, err := engine.Start(d.ackChar, d.dataChar, makeImage(250), nil)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitDone(t, tr)

	if !errors.Is(tr.Err(), ble.ErrWriteFailed) {
		t.Fatalf("Err() = %v, want wrapped ErrWriteFailed", tr.Err())
	}
	if got := len(d.chunkWrites()); got != 0 {
		t.Errorf("got %d chunk writes, want 0 (setup never succeeded)", got)
	}
}

func TestLinkLostDuringWriteRetryWins(t *testing.T) {
	d, _ := newOTADevice()
	d.dataChar.SetWriteErr(ble.ErrWriteFailed)
	opts := fastOptions()
	opts.AckTimeout = 5 * time.Second // loss must abort the retry pause
	engine := NewEngine(opts)

	tr, err := engine.Start(d.ackChar, d.dataChar, makeImage(250), nil)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	engine.LinkLost()
	waitDone(t, tr)

	if !errors.Is(tr.Err(), ErrLinkLost) {
		t.Errorf("Err() = %v, want ErrLinkLost rather than a write error", tr.Err())
	}
}

func TestPeerErrorFailsWithoutFurtherWrites(t *testing.T) {
	d, _ := newOTADevice()
	d.failAtChunk = 3
	d.errStatus = 7
	engine := NewEngine(fastOptions())

	tr, err := engine.Start(d.ackChar, d.dataChar, makeImage(1000), nil)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitDone(t, tr)

	if tr.State() != StateFailed {
		t.Fatalf("state = %v, want failed", tr.State())
	}
	var peerErr *PeerError
	if !errors.As(tr.Err(), &peerErr) || peerErr.Code != 7 {
		t.Fatalf("Err() = %v, want PeerError code 7", tr.Err())
	}

	writes := len(d.chunkWrites())
	if writes != 3 {
		t.Errorf("got %d chunk writes, want 3 (none after the error ack)", writes)
	}
	time.Sleep(100 * time.Millisecond)
	if got := len(d.chunkWrites()); got != writes {
		t.Errorf("chunk writes rose to %d after failure", got)
	}
}

func TestAckTimeoutRetriesBounded(t *testing.T) {
	d, _ := newOTADevice()
	d.silentAfterSetup = true
	opts := fastOptions()
	opts.AckTimeout = 10 * time.Millisecond
	opts.AckRetries = 2
	engine := NewEngine(opts)

	tr, err := engine.Start(d.ackChar, d.dataChar, makeImage(300), nil)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitDone(t, tr)

	if !errors.Is(tr.Err(), ErrAckTimeout) {
		t.Fatalf("Err() = %v, want ErrAckTimeout", tr.Err())
	}
	// The same first chunk is retried: initial attempt + 2 retries.
	if got := len(d.chunkWrites()); got != 3 {
		t.Errorf("got %d chunk write attempts, want 3", got)
	}
}

func TestCancelAbortsAwaitingAck(t *testing.T) {
	d, _ := newOTADevice()
	d.silentAfterSetup = true
	opts := fastOptions()
	opts.AckTimeout = 5 * time.Second // cancel must win, not the timeout
	engine := NewEngine(opts)

	tr, err := engine.Start(d.ackChar, d.dataChar, makeImage(300), nil)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	time.Sleep(20 * time.Millisecond) // let the first chunk go out
	tr.Cancel()
	waitDone(t, tr)

	if !errors.Is(tr.Err(), ErrCancelled) {
		t.Errorf("Err() = %v, want ErrCancelled", tr.Err())
	}
}

func TestLinkLostFailsWithDistinctReason(t *testing.T) {
	d, _ := newOTADevice()
	d.silentAfterSetup = true
	opts := fastOptions()
	opts.AckTimeout = 5 * time.Second
	engine := NewEngine(opts)

	tr, err := engine.Start(d.ackChar, d.dataChar, makeImage(300), nil)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	engine.LinkLost()
	waitDone(t, tr)

	if !errors.Is(tr.Err(), ErrLinkLost) {
		t.Errorf("Err() = %v, want ErrLinkLost", tr.Err())
	}
	if errors.Is(tr.Err(), ErrCancelled) {
		t.Error("link loss must be distinguishable from user cancellation")
	}
}

func TestSecondTransferRejectedWhileActive(t *testing.T) {
	d, _ := newOTADevice()
	d.silentAfterSetup = true
	opts := fastOptions()
	opts.AckTimeout = 5 * time.Second
	engine := NewEngine(opts)

	tr, err := engine.Start(d.ackChar, d.dataChar, makeImage(300), nil)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer func() {
		tr.Cancel()
		waitDone(t, tr)
	}()

	if _, err := engine.Start(d.ackChar, d.dataChar, makeImage(300), nil); !errors.Is(err, ErrTransferActive) {
		t.Errorf("second Start() error = %v, want ErrTransferActive", err)
	}
}

func TestChunkBoundedByMTU(t *testing.T) {
	d, _ := newOTADevice()
	d.dataChar.SetMTU(40)
	engine := NewEngine(fastOptions()) // chunk size 100 > mtu 40

	tr, err := engine.Start(d.ackChar, d.dataChar, makeImage(200), nil)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitDone(t, tr)

	if tr.State() != StateComplete {
		t.Fatalf("state = %v (err %v), want complete", tr.State(), tr.Err())
	}
	for i, c := range d.chunkWrites() {
		if len(c) > 40 {
			t.Errorf("chunk %d is %d bytes, exceeds mtu", i, len(c))
		}
	}
}

func TestEmptyImageRejected(t *testing.T) {
	d, _ := newOTADevice()
	engine := NewEngine(fastOptions())
	if _, err := engine.Start(d.ackChar, d.dataChar, nil, nil); err == nil {
		t.Fatal("Start() accepted an empty image")
	}
}

func TestDecodeAck(t *testing.T) {
	a, ok := decodeAck(encodeAck(0x01020304, 9))
	if !ok {
		t.Fatal("decodeAck rejected a valid payload")
	}
	if a.NextOffset != 0x01020304 || a.Status != 9 {
		t.Errorf("decodeAck = %+v", a)
	}

	for _, bad := range [][]byte{nil, {1, 2, 3}, make([]byte, 6), []byte("OTA READY")} {
		if _, ok := decodeAck(bad); ok {
			t.Errorf("decodeAck(%v) accepted, want rejection", bad)
		}
	}
}
