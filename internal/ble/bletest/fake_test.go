package bletest

import (
	"context"
	"testing"

	"github.com/arcticlink/arcticlink/internal/ble"
)

func TestPeripheralLayout(t *testing.T) {
	p := NewPeripheral("esp32", "AA:BB:CC:DD:EE:FF", []string{"Kernel", "Sensors"})

	adapter := NewAdapter(p)
	conn, err := adapter.Connect(context.Background(), p.Device.Address)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	services, err := conn.DiscoverServices()
	if err != nil {
		t.Fatalf("DiscoverServices() error = %v", err)
	}
	// backend + ota + two consoles
	if len(services) != 4 {
		t.Fatalf("got %d services, want 4", len(services))
	}
	if p.Char(ble.ConsoleTxUUID(1)) == nil {
		t.Error("console 1 tx characteristic missing")
	}
	if p.Char(ble.OTARxUUID) == nil {
		t.Error("ota rx characteristic missing")
	}
}

func TestConsoleNameAutoReply(t *testing.T) {
	p := NewPeripheral("esp32", "AA:BB:CC:DD:EE:FF", []string{"Kernel"})

	var got string
	txs := p.Char(ble.ConsoleTxsUUID(0))
	if err := txs.Subscribe(func(data []byte) { got = string(data) }); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if err := p.Char(ble.ConsoleRxUUID(0)).Write([]byte(ble.CmdGetName)); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if got != ble.ReplyNamePrefix+"Kernel" {
		t.Errorf("name reply = %q", got)
	}
}

func TestFailNextConnects(t *testing.T) {
	p := NewPeripheral("esp32", "AA:BB:CC:DD:EE:FF", nil)
	adapter := NewAdapter(p)
	adapter.FailNextConnects(1)

	if _, err := adapter.Connect(context.Background(), p.Device.Address); err == nil {
		t.Fatal("first Connect() succeeded, want failure")
	}
	if _, err := adapter.Connect(context.Background(), p.Device.Address); err != nil {
		t.Fatalf("second Connect() error = %v", err)
	}
	if adapter.ConnectCount() != 2 {
		t.Errorf("ConnectCount() = %d, want 2", adapter.ConnectCount())
	}
}

func TestLinkChangeCallback(t *testing.T) {
	p := NewPeripheral("esp32", "AA:BB:CC:DD:EE:FF", nil)
	adapter := NewAdapter(p)

	type event struct {
		addr string
		up   bool
	}
	var events []event
	adapter.OnLinkChange(func(addr string, up bool) {
		events = append(events, event{addr, up})
	})

	adapter.SimulateLinkDown(p.Device.Address)
	adapter.SimulateLinkUp(p.Device.Address)

	want := []event{{p.Device.Address, false}, {p.Device.Address, true}}
	if len(events) != 2 || events[0] != want[0] || events[1] != want[1] {
		t.Errorf("events = %v, want %v", events, want)
	}
}
