package ble

import "github.com/google/uuid"

// ArcticLink firmware derives every GATT UUID from a single base pattern:
//
//	4fafc201-1fb5-459e-GGII-c5c9c3319KII
//
// GG selects the service group, II is the console index (00..0f), and K
// selects the characteristic role within the service. The backend and OTA
// services use a fixed index of 00.
const (
	GroupBackend byte = 0x10
	GroupOTA     byte = 0x20
	GroupConsole byte = 0x30
)

// Role identifies a characteristic's function within its service.
type Role byte

const (
	RoleService Role = 0xf // service marker UUID
	RoleTx      Role = 0xa // device -> host notify, main data
	RoleTxs     Role = 0xb // device -> host notify, out-of-band replies
	RoleRx      Role = 0xc // host -> device write
)

// MaxConsoles is the highest number of console services the firmware
// exposes on one device.
const MaxConsoles = 16

// Fixed UUIDs for the backend and OTA services. The backend service carries
// device-level commands; the OTA service carries firmware data (RX) and
// acknowledgments (TX).
const (
	BackendServiceUUID = "4fafc201-1fb5-459e-1000-c5c9c3319f00"
	BackendTxUUID      = "4fafc201-1fb5-459e-1000-c5c9c3319a00"
	BackendRxUUID      = "4fafc201-1fb5-459e-1000-c5c9c3319b00"
	OTAServiceUUID     = "4fafc201-1fb5-459e-2000-c5c9c3319f00"
	OTATxUUID          = "4fafc201-1fb5-459e-2000-c5c9c3319a00"
	OTARxUUID          = "4fafc201-1fb5-459e-2000-c5c9c3319b00"
)

// uuidBytes holds the fixed bytes of the base pattern; the variable bytes
// are [8] (group), [9] and [15] (console index), and the low nibble of
// [14] (role).
var uuidBytes = uuid.MustParse("4fafc201-1fb5-459e-0000-c5c9c3319900")

// ConsoleServiceUUID returns the service marker UUID for console index i.
func ConsoleServiceUUID(i int) string {
	return consoleUUID(RoleService, i)
}

// ConsoleTxUUID returns the main notify characteristic UUID for console i.
func ConsoleTxUUID(i int) string {
	return consoleUUID(RoleTx, i)
}

// ConsoleTxsUUID returns the out-of-band notify characteristic UUID for
// console i. The firmware answers name requests on this characteristic.
func ConsoleTxsUUID(i int) string {
	return consoleUUID(RoleTxs, i)
}

// ConsoleRxUUID returns the write characteristic UUID for console i.
func ConsoleRxUUID(i int) string {
	return consoleUUID(RoleRx, i)
}

func consoleUUID(role Role, i int) string {
	var u uuid.UUID = uuidBytes
	u[8] = GroupConsole
	u[9] = byte(i)
	u[14] = 0x90 | byte(role)
	u[15] = byte(i)
	return u.String()
}

// Route is the decoded identity of an ArcticLink characteristic or service.
type Route struct {
	Group   byte
	Role    Role
	Console int // valid only for GroupConsole
}

// Classify decodes an ArcticLink UUID into its route. It returns false for
// UUIDs outside the firmware's scheme (standard GATT services, vendor
// characteristics from other firmware) and for console indexes beyond
// MaxConsoles; the caller drops those without failing.
func Classify(s string) (Route, bool) {
	u, err := uuid.Parse(s)
	if err != nil {
		return Route{}, false
	}
	for i := 0; i < 8; i++ {
		if u[i] != uuidBytes[i] {
			return Route{}, false
		}
	}
	for i := 10; i < 14; i++ {
		if u[i] != uuidBytes[i] {
			return Route{}, false
		}
	}
	if u[14]&0xf0 != 0x90 {
		return Route{}, false
	}
	r := Route{Group: u[8], Role: Role(u[14] & 0x0f)}
	switch r.Role {
	case RoleService, RoleTx, RoleTxs, RoleRx:
	default:
		return Route{}, false
	}
	switch r.Group {
	case GroupBackend, GroupOTA:
		if u[9] != 0 || u[15] != 0 {
			return Route{}, false
		}
	case GroupConsole:
		if u[9] != u[15] || int(u[9]) >= MaxConsoles {
			return Route{}, false
		}
		r.Console = int(u[9])
	default:
		return Route{}, false
	}
	return r, true
}
