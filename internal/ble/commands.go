package ble

// Textual commands understood by ArcticLink firmware. Commands are written
// to a service's RX characteristic; replies arrive on TXS.
const (
	// CmdGetName asks a console service for its display title.
	CmdGetName = "ARCTIC_COMMAND_GET_NAME"
	// ReplyNamePrefix prefixes the console title in the firmware's answer
	// to CmdGetName.
	ReplyNamePrefix = "ARCTIC_COMMAND_REQ_NAME:"
	// CmdOTASetup announces an incoming firmware image. It is followed by
	// " -s <size> -md5 <hex digest>" and written to the OTA RX
	// characteristic before the first chunk.
	CmdOTASetup = "ARCTIC_COMMAND_OTA_SETUP"
)
