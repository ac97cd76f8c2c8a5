package bridge

import (
	"sync/atomic"

	"spindle/protocol"
)

// FirmwareState holds the global firmware state.
type FirmwareState struct {
	isShutdown uint32 // atomic bool
}

var globalState = &FirmwareState{}

// InitCoreCommands registers the bootstrap and lifecycle commands.
// Registration order matters for the first two entries: the host's
// bootstrap table hardcodes identify_response as ID 0 and identify as
// ID 1, everything else it learns from the dictionary itself.
func InitCoreCommands() {
	RegisterCommand("identify_response", "offset=%u data=%*s", nil)   // ID 0
	RegisterCommand("identify", "offset=%u count=%c", handleIdentify) // ID 1

	RegisterCommand("emergency_stop", "", handleEmergencyStop)
	RegisterCommand("reset", "", handleReset)
}

// handleIdentify returns chunks of the data dictionary.
func handleIdentify(data *[]byte) error {
	offset, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	count8, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	chunk := GetGlobalDictionary().GetChunk(offset, uint8(count8))

	SendResponse("identify_response", func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, offset)
		protocol.EncodeVLQBytes(output, chunk)
	})

	return nil
}

// handleEmergencyStop halts SPI activity: in-flight transfers are
// aborted and configured shutdown messages are clocked out.
func handleEmergencyStop(data *[]byte) error {
	atomic.StoreUint32(&globalState.isShutdown, 1)
	ShutdownSPI()
	return nil
}

// IsShutdown returns true if the firmware is in the shutdown state.
func IsShutdown() bool {
	return atomic.LoadUint32(&globalState.isShutdown) != 0
}

// ResetFirmwareState clears the shutdown state and the device table
// for reconnection. Called when the transport detects a host restart.
func ResetFirmwareState() {
	atomic.StoreUint32(&globalState.isShutdown, 0)
	ResetSPIState()
}

// SendResponse sends a response message using the global transport.
func SendResponse(responseName string, args func(output protocol.OutputBuffer)) {
	if globalTransport == nil {
		return
	}
	cmd, ok := globalRegistry.GetCommandByName(responseName)
	if !ok {
		// All responses are pre-registered; a miss is a firmware bug.
		panic("response not registered: " + responseName)
	}
	globalTransport.SendCommand(cmd.ID, args)
}

// Global transport for sending responses (set by main).
var globalTransport *protocol.Transport

// SetGlobalTransport sets the global transport for sending responses.
func SetGlobalTransport(transport *protocol.Transport) {
	globalTransport = transport
}

// Global reset handler (set by target-specific code).
var globalResetHandler func()

// resetPending is set when a reset command is received. The actual
// reset happens in the main loop after the ack has gone out.
var resetPending uint32 // atomic bool

// SetResetHandler sets the platform-specific reset handler.
func SetResetHandler(handler func()) {
	globalResetHandler = handler
}

// handleReset arranges a hardware reset of the MCU. The reset is
// deferred until after the ack is sent, or the host would retry.
func handleReset(_ *[]byte) error {
	atomic.StoreUint32(&resetPending, 1)
	return nil
}

// CheckPendingReset executes a requested reset. Call from the main
// loop after pending output has been flushed; the handler does not
// return.
func CheckPendingReset() {
	if atomic.LoadUint32(&resetPending) != 0 {
		if globalResetHandler != nil {
			globalResetHandler()
		}
	}
}
