// Package protocol defines the wire protocol for the relay server: the
// length-prefixed control framing spoken over TCP and the datagram header
// carried by every relayed UDP packet.
package protocol

// Control frame type constants
const (
	MsgAllocate   uint8 = 0x01 // Request a new session
	MsgAllocateOK uint8 = 0x02 // Session allocated
	MsgBind       uint8 = 0x03 // Claim a peer slot
	MsgBindOK     uint8 = 0x04 // Slot claimed
	MsgRefresh    uint8 = 0x05 // Extend the session lease
	MsgRefreshOK  uint8 = 0x06 // Lease extended
	MsgRelease    uint8 = 0x07 // Tear down the session
	MsgReleaseOK  uint8 = 0x08 // Session released
	MsgError      uint8 = 0x7F // Structured error response
)

// Control error codes carried by MSG_ERROR frames.
const (
	CodeNotFound     uint16 = 1 // Session unknown or expired
	CodeUnauthorized uint16 = 2 // Bad secret or tag
	CodeInvalidLease uint16 = 3 // Requested lease out of range
	CodeSlotOccupied uint16 = 4 // Rebind conflict under pinned policy
	CodeMalformed    uint16 = 5 // Unparseable request payload
	CodeInternal     uint16 = 6 // Server-side failure
)

// Protocol constants
const (
	// HeaderSize is the size of a control frame header in bytes.
	HeaderSize = 14

	// MaxPayloadSize bounds control frame payloads. Control messages are
	// tiny; anything near this limit is hostile or corrupt.
	MaxPayloadSize = 4096
)

// FrameTypeName returns a human-readable name for a frame type.
func FrameTypeName(t uint8) string {
	switch t {
	case MsgAllocate:
		return "ALLOCATE"
	case MsgAllocateOK:
		return "ALLOCATE_OK"
	case MsgBind:
		return "BIND"
	case MsgBindOK:
		return "BIND_OK"
	case MsgRefresh:
		return "REFRESH"
	case MsgRefreshOK:
		return "REFRESH_OK"
	case MsgRelease:
		return "RELEASE"
	case MsgReleaseOK:
		return "RELEASE_OK"
	case MsgError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// CodeName returns a human-readable name for an error code.
func CodeName(c uint16) string {
	switch c {
	case CodeNotFound:
		return "not_found"
	case CodeUnauthorized:
		return "unauthorized"
	case CodeInvalidLease:
		return "invalid_lease"
	case CodeSlotOccupied:
		return "slot_occupied"
	case CodeMalformed:
		return "malformed"
	case CodeInternal:
		return "internal"
	default:
		return "unknown"
	}
}
