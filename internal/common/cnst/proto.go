package cnst

// MessageType is the `type` discriminator carried by every room frame.
type MessageType string

const (
	// Inbound frames pushed by the room server
	MsgConnected  MessageType = "connected"
	MsgChat       MessageType = "message"
	MsgUserJoined MessageType = "user_joined"
	MsgUserLeft   MessageType = "user_left"
	MsgTyping     MessageType = "typing"
	MsgError      MessageType = "error"
)

const (
	// Outbound frames sent by the client
	MsgOutChat   MessageType = "chat"
	MsgOutTyping MessageType = "typing"
)

func (t MessageType) String() string {
	return string(t)
}

// Websocket close codes the session manager cares about
const (
	CloseNormal          = 1000
	CloseGoingAway       = 1001
	CloseNoStatus        = 1005
	CloseAbnormal        = 1006
	CloseInternalFailure = 1011
)

// IsBenignClose reports whether a close code means the peer or the user closed on
// purpose. Benign closes never trigger a reconnect.
func IsBenignClose(code int) bool {
	switch code {
	case CloseNormal, CloseGoingAway, CloseNoStatus:
		return true
	default:
		return false
	}
}

const (
	// RoomSocketPath is formatted with the path-escaped room id
	RoomSocketPath = "/api/v2/ws/multi-language/%s"
	// RoomUsersPath is formatted with the path-escaped room id
	RoomUsersPath = "/api/v2/rooms/%s/users"
)
