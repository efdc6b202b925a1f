// Package protocol encodes and decodes the JSON frames exchanged with a
// multi-language room over its websocket.
package protocol

import (
	"time"

	"github.com/amoylab/polyroom/internal/common/cnst"
)

// RoomUser is one participant of a room as reported by the server.
type RoomUser struct {
	ParticipantID string `json:"user_id"`
	Language      string `json:"language"`
}

// InboundMessage is a decoded server frame. The concrete type is one of
// Connected, Chat, Joined, Left, Typing, ServerError or Unknown.
type InboundMessage interface {
	Type() cnst.MessageType
	inbound()
}

// Connected confirms the identity the server registered for this connection.
type Connected struct {
	ParticipantID string
	Language      string
}

// Chat is a chat line, either the author's original text or a translation
// produced for the receiving participant's language.
type Chat struct {
	ParticipantID   string
	Content         string
	OriginalContent string // empty when the server sent none
	Language        string
	IsOriginal      bool
	Timestamp       time.Time
}

// Joined announces a participant entering the room.
type Joined struct {
	ParticipantID string
	Language      string
	Notice        string
}

// Left announces a participant leaving the room.
type Left struct {
	ParticipantID string
	Notice        string
}

// Typing relays another participant's typing indicator.
type Typing struct {
	ParticipantID string
	IsTyping      bool
}

// ServerError is an error notice pushed by the server, e.g. "Room is full".
type ServerError struct {
	Message string
}

// Unknown carries the tag of a frame this client does not understand.
type Unknown struct {
	RawTag string
}

func (Connected) Type() cnst.MessageType   { return cnst.MsgConnected }
func (Chat) Type() cnst.MessageType        { return cnst.MsgChat }
func (Joined) Type() cnst.MessageType      { return cnst.MsgUserJoined }
func (Left) Type() cnst.MessageType        { return cnst.MsgUserLeft }
func (Typing) Type() cnst.MessageType      { return cnst.MsgTyping }
func (ServerError) Type() cnst.MessageType { return cnst.MsgError }
func (u Unknown) Type() cnst.MessageType   { return cnst.MessageType(u.RawTag) }

func (Connected) inbound()   {}
func (Chat) inbound()        {}
func (Joined) inbound()      {}
func (Left) inbound()        {}
func (Typing) inbound()      {}
func (ServerError) inbound() {}
func (Unknown) inbound()     {}
