package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/amoylab/polyroom/internal/common/cnst"
	"github.com/tidwall/gjson"
)

// TimestampLayout matches the ISO8601 form browsers emit (millisecond precision, UTC).
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

type identityFrame struct {
	ParticipantID string `json:"user_id"`
	Language      string `json:"language"`
}

type chatOutFrame struct {
	Type      cnst.MessageType `json:"type"`
	Content   string           `json:"content"`
	Timestamp string           `json:"timestamp"`
}

type typingOutFrame struct {
	Type     cnst.MessageType `json:"type"`
	IsTyping bool             `json:"is_typing"`
}

type inboundFrame struct {
	ParticipantID   string  `json:"user_id"`
	Language        string  `json:"language"`
	Content         string  `json:"content"`
	OriginalContent *string `json:"original_content"`
	IsOriginal      bool    `json:"is_original"`
	Timestamp       *string `json:"timestamp"`
	Message         string  `json:"message"`
	IsTyping        bool    `json:"is_typing"`
}

// Decode parses one inbound frame. Frames that are not JSON objects, or whose
// known fields carry the wrong JSON types, yield an error wrapping
// cnst.ErrMalformedFrame. Unrecognized tags decode to Unknown without error.
// now stamps chat lines that carry no usable timestamp.
func Decode(frame []byte, now time.Time) (InboundMessage, error) {
	if !gjson.ValidBytes(frame) {
		return nil, fmt.Errorf("%w: invalid json", cnst.ErrMalformedFrame)
	}
	root := gjson.ParseBytes(frame)
	if !root.IsObject() {
		return nil, fmt.Errorf("%w: expected object, got %s", cnst.ErrMalformedFrame, root.Type)
	}

	tag := root.Get("type").String()
	switch cnst.MessageType(tag) {
	case cnst.MsgConnected, cnst.MsgChat, cnst.MsgUserJoined, cnst.MsgUserLeft, cnst.MsgTyping, cnst.MsgError:
	default:
		return Unknown{RawTag: tag}, nil
	}

	var f inboundFrame
	if err := json.Unmarshal(frame, &f); err != nil {
		return nil, fmt.Errorf("%w: %s frame: %v", cnst.ErrMalformedFrame, tag, err)
	}

	switch cnst.MessageType(tag) {
	case cnst.MsgConnected:
		return Connected{ParticipantID: f.ParticipantID, Language: f.Language}, nil
	case cnst.MsgChat:
		msg := Chat{
			ParticipantID: f.ParticipantID,
			Content:       f.Content,
			Language:      f.Language,
			IsOriginal:    f.IsOriginal,
			Timestamp:     parseTimestamp(f.Timestamp, now),
		}
		if f.OriginalContent != nil {
			msg.OriginalContent = *f.OriginalContent
		}
		return msg, nil
	case cnst.MsgUserJoined:
		return Joined{ParticipantID: f.ParticipantID, Language: f.Language, Notice: f.Message}, nil
	case cnst.MsgUserLeft:
		return Left{ParticipantID: f.ParticipantID, Notice: f.Message}, nil
	case cnst.MsgTyping:
		return Typing{ParticipantID: f.ParticipantID, IsTyping: f.IsTyping}, nil
	default:
		return ServerError{Message: f.Message}, nil
	}
}

func parseTimestamp(raw *string, now time.Time) time.Time {
	if raw == nil || *raw == "" {
		return now
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999"} {
		if ts, err := time.Parse(layout, *raw); err == nil {
			return ts
		}
	}
	return now
}

// EncodeIdentity builds the frame sent right after the socket opens.
func EncodeIdentity(participantID, language string) ([]byte, error) {
	return json.Marshal(identityFrame{ParticipantID: participantID, Language: language})
}

// EncodeChat builds a chat frame stamped with ts.
func EncodeChat(content string, ts time.Time) ([]byte, error) {
	return json.Marshal(chatOutFrame{
		Type:      cnst.MsgOutChat,
		Content:   content,
		Timestamp: ts.UTC().Format(TimestampLayout),
	})
}

// EncodeTyping builds a typing indicator frame.
func EncodeTyping(isTyping bool) ([]byte, error) {
	return json.Marshal(typingOutFrame{Type: cnst.MsgOutTyping, IsTyping: isTyping})
}

// ParseRoster validates a roster snapshot body of the form
// {"users":[{"user_id":...,"language":...}]}. ok is false when the users
// field is missing, is not an array, or holds an entry without a string user_id;
// callers treat that as "no update".
func ParseRoster(body []byte) (users []RoomUser, ok bool) {
	if !gjson.ValidBytes(body) {
		return nil, false
	}
	list := gjson.GetBytes(body, "users")
	if !list.Exists() || !list.IsArray() {
		return nil, false
	}
	users = make([]RoomUser, 0, len(list.Array()))
	ok = true
	list.ForEach(func(_, item gjson.Result) bool {
		id := item.Get("user_id")
		if !item.IsObject() || id.Type != gjson.String || id.String() == "" {
			ok = false
			return false
		}
		users = append(users, RoomUser{ParticipantID: id.String(), Language: item.Get("language").String()})
		return true
	})
	if !ok {
		return nil, false
	}
	return users, true
}
