// Package session keeps one participant connected to one multi-language
// room: it owns the connection state machine, the roster, the history log
// and the reconnect schedule.
package session

import (
	"fmt"
	"strings"

	"github.com/amoylab/polyroom/internal/common/cnst"
	"github.com/amoylab/polyroom/internal/history"
)

// Session identifies one membership: who joins which room speaking what
// language. A change of any field is a new Session.
type Session struct {
	RoomID        string `json:"room_id"`
	ParticipantID string `json:"user_id"`
	Language      string `json:"language"`
}

// Validate reports an error wrapping cnst.ErrInvalidSession when a field is blank
func (s Session) Validate() error {
	var missing []string
	if strings.TrimSpace(s.RoomID) == "" {
		missing = append(missing, "room_id")
	}
	if strings.TrimSpace(s.ParticipantID) == "" {
		missing = append(missing, "user_id")
	}
	if strings.TrimSpace(s.Language) == "" {
		missing = append(missing, "language")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", cnst.ErrInvalidSession, strings.Join(missing, ", "))
	}
	return nil
}

// Key is the history sink key of this membership
func (s Session) Key() string {
	return history.SessionKey(s.RoomID, s.ParticipantID)
}

// State is the connection state of a Manager
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateReconnecting
	StateClosed
)

var stateNames = []string{"idle", "connecting", "open", "reconnecting", "closed"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
