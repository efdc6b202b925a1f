package session

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/amoylab/polyroom/internal/common/cnst"
	"github.com/stretchr/testify/assert"
)

func TestSession_Validate(t *testing.T) {
	assert.NoError(t, Session{RoomID: "r1", ParticipantID: "me", Language: "en"}.Validate())

	err := Session{RoomID: " ", ParticipantID: "me"}.Validate()
	assert.True(t, errors.Is(err, cnst.ErrInvalidSession))
	assert.Contains(t, err.Error(), "room_id")
	assert.Contains(t, err.Error(), "language")
	assert.NotContains(t, err.Error(), "user_id")
}

func TestSession_Key(t *testing.T) {
	assert.Equal(t, "r1:me", Session{RoomID: "r1", ParticipantID: "me", Language: "en"}.Key())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "reconnecting", StateReconnecting.String())
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "unknown", State(42).String())

	data, err := json.Marshal(struct{ S State }{StateOpen})
	assert.NoError(t, err)
	assert.JSONEq(t, `{"S":"open"}`, string(data))
}
