package session

import (
	"errors"

	"github.com/amoylab/polyroom/internal/history"
	"github.com/amoylab/polyroom/internal/protocol"
	"go.uber.org/zap"
)

// onFrame decodes one inbound frame and routes it to the roster and the
// history log. Bad frames are logged and dropped.
func (m *Manager) onFrame(gen uint64, frame []byte) {
	if gen != m.gen {
		return
	}
	msg, err := protocol.Decode(frame, m.clock.Now())
	if err != nil {
		m.metrics.FrameDropped()
		m.logger.Warn("dropping inbound frame",
			zap.Int("size", len(frame)),
			zap.Error(err))
		return
	}
	m.metrics.FrameReceived(msg.Type().String())

	switch msg := msg.(type) {
	case protocol.Connected:
		m.logger.Info("server confirmed identity",
			zap.String("participant", msg.ParticipantID),
			zap.String("language", msg.Language))
		if m.roster.ApplyConnected(msg.ParticipantID, msg.Language) {
			m.rosterChanged()
		}
	case protocol.Chat:
		m.appendEntry(history.Entry{
			Kind:            history.KindChat,
			ParticipantID:   msg.ParticipantID,
			Content:         msg.Content,
			OriginalContent: msg.OriginalContent,
			Language:        msg.Language,
			IsOriginal:      msg.IsOriginal,
			Timestamp:       msg.Timestamp,
		})
	case protocol.Joined:
		if m.roster.ApplyJoined(msg.ParticipantID, msg.Language) {
			m.rosterChanged()
		}
		m.appendEntry(history.Entry{
			Kind:          history.KindSystem,
			ParticipantID: msg.ParticipantID,
			Content:       msg.Notice,
			Language:      msg.Language,
			Timestamp:     m.clock.Now(),
		})
	case protocol.Left:
		if m.roster.ApplyLeft(msg.ParticipantID) {
			m.rosterChanged()
		}
		m.appendEntry(history.Entry{
			Kind:          history.KindSystem,
			ParticipantID: msg.ParticipantID,
			Content:       msg.Notice,
			Timestamp:     m.clock.Now(),
		})
	case protocol.Typing:
		m.emit(Event{Kind: EventTyping, Typing: &msg})
	case protocol.ServerError:
		m.logger.Warn("server reported an error", zap.String("message", msg.Message))
		m.lastErr = msg.Message
		m.emit(Event{Kind: EventError, Err: errors.New(msg.Message)})
		m.appendEntry(history.Entry{
			Kind:      history.KindSystem,
			Content:   msg.Message,
			Timestamp: m.clock.Now(),
		})
	case protocol.Unknown:
		m.logger.Warn("ignoring frame with unknown type", zap.String("type", msg.RawTag))
	}
}

func (m *Manager) appendEntry(e history.Entry) {
	stored := m.log.Append(e)
	if m.mirror != nil {
		m.mirror.Record(stored)
	}
	m.emit(Event{Kind: EventHistory, Entry: &stored})

	if m.speaker != nil && ShouldSpeak(stored, m.session) {
		m.speaker.enqueue(Utterance{
			Text:   stored.Content,
			Locale: Locale(stored.Language),
			Rate:   speechRate,
			Pitch:  speechPitch,
		})
	}
}
