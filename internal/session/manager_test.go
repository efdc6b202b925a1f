package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/amoylab/polyroom/internal/common/cnst"
	"github.com/amoylab/polyroom/internal/common/config"
	"github.com/amoylab/polyroom/internal/history"
	"github.com/amoylab/polyroom/internal/protocol"
	"github.com/amoylab/polyroom/pkg/metrics"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	waitFor = time.Second
	tick    = 5 * time.Millisecond
)

var me = Session{RoomID: "room-1", ParticipantID: "me", Language: "es"}

type harness struct {
	m       *Manager
	dialer  *fakeDialer
	clock   *manualClock
	fetcher *fakeFetcher
	metrics *metrics.Metrics
}

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()
	h := &harness{
		dialer:  &fakeDialer{},
		clock:   newManualClock(),
		metrics: metrics.New(config.MetricsConfig{Namespace: "test"}),
	}
	opts := Options{
		Dialer:       h.dialer,
		MaxAttempts:  5,
		BaseInterval: 2000 * time.Millisecond,
		Logger:       zap.NewNop(),
		Metrics:      h.metrics,
		Clock:        h.clock,
	}
	if mutate != nil {
		mutate(&opts)
	}
	if f, ok := opts.Fetcher.(*fakeFetcher); ok {
		h.fetcher = f
	}
	h.m = New(opts)
	t.Cleanup(h.m.Close)
	return h
}

func (h *harness) waitState(t *testing.T, want State) {
	t.Helper()
	assert.Eventually(t, func() bool {
		return h.m.Snapshot().State == want
	}, waitFor, tick, "state never became %s", want)
}

// open connects s and waits for the transport to be up
func (h *harness) open(t *testing.T, s Session) *fakeConn {
	t.Helper()
	dials := h.dialer.dials()
	require.NoError(t, h.m.Connect(context.Background(), s))
	require.Eventually(t, func() bool {
		return h.dialer.dials() > dials && h.m.Snapshot().State == StateOpen
	}, waitFor, tick)
	return h.dialer.last()
}

func (h *harness) counter(t *testing.T, name, label, value string) float64 {
	t.Helper()
	families, err := h.metrics.Registry().Gather()
	require.NoError(t, err)
	return findCounter(families, "test_"+name, label, value)
}

func findCounter(families []*dto.MetricFamily, name, label, value string) float64 {
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.GetMetric() {
			for _, lp := range metric.GetLabel() {
				if lp.GetName() == label && lp.GetValue() == value {
					return metric.GetCounter().GetValue()
				}
			}
			if label == "" {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func TestManager_ConnectValidates(t *testing.T) {
	h := newHarness(t, nil)
	err := h.m.Connect(context.Background(), Session{RoomID: "r"})
	assert.True(t, errors.Is(err, cnst.ErrInvalidSession))
	assert.Equal(t, 0, h.dialer.dials())
	assert.Equal(t, StateIdle, h.m.Snapshot().State)
}

func TestManager_ConnectWithoutDialer(t *testing.T) {
	m := New(Options{})
	defer m.Close()
	assert.ErrorIs(t, m.Connect(context.Background(), me), cnst.ErrNoDialer)
}

func TestManager_OpenSendsIdentityAndUpsertsSelf(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.open(t, me)

	frames := conn.frames()
	require.Len(t, frames, 1)
	assert.JSONEq(t, `{"user_id":"me","language":"es"}`, frames[0])

	snap := h.m.Snapshot()
	assert.Equal(t, me, snap.Session)
	assert.Equal(t, []protocol.RoomUser{{ParticipantID: "me", Language: "es"}}, snap.Roster)
	assert.Equal(t, []string{"room-1"}, h.dialer.rooms)
}

func TestManager_ConnectWhileActiveIsNoop(t *testing.T) {
	h := newHarness(t, nil)
	h.open(t, me)

	require.NoError(t, h.m.Connect(context.Background(), me))
	require.NoError(t, h.m.Connect(context.Background(), me))
	assert.Equal(t, 1, h.dialer.dials())
	assert.Equal(t, StateOpen, h.m.Snapshot().State)
}

func TestManager_BenignClosesNeverReconnect(t *testing.T) {
	for _, code := range []int{cnst.CloseNormal, cnst.CloseGoingAway, cnst.CloseNoStatus} {
		h := newHarness(t, nil)
		conn := h.open(t, me)

		conn.drop(code)
		h.waitState(t, StateClosed)
		assert.Empty(t, h.clock.Pending(), "code %d", code)

		h.clock.Advance(time.Minute)
		assert.Equal(t, 1, h.dialer.dials(), "code %d", code)
	}
}

func TestManager_LinearBackoffThenExhausted(t *testing.T) {
	h := newHarness(t, nil)
	events, cancel := h.m.Observe()
	defer cancel()

	conn := h.open(t, me)
	h.dialer.setFailing(true)
	conn.drop(cnst.CloseAbnormal)

	for n := 1; n <= 5; n++ {
		want := time.Duration(2000*n) * time.Millisecond
		require.Eventually(t, func() bool {
			p := h.clock.Pending()
			return len(p) == 1 && p[0] == want
		}, waitFor, tick, "attempt %d", n)
		assert.Equal(t, StateReconnecting, h.m.Snapshot().State)
		assert.Equal(t, n, h.m.Snapshot().Attempt)

		h.clock.Advance(want)
		require.Eventually(t, func() bool { return h.dialer.dials() == 1+n }, waitFor, tick)
	}

	h.waitState(t, StateClosed)
	assert.Empty(t, h.clock.Pending(), "no 6th attempt")
	snap := h.m.Snapshot()
	assert.True(t, snap.Exhausted)
	assert.Equal(t, cnst.ErrReconnectExhausted.Error(), snap.LastError)

	h.clock.Advance(time.Hour)
	assert.Equal(t, 6, h.dialer.dials())
	assert.Equal(t, float64(5), h.counter(t, "reconnects_scheduled_total", "", ""))
	assert.Equal(t, float64(1), h.counter(t, "reconnects_exhausted_total", "", ""))

	exhausted := 0
	for {
		select {
		case ev := <-events:
			if ev.Kind == EventExhausted {
				exhausted++
				assert.ErrorIs(t, ev.Err, cnst.ErrReconnectExhausted)
			}
			continue
		default:
		}
		break
	}
	assert.Equal(t, 1, exhausted)

	// a fresh connect from the caller resumes
	h.dialer.setFailing(false)
	h.open(t, me)
	assert.False(t, h.m.Snapshot().Exhausted)
}

func TestManager_SuccessfulReconnectResetsCounter(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.open(t, me)

	conn.drop(cnst.CloseAbnormal)
	h.waitState(t, StateReconnecting)
	h.clock.Advance(2 * time.Second)
	h.waitState(t, StateOpen)
	assert.Equal(t, 0, h.m.Snapshot().Attempt)

	second := h.dialer.last()
	assert.NotSame(t, conn, second)
	assert.JSONEq(t, `{"user_id":"me","language":"es"}`, second.frames()[0])

	second.drop(cnst.CloseAbnormal)
	require.Eventually(t, func() bool {
		p := h.clock.Pending()
		return len(p) == 1 && p[0] == 2*time.Second
	}, waitFor, tick)
}

func TestManager_StaleTransportCallbacksIgnored(t *testing.T) {
	h := newHarness(t, nil)
	old := h.open(t, me)

	old.drop(cnst.CloseAbnormal)
	h.waitState(t, StateReconnecting)
	h.clock.Advance(2 * time.Second)
	h.waitState(t, StateOpen)

	old.receive(`{"type":"message","user_id":"bot","content":"late","language":"es"}`)
	old.fireClose(cnst.CloseAbnormal, "late")
	snap := h.m.Snapshot()
	assert.Equal(t, StateOpen, snap.State)
	assert.Empty(t, snap.History)
}

func TestManager_DisconnectClosesNormallyAndSuppressesReconnect(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.open(t, me)

	h.m.Disconnect()
	closed, code, reason := conn.isClosed()
	assert.True(t, closed)
	assert.Equal(t, cnst.CloseNormal, code)
	assert.Equal(t, "User disconnected", reason)
	assert.Equal(t, StateClosed, h.m.Snapshot().State)

	h.clock.Advance(time.Minute)
	assert.Equal(t, 1, h.dialer.dials())
	assert.False(t, h.m.Send("hello"))

	h.m.Disconnect()
	assert.Equal(t, StateClosed, h.m.Snapshot().State)
}

func TestManager_DisconnectWhileReconnecting(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.open(t, me)

	conn.drop(cnst.CloseAbnormal)
	h.waitState(t, StateReconnecting)
	h.m.Disconnect()

	assert.Empty(t, h.clock.Pending())
	h.clock.Advance(time.Minute)
	assert.Equal(t, 1, h.dialer.dials())
	assert.Equal(t, StateClosed, h.m.Snapshot().State)
}

func TestManager_DisconnectBeforeConnectIsNoop(t *testing.T) {
	h := newHarness(t, nil)
	h.m.Disconnect()
	assert.Equal(t, StateIdle, h.m.Snapshot().State)
}

func TestManager_CloseWithPendingTimerPreventsConnect(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.open(t, me)

	conn.drop(cnst.CloseAbnormal)
	h.waitState(t, StateReconnecting)
	require.Len(t, h.clock.Pending(), 1)

	h.m.Close()
	assert.Empty(t, h.clock.Pending())
	h.clock.Advance(time.Minute)

	assert.Equal(t, 1, h.dialer.dials())
	assert.ErrorIs(t, h.m.Connect(context.Background(), me), cnst.ErrSessionClosed)
	assert.Equal(t, StateClosed, h.m.Snapshot().State)
}

func TestManager_CloseClosesLiveTransport(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.open(t, me)
	events, _ := h.m.Observe()

	h.m.Close()
	closed, code, _ := conn.isClosed()
	assert.True(t, closed)
	assert.Equal(t, cnst.CloseNormal, code)

	for range events {
	}
	h.m.Close()
}

func TestManager_ConnectDuringReconnectResetsCounter(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.open(t, me)

	conn.drop(cnst.CloseAbnormal)
	h.waitState(t, StateReconnecting)

	h.open(t, me)
	assert.Empty(t, h.clock.Pending())
	assert.Equal(t, 2, h.dialer.dials())
	assert.Equal(t, 0, h.m.Snapshot().Attempt)
}

func TestManager_NewSessionReplacesOld(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.open(t, me)
	conn.receive(`{"type":"user_joined","user_id":"a","language":"en","message":"a joined"}`)
	require.Len(t, h.m.Snapshot().History, 1)

	next := Session{RoomID: "room-2", ParticipantID: "me", Language: "fr"}
	h.open(t, next)

	closed, code, _ := conn.isClosed()
	assert.True(t, closed)
	assert.Equal(t, cnst.CloseNormal, code)

	snap := h.m.Snapshot()
	assert.Equal(t, next, snap.Session)
	assert.Empty(t, snap.History)
	assert.Equal(t, []protocol.RoomUser{{ParticipantID: "me", Language: "fr"}}, snap.Roster)
	assert.Equal(t, []string{"room-1", "room-2"}, h.dialer.rooms)
}

func TestManager_DialFailureGoesThroughScheduler(t *testing.T) {
	h := newHarness(t, nil)
	h.dialer.setFailing(true)

	require.NoError(t, h.m.Connect(context.Background(), me))
	h.waitState(t, StateReconnecting)
	assert.Equal(t, []time.Duration{2 * time.Second}, h.clock.Pending())
	assert.Equal(t, "connection refused", h.m.Snapshot().LastError)

	h.dialer.setFailing(false)
	h.clock.Advance(2 * time.Second)
	h.waitState(t, StateOpen)
}

func TestManager_RosterSequence(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.open(t, me)

	conn.receive(`{"type":"connected","user_id":"me","language":"es"}`)
	conn.receive(`{"type":"user_joined","user_id":"a","language":"en","message":"a joined the room"}`)
	conn.receive(`{"type":"user_joined","user_id":"b","language":"fr","message":"b joined the room"}`)
	conn.receive(`{"type":"user_left","user_id":"a","message":"a left the room"}`)

	snap := h.m.Snapshot()
	assert.Len(t, snap.Roster, 2)
	assert.Equal(t, []protocol.RoomUser{
		{ParticipantID: "b", Language: "fr"},
		{ParticipantID: "me", Language: "es"},
	}, snap.Roster)

	require.Len(t, snap.History, 3)
	assert.Equal(t, history.KindSystem, snap.History[0].Kind)
	assert.Equal(t, "a joined the room", snap.History[0].Content)
	assert.Equal(t, "a left the room", snap.History[2].Content)
	assert.Equal(t, []uint64{1, 2, 3}, []uint64{snap.History[0].ID, snap.History[1].ID, snap.History[2].ID})
}

func TestManager_DuplicateJoinStillLogsNotice(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.open(t, me)

	frame := `{"type":"user_joined","user_id":"u1","language":"en","message":"u1 joined"}`
	conn.receive(frame)
	conn.receive(frame)
	conn.receive(`{"type":"user_left","user_id":"u1","message":"u1 left"}`)
	conn.receive(`{"type":"user_left","user_id":"u1","message":"u1 left"}`)

	snap := h.m.Snapshot()
	assert.Equal(t, []protocol.RoomUser{{ParticipantID: "me", Language: "es"}}, snap.Roster)
	assert.Len(t, snap.History, 4)
}

func TestManager_RosterFetchReplacesWhenWellFormed(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Fetcher = &fakeFetcher{
			users: []protocol.RoomUser{{ParticipantID: "me", Language: "es"}, {ParticipantID: "x", Language: "ja"}},
			ok:    true,
		}
	})
	h.open(t, me)

	assert.Eventually(t, func() bool {
		return len(h.m.Snapshot().Roster) == 2
	}, waitFor, tick)
	assert.Equal(t, 1, h.fetcher.callCount())
	assert.Equal(t, float64(1), h.counter(t, "roster_fetch_total", "result", "applied"))
}

func TestManager_RosterFetchMalformedKeepsOptimistic(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Fetcher = &fakeFetcher{ok: false}
	})
	h.open(t, me)

	assert.Eventually(t, func() bool {
		return h.counter(t, "roster_fetch_total", "result", "ignored") == 1
	}, waitFor, tick)
	assert.Equal(t, []protocol.RoomUser{{ParticipantID: "me", Language: "es"}}, h.m.Snapshot().Roster)
}

func TestManager_RosterFetchErrorKeepsOptimistic(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Fetcher = &fakeFetcher{err: errors.New("503")}
	})
	h.open(t, me)

	assert.Eventually(t, func() bool {
		return h.counter(t, "roster_fetch_total", "result", "error") == 1
	}, waitFor, tick)
	assert.Len(t, h.m.Snapshot().Roster, 1)
	assert.Equal(t, 1, h.fetcher.callCount(), "fetch is not retried")
}

func TestManager_StaleRosterFetchDiscarded(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, func(o *Options) {
		o.Fetcher = &fakeFetcher{
			users:   []protocol.RoomUser{{ParticipantID: "x", Language: "ja"}},
			ok:      true,
			release: release,
		}
	})
	h.open(t, me)
	require.Eventually(t, func() bool { return h.fetcher.callCount() == 1 }, waitFor, tick)

	h.m.Disconnect()
	close(release)

	assert.Eventually(t, func() bool {
		return h.counter(t, "roster_fetch_total", "result", "stale") == 1
	}, waitFor, tick)
	assert.Equal(t, []protocol.RoomUser{{ParticipantID: "me", Language: "es"}}, h.m.Snapshot().Roster)
}

func TestManager_FailedFetchAfterDisconnectIsStale(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, func(o *Options) {
		o.Fetcher = &fakeFetcher{err: errors.New("503"), release: release}
	})
	h.open(t, me)
	require.Eventually(t, func() bool { return h.fetcher.callCount() == 1 }, waitFor, tick)

	events, cancel := h.m.Observe()
	defer cancel()
	h.m.Disconnect()
	close(release)

	assert.Eventually(t, func() bool {
		return h.counter(t, "roster_fetch_total", "result", "stale") == 1
	}, waitFor, tick)
	assert.Equal(t, float64(0), h.counter(t, "roster_fetch_total", "result", "error"))
	for drained := false; !drained; {
		select {
		case ev := <-events:
			assert.NotEqual(t, EventError, ev.Kind)
		default:
			drained = true
		}
	}
	assert.Empty(t, h.m.Snapshot().LastError)
}

func TestManager_SendRequiresOpenAndReady(t *testing.T) {
	h := newHarness(t, nil)
	assert.False(t, h.m.Send("too early"))
	assert.False(t, h.m.SendTyping(true))

	conn := h.open(t, me)
	assert.True(t, h.m.Send("hola"))
	assert.True(t, h.m.SendTyping(true))

	frames := conn.frames()
	require.Len(t, frames, 3)
	assert.JSONEq(t, `{"type":"chat","content":"hola","timestamp":"2024-05-01T12:00:00.000Z"}`, frames[1])
	assert.JSONEq(t, `{"type":"typing","is_typing":true}`, frames[2])
	assert.Equal(t, float64(1), h.counter(t, "frames_sent_total", "type", "chat"))

	conn.mu.Lock()
	conn.notReady = true
	conn.mu.Unlock()
	assert.False(t, h.m.Send("buffer full"))
	assert.Len(t, conn.frames(), 3)
}

func TestManager_MalformedFrameDropped(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.open(t, me)

	conn.receive(`{not json`)
	conn.receive(`[1,2,3]`)
	conn.receive(`{"type":"weather","temp":21}`)
	conn.receive(`{"type":"message","user_id":"b","content":"still here","language":"es","is_original":true}`)

	snap := h.m.Snapshot()
	assert.Equal(t, StateOpen, snap.State)
	require.Len(t, snap.History, 1)
	assert.Equal(t, "still here", snap.History[0].Content)
	assert.Equal(t, float64(2), h.counter(t, "frames_dropped_total", "", ""))
}

func TestManager_ServerErrorFrame(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.open(t, me)

	conn.receive(`{"type":"error","message":"Room is full"}`)
	snap := h.m.Snapshot()
	require.Len(t, snap.History, 1)
	assert.Equal(t, history.KindSystem, snap.History[0].Kind)
	assert.Equal(t, "Room is full", snap.History[0].Content)
	assert.Equal(t, "Room is full", snap.LastError)
	assert.Equal(t, StateOpen, snap.State)
}

func TestManager_SpeechPolicy(t *testing.T) {
	spoken := make(chan Utterance, 4)
	h := newHarness(t, func(o *Options) {
		o.Speech = func(_ context.Context, u Utterance) { spoken <- u }
	})
	conn := h.open(t, me)

	conn.receive(`{"type":"message","user_id":"bot","content":"Hola","language":"es","is_original":false}`)
	conn.receive(`{"type":"message","user_id":"bot","content":"Hola","language":"es","is_original":true}`)
	conn.receive(`{"type":"message","user_id":"me","content":"Hola","language":"es","is_original":false}`)

	select {
	case u := <-spoken:
		assert.Equal(t, "Hola", u.Text)
		assert.Equal(t, "es-ES", u.Locale)
		assert.Equal(t, 0.9, u.Rate)
		assert.Equal(t, 1.0, u.Pitch)
	case <-time.After(waitFor):
		t.Fatal("speech policy never fired")
	}
	select {
	case u := <-spoken:
		t.Fatalf("unexpected utterance %+v", u)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Len(t, h.m.Snapshot().History, 3)
}

func TestManager_TypingEvent(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.open(t, me)
	events, cancel := h.m.Observe()
	defer cancel()

	conn.receive(`{"type":"typing","user_id":"b","is_typing":true}`)
	select {
	case ev := <-events:
		require.Equal(t, EventTyping, ev.Kind)
		assert.Equal(t, "b", ev.Typing.ParticipantID)
		assert.True(t, ev.Typing.IsTyping)
	case <-time.After(waitFor):
		t.Fatal("no typing event")
	}
	assert.Empty(t, h.m.Snapshot().History)
}

func TestManager_ObserveStateSequence(t *testing.T) {
	h := newHarness(t, nil)
	events, cancel := h.m.Observe()
	defer cancel()

	conn := h.open(t, me)
	conn.receive(`{"type":"message","user_id":"b","content":"hi","language":"en","is_original":true}`)

	var states []State
	var entry *history.Entry
	deadline := time.After(waitFor)
	for entry == nil {
		select {
		case ev := <-events:
			switch ev.Kind {
			case EventState:
				states = append(states, ev.Snapshot.State)
			case EventHistory:
				entry = ev.Entry
				assert.Len(t, ev.Snapshot.History, 1)
			}
		case <-deadline:
			t.Fatal("history event not observed")
		}
	}
	assert.Equal(t, []State{StateConnecting, StateOpen}, states)
	assert.Equal(t, uint64(1), entry.ID)
	assert.Equal(t, "hi", entry.Content)
}

func TestManager_MirrorsHistoryToSink(t *testing.T) {
	sink := history.NewMemorySink(0)
	h := newHarness(t, func(o *Options) { o.HistorySink = sink })
	conn := h.open(t, me)

	conn.receive(`{"type":"user_joined","user_id":"b","language":"en","message":"b joined"}`)
	conn.receive(`{"type":"message","user_id":"b","content":"hola","original_content":"hello","language":"es","is_original":false,"timestamp":"2024-05-01T10:00:00Z"}`)
	h.m.Close()

	got, err := sink.List(context.Background(), me.Key(), 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "hello", got[1].OriginalContent)
	assert.Equal(t, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), got[1].Timestamp.UTC())
}
