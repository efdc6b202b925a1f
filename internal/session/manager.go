package session

import (
	"context"
	"sync"
	"time"

	"github.com/amoylab/polyroom/internal/common/cnst"
	"github.com/amoylab/polyroom/internal/common/config"
	"github.com/amoylab/polyroom/internal/history"
	"github.com/amoylab/polyroom/internal/protocol"
	"github.com/amoylab/polyroom/pkg/metrics"
	"github.com/amoylab/polyroom/pkg/trace"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const (
	disconnectReason    = "User disconnected"
	defaultFetchTimeout = 10 * time.Second
)

// Conn is one live transport. It is never reused after it closes.
type Conn interface {
	// Start begins delivering frames. onClose is called exactly once.
	Start(onMessage func(frame []byte), onClose func(code int, reason string))
	Send(frame []byte) error
	// Ready reports whether the send buffer can take another frame
	Ready() bool
	Close(code int, reason string) error
}

// Dialer opens a transport to a room
type Dialer interface {
	Dial(ctx context.Context, roomID string) (Conn, error)
}

// DialerFunc adapts a function to Dialer
type DialerFunc func(ctx context.Context, roomID string) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, roomID string) (Conn, error) {
	return f(ctx, roomID)
}

// RosterFetcher loads the authoritative roster. ok is false when the
// response carried no well-formed user list.
type RosterFetcher interface {
	ListUsers(ctx context.Context, roomID string) (users []protocol.RoomUser, ok bool, err error)
}

// Options configures a Manager. Only Dialer is required.
type Options struct {
	Dialer           Dialer
	Fetcher          RosterFetcher
	HistorySink      history.Sink
	Speech           SpeechPolicy
	MaxAttempts      int
	BaseInterval     time.Duration
	FetchTimeout     time.Duration
	SubscriberBuffer int
	Logger           *zap.Logger
	Metrics          *metrics.Metrics
	Clock            Clock
}

// Manager keeps one Session connected. All state lives on a single event
// loop goroutine; public methods, transport callbacks, timers and roster
// fetch results are all funneled through it.
type Manager struct {
	opts    Options
	logger  *zap.Logger
	metrics *metrics.Metrics
	clock   Clock
	tracer  *trace.Builder

	ctx      context.Context
	cancel   context.CancelFunc
	events   chan func()
	done     chan struct{}
	doneOnce sync.Once
	loopDone chan struct{}
	hub      *hub
	speaker  *speaker

	// owned by the event loop
	session    Session
	hasSession bool
	instance   string
	state      State
	gen        uint64
	conn       Conn
	dialCancel context.CancelFunc
	localClose bool
	scheduler  *Scheduler
	timer      Timer
	timerSeq   uint64
	roster     *Roster
	log        *history.Log
	mirror     *history.Mirror
	exhausted  bool
	lastErr    string
	closed     bool
}

// New creates a Manager and starts its event loop. Call Close to stop it.
func New(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = realClock{}
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = config.DefaultMaxAttempts
	}
	if opts.BaseInterval <= 0 {
		opts.BaseInterval = config.DefaultBaseInterval
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = defaultFetchTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		opts:      opts,
		logger:    opts.Logger.Named("session"),
		metrics:   opts.Metrics,
		clock:     opts.Clock,
		tracer:    trace.Tracer(cnst.TraceSession),
		ctx:       ctx,
		cancel:    cancel,
		events:    make(chan func()),
		done:      make(chan struct{}),
		loopDone:  make(chan struct{}),
		hub:       newHub(opts.SubscriberBuffer),
		scheduler: NewScheduler(opts.MaxAttempts, opts.BaseInterval),
		roster:    NewRoster(),
		log:       history.NewLog(),
	}
	if opts.Speech != nil {
		m.speaker = newSpeaker(m.logger, opts.Speech)
	}
	m.metrics.SetState(StateIdle.String(), stateNames)
	go m.run()
	return m
}

func (m *Manager) run() {
	defer close(m.loopDone)
	for {
		select {
		case fn := <-m.events:
			fn()
		case <-m.done:
			return
		}
	}
}

// call runs fn on the event loop and waits for it to finish
func (m *Manager) call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	select {
	case m.events <- func() { fn(); close(finished) }:
	case <-m.done:
		return cnst.ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	<-finished
	return nil
}

// post queues fn from a callback goroutine; it is dropped once the loop stopped
func (m *Manager) post(fn func()) {
	select {
	case m.events <- fn:
	case <-m.done:
	}
}

// Connect starts connecting s. It is a no-op while s is already connecting
// or open. A Session different from the current one replaces it and clears
// its roster and history.
func (m *Manager) Connect(ctx context.Context, s Session) error {
	if err := s.Validate(); err != nil {
		return err
	}
	if m.opts.Dialer == nil {
		return cnst.ErrNoDialer
	}
	var err error
	callErr := m.call(ctx, func() {
		if m.closed {
			err = cnst.ErrSessionClosed
			return
		}
		if m.hasSession && m.session == s && (m.state == StateConnecting || m.state == StateOpen) {
			m.logger.Debug("connect ignored, already active",
				zap.String("room", s.RoomID),
				zap.Stringer("state", m.state))
			return
		}
		if !m.hasSession || m.session != s {
			m.replaceSession(s)
		}
		m.cancelTimer()
		m.localClose = false
		m.exhausted = false
		m.lastErr = ""
		m.scheduler.Reset()
		m.dial()
	})
	if callErr != nil {
		return callErr
	}
	return err
}

// Disconnect closes the transport with a normal closure and suppresses any
// pending reconnect. The manager stays Closed until the next Connect.
func (m *Manager) Disconnect() {
	_ = m.call(context.Background(), func() {
		if m.closed || m.state == StateIdle || m.state == StateClosed {
			return
		}
		m.localClose = true
		m.stopTransport()
		m.setState(StateClosed)
	})
}

// Send writes a chat line. It returns false unless the manager is open
// and the transport can take the frame.
func (m *Manager) Send(content string) bool {
	frame, err := protocol.EncodeChat(content, m.clock.Now())
	if err != nil {
		return false
	}
	return m.sendFrame(cnst.MsgOutChat, frame)
}

// SendTyping writes a typing indicator under the same rules as Send
func (m *Manager) SendTyping(isTyping bool) bool {
	frame, err := protocol.EncodeTyping(isTyping)
	if err != nil {
		return false
	}
	return m.sendFrame(cnst.MsgOutTyping, frame)
}

func (m *Manager) sendFrame(msgType cnst.MessageType, frame []byte) bool {
	var sent bool
	_ = m.call(context.Background(), func() {
		if m.state != StateOpen || m.conn == nil || !m.conn.Ready() {
			return
		}
		if err := m.conn.Send(frame); err != nil {
			m.logger.Warn("failed to send frame",
				zap.String("type", msgType.String()),
				zap.Error(err))
			return
		}
		m.metrics.FrameSent(msgType.String())
		sent = true
	})
	return sent
}

// Observe subscribes to change events. The channel is closed by the
// returned cancel func or by Close.
func (m *Manager) Observe() (<-chan Event, func()) {
	return m.hub.subscribe()
}

// Snapshot returns the current state, roster and history
func (m *Manager) Snapshot() Snapshot {
	var snap Snapshot
	if err := m.call(context.Background(), func() { snap = m.snapshot() }); err != nil {
		return Snapshot{State: StateClosed}
	}
	return snap
}

// Close disposes the Session: the reconnect timer is stopped, the live
// transport is closed as a local disconnect and the loop exits. Observers'
// channels are closed.
func (m *Manager) Close() {
	_ = m.call(context.Background(), func() {
		if m.closed {
			return
		}
		m.closed = true
		m.localClose = true
		m.stopTransport()
		if m.hasSession {
			m.setState(StateClosed)
		}
		m.disposeSession()
	})
	m.doneOnce.Do(func() { close(m.done) })
	<-m.loopDone
	m.cancel()
	if m.speaker != nil {
		m.speaker.close()
	}
	m.hub.close()
}

func (m *Manager) replaceSession(s Session) {
	if m.hasSession {
		m.logger.Info("session replaced",
			zap.String("old_room", m.session.RoomID),
			zap.String("room", s.RoomID))
		m.localClose = true
		m.stopTransport()
		m.disposeSession()
	}
	m.session = s
	m.hasSession = true
	m.instance = uuid.NewString()
	if m.opts.HistorySink != nil {
		m.mirror = history.NewMirror(m.logger, m.opts.HistorySink, s.Key())
	}
}

// disposeSession drops everything the current Session owned
func (m *Manager) disposeSession() {
	m.roster.Clear()
	m.log = history.NewLog()
	m.instance = ""
	m.exhausted = false
	m.lastErr = ""
	m.scheduler.Reset()
	if m.mirror != nil {
		m.mirror.Close()
		m.mirror = nil
	}
	m.metrics.SetRosterSize(0)
}

// stopTransport cancels the timer and any dial in flight and closes the
// live transport. Callbacks of the closed transport become stale.
func (m *Manager) stopTransport() {
	m.cancelTimer()
	m.gen++
	if m.dialCancel != nil {
		m.dialCancel()
		m.dialCancel = nil
	}
	if m.conn != nil {
		if err := m.conn.Close(cnst.CloseNormal, disconnectReason); err != nil {
			m.logger.Debug("transport close failed", zap.Error(err))
		}
		m.conn = nil
	}
}

func (m *Manager) cancelTimer() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.timerSeq++
	m.scheduler.Fired()
}

// dial starts a new transport for the current session
func (m *Manager) dial() {
	m.gen++
	gen := m.gen
	s := m.session
	ctx, cancel := context.WithCancel(m.ctx)
	m.dialCancel = cancel
	m.setState(StateConnecting)
	m.metrics.ConnectAttempt()

	go func() {
		scope := m.tracer.Start(ctx, cnst.SpanDial).WithAttrs(
			attribute.String("room.id", s.RoomID),
			attribute.String("participant.id", s.ParticipantID),
		)
		conn, err := m.opts.Dialer.Dial(scope.Ctx, s.RoomID)
		scope.Fail(err)
		scope.End()
		m.post(func() { m.onDialed(gen, conn, err) })
	}()
}

func (m *Manager) onDialed(gen uint64, conn Conn, err error) {
	if gen != m.gen {
		if conn != nil {
			_ = conn.Close(cnst.CloseNormal, disconnectReason)
		}
		return
	}
	if m.dialCancel != nil {
		m.dialCancel()
		m.dialCancel = nil
	}
	if err != nil {
		m.logger.Warn("failed to connect",
			zap.String("room", m.session.RoomID),
			zap.Error(err))
		m.lastErr = err.Error()
		m.emit(Event{Kind: EventError, Err: err})
		m.onClosed(gen, cnst.CloseAbnormal, err.Error())
		return
	}

	m.conn = conn
	conn.Start(
		func(frame []byte) {
			m.post(func() { m.onFrame(gen, frame) })
		},
		func(code int, reason string) {
			m.post(func() { m.onClosed(gen, code, reason) })
		},
	)
	m.onOpen()
}

func (m *Manager) onOpen() {
	s := m.session
	m.scheduler.Reset()
	m.exhausted = false
	m.lastErr = ""

	frame, err := protocol.EncodeIdentity(s.ParticipantID, s.Language)
	if err == nil {
		err = m.conn.Send(frame)
	}
	if err != nil {
		m.logger.Warn("failed to send identity", zap.Error(err))
	}

	m.logger.Info("connected",
		zap.String("room", s.RoomID),
		zap.String("participant", s.ParticipantID),
		zap.String("language", s.Language))
	m.setState(StateOpen)
	if m.roster.UpsertSelf(protocol.RoomUser{ParticipantID: s.ParticipantID, Language: s.Language}) {
		m.rosterChanged()
	}
	m.fetchRoster()
}

func (m *Manager) onClosed(gen uint64, code int, reason string) {
	if gen != m.gen {
		return
	}
	m.conn = nil
	d := m.scheduler.Decide(code, m.localClose)
	m.logger.Info("transport closed",
		zap.Int("code", code),
		zap.String("reason", reason),
		zap.Bool("local", m.localClose),
		zap.Bool("retry", d.Retry))

	switch {
	case d.Retry:
		m.metrics.ReconnectScheduled()
		m.setState(StateReconnecting)
		m.scheduleReconnect(d.Delay)
	case d.Exhausted:
		m.exhausted = true
		m.lastErr = cnst.ErrReconnectExhausted.Error()
		m.metrics.ReconnectsExhausted()
		m.logger.Warn("giving up reconnecting", zap.Int("attempts", m.scheduler.Attempts()))
		m.setState(StateClosed)
		m.emit(Event{Kind: EventExhausted, Err: cnst.ErrReconnectExhausted})
	default:
		m.setState(StateClosed)
	}
}

func (m *Manager) scheduleReconnect(delay time.Duration) {
	m.timerSeq++
	seq := m.timerSeq
	m.logger.Info("reconnect scheduled",
		zap.Int("attempt", m.scheduler.Attempts()),
		zap.Duration("delay", delay))
	m.timer = m.clock.AfterFunc(delay, func() {
		m.post(func() { m.onReconnectTimer(seq) })
	})
}

func (m *Manager) onReconnectTimer(seq uint64) {
	if seq != m.timerSeq || m.timer == nil || m.closed {
		return
	}
	m.timer = nil
	m.scheduler.Fired()
	m.dial()
}

func (m *Manager) fetchRoster() {
	if m.opts.Fetcher == nil {
		return
	}
	instance := m.instance
	roomID := m.session.RoomID
	timeout := m.opts.FetchTimeout

	go func() {
		start := time.Now()
		ctx, cancel := context.WithTimeout(m.ctx, timeout)
		defer cancel()
		users, ok, err := m.opts.Fetcher.ListUsers(ctx, roomID)
		m.post(func() { m.onRoster(instance, start, users, ok, err) })
	}()
}

// onRoster applies a snapshot only for the Session that requested it and
// only while a snapshot still makes sense for it
func (m *Manager) onRoster(instance string, start time.Time, users []protocol.RoomUser, ok bool, err error) {
	switch {
	case instance != m.instance, m.state != StateOpen && m.state != StateReconnecting:
		m.metrics.RosterFetchDone("stale", start)
	case err != nil:
		m.metrics.RosterFetchDone("error", start)
		m.logger.Warn("roster fetch failed", zap.Error(err))
		m.emit(Event{Kind: EventError, Err: err})
	case !ok:
		m.metrics.RosterFetchDone("ignored", start)
		m.logger.Debug("roster fetch returned no user list")
	default:
		m.metrics.RosterFetchDone("applied", start)
		m.roster.ReplaceSnapshot(users)
		m.rosterChanged()
	}
}

func (m *Manager) setState(s State) {
	if m.state == s {
		return
	}
	m.logger.Debug("state change",
		zap.Stringer("from", m.state),
		zap.Stringer("to", s))
	m.state = s
	m.metrics.SetState(s.String(), stateNames)
	m.emit(Event{Kind: EventState})
}

func (m *Manager) rosterChanged() {
	m.metrics.SetRosterSize(m.roster.Len())
	m.emit(Event{Kind: EventRoster})
}

// emit stamps ev with a fresh snapshot and publishes it
func (m *Manager) emit(ev Event) {
	if m.hub.empty() {
		return
	}
	ev.Snapshot = m.snapshot()
	m.hub.publish(ev)
}

func (m *Manager) snapshot() Snapshot {
	return Snapshot{
		Session:   m.session,
		State:     m.state,
		Attempt:   m.scheduler.Attempts(),
		Roster:    m.roster.Snapshot(),
		History:   m.log.Entries(),
		Exhausted: m.exhausted,
		LastError: m.lastErr,
	}
}
