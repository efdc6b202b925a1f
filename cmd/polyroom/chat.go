package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/amoylab/polyroom/internal/common/config"
	"github.com/amoylab/polyroom/internal/history"
	"github.com/amoylab/polyroom/internal/i18n"
	"github.com/amoylab/polyroom/internal/protocol"
	"github.com/amoylab/polyroom/internal/roomapi"
	"github.com/amoylab/polyroom/internal/session"
	"github.com/amoylab/polyroom/internal/statusserver"
	"github.com/amoylab/polyroom/internal/transport"
	"github.com/amoylab/polyroom/pkg/logger"
	"github.com/amoylab/polyroom/pkg/metrics"
	"github.com/amoylab/polyroom/pkg/trace"
	"go.uber.org/zap"
)

const (
	replayEntries   = 20
	shutdownTimeout = 5 * time.Second
)

type chatOptions struct {
	speak bool
}

// chatApp wires a session manager to a line-oriented terminal
type chatApp struct {
	cfg     *config.ClientConfig
	logger  *zap.Logger
	tr      *i18n.I18n
	mgr     *session.Manager
	session session.Session

	outMu sync.Mutex
	out   io.Writer
}

func runChat(ctx context.Context, cfg *config.ClientConfig, in io.Reader, out io.Writer, opts chatOptions) error {
	s := session.Session{
		RoomID:        cfg.Session.Room,
		ParticipantID: cfg.Session.Participant,
		Language:      cfg.Session.Language,
	}
	if err := s.Validate(); err != nil {
		return err
	}

	lg, err := logger.NewLogger(&cfg.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = lg.Sync() }()

	shutdownTracing, err := trace.InitTracing(ctx, &cfg.Tracing, lg)
	if err != nil {
		lg.Warn("tracing disabled", zap.Error(err))
		shutdownTracing = func(context.Context) error { return nil }
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = shutdownTracing(sctx)
	}()

	tr, err := i18n.New(cfg.I18n.Default)
	if err != nil {
		return err
	}
	if cfg.I18n.Dir != "" {
		if err := tr.LoadTranslations(cfg.I18n.Dir); err != nil {
			return err
		}
	}

	sink, err := history.NewSink(ctx, lg, &cfg.History)
	if err != nil {
		return fmt.Errorf("failed to initialize history sink: %w", err)
	}
	defer func() { _ = sink.Close() }()

	dialer, err := transport.NewDialer(lg, cfg.Server)
	if err != nil {
		return err
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New(cfg.Metrics)
	}

	app := &chatApp{cfg: cfg, logger: lg, tr: tr, session: s, out: out}
	app.replay(ctx, sink)

	mgrOpts := session.Options{
		Dialer:       dialerFor(dialer),
		Fetcher:      roomapi.New(cfg.Server.HTTPURL, cfg.Server.FetchTimeout),
		HistorySink:  sink,
		MaxAttempts:  cfg.Reconnect.MaxAttempts,
		BaseInterval: cfg.Reconnect.BaseInterval,
		FetchTimeout: cfg.Server.FetchTimeout,
		Logger:       lg,
		Metrics:      m,
	}
	if opts.speak {
		mgrOpts.Speech = app.speak
	}
	app.mgr = session.New(mgrOpts)
	defer app.mgr.Close()

	if cfg.Metrics.Enabled && cfg.Metrics.Addr != "" {
		status := statusserver.New(lg, cfg.Metrics.Addr, app.mgr, m)
		status.Start()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = status.Shutdown(sctx)
		}()
	}

	events, cancel := app.mgr.Observe()
	printed := make(chan struct{})
	go func() {
		defer close(printed)
		app.printEvents(events)
	}()
	defer func() {
		app.mgr.Close()
		cancel()
		<-printed
	}()

	if err := app.mgr.Connect(ctx, s); err != nil {
		return err
	}
	app.waitOpen(ctx, cfg.Server.HandshakeTimeout)
	return app.readCommands(ctx, in)
}

func dialerFor(d *transport.Dialer) session.Dialer {
	return session.DialerFunc(func(ctx context.Context, roomID string) (session.Conn, error) {
		conn, err := d.Dial(ctx, roomID)
		if err != nil {
			return nil, err
		}
		return conn, nil
	})
}

// replay prints the tail of a previous run's history kept by the sink
func (a *chatApp) replay(ctx context.Context, sink history.Sink) {
	entries, err := sink.List(ctx, a.session.Key(), replayEntries)
	if err != nil {
		a.logger.Warn("failed to read stored history", zap.Error(err))
		return
	}
	for _, e := range entries {
		a.printEntry(e)
	}
}

// waitOpen holds the prompt until the first connection attempt settles
func (a *chatApp) waitOpen(ctx context.Context, timeout time.Duration) {
	events, cancel := a.mgr.Observe()
	defer cancel()
	if a.mgr.Snapshot().State == session.StateOpen {
		return
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Snapshot.State {
			case session.StateOpen, session.StateClosed, session.StateReconnecting:
				return
			}
		case <-deadline.C:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (a *chatApp) readCommands(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := a.handleLine(ctx, strings.TrimSpace(line)); quit {
				return nil
			}
		}
	}
}

// handleLine runs one command or sends the line as chat; it reports whether to quit
func (a *chatApp) handleLine(ctx context.Context, line string) bool {
	switch {
	case line == "":
	case line == "/quit":
		a.mgr.Disconnect()
		return true
	case line == "/users":
		a.printRoster(a.mgr.Snapshot().Roster)
	case line == "/connect":
		if err := a.mgr.Connect(ctx, a.session); err != nil {
			a.println(err.Error())
		}
	case line == "/disconnect":
		a.mgr.Disconnect()
	case strings.HasPrefix(line, "/typing"):
		arg := strings.TrimSpace(strings.TrimPrefix(line, "/typing"))
		if !a.mgr.SendTyping(arg != "off") {
			a.notice(i18n.MsgSendFailed, nil)
		}
	default:
		if !a.mgr.Send(line) {
			a.notice(i18n.MsgSendFailed, nil)
		}
	}
	return false
}

func (a *chatApp) printEvents(events <-chan session.Event) {
	for ev := range events {
		switch ev.Kind {
		case session.EventState:
			a.printState(ev.Snapshot)
		case session.EventHistory:
			// server errors are rendered from their EventError
			if ev.Entry != nil && !(ev.Entry.Kind == history.KindSystem && ev.Entry.ParticipantID == "") {
				a.printEntry(*ev.Entry)
			}
		case session.EventError:
			if ev.Err != nil {
				a.notice(i18n.MsgServerError, map[string]any{"Message": ev.Err.Error()})
			}
		case session.EventTyping:
			if ev.Typing != nil && ev.Typing.IsTyping && ev.Typing.ParticipantID != a.session.ParticipantID {
				a.notice(i18n.MsgTyping, map[string]any{"User": ev.Typing.ParticipantID})
			}
		case session.EventExhausted:
			a.notice(i18n.MsgGaveUp, map[string]any{"Max": a.cfg.Reconnect.MaxAttempts})
		}
	}
}

func (a *chatApp) printState(snap session.Snapshot) {
	s := snap.Session
	switch snap.State {
	case session.StateConnecting:
		a.notice(i18n.MsgConnecting, map[string]any{"Room": s.RoomID})
	case session.StateOpen:
		a.notice(i18n.MsgConnected, map[string]any{"Room": s.RoomID, "User": s.ParticipantID, "Language": s.Language})
	case session.StateReconnecting:
		a.notice(i18n.MsgReconnecting, map[string]any{"Attempt": snap.Attempt, "Max": a.cfg.Reconnect.MaxAttempts})
	case session.StateClosed:
		if !snap.Exhausted {
			a.notice(i18n.MsgDisconnected, nil)
		}
	}
}

func (a *chatApp) printEntry(e history.Entry) {
	if e.Kind == history.KindSystem {
		a.println("* " + e.Content)
		return
	}
	line := fmt.Sprintf("[%s] %s (%s): %s", e.Timestamp.Local().Format(time.TimeOnly), e.ParticipantID, e.Language, e.Content)
	if !e.IsOriginal && e.OriginalContent != "" && e.OriginalContent != e.Content {
		line += fmt.Sprintf("  <%s>", e.OriginalContent)
	}
	a.println(line)
}

func (a *chatApp) printRoster(users []protocol.RoomUser) {
	names := make([]string, len(users))
	for i, u := range users {
		names[i] = fmt.Sprintf("%s (%s)", u.ParticipantID, u.Language)
	}
	a.notice(i18n.MsgRoster, map[string]any{"Count": len(users), "Users": strings.Join(names, ", ")})
}

// speak stands in for a speech backend: it prints what would be read out
func (a *chatApp) speak(_ context.Context, u session.Utterance) {
	a.println(fmt.Sprintf("(%s) %s", u.Locale, u.Text))
}

func (a *chatApp) notice(msgID string, data map[string]any) {
	a.println("-- " + a.tr.Translate(msgID, a.session.Language, data))
}

func (a *chatApp) println(line string) {
	a.outMu.Lock()
	defer a.outMu.Unlock()
	fmt.Fprintln(a.out, line)
}
