// Package lobby runs the presence reconciler: one goroutine per room entry
// that owns the room snapshot and merges the event channel, the change feed
// and local intents into it.
package lobby

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/lobby-presence/internal/continuity"
	"github.com/DoyleJ11/lobby-presence/internal/dispatch"
	"github.com/DoyleJ11/lobby-presence/internal/engine"
	"github.com/DoyleJ11/lobby-presence/internal/grace"
	"github.com/DoyleJ11/lobby-presence/internal/handoff"
	"github.com/DoyleJ11/lobby-presence/internal/notify"
)

var ErrClosed = errors.New("lobby closed")
var ErrBusy = errors.New("room flow already in progress")
var ErrNothingToRetry = errors.New("nothing to retry")

// Transport is the event channel to the coordination server. The lobby owns
// it for its whole life and closes it on exit.
type Transport interface {
	Connect(ctx context.Context) error
	Connected() bool
	Send(cmd engine.Command) error
	Events() <-chan engine.Event
	States() <-chan engine.ConnState
	Close() error
}

// Feed is the read-only change feed over persisted room state.
type Feed interface {
	Subscribe(ctx context.Context, roomID string) (<-chan engine.Notification, error)
	Roster(ctx context.Context, roomID string) ([]engine.Player, error)
}

type Phase string

const (
	PhaseDisconnected Phase = "disconnected"
	PhaseConnecting   Phase = "connecting"
	PhaseJoining      Phase = "joining"
	PhaseInRoom       Phase = "in_room"
	PhaseLeaving      Phase = "leaving"
)

type Config struct {
	// ClientKey is the continuity store key of this room entry; empty
	// disables persistence.
	ClientKey        string
	GracePeriod      time.Duration
	GraceTick        time.Duration
	Heartbeat        time.Duration
	Debounce         time.Duration
	StartTimeout     time.Duration
	PrecedenceWindow time.Duration
	FeedRetry        time.Duration
	IOTimeout        time.Duration
	ReturnURL        string
	Now              func() time.Time
}

func (c *Config) defaults() {
	if c.GracePeriod <= 0 {
		c.GracePeriod = grace.DefaultPeriod
	}
	if c.GraceTick <= 0 {
		c.GraceTick = time.Second
	}
	if c.Heartbeat <= 0 {
		c.Heartbeat = 30 * time.Second
	}
	if c.PrecedenceWindow <= 0 {
		c.PrecedenceWindow = 2 * time.Second
	}
	if c.FeedRetry <= 0 {
		c.FeedRetry = 2 * time.Second
	}
	if c.IOTimeout <= 0 {
		c.IOTimeout = 5 * time.Second
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Deps are the collaborators of one lobby. Only Transport is required.
type Deps struct {
	Transport Transport
	Feed      Feed
	Store     continuity.Store
	Notifier  notify.Notifier
	Launcher  handoff.Launcher
	Logger    *zap.Logger
}

type Msg interface{ isLobbyMsg() }

// Enter starts the room flow: connect, then join with Identity.
type Enter struct {
	Identity continuity.Record
	Reply    chan error
}

func (Enter) isLobbyMsg() {}

// Intent is a user action for the command dispatcher.
type Intent struct {
	Cmd   engine.Command
	Reply chan error
}

func (Intent) isLobbyMsg() {}

type Leave struct{ Reply chan error }

func (Leave) isLobbyMsg() {}

// Unload is the page-unload path: leave best-effort, keep the continuity
// record for a later silent rejoin.
type Unload struct{}

func (Unload) isLobbyMsg() {}

type Retry struct{ Reply chan error }

func (Retry) isLobbyMsg() {}

type Subscribe struct {
	ID     string
	Outbox chan View
}

func (Subscribe) isLobbyMsg() {}

type Unsubscribe struct{ ID string }

func (Unsubscribe) isLobbyMsg() {}

type GetState struct {
	Reply chan View
}

func (GetState) isLobbyMsg() {}

type Shutdown struct{}

func (Shutdown) isLobbyMsg() {}

// internal messages posted by helper goroutines

type fromChannel struct{ ev engine.Event }

func (fromChannel) isLobbyMsg() {}

type channelState struct{ state engine.ConnState }

func (channelState) isLobbyMsg() {}

type connectDone struct{ err error }

func (connectDone) isLobbyMsg() {}

type fromFeed struct {
	gen int
	n   engine.Notification
}

func (fromFeed) isLobbyMsg() {}

type feedLost struct {
	gen int
	err error
}

func (feedLost) isLobbyMsg() {}

type feedResubscribe struct{ gen int }

func (feedResubscribe) isLobbyMsg() {}

type rosterLoaded struct {
	gen     int
	players []engine.Player
	err     error
}

func (rosterLoaded) isLobbyMsg() {}

type Lobby struct {
	cfg      Config
	t        Transport
	feed     Feed
	store    continuity.Store
	notifier notify.Notifier
	launcher handoff.Launcher
	log      *zap.Logger

	inbox  chan Msg
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// room state, owned by loop
	phase      Phase
	conn       engine.ConnState
	identity   continuity.Record
	snap       *engine.Snapshot
	frozen     bool
	handoffURL string
	version    int
	clients    map[string]chan View

	// ephemeral local state, never part of the snapshot
	dispatcher *dispatch.Dispatcher
	grace      *grace.Scheduler
	prec       *engine.Precedence
	feedGen    int
	feedCancel context.CancelFunc
	rosterGen  int

	graceTicker     *time.Ticker
	heartbeatTicker *time.Ticker
}

func New(parent context.Context, cfg Config, deps Deps) *Lobby {
	cfg.defaults()
	ctx, cancel := context.WithCancel(parent)
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	n := deps.Notifier
	if n == nil {
		n = notify.Func(func(notify.Notice) {})
	}

	l := &Lobby{
		cfg:        cfg,
		t:          deps.Transport,
		feed:       deps.Feed,
		store:      deps.Store,
		notifier:   n,
		launcher:   deps.Launcher,
		log:        log.With(zap.String("component", "lobby")),
		inbox:      make(chan Msg, 64),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		phase:      PhaseDisconnected,
		conn:       engine.ConnIdle,
		clients:    make(map[string]chan View),
		dispatcher: dispatch.New(cfg.Debounce, cfg.StartTimeout),
		grace:      grace.NewScheduler(cfg.GracePeriod),
		prec:       engine.NewPrecedence(cfg.PrecedenceWindow),
	}

	go l.forward()
	go l.loop()
	return l
}

// Inbox is the raw message surface. The typed helpers below are safer for
// callers that must not block once the lobby has exited.
func (l *Lobby) Inbox() chan<- Msg { return l.inbox }

// Done is closed when the lobby loop has exited.
func (l *Lobby) Done() <-chan struct{} { return l.done }

func (l *Lobby) Enter(ctx context.Context, id continuity.Record) error {
	reply := make(chan error, 1)
	return l.request(ctx, Enter{Identity: id, Reply: reply}, reply)
}

func (l *Lobby) Do(ctx context.Context, cmd engine.Command) error {
	reply := make(chan error, 1)
	return l.request(ctx, Intent{Cmd: cmd, Reply: reply}, reply)
}

func (l *Lobby) Leave(ctx context.Context) error {
	reply := make(chan error, 1)
	return l.request(ctx, Leave{Reply: reply}, reply)
}

// Unload leaves without clearing the continuity record. It does not wait for
// the lobby to exit.
func (l *Lobby) Unload(ctx context.Context) error {
	return l.post(ctx, Unload{})
}

func (l *Lobby) Retry(ctx context.Context) error {
	reply := make(chan error, 1)
	return l.request(ctx, Retry{Reply: reply}, reply)
}

func (l *Lobby) State(ctx context.Context) (View, error) {
	reply := make(chan View, 1)
	if err := l.post(ctx, GetState{Reply: reply}); err != nil {
		return View{}, err
	}
	select {
	case v := <-reply:
		return v, nil
	case <-l.done:
		select {
		case v := <-reply:
			return v, nil
		default:
			return View{}, ErrClosed
		}
	case <-ctx.Done():
		return View{}, ctx.Err()
	}
}

// Watch registers a subscriber. The current view is delivered first; the
// channel is closed when the subscriber falls behind or the lobby exits.
func (l *Lobby) Watch(ctx context.Context, id string, buf int) (<-chan View, error) {
	if buf < 1 {
		buf = 1
	}
	out := make(chan View, buf)
	if err := l.post(ctx, Subscribe{ID: id, Outbox: out}); err != nil {
		return nil, err
	}
	return out, nil
}

func (l *Lobby) Unwatch(id string) {
	_ = l.post(context.Background(), Unsubscribe{ID: id})
}

func (l *Lobby) request(ctx context.Context, m Msg, reply chan error) error {
	if err := l.post(ctx, m); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-l.done:
		// the final request is answered right before the loop exits
		select {
		case err := <-reply:
			return err
		default:
			return ErrClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Lobby) post(ctx context.Context, m Msg) error {
	select {
	case l.inbox <- m:
		return nil
	case <-l.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// postAsync is used by helper goroutines; it gives up once the lobby exits.
func (l *Lobby) postAsync(m Msg) {
	select {
	case l.inbox <- m:
	case <-l.ctx.Done():
	}
}

// forward moves transport events and state changes into the inbox so that
// every mutation happens on the loop goroutine.
func (l *Lobby) forward() {
	events, states := l.t.Events(), l.t.States()
	for {
		select {
		case <-l.ctx.Done():
			return
		case ev := <-events:
			l.postAsync(fromChannel{ev: ev})
		case s := <-states:
			l.postAsync(channelState{state: s})
		}
	}
}

func (l *Lobby) loop() {
	defer close(l.done)
	for {
		var graceC, heartbeatC <-chan time.Time
		if l.graceTicker != nil {
			graceC = l.graceTicker.C
		}
		if l.heartbeatTicker != nil {
			heartbeatC = l.heartbeatTicker.C
		}

		select {
		case <-l.ctx.Done():
			l.shutdown()
			return

		case <-graceC:
			l.onGraceTick()

		case <-heartbeatC:
			l.onHeartbeat()

		case m := <-l.inbox:
			if exit := l.handle(m); exit {
				return
			}
		}
	}
}

// handle processes one message and reports whether the loop must exit.
func (l *Lobby) handle(m Msg) bool {
	switch msg := m.(type) {
	case Enter:
		msg.Reply <- l.enter(msg.Identity)

	case Intent:
		msg.Reply <- l.intent(msg.Cmd)

	case Leave:
		if l.identity.RoomCode == "" {
			msg.Reply <- dispatch.ErrNotInRoom
			return false
		}
		l.leave(true)
		msg.Reply <- nil
		return true

	case Unload:
		l.leave(false)
		return true

	case Retry:
		msg.Reply <- l.retry()

	case Subscribe:
		l.clients[msg.ID] = msg.Outbox
		select {
		case msg.Outbox <- l.view():
		default:
		}

	case Unsubscribe:
		if ch, ok := l.clients[msg.ID]; ok {
			close(ch)
			delete(l.clients, msg.ID)
		}

	case GetState:
		msg.Reply <- l.view()

	case Shutdown:
		l.shutdown()
		return true

	case fromChannel:
		return l.onEvent(msg.ev)

	case channelState:
		l.onChannelState(msg.state)

	case connectDone:
		l.onConnectDone(msg.err)

	case fromFeed:
		l.onFeed(msg)

	case feedLost:
		l.onFeedLost(msg)

	case feedResubscribe:
		if msg.gen == l.feedGen && l.inRoom() {
			l.subscribeFeed()
			l.requestRoster()
		}

	case rosterLoaded:
		l.onRoster(msg)
	}
	return false
}

func (l *Lobby) inRoom() bool {
	return l.phase == PhaseInRoom && l.snap != nil && !l.frozen
}

func (l *Lobby) shutdown() {
	l.finish(false)
}

func (l *Lobby) broadcast() {
	l.version++
	v := l.view()
	for id, ch := range l.clients {
		select {
		case ch <- v:
		default:
			// slow subscriber
			close(ch)
			delete(l.clients, id)
		}
	}
}

func (l *Lobby) notice(kind notify.Kind, level notify.Level, msg string, persistent bool) {
	l.notifier.Notify(notify.Notice{
		RoomCode:   l.identity.RoomCode,
		Kind:       kind,
		Level:      level,
		Message:    msg,
		Persistent: persistent,
		At:         l.cfg.Now(),
	})
}
