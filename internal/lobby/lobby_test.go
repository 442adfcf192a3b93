package lobby

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DoyleJ11/lobby-presence/internal/continuity"
	"github.com/DoyleJ11/lobby-presence/internal/dispatch"
	"github.com/DoyleJ11/lobby-presence/internal/engine"
	"github.com/DoyleJ11/lobby-presence/internal/handoff"
	"github.com/DoyleJ11/lobby-presence/internal/notify"
)

const (
	waitFor = time.Second
	tick    = 5 * time.Millisecond
)

var errNotConnected = errors.New("not connected")

type fakeTransport struct {
	mu        sync.Mutex
	failDials int
	connected bool
	sent      []engine.Command
	closed    int
	events    chan engine.Event
	states    chan engine.ConnState
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		events: make(chan engine.Event, 64),
		states: make(chan engine.ConnState, 64),
	}
}

func (f *fakeTransport) Connect(context.Context) error {
	f.mu.Lock()
	if f.failDials > 0 {
		f.failDials--
		f.mu.Unlock()
		return errNotConnected
	}
	already := f.connected
	f.connected = true
	f.mu.Unlock()
	if !already {
		f.states <- engine.ConnConnected
	}
	return nil
}

func (f *fakeTransport) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) Send(cmd engine.Command) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return errNotConnected
	}
	f.sent = append(f.sent, cmd)
	return nil
}

func (f *fakeTransport) Events() <-chan engine.Event     { return f.events }
func (f *fakeTransport) States() <-chan engine.ConnState { return f.states }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	f.closed++
	return nil
}

func (f *fakeTransport) count(typ engine.CommandType) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.sent {
		if c.Type == typ {
			n++
		}
	}
	return n
}

func (f *fakeTransport) last(typ engine.CommandType) (engine.Command, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.sent) - 1; i >= 0; i-- {
		if f.sent[i].Type == typ {
			return f.sent[i], true
		}
	}
	return engine.Command{}, false
}

func (f *fakeTransport) closedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeNotifier struct {
	mu      sync.Mutex
	notices []notify.Notice
}

func (n *fakeNotifier) Notify(x notify.Notice) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, x)
}

func (n *fakeNotifier) find(kind notify.Kind) (notify.Notice, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, x := range n.notices {
		if x.Kind == kind {
			return x, true
		}
	}
	return notify.Notice{}, false
}

type fakeFeed struct {
	mu          sync.Mutex
	ch          chan engine.Notification
	roster      []engine.Player
	rosterCalls int
	subscribed  chan string
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{ch: make(chan engine.Notification, 16), subscribed: make(chan string, 8)}
}

func (f *fakeFeed) Subscribe(_ context.Context, roomID string) (<-chan engine.Notification, error) {
	f.subscribed <- roomID
	return f.ch, nil
}

func (f *fakeFeed) Roster(context.Context, string) ([]engine.Player, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rosterCalls++
	return append([]engine.Player(nil), f.roster...), nil
}

type fakeLauncher struct {
	mu     sync.Mutex
	params []handoff.Params
}

func (f *fakeLauncher) Launch(_ context.Context, p handoff.Params) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.params = append(f.params, p)
	return "https://games.example/" + p.GameID + "?sig=ok", nil
}

type harness struct {
	l     *Lobby
	t     *fakeTransport
	n     *fakeNotifier
	store *continuity.Memory
	feed  *fakeFeed
	hand  *fakeLauncher
}

func player(id, name string, host bool) engine.Player {
	return engine.Player{ID: id, Name: name, IsHost: host, IsConnected: true, Location: engine.LocationLobby}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	h := &harness{
		t:     newFakeTransport(),
		n:     &fakeNotifier{},
		store: continuity.NewMemory(),
		feed:  newFakeFeed(),
		hand:  &fakeLauncher{},
	}
	h.l = New(ctx, Config{ClientKey: "client-1", ReturnURL: "https://hub.example/lobby"}, Deps{
		Transport: h.t,
		Feed:      h.feed,
		Store:     h.store,
		Notifier:  h.n,
		Launcher:  h.hand,
	})
	return h
}

// join enters the room as Ana and acknowledges with the given roster; self
// is always p1.
func (h *harness) join(t *testing.T, players ...engine.Player) {
	t.Helper()
	require.NoError(t, h.l.Enter(context.Background(), continuity.Record{RoomCode: "4aj-5xq", IdentityName: "Ana"}))
	require.Eventually(t, func() bool { return h.t.count(engine.CmdJoin) == 1 }, waitFor, tick)

	h.t.events <- engine.Event{
		Type:     engine.EvtJoined,
		RoomID:   "room-1",
		RoomCode: "4AJ5XQ",
		Status:   engine.StatusWaitingForPlayers,
		SelfID:   "p1",
		Players:  players,
	}
	h.waitView(t, func(v View) bool { return v.Phase == PhaseInRoom })
}

func (h *harness) waitView(t *testing.T, cond func(View) bool) View {
	t.Helper()
	var last View
	require.Eventually(t, func() bool {
		v, err := h.l.State(context.Background())
		if err != nil {
			return false
		}
		last = v
		return cond(v)
	}, waitFor, tick)
	return last
}

func (h *harness) waitDone(t *testing.T) {
	t.Helper()
	select {
	case <-h.l.Done():
	case <-time.After(waitFor):
		t.Fatalf("lobby did not exit")
	}
}

func TestLobby_SoloJoinIsHostAndWaiting(t *testing.T) {
	h := newHarness(t)
	h.join(t, player("p1", "Ana", true))

	join, ok := h.t.last(engine.CmdJoin)
	require.True(t, ok)
	assert.Equal(t, "4AJ5XQ", join.RoomCode, "room code is normalized before submission")
	assert.Equal(t, "Ana", join.PlayerName)

	v, err := h.l.State(context.Background())
	require.NoError(t, err)
	require.True(t, v.InRoom)
	require.Len(t, v.Room.Players, 1)
	assert.True(t, v.Room.Players[0].IsHost)
	assert.Equal(t, engine.StatusWaitingForPlayers, v.Room.Status)
	assert.Equal(t, "p1", v.Room.SelfPlayerID)

	rec, ok, err := h.store.Load(context.Background(), "client-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "4AJ5XQ", rec.RoomCode)
	assert.Equal(t, "Ana", rec.IdentityName)

	select {
	case roomID := <-h.feed.subscribed:
		assert.Equal(t, "room-1", roomID)
	case <-time.After(waitFor):
		t.Fatal("change feed not subscribed")
	}
}

func TestLobby_EnterTwiceIsDebounced(t *testing.T) {
	h := newHarness(t)
	id := continuity.Record{RoomCode: "4AJ5XQ", IdentityName: "Ana"}
	require.NoError(t, h.l.Enter(context.Background(), id))
	assert.ErrorIs(t, h.l.Enter(context.Background(), id), dispatch.ErrDebounced)
}

func TestLobby_GameSelectedKeepsStatus(t *testing.T) {
	h := newHarness(t)
	h.join(t, player("p1", "Ana", true), player("p2", "Bo", false))

	h.t.events <- engine.Event{Type: engine.EvtGameSelected, GameID: "bingo"}
	v := h.waitView(t, func(v View) bool { return v.Room.SelectedGame == "bingo" })
	assert.Equal(t, engine.StatusWaitingForPlayers, v.Room.Status)
}

func TestLobby_HostDisconnectThenTransfer(t *testing.T) {
	h := newHarness(t)
	h.join(t, player("p1", "Ana", false), player("p2", "Bo", true))

	h.t.events <- engine.Event{Type: engine.EvtPlayerDisconnected, PlayerID: "p2"}
	v := h.waitView(t, func(v View) bool { return !v.Room.Players[1].IsConnected })
	assert.Equal(t, 10, v.Room.Players[1].GraceRemainingSeconds)
	assert.Equal(t, engine.LocationDisconnected, v.Room.Players[1].Location)

	h.t.events <- engine.Event{Type: engine.EvtHostTransferred, OldHostID: "p2", NewHostID: "p1"}
	v = h.waitView(t, func(v View) bool { return v.Room.Players[0].IsHost })
	assert.False(t, v.Room.Players[1].IsHost)
	assert.Equal(t, []string{"p1", "p2"}, []string{v.Room.Players[0].ID, v.Room.Players[1].ID})

	n, ok := h.n.find(notify.KindHostChanged)
	require.True(t, ok)
	assert.Equal(t, "Ana is now the host", n.Message)
	assert.Equal(t, "4AJ5XQ", n.RoomCode)
}

func TestLobby_KickOtherRemovesAndNotifies(t *testing.T) {
	h := newHarness(t)
	h.join(t, player("p1", "Ana", true), player("p2", "Bo", false), player("p3", "Cy", false))

	h.t.events <- engine.Event{Type: engine.EvtKicked, PlayerID: "p2", KickedBy: "Ana"}
	v := h.waitView(t, func(v View) bool { return len(v.Room.Players) == 2 })
	assert.Equal(t, "p3", v.Room.Players[1].ID)

	n, ok := h.n.find(notify.KindPlayerKick)
	require.True(t, ok)
	assert.Equal(t, "Bo was kicked by Ana", n.Message)
}

func TestLobby_SelfKickedTearsDown(t *testing.T) {
	h := newHarness(t)
	h.join(t, player("p1", "Ana", false), player("p2", "Bo", true))

	h.t.events <- engine.Event{Type: engine.EvtKicked, PlayerID: "p1", KickedBy: "Bo"}
	h.waitDone(t)

	n, ok := h.n.find(notify.KindKicked)
	require.True(t, ok)
	assert.Equal(t, "You were kicked from the room by Bo", n.Message)
	_, generic := h.n.find(notify.KindExit)
	assert.False(t, generic, "a kick is announced once")

	_, found, err := h.store.Load(context.Background(), "client-1")
	require.NoError(t, err)
	assert.False(t, found, "kick forgets the continuity record")
	assert.GreaterOrEqual(t, h.t.closedCount(), 1)
}

func TestLobby_GameStartedHandsOff(t *testing.T) {
	h := newHarness(t)
	h.join(t, player("p1", "Ana", true), player("p2", "Bo", false))
	views, err := h.l.Watch(context.Background(), "render", 64)
	require.NoError(t, err)

	h.t.events <- engine.Event{Type: engine.EvtGameSelected, GameID: "bingo"}
	h.t.events <- engine.Event{Type: engine.EvtGameStarted}
	h.t.events <- engine.Event{Type: engine.EvtPlayerLeft, PlayerID: "p2"}
	h.waitDone(t)

	h.hand.mu.Lock()
	require.Len(t, h.hand.params, 1)
	p := h.hand.params[0]
	h.hand.mu.Unlock()
	assert.Equal(t, handoff.Params{
		RoomCode:   "4AJ5XQ",
		PlayerID:   "p1",
		PlayerName: "Ana",
		IsHost:     true,
		GameID:     "bingo",
		ReturnURL:  "https://hub.example/lobby",
	}, p)
	assert.GreaterOrEqual(t, h.t.closedCount(), 1)

	var final View
	for v := range views {
		final = v
	}
	assert.Equal(t, "https://games.example/bingo?sig=ok", final.HandoffURL)
	assert.False(t, final.InRoom)

	_, found, err := h.store.Load(context.Background(), "client-1")
	require.NoError(t, err)
	assert.True(t, found, "handoff keeps the continuity record for the return trip")
}

func TestLobby_GraceCancelledByRejoin(t *testing.T) {
	h := newHarness(t)
	h.join(t, player("p1", "Ana", true), player("p2", "Bo", false))

	h.t.events <- engine.Event{Type: engine.EvtPlayerDisconnected, PlayerID: "p2"}
	h.waitView(t, func(v View) bool { return v.Room.Players[1].GraceRemainingSeconds > 0 })

	h.t.events <- engine.Event{Type: engine.EvtPlayerJoined, Player: player("p2", "Bo", false)}
	v := h.waitView(t, func(v View) bool { return v.Room.Players[1].IsConnected })
	assert.Zero(t, v.Room.Players[1].GraceRemainingSeconds)
	assert.Nil(t, v.Public().Players[1].GraceRemainingSeconds)
	assert.Len(t, v.Room.Players, 2)
}

func TestLobby_GraceExpiresWithoutRemoval(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ft := newFakeTransport()
	l := New(ctx, Config{GracePeriod: 30 * time.Millisecond, GraceTick: 10 * time.Millisecond}, Deps{Transport: ft})
	h := &harness{l: l, t: ft, n: &fakeNotifier{}}
	h.join(t, player("p1", "Ana", true), player("p2", "Bo", false))

	ft.events <- engine.Event{Type: engine.EvtPlayerDisconnected, PlayerID: "p2"}
	h.waitView(t, func(v View) bool { return !v.Room.Players[1].IsConnected })
	v := h.waitView(t, func(v View) bool { return v.Room.Players[1].GraceRemainingSeconds == 0 })
	assert.Len(t, v.Room.Players, 2, "expiry never removes the player")
}

func TestLobby_TerminalJoinErrorExits(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.Save(context.Background(), "client-1", continuity.Record{RoomCode: "4AJ5XQ", IdentityName: "Ana"}))
	require.NoError(t, h.l.Enter(context.Background(), continuity.Record{RoomCode: "4AJ5XQ", IdentityName: "Ana"}))
	require.Eventually(t, func() bool { return h.t.count(engine.CmdJoin) == 1 }, waitFor, tick)

	h.t.events <- engine.Event{Type: engine.EvtError, Code: engine.CodeRoomFull}
	h.waitDone(t)

	n, ok := h.n.find(notify.KindExit)
	require.True(t, ok)
	assert.Equal(t, "This room is full", n.Message)
	_, found, err := h.store.Load(context.Background(), "client-1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestLobby_NonFatalErrorStays(t *testing.T) {
	h := newHarness(t)
	h.join(t, player("p1", "Ana", true), player("p2", "Bo", false))

	h.t.events <- engine.Event{Type: engine.EvtError, Code: engine.CodeKickFailed}
	require.Eventually(t, func() bool {
		_, ok := h.n.find(notify.KindError)
		return ok
	}, waitFor, tick)

	v, err := h.l.State(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PhaseInRoom, v.Phase)
	assert.Len(t, v.Room.Players, 2)
}

func TestLobby_NotInRoomRejoinsSilently(t *testing.T) {
	h := newHarness(t)
	h.join(t, player("p1", "Ana", true))

	h.t.events <- engine.Event{Type: engine.EvtError, Code: engine.CodeNotInRoom}
	require.Eventually(t, func() bool { return h.t.count(engine.CmdJoin) == 2 }, waitFor, tick)

	join, _ := h.t.last(engine.CmdJoin)
	assert.Equal(t, "4AJ5XQ", join.RoomCode)
	assert.Equal(t, "Ana", join.PlayerName)
	_, surfaced := h.n.find(notify.KindError)
	assert.False(t, surfaced)

	h.t.events <- engine.Event{Type: engine.EvtJoined, RoomID: "room-1", RoomCode: "4AJ5XQ", SelfID: "p1", Players: []engine.Player{player("p1", "Ana", true)}}
	h.waitView(t, func(v View) bool { return v.Phase == PhaseInRoom })
}

func TestLobby_ReconnectRejoins(t *testing.T) {
	h := newHarness(t)
	h.join(t, player("p1", "Ana", true))

	h.t.states <- engine.ConnReconnecting
	h.t.states <- engine.ConnConnected
	require.Eventually(t, func() bool { return h.t.count(engine.CmdJoin) == 2 }, waitFor, tick)

	n, ok := h.n.find(notify.KindConnection)
	require.True(t, ok)
	assert.True(t, n.Persistent)
}

func TestLobby_LeaveClearsStoreAndCloses(t *testing.T) {
	h := newHarness(t)
	h.join(t, player("p1", "Ana", true), player("p2", "Bo", false))

	require.NoError(t, h.l.Leave(context.Background()))
	h.waitDone(t)

	assert.Equal(t, 1, h.t.count(engine.CmdLeave))
	assert.GreaterOrEqual(t, h.t.closedCount(), 1)
	_, found, err := h.store.Load(context.Background(), "client-1")
	require.NoError(t, err)
	assert.False(t, found)

	_, err = h.l.State(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestLobby_UnloadKeepsStore(t *testing.T) {
	h := newHarness(t)
	h.join(t, player("p1", "Ana", true))

	h.l.Inbox() <- Unload{}
	h.waitDone(t)

	assert.Equal(t, 1, h.t.count(engine.CmdLeave))
	_, found, err := h.store.Load(context.Background(), "client-1")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestLobby_HostAutoStatus(t *testing.T) {
	h := newHarness(t)
	h.join(t, player("p1", "Ana", true), player("p2", "Bo", false))

	h.t.events <- engine.Event{Type: engine.EvtPlayerStatus, PlayerID: "p1", Location: engine.LocationGame, Connected: true}
	require.Eventually(t, func() bool { return h.t.count(engine.CmdUpdateStatus) == 1 }, waitFor, tick)

	cmd, _ := h.t.last(engine.CmdUpdateStatus)
	assert.Equal(t, engine.StatusInGame, cmd.Status)

	v, err := h.l.State(context.Background())
	require.NoError(t, err)
	assert.Equal(t, engine.StatusWaitingForPlayers, v.Room.Status, "status only changes on a server event")

	// a non-host moving does not trigger a proposal
	h.t.events <- engine.Event{Type: engine.EvtPlayerStatus, PlayerID: "p2", Location: engine.LocationGame, Connected: true}
	h.waitView(t, func(v View) bool { return v.Room.Players[1].Location == engine.LocationGame })
	assert.Equal(t, 1, h.t.count(engine.CmdUpdateStatus))
}

func TestLobby_DispatcherGuards(t *testing.T) {
	h := newHarness(t)
	h.join(t, player("p1", "Ana", false), player("p2", "Bo", true))
	ctx := context.Background()

	err := h.l.Do(ctx, engine.Command{Type: engine.CmdSelectGame, GameID: "bingo"})
	assert.ErrorIs(t, err, dispatch.ErrNotHost)
	assert.Zero(t, h.t.count(engine.CmdSelectGame), "rejected locally without a network call")
	n, ok := h.n.find(notify.KindWarning)
	require.True(t, ok)
	assert.Equal(t, notify.LevelWarn, n.Level)

	h.t.events <- engine.Event{Type: engine.EvtHostTransferred, OldHostID: "p2", NewHostID: "p1"}
	h.waitView(t, func(v View) bool { return v.Room.Players[0].IsHost })

	require.NoError(t, h.l.Do(ctx, engine.Command{Type: engine.CmdSelectGame, GameID: "bingo"}))
	assert.ErrorIs(t, h.l.Do(ctx, engine.Command{Type: engine.CmdSelectGame, GameID: "trivia"}), dispatch.ErrDebounced)

	require.NoError(t, h.l.Do(ctx, engine.Command{Type: engine.CmdStartGame}))
	assert.ErrorIs(t, h.l.Do(ctx, engine.Command{Type: engine.CmdStartGame}), dispatch.ErrStartInFlight)
	assert.Equal(t, 1, h.t.count(engine.CmdStartGame))

	v, err := h.l.State(ctx)
	require.NoError(t, err)
	assert.True(t, v.Starting)
}

func TestLobby_FeedUnknownPlayerTriggersResync(t *testing.T) {
	h := newHarness(t)
	h.join(t, player("p1", "Ana", true), player("p2", "Bo", false))
	<-h.feed.subscribed

	h.feed.mu.Lock()
	h.feed.roster = []engine.Player{player("p1", "Ana", true), player("p2", "Bo", false), player("p3", "Cy", false)}
	h.feed.mu.Unlock()

	h.feed.ch <- engine.Notification{
		Table:  engine.TableMembers,
		Op:     engine.OpInsert,
		RoomID: "room-1",
		Member: engine.MemberRow{PlayerID: "p3", Name: "Cy", IsConnected: true, Location: engine.LocationLobby},
	}
	v := h.waitView(t, func(v View) bool { return len(v.Room.Players) == 3 })
	assert.Equal(t, "p3", v.Room.Players[2].ID)
	assert.Equal(t, "p1", v.Room.SelfPlayerID)
	assert.True(t, v.Room.Players[0].IsHost)
}

func TestLobby_FeedYieldsToRecentEvent(t *testing.T) {
	h := newHarness(t)
	h.join(t, player("p1", "Ana", true), player("p2", "Bo", false))
	<-h.feed.subscribed

	h.t.events <- engine.Event{Type: engine.EvtPlayerDisconnected, PlayerID: "p2"}
	h.waitView(t, func(v View) bool { return !v.Room.Players[1].IsConnected })

	// stale row written before the disconnect
	h.feed.ch <- engine.Notification{
		Table:  engine.TableMembers,
		Op:     engine.OpUpdate,
		RoomID: "room-1",
		Member: engine.MemberRow{PlayerID: "p2", Name: "Bo", IsConnected: true, Location: engine.LocationLobby},
	}
	h.feed.ch <- engine.Notification{
		Table:  engine.TableMembers,
		Op:     engine.OpInsert,
		RoomID: "room-1",
		Member: engine.MemberRow{PlayerID: "p9", Name: "Zed", IsConnected: true},
	}
	require.Eventually(t, func() bool {
		h.feed.mu.Lock()
		defer h.feed.mu.Unlock()
		return h.feed.rosterCalls == 1
	}, waitFor, tick)

	v, err := h.l.State(context.Background())
	require.NoError(t, err)
	assert.False(t, v.Room.Players[1].IsConnected)
	assert.Equal(t, engine.LocationDisconnected, v.Room.Players[1].Location)
}

func TestLobby_DropSlowSubscriber(t *testing.T) {
	h := newHarness(t)
	h.join(t, player("p1", "Ana", true))

	out, err := h.l.Watch(context.Background(), "slow", 1)
	require.NoError(t, err)

	h.t.events <- engine.Event{Type: engine.EvtGameSelected, GameID: "bingo"}
	h.waitView(t, func(v View) bool { return v.NumClients == 0 })

	<-out // initial view
	_, open := <-out
	assert.False(t, open)
}

func TestLobby_RefusedRejoinKeepsRoom(t *testing.T) {
	h := newHarness(t)
	h.join(t, player("p1", "Ana", true), player("p2", "Bo", false))
	ctx := context.Background()

	h.t.events <- engine.Event{Type: engine.EvtError, Code: engine.CodeNotInRoom}
	require.Eventually(t, func() bool { return h.t.count(engine.CmdJoin) == 2 }, waitFor, tick)

	h.t.events <- engine.Event{Type: engine.EvtError, Code: engine.CodeRoomNotAccepting}
	require.Eventually(t, func() bool {
		_, ok := h.n.find(notify.KindError)
		return ok
	}, waitFor, tick)
	v := h.waitView(t, func(v View) bool { return v.Phase == PhaseInRoom })
	assert.Len(t, v.Room.Players, 2)

	require.NoError(t, h.l.Do(ctx, engine.Command{Type: engine.CmdSelectGame, GameID: "bingo"}))
	assert.Equal(t, 1, h.t.count(engine.CmdSelectGame))

	h.t.events <- engine.Event{Type: engine.EvtPlayerLeft, PlayerID: "p2"}
	h.waitView(t, func(v View) bool { return len(v.Room.Players) == 1 })

	require.NoError(t, h.l.Retry(ctx))
	require.Eventually(t, func() bool { return h.t.count(engine.CmdJoin) == 3 }, waitFor, tick)
	assert.ErrorIs(t, h.l.Retry(ctx), ErrBusy, "a join is already in flight")
}

func TestLobby_JoinedRosterOutranksLaggingFeed(t *testing.T) {
	h := newHarness(t)
	h.join(t, player("p1", "Ana", true), player("p2", "Bo", false))
	<-h.feed.subscribed

	h.feed.ch <- engine.Notification{
		Table:  engine.TableMembers,
		Op:     engine.OpUpdate,
		RoomID: "room-1",
		Member: engine.MemberRow{PlayerID: "p2", Name: "Bo", IsConnected: false, Location: engine.LocationDisconnected},
	}
	h.feed.ch <- engine.Notification{
		Table:  engine.TableRooms,
		Op:     engine.OpUpdate,
		RoomID: "room-1",
		Room:   engine.RoomRow{Status: engine.StatusAbandoned},
	}
	// an unknown member forces a roster query, which tells us the rows above
	// were handled
	h.feed.ch <- engine.Notification{
		Table:  engine.TableMembers,
		Op:     engine.OpInsert,
		RoomID: "room-1",
		Member: engine.MemberRow{PlayerID: "p9", Name: "Zed", IsConnected: true},
	}
	require.Eventually(t, func() bool {
		h.feed.mu.Lock()
		defer h.feed.mu.Unlock()
		return h.feed.rosterCalls == 1
	}, waitFor, tick)

	v, err := h.l.State(context.Background())
	require.NoError(t, err)
	assert.True(t, v.Room.Players[1].IsConnected)
	assert.Equal(t, engine.LocationLobby, v.Room.Players[1].Location)
	assert.Zero(t, v.Room.Players[1].GraceRemainingSeconds)
	assert.Equal(t, engine.StatusWaitingForPlayers, v.Room.Status)
}

func TestLobby_HeartbeatWhileInRoom(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ft := newFakeTransport()
	l := New(ctx, Config{Heartbeat: 20 * time.Millisecond}, Deps{Transport: ft})
	h := &harness{l: l, t: ft, n: &fakeNotifier{}}

	require.NoError(t, l.Enter(ctx, continuity.Record{RoomCode: "4AJ5XQ", IdentityName: "Ana"}))
	require.Eventually(t, func() bool { return ft.count(engine.CmdJoin) == 1 }, waitFor, tick)
	time.Sleep(60 * time.Millisecond)
	assert.Zero(t, ft.count(engine.CmdHeartbeat), "no heartbeat before the join is acknowledged")

	ft.events <- engine.Event{Type: engine.EvtJoined, RoomID: "room-1", RoomCode: "4AJ5XQ", SelfID: "p1", Players: []engine.Player{player("p1", "Ana", true)}}
	h.waitView(t, func(v View) bool { return v.Phase == PhaseInRoom })
	require.Eventually(t, func() bool { return ft.count(engine.CmdHeartbeat) >= 2 }, waitFor, tick)

	hb, _ := ft.last(engine.CmdHeartbeat)
	assert.Equal(t, engine.CmdHeartbeat, hb.Type)
}

func TestLobby_RetryAfterFailedConnect(t *testing.T) {
	h := newHarness(t)
	h.t.mu.Lock()
	h.t.failDials = 1
	h.t.mu.Unlock()
	ctx := context.Background()

	require.NoError(t, h.l.Enter(ctx, continuity.Record{RoomCode: "4AJ5XQ", IdentityName: "Ana"}))
	h.waitView(t, func(v View) bool {
		return v.Connection == engine.ConnFailed && v.Phase == PhaseDisconnected
	})
	assert.Zero(t, h.t.count(engine.CmdJoin))

	require.NoError(t, h.l.Retry(ctx))
	require.Eventually(t, func() bool { return h.t.count(engine.CmdJoin) == 1 }, waitFor, tick)

	join, _ := h.t.last(engine.CmdJoin)
	assert.Equal(t, "4AJ5XQ", join.RoomCode)
	h.t.events <- engine.Event{Type: engine.EvtJoined, RoomID: "room-1", RoomCode: "4AJ5XQ", SelfID: "p1", Players: []engine.Player{player("p1", "Ana", true)}}
	h.waitView(t, func(v View) bool { return v.Phase == PhaseInRoom })
}
