package lobby

import (
	"context"
	"errors"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/DoyleJ11/lobby-presence/internal/continuity"
	"github.com/DoyleJ11/lobby-presence/internal/dispatch"
	"github.com/DoyleJ11/lobby-presence/internal/engine"
	"github.com/DoyleJ11/lobby-presence/internal/handoff"
	"github.com/DoyleJ11/lobby-presence/internal/notify"
)

func (l *Lobby) enter(id continuity.Record) error {
	id.RoomCode = engine.NormalizeRoomCode(id.RoomCode)
	join := joinCommand(id)
	if err := l.dispatcher.Check(join, nil, l.cfg.Now()); err != nil {
		return err
	}
	if l.phase != PhaseDisconnected || l.snap != nil {
		return ErrBusy
	}
	l.identity = id
	l.phase = PhaseConnecting
	l.log.Info("entering room", zap.String("room_code", id.RoomCode))
	l.dial()
	l.broadcast()
	return nil
}

func joinCommand(id continuity.Record) engine.Command {
	return engine.Command{
		Type:       engine.CmdJoin,
		RoomCode:   id.RoomCode,
		PlayerName: id.IdentityName,
		CustomName: id.CustomLobbyName,
		AccountID:  id.AccountID,
	}
}

// dial connects the transport off the loop. Connect reuses a live
// connection, so this is safe to call again from Retry.
func (l *Lobby) dial() {
	go func() {
		err := l.t.Connect(l.ctx)
		l.postAsync(connectDone{err: err})
	}()
}

func (l *Lobby) onConnectDone(err error) {
	if l.phase != PhaseConnecting {
		return
	}
	if err != nil {
		l.log.Warn("connect failed", zap.Error(err))
		l.phase = PhaseDisconnected
		l.conn = engine.ConnFailed
		l.broadcast()
		return
	}
	l.conn = engine.ConnConnected
	l.sendJoin()
	l.broadcast()
}

func (l *Lobby) sendJoin() {
	l.phase = PhaseJoining
	if err := l.t.Send(joinCommand(l.identity)); err != nil {
		l.log.Warn("sending join", zap.Error(err))
	}
}

// rejoin re-runs the join handshake with the parameters of the continuity
// store, falling back to the identity this lobby was entered with.
func (l *Lobby) rejoin() {
	if l.store != nil && l.cfg.ClientKey != "" {
		ctx, cancel := context.WithTimeout(l.ctx, l.cfg.IOTimeout)
		rec, ok, err := l.store.Load(ctx, l.cfg.ClientKey)
		cancel()
		switch {
		case err != nil:
			l.log.Warn("loading continuity record", zap.Error(err))
		case ok && engine.NormalizeRoomCode(rec.RoomCode) == l.identity.RoomCode:
			rec.RoomCode = l.identity.RoomCode
			l.identity = rec
		}
	}
	l.log.Info("rejoining", zap.String("room_code", l.identity.RoomCode))
	l.sendJoin()
}

func (l *Lobby) intent(cmd engine.Command) error {
	if cmd.Type == engine.CmdJoin || cmd.Type == engine.CmdLeave {
		return dispatch.ErrInvalidCommand
	}
	var snap *engine.Snapshot
	if l.inRoom() {
		snap = l.snap
	}
	if err := l.dispatcher.Check(cmd, snap, l.cfg.Now()); err != nil {
		if errors.Is(err, dispatch.ErrNotHost) {
			l.notice(notify.KindWarning, notify.LevelWarn, "Only the host can do that", false)
		}
		l.log.Debug("intent rejected", zap.String("cmd", string(cmd.Type)), zap.Error(err))
		return err
	}
	cmd.RoomCode = snap.RoomCode
	if err := l.t.Send(cmd); err != nil {
		if cmd.Type == engine.CmdStartGame {
			l.dispatcher.ClearStarting()
		}
		l.notice(notify.KindConnection, notify.LevelWarn, "Not connected to the room server", false)
		return err
	}
	if cmd.Type == engine.CmdStartGame {
		l.broadcast()
	}
	return nil
}

func (l *Lobby) retry() error {
	if l.identity.RoomCode == "" {
		return ErrNothingToRetry
	}
	if l.frozen || l.phase == PhaseConnecting || l.conn == engine.ConnReconnecting {
		return ErrBusy
	}
	if l.t.Connected() {
		switch l.phase {
		case PhaseJoining:
			return ErrBusy
		case PhaseInRoom:
			l.rejoin()
		default:
			l.sendJoin()
		}
		l.broadcast()
		return nil
	}
	if l.phase == PhaseDisconnected {
		l.phase = PhaseConnecting
	}
	l.dial()
	l.broadcast()
	return nil
}

// leave sends an explicit leave when the transport is up and exits. An
// explicit leave forgets the continuity record; the unload path keeps it.
func (l *Lobby) leave(explicit bool) {
	l.phase = PhaseLeaving
	if l.t.Connected() {
		if err := l.t.Send(engine.Command{Type: engine.CmdLeave, RoomCode: l.identity.RoomCode}); err != nil {
			l.log.Debug("leave not sent", zap.Error(err))
		}
	}
	l.log.Info("leaving room", zap.String("room_code", l.identity.RoomCode), zap.Bool("explicit", explicit))
	l.finish(explicit)
}

// finish tears the room down and ends the loop's useful life: timers and
// listeners stop, the transport is closed and subscribers get a final view.
func (l *Lobby) finish(clearStore bool) {
	l.stopRoom()
	var err error
	if clearStore && l.store != nil && l.cfg.ClientKey != "" {
		ctx, cancel := context.WithTimeout(context.Background(), l.cfg.IOTimeout)
		err = multierr.Append(err, l.store.Clear(ctx, l.cfg.ClientKey))
		cancel()
	}
	err = multierr.Append(err, l.t.Close())
	if err != nil {
		l.log.Warn("teardown", zap.Error(err))
	}

	l.snap = nil
	l.phase = PhaseDisconnected
	if l.conn != engine.ConnFailed {
		l.conn = engine.ConnClosed
	}
	l.broadcast()
	for id, ch := range l.clients {
		close(ch)
		delete(l.clients, id)
	}
	l.cancel()
}

func (l *Lobby) stopRoom() {
	l.stopHeartbeat()
	l.stopGraceTicker()
	l.grace.CancelAll()
	if l.feedCancel != nil {
		l.feedCancel()
		l.feedCancel = nil
	}
	l.feedGen++
	l.rosterGen++
	l.prec.Reset()
	l.dispatcher.Reset()
}

func (l *Lobby) onChannelState(s engine.ConnState) {
	prev := l.conn
	l.conn = s
	switch s {
	case engine.ConnConnected:
		if (prev == engine.ConnReconnecting || prev == engine.ConnFailed) &&
			(l.phase == PhaseInRoom || l.phase == PhaseJoining) && !l.frozen {
			l.notice(notify.KindConnection, notify.LevelInfo, "Reconnected", true)
			l.rejoin()
		}
	case engine.ConnReconnecting:
		if prev == engine.ConnConnected {
			l.notice(notify.KindConnection, notify.LevelWarn, "Connection lost, reconnecting", true)
		}
	case engine.ConnFailed:
		if prev != engine.ConnFailed {
			l.notice(notify.KindConnection, notify.LevelError, "Could not reach the room server. Retry to try again.", true)
		}
		if l.phase == PhaseConnecting || (l.phase == PhaseJoining && l.snap == nil) {
			l.phase = PhaseDisconnected
		}
	}
	l.broadcast()
}

// onEvent handles one event-channel event and reports whether the lobby
// exited.
func (l *Lobby) onEvent(ev engine.Event) bool {
	if l.frozen {
		return false
	}
	switch l.phase {
	case PhaseJoining:
		switch ev.Type {
		case engine.EvtJoined:
			l.onJoined(ev)
			return false
		case engine.EvtError:
			return l.onJoinError(ev)
		}
	case PhaseInRoom:
		switch ev.Type {
		case engine.EvtJoined:
			l.onJoined(ev)
			return false
		case engine.EvtError:
			return l.onRoomError(ev)
		}
		return l.apply(ev)
	}
	l.log.Debug("dropping event", zap.String("phase", string(l.phase)), zap.String("type", string(ev.Type)))
	return false
}

func (l *Lobby) onJoined(ev engine.Event) {
	snap, err := engine.NewSnapshot(ev, l.identity.DisplayName())
	if err != nil {
		l.log.Warn("joined ack not usable", zap.Error(err))
		if l.snap == nil {
			l.phase = PhaseDisconnected
		}
		l.notice(notify.KindError, notify.LevelWarn, "Could not join the room", false)
		l.broadcast()
		return
	}
	l.stopRoom()
	l.prec.Touch(engine.Touched(ev), l.cfg.Now())
	l.snap = &snap
	l.phase = PhaseInRoom
	if snap.RoomCode != "" {
		l.identity.RoomCode = snap.RoomCode
	}
	l.saveIdentity()
	l.startHeartbeat()
	l.subscribeFeed()
	l.log.Info("joined",
		zap.String("room_code", snap.RoomCode),
		zap.String("room_id", snap.RoomID),
		zap.String("self", snap.SelfPlayerID),
		zap.Int("players", len(snap.Players)),
	)
	l.broadcast()
}

func (l *Lobby) saveIdentity() {
	if l.store == nil || l.cfg.ClientKey == "" {
		return
	}
	ctx, cancel := context.WithTimeout(l.ctx, l.cfg.IOTimeout)
	defer cancel()
	if err := l.store.Save(ctx, l.cfg.ClientKey, l.identity); err != nil {
		l.log.Warn("saving continuity record", zap.Error(err))
	}
}

func (l *Lobby) onJoinError(ev engine.Event) bool {
	rerr := engine.NewRoomError(ev)
	l.log.Info("join rejected", zap.String("code", string(rerr.Code)), zap.Stringer("class", rerr.Class()))
	if rerr.Class() == engine.ClassTerminal {
		l.notice(notify.KindExit, notify.LevelError, rerr.UserMessage(), false)
		l.finish(true)
		return true
	}
	// a refused rejoin keeps the room we already had
	if l.snap != nil {
		l.phase = PhaseInRoom
	} else {
		l.phase = PhaseDisconnected
	}
	l.notice(notify.KindError, notify.LevelWarn, rerr.UserMessage(), false)
	l.broadcast()
	return false
}

func (l *Lobby) onRoomError(ev engine.Event) bool {
	rerr := engine.NewRoomError(ev)
	switch rerr.Class() {
	case engine.ClassTerminal:
		l.log.Info("room closed by server", zap.String("code", string(rerr.Code)))
		l.notice(notify.KindExit, notify.LevelError, rerr.UserMessage(), false)
		l.finish(true)
		return true
	case engine.ClassProtocolDrift:
		l.log.Info("server lost membership", zap.String("code", string(rerr.Code)))
		l.rejoin()
	default:
		l.dispatcher.ClearStarting()
		l.notice(notify.KindError, notify.LevelWarn, rerr.UserMessage(), false)
	}
	l.broadcast()
	return false
}

func (l *Lobby) apply(ev engine.Event) bool {
	before, _ := l.snap.Self()
	effects, next, err := engine.Apply(*l.snap, ev)
	if err != nil {
		l.log.Debug("event not applied", zap.String("type", string(ev.Type)), zap.Error(err))
		if errors.Is(err, engine.ErrUnknownPlayer) {
			l.requestRoster()
		}
		return false
	}
	l.prec.Touch(engine.Touched(ev), l.cfg.Now())
	l.snap = &next
	if exit := l.runEffects(ev, effects); exit {
		return true
	}
	l.proposeStatus(before)
	l.broadcast()
	return false
}

// runEffects carries out engine effects. It reports whether the lobby exited.
func (l *Lobby) runEffects(ev engine.Event, effects []engine.Effect) bool {
	now := l.cfg.Now()
	selfNotice := false
	for _, e := range effects {
		switch e.Type {
		case engine.EffStartGrace:
			secs := l.grace.Start(e.PlayerID, now)
			l.setGrace(e.PlayerID, secs)
			l.startGraceTicker()

		case engine.EffCancelGrace:
			l.grace.Cancel(e.PlayerID)
			l.setGrace(e.PlayerID, 0)

		case engine.EffNotice:
			kind, level := l.noticeKind(ev, e)
			l.notice(kind, level, e.Notice, false)
			if e.PlayerID == l.snap.SelfPlayerID {
				selfNotice = true
			}

		case engine.EffHostGained:
			l.log.Info("became host", zap.String("room_code", l.snap.RoomCode))

		case engine.EffHostLost:
			l.log.Info("no longer host", zap.String("room_code", l.snap.RoomCode))

		case engine.EffResync:
			l.requestRoster()

		case engine.EffHandoff:
			l.startHandoff(e.GameID)
			return true

		case engine.EffTeardown:
			l.log.Info("removed from room", zap.String("reason", string(e.Reason)))
			switch {
			case e.Reason == engine.ReasonKicked && selfNotice:
			case e.Reason == engine.ReasonKicked:
				l.notice(notify.KindExit, notify.LevelInfo, "You are no longer in the room", false)
			default:
				l.notice(notify.KindExit, notify.LevelInfo, "You left the room", false)
			}
			l.finish(true)
			return true
		}
	}
	return false
}

func (l *Lobby) noticeKind(ev engine.Event, e engine.Effect) (notify.Kind, notify.Level) {
	if ev.Type == engine.EvtKicked && e.PlayerID == ev.PlayerID {
		if e.PlayerID == l.snap.SelfPlayerID {
			return notify.KindKicked, notify.LevelWarn
		}
		return notify.KindPlayerKick, notify.LevelInfo
	}
	return notify.KindHostChanged, notify.LevelInfo
}

func (l *Lobby) setGrace(id string, secs int) {
	next := engine.SetGrace(*l.snap, id, secs)
	l.snap = &next
}

// proposeStatus is the host's auto-status heuristic: when the host's own
// location changes, ask the server for the matching room status. Local
// status only ever changes from a server event.
func (l *Lobby) proposeStatus(before engine.Player) {
	self, ok := l.snap.Self()
	if !ok || !self.IsHost || self.Location == engine.LocationDisconnected {
		return
	}
	if self.Location == before.Location {
		return
	}
	want := engine.StatusWaitingForPlayers
	if self.Location == engine.LocationGame {
		want = engine.StatusInGame
	}
	if want == l.snap.Status {
		return
	}
	cmd := engine.Command{Type: engine.CmdUpdateStatus, RoomCode: l.snap.RoomCode, Status: want}
	if err := l.t.Send(cmd); err != nil {
		l.log.Debug("status proposal not sent", zap.Error(err))
		return
	}
	l.log.Info("proposed room status", zap.String("status", string(want)))
}

// startHandoff freezes the snapshot, disconnects the transport and hands the
// last known identity to the launcher.
func (l *Lobby) startHandoff(gameID string) {
	l.frozen = true
	self, _ := l.snap.Self()
	p := handoff.Params{
		RoomCode:   l.snap.RoomCode,
		PlayerID:   self.ID,
		PlayerName: self.Name,
		IsHost:     self.IsHost,
		GameID:     gameID,
		ReturnURL:  l.cfg.ReturnURL,
	}
	l.log.Info("game started", zap.String("room_code", p.RoomCode), zap.String("game", gameID))

	l.stopRoom()
	if err := l.t.Close(); err != nil {
		l.log.Warn("closing transport for handoff", zap.Error(err))
	}
	if l.launcher != nil {
		ctx, cancel := context.WithTimeout(context.Background(), l.cfg.IOTimeout)
		u, err := l.launcher.Launch(ctx, p)
		cancel()
		if err != nil {
			l.log.Error("handoff failed", zap.Error(err))
			l.notice(notify.KindError, notify.LevelError, "Could not start the game", false)
		} else {
			l.handoffURL = u
		}
	}
	l.notice(notify.KindExit, notify.LevelInfo, "Game starting", false)
	l.finish(false)
}

func (l *Lobby) onFeed(msg fromFeed) {
	if msg.gen != l.feedGen || !l.inRoom() {
		return
	}
	before, _ := l.snap.Self()
	now := l.cfg.Now()
	effects, next := engine.ApplyFeed(*l.snap, msg.n, func(k engine.FieldKey) bool {
		return l.prec.Yields(k, now)
	})
	l.snap = &next
	l.runEffects(engine.Event{}, effects)
	l.proposeStatus(before)
	l.broadcast()
}

func (l *Lobby) subscribeFeed() {
	if l.feed == nil || l.snap == nil || l.snap.RoomID == "" {
		return
	}
	if l.feedCancel != nil {
		l.feedCancel()
	}
	l.feedGen++
	gen, roomID := l.feedGen, l.snap.RoomID
	ctx, cancel := context.WithCancel(l.ctx)
	l.feedCancel = cancel

	go func() {
		ch, err := l.feed.Subscribe(ctx, roomID)
		if err != nil {
			if ctx.Err() == nil {
				l.postAsync(feedLost{gen: gen, err: err})
			}
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case n, ok := <-ch:
				if !ok {
					if ctx.Err() == nil {
						l.postAsync(feedLost{gen: gen})
					}
					return
				}
				l.postAsync(fromFeed{gen: gen, n: n})
			}
		}
	}()
}

func (l *Lobby) onFeedLost(msg feedLost) {
	if msg.gen != l.feedGen || !l.inRoom() {
		return
	}
	l.log.Warn("change feed lost", zap.Error(msg.err))
	gen := msg.gen
	time.AfterFunc(l.cfg.FeedRetry, func() { l.postAsync(feedResubscribe{gen: gen}) })
}

// requestRoster asks the change feed for the full membership. Only the
// answer to the latest request is applied.
func (l *Lobby) requestRoster() {
	if l.feed == nil || !l.inRoom() || l.snap.RoomID == "" {
		return
	}
	l.rosterGen++
	gen, roomID := l.rosterGen, l.snap.RoomID
	go func() {
		ctx, cancel := context.WithTimeout(l.ctx, l.cfg.IOTimeout)
		defer cancel()
		players, err := l.feed.Roster(ctx, roomID)
		l.postAsync(rosterLoaded{gen: gen, players: players, err: err})
	}()
}

func (l *Lobby) onRoster(msg rosterLoaded) {
	if msg.gen != l.rosterGen || !l.inRoom() {
		return
	}
	if msg.err != nil {
		l.log.Warn("roster query failed", zap.Error(msg.err))
		return
	}
	found := false
	for _, p := range msg.players {
		if p.ID == l.snap.SelfPlayerID {
			found = true
			break
		}
	}
	if !found {
		// the persisted roster lags our own join; keep the current one
		l.log.Debug("roster without self ignored", zap.Int("players", len(msg.players)))
		return
	}
	before, _ := l.snap.Self()
	wasHost := l.snap.SelfIsHost()
	next := engine.ReplaceRoster(*l.snap, msg.players)
	l.snap = &next
	for _, p := range next.Players {
		if p.IsConnected {
			l.grace.Cancel(p.ID)
		}
	}
	if isHost := next.SelfIsHost(); isHost != wasHost {
		l.log.Info("host changed by roster", zap.Bool("self_is_host", isHost))
	}
	l.proposeStatus(before)
	l.broadcast()
}

func (l *Lobby) onGraceTick() {
	remaining, expired := l.grace.Tick(l.cfg.Now())
	if l.snap != nil {
		for id, secs := range remaining {
			l.setGrace(id, secs)
		}
		for _, id := range expired {
			l.setGrace(id, 0)
		}
	}
	if !l.grace.Active() {
		l.stopGraceTicker()
	}
	l.broadcast()
}

func (l *Lobby) startGraceTicker() {
	if l.graceTicker == nil {
		l.graceTicker = time.NewTicker(l.cfg.GraceTick)
	}
}

func (l *Lobby) stopGraceTicker() {
	if l.graceTicker != nil {
		l.graceTicker.Stop()
		l.graceTicker = nil
	}
}

func (l *Lobby) onHeartbeat() {
	if !l.inRoom() {
		return
	}
	if err := l.t.Send(engine.Command{Type: engine.CmdHeartbeat}); err != nil {
		l.log.Debug("heartbeat not sent", zap.Error(err))
	}
}

func (l *Lobby) startHeartbeat() {
	l.stopHeartbeat()
	l.heartbeatTicker = time.NewTicker(l.cfg.Heartbeat)
}

func (l *Lobby) stopHeartbeat() {
	if l.heartbeatTicker != nil {
		l.heartbeatTicker.Stop()
		l.heartbeatTicker = nil
	}
}
