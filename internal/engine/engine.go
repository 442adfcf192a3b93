package engine

import (
	"errors"
	"fmt"
)

var ErrNoRoom = errors.New("no room snapshot")
var ErrUnknownPlayer = errors.New("unknown player")
var ErrUnsupportedEvent = errors.New("unsupported event")
var ErrInvalidTransfer = errors.New("invalid host transfer")

type RoomStatus string

const (
	StatusWaitingForPlayers RoomStatus = "waiting_for_players"
	StatusLaunching         RoomStatus = "launching"
	StatusActive            RoomStatus = "active"
	StatusInGame            RoomStatus = "in_game"
	StatusPaused            RoomStatus = "paused"
	StatusFinished          RoomStatus = "finished"
	StatusAbandoned         RoomStatus = "abandoned"
)

func (s RoomStatus) Valid() bool {
	switch s {
	case StatusWaitingForPlayers, StatusLaunching, StatusActive, StatusInGame,
		StatusPaused, StatusFinished, StatusAbandoned:
		return true
	}
	return false
}

type Location string

const (
	LocationLobby        Location = "lobby"
	LocationGame         Location = "game"
	LocationDisconnected Location = "disconnected"
)

// Player is one entry of the room roster. GraceRemainingSeconds is zero
// unless a disconnect grace countdown is running for the player.
type Player struct {
	ID                    string
	Name                  string
	IsHost                bool
	IsConnected           bool
	Location              Location
	GraceRemainingSeconds int
}

// Snapshot is the reconciled view of one room. Players keep join order.
type Snapshot struct {
	RoomID       string
	RoomCode     string
	Status       RoomStatus
	SelectedGame string
	Players      []Player
	SelfPlayerID string
}

type EventType string

const (
	EvtJoined             EventType = "joined"
	EvtRoomState          EventType = "room_state"
	EvtPlayerJoined       EventType = "player_joined"
	EvtPlayerLeft         EventType = "player_left"
	EvtPlayerDisconnected EventType = "player_disconnected"
	EvtPlayerStatus       EventType = "player_status"
	EvtHostTransferred    EventType = "host_transferred"
	EvtGameSelected       EventType = "game_selected"
	EvtGameStarted        EventType = "game_started"
	EvtStatusChanged      EventType = "status_changed"
	EvtKicked             EventType = "kicked"
	EvtError              EventType = "error"
)

// Event is a room-scoped message from the coordination server.
// Only the fields relevant to Type are set.
type Event struct {
	Type         EventType
	RoomID       string
	RoomCode     string
	Status       RoomStatus
	SelectedGame string
	Players      []Player
	Player       Player
	PlayerID     string
	SelfID       string
	OldHostID    string
	NewHostID    string
	GameID       string
	Location     Location
	Connected    bool
	KickedBy     string
	TargetName   string
	Code         ErrorCode
	Message      string
}

type CommandType string

const (
	CmdJoin         CommandType = "join"
	CmdLeave        CommandType = "leave"
	CmdSelectGame   CommandType = "select_game"
	CmdStartGame    CommandType = "start_game"
	CmdTransferHost CommandType = "transfer_host"
	CmdKick         CommandType = "kick"
	CmdHeartbeat    CommandType = "heartbeat"
	CmdUpdateStatus CommandType = "update_status"
)

// HostOnly reports whether the server only accepts the command from the host.
func (c CommandType) HostOnly() bool {
	switch c {
	case CmdSelectGame, CmdStartGame, CmdTransferHost, CmdKick, CmdUpdateStatus:
		return true
	}
	return false
}

type Command struct {
	Type       CommandType
	RoomCode   string
	PlayerName string
	CustomName string
	AccountID  string
	GameID     string
	TargetID   string
	Status     RoomStatus
}

// ConnState is the transport-level state of the event channel, reported
// separately from room errors.
type ConnState string

const (
	ConnIdle         ConnState = "idle"
	ConnConnected    ConnState = "connected"
	ConnReconnecting ConnState = "reconnecting"
	ConnFailed       ConnState = "failed"
	ConnClosed       ConnState = "closed"
)

type EffectType string

const (
	EffStartGrace  EffectType = "start_grace"
	EffCancelGrace EffectType = "cancel_grace"
	EffNotice      EffectType = "notice"
	EffHostGained  EffectType = "host_gained"
	EffHostLost    EffectType = "host_lost"
	EffHandoff     EffectType = "handoff"
	EffTeardown    EffectType = "teardown"
	EffResync      EffectType = "resync"
)

type TeardownReason string

const (
	ReasonLeft   TeardownReason = "left"
	ReasonKicked TeardownReason = "kicked"
)

// Effect is a side effect the reconciler must carry out after a snapshot
// transition. The engine itself never performs I/O.
type Effect struct {
	Type     EffectType
	PlayerID string
	GameID   string
	Notice   string
	Reason   TeardownReason
}

// NewSnapshot builds the snapshot carried by a joined acknowledgment. Self
// identity is the event's own-player id when present, else the first player
// whose name matches selfName.
func NewSnapshot(ev Event, selfName string) (Snapshot, error) {
	if ev.Type != EvtJoined {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrUnsupportedEvent, ev.Type)
	}
	s := Snapshot{
		RoomID:       ev.RoomID,
		RoomCode:     ev.RoomCode,
		Status:       ev.Status,
		SelectedGame: ev.SelectedGame,
		Players:      clonePlayers(ev.Players),
	}
	if s.Status == "" {
		s.Status = StatusWaitingForPlayers
	}
	for i := range s.Players {
		normalizePresence(&s.Players[i])
	}
	switch {
	case ev.SelfID != "" && indexOf(s.Players, ev.SelfID) >= 0:
		s.SelfPlayerID = ev.SelfID
	default:
		for _, p := range s.Players {
			if p.Name == selfName {
				s.SelfPlayerID = p.ID
				break
			}
		}
	}
	if s.SelfPlayerID == "" {
		return Snapshot{}, fmt.Errorf("%w: self not in joined roster", ErrUnknownPlayer)
	}
	ensureSingleHost(s.Players, "", "")
	return s, nil
}

// Apply reconciles one event-channel event into the snapshot. The input
// snapshot is never modified; the returned one shares no player storage
// with it.
func Apply(s Snapshot, ev Event) ([]Effect, Snapshot, error) {
	if s.SelfPlayerID == "" {
		return nil, s, ErrNoRoom
	}
	next := s.Clone()
	prevHost := next.HostID()

	switch ev.Type {
	case EvtRoomState:
		next = ReplaceRoster(next, ev.Players)
		if ev.Status != "" {
			next.Status = ev.Status
		}
		next.SelectedGame = ev.SelectedGame
		if indexOf(next.Players, next.SelfPlayerID) < 0 {
			return []Effect{{Type: EffTeardown, Reason: ReasonLeft}}, next, nil
		}
		return hostEffects(next, prevHost, nil), next, nil

	case EvtPlayerJoined:
		p := ev.Player
		if p.ID == "" {
			return nil, s, fmt.Errorf("%w: player_joined without id", ErrUnknownPlayer)
		}
		if p.Location == "" || p.Location == LocationDisconnected {
			p.Location = LocationLobby
		}
		p.IsConnected = true
		p.GraceRemainingSeconds = 0
		if i := indexOf(next.Players, p.ID); i >= 0 {
			cur := &next.Players[i]
			cur.Name = nonEmpty(p.Name, cur.Name)
			cur.IsConnected = true
			cur.Location = p.Location
			cur.GraceRemainingSeconds = 0
			if p.IsHost {
				setHost(next.Players, p.ID)
			}
		} else {
			next.Players = append(next.Players, p)
			if p.IsHost {
				setHost(next.Players, p.ID)
			}
		}
		ensureSingleHost(next.Players, prevHost, "")
		effects := []Effect{{Type: EffCancelGrace, PlayerID: p.ID}}
		return hostEffects(next, prevHost, effects), next, nil

	case EvtPlayerLeft:
		return removePlayer(next, prevHost, ev.PlayerID, ReasonLeft, "")

	case EvtKicked:
		name := ev.TargetName
		if i := indexOf(next.Players, ev.PlayerID); i >= 0 && name == "" {
			name = next.Players[i].Name
		}
		notice := fmt.Sprintf("%s was kicked by %s", nonEmpty(name, ev.PlayerID), nonEmpty(ev.KickedBy, "the host"))
		if ev.PlayerID == next.SelfPlayerID {
			notice = fmt.Sprintf("You were kicked from the room by %s", nonEmpty(ev.KickedBy, "the host"))
		}
		return removePlayer(next, prevHost, ev.PlayerID, ReasonKicked, notice)

	case EvtPlayerDisconnected:
		i := indexOf(next.Players, ev.PlayerID)
		if i < 0 {
			return nil, s, fmt.Errorf("%w: %s", ErrUnknownPlayer, ev.PlayerID)
		}
		// a repeated disconnect leaves a running countdown alone
		return patchPresence(next, i, LocationDisconnected, false), next, nil

	case EvtPlayerStatus:
		i := indexOf(next.Players, ev.PlayerID)
		if i < 0 {
			return nil, s, fmt.Errorf("%w: %s", ErrUnknownPlayer, ev.PlayerID)
		}
		return patchPresence(next, i, ev.Location, ev.Connected), next, nil

	case EvtHostTransferred:
		if indexOf(next.Players, ev.NewHostID) < 0 {
			return nil, s, fmt.Errorf("%w: new host %s not in roster", ErrInvalidTransfer, ev.NewHostID)
		}
		if ev.OldHostID != "" {
			if i := indexOf(next.Players, ev.OldHostID); i >= 0 {
				next.Players[i].IsHost = false
			}
		}
		setHost(next.Players, ev.NewHostID)
		effects := []Effect{}
		if ev.NewHostID != prevHost {
			name := next.Players[indexOf(next.Players, ev.NewHostID)].Name
			effects = append(effects, Effect{Type: EffNotice, PlayerID: ev.NewHostID, Notice: fmt.Sprintf("%s is now the host", name)})
		}
		return hostEffects(next, prevHost, effects), next, nil

	case EvtGameSelected:
		next.SelectedGame = ev.GameID
		return nil, next, nil

	case EvtStatusChanged:
		if !ev.Status.Valid() {
			return nil, s, fmt.Errorf("%w: status %q", ErrUnsupportedEvent, ev.Status)
		}
		next.Status = ev.Status
		return nil, next, nil

	case EvtGameStarted:
		game := nonEmpty(ev.GameID, next.SelectedGame)
		return []Effect{{Type: EffHandoff, GameID: game}}, s, nil

	default:
		return nil, s, fmt.Errorf("%w: %s", ErrUnsupportedEvent, ev.Type)
	}
}

func removePlayer(next Snapshot, prevHost, id string, reason TeardownReason, notice string) ([]Effect, Snapshot, error) {
	if id == next.SelfPlayerID {
		effects := []Effect{}
		if notice != "" {
			effects = append(effects, Effect{Type: EffNotice, PlayerID: id, Notice: notice})
		}
		return append(effects, Effect{Type: EffTeardown, Reason: reason}), next, nil
	}
	i := indexOf(next.Players, id)
	if i < 0 {
		// already gone; removal is idempotent
		return nil, next, nil
	}
	next.Players = append(next.Players[:i], next.Players[i+1:]...)
	ensureSingleHost(next.Players, prevHost, "")
	effects := []Effect{{Type: EffCancelGrace, PlayerID: id}}
	if notice != "" {
		effects = append(effects, Effect{Type: EffNotice, PlayerID: id, Notice: notice})
	}
	if h := next.HostID(); h != prevHost && h != "" {
		name := next.Players[indexOf(next.Players, h)].Name
		effects = append(effects, Effect{Type: EffNotice, PlayerID: h, Notice: fmt.Sprintf("%s is now the host", name)})
	}
	return hostEffects(next, prevHost, effects), next, nil
}

// patchPresence sets location and connectivity on players[i] keeping the two
// consistent, and reports grace effects.
func patchPresence(next Snapshot, i int, loc Location, connected bool) []Effect {
	p := &next.Players[i]
	wasConnected := p.IsConnected
	switch {
	case loc == LocationDisconnected || (!connected && loc == ""):
		p.IsConnected = false
		p.Location = LocationDisconnected
	default:
		p.IsConnected = true
		if loc != "" {
			p.Location = loc
		} else if p.Location == LocationDisconnected {
			p.Location = LocationLobby
		}
		p.GraceRemainingSeconds = 0
	}
	switch {
	case wasConnected && !p.IsConnected:
		return []Effect{{Type: EffStartGrace, PlayerID: p.ID}}
	case !wasConnected && p.IsConnected:
		return []Effect{{Type: EffCancelGrace, PlayerID: p.ID}}
	}
	return nil
}

func hostEffects(next Snapshot, prevHost string, effects []Effect) []Effect {
	host := next.HostID()
	self := next.SelfPlayerID
	switch {
	case host == self && prevHost != self:
		effects = append(effects, Effect{Type: EffHostGained, PlayerID: self})
	case prevHost == self && host != self:
		effects = append(effects, Effect{Type: EffHostLost, PlayerID: self})
	}
	return effects
}
