package engine

import "time"

type FeedTable string

const (
	TableMembers FeedTable = "room_members"
	TableRooms   FeedTable = "rooms"
)

type FeedOp string

const (
	OpInsert FeedOp = "INSERT"
	OpUpdate FeedOp = "UPDATE"
	OpDelete FeedOp = "DELETE"
)

// MemberRow is a persisted membership row as seen by the change feed.
type MemberRow struct {
	PlayerID    string
	Name        string
	IsHost      bool
	IsConnected bool
	Location    Location
	JoinedAt    time.Time
}

// RoomRow is the persisted status row of a room.
type RoomRow struct {
	Status       RoomStatus
	SelectedGame string
}

// Notification is one row-level change delivered by the change feed.
type Notification struct {
	Table  FeedTable
	Op     FeedOp
	RoomID string
	Member MemberRow
	Room   RoomRow
}

type Field string

const (
	FieldName         Field = "name"
	FieldHost         Field = "is_host"
	FieldPresence     Field = "presence"
	FieldStatus       Field = "status"
	FieldSelectedGame Field = "selected_game"
)

// FieldKey names one field of the snapshot. Room-level fields have an empty
// PlayerID.
type FieldKey struct {
	PlayerID string
	Field    Field
}

// Precedence remembers when the event channel last wrote each field so that
// a disagreeing change-feed value arriving inside the window is dropped.
type Precedence struct {
	window  time.Duration
	touched map[FieldKey]time.Time
}

func NewPrecedence(window time.Duration) *Precedence {
	return &Precedence{window: window, touched: make(map[FieldKey]time.Time)}
}

func (p *Precedence) Touch(keys []FieldKey, now time.Time) {
	for _, k := range keys {
		p.touched[k] = now
	}
}

// Yields reports whether a change-feed write to key must give way to a
// recent event-channel write.
func (p *Precedence) Yields(key FieldKey, now time.Time) bool {
	at, ok := p.touched[key]
	if !ok {
		return false
	}
	if now.Sub(at) > p.window {
		delete(p.touched, key)
		return false
	}
	return true
}

func (p *Precedence) Reset() {
	clear(p.touched)
}

// Touched lists the fields an event-channel event writes.
func Touched(ev Event) []FieldKey {
	switch ev.Type {
	case EvtPlayerJoined:
		id := ev.Player.ID
		return []FieldKey{{id, FieldName}, {id, FieldPresence}, {id, FieldHost}}
	case EvtPlayerDisconnected, EvtPlayerStatus:
		return []FieldKey{{ev.PlayerID, FieldPresence}}
	case EvtHostTransferred:
		return []FieldKey{{ev.OldHostID, FieldHost}, {ev.NewHostID, FieldHost}}
	case EvtGameSelected:
		return []FieldKey{{"", FieldSelectedGame}}
	case EvtStatusChanged:
		return []FieldKey{{"", FieldStatus}}
	case EvtRoomState, EvtJoined:
		keys := []FieldKey{{"", FieldSelectedGame}, {"", FieldStatus}}
		for _, p := range ev.Players {
			keys = append(keys, FieldKey{p.ID, FieldName}, FieldKey{p.ID, FieldPresence}, FieldKey{p.ID, FieldHost})
		}
		return keys
	}
	return nil
}

// ApplyFeed patches the snapshot from one change-feed notification. Fields
// for which yield returns true are left untouched. Applying the same
// notification twice yields the same snapshot. Membership changes that
// cannot be expressed as a patch of a known player produce EffResync.
func ApplyFeed(s Snapshot, n Notification, yield func(FieldKey) bool) ([]Effect, Snapshot) {
	if s.SelfPlayerID == "" || (n.RoomID != "" && s.RoomID != "" && n.RoomID != s.RoomID) {
		return nil, s
	}
	if yield == nil {
		yield = func(FieldKey) bool { return false }
	}
	next := s.Clone()
	prevHost := next.HostID()

	switch n.Table {
	case TableRooms:
		if n.Op == OpDelete {
			return nil, s
		}
		if n.Room.Status.Valid() && !yield(FieldKey{"", FieldStatus}) {
			next.Status = n.Room.Status
		}
		if !yield(FieldKey{"", FieldSelectedGame}) {
			next.SelectedGame = n.Room.SelectedGame
		}
		return nil, next

	case TableMembers:
		row := n.Member
		i := indexOf(next.Players, row.PlayerID)
		if n.Op == OpDelete || i < 0 {
			if n.Op == OpDelete && i < 0 {
				return nil, s
			}
			return []Effect{{Type: EffResync, PlayerID: row.PlayerID}}, s
		}
		var effects []Effect
		if row.Name != "" && !yield(FieldKey{row.PlayerID, FieldName}) {
			next.Players[i].Name = row.Name
		}
		if !yield(FieldKey{row.PlayerID, FieldPresence}) {
			loc := row.Location
			if loc == "" && row.IsConnected {
				loc = next.Players[i].Location
				if loc == LocationDisconnected {
					loc = LocationLobby
				}
			}
			effects = patchPresence(next, i, loc, row.IsConnected)
		}
		// A demotion row alone is ignored: the successor's promotion row moves
		// the flag.
		if row.IsHost && !yield(FieldKey{row.PlayerID, FieldHost}) {
			setHost(next.Players, row.PlayerID)
		}
		ensureSingleHost(next.Players, prevHost, row.PlayerID)
		return hostEffects(next, prevHost, effects), next
	}
	return nil, s
}

// ReplaceRoster swaps the whole player list for a full roster (from a
// room_state event or a change-feed roster query). Self identity is kept,
// grace counters carry over for players still disconnected, and the host
// invariant is repaired.
func ReplaceRoster(s Snapshot, roster []Player) Snapshot {
	next := s.Clone()
	prevHost := s.HostID()
	players := clonePlayers(roster)
	if players == nil {
		players = []Player{}
	}
	for i := range players {
		normalizePresence(&players[i])
		if j := indexOf(s.Players, players[i].ID); j >= 0 && !players[i].IsConnected {
			players[i].GraceRemainingSeconds = s.Players[j].GraceRemainingSeconds
		}
	}
	next.Players = players
	ensureSingleHost(next.Players, prevHost, "")
	return next
}

// RosterFromRows converts membership rows, already in join order, to players.
func RosterFromRows(rows []MemberRow) []Player {
	out := make([]Player, 0, len(rows))
	for _, r := range rows {
		out = append(out, Player{
			ID:          r.PlayerID,
			Name:        r.Name,
			IsHost:      r.IsHost,
			IsConnected: r.IsConnected,
			Location:    r.Location,
		})
	}
	return out
}
