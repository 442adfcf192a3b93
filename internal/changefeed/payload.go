package changefeed

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/DoyleJ11/lobby-presence/internal/engine"
)

var ErrBadPayload = errors.New("changefeed: bad payload")

// payload is the JSON body published by the room table triggers:
//
//	{"table":"room_members","op":"UPDATE","room_id":"...","record":{...},"old_record":{...}}
//
// DELETE carries only old_record.
type payload struct {
	Table     string          `json:"table"`
	Op        string          `json:"op"`
	RoomID    string          `json:"room_id"`
	Record    json.RawMessage `json:"record"`
	OldRecord json.RawMessage `json:"old_record"`
}

type memberRecord struct {
	PlayerID    string    `json:"player_id"`
	Name        string    `json:"name"`
	IsHost      bool      `json:"is_host"`
	IsConnected bool      `json:"is_connected"`
	Location    string    `json:"location"`
	JoinedAt    time.Time `json:"joined_at"`
}

type roomRecord struct {
	Status       string `json:"status"`
	SelectedGame string `json:"selected_game"`
}

// Decode turns one NOTIFY payload into a notification.
func Decode(data []byte) (engine.Notification, error) {
	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		return engine.Notification{}, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	n := engine.Notification{
		Table:  engine.FeedTable(p.Table),
		Op:     engine.FeedOp(p.Op),
		RoomID: p.RoomID,
	}
	switch n.Op {
	case engine.OpInsert, engine.OpUpdate, engine.OpDelete:
	default:
		return engine.Notification{}, fmt.Errorf("%w: op %q", ErrBadPayload, p.Op)
	}

	rec := p.Record
	if n.Op == engine.OpDelete || len(rec) == 0 || string(rec) == "null" {
		rec = p.OldRecord
	}
	if len(rec) == 0 {
		return engine.Notification{}, fmt.Errorf("%w: no record", ErrBadPayload)
	}

	switch n.Table {
	case engine.TableMembers:
		var m memberRecord
		if err := json.Unmarshal(rec, &m); err != nil {
			return engine.Notification{}, fmt.Errorf("%w: member: %v", ErrBadPayload, err)
		}
		if m.PlayerID == "" {
			return engine.Notification{}, fmt.Errorf("%w: member without player_id", ErrBadPayload)
		}
		n.Member = engine.MemberRow{
			PlayerID:    m.PlayerID,
			Name:        m.Name,
			IsHost:      m.IsHost,
			IsConnected: m.IsConnected,
			Location:    engine.Location(m.Location),
			JoinedAt:    m.JoinedAt,
		}
	case engine.TableRooms:
		var r roomRecord
		if err := json.Unmarshal(rec, &r); err != nil {
			return engine.Notification{}, fmt.Errorf("%w: room: %v", ErrBadPayload, err)
		}
		n.Room = engine.RoomRow{Status: engine.RoomStatus(r.Status), SelectedGame: r.SelectedGame}
	default:
		return engine.Notification{}, fmt.Errorf("%w: table %q", ErrBadPayload, p.Table)
	}
	return n, nil
}
