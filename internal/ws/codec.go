package ws

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/DoyleJ11/lobby-presence/internal/engine"
	"github.com/DoyleJ11/lobby-presence/internal/types"
	pub "github.com/DoyleJ11/lobby-presence/pkg/types"
)

var ErrUnknownMessage = errors.New("unknown message type")

func decodeEvent(data []byte) (engine.Event, error) {
	var m types.ServerMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return engine.Event{}, fmt.Errorf("decode server message: %w", err)
	}
	return toEngineEvent(m)
}

func toEngineEvent(m types.ServerMessage) (engine.Event, error) {
	ev := engine.Event{
		RoomID:       m.RoomID,
		RoomCode:     m.RoomCode,
		Status:       engine.RoomStatus(m.Status),
		SelectedGame: m.SelectedGame,
		SelfID:       m.SelfPlayerID,
		PlayerID:     m.PlayerID,
		OldHostID:    m.OldHostID,
		NewHostID:    m.NewHostID,
		GameID:       m.GameID,
		Location:     engine.Location(m.Location),
		KickedBy:     m.KickedBy,
		TargetName:   m.PlayerName,
		Code:         engine.ErrorCode(m.Code),
		Message:      m.Message,
	}
	if m.IsConnected != nil {
		ev.Connected = *m.IsConnected
	}
	if m.Player != nil {
		ev.Player = toEnginePlayer(*m.Player)
	}
	for _, p := range m.Players {
		ev.Players = append(ev.Players, toEnginePlayer(p))
	}

	switch m.Type {
	case pub.EvtJoined:
		ev.Type = engine.EvtJoined
	case pub.EvtRoomState:
		ev.Type = engine.EvtRoomState
	case pub.EvtPlayerJoined:
		ev.Type = engine.EvtPlayerJoined
	case pub.EvtPlayerLeft:
		ev.Type = engine.EvtPlayerLeft
	case pub.EvtPlayerDisconnected:
		ev.Type = engine.EvtPlayerDisconnected
	case pub.EvtPlayerStatus:
		ev.Type = engine.EvtPlayerStatus
		if m.IsConnected == nil {
			ev.Connected = ev.Location != engine.LocationDisconnected
		}
	case pub.EvtHostTransferred:
		ev.Type = engine.EvtHostTransferred
	case pub.EvtGameSelected:
		ev.Type = engine.EvtGameSelected
	case pub.EvtGameStarted:
		ev.Type = engine.EvtGameStarted
	case pub.EvtStatusChanged:
		ev.Type = engine.EvtStatusChanged
	case pub.EvtKicked:
		ev.Type = engine.EvtKicked
	case pub.EvtError:
		ev.Type = engine.EvtError
	default:
		return engine.Event{}, fmt.Errorf("%w: %q", ErrUnknownMessage, m.Type)
	}
	return ev, nil
}

func toEnginePlayer(p types.Player) engine.Player {
	return engine.Player{
		ID:          p.ID,
		Name:        p.Name,
		IsHost:      p.IsHost,
		IsConnected: p.IsConnected,
		Location:    engine.Location(p.Location),
	}
}

func encodeCommand(cmd engine.Command) ([]byte, error) {
	m := types.ClientMessage{
		RoomCode:        cmd.RoomCode,
		PlayerName:      cmd.PlayerName,
		CustomLobbyName: cmd.CustomName,
		AccountID:       cmd.AccountID,
		GameID:          cmd.GameID,
		TargetPlayerID:  cmd.TargetID,
		Status:          string(cmd.Status),
	}
	switch cmd.Type {
	case engine.CmdJoin:
		m.Type = pub.CmdJoin
	case engine.CmdLeave:
		m.Type = pub.CmdLeave
	case engine.CmdSelectGame:
		m.Type = pub.CmdSelectGame
	case engine.CmdStartGame:
		m.Type = pub.CmdStartGame
	case engine.CmdTransferHost:
		m.Type = pub.CmdTransferHost
	case engine.CmdKick:
		m.Type = pub.CmdKick
	case engine.CmdHeartbeat:
		m.Type = pub.CmdHeartbeat
	case engine.CmdUpdateStatus:
		m.Type = pub.CmdUpdateStatus
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, cmd.Type)
	}
	return json.Marshal(m)
}
