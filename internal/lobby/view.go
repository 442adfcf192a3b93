package lobby

import (
	"github.com/DoyleJ11/lobby-presence/internal/engine"
	"github.com/DoyleJ11/lobby-presence/pkg/types"
)

// View is a read-only copy of the lobby state handed to subscribers. Room is
// the zero Snapshot unless InRoom.
type View struct {
	Version    int
	NumClients int
	Phase      Phase
	Connection engine.ConnState
	InRoom     bool
	Room       engine.Snapshot
	Starting   bool
	HandoffURL string
}

func (l *Lobby) view() View {
	v := View{
		Version:    l.version,
		NumClients: len(l.clients),
		Phase:      l.phase,
		Connection: l.conn,
		Starting:   l.dispatcher.Starting(l.cfg.Now()),
		HandoffURL: l.handoffURL,
	}
	if l.snap != nil {
		v.InRoom = true
		v.Room = l.snap.Clone()
	}
	return v
}

// Public converts the view to the render-layer wire shape.
func (v View) Public() types.RoomView {
	out := types.RoomView{
		Phase:        string(v.Phase),
		Connection:   string(v.Connection),
		RoomID:       v.Room.RoomID,
		RoomCode:     v.Room.RoomCode,
		Status:       string(v.Room.Status),
		SelectedGame: v.Room.SelectedGame,
		SelfPlayerID: v.Room.SelfPlayerID,
		Players:      make([]types.PlayerView, 0, len(v.Room.Players)),
		Starting:     v.Starting,
		HandoffURL:   v.HandoffURL,
	}
	for _, p := range v.Room.Players {
		pv := types.PlayerView{
			ID:          p.ID,
			Name:        p.Name,
			IsHost:      p.IsHost,
			IsConnected: p.IsConnected,
			Location:    string(p.Location),
		}
		if p.GraceRemainingSeconds > 0 {
			secs := p.GraceRemainingSeconds
			pv.GraceRemainingSeconds = &secs
		}
		out.Players = append(out.Players, pv)
	}
	return out
}
