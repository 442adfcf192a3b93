package engine

import (
	"strings"
	"unicode"
)

const RoomCodeLength = 6

// NormalizeRoomCode uppercases the input and strips everything that is not
// an ASCII letter or digit. The server stays authoritative on validity.
func NormalizeRoomCode(raw string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(raw) {
		if r > unicode.MaxASCII {
			continue
		}
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func ValidRoomCode(code string) bool {
	return len(code) == RoomCodeLength && NormalizeRoomCode(code) == code
}

func (s Snapshot) Clone() Snapshot {
	out := s
	out.Players = clonePlayers(s.Players)
	return out
}

func (s Snapshot) HostID() string {
	for _, p := range s.Players {
		if p.IsHost {
			return p.ID
		}
	}
	return ""
}

func (s Snapshot) Player(id string) (Player, bool) {
	if i := indexOf(s.Players, id); i >= 0 {
		return s.Players[i], true
	}
	return Player{}, false
}

func (s Snapshot) Self() (Player, bool) {
	return s.Player(s.SelfPlayerID)
}

func (s Snapshot) SelfIsHost() bool {
	p, ok := s.Self()
	return ok && p.IsHost
}

// SetGrace patches the grace countdown shown for a player. Zero clears it.
// Connected players never carry a countdown.
func SetGrace(s Snapshot, id string, seconds int) Snapshot {
	i := indexOf(s.Players, id)
	if i < 0 {
		return s
	}
	if s.Players[i].IsConnected {
		seconds = 0
	}
	if s.Players[i].GraceRemainingSeconds == seconds {
		return s
	}
	next := s.Clone()
	next.Players[i].GraceRemainingSeconds = seconds
	return next
}

func clonePlayers(in []Player) []Player {
	if in == nil {
		return nil
	}
	out := make([]Player, len(in))
	copy(out, in)
	return out
}

func indexOf(players []Player, id string) int {
	if id == "" {
		return -1
	}
	for i := range players {
		if players[i].ID == id {
			return i
		}
	}
	return -1
}

func setHost(players []Player, id string) {
	for i := range players {
		players[i].IsHost = players[i].ID == id
	}
}

// ensureSingleHost repairs the host flag so a non-empty roster has exactly
// one host. With several hosts the preferred one (else the first in join
// order) is kept. With none, prevHost is restored if still listed, else the
// first player in join order is promoted.
func ensureSingleHost(players []Player, prevHost, preferred string) {
	if len(players) == 0 {
		return
	}
	hosts := 0
	first := ""
	for _, p := range players {
		if p.IsHost {
			hosts++
			if first == "" {
				first = p.ID
			}
		}
	}
	switch {
	case hosts == 1:
		return
	case hosts > 1:
		keep := first
		if i := indexOf(players, preferred); i >= 0 && players[i].IsHost {
			keep = preferred
		}
		setHost(players, keep)
	default:
		if indexOf(players, prevHost) >= 0 {
			setHost(players, prevHost)
			return
		}
		setHost(players, players[0].ID)
	}
}

func normalizePresence(p *Player) {
	switch {
	case p.Location == LocationDisconnected:
		p.IsConnected = false
	case p.Location == "" && !p.IsConnected:
		p.Location = LocationDisconnected
	case p.Location == "":
		p.Location = LocationLobby
	default:
		p.IsConnected = true
	}
	if p.IsConnected {
		p.GraceRemainingSeconds = 0
	}
}

func nonEmpty(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}
