package dispatch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DoyleJ11/lobby-presence/internal/engine"
)

func room(selfHost bool) *engine.Snapshot {
	return &engine.Snapshot{
		RoomCode:     "4AJ5XQ",
		SelfPlayerID: "me",
		Players: []engine.Player{
			{ID: "me", Name: "Me", IsHost: selfHost, IsConnected: true, Location: engine.LocationLobby},
			{ID: "other", Name: "Other", IsHost: !selfHost, IsConnected: true, Location: engine.LocationLobby},
		},
	}
}

func TestCheck_HostGating(t *testing.T) {
	now := time.Now()
	cases := []struct {
		name string
		cmd  engine.Command
	}{
		{"select", engine.Command{Type: engine.CmdSelectGame, GameID: "bingo"}},
		{"start", engine.Command{Type: engine.CmdStartGame}},
		{"transfer", engine.Command{Type: engine.CmdTransferHost, TargetID: "other"}},
		{"kick", engine.Command{Type: engine.CmdKick, TargetID: "other"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.ErrorIs(t, New(0, 0).Check(tc.cmd, room(false), now), ErrNotHost)
			assert.NoError(t, New(0, 0).Check(tc.cmd, room(true), now))
		})
	}
}

func TestCheck_Debounce(t *testing.T) {
	d := New(time.Second, 0)
	now := time.Now()
	join := engine.Command{Type: engine.CmdJoin, RoomCode: "4aj5xq", PlayerName: "Me"}

	require.NoError(t, d.Check(join, nil, now))
	assert.ErrorIs(t, d.Check(join, nil, now.Add(300*time.Millisecond)), ErrDebounced)
	assert.NoError(t, d.Check(join, nil, now.Add(1100*time.Millisecond)))

	// debounce is per command type
	assert.NoError(t, d.Check(engine.Command{Type: engine.CmdSelectGame, GameID: "g"}, room(true), now))
}

func TestCheck_StartGuardAndSafetyReset(t *testing.T) {
	d := New(10*time.Millisecond, 5*time.Second)
	now := time.Now()
	start := engine.Command{Type: engine.CmdStartGame}

	require.NoError(t, d.Check(start, room(true), now))
	assert.True(t, d.Starting(now))
	assert.ErrorIs(t, d.Check(start, room(true), now.Add(2*time.Second)), ErrStartInFlight)

	assert.NoError(t, d.Check(start, room(true), now.Add(5*time.Second)), "safety net resets the flag")

	d.ClearStarting()
	assert.False(t, d.Starting(now.Add(5*time.Second)))
}

func TestCheck_Targets(t *testing.T) {
	now := time.Now()
	assert.ErrorIs(t, New(0, 0).Check(engine.Command{Type: engine.CmdKick, TargetID: "me"}, room(true), now), ErrInvalidTarget)
	assert.ErrorIs(t, New(0, 0).Check(engine.Command{Type: engine.CmdKick, TargetID: "ghost"}, room(true), now), ErrInvalidTarget)
	assert.ErrorIs(t, New(0, 0).Check(engine.Command{Type: engine.CmdSelectGame}, room(true), now), ErrInvalidCommand)
}

func TestCheck_NeedsRoom(t *testing.T) {
	now := time.Now()
	assert.ErrorIs(t, New(0, 0).Check(engine.Command{Type: engine.CmdLeave}, nil, now), ErrNotInRoom)
	assert.ErrorIs(t, New(0, 0).Check(engine.Command{Type: engine.CmdStartGame}, nil, now), ErrNotInRoom)
	assert.ErrorIs(t, New(0, 0).Check(engine.Command{Type: engine.CmdHeartbeat}, nil, now), ErrInvalidCommand)
	assert.ErrorIs(t, New(0, 0).Check(engine.Command{Type: engine.CmdJoin, RoomCode: "--"}, nil, now), ErrInvalidCommand)
}

func TestReset(t *testing.T) {
	d := New(time.Minute, time.Minute)
	now := time.Now()
	require.NoError(t, d.Check(engine.Command{Type: engine.CmdStartGame}, room(true), now))
	d.Reset()
	assert.False(t, d.Starting(now))
	assert.NoError(t, d.Check(engine.Command{Type: engine.CmdStartGame}, room(true), now))
}
