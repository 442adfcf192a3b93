// Package dispatch guards user intents before they become commands on the
// event channel. Host checks here are a convenience for the user; the
// coordination server validates again.
package dispatch

import (
	"errors"
	"time"

	"github.com/DoyleJ11/lobby-presence/internal/engine"
)

const (
	DefaultDebounce     = time.Second
	DefaultStartTimeout = 5 * time.Second
)

var ErrDebounced = errors.New("command submitted too quickly")
var ErrNotHost = errors.New("only the host can do that")
var ErrStartInFlight = errors.New("game start already in progress")
var ErrNotInRoom = errors.New("not in a room")
var ErrInvalidTarget = errors.New("invalid target player")
var ErrInvalidCommand = errors.New("invalid command")

type Dispatcher struct {
	debounce     time.Duration
	startTimeout time.Duration

	last          map[engine.CommandType]time.Time
	starting      bool
	startingSince time.Time
}

func New(debounce, startTimeout time.Duration) *Dispatcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if startTimeout <= 0 {
		startTimeout = DefaultStartTimeout
	}
	return &Dispatcher{
		debounce:     debounce,
		startTimeout: startTimeout,
		last:         make(map[engine.CommandType]time.Time),
	}
}

// Check validates an intent against the current snapshot (nil when not in a
// room) and, when accepted, records it for debounce and start tracking.
func (d *Dispatcher) Check(cmd engine.Command, s *engine.Snapshot, now time.Time) error {
	switch cmd.Type {
	case engine.CmdJoin:
		if engine.NormalizeRoomCode(cmd.RoomCode) == "" || cmd.PlayerName == "" {
			return ErrInvalidCommand
		}
	case engine.CmdLeave:
		if s == nil {
			return ErrNotInRoom
		}
	case engine.CmdSelectGame, engine.CmdStartGame, engine.CmdTransferHost, engine.CmdKick:
		if s == nil {
			return ErrNotInRoom
		}
		if !s.SelfIsHost() {
			return ErrNotHost
		}
		if err := validateTarget(cmd, s); err != nil {
			return err
		}
	default:
		return ErrInvalidCommand
	}

	if cmd.Type == engine.CmdStartGame && d.Starting(now) {
		return ErrStartInFlight
	}
	if at, ok := d.last[cmd.Type]; ok && now.Sub(at) < d.debounce {
		return ErrDebounced
	}

	d.last[cmd.Type] = now
	if cmd.Type == engine.CmdStartGame {
		d.starting = true
		d.startingSince = now
	}
	return nil
}

func validateTarget(cmd engine.Command, s *engine.Snapshot) error {
	switch cmd.Type {
	case engine.CmdSelectGame:
		if cmd.GameID == "" {
			return ErrInvalidCommand
		}
	case engine.CmdTransferHost, engine.CmdKick:
		if cmd.TargetID == "" || cmd.TargetID == s.SelfPlayerID {
			return ErrInvalidTarget
		}
		if _, ok := s.Player(cmd.TargetID); !ok {
			return ErrInvalidTarget
		}
	}
	return nil
}

// Starting reports whether a game start is in flight. The flag resets on its
// own once startTimeout passes without a server answer.
func (d *Dispatcher) Starting(now time.Time) bool {
	if d.starting && now.Sub(d.startingSince) >= d.startTimeout {
		d.starting = false
	}
	return d.starting
}

func (d *Dispatcher) ClearStarting() {
	d.starting = false
}

func (d *Dispatcher) Reset() {
	clear(d.last)
	d.starting = false
}
