// Package hub owns one lobby per room code. Each lobby gets its own transport
// from the factory and lives until it exits on its own or the hub shuts down.
package hub

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/DoyleJ11/lobby-presence/internal/continuity"
	"github.com/DoyleJ11/lobby-presence/internal/engine"
	"github.com/DoyleJ11/lobby-presence/internal/lobby"
)

var ErrBadRoomCode = errors.New("invalid room code")
var ErrHubClosed = errors.New("hub closed")

// Factory builds a lobby for one room entry.
type Factory func(ctx context.Context, code string) *lobby.Lobby

type HubMsg interface{ isHubMsg() }

type GetLobby struct {
	Code  string
	Reply chan *lobby.Lobby
}

type EnsureLobby struct {
	Code  string
	Reply chan *lobby.Lobby
}

// RemoveLobby drops the entry for Code if it still points at Lobby.
type RemoveLobby struct {
	Code  string
	Lobby *lobby.Lobby
}

type ListLobbies struct {
	Reply chan []string
}

type ShutdownHub struct {
	Reply chan []*lobby.Lobby
}

func (GetLobby) isHubMsg()    {}
func (EnsureLobby) isHubMsg() {}
func (RemoveLobby) isHubMsg() {}
func (ListLobbies) isHubMsg() {}
func (ShutdownHub) isHubMsg() {}

type Hub struct {
	inbox   chan HubMsg
	lobbies map[string]*lobby.Lobby
	factory Factory
	log     *zap.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewHub(parent context.Context, factory Factory, log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(parent)
	h := &Hub{
		inbox:   make(chan HubMsg, 64),
		lobbies: make(map[string]*lobby.Lobby),
		factory: factory,
		log:     log.With(zap.String("component", "hub")),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go h.loop()
	return h
}

func (h *Hub) Inbox() chan<- HubMsg { return h.inbox }

func (h *Hub) loop() {
	defer close(h.done)
	for {
		select {
		case <-h.ctx.Done():
			return

		case m := <-h.inbox:
			switch msg := m.(type) {
			case GetLobby:
				msg.Reply <- h.lobbies[msg.Code] // may be nil

			case EnsureLobby:
				if lb := h.lobbies[msg.Code]; lb != nil {
					msg.Reply <- lb
					break
				}
				lb := h.factory(h.ctx, msg.Code)
				h.lobbies[msg.Code] = lb
				h.log.Info("lobby created", zap.String("room_code", msg.Code))
				go h.watch(msg.Code, lb)
				msg.Reply <- lb

			case RemoveLobby:
				if h.lobbies[msg.Code] == msg.Lobby {
					delete(h.lobbies, msg.Code)
					h.log.Info("lobby removed", zap.String("room_code", msg.Code))
				}

			case ListLobbies:
				codes := make([]string, 0, len(h.lobbies))
				for code := range h.lobbies {
					codes = append(codes, code)
				}
				msg.Reply <- codes

			case ShutdownHub:
				all := make([]*lobby.Lobby, 0, len(h.lobbies))
				for _, lb := range h.lobbies {
					all = append(all, lb)
					go func(lb *lobby.Lobby) {
						select {
						case lb.Inbox() <- lobby.Shutdown{}:
						case <-lb.Done():
						}
					}(lb)
				}
				clear(h.lobbies)
				msg.Reply <- all
			}
		}
	}
}

func (h *Hub) watch(code string, lb *lobby.Lobby) {
	select {
	case <-lb.Done():
	case <-h.ctx.Done():
		return
	}
	select {
	case h.inbox <- RemoveLobby{Code: code, Lobby: lb}:
	case <-h.ctx.Done():
	}
}

func (h *Hub) ask(ctx context.Context, m HubMsg) error {
	select {
	case h.inbox <- m:
		return nil
	case <-h.done:
		return ErrHubClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) Get(ctx context.Context, code string) (*lobby.Lobby, error) {
	code = engine.NormalizeRoomCode(code)
	reply := make(chan *lobby.Lobby, 1)
	if err := h.ask(ctx, GetLobby{Code: code, Reply: reply}); err != nil {
		return nil, err
	}
	return receive(ctx, h.done, reply)
}

// Join makes sure a lobby exists for the identity's room and enters it.
func (h *Hub) Join(ctx context.Context, id continuity.Record) (*lobby.Lobby, error) {
	code := engine.NormalizeRoomCode(id.RoomCode)
	if !engine.ValidRoomCode(code) {
		return nil, ErrBadRoomCode
	}
	id.RoomCode = code
	reply := make(chan *lobby.Lobby, 1)
	if err := h.ask(ctx, EnsureLobby{Code: code, Reply: reply}); err != nil {
		return nil, err
	}
	lb, err := receive(ctx, h.done, reply)
	if err != nil {
		return nil, err
	}
	return lb, lb.Enter(ctx, id)
}

// Resume rejoins every room recorded for clientKey. Rooms that fail do not
// stop the others; their errors are combined.
func (h *Hub) Resume(ctx context.Context, store continuity.Store, clientKey string) error {
	recs, err := store.List(ctx, continuity.RoomKey(clientKey, ""))
	if err != nil {
		return err
	}
	var errs error
	for _, rec := range recs {
		h.log.Info("resuming room", zap.String("room_code", rec.RoomCode))
		if _, err := h.Join(ctx, rec); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", rec.RoomCode, err))
		}
	}
	return errs
}

func (h *Hub) Codes(ctx context.Context) ([]string, error) {
	reply := make(chan []string, 1)
	if err := h.ask(ctx, ListLobbies{Reply: reply}); err != nil {
		return nil, err
	}
	return receive(ctx, h.done, reply)
}

// Shutdown stops every lobby and waits for them to exit.
func (h *Hub) Shutdown(ctx context.Context) error {
	reply := make(chan []*lobby.Lobby, 1)
	if err := h.ask(ctx, ShutdownHub{Reply: reply}); err != nil {
		if errors.Is(err, ErrHubClosed) {
			return nil
		}
		return err
	}
	all, err := receive(ctx, h.done, reply)
	if err != nil {
		return err
	}
	for _, lb := range all {
		select {
		case <-lb.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	h.cancel()
	<-h.done
	return nil
}

func receive[T any](ctx context.Context, done <-chan struct{}, reply <-chan T) (T, error) {
	var zero T
	select {
	case v := <-reply:
		return v, nil
	case <-done:
		return zero, ErrHubClosed
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
