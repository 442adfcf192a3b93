package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/DoyleJ11/lobby-presence/internal/engine"
	"github.com/DoyleJ11/lobby-presence/internal/hub"
	"github.com/DoyleJ11/lobby-presence/internal/lobby"
	"github.com/DoyleJ11/lobby-presence/internal/notify"
	"github.com/DoyleJ11/lobby-presence/internal/types"
	pub "github.com/DoyleJ11/lobby-presence/pkg/types"
)

// Handler streams lobby views and notices of one room to a render layer and
// turns the frames it sends back into intents.
func Handler(h *hub.Hub, notices *notify.Fanout, log *zap.Logger) http.HandlerFunc {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("component", "ws.stream"))

	return func(w http.ResponseWriter, r *http.Request) {
		code := chi.URLParam(r, "code")
		if code == "" {
			code = r.URL.Query().Get("code")
		}
		code = engine.NormalizeRoomCode(code)
		if code == "" {
			http.Error(w, "missing code", http.StatusBadRequest)
			return
		}

		lb, err := h.Get(r.Context(), code)
		if err != nil || lb == nil {
			http.Error(w, "room not found", http.StatusNotFound)
			return
		}

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "bye")

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		id := uuid.NewString()
		views, err := lb.Watch(ctx, id, 8)
		if err != nil {
			conn.Close(websocket.StatusGoingAway, "room closed")
			return
		}
		defer lb.Unwatch(id)

		var noticeC <-chan notify.Notice
		if notices != nil {
			noticeC = notices.Subscribe(id, 8)
			defer notices.Unsubscribe(id)
		}

		write := func(msg pub.StreamMessage) error {
			payload, _ := json.Marshal(msg)
			wctx, wcancel := context.WithTimeout(ctx, 3*time.Second)
			defer wcancel()
			return conn.Write(wctx, websocket.MessageText, payload)
		}

		// Writer goroutine
		go func() {
			defer cancel()
			for {
				select {
				case <-ctx.Done():
					return
				case v, ok := <-views:
					if !ok {
						conn.Close(websocket.StatusNormalClosure, "room closed")
						return
					}
					view := v.Public()
					if err := write(pub.StreamMessage{Type: pub.StreamView, View: &view}); err != nil {
						return
					}
				case n, ok := <-noticeC:
					if !ok {
						noticeC = nil
						continue
					}
					if n.RoomCode != code {
						continue
					}
					if err := write(noticeMessage(n)); err != nil {
						return
					}
				}
			}
		}()

		// Reader loop
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				switch websocket.CloseStatus(err) {
				case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				default:
					log.Debug("stream read ended", zap.String("room_code", code), zap.Error(err))
				}
				return
			}

			var cm types.ClientMessage
			if err := json.Unmarshal(data, &cm); err != nil {
				_ = write(errorMessage("bad json"))
				continue
			}
			if err := runIntent(ctx, lb, cm); err != nil {
				_ = write(errorMessage(err.Error()))
			}
		}
	}
}

func runIntent(ctx context.Context, lb *lobby.Lobby, m types.ClientMessage) error {
	switch m.Type {
	case pub.CmdLeave:
		return lb.Leave(ctx)
	case pub.IntentRetry:
		return lb.Retry(ctx)
	}
	cmd, ok := toIntentCommand(m)
	if !ok {
		return ErrUnknownMessage
	}
	return lb.Do(ctx, cmd)
}

// toIntentCommand maps the user-facing commands. Join, heartbeat and status
// updates are never accepted from the render layer.
func toIntentCommand(m types.ClientMessage) (engine.Command, bool) {
	switch m.Type {
	case pub.CmdSelectGame:
		return engine.Command{Type: engine.CmdSelectGame, GameID: m.GameID}, true
	case pub.CmdStartGame:
		return engine.Command{Type: engine.CmdStartGame}, true
	case pub.CmdTransferHost:
		return engine.Command{Type: engine.CmdTransferHost, TargetID: m.TargetPlayerID}, true
	case pub.CmdKick:
		return engine.Command{Type: engine.CmdKick, TargetID: m.TargetPlayerID}, true
	default:
		return engine.Command{}, false
	}
}

func noticeMessage(n notify.Notice) pub.StreamMessage {
	return pub.StreamMessage{Type: pub.StreamNotice, Notice: &pub.NoticeView{
		Kind:       string(n.Kind),
		Level:      string(n.Level),
		Message:    n.Message,
		Persistent: n.Persistent,
	}}
}

func errorMessage(msg string) pub.StreamMessage {
	return pub.StreamMessage{Type: pub.StreamNotice, Notice: &pub.NoticeView{
		Kind:    string(notify.KindError),
		Level:   string(notify.LevelWarn),
		Message: msg,
	}}
}
