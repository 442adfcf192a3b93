package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/DoyleJ11/lobby-presence/internal/hub"
	"github.com/DoyleJ11/lobby-presence/internal/notify"
	"github.com/DoyleJ11/lobby-presence/internal/ws"
)

func SetupRoutes(h *hub.Hub, notices *notify.Fanout, log *zap.Logger) http.Handler {
	if log == nil {
		log = zap.NewNop()
	}
	a := &api{hub: h, log: log.With(zap.String("component", "httpapi"))}

	r := chi.NewRouter()
	r.Get("/healthz", Healthz)
	r.Get("/rooms", a.rooms)
	r.Route("/rooms/{code}", func(r chi.Router) {
		r.Get("/", a.view)
		r.Post("/join", a.join)
		r.Post("/commands/{cmd}", a.command)
		r.Post("/leave", a.leave)
		r.Post("/unload", a.unload)
		r.Post("/retry", a.retry)
		r.Get("/ws", ws.Handler(h, notices, log))
	})
	return r
}
