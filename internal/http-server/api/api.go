package api

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	"ChatHive/internal/config"
	"ChatHive/internal/http-server/handlers/conversation"
	"ChatHive/internal/http-server/handlers/errors"
	"ChatHive/internal/http-server/handlers/session"
	"ChatHive/internal/http-server/handlers/webhook"
	"ChatHive/internal/http-server/middleware/authenticate"
	"ChatHive/internal/http-server/middleware/timeout"
	"ChatHive/internal/lib/sl"
	"ChatHive/internal/ws"
)

type Server struct {
	conf       *config.Config
	httpServer *http.Server
	log        *slog.Logger
}

type Handler interface {
	authenticate.Authenticate
	ws.Authenticator
	conversation.Core
	session.Core
}

func New(conf *config.Config, log *slog.Logger, handler Handler, gateway webhook.Gateway, hub *ws.Hub) error {

	server := Server{
		conf: conf,
		log:  log.With(sl.Module("api.server")),
	}

	router := chi.NewRouter()
	router.Use(timeout.Timeout(30))
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(render.SetContentType(render.ContentTypeJSON))

	router.NotFound(errors.NotFound(log))
	router.MethodNotAllowed(errors.NotAllowed(log))

	// Provider-facing and upgrade routes stay outside the bearer middleware:
	// the webhook is HMAC-signed and the websocket carries its token in the
	// query string.
	router.Route("/webhook/whatsapp", func(r chi.Router) {
		r.Get("/", webhook.Verify(log, gateway))
		r.Post("/", webhook.Receive(log, gateway))
	})

	router.Get("/ws", func(w http.ResponseWriter, r *http.Request) {
		ws.ServeWs(hub, handler, log, w, r)
	})

	router.Post("/auth/session", session.Issue(log, handler))

	router.Route("/api/v1", func(v1 chi.Router) {
		v1.Use(authenticate.New(log, handler))

		v1.Route("/conversations", func(r chi.Router) {
			r.Get("/", conversation.List(log, handler))
			r.Get("/{id}/messages", conversation.Messages(log, handler))
			r.Post("/{id}/read", conversation.MarkRead(log, handler))
			r.Post("/{id}/close", conversation.Close(log, handler))
			r.Post("/{id}/reply", conversation.Reply(log, handler))
		})
	})

	httpLog := slog.NewLogLogger(log.Handler(), slog.LevelError)
	server.httpServer = &http.Server{
		Handler:  router,
		ErrorLog: httpLog,
	}

	serverAddress := fmt.Sprintf("%s:%s", conf.Listen.BindIP, conf.Listen.Port)
	listener, err := net.Listen("tcp", serverAddress)
	if err != nil {
		return err
	}

	server.log.Info("starting api server", slog.String("address", serverAddress))

	return server.httpServer.Serve(listener)
}
