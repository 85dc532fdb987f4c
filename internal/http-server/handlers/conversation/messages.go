package conversation

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"ChatHive/impl/core"
	"ChatHive/internal/lib/api/cont"
	"ChatHive/internal/lib/api/response"
	"ChatHive/internal/lib/sl"
)

func Messages(log *slog.Logger, handler Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := cont.GetUser(r.Context())
		if user == nil {
			render.Status(r, http.StatusUnauthorized)
			render.JSON(w, r, response.Error("Unauthorized"))
			return
		}

		id := chi.URLParam(r, "id")
		limit, offset := pagination(r)

		messages, err := handler.ListMessages(r.Context(), user, id, limit, offset)
		if err != nil {
			writeCoreError(log, w, r, err, "Failed to list messages")
			return
		}

		render.JSON(w, r, response.Ok(messages))
	}
}

func writeCoreError(log *slog.Logger, w http.ResponseWriter, r *http.Request, err error, fallback string) {
	switch {
	case errors.Is(err, core.ErrNotFound):
		render.Status(r, http.StatusNotFound)
		render.JSON(w, r, response.Error("Conversation not found"))
	case errors.Is(err, core.ErrForbidden):
		render.Status(r, http.StatusForbidden)
		render.JSON(w, r, response.Error("Forbidden"))
	default:
		log.Error(fallback, sl.Err(err))
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, response.Error(fallback))
	}
}
