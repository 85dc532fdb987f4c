package conversation

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"ChatHive/internal/lib/api/cont"
	"ChatHive/internal/lib/api/response"
)

func Close(log *slog.Logger, handler Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := cont.GetUser(r.Context())
		if user == nil {
			render.Status(r, http.StatusUnauthorized)
			render.JSON(w, r, response.Error("Unauthorized"))
			return
		}

		id := chi.URLParam(r, "id")

		if err := handler.CloseConversation(r.Context(), user, id); err != nil {
			writeCoreError(log, w, r, err, "Failed to close conversation")
			return
		}

		render.JSON(w, r, response.Ok(nil))
	}
}
