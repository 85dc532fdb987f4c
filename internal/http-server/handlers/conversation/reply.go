package conversation

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"ChatHive/internal/lib/api/cont"
	"ChatHive/internal/lib/api/response"
)

type ReplyRequest struct {
	Text string `json:"text"`
}

func Reply(log *slog.Logger, handler Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := cont.GetUser(r.Context())
		if user == nil {
			render.Status(r, http.StatusUnauthorized)
			render.JSON(w, r, response.Error("Unauthorized"))
			return
		}

		var req ReplyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, response.Error("Invalid request body"))
			return
		}
		if req.Text == "" {
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, response.Error("Reply text is required"))
			return
		}

		id := chi.URLParam(r, "id")

		msg, err := handler.Reply(r.Context(), user, id, req.Text)
		if err != nil {
			writeCoreError(log, w, r, err, "Failed to send reply")
			return
		}

		render.JSON(w, r, response.Ok(msg))
	}
}
