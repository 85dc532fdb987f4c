package conversation

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/render"

	"ChatHive/internal/lib/api/cont"
	"ChatHive/internal/lib/api/response"
	"ChatHive/internal/lib/sl"
)

const defaultPageSize = 50

func List(log *slog.Logger, handler Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := cont.GetUser(r.Context())
		if user == nil {
			render.Status(r, http.StatusUnauthorized)
			render.JSON(w, r, response.Error("Unauthorized"))
			return
		}

		limit, offset := pagination(r)

		conversations, err := handler.ListConversations(r.Context(), user, limit, offset)
		if err != nil {
			log.Error("listing conversations", sl.Err(err))
			render.Status(r, http.StatusInternalServerError)
			render.JSON(w, r, response.Error("Failed to list conversations"))
			return
		}

		render.JSON(w, r, response.Ok(conversations))
	}
}

func pagination(r *http.Request) (limit, offset int) {
	limit = defaultPageSize
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 && v <= 200 {
		limit = v
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && v > 0 {
		offset = v
	}
	return limit, offset
}
