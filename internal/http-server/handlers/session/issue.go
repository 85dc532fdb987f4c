package session

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/render"

	"ChatHive/entity"
	"ChatHive/internal/lib/api/response"
	"ChatHive/internal/lib/sl"
)

type Core interface {
	IssueSession(adminKey string, accountID entity.AccountID, username string) (string, error)
}

type IssueRequest struct {
	AccountID string `json:"account_id"`
	Username  string `json:"username"`
}

// Issue mints a dashboard session token. Guarded by the deployment admin key
// in the X-Admin-Key header rather than the bearer middleware.
func Issue(log *slog.Logger, handler Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req IssueRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, response.Error("Invalid request body"))
			return
		}
		if req.AccountID == "" || req.Username == "" {
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, response.Error("account_id and username are required"))
			return
		}

		token, err := handler.IssueSession(
			r.Header.Get("X-Admin-Key"),
			entity.AccountID(req.AccountID),
			req.Username,
		)
		if err != nil {
			log.Warn("session issue rejected", sl.Err(err))
			render.Status(r, http.StatusUnauthorized)
			render.JSON(w, r, response.Error("Unauthorized"))
			return
		}

		render.JSON(w, r, response.Ok(map[string]string{"token": token}))
	}
}
