package webhook

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"ChatHive/internal/ingress"
	"ChatHive/internal/lib/sl"
)

const maxBodySize = 1 << 20

type Gateway interface {
	VerifySubscription(mode, token string) bool
	Ingest(raw []byte, signature string) error
}

// Verify handles the provider's GET subscription handshake: the challenge is
// echoed back when the verify token matches.
func Verify(log *slog.Logger, gw Gateway) http.HandlerFunc {
	mod := sl.Module("webhook")

	return func(w http.ResponseWriter, r *http.Request) {
		mode := r.URL.Query().Get("hub.mode")
		token := r.URL.Query().Get("hub.verify_token")
		challenge := r.URL.Query().Get("hub.challenge")

		if !gw.VerifySubscription(mode, token) {
			log.With(mod).Warn("webhook verification rejected")
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}

		log.With(mod).Info("webhook verified")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(challenge))
	}
}

// Receive handles provider event deliveries. The provider retries anything
// that is not a 200, so every accepted body is acknowledged immediately and
// processed off the request path.
func Receive(log *slog.Logger, gw Gateway) http.HandlerFunc {
	mod := sl.Module("webhook")

	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
		if err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}

		err = gw.Ingest(body, r.Header.Get("X-Hub-Signature-256"))
		switch {
		case errors.Is(err, ingress.ErrInvalidSignature):
			log.With(mod).Warn("webhook signature rejected")
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		case errors.Is(err, ingress.ErrQueueFull):
			// 503 makes the provider redeliver; the unique message index
			// absorbs any events that did get through.
			log.With(mod).Error("ingress queue full")
			http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
			return
		case err != nil:
			log.With(mod, sl.Err(err)).Warn("webhook body rejected")
		}

		w.WriteHeader(http.StatusOK)
	}
}
