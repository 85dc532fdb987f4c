package logger

import (
	"context"
	"fmt"
	"log/slog"
)

// Alerter is anything that can push a plain-text notification to an operator.
type Alerter interface {
	SendMessage(msg string)
}

// telegramHandler mirrors records at or above alertLevel to an operator chat
// while delegating everything to the wrapped handler.
type telegramHandler struct {
	inner      slog.Handler
	alerter    Alerter
	alertLevel slog.Level
}

// SetupTelegramHandler wraps the logger so that error-grade records also reach
// the Telegram admin chat.
func SetupTelegramHandler(log *slog.Logger, alerter Alerter, alertLevel slog.Level) *slog.Logger {
	return slog.New(&telegramHandler{
		inner:      log.Handler(),
		alerter:    alerter,
		alertLevel: alertLevel,
	})
}

func (h *telegramHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *telegramHandler) Handle(ctx context.Context, record slog.Record) error {
	if record.Level >= h.alertLevel && h.alerter != nil {
		text := fmt.Sprintf("[%s] %s", record.Level, record.Message)
		record.Attrs(func(a slog.Attr) bool {
			text += fmt.Sprintf("\n%s: %s", a.Key, a.Value.String())
			return true
		})
		// Alert delivery must never block or fail the logging path.
		go h.alerter.SendMessage(text)
	}
	return h.inner.Handle(ctx, record)
}

func (h *telegramHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &telegramHandler{
		inner:      h.inner.WithAttrs(attrs),
		alerter:    h.alerter,
		alertLevel: h.alertLevel,
	}
}

func (h *telegramHandler) WithGroup(name string) slog.Handler {
	return &telegramHandler{
		inner:      h.inner.WithGroup(name),
		alerter:    h.alerter,
		alertLevel: h.alertLevel,
	}
}
