package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/fyrsmithlabs/ragd/internal/chat"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// SSE event names sent by the streaming chat endpoint.
const (
	EventToken = "token"
	EventDone  = "done"
	EventError = "error"
)

func wantsEventStream(r *http.Request) bool {
	return strings.Contains(r.Header.Get(echo.HeaderAccept), "text/event-stream")
}

// eventWriter writes server-sent events. Headers go out with the first
// event, so failures before any output can still become a JSON error.
type eventWriter struct {
	resp    *echo.Response
	started bool
}

func (w *eventWriter) start() {
	if w.started {
		return
	}
	h := w.resp.Header()
	h.Set(echo.HeaderContentType, "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.resp.WriteHeader(http.StatusOK)
	w.started = true
}

func (w *eventWriter) send(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	w.start()
	if _, err := fmt.Fprintf(w.resp, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	w.resp.Flush()
	return nil
}

func (s *Server) streamChat(c echo.Context, req chat.Request) error {
	w := &eventWriter{resp: c.Response()}
	ctx := c.Request().Context()

	answer, err := s.chat.Stream(ctx, req, func(ctx context.Context, chunk []byte) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return w.send(EventToken, TokenEvent{Content: string(chunk)})
	})
	if err != nil {
		if !w.started {
			return toHTTPError(err)
		}
		s.logger.Warn(ctx, "chat stream failed", zap.Error(err))
		he := toHTTPError(err)
		return w.send(EventError, map[string]any{"message": he.Message})
	}
	return w.send(EventDone, answer)
}
