package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/retailassist/session-server-go/internal/events"
	"github.com/retailassist/session-server-go/internal/middleware"
	"github.com/retailassist/session-server-go/internal/model"
	"github.com/retailassist/session-server-go/internal/util"
)

type sessionGetter interface {
	Get(ctx context.Context, token string) (*model.Session, error)
}

// EventsHandler streams the lifecycle events of one session to every open
// channel, so a kiosk sees what the customer did on whatsapp.
type EventsHandler struct {
	broker   *events.Broker
	sessions sessionGetter
}

func NewEventsHandler(broker *events.Broker, sessions sessionGetter) *EventsHandler {
	return &EventsHandler{
		broker:   broker,
		sessions: sessions,
	}
}

// GET /session/events
func (h *EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := middleware.GetSessionToken(r.Context())
	sess, err := h.sessions.Get(r.Context(), token)
	if err != nil {
		writeError(w, r, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Streaming not supported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	client := h.broker.Subscribe(token)
	defer h.broker.Unsubscribe(client)

	masked := util.MaskToken(token)
	log.Info().
		Str("token", masked).
		Msg("sse connection established")

	if err := h.sendEvent(w, flusher, "connected", map[string]any{
		"channels":  sess.Channels,
		"expiresAt": sess.ExpiresAt,
	}); err != nil {
		return
	}

	ctx := r.Context()
	heartbeat := time.NewTicker(events.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().
				Str("token", masked).
				Msg("sse connection closed by client")
			return

		case <-client.Done:
			log.Info().
				Str("token", masked).
				Msg("sse connection closed by broker")
			return

		case event := <-client.Events:
			if err := h.sendSessionEvent(w, flusher, event); err != nil {
				log.Error().Err(err).Msg("failed to send event")
				return
			}
			if event.Type == events.EventEnded {
				return
			}

		case <-heartbeat.C:
			if _, err := fmt.Fprintf(w, ": ping\n\n"); err != nil {
				log.Debug().
					Str("token", masked).
					Msg("heartbeat failed, closing connection")
				return
			}
			flusher.Flush()
		}
	}
}

func (h *EventsHandler) sendEvent(w http.ResponseWriter, flusher http.Flusher, eventType string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return writeSSE(w, flusher, "", eventType, jsonData)
}

func (h *EventsHandler) sendSessionEvent(w http.ResponseWriter, flusher http.Flusher, event events.Event) error {
	jsonData, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return writeSSE(w, flusher, event.ID, string(event.Type), jsonData)
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, id, eventType string, data []byte) error {
	if id != "" {
		if _, err := fmt.Fprintf(w, "id: %s\n", id); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
