package handler

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/retailassist/session-server-go/internal/errors"
	"github.com/retailassist/session-server-go/internal/middleware"
	"github.com/retailassist/session-server-go/internal/model"
	"github.com/retailassist/session-server-go/internal/service"
)

type SessionHandler struct {
	sessions  *service.SessionService
	startGate func(http.Handler) http.Handler
}

// NewSessionHandler builds the /session routes. startGate, when non-nil,
// wraps POST /start (rate limiting).
func NewSessionHandler(sessions *service.SessionService, startGate func(http.Handler) http.Handler) *SessionHandler {
	return &SessionHandler{
		sessions:  sessions,
		startGate: startGate,
	}
}

func (h *SessionHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.SessionToken)

	start := http.Handler(http.HandlerFunc(h.Start))
	if h.startGate != nil {
		start = h.startGate(start)
	}
	r.Method(http.MethodPost, "/start", start)
	r.Get("/restore", h.Restore)

	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireSessionToken)
		r.Post("/update", h.Update)
		r.Post("/heartbeat", h.Heartbeat)
		r.Post("/end", h.End)
	})

	r.Route("/{token}", func(r chi.Router) {
		r.Get("/context", h.GetContext)
		r.Get("/summary", h.GetSummary)
		r.Post("/summary", h.SetSummary)
		r.Get("/recommendations", h.GetRecommendations)
		r.Get("/cart", h.GetCart)
	})

	return r
}

// POST /session/start
func (h *SessionHandler) Start(w http.ResponseWriter, r *http.Request) {
	var p service.StartParams
	if err := decodeJSON(r, &p); err != nil {
		writeError(w, r, err)
		return
	}
	if p.Token == "" {
		p.Token = middleware.GetSessionToken(r.Context())
	}

	res, err := h.sessions.StartOrResume(r.Context(), p)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, res)
}

// GET /session/restore
func (h *SessionHandler) Restore(w http.ResponseWriter, r *http.Request) {
	identity := model.Identity{
		Phone:  r.Header.Get(middleware.PhoneHeader),
		ChatID: r.Header.Get(middleware.ChatIDHeader),
	}

	res, err := h.sessions.Restore(r.Context(), middleware.GetSessionToken(r.Context()), identity)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, res)
}

// POST /session/update
//
// A body carrying a string "action" is applied as a session action with its
// "payload"; any other body is merge-patched into the session data.
func (h *SessionHandler) Update(w http.ResponseWriter, r *http.Request) {
	token := middleware.GetSessionToken(r.Context())

	var body map[string]any
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, r, err)
		return
	}

	var (
		sess *model.Session
		err  error
	)
	if action, ok := body["action"].(string); ok && action != "" {
		payload, ok := body["payload"].(map[string]any)
		if !ok && body["payload"] != nil {
			writeError(w, r, apperrors.InvalidInput("payload", "must be an object"))
			return
		}
		sess, err = h.sessions.ApplyAction(r.Context(), token, action, payload)
	} else {
		sess, err = h.sessions.Update(r.Context(), token, model.Data(body))
	}
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"session": sess})
}

// POST /session/heartbeat
func (h *SessionHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sessions.Heartbeat(r.Context(), middleware.GetSessionToken(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"sessionToken":   sess.Token,
		"lastActivityAt": sess.LastActivityAt,
		"expiresAt":      sess.ExpiresAt,
	})
}

// POST /session/end
func (h *SessionHandler) End(w http.ResponseWriter, r *http.Request) {
	token := middleware.GetSessionToken(r.Context())
	if err := h.sessions.End(r.Context(), token); err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"message":      "Session ended",
		"sessionToken": token,
	})
}

// GET /session/{token}/context
func (h *SessionHandler) GetContext(w http.ResponseWriter, r *http.Request) {
	sc, err := h.sessions.GetContext(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, sc)
}

// GET /session/{token}/summary
func (h *SessionHandler) GetSummary(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	summary, err := h.sessions.GetSummary(r.Context(), token)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"sessionToken": token,
		"summary":      summary,
	})
}

type setSummaryRequest struct {
	Summary string `json:"summary"`
}

// POST /session/{token}/summary
func (h *SessionHandler) SetSummary(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	var req setSummaryRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	req.Summary = strings.TrimSpace(req.Summary)
	if req.Summary == "" {
		writeError(w, r, apperrors.MissingRequired("summary"))
		return
	}

	if _, err := h.sessions.SetSummary(r.Context(), token, req.Summary); err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"sessionToken": token,
		"summary":      req.Summary,
	})
}

// GET /session/{token}/recommendations
func (h *SessionHandler) GetRecommendations(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	skus, err := h.sessions.GetRecommendations(r.Context(), token)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"sessionToken": token,
		"skus":         skus,
	})
}

// GET /session/{token}/cart
func (h *SessionHandler) GetCart(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	cart, err := h.sessions.GetCart(r.Context(), token)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"sessionToken": token,
		"items":        cart,
		"count":        len(cart),
	})
}
