package chat

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ashureev/coursechat/internal/api"
	"github.com/ashureev/coursechat/internal/config"
	"github.com/ashureev/coursechat/internal/domain"
	"github.com/ashureev/coursechat/internal/identity"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

const (
	defaultMaxRequestBodySize = 10 << 20
	defaultTurnTimeout        = 3 * time.Minute
)

// AudioLocator resolves stored voice messages.
type AudioLocator interface {
	Path(filename string) (string, error)
}

// Handler serves the chat HTTP endpoints.
type Handler struct {
	svc         *Service
	audio       AudioLocator
	rateLimiter *RateLimiter
	maxBodySize int64
	turnTimeout time.Duration
}

// NewHandler creates a chat handler. audio may be nil when voice input is disabled.
func NewHandler(svc *Service, audio AudioLocator, cfg *config.Config) *Handler {
	rateLimitRequests := 20
	rateLimitWindow := time.Minute
	maxBodySize := int64(defaultMaxRequestBodySize)
	turnTimeout := defaultTurnTimeout

	if cfg != nil {
		rateLimitRequests = cfg.RateLimit.RequestsPerWindow
		rateLimitWindow = cfg.RateLimit.WindowDuration
		if cfg.Chat.MaxRequestBodySize > 0 {
			maxBodySize = cfg.Chat.MaxRequestBodySize
		}
		if cfg.Chat.TurnTimeout > 0 {
			turnTimeout = cfg.Chat.TurnTimeout
		}
	}

	return &Handler{
		svc:         svc,
		audio:       audio,
		rateLimiter: NewRateLimiter(rateLimitRequests, rateLimitWindow),
		maxBodySize: maxBodySize,
		turnTimeout: turnTimeout,
	}
}

// RegisterRoutes registers the chat routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/chat", func(r chi.Router) {
		r.Post("/", h.HandleChat)
		r.Get("/history", h.HandleHistory)
		r.Delete("/history", h.HandleReset)
		r.Get("/audio/{filename}", h.HandleAudio)
	})
}

// HandleChat handles POST /api/chat.
func (h *Handler) HandleChat(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		api.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	// Rate-limit by user only so clients cannot bypass it by switching courses.
	if !h.rateLimiter.Allow(userID) {
		api.Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			api.Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		api.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.CourseID <= 0 {
		api.Error(w, http.StatusBadRequest, "courseid is required")
		return
	}

	turn := TurnRequest{UserID: userID, CourseID: req.CourseID, Message: req.Message}
	if req.Audio != nil {
		turn.Audio = *req.Audio
	}
	if req.Lang != nil {
		turn.Lang = *req.Lang
	}

	slog.Info("Chat request",
		"user_id", userID,
		"course_id", req.CourseID,
		"request_id", chiMiddleware.GetReqID(r.Context()),
		"message_length", len(req.Message),
		"audio", turn.Audio != "",
	)

	ctx, cancel := context.WithTimeout(r.Context(), h.turnTimeout)
	defer cancel()

	reply, err := h.svc.HandleTurn(ctx, turn)
	if err != nil {
		h.writeTurnError(w, userID, req.CourseID, err)
		return
	}
	api.JSON(w, http.StatusOK, reply)
}

func (h *Handler) writeTurnError(w http.ResponseWriter, userID string, courseID int64, err error) {
	var transcriptionErr *TranscriptionError
	switch {
	case errors.Is(err, ErrCourseNotFound):
		api.Error(w, http.StatusNotFound, "course not found")
	case errors.Is(err, ErrEmptyMessage):
		api.Error(w, http.StatusBadRequest, "message is required")
	case errors.As(err, &transcriptionErr):
		slog.Warn("Chat turn transcription failed", "user_id", userID, "course_id", courseID, "error", err)
		api.Error(w, http.StatusBadGateway, "transcription failed")
	case errors.Is(err, context.DeadlineExceeded):
		slog.Warn("Chat turn timed out", "user_id", userID, "course_id", courseID)
		api.Error(w, http.StatusGatewayTimeout, "chat turn timed out")
	case errors.Is(err, context.Canceled):
		slog.Info("Chat turn cancelled by client", "user_id", userID, "course_id", courseID)
	default:
		slog.Error("Chat turn failed", "user_id", userID, "course_id", courseID, "error", err)
		api.Error(w, http.StatusInternalServerError, "chat turn failed")
	}
}

// HandleHistory handles GET /api/chat/history?courseid=N.
func (h *Handler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	key, ok := sessionKeyFromRequest(w, r)
	if !ok {
		return
	}

	history, err := h.svc.History(r.Context(), key)
	if err != nil {
		slog.Error("Failed to read chat history", "user_id", key.UserID, "course_id", key.CourseID, "error", err)
		api.Error(w, http.StatusInternalServerError, "failed to read history")
		return
	}

	resp := HistoryResponse{CourseID: key.CourseID, Messages: make([]HistoryMessage, 0, len(history))}
	for _, m := range history {
		resp.Messages = append(resp.Messages, HistoryMessage{
			Role:          string(m.Role),
			Content:       m.Content,
			Transcription: m.ContentTranscription,
			HTML:          m.ContentHTML,
		})
	}
	api.JSON(w, http.StatusOK, resp)
}

// HandleReset handles DELETE /api/chat/history?courseid=N.
func (h *Handler) HandleReset(w http.ResponseWriter, r *http.Request) {
	key, ok := sessionKeyFromRequest(w, r)
	if !ok {
		return
	}
	if err := h.svc.Reset(r.Context(), key); err != nil {
		slog.Error("Failed to reset chat history", "user_id", key.UserID, "course_id", key.CourseID, "error", err)
		api.Error(w, http.StatusInternalServerError, "failed to reset history")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleAudio handles GET /api/chat/audio/{filename}.
func (h *Handler) HandleAudio(w http.ResponseWriter, r *http.Request) {
	if h.audio == nil {
		api.Error(w, http.StatusNotFound, "audio not available")
		return
	}
	path, err := h.audio.Path(chi.URLParam(r, "filename"))
	if err != nil {
		api.Error(w, http.StatusNotFound, "audio not found")
		return
	}
	w.Header().Set("Cache-Control", "private, max-age=3600")
	http.ServeFile(w, r, path)
}

// Close stops background work owned by the handler.
func (h *Handler) Close() {
	h.rateLimiter.Stop()
	if err := h.svc.Close(); err != nil {
		slog.Warn("failed to close conversation logger", "error", err)
	}
}

func sessionKeyFromRequest(w http.ResponseWriter, r *http.Request) (domain.SessionKey, bool) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		api.Error(w, http.StatusUnauthorized, "unauthorized")
		return domain.SessionKey{}, false
	}
	courseID, err := strconv.ParseInt(r.URL.Query().Get("courseid"), 10, 64)
	if err != nil || courseID <= 0 {
		api.Error(w, http.StatusBadRequest, "courseid is required")
		return domain.SessionKey{}, false
	}
	return domain.SessionKey{UserID: userID, CourseID: courseID}, true
}
