package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"quizbot/internal/app"
	"quizbot/internal/domain"
	"quizbot/internal/metrics"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// NewRouter mounts the websocket gateway, the public read API, health and metrics.
func NewRouter(ws *WSHandler, service *app.QuizService, reporter *app.LeaderboardReporter, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	api := &apiHandler{service: service, reporter: reporter, logger: logger}

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", metrics.Handler())
	r.Get("/ws", ws.ServeWS)

	r.Route("/api", func(r chi.Router) {
		r.Use(chiMiddleware.Timeout(10 * time.Second))
		r.Get("/leaderboard", api.leaderboard)
		r.Get("/score", api.score)
	})
	return r
}

type apiHandler struct {
	service  *app.QuizService
	reporter *app.LeaderboardReporter
	logger   *zap.Logger
}

type leaderboardEntry struct {
	Rank int `json:"rank"`
	domain.LeaderboardRow
}

type leaderboardResponse struct {
	CommunityID string             `json:"communityId"`
	Entries     []leaderboardEntry `json:"entries"`
}

// leaderboard serves GET /api/leaderboard?community=&limit=.
func (h *apiHandler) leaderboard(w http.ResponseWriter, r *http.Request) {
	community := r.URL.Query().Get("community")
	if community == "" {
		community = defaultCommunity
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	rows, err := h.reporter.Top(r.Context(), community, limit)
	if err != nil {
		h.logger.Error("load leaderboard", zap.String("community", community), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load leaderboard")
		return
	}

	resp := leaderboardResponse{CommunityID: community, Entries: make([]leaderboardEntry, 0, len(rows))}
	for i, row := range rows {
		resp.Entries = append(resp.Entries, leaderboardEntry{Rank: i + 1, LeaderboardRow: row})
	}
	writeJSON(w, http.StatusOK, resp)
}

type scoreResponse struct {
	UserID string `json:"userId"`
	domain.Score
}

// score serves GET /api/score?user=.
func (h *apiHandler) score(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "missing user")
		return
	}
	s, err := h.service.Score(r.Context(), domain.Actor{UserID: userID})
	if err != nil {
		h.logger.Error("load score", zap.String("user", userID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load score")
		return
	}
	writeJSON(w, http.StatusOK, scoreResponse{UserID: userID, Score: s})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func scoreText(s domain.Score) string {
	if s.Total == 0 {
		return "You have not answered any questions yet."
	}
	return fmt.Sprintf("Your score: %d/%d correct.", s.Correct, s.Total)
}
