package api

import (
	"log/slog"
	"net/http"

	"github.com/bdougie/lapvision/internal/config"
)

func SetupRoutes(h *Handler, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	// Health check
	mux.HandleFunc("GET /api/health", h.HealthCheck)

	// Sessions
	mux.HandleFunc("POST /api/init", h.InitSession)
	mux.HandleFunc("GET /api/videos", h.ListVideos)
	mux.HandleFunc("POST /api/close/{id}", h.CloseSession)

	// Frames
	mux.HandleFunc("GET /api/frame/{id}/{frame}", h.GetFrame)
	mux.HandleFunc("GET /api/frame-info/{id}", h.GetVideoInfo)

	// Lap timing
	mux.HandleFunc("POST /api/set-ref-frame/{id}/{frame}", h.SetReference)
	mux.HandleFunc("POST /api/search-lap/{id}", h.SearchLap)
	mux.HandleFunc("POST /api/confirm-lap/{id}/{frame}", h.ConfirmLap)
	mux.HandleFunc("GET /api/statistics/{id}", h.GetStatistics)

	// Results
	mux.HandleFunc("POST /api/save-results/{id}", h.SaveResults)
	mux.HandleFunc("GET /api/similar-laps/{id}", h.SimilarLaps)

	mux.HandleFunc("/", h.NotFound)

	// Apply middleware
	handler := LoggingMiddleware(logger, mux)
	handler = RecoveryMiddleware(logger, handler)
	handler = CORSMiddleware(handler)

	return handler
}

func NewHTTPServer(cfg *config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         cfg.ServerAddress,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
}
