package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/bdougie/lapvision/internal/embeddings"
	"github.com/bdougie/lapvision/internal/events"
	"github.com/bdougie/lapvision/internal/models"
	"github.com/bdougie/lapvision/internal/session"
	"github.com/bdougie/lapvision/internal/storage"
	"github.com/bdougie/lapvision/internal/video"
)

const (
	defaultSearchSeconds = 10
	defaultSimilarLimit  = 5
)

var videoExtensions = []string{".mp4", ".avi", ".mov"}

// Opener opens a video source for a new session
type Opener func(ctx context.Context, path string) (video.Stream, error)

// BoundarySearcher is implemented by storage backends that index confirmed lap
// boundaries by embedding.
type BoundarySearcher interface {
	SimilarBoundaries(ctx context.Context, embedding []float32, limit int) ([]storage.BoundaryMatch, error)
}

// Options holds the session defaults applied by the handler
type Options struct {
	VideoRoot            string
	DefaultMinLapSeconds float64
	CacheCapacity        int
	SearchWorkers        int
	MaxConcurrentFrames  int
}

// Dependencies are the collaborators a Handler is built from
type Dependencies struct {
	Registry  Registry
	Opener    Opener
	Oracle    embeddings.Oracle
	Storage   storage.Storage
	Publisher events.Publisher
	Logger    *slog.Logger
}

type Handler struct {
	registry  Registry
	opener    Opener
	oracle    embeddings.Oracle
	store     storage.Storage
	publisher events.Publisher
	admission *Admission
	opts      Options
	logger    *slog.Logger
}

func NewHandler(deps Dependencies, opts Options) *Handler {
	if deps.Registry == nil {
		deps.Registry = NewMemoryRegistry()
	}
	if deps.Publisher == nil {
		deps.Publisher = events.Nop{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Handler{
		registry:  deps.Registry,
		opener:    deps.Opener,
		oracle:    deps.Oracle,
		store:     deps.Storage,
		publisher: deps.Publisher,
		admission: NewAdmission(opts.MaxConcurrentFrames),
		opts:      opts,
		logger:    deps.Logger,
	}
}

type initRequest struct {
	VideoPath  string   `json:"video_path"`
	MinLapTime *float64 `json:"min_lap_time"`
}

// InitSession opens a video and registers a new timing session
func (h *Handler) InitSession(w http.ResponseWriter, r *http.Request) {
	var req initRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, "Invalid request body", err)
		return
	}
	if req.VideoPath == "" {
		respondError(w, "Missing video_path", fmt.Errorf("%w: video_path is required", ErrInvalidRequest))
		return
	}

	path, err := h.resolveSource(req.VideoPath)
	if err != nil {
		respondError(w, "Invalid video_path", err)
		return
	}

	minLap := h.opts.DefaultMinLapSeconds
	if req.MinLapTime != nil {
		minLap = *req.MinLapTime
	}

	stream, err := h.opener(r.Context(), path)
	if err != nil {
		respondError(w, "Failed to open video", err)
		return
	}

	s, err := session.New(stream, h.oracle, session.Options{
		MinLapSeconds: minLap,
		CacheCapacity: h.opts.CacheCapacity,
		Workers:       h.opts.SearchWorkers,
		Logger:        h.logger.With("video", filepath.Base(path)),
	})
	if err != nil {
		respondError(w, "Failed to create session", err)
		return
	}

	id := h.registry.Add(path, s)
	h.logger.Info("session opened", "session_id", id, "video", path, "min_lap", minLap)

	respondSuccess(w, "Session initialized", map[string]any{
		"session_id": id,
		"video_info": h.videoInfo(s),
	})
}

type videoFile struct {
	Name string `json:"name"`
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// ListVideos lists the video files under the video root
func (h *Handler) ListVideos(w http.ResponseWriter, r *http.Request) {
	entries, err := os.ReadDir(h.opts.VideoRoot)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		respondError(w, "Failed to list videos", err)
		return
	}

	videos := []videoFile{}
	for _, e := range entries {
		if e.IsDir() || !slices.Contains(videoExtensions, strings.ToLower(filepath.Ext(e.Name()))) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		videos = append(videos, videoFile{
			Name: e.Name(),
			Path: e.Name(),
			Size: info.Size(),
		})
	}

	respondSuccess(w, "Video list retrieved", map[string]any{"videos": videos})
}

// GetFrame returns one decoded frame. Requests beyond the admission ceiling
// are rejected with 429.
func (h *Handler) GetFrame(w http.ResponseWriter, r *http.Request) {
	if !h.admission.TryAcquire() {
		respondError(w, "Too many concurrent requests", ErrTooManyRequests)
		return
	}
	defer h.admission.Release()

	entry, ok := h.lookup(w, r)
	if !ok {
		return
	}
	index, ok := frameIndex(w, r)
	if !ok {
		return
	}

	img, err := entry.Session.Frame(index)
	if err != nil {
		respondError(w, "Cannot read frame", err)
		return
	}
	encoded, err := encodeImage(img)
	if err != nil {
		respondError(w, "Cannot encode frame", err)
		return
	}

	t := frameTime(entry.Session, index)
	respondSuccess(w, "Frame retrieved", map[string]any{
		"frame_index":    index,
		"time_seconds":   t,
		"formatted_time": models.FormatTime(t),
		"image_base64":   encoded,
	})
}

// GetVideoInfo returns the session's video properties
func (h *Handler) GetVideoInfo(w http.ResponseWriter, r *http.Request) {
	entry, ok := h.lookup(w, r)
	if !ok {
		return
	}
	if entry.Session.State() == session.Closed {
		respondError(w, "Session closed", session.ErrClosed)
		return
	}
	respondSuccess(w, "Video info retrieved", h.videoInfo(entry.Session))
}

// SetReference marks the frame the current lap is timed from
func (h *Handler) SetReference(w http.ResponseWriter, r *http.Request) {
	entry, ok := h.lookup(w, r)
	if !ok {
		return
	}
	index, ok := frameIndex(w, r)
	if !ok {
		return
	}

	img, err := entry.Session.SetReference(r.Context(), index)
	if err != nil {
		respondError(w, "Failed to set reference frame", err)
		return
	}
	encoded, err := encodeImage(img)
	if err != nil {
		respondError(w, "Cannot encode frame", err)
		return
	}

	t := frameTime(entry.Session, index)
	respondSuccess(w, "Reference frame set", map[string]any{
		"reference_frame_index": index,
		"time_seconds":          t,
		"formatted_time":        models.FormatTime(t),
		"image_base64":          encoded,
	})
}

type searchRequest struct {
	SearchRange *float64 `json:"search_range"`
}

type candidateResponse struct {
	FrameIndex    int     `json:"frame_index"`
	TimeSeconds   float64 `json:"time_seconds"`
	FormattedTime string  `json:"formatted_time"`
	Similarity    float64 `json:"similarity_score"`
	Image         string  `json:"image_base64"`
}

type windowResponse struct {
	StartFrame int  `json:"start_frame"`
	MinFrame   int  `json:"min_frame"`
	MaxFrame   int  `json:"max_frame"`
	Step       int  `json:"step"`
	Truncated  bool `json:"truncated"`
}

// SearchLap ranks frames in the next lap's window against the reference
func (h *Handler) SearchLap(w http.ResponseWriter, r *http.Request) {
	entry, ok := h.lookup(w, r)
	if !ok {
		return
	}

	var req searchRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, "Invalid request body", err)
		return
	}
	window := float64(defaultSearchSeconds)
	if req.SearchRange != nil {
		window = *req.SearchRange
	}

	result, err := entry.Session.SearchNextLap(r.Context(), window)
	if err != nil {
		respondError(w, "Search failed", err)
		return
	}

	candidates := make([]candidateResponse, 0, len(result.Candidates))
	for _, c := range result.Candidates {
		encoded, err := encodeImage(c.Image)
		if err != nil {
			respondError(w, "Cannot encode frame", err)
			return
		}
		t := frameTime(entry.Session, c.Index)
		candidates = append(candidates, candidateResponse{
			FrameIndex:    c.Index,
			TimeSeconds:   t,
			FormattedTime: models.FormatTime(t),
			Similarity:    c.Score,
			Image:         encoded,
		})
	}

	message := "Search complete"
	if result.Window.Truncated {
		message = "Search complete; window truncated at end of video"
	}
	respondSuccess(w, message, map[string]any{
		"window": windowResponse{
			StartFrame: result.Window.Start,
			MinFrame:   result.Window.MinFrame,
			MaxFrame:   result.Window.MaxFrame,
			Step:       result.Window.Step,
			Truncated:  result.Window.Truncated,
		},
		"candidates": candidates,
	})
}

// ConfirmLap records the operator's chosen lap boundary
func (h *Handler) ConfirmLap(w http.ResponseWriter, r *http.Request) {
	entry, ok := h.lookup(w, r)
	if !ok {
		return
	}
	index, ok := frameIndex(w, r)
	if !ok {
		return
	}

	lap, stats, err := entry.Session.ConfirmLap(r.Context(), index)
	if err != nil {
		respondError(w, "Failed to confirm lap", err)
		return
	}

	h.publish(r.Context(), events.New(events.LapConfirmed, entry.ID, lap))
	respondSuccess(w, "Lap confirmed", map[string]any{
		"lap_number":           lap.Number,
		"lap_duration_seconds": lap.Duration,
		"formatted":            lap.Formatted,
		"statistics":           stats,
	})
}

// GetStatistics summarises the confirmed laps
func (h *Handler) GetStatistics(w http.ResponseWriter, r *http.Request) {
	entry, ok := h.lookup(w, r)
	if !ok {
		return
	}

	stats, err := entry.Session.Statistics()
	if err != nil {
		respondError(w, "Failed to get statistics", err)
		return
	}
	respondSuccess(w, "Statistics retrieved", map[string]any{"statistics": stats})
}

// SaveResults persists a snapshot of the session
func (h *Handler) SaveResults(w http.ResponseWriter, r *http.Request) {
	entry, ok := h.lookup(w, r)
	if !ok {
		return
	}

	snap, err := entry.Session.Snapshot()
	if err != nil {
		respondError(w, "Failed to save results", err)
		return
	}

	result := models.SessionResult{
		SessionID:          entry.ID,
		VideoSource:        entry.Source,
		VideoInfo:          h.videoInfo(entry.Session),
		MinLapDuration:     snap.MinLapSeconds,
		ReferenceFrame:     snap.ReferenceFrame,
		ReferenceEmbedding: snap.ReferenceEmbedding,
		Statistics:         snap.Statistics,
	}
	location, err := h.store.SaveResult(r.Context(), result)
	if err != nil {
		respondError(w, "Failed to save results", err)
		return
	}

	h.logger.Info("results saved", "session_id", entry.ID, "location", location, "laps", snap.Statistics.TotalLaps)
	h.publish(r.Context(), events.New(events.ResultsSaved, entry.ID, map[string]any{
		"location":   location,
		"total_laps": snap.Statistics.TotalLaps,
	}))
	respondSuccess(w, "Results saved", map[string]any{"output_path": location})
}

// SimilarLaps finds stored lap boundaries that look like the current
// reference frame.
func (h *Handler) SimilarLaps(w http.ResponseWriter, r *http.Request) {
	entry, ok := h.lookup(w, r)
	if !ok {
		return
	}
	searcher, ok := h.store.(BoundarySearcher)
	if !ok {
		respondError(w, "Boundary search unavailable", ErrSearchNotEnabled)
		return
	}

	limit := defaultSimilarLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(w, "Invalid limit", fmt.Errorf("%w: limit %q", ErrInvalidRequest, v))
			return
		}
		limit = n
	}

	snap, err := entry.Session.Snapshot()
	if err != nil {
		respondError(w, "Boundary search failed", err)
		return
	}
	if snap.ReferenceFrame == nil {
		respondError(w, "Reference frame not set", session.ErrReferenceNotSet)
		return
	}

	matches, err := searcher.SimilarBoundaries(r.Context(), snap.ReferenceEmbedding, limit)
	if err != nil {
		respondError(w, "Boundary search failed", err)
		return
	}
	respondSuccess(w, "Boundary search complete", map[string]any{"matches": matches})
}

// CloseSession releases a session. Unknown ids succeed so the call is
// idempotent.
func (h *Handler) CloseSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if entry, ok := h.registry.Remove(id); ok {
		entry.Session.Close()
		h.publish(r.Context(), events.New(events.SessionClosed, id, nil))
	}
	respondSuccess(w, "Session closed", nil)
}

// HealthCheck reports liveness and the number of open sessions
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondSuccess(w, "healthy", map[string]any{
		"status":          "running",
		"active_sessions": h.registry.Len(),
		"oracle":          h.oracle.Name(),
	})
}

// NotFound answers unknown routes with the standard envelope
func (h *Handler) NotFound(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusNotFound, Response{
		Status:  "error",
		Message: "Resource not found",
		Error:   http.StatusText(http.StatusNotFound),
	})
}

// Shutdown closes every open session
func (h *Handler) Shutdown() {
	n := h.registry.Len()
	h.registry.CloseAll()
	h.logger.Info("closed open sessions", "count", n)
}

func (h *Handler) lookup(w http.ResponseWriter, r *http.Request) (*Entry, bool) {
	id := r.PathValue("id")
	entry, ok := h.registry.Get(id)
	if !ok {
		respondError(w, "Invalid session_id", fmt.Errorf("%w: %s", ErrSessionNotFound, id))
		return nil, false
	}
	return entry, true
}

func (h *Handler) videoInfo(s *session.Session) models.VideoInfo {
	info := s.Info()
	return models.VideoInfo{
		FPS:               info.FPS,
		TotalFrames:       info.FrameCount,
		Duration:          info.Duration(),
		FormattedDuration: models.FormatTime(info.Duration()),
		Oracle:            h.oracle.Name(),
	}
}

// resolveSource joins relative paths to the video root, refusing paths that
// climb out of it.
func (h *Handler) resolveSource(source string) (string, error) {
	if filepath.IsAbs(source) {
		return filepath.Clean(source), nil
	}
	cleaned := filepath.Clean(source)
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s is outside the video root", ErrInvalidRequest, source)
	}
	return filepath.Join(h.opts.VideoRoot, cleaned), nil
}

func (h *Handler) publish(ctx context.Context, event events.Event) {
	if err := h.publisher.Publish(ctx, event); err != nil {
		h.logger.Warn("failed to publish event", "type", event.Type, "session_id", event.SessionID, "error", err)
	}
}

func frameIndex(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.PathValue("frame")
	index, err := strconv.Atoi(raw)
	if err != nil {
		respondError(w, "Invalid frame index", fmt.Errorf("%w: frame index %q", ErrInvalidRequest, raw))
		return 0, false
	}
	return index, true
}

func frameTime(s *session.Session, index int) float64 {
	return float64(index) / s.Info().FPS
}

// decodeBody decodes an optional JSON body into v.
func decodeBody(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return nil
}
