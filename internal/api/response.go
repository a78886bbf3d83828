package api

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image"
	"image/png"
	"net/http"

	"github.com/bdougie/lapvision/internal/session"
	"github.com/bdougie/lapvision/internal/video"
)

var (
	ErrSessionNotFound  = errors.New("api: session not found")
	ErrTooManyRequests  = errors.New("api: too many concurrent frame requests")
	ErrInvalidRequest   = errors.New("api: invalid request")
	ErrSearchNotEnabled = errors.New("api: boundary search requires the postgres storage backend")
)

// Response is the envelope of every API reply
type Response struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func respondSuccess(w http.ResponseWriter, message string, data any) {
	if data == nil {
		data = struct{}{}
	}
	respondJSON(w, http.StatusOK, Response{Status: "success", Message: message, Data: data})
}

func respondError(w http.ResponseWriter, message string, err error) {
	respondJSON(w, statusFor(err), Response{Status: "error", Message: message, Error: err.Error()})
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrTooManyRequests):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, ErrSearchNotEnabled):
		return http.StatusNotImplemented
	case errors.Is(err, session.ErrReferenceNotSet),
		errors.Is(err, session.ErrClosed),
		errors.Is(err, session.ErrEndOfVideo),
		errors.Is(err, session.ErrInsufficientVideoRemaining):
		return http.StatusConflict
	case errors.Is(err, video.ErrInvalidVideo),
		errors.Is(err, session.ErrFrameUnavailable),
		errors.Is(err, session.ErrEmptySearchRange),
		errors.Is(err, session.ErrLapTooShort),
		errors.Is(err, session.ErrInvalidMinLap):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

// encodeImage renders img as a base64 PNG.
func encodeImage(img image.Image) (string, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
