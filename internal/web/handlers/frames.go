package handlers

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kozaktomas/attendance/internal/constants"
	"github.com/kozaktomas/attendance/internal/pipeline"
)

// FramesHandler accepts camera frames and serves the latest result.
type FramesHandler struct {
	engine Engine
	logger *zap.Logger
}

// NewFramesHandler creates the frames handler.
func NewFramesHandler(eng Engine, logger *zap.Logger) *FramesHandler {
	return &FramesHandler{engine: eng, logger: logger}
}

type submitResponse struct {
	Queued bool `json:"queued"`
}

// Submit handles POST /frames. The body is either an encoded image or a
// multipart form with a "file" field. A full queue is not an error: the
// response reports queued=false and the frame is gone.
func (h *FramesHandler) Submit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, constants.MaxFrameBytes)

	data, err := readFrame(r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, http.StatusRequestEntityTooLarge, "frame too large")
			return
		}
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	queued, err := h.engine.Submit(pipeline.Frame{Data: data, CapturedAt: time.Now()})
	if errors.Is(err, pipeline.ErrNotRunning) {
		respondError(w, http.StatusServiceUnavailable, "pipeline not running")
		return
	}
	if err != nil {
		h.logger.Warn("frame submit failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to submit frame")
		return
	}

	status := http.StatusAccepted
	if !queued {
		status = http.StatusOK
	}
	respondJSON(w, status, submitResponse{Queued: queued})
}

func readFrame(r *http.Request) ([]byte, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	var src io.Reader = r.Body
	if strings.HasPrefix(mediaType, "multipart/") {
		file, _, err := r.FormFile("file")
		if err != nil {
			return nil, errors.New("missing file field")
		}
		defer file.Close()
		src = file
	}
	data, err := io.ReadAll(src)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, errors.New("empty frame")
	}
	return data, nil
}

// Latest handles GET /result. It answers 204 until the first frame is processed.
func (h *FramesHandler) Latest(w http.ResponseWriter, r *http.Request) {
	res, ok := h.engine.Latest()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	respondJSON(w, http.StatusOK, res)
}
