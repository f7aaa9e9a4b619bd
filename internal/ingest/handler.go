package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"storewatch/internal/detection"
	"storewatch/internal/queue"
)

// Handler accepts detections over HTTP and queues them for ingestion.
type Handler struct {
	queue      *queue.RingBuffer
	maxPayload int
	maxBatch   int
	startTime  time.Time
	received   atomic.Uint64
}

// NewHandler creates a new ingest Handler.
func NewHandler(q *queue.RingBuffer) *Handler {
	return &Handler{
		queue:      q,
		maxPayload: 10 * 1024 * 1024, // 10MB default
		maxBatch:   1000,
		startTime:  time.Now(),
	}
}

// WithMaxPayload sets the maximum payload size.
func (h *Handler) WithMaxPayload(size int) *Handler {
	if size > 0 {
		h.maxPayload = size
	}
	return h
}

// WithMaxBatch sets the maximum batch size.
func (h *Handler) WithMaxBatch(size int) *Handler {
	if size > 0 {
		h.maxBatch = size
	}
	return h
}

// Routes registers the handler's endpoints on mux.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/detections", h.HandleDetections)
	mux.HandleFunc("GET /health", h.HealthCheck)
}

// IngestRequest is the request body of POST /v1/detections. Each entry is an AI
// analysis, a behavior alert or a canonical detection.
type IngestRequest struct {
	Detections []json.RawMessage `json:"detections"`
}

// IngestResponse is the response of POST /v1/detections.
type IngestResponse struct {
	Success   bool     `json:"success"`
	Queued    int      `json:"queued"`
	Rejected  int      `json:"rejected"`
	Errors    []string `json:"errors,omitempty"`
	RequestID string   `json:"requestId"`
}

// HandleDetections handles POST /v1/detections.
func (h *Handler) HandleDetections(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()

	r.Body = http.MaxBytesReader(w, r.Body, int64(h.maxPayload))
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, http.StatusRequestEntityTooLarge, "payload too large", requestID)
			return
		}
		respondError(w, http.StatusBadRequest, "failed to read request body", requestID)
		return
	}

	var req IngestRequest
	if err := json.Unmarshal(body, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON", requestID)
		return
	}
	if len(req.Detections) == 0 {
		respondError(w, http.StatusBadRequest, "no detections provided", requestID)
		return
	}
	if len(req.Detections) > h.maxBatch {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("batch size exceeds maximum of %d", h.maxBatch), requestID)
		return
	}

	var queued, rejected int
	var problems []string
	now := time.Now().UTC()
	for i, payload := range req.Detections {
		raw, err := detection.Decode(payload)
		if err == nil {
			// Reject payloads that cannot be normalized.
			_, err = raw.Normalize()
		}
		if err != nil {
			rejected++
			problems = append(problems, fmt.Sprintf("detections[%d]: %v", i, err))
			continue
		}

		if err := h.queue.Push(&queue.Item{Raw: raw, Source: "http", ReceivedAt: now}); err != nil {
			rejected++
			if errors.Is(err, queue.ErrQueueFull) {
				problems = append(problems, fmt.Sprintf("detections[%d]: queue full", i))
			} else {
				problems = append(problems, fmt.Sprintf("detections[%d]: %v", i, err))
			}
			continue
		}
		queued++
		h.received.Add(1)
	}

	resp := IngestResponse{
		Success:   rejected == 0,
		Queued:    queued,
		Rejected:  rejected,
		Errors:    problems,
		RequestID: requestID,
	}

	status := http.StatusAccepted
	if queued == 0 {
		status = http.StatusBadRequest
	} else if rejected > 0 {
		status = http.StatusMultiStatus
	}
	if rejected > 0 {
		slog.Debug("detections rejected", "request_id", requestID, "rejected", rejected, "queued", queued)
	}
	respondJSON(w, status, resp)
}

// HealthCheck handles GET /health.
func (h *Handler) HealthCheck(w http.ResponseWriter, _ *http.Request) {
	m := h.queue.Metrics()

	status := "healthy"
	if m.Depth > int(float64(m.Capacity)*0.9) {
		status = "degraded"
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"status":        status,
		"queueDepth":    m.Depth,
		"queueCapacity": m.Capacity,
		"queueDropped":  m.Dropped,
		"received":      h.received.Load(),
		"uptimeSeconds": int(time.Since(h.startTime).Seconds()),
	})
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Debug("failed to write response", "error", err)
	}
}

func respondError(w http.ResponseWriter, status int, message string, requestID string) {
	respondJSON(w, status, map[string]any{
		"success":   false,
		"error":     message,
		"requestId": requestID,
	})
}
