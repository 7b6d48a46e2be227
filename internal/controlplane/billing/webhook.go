package billing

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/erplane/erplane/internal/controlplane/cpmetrics"
)

const webhookBodyLimit = 1024 * 1024 // 1 MiB

// WebhookHandler accepts billing notifications over HTTP and hands them to
// the adapter.
type WebhookHandler struct {
	adapter *Adapter
}

type webhookErrorResponse struct {
	Error string `json:"error"`
}

type webhookReceivedResponse struct {
	Received bool `json:"received"`
}

// NewWebhookHandler creates a billing webhook HTTP handler.
func NewWebhookHandler(adapter *Adapter) *WebhookHandler {
	return &WebhookHandler{adapter: adapter}
}

// ServeHTTP decodes the event and dispatches it. Processing failures return
// 500 so the billing system redelivers; malformed payloads return 400 so it
// does not retry garbage forever.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	eventType := "unknown"
	status := http.StatusOK
	defer func() {
		cpmetrics.WebhookRequestsTotal.WithLabelValues(eventType, strconv.Itoa(status)).Inc()
		cpmetrics.WebhookDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		status = http.StatusMethodNotAllowed
		writeJSON(w, http.StatusMethodNotAllowed, webhookErrorResponse{Error: "method not allowed"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, webhookBodyLimit)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		status = http.StatusBadRequest
		writeJSON(w, http.StatusBadRequest, webhookErrorResponse{Error: "failed to read request body"})
		return
	}

	ev, err := ParseEvent(payload)
	if err != nil {
		status = http.StatusBadRequest
		writeJSON(w, http.StatusBadRequest, webhookErrorResponse{Error: "invalid event payload"})
		return
	}
	eventType = string(ev.Type)

	if err := h.adapter.Handle(r.Context(), ev); err != nil {
		log.Error().Err(err).
			Str("event_id", ev.EventID).
			Str("type", string(ev.Type)).
			Msg("Billing webhook processing failed")
		status = http.StatusInternalServerError
		writeJSON(w, http.StatusInternalServerError, webhookErrorResponse{Error: "processing failed"})
		return
	}

	status = http.StatusOK
	writeJSON(w, http.StatusOK, webhookReceivedResponse{Received: true})
}

func writeJSON[T any](w http.ResponseWriter, status int, v T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Int("status", status).Msg("billing: encode webhook response")
	}
}
