package api

import (
	"errors"
	"io"
	"net/http"
	"time"

	"pricesync/internal/webhook"
)

type webhookResponse struct {
	Success          bool     `json:"success"`
	Result           string   `json:"result,omitempty"`
	Reason           string   `json:"reason,omitempty"`
	EntityID         string   `json:"entityId,omitempty"`
	JobsCreated      int      `json:"jobsCreated"`
	Ignored          []string `json:"ignored,omitempty"`
	Error            string   `json:"error,omitempty"`
	ProcessingTimeMs int64    `json:"processingTimeMs"`
}

// handleWebhook answers 200 for applied and skipped events alike; only infrastructure
// failures produce 5xx so the sender retries exactly when a retry can help.
func (s *HTTPServer) handleWebhook(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, webhookResponse{Error: "request body too large", ProcessingTimeMs: elapsedMs(start)})
			return
		}
		writeJSON(w, http.StatusBadRequest, webhookResponse{Error: "cannot read body", ProcessingTimeMs: elapsedMs(start)})
		return
	}

	res, err := s.ingress.Receive(r.Context(), webhook.RawRequest{
		Authorization: r.Header.Get("Authorization"),
		Body:          body,
		ReceivedAt:    start,
	})
	if err != nil {
		statusCode := http.StatusInternalServerError
		msg := "temporary failure, retry later"
		switch {
		case errors.Is(err, webhook.ErrUnauthorized):
			statusCode, msg = http.StatusUnauthorized, "unauthorized"
		case errors.Is(err, webhook.ErrValidation):
			statusCode, msg = http.StatusBadRequest, err.Error()
		default:
			s.logger.Error().Err(err).Msg("webhook processing failed")
		}
		writeJSON(w, statusCode, webhookResponse{Error: msg, ProcessingTimeMs: elapsedMs(start)})
		return
	}

	writeJSON(w, http.StatusOK, webhookResponse{
		Success:          true,
		Result:           res.Result,
		Reason:           res.Reason,
		EntityID:         res.EntityID,
		JobsCreated:      res.JobsCreated,
		Ignored:          res.Ignored,
		ProcessingTimeMs: elapsedMs(start),
	})
}

func elapsedMs(start time.Time) int64 {
	return time.Since(start).Milliseconds()
}
