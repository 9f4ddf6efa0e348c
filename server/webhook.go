package server

import (
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"pluginwarden/github"
	"pluginwarden/logger"
	"pluginwarden/pipeline"
)

// GitHub caps webhook payloads at 25 MB.
const maxWebhookBody = 25 << 20

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	event := r.Header.Get("X-GitHub-Event")
	deliveryID := r.Header.Get("X-GitHub-Delivery")
	log := logger.With(zap.String("event", event), zap.String("delivery_id", deliveryID))

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	if s.webhookSecret != "" {
		if err := github.VerifySignature(s.webhookSecret, body, r.Header.Get(github.SignatureHeader)); err != nil {
			log.Warn("Webhook signature rejected", zap.Error(err))
			writeError(w, http.StatusUnauthorized, "invalid signature")
			return
		}
	}

	log.Info("Received event")
	ack, err := s.events.HandleEvent(r.Context(), event, deliveryID, body)
	if err != nil {
		switch {
		case errors.Is(err, pipeline.ErrMalformedPayload):
			log.Warn("Malformed webhook payload", zap.Error(err))
			writeError(w, http.StatusBadRequest, "malformed payload")
		case errors.Is(err, pipeline.ErrRepositoryUnresolved):
			log.Error("Repository could not be resolved", zap.Error(err))
			writeError(w, http.StatusBadGateway, "repository could not be resolved")
		default:
			log.Error("Failed to process webhook", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to process webhook")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": ack})
}
