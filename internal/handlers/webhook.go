package handlers

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/justinas/alice"
	"github.com/rs/zerolog/log"

	"instareply/internal/services"
	"instareply/internal/store"
	"instareply/internal/webhook"
)

// Handler owns the HTTP surface: webhook ingestion, on-demand
// reconciliation, and the liveness probes.
type Handler struct {
	pipeline   *services.Pipeline
	store      *store.Store
	token      string
	sweepLimit int
}

// NewHandler creates a Handler. token is the shared-secret bearer token
// protecting the ingestion endpoints.
func NewHandler(p *services.Pipeline, s *store.Store, token string, sweepLimit int) *Handler {
	if p == nil {
		log.Fatal().Msg("Pipeline cannot be nil for Handler")
	}
	if s == nil {
		log.Fatal().Msg("Store cannot be nil for Handler")
	}
	return &Handler{pipeline: p, store: s, token: token, sweepLimit: sweepLimit}
}

// Routes builds the router. /webhook/process and /process/pending require
// the bearer token; the probes do not.
func (h *Handler) Routes() *mux.Router {
	r := mux.NewRouter()

	authed := alice.New(h.logRequest, h.requireAuth)
	open := alice.New(h.logRequest)

	r.Handle("/webhook/process", authed.ThenFunc(h.processWebhook)).Methods(http.MethodPost)
	r.Handle("/process/pending", authed.ThenFunc(h.processPending)).Methods(http.MethodPost)
	r.Handle("/health", open.ThenFunc(h.health)).Methods(http.MethodGet)
	r.Handle("/ping", open.ThenFunc(h.ping)).Methods(http.MethodGet)

	return r
}

func (h *Handler) logRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("duration", time.Since(start)).
			Msg("Request handled")
	})
}

func (h *Handler) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		provided := strings.TrimPrefix(header, "Bearer ")
		if provided == header || provided == "" ||
			subtle.ConstantTimeCompare([]byte(provided), []byte(h.token)) != 1 {
			log.Warn().Str("path", r.URL.Path).Msg("Rejected request with invalid bearer token")
			respondJSON(w, http.StatusUnauthorized, map[string]interface{}{
				"success": false,
				"error":   "unauthorized",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// processWebhook accepts a webhook envelope. A malformed or non-Instagram
// envelope gets a 400 with no persistence side effect; once the envelope
// is well-formed the response is 200 even when individual sub-items fail,
// matching the platform's expectation that deliveries be acknowledged
// quickly.
func (h *Handler) processWebhook(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]interface{}{
			"success": false,
			"error":   "failed to read request body",
		})
		return
	}

	var env webhook.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]interface{}{
			"success": false,
			"error":   "invalid JSON payload",
		})
		return
	}

	if err := h.pipeline.Ingest(r.Context(), env, raw); err != nil {
		if errors.Is(err, webhook.ErrNotInstagram) {
			respondJSON(w, http.StatusBadRequest, map[string]interface{}{
				"success": false,
				"error":   "not an instagram webhook",
			})
			return
		}
		log.Error().Err(err).Msg("Webhook ingestion failed")
		respondJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"success": false,
			"error":   "internal error",
		})
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

// processPending triggers an on-demand reconciliation sweep.
func (h *Handler) processPending(w http.ResponseWriter, r *http.Request) {
	processed, err := h.pipeline.ProcessPending(r.Context(), h.sweepLimit)
	if err != nil {
		log.Error().Err(err).Msg("On-demand sweep failed")
		respondJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"success": false,
			"error":   "internal error",
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"processed": processed,
	})
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	pending, err := h.store.CountPending(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("Health check: pending count failed")
		respondJSON(w, http.StatusInternalServerError, map[string]interface{}{"status": "degraded"})
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":        "ok",
		"pendingEvents": pending,
	})
}

func (h *Handler) ping(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{"status": "ok"})
}

func respondJSON(w http.ResponseWriter, statusCode int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
