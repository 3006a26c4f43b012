// Package api exposes the bridge over a small loopback HTTP surface for
// clients that cannot hold the websocket channel open.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/tinywideclouds/go-microservice-base/pkg/response"

	"github.com/tinywideclouds/go-push-receiver/internal/bridge"
	"github.com/tinywideclouds/go-push-receiver/pkg/receiver"
)

// StatusSource reports the bridge state.
type StatusSource interface {
	Status(ctx context.Context) (bridge.Status, error)
}

type StatusAPI struct {
	Source StatusSource
	// Dispatch hands an inbound event to the bridge. It must not block on the
	// request context; starts outlive the request that triggered them.
	Dispatch func(receiver.Event)
	Logger   *slog.Logger
}

func NewStatusAPI(source StatusSource, dispatch func(receiver.Event), logger *slog.Logger) *StatusAPI {
	return &StatusAPI{
		Source:   source,
		Dispatch: dispatch,
		Logger:   logger.With("component", "StatusAPI"),
	}
}

type StartRequest struct {
	SenderID string `json:"senderId"`
}

// GetStatus handles GET /api/v1/status.
func (api *StatusAPI) GetStatus(w http.ResponseWriter, r *http.Request) {
	st, err := api.Source.Status(r.Context())
	if err != nil {
		api.Logger.Error("failed to read status", "err", err)
		response.WriteJSONError(w, http.StatusInternalServerError, "status unavailable")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(st); err != nil {
		api.Logger.Warn("failed to write status", "err", err)
	}
}

// StartService handles POST /api/v1/start. The outcome arrives on the event
// channel, so the handler only acknowledges the request.
func (api *StatusAPI) StartService(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}

	// An empty sender is still dispatched; the bridge reports it as a start error.
	api.Dispatch(receiver.Event{Name: receiver.StartNotificationService, Payload: req.SenderID})
	api.Logger.Debug("Start requested", "sender_id", req.SenderID)
	w.WriteHeader(http.StatusAccepted)
}

// RequireToken rejects requests that lack the bearer token. An empty token
// disables the check.
func RequireToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				response.WriteJSONError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
