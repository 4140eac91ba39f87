package http

import (
	"context"
	"errors"
	"io"
	"net/http"

	"battle-sync-service/internal/domain"
	"battle-sync-service/internal/normalize"
	"github.com/rs/zerolog/log"
)

// Publisher injects push events, e.g. the in-memory broker or the JetStream source.
type Publisher interface {
	Publish(ctx context.Context, ev domain.Event) error
}

const maxEventBody = 1 << 20

// EventsHandler accepts push-event envelopes over HTTP and publishes them.
// It lets a single-node deployment be driven without a message broker.
type EventsHandler struct {
	publisher Publisher
}

func NewEventsHandler(publisher Publisher) *EventsHandler {
	return &EventsHandler{publisher: publisher}
}

// ServeHTTP handles POST /events with a body of the form
// {"eventId": .., "event": .., "matchId": .., "data": {..}}.
func (h *EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxEventBody))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	ev, err := normalize.DecodeEnvelope(body, "")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if ev.MatchID == "" {
		http.Error(w, "missing matchId", http.StatusBadRequest)
		return
	}
	if err := h.publisher.Publish(r.Context(), ev); err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, domain.ErrMalformedEvent) {
			status = http.StatusBadRequest
		}
		log.Error().Err(err).Str("match_id", ev.MatchID).Msg("failed to publish event")
		http.Error(w, err.Error(), status)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
