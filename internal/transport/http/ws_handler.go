package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"battle-sync-service/internal/app"
	"battle-sync-service/internal/domain"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

type WSHandler struct {
	service  *app.BattleService
	upgrader websocket.Upgrader
}

func NewWSHandler(service *app.BattleService) *WSHandler {
	return &WSHandler{
		service: service,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

type inboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type selectPayload struct {
	Option *int `json:"option"`
}

type outboundMessage[T any] struct {
	Type    string `json:"type"`
	Payload T      `json:"payload"`
}

type errorPayload struct {
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

type selectionPayload struct {
	Accepted bool `json:"accepted"`
}

type joinedPayload struct {
	SessionID string       `json:"sessionId"`
	Snapshot  app.Snapshot `json:"snapshot"`
}

type roundPayload struct {
	RoundID     string                 `json:"roundId,omitempty"`
	RoundNumber int                    `json:"roundNumber"`
	Bindings    [2]domain.RoundBinding `json:"bindings"`
	Advantage   domain.Advantage       `json:"advantage,omitempty"`
	Scores      domain.ScoreBoard      `json:"scores"`
}

// questionPayload is the client view of a question. The correct option is never sent.
type questionPayload struct {
	RoundQuestionID int64    `json:"roundQuestionId"`
	Prompt          string   `json:"prompt"`
	Options         []string `json:"options"`
	DeadlineMs      int64    `json:"deadline,omitempty"`
	RemainingMs     int64    `json:"remainingMs"`
	Order           int      `json:"order,omitempty"`
	Debuff          bool     `json:"debuff"`
}

type countdownPayload struct {
	RemainingMs int64 `json:"remainingMs"`
}

type emptyPayload struct{}

// ServeWS upgrades HTTP requests to websockets and wires them into the battle use cases.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	matchID := r.URL.Query().Get("matchId")
	participantID := r.URL.Query().Get("participantId")
	if matchID == "" || participantID == "" {
		http.Error(w, "missing matchId or participantId", http.StatusBadRequest)
		return
	}
	sessionID := uuid.NewString()
	logger := log.With().
		Str("session_id", sessionID).
		Str("match_id", matchID).
		Str("participant_id", participantID).
		Logger()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn().Err(err).Msg("ws upgrade failed")
		return
	}
	defer conn.Close()

	if _, err := h.service.Join(r.Context(), matchID, participantID); err != nil {
		_ = conn.WriteJSON(outboundMessage[errorPayload]{Type: "error", Payload: errorPayload{Message: err.Error()}})
		return
	}
	defer h.service.Leave(r.Context(), matchID, participantID)

	updates, cancel, err := h.service.Subscribe(r.Context(), matchID, participantID)
	if err != nil {
		_ = conn.WriteJSON(outboundMessage[errorPayload]{Type: "error", Payload: errorPayload{Message: err.Error()}})
		return
	}
	defer cancel()

	snapshot, err := h.service.Snapshot(r.Context(), matchID, participantID)
	if err != nil {
		_ = conn.WriteJSON(outboundMessage[errorPayload]{Type: "error", Payload: errorPayload{Message: err.Error()}})
		return
	}
	if snapshot.Question != nil {
		snapshot.Question.CorrectIndex = -1
	}

	send := make(chan outboundMessage[any], 16)
	closeSignals := make(chan struct{})
	writerDone := make(chan struct{})
	updatesDone := make(chan struct{})

	go func() {
		defer close(writerDone)
		for msg := range send {
			if err := conn.WriteJSON(msg); err != nil {
				logger.Debug().Err(err).Msg("ws write error")
				return
			}
		}
	}()

	go func() {
		defer close(updatesDone)
		for {
			select {
			case update, ok := <-updates:
				if !ok {
					return
				}
				select {
				case send <- toOutbound(update):
				case <-closeSignals:
					return
				}
			case <-closeSignals:
				return
			}
		}
	}()

	logger.Info().Msg("participant connected")
	send <- outboundMessage[any]{Type: "joined", Payload: joinedPayload{SessionID: sessionID, Snapshot: snapshot}}

	for {
		var inbound inboundMessage
		if err := conn.ReadJSON(&inbound); err != nil {
			break
		}
		switch inbound.Type {
		case "select":
			var payload selectPayload
			if err := json.Unmarshal(inbound.Payload, &payload); err != nil || payload.Option == nil {
				send <- outboundMessage[any]{Type: "error", Payload: errorPayload{Message: "invalid select payload"}}
				continue
			}
			accepted, err := h.service.SelectAnswer(r.Context(), matchID, participantID, *payload.Option)
			if err != nil {
				send <- outboundMessage[any]{Type: "error", Payload: errorPayload{Message: err.Error()}}
				continue
			}
			send <- outboundMessage[any]{Type: "selection", Payload: selectionPayload{Accepted: accepted}}
		case "submit":
			if err := h.service.Submit(r.Context(), matchID, participantID); err != nil {
				logger.Warn().Err(err).Msg("submit failed")
				send <- outboundMessage[any]{Type: "error", Payload: errorPayload{
					Message:   err.Error(),
					Retryable: errors.Is(err, domain.ErrSubmissionFailed),
				}}
			}
		case "ping":
			send <- outboundMessage[any]{Type: "pong", Payload: emptyPayload{}}
		default:
			send <- outboundMessage[any]{Type: "error", Payload: errorPayload{Message: "unsupported message type"}}
		}
	}

	logger.Info().Msg("participant disconnected")
	close(closeSignals)
	<-updatesDone
	close(send)
	<-writerDone
}

func toOutbound(n app.Notification) outboundMessage[any] {
	switch n.Kind {
	case app.NotifyRoundStarted, app.NotifyRoundCompleted:
		p := roundPayload{Advantage: n.Advantage, Scores: n.Scores}
		if n.Round != nil {
			p.RoundID = n.Round.ID
			p.RoundNumber = n.Round.Number
			p.Bindings = n.Round.Bindings
		}
		return outboundMessage[any]{Type: string(n.Kind), Payload: p}
	case app.NotifyQuestion:
		p := questionPayload{RemainingMs: n.Remaining.Milliseconds()}
		if q := n.Question; q != nil {
			p.RoundQuestionID = q.RoundQuestionID
			p.Prompt = q.Prompt
			p.Options = q.Options
			p.Order = q.Order
			p.Debuff = q.Debuff
			if !q.Deadline.IsZero() {
				p.DeadlineMs = q.Deadline.UnixMilli()
			}
		}
		return outboundMessage[any]{Type: "question", Payload: p}
	case app.NotifyCountdown:
		return outboundMessage[any]{Type: "countdown", Payload: countdownPayload{RemainingMs: n.Remaining.Milliseconds()}}
	case app.NotifyScore, app.NotifyMatchCompleted:
		return outboundMessage[any]{Type: string(n.Kind), Payload: n.Scores}
	default:
		return outboundMessage[any]{Type: string(n.Kind), Payload: emptyPayload{}}
	}
}
