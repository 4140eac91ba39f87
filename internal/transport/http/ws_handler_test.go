package http

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"battle-sync-service/internal/advantage"
	"battle-sync-service/internal/app"
	"battle-sync-service/internal/domain"
	"battle-sync-service/internal/infra/memory"
	"github.com/gorilla/websocket"
)

type recordingSubmitter struct {
	calls chan domain.AnswerSubmission
}

func (s *recordingSubmitter) Submit(_ context.Context, _ string, sub domain.AnswerSubmission) ([]byte, error) {
	s.calls <- sub
	return []byte(`{"correct": true}`), nil
}

type noConfusion struct{}

func (noConfusion) Float64() float64 { return 0.99 }
func (noConfusion) Intn(int) int     { return 0 }

func TestWebSocketBattleFlow(t *testing.T) {
	broker := memory.NewBroker()
	matchups := memory.NewMatchupRepository(memory.NewStaticChartLoader(map[string]advantage.Table{
		"standard": advantage.DefaultChart(),
	}), time.Minute)
	sub := &recordingSubmitter{calls: make(chan domain.AnswerSubmission, 4)}
	service := app.NewBattleService(memory.NewEngineStore(), broker, matchups, broker, sub, app.ServiceOptions{
		Chart:   "standard",
		NewRand: func() app.Randomizer { return noConfusion{} },
	})
	defer service.Close(context.Background())
	wsHandler := NewWSHandler(service)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", wsHandler.ServeWS)
	server := httptest.NewServer(mux)
	defer server.Close()

	u := "ws" + server.URL[len("http"):] + "/ws?matchId=m1&participantId=p1"
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Expect joined event first.
	_, payload := readNext(conn, t, "joined")
	if payload["sessionId"] == "" || payload["snapshot"] == nil {
		t.Fatalf("expected joined payload, got %+v", payload)
	}

	err = broker.Publish(context.Background(), domain.Event{
		Name:    domain.EventRoundStarted,
		MatchID: "m1",
		Data: []byte(`{"roundId": "r1", "roundNumber": 1, "participants": [
			{"participantId": "p1", "creature": {"type": "water"}},
			{"participantId": "p2", "creature": {"type": "fire"}}
		], "question": {"roundQuestionId": 9, "question": "[en]Pick|[vi]Chon", "options": [
			{"text": "a"}, {"text": "b", "isCorrect": true}
		]}}`),
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	_, round := readNext(conn, t, "round_started")
	if round["advantage"] != string(domain.AdvantageSelf) {
		t.Fatalf("expected self advantage, got %+v", round)
	}
	_, question := readNext(conn, t, "question")
	if question["prompt"] != "Pick" || fmt.Sprint(question["roundQuestionId"]) != "9" {
		t.Fatalf("unexpected question %+v", question)
	}
	if _, leaked := question["correctIndex"]; leaked {
		t.Fatalf("correct option leaked to client")
	}

	if err := conn.WriteJSON(map[string]any{"type": "select", "payload": map[string]any{"option": 1}}); err != nil {
		t.Fatalf("write select: %v", err)
	}
	_, selection := readNext(conn, t, "selection")
	if selection["accepted"] != true {
		t.Fatalf("expected selection accepted, got %+v", selection)
	}

	if err := conn.WriteJSON(map[string]any{"type": "submit"}); err != nil {
		t.Fatalf("write submit: %v", err)
	}
	select {
	case got := <-sub.calls:
		if got.RoundQuestionID != 9 || got.Option != 1 || got.ParticipantID != "p1" {
			t.Fatalf("unexpected submission %+v", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("submission not sent")
	}
	_, score := readNext(conn, t, "score")
	if fmt.Sprint(score["self"]) != "1" {
		t.Fatalf("expected self score 1, got %+v", score)
	}

	if err := conn.WriteJSON(map[string]any{"type": "ping"}); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	readNext(conn, t, "pong")
}

func TestWebSocketRequiresIdentity(t *testing.T) {
	wsHandler := NewWSHandler(nil)
	rec := httptest.NewRecorder()
	wsHandler.ServeWS(rec, httptest.NewRequest(http.MethodGet, "/ws?matchId=m1", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func readNext(conn *websocket.Conn, t *testing.T, expect string) (string, map[string]any) {
	t.Helper()
	var msg struct {
		Type    string         `json:"type"`
		Payload map[string]any `json:"payload"`
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read json: %v", err)
	}
	if expect != "" && msg.Type != expect {
		t.Fatalf("expected type %s, got %s", expect, msg.Type)
	}
	return msg.Type, msg.Payload
}
