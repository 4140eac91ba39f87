package app_test

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"battle-sync-service/internal/advantage"
	"battle-sync-service/internal/app"
	"battle-sync-service/internal/domain"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

func TestMain(m *testing.M) {
	zerolog.SetGlobalLevel(zerolog.Disabled)
	os.Exit(m.Run())
}

var testEpoch = time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)

type recorder struct {
	mu         sync.Mutex
	events     []string
	questions  []domain.Question
	remaining  []time.Duration
	scores     [][2]int
	final      *domain.ScoreBoard
	rounds     []domain.Round
	advantages []domain.Advantage
	countdowns chan time.Duration
}

func newRecorder() *recorder {
	return &recorder{countdowns: make(chan time.Duration, 256)}
}

func (r *recorder) add(ev string) {
	r.events = append(r.events, ev)
}

func (r *recorder) OnRoundStart(round domain.Round, adv domain.Advantage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.add("round_start")
	r.rounds = append(r.rounds, round)
	r.advantages = append(r.advantages, adv)
}

func (r *recorder) OnQuestionChange(q domain.Question, remaining time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.add(fmt.Sprintf("question:%d", q.RoundQuestionID))
	r.questions = append(r.questions, q)
	r.remaining = append(r.remaining, remaining)
}

func (r *recorder) OnCountdown(remaining time.Duration) {
	r.countdowns <- remaining
}

func (r *recorder) OnWaitingForOpponent() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.add("waiting")
}

func (r *recorder) OnScoreChange(self, opponent int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.add(fmt.Sprintf("score:%d-%d", self, opponent))
	r.scores = append(r.scores, [2]int{self, opponent})
}

func (r *recorder) OnRoundComplete(round domain.Round) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.add("round_complete")
	r.rounds = append(r.rounds, round)
}

func (r *recorder) OnMatchComplete(final domain.ScoreBoard) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.add("match_complete")
	r.final = &final
}

func (r *recorder) count(ev string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e == ev {
			n++
		}
	}
	return n
}

func (r *recorder) eventCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *recorder) waitCountdown(t *testing.T, want time.Duration) {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case got := <-r.countdowns:
			if got == want {
				return
			}
		case <-timeout:
			t.Fatalf("timed out waiting for countdown %v", want)
		}
	}
}

type stubSubmitter struct {
	mu      sync.Mutex
	calls   []domain.AnswerSubmission
	respond func(sub domain.AnswerSubmission, call int) ([]byte, error)
	block   chan struct{}
	entered chan struct{}
}

func (s *stubSubmitter) Submit(ctx context.Context, _ string, sub domain.AnswerSubmission) ([]byte, error) {
	s.mu.Lock()
	s.calls = append(s.calls, sub)
	call := len(s.calls)
	respond, block, entered := s.respond, s.block, s.entered
	s.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if respond != nil {
		return respond(sub, call)
	}
	return []byte(`{}`), nil
}

func (s *stubSubmitter) Calls() []domain.AnswerSubmission {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.AnswerSubmission(nil), s.calls...)
}

type fixedRand struct {
	draw float64
	pick int
}

func (r fixedRand) Float64() float64 { return r.draw }

func (r fixedRand) Intn(n int) int {
	if r.pick >= n {
		return n - 1
	}
	return r.pick
}

type harness struct {
	engine *app.Engine
	clock  *clockwork.FakeClock
	rec    *recorder
	sub    *stubSubmitter
}

func newHarness(t *testing.T, rnd app.Randomizer) *harness {
	t.Helper()
	h := &harness{
		clock: clockwork.NewFakeClockAt(testEpoch),
		rec:   newRecorder(),
		sub:   &stubSubmitter{},
	}
	if rnd == nil {
		rnd = fixedRand{draw: 0.99}
	}
	h.engine = app.NewEngine(app.EngineOptions{
		MatchID:      "match-1",
		SelfID:       "p1",
		Submitter:    h.sub,
		Listener:     h.rec,
		Matchups:     advantage.DefaultChart(),
		Clock:        h.clock,
		Rand:         rnd,
		TickInterval: time.Second,
	})
	t.Cleanup(h.engine.Close)
	return h
}

func (h *harness) push(name domain.EventName, data string) {
	h.engine.HandlePush(domain.Event{Name: name, Data: []byte(data)})
}

func (h *harness) deadlineIn(d time.Duration) int64 {
	return h.clock.Now().Add(d).UnixMilli()
}

// roundStarted builds a round_started payload. embedded may be empty.
func roundStarted(number int, selfType, oppType, embedded string) string {
	question := ""
	if embedded != "" {
		question = `, "question": ` + embedded
	}
	return fmt.Sprintf(`{
		"roundId": "round-%d",
		"roundNumber": %d,
		"participants": [
			{"participantId": "p1", "creature": {"id": "c1", "name": "Self", "type": %q}},
			{"participantId": "p2", "creature": {"id": "c2", "name": "Rival", "type": %q}}
		]%s
	}`, number, number, selfType, oppType, question)
}

func questionJSON(id int64, deadlineMs int64, extra string) string {
	deadline := ""
	if deadlineMs > 0 {
		deadline = fmt.Sprintf(`, "deadline": %d`, deadlineMs)
	}
	return fmt.Sprintf(`{"roundQuestionId": %d, "question": "Q%d", "options": ["a", "b", "c", "d"]%s%s}`, id, id, deadline, extra)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}

func TestRoundStartWithEmbeddedQuestionThenMissedDeadline(t *testing.T) {
	h := newHarness(t, nil)

	h.push(domain.EventRoundStarted, roundStarted(1, "fire", "fire", questionJSON(2215, h.deadlineIn(15*time.Second), "")))

	if got := h.rec.count("question:2215"); got != 1 {
		t.Fatalf("expected one question change, got %d", got)
	}
	if h.rec.remaining[0] != 15*time.Second {
		t.Fatalf("expected 15s remaining, got %v", h.rec.remaining[0])
	}
	if h.engine.State() != app.StateQuestionActive {
		t.Fatalf("expected question active, got %s", h.engine.State())
	}

	h.clock.Advance(16 * time.Second)
	h.rec.waitCountdown(t, 0)

	if calls := h.sub.Calls(); len(calls) != 0 {
		t.Fatalf("expected no submission, got %+v", calls)
	}
	if got := h.engine.Remaining(); got != 0 {
		t.Fatalf("expected 0 remaining, got %v", got)
	}
	waitFor(t, func() bool { return h.engine.State() == app.StateAwaitingAdvance })
}

func TestRoundStartWithoutQuestionStaysPending(t *testing.T) {
	h := newHarness(t, nil)

	h.push(domain.EventRoundStarted, roundStarted(1, "grass", "fire", ""))

	if h.engine.State() != app.StateRoundPending {
		t.Fatalf("expected round pending, got %s", h.engine.State())
	}
	if len(h.rec.advantages) != 1 || h.rec.advantages[0] != domain.AdvantageOpponent {
		t.Fatalf("expected opponent advantage, got %+v", h.rec.advantages)
	}
	if h.rec.rounds[0].Bindings[1].Creature.Type != "fire" {
		t.Fatalf("expected bindings on round start, got %+v", h.rec.rounds[0].Bindings)
	}
}

func TestConfusedSelectionIsSubmitted(t *testing.T) {
	h := newHarness(t, fixedRand{draw: 0.1, pick: 0})

	q := `{"roundQuestionId": 10, "options": [
		{"text": "a"}, {"text": "b"}, {"text": "c", "isCorrect": true}, {"text": "d"}
	]}`
	h.push(domain.EventRoundStarted, roundStarted(1, "grass", "fire", q))

	if !h.engine.SelectAnswer(1) {
		t.Fatalf("selection rejected")
	}
	if err := h.engine.SubmitPendingAnswer(context.Background()); err != nil {
		t.Fatalf("submit: %v", err)
	}

	calls := h.sub.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected one submission, got %d", len(calls))
	}
	if calls[0].Option == 1 || calls[0].Option == 2 {
		t.Fatalf("substituted option must differ from pick and correct, got %d", calls[0].Option)
	}
	if calls[0].Option != 0 {
		t.Fatalf("expected first candidate 0, got %d", calls[0].Option)
	}
}

func TestConfusionKeepsPickWithoutAlternative(t *testing.T) {
	h := newHarness(t, fixedRand{draw: 0.0})

	q := `{"roundQuestionId": 10, "options": [{"text": "a", "isCorrect": true}, {"text": "b"}]}`
	h.push(domain.EventRoundStarted, roundStarted(1, "grass", "fire", q))

	h.engine.SelectAnswer(1)
	if err := h.engine.SubmitPendingAnswer(context.Background()); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if got := h.sub.Calls()[0].Option; got != 1 {
		t.Fatalf("expected original pick 1, got %d", got)
	}
}

func TestNoConfusionWithoutOpponentAdvantage(t *testing.T) {
	for _, types := range [][2]string{{"fire", "grass"}, {"fire", "fire"}} {
		h := newHarness(t, fixedRand{draw: 0.0})
		h.push(domain.EventRoundStarted, roundStarted(1, types[0], types[1], questionJSON(10, 0, "")))

		h.engine.SelectAnswer(3)
		if err := h.engine.SubmitPendingAnswer(context.Background()); err != nil {
			t.Fatalf("submit: %v", err)
		}
		if got := h.sub.Calls()[0].Option; got != 3 {
			t.Fatalf("%v: expected untouched pick 3, got %d", types, got)
		}
	}
}

func TestPushThenResponseWithSameQuestionAdvancesOnce(t *testing.T) {
	h := newHarness(t, nil)
	h.sub.block = make(chan struct{})
	h.sub.entered = make(chan struct{}, 1)
	h.sub.respond = func(domain.AnswerSubmission, int) ([]byte, error) {
		return []byte(`{"correct": false, "nextQuestion": {"id": 3001, "question": "next", "options": ["x", "y"]}}`), nil
	}

	h.push(domain.EventRoundStarted, roundStarted(1, "fire", "fire", questionJSON(3000, 0, "")))
	h.engine.SelectAnswer(0)

	done := make(chan error, 1)
	go func() { done <- h.engine.SubmitPendingAnswer(context.Background()) }()
	<-h.sub.entered

	h.push(domain.EventNextQuestion, questionJSON(3001, 0, ""))
	close(h.sub.block)
	if err := <-done; err != nil {
		t.Fatalf("submit: %v", err)
	}

	if got := h.rec.count("question:3001"); got != 1 {
		t.Fatalf("expected exactly one change for 3001, got %d", got)
	}
	if h.engine.State() != app.StateQuestionActive {
		t.Fatalf("expected question active, got %s", h.engine.State())
	}
	if snap := h.engine.Snapshot(); snap.Question.RoundQuestionID != 3001 || snap.QuestionIndex != 2 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestResponseThenPushWithSameQuestionAdvancesOnce(t *testing.T) {
	h := newHarness(t, nil)
	h.sub.respond = func(domain.AnswerSubmission, int) ([]byte, error) {
		return []byte(`{"nextQuestion": {"id": 3001, "question": "next", "options": ["x", "y"]}}`), nil
	}

	h.push(domain.EventRoundStarted, roundStarted(1, "fire", "fire", questionJSON(3000, 0, "")))
	h.engine.SelectAnswer(0)
	if err := h.engine.SubmitPendingAnswer(context.Background()); err != nil {
		t.Fatalf("submit: %v", err)
	}
	h.push(domain.EventNextQuestion, questionJSON(3001, 0, ""))
	h.push(domain.EventNextQuestion, questionJSON(3001, 0, ""))

	if got := h.rec.count("question:3001"); got != 1 {
		t.Fatalf("expected exactly one change for 3001, got %d", got)
	}
}

func TestQuestionWithNestedBankContent(t *testing.T) {
	h := newHarness(t, nil)
	h.sub.respond = func(domain.AnswerSubmission, int) ([]byte, error) {
		return []byte(`{"roundQuestionId": 3001, "correct": true, "question": {"id": 77, "content": "Apple?", "options": ["a", "b", "c"]}}`), nil
	}
	h.push(domain.EventRoundStarted, roundStarted(1, "fire", "fire", ""))
	h.push(domain.EventNextQuestion, `{"roundQuestionId": 3001, "question": {"id": 77, "content": "Apple?", "options": ["a", "b", "c"]}}`)

	if len(h.rec.questions) != 1 {
		t.Fatalf("expected one question, got %v", h.rec.events)
	}
	q := h.rec.questions[0]
	if q.RoundQuestionID != 3001 || q.Prompt != "Apple?" || len(q.Options) != 3 || q.BankID != "77" {
		t.Fatalf("bank content not used: %+v", q)
	}

	if !h.engine.SelectAnswer(1) {
		t.Fatalf("nested question not answerable")
	}
	if err := h.engine.SubmitPendingAnswer(context.Background()); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if got := h.rec.count("question:77"); got != 0 {
		t.Fatalf("bank id adopted as a round question id")
	}
}

func TestDuplicateAndStaleQuestionsAreDropped(t *testing.T) {
	h := newHarness(t, nil)
	h.push(domain.EventRoundStarted, roundStarted(1, "fire", "fire", ""))

	for i := 0; i < 5; i++ {
		h.push(domain.EventNextQuestion, questionJSON(500, 0, ""))
	}
	h.push(domain.EventNextQuestion, questionJSON(501, 0, ""))
	h.push(domain.EventNextQuestion, questionJSON(500, 0, ""))
	h.push(domain.EventNextQuestion, questionJSON(499, 0, ""))

	if got := h.rec.count("question:500"); got != 1 {
		t.Fatalf("expected one change for 500, got %d", got)
	}
	if got := h.rec.count("question:501"); got != 1 {
		t.Fatalf("expected one change for 501, got %d", got)
	}
	if got := h.rec.count("question:499"); got != 0 {
		t.Fatalf("stale question adopted")
	}
	if snap := h.engine.Snapshot(); snap.Question.RoundQuestionID != 501 {
		t.Fatalf("expected 501 active, got %+v", snap.Question)
	}
}

func TestDuplicateDisclosesMetadata(t *testing.T) {
	h := newHarness(t, nil)
	h.push(domain.EventRoundStarted, roundStarted(1, "fire", "fire", questionJSON(7, 0, "")))
	h.push(domain.EventNextQuestion, questionJSON(7, 0, `, "isLastQuestion": true`))

	if h.rec.count("question:7") != 1 {
		t.Fatalf("duplicate caused a transition")
	}
	if !h.engine.Snapshot().IsLastQuestion {
		t.Fatalf("expected last flag merged from duplicate")
	}
}

func TestLastQuestionWaitsForOpponent(t *testing.T) {
	h := newHarness(t, nil)
	h.sub.respond = func(domain.AnswerSubmission, int) ([]byte, error) {
		return []byte(`{"correct": true}`), nil
	}

	h.push(domain.EventRoundStarted, roundStarted(1, "fire", "fire", questionJSON(3000, 0, `, "isLastQuestion": true`)))
	h.engine.SelectAnswer(2)
	if err := h.engine.SubmitPendingAnswer(context.Background()); err != nil {
		t.Fatalf("submit: %v", err)
	}

	if h.engine.State() != app.StateWaitingForOpponent {
		t.Fatalf("expected waiting for opponent, got %s", h.engine.State())
	}
	if h.rec.count("waiting") != 1 {
		t.Fatalf("expected one waiting notification")
	}

	h.push(domain.EventNextQuestion, questionJSON(3002, 0, ""))
	h.push(domain.EventWaitingForOpponent, `{}`)
	if h.rec.count("question:3002") != 0 {
		t.Fatalf("stray question adopted while waiting")
	}
	if h.rec.count("waiting") != 1 {
		t.Fatalf("waiting notification repeated")
	}

	h.push(domain.EventRoundCompleted, `{"roundNumber": 1}`)
	if h.engine.State() != app.StateRoundComplete {
		t.Fatalf("expected round complete, got %s", h.engine.State())
	}
	if h.engine.Scores().Self != 1 {
		t.Fatalf("expected self score 1, got %+v", h.engine.Scores())
	}

	h.push(domain.EventRoundStarted, roundStarted(2, "fire", "fire", questionJSON(4000, 0, "")))
	if h.rec.count("question:4000") != 1 || h.engine.State() != app.StateQuestionActive {
		t.Fatalf("next round did not start cleanly: %s", h.engine.State())
	}
}

func TestLastQuestionDerivedFromTotal(t *testing.T) {
	h := newHarness(t, nil)
	h.push(domain.EventRoundStarted, roundStarted(1, "fire", "fire", questionJSON(1, 0, `, "totalQuestions": 2`)))
	if h.engine.Snapshot().IsLastQuestion {
		t.Fatalf("first of two is not last")
	}

	h.engine.SelectAnswer(0)
	_ = h.engine.SubmitPendingAnswer(context.Background())
	if h.engine.State() != app.StateAwaitingAdvance {
		t.Fatalf("expected awaiting advance, got %s", h.engine.State())
	}

	h.push(domain.EventNextQuestion, questionJSON(2, 0, ""))
	if !h.engine.Snapshot().IsLastQuestion {
		t.Fatalf("second of two is last")
	}
}

func TestTimeoutAutoSubmitsPendingSelectionOnce(t *testing.T) {
	h := newHarness(t, nil)
	h.sub.block = make(chan struct{})
	h.sub.entered = make(chan struct{}, 2)

	h.push(domain.EventRoundStarted, roundStarted(1, "fire", "fire", questionJSON(42, h.deadlineIn(5*time.Second), "")))
	h.engine.SelectAnswer(3)

	h.clock.Advance(6 * time.Second)
	<-h.sub.entered

	// manual submit while the timeout submission is in flight
	if err := h.engine.SubmitPendingAnswer(context.Background()); err != nil {
		t.Fatalf("manual submit: %v", err)
	}
	close(h.sub.block)
	waitFor(t, func() bool { return h.engine.State() == app.StateAwaitingAdvance })

	calls := h.sub.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected exactly one submission, got %d", len(calls))
	}
	if calls[0].RoundQuestionID != 42 || calls[0].Option != 3 {
		t.Fatalf("unexpected submission %+v", calls[0])
	}
	if calls[0].Elapsed != 6*time.Second {
		t.Fatalf("expected 6s elapsed, got %v", calls[0].Elapsed)
	}
}

func TestManualSubmitBeforeTimeoutIsNotRepeated(t *testing.T) {
	h := newHarness(t, nil)

	h.push(domain.EventRoundStarted, roundStarted(1, "fire", "fire", questionJSON(42, h.deadlineIn(5*time.Second), "")))
	h.engine.SelectAnswer(1)
	h.clock.Advance(2 * time.Second)
	if err := h.engine.SubmitPendingAnswer(context.Background()); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := h.engine.SubmitPendingAnswer(context.Background()); err != nil {
		t.Fatalf("repeat submit: %v", err)
	}

	h.clock.Advance(10 * time.Second)
	time.Sleep(20 * time.Millisecond)

	calls := h.sub.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected one submission, got %d", len(calls))
	}
	if calls[0].Elapsed != 2*time.Second {
		t.Fatalf("expected 2s elapsed, got %v", calls[0].Elapsed)
	}
}

func TestSelectionPreconditions(t *testing.T) {
	h := newHarness(t, nil)
	if h.engine.SelectAnswer(0) {
		t.Fatalf("selection accepted without a question")
	}
	if err := h.engine.SubmitPendingAnswer(context.Background()); err != nil || len(h.sub.Calls()) != 0 {
		t.Fatalf("submit without selection must be a no-op")
	}

	h.push(domain.EventRoundStarted, roundStarted(1, "fire", "fire", questionJSON(1, 0, "")))
	if h.engine.SelectAnswer(4) || h.engine.SelectAnswer(-1) {
		t.Fatalf("out of range selection accepted")
	}
	if !h.engine.SelectAnswer(0) || !h.engine.SelectAnswer(1) {
		t.Fatalf("reselection before submit rejected")
	}
	_ = h.engine.SubmitPendingAnswer(context.Background())
	if h.engine.SelectAnswer(2) {
		t.Fatalf("selection accepted after submission")
	}
	if got := h.sub.Calls()[0].Option; got != 1 {
		t.Fatalf("expected latest selection 1, got %d", got)
	}
}

func TestMissingDeadlineDoesNotArmClock(t *testing.T) {
	h := newHarness(t, nil)
	h.push(domain.EventRoundStarted, roundStarted(1, "fire", "fire", questionJSON(1, 0, "")))

	if h.rec.remaining[0] != 0 || h.engine.Remaining() != 0 {
		t.Fatalf("expected no countdown")
	}
	h.clock.Advance(time.Minute)
	select {
	case rem := <-h.rec.countdowns:
		t.Fatalf("unexpected countdown %v", rem)
	case <-time.After(20 * time.Millisecond):
	}
	if h.engine.State() != app.StateQuestionActive {
		t.Fatalf("expected question still active, got %s", h.engine.State())
	}
}

func TestMalformedEventsAreIgnored(t *testing.T) {
	h := newHarness(t, nil)
	h.push(domain.EventRoundStarted, `{garbage`)
	h.push(domain.EventRoundStarted, `{"participants": [{"participantId": "x"}, {"participantId": "y"}]}`)
	if h.engine.State() != app.StateIdle {
		t.Fatalf("expected idle after malformed round starts, got %s", h.engine.State())
	}

	h.push(domain.EventRoundStarted, roundStarted(1, "fire", "fire", ""))
	h.push(domain.EventNextQuestion, `{"id": 99, "question": "no round question id"}`)
	h.push(domain.EventName("mystery"), `{}`)
	h.push(domain.EventNextQuestion, `{"roundQuestionId": 5, "options": {"a": 1}}`)

	snap := h.engine.Snapshot()
	if snap.Question == nil || snap.Question.RoundQuestionID != 5 || len(snap.Question.Options) != 0 {
		t.Fatalf("expected degraded question 5, got %+v", snap.Question)
	}
}
