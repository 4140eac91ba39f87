package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"battle-sync-service/internal/advantage"
	"battle-sync-service/internal/deadline"
	"battle-sync-service/internal/domain"
	"battle-sync-service/internal/normalize"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultConfusionChance is the probability that a selection is perturbed
// while the opponent holds the type advantage.
const DefaultConfusionChance = 0.3

// State is the engine's position in the round lifecycle.
type State int

const (
	StateIdle State = iota
	StateRoundPending
	StateQuestionActive
	StateAnswerPending
	StateAwaitingAdvance
	StateWaitingForOpponent
	StateRoundComplete
	StateMatchComplete
)

var stateNames = [...]string{
	StateIdle:               "idle",
	StateRoundPending:       "round_pending",
	StateQuestionActive:     "question_active",
	StateAnswerPending:      "answer_pending",
	StateAwaitingAdvance:    "awaiting_advance",
	StateWaitingForOpponent: "waiting_for_opponent",
	StateRoundComplete:      "round_complete",
	StateMatchComplete:      "match_complete",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Listener receives engine notifications in order. Calls are made while the
// engine is serialized, so implementations must not call back into the Engine
// from inside a notification.
type Listener interface {
	OnRoundStart(round domain.Round, adv domain.Advantage)
	OnQuestionChange(q domain.Question, remaining time.Duration)
	OnCountdown(remaining time.Duration)
	OnWaitingForOpponent()
	OnScoreChange(self, opponent int)
	OnRoundComplete(round domain.Round)
	OnMatchComplete(final domain.ScoreBoard)
}

// Submitter sends an answer to the submission service and returns the raw response body.
type Submitter interface {
	Submit(ctx context.Context, matchID string, sub domain.AnswerSubmission) ([]byte, error)
}

// Randomizer is the randomness used for confusion. *rand.Rand satisfies it.
type Randomizer interface {
	Float64() float64
	Intn(n int) int
}

// SubmitError is returned when the submission service could not be reached.
// The same round question may be retried with SubmitPendingAnswer.
type SubmitError struct {
	RoundQuestionID int64
	Err             error
}

func (e *SubmitError) Error() string {
	return fmt.Sprintf("submit round question %d: %v", e.RoundQuestionID, e.Err)
}

func (e *SubmitError) Unwrap() []error {
	return []error{domain.ErrSubmissionFailed, e.Err}
}

// EngineOptions configures a new Engine. MatchID, SelfID and Submitter are required.
type EngineOptions struct {
	MatchID         string
	SelfID          string
	Submitter       Submitter
	Listener        Listener
	Matchups        advantage.Matchups
	Normalizer      *normalize.Normalizer
	Clock           clockwork.Clock
	Rand            Randomizer
	ConfusionChance float64
	TickInterval    time.Duration
	// Logger is the base logger. Defaults to the global zerolog logger.
	Logger *zerolog.Logger
}

type submitState int

const (
	submitNone submitState = iota
	submitInFlight
	submitSent
	submitFailed
)

type scoreKey struct {
	participantID   string
	roundQuestionID int64
}

// Engine is the round synchronization state machine for one participant of a match.
// All entry points are serialized; the deadline clock re-enters through the same lock.
type Engine struct {
	matchID    string
	selfID     string
	submitter  Submitter
	listener   Listener
	matchups   advantage.Matchups
	normalizer *normalize.Normalizer
	clock      clockwork.Clock
	countdown  *deadline.Clock
	confusion  float64
	logger     zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	rnd        Randomizer
	closed     bool
	state      State
	match      domain.Match
	opponentID string
	round      *domain.Round
	adv        domain.Advantage
	active     *domain.Question
	adoptedAt  time.Time
	index      int
	lastID     int64
	selection  int
	submit     submitState
	scores     domain.ScoreBoard
	scored     map[scoreKey]struct{}
}

// NewEngine builds an idle engine.
func NewEngine(opts EngineOptions) *Engine {
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	norm := opts.Normalizer
	if norm == nil {
		norm = normalize.New()
	}
	rnd := opts.Rand
	if rnd == nil {
		rnd = NewRand()
	}
	chance := opts.ConfusionChance
	if chance <= 0 {
		chance = DefaultConfusionChance
	}
	listener := opts.Listener
	if listener == nil {
		listener = NopListener{}
	}
	base := log.Logger
	if opts.Logger != nil {
		base = *opts.Logger
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		matchID:    opts.MatchID,
		selfID:     opts.SelfID,
		submitter:  opts.Submitter,
		listener:   listener,
		matchups:   opts.Matchups,
		normalizer: norm,
		clock:      clock,
		countdown:  deadline.New(clock, opts.TickInterval),
		confusion:  chance,
		logger: base.With().
			Str("match_id", opts.MatchID).
			Str("participant_id", opts.SelfID).
			Logger(),
		ctx:    ctx,
		cancel: cancel,
		rnd:    rnd,
		adv:    domain.AdvantageNone,
		match: domain.Match{
			ID:     opts.MatchID,
			Status: domain.StatusPending,
		},
		selection: -1,
		scored:    make(map[scoreKey]struct{}),
	}
	return e
}

// HandlePush applies one push-channel event. Malformed and unknown events are
// logged and dropped.
func (e *Engine) HandlePush(ev domain.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	logger := e.logger.With().Str("event", string(ev.Name)).Str("state", e.state.String()).Logger()
	if e.state == StateMatchComplete {
		logger.Debug().Msg("match complete, event ignored")
		return
	}

	switch ev.Name {
	case domain.EventRoundStarted:
		e.onRoundStartedLocked(ev.Data, logger)
	case domain.EventNextQuestion:
		q, ok := e.normalizer.QuestionOrEmbedded(ev.Data, normalize.SourcePush)
		if !ok {
			logger.Warn().Msg("next question without round question id ignored")
			return
		}
		e.adoptLocked(q, normalize.SourcePush)
	case domain.EventQuestionAnswered:
		e.onAnsweredLocked(ev.Data, logger)
	case domain.EventQuestionCompleted:
		e.onQuestionCompletedLocked(ev.Data)
	case domain.EventWaitingForOpponent:
		e.enterWaitingLocked()
	case domain.EventRoundCompleted:
		e.onRoundCompletedLocked(ev.Data, logger)
	case domain.EventMatchCompleted:
		e.onMatchCompletedLocked(ev.Data)
	default:
		logger.Warn().Msg("unknown event ignored")
	}
}

// SelectAnswer records option idx as the pending selection. It reports false
// when no question is open for selection. While the opponent holds the type
// advantage the recorded option may differ from idx.
func (e *Engine) SelectAnswer(idx int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.active == nil || e.state != StateQuestionActive || e.submit != submitNone {
		return false
	}
	if idx < 0 || idx >= len(e.active.Options) {
		return false
	}
	chosen := idx
	if e.adv == domain.AdvantageOpponent {
		chosen = e.confuseLocked(idx)
		if chosen != idx {
			e.logger.Debug().
				Int64("round_question_id", e.active.RoundQuestionID).
				Msg("selection confused")
		}
	}
	e.selection = chosen
	return true
}

// SubmitPendingAnswer sends the pending selection for the active question.
// It is a no-op without a pending selection or once the question has been
// submitted. After a failed submission it retries the same question.
func (e *Engine) SubmitPendingAnswer(ctx context.Context) error {
	e.mu.Lock()
	if e.closed || e.active == nil || e.selection < 0 {
		e.mu.Unlock()
		return nil
	}
	if e.submit == submitInFlight || e.submit == submitSent {
		e.mu.Unlock()
		return nil
	}
	return e.submitAndUnlock(ctx)
}

// Close tears the engine down. The clock is disarmed, any in-flight submission
// is cancelled and no further notifications are emitted.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	e.cancel()
	e.countdown.Disarm()
}

// Closed reports whether Close has been called.
func (e *Engine) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Snapshot is a read-only view of the engine. The pending selection is
// deliberately reduced to a flag.
type Snapshot struct {
	MatchID         string            `json:"matchId"`
	State           string            `json:"state"`
	RoundNumber     int               `json:"roundNumber"`
	Question        *domain.Question  `json:"question,omitempty"`
	QuestionIndex   int               `json:"questionIndex"`
	Remaining       time.Duration     `json:"remaining"`
	IsLastQuestion  bool              `json:"isLastQuestion"`
	Advantage       domain.Advantage  `json:"advantage"`
	HasSelection    bool              `json:"hasSelection"`
	Submitted       bool              `json:"submitted"`
	Scores          domain.ScoreBoard `json:"scores"`
	MatchStatus     domain.Status     `json:"matchStatus"`
	CompletedRounds int               `json:"completedRounds"`
}

// Snapshot returns the current view.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := Snapshot{
		MatchID:       e.matchID,
		State:         e.state.String(),
		QuestionIndex: e.index,
		Remaining:     e.countdown.Remaining(),
		Advantage:     e.adv,
		HasSelection:  e.selection >= 0,
		Submitted:     e.submit == submitSent || e.submit == submitInFlight,
		Scores:        e.scores,
		MatchStatus:   e.match.Status,
	}
	if e.round != nil {
		s.RoundNumber = e.round.Number
		s.IsLastQuestion = e.round.IsLastQuestion
	}
	if e.active != nil {
		q := *e.active
		s.Question = &q
	}
	for _, r := range e.match.Rounds {
		if r.Status == domain.StatusComplete {
			s.CompletedRounds++
		}
	}
	return s
}

// State returns the current state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Scores returns the current scoreboard.
func (e *Engine) Scores() domain.ScoreBoard {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.scores
}

// Remaining returns the time left on the active question.
func (e *Engine) Remaining() time.Duration {
	return e.countdown.Remaining()
}

// NopListener ignores every notification.
type NopListener struct{}

func (NopListener) OnRoundStart(domain.Round, domain.Advantage)     {}
func (NopListener) OnQuestionChange(domain.Question, time.Duration) {}
func (NopListener) OnCountdown(time.Duration)                       {}
func (NopListener) OnWaitingForOpponent()                           {}
func (NopListener) OnScoreChange(int, int)                          {}
func (NopListener) OnRoundComplete(domain.Round)                    {}
func (NopListener) OnMatchComplete(domain.ScoreBoard)               {}
