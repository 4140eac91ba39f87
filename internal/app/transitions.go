package app

import (
	"context"
	"time"

	"battle-sync-service/internal/advantage"
	"battle-sync-service/internal/domain"
	"battle-sync-service/internal/normalize"
	"github.com/rs/zerolog"
)

// State transitions. Every method suffixed Locked requires e.mu.

func (e *Engine) onRoundStartedLocked(data []byte, logger zerolog.Logger) {
	rs, err := normalize.DecodeRoundStart(data)
	if err != nil {
		logger.Warn().Err(err).Msg("round start ignored")
		return
	}

	if e.round != nil && e.round.Status == domain.StatusActive && sameRound(*e.round, rs) {
		// redelivery of the running round; only its embedded question can be new
		if q, ok := e.normalizer.Embedded(data, normalize.SourcePush); ok {
			e.adoptLocked(q, normalize.SourcePush)
		}
		return
	}
	for _, r := range e.match.Rounds {
		if r.Status != domain.StatusActive && sameRound(r, rs) {
			logger.Debug().Int("round", r.Number).Msg("round already finished, round start ignored")
			return
		}
	}
	if len(e.match.Rounds) >= domain.MaxRounds {
		logger.Warn().Int("rounds", len(e.match.Rounds)).Msg("round limit reached, round start ignored")
		return
	}

	selfIdx := -1
	for i, b := range rs.Bindings {
		if b.ParticipantID == e.selfID {
			selfIdx = i
		}
	}
	if selfIdx < 0 {
		logger.Warn().Msg("round start does not include this participant")
		return
	}
	self, opp := rs.Bindings[selfIdx], rs.Bindings[1-selfIdx]
	e.opponentID = opp.ParticipantID

	for i, b := range rs.Bindings {
		e.match.Participants[i].ID = b.ParticipantID
		e.match.Participants[i].Creature = b.Creature
	}
	e.match.Status = domain.StatusActive

	number := rs.Number
	if number <= 0 {
		number = len(e.match.Rounds) + 1
	}

	e.countdown.Disarm()
	e.resetRoundLocked()
	e.match.Rounds = append(e.match.Rounds, domain.Round{
		ID:             rs.RoundID,
		Number:         number,
		Status:         domain.StatusActive,
		Bindings:       rs.Bindings,
		Current:        -1,
		TotalQuestions: rs.TotalQuestions,
	})
	e.round = &e.match.Rounds[len(e.match.Rounds)-1]
	e.adv = advantage.Resolve(self.Creature.Type, opp.Creature.Type, e.matchups)
	e.state = StateRoundPending

	logger.Info().
		Int("round", number).
		Str("advantage", string(e.adv)).
		Msg("round started")
	e.listener.OnRoundStart(cloneRound(*e.round), e.adv)

	if q, ok := e.normalizer.Embedded(data, normalize.SourcePush); ok {
		e.adoptLocked(q, normalize.SourcePush)
	}
}

// adoptLocked makes q the active question unless it is a duplicate or stale.
// Only the first-seen instance of a round question id causes a transition.
func (e *Engine) adoptLocked(q domain.Question, src normalize.Source) {
	logger := e.logger.With().
		Int64("round_question_id", q.RoundQuestionID).
		Str("source", src.String()).
		Logger()

	switch {
	case e.round == nil || e.round.Status != domain.StatusActive:
		logger.Debug().Msg("question outside an active round dropped")
		return
	case e.state == StateWaitingForOpponent:
		logger.Debug().Msg("waiting for opponent, question dropped")
		return
	case e.active != nil && e.active.RoundQuestionID == q.RoundQuestionID:
		e.mergeLocked(q)
		logger.Debug().Msg("duplicate question dropped")
		return
	case q.RoundQuestionID <= e.lastID:
		logger.Debug().Int64("last_id", e.lastID).Msg("stale question dropped")
		return
	}

	adopted := q
	e.active = &adopted
	e.adoptedAt = e.clock.Now()
	e.index++
	e.lastID = q.RoundQuestionID
	e.selection = -1
	e.submit = submitNone

	e.round.Questions = append(e.round.Questions, q)
	e.round.Current = len(e.round.Questions) - 1
	if q.Total > 0 {
		e.round.TotalQuestions = q.Total
	}
	e.round.IsLastQuestion = e.isLastLocked(q)
	e.state = StateQuestionActive

	var remaining time.Duration
	if q.Deadline.IsZero() {
		e.countdown.Disarm()
	} else {
		id := q.RoundQuestionID
		e.countdown.Arm(q.Deadline,
			func(rem time.Duration) { e.onTick(id, rem) },
			func() { e.onExpire(id) },
		)
		remaining = e.countdown.Remaining()
	}

	logger.Info().
		Int("index", e.index).
		Bool("last", e.round.IsLastQuestion).
		Dur("remaining", remaining).
		Msg("question adopted")
	e.listener.OnQuestionChange(q, remaining)
}

// mergeLocked folds metadata disclosed by a duplicate delivery into the active
// question without a transition.
func (e *Engine) mergeLocked(q domain.Question) {
	if q.CorrectKnown() && !e.active.CorrectKnown() && len(q.Options) == len(e.active.Options) {
		e.active.CorrectIndex = q.CorrectIndex
	}
	if q.IsLast != nil {
		e.active.IsLast = q.IsLast
		e.round.IsLastQuestion = *q.IsLast
	}
	if q.Total > 0 {
		e.round.TotalQuestions = q.Total
	}
	if e.round.Current >= 0 && e.round.Current < len(e.round.Questions) {
		e.round.Questions[e.round.Current] = *e.active
	}
}

func (e *Engine) isLastLocked(q domain.Question) bool {
	if q.IsLast != nil {
		return *q.IsLast
	}
	total := e.round.TotalQuestions
	if total <= 0 {
		return false
	}
	if q.Order > 0 {
		return q.Order >= total
	}
	return e.index >= total
}

func (e *Engine) onAnsweredLocked(data []byte, logger zerolog.Logger) {
	ack := normalize.DecodeAck(data, normalize.SourcePush)
	pid := ack.ParticipantID
	if pid == "" {
		pid = e.selfID
	}
	id := ack.RoundQuestionID
	if id == 0 && e.active != nil && pid == e.selfID {
		id = e.active.RoundQuestionID
	}
	if ack.Correct != nil && *ack.Correct {
		e.awardLocked(pid, id)
	}

	if pid == e.selfID && e.active != nil && id == e.active.RoundQuestionID {
		e.discloseLocked(ack)
		e.submit = submitSent
		logger.Debug().Int64("round_question_id", id).Msg("answer acknowledged")
		e.afterAnswerLocked()
	}

	if q, ok := e.normalizer.Embedded(data, normalize.SourcePush); ok {
		e.adoptLocked(q, normalize.SourcePush)
	}
}

// sameRound matches by round id, or by number when the start carries no id.
func sameRound(r domain.Round, rs normalize.RoundStart) bool {
	if rs.RoundID != "" {
		return r.ID == rs.RoundID
	}
	return rs.Number > 0 && r.Number == rs.Number
}

func (e *Engine) onQuestionCompletedLocked(data []byte) {
	ack := normalize.DecodeAck(data, normalize.SourcePush)
	id := ack.RoundQuestionID
	if id == 0 && e.active != nil {
		id = e.active.RoundQuestionID
	}
	results := normalize.DecodeResults(data)
	if id == 0 && len(results) > 0 {
		e.logger.Warn().
			Int("results", len(results)).
			Msg("question completed without a round question id, results not scored")
	}
	for _, r := range results {
		if r.Correct {
			e.awardLocked(r.ParticipantID, id)
		}
	}
	if e.round != nil && e.round.Status == domain.StatusActive {
		e.round.IsLastQuestion = true
	}
	e.enterWaitingLocked()
}

func (e *Engine) discloseLocked(ack normalize.Ack) {
	if ack.CorrectIndex >= 0 && ack.CorrectIndex < len(e.active.Options) {
		e.active.CorrectIndex = ack.CorrectIndex
	}
	if ack.IsLast != nil {
		e.round.IsLastQuestion = *ack.IsLast
	}
	if ack.Total > 0 {
		e.round.TotalQuestions = ack.Total
	}
}

// afterAnswerLocked decides how to advance once the active question is done.
// The last question of a round is the only point where the engine waits.
func (e *Engine) afterAnswerLocked() {
	if e.round != nil && e.round.IsLastQuestion {
		e.enterWaitingLocked()
		return
	}
	if e.state == StateAnswerPending || e.state == StateQuestionActive {
		e.state = StateAwaitingAdvance
	}
}

func (e *Engine) enterWaitingLocked() {
	if e.state == StateWaitingForOpponent || e.round == nil || e.round.Status != domain.StatusActive {
		return
	}
	e.state = StateWaitingForOpponent
	e.countdown.Disarm()
	e.logger.Info().Int("round", e.round.Number).Msg("waiting for opponent")
	e.listener.OnWaitingForOpponent()
}

func (e *Engine) onRoundCompletedLocked(data []byte, logger zerolog.Logger) {
	if e.round == nil || e.round.Status != domain.StatusActive {
		logger.Debug().Msg("no active round to complete")
		return
	}
	if n, ok := normalize.RoundNumber(data); ok && n != e.round.Number {
		logger.Debug().Int("round", n).Msg("completion for another round ignored")
		return
	}
	e.countdown.Disarm()
	e.round.Status = domain.StatusComplete
	e.round.Current = -1
	e.round.IsLastQuestion = false
	completed := cloneRound(*e.round)
	e.resetRoundLocked()
	e.state = StateRoundComplete

	logger.Info().
		Int("round", completed.Number).
		Int("self_score", e.scores.Self).
		Int("opponent_score", e.scores.Opponent).
		Msg("round completed")
	e.listener.OnRoundComplete(completed)
}

func (e *Engine) onMatchCompletedLocked(data []byte) {
	e.countdown.Disarm()
	if scores, ok := normalize.DecodeFinalScores(data); ok {
		before := e.scores
		for pid, s := range scores {
			switch {
			case pid == e.selfID:
				e.scores.Self = s
			case e.opponentID == "" || pid == e.opponentID:
				e.scores.Opponent = s
			}
		}
		if e.scores != before {
			e.listener.OnScoreChange(e.scores.Self, e.scores.Opponent)
		}
	}
	e.scores.Frozen = true
	if e.round != nil && e.round.Status == domain.StatusActive {
		e.round.Status = domain.StatusComplete
		e.round.Current = -1
	}
	e.resetRoundLocked()
	e.match.Status = domain.StatusComplete
	e.state = StateMatchComplete

	e.logger.Info().
		Int("self_score", e.scores.Self).
		Int("opponent_score", e.scores.Opponent).
		Msg("match completed")
	e.listener.OnMatchComplete(e.scores)
}

// awardLocked counts one correct answer. Each participant scores at most once
// per round question, whichever channel reports it first.
func (e *Engine) awardLocked(participantID string, roundQuestionID int64) {
	if e.scores.Frozen || roundQuestionID == 0 {
		return
	}
	key := scoreKey{participantID: participantID, roundQuestionID: roundQuestionID}
	if _, seen := e.scored[key]; seen {
		return
	}
	switch {
	case participantID == e.selfID:
		e.scores.Self++
	case participantID == e.opponentID:
		e.scores.Opponent++
	default:
		e.logger.Warn().Str("scored_participant", participantID).Msg("score for unknown participant ignored")
		return
	}
	e.scored[key] = struct{}{}
	e.listener.OnScoreChange(e.scores.Self, e.scores.Opponent)
}

func (e *Engine) resetRoundLocked() {
	e.active = nil
	e.adoptedAt = time.Time{}
	e.index = 0
	e.lastID = 0
	e.selection = -1
	e.submit = submitNone
}

// confuseLocked substitutes idx with a uniformly chosen option that is neither
// idx nor the known correct option, with probability e.confusion.
func (e *Engine) confuseLocked(idx int) int {
	if e.rnd.Float64() >= e.confusion {
		return idx
	}
	correct := -1
	if e.active.CorrectKnown() {
		correct = e.active.CorrectIndex
	}
	candidates := make([]int, 0, len(e.active.Options))
	for i := range e.active.Options {
		if i != idx && i != correct {
			candidates = append(candidates, i)
		}
	}
	if len(candidates) == 0 {
		return idx
	}
	return candidates[e.rnd.Intn(len(candidates))]
}

// submitAndUnlock sends the pending selection. It must be called with e.mu
// held and returns with it released. The submission flag is set before the
// lock is dropped, so no other path can send the same question.
func (e *Engine) submitAndUnlock(ctx context.Context) error {
	id := e.active.RoundQuestionID
	sub := domain.AnswerSubmission{
		ParticipantID:   e.selfID,
		RoundQuestionID: id,
		Option:          e.selection,
		Elapsed:         e.clock.Since(e.adoptedAt),
	}
	e.submit = submitInFlight
	e.state = StateAnswerPending
	logger := e.logger.With().Int64("round_question_id", id).Logger()
	e.mu.Unlock()

	subCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(e.ctx, cancel)
	raw, err := e.submitter.Submit(subCtx, e.matchID, sub)
	stop()
	cancel()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	current := e.active != nil && e.active.RoundQuestionID == id
	if err != nil {
		if current && e.submit == submitInFlight {
			e.submit = submitFailed
		}
		logger.Error().Err(err).Msg("answer submission failed")
		return &SubmitError{RoundQuestionID: id, Err: err}
	}
	if current {
		e.submit = submitSent
	}
	logger.Debug().Dur("elapsed", sub.Elapsed).Msg("answer submitted")
	e.applyResponseLocked(id, raw, current)
	return nil
}

// applyResponseLocked handles a submission response. Its top-level metadata
// describes the answered question; an embedded question is the next one.
func (e *Engine) applyResponseLocked(id int64, raw []byte, current bool) {
	ack := normalize.DecodeAck(raw, normalize.SourceResponse)
	if ack.Correct != nil && *ack.Correct {
		e.awardLocked(e.selfID, id)
	}
	if current {
		e.discloseLocked(ack)
		e.afterAnswerLocked()
	}
	if next, ok := e.normalizer.Embedded(raw, normalize.SourceResponse); ok {
		e.adoptLocked(next, normalize.SourceResponse)
	}
}

func (e *Engine) onTick(id int64, remaining time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.active == nil || e.active.RoundQuestionID != id {
		return
	}
	e.listener.OnCountdown(remaining)
}

// onExpire runs when the active question's deadline passes. A pending
// selection is submitted once; otherwise the question is missed.
func (e *Engine) onExpire(id int64) {
	e.mu.Lock()
	if e.closed || e.active == nil || e.active.RoundQuestionID != id {
		e.mu.Unlock()
		return
	}
	e.listener.OnCountdown(0)
	logger := e.logger.With().Int64("round_question_id", id).Logger()

	if e.selection >= 0 && e.submit == submitNone {
		logger.Info().Msg("deadline reached, submitting pending selection")
		// failures are logged by the submit path and left for a caller retry
		_ = e.submitAndUnlock(e.ctx)
		return
	}
	if e.submit == submitNone && e.state == StateQuestionActive {
		logger.Info().Msg("deadline reached without a selection")
		e.afterAnswerLocked()
	}
	e.mu.Unlock()
}

func cloneRound(r domain.Round) domain.Round {
	out := r
	out.Questions = append([]domain.Question(nil), r.Questions...)
	return out
}
