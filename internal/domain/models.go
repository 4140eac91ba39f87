package domain

import "time"

// ElementType is an elemental type identifier such as "fire" or "water".
type ElementType string

// Status is the lifecycle status shared by matches and rounds.
type Status string

const (
	StatusPending  Status = "pending"
	StatusActive   Status = "active"
	StatusComplete Status = "complete"
)

// MaxRounds is the number of rounds in a match.
const MaxRounds = 3

// Creature is the fighter a participant brings into a round.
type Creature struct {
	ID   string      `json:"id"`
	Name string      `json:"name"`
	Type ElementType `json:"type"`
}

// Participant is one side of a match.
type Participant struct {
	ID       string   `json:"participantId"`
	PlayerID string   `json:"playerId"`
	Creature Creature `json:"creature"`
}

// RoundBinding ties a participant to the creature chosen for one round.
type RoundBinding struct {
	ParticipantID string   `json:"participantId"`
	Creature      Creature `json:"creature"`
}

// Question is the canonical record of one delivered question.
type Question struct {
	BankID          string    `json:"bankId,omitempty"`
	RoundQuestionID int64     `json:"roundQuestionId"`
	Prompt          string    `json:"prompt"`
	Options         []string  `json:"options"`
	CorrectIndex    int       `json:"correctIndex"` // -1 until revealed
	Deadline        time.Time `json:"deadline"`     // zero when the payload carried none
	Order           int       `json:"order"`
	Debuff          bool      `json:"debuff"`
	// IsLast is nil when the payload did not disclose it.
	IsLast *bool `json:"isLastQuestion,omitempty"`
	Total  int   `json:"totalQuestions,omitempty"`
}

// CorrectKnown reports whether the correct option has been disclosed.
func (q Question) CorrectKnown() bool {
	return q.CorrectIndex >= 0 && q.CorrectIndex < len(q.Options)
}

// Round is one of up to MaxRounds rounds in a match.
type Round struct {
	ID             string          `json:"roundId"`
	Number         int             `json:"roundNumber"`
	Status         Status          `json:"status"`
	Bindings       [2]RoundBinding `json:"bindings"`
	Questions      []Question      `json:"questions"`
	Current        int             `json:"current"` // index into Questions, -1 when none
	IsLastQuestion bool            `json:"isLastQuestion"`
	TotalQuestions int             `json:"totalQuestions"`
}

// Match is the two-player duel the engine tracks.
type Match struct {
	ID           string         `json:"matchId"`
	Participants [2]Participant `json:"participants"`
	Rounds       []Round        `json:"rounds"`
	Status       Status         `json:"status"`
}

// AnswerSubmission is what gets sent to the submission service.
type AnswerSubmission struct {
	ParticipantID   string        `json:"participantId"`
	RoundQuestionID int64         `json:"roundQuestionId"`
	Option          int           `json:"answer"`
	Elapsed         time.Duration `json:"-"`
}

// ElapsedMs is the elapsed time in whole milliseconds.
func (s AnswerSubmission) ElapsedMs() int64 {
	return s.Elapsed.Milliseconds()
}

// ScoreBoard holds correct-answer counts from the local participant's point of view.
type ScoreBoard struct {
	Self     int  `json:"self"`
	Opponent int  `json:"opponent"`
	Frozen   bool `json:"frozen"`
}

// MatchResult is the final outcome recorded for one participant.
type MatchResult struct {
	MatchID       string    `json:"matchId"`
	ParticipantID string    `json:"participantId"`
	Self          int       `json:"self"`
	Opponent      int       `json:"opponent"`
	CompletedAt   time.Time `json:"completedAt"`
}

// Advantage says which side holds the elemental type advantage this round.
type Advantage string

const (
	AdvantageNone     Advantage = "none"
	AdvantageSelf     Advantage = "self"
	AdvantageOpponent Advantage = "opponent"
)

// EventName identifies a push-channel event.
type EventName string

const (
	EventRoundStarted       EventName = "round_started"
	EventNextQuestion       EventName = "next_question"
	EventQuestionAnswered   EventName = "question_answered"
	EventQuestionCompleted  EventName = "question_completed"
	EventWaitingForOpponent EventName = "waiting_for_opponent"
	EventRoundCompleted     EventName = "round_completed"
	EventMatchCompleted     EventName = "match_completed"
)

// Event is one push-channel delivery. Data is the raw JSON payload.
type Event struct {
	ID      string    `json:"eventId,omitempty"`
	Name    EventName `json:"event"`
	MatchID string    `json:"matchId,omitempty"`
	Data    []byte    `json:"-"`
}
