package normalize

import (
	"fmt"

	"battle-sync-service/internal/domain"
	"github.com/tidwall/gjson"
)

// RoundStart is the decoded round_started payload.
type RoundStart struct {
	RoundID        string
	Number         int
	Bindings       [2]domain.RoundBinding
	TotalQuestions int
}

// Ack is an answered acknowledgment from either channel.
type Ack struct {
	RoundQuestionID int64 // zero when the payload names no question
	ParticipantID   string
	Correct         *bool
	CorrectIndex    int // -1 unless disclosed
	IsLast          *bool
	Total           int
}

// ParticipantResult is one participant's correctness on a completed question.
type ParticipantResult struct {
	ParticipantID string
	Correct       bool
}

// DecodeRoundStart maps a round_started payload. Participants may be listed
// under "participants" or "bindings", with the creature nested or flattened.
func DecodeRoundStart(raw []byte) (RoundStart, error) {
	if !gjson.ValidBytes(raw) {
		return RoundStart{}, fmt.Errorf("round start: %w", domain.ErrMalformedEvent)
	}
	r := gjson.ParseBytes(raw)
	rs := RoundStart{
		RoundID: asID(first(r, []string{"roundId", "round_id", "id"})),
	}
	if v, ok := asInt64(first(r, []string{"roundNumber", "round_number", "round"})); ok {
		rs.Number = int(v)
	}
	if v, ok := asInt64(first(r, totalKeys)); ok && v > 0 {
		rs.TotalQuestions = int(v)
	}

	parts := first(r, []string{"participants", "bindings"})
	if !parts.IsArray() {
		return RoundStart{}, fmt.Errorf("round start: participants missing: %w", domain.ErrMalformedEvent)
	}
	items := parts.Array()
	if len(items) != 2 {
		return RoundStart{}, fmt.Errorf("round start: expected 2 participants, got %d: %w", len(items), domain.ErrMalformedEvent)
	}
	for i, p := range items {
		rs.Bindings[i] = decodeBinding(p)
		if rs.Bindings[i].ParticipantID == "" {
			return RoundStart{}, fmt.Errorf("round start: participant %d has no id: %w", i, domain.ErrMalformedEvent)
		}
	}
	return rs, nil
}

func decodeBinding(p gjson.Result) domain.RoundBinding {
	b := domain.RoundBinding{
		ParticipantID: asID(first(p, []string{"participantId", "participant_id", "id"})),
	}
	c, ok := firstObject(p, []string{"creature", "pet", "monster"})
	if !ok {
		c = p
	}
	b.Creature = domain.Creature{
		ID:   asID(first(c, []string{"creatureId", "creature_id", "id"})),
		Name: firstString(c, []string{"name", "creatureName"}),
		Type: domain.ElementType(firstString(c, []string{"type", "element", "elementType", "element_type"})),
	}
	if !ok {
		// flattened bindings reuse "id" for the participant
		b.Creature.ID = asID(first(c, []string{"creatureId", "creature_id"}))
	}
	return b
}

// DecodeAck maps question_answered payloads and submission responses.
func DecodeAck(raw []byte, src Source) Ack {
	ack := Ack{CorrectIndex: -1}
	if !gjson.ValidBytes(raw) {
		return ack
	}
	r := gjson.ParseBytes(raw)
	if id, ok := roundQuestionID(r, src); ok {
		ack.RoundQuestionID = id
	}
	ack.ParticipantID = firstString(r, participantIDKeys)
	if v, ok := asBool(first(r, correctFlagKeys)); ok {
		ack.Correct = &v
	}
	if v, ok := asInt64(first(r, correctIndexKeys)); ok && v >= 0 {
		ack.CorrectIndex = int(v)
	}
	if v, ok := asBool(first(r, isLastKeys)); ok {
		ack.IsLast = &v
	}
	if v, ok := asInt64(first(r, totalKeys)); ok && v > 0 {
		ack.Total = int(v)
	}
	return ack
}

// DecodeResults maps the per-participant correctness list of question_completed.
func DecodeResults(raw []byte) []ParticipantResult {
	if !gjson.ValidBytes(raw) {
		return nil
	}
	list := first(gjson.ParseBytes(raw), []string{"results", "answers"})
	if !list.IsArray() {
		return nil
	}
	var out []ParticipantResult
	for _, item := range list.Array() {
		pid := firstString(item, participantIDKeys)
		correct, ok := asBool(first(item, correctFlagKeys))
		if pid == "" || !ok {
			continue
		}
		out = append(out, ParticipantResult{ParticipantID: pid, Correct: correct})
	}
	return out
}

// DecodeFinalScores maps an authoritative score list from match_completed.
// It accepts [{"participantId":..,"score":..}] or {"<participantId>": score}.
// ok is false when the payload carries no scores.
func DecodeFinalScores(raw []byte) (map[string]int, bool) {
	if !gjson.ValidBytes(raw) {
		return nil, false
	}
	v := first(gjson.ParseBytes(raw), []string{"scores", "finalScores", "final_scores"})
	out := make(map[string]int)
	switch {
	case v.IsArray():
		for _, item := range v.Array() {
			pid := firstString(item, participantIDKeys)
			score, ok := asInt64(first(item, []string{"score", "correctCount", "correct_count"}))
			if pid == "" || !ok {
				continue
			}
			out[pid] = int(score)
		}
	case v.IsObject():
		v.ForEach(func(key, value gjson.Result) bool {
			if score, ok := asInt64(value); ok {
				out[key.String()] = int(score)
			}
			return true
		})
	}
	return out, len(out) > 0
}

// RoundNumber extracts the round number a round_completed payload refers to.
func RoundNumber(raw []byte) (int, bool) {
	if !gjson.ValidBytes(raw) {
		return 0, false
	}
	v, ok := asInt64(first(gjson.ParseBytes(raw), []string{"roundNumber", "round_number", "round"}))
	return int(v), ok
}
