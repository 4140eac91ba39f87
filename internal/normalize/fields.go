package normalize

import (
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Field precedence table. Earlier keys win.
var (
	roundQuestionIDKeys = []string{"roundQuestionId", "round_question_id"}
	genericIDKeys       = []string{"id"}
	bankKeys            = []string{"questionBank", "question_bank", "bank"}
	bankIDKeys          = []string{"questionId", "question_id", "bankId", "bank_id"}
	promptKeys          = []string{"question", "text", "prompt", "content"}
	optionKeys          = []string{"options", "answers", "choices"}
	optionTextKeys      = []string{"text", "content", "value"}
	optionLabelKeys     = []string{"label"}
	correctFlagKeys     = []string{"isCorrect", "is_correct", "correct"}
	correctIndexKeys    = []string{"correctOption", "correct_option", "correctIndex", "correct_index"}
	deadlineKeys        = []string{"deadline", "expiredAt", "expired_at", "endTime", "end_time"}
	orderKeys           = []string{"order", "orderNumber", "order_number", "questionOrder"}
	debuffKeys          = []string{"debuff", "isDebuff", "is_debuff"}
	isLastKeys          = []string{"isLastQuestion", "is_last_question", "isLast"}
	totalKeys           = []string{"totalQuestions", "total_questions", "questionCount"}
	embeddedKeys        = []string{"nextQuestion", "next_question", "question", "roundQuestion", "round_question"}
	// a child under these keys is bank content when the record itself has
	// the round-question id, and an embedded question otherwise
	nestedBankKeys    = []string{"question", "content"}
	participantIDKeys = []string{"participantId", "participant_id"}
)

// first returns the first existing, non-null field among keys.
func first(r gjson.Result, keys []string) gjson.Result {
	for _, k := range keys {
		v := r.Get(k)
		if v.Exists() && v.Type != gjson.Null {
			return v
		}
	}
	return gjson.Result{}
}

// firstString is like first but only accepts non-empty strings.
func firstString(r gjson.Result, keys []string) string {
	for _, k := range keys {
		v := r.Get(k)
		if v.Type == gjson.String && v.Str != "" {
			return v.Str
		}
	}
	return ""
}

// nestedBank returns the bank content a round-question record keeps under
// an ambiguous key. The child must not carry a round-question id of its own.
func nestedBank(r gjson.Result) (gjson.Result, bool) {
	if !first(r, roundQuestionIDKeys).Exists() {
		return gjson.Result{}, false
	}
	for _, k := range nestedBankKeys {
		v := r.Get(k)
		if v.IsObject() && !first(v, roundQuestionIDKeys).Exists() {
			return v, true
		}
	}
	return gjson.Result{}, false
}

// firstObject is like first but only accepts JSON objects.
func firstObject(r gjson.Result, keys []string) (gjson.Result, bool) {
	for _, k := range keys {
		v := r.Get(k)
		if v.IsObject() {
			return v, true
		}
	}
	return gjson.Result{}, false
}

// asInt64 accepts numbers and numeric strings.
func asInt64(v gjson.Result) (int64, bool) {
	switch v.Type {
	case gjson.Number:
		return v.Int(), true
	case gjson.String:
		n, err := strconv.ParseInt(strings.TrimSpace(v.Str), 10, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

// asBool accepts JSON booleans and "true"/"false" strings.
func asBool(v gjson.Result) (bool, bool) {
	switch v.Type {
	case gjson.True:
		return true, true
	case gjson.False:
		return false, true
	case gjson.String:
		b, err := strconv.ParseBool(v.Str)
		if err != nil {
			return false, false
		}
		return b, true
	default:
		return false, false
	}
}

// asID renders an identifier field, numeric or string, as a string.
func asID(v gjson.Result) string {
	switch v.Type {
	case gjson.String:
		return v.Str
	case gjson.Number:
		return v.Raw
	default:
		return ""
	}
}

// epochMillisThreshold separates epoch seconds from epoch milliseconds.
const epochMillisThreshold = 1_000_000_000_000

// asTime accepts RFC 3339 strings and epoch seconds or milliseconds.
func asTime(v gjson.Result) (time.Time, bool) {
	if n, ok := asInt64(v); ok {
		if n <= 0 {
			return time.Time{}, false
		}
		if n >= epochMillisThreshold {
			return time.UnixMilli(n), true
		}
		return time.Unix(n, 0), true
	}
	if v.Type != gjson.String {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(v.Str))
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
