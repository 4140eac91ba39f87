// Package normalize maps the inbound payload shapes of both channels into
// canonical domain records.
//
// Every shape is first classified by source and then resolved through the
// field precedence table in fields.go. Nothing here fails: malformed input
// yields a degraded record or "no question".
package normalize

import (
	"strings"

	"battle-sync-service/internal/domain"
	"github.com/tidwall/gjson"
	"golang.org/x/text/language"
)

// Source identifies which channel a payload arrived on.
type Source int

const (
	// SourcePush is the push/event channel.
	SourcePush Source = iota
	// SourceResponse is the body of a submit-answer response.
	SourceResponse
)

func (s Source) String() string {
	if s == SourceResponse {
		return "response"
	}
	return "push"
}

// DefaultLocales is the option text preference order when none is configured.
var DefaultLocales = []string{"en", "vi"}

// Normalizer holds the locale preference used for composite option text.
type Normalizer struct {
	prefs []language.Tag
}

// New returns a Normalizer preferring locales in the given order.
func New(locales ...string) *Normalizer {
	if len(locales) == 0 {
		locales = DefaultLocales
	}
	return &Normalizer{prefs: parseLocales(locales)}
}

// Question maps a payload that is itself a question record.
func (n *Normalizer) Question(raw []byte, src Source) (domain.Question, bool) {
	if !gjson.ValidBytes(raw) {
		return domain.Question{}, false
	}
	return n.fromResult(gjson.ParseBytes(raw), src)
}

// Embedded finds a question nested in an event or response payload. Only the
// nested keys are searched; the payload itself is never treated as a question,
// and neither is the bank content of a round-question record.
func (n *Normalizer) Embedded(raw []byte, src Source) (domain.Question, bool) {
	if !gjson.ValidBytes(raw) {
		return domain.Question{}, false
	}
	r := gjson.ParseBytes(raw)
	nested, ok := firstObject(r, embeddedKeys)
	if !ok {
		return domain.Question{}, false
	}
	if bank, isBank := nestedBank(r); isBank && bank.Index == nested.Index && bank.Raw == nested.Raw {
		return domain.Question{}, false
	}
	return n.fromResult(nested, src)
}

// QuestionOrEmbedded prefers an embedded question and falls back to the payload itself.
func (n *Normalizer) QuestionOrEmbedded(raw []byte, src Source) (domain.Question, bool) {
	if q, ok := n.Embedded(raw, src); ok {
		return q, true
	}
	return n.Question(raw, src)
}

func (n *Normalizer) fromResult(r gjson.Result, src Source) (domain.Question, bool) {
	id, ok := roundQuestionID(r, src)
	if !ok {
		return domain.Question{}, false
	}

	q := domain.Question{
		RoundQuestionID: id,
		CorrectIndex:    -1,
		Options:         []string{},
	}

	content := r
	bank, hasBank := firstObject(r, bankKeys)
	if !hasBank {
		bank, hasBank = nestedBank(r)
	}
	if hasBank {
		content = bank
		q.BankID = asID(bank.Get("id"))
	}
	if q.BankID == "" {
		q.BankID = asID(first(r, bankIDKeys))
	}

	q.Prompt = n.text(firstString(content, promptKeys))
	if q.Prompt == "" && hasBank {
		q.Prompt = n.text(firstString(r, promptKeys))
	}

	options := first(content, optionKeys)
	if !options.Exists() && hasBank {
		options = first(r, optionKeys)
	}
	q.Options, q.CorrectIndex = n.options(options)
	if q.CorrectIndex < 0 {
		if idx, ok := asInt64(first(r, correctIndexKeys)); ok && idx >= 0 && int(idx) < len(q.Options) {
			q.CorrectIndex = int(idx)
		}
	}

	if t, ok := asTime(first(r, deadlineKeys)); ok {
		q.Deadline = t
	}
	if v, ok := asInt64(first(r, orderKeys)); ok {
		q.Order = int(v)
	}
	if v, ok := asBool(first(r, debuffKeys)); ok {
		q.Debuff = v
	}
	if v, ok := asBool(first(r, isLastKeys)); ok {
		q.IsLast = &v
	}
	if v, ok := asInt64(first(r, totalKeys)); ok && v > 0 {
		q.Total = int(v)
	}
	return q, true
}

// roundQuestionID applies precedence rule 1. The generic id field is only
// trusted on submission responses; on push payloads it may name the bank entry.
func roundQuestionID(r gjson.Result, src Source) (int64, bool) {
	if v, ok := asInt64(first(r, roundQuestionIDKeys)); ok && v > 0 {
		return v, true
	}
	if src != SourceResponse {
		return 0, false
	}
	if v, ok := asInt64(first(r, genericIDKeys)); ok && v > 0 {
		return v, true
	}
	return 0, false
}

// options returns option texts and the index of the option flagged correct.
// A non-array value yields no options.
func (n *Normalizer) options(v gjson.Result) ([]string, int) {
	if !v.IsArray() {
		return []string{}, -1
	}
	items := v.Array()
	texts := make([]string, 0, len(items))
	correct := -1
	for i, item := range items {
		switch {
		case item.IsObject():
			texts = append(texts, n.optionText(item))
			if flag, ok := asBool(first(item, correctFlagKeys)); ok && flag && correct < 0 {
				correct = i
			}
		case item.Type == gjson.String:
			texts = append(texts, n.text(item.Str))
		default:
			texts = append(texts, item.String())
		}
	}
	return texts, correct
}

func (n *Normalizer) optionText(o gjson.Result) string {
	raw := firstString(o, optionTextKeys)
	label := firstString(o, optionLabelKeys)
	if segs := parseSegments(raw); len(segs) > 0 {
		if t, ok := pick(segs, n.prefs); ok {
			return t
		}
		if label != "" {
			return label
		}
		return segs[0].text
	}
	if raw != "" {
		return raw
	}
	return label
}

// text resolves composite strings and passes plain strings through.
func (n *Normalizer) text(s string) string {
	segs := parseSegments(s)
	if len(segs) == 0 {
		return strings.TrimSpace(s)
	}
	if t, ok := pick(segs, n.prefs); ok {
		return t
	}
	return segs[0].text
}
