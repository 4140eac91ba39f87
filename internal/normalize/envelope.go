package normalize

import (
	"encoding/json"
	"fmt"
	"strings"

	"battle-sync-service/internal/domain"
	"github.com/tidwall/gjson"
)

// DecodeEnvelope maps a message body of the form
// {"eventId": .., "event": .., "matchId": .., "data": {..}} to an Event.
// When the envelope names no event, the last subject token is used.
func DecodeEnvelope(body []byte, subject string) (domain.Event, error) {
	if !gjson.ValidBytes(body) {
		return domain.Event{}, fmt.Errorf("envelope: %w", domain.ErrMalformedEvent)
	}
	r := gjson.ParseBytes(body)
	ev := domain.Event{
		ID:      r.Get("eventId").String(),
		Name:    domain.EventName(r.Get("event").String()),
		MatchID: r.Get("matchId").String(),
	}
	if ev.Name == "" {
		ev.Name = domain.EventName(r.Get("eventType").String())
	}
	if ev.Name == "" && subject != "" {
		ev.Name = domain.EventName(subject[strings.LastIndexByte(subject, '.')+1:])
	}
	if ev.Name == "" {
		return domain.Event{}, fmt.Errorf("envelope without event name: %w", domain.ErrMalformedEvent)
	}

	data := r.Get("data")
	if !data.Exists() {
		data = r.Get("payload")
	}
	switch {
	case data.Type == gjson.String && gjson.Valid(data.Str):
		ev.Data = []byte(data.Str)
	case data.IsObject() || data.IsArray():
		ev.Data = []byte(data.Raw)
	default:
		ev.Data = []byte(`{}`)
	}
	return ev, nil
}

// EncodeEnvelope is the inverse of DecodeEnvelope.
func EncodeEnvelope(ev domain.Event) ([]byte, error) {
	data := ev.Data
	if len(data) == 0 {
		data = []byte(`{}`)
	}
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("event data: %w", domain.ErrMalformedEvent)
	}
	env := struct {
		EventID string           `json:"eventId"`
		Event   domain.EventName `json:"event"`
		MatchID string           `json:"matchId"`
		Data    json.RawMessage  `json:"data"`
	}{ev.ID, ev.Name, ev.MatchID, data}
	return json.Marshal(env)
}
