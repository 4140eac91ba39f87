package normalize

import (
	"strings"

	"golang.org/x/text/language"
)

const segmentDelimiter = "|"

type segment struct {
	tag  language.Tag
	text string
}

// parseSegments splits a composite string like "[en]Apple|[vi]Quả táo".
// It returns nil when s is not in composite form.
func parseSegments(s string) []segment {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "[") {
		return nil
	}
	var out []segment
	for _, part := range strings.Split(s, segmentDelimiter) {
		part = strings.TrimSpace(part)
		if !strings.HasPrefix(part, "[") {
			continue
		}
		end := strings.Index(part, "]")
		if end < 0 {
			continue
		}
		tag, err := language.Parse(part[1:end])
		if err != nil {
			continue
		}
		out = append(out, segment{tag: tag, text: strings.TrimSpace(part[end+1:])})
	}
	return out
}

// pick selects the segment best matching the preference order.
func pick(segs []segment, prefs []language.Tag) (string, bool) {
	if len(segs) == 0 || len(prefs) == 0 {
		return "", false
	}
	supported := make([]language.Tag, len(segs))
	for i, s := range segs {
		supported[i] = s.tag
	}
	_, idx, conf := language.NewMatcher(supported).Match(prefs...)
	if conf == language.No || idx < 0 || idx >= len(segs) {
		return "", false
	}
	return segs[idx].text, true
}

func parseLocales(locales []string) []language.Tag {
	tags := make([]language.Tag, 0, len(locales))
	for _, l := range locales {
		tag, err := language.Parse(strings.TrimSpace(l))
		if err != nil {
			continue
		}
		tags = append(tags, tag)
	}
	return tags
}
