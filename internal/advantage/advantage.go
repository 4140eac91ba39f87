// Package advantage resolves elemental type advantage between two creatures.
package advantage

import (
	"fmt"
	"sort"
	"strings"

	"battle-sync-service/internal/domain"
	"gopkg.in/yaml.v3"
)

// Matchups answers whether one elemental type is strong against another.
type Matchups interface {
	StrongAgainst(attacker, defender domain.ElementType) bool
}

// Resolve reports which side is advantaged. Mutual or absent advantage resolves to none.
func Resolve(self, opponent domain.ElementType, table Matchups) domain.Advantage {
	if table == nil || self == "" || opponent == "" {
		return domain.AdvantageNone
	}
	selfStrong := table.StrongAgainst(self, opponent)
	oppStrong := table.StrongAgainst(opponent, self)
	switch {
	case selfStrong && !oppStrong:
		return domain.AdvantageSelf
	case oppStrong && !selfStrong:
		return domain.AdvantageOpponent
	default:
		return domain.AdvantageNone
	}
}

// Table is a static matchup chart: attacker type -> set of types it is strong against.
type Table map[domain.ElementType]map[domain.ElementType]struct{}

// Matchup is a single attacker/defender row.
type Matchup struct {
	Attacker domain.ElementType
	Defender domain.ElementType
}

// NewTable builds a table from rows. Types are compared case-insensitively.
func NewTable(rows []Matchup) Table {
	t := make(Table, len(rows))
	for _, r := range rows {
		t.add(r.Attacker, r.Defender)
	}
	return t
}

func (t Table) add(attacker, defender domain.ElementType) {
	a, d := normalizeType(attacker), normalizeType(defender)
	if a == "" || d == "" {
		return
	}
	set, ok := t[a]
	if !ok {
		set = make(map[domain.ElementType]struct{})
		t[a] = set
	}
	set[d] = struct{}{}
}

func (t Table) StrongAgainst(attacker, defender domain.ElementType) bool {
	set, ok := t[normalizeType(attacker)]
	if !ok {
		return false
	}
	_, ok = set[normalizeType(defender)]
	return ok
}

// Rows flattens the table in a stable order.
func (t Table) Rows() []Matchup {
	rows := make([]Matchup, 0, len(t))
	for a, set := range t {
		for d := range set {
			rows = append(rows, Matchup{Attacker: a, Defender: d})
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Attacker != rows[j].Attacker {
			return rows[i].Attacker < rows[j].Attacker
		}
		return rows[i].Defender < rows[j].Defender
	})
	return rows
}

func normalizeType(t domain.ElementType) domain.ElementType {
	return domain.ElementType(strings.ToLower(strings.TrimSpace(string(t))))
}

type chartFile struct {
	Charts map[string]map[string][]string `yaml:"charts"`
}

// ParseCharts decodes a YAML document of the form
//
//	charts:
//	  standard:
//	    fire: [grass, ice]
func ParseCharts(data []byte) (map[string]Table, error) {
	var f chartFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse matchup charts: %w", err)
	}
	out := make(map[string]Table, len(f.Charts))
	for name, chart := range f.Charts {
		t := make(Table, len(chart))
		for attacker, defenders := range chart {
			for _, d := range defenders {
				t.add(domain.ElementType(attacker), domain.ElementType(d))
			}
		}
		out[name] = t
	}
	return out, nil
}

// DefaultChart is the chart used when no chart source is configured.
func DefaultChart() Table {
	return NewTable([]Matchup{
		{Attacker: "fire", Defender: "grass"},
		{Attacker: "fire", Defender: "ice"},
		{Attacker: "water", Defender: "fire"},
		{Attacker: "water", Defender: "rock"},
		{Attacker: "grass", Defender: "water"},
		{Attacker: "grass", Defender: "rock"},
		{Attacker: "electric", Defender: "water"},
		{Attacker: "ice", Defender: "grass"},
		{Attacker: "rock", Defender: "fire"},
		{Attacker: "rock", Defender: "electric"},
	})
}
