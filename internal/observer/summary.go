package observer

import (
	"sort"

	"github.com/andywolf/ctxkeeper/internal/ledger"
)

// Delta is a pure update to a Summary. Each logged event produces exactly one.
type Delta func(*ledger.Summary)

// deltaFor returns the summary update for a single event.
func deltaFor(ev ledger.Event) Delta {
	return func(s *ledger.Summary) { apply(s, ev) }
}

// apply folds one event into the summary. Writes and updates both count as
// writes; deletes only move LastActivity.
func apply(s *ledger.Summary, ev ledger.Event) {
	if s.TypeReads == nil {
		s.TypeReads = map[string]int{}
	}
	if s.TypeWrites == nil {
		s.TypeWrites = map[string]int{}
	}
	if s.MissCounts == nil {
		s.MissCounts = map[string]int{}
	}

	switch ev.Action {
	case ledger.EventRead:
		s.TotalReads++
		if ev.ContextType != "" {
			s.TypeReads[ev.ContextType]++
		}
	case ledger.EventWrite, ledger.EventUpdate:
		s.TotalWrites++
		if ev.ContextType != "" {
			s.TypeWrites[ev.ContextType]++
		}
	case ledger.EventQueryMiss:
		s.TotalMisses++
		if ev.Query != "" {
			if s.MissCounts[ev.Query] == 0 {
				s.MissedQueries = append(s.MissedQueries, ev.Query)
			}
			s.MissCounts[ev.Query]++
		}
	}

	if ev.Timestamp.After(s.LastActivity) {
		s.LastActivity = ev.Timestamp
	}
}

// Rederive rebuilds a Summary from scratch. The incrementally maintained
// summary must always equal Rederive over the events it has seen.
func Rederive(events []ledger.Event) ledger.Summary {
	s := ledger.NewSummary()
	for _, ev := range events {
		apply(&s, ev)
	}
	return s
}

// MissedQuery is a query that found nothing, with how often it recurred.
type MissedQuery struct {
	Query string `json:"query"`
	Count int    `json:"count"`
}

// TypeUsage is read and write traffic for one context type.
type TypeUsage struct {
	Type   string `json:"type"`
	Reads  int    `json:"reads"`
	Writes int    `json:"writes"`
}

// missedQueries lists missed queries by descending count, then first-seen order.
func missedQueries(s ledger.Summary) []MissedQuery {
	out := make([]MissedQuery, 0, len(s.MissedQueries))
	for _, q := range s.MissedQueries {
		out = append(out, MissedQuery{Query: q, Count: s.MissCounts[q]})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Count > out[j].Count
	})
	return out
}

// typePopularity lists types by total traffic, busiest first.
func typePopularity(s ledger.Summary) []TypeUsage {
	byType := map[string]*TypeUsage{}
	for t, n := range s.TypeReads {
		u := byType[t]
		if u == nil {
			u = &TypeUsage{Type: t}
			byType[t] = u
		}
		u.Reads += n
	}
	for t, n := range s.TypeWrites {
		u := byType[t]
		if u == nil {
			u = &TypeUsage{Type: t}
			byType[t] = u
		}
		u.Writes += n
	}

	out := make([]TypeUsage, 0, len(byType))
	for _, u := range byType {
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := out[i].Reads+out[i].Writes, out[j].Reads+out[j].Writes
		if ti != tj {
			return ti > tj
		}
		return out[i].Type < out[j].Type
	})
	return out
}
