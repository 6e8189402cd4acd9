package selfmodel

import (
	"time"

	"github.com/andywolf/ctxkeeper/internal/ledger"
)

// GapSeverity grades a Gap.
type GapSeverity string

const (
	SeverityInfo    GapSeverity = "info"
	SeverityWarning GapSeverity = "warning"
)

// GapKind says what produced a Gap.
type GapKind string

const (
	GapEmptyType    GapKind = "empty_type"
	GapMissedQuery  GapKind = "missed_query"
	GapStaleEntries GapKind = "stale_entries"
)

// Gap is a detected deficiency in the store.
type Gap struct {
	Kind        GapKind     `json:"kind"`
	Description string      `json:"description"`
	Severity    GapSeverity `json:"severity"`
	Suggestion  string      `json:"suggestion"`
	// Subject is the type name or query the gap is about, when there is one.
	Subject string `json:"subject,omitempty"`
}

// Contradiction is a pair of entries whose text uses opposing keywords.
type Contradiction struct {
	EntryA      string `json:"entry_a"`
	EntryB      string `json:"entry_b"`
	Description string `json:"description"`
}

// HealthStatus is the overall classification.
type HealthStatus string

const (
	HealthHealthy        HealthStatus = "healthy"
	HealthNeedsAttention HealthStatus = "needs-attention"
	HealthSparse         HealthStatus = "sparse"
)

// Identity counts what the store holds.
type Identity struct {
	TotalEntries  int            `json:"total_entries"`
	ArchivedCount int            `json:"archived_count"`
	ByType        map[string]int `json:"by_type"`
	BubbleCount   int            `json:"bubble_count"`
	OldestEntry   *time.Time     `json:"oldest_entry,omitempty"`
	NewestEntry   *time.Time     `json:"newest_entry,omitempty"`
}

// Coverage compares declared types against populated ones.
type Coverage struct {
	TypesWithEntries    []string `json:"types_with_entries"`
	TypesWithoutEntries []string `json:"types_without_entries"`
	UntypedCount        int      `json:"untyped_count"`
}

// StaleEntry is one of the least recently updated entries.
type StaleEntry struct {
	ID             string    `json:"id"`
	Type           string    `json:"type,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
	DaysSinceTouch int       `json:"days_since_update"`
}

// Freshness describes how recently entries were touched.
type Freshness struct {
	RecentlyUpdated int          `json:"recently_updated"`
	StaleCount      int          `json:"stale_count"`
	Stalest         []StaleEntry `json:"stalest"`
}

// Health is the scored summary.
type Health struct {
	CoverageScore  float64      `json:"coverage_score"`
	FreshnessScore float64      `json:"freshness_score"`
	Overall        HealthStatus `json:"overall"`
}

// SelfModel is a point-in-time snapshot of store health.
type SelfModel struct {
	GeneratedAt        time.Time                  `json:"generated_at"`
	Identity           Identity                   `json:"identity"`
	Coverage           Coverage                   `json:"coverage"`
	Freshness          Freshness                  `json:"freshness"`
	Gaps               []Gap                      `json:"gaps"`
	Contradictions     []Contradiction            `json:"contradictions"`
	Health             Health                     `json:"health"`
	PendingActions     int                        `json:"pending_actions"`
	RecentImprovements []ledger.ImprovementRecord `json:"recent_improvements"`
}
