package selfmodel

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/andywolf/ctxkeeper/internal/notes"
)

func TestDetectContradictions(t *testing.T) {
	tests := []struct {
		name    string
		entries []notes.Entry
		want    int
	}{
		{
			name: "opposing keywords same type",
			entries: []notes.Entry{
				{ID: "a", Type: "preference", Content: "I prefer dark mode"},
				{ID: "b", Type: "preference", Content: "Avoid dark mode at night"},
			},
			want: 1,
		},
		{
			name: "different types are not compared",
			entries: []notes.Entry{
				{ID: "a", Type: "preference", Content: "always squash"},
				{ID: "b", Type: "decision", Content: "never squash"},
			},
			want: 0,
		},
		{
			name: "untyped entry compares with anything",
			entries: []notes.Entry{
				{ID: "a", Type: "decision", Content: "enable caching"},
				{ID: "b", Content: "disable caching"},
			},
			want: 1,
		},
		{
			name: "same keyword on both sides is not a contradiction",
			entries: []notes.Entry{
				{ID: "a", Type: "fact", Content: "always lint"},
				{ID: "b", Type: "fact", Content: "always test"},
			},
			want: 0,
		},
		{
			name: "inflected keywords match by substring",
			entries: []notes.Entry{
				{ID: "a", Type: "preference", Content: "I preferred tabs"},
				{ID: "b", Type: "preference", Content: "Always avoids tabs"},
			},
			want: 1,
		},
		{
			name: "keywords inside longer words match",
			entries: []notes.Entry{
				{ID: "a", Type: "fact", Content: "alwaysish"},
				{ID: "b", Type: "fact", Content: "neverland"},
			},
			want: 1,
		},
		{
			name: "async on both sides reads as sync versus async",
			entries: []notes.Entry{
				{ID: "a", Type: "config", Content: "async io"},
				{ID: "b", Type: "config", Content: "async jobs"},
			},
			want: 1,
		},
		{
			name: "case is ignored",
			entries: []notes.Entry{
				{ID: "a", Type: "fact", Content: "ALWAYS rebase"},
				{ID: "b", Type: "fact", Content: "Never rebase"},
			},
			want: 1,
		},
		{
			name: "tags and data count",
			entries: []notes.Entry{
				{ID: "a", Type: "config", Tags: []string{"sync"}},
				{ID: "b", Type: "config", Data: json.RawMessage(`{"mode":"async"}`)},
			},
			want: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := detectContradictions(tt.entries)
			if len(got) != tt.want {
				t.Errorf("detectContradictions() found %d, want %d: %+v", len(got), tt.want, got)
			}
		})
	}
}

func TestDetectContradictions_Capped(t *testing.T) {
	var entries []notes.Entry
	for i := 0; i < 20; i++ {
		word := "always"
		if i%2 == 1 {
			word = "never"
		}
		entries = append(entries, notes.Entry{ID: fmt.Sprintf("e%d", i), Type: "rule", Content: word + " rebase"})
	}
	got := detectContradictions(entries)
	if len(got) != MaxContradictions {
		t.Errorf("expected %d contradictions, got %d", MaxContradictions, len(got))
	}
}

func TestContradictionKey_ChangesWithContent(t *testing.T) {
	a := []notes.Entry{{ID: "a", Content: "x"}}
	b := []notes.Entry{{ID: "a", Content: "y"}}
	if contradictionKey(a) == contradictionKey(b) {
		t.Error("expected different keys for different content")
	}
	if contradictionKey(a) != contradictionKey([]notes.Entry{{ID: "a", Content: "x"}}) {
		t.Error("expected identical keys for identical content")
	}
}
