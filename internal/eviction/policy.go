// Package eviction scores context pages for eviction and orders resident
// pages into a prefix-stable layout.
package eviction

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/nextlevelbuilder/agentos/internal/store"
)

// Policy holds the tunables of the victim score.
type Policy struct {
	// HalfLife is the idle time at which the recency component reaches 0.5.
	HalfLife time.Duration `json:"half_life"`
	// ImportanceDamping scales how much importance protects a page (0..1).
	ImportanceDamping float64 `json:"importance_damping"`
	// PinThreshold: pages with importance at or above it are never evicted.
	PinThreshold float64 `json:"pin_threshold"`
}

// DefaultPolicy returns the standard recency/importance blend.
func DefaultPolicy() Policy {
	return Policy{
		HalfLife:          600 * time.Second,
		ImportanceDamping: 0.5,
		PinThreshold:      0.95,
	}
}

// LRUScore is 1 - 2^(-idle/halfLife): 0 for a page touched just now,
// approaching 1 as it goes stale.
func (p Policy) LRUScore(lastAccessed, now time.Time) float64 {
	idle := now.Sub(lastAccessed)
	if idle <= 0 {
		return 0
	}
	hl := p.HalfLife
	if hl <= 0 {
		hl = DefaultPolicy().HalfLife
	}
	return 1 - math.Exp2(-idle.Seconds()/hl.Seconds())
}

// VictimScore is higher for better eviction candidates.
func (p Policy) VictimScore(pg *store.Page, now time.Time) float64 {
	return p.LRUScore(pg.LastAccessed, now) * (1 - pg.Importance*p.ImportanceDamping)
}

// Pinned reports whether pg is protected from eviction.
func (p Policy) Pinned(pg *store.Page) bool {
	return pg.Importance >= p.PinThreshold
}

// SelectVictim returns the evictable page with the highest victim score,
// or nil when every candidate is pinned or excluded. Ties go to the page
// accessed longest ago, then to the smaller id.
func (p Policy) SelectVictim(pages []*store.Page, now time.Time, exclude map[string]bool) *store.Page {
	var best *store.Page
	bestScore := -1.0
	for _, pg := range pages {
		if p.Pinned(pg) || exclude[pg.ID] {
			continue
		}
		s := p.VictimScore(pg, now)
		switch {
		case best == nil || s > bestScore:
		case s == bestScore && pg.LastAccessed.Before(best.LastAccessed):
		case s == bestScore && pg.LastAccessed.Equal(best.LastAccessed) && pg.ID < best.ID:
		default:
			continue
		}
		best, bestScore = pg, s
	}
	return best
}

// Layout orders pages for prompt-prefix stability: system pages first in
// the given order, then tools and task pages by (access count, importance)
// descending, then everything else by access count x importance descending.
func Layout(pages []*store.Page) []*store.Page {
	var tierA, tierB, tierC []*store.Page
	for _, pg := range pages {
		switch pg.Category {
		case store.CategorySystem:
			tierA = append(tierA, pg)
		case store.CategoryTools, store.CategoryTask:
			tierB = append(tierB, pg)
		default:
			tierC = append(tierC, pg)
		}
	}
	sort.SliceStable(tierB, func(i, j int) bool {
		if tierB[i].AccessCount != tierB[j].AccessCount {
			return tierB[i].AccessCount > tierB[j].AccessCount
		}
		return tierB[i].Importance > tierB[j].Importance
	})
	sort.SliceStable(tierC, func(i, j int) bool {
		return float64(tierC[i].AccessCount)*tierC[i].Importance > float64(tierC[j].AccessCount)*tierC[j].Importance
	})

	out := make([]*store.Page, 0, len(pages))
	out = append(out, tierA...)
	out = append(out, tierB...)
	return append(out, tierC...)
}

// TokenSet splits text on whitespace into a set.
func TokenSet(text string) map[string]struct{} {
	fields := strings.Fields(text)
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}

// OverlapRatio estimates how much of cur was already present in prev:
// |cur ∩ prev| / |cur|. Zero when either side is empty.
func OverlapRatio(prev, cur map[string]struct{}) float64 {
	if len(prev) == 0 || len(cur) == 0 {
		return 0
	}
	common := 0
	for tok := range cur {
		if _, ok := prev[tok]; ok {
			common++
		}
	}
	return float64(common) / float64(len(cur))
}
