package store

import (
	"maps"
	"slices"
	"time"
)

// PageCategory classifies what a context page holds.
type PageCategory string

const (
	CategorySystem  PageCategory = "system"
	CategoryTools   PageCategory = "tools"
	CategoryUser    PageCategory = "user"
	CategoryTask    PageCategory = "task"
	CategoryMemory  PageCategory = "memory"
	CategoryWorking PageCategory = "working"
)

// Valid reports whether c is a known category.
func (c PageCategory) Valid() bool {
	switch c {
	case CategorySystem, CategoryTools, CategoryUser, CategoryTask, CategoryMemory, CategoryWorking:
		return true
	}
	return false
}

// PageStatus is where a page currently lives.
type PageStatus string

const (
	PageResident PageStatus = "resident" // in the active window
	PageSwapped  PageStatus = "swapped"  // only in the swap table / storage
	PageDirty    PageStatus = "dirty"    // modified since last write-back
)

// Page is the unit of context paging.
type Page struct {
	ID           string            `json:"id"`
	OwnerID      string            `json:"owner_id"`
	Content      string            `json:"content"`
	Tokens       int               `json:"tokens"`
	Importance   float64           `json:"importance"`
	Category     PageCategory      `json:"category"`
	Status       PageStatus        `json:"status"`
	AccessCount  int               `json:"access_count"`
	LastAccessed time.Time         `json:"last_accessed"`
	CreatedAt    time.Time         `json:"created_at"`
	Embedding    []float32         `json:"embedding,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Clone returns a deep copy of p.
func (p *Page) Clone() *Page {
	if p == nil {
		return nil
	}
	c := *p
	c.Embedding = slices.Clone(p.Embedding)
	c.Metadata = maps.Clone(p.Metadata)
	return &c
}

// ClampImportance bounds v to [0, 1].
func ClampImportance(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
