package store

import (
	"fmt"
	"math"
)

// MaxOwnerIDLength is the maximum allowed length for owner and holder identifiers.
// Matches the VARCHAR(255) constraint in the database schema.
const MaxOwnerIDLength = 255

// ValidateOwnerID checks that an owner identifier is present and not too long.
func ValidateOwnerID(id string) error {
	if id == "" {
		return fmt.Errorf("owner identifier is empty")
	}
	if len(id) > MaxOwnerIDLength {
		return fmt.Errorf("owner identifier too long: %d chars (max %d)", len(id), MaxOwnerIDLength)
	}
	return nil
}

// ValidatePage checks the fields a backend needs to persist a page.
func ValidatePage(p *Page) error {
	if p == nil || p.ID == "" {
		return fmt.Errorf("page id is empty")
	}
	if err := ValidateOwnerID(p.OwnerID); err != nil {
		return fmt.Errorf("page %s: %w", p.ID, err)
	}
	if p.Importance < 0 || p.Importance > 1 || math.IsNaN(p.Importance) {
		return fmt.Errorf("page %s: importance %v out of range [0,1]", p.ID, p.Importance)
	}
	return nil
}

// CosineSimilarity returns the cosine of the angle between a and b.
// Mismatched lengths or zero vectors yield 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
