package store

import (
	"encoding/json"
	"fmt"
	"time"
)

// Checkpoint is an immutable snapshot of one process and its pages.
type Checkpoint struct {
	ID           string    `json:"id"`
	OwnerID      string    `json:"owner_id"`
	ProcessState *Process  `json:"process_state"`
	Pages        []*Page   `json:"pages"`
	Description  string    `json:"description"`
	Timestamp    time.Time `json:"timestamp"`
	Version      int       `json:"version"`
	ParentID     string    `json:"parent_id,omitempty"`
	Tags         []string  `json:"tags,omitempty"`
}

// CheckpointInfo is the listing form of a checkpoint (no snapshot payload).
type CheckpointInfo struct {
	ID          string    `json:"id"`
	OwnerID     string    `json:"owner_id"`
	Description string    `json:"description"`
	Timestamp   time.Time `json:"timestamp"`
	Version     int       `json:"version"`
	ParentID    string    `json:"parent_id,omitempty"`
	PageCount   int       `json:"page_count"`
}

// Info returns the listing form of c.
func (c *Checkpoint) Info() CheckpointInfo {
	return CheckpointInfo{
		ID:          c.ID,
		OwnerID:     c.OwnerID,
		Description: c.Description,
		Timestamp:   c.Timestamp,
		Version:     c.Version,
		ParentID:    c.ParentID,
		PageCount:   len(c.Pages),
	}
}

// Clone returns a deep copy of c.
func (c *Checkpoint) Clone() *Checkpoint {
	if c == nil {
		return nil
	}
	out := *c
	out.ProcessState = c.ProcessState.Clone()
	out.Pages = make([]*Page, len(c.Pages))
	for i, p := range c.Pages {
		out.Pages[i] = p.Clone()
	}
	out.Tags = append([]string(nil), c.Tags...)
	return &out
}

// Prepare fills in id and timestamp when empty. Backends call it before writing.
func (c *Checkpoint) Prepare() {
	if c.ID == "" {
		c.ID = NewID()
	}
	if c.Timestamp.IsZero() {
		c.Timestamp = Now()
	}
	if c.OwnerID == "" && c.ProcessState != nil {
		c.OwnerID = c.ProcessState.ID
	}
}

// MarshalCheckpoint encodes c in its stable JSON shape.
func MarshalCheckpoint(c *Checkpoint) ([]byte, error) {
	return json.Marshal(c)
}

// UnmarshalCheckpoint decodes the stable JSON shape.
func UnmarshalCheckpoint(data []byte) (*Checkpoint, error) {
	var c Checkpoint
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	if c.ProcessState == nil {
		return nil, fmt.Errorf("decode checkpoint %s: missing process_state", c.ID)
	}
	return &c, nil
}
