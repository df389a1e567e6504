// Package checkpoint persists the resumable cursor that lets gmailtail pick
// up where it left off after a restart.
package checkpoint

import (
	"slices"
	"time"
)

// Checkpoint marks the last confirmed processed position in the message
// stream. LastMessageIDs holds every processed id whose timestamp equals
// LastTimestamp; Gmail timestamps have millisecond resolution but are not
// unique, so the frontier needs the id set to disambiguate.
type Checkpoint struct {
	LastTimestamp  time.Time `json:"last_timestamp"`
	LastMessageIDs []string  `json:"last_message_ids"`
	ProcessedCount int64     `json:"processed_count"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// HasID reports whether id is recorded at the frontier timestamp.
func (c Checkpoint) HasID(id string) bool {
	return slices.Contains(c.LastMessageIDs, id)
}

// Observe advances the frontier for a message that was just emitted.
// LastTimestamp never moves backwards: an older timestamp only bumps the
// processed counter.
func (c *Checkpoint) Observe(id string, ts time.Time) {
	switch {
	case ts.After(c.LastTimestamp):
		c.LastTimestamp = ts
		c.LastMessageIDs = []string{id}
	case ts.Equal(c.LastTimestamp):
		if !c.HasID(id) {
			c.LastMessageIDs = append(c.LastMessageIDs, id)
		}
	}
	c.ProcessedCount++
}

// Clone returns a copy that shares no state with the receiver, so a cycle
// can build a candidate checkpoint and discard it on failure.
func (c Checkpoint) Clone() Checkpoint {
	cp := c
	cp.LastMessageIDs = slices.Clone(c.LastMessageIDs)
	return cp
}
