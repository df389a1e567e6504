// Package dedup decides whether a fetched message has already been
// processed. Poll windows deliberately overlap at the checkpoint frontier
// (the since bound is inclusive so same-second messages are never lost),
// which means every cycle refetches the boundary and must filter it here.
package dedup

import (
	"time"

	"github.com/c4pt0r/gmailtail/internal/checkpoint"
)

// IsNew reports whether the message identified by id/ts has not been
// processed under cp. A message is already-processed when its timestamp is
// strictly behind the frontier, or when it sits exactly on the frontier and
// its id is recorded there.
func IsNew(id string, ts time.Time, cp checkpoint.Checkpoint) bool {
	if ts.Before(cp.LastTimestamp) {
		return false
	}
	if ts.Equal(cp.LastTimestamp) && cp.HasID(id) {
		return false
	}
	return true
}
