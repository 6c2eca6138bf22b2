// Package idgen generates sortable identifiers for batch log correlation.
package idgen

import (
	"math/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewBatchID returns a ULID for tagging one commit attempt across log lines.
// Lexicographic order follows wall-clock order, which keeps grepping a run's
// batches trivial.
func NewBatchID() string {
	now := time.Now()
	entropy := rand.New(rand.NewSource(now.UnixNano()))
	return ulid.MustNew(ulid.Timestamp(now), entropy).String()
}
