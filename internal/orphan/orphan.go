// Package orphan tracks remote assets no book references any more and
// deletes them out of band.
package orphan

import (
	"context"
	"time"

	"elibrary/internal/assetstore"
)

// Reasons an asset became orphaned.
const (
	ReasonReplaced           = "replaced"
	ReasonCompensationFailed = "compensation_failed"
)

type Orphan struct {
	PublicID string          `json:"public_id"`
	Kind     assetstore.Kind `json:"kind"`
	Reason   string          `json:"reason"`
	BookID   string          `json:"book_id,omitempty"`
	Attempts int             `json:"attempts"`
	At       time.Time       `json:"at"`
}

// Claim is an orphan taken off the queue. It stays parked in the queue's
// processing area until it is acked, retried or buried.
type Claim struct {
	Orphan Orphan
	raw    []byte
}

// Queue is a FIFO of orphaned assets with at-least-once delivery.
type Queue interface {
	Push(ctx context.Context, o Orphan) error
	// Len counts orphans waiting to be claimed.
	Len(ctx context.Context) (int64, error)
	// Claim returns ok=false when the queue is empty.
	Claim(ctx context.Context) (c Claim, ok bool, err error)
	// Ack drops a claim whose asset is gone.
	Ack(ctx context.Context, c Claim) error
	// Retry atomically replaces the claim with o at the back of the queue.
	Retry(ctx context.Context, c Claim, o Orphan) error
	// Bury atomically moves the claim to the dead-letter list as o.
	Bury(ctx context.Context, c Claim, o Orphan) error
	// Recover returns claims left behind by an interrupted pass to the queue.
	Recover(ctx context.Context) (int, error)
}
