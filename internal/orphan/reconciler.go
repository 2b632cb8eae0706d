package orphan

import (
	"context"
	"fmt"
	"time"

	"elibrary/internal/assetstore"
	"elibrary/internal/logging"
)

const defaultMaxAttempts = 5

// Report summarizes one Drain pass.
type Report struct {
	Recovered int
	Deleted   int
	Requeued  int
	Abandoned int
}

// Reconciler deletes queued orphans from the asset store.
type Reconciler struct {
	Queue       Queue
	Store       assetstore.Store
	Logger      logging.Logger
	MaxAttempts int
}

// Drain processes at most limit orphans, and never more than were queued
// when the pass started, so each orphan gets at most one attempt per pass.
// Failed deletes go to the back of the queue until MaxAttempts is reached,
// after which they are moved to the dead-letter list.
func (r *Reconciler) Drain(ctx context.Context, limit int) (Report, error) {
	var rep Report
	if r.Queue == nil || r.Store == nil {
		return rep, fmt.Errorf("reconciler requires queue and store")
	}
	logger := r.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	maxAttempts := r.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}

	recovered, err := r.Queue.Recover(ctx)
	if err != nil {
		return rep, err
	}
	if recovered > 0 {
		rep.Recovered = recovered
		logger.Warn(ctx, "recovered orphans from an interrupted pass", "count", recovered)
	}

	pending, err := r.Queue.Len(ctx)
	if err != nil {
		return rep, err
	}
	budget := min(int64(limit), pending)

	for i := int64(0); i < budget; i++ {
		c, ok, err := r.Queue.Claim(ctx)
		if err != nil {
			return rep, err
		}
		if !ok {
			break
		}
		o := c.Orphan

		err = r.Store.Delete(ctx, o.PublicID, o.Kind)
		if err == nil {
			if aerr := r.Queue.Ack(ctx, c); aerr != nil {
				return rep, aerr
			}
			rep.Deleted++
			logger.Info(ctx, "orphan deleted", "public_id", o.PublicID, "reason", o.Reason)
			continue
		}

		o.Attempts++
		o.At = time.Now().UTC()
		if o.Attempts >= maxAttempts {
			if berr := r.Queue.Bury(ctx, c, o); berr != nil {
				return rep, berr
			}
			rep.Abandoned++
			logger.Error(ctx, "orphan moved to dead letters", "public_id", o.PublicID, "attempts", o.Attempts, "error", err)
			continue
		}
		if rerr := r.Queue.Retry(ctx, c, o); rerr != nil {
			return rep, rerr
		}
		rep.Requeued++
		logger.Warn(ctx, "orphan delete failed, requeued", "public_id", o.PublicID, "attempts", o.Attempts, "error", err)
	}
	return rep, nil
}
