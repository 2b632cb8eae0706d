package book

import (
	"context"
	"errors"
	"sync"
	"time"

	"elibrary/internal/assetstore"
	"elibrary/internal/logging"
	"elibrary/internal/orphan"
)

// State is a step of a lifecycle operation.
type State string

const (
	StateValidate       State = "validate"
	StateLoad           State = "load"
	StateAuthorize      State = "authorize"
	StateUploadAssets   State = "upload_assets"
	StatePersistRecord  State = "persist_record"
	StateDeriveAssets   State = "derive_assets"
	StateDeleteAssets   State = "delete_assets"
	StateDeleteRecord   State = "delete_record"
	StateCleanupStaging State = "cleanup_staging"
	StateDone           State = "done"
	StateFailed         State = "failed"
)

type failurePolicy struct {
	kind       error
	retryable  bool
	compensate bool
}

// failures classifies an error by the state it happened in. Compensation
// deletes every asset uploaded so far in the same run.
var failures = map[State]failurePolicy{
	StateValidate:      {kind: ErrValidation},
	StateLoad:          {kind: ErrPersistence, retryable: true},
	StateAuthorize:     {kind: ErrForbidden},
	StateUploadAssets:  {kind: ErrUpstream, retryable: true, compensate: true},
	StatePersistRecord: {kind: ErrPersistence, retryable: true, compensate: true},
	StateDeriveAssets:  {kind: ErrPersistence},
	StateDeleteAssets:  {kind: ErrUpstream, retryable: true},
	StateDeleteRecord:  {kind: ErrPersistence, retryable: true},
}

// run tracks one operation through its states and owns the assets it
// uploaded until the record that references them is committed.
type run struct {
	op      string
	bookID  string
	state   State
	started time.Time
	logger  logging.Logger
	store   assetstore.Store
	orphans OrphanSink

	mu       sync.Mutex
	uploaded []assetstore.Ref
}

func (r *run) enter(ctx context.Context, s State) {
	r.logger.Debug(ctx, "book lifecycle transition", "op", r.op, "from", string(r.state), "to", string(s))
	r.state = s
}

func (r *run) track(ref assetstore.Ref) {
	r.mu.Lock()
	r.uploaded = append(r.uploaded, ref)
	r.mu.Unlock()
}

// commit releases ownership of the uploaded assets: a record now points at them.
func (r *run) commit() {
	r.mu.Lock()
	r.uploaded = nil
	r.mu.Unlock()
}

// fail classifies err, compensates if the current state requires it and
// returns the error to surface.
func (r *run) fail(ctx context.Context, err error) error {
	policy, ok := failures[r.state]
	if !ok {
		policy = failurePolicy{kind: ErrPersistence}
	}
	kind, retryable := policy.kind, policy.retryable
	switch {
	case errors.Is(err, ErrValidation):
		kind, retryable = ErrValidation, false
	case errors.Is(err, ErrNotFound):
		kind, retryable = ErrNotFound, false
	case errors.Is(err, ErrConflict):
		kind, retryable = ErrConflict, true
	}

	if policy.compensate {
		r.compensate(ctx)
	}

	failedIn := r.state
	r.logger.Warn(ctx, "book lifecycle failed",
		"op", r.op,
		"state", string(failedIn),
		"book_id", r.bookID,
		"retryable", retryable,
		"elapsed", time.Since(r.started).String(),
		"err", err,
	)
	r.enter(ctx, StateFailed)
	return &OpError{Op: r.op, State: failedIn, Kind: kind, Err: err, Retryable: retryable}
}

// compensate deletes the run's uploads. It runs even when ctx is already
// cancelled; deletes that still fail are handed to the orphan sink.
func (r *run) compensate(ctx context.Context) {
	r.mu.Lock()
	refs := r.uploaded
	r.uploaded = nil
	r.mu.Unlock()

	cctx := context.WithoutCancel(ctx)
	for _, ref := range refs {
		publicID, err := assetstore.PublicIDFromURL(ref.URL)
		if err != nil {
			publicID = ref.PublicID
		}
		if err := r.store.Delete(cctx, publicID, ref.Kind); err != nil {
			r.logger.Error(cctx, "compensating delete failed", "op", r.op, "public_id", publicID, "err", err)
			r.orphan(cctx, publicID, ref.Kind, orphan.ReasonCompensationFailed)
			continue
		}
		r.logger.Info(cctx, "compensated upload", "op", r.op, "public_id", publicID)
	}
}

func (r *run) orphan(ctx context.Context, publicID string, kind assetstore.Kind, reason string) {
	if r.orphans == nil {
		r.logger.Warn(ctx, "orphaned asset left in store", "public_id", publicID, "reason", reason)
		return
	}
	o := orphan.Orphan{PublicID: publicID, Kind: kind, Reason: reason, BookID: r.bookID, At: time.Now().UTC()}
	if err := r.orphans.Push(ctx, o); err != nil {
		r.logger.Error(ctx, "enqueue orphan failed", "public_id", publicID, "reason", reason, "err", err)
	}
}
