package book

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"elibrary/internal/assetstore"
	"elibrary/internal/logging"
	"elibrary/internal/orphan"
	"elibrary/internal/staging"
)

const (
	DefaultCoverFolder    = "book-covers"
	DefaultDocumentFolder = "book-pdfs"
	DefaultMaxFileSize    = 10 << 20
)

// LifecycleConfig places assets in the store and bounds their size.
type LifecycleConfig struct {
	CoverFolder    string
	DocumentFolder string
	MaxFileSize    int64
}

func (c LifecycleConfig) withDefaults() LifecycleConfig {
	if c.CoverFolder == "" {
		c.CoverFolder = DefaultCoverFolder
	}
	if c.DocumentFolder == "" {
		c.DocumentFolder = DefaultDocumentFolder
	}
	if c.MaxFileSize <= 0 {
		c.MaxFileSize = DefaultMaxFileSize
	}
	return c
}

type CreateInput struct {
	Title    string
	Genre    string
	Cover    *staging.File
	Document *staging.File
}

// UpdateInput carries the supplied fields only; nil means keep.
type UpdateInput struct {
	Title    *string
	Genre    *string
	Cover    *staging.File
	Document *staging.File
}

// Outcome is the result of a successful create or update. Warning is set
// when staged files outlived the operation.
type Outcome struct {
	Book    Book
	Warning *CleanupWarning
}

// Lifecycle keeps the asset store and the metadata store consistent across
// create, update and delete.
type Lifecycle struct {
	repo    Repository
	store   assetstore.Store
	janitor Janitor
	orphans OrphanSink
	logger  logging.Logger
	cfg     LifecycleConfig
}

type Option func(*Lifecycle)

func WithLogger(l logging.Logger) Option {
	return func(lc *Lifecycle) { lc.logger = l }
}

// WithOrphanSink hands replaced assets and failed compensations to sink
// instead of only logging them.
func WithOrphanSink(sink OrphanSink) Option {
	return func(lc *Lifecycle) { lc.orphans = sink }
}

func NewLifecycle(repo Repository, store assetstore.Store, janitor Janitor, cfg LifecycleConfig, opts ...Option) *Lifecycle {
	lc := &Lifecycle{
		repo:    repo,
		store:   store,
		janitor: janitor,
		logger:  logging.Nop(),
		cfg:     cfg.withDefaults(),
	}
	for _, opt := range opts {
		opt(lc)
	}
	return lc
}

func (l *Lifecycle) begin(ctx context.Context, op, bookID string, caller Caller) *run {
	r := &run{
		op:      op,
		bookID:  bookID,
		started: time.Now(),
		logger:  l.logger.With("op", op, "caller_id", caller.ID),
		store:   l.store,
		orphans: l.orphans,
	}
	r.logger.Debug(ctx, "book lifecycle started", "book_id", bookID)
	return r
}

// Create uploads both assets, then writes the record that references them.
// Staged files are removed on every path.
func (l *Lifecycle) Create(ctx context.Context, caller Caller, in CreateInput) (out Outcome, err error) {
	r := l.begin(ctx, "create", "", caller)
	defer func() {
		out.Warning = l.cleanup(ctx, r, err, staging.Paths(in.Cover, in.Document))
	}()

	r.enter(ctx, StateValidate)
	fields := recordFields{Title: strings.TrimSpace(in.Title), Genre: strings.TrimSpace(in.Genre)}
	if caller.Anonymous() {
		return Outcome{}, r.fail(ctx, invalid("caller identity is required"))
	}
	author, err := caller.Canonical()
	if err != nil {
		return Outcome{}, r.fail(ctx, invalid("caller identity %q is not a valid user id", caller.ID))
	}
	if err := validateFields(fields); err != nil {
		return Outcome{}, r.fail(ctx, err)
	}
	if in.Cover == nil {
		return Outcome{}, r.fail(ctx, invalid("cover image is required"))
	}
	if in.Document == nil {
		return Outcome{}, r.fail(ctx, invalid("book file is required"))
	}
	coverReq, err := l.coverRequest(in.Cover)
	if err != nil {
		return Outcome{}, r.fail(ctx, err)
	}
	docReq, err := l.documentRequest(in.Document)
	if err != nil {
		return Outcome{}, r.fail(ctx, err)
	}

	r.enter(ctx, StateUploadAssets)
	coverRef, docRef, err := l.upload(ctx, r, coverReq, docReq)
	if err != nil {
		return Outcome{}, r.fail(ctx, err)
	}

	r.enter(ctx, StatePersistRecord)
	b, err := l.repo.Create(ctx, NewBook{
		Title:         fields.Title,
		Genre:         fields.Genre,
		AuthorID:      author.ID,
		CoverImageURL: coverRef.URL,
		FileURL:       docRef.URL,
	})
	if err != nil {
		return Outcome{}, r.fail(ctx, err)
	}
	r.commit()
	r.bookID = b.ID

	r.logger.Info(ctx, "book created", "book_id", b.ID, "cover", coverRef.PublicID, "file", docRef.PublicID)
	return Outcome{Book: b}, nil
}

// Update replaces the supplied fields of an existing book. Assets that were
// replaced are handed to the orphan sink once the new record is committed.
func (l *Lifecycle) Update(ctx context.Context, caller Caller, id string, in UpdateInput) (out Outcome, err error) {
	r := l.begin(ctx, "update", id, caller)
	defer func() {
		out.Warning = l.cleanup(ctx, r, err, staging.Paths(in.Cover, in.Document))
	}()

	r.enter(ctx, StateLoad)
	current, err := l.repo.FindByID(ctx, id)
	if err != nil {
		return Outcome{}, r.fail(ctx, err)
	}

	r.enter(ctx, StateAuthorize)
	if err := Authorize(current, caller); err != nil {
		return Outcome{}, r.fail(ctx, err)
	}

	r.enter(ctx, StateValidate)
	patch := Patch{ExpectedVersion: &current.Version}
	merged := recordFields{Title: current.Title, Genre: current.Genre}
	if in.Title != nil {
		title := strings.TrimSpace(*in.Title)
		patch.Title, merged.Title = &title, title
	}
	if in.Genre != nil {
		genre := strings.TrimSpace(*in.Genre)
		patch.Genre, merged.Genre = &genre, genre
	}
	if err := validateFields(merged); err != nil {
		return Outcome{}, r.fail(ctx, err)
	}
	var coverReq, docReq *assetstore.UploadRequest
	if in.Cover != nil {
		req, err := l.coverRequest(in.Cover)
		if err != nil {
			return Outcome{}, r.fail(ctx, err)
		}
		coverReq = &req
	}
	if in.Document != nil {
		req, err := l.documentRequest(in.Document)
		if err != nil {
			return Outcome{}, r.fail(ctx, err)
		}
		docReq = &req
	}
	if patch.Empty() && coverReq == nil && docReq == nil {
		return Outcome{Book: current}, nil
	}

	r.enter(ctx, StateUploadAssets)
	coverRef, docRef, err := l.uploadSome(ctx, r, coverReq, docReq)
	if err != nil {
		return Outcome{}, r.fail(ctx, err)
	}
	if coverRef != nil {
		patch.CoverImageURL = &coverRef.URL
	}
	if docRef != nil {
		patch.FileURL = &docRef.URL
	}

	r.enter(ctx, StatePersistRecord)
	updated, err := l.repo.Update(ctx, id, patch)
	if err != nil {
		return Outcome{}, r.fail(ctx, err)
	}
	r.commit()

	octx := context.WithoutCancel(ctx)
	if coverRef != nil && current.CoverImageURL != "" && current.CoverImageURL != updated.CoverImageURL {
		l.release(octx, r, current.CoverImageURL, assetstore.KindImage)
	}
	if docRef != nil && current.FileURL != "" && current.FileURL != updated.FileURL {
		l.release(octx, r, current.FileURL, assetstore.KindRaw)
	}

	r.logger.Info(ctx, "book updated", "book_id", id, "version", updated.Version)
	return Outcome{Book: updated}, nil
}

// Delete removes both remote assets, then the record. If the store fails
// the record is left untouched and the operation may be retried.
func (l *Lifecycle) Delete(ctx context.Context, caller Caller, id string) error {
	r := l.begin(ctx, "delete", id, caller)

	r.enter(ctx, StateLoad)
	current, err := l.repo.FindByID(ctx, id)
	if err != nil {
		return r.fail(ctx, err)
	}

	r.enter(ctx, StateAuthorize)
	if err := Authorize(current, caller); err != nil {
		return r.fail(ctx, err)
	}

	r.enter(ctx, StateDeriveAssets)
	type target struct {
		publicID string
		kind     assetstore.Kind
	}
	var targets []target
	for _, a := range []struct {
		url  string
		kind assetstore.Kind
	}{
		{current.CoverImageURL, assetstore.KindImage},
		{current.FileURL, assetstore.KindRaw},
	} {
		if a.url == "" {
			continue
		}
		publicID, err := assetstore.PublicIDFromURL(a.url)
		if err != nil {
			return r.fail(ctx, fmt.Errorf("stored asset reference: %w", err))
		}
		targets = append(targets, target{publicID: publicID, kind: a.kind})
	}

	r.enter(ctx, StateDeleteAssets)
	var errs []error
	for _, t := range targets {
		if err := l.store.Delete(ctx, t.publicID, t.kind); err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", t.publicID, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return r.fail(ctx, err)
	}

	r.enter(ctx, StateDeleteRecord)
	if err := l.repo.Delete(ctx, id); err != nil {
		if !errors.Is(err, ErrNotFound) {
			return r.fail(ctx, err)
		}
		r.logger.Info(ctx, "book record already gone", "book_id", id)
	}

	r.enter(ctx, StateDone)
	r.logger.Info(ctx, "book deleted", "book_id", id)
	return nil
}

func (l *Lifecycle) coverRequest(f *staging.File) (assetstore.UploadRequest, error) {
	if err := l.checkSize(f); err != nil {
		return assetstore.UploadRequest{}, err
	}
	if !strings.HasPrefix(f.MIMEType, "image/") {
		return assetstore.UploadRequest{}, invalid("cover image must be an image, got %q", f.MIMEType)
	}
	format := f.Subtype()
	if format == "" {
		format = f.Ext()
	}
	if format == "" {
		return assetstore.UploadRequest{}, invalid("cannot determine cover image format")
	}
	return assetstore.UploadRequest{
		LocalPath: f.Path,
		Folder:    l.cfg.CoverFolder,
		Name:      f.Name(),
		Format:    format,
		Kind:      assetstore.KindImage,
	}, nil
}

func (l *Lifecycle) documentRequest(f *staging.File) (assetstore.UploadRequest, error) {
	if err := l.checkSize(f); err != nil {
		return assetstore.UploadRequest{}, err
	}
	format := f.Ext()
	if format == "" {
		format = "pdf"
	}
	return assetstore.UploadRequest{
		LocalPath: f.Path,
		Folder:    l.cfg.DocumentFolder,
		Name:      f.Name(),
		Format:    format,
		Kind:      assetstore.KindRaw,
	}, nil
}

func (l *Lifecycle) checkSize(f *staging.File) error {
	if f.Size <= 0 {
		return invalid("%s is empty", f.Field)
	}
	if f.Size > l.cfg.MaxFileSize {
		return invalid("%s exceeds %d bytes", f.Field, l.cfg.MaxFileSize)
	}
	return nil
}

func (l *Lifecycle) upload(ctx context.Context, r *run, cover, doc assetstore.UploadRequest) (assetstore.Ref, assetstore.Ref, error) {
	coverRef, docRef, err := l.uploadSome(ctx, r, &cover, &doc)
	if err != nil {
		return assetstore.Ref{}, assetstore.Ref{}, err
	}
	return *coverRef, *docRef, nil
}

// uploadSome pushes the non-nil requests concurrently and waits for all of
// them. A failure in one does not cancel the other, so every object that
// did land is tracked for compensation.
func (l *Lifecycle) uploadSome(ctx context.Context, r *run, reqs ...*assetstore.UploadRequest) (*assetstore.Ref, *assetstore.Ref, error) {
	refs := make([]*assetstore.Ref, len(reqs))
	var g errgroup.Group
	for i, req := range reqs {
		if req == nil {
			continue
		}
		g.Go(func() error {
			ref, err := l.store.Upload(ctx, *req)
			if err != nil {
				return fmt.Errorf("upload %s/%s: %w", req.Folder, req.Name, err)
			}
			r.track(ref)
			refs[i] = &ref
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return refs[0], refs[1], nil
}

// release hands an asset that no record references any more to the orphan sink.
func (l *Lifecycle) release(ctx context.Context, r *run, url string, kind assetstore.Kind) {
	publicID, err := assetstore.PublicIDFromURL(url)
	if err != nil {
		r.logger.Warn(ctx, "cannot derive replaced asset id", "url", url, "err", err)
		return
	}
	r.orphan(ctx, publicID, kind, orphan.ReasonReplaced)
}

// cleanup always runs. Its failure never overrides the operation's result;
// after a success it becomes the outcome's warning.
func (l *Lifecycle) cleanup(ctx context.Context, r *run, opErr error, paths []string) *CleanupWarning {
	if len(paths) == 0 {
		if opErr == nil {
			r.enter(ctx, StateDone)
		}
		return nil
	}
	prev := r.state
	r.enter(ctx, StateCleanupStaging)
	err := l.janitor.Cleanup(context.WithoutCancel(ctx), paths...)
	if opErr != nil {
		r.state = prev
		if err != nil {
			r.logger.Error(ctx, "staging cleanup failed", "paths", paths, "err", err)
		}
		return nil
	}
	r.enter(ctx, StateDone)
	if err == nil {
		return nil
	}
	r.logger.Warn(ctx, "staging cleanup failed", "book_id", r.bookID, "paths", paths, "err", err)
	return &CleanupWarning{Paths: failedPaths(err, paths), Err: err}
}

func failedPaths(err error, all []string) []string {
	var pf *staging.PartialFailure
	if errors.As(err, &pf) && len(pf.Failed) > 0 {
		return pf.Failed
	}
	return all
}
