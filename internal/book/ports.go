package book

import (
	"context"

	"elibrary/internal/orphan"
)

//go:generate mockgen -source=ports.go -destination=mock_repository.go -package=book

// Repository is plain storage for book records. It enforces no invariants;
// consistency with the asset store is Lifecycle's job.
type Repository interface {
	Create(ctx context.Context, nb NewBook) (Book, error)
	FindByID(ctx context.Context, id string) (Book, error)
	Update(ctx context.Context, id string, p Patch) (Book, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, q Query) ([]Book, int, error)
}

// Janitor removes staged upload files.
type Janitor interface {
	Cleanup(ctx context.Context, paths ...string) error
}

// OrphanSink receives remote assets no record points to any more.
type OrphanSink interface {
	Push(ctx context.Context, o orphan.Orphan) error
}
