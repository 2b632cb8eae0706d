package assetstore

import (
	"context"
	"errors"
)

// ErrUnsupportedMedia is returned by the image pipeline for payloads that
// are not images.
var ErrUnsupportedMedia = errors.New("unsupported media for asset kind")

// UploadRequest describes one staged file to push to the store.
// Folder and Name scope the upload: re-uploading the same pair replaces
// that asset only.
type UploadRequest struct {
	LocalPath string
	Folder    string
	Name      string
	Format    string
	Kind      Kind
}

// Store is the remote asset store contract.
type Store interface {
	Upload(ctx context.Context, req UploadRequest) (Ref, error)
	// Delete removes the asset. Deleting an asset that does not exist succeeds.
	Delete(ctx context.Context, publicID string, kind Kind) error
}
