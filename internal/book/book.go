package book

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Book is the persisted asset record of one uploaded book.
type Book struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	Genre         string    `json:"genre"`
	AuthorID      string    `json:"author_id"`
	CoverImageURL string    `json:"cover_image"`
	FileURL       string    `json:"file"`
	Version       int       `json:"version"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// NewBook holds the fields of a record about to be inserted.
type NewBook struct {
	Title         string
	Genre         string
	AuthorID      string
	CoverImageURL string
	FileURL       string
}

// Patch is a merge update: nil fields keep their stored value.
// When ExpectedVersion is set the write only applies to that version.
type Patch struct {
	Title           *string
	Genre           *string
	CoverImageURL   *string
	FileURL         *string
	ExpectedVersion *int
}

func (p Patch) Empty() bool {
	return p.Title == nil && p.Genre == nil && p.CoverImageURL == nil && p.FileURL == nil
}

// Query defines filters and pagination for listing books.
type Query struct {
	Genre    string
	AuthorID string
	Limit    int
	Offset   int
}

// Caller is the authenticated identity on whose behalf an operation runs.
type Caller struct {
	ID string
}

func (c Caller) Anonymous() bool {
	return strings.TrimSpace(c.ID) == ""
}

// Canonical returns the caller with its ID in the lower-case hyphenated
// UUID form the metadata store returns for author_id.
func (c Caller) Canonical() (Caller, error) {
	id, err := uuid.Parse(strings.TrimSpace(c.ID))
	if err != nil {
		return Caller{}, err
	}
	return Caller{ID: id.String()}, nil
}
