package book

import "github.com/google/uuid"

// Authorize allows the caller only if they authored b. IDs are compared as
// UUIDs, so letter case and braces do not matter.
func Authorize(b Book, caller Caller) error {
	if caller.Anonymous() {
		return ErrForbidden
	}
	author, err := uuid.Parse(b.AuthorID)
	if err != nil {
		return ErrForbidden
	}
	c, err := caller.Canonical()
	if err != nil || c.ID != author.String() {
		return ErrForbidden
	}
	return nil
}
