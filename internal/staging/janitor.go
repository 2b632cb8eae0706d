package staging

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
)

// PartialFailure lists staged paths the janitor could not remove.
type PartialFailure struct {
	Failed []string
	Errs   []error
}

func (e *PartialFailure) Error() string {
	return fmt.Sprintf("failed to remove %d staged file(s): %s", len(e.Failed), strings.Join(e.Failed, ", "))
}

func (e *PartialFailure) Unwrap() []error { return e.Errs }

// Janitor removes staged files. It never stops at the first failure.
type Janitor struct {
	remove func(string) error
}

func NewJanitor() *Janitor {
	return &Janitor{remove: os.Remove}
}

// Cleanup removes every path. Already-missing files count as removed.
// The result is nil or a *PartialFailure.
func (j *Janitor) Cleanup(ctx context.Context, paths ...string) error {
	remove := os.Remove
	if j != nil && j.remove != nil {
		remove = j.remove
	}

	var pf PartialFailure
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			pf.Failed = append(pf.Failed, p)
			pf.Errs = append(pf.Errs, err)
		}
	}
	if len(pf.Failed) > 0 {
		return &pf
	}
	return nil
}
