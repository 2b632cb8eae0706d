// Package staging materializes multipart uploads as request-scoped
// temporary files and removes them once a request is done with them.
package staging

import (
	"path/filepath"
	"strings"
)

// File describes one uploaded part already written to the staging area.
type File struct {
	Field        string
	OriginalName string
	MIMEType     string
	Size         int64
	Path         string
}

// Name is the staged file's base name without extension. It is random per
// upload, which makes it a safe desired name for the remote store.
func (f File) Name() string {
	base := filepath.Base(f.Path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Subtype returns the MIME subtype, e.g. "jpeg" for "image/jpeg".
func (f File) Subtype() string {
	mt := f.MIMEType
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = mt[:i]
	}
	if i := strings.LastIndexByte(mt, '/'); i >= 0 {
		return strings.TrimSpace(mt[i+1:])
	}
	return ""
}

// Ext returns the lower-cased extension of the original file name without the dot.
func (f File) Ext() string {
	return strings.TrimPrefix(strings.ToLower(filepath.Ext(f.OriginalName)), ".")
}

// Paths returns the non-empty staging paths of files.
func Paths(files ...*File) []string {
	out := make([]string, 0, len(files))
	for _, f := range files {
		if f != nil && f.Path != "" {
			out = append(out, f.Path)
		}
	}
	return out
}
