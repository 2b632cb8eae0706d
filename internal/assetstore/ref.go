// Package assetstore uploads book assets to durable object storage and
// deletes them again by public identifier.
//
// A public identifier is "<folder>/<name>". The retrievable URL of an asset
// is "<base>/<folder>/<name>.<format>", so the identifier can always be
// recovered from a stored URL with PublicIDFromURL.
package assetstore

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Kind selects the processing pipeline an asset goes through.
type Kind string

const (
	KindImage Kind = "image"
	KindRaw   Kind = "raw"
)

func (k Kind) Valid() bool {
	return k == KindImage || k == KindRaw
}

// Ref is a durable reference to an uploaded asset.
type Ref struct {
	PublicID string
	URL      string
	Kind     Kind
	Bytes    int64
}

var ErrInvalidPublicID = errors.New("invalid public identifier")

// PublicID joins folder and name into an identifier.
func PublicID(folder, name string) (string, error) {
	if !validSegment(folder) || strings.Contains(folder, ".") {
		return "", fmt.Errorf("%w: folder %q", ErrInvalidPublicID, folder)
	}
	if !validSegment(name) {
		return "", fmt.Errorf("%w: name %q", ErrInvalidPublicID, name)
	}
	return folder + "/" + name, nil
}

// SplitPublicID is the inverse of PublicID.
func SplitPublicID(publicID string) (folder, name string, err error) {
	folder, name, ok := strings.Cut(publicID, "/")
	if !ok || !validSegment(folder) || strings.Contains(folder, ".") || !validSegment(name) {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidPublicID, publicID)
	}
	return folder, name, nil
}

// URLFor builds the retrievable URL of publicID stored with the given format.
func URLFor(base, publicID, format string) (string, error) {
	folder, name, err := SplitPublicID(publicID)
	if err != nil {
		return "", err
	}
	if !validFormat(format) {
		return "", fmt.Errorf("%w: format %q", ErrInvalidPublicID, format)
	}
	return strings.TrimRight(base, "/") + "/" + url.PathEscape(folder) + "/" + url.PathEscape(name) + "." + format, nil
}

// PublicIDFromURL recovers "<folder>/<name>" from a URL built by URLFor.
// Only the final extension is stripped from the last path segment.
func PublicIDFromURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPublicID, err)
	}
	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(segments) < 2 {
		return "", fmt.Errorf("%w: no folder in %q", ErrInvalidPublicID, rawURL)
	}
	folder := segments[len(segments)-2]
	last := segments[len(segments)-1]

	dot := strings.LastIndexByte(last, '.')
	if dot <= 0 || dot == len(last)-1 {
		return "", fmt.Errorf("%w: no format in %q", ErrInvalidPublicID, rawURL)
	}
	return PublicID(folder, last[:dot])
}

// objectKey is where an asset lives inside the bucket.
func objectKey(publicID, format string) string {
	return publicID + "." + format
}

func validSegment(s string) bool {
	return s != "" && s != "." && s != ".." && !strings.ContainsAny(s, "/\\")
}

func validFormat(f string) bool {
	return f != "" && !strings.ContainsAny(f, "./\\")
}
