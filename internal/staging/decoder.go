package staging

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
)

var (
	ErrNotMultipart    = errors.New("request is not multipart/form-data")
	ErrFileTooLarge    = errors.New("file exceeds the upload size limit")
	ErrUnexpectedField = errors.New("unexpected file field")
	ErrDuplicateField  = errors.New("file field supplied more than once")
)

const maxValueBytes = 64 << 10

// Form is a decoded multipart body: plain values plus staged files keyed by field.
type Form struct {
	Values map[string]string
	Files  map[string]*File
}

// File returns the staged file for field, or nil.
func (f *Form) File(field string) *File {
	if f == nil {
		return nil
	}
	return f.Files[field]
}

// Value returns the value for field and whether it was present.
func (f *Form) Value(field string) (string, bool) {
	if f == nil {
		return "", false
	}
	v, ok := f.Values[field]
	return v, ok
}

// Paths returns every staged path in the form.
func (f *Form) Paths() []string {
	if f == nil {
		return nil
	}
	files := make([]*File, 0, len(f.Files))
	for _, file := range f.Files {
		files = append(files, file)
	}
	return Paths(files...)
}

// Decoder streams multipart parts to disk. Each accepted file field may
// appear at most once and may not exceed MaxFileSize bytes.
type Decoder struct {
	Dir         string
	MaxFileSize int64
	FileFields  []string
}

func NewDecoder(dir string, maxFileSize int64, fileFields ...string) (*Decoder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	return &Decoder{Dir: dir, MaxFileSize: maxFileSize, FileFields: fileFields}, nil
}

// Decode reads r's multipart body. On error every file already written is
// removed, so the caller owns staged files only when err is nil.
func (d *Decoder) Decode(r *http.Request) (form *Form, err error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, ErrNotMultipart
	}

	form = &Form{Values: map[string]string{}, Files: map[string]*File{}}
	defer func() {
		if err != nil {
			for _, p := range form.Paths() {
				_ = os.Remove(p)
			}
			form = nil
		}
	}()

	for {
		part, perr := mr.NextPart()
		if errors.Is(perr, io.EOF) {
			return form, nil
		}
		if perr != nil {
			return form, fmt.Errorf("read multipart: %w", perr)
		}

		field := part.FormName()
		if field == "" {
			_ = part.Close()
			continue
		}

		if part.FileName() == "" {
			b, rerr := io.ReadAll(io.LimitReader(part, maxValueBytes))
			_ = part.Close()
			if rerr != nil {
				return form, fmt.Errorf("read field %s: %w", field, rerr)
			}
			form.Values[field] = string(b)
			continue
		}

		if !d.accepts(field) {
			_ = part.Close()
			return form, fmt.Errorf("%w: %s", ErrUnexpectedField, field)
		}
		if _, dup := form.Files[field]; dup {
			_ = part.Close()
			return form, fmt.Errorf("%w: %s", ErrDuplicateField, field)
		}

		file, serr := d.stage(field, part.FileName(), part.Header.Get("Content-Type"), part)
		_ = part.Close()
		if file != nil {
			form.Files[field] = file
		}
		if serr != nil {
			return form, serr
		}
	}
}

func (d *Decoder) accepts(field string) bool {
	if len(d.FileFields) == 0 {
		return true
	}
	for _, f := range d.FileFields {
		if f == field {
			return true
		}
	}
	return false
}

// stage copies src into a fresh file. A partially written file is still
// returned alongside the error so the caller can remove it.
func (d *Decoder) stage(field, originalName, contentType string, src io.Reader) (*File, error) {
	originalName = filepath.Base(originalName)
	name := uuid.NewString() + strings.ToLower(filepath.Ext(originalName))
	path := filepath.Join(d.Dir, name)

	dst, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create staged file: %w", err)
	}
	file := &File{Field: field, OriginalName: originalName, Path: path}

	limit := d.MaxFileSize
	n, err := io.Copy(dst, io.LimitReader(src, limit+1))
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	file.Size = n
	if err != nil {
		return file, fmt.Errorf("write staged file: %w", err)
	}
	if n > limit {
		return file, fmt.Errorf("%w: %s", ErrFileTooLarge, field)
	}

	file.MIMEType = normalizeMIME(contentType)
	if file.MIMEType == "" || file.MIMEType == "application/octet-stream" {
		if mt, derr := mimetype.DetectFile(path); derr == nil {
			file.MIMEType = mt.String()
		}
	}
	return file, nil
}

func normalizeMIME(ct string) string {
	if ct == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return ""
	}
	return mt
}
