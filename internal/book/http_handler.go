package book

import (
	"errors"
	"io/fs"
	"math"
	"net/http"
	"strconv"

	"elibrary/internal/httpx"
	"elibrary/internal/logging"
	"elibrary/internal/staging"
)

// Multipart field names.
const (
	FieldCover    = "coverImage"
	FieldDocument = "file"
	FieldTitle    = "title"
	FieldGenre    = "genre"
)

const (
	defaultPage  = 1
	defaultLimit = 10
	maxLimit     = 100
)

const warningCleanupFailed = "STAGING_CLEANUP_FAILED"

type HTTPHandler struct {
	service   *Service
	lifecycle *Lifecycle
	decoder   *staging.Decoder
	logger    logging.Logger
}

func NewHTTPHandler(service *Service, lifecycle *Lifecycle, decoder *staging.Decoder, logger logging.Logger) *HTTPHandler {
	if logger == nil {
		logger = logging.Nop()
	}
	return &HTTPHandler{service: service, lifecycle: lifecycle, decoder: decoder, logger: logger}
}

// Routes registers the book endpoints. Mutations are wrapped with protect.
func (h *HTTPHandler) Routes(mux *http.ServeMux, protect func(http.Handler) http.Handler) {
	mux.HandleFunc("GET /books", h.List)
	mux.HandleFunc("GET /books/{id}", h.Get)
	mux.Handle("POST /books", protect(http.HandlerFunc(h.Create)))
	mux.Handle("PATCH /books/{id}", protect(http.HandlerFunc(h.Update)))
	mux.Handle("DELETE /books/{id}", protect(http.HandlerFunc(h.Delete)))
}

type listResponse struct {
	Page       int    `json:"page"`
	Limit      int    `json:"limit"`
	TotalBooks int    `json:"totalBooks"`
	TotalPages int    `json:"totalPages"`
	Books      []Book `json:"books"`
}

// List handles GET /books
func (h *HTTPHandler) List(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	page := positiveInt(query.Get("page"), defaultPage)
	limit := positiveInt(query.Get("limit"), defaultLimit)
	if limit > maxLimit {
		limit = maxLimit
	}

	books, total, err := h.service.List(r.Context(), Query{
		Genre:    query.Get("genre"),
		AuthorID: query.Get("author_id"),
		Limit:    limit,
		Offset:   (page - 1) * limit,
	})
	if err != nil {
		h.logger.Error(r.Context(), "list books failed", "err", err)
		httpx.JSONError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error", nil)
		return
	}
	if books == nil {
		books = []Book{}
	}

	httpx.JSONSuccess(w, r, listResponse{
		Page:       page,
		Limit:      limit,
		TotalBooks: total,
		TotalPages: int(math.Ceil(float64(total) / float64(limit))),
		Books:      books,
	}, nil)
}

// Get handles GET /books/{id}
func (h *HTTPHandler) Get(w http.ResponseWriter, r *http.Request) {
	b, err := h.service.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			httpx.JSONError(w, r, http.StatusNotFound, "NOT_FOUND", "Book not found", nil)
			return
		}
		h.logger.Error(r.Context(), "get book failed", "err", err)
		httpx.JSONError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error", nil)
		return
	}
	httpx.JSONSuccess(w, r, b, nil)
}

// Create handles POST /books
func (h *HTTPHandler) Create(w http.ResponseWriter, r *http.Request) {
	form, err := h.decoder.Decode(r)
	if err != nil {
		h.writeDecodeError(w, r, err)
		return
	}
	title, _ := form.Value(FieldTitle)
	genre, _ := form.Value(FieldGenre)

	out, err := h.lifecycle.Create(r.Context(), Caller{ID: httpx.UserIDFrom(r)}, CreateInput{
		Title:    title,
		Genre:    genre,
		Cover:    form.File(FieldCover),
		Document: form.File(FieldDocument),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.JSONCreated(w, r, map[string]string{"id": out.Book.ID}, warningMeta(out.Warning))
}

// Update handles PATCH /books/{id}
func (h *HTTPHandler) Update(w http.ResponseWriter, r *http.Request) {
	form, err := h.decoder.Decode(r)
	if err != nil {
		h.writeDecodeError(w, r, err)
		return
	}

	in := UpdateInput{
		Cover:    form.File(FieldCover),
		Document: form.File(FieldDocument),
	}
	if v, ok := form.Value(FieldTitle); ok {
		in.Title = &v
	}
	if v, ok := form.Value(FieldGenre); ok {
		in.Genre = &v
	}

	out, err := h.lifecycle.Update(r.Context(), Caller{ID: httpx.UserIDFrom(r)}, r.PathValue("id"), in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.JSONSuccess(w, r, out.Book, warningMeta(out.Warning))
}

// Delete handles DELETE /books/{id}
func (h *HTTPHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.lifecycle.Delete(r.Context(), Caller{ID: httpx.UserIDFrom(r)}, r.PathValue("id")); err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.NoContent(w)
}

func warningMeta(w *CleanupWarning) map[string]any {
	if w == nil {
		return nil
	}
	return map[string]any{"warning": warningCleanupFailed}
}

// statusFor maps an error kind to an HTTP status and error code.
func statusFor(err error) (int, string) {
	kind := err
	var oe *OpError
	if errors.As(err, &oe) {
		kind = oe.Kind
	}
	switch {
	case errors.Is(kind, ErrValidation):
		return http.StatusBadRequest, "VALIDATION_ERROR"
	case errors.Is(kind, ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(kind, ErrForbidden):
		return http.StatusForbidden, "FORBIDDEN"
	case errors.Is(kind, ErrConflict):
		return http.StatusConflict, "CONFLICT"
	case errors.Is(kind, ErrUpstream):
		return http.StatusBadGateway, "UPSTREAM_ERROR"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	}
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	message := http.StatusText(status)

	var oe *OpError
	if errors.As(err, &oe) && status < http.StatusInternalServerError {
		message = oe.Message()
	}
	if IsRetryable(err) {
		w.Header().Set("Retry-After", "1")
	}

	var details []httpx.ErrorDetail
	var fieldErrs FieldErrors
	if errors.As(err, &fieldErrs) {
		message = "Validation failed"
		for _, fe := range fieldErrs {
			details = append(details, httpx.ErrorDetail{Field: fe.Field, Message: fe.Message})
		}
	}

	if status >= http.StatusInternalServerError {
		h.logger.Error(r.Context(), "book request failed", "status", status, "err", err)
	}
	httpx.JSONError(w, r, status, code, message, details)
}

func (h *HTTPHandler) writeDecodeError(w http.ResponseWriter, r *http.Request, err error) {
	var tooLarge *http.MaxBytesError
	var pathErr *fs.PathError
	switch {
	case errors.Is(err, staging.ErrFileTooLarge), errors.As(err, &tooLarge):
		httpx.JSONError(w, r, http.StatusRequestEntityTooLarge, "FILE_TOO_LARGE", err.Error(), nil)
	case errors.As(err, &pathErr):
		h.logger.Error(r.Context(), "staging upload failed", "err", err)
		httpx.JSONError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error", nil)
	default:
		httpx.JSONError(w, r, http.StatusBadRequest, "INVALID_FORM", err.Error(), nil)
	}
}

func positiveInt(raw string, def int) int {
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return def
	}
	return n
}
