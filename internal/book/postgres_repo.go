package book

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const bookColumns = `id, title, genre, author_id, cover_image_url, file_url, version, created_at, updated_at`

type PostgresRepo struct {
	db      *pgxpool.Pool
	timeout time.Duration
}

func NewPostgresRepo(db *pgxpool.Pool, timeout time.Duration) *PostgresRepo {
	return &PostgresRepo{db: db, timeout: timeout}
}

func (r *PostgresRepo) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.timeout)
}

func scanBook(row pgx.Row) (Book, error) {
	var b Book
	err := row.Scan(&b.ID, &b.Title, &b.Genre, &b.AuthorID, &b.CoverImageURL, &b.FileURL,
		&b.Version, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Book{}, ErrNotFound
	}
	return b, err
}

func (r *PostgresRepo) Create(ctx context.Context, nb NewBook) (Book, error) {
	if _, err := uuid.Parse(nb.AuthorID); err != nil {
		return Book{}, fmt.Errorf("%w: author id %q: %v", ErrValidation, nb.AuthorID, err)
	}
	sql := `
		INSERT INTO books (title, genre, author_id, cover_image_url, file_url)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING ` + bookColumns

	timeoutCtx, cancel := r.withTimeout(ctx)
	defer cancel()
	return scanBook(r.db.QueryRow(timeoutCtx, sql,
		nb.Title, nb.Genre, nb.AuthorID, nb.CoverImageURL, nb.FileURL))
}

func (r *PostgresRepo) FindByID(ctx context.Context, id string) (Book, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Book{}, ErrNotFound
	}
	timeoutCtx, cancel := r.withTimeout(ctx)
	defer cancel()
	return scanBook(r.db.QueryRow(timeoutCtx, `SELECT `+bookColumns+` FROM books WHERE id = $1`, id))
}

// Update merges p into the stored row. A version mismatch is reported as
// ErrConflict, a missing row as ErrNotFound.
func (r *PostgresRepo) Update(ctx context.Context, id string, p Patch) (Book, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Book{}, ErrNotFound
	}
	sql := `
		UPDATE books SET
			title = COALESCE($2, title),
			genre = COALESCE($3, genre),
			cover_image_url = COALESCE($4, cover_image_url),
			file_url = COALESCE($5, file_url),
			version = version + 1,
			updated_at = NOW()
		WHERE id = $1 AND ($6::int IS NULL OR version = $6)
		RETURNING ` + bookColumns

	timeoutCtx, cancel := r.withTimeout(ctx)
	defer cancel()
	b, err := scanBook(r.db.QueryRow(timeoutCtx, sql,
		id, p.Title, p.Genre, p.CoverImageURL, p.FileURL, p.ExpectedVersion))
	if !errors.Is(err, ErrNotFound) || p.ExpectedVersion == nil {
		return b, err
	}

	var exists bool
	if err := r.db.QueryRow(timeoutCtx, `SELECT EXISTS (SELECT 1 FROM books WHERE id = $1)`, id).Scan(&exists); err != nil {
		return Book{}, err
	}
	if exists {
		return Book{}, ErrConflict
	}
	return Book{}, ErrNotFound
}

func (r *PostgresRepo) Delete(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return ErrNotFound
	}
	timeoutCtx, cancel := r.withTimeout(ctx)
	defer cancel()
	tag, err := r.db.Exec(timeoutCtx, `DELETE FROM books WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepo) List(ctx context.Context, q Query) ([]Book, int, error) {
	clauses := []string{"1=1"}
	args := []any{}
	argn := 1

	if q.Genre != "" {
		clauses = append(clauses, fmt.Sprintf("genre = $%d", argn))
		args = append(args, q.Genre)
		argn++
	}

	if q.AuthorID != "" {
		if _, err := uuid.Parse(q.AuthorID); err != nil {
			return []Book{}, 0, nil
		}
		clauses = append(clauses, fmt.Sprintf("author_id = $%d", argn))
		args = append(args, q.AuthorID)
		argn++
	}

	where := "WHERE " + strings.Join(clauses, " AND ")

	var total int
	timeoutCtx, cancel := r.withTimeout(ctx)
	defer cancel()
	if err := r.db.QueryRow(timeoutCtx, "SELECT COUNT(*) FROM books "+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	dataSQL := fmt.Sprintf(`
		SELECT %s
		FROM books
		%s
		ORDER BY created_at DESC, id
		LIMIT $%d OFFSET $%d`,
		bookColumns, where, argn, argn+1)

	argsWithPage := append([]any{}, args...)
	argsWithPage = append(argsWithPage, q.Limit, q.Offset)
	rows, err := r.db.Query(timeoutCtx, dataSQL, argsWithPage...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	out := []Book{}
	for rows.Next() {
		b, err := scanBook(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, b)
	}
	return out, total, rows.Err()
}
