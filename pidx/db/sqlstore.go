package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	internal "github.com/ZanzyTHEbar/pageindex/pidx"
	"github.com/ZanzyTHEbar/pageindex/pidx/trees"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	_ "github.com/tursodatabase/go-libsql"
)

const pageColumns = `id, instance_id, language_id, parent_id, page_type_id, page_name, url_segment,
	sort_order, author, created_date, update_date, start_publish, stop_publish, deleted_date,
	visible_in_menu, visible_in_sitemap`

// SQLStore persists pages and redirects in a libsql database.
type SQLStore struct {
	db     *sql.DB
	logger zerolog.Logger
}

// ConnectToDB opens a libsql connection. Bare paths are treated as local files.
func ConnectToDB(dsn string) (*sql.DB, error) {
	if dsn == "" {
		dsn = internal.DefaultDatabaseDSN
	}
	if !strings.Contains(dsn, ":") || strings.HasPrefix(dsn, "/") {
		dsn = "file:" + dsn
	}

	db, err := sql.Open("libsql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", dsn, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach database %s: %w", dsn, err)
	}
	return db, nil
}

// OpenSQLStore connects to dsn and prepares the schema.
func OpenSQLStore(dsn string, logger zerolog.Logger) (*SQLStore, error) {
	db, err := ConnectToDB(dsn)
	if err != nil {
		return nil, err
	}

	store, err := NewSQLStore(db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewSQLStore wraps an open connection and prepares the schema.
func NewSQLStore(db *sql.DB, logger zerolog.Logger) (*SQLStore, error) {
	s := &SQLStore{db: db, logger: logger.With().Str("component", "db").Logger()}
	if err := s.InitSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

// InitSchema creates the page and redirect tables.
func (s *SQLStore) InitSchema() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS pages (
		id TEXT NOT NULL,
		instance_id INTEGER NOT NULL UNIQUE,
		language_id INTEGER NOT NULL,
		parent_id TEXT NOT NULL,
		page_type_id INTEGER NOT NULL DEFAULT 0,
		page_name TEXT NOT NULL DEFAULT '',
		url_segment TEXT NOT NULL DEFAULT '',
		sort_order INTEGER NOT NULL DEFAULT 0,
		author TEXT NOT NULL DEFAULT '',
		created_date TEXT NOT NULL DEFAULT '',
		update_date TEXT NOT NULL DEFAULT '',
		start_publish TEXT NOT NULL DEFAULT '',
		stop_publish TEXT NOT NULL DEFAULT '',
		deleted_date TEXT NOT NULL DEFAULT '',
		visible_in_menu INTEGER NOT NULL DEFAULT 0,
		visible_in_sitemap INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (id, language_id)
	)`)
	if err != nil {
		return fmt.Errorf("failed to create pages table: %w", err)
	}

	_, err = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_pages_parent ON pages (parent_id)`)
	if err != nil {
		return fmt.Errorf("failed to create parent index: %w", err)
	}

	_, err = s.db.Exec(`CREATE TABLE IF NOT EXISTS redirects (
		language_id INTEGER NOT NULL,
		previous_url TEXT NOT NULL,
		page_id TEXT NOT NULL,
		PRIMARY KEY (language_id, previous_url)
	)`)
	if err != nil {
		return fmt.Errorf("failed to create redirects table: %w", err)
	}

	return nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) Languages(ctx context.Context) ([]int, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT DISTINCT language_id FROM pages ORDER BY language_id")
	if err != nil {
		return nil, fmt.Errorf("failed to query languages: %w", err)
	}
	defer rows.Close()

	var languages []int
	for rows.Next() {
		var lang int
		if err := rows.Scan(&lang); err != nil {
			return nil, fmt.Errorf("failed to scan language: %w", err)
		}
		languages = append(languages, lang)
	}
	return languages, rows.Err()
}

func (s *SQLStore) PagesForLanguage(ctx context.Context, languageID int) ([]trees.PageRecord, error) {
	start := time.Now()
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+pageColumns+" FROM pages WHERE language_id = ? ORDER BY parent_id, sort_order", languageID)
	if err != nil {
		return nil, fmt.Errorf("failed to query pages for language %d: %w", languageID, err)
	}
	defer rows.Close()

	var records []trees.PageRecord
	for rows.Next() {
		rec, err := scanPage(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read pages for language %d: %w", languageID, err)
	}

	s.logger.Debug().
		Int("language_id", languageID).
		Int("pages", len(records)).
		Dur("duration", time.Since(start)).
		Msg("loaded pages")
	return records, nil
}

func (s *SQLStore) SavePage(ctx context.Context, rec trees.PageRecord) (trees.PageRecord, error) {
	if rec.PageID == uuid.Nil {
		return rec, trees.ErrInvalidPageID
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return rec, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() // no-op once committed

	if rec.PageInstanceID == 0 {
		err := tx.QueryRowContext(ctx,
			"SELECT instance_id FROM pages WHERE id = ? AND language_id = ?",
			rec.PageID.String(), rec.LanguageID).Scan(&rec.PageInstanceID)
		if errors.Is(err, sql.ErrNoRows) {
			err = tx.QueryRowContext(ctx, "SELECT COALESCE(MAX(instance_id), 0) + 1 FROM pages").Scan(&rec.PageInstanceID)
		}
		if err != nil {
			return rec, fmt.Errorf("failed to assign instance id: %w", err)
		}
	}

	result, err := tx.ExecContext(ctx, `INSERT INTO pages (`+pageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id, language_id) DO UPDATE SET
			instance_id = excluded.instance_id,
			parent_id = excluded.parent_id,
			page_type_id = excluded.page_type_id,
			page_name = excluded.page_name,
			url_segment = excluded.url_segment,
			sort_order = excluded.sort_order,
			author = excluded.author,
			update_date = excluded.update_date,
			start_publish = excluded.start_publish,
			stop_publish = excluded.stop_publish,
			deleted_date = excluded.deleted_date,
			visible_in_menu = excluded.visible_in_menu,
			visible_in_sitemap = excluded.visible_in_sitemap`,
		rec.PageID.String(), rec.PageInstanceID, rec.LanguageID, rec.ParentID.String(),
		rec.PageTypeID, rec.PageName, rec.URLSegment, rec.SortOrder, rec.Author,
		formatTime(rec.CreatedDate), formatTime(rec.UpdateDate),
		formatTime(rec.StartPublish), formatTime(rec.StopPublish), formatTime(rec.DeletedDate),
		boolInt(rec.VisibleInMenu), boolInt(rec.VisibleInSiteMap),
	)
	if err != nil {
		return rec, fmt.Errorf("failed to save page %s: %w", rec.PageID, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return rec, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected != 1 {
		return rec, fmt.Errorf("expected 1 row affected, got %d", rowsAffected)
	}

	if err := tx.Commit(); err != nil {
		return rec, fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.logger.Debug().
		Str("page_id", rec.PageID.String()).
		Int("language_id", rec.LanguageID).
		Int64("instance_id", rec.PageInstanceID).
		Msg("saved page")
	return rec, nil
}

func (s *SQLStore) DeletePage(ctx context.Context, pageID uuid.UUID) ([]uuid.UUID, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	removed, err := subtreeIDs(ctx, tx, pageID)
	if err != nil {
		return nil, err
	}
	if len(removed) == 0 {
		return nil, fmt.Errorf("delete %s: %w", pageID, ErrPageNotFound)
	}

	args := make([]any, len(removed))
	for i, id := range removed {
		args[i] = id.String()
	}
	in := strings.TrimSuffix(strings.Repeat("?,", len(removed)), ",")

	if _, err := tx.ExecContext(ctx, "DELETE FROM pages WHERE id IN ("+in+")", args...); err != nil {
		return nil, fmt.Errorf("failed to delete pages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM redirects WHERE page_id IN ("+in+")", args...); err != nil {
		return nil, fmt.Errorf("failed to delete redirects: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.logger.Debug().Str("page_id", pageID.String()).Int("removed", len(removed)).Msg("deleted page")
	return removed, nil
}

func (s *SQLStore) MovePage(ctx context.Context, pageID, newParentID uuid.UUID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	subtree, err := subtreeIDs(ctx, tx, pageID)
	if err != nil {
		return err
	}
	if len(subtree) == 0 {
		return fmt.Errorf("move %s: %w", pageID, ErrPageNotFound)
	}

	if newParentID != uuid.Nil {
		for _, id := range subtree {
			if id == newParentID {
				return fmt.Errorf("move %s under %s: %w", pageID, newParentID, ErrInvalidMove)
			}
		}
		var exists int
		err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM pages WHERE id = ?", newParentID.String()).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check parent %s: %w", newParentID, err)
		}
		if exists == 0 {
			return fmt.Errorf("move %s under %s: %w", pageID, newParentID, ErrPageNotFound)
		}
	}

	if _, err := tx.ExecContext(ctx, "UPDATE pages SET parent_id = ? WHERE id = ?",
		newParentID.String(), pageID.String()); err != nil {
		return fmt.Errorf("failed to move page %s: %w", pageID, err)
	}

	return tx.Commit()
}

func (s *SQLStore) PageForPreviousURL(ctx context.Context, languageID int, url string) (uuid.UUID, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		"SELECT page_id FROM redirects WHERE language_id = ? AND previous_url = ?",
		languageID, NormalizeRedirectURL(url)).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("failed to query redirect: %w", err)
	}

	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("invalid redirect target %q: %w", raw, err)
	}
	return id, true, nil
}

func (s *SQLStore) AddRedirect(ctx context.Context, languageID int, url string, pageID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO redirects (language_id, previous_url, page_id) VALUES (?, ?, ?)
		ON CONFLICT (language_id, previous_url) DO UPDATE SET page_id = excluded.page_id`,
		languageID, NormalizeRedirectURL(url), pageID.String())
	if err != nil {
		return fmt.Errorf("failed to add redirect: %w", err)
	}
	return nil
}

// NormalizeRedirectURL is the key form of a previous URL: no surrounding
// slashes, lower case.
func NormalizeRedirectURL(url string) string {
	return strings.ToLower(strings.Trim(strings.TrimSpace(url), "/"))
}

// subtreeIDs returns pageID and every descendant, pageID first. The result
// is empty when the page does not exist.
func subtreeIDs(ctx context.Context, tx *sql.Tx, pageID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := tx.QueryContext(ctx, `WITH RECURSIVE subtree(id) AS (
			SELECT DISTINCT id FROM pages WHERE id = ?
			UNION
			SELECT p.id FROM pages p JOIN subtree s ON p.parent_id = s.id
		)
		SELECT id FROM subtree`, pageID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query subtree of %s: %w", pageID, err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	found := false
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan page id: %w", err)
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid page id %q: %w", raw, err)
		}
		if id == pageID {
			found = true
			continue
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return append([]uuid.UUID{pageID}, ids...), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPage(row rowScanner) (trees.PageRecord, error) {
	var (
		rec                                    trees.PageRecord
		id, parent                             string
		created, updated, start, stop, deleted string
	)
	err := row.Scan(&id, &rec.PageInstanceID, &rec.LanguageID, &parent, &rec.PageTypeID,
		&rec.PageName, &rec.URLSegment, &rec.SortOrder, &rec.Author,
		&created, &updated, &start, &stop, &deleted,
		&rec.VisibleInMenu, &rec.VisibleInSiteMap)
	if err != nil {
		return rec, fmt.Errorf("failed to scan page: %w", err)
	}

	if rec.PageID, err = uuid.Parse(id); err != nil {
		return rec, fmt.Errorf("invalid page id %q: %w", id, err)
	}
	if rec.ParentID, err = uuid.Parse(parent); err != nil {
		return rec, fmt.Errorf("invalid parent id %q: %w", parent, err)
	}

	for _, f := range []struct {
		raw string
		dst *time.Time
	}{
		{created, &rec.CreatedDate},
		{updated, &rec.UpdateDate},
		{start, &rec.StartPublish},
		{stop, &rec.StopPublish},
		{deleted, &rec.DeletedDate},
	} {
		if *f.dst, err = parseTime(f.raw); err != nil {
			return rec, fmt.Errorf("page %s: %w", id, err)
		}
	}

	return rec, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Times are stored as RFC 3339 text; the zero time is the empty string.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t, nil
}
