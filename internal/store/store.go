package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/rohmanhakim/crawlkit/internal/metadata"
	"github.com/rohmanhakim/crawlkit/pkg/failure"
)

/*
Responsibilities
- Own the frontier/visited/pages tables
- Provide the atomic claim_next protocol that lets many workers drain the
  same frontier without duplicating work
- Persist fetch outcomes and page metadata

Claim Protocol

claim_next first resurrects any in_progress row whose last_try is older
than the stuck threshold (an implicit lease: a worker that died mid-fetch
eventually gives its row back). It then opens a BEGIN IMMEDIATE
transaction, selects the oldest pending row, and updates it to
in_progress predicated on status still being pending. The predicate is
what makes the claim atomic: if two workers race, only one UPDATE affects
a row, and the loser sees zero rows affected and tries again later.
*/

type Store struct {
	db           *sqlx.DB
	metadataSink metadata.MetadataSink
}

// Open creates (if needed) the SQLite database at dbPath, applies the
// schema, and configures the connection pool to the given size. maxConns
// is sized num_workers + 1 by the caller so every worker can hold its own
// handle without starving the pool.
func Open(dbPath string, maxConns int, busyTimeout time.Duration, metadataSink metadata.MetadataSink) (*Store, failure.ClassifiedError) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL", dbPath, busyTimeout.Milliseconds())

	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, &StoreError{
			Message:   fmt.Sprintf("open database %s: %v", dbPath, err),
			Retryable: false,
			Cause:     ErrCauseConnectFailure,
		}
	}

	if maxConns < 1 {
		maxConns = 1
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)

	if err := db.Ping(); err != nil {
		return nil, &StoreError{
			Message:   fmt.Sprintf("ping database %s: %v", dbPath, err),
			Retryable: false,
			Cause:     ErrCauseConnectFailure,
		}
	}

	if _, err := db.Exec(schemaDDL); err != nil {
		return nil, &StoreError{
			Message:   fmt.Sprintf("apply schema: %v", err),
			Retryable: false,
			Cause:     ErrCauseSchemaInit,
		}
	}

	return &Store{db: db, metadataSink: metadataSink}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// InsertIfNew implements insert_if_new: the URL is added to the frontier
// at the given depth unless it is already present, in which case the
// insert is silently ignored.
func (s *Store) InsertIfNew(ctx context.Context, rawURL string, depth int) failure.ClassifiedError {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO frontier (url, status, added_at, depth, retries) VALUES (?, ?, ?, ?, 0)`,
		rawURL, statusPending, time.Now().UTC(), depth,
	)
	if err != nil {
		return s.recordAndWrap("Store.InsertIfNew", rawURL, &StoreError{
			Message:   err.Error(),
			Retryable: true,
			Cause:     ErrCauseQueryFailed,
		})
	}
	return nil
}

// ClaimNext implements claim_next: resurrect stuck in_progress rows,
// then atomically claim the oldest pending row. A nil entry with a nil
// error means the frontier currently has nothing to claim.
func (s *Store) ClaimNext(ctx context.Context, stuckThreshold time.Duration) (*FrontierEntry, failure.ClassifiedError) {
	stuckBefore := time.Now().UTC().Add(-stuckThreshold)
	if _, err := s.db.ExecContext(ctx,
		`UPDATE frontier SET status=? WHERE status=? AND last_try < ?`,
		statusPending, statusInProgress, stuckBefore,
	); err != nil {
		return nil, s.recordAndWrap("Store.ClaimNext", "", &StoreError{
			Message:   fmt.Sprintf("stuck-reset: %v", err),
			Retryable: true,
			Cause:     ErrCauseQueryFailed,
		})
	}

	conn, err := s.db.Connx(ctx)
	if err != nil {
		return nil, s.recordAndWrap("Store.ClaimNext", "", &StoreError{
			Message:   err.Error(),
			Retryable: true,
			Cause:     ErrCauseConnectFailure,
		})
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return nil, s.recordAndWrap("Store.ClaimNext", "", &StoreError{
			Message:   err.Error(),
			Retryable: true,
			Cause:     ErrCauseTxBeginFailed,
		})
	}

	var candidate struct {
		ID      int64  `db:"id"`
		URL     string `db:"url"`
		Depth   int    `db:"depth"`
		Retries int    `db:"retries"`
	}

	err = conn.QueryRowxContext(ctx,
		`SELECT id, url, depth, retries FROM frontier WHERE status=? ORDER BY added_at, id LIMIT 1`,
		statusPending,
	).StructScan(&candidate)
	if err != nil {
		_, _ = conn.ExecContext(ctx, "ROLLBACK")
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, s.recordAndWrap("Store.ClaimNext", "", &StoreError{
			Message:   err.Error(),
			Retryable: true,
			Cause:     ErrCauseQueryFailed,
		})
	}

	newRetries := candidate.Retries + 1
	res, err := conn.ExecContext(ctx,
		`UPDATE frontier SET status=?, last_try=?, retries=? WHERE id=? AND status=?`,
		statusInProgress, time.Now().UTC(), newRetries, candidate.ID, statusPending,
	)
	if err != nil {
		_, _ = conn.ExecContext(ctx, "ROLLBACK")
		return nil, s.recordAndWrap("Store.ClaimNext", candidate.URL, &StoreError{
			Message:   err.Error(),
			Retryable: true,
			Cause:     ErrCauseQueryFailed,
		})
	}

	affected, _ := res.RowsAffected()
	if affected == 0 {
		// Lost the race to another worker claiming the same row.
		_, _ = conn.ExecContext(ctx, "ROLLBACK")
		return nil, nil
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return nil, s.recordAndWrap("Store.ClaimNext", candidate.URL, &StoreError{
			Message:   err.Error(),
			Retryable: true,
			Cause:     ErrCauseWriteConflict,
		})
	}

	return &FrontierEntry{
		ID:      candidate.ID,
		URL:     candidate.URL,
		Depth:   candidate.Depth,
		Retries: newRetries,
	}, nil
}

// MarkDone implements mark_done: the fetch is recorded in visited
// unconditionally (any status code counts as done) and the frontier row
// transitions to done.
func (s *Store) MarkDone(ctx context.Context, rawURL string, statusCode int) failure.ClassifiedError {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return s.recordAndWrap("Store.MarkDone", rawURL, &StoreError{
			Message:   err.Error(),
			Retryable: true,
			Cause:     ErrCauseTxBeginFailed,
		})
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO visited (url, fetched_at, status_code) VALUES (?, ?, ?)`,
		rawURL, time.Now().UTC(), statusCode,
	); err != nil {
		_ = tx.Rollback()
		return s.recordAndWrap("Store.MarkDone", rawURL, &StoreError{
			Message:   err.Error(),
			Retryable: true,
			Cause:     ErrCauseQueryFailed,
		})
	}

	if _, err := tx.ExecContext(ctx, `UPDATE frontier SET status=? WHERE url=?`, statusDone, rawURL); err != nil {
		_ = tx.Rollback()
		return s.recordAndWrap("Store.MarkDone", rawURL, &StoreError{
			Message:   err.Error(),
			Retryable: true,
			Cause:     ErrCauseQueryFailed,
		})
	}

	if err := tx.Commit(); err != nil {
		return s.recordAndWrap("Store.MarkDone", rawURL, &StoreError{
			Message:   err.Error(),
			Retryable: true,
			Cause:     ErrCauseWriteConflict,
		})
	}
	return nil
}

// MarkFailed implements mark_failed. It overwrites whatever status the
// row currently holds, including done -- a URL that failed during
// post-fetch processing after a successful mark_done ends up failed, not
// done. That overwrite is intentional: see the worker's post-fetch
// handling.
func (s *Store) MarkFailed(ctx context.Context, rawURL string) failure.ClassifiedError {
	if _, err := s.db.ExecContext(ctx, `UPDATE frontier SET status=? WHERE url=?`, statusFailed, rawURL); err != nil {
		return s.recordAndWrap("Store.MarkFailed", rawURL, &StoreError{
			Message:   err.Error(),
			Retryable: true,
			Cause:     ErrCauseQueryFailed,
		})
	}
	return nil
}

// Requeue puts a claimed row back to pending without touching its
// retries counter (retries are incremented once, at claim time).
func (s *Store) Requeue(ctx context.Context, rawURL string) failure.ClassifiedError {
	if _, err := s.db.ExecContext(ctx, `UPDATE frontier SET status=? WHERE url=?`, statusPending, rawURL); err != nil {
		return s.recordAndWrap("Store.Requeue", rawURL, &StoreError{
			Message:   err.Error(),
			Retryable: true,
			Cause:     ErrCauseQueryFailed,
		})
	}
	return nil
}

// FindContentPathByHash implements contentstore.PageHashLookup: it looks
// for any page already stored under the given content hash.
func (s *Store) FindContentPathByHash(hash string) (string, bool, failure.ClassifiedError) {
	var path string
	err := s.db.Get(&path, `SELECT content_path FROM pages WHERE content_hash=? LIMIT 1`, hash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, s.recordAndWrap("Store.FindContentPathByHash", "", &StoreError{
			Message:   err.Error(),
			Retryable: true,
			Cause:     ErrCauseQueryFailed,
		})
	}
	return path, true, nil
}

// SavePageMetadata implements the pages-table half of store_or_link:
// record (or replace) the metadata row for this URL.
func (s *Store) SavePageMetadata(ctx context.Context, page PageMetadata) failure.ClassifiedError {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO pages (url, content_path, content_hash, title, meta_description, status_code, stored_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		page.URL, page.ContentPath, page.ContentHash, page.Title, page.MetaDescription, page.StatusCode, time.Now().UTC(),
	)
	if err != nil {
		return s.recordAndWrap("Store.SavePageMetadata", page.URL, &StoreError{
			Message:   err.Error(),
			Retryable: true,
			Cause:     ErrCauseQueryFailed,
		})
	}
	return nil
}

// Stats computes a snapshot of frontier row counts by status. It is
// strictly observational: nothing in the crawl schedules, retries, or
// terminates based on this value.
func (s *Store) Stats(ctx context.Context) (metadata.CrawlStats, failure.ClassifiedError) {
	var stats metadata.CrawlStats
	rows, err := s.db.QueryxContext(ctx, `SELECT status, COUNT(*) AS n FROM frontier GROUP BY status`)
	if err != nil {
		return stats, s.recordAndWrap("Store.Stats", "", &StoreError{
			Message:   err.Error(),
			Retryable: true,
			Cause:     ErrCauseQueryFailed,
		})
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return stats, s.recordAndWrap("Store.Stats", "", &StoreError{
				Message:   err.Error(),
				Retryable: true,
				Cause:     ErrCauseQueryFailed,
			})
		}
		switch status {
		case statusPending:
			stats.Pending = count
		case statusInProgress:
			stats.InProgress = count
		case statusDone:
			stats.Done = count
		case statusFailed:
			stats.Failed = count
		}
	}
	return stats, nil
}

func (s *Store) recordAndWrap(action, url string, storeErr *StoreError) failure.ClassifiedError {
	attrs := []metadata.Attribute{}
	if url != "" {
		attrs = append(attrs, metadata.NewAttr(metadata.AttrURL, url))
	}
	s.metadataSink.RecordError(time.Now(), "store", action, mapStoreErrorToMetadataCause(storeErr), storeErr.Error(), attrs)
	return storeErr
}

// Test Helper Methods

type FrontierRowForTest struct {
	ID      int64  `db:"id"`
	URL     string `db:"url"`
	Status  string `db:"status"`
	Depth   int    `db:"depth"`
	Retries int    `db:"retries"`
}

func (s *Store) GetFrontierRowForTest(rawURL string) (FrontierRowForTest, error) {
	var row FrontierRowForTest
	err := s.db.Get(&row, `SELECT id, url, status, depth, retries FROM frontier WHERE url=?`, rawURL)
	return row, err
}

func (s *Store) GetVisitedStatusCodeForTest(rawURL string) (int, error) {
	var code int
	err := s.db.Get(&code, `SELECT status_code FROM visited WHERE url=?`, rawURL)
	return code, err
}

func (s *Store) GetPageForTest(rawURL string) (PageMetadata, error) {
	var row struct {
		URL             string `db:"url"`
		ContentPath     string `db:"content_path"`
		ContentHash     string `db:"content_hash"`
		Title           string `db:"title"`
		MetaDescription string `db:"meta_description"`
		StatusCode      int    `db:"status_code"`
	}
	err := s.db.Get(&row,
		`SELECT url, content_path, content_hash, title, meta_description, status_code FROM pages WHERE url=?`,
		rawURL)
	if err != nil {
		return PageMetadata{}, err
	}
	return PageMetadata{
		URL:             row.URL,
		ContentPath:     row.ContentPath,
		ContentHash:     row.ContentHash,
		Title:           row.Title,
		MetaDescription: row.MetaDescription,
		StatusCode:      row.StatusCode,
	}, nil
}

func (s *Store) SetLastTryForTest(rawURL string, lastTry time.Time) error {
	_, err := s.db.Exec(`UPDATE frontier SET last_try=? WHERE url=?`, lastTry.UTC(), rawURL)
	return err
}
