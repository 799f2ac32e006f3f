package report

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/shanehull/bsescraper/internal/layout"
)

const schema = `
CREATE TABLE announcements (
	id INTEGER PRIMARY KEY,
	date TEXT NOT NULL,
	company TEXT NOT NULL,
	script_id TEXT NOT NULL,
	description TEXT NOT NULL,
	category TEXT,
	subcategory TEXT,
	status TEXT NOT NULL,
	pdf_link TEXT,
	file_size TEXT,
	page_count INTEGER,
	text_chars INTEGER,
	ocr_used INTEGER,
	processed_at TEXT
);

CREATE TABLE qa_results (
	id INTEGER PRIMARY KEY,
	date TEXT NOT NULL,
	company TEXT NOT NULL,
	script_id TEXT NOT NULL,
	description TEXT NOT NULL,
	category TEXT,
	subcategory TEXT,
	question TEXT NOT NULL,
	answer TEXT,
	normalized TEXT,
	status TEXT NOT NULL,
	qa_results_path TEXT,
	processed_at TEXT
);

CREATE INDEX idx_qa_results_question ON qa_results(question, normalized);
CREATE INDEX idx_announcements_date ON announcements(date);
`

// writeDatabase recreates the SQLite export holding the announcements and the long QA table.
func writeDatabase(ctx context.Context, path string, entries []Entry, long [][]string) error {
	if err := layout.MkdirAll(filepath.Dir(path)); err != nil {
		return err
	}
	for _, suffix := range []string{"", "-wal", "-shm"} {
		if err := os.Remove(path + suffix); err != nil && !errors.Is(err, os.ErrNotExist) {
			return &layout.StorageError{Op: "remove", Path: path + suffix, Err: err}
		}
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("failed to enable WAL: %w", err)
	}
	if _, err := conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	annStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO announcements (date, company, script_id, description, category, subcategory, status,
			pdf_link, file_size, page_count, text_chars, ocr_used, processed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare announcement insert: %w", err)
	}
	defer annStmt.Close()

	for _, e := range entries {
		m := e.Metadata
		a := m.Announcement
		var pages, chars int
		var ocrUsed bool
		if m.Extraction != nil {
			pages, chars, ocrUsed = m.Extraction.PageCount, m.Extraction.TextChars, m.Extraction.OCRUsed
		}
		var processed any
		if !m.ProcessedAt.IsZero() {
			processed = m.ProcessedAt.Format(timestampLayout)
		}
		if _, err := annStmt.ExecContext(ctx, a.Date, a.CompanyName, a.ScriptID, a.Description, a.Category,
			a.Subcategory, string(m.Status), a.PDFURL, a.FileSize, pages, chars, ocrUsed, processed); err != nil {
			return fmt.Errorf("failed to insert announcement: %w", err)
		}
	}

	qaStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO qa_results (date, company, script_id, description, category, subcategory, question,
			answer, normalized, status, qa_results_path, processed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare QA insert: %w", err)
	}
	defer qaStmt.Close()

	for _, row := range long {
		args := make([]any, len(row))
		for i, v := range row {
			args[i] = v
		}
		if _, err := qaStmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("failed to insert QA result: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit database export: %w", err)
	}
	return nil
}
