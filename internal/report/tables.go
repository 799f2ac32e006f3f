package report

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"path/filepath"

	"github.com/shanehull/bsescraper/internal/layout"
	"github.com/shanehull/bsescraper/internal/types"
)

const (
	timestampLayout = "2006-01-02 15:04:05"
	failedCell      = "Error"
)

var longHeader = []string{
	"Date", "Company", "Script ID", "Description", "Category", "Subcategory",
	"Question", "Answer", "Normalized", "Status", "QA_Results_Path", "Processing_Timestamp",
}

var announcementHeader = []string{
	"Date", "Company", "Script ID", "Description", "Category", "Subcategory", "Status",
}

func wideHeader(questions []string) []string {
	header := append([]string(nil), announcementHeader...)
	return append(header, questions...)
}

func announcementCells(e Entry) []string {
	a := e.Metadata.Announcement
	return []string{a.Date, a.CompanyName, a.ScriptID, a.Description, a.Category, a.Subcategory}
}

// longRows emits one row per stored QA result, ordered like the question columns.
func longRows(root string, entries []Entry, questions []string) [][]string {
	var rows [][]string
	for _, e := range entries {
		if e.QA == nil {
			continue
		}
		qaPath := relPath(root, e.QAPath)
		stamp := ""
		if !e.QA.ProcessedAt.IsZero() {
			stamp = e.QA.ProcessedAt.Format(timestampLayout)
		}

		for _, q := range questions {
			res, ok := e.QA.Result(q)
			if !ok {
				continue
			}
			row := announcementCells(e)
			row = append(row, res.Question, res.Answer, res.Normalized, string(res.Status), qaPath, stamp)
			rows = append(rows, row)
		}
	}
	return rows
}

// wideRows emits one row per announcement with the normalized answer to each question.
func wideRows(entries []Entry, questions []string) [][]string {
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		row := announcementCells(e)
		row = append(row, string(e.Metadata.Status))
		for _, q := range questions {
			row = append(row, wideCell(e, q))
		}
		rows = append(rows, row)
	}
	return rows
}

func wideCell(e Entry, question string) string {
	res, ok := e.QA.Result(question)
	switch {
	case !ok:
		return ""
	case res.Status == types.QAStatusFailed:
		return failedCell
	default:
		return res.Normalized
	}
}

func relPath(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return path
	}
	return rel
}

func writeCSV(path string, header []string, rows [][]string) error {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(header); err != nil {
		return fmt.Errorf("failed to encode %s: %w", filepath.Base(path), err)
	}
	if err := w.WriteAll(rows); err != nil {
		return fmt.Errorf("failed to encode %s: %w", filepath.Base(path), err)
	}
	return layout.WriteFile(path, buf.Bytes())
}
