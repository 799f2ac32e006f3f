/*
Package types holds the records shared by every stage of the pipeline.
*/
package types

import (
	"strings"
	"time"
)

// DateLayout is the day-first date format the exchange renders in its results table.
const DateLayout = "02-01-2006"

// AllCategories is the value of the exchange's "--Select Category--" option.
const AllCategories = "-1"

// Categories lists the "company update" filters offered by the exchange search page.
var Categories = []string{
	"AGM/EGM",
	"Board Meeting",
	"Company Update",
	"Corp. Action",
	"Insider Trading / SAST",
	"New Listing",
	"Result",
	"Integrated Filing",
	"Others",
}

type Announcement struct {
	Date        string    `json:"date_time"`
	DateTime    time.Time `json:"-"`
	CompanyName string    `json:"company_name"`
	ScriptID    string    `json:"script_id"`
	Description string    `json:"description"`
	Subcategory string    `json:"subcategory"`
	Category    string    `json:"category"`
	PDFURL      string    `json:"pdf_link"`
	FileSize    string    `json:"file_size,omitempty"`
}

// Key identifies an announcement for duplicate detection.
func (a Announcement) Key() string {
	return strings.Join([]string{
		strings.ToLower(strings.TrimSpace(a.CompanyName)),
		strings.TrimSpace(a.ScriptID),
		strings.ToLower(strings.TrimSpace(a.Description)),
		a.Date,
	}, "|")
}

type Status string

const (
	StatusPending            Status = "pending"
	StatusFullyProcessed     Status = "fully-processed"
	StatusPartiallyProcessed Status = "partially-processed"
	StatusFetchFailed        Status = "fetch-failed"
	StatusExtractFailed      Status = "extract-failed"
)

// Failed reports whether the announcement dropped out before question answering.
func (s Status) Failed() bool {
	return s == StatusFetchFailed || s == StatusExtractFailed
}

type QAStatus string

const (
	QAStatusOK     QAStatus = "ok"
	QAStatusFailed QAStatus = "failed"
)

type QAResult struct {
	Question        string    `json:"question"`
	Answer          string    `json:"answer"`
	Normalized      string    `json:"normalized"`
	Status          QAStatus  `json:"status"`
	Error           string    `json:"error,omitempty"`
	Attempts        int       `json:"attempts"`
	DurationSeconds float64   `json:"duration_seconds"`
	AnsweredAt      time.Time `json:"answered_at"`
}

// Query is the search submitted to the exchange.
type Query struct {
	From     time.Time
	To       time.Time
	Category string
}

// CategoryLabel returns a printable name for the query's category filter.
func (q Query) CategoryLabel() string {
	if q.Category == "" || q.Category == AllCategories {
		return "--Select Category--"
	}
	return q.Category
}
