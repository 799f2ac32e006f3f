/*
Package store persists the per-announcement records: metadata.json next to the downloaded PDF
and qa_results.json under the QA tree. A record that cannot be read is reported and treated as
missing so the announcement is simply processed again.
*/
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/shanehull/bsescraper/internal/extract"
	"github.com/shanehull/bsescraper/internal/layout"
	"github.com/shanehull/bsescraper/internal/types"
)

type Extraction struct {
	TextFile    string              `json:"text_file,omitempty"`
	TableFiles  []string            `json:"table_files"`
	ImageFiles  []string            `json:"image_files"`
	OCRTextFile string              `json:"ocr_text_file,omitempty"`
	PageCount   int                 `json:"page_count"`
	TextChars   int                 `json:"text_chars"`
	PageErrors  []extract.PageError `json:"page_errors,omitempty"`
	OCRUsed     bool                `json:"ocr_used"`
	TableMethod string              `json:"table_method,omitempty"`
}

type Metadata struct {
	Announcement types.Announcement `json:"announcement_info"`
	Status       types.Status       `json:"status"`
	Extraction   *Extraction        `json:"extraction_results,omitempty"`
	Error        string             `json:"error,omitempty"`
	PDFSize      int64              `json:"pdf_size"`
	ProcessedAt  time.Time          `json:"processed_timestamp"`
}

// Extracted reports whether a previous run already produced the text artifacts.
func (m *Metadata) Extracted() bool {
	if m == nil || m.Extraction == nil {
		return false
	}
	return m.Status == types.StatusFullyProcessed || m.Status == types.StatusPartiallyProcessed
}

type ProcessingDetails struct {
	TextChars     int    `json:"text_chars"`
	ContextChars  int    `json:"context_chars"`
	Model         string `json:"model"`
	Backend       string `json:"backend"`
	QuestionCount int    `json:"question_count"`
	Failed        int    `json:"failed"`
}

type QARecord struct {
	Announcement          types.Announcement `json:"announcement_info"`
	QuestionsAndAnswers   map[string]string  `json:"questions_and_answers"`
	Results               []types.QAResult   `json:"results"`
	ProcessedAt           time.Time          `json:"processing_timestamp"`
	ProcessingTimeSeconds float64            `json:"processing_time_seconds"`
	Details               ProcessingDetails  `json:"processing_details"`
}

// Result looks up the stored result for question.
func (r *QARecord) Result(question string) (types.QAResult, bool) {
	if r == nil {
		return types.QAResult{}, false
	}
	for _, res := range r.Results {
		if res.Question == question {
			return res, true
		}
	}
	return types.QAResult{}, false
}

// Failed counts the results that carry no answer.
func (r *QARecord) Failed() int {
	n := 0
	for _, res := range r.Results {
		if res.Status == types.QAStatusFailed {
			n++
		}
	}
	return n
}

type Store struct {
	layout layout.Layout
	logger zerolog.Logger
	mutex  sync.Mutex
}

func New(l layout.Layout, logger zerolog.Logger) *Store {
	return &Store{layout: l, logger: logger.With().Str("component", "store").Logger()}
}

func (s *Store) Layout() layout.Layout {
	return s.layout
}

// LoadMetadata returns nil when the record is absent or unreadable.
func (s *Store) LoadMetadata(ann types.Announcement) *Metadata {
	var m Metadata
	if !s.load(s.layout.MetadataPath(ann), &m) {
		return nil
	}
	return &m
}

// ReadMetadataFile loads a metadata.json found while walking the tree.
func (s *Store) ReadMetadataFile(path string) *Metadata {
	var m Metadata
	if !s.load(path, &m) {
		return nil
	}
	return &m
}

func (s *Store) SaveMetadata(m *Metadata) error {
	if m.ProcessedAt.IsZero() {
		m.ProcessedAt = time.Now()
	}
	return s.save(s.layout.MetadataPath(m.Announcement), m)
}

// LoadQA returns nil when the record is absent or unreadable.
func (s *Store) LoadQA(ann types.Announcement) *QARecord {
	var r QARecord
	if !s.load(s.layout.QAResultsPath(ann), &r) {
		return nil
	}
	return &r
}

// SaveQA rewrites the whole record, refreshing the question to answer map from the results.
func (s *Store) SaveQA(r *QARecord) error {
	r.QuestionsAndAnswers = make(map[string]string, len(r.Results))
	for _, res := range r.Results {
		if res.Status == types.QAStatusFailed {
			r.QuestionsAndAnswers[res.Question] = "Error: " + res.Error
			continue
		}
		r.QuestionsAndAnswers[res.Question] = res.Answer
	}
	return s.save(s.layout.QAResultsPath(r.Announcement), r)
}

func (s *Store) load(path string, v any) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn().Err(err).Str("path", path).Msg("failed to read record, treating it as missing")
		}
		return false
	}
	if err := json.Unmarshal(data, v); err != nil {
		s.logger.Warn().Err(err).Str("path", path).Msg("failed to parse record, treating it as missing")
		return false
	}
	return true
}

func (s *Store) save(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", path, err)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	return layout.WriteFile(path, data)
}
