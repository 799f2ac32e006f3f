package report

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shanehull/bsescraper/internal/layout"
	"github.com/shanehull/bsescraper/internal/store"
	"github.com/shanehull/bsescraper/internal/types"
)

type mergedAnnouncement struct {
	Announcement types.Announcement `json:"announcement_info"`
	Status       types.Status       `json:"status"`
	Extraction   *store.Extraction  `json:"extraction_results"`
	ProcessedAt  *time.Time         `json:"processed_timestamp"`
	MetadataFile string             `json:"metadata_file"`
	QAFile       string             `json:"qa_results_file,omitempty"`
	Answers      map[string]string  `json:"questions_and_answers,omitempty"`
}

type mergedSummary struct {
	TotalAnnouncements  int    `json:"total_announcements"`
	NewThisRun          int    `json:"new_announcements_this_run"`
	PreviouslyProcessed int    `json:"previously_processed_announcements"`
	TotalWithMetadata   int    `json:"total_with_metadata"`
	TotalWithQA         int    `json:"total_with_qa_results"`
	GenerationTimestamp string `json:"generation_timestamp"`
	LastUpdated         string `json:"last_updated"`
	SourceDirectory     string `json:"source_directory"`
}

type mergedData struct {
	Announcements map[string][]mergedAnnouncement `json:"announcements"`
	Summary       mergedSummary                   `json:"summary"`
}

// writeMerged groups the entries by the exchange's date string.
func (b *Builder) writeMerged(rep *Report, entries []Entry) error {
	out := mergedData{Announcements: make(map[string][]mergedAnnouncement)}

	withMetadata := 0
	for _, e := range entries {
		m := e.Metadata
		item := mergedAnnouncement{
			Announcement: m.Announcement,
			Status:       m.Status,
			Extraction:   m.Extraction,
			MetadataFile: relPath(b.layout.Root, e.MetadataPath),
		}
		if m.Extraction != nil {
			withMetadata++
		}
		if !m.ProcessedAt.IsZero() {
			ts := m.ProcessedAt
			item.ProcessedAt = &ts
		}
		if e.QA != nil {
			item.QAFile = relPath(b.layout.Root, e.QAPath)
			item.Answers = e.QA.QuestionsAndAnswers
		}
		out.Announcements[m.Announcement.Date] = append(out.Announcements[m.Announcement.Date], item)
	}

	previous := rep.Announcements - rep.NewThisRun
	if previous < 0 {
		previous = 0
	}
	stamp := rep.GeneratedAt.Format(timestampLayout)
	out.Summary = mergedSummary{
		TotalAnnouncements:  rep.Announcements,
		NewThisRun:          rep.NewThisRun,
		PreviouslyProcessed: previous,
		TotalWithMetadata:   withMetadata,
		TotalWithQA:         rep.WithQA,
		GenerationTimestamp: stamp,
		LastUpdated:         stamp,
		SourceDirectory:     b.layout.Root,
	}

	data, err := json.MarshalIndent(out, "", "    ")
	if err != nil {
		return fmt.Errorf("failed to marshal merged data: %w", err)
	}
	return layout.WriteFile(rep.MergedDataPath, data)
}
