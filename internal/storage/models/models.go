package models

import (
	"strings"
	"time"
)

type SourceID string

const (
	SourceIssueTracker  SourceID = "jira"
	SourceCodeHost      SourceID = "github"
	SourceDocumentStore SourceID = "documents"
)

type Status string

const (
	StatusCompleted Status = "completed"
	StatusPartial   Status = "partial"
	StatusFailed    Status = "failed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusCompleted, StatusPartial, StatusFailed:
		return true
	}
	return false
}

type Query struct {
	Text string `json:"query"`
}

// Blank reports whether the question has no content after trimming.
func (q Query) Blank() bool {
	return strings.TrimSpace(q.Text) == ""
}

type EvidenceItem struct {
	Field  string   `json:"field"`
	Value  string   `json:"value"`
	Source SourceID `json:"source"`
	Link   string   `json:"link,omitempty"`
}

type QueryResult struct {
	AuditID         int64          `json:"audit_id"`
	EvidenceRef     string         `json:"evidence_ref,omitempty"`
	Narrative       string         `json:"narrative"`
	Evidence        []EvidenceItem `json:"evidence"`
	Status          Status         `json:"status"`
	SourcesAccessed []SourceID     `json:"sources_accessed"`
	ToolsUsed       []SourceID     `json:"tools_used"`
}

type AuditDetails struct {
	Duration        time.Duration `json:"duration"`
	ResultsCount    int           `json:"results_count"`
	SourcesAccessed []SourceID    `json:"sources_accessed"`
}

type AuditEntry struct {
	ID        int64        `json:"id"`
	Timestamp time.Time    `json:"timestamp"`
	User      string       `json:"user"`
	Query     string       `json:"query"`
	ToolsUsed []SourceID   `json:"tools_used"`
	Exports   int          `json:"exports"`
	Status    Status       `json:"status"`
	Details   AuditDetails `json:"details"`
}

type ExportFormat string

const (
	FormatCSV  ExportFormat = "csv"
	FormatXLSX ExportFormat = "xlsx"
	FormatPDF  ExportFormat = "pdf"
)

type ExportRequest struct {
	Format           ExportFormat `json:"format"`
	Fields           []string     `json:"fields,omitempty"`
	IncludeNarrative bool         `json:"include_narrative"`
}

type ExportArtifact struct {
	Bytes    []byte
	MIMEType string
	Filename string
}

type Integration struct {
	ID          SourceID          `json:"id" yaml:"id"`
	Name        string            `json:"name" yaml:"name"`
	Description string            `json:"description" yaml:"description"`
	Connected   bool              `json:"connected" yaml:"connected"`
	Settings    map[string]string `json:"settings,omitempty" yaml:"settings,omitempty"`
}

// EvidenceSet is the stored outcome of one answered question, addressed by
// Ref so an export can be requested after the query response is gone.
type EvidenceSet struct {
	Ref       string         `json:"ref"`
	AuditID   int64          `json:"audit_id"`
	Query     string         `json:"query"`
	Narrative string         `json:"narrative"`
	Evidence  []EvidenceItem `json:"evidence"`
	CreatedAt time.Time      `json:"created_at"`
}
