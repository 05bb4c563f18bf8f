package query

import (
	"bytes"
	"context"
	"strings"
	"text/template"

	"github.com/evidence-on-demand/backend/internal/storage/models"
)

const (
	NarrativeUnavailable    = "No narrative available."
	NarrativeNoSources      = "Sorry, none of the connected sources could be reached, so no evidence was gathered."
	NarrativeNoIntegrations = "No data sources are connected. Connect an integration to search for evidence."
	NarrativeNotConfigured  = "The connected data sources are not configured on this server, so no evidence was gathered."
	NarrativeRateLimited    = "Too many questions in a short time. Please wait a moment and try again."
	NarrativeValidation     = "Please enter a question to search for evidence."
	NarrativeTooLong        = "Your question is too long. Please shorten it and try again."
	NarrativeFault          = "We're sorry, something went wrong while gathering evidence. Please try again."
	NarrativeAuditNotice    = "This answer could not be recorded in the audit log."
)

// SummaryRequest is the input to narrative synthesis. Notes carry
// non-fatal observations such as field collisions and unreachable sources.
type SummaryRequest struct {
	Query    string
	Evidence []models.EvidenceItem
	Notes    []string
}

type Summarizer interface {
	Summarize(ctx context.Context, req SummaryRequest) (string, error)
}

// SummarizerFunc adapts a function to Summarizer.
type SummarizerFunc func(ctx context.Context, req SummaryRequest) (string, error)

func (f SummarizerFunc) Summarize(ctx context.Context, req SummaryRequest) (string, error) {
	return f(ctx, req)
}

var narrativeTemplate = template.Must(template.New("narrative").Parse(
	`Found {{len .Evidence}} evidence item{{if ne (len .Evidence) 1}}s{{end}} for "{{.Query}}"{{if .Sources}} from {{.Sources}}{{end}}.
{{- range .Highlights}}
- {{.Field}}: {{.Value}}{{end}}
{{- if .More}}
...and {{.More}} more.{{end}}
{{- range .Notes}}
Note: {{.}}{{end}}`))

// TemplateSummarizer renders a plain listing of the evidence. It is used
// when no language model is configured and never fails on valid input.
type TemplateSummarizer struct {
	MaxHighlights int
}

func NewTemplateSummarizer() *TemplateSummarizer {
	return &TemplateSummarizer{MaxHighlights: 5}
}

func (s *TemplateSummarizer) Summarize(_ context.Context, req SummaryRequest) (string, error) {
	limit := s.MaxHighlights
	if limit <= 0 || limit > len(req.Evidence) {
		limit = len(req.Evidence)
	}

	var sources []string
	seen := map[models.SourceID]bool{}
	for _, item := range req.Evidence {
		if !seen[item.Source] {
			seen[item.Source] = true
			sources = append(sources, string(item.Source))
		}
	}

	data := struct {
		Query      string
		Evidence   []models.EvidenceItem
		Sources    string
		Highlights []models.EvidenceItem
		More       int
		Notes      []string
	}{
		Query:      strings.TrimSpace(req.Query),
		Evidence:   req.Evidence,
		Sources:    strings.Join(sources, ", "),
		Highlights: req.Evidence[:limit],
		More:       len(req.Evidence) - limit,
		Notes:      req.Notes,
	}

	var buf bytes.Buffer
	if err := narrativeTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
