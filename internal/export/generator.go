// Package export renders stored evidence sets into downloadable files.
//
// Generator is a pure transform: the same evidence, request and generation
// time always produce the same bytes. Service adds the side effects around
// it, loading the set by reference and counting completed exports against
// the originating audit entry.
package export

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strings"
	"time"

	"github.com/go-pdf/fpdf"
	"github.com/xuri/excelize/v2"

	"github.com/evidence-on-demand/backend/internal/storage/models"
	"github.com/evidence-on-demand/backend/pkg/errors"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported export format")
	ErrEmptyEvidenceSet  = errors.New("evidence set is empty")
)

const (
	ReportTitle = "Evidence-on-Demand Report"

	mimeCSV  = "text/csv"
	mimePDF  = "application/pdf"
	mimeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

	xlsxSheet = "Evidence"
)

// Columns is the canonical column order for tabular exports.
var Columns = []string{"field", "value", "source", "link"}

// CheckFormat reports ErrUnsupportedFormat for anything this backend cannot
// render.
func CheckFormat(format models.ExportFormat) error {
	switch format {
	case models.FormatCSV, models.FormatPDF, models.FormatXLSX:
		return nil
	default:
		return errors.Wrapf(ErrUnsupportedFormat, "format %q", format)
	}
}

type Generator struct{}

func NewGenerator() *Generator {
	return &Generator{}
}

// Generate renders evidence in req.Format. The question heads PDF and XLSX
// reports; the narrative is included only when req.IncludeNarrative is set.
func (g *Generator) Generate(evidence []models.EvidenceItem, req models.ExportRequest, question, narrative string, generatedAt time.Time) (models.ExportArtifact, error) {
	if err := CheckFormat(req.Format); err != nil {
		return models.ExportArtifact{}, err
	}
	if len(evidence) == 0 {
		return models.ExportArtifact{}, ErrEmptyEvidenceSet
	}

	columns := selectColumns(req.Fields)
	if !req.IncludeNarrative {
		narrative = ""
	}
	generatedAt = generatedAt.UTC()

	var (
		data []byte
		mime string
		err  error
	)
	switch req.Format {
	case models.FormatCSV:
		data, err = renderCSV(evidence, columns, narrative)
		mime = mimeCSV
	case models.FormatPDF:
		data, err = renderPDF(evidence, columns, question, narrative, generatedAt)
		mime = mimePDF
	case models.FormatXLSX:
		data, err = renderXLSX(evidence, columns, question, narrative, generatedAt)
		mime = mimeXLSX
	}
	if err != nil {
		return models.ExportArtifact{}, errors.Wrapf(err, "render %s", req.Format)
	}

	return models.ExportArtifact{
		Bytes:    data,
		MIMEType: mime,
		Filename: Filename("", req.Format, generatedAt),
	}, nil
}

// Filename names an artifact after its evidence reference and generation time.
func Filename(ref string, format models.ExportFormat, generatedAt time.Time) string {
	stamp := generatedAt.UTC().Format("20060102T150405Z")
	if ref == "" {
		return fmt.Sprintf("evidence-%s.%s", stamp, format)
	}
	return fmt.Sprintf("evidence-%s-%s.%s", ref, stamp, format)
}

// selectColumns keeps the canonical order. Unknown names are ignored; no
// recognised name at all means every column.
func selectColumns(fields []string) []string {
	if len(fields) == 0 {
		return Columns
	}

	wanted := make(map[string]bool, len(fields))
	for _, f := range fields {
		wanted[strings.ToLower(strings.TrimSpace(f))] = true
	}

	var selected []string
	for _, c := range Columns {
		if wanted[c] {
			selected = append(selected, c)
		}
	}
	if len(selected) == 0 {
		return Columns
	}
	return selected
}

func cell(item models.EvidenceItem, column string) string {
	switch column {
	case "field":
		return item.Field
	case "value":
		return item.Value
	case "source":
		return string(item.Source)
	case "link":
		return item.Link
	}
	return ""
}

func renderCSV(evidence []models.EvidenceItem, columns []string, narrative string) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if err := w.Write(columns); err != nil {
		return nil, err
	}

	row := make([]string, len(columns))
	for _, item := range evidence {
		for i, c := range columns {
			row[i] = cell(item, c)
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}

	if narrative != "" {
		if err := w.Write([]string{}); err != nil {
			return nil, err
		}
		if err := w.Write([]string{"narrative", narrative}); err != nil {
			return nil, err
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

const (
	pdfMargin  = 15.0
	pdfLineH   = 5.0
	pdfPadding = 1.0
	pdfHeaderH = 7.0
)

// columnWeights split the usable page width between selected columns.
var columnWeights = map[string]float64{
	"field":  3,
	"value":  4,
	"source": 1.5,
	"link":   4,
}

func renderPDF(evidence []models.EvidenceItem, columns []string, question, narrative string, generatedAt time.Time) ([]byte, error) {
	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetCreationDate(generatedAt)
	pdf.SetModificationDate(generatedAt)
	pdf.SetCatalogSort(true)
	pdf.SetTitle(ReportTitle, true)
	pdf.SetCreator("evidence-on-demand", true)
	pdf.SetMargins(pdfMargin, pdfMargin, pdfMargin)
	pdf.SetAutoPageBreak(false, pdfMargin)

	tr := pdf.UnicodeTranslatorFromDescriptor("")
	pageW, pageH := pdf.GetPageSize()
	usableW := pageW - 2*pdfMargin
	bottom := pageH - pdfMargin

	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 16)
	pdf.CellFormat(usableW, 10, tr(ReportTitle), "", 1, "L", false, 0, "")

	pdf.SetFont("Helvetica", "", 9)
	pdf.CellFormat(usableW, 6, tr("Generated at: "+generatedAt.Format(time.RFC3339)), "", 1, "L", false, 0, "")
	pdf.Ln(4)

	if question != "" {
		pdf.SetFont("Helvetica", "B", 12)
		pdf.CellFormat(usableW, 7, "Question", "", 1, "L", false, 0, "")
		pdf.SetFont("Helvetica", "", 10)
		for _, line := range pdf.SplitText(latin1(question), usableW) {
			if pdf.GetY()+pdfLineH > bottom {
				pdf.AddPage()
			}
			pdf.CellFormat(usableW, pdfLineH, tr(line), "", 1, "L", false, 0, "")
		}
		pdf.Ln(4)
	}

	if narrative != "" {
		pdf.SetFont("Helvetica", "B", 12)
		pdf.CellFormat(usableW, 7, "Narrative", "", 1, "L", false, 0, "")
		pdf.SetFont("Helvetica", "", 10)
		for _, line := range pdf.SplitText(latin1(narrative), usableW) {
			if pdf.GetY()+pdfLineH > bottom {
				pdf.AddPage()
			}
			pdf.CellFormat(usableW, pdfLineH, tr(line), "", 1, "L", false, 0, "")
		}
		pdf.Ln(4)
	}

	pdf.SetFont("Helvetica", "B", 12)
	pdf.CellFormat(usableW, 7, "Evidence", "", 1, "L", false, 0, "")

	widths := columnWidths(columns, usableW)
	header := func() {
		pdf.SetFont("Helvetica", "B", 9)
		pdf.SetFillColor(230, 230, 230)
		for i, c := range columns {
			pdf.CellFormat(widths[i], pdfHeaderH, strings.ToUpper(c), "1", 0, "L", true, 0, "")
		}
		pdf.Ln(-1)
		pdf.SetFont("Helvetica", "", 9)
	}
	header()

	// Lines that fit under the header on a fresh page.
	pageLines := int((bottom - pdfMargin - pdfHeaderH - 2*pdfPadding) / pdfLineH)

	for _, item := range evidence {
		cells := make([][]string, len(columns))
		lines := 1
		for i, c := range columns {
			cells[i] = pdf.SplitText(latin1(cell(item, c)), widths[i]-2*pdfPadding)
			if len(cells[i]) > lines {
				lines = len(cells[i])
			}
		}

		// A row that fits on one page is never split. Taller rows are drawn
		// in slices, continuing under a repeated header.
		for start := 0; start < lines; {
			remaining := lines - start
			avail := int((bottom - pdf.GetY() - 2*pdfPadding) / pdfLineH)
			if avail < remaining && (avail < 1 || remaining <= pageLines) {
				pdf.AddPage()
				header()
				continue
			}
			n := min(remaining, avail)
			drawRowSlice(pdf, tr, cells, widths, start, n)
			start += n
		}
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// drawRowSlice draws lines [start, start+n) of every cell as one bordered row.
func drawRowSlice(pdf *fpdf.Fpdf, tr func(string) string, cells [][]string, widths []float64, start, n int) {
	rowH := float64(n)*pdfLineH + 2*pdfPadding
	x, y := pdf.GetXY()
	for i := range cells {
		pdf.Rect(x, y, widths[i], rowH, "D")
		for j := start; j < start+n && j < len(cells[i]); j++ {
			pdf.SetXY(x+pdfPadding, y+pdfPadding+float64(j-start)*pdfLineH)
			pdf.CellFormat(widths[i]-2*pdfPadding, pdfLineH, tr(cells[i][j]), "", 0, "L", false, 0, "")
		}
		x += widths[i]
	}
	pdf.SetXY(pdfMargin, y+rowH)
}

func renderXLSX(evidence []models.EvidenceItem, columns []string, question, narrative string, generatedAt time.Time) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	stamp := generatedAt.Format(time.RFC3339)
	if err := f.SetDocProps(&excelize.DocProperties{
		Title:          ReportTitle,
		Creator:        "evidence-on-demand",
		LastModifiedBy: "evidence-on-demand",
		Description:    question,
		Created:        stamp,
		Modified:       stamp,
	}); err != nil {
		return nil, err
	}

	if err := f.SetSheetName("Sheet1", xlsxSheet); err != nil {
		return nil, err
	}

	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return nil, err
	}

	row := 1
	if question != "" {
		if err := f.SetCellStr(xlsxSheet, "A1", "Question"); err != nil {
			return nil, err
		}
		if err := f.SetCellStr(xlsxSheet, "B1", question); err != nil {
			return nil, err
		}
		if err := f.SetCellStyle(xlsxSheet, "A1", "A1", bold); err != nil {
			return nil, err
		}
		row = 3
	}

	for i, c := range columns {
		name, err := excelize.CoordinatesToCellName(i+1, row)
		if err != nil {
			return nil, err
		}
		if err := f.SetCellStr(xlsxSheet, name, c); err != nil {
			return nil, err
		}
	}
	first, _ := excelize.CoordinatesToCellName(1, row)
	last, _ := excelize.CoordinatesToCellName(len(columns), row)
	if err := f.SetCellStyle(xlsxSheet, first, last, bold); err != nil {
		return nil, err
	}

	for _, item := range evidence {
		row++
		for i, c := range columns {
			name, err := excelize.CoordinatesToCellName(i+1, row)
			if err != nil {
				return nil, err
			}
			if err := f.SetCellStr(xlsxSheet, name, cell(item, c)); err != nil {
				return nil, err
			}
		}
	}

	if narrative != "" {
		row += 2
		label, _ := excelize.CoordinatesToCellName(1, row)
		text, _ := excelize.CoordinatesToCellName(2, row)
		if err := f.SetCellStr(xlsxSheet, label, "narrative"); err != nil {
			return nil, err
		}
		if err := f.SetCellStr(xlsxSheet, text, narrative); err != nil {
			return nil, err
		}
	}

	lastCol, _ := excelize.ColumnNumberToName(len(columns))
	if err := f.SetColWidth(xlsxSheet, "A", lastCol, 30); err != nil {
		return nil, err
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func columnWidths(columns []string, total float64) []float64 {
	var sum float64
	for _, c := range columns {
		sum += columnWeights[c]
	}
	widths := make([]float64, len(columns))
	for i, c := range columns {
		widths[i] = total * columnWeights[c] / sum
	}
	return widths
}

// latin1 replaces characters the core PDF fonts cannot encode.
func latin1(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r == '\t':
			return ' '
		case r == '\n':
			return r
		case r < 0x20, r >= 0x7f && r < 0xa0, r > 0xff:
			return '?'
		}
		return r
	}, s)
}
