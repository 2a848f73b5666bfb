// Package report renders a completed scan as a downloadable PDF. Exports
// are gated by the plan's download permission at the API layer.
package report

import (
	"bytes"
	"fmt"
	"time"

	"github.com/go-pdf/fpdf"

	"github.com/siteprobe/siteprobe/internal/plan"
	"github.com/siteprobe/siteprobe/internal/scan"
)

var (
	colorPrimary   = [3]int{30, 58, 95}
	colorSuccess   = [3]int{46, 204, 113}
	colorDanger    = [3]int{231, 76, 60}
	colorMuted     = [3]int{127, 140, 141}
	colorTableAlt  = [3]int{241, 245, 249}
	colorTableHead = [3]int{30, 58, 95}
)

// Generator renders scan reports.
type Generator struct{}

// NewGenerator creates a Generator.
func NewGenerator() *Generator {
	return &Generator{}
}

// Generate renders the PDF for one scan bundle.
func (g *Generator) Generate(bundle *scan.Bundle) ([]byte, error) {
	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(20, 20, 20)
	pdf.SetAutoPageBreak(true, 25)
	pdf.AddPage()

	g.writeHeader(pdf, bundle)
	g.writeSummary(pdf, bundle)
	g.writeServiceTable(pdf, bundle)
	g.writeFooter(pdf)

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("render scan report %s: %w", bundle.Scan.ID, err)
	}
	return buf.Bytes(), nil
}

func (g *Generator) writeHeader(pdf *fpdf.Fpdf, bundle *scan.Bundle) {
	pdf.SetFillColor(colorPrimary[0], colorPrimary[1], colorPrimary[2])
	pdf.Rect(0, 0, 210, 32, "F")

	pdf.SetTextColor(255, 255, 255)
	pdf.SetFont("Helvetica", "B", 18)
	pdf.SetXY(20, 8)
	pdf.CellFormat(0, 10, "SEO Scan Report", "", 1, "L", false, 0, "")

	pdf.SetFont("Helvetica", "", 10)
	pdf.SetX(20)
	pdf.CellFormat(0, 6, bundle.Scan.URL, "", 1, "L", false, 0, "")

	pdf.SetY(40)
	pdf.SetTextColor(colorMuted[0], colorMuted[1], colorMuted[2])
}

func (g *Generator) writeSummary(pdf *fpdf.Fpdf, bundle *scan.Bundle) {
	sc := bundle.Scan
	progress := scan.ComputeProgress(bundle.Services)

	pdf.SetFont("Helvetica", "B", 12)
	pdf.SetTextColor(colorPrimary[0], colorPrimary[1], colorPrimary[2])
	pdf.CellFormat(0, 8, "Summary", "", 1, "L", false, 0, "")

	pdf.SetFont("Helvetica", "", 10)
	pdf.SetTextColor(60, 60, 60)

	rows := [][2]string{
		{"Scan ID", sc.ID},
		{"Status", string(sc.Status)},
		{"Plan", string(sc.Plan)},
		{"Completed services", fmt.Sprintf("%d of %d", progress.CompletedServices, progress.TotalServices)},
		{"Total duration", fmt.Sprintf("%d ms", sc.TotalMs)},
	}
	if sc.CompletedAt != nil {
		rows = append(rows, [2]string{"Completed at", sc.CompletedAt.UTC().Format(time.RFC3339)})
	}

	for _, row := range rows {
		pdf.CellFormat(55, 6, row[0], "", 0, "L", false, 0, "")
		pdf.CellFormat(0, 6, row[1], "", 1, "L", false, 0, "")
	}
	pdf.Ln(4)
}

func (g *Generator) writeServiceTable(pdf *fpdf.Fpdf, bundle *scan.Bundle) {
	pdf.SetFont("Helvetica", "B", 12)
	pdf.SetTextColor(colorPrimary[0], colorPrimary[1], colorPrimary[2])
	pdf.CellFormat(0, 8, "Services", "", 1, "L", false, 0, "")

	pdf.SetFont("Helvetica", "B", 9)
	pdf.SetFillColor(colorTableHead[0], colorTableHead[1], colorTableHead[2])
	pdf.SetTextColor(255, 255, 255)
	pdf.CellFormat(50, 7, "Service", "", 0, "L", true, 0, "")
	pdf.CellFormat(25, 7, "Status", "", 0, "L", true, 0, "")
	pdf.CellFormat(25, 7, "Duration", "", 0, "R", true, 0, "")
	pdf.CellFormat(20, 7, "Attempts", "", 0, "R", true, 0, "")
	pdf.CellFormat(0, 7, "Error", "", 1, "L", true, 0, "")

	pdf.SetFont("Helvetica", "", 9)
	for i, name := range plan.Catalogue() {
		svc := bundle.Service(name)
		if svc == nil {
			continue
		}

		fill := i%2 == 1
		if fill {
			pdf.SetFillColor(colorTableAlt[0], colorTableAlt[1], colorTableAlt[2])
		}

		switch svc.Status {
		case scan.ServiceSuccess:
			pdf.SetTextColor(colorSuccess[0], colorSuccess[1], colorSuccess[2])
		case scan.ServiceFailed:
			pdf.SetTextColor(colorDanger[0], colorDanger[1], colorDanger[2])
		default:
			pdf.SetTextColor(colorMuted[0], colorMuted[1], colorMuted[2])
		}

		errText := ""
		if svc.Err != nil {
			errText = svc.Err.Code
		}

		pdf.CellFormat(50, 6, name, "", 0, "L", fill, 0, "")
		pdf.CellFormat(25, 6, string(svc.Status), "", 0, "L", fill, 0, "")
		pdf.CellFormat(25, 6, fmt.Sprintf("%d ms", svc.ExecutionMs), "", 0, "R", fill, 0, "")
		pdf.CellFormat(20, 6, fmt.Sprintf("%d", svc.Attempts), "", 0, "R", fill, 0, "")
		pdf.CellFormat(0, 6, errText, "", 1, "L", fill, 0, "")
	}
	pdf.SetTextColor(60, 60, 60)
}

func (g *Generator) writeFooter(pdf *fpdf.Fpdf) {
	pdf.Ln(8)
	pdf.SetFont("Helvetica", "I", 8)
	pdf.SetTextColor(colorMuted[0], colorMuted[1], colorMuted[2])
	pdf.CellFormat(0, 5, "Generated by siteprobe on "+time.Now().UTC().Format(time.RFC3339), "", 1, "L", false, 0, "")
}
