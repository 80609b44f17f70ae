package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"longevity-sync/internal/domain"

	"github.com/xuri/excelize/v2"
)

const readingsSheet = "Biomarker Readings"

// ReadingsExportHeader export columns, in order
var ReadingsExportHeader = []string{
	"Date",
	"Metric",
	"Value",
	"Unit",
	"Source",
	"Metadata",
	"Created At",
}

var readingsColumnWidths = []float64{22, 20, 12, 10, 14, 60, 22}

// GenerateReadingsExport one sheet of readings with a frozen header row.
// An empty list produces the header only.
func GenerateReadingsExport(readings []*domain.BiomarkerReading) ([]byte, error) {
	f := excelize.NewFile()
	// WriteTo needs the file open, so Close runs after it

	index, err := f.NewSheet(readingsSheet)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create sheet: %w", err)
	}
	f.DeleteSheet("Sheet1")
	f.SetActiveSheet(index)

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{
			Type:    "pattern",
			Color:   []string{"#E6F3FF"},
			Pattern: 1,
		},
		Border: []excelize.Border{
			{Type: "left", Color: "000000", Style: 1},
			{Type: "top", Color: "000000", Style: 1},
			{Type: "bottom", Color: "000000", Style: 1},
			{Type: "right", Color: "000000", Style: 1},
		},
		Alignment: &excelize.Alignment{
			Horizontal: "center",
			Vertical:   "center",
		},
	})
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create header style: %w", err)
	}

	for col, header := range ReadingsExportHeader {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to convert coordinates: %w", err)
		}
		if err := f.SetCellValue(readingsSheet, cell, header); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to set header cell %s: %w", cell, err)
		}
		if err := f.SetCellStyle(readingsSheet, cell, cell, headerStyle); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to set header style: %w", err)
		}

		name, err := excelize.ColumnNumberToName(col + 1)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to convert column number: %w", err)
		}
		if err := f.SetColWidth(readingsSheet, name, name, readingsColumnWidths[col]); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to set column width: %w", err)
		}
	}

	for i, rd := range readings {
		row := i + 2
		values := []any{
			rd.Date.UTC().Format(time.RFC3339),
			string(rd.Metric),
			rd.Value,
			rd.Unit,
			string(rd.Source),
			metadataCell(rd.Metadata),
			formatCreatedAt(rd.CreatedAt),
		}
		cell, err := excelize.CoordinatesToCellName(1, row)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to convert coordinates: %w", err)
		}
		if err := f.SetSheetRow(readingsSheet, cell, &values); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to write row %d: %w", row, err)
		}
	}

	if err := f.SetPanes(readingsSheet, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to freeze panes: %w", err)
	}

	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write excel file: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("failed to close excel file: %w", err)
	}
	return buf.Bytes(), nil
}

func metadataCell(m map[string]any) string {
	if len(m) == 0 {
		return ""
	}
	b, err := json.Marshal(m)
	if err != nil {
		return ""
	}
	return string(b)
}

func formatCreatedAt(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
