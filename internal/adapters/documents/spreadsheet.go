package documents

import (
	"bytes"
	"context"
	"strings"

	"github.com/xuri/excelize/v2"
	apperrors "github.com/zatekoja/claimvalidation/pkg/errors"
)

// extractSpreadsheet renders every sheet row as text. Two-cell rows become
// "key: value" lines; single-cell rows become bullets; wider rows are joined
// with " | ".
func extractSpreadsheet(_ context.Context, data []byte) (string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return "", apperrors.NewParseError("failed to open rule workbook", err)
	}
	defer f.Close()

	var lines []string
	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil {
			return "", apperrors.NewParseError("failed to read sheet "+sheet, err)
		}
		for _, row := range rows {
			if line := rowToLine(row); line != "" {
				lines = append(lines, line)
			}
		}
	}
	return strings.Join(lines, "\n"), nil
}

func rowToLine(row []string) string {
	cells := make([]string, 0, len(row))
	for _, cell := range row {
		if cell = strings.TrimSpace(cell); cell != "" {
			cells = append(cells, cell)
		}
	}

	switch len(cells) {
	case 0:
		return ""
	case 1:
		return "- " + cells[0]
	case 2:
		return cells[0] + ": " + cells[1]
	default:
		return strings.Join(cells, " | ")
	}
}
