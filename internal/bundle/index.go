package bundle

import (
	"fmt"

	"github.com/xuri/excelize/v2"
)

const indexSheet = "Exhibits"

// buildIndex produces the exhibit schedule workbook: one row per bundled exhibit in
// index order with its Bates range, plus any documents excluded from the bundle.
func buildIndex(title string, entries []Entry, excluded []Excluded) ([]byte, error) {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if index, _ := f.GetSheetIndex(indexSheet); index == -1 {
		if _, err := f.NewSheet(indexSheet); err != nil {
			return nil, err
		}
	}
	activeIndex, _ := f.GetSheetIndex(indexSheet)
	f.SetActiveSheet(activeIndex)
	_ = f.DeleteSheet("Sheet1")

	write := func(col, row int, v any) {
		cell, _ := excelize.CoordinatesToCellName(col, row)
		_ = f.SetCellValue(indexSheet, cell, v)
	}

	if title != "" {
		write(1, 1, title)
	}
	headers := []string{
		"Exhibit",
		"Document",
		"Bates Start",
		"Bates End",
		"Pages",
		"File",
	}
	for i, h := range headers {
		write(i+1, 3, h)
	}

	row := 4
	totalPages := 0
	for _, e := range entries {
		write(1, row, e.Label)
		write(2, row, e.DocumentRef)
		write(3, row, e.BatesStartLabel)
		write(4, row, e.BatesEndLabel)
		write(5, row, e.PageCount)
		write(6, row, entryName(e.Label))
		totalPages += e.PageCount
		row++
	}
	write(4, row, "Total pages")
	write(5, row, totalPages)

	if len(excluded) > 0 {
		row += 2
		write(1, row, "Excluded")
		row++
		for _, x := range excluded {
			write(1, row, x.Label)
			write(2, row, x.DocumentRef)
			write(3, row, x.Reason)
			row++
		}
	}

	// Widen a few columns
	_ = f.SetColWidth(indexSheet, "A", "A", 16) // exhibit
	_ = f.SetColWidth(indexSheet, "B", "B", 48) // document
	_ = f.SetColWidth(indexSheet, "C", "D", 16) // bates
	_ = f.SetColWidth(indexSheet, "E", "E", 8)  // pages
	_ = f.SetColWidth(indexSheet, "F", "F", 28) // file

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}
	return buf.Bytes(), nil
}
