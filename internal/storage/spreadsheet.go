package storage

import (
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"

	"github.com/maltedev/olx-scraper/internal/models"
)

const sheetName = "Listings"

// SpreadsheetColumns is the header row of exported workbooks.
var SpreadsheetColumns = []string{"url", "link", "name", "price", "seller_name", "seller_phone", "price_value"}

// WriteSpreadsheet writes one row per listing, grouped by result.
func WriteSpreadsheet(w io.Writer, results []models.ScrapeResult) error {
	f, err := buildWorkbook(results)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}
	return nil
}

func WriteSpreadsheetFile(path string, results []models.ScrapeResult) error {
	f, err := buildWorkbook(results)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("failed to save workbook %s: %w", path, err)
	}
	return nil
}

func buildWorkbook(results []models.ScrapeResult) (*excelize.File, error) {
	f := excelize.NewFile()
	if err := f.SetSheetName("Sheet1", sheetName); err != nil {
		f.Close()
		return nil, err
	}

	sw, err := f.NewStreamWriter(sheetName)
	if err != nil {
		f.Close()
		return nil, err
	}

	header := make([]any, len(SpreadsheetColumns))
	for i, c := range SpreadsheetColumns {
		header[i] = c
	}
	if err := sw.SetRow("A1", header, excelize.RowOpts{Height: 18}); err != nil {
		f.Close()
		return nil, err
	}

	n := 2
	for _, res := range results {
		for _, d := range res.Data {
			row := d.Row()
			values := []any{res.SourceURL}
			for _, c := range models.RowColumns {
				values = append(values, row[c])
			}
			if v, ok := models.ParsePrice(d.Price); ok {
				values = append(values, v)
			} else {
				values = append(values, nil)
			}

			cell, _ := excelize.CoordinatesToCellName(1, n)
			if err := sw.SetRow(cell, values); err != nil {
				f.Close()
				return nil, err
			}
			n++
		}
	}

	if err := sw.Flush(); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}
