package expense

import (
	"fmt"
	"io"

	"github.com/gocarina/gocsv"
	"github.com/xuri/excelize/v2"

	"github.com/FACorreiaa/statement-importer/internal/domain/import/repository"
)

// Row is the flattened export shape of an expense.
type Row struct {
	Date          string `csv:"date"`
	Vendor        string `csv:"vendor"`
	Amount        string `csv:"amount"`
	Currency      string `csv:"currency"`
	Category      string `csv:"category"`
	Source        string `csv:"source"`
	Status        string `csv:"status"`
	TransactionID string `csv:"transaction_id"`
}

var exportHeaders = []any{"date", "vendor", "amount", "currency", "category", "source", "status", "transaction_id"}

// Flatten converts expenses to export rows, keeping their order.
func Flatten(expenses []*repository.CanonicalExpense) []*Row {
	rows := make([]*Row, 0, len(expenses))
	for _, e := range expenses {
		rows = append(rows, &Row{
			Date:          e.Date,
			Vendor:        e.Vendor,
			Amount:        e.Amount.StringFixed(2),
			Currency:      e.Currency,
			Category:      deref(e.Category),
			Source:        e.Source,
			Status:        string(e.Status),
			TransactionID: deref(e.SourceTransactionID),
		})
	}
	return rows
}

// WriteCSV writes expenses as CSV with a header row
func WriteCSV(w io.Writer, expenses []*repository.CanonicalExpense) error {
	rows := Flatten(expenses)
	if err := gocsv.Marshal(&rows, w); err != nil {
		return fmt.Errorf("failed to write csv: %w", err)
	}
	return nil
}

const exportSheet = "Expenses"

// WriteXLSX writes expenses as a single-sheet workbook. Amounts are stored
// as numbers with two decimals.
func WriteXLSX(w io.Writer, expenses []*repository.CanonicalExpense) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", exportSheet); err != nil {
		return fmt.Errorf("failed to name sheet: %w", err)
	}
	if err := f.SetSheetRow(exportSheet, "A1", &exportHeaders); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	for i, e := range expenses {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		row := []any{
			e.Date,
			e.Vendor,
			e.Amount.Round(2).InexactFloat64(),
			e.Currency,
			deref(e.Category),
			e.Source,
			string(e.Status),
			deref(e.SourceTransactionID),
		}
		if err := f.SetSheetRow(exportSheet, cell, &row); err != nil {
			return fmt.Errorf("failed to write row %d: %w", i+1, err)
		}
	}

	if len(expenses) > 0 {
		style, err := f.NewStyle(&excelize.Style{NumFmt: 4})
		if err != nil {
			return fmt.Errorf("failed to create amount style: %w", err)
		}
		last, _ := excelize.CoordinatesToCellName(3, len(expenses)+1)
		if err := f.SetCellStyle(exportSheet, "C2", last, style); err != nil {
			return fmt.Errorf("failed to style amounts: %w", err)
		}
	}
	if err := f.SetColWidth(exportSheet, "A", "H", 18); err != nil {
		return fmt.Errorf("failed to size columns: %w", err)
	}

	if err := f.Write(w); err != nil {
		return fmt.Errorf("failed to write xlsx: %w", err)
	}
	return nil
}
