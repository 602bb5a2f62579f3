package reports

import (
	"fmt"
	"time"

	"github.com/veridiahq/aegis_backend/models"
	"github.com/veridiahq/aegis_backend/tenant"
	"github.com/xuri/excelize/v2"
)

// BuildLedgerExcel renders an organization's compliance ledger as a spreadsheet,
// one row per sealed block in chain order. Runs inside the caller's tenant
// transaction so the guard scopes the rows.
func BuildLedgerExcel(tx *tenant.Tx, chainType models.ChainType) (*excelize.File, error) {
	var entries []models.LedgerEntry
	if err := tx.DB.
		Where("chain_type = ?", chainType).
		Order("id ASC").
		Find(&entries).Error; err != nil {
		return nil, err
	}

	f := excelize.NewFile()
	sheetName := "Sheet1"
	_, err := f.NewSheet(sheetName)
	if err != nil {
		return nil, err
	}

	// Add headers
	f.SetCellValue(sheetName, "A1", "BlockId")
	f.SetCellValue(sheetName, "B1", "ChainType")
	f.SetCellValue(sheetName, "C1", "Timestamp")
	f.SetCellValue(sheetName, "D1", "CurrentHash")
	f.SetCellValue(sheetName, "E1", "PreviousHash")
	f.SetCellValue(sheetName, "F1", "Signature")
	f.SetCellValue(sheetName, "G1", "Content")

	// Add data
	for i, e := range entries {
		row := fmt.Sprint(i + 2)
		sig := ""
		if e.Signature != nil {
			sig = *e.Signature
		}
		f.SetCellValue(sheetName, "A"+row, e.ID)
		f.SetCellValue(sheetName, "B"+row, string(e.ChainType))
		f.SetCellValue(sheetName, "C"+row, e.Timestamp.Format(time.RFC3339Nano))
		f.SetCellValue(sheetName, "D"+row, e.CurrentHash)
		f.SetCellValue(sheetName, "E"+row, e.PreviousHash)
		f.SetCellValue(sheetName, "F"+row, sig)
		f.SetCellValue(sheetName, "G"+row, string(e.Content))
	}

	return f, nil
}
