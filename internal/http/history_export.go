package httpapi

import (
	"bytes"
	"fmt"
	"time"

	"antitheft-alarm/internal/models"

	"github.com/xuri/excelize/v2"
)

// HistoryExportHeader 导出表头
var HistoryExportHeader = []string{
	"Date",
	"Time",
	"Device ID",
	"Message",
	"Image Name",
	"Image URL",
	"Log ID",
}

var historyColumnWidths = []float64{12, 10, 20, 40, 36, 60, 24}

// GenerateHistoryExport 生成检测历史 Excel 文件（时间按 loc 时区显示）
func GenerateHistoryExport(entries []models.HistoryEntry, loc *time.Location) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	sheetName := "Detection History"
	index, err := f.NewSheet(sheetName)
	if err != nil {
		return nil, fmt.Errorf("failed to create sheet: %w", err)
	}
	// 删除默认的 Sheet1
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return nil, fmt.Errorf("failed to delete default sheet: %w", err)
	}
	f.SetActiveSheet(index)

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{
			Type:    "pattern",
			Color:   []string{"#E6F3FF"},
			Pattern: 1,
		},
		Alignment: &excelize.Alignment{Horizontal: "center", Vertical: "center"},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create header style: %w", err)
	}

	for col, header := range HistoryExportHeader {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			return nil, fmt.Errorf("failed to convert coordinates: %w", err)
		}
		if err := f.SetCellValue(sheetName, cell, header); err != nil {
			return nil, fmt.Errorf("failed to set header cell %s: %w", cell, err)
		}
		if err := f.SetCellStyle(sheetName, cell, cell, headerStyle); err != nil {
			return nil, fmt.Errorf("failed to set header style: %w", err)
		}

		name, err := excelize.ColumnNumberToName(col + 1)
		if err != nil {
			return nil, fmt.Errorf("failed to convert column number: %w", err)
		}
		if err := f.SetColWidth(sheetName, name, name, historyColumnWidths[col]); err != nil {
			return nil, fmt.Errorf("failed to set column width: %w", err)
		}
	}

	for i, e := range entries {
		row := i + 2 // 第1行是表头
		local := e.DetectedAt.In(loc)
		values := []any{
			local.Format(dateLayout),
			local.Format("15:04:05"),
			e.DeviceID,
			e.Message,
			e.ImageName,
			e.ImageURL,
			e.LogID,
		}
		cell, err := excelize.CoordinatesToCellName(1, row)
		if err != nil {
			return nil, fmt.Errorf("failed to convert coordinates: %w", err)
		}
		if err := f.SetSheetRow(sheetName, cell, &values); err != nil {
			return nil, fmt.Errorf("failed to write row %d: %w", row, err)
		}
	}

	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("failed to write excel file: %w", err)
	}
	return buf.Bytes(), nil
}
