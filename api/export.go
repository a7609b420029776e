package api

import (
	"bytes"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"github.com/warp/lease-engine/generic"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

const (
	summarySheet  = "Summary"
	scheduleSheet = "Schedule"
)

var scheduleHeaders = []string{"Component", "Period", "Open carrying", "Amortization", "Interest", "Close carrying"}

// ScheduleXLSX renders the stored schedules of a lease as a workbook with a
// summary sheet (one line per component) and a schedule sheet (one line per
// component and period). Amounts are written as numbers for display; the
// stored decimals remain the source of truth.
func ScheduleXLSX(l generic.Lease, components []generic.Component, schedules map[generic.ComponentID][]generic.ScheduleRow) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return nil, err
	}
	if _, err := f.NewSheet(scheduleSheet); err != nil {
		return nil, err
	}

	_ = f.SetCellValue(summarySheet, "A1", "Lease")
	_ = f.SetCellValue(summarySheet, "B1", l.Code)
	_ = f.SetCellValue(summarySheet, "A2", "Term")
	_ = f.SetCellValue(summarySheet, "B2", fmt.Sprintf("%s to %s", l.Commence, l.End))
	_ = f.SetCellValue(summarySheet, "A3", "Currency")
	_ = f.SetCellValue(summarySheet, "B3", string(l.Currency))

	for i, h := range []string{"Component", "CGU", "Method", "% of ROU", "Opening", "Total amortization", "Closing"} {
		cell, _ := excelize.CoordinatesToCellName(i+1, 5)
		_ = f.SetCellValue(summarySheet, cell, h)
	}
	for i, h := range scheduleHeaders {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(scheduleSheet, cell, h)
	}

	summaryRow, scheduleRow := 6, 2
	for _, c := range components {
		rows := schedules[c.ID]
		total := decimal.Zero
		for _, r := range rows {
			total = total.Add(r.Amortization)
			_ = f.SetCellValue(scheduleSheet, fmt.Sprintf("A%d", scheduleRow), c.Code)
			_ = f.SetCellValue(scheduleSheet, fmt.Sprintf("B%d", scheduleRow), r.Period.String())
			_ = f.SetCellValue(scheduleSheet, fmt.Sprintf("C%d", scheduleRow), r.OpenCarry.InexactFloat64())
			_ = f.SetCellValue(scheduleSheet, fmt.Sprintf("D%d", scheduleRow), r.Amortization.InexactFloat64())
			_ = f.SetCellValue(scheduleSheet, fmt.Sprintf("E%d", scheduleRow), r.Interest.InexactFloat64())
			_ = f.SetCellValue(scheduleSheet, fmt.Sprintf("F%d", scheduleRow), r.CloseCarry.InexactFloat64())
			scheduleRow++
		}

		opening, closing := decimal.Zero, decimal.Zero
		if len(rows) > 0 {
			opening, closing = rows[0].OpenCarry, rows[len(rows)-1].CloseCarry
		}
		_ = f.SetCellValue(summarySheet, fmt.Sprintf("A%d", summaryRow), c.Code)
		_ = f.SetCellValue(summarySheet, fmt.Sprintf("B%d", summaryRow), c.CGUCode)
		_ = f.SetCellValue(summarySheet, fmt.Sprintf("C%d", summaryRow), string(c.Method))
		_ = f.SetCellValue(summarySheet, fmt.Sprintf("D%d", summaryRow), c.PctOfROU.InexactFloat64())
		_ = f.SetCellValue(summarySheet, fmt.Sprintf("E%d", summaryRow), opening.InexactFloat64())
		_ = f.SetCellValue(summarySheet, fmt.Sprintf("F%d", summaryRow), total.InexactFloat64())
		_ = f.SetCellValue(summarySheet, fmt.Sprintf("G%d", summaryRow), closing.InexactFloat64())
		summaryRow++
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
