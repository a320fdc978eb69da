package reportgen

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/parking_backend/models"
	"github.com/xuri/excelize/v2"
	"gorm.io/gorm"
)

// ExcelGenerator renders a shift summary workbook and (optionally) uploads it
// to Cloud Storage. With no bucket configured the workbook stays in-memory
// and only the summary figures go into the report payload.
type ExcelGenerator struct {
	DB *gorm.DB
}

func NewExcelGenerator(db *gorm.DB) *ExcelGenerator {
	return &ExcelGenerator{DB: db}
}

func (g *ExcelGenerator) Generate(ctx context.Context, shiftId int) Result {
	if g == nil || g.DB == nil {
		return Fatal(errors.New("report generator has no database"))
	}

	var session models.ShiftSession
	err := g.DB.WithContext(ctx).Where("id = ?", shiftId).First(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// The shift row is gone; retrying cannot help.
		return Fatal(fmt.Errorf("shift %d not found", shiftId))
	}
	if err != nil {
		return Retry(err)
	}

	var entries []*models.ParkingEntry
	err = g.DB.WithContext(ctx).
		Where("business_id = ? AND shift_session_id = ?", session.BusinessId, shiftId).
		Order("entry_time ASC").
		Find(&entries).Error
	if err != nil {
		return Retry(err)
	}

	f := excelize.NewFile()
	defer f.Close()

	sheet := "Shift Report"
	f.SetSheetName("Sheet1", sheet)

	f.SetCellValue(sheet, "A1", "Shift")
	f.SetCellValue(sheet, "B1", session.ID)
	f.SetCellValue(sheet, "A2", "Employee")
	f.SetCellValue(sheet, "B2", session.EmployeeName)
	f.SetCellValue(sheet, "A3", "Start")
	f.SetCellValue(sheet, "B3", session.StartTime.Format(time.RFC3339))
	f.SetCellValue(sheet, "A4", "End")
	if session.EndTime != nil {
		f.SetCellValue(sheet, "B4", session.EndTime.Format(time.RFC3339))
	}
	f.SetCellValue(sheet, "A5", "Vehicles Entered")
	f.SetCellValue(sheet, "B5", session.VehiclesEntered)
	f.SetCellValue(sheet, "A6", "Vehicles Exited")
	f.SetCellValue(sheet, "B6", session.VehiclesExited)
	f.SetCellValue(sheet, "A7", "Currently Parked")
	f.SetCellValue(sheet, "B7", session.CurrentlyParked)
	f.SetCellValue(sheet, "A8", "Total Revenue")
	f.SetCellValue(sheet, "B8", session.TotalRevenue.InexactFloat64())
	f.SetCellValue(sheet, "A9", "Cash Collected")
	f.SetCellValue(sheet, "B9", session.CashCollected.InexactFloat64())
	f.SetCellValue(sheet, "A10", "Digital Collected")
	f.SetCellValue(sheet, "B10", session.DigitalCollected.InexactFloat64())
	f.SetCellValue(sheet, "A11", "Average Duration (min)")
	f.SetCellValue(sheet, "B11", session.AverageDurationMinutes)

	ledger := "Entries"
	if _, err := f.NewSheet(ledger); err != nil {
		return Fatal(err)
	}
	headers := []string{"Serial", "Vehicle No", "Type", "Transport", "Driver", "Entry", "Exit", "Fee", "Payment", "Mode"}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		f.SetCellValue(ledger, cell, h)
	}
	for row, e := range entries {
		values := []any{
			e.ID,
			e.VehicleNumber,
			e.VehicleType,
			e.TransportName,
			e.DriverName,
			e.EntryTime.Format(time.RFC3339),
			"",
			e.ParkingFee.InexactFloat64(),
			e.PaymentStatus,
			string(e.PaymentType),
		}
		if e.ExitTime != nil {
			values[6] = e.ExitTime.Format(time.RFC3339)
		}
		for col, v := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, row+2)
			f.SetCellValue(ledger, cell, v)
		}
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return Fatal(err)
	}

	data := map[string]any{
		"shift_id":                 session.ID,
		"employee_name":            session.EmployeeName,
		"vehicles_entered":         session.VehiclesEntered,
		"vehicles_exited":          session.VehiclesExited,
		"currently_parked":         session.CurrentlyParked,
		"total_revenue":            session.TotalRevenue,
		"cash_collected":           session.CashCollected,
		"digital_collected":        session.DigitalCollected,
		"average_transaction":      session.AverageTransaction,
		"average_duration_minutes": session.AverageDurationMinutes,
		"entry_count":              len(entries),
		"generated_at":             time.Now().UTC(),
	}

	if bucket := strings.TrimSpace(os.Getenv("REPORT_GCS_BUCKET")); bucket != "" {
		objectName := fmt.Sprintf("shift-reports/%s/shift_%d_%s.xlsx",
			session.BusinessId, session.ID, time.Now().UTC().Format("20060102T150405"))
		url, err := uploadToGCS(ctx, bucket, objectName, buf.Bytes())
		if err != nil {
			// Storage hiccups are transient; the workbook can be rebuilt.
			return Retry(err)
		}
		data["report_url"] = url
	}

	return Ok(data)
}
