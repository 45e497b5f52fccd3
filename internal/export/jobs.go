package export

import (
	"fmt"
	"io"
	"time"

	"pricesync/internal/models"

	"github.com/xuri/excelize/v2"
)

const sheetName = "Jobs"

var jobHeaders = []string{
	"ID", "Entity", "Family", "Event", "Origin", "Status", "Priority",
	"Retries", "Error kind", "Error", "Created", "Updated", "Finished",
}

// WriteJobs renders jobs as an XLSX workbook with one row per job.
func WriteJobs(w io.Writer, jobs []*models.SyncJob) error {
	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(sheetName)
	if err != nil {
		return fmt.Errorf("error creating sheet: %w", err)
	}
	f.SetActiveSheet(index)
	_ = f.DeleteSheet("Sheet1")

	for i, h := range jobHeaders {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheetName, cell, h)
	}
	headerStyle, _ := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#DDEBF7"}, Pattern: 1},
	})
	lastCol, _ := excelize.ColumnNumberToName(len(jobHeaders))
	_ = f.SetCellStyle(sheetName, "A1", lastCol+"1", headerStyle)

	for r, job := range jobs {
		row := []any{
			job.ID,
			job.EntityID,
			job.FamilyID,
			string(job.EventType),
			string(job.Origin),
			string(job.Status),
			job.Priority.String(),
			job.RetryCount,
			string(job.ErrorKind),
			deref(job.ErrorMessage),
			formatTime(&job.CreatedAt),
			formatTime(&job.UpdatedAt),
			formatTime(job.FinishedAt),
		}
		cell, _ := excelize.CoordinatesToCellName(1, r+2)
		if err := f.SetSheetRow(sheetName, cell, &row); err != nil {
			return fmt.Errorf("write row for job %d: %w", job.ID, err)
		}
	}

	_ = f.SetColWidth(sheetName, "A", "A", 8)
	_ = f.SetColWidth(sheetName, "B", "I", 16)
	_ = f.SetColWidth(sheetName, "J", "J", 48)
	_ = f.SetColWidth(sheetName, "K", "M", 22)
	_ = f.SetPanes(sheetName, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"})

	if err := f.Write(w); err != nil {
		return fmt.Errorf("error writing workbook: %w", err)
	}
	return nil
}

// FileName builds a timestamped export name.
func FileName(now time.Time) string {
	return fmt.Sprintf("sync_jobs_%s.xlsx", now.UTC().Format("20060102_150405"))
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
