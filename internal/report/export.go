// Package report renders the waitlist as a spreadsheet for the front desk.
package report

import (
	"bytes"
	"fmt"
	"sort"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/daminiR/medspa-waitlist/internal/waitlist"
)

const (
	EntriesSheet = "Waitlist"
	StatsSheet   = "Statistics"
)

var entryHeader = []string{
	"Patient",
	"Phone",
	"Email",
	"Service",
	"Duration (min)",
	"Priority",
	"Tier",
	"Status",
	"Waiting Since",
	"Available From",
	"Available Until",
	"Offers",
	"Declined",
	"Avg Response (min)",
	"Notes",
}

var entryWidths = []float64{22, 16, 26, 18, 14, 10, 10, 10, 18, 18, 18, 8, 10, 18, 40}

// WaitlistWorkbook writes entries, in the order given, and a statistics
// summary into an xlsx file. Times are shown in loc.
func WaitlistWorkbook(entries []waitlist.Entry, st *waitlist.Statistics, loc *time.Location) ([]byte, error) {
	if loc == nil {
		loc = time.UTC
	}

	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(EntriesSheet)
	if err != nil {
		return nil, fmt.Errorf("create sheet: %w", err)
	}
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return nil, fmt.Errorf("delete default sheet: %w", err)
	}
	f.SetActiveSheet(index)

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#E6F3FF"}, Pattern: 1},
		Border: []excelize.Border{
			{Type: "bottom", Color: "000000", Style: 1},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create header style: %w", err)
	}

	if err := writeRow(f, EntriesSheet, 1, toAny(entryHeader)); err != nil {
		return nil, err
	}
	last, _ := excelize.CoordinatesToCellName(len(entryHeader), 1)
	if err := f.SetCellStyle(EntriesSheet, "A1", last, headerStyle); err != nil {
		return nil, fmt.Errorf("set header style: %w", err)
	}
	for i, w := range entryWidths {
		col, _ := excelize.ColumnNumberToName(i + 1)
		if err := f.SetColWidth(EntriesSheet, col, col, w); err != nil {
			return nil, fmt.Errorf("set column width: %w", err)
		}
	}

	for i, e := range entries {
		row := []any{
			e.PatientName,
			e.PatientPhone,
			e.PatientEmail,
			e.RequestedService,
			e.ServiceDurationMinutes,
			string(e.Priority),
			string(e.Tier),
			string(e.Status),
			formatTime(e.WaitingSince, loc),
			formatTime(e.AvailabilityStart, loc),
			formatTime(e.AvailabilityEnd, loc),
			e.OfferCount,
			e.DeclinedOffers,
			e.AverageResponseTimeMinutes,
			e.Notes,
		}
		if err := writeRow(f, EntriesSheet, i+2, row); err != nil {
			return nil, err
		}
	}

	if err := f.SetPanes(EntriesSheet, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		return nil, fmt.Errorf("freeze header: %w", err)
	}

	if st != nil {
		if err := writeStats(f, st); err != nil {
			return nil, err
		}
	}

	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("write workbook: %w", err)
	}
	return buf.Bytes(), nil
}

func writeStats(f *excelize.File, st *waitlist.Statistics) error {
	if _, err := f.NewSheet(StatsSheet); err != nil {
		return fmt.Errorf("create sheet: %w", err)
	}
	if err := f.SetColWidth(StatsSheet, "A", "A", 32); err != nil {
		return fmt.Errorf("set column width: %w", err)
	}

	rows := [][]any{
		{"Metric", "Value"},
		{"Total entries", st.TotalEntries},
		{"Average wait (days)", st.AverageWaitDays},
		{"Average response (min)", st.AverageResponseTimeMinutes},
		{"Offers sent", st.OffersSent},
		{"Offers pending", st.OffersPending},
		{"Offers accepted", st.OffersAccepted},
		{"Offers declined", st.OffersDeclined},
		{"Offers expired", st.OffersExpired},
		{"Cascaded offers", st.CascadedOffers},
		{"Acceptance rate (%)", st.AcceptanceRate},
	}
	for _, s := range sortedKeys(st.ByStatus) {
		rows = append(rows, []any{"Status: " + s, st.ByStatus[waitlist.EntryStatus(s)]})
	}
	for _, t := range sortedKeys(st.ByTier) {
		rows = append(rows, []any{"Tier: " + t, st.ByTier[waitlist.Tier(t)]})
	}

	for i, r := range rows {
		if err := writeRow(f, StatsSheet, i+1, r); err != nil {
			return err
		}
	}
	return nil
}

func writeRow(f *excelize.File, sheet string, row int, values []any) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return err
	}
	if err := f.SetSheetRow(sheet, cell, &values); err != nil {
		return fmt.Errorf("write %s row %d: %w", sheet, row, err)
	}
	return nil
}

func formatTime(t time.Time, loc *time.Location) string {
	if t.IsZero() {
		return ""
	}
	return t.In(loc).Format("2006-01-02 15:04")
}

func toAny(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

func sortedKeys[K ~string, V any](m map[K]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)
	return keys
}
