package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/janekbaraniewski/fleetusage/internal/pipeline"
)

var (
	colorText   = lipgloss.Color("#CDD6F4")
	colorDim    = lipgloss.Color("#585B70")
	colorBlue   = lipgloss.Color("#89B4FA")
	colorGreen  = lipgloss.Color("#A6E3A1")
	colorYellow = lipgloss.Color("#F9E2AF")
	colorRed    = lipgloss.Color("#F38BA8")

	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(colorBlue)
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(colorText).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Foreground(colorText).Padding(0, 1)
	dimStyle    = lipgloss.NewStyle().Foreground(colorDim)
	okStyle     = cellStyle.Foreground(colorGreen)
	warnStyle   = cellStyle.Foreground(colorYellow)
	errStyle    = cellStyle.Foreground(colorRed)
)

const colStatus = 1

func deviceStatus(available bool, skippedRecords, skippedFiles int) string {
	switch {
	case !available:
		return "unavailable"
	case skippedRecords > 0 || skippedFiles > 0:
		return "partial"
	default:
		return "ok"
	}
}

// renderSummary draws the per-device table and, for a completed run, the
// totals and written files.
func renderSummary(s pipeline.Summary, completed bool) string {
	rows := make([][]string, 0, len(s.Devices))
	for _, d := range s.Devices {
		rows = append(rows, []string{
			d.Device,
			deviceStatus(d.Available, d.SkippedRecords, d.SkippedFiles),
			strconv.Itoa(d.Files),
			strconv.Itoa(d.Events),
			strconv.Itoa(d.SkippedRecords),
			strconv.Itoa(d.SkippedFiles),
		})
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(dimStyle).
		Headers("DEVICE", "STATUS", "FILES", "EVENTS", "SKIPPED RECORDS", "SKIPPED FILES").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			if col == colStatus && row >= 0 && row < len(rows) {
				switch rows[row][colStatus] {
				case "ok":
					return okStyle
				case "partial":
					return warnStyle
				default:
					return errStyle
				}
			}
			return cellStyle
		})

	var b strings.Builder
	b.WriteString(titleStyle.Render("Devices"))
	b.WriteString("\n")
	b.WriteString(t.Render())
	if !completed {
		return b.String()
	}

	r := s.Rollups
	b.WriteString("\n")
	b.WriteString(titleStyle.Render("Totals"))
	b.WriteString("\n")
	lines := []string{
		fmt.Sprintf("events      %d canonical from %d parsed (%d duplicates, %d seen on several devices)",
			r.Events, s.Input, s.Duplicates, s.CrossDevice),
		fmt.Sprintf("tokens      %s", formatTokens(r.TotalTokens())),
		fmt.Sprintf("sessions    %d", r.Sessions),
		fmt.Sprintf("blocks      %d over %d day(s) in %d week(s)", len(r.Blocks), len(r.Daily), len(r.Weekly)),
		fmt.Sprintf("files       %d read", r.FilesProcessed),
		fmt.Sprintf("written     %s in %s", strings.Join(s.Files, ", "), s.OutDir),
	}
	for _, l := range lines {
		b.WriteString("  ")
		b.WriteString(l)
		b.WriteString("\n")
	}
	b.WriteString(dimStyle.Render(fmt.Sprintf("  finished in %s", s.Duration.Round(time.Millisecond))))
	return b.String()
}

// formatTokens groups digits in thousands: 1234567 -> 1,234,567.
func formatTokens(n int64) string {
	s := strconv.FormatInt(n, 10)
	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")
	var out []byte
	for i := range len(s) {
		if i > 0 && (len(s)-i)%3 == 0 {
			out = append(out, ',')
		}
		out = append(out, s[i])
	}
	if neg {
		return "-" + string(out)
	}
	return string(out)
}
