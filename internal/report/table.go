package report

import (
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"golang.org/x/term"

	"github.com/houriganUCSC/ACFModeler/internal/fit"
	"github.com/houriganUCSC/ACFModeler/internal/session"
	"github.com/houriganUCSC/ACFModeler/internal/store"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#C89A3A"))
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	badStyle    = lipgloss.NewStyle().Padding(0, 1).Foreground(lipgloss.Color("#FF4D4F"))
	borderStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#4A4A4A"))
)

// UseColor reports whether w is a terminal that accepts styling.
func UseColor(w io.Writer) bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}

func sci(v float64) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return "-"
	}
	return strconv.FormatFloat(v, 'e', 4, 64)
}

func fixed(v float64, prec int) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return "-"
	}
	return strconv.FormatFloat(v, 'f', prec, 64)
}

func relSE(p fit.Param) string {
	if !p.Valid() || math.IsNaN(p.SE) {
		return "-"
	}
	return fmt.Sprintf("%.2f%%", 100*p.RelSE())
}

func rate(v float64) string {
	if math.IsNaN(v) {
		return "-"
	}
	return humanize.SIWithDigits(v, 2, "cps")
}

func source(sel fit.Selection) string {
	s := sel.Authoritative().String()
	if _, ok := sel.Overridden(); ok {
		s += "*"
	}
	return s
}

func render(headers []string, rows [][]string, color bool, bad func(row, col int) bool) string {
	t := table.New().
		Headers(headers...).
		Rows(rows...).
		Border(lipgloss.NormalBorder())
	if color {
		t = t.BorderStyle(borderStyle).StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return headerStyle
			case bad != nil && bad(row, col):
				return badStyle
			}
			return cellStyle
		})
	} else {
		t = t.StyleFunc(func(int, int) lipgloss.Style { return cellStyle })
	}
	return t.Render()
}

// FitTable renders one row per isotope with its authoritative parameters
// and where they come from. An asterisk marks an override.
func FitTable(s *session.Session, color bool) string {
	headers := []string{"isotope", "mass", "n", "max P", "a1", "±", "a2", "±", "tau (s)", "±", "acf", "tau src", "R²"}
	rows := make([][]string, 0, len(s.Masses))
	for _, m := range s.Masses {
		sel := m.Fits.Selected()
		rows = append(rows, []string{
			m.Label,
			fixed(m.AveMass, 3),
			humanize.Comma(int64(m.NIn)),
			rate(m.MaxP),
			sci(sel.A1.Value), relSE(sel.A1),
			sci(sel.A2.Value), relSE(sel.A2),
			sci(sel.Tau.Value), relSE(sel.Tau),
			source(m.Fits.ACF),
			source(m.Fits.Tau),
			fixed(m.Fits.Self.RSquared, 4),
		})
	}
	return render(headers, rows, color, func(row, col int) bool {
		// rows with an unusable selection
		return row >= 0 && row < len(rows) && (rows[row][4] == "-" || rows[row][8] == "-")
	})
}

// SummaryTable renders the session wide values.
func SummaryTable(s *session.Session, color bool) string {
	rows := [][]string{
		{"samples", strconv.Itoa(len(s.Samples))},
		{"cycles", humanize.Comma(int64(s.Cycles()))},
		{"span", humanize.FormatFloat("#,###.#", s.Span()) + " s"},
		{"machine dead time", sci(s.DeadTime)},
		{"machine ACF", sci(s.MachineACF0)},
		{"machine ACF drift", fmt.Sprintf("%.3f%%", 100*s.MachineDrift)},
		{"stage", s.Stage().String()},
	}
	return render([]string{"session", ""}, rows, color, nil)
}

// InspectTable renders the isotope layout of a decoded scan file.
func InspectTable(d *session.Decoded, color bool) string {
	headers := []string{"#", "isotope", "channels", "dwell (ms)", "mass", "masses", "max pulse"}
	rows := make([][]string, 0, len(d.Scan.Isotopes))
	for i, b := range d.Scan.Isotopes {
		masses := ""
		for j, m := range b.ActMasses {
			if j > 0 {
				masses += " "
			}
			masses += strconv.FormatFloat(m, 'f', 4, 64)
		}
		maxP := math.NaN()
		for _, row := range b.Pulse {
			for _, p := range row {
				if !math.IsNaN(p) && (math.IsNaN(maxP) || p > maxP) {
					maxP = p
				}
			}
		}
		rows = append(rows, []string{
			strconv.Itoa(i),
			b.Label,
			strconv.Itoa(b.Channels),
			strconv.FormatFloat(b.Dwell*1000, 'f', 3, 64),
			strconv.FormatFloat(b.AveMass, 'f', 3, 64),
			masses,
			rate(maxP),
		})
	}
	return render(headers, rows, color, nil)
}

// HistoryTable renders committed fits of one isotope.
func HistoryTable(recs []store.Record, color bool) string {
	headers := []string{"committed", "run", "a1", "a2", "tau (s)", "±", "acf", "tau src"}
	rows := make([][]string, 0, len(recs))
	for _, r := range recs {
		rows = append(rows, []string{
			humanize.Time(r.Committed),
			r.RunID[:min(8, len(r.RunID))],
			sci(r.A1.Value),
			sci(r.A2.Value),
			sci(r.Tau.Value),
			relSE(r.Tau),
			r.ACFSource.String(),
			r.TauSource.String(),
		})
	}
	return render(headers, rows, color, nil)
}

// CycleTable renders cycles lo through hi of a decoded scan file with the
// mean pulse rate of every isotope.
func CycleTable(d *session.Decoded, lo, hi int, color bool) string {
	headers := []string{"cycle", "time (s)", "ACF", "FCF"}
	for _, b := range d.Scan.Isotopes {
		headers = append(headers, b.Label)
	}
	hi = min(hi, d.Scan.Cycles()-1)
	var rows [][]string
	for i := max(lo, 0); i <= hi; i++ {
		row := []string{
			strconv.Itoa(i),
			fixed(d.Scan.RelTime[i], 3),
			fixed(d.Scan.ACF[i], 1),
			fixed(d.Scan.FCF[i], 1),
		}
		for _, b := range d.Scan.Isotopes {
			var sum float64
			var n int
			for _, p := range b.Pulse[i] {
				if !math.IsNaN(p) {
					sum += p
					n++
				}
			}
			if n == 0 {
				row = append(row, "-")
				continue
			}
			row = append(row, rate(sum/float64(n)))
		}
		rows = append(rows, row)
	}
	return render(headers, rows, color, nil)
}

// RunsTable renders the committed runs.
func RunsTable(runs []store.Run, color bool) string {
	headers := []string{"committed", "run", "name", "started", "samples", "cycles", "dead time"}
	rows := make([][]string, 0, len(runs))
	for _, r := range runs {
		rows = append(rows, []string{
			humanize.Time(r.Committed),
			r.ID[:min(8, len(r.ID))],
			r.Name,
			r.Start.Local().Format(time.DateTime),
			strconv.Itoa(r.Samples),
			humanize.Comma(int64(r.Cycles)),
			sci(r.DeadTime),
		})
	}
	return render(headers, rows, color, nil)
}
