// Package report renders a scheduler.Scheduler's state as styled command-line tables. It
// is ambient tooling: nothing in the scheduler package depends on it.
package report

import (
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/lms/scheduler"
	"github.com/muesli/termenv"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)

	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Faint(false).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Faint(true).
			PaddingLeft(1).PaddingRight(1)
)

func newPlainTable(withHeader bool) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if withHeader && row == 1 {
				s = headerRowStyle
				return
			}
			if row%2 == 0 {
				s = oddRowStyle
			} else {
				s = evenRowStyle
			}
			if col == 0 {
				s = s.Align(lipgloss.Right)
			} else {
				s = s.Align(lipgloss.Left)
			}
			return
		})
}

// Writer renders report tables to an underlying io.Writer, honoring its color profile via
// termenv.
type Writer struct {
	out  io.Writer
	term *termenv.Output
}

// New wraps w for styled output. Pass os.Stdout for command-line tools.
func New(w io.Writer) *Writer {
	return &Writer{out: w, term: termenv.NewOutput(w)}
}

// Default is a Writer over os.Stdout, for callers that don't need a custom destination.
var Default = New(os.Stdout)

// Summary prints a one-row-per-field table of the Scheduler's current bookkeeping:
// session ID, iteration count, trace size, and swap-out budget usage.
func (w *Writer) Summary(stats scheduler.Stats) {
	fmt.Fprintln(w.out, titleStyle.Render("lms scheduler summary"))

	table := newPlainTable(false)
	table.Row("session", stats.SessionID.String())
	table.Row("iteration", humanize.Comma(int64(stats.IterCount)))
	table.Row("mode", modeString(stats.FirstIter))
	table.Row("records", humanize.Comma(int64(stats.NumRecords)))
	table.Row("functions", humanize.Comma(int64(stats.NumFunctions)))
	table.Row("swap-in budget", humanize.Bytes(uint64(stats.MaxBytesSwapIn)))
	table.Row("swap-out budget", humanize.Bytes(uint64(stats.MaxBytesSwapOut)))
	table.Row("swap-out in flight", humanize.Bytes(uint64(stats.UsedBytesSwapOut)))
	fmt.Fprintln(w.out, table.Render())
}

func modeString(firstIter bool) string {
	if firstIter {
		return "record"
	}
	return "trace"
}

// Plan prints the one-shot planner's output: one row per function boundary, with the
// number of records scheduled to be prefetched, evicted, and waited on, and the bytes
// prefetched and evicted.
func (w *Writer) Plan(fns []scheduler.FunctionStats) {
	fmt.Fprintln(w.out, titleStyle.Render("lms scheduler plan"))
	if len(fns) == 0 {
		fmt.Fprintln(w.out, "(no plan yet; run a full first iteration first)")
		return
	}

	table := newPlainTable(true)
	table.Row("Function", "Prefetch", "Prefetch bytes", "Evict", "Evict bytes", "Wait")
	for _, fs := range fns {
		table.Row(
			humanize.Comma(int64(fs.FuncIdx)),
			humanize.Comma(int64(fs.NumSwapIn)),
			humanize.Bytes(uint64(fs.SwapInBytes)),
			humanize.Comma(int64(fs.NumSwapOut)),
			humanize.Bytes(uint64(fs.SwapOutBytes)),
			humanize.Comma(int64(fs.NumWait)),
		)
	}
	fmt.Fprintln(w.out, table.Render())
}
