/*
PURPOSE:
  Prints the end-of-run summary table and the fastest model.

REQUIREMENTS:
  User-specified:
  - One row per model, sorted by mean generation throughput, fastest first.
  - Missing values render as "-".

  Implementation-discovered:
  - Column widths are measured independently of the terminal locale.

ARCHITECTURE INTEGRATION:
  - Called by: internal/engine/runner.go (Run)
  - Consumes: internal/model.Aggregate

ERROR HANDLING:
  - None; write errors on the output stream are ignored.

USAGE:
  output.RenderReport(os.Stdout, aggs)

RELATED FILES:
  - internal/output/csv.go
*/

package output

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/mattn/go-runewidth"

	"github.com/daryltucker/ollama-bench/internal/model"
)

const modelColumnWidth = 28

// tableWidth measures cells independently of the locale, so "Δ" is always one
// column wide.
var tableWidth = func() *runewidth.Condition {
	c := runewidth.NewCondition()
	c.EastAsianWidth = false
	return c
}()

// column is one numeric summary column: the metric mean it shows, its width
// and its precision.
type column struct {
	title     string
	metric    string
	width     int
	precision int
}

var summaryColumns = []column{
	{"gen tok/s", "gen_tok_s", 10, 2},
	{"RSS ΔMB", "rss_mb_delta", 8, 1},
	{"RSS pk", "rss_mb_peak", 8, 1},
	{"VmHWM", "vmhwm_mb", 7, 1},
	{"wall s", "wall_time_s", 7, 2},
	{"GR3D", "gr3d_peak", 6, 0},
	{"RAMpk", "ram_mb_peak", 6, 0},
}

// SortAggregates returns a copy ordered by mean generation throughput,
// fastest first. Models without a throughput sort last, in input order.
func SortAggregates(aggs []model.Aggregate) []model.Aggregate {
	sorted := make([]model.Aggregate, len(aggs))
	copy(sorted, aggs)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i].Mean("gen_tok_s"), sorted[j].Mean("gen_tok_s")
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return *a > *b
		}
	})
	return sorted
}

// Fastest returns the model with the highest mean generation throughput.
// ok is false when no model recorded one.
func Fastest(aggs []model.Aggregate) (model.Aggregate, bool) {
	for _, a := range SortAggregates(aggs) {
		if a.Mean("gen_tok_s") != nil {
			return a, true
		}
	}
	return model.Aggregate{}, false
}

// FormatOptional renders v with prec decimals, or "-" when unavailable.
func FormatOptional(v *float64, prec int) string {
	if v == nil {
		return "-"
	}
	return strconv.FormatFloat(*v, 'f', prec, 64)
}

func formatCellWidth(v *float64, width, prec int) string {
	return padLeft(FormatOptional(v, prec), width)
}

func padLeft(s string, width int) string {
	return tableWidth.FillLeft(s, width)
}

func padRight(s string, width int) string {
	return tableWidth.FillRight(s, width)
}

// RenderReport prints the summary table and the fastest model.
func RenderReport(w io.Writer, aggs []model.Aggregate) {
	sorted := SortAggregates(aggs)

	cells := []string{padRight("Model", modelColumnWidth)}
	for _, c := range summaryColumns {
		cells = append(cells, padRight(c.title, c.width))
	}
	cells = append(cells, padRight("ok", 3))
	header := strings.Join(cells, "  ")

	fmt.Fprintln(w, "\n=== SUMMARY ===")
	fmt.Fprintln(w, header)
	fmt.Fprintln(w, strings.Repeat("-", tableWidth.StringWidth(header)))

	for _, a := range sorted {
		name := tableWidth.Truncate(a.Model, modelColumnWidth, "")
		row := []string{padRight(name, modelColumnWidth)}
		for _, c := range summaryColumns {
			row = append(row, formatCellWidth(a.Mean(c.metric), c.width, c.precision))
		}
		ok := "no"
		if a.OK {
			ok = "yes"
		}
		row = append(row, padLeft(ok, 3))
		fmt.Fprintln(w, strings.Join(row, "  "))
	}

	if fastest, found := Fastest(sorted); found {
		fmt.Fprintf(w, "\nFastest: %s  %.2f tok/s\n", fastest.Model, *fastest.Mean("gen_tok_s"))
	}
}
