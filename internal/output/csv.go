/*
PURPOSE:
  Writes per-model aggregates to a CSV file.

REQUIREMENTS:
  User-specified:
  - Output to CSV, one row per model.

  Implementation-discovered:
  - Aborted models have fewer keys than measured ones; the header is the
    sorted union of all keys and missing cells are empty.

ARCHITECTURE INTEGRATION:
  - Called by: internal/engine
  - Consumes: internal/model.Aggregate

ERROR HANDLING:
  - Returns error on file creation or write failure.

IMPLEMENTATION RULES:
  - Use encoding/csv.
  - Overwrites the target file.

USAGE:
  err := output.WriteCSV("results.csv", aggs)

RELATED FILES:
  - internal/model/types.go
*/

package output

import (
	"encoding/csv"
	"fmt"
	"os"
	"sort"
	"strconv"

	"github.com/daryltucker/ollama-bench/internal/model"
)

// WriteCSV writes one row per aggregate.
func WriteCSV(path string, aggs []model.Aggregate) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	rows := make([]map[string]any, len(aggs))
	keySet := map[string]struct{}{}
	for i, a := range aggs {
		rows[i] = a.Flatten()
		for k := range rows[i] {
			keySet[k] = struct{}{}
		}
	}
	header := make([]string, 0, len(keySet))
	for k := range keySet {
		header = append(header, k)
	}
	sort.Strings(header)

	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		return err
	}
	for _, row := range rows {
		record := make([]string, len(header))
		for i, k := range header {
			record[i] = formatCell(row[k])
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	return f.Close()
}

func formatCell(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case *float64:
		if x == nil {
			return ""
		}
		return strconv.FormatFloat(*x, 'f', -1, 64)
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case int:
		return strconv.Itoa(x)
	default:
		return fmt.Sprint(x)
	}
}
