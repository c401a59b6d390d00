package cli

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"reflect"
	"strings"
	"text/tabwriter"
)

// OutputFormat is the -o flag value.
type OutputFormat string

const (
	FormatTable OutputFormat = "table"
	FormatJSON  OutputFormat = "json"
	FormatCSV   OutputFormat = "csv"
)

// writeOutput renders rows, a slice of structs with `header` tags, in the
// given format. JSON renders doc instead when it is not nil.
func writeOutput(w io.Writer, format OutputFormat, rows any, doc any) error {
	switch format {
	case FormatJSON:
		if doc == nil {
			doc = rows
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(doc)
	case FormatTable:
		headers, records, err := tabulate(rows)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
		for _, rec := range append([][]string{headers}, records...) {
			if _, err := fmt.Fprintln(tw, strings.Join(rec, "\t")); err != nil {
				return err
			}
		}
		return tw.Flush()
	case FormatCSV:
		headers, records, err := tabulate(rows)
		if err != nil {
			return err
		}
		cw := csv.NewWriter(w)
		if err := cw.WriteAll(append([][]string{headers}, records...)); err != nil {
			return err
		}
		return cw.Error()
	default:
		return fmt.Errorf("unsupported format: %s", format)
	}
}

// tabulate extracts the `header` tagged fields of a slice of structs.
func tabulate(rows any) ([]string, [][]string, error) {
	v := reflect.ValueOf(rows)
	if v.Kind() != reflect.Slice {
		return nil, nil, fmt.Errorf("data must be a slice")
	}

	t := v.Type().Elem()
	var headers []string
	var fields []int
	for i := 0; i < t.NumField(); i++ {
		if h := t.Field(i).Tag.Get("header"); h != "" {
			headers = append(headers, h)
			fields = append(fields, i)
		}
	}

	records := make([][]string, 0, v.Len())
	for i := 0; i < v.Len(); i++ {
		row := v.Index(i)
		rec := make([]string, len(fields))
		for j, f := range fields {
			rec[j] = fmt.Sprintf("%v", row.Field(f).Interface())
		}
		records = append(records, rec)
	}
	return headers, records, nil
}
