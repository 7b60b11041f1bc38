package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"
)

var (
	configPath string
	outputJSON bool
	verbose    bool

	stdout  io.Writer = os.Stdout
	timeNow           = time.Now
)

func SetConfigPath(path string) {
	configPath = path
}

func SetOutputJSON(json bool) {
	outputJSON = json
}

func SetVerbose(v bool) {
	verbose = v
}

// OutputTable outputs data in table format
func OutputTable(headers []string, rows [][]string) {
	if outputJSON {
		var jsonRows []map[string]string
		for _, row := range rows {
			jsonRow := make(map[string]string)
			for i, cell := range row {
				if i < len(headers) {
					jsonRow[headers[i]] = cell
				}
			}
			jsonRows = append(jsonRows, jsonRow)
		}
		OutputJSON(jsonRows)
		return
	}

	w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	writeRow(w, headers)
	sep := make([]string, len(headers))
	for i := range sep {
		sep[i] = "---"
	}
	writeRow(w, sep)
	for _, row := range rows {
		writeRow(w, row)
	}
	_ = w.Flush()
}

func writeRow(w io.Writer, cells []string) {
	for i, cell := range cells {
		if i > 0 {
			_, _ = fmt.Fprint(w, "\t")
		}
		_, _ = fmt.Fprint(w, cell)
	}
	_, _ = fmt.Fprintln(w)
}

// OutputJSON outputs data in JSON format
func OutputJSON(data any) {
	encoder := json.NewEncoder(stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(data); err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding JSON: %v\n", err)
	}
}

// Output prints v as JSON in --json mode and as key/value rows otherwise.
func Output(v any, rows [][]string) {
	if outputJSON {
		OutputJSON(v)
		return
	}
	OutputTable([]string{"FIELD", "VALUE"}, rows)
}

func usd(v float64) string {
	return fmt.Sprintf("$%.4f", v)
}
