package app

import (
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"
)

var errUnsupportedOutputFormat = errors.New("unsupported output format")

// writeOutput renders value as JSON or YAML, or rows as an aligned table.
func writeOutput(resources *applicationResources, value any, rows [][]string) error {
	format := strings.ToLower(strings.TrimSpace(resources.configurationManager.GetString(configKeyOutputFormat)))
	switch format {
	case "", outputFormatTable:
		tableWriter := tabwriter.NewWriter(resources.outputWriter, 0, 4, 2, ' ', 0)
		for _, row := range rows {
			fmt.Fprintln(tableWriter, strings.Join(row, "\t"))
		}
		return tableWriter.Flush()
	case outputFormatJSON:
		encoder := json.NewEncoder(resources.outputWriter)
		encoder.SetIndent("", "  ")
		return encoder.Encode(value)
	case outputFormatYAML:
		encoder := yaml.NewEncoder(resources.outputWriter)
		encoder.SetIndent(2)
		if err := encoder.Encode(value); err != nil {
			return err
		}
		return encoder.Close()
	default:
		return fmt.Errorf("%w %q (expected %s, %s or %s)", errUnsupportedOutputFormat, format, outputFormatTable, outputFormatJSON, outputFormatYAML)
	}
}

func certificateTable(records []certificateRecord, describe bool) [][]string {
	header := []string{"FILE", "STORE"}
	if describe {
		header = append(header, "SUMMARY", "DETAIL")
	}
	rows := [][]string{header}
	for _, record := range records {
		row := []string{record.FileName, record.Store}
		if describe {
			row = append(row, record.Summary, record.Detail)
		}
		rows = append(rows, row)
	}
	return rows
}
