package exporter

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strings"

	"github.com/guregu/null/v6"
	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"econdata/internal/model"
)

type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
	FormatJSON Format = "json"
)

const (
	dataSheet     = "data"
	metadataSheet = "metadata"
)

var ErrUnknownFormat = errors.New("exporter: unknown format")

type Options struct {
	// Precision rounds values to that many decimal places. Negative keeps
	// the shortest exact representation.
	Precision int32
	// Metadata, when present, is written alongside the data by the XLSX and
	// JSON writers.
	Metadata map[string]model.SeriesMetadata
}

func ParseFormat(value string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(value))) {
	case FormatCSV:
		return FormatCSV, nil
	case FormatXLSX, "excel":
		return FormatXLSX, nil
	case FormatJSON:
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownFormat, value)
	}
}

// FormatFromPath picks a format from a file extension.
func FormatFromPath(path string) (Format, error) {
	idx := strings.LastIndex(path, ".")
	if idx < 0 {
		return "", fmt.Errorf("%w: %q has no extension", ErrUnknownFormat, path)
	}
	return ParseFormat(path[idx+1:])
}

func Write(w io.Writer, format Format, table *model.Table, opts Options) error {
	if table == nil {
		table = &model.Table{}
	}
	switch format {
	case FormatCSV:
		return WriteCSV(w, table, opts)
	case FormatXLSX:
		return WriteXLSX(w, table, opts)
	case FormatJSON:
		return WriteJSON(w, table, opts)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
}

// WriteCSV writes a date column followed by one column per series. Missing
// values are empty cells.
func WriteCSV(w io.Writer, table *model.Table, opts Options) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(append([]string{"date"}, table.Columns...)); err != nil {
		return err
	}
	record := make([]string, len(table.Columns)+1)
	for _, row := range table.Rows {
		record[0] = row.Date.String()
		for i, value := range row.Values {
			record[i+1] = formatValue(value, opts.Precision)
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

func WriteXLSX(w io.Writer, table *model.Table, opts Options) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName(f.GetSheetName(0), dataSheet); err != nil {
		return err
	}

	header := make([]any, 0, len(table.Columns)+1)
	header = append(header, "date")
	for _, column := range table.Columns {
		header = append(header, column)
	}
	if err := f.SetSheetRow(dataSheet, "A1", &header); err != nil {
		return err
	}

	for r, row := range table.Rows {
		cells := make([]any, len(row.Values)+1)
		cells[0] = row.Date.String()
		for i, value := range row.Values {
			if finite(value) {
				cells[i+1] = rounded(value.Float64, opts.Precision).InexactFloat64()
			}
		}
		cell, err := excelize.CoordinatesToCellName(1, r+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(dataSheet, cell, &cells); err != nil {
			return err
		}
	}
	if err := f.SetPanes(dataSheet, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"}); err != nil {
		return err
	}

	if len(opts.Metadata) > 0 {
		if _, err := f.NewSheet(metadataSheet); err != nil {
			return err
		}
		rows := [][]any{{"series_id", "title", "frequency", "unit"}}
		for _, id := range metadataOrder(table, opts.Metadata) {
			meta := opts.Metadata[id]
			rows = append(rows, []any{id, meta.Title, frequencyLabel(meta), meta.Unit})
		}
		for i := range rows {
			cell, err := excelize.CoordinatesToCellName(1, i+1)
			if err != nil {
				return err
			}
			if err := f.SetSheetRow(metadataSheet, cell, &rows[i]); err != nil {
				return err
			}
		}
	}

	_, err := f.WriteTo(w)
	return err
}

type jsonDocument struct {
	Columns  []string       `json:"columns"`
	Rows     []jsonRow      `json:"rows"`
	Metadata []jsonMetadata `json:"metadata,omitempty"`
}

type jsonRow struct {
	Date   string         `json:"date"`
	Values []*json.Number `json:"values"`
}

type jsonMetadata struct {
	ID        string            `json:"id"`
	Title     string            `json:"title,omitempty"`
	Frequency string            `json:"frequency,omitempty"`
	Unit      string            `json:"unit,omitempty"`
	Extra     map[string]string `json:"extra,omitempty"`
}

// WriteJSON writes the table column-ordered. Values are JSON numbers, or
// null when missing.
func WriteJSON(w io.Writer, table *model.Table, opts Options) error {
	doc := jsonDocument{Columns: table.Columns, Rows: make([]jsonRow, 0, len(table.Rows))}
	if doc.Columns == nil {
		doc.Columns = []string{}
	}
	for _, row := range table.Rows {
		values := make([]*json.Number, len(row.Values))
		for i, value := range row.Values {
			if finite(value) {
				n := json.Number(formatValue(value, opts.Precision))
				values[i] = &n
			}
		}
		doc.Rows = append(doc.Rows, jsonRow{Date: row.Date.String(), Values: values})
	}
	for _, id := range metadataOrder(table, opts.Metadata) {
		meta := opts.Metadata[id]
		doc.Metadata = append(doc.Metadata, jsonMetadata{
			ID:        id,
			Title:     meta.Title,
			Frequency: frequencyLabel(meta),
			Unit:      meta.Unit,
			Extra:     meta.Extra,
		})
	}

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(doc)
}

// finite reports whether value can be rendered; NaN and infinities are
// written as missing.
func finite(value null.Float) bool {
	return value.Valid && !math.IsNaN(value.Float64) && !math.IsInf(value.Float64, 0)
}

func formatValue(value null.Float, precision int32) string {
	if !finite(value) {
		return ""
	}
	return rounded(value.Float64, precision).String()
}

func rounded(value float64, precision int32) decimal.Decimal {
	d := decimal.NewFromFloat(value)
	if precision >= 0 {
		d = d.Round(precision)
	}
	return d
}

func frequencyLabel(meta model.SeriesMetadata) string {
	if meta.FrequencyLabel != "" {
		return meta.FrequencyLabel
	}
	if meta.Frequency == model.FrequencyUnknown {
		return ""
	}
	return meta.Frequency.String()
}

// metadataOrder lists table columns first, then any other described series
// sorted by id.
func metadataOrder(table *model.Table, metadata map[string]model.SeriesMetadata) []string {
	if len(metadata) == 0 {
		return nil
	}
	ids := make([]string, 0, len(metadata))
	seen := make(map[string]bool, len(metadata))
	for _, column := range table.Columns {
		if _, ok := metadata[column]; ok && !seen[column] {
			ids = append(ids, column)
			seen[column] = true
		}
	}
	var rest []string
	for id := range metadata {
		if !seen[id] {
			rest = append(rest, id)
		}
	}
	sort.Strings(rest)
	return append(ids, rest...)
}
