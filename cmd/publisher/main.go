package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cloud.google.com/go/civil"

	"econdata/internal/config"
	"econdata/internal/exporter"
	"econdata/internal/infrastructure"
	"econdata/internal/model"
	"econdata/internal/providers"
	"econdata/internal/store"
	"econdata/internal/store/sqlite"
)

type metaFile struct {
	GeneratedAt string       `json:"generated_at"`
	Provider    string       `json:"provider"`
	Series      []seriesInfo `json:"series"`
}

type seriesInfo struct {
	ID           string `json:"id"`
	Title        string `json:"title,omitempty"`
	Observations int    `json:"observations"`
	First        string `json:"first"`
	Last         string `json:"last"`
}

type latestFile struct {
	GeneratedAt string        `json:"generated_at"`
	Rows        []latestEntry `json:"rows"`
}

type latestEntry struct {
	SeriesID string  `json:"series_id"`
	Title    string  `json:"title,omitempty"`
	Unit     string  `json:"unit,omitempty"`
	Date     string  `json:"date"`
	Value    float64 `json:"value"`
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "build":
		if err := build(context.Background(), os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, "publisher build failed:", err)
			os.Exit(1)
		}
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: publisher build [options]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "options:")
	fmt.Fprintln(os.Stderr, "  -config     config file (default: econdata.yaml)")
	fmt.Fprintln(os.Stderr, "  -out        output directory (default: site/data)")
	fmt.Fprintln(os.Stderr, "  -db         sqlite archive path (default: from config)")
	fmt.Fprintln(os.Stderr, "  -provider   provider id")
	fmt.Fprintln(os.Stderr, "  -series     comma-separated series ids (default: all archived)")
	fmt.Fprintln(os.Stderr, "  -start/-end inclusive range, YYYY-MM-DD")
	fmt.Fprintln(os.Stderr, "  -format     csv, xlsx or json (default: csv)")
	fmt.Fprintln(os.Stderr, "  -precision  decimal places, -1 keeps full precision (default: -1)")
}

func build(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("build", flag.ContinueOnError)
	configPath := fs.String("config", "econdata.yaml", "config file")
	outDir := fs.String("out", "site/data", "output directory")
	dbPath := fs.String("db", "", "sqlite archive path (default from config)")
	provider := fs.String("provider", "", "provider id")
	seriesCSV := fs.String("series", "", "comma-separated series ids")
	startFlag := fs.String("start", "", "start date YYYY-MM-DD")
	endFlag := fs.String("end", "", "end date YYYY-MM-DD")
	formatFlag := fs.String("format", "csv", "csv, xlsx or json")
	precision := fs.Int("precision", -1, "decimal places (-1 = full precision)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	logger := infrastructure.NewLogger(cfg.Logging, os.Stderr)

	providerID := strings.ToLower(strings.TrimSpace(*provider))
	if providerID == "" {
		return errors.New("provider is required")
	}
	format, err := exporter.ParseFormat(*formatFlag)
	if err != nil {
		return err
	}
	start, err := providers.ParseDate("start", *startFlag)
	if err != nil {
		return err
	}
	end, err := providers.ParseDate("end", *endFlag)
	if err != nil {
		return err
	}

	path := *dbPath
	if strings.TrimSpace(path) == "" {
		path = cfg.Store.Path
	}
	st, err := sqlite.New(path)
	if err != nil {
		return err
	}
	defer st.Close()

	table, err := st.LoadTable(ctx, providerID, parseList(*seriesCSV), start, end)
	if err != nil {
		return fmt.Errorf("failed to load observations: %w", err)
	}
	metadata, err := loadMetadata(ctx, st, providerID, table.Columns)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(*outDir, 0o755); err != nil {
		return fmt.Errorf("failed to create output dir: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	dataPath := filepath.Join(*outDir, providerID+"."+string(format))
	if err := writeFile(dataPath, func(file *os.File) error {
		return exporter.Write(file, format, table, exporter.Options{Precision: int32(*precision), Metadata: metadata})
	}); err != nil {
		return fmt.Errorf("failed to write %s: %w", dataPath, err)
	}

	keys, err := st.ListSeries(ctx, providerID)
	if err != nil {
		return err
	}
	if err := writeJSON(filepath.Join(*outDir, "meta.json"), buildMeta(now, providerID, keys, table.Columns)); err != nil {
		return fmt.Errorf("failed to write meta.json: %w", err)
	}
	if err := writeJSON(filepath.Join(*outDir, "latest.json"), latestFile{GeneratedAt: now, Rows: buildLatest(table, metadata)}); err != nil {
		return fmt.Errorf("failed to write latest.json: %w", err)
	}

	logger.Info("publisher build complete", "out", *outDir, "series", len(table.Columns), "rows", table.Len())
	return nil
}

func loadMetadata(ctx context.Context, st store.Store, provider string, ids []string) (map[string]model.SeriesMetadata, error) {
	metadata := make(map[string]model.SeriesMetadata, len(ids))
	for _, id := range ids {
		meta, ok, err := st.LoadMetadata(ctx, provider, id)
		if err != nil {
			return nil, err
		}
		if ok {
			metadata[id] = meta
		}
	}
	return metadata, nil
}

func buildMeta(generatedAt, provider string, keys []store.SeriesKey, columns []string) metaFile {
	wanted := make(map[string]bool, len(columns))
	for _, column := range columns {
		wanted[column] = true
	}
	meta := metaFile{GeneratedAt: generatedAt, Provider: provider, Series: make([]seriesInfo, 0, len(columns))}
	for _, key := range keys {
		if !wanted[key.SeriesID] {
			continue
		}
		meta.Series = append(meta.Series, seriesInfo{
			ID:           key.SeriesID,
			Title:        key.Title,
			Observations: key.Observations,
			First:        key.First.String(),
			Last:         key.Last.String(),
		})
	}
	return meta
}

// buildLatest picks the most recent non-null value of every column.
func buildLatest(table *model.Table, metadata map[string]model.SeriesMetadata) []latestEntry {
	entries := make([]latestEntry, 0, len(table.Columns))
	for _, column := range table.Columns {
		var (
			date  civil.Date
			value float64
			found bool
		)
		values := table.Column(column)
		for r := len(values) - 1; r >= 0; r-- {
			if cell := values[r]; cell.Valid {
				date, value, found = table.Rows[r].Date, cell.Float64, true
				break
			}
		}
		if !found {
			continue
		}
		meta := metadata[column]
		entries = append(entries, latestEntry{
			SeriesID: column,
			Title:    meta.Title,
			Unit:     meta.Unit,
			Date:     date.String(),
			Value:    value,
		})
	}
	return entries
}

func writeFile(path string, write func(*os.File) error) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := write(file); err != nil {
		_ = file.Close()
		return err
	}
	return file.Close()
}

func writeJSON(path string, value any) error {
	return writeFile(path, func(file *os.File) error {
		encoder := json.NewEncoder(file)
		encoder.SetIndent("", "  ")
		return encoder.Encode(value)
	})
}

func parseList(value string) []string {
	raw := strings.Split(value, ",")
	items := make([]string, 0, len(raw))
	for _, item := range raw {
		trimmed := strings.TrimSpace(item)
		if trimmed == "" {
			continue
		}
		items = append(items, trimmed)
	}
	return items
}
