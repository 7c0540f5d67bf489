package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"econdata/internal/config"
	"econdata/internal/exporter"
	"econdata/internal/infrastructure"
	"econdata/internal/providers"
	"econdata/internal/providers/banxico"
	"econdata/internal/providers/fred"
	"econdata/internal/providers/inegi"
	"econdata/internal/providers/worldbank"
	"econdata/internal/request"
	"econdata/internal/store"
	"econdata/internal/store/sqlite"
)

const defaultConfigPath = "econdata.yaml"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var err error
	switch os.Args[1] {
	case "fetch":
		err = runFetch(ctx, os.Args[2:], os.Stdout)
	case "metadata":
		err = runMetadata(ctx, os.Args[2:], os.Stdout)
	case "list":
		err = runList(ctx, os.Args[2:], os.Stdout)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "collector %s failed: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: collector <fetch|metadata|list> [options]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "fetch options:")
	fmt.Fprintln(os.Stderr, "  -config      config file (default: econdata.yaml)")
	fmt.Fprintln(os.Stderr, "  -provider    banxico, inegi, fred or worldbank")
	fmt.Fprintln(os.Stderr, "  -series      comma-separated series ids")
	fmt.Fprintln(os.Stderr, "  -last        fetch only the latest observation")
	fmt.Fprintln(os.Stderr, "  -start/-end  inclusive range, YYYY-MM-DD")
	fmt.Fprintln(os.Stderr, "  -opt k=v     provider option, repeatable")
	fmt.Fprintln(os.Stderr, "  -out         output file (default: stdout)")
	fmt.Fprintln(os.Stderr, "  -format      csv, xlsx or json (default: from -out, else csv)")
	fmt.Fprintln(os.Stderr, "  -precision   decimal places, -1 keeps full precision (default: -1)")
	fmt.Fprintln(os.Stderr, "  -db          sqlite archive path, empty disables (default: from config)")
	fmt.Fprintln(os.Stderr, "  -metrics-file  write request metrics in Prometheus text format")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "metadata options: -config -provider -series -db -out -format")
	fmt.Fprintln(os.Stderr, "list options: -config -db -provider")
}

// optionFlags collects repeated -opt key=value flags.
type optionFlags map[string]string

func (o optionFlags) String() string {
	keys := make([]string, 0, len(o))
	for key := range o {
		keys = append(keys, key+"="+o[key])
	}
	sort.Strings(keys)
	return strings.Join(keys, ",")
}

func (o optionFlags) Set(value string) error {
	key, val, ok := strings.Cut(value, "=")
	key = strings.TrimSpace(key)
	if !ok || key == "" {
		return fmt.Errorf("option %q must look like key=value", value)
	}
	o[key] = strings.TrimSpace(val)
	return nil
}

type commonFlags struct {
	configPath string
	provider   string
	series     string
	dbPath     string
	out        string
	format     string
}

func (c *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.configPath, "config", defaultConfigPath, "config file")
	fs.StringVar(&c.provider, "provider", "", "provider id")
	fs.StringVar(&c.series, "series", "", "comma-separated series ids")
	fs.StringVar(&c.dbPath, "db", "-", "sqlite archive path (empty disables, - uses config)")
	fs.StringVar(&c.out, "out", "", "output file (default stdout)")
	fs.StringVar(&c.format, "format", "", "csv, xlsx or json")
}

func runFetch(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("fetch", flag.ContinueOnError)
	var common commonFlags
	common.register(fs)
	last := fs.Bool("last", false, "fetch only the latest observation")
	start := fs.String("start", "", "start date YYYY-MM-DD")
	end := fs.String("end", "", "end date YYYY-MM-DD")
	precision := fs.Int("precision", -1, "decimal places (-1 = full precision)")
	metricsFile := fs.String("metrics-file", "", "Prometheus text file for request metrics")
	options := optionFlags{}
	fs.Var(options, "opt", "provider option key=value (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, logger, err := setup(common.configPath)
	if err != nil {
		return err
	}

	runID := uuid.NewString()
	ctx = infrastructure.WithRunID(ctx, runID)

	registry := prometheus.NewRegistry()
	metrics, err := request.NewMetrics(registry)
	if err != nil {
		return err
	}

	provider, err := buildProvider(cfg, common.provider, logger, request.WithMetrics(metrics))
	if err != nil {
		return err
	}

	query := providers.Query{
		SeriesIDs: parseList(common.series),
		LastOnly:  *last,
		Options:   options,
	}
	if query.Start, err = providers.ParseDate("start", *start); err != nil {
		return err
	}
	if query.End, err = providers.ParseDate("end", *end); err != nil {
		return err
	}

	table, err := provider.GetSeriesData(ctx, query)
	if *metricsFile != "" {
		if writeErr := prometheus.WriteToTextfile(*metricsFile, registry); writeErr != nil {
			logger.WarnContext(ctx, "failed to write metrics file", "path", *metricsFile, "error", writeErr)
		}
	}
	if err != nil {
		return err
	}
	logger.InfoContext(ctx, "fetched series",
		"provider", provider.Name(),
		"series", len(table.Columns),
		"rows", table.Len(),
	)

	st, err := openStore(resolveDBPath(common.dbPath, cfg))
	if err != nil {
		return err
	}
	defer st.Close()
	written, err := st.UpsertTable(ctx, provider.Name(), runID, table)
	if err != nil {
		return err
	}
	if written > 0 {
		logger.InfoContext(ctx, "archived observations", "count", written)
	}

	format, err := resolveFormat(common.format, common.out)
	if err != nil {
		return err
	}
	return writeOutput(common.out, stdout, func(w io.Writer) error {
		return exporter.Write(w, format, table, exporter.Options{Precision: int32(*precision)})
	})
}

func runMetadata(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("metadata", flag.ContinueOnError)
	var common commonFlags
	common.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, logger, err := setup(common.configPath)
	if err != nil {
		return err
	}
	ctx = infrastructure.WithRunID(ctx, uuid.NewString())

	provider, err := buildProvider(cfg, common.provider, logger)
	if err != nil {
		return err
	}
	ids := parseList(common.series)
	metadata, err := provider.GetSeriesMetadata(ctx, ids)
	if err != nil {
		return err
	}

	st, err := openStore(resolveDBPath(common.dbPath, cfg))
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.UpsertMetadata(ctx, provider.Name(), metadata); err != nil {
		return err
	}

	format := exporter.FormatJSON
	if common.format != "" || common.out != "" {
		if format, err = resolveFormat(common.format, common.out); err != nil {
			return err
		}
	}
	return writeOutput(common.out, stdout, func(w io.Writer) error {
		return exporter.Write(w, format, nil, exporter.Options{Metadata: metadata})
	})
}

func runList(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	configPath := fs.String("config", defaultConfigPath, "config file")
	dbPath := fs.String("db", "-", "sqlite archive path (- uses config)")
	provider := fs.String("provider", "", "provider id (empty = all)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, _, err := setup(*configPath)
	if err != nil {
		return err
	}
	path := resolveDBPath(*dbPath, cfg)
	if strings.TrimSpace(path) == "" {
		return errors.New("db path is required")
	}
	st, err := sqlite.New(path)
	if err != nil {
		return err
	}
	defer st.Close()

	keys, err := st.ListSeries(ctx, strings.ToLower(strings.TrimSpace(*provider)))
	if err != nil {
		return err
	}
	for _, key := range keys {
		fmt.Fprintf(stdout, "%s\t%s\t%d\t%s\t%s\t%s\n",
			key.Provider, key.SeriesID, key.Observations, key.First, key.Last, key.Title)
	}
	return nil
}

func setup(configPath string) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	logger := infrastructure.NewLogger(cfg.Logging, os.Stderr)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func buildProvider(cfg *config.Config, providerID string, logger *slog.Logger, opts ...request.Option) (providers.Provider, error) {
	switch strings.ToLower(strings.TrimSpace(providerID)) {
	case "banxico":
		return banxico.NewWithConfig(banxico.Config{
			Token:   cfg.Banxico.Token,
			Request: cfg.Banxico.Request(),
		}, logger, opts...)
	case "inegi":
		return inegi.NewWithConfig(inegi.Config{
			Token:    cfg.INEGI.Token,
			Language: cfg.INEGI.Language,
			Area:     cfg.INEGI.Area,
			Source:   cfg.INEGI.Source,
			Request:  cfg.INEGI.Request(),
		}, logger, opts...)
	case "fred":
		return fred.NewWithConfig(fred.Config{
			APIKey:  cfg.FRED.Token,
			Request: cfg.FRED.Request(),
		}, logger, opts...)
	case "worldbank", "wb":
		return worldbank.NewWithConfig(worldbank.Config{
			Country: cfg.WorldBank.Country,
			APIKey:  cfg.WorldBank.Token,
			Request: cfg.WorldBank.Request(),
		}, logger, opts...)
	case "":
		return nil, errors.New("provider is required")
	default:
		return nil, fmt.Errorf("unknown provider: %s", providerID)
	}
}

func resolveDBPath(flagValue string, cfg *config.Config) string {
	if flagValue == "-" {
		return cfg.Store.Path
	}
	return flagValue
}

func openStore(path string) (store.Store, error) {
	if strings.TrimSpace(path) == "" {
		return &store.NopStore{}, nil
	}
	return sqlite.New(path)
}

func resolveFormat(format, out string) (exporter.Format, error) {
	if strings.TrimSpace(format) != "" {
		return exporter.ParseFormat(format)
	}
	if strings.TrimSpace(out) != "" {
		return exporter.FormatFromPath(out)
	}
	return exporter.FormatCSV, nil
}

func writeOutput(path string, stdout io.Writer, write func(io.Writer) error) error {
	if strings.TrimSpace(path) == "" {
		return write(stdout)
	}
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
