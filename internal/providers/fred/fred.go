package fred

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"econdata/internal/model"
	"econdata/internal/period"
	"econdata/internal/providers"
	"econdata/internal/request"
	"econdata/internal/series"
)

const (
	defaultBaseURL = "https://api.stlouisfed.org/fred"
	name           = "fred"
)

var ErrSeriesNotFound = errors.New("fred: series not found")

// missingValues are the gap markers FRED uses in observation values.
var missingValues = []string{".", "N/E"}

type Config struct {
	APIKey  string
	Request request.Config
}

type Options struct {
	Units             string `option:"units" validate:"omitempty,oneof=lin chg ch1 pch pc1 pca cch cca log"`
	Frequency         string `option:"frequency" validate:"omitempty,oneof=d w bw m q sa a wef weth wew wetu wem wesu wesa bwew bwem"`
	AggregationMethod string `option:"aggregation_method" validate:"omitempty,oneof=avg sum eop"`
}

type Provider struct {
	exec   providers.Executor
	logger *slog.Logger
}

func NewWithConfig(cfg Config, logger *slog.Logger, opts ...request.Option) (*Provider, error) {
	key := strings.TrimSpace(cfg.APIKey)
	if key == "" {
		return nil, errors.New("fred: api key is required (ECONDATA_FRED_TOKEN)")
	}
	reqCfg := cfg.Request
	if strings.TrimSpace(reqCfg.BaseURL) == "" {
		reqCfg.BaseURL = defaultBaseURL
	}
	reqCfg.Name = name
	query := url.Values{}
	for k, values := range reqCfg.Query {
		query[k] = append([]string(nil), values...)
	}
	query.Set("api_key", key)
	query.Set("file_type", "json")
	reqCfg.Query = query
	reqCfg.Secrets = append(reqCfg.Secrets, key)

	if logger == nil {
		logger = slog.Default()
	}
	exec, err := request.New(reqCfg, append([]request.Option{request.WithLogger(logger)}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("fred: %w", err)
	}
	return NewWithExecutor(exec, logger), nil
}

// NewWithExecutor expects exec to attach api_key and file_type to every request.
func NewWithExecutor(exec providers.Executor, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{exec: exec, logger: logger.With("provider", name)}
}

func (p *Provider) Name() string {
	return name
}

type observationsResponse struct {
	ObservationStart string `json:"observation_start"`
	ObservationEnd   string `json:"observation_end"`
	Count            int    `json:"count"`
	Observations     []struct {
		Date  string `json:"date"`
		Value string `json:"value"`
	} `json:"observations"`
}

type seriesResponse struct {
	Series []struct {
		ID                      string `json:"id"`
		Title                   string `json:"title"`
		ObservationStart        string `json:"observation_start"`
		ObservationEnd          string `json:"observation_end"`
		Frequency               string `json:"frequency"`
		FrequencyShort          string `json:"frequency_short"`
		Units                   string `json:"units"`
		UnitsShort              string `json:"units_short"`
		SeasonalAdjustment      string `json:"seasonal_adjustment"`
		SeasonalAdjustmentShort string `json:"seasonal_adjustment_short"`
		LastUpdated             string `json:"last_updated"`
		Notes                   string `json:"notes"`
	} `json:"seriess"`
}

// GetSeriesData issues one observations request per series, in order, and
// merges the results.
func (p *Provider) GetSeriesData(ctx context.Context, query providers.Query) (*model.Table, error) {
	var opts Options
	q, err := providers.PrepareQuery(name, query, &opts, p.logger)
	if err != nil {
		return nil, err
	}

	freq := model.FrequencyUnknown
	if opts.Frequency != "" {
		freq = model.FrequencyFromLabel(opts.Frequency)
	}
	asm := series.Assembler{Missing: missingValues, Periods: period.CalendarParser}

	list := make([]*model.Series, 0, len(q.SeriesIDs))
	for _, id := range q.SeriesIDs {
		params := url.Values{}
		params.Set("series_id", id)
		if q.LastOnly {
			params.Set("sort_order", "desc")
			params.Set("limit", "1")
		}
		if q.Start != nil {
			params.Set("observation_start", q.Start.String())
		}
		if q.End != nil {
			params.Set("observation_end", q.End.String())
		}
		if opts.Units != "" {
			params.Set("units", opts.Units)
		}
		if opts.Frequency != "" {
			params.Set("frequency", opts.Frequency)
		}
		if opts.AggregationMethod != "" {
			params.Set("aggregation_method", opts.AggregationMethod)
		}

		var payload observationsResponse
		if err := p.exec.GetJSON(ctx, request.Request{Path: "/series/observations", Query: params}, &payload); err != nil {
			return nil, fmt.Errorf("fred: observations %s: %w", id, err)
		}

		points := make([]model.RawPoint, len(payload.Observations))
		for i, obs := range payload.Observations {
			points[i] = model.RawPoint{Period: obs.Date, Value: obs.Value}
		}
		s, err := asm.Assemble(id, freq, points)
		if err != nil {
			return nil, fmt.Errorf("fred: %w", err)
		}
		list = append(list, s)
	}
	return series.Merge(list...), nil
}

func (p *Provider) GetSeriesMetadata(ctx context.Context, ids []string) (map[string]model.SeriesMetadata, error) {
	q, err := providers.PrepareQuery(name, providers.Query{SeriesIDs: ids}, nil, p.logger)
	if err != nil {
		return nil, err
	}

	metadata := make(map[string]model.SeriesMetadata, len(q.SeriesIDs))
	for _, id := range q.SeriesIDs {
		var payload seriesResponse
		params := url.Values{"series_id": []string{id}}
		if err := p.exec.GetJSON(ctx, request.Request{Path: "/series", Query: params}, &payload); err != nil {
			return nil, fmt.Errorf("fred: series %s: %w", id, err)
		}
		if len(payload.Series) == 0 {
			return nil, fmt.Errorf("%w: %s", ErrSeriesNotFound, id)
		}
		entry := payload.Series[0]

		freq := model.FrequencyFromLabel(entry.FrequencyShort)
		if freq == model.FrequencyUnknown {
			freq = model.FrequencyFromLabel(entry.Frequency)
		}
		extra := map[string]string{}
		for key, value := range map[string]string{
			"units_short":               entry.UnitsShort,
			"seasonal_adjustment":       entry.SeasonalAdjustment,
			"seasonal_adjustment_short": entry.SeasonalAdjustmentShort,
			"last_updated":              entry.LastUpdated,
			"observation_start":         entry.ObservationStart,
			"observation_end":           entry.ObservationEnd,
			"notes":                     entry.Notes,
		} {
			if value != "" {
				extra[key] = value
			}
		}

		metadata[id] = model.SeriesMetadata{
			ID:             id,
			Title:          entry.Title,
			Frequency:      freq,
			FrequencyLabel: entry.Frequency,
			Unit:           entry.Units,
			Extra:          extra,
		}
	}
	return metadata, nil
}
