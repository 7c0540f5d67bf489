package inegi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"

	"econdata/internal/model"
	"econdata/internal/providers"
	"econdata/internal/request"
	"econdata/internal/series"
)

const (
	defaultBaseURL  = "https://www.inegi.org.mx/app/api/indicadores/desarrolladores/jsonxml"
	defaultLanguage = "es"
	defaultArea     = "0700"
	defaultSource   = "BIE"
	apiVersion      = "2.0"
	name            = "inegi"
)

var ErrLookupEmpty = errors.New("inegi: catalog lookup returned no description")

type Config struct {
	Token    string
	Language string
	Area     string
	Source   string
	Request  request.Config
}

type Options struct {
	Language string `option:"language" validate:"omitempty,oneof=es en"`
	Area     string `option:"area" validate:"omitempty,numeric"`
	Source   string `option:"source" validate:"omitempty,oneof=BIE BISE"`
}

type Provider struct {
	exec     providers.Executor
	logger   *slog.Logger
	token    string
	defaults Options
}

func NewWithConfig(cfg Config, logger *slog.Logger, opts ...request.Option) (*Provider, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("inegi: api token is required (ECONDATA_INEGI_TOKEN)")
	}
	reqCfg := cfg.Request
	if strings.TrimSpace(reqCfg.BaseURL) == "" {
		reqCfg.BaseURL = defaultBaseURL
	}
	reqCfg.Name = name
	query := url.Values{}
	for key, values := range reqCfg.Query {
		query[key] = append([]string(nil), values...)
	}
	query.Set("type", "json")
	reqCfg.Query = query
	reqCfg.Secrets = append(reqCfg.Secrets, token)

	if logger == nil {
		logger = slog.Default()
	}
	exec, err := request.New(reqCfg, append([]request.Option{request.WithLogger(logger)}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("inegi: %w", err)
	}
	configured := Options{Language: cfg.Language, Area: cfg.Area, Source: cfg.Source}
	if err := providers.DecodeOptions(name, nil, &configured); err != nil {
		return nil, err
	}
	p := NewWithExecutor(exec, token, logger)
	p.defaults = p.withDefaults(configured)
	return p, nil
}

// NewWithExecutor expects exec to add the type=json query parameter itself.
func NewWithExecutor(exec providers.Executor, token string, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Provider{
		exec:   exec,
		logger: logger.With("provider", name),
		token:  strings.TrimSpace(token),
	}
	p.defaults = p.withDefaults(Options{})
	return p
}

func (p *Provider) Name() string {
	return name
}

func (p *Provider) withDefaults(opts Options) Options {
	if opts.Language == "" {
		opts.Language = p.defaults.Language
	}
	if opts.Language == "" {
		opts.Language = defaultLanguage
	}
	if opts.Area == "" {
		opts.Area = p.defaults.Area
	}
	if opts.Area == "" {
		opts.Area = defaultArea
	}
	if opts.Source == "" {
		opts.Source = p.defaults.Source
	}
	if opts.Source == "" {
		opts.Source = defaultSource
	}
	return opts
}

type indicatorResponse struct {
	Series []indicatorSeries `json:"Series"`
}

type indicatorSeries struct {
	ID           string        `json:"INDICADOR"`
	Frequency    flexString    `json:"FREQ"`
	Unit         flexString    `json:"UNIT"`
	LastUpdate   flexString    `json:"LASTUPDATE"`
	Topic        flexString    `json:"TOPIC"`
	Note         flexString    `json:"NOTE"`
	Source       flexString    `json:"SOURCE"`
	Observations []observation `json:"OBSERVATIONS"`
}

type observation struct {
	Period string     `json:"TIME_PERIOD"`
	Value  flexString `json:"OBS_VALUE"`
}

type catalogResponse struct {
	Code []struct {
		Value       string `json:"value"`
		Description string `json:"Description"`
	} `json:"CODE"`
}

// flexString accepts a JSON string, number or null.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

func (p *Provider) GetSeriesData(ctx context.Context, query providers.Query) (*model.Table, error) {
	var opts Options
	q, err := providers.PrepareQuery(name, query, &opts, p.logger)
	if err != nil {
		return nil, err
	}
	opts = p.withDefaults(opts)

	payload, err := p.fetchIndicators(ctx, q.SeriesIDs, q.LastOnly, opts)
	if err != nil {
		return nil, err
	}

	asm := series.Assembler{Missing: []string{"", "N/E"}}
	list := make([]*model.Series, 0, len(payload.Series))
	for _, entry := range payload.Series {
		freq, err := frequencyCode(entry)
		if err != nil {
			return nil, err
		}
		points := make([]model.RawPoint, len(entry.Observations))
		for i, obs := range entry.Observations {
			points[i] = model.RawPoint{Period: obs.Period, Value: string(obs.Value)}
		}
		s, err := asm.Assemble(entry.ID, freq, points)
		if err != nil {
			return nil, fmt.Errorf("inegi: %w", err)
		}
		series.Filter(s, q.Start, q.End)
		list = append(list, s)
	}
	return series.Merge(list...), nil
}

// GetSeriesMetadata resolves the frequency and unit codes of each indicator
// through the CL_FREQ and CL_UNIT catalogs. Each distinct code is looked up
// once per call.
func (p *Provider) GetSeriesMetadata(ctx context.Context, ids []string) (map[string]model.SeriesMetadata, error) {
	q, err := providers.PrepareQuery(name, providers.Query{SeriesIDs: ids}, nil, p.logger)
	if err != nil {
		return nil, err
	}
	opts := p.defaults

	payload, err := p.fetchIndicators(ctx, q.SeriesIDs, true, opts)
	if err != nil {
		return nil, err
	}

	freqLabels := map[string]string{}
	unitLabels := map[string]string{}
	metadata := make(map[string]model.SeriesMetadata, len(payload.Series))
	for _, entry := range payload.Series {
		freq, err := frequencyCode(entry)
		if err != nil {
			return nil, err
		}
		freqLabel, err := p.lookup(ctx, "CL_FREQ", string(entry.Frequency), opts, freqLabels)
		if err != nil {
			return nil, err
		}
		unitLabel, err := p.lookup(ctx, "CL_UNIT", string(entry.Unit), opts, unitLabels)
		if err != nil {
			return nil, err
		}

		extra := map[string]string{
			"freq_code": string(entry.Frequency),
			"unit_code": string(entry.Unit),
		}
		if entry.LastUpdate != "" {
			extra["last_update"] = string(entry.LastUpdate)
		}
		if entry.Source != "" {
			extra["source"] = string(entry.Source)
		}
		if entry.Topic != "" {
			extra["topic"] = string(entry.Topic)
		}
		if entry.Note != "" {
			extra["note"] = string(entry.Note)
		}
		metadata[entry.ID] = model.SeriesMetadata{
			ID:             entry.ID,
			Frequency:      freq,
			FrequencyLabel: freqLabel,
			Unit:           unitLabel,
			Extra:          extra,
		}
	}
	return metadata, nil
}

func (p *Provider) fetchIndicators(ctx context.Context, ids []string, lastOnly bool, opts Options) (*indicatorResponse, error) {
	escaped := make([]string, len(ids))
	for i, id := range ids {
		escaped[i] = url.PathEscape(id)
	}
	path := strings.Join([]string{
		"/INDICATOR",
		strings.Join(escaped, ","),
		opts.Language,
		opts.Area,
		strconv.FormatBool(lastOnly),
		opts.Source,
		apiVersion,
		p.token,
	}, "/")

	var payload indicatorResponse
	if err := p.exec.GetJSON(ctx, request.Request{Path: path}, &payload); err != nil {
		return nil, fmt.Errorf("inegi: indicator: %w", err)
	}
	return &payload, nil
}

func (p *Provider) lookup(ctx context.Context, catalog, code string, opts Options, memo map[string]string) (string, error) {
	if label, ok := memo[code]; ok {
		return label, nil
	}
	path := strings.Join([]string{"", catalog, url.PathEscape(code), opts.Language, opts.Source, apiVersion, p.token}, "/")

	var payload catalogResponse
	if err := p.exec.GetJSON(ctx, request.Request{Path: path}, &payload); err != nil {
		return "", fmt.Errorf("inegi: %s %s: %w", catalog, code, err)
	}
	if len(payload.Code) == 0 {
		return "", fmt.Errorf("%w: %s %s", ErrLookupEmpty, catalog, code)
	}
	memo[code] = payload.Code[0].Description
	return memo[code], nil
}

func frequencyCode(entry indicatorSeries) (model.Frequency, error) {
	raw := strings.TrimSpace(string(entry.Frequency))
	code, err := strconv.Atoi(raw)
	if err != nil {
		return model.FrequencyUnknown, fmt.Errorf("inegi: series %s has invalid FREQ %q", entry.ID, raw)
	}
	return model.Frequency(code), nil
}
