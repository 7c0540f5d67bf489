package worldbank

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
	"time"

	"econdata/internal/model"
	"econdata/internal/period"
	"econdata/internal/providers"
	"econdata/internal/request"
	"econdata/internal/series"
)

const (
	defaultBaseURL = "https://api.worldbank.org/v2"
	defaultPerPage = 1000
	// Earliest year the WDI catalogue covers.
	firstYear = 1960
	name      = "worldbank"
)

var (
	ErrAPIMessage     = errors.New("worldbank: api returned an error message")
	ErrUnexpectedBody = errors.New("worldbank: unexpected response shape")
)

type Config struct {
	// Country is used when a query does not set the country option.
	Country string
	APIKey  string
	Request request.Config
}

type Options struct {
	Country string `option:"country" validate:"required,min=2,max=3,alpha,ne=all,ne=ALL"`
	PerPage int    `option:"per_page" validate:"omitempty,min=1,max=32500"`
}

type Provider struct {
	exec    providers.Executor
	logger  *slog.Logger
	country string
	now     func() time.Time
}

func NewWithConfig(cfg Config, logger *slog.Logger, opts ...request.Option) (*Provider, error) {
	reqCfg := cfg.Request
	if strings.TrimSpace(reqCfg.BaseURL) == "" {
		reqCfg.BaseURL = defaultBaseURL
	}
	reqCfg.Name = name
	query := url.Values{}
	for key, values := range reqCfg.Query {
		query[key] = append([]string(nil), values...)
	}
	query.Set("format", "json")
	if key := strings.TrimSpace(cfg.APIKey); key != "" {
		query.Set("api_key", key)
		reqCfg.Secrets = append(reqCfg.Secrets, key)
	}
	reqCfg.Query = query

	if logger == nil {
		logger = slog.Default()
	}
	exec, err := request.New(reqCfg, append([]request.Option{request.WithLogger(logger)}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("worldbank: %w", err)
	}
	p := NewWithExecutor(exec, logger)
	p.country = strings.TrimSpace(cfg.Country)
	return p, nil
}

// NewWithExecutor expects exec to add format=json to every request.
func NewWithExecutor(exec providers.Executor, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{exec: exec, logger: logger.With("provider", name), now: time.Now}
}

func (p *Provider) Name() string {
	return name
}

// flexInt accepts numbers encoded either as JSON numbers or strings.
type flexInt int

func (f *flexInt) UnmarshalJSON(data []byte) error {
	data = bytes.Trim(bytes.TrimSpace(data), `"`)
	if len(data) == 0 || string(data) == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.Atoi(string(data))
	if err != nil {
		return err
	}
	*f = flexInt(n)
	return nil
}

type pageInfo struct {
	Page        flexInt `json:"page"`
	Pages       flexInt `json:"pages"`
	PerPage     flexInt `json:"per_page"`
	Total       flexInt `json:"total"`
	LastUpdated string  `json:"lastupdated"`
	SourceID    string  `json:"sourceid"`
	Message     []struct {
		ID    string `json:"id"`
		Key   string `json:"key"`
		Value string `json:"value"`
	} `json:"message"`
}

type labelled struct {
	ID    string `json:"id"`
	Value string `json:"value"`
}

type record struct {
	Indicator       labelled `json:"indicator"`
	Country         labelled `json:"country"`
	CountryISO3Code string   `json:"countryiso3code"`
	Date            string   `json:"date"`
	Value           *float64 `json:"value"`
	Unit            string   `json:"unit"`
	ObsStatus       string   `json:"obs_status"`
}

type indicatorInfo struct {
	ID                 string     `json:"id"`
	Name               string     `json:"name"`
	Unit               string     `json:"unit"`
	Source             labelled   `json:"source"`
	SourceNote         string     `json:"sourceNote"`
	SourceOrganization string     `json:"sourceOrganization"`
	Topics             []labelled `json:"topics"`
}

// decodePage splits the [metadata, records] envelope.
func decodePage[T any](raw []json.RawMessage, records *[]T) (pageInfo, error) {
	var info pageInfo
	if len(raw) == 0 {
		return info, ErrUnexpectedBody
	}
	if err := json.Unmarshal(raw[0], &info); err != nil {
		return info, fmt.Errorf("%w: %v", ErrUnexpectedBody, err)
	}
	if len(info.Message) > 0 {
		msg := info.Message[0]
		return info, fmt.Errorf("%w: %s %s: %s", ErrAPIMessage, msg.ID, msg.Key, msg.Value)
	}
	if len(raw) < 2 || bytes.Equal(bytes.TrimSpace(raw[1]), []byte("null")) {
		*records = nil
		return info, nil
	}
	if err := json.Unmarshal(raw[1], records); err != nil {
		return info, fmt.Errorf("%w: %v", ErrUnexpectedBody, err)
	}
	return info, nil
}

// GetSeriesData follows every result page of each indicator for one country
// and merges the indicators. Ranges are expressed in whole years.
func (p *Provider) GetSeriesData(ctx context.Context, query providers.Query) (*model.Table, error) {
	opts := Options{Country: p.country}
	q, err := providers.PrepareQuery(name, query, &opts, p.logger)
	if err != nil {
		return nil, err
	}
	if opts.PerPage <= 0 {
		opts.PerPage = defaultPerPage
	}

	base := url.Values{}
	base.Set("per_page", strconv.Itoa(opts.PerPage))
	if q.LastOnly {
		base.Set("mrv", "1")
	} else if q.Start != nil || q.End != nil {
		from, to := firstYear, 0
		if q.Start != nil {
			from = q.Start.Year
		}
		if q.End != nil {
			to = q.End.Year
		}
		if to == 0 {
			to = p.now().Year()
		}
		base.Set("date", strconv.Itoa(from)+":"+strconv.Itoa(to))
	}

	asm := series.Assembler{Missing: []string{""}, Periods: period.CalendarParser}
	list := make([]*model.Series, 0, len(q.SeriesIDs))
	for _, id := range q.SeriesIDs {
		records, err := p.fetchRecords(ctx, opts.Country, id, base)
		if err != nil {
			return nil, err
		}
		points := make([]model.RawPoint, 0, len(records))
		freq := model.FrequencyUnknown
		for _, rec := range records {
			value := ""
			if rec.Value != nil {
				value = strconv.FormatFloat(*rec.Value, 'g', -1, 64)
			}
			points = append(points, model.RawPoint{Period: rec.Date, Value: value})
			if freq == model.FrequencyUnknown {
				freq = frequencyOf(rec.Date)
			}
		}
		s, err := asm.Assemble(id, freq, points)
		if err != nil {
			return nil, fmt.Errorf("worldbank: %w", err)
		}
		list = append(list, s)
	}
	return series.Merge(list...), nil
}

func (p *Provider) fetchRecords(ctx context.Context, country, id string, base url.Values) ([]record, error) {
	path := "/country/" + url.PathEscape(strings.ToLower(country)) + "/indicator/" + url.PathEscape(id)

	var all []record
	for page := 1; ; page++ {
		params := url.Values{}
		for key, values := range base {
			params[key] = values
		}
		params.Set("page", strconv.Itoa(page))

		var raw []json.RawMessage
		if err := p.exec.GetJSON(ctx, request.Request{Path: path, Query: params}, &raw); err != nil {
			return nil, fmt.Errorf("worldbank: indicator %s: %w", id, err)
		}
		var records []record
		info, err := decodePage(raw, &records)
		if err != nil {
			return nil, fmt.Errorf("indicator %s: %w", id, err)
		}
		all = append(all, records...)
		if int(info.Pages) <= page {
			return all, nil
		}
	}
}

func (p *Provider) GetSeriesMetadata(ctx context.Context, ids []string) (map[string]model.SeriesMetadata, error) {
	q, err := providers.PrepareQuery(name, providers.Query{SeriesIDs: ids}, nil, p.logger)
	if err != nil {
		return nil, err
	}

	metadata := make(map[string]model.SeriesMetadata, len(q.SeriesIDs))
	for _, id := range q.SeriesIDs {
		var raw []json.RawMessage
		if err := p.exec.GetJSON(ctx, request.Request{Path: "/indicator/" + url.PathEscape(id)}, &raw); err != nil {
			return nil, fmt.Errorf("worldbank: indicator %s: %w", id, err)
		}
		var infos []indicatorInfo
		if _, err := decodePage(raw, &infos); err != nil {
			return nil, fmt.Errorf("indicator %s: %w", id, err)
		}
		if len(infos) == 0 {
			return nil, fmt.Errorf("%w: indicator %s has no metadata", ErrUnexpectedBody, id)
		}
		info := infos[0]

		extra := map[string]string{}
		if info.Source.Value != "" {
			extra["source"] = info.Source.Value
		}
		if info.SourceOrganization != "" {
			extra["source_organization"] = info.SourceOrganization
		}
		if info.SourceNote != "" {
			extra["source_note"] = info.SourceNote
		}
		topics := make([]string, 0, len(info.Topics))
		for _, topic := range info.Topics {
			if v := strings.TrimSpace(topic.Value); v != "" {
				topics = append(topics, v)
			}
		}
		if len(topics) > 0 {
			extra["topics"] = strings.Join(topics, "; ")
		}

		metadata[id] = model.SeriesMetadata{
			ID:    id,
			Title: info.Name,
			Unit:  info.Unit,
			Extra: extra,
		}
	}
	return metadata, nil
}

func frequencyOf(token string) model.Frequency {
	token = strings.ToUpper(strings.TrimSpace(token))
	switch {
	case len(token) == 4:
		return model.FrequencyAnnual
	case strings.Contains(token, "Q"):
		return model.FrequencyQuarterly
	case strings.Contains(token, "M"):
		return model.FrequencyMonthly
	default:
		return model.FrequencyUnknown
	}
}
