package banxico

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"cloud.google.com/go/civil"

	"econdata/internal/model"
	"econdata/internal/period"
	"econdata/internal/providers"
	"econdata/internal/request"
	"econdata/internal/series"
)

const (
	defaultBaseURL = "https://www.banxico.org.mx/SieAPIRest/service/v1"
	tokenHeader    = "Bmx-Token"
	missingValue   = "N/E"
	quarterlyLabel = "Trimestral"
	name           = "banxico"
)

var defaultStart = civil.Date{Year: 2000, Month: time.January, Day: 1}

type Config struct {
	Token   string
	Request request.Config
}

// Options are the SIE query modifiers accepted in Query.Options.
type Options struct {
	// Variation maps to the "incremento" parameter.
	Variation  string `option:"variation" validate:"omitempty,oneof=PorcObsAnt PorcAnual PorcAcumAnual"`
	NoDecimals bool   `option:"no_decimals"`
}

type Provider struct {
	exec   providers.Executor
	logger *slog.Logger
	today  func() civil.Date
}

func NewWithConfig(cfg Config, logger *slog.Logger, opts ...request.Option) (*Provider, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("banxico: api token is required (ECONDATA_BANXICO_TOKEN)")
	}
	reqCfg := cfg.Request
	if strings.TrimSpace(reqCfg.BaseURL) == "" {
		reqCfg.BaseURL = defaultBaseURL
	}
	reqCfg.Name = name
	header := reqCfg.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Set(tokenHeader, token)
	reqCfg.Header = header
	reqCfg.Secrets = append(reqCfg.Secrets, token)

	if logger == nil {
		logger = slog.Default()
	}
	exec, err := request.New(reqCfg, append([]request.Option{request.WithLogger(logger)}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("banxico: %w", err)
	}
	return NewWithExecutor(exec, logger), nil
}

func NewWithExecutor(exec providers.Executor, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		exec:   exec,
		logger: logger.With("provider", name),
		today:  func() civil.Date { return civil.DateOf(time.Now()) },
	}
}

func (p *Provider) Name() string {
	return name
}

type seriesResponse struct {
	BMX struct {
		Series []seriesEntry `json:"series"`
	} `json:"bmx"`
}

type seriesEntry struct {
	ID          string        `json:"idSerie"`
	Title       string        `json:"titulo"`
	Periodicity string        `json:"periodicidad"`
	Figure      string        `json:"cifra"`
	Unit        string        `json:"unidad"`
	StartDate   string        `json:"fechaInicio"`
	EndDate     string        `json:"fechaFin"`
	Data        []observation `json:"datos"`
}

type observation struct {
	Date  string `json:"fecha"`
	Value string `json:"dato"`
}

func (p *Provider) GetSeriesMetadata(ctx context.Context, ids []string) (map[string]model.SeriesMetadata, error) {
	q, err := providers.PrepareQuery(name, providers.Query{SeriesIDs: ids}, nil, p.logger)
	if err != nil {
		return nil, err
	}

	var payload seriesResponse
	if err := p.exec.GetJSON(ctx, request.Request{Path: "/series/" + joinIDs(q.SeriesIDs)}, &payload); err != nil {
		return nil, fmt.Errorf("banxico: metadata: %w", err)
	}

	metadata := make(map[string]model.SeriesMetadata, len(payload.BMX.Series))
	for _, entry := range payload.BMX.Series {
		extra := map[string]string{}
		if entry.Figure != "" {
			extra["cifra"] = entry.Figure
		}
		if entry.StartDate != "" {
			extra["start_date"] = entry.StartDate
		}
		if entry.EndDate != "" {
			extra["end_date"] = entry.EndDate
		}
		metadata[entry.ID] = model.SeriesMetadata{
			ID:             entry.ID,
			Title:          entry.Title,
			Frequency:      model.FrequencyFromLabel(entry.Periodicity),
			FrequencyLabel: entry.Periodicity,
			Unit:           entry.Unit,
			Extra:          extra,
		}
	}
	return metadata, nil
}

// GetSeriesData requests every id in one call. Quarterly series come back
// labelled by the first month of the quarter and are moved to its last month.
func (p *Provider) GetSeriesData(ctx context.Context, query providers.Query) (*model.Table, error) {
	var opts Options
	q, err := providers.PrepareQuery(name, query, &opts, p.logger)
	if err != nil {
		return nil, err
	}

	metadata, err := p.GetSeriesMetadata(ctx, q.SeriesIDs)
	if err != nil {
		return nil, err
	}
	quarterly := map[string]bool{}
	for id, meta := range metadata {
		quarterly[id] = isQuarterly(meta)
	}

	ids := joinIDs(q.SeriesIDs)
	path := "/series/" + ids + "/datos/oportuno"
	if !q.LastOnly {
		start := defaultStart
		if q.Start != nil {
			start = *q.Start
			for _, isQ := range quarterly {
				if isQ {
					start = period.AddMonths(start, -2)
					break
				}
			}
		}
		end := p.today()
		if q.End != nil {
			end = *q.End
		}
		path = fmt.Sprintf("/series/%s/datos/%s/%s", ids, start, end)
	}

	params := url.Values{}
	if opts.Variation != "" {
		params.Set("incremento", opts.Variation)
	}
	if opts.NoDecimals {
		params.Set("decimales", "sinCeros")
	}

	var payload seriesResponse
	if err := p.exec.GetJSON(ctx, request.Request{Path: path, Query: params}, &payload); err != nil {
		return nil, fmt.Errorf("banxico: data: %w", err)
	}

	asm := series.Assembler{Missing: []string{missingValue}, Periods: period.DayFirstParser}
	assembled := make(map[string]*model.Series, len(payload.BMX.Series))
	var extra []*model.Series
	for _, entry := range payload.BMX.Series {
		points := make([]model.RawPoint, len(entry.Data))
		for i, obs := range entry.Data {
			points[i] = model.RawPoint{Period: obs.Date, Value: obs.Value}
		}
		s, err := asm.Assemble(entry.ID, metadata[entry.ID].Frequency, points)
		if err != nil {
			return nil, fmt.Errorf("banxico: %w", err)
		}
		if quarterly[entry.ID] {
			series.AlignQuarterEnd(s)
		}
		if !q.LastOnly {
			series.Filter(s, q.Start, q.End)
		}
		if _, dup := assembled[s.ID]; dup || !slices.Contains(q.SeriesIDs, s.ID) {
			extra = append(extra, s)
			continue
		}
		assembled[s.ID] = s
	}

	list := make([]*model.Series, 0, len(assembled)+len(extra))
	for _, id := range q.SeriesIDs {
		if s, ok := assembled[id]; ok {
			list = append(list, s)
			delete(assembled, id)
		}
	}
	return series.Merge(append(list, extra...)...), nil
}

func isQuarterly(meta model.SeriesMetadata) bool {
	return strings.EqualFold(strings.TrimSpace(meta.FrequencyLabel), quarterlyLabel) ||
		meta.Frequency == model.FrequencyQuarterly
}

func joinIDs(ids []string) string {
	escaped := make([]string, len(ids))
	for i, id := range ids {
		escaped[i] = url.PathEscape(id)
	}
	return strings.Join(escaped, ",")
}
