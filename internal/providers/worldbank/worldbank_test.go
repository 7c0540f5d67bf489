package worldbank

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/guregu/null/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"econdata/internal/model"
	"econdata/internal/providers"
	"econdata/internal/request"
)

type fakeExecutor struct {
	pages    map[string][]string
	requests []request.Request
}

func (f *fakeExecutor) GetJSON(_ context.Context, req request.Request, dest any) error {
	f.requests = append(f.requests, req)
	bodies := f.pages[req.Path]
	page := 1
	if p := req.Query.Get("page"); p != "" {
		_, _ = fmt.Sscanf(p, "%d", &page)
	}
	if page > len(bodies) {
		return &request.HTTPError{Status: http.StatusNotFound, URL: req.Path}
	}
	return json.Unmarshal([]byte(bodies[page-1]), dest)
}

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func year(y int) civil.Date {
	return civil.Date{Year: y, Month: time.January, Day: 1}
}

func TestFollowsEveryPage(t *testing.T) {
	exec := &fakeExecutor{pages: map[string][]string{
		"/country/mx/indicator/NY.GDP.MKTP.CD": {
			`[{"page":1,"pages":2,"per_page":"2","total":3},[
				{"indicator":{"id":"NY.GDP.MKTP.CD","value":"GDP"},"country":{"id":"MX","value":"Mexico"},"date":"2022","value":1414187000000},
				{"indicator":{"id":"NY.GDP.MKTP.CD","value":"GDP"},"country":{"id":"MX","value":"Mexico"},"date":"2021","value":null}]]`,
			`[{"page":2,"pages":2,"per_page":"2","total":3},[
				{"indicator":{"id":"NY.GDP.MKTP.CD","value":"GDP"},"country":{"id":"MX","value":"Mexico"},"date":"2020","value":1090515000000.5}]]`,
		},
	}}
	p := NewWithExecutor(exec, quiet())

	table, err := p.GetSeriesData(context.Background(), providers.Query{
		SeriesIDs: []string{"NY.GDP.MKTP.CD"},
		Options:   map[string]string{"country": "MX", "per_page": "2"},
	})
	require.NoError(t, err)

	require.Len(t, exec.requests, 2)
	assert.Equal(t, "1", exec.requests[0].Query.Get("page"))
	assert.Equal(t, "2", exec.requests[1].Query.Get("page"))
	assert.Equal(t, "2", exec.requests[0].Query.Get("per_page"))

	assert.Equal(t, []civil.Date{year(2020), year(2021), year(2022)}, table.Dates())
	assert.Equal(t, null.FloatFrom(1090515000000.5), table.Rows[0].Values[0])
	assert.False(t, table.Rows[1].Values[0].Valid)
	assert.Equal(t, null.FloatFrom(1414187000000), table.Rows[2].Values[0])
}

func TestMergesIndicatorsAndSendsYearRange(t *testing.T) {
	exec := &fakeExecutor{pages: map[string][]string{
		"/country/mex/indicator/A": {`[{"page":1,"pages":1},[{"date":"2020Q1","value":1},{"date":"2020Q2","value":2}]]`},
		"/country/mex/indicator/B": {`[{"page":1,"pages":1},[{"date":"2020Q2","value":20}]]`},
	}}
	p := NewWithExecutor(exec, quiet())

	start := civil.Date{Year: 2019, Month: time.June, Day: 30}
	end := civil.Date{Year: 2021, Month: time.March, Day: 1}
	table, err := p.GetSeriesData(context.Background(), providers.Query{
		SeriesIDs: []string{"A", "B"},
		Start:     &start,
		End:       &end,
		Options:   map[string]string{"country": "MEX"},
	})
	require.NoError(t, err)

	assert.Equal(t, "2019:2021", exec.requests[0].Query.Get("date"))
	assert.Equal(t, "1000", exec.requests[0].Query.Get("per_page"))
	assert.Equal(t, []string{"A", "B"}, table.Columns)
	assert.Equal(t, []civil.Date{
		{Year: 2020, Month: time.January, Day: 1},
		{Year: 2020, Month: time.April, Day: 1},
	}, table.Dates())
	v, _ := table.Value(civil.Date{Year: 2020, Month: time.January, Day: 1}, "B")
	assert.False(t, v.Valid)
}

func TestOpenEndedRangeUsesCurrentYear(t *testing.T) {
	exec := &fakeExecutor{pages: map[string][]string{
		"/country/mx/indicator/A": {`[{"page":1,"pages":1},[]]`},
	}}
	p := NewWithExecutor(exec, quiet())
	p.now = func() time.Time { return time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC) }

	start := year(2015)
	_, err := p.GetSeriesData(context.Background(), providers.Query{
		SeriesIDs: []string{"A"}, Start: &start, Options: map[string]string{"country": "MX"},
	})
	require.NoError(t, err)
	assert.Equal(t, "2015:2025", exec.requests[0].Query.Get("date"))
}

func TestLastOnlyUsesMostRecentValue(t *testing.T) {
	exec := &fakeExecutor{pages: map[string][]string{
		"/country/mx/indicator/A": {`[{"page":1,"pages":1},[{"date":"2023","value":5}]]`},
	}}
	p := NewWithExecutor(exec, quiet())

	table, err := p.GetSeriesData(context.Background(), providers.Query{
		SeriesIDs: []string{"A"}, LastOnly: true, Options: map[string]string{"country": "MX"},
	})
	require.NoError(t, err)
	assert.Equal(t, "1", exec.requests[0].Query.Get("mrv"))
	assert.Empty(t, exec.requests[0].Query.Get("date"))
	assert.Equal(t, 1, table.Len())
}

func TestCountryIsRequired(t *testing.T) {
	exec := &fakeExecutor{}
	p := NewWithExecutor(exec, quiet())

	for _, options := range []map[string]string{nil, {"country": "all"}, {"country": "MEX;USA"}} {
		_, err := p.GetSeriesData(context.Background(), providers.Query{SeriesIDs: []string{"A"}, Options: options})
		var vErr *providers.ValidationError
		require.ErrorAs(t, err, &vErr, options)
		assert.Equal(t, "country", vErr.Field)
	}
	assert.Empty(t, exec.requests)
}

func TestConfiguredCountryIsDefault(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/country/br/indicator/A", r.URL.Path)
		assert.Equal(t, "json", r.URL.Query().Get("format"))
		_, _ = w.Write([]byte(`[{"page":1,"pages":1},[{"date":"2023","value":1.5}]]`))
	}))
	defer server.Close()

	p, err := NewWithConfig(Config{Country: "BR", Request: request.Config{BaseURL: server.URL + "/v2"}}, quiet())
	require.NoError(t, err)

	table, err := p.GetSeriesData(context.Background(), providers.Query{SeriesIDs: []string{"A"}})
	require.NoError(t, err)
	assert.Equal(t, 1, table.Len())
}

func TestAPIMessageIsSurfaced(t *testing.T) {
	exec := &fakeExecutor{pages: map[string][]string{
		"/country/mx/indicator/BAD": {`[{"message":[{"id":"120","key":"Invalid value","value":"The provided parameter value is not valid"}]}]`},
	}}
	p := NewWithExecutor(exec, quiet())

	table, err := p.GetSeriesData(context.Background(), providers.Query{SeriesIDs: []string{"BAD"}, Options: map[string]string{"country": "MX"}})
	require.ErrorIs(t, err, ErrAPIMessage)
	assert.Nil(t, table)
	assert.Contains(t, err.Error(), "BAD")
}

func TestGetSeriesMetadata(t *testing.T) {
	exec := &fakeExecutor{pages: map[string][]string{
		"/indicator/NY.GDP.MKTP.CD": {`[{"page":1,"pages":1,"per_page":"50","total":1},[
			{"id":"NY.GDP.MKTP.CD","name":"GDP (current US$)","unit":"","source":{"id":"2","value":"World Development Indicators"},
			 "sourceNote":"GDP at purchaser's prices.","sourceOrganization":"World Bank national accounts data",
			 "topics":[{"id":"3","value":"Economy & Growth "}]}]]`},
	}}
	p := NewWithExecutor(exec, quiet())

	meta, err := p.GetSeriesMetadata(context.Background(), []string{"NY.GDP.MKTP.CD"})
	require.NoError(t, err)
	got := meta["NY.GDP.MKTP.CD"]
	assert.Equal(t, "GDP (current US$)", got.Title)
	assert.Equal(t, model.FrequencyUnknown, got.Frequency)
	assert.Equal(t, "World Development Indicators", got.Extra["source"])
	assert.Equal(t, "Economy & Growth", got.Extra["topics"])
}
