package banxico

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
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

const metadataBody = `{"bmx":{"series":[
 {"idSerie":"SF43718","titulo":"Tipo de cambio FIX","periodicidad":"Diaria","cifra":"Tipo de Cambio","unidad":"Pesos por Dólar","fechaInicio":"12/11/1991","fechaFin":"05/01/2024"},
 {"idSerie":"SR16734","titulo":"IGAE","periodicidad":"Trimestral","cifra":"Índice","unidad":"Sin Unidad","fechaInicio":"01/01/1993","fechaFin":"01/07/2023"}
]}}`

type recorder struct {
	mu       sync.Mutex
	requests []*http.Request
}

func (r *recorder) add(req *http.Request) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, req)
}

func (r *recorder) paths() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	paths := make([]string, len(r.requests))
	for i, req := range r.requests {
		paths[i] = req.URL.Path
	}
	return paths
}

func newServer(t *testing.T, data string) (*Provider, *recorder) {
	t.Helper()
	rec := &recorder{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.add(r)
		assert.Equal(t, "secret-token", r.Header.Get("Bmx-Token"))
		if strings.Contains(r.URL.Path, "/datos") {
			_, _ = io.WriteString(w, data)
			return
		}
		_, _ = io.WriteString(w, metadataBody)
	}))
	t.Cleanup(server.Close)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	p, err := NewWithConfig(Config{
		Token:   "secret-token",
		Request: request.Config{BaseURL: server.URL},
	}, logger)
	require.NoError(t, err)
	p.today = func() civil.Date { return civil.Date{Year: 2024, Month: time.January, Day: 5} }
	return p, rec
}

func day(y int, m time.Month, d int) civil.Date {
	return civil.Date{Year: y, Month: m, Day: d}
}

func TestLastOnlyWithStartIsRejectedBeforeAnyRequest(t *testing.T) {
	p, rec := newServer(t, `{}`)
	start := day(2020, 1, 1)

	table, err := p.GetSeriesData(context.Background(), providers.Query{
		SeriesIDs: []string{"X", "Y"},
		LastOnly:  true,
		Start:     &start,
	})
	require.ErrorIs(t, err, providers.ErrInvalidQuery)
	var vErr *providers.ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Nil(t, table)
	assert.Empty(t, rec.paths())
}

func TestQuarterlySeriesShiftAndPreShiftedRange(t *testing.T) {
	data := `{"bmx":{"series":[
	 {"idSerie":"SF43718","datos":[
	   {"fecha":"02/01/2023","dato":"19,489.3"},
	   {"fecha":"01/11/2022","dato":"19.5"},
	   {"fecha":"03/01/2023","dato":"N/E"}]},
	 {"idSerie":"SR16734","datos":[
	   {"fecha":"01/10/2022","dato":"110.5"},
	   {"fecha":"01/01/2023","dato":"111.2"},
	   {"fecha":"01/04/2023","dato":"112.0"}]}
	]}}`
	p, rec := newServer(t, data)

	start := day(2023, 1, 1)
	end := day(2023, 3, 31)
	table, err := p.GetSeriesData(context.Background(), providers.Query{
		SeriesIDs: []string{"SF43718", "SR16734"},
		Start:     &start,
		End:       &end,
	})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"/series/SF43718,SR16734",
		"/series/SF43718,SR16734/datos/2022-11-01/2023-03-31",
	}, rec.paths())

	assert.Equal(t, []string{"SF43718", "SR16734"}, table.Columns)
	assert.Equal(t, []civil.Date{day(2023, 1, 2), day(2023, 1, 3), day(2023, 3, 1)}, table.Dates())

	v, ok := table.Value(day(2023, 1, 2), "SF43718")
	require.True(t, ok)
	assert.Equal(t, null.FloatFrom(19489.3), v)

	v, _ = table.Value(day(2023, 1, 3), "SF43718")
	assert.False(t, v.Valid)

	// Q4 2022 lands on 2022-12-01 and Q2 2023 on 2023-06-01, both outside the range.
	v, _ = table.Value(day(2023, 3, 1), "SR16734")
	assert.Equal(t, null.FloatFrom(111.2), v)
}

func TestDefaultRangeAndOptions(t *testing.T) {
	p, rec := newServer(t, `{"bmx":{"series":[{"idSerie":"SF43718","datos":[{"fecha":"04/01/2024","dato":"17.0"}]}]}}`)

	_, err := p.GetSeriesData(context.Background(), providers.Query{
		SeriesIDs: []string{"SF43718"},
		Options:   map[string]string{"variation": "PorcAnual", "no_decimals": "true"},
	})
	require.NoError(t, err)

	require.Len(t, rec.requests, 2)
	data := rec.requests[1]
	assert.Equal(t, "/series/SF43718/datos/2000-01-01/2024-01-05", data.URL.Path)
	assert.Equal(t, "PorcAnual", data.URL.Query().Get("incremento"))
	assert.Equal(t, "sinCeros", data.URL.Query().Get("decimales"))
}

func TestLastOnly(t *testing.T) {
	p, rec := newServer(t, `{"bmx":{"series":[{"idSerie":"SF43718","datos":[{"fecha":"04/01/2024","dato":"17.0"}]}]}}`)

	table, err := p.GetSeriesData(context.Background(), providers.Query{SeriesIDs: []string{"SF43718"}, LastOnly: true})
	require.NoError(t, err)
	assert.Equal(t, "/series/SF43718/datos/oportuno", rec.paths()[1])
	assert.Equal(t, 1, table.Len())
}

func TestInvalidVariation(t *testing.T) {
	p, rec := newServer(t, `{}`)
	_, err := p.GetSeriesData(context.Background(), providers.Query{
		SeriesIDs: []string{"SF43718"},
		Options:   map[string]string{"variation": "Mensual"},
	})
	var vErr *providers.ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "variation", vErr.Field)
	assert.Empty(t, rec.paths())
}

func TestMalformedValueReturnsNoTable(t *testing.T) {
	p, _ := newServer(t, `{"bmx":{"series":[{"idSerie":"SF43718","datos":[{"fecha":"04/01/2024","dato":"abc"}]}]}}`)
	table, err := p.GetSeriesData(context.Background(), providers.Query{SeriesIDs: []string{"SF43718"}, LastOnly: true})
	require.Error(t, err)
	assert.Nil(t, table)
	assert.Contains(t, err.Error(), "abc")
}

func TestGetSeriesMetadata(t *testing.T) {
	p, _ := newServer(t, `{}`)
	meta, err := p.GetSeriesMetadata(context.Background(), []string{"SF43718", "SR16734"})
	require.NoError(t, err)

	assert.Equal(t, model.FrequencyDaily, meta["SF43718"].Frequency)
	assert.Equal(t, "Pesos por Dólar", meta["SF43718"].Unit)
	assert.Equal(t, model.FrequencyQuarterly, meta["SR16734"].Frequency)
	assert.Equal(t, "Trimestral", meta["SR16734"].FrequencyLabel)
	assert.Equal(t, "Índice", meta["SR16734"].Extra["cifra"])
	assert.Equal(t, "01/07/2023", meta["SR16734"].Extra["end_date"])
}

func TestTokenIsRequired(t *testing.T) {
	_, err := NewWithConfig(Config{}, nil)
	assert.Error(t, err)
}
