package exporter

import (
	"bytes"
	"encoding/json"
	"math"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/guregu/null/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"econdata/internal/model"
)

func sample() *model.Table {
	return &model.Table{
		Columns: []string{"SF43718", "SR16734"},
		Rows: []model.Row{
			{Date: civil.Date{Year: 2023, Month: time.January, Day: 2}, Values: []null.Float{null.FloatFrom(18.87654), {}}},
			{Date: civil.Date{Year: 2023, Month: time.March, Day: 1}, Values: []null.Float{null.FloatFrom(19.1), null.FloatFrom(-0.5)}},
		},
	}
}

func TestParseFormat(t *testing.T) {
	for input, want := range map[string]Format{"csv": FormatCSV, " XLSX ": FormatXLSX, "excel": FormatXLSX, "json": FormatJSON} {
		got, err := ParseFormat(input)
		require.NoError(t, err, input)
		assert.Equal(t, want, got)
	}
	_, err := ParseFormat("parquet")
	assert.ErrorIs(t, err, ErrUnknownFormat)

	got, err := FormatFromPath("out/series.xlsx")
	require.NoError(t, err)
	assert.Equal(t, FormatXLSX, got)
	_, err = FormatFromPath("out/series")
	assert.ErrorIs(t, err, ErrUnknownFormat)
}

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, FormatCSV, sample(), Options{Precision: 2}))

	assert.Equal(t, "date,SF43718,SR16734\n2023-01-02,18.88,\n2023-03-01,19.1,-0.5\n", buf.String())
}

func TestWriteCSVKeepsFullPrecision(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, sample(), Options{Precision: -1}))
	assert.Contains(t, buf.String(), "2023-01-02,18.87654,\n")
}

func TestWriteJSON(t *testing.T) {
	var buf bytes.Buffer
	err := WriteJSON(&buf, sample(), Options{Precision: -1, Metadata: map[string]model.SeriesMetadata{
		"SR16734": {ID: "SR16734", Title: "IGAE", Frequency: model.FrequencyMonthly},
		"SF43718": {ID: "SF43718", Title: "FIX", FrequencyLabel: "Diaria"},
	}})
	require.NoError(t, err)

	var doc struct {
		Columns []string `json:"columns"`
		Rows    []struct {
			Date   string     `json:"date"`
			Values []*float64 `json:"values"`
		} `json:"rows"`
		Metadata []struct {
			ID        string `json:"id"`
			Frequency string `json:"frequency"`
		} `json:"metadata"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &doc))

	assert.Equal(t, []string{"SF43718", "SR16734"}, doc.Columns)
	require.Len(t, doc.Rows, 2)
	assert.Equal(t, "2023-01-02", doc.Rows[0].Date)
	require.NotNil(t, doc.Rows[0].Values[0])
	assert.InDelta(t, 18.87654, *doc.Rows[0].Values[0], 1e-9)
	assert.Nil(t, doc.Rows[0].Values[1])

	require.Len(t, doc.Metadata, 2)
	assert.Equal(t, "SF43718", doc.Metadata[0].ID)
	assert.Equal(t, "Diaria", doc.Metadata[0].Frequency)
	assert.Equal(t, "monthly", doc.Metadata[1].Frequency)
}

func TestWriteJSONEmptyTable(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, FormatJSON, nil, Options{}))
	assert.JSONEq(t, `{"columns":[],"rows":[]}`, buf.String())
}

func TestWriteXLSX(t *testing.T) {
	var buf bytes.Buffer
	err := WriteXLSX(&buf, sample(), Options{Precision: 2, Metadata: map[string]model.SeriesMetadata{
		"SF43718": {ID: "SF43718", Title: "FIX", Unit: "MXN"},
	}})
	require.NoError(t, err)

	f, err := excelize.OpenReader(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows("data")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"date", "SF43718", "SR16734"}, rows[0])
	assert.Equal(t, "2023-01-02", rows[1][0])
	assert.Equal(t, "18.88", rows[1][1])
	assert.Equal(t, []string{"2023-03-01", "19.1", "-0.5"}, rows[2])

	meta, err := f.GetRows("metadata")
	require.NoError(t, err)
	require.Len(t, meta, 2)
	assert.Equal(t, []string{"SF43718", "FIX", "", "MXN"}, meta[1])
}

func TestWriteUnknownFormat(t *testing.T) {
	err := Write(&bytes.Buffer{}, Format("parquet"), sample(), Options{})
	assert.ErrorIs(t, err, ErrUnknownFormat)
}

func TestNonFiniteValuesAreWrittenAsMissing(t *testing.T) {
	table := &model.Table{
		Columns: []string{"A", "B"},
		Rows: []model.Row{
			{Date: civil.Date{Year: 2024, Month: time.January, Day: 1}, Values: []null.Float{null.FloatFrom(math.NaN()), null.FloatFrom(math.Inf(1))}},
		},
	}
	for _, format := range []Format{FormatCSV, FormatJSON, FormatXLSX} {
		var buf bytes.Buffer
		require.NotPanics(t, func() {
			require.NoError(t, Write(&buf, format, table, Options{Precision: 2}))
		}, format)
	}

	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, table, Options{Precision: 2}))
	assert.Equal(t, "date,A,B\n2024-01-01,,\n", buf.String())
}
