// Package series turns raw provider points into normalized series and joins
// series into date-indexed tables.
package series

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/guregu/null/v6"

	"econdata/internal/model"
	"econdata/internal/period"
)

var ErrMalformedValue = errors.New("series: malformed value")

// Assembler converts the raw (period, value) pairs of a single series.
type Assembler struct {
	// Missing lists the tokens a provider uses for "no observation".
	Missing []string
	// Periods defaults to period.Normalize.
	Periods period.Parser
}

// Assemble builds a series sorted ascending by date. The first malformed
// period or value aborts the whole series.
func (a Assembler) Assemble(id string, freq model.Frequency, points []model.RawPoint) (*model.Series, error) {
	parse := a.Periods
	if parse == nil {
		parse = period.Normalize
	}

	observations := make([]model.Observation, 0, len(points))
	for _, point := range points {
		date, err := parse(point.Period, freq)
		if err != nil {
			return nil, fmt.Errorf("series %s: %w", id, err)
		}
		value, err := a.parseValue(point.Value)
		if err != nil {
			return nil, fmt.Errorf("%w: series %s period %q value %q", ErrMalformedValue, id, point.Period, point.Value)
		}
		observations = append(observations, model.Observation{Date: date, Value: value})
	}

	sort.SliceStable(observations, func(i, j int) bool {
		return observations[i].Date.Before(observations[j].Date)
	})

	return &model.Series{
		ID:           id,
		Frequency:    freq,
		Observations: observations,
	}, nil
}

func (a Assembler) parseValue(raw string) (null.Float, error) {
	cleaned := strings.TrimSpace(strings.ReplaceAll(raw, ",", ""))
	for _, marker := range a.Missing {
		if cleaned == marker || strings.TrimSpace(raw) == marker {
			return null.Float{}, nil
		}
	}
	value, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return null.Float{}, err
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return null.Float{}, errors.New("value is not finite")
	}
	return null.FloatFrom(value), nil
}
