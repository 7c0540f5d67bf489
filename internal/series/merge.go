package series

import (
	"sort"

	"cloud.google.com/go/civil"
	"github.com/guregu/null/v6"

	"econdata/internal/model"
	"econdata/internal/period"
)

// Merge outer-joins series on date. Columns keep input order and absent cells
// stay null. When a series repeats a date the later observation wins.
func Merge(list ...*model.Series) *model.Table {
	table := &model.Table{Columns: make([]string, 0, len(list))}
	index := map[civil.Date]int{}
	var dates []civil.Date

	columns := make([]map[civil.Date]null.Float, 0, len(list))
	for _, s := range list {
		if s == nil {
			continue
		}
		values := make(map[civil.Date]null.Float, len(s.Observations))
		for _, obs := range s.Observations {
			values[obs.Date] = obs.Value
			if _, ok := index[obs.Date]; !ok {
				index[obs.Date] = len(dates)
				dates = append(dates, obs.Date)
			}
		}
		table.Columns = append(table.Columns, s.ID)
		columns = append(columns, values)
	}

	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })

	table.Rows = make([]model.Row, len(dates))
	for i, date := range dates {
		row := model.Row{Date: date, Values: make([]null.Float, len(columns))}
		for c, values := range columns {
			row.Values[c] = values[date]
		}
		table.Rows[i] = row
	}
	return table
}

// Filter keeps observations within the inclusive range. Nil bounds are open.
func Filter(s *model.Series, start, end *civil.Date) {
	if s == nil || (start == nil && end == nil) {
		return
	}
	kept := s.Observations[:0]
	for _, obs := range s.Observations {
		if start != nil && obs.Date.Before(*start) {
			continue
		}
		if end != nil && obs.Date.After(*end) {
			continue
		}
		kept = append(kept, obs)
	}
	s.Observations = kept
}

// AlignQuarterEnd moves every date two months forward so quarterly
// observations are labelled by the last month of their quarter. It returns
// false, leaving s untouched, when s is already aligned.
func AlignQuarterEnd(s *model.Series) bool {
	if s == nil || s.QuarterEndAligned {
		return false
	}
	for i := range s.Observations {
		s.Observations[i].Date = period.AddMonths(s.Observations[i].Date, 2)
	}
	s.QuarterEndAligned = true
	return true
}
