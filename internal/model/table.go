package model

import (
	"cloud.google.com/go/civil"
	"github.com/guregu/null/v6"
)

// Table is a date-indexed set of columns, one per series. Rows are sorted
// strictly ascending by date and every row carries one value per column.
type Table struct {
	Columns []string
	Rows    []Row
}

type Row struct {
	Date   civil.Date
	Values []null.Float
}

func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Rows)
}

func (t *Table) Dates() []civil.Date {
	if t == nil {
		return nil
	}
	dates := make([]civil.Date, len(t.Rows))
	for i, row := range t.Rows {
		dates[i] = row.Date
	}
	return dates
}

func (t *Table) ColumnIndex(name string) int {
	if t == nil {
		return -1
	}
	for i, column := range t.Columns {
		if column == name {
			return i
		}
	}
	return -1
}

// Column returns the values of the named column aligned with Rows, or nil
// when the table has no such column.
func (t *Table) Column(name string) []null.Float {
	index := t.ColumnIndex(name)
	if index < 0 {
		return nil
	}
	values := make([]null.Float, len(t.Rows))
	for i, row := range t.Rows {
		values[i] = row.Values[index]
	}
	return values
}

// Value looks up a single cell. The boolean is false when either the date or
// the column is absent; a present cell may still hold a null value.
func (t *Table) Value(date civil.Date, name string) (null.Float, bool) {
	index := t.ColumnIndex(name)
	if index < 0 {
		return null.Float{}, false
	}
	for _, row := range t.Rows {
		if row.Date == date {
			return row.Values[index], true
		}
	}
	return null.Float{}, false
}
