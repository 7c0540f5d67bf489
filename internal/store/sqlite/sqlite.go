package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/guregu/null/v6"
	_ "modernc.org/sqlite"

	"econdata/internal/model"
	"econdata/internal/series"
	"econdata/internal/store"
)

type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ store.Store = (*Store)(nil)

func New(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite: path is required")
	}
	if dir := filepath.Dir(path); path != ":memory:" && !strings.HasPrefix(path, "file:") {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlite: create directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	st := &Store{db: db, now: time.Now}
	if err := st.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return st, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// UpsertTable archives every non-null cell of table. Cells that are null in
// the merged table are skipped so a later run cannot blank out a value that
// an earlier run stored. It returns the number of cells written.
func (s *Store) UpsertTable(ctx context.Context, provider, runID string, table *model.Table) (written int, err error) {
	if table.Len() == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO series_observations (
			provider, series_id, date, value, ingested_at, run_id
		) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(provider, series_id, date)
		DO UPDATE SET
			value = excluded.value,
			ingested_at = excluded.ingested_at,
			run_id = excluded.run_id
	`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	ingestedAt := s.now().UTC().Format(time.RFC3339)
	for _, row := range table.Rows {
		for i, column := range table.Columns {
			value := row.Values[i]
			if !value.Valid {
				continue
			}
			if _, err = stmt.ExecContext(ctx, provider, column, row.Date.String(), value.Float64, ingestedAt, runID); err != nil {
				return 0, fmt.Errorf("sqlite: upsert %s %s: %w", column, row.Date, err)
			}
			written++
		}
	}

	if err = tx.Commit(); err != nil {
		return 0, err
	}
	return written, nil
}

func (s *Store) UpsertMetadata(ctx context.Context, provider string, metadata map[string]model.SeriesMetadata) (err error) {
	if len(metadata) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO series_metadata (
			provider, series_id, title, frequency, frequency_label, unit, extra, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(provider, series_id)
		DO UPDATE SET
			title = excluded.title,
			frequency = excluded.frequency,
			frequency_label = excluded.frequency_label,
			unit = excluded.unit,
			extra = excluded.extra,
			updated_at = excluded.updated_at
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	updatedAt := s.now().UTC().Format(time.RFC3339)
	for id, meta := range metadata {
		extra, marshalErr := json.Marshal(meta.Extra)
		if marshalErr != nil {
			err = fmt.Errorf("sqlite: encode metadata extra for %s: %w", id, marshalErr)
			return err
		}
		_, err = stmt.ExecContext(ctx, provider, id, meta.Title, int(meta.Frequency), meta.FrequencyLabel, meta.Unit, string(extra), updatedAt)
		if err != nil {
			return fmt.Errorf("sqlite: upsert metadata %s: %w", id, err)
		}
	}

	return tx.Commit()
}

func (s *Store) LoadMetadata(ctx context.Context, provider, seriesID string) (model.SeriesMetadata, bool, error) {
	var (
		meta      model.SeriesMetadata
		frequency int
		extra     sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT series_id, title, frequency, frequency_label, unit, extra
		FROM series_metadata
		WHERE provider = ? AND series_id = ?
	`, provider, seriesID).Scan(&meta.ID, &meta.Title, &frequency, &meta.FrequencyLabel, &meta.Unit, &extra)
	if err == sql.ErrNoRows {
		return model.SeriesMetadata{}, false, nil
	}
	if err != nil {
		return model.SeriesMetadata{}, false, err
	}
	meta.Frequency = model.Frequency(frequency)
	if extra.Valid && extra.String != "" && extra.String != "null" {
		if err := json.Unmarshal([]byte(extra.String), &meta.Extra); err != nil {
			return model.SeriesMetadata{}, false, fmt.Errorf("sqlite: decode metadata extra for %s: %w", seriesID, err)
		}
	}
	return meta, true, nil
}

// ListSeries summarises the archived series of provider, or of every
// provider when provider is empty.
func (s *Store) ListSeries(ctx context.Context, provider string) ([]store.SeriesKey, error) {
	query := `
		SELECT o.provider, o.series_id, COALESCE(m.title, ''), COUNT(*), MIN(o.date), MAX(o.date)
		FROM series_observations o
		LEFT JOIN series_metadata m ON m.provider = o.provider AND m.series_id = o.series_id
	`
	args := []any{}
	if strings.TrimSpace(provider) != "" {
		query += " WHERE o.provider = ?"
		args = append(args, provider)
	}
	query += " GROUP BY o.provider, o.series_id ORDER BY o.provider, o.series_id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	keys := make([]store.SeriesKey, 0)
	for rows.Next() {
		var (
			key         store.SeriesKey
			first, last string
		)
		if err := rows.Scan(&key.Provider, &key.SeriesID, &key.Title, &key.Observations, &first, &last); err != nil {
			return nil, err
		}
		if key.First, err = civil.ParseDate(first); err != nil {
			return nil, fmt.Errorf("sqlite: stored date %q: %w", first, err)
		}
		if key.Last, err = civil.ParseDate(last); err != nil {
			return nil, fmt.Errorf("sqlite: stored date %q: %w", last, err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// LoadTable rebuilds a merged table from the archive. Columns follow
// seriesIDs; when seriesIDs is empty every series of provider is loaded in
// id order. start and end bound the dates inclusively when set.
func (s *Store) LoadTable(ctx context.Context, provider string, seriesIDs []string, start, end *civil.Date) (*model.Table, error) {
	if strings.TrimSpace(provider) == "" {
		return nil, fmt.Errorf("sqlite: provider is required")
	}

	query := `SELECT series_id, date, value FROM series_observations WHERE provider = ?`
	args := []any{provider}
	if len(seriesIDs) > 0 {
		query += " AND series_id IN (" + placeholders(len(seriesIDs)) + ")"
		for _, id := range seriesIDs {
			args = append(args, id)
		}
	}
	// ISO dates order lexically.
	if start != nil {
		query += " AND date >= ?"
		args = append(args, start.String())
	}
	if end != nil {
		query += " AND date <= ?"
		args = append(args, end.String())
	}
	query += " ORDER BY series_id, date"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byID := make(map[string]*model.Series)
	for rows.Next() {
		var (
			id, date string
			value    null.Float
		)
		if err := rows.Scan(&id, &date, &value); err != nil {
			return nil, err
		}
		parsed, err := civil.ParseDate(date)
		if err != nil {
			return nil, fmt.Errorf("sqlite: stored date %q: %w", date, err)
		}
		ser, ok := byID[id]
		if !ok {
			ser = &model.Series{ID: id}
			byID[id] = ser
		}
		ser.Observations = append(ser.Observations, model.Observation{Date: parsed, Value: value})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	order := seriesIDs
	if len(order) == 0 {
		order = make([]string, 0, len(byID))
		for id := range byID {
			order = append(order, id)
		}
		sort.Strings(order)
	}
	list := make([]*model.Series, 0, len(order))
	for _, id := range order {
		if ser, ok := byID[id]; ok {
			list = append(list, ser)
		} else {
			list = append(list, &model.Series{ID: id})
		}
	}
	return series.Merge(list...), nil
}

func (s *Store) migrate() error {
	statements := []string{
		`PRAGMA foreign_keys = ON;`,
		`CREATE TABLE IF NOT EXISTS series_observations (
			provider TEXT NOT NULL,
			series_id TEXT NOT NULL,
			date TEXT NOT NULL,
			value REAL,
			ingested_at TEXT NOT NULL,
			run_id TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (provider, series_id, date)
		);`,
		`CREATE TABLE IF NOT EXISTS series_metadata (
			provider TEXT NOT NULL,
			series_id TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			frequency INTEGER NOT NULL DEFAULT 0,
			frequency_label TEXT NOT NULL DEFAULT '',
			unit TEXT NOT NULL DEFAULT '',
			extra TEXT,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (provider, series_id)
		);`,
	}

	for _, statement := range statements {
		if _, err := s.db.Exec(statement); err != nil {
			return err
		}
	}

	return nil
}

func placeholders(count int) string {
	if count <= 0 {
		return ""
	}
	return strings.TrimRight(strings.Repeat("?,", count), ",")
}
