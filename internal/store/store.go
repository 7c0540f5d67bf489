package store

import (
	"context"

	"cloud.google.com/go/civil"

	"econdata/internal/model"
)

// Store archives fetched tables so they can be exported later without
// calling the providers again.
type Store interface {
	UpsertTable(ctx context.Context, provider, runID string, table *model.Table) (int, error)
	UpsertMetadata(ctx context.Context, provider string, metadata map[string]model.SeriesMetadata) error
	LoadMetadata(ctx context.Context, provider, seriesID string) (model.SeriesMetadata, bool, error)
	ListSeries(ctx context.Context, provider string) ([]SeriesKey, error)
	LoadTable(ctx context.Context, provider string, seriesIDs []string, start, end *civil.Date) (*model.Table, error)
	Close() error
}

type SeriesKey struct {
	Provider     string
	SeriesID     string
	Title        string
	Observations int
	First        civil.Date
	Last         civil.Date
}

// NopStore discards writes; used when persistence is disabled.
type NopStore struct{}

func (s *NopStore) UpsertTable(ctx context.Context, provider, runID string, table *model.Table) (int, error) {
	return 0, nil
}

func (s *NopStore) UpsertMetadata(ctx context.Context, provider string, metadata map[string]model.SeriesMetadata) error {
	return nil
}

func (s *NopStore) LoadMetadata(ctx context.Context, provider, seriesID string) (model.SeriesMetadata, bool, error) {
	return model.SeriesMetadata{}, false, nil
}

func (s *NopStore) ListSeries(ctx context.Context, provider string) ([]SeriesKey, error) {
	return nil, nil
}

func (s *NopStore) LoadTable(ctx context.Context, provider string, seriesIDs []string, start, end *civil.Date) (*model.Table, error) {
	return &model.Table{}, nil
}

func (s *NopStore) Close() error {
	return nil
}
