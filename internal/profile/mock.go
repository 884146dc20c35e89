package profile

import (
	"context"

	"github.com/stretchr/testify/mock"
)

type MockStore struct {
	mock.Mock
}

func (m *MockStore) GetRecord(ctx context.Context, collection, id string) (Record, error) {
	args := m.Called(ctx, collection, id)
	return args.Get(0).(Record), args.Error(1)
}

func (m *MockStore) PutRecord(ctx context.Context, collection, id string, fields map[string]any, merge bool) error {
	args := m.Called(ctx, collection, id, fields, merge)
	return args.Error(0)
}

func (m *MockStore) QueryRecords(ctx context.Context, collection string, filters []Filter, orderBy string, limit, offset int) ([]Record, error) {
	args := m.Called(ctx, collection, filters, orderBy, limit, offset)
	if recs, ok := args.Get(0).([]Record); ok {
		return recs, args.Error(1)
	}
	return nil, args.Error(1)
}
