// Package profile consumes the platform's profile store: a generic
// document store holding user records keyed by collection and id. The chat
// service only reads and merges records through this narrow interface; the
// profile editing UI owns the content.
package profile

import (
	"context"
	"errors"
	"time"
)

var ErrRecordNotFound = errors.New("record not found")

type Record struct {
	Id        string
	Fields    map[string]any
	UpdatedAt time.Time
}

type Filter struct {
	Field string
	Op    string
	Value string
}

type Store interface {
	// GetRecord fetches a single record, ErrRecordNotFound when absent.
	GetRecord(ctx context.Context, collection, id string) (Record, error)
	// PutRecord writes a record. With merge set, existing fields not named
	// in fields are preserved; otherwise the record is replaced.
	PutRecord(ctx context.Context, collection, id string, fields map[string]any, merge bool) error
	// QueryRecords filters a collection on field values. orderBy names a
	// field, prefixed with "-" for descending. limit <= 0 applies a
	// default.
	QueryRecords(ctx context.Context, collection string, filters []Filter, orderBy string, limit, offset int) ([]Record, error)
}
