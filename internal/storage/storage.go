package storage

import (
	"context"

	"github.com/italolelis/direct_downloader/internal/download"
)

// RecordReadRepository loads persisted download records.
type RecordReadRepository interface {
	ListRecords(ctx context.Context) ([]download.Record, error)
}

// RecordWriteRepository persists download records. SaveRecord is an upsert keyed by id.
type RecordWriteRepository interface {
	SaveRecord(ctx context.Context, record download.Record) error
	DeleteRecord(ctx context.Context, id string) error
}

// RecordRepository is the full record store the registry writes through to.
type RecordRepository interface {
	RecordReadRepository
	RecordWriteRepository
}

var _ download.RecordStore = (RecordRepository)(nil)
