package sqlite

import (
	"context"
	"database/sql"

	"github.com/italolelis/direct_downloader/internal/download"
	"github.com/italolelis/direct_downloader/internal/storage"
	"github.com/italolelis/direct_downloader/internal/telemetry"
)

// InstrumentedRecordRepository wraps the record repositories with telemetry.
type InstrumentedRecordRepository struct {
	read      *RecordReadRepository
	write     *RecordWriteRepository
	telemetry *telemetry.Telemetry
}

// NewInstrumentedRecordRepository creates a new instrumented record repository. tel may be nil.
func NewInstrumentedRecordRepository(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedRecordRepository {
	return &InstrumentedRecordRepository{
		read:      NewRecordReadRepository(dbConn),
		write:     NewRecordWriteRepository(dbConn),
		telemetry: tel,
	}
}

// ListRecords retrieves all records with telemetry.
func (r *InstrumentedRecordRepository) ListRecords(ctx context.Context) ([]download.Record, error) {
	var result []download.Record

	err := r.telemetry.InstrumentDBOperation(ctx, "list_records", func(ctx context.Context) error {
		var err error

		result, err = r.read.ListRecords(ctx)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// SaveRecord upserts a record with telemetry.
func (r *InstrumentedRecordRepository) SaveRecord(ctx context.Context, record download.Record) error {
	return r.telemetry.InstrumentDBOperation(ctx, "save_record", func(ctx context.Context) error {
		return r.write.SaveRecord(ctx, record)
	})
}

// DeleteRecord deletes a record with telemetry.
func (r *InstrumentedRecordRepository) DeleteRecord(ctx context.Context, id string) error {
	return r.telemetry.InstrumentDBOperation(ctx, "delete_record", func(ctx context.Context) error {
		return r.write.DeleteRecord(ctx, id)
	})
}

var _ storage.RecordRepository = (*InstrumentedRecordRepository)(nil)
