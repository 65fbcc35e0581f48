package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/italolelis/direct_downloader/internal/download"
)

// RecordWriteRepository implements storage.RecordWriteRepository
// and stores download records in SQLite.
type RecordWriteRepository struct {
	db *sql.DB
}

func NewRecordWriteRepository(db *sql.DB) *RecordWriteRepository {
	return &RecordWriteRepository{db: db}
}

// SaveRecord inserts record or overwrites the stored row with the same id.
func (r *RecordWriteRepository) SaveRecord(ctx context.Context, record download.Record) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO downloads (
			id, source_url, destination_path, status, total_bytes,
			downloaded_bytes, progress, error_message, file_created, created_at, updated_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			source_url = excluded.source_url,
			destination_path = excluded.destination_path,
			status = excluded.status,
			total_bytes = excluded.total_bytes,
			downloaded_bytes = excluded.downloaded_bytes,
			progress = excluded.progress,
			error_message = excluded.error_message,
			file_created = excluded.file_created,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at
	`,
		record.ID,
		record.SourceURL,
		record.DestinationPath,
		string(record.Status),
		record.TotalBytes,
		record.DownloadedBytes,
		record.Progress,
		record.ErrorMessage,
		record.FileCreated,
		record.CreatedAt.UTC().Format(time.RFC3339Nano),
		record.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)

	return err
}

// DeleteRecord removes the row of id. Deleting an unknown id is not an error.
func (r *RecordWriteRepository) DeleteRecord(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM downloads WHERE id = ?`, id)

	return err
}
