package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/italolelis/direct_downloader/internal/download"
)

type RecordReadRepository struct {
	db *sql.DB
}

func NewRecordReadRepository(dbConn *sql.DB) *RecordReadRepository {
	return &RecordReadRepository{db: dbConn}
}

// ListRecords returns every stored record, oldest first.
func (r *RecordReadRepository) ListRecords(ctx context.Context) ([]download.Record, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT
			id,
			source_url,
			destination_path,
			status,
			total_bytes,
			downloaded_bytes,
			progress,
			error_message,
			file_created,
			created_at,
			updated_at
		FROM downloads
		ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []download.Record

	for rows.Next() {
		var (
			record               download.Record
			status               string
			createdAt, updatedAt string
		)

		if err := rows.Scan(
			&record.ID,
			&record.SourceURL,
			&record.DestinationPath,
			&status,
			&record.TotalBytes,
			&record.DownloadedBytes,
			&record.Progress,
			&record.ErrorMessage,
			&record.FileCreated,
			&createdAt,
			&updatedAt,
		); err != nil {
			return nil, err
		}

		record.Status = download.Status(status)

		if record.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("record %s: invalid created_at: %w", record.ID, err)
		}

		if record.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
			return nil, fmt.Errorf("record %s: invalid updated_at: %w", record.ID, err)
		}

		records = append(records, record)
	}

	return records, rows.Err()
}
