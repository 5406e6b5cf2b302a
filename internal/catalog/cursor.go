package catalog

import (
	"database/sql"
	"log"

	"github.com/ecmwf/open-ecpds-sub002/internal/model"
)

// TransferCursor iterates a transfer range query. It holds server-side query
// state and MUST be closed on every exit path of the enclosing operation;
// callers are expected to `defer cur.Close()` immediately after acquisition.
type TransferCursor struct {
	rows    *sql.Rows
	current *model.DataTransfer
	err     error
}

// Next advances the cursor. It returns false at the end of the result set or
// on the first scan error (inspect Err afterwards).
func (c *TransferCursor) Next() bool {
	if c.err != nil || !c.rows.Next() {
		return false
	}
	t, err := scanTransfer(c.rows)
	if err != nil {
		c.err = unavailable("scan transfer", err)
		return false
	}
	c.current = t
	return true
}

// Transfer returns the row scanned by the last successful Next.
func (c *TransferCursor) Transfer() *model.DataTransfer { return c.current }

// Err returns the first error encountered while iterating.
func (c *TransferCursor) Err() error {
	if c.err != nil {
		return c.err
	}
	return c.rows.Err()
}

// Close releases the cursor. A release failure is logged, never propagated:
// the rows already read remain valid and the primary operation must not be
// rolled back for it.
func (c *TransferCursor) Close() {
	if err := c.rows.Close(); err != nil {
		log.Printf("[catalog] warning: cursor close failed: %v", err)
	}
}

// transferColumns is the joined select list shared by all transfer queries.
const transferColumns = `
	t.id, t.destination_name, t.data_file_id, t.target, t.status,
	t.scheduled_at_ms, t.queued_at_ms, t.asap, t.size, t.deleted, t.comment,
	t.retry_count, t.start_count, t.duration_ms, t.sent, t.started_at_ms,
	t.finished_at_ms, t.first_finished_at_ms, t.expires_at_ms,
	f.id, f.original, f.file_system, f.time_step, f.time_base_ms,
	f.meta_stream, f.meta_type, f.meta_time, f.arrived_at_ms, f.size,
	f.downloaded, f.deleted, f.file_instance`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransfer(row rowScanner) (*model.DataTransfer, error) {
	var (
		t         model.DataTransfer
		f         model.DataFile
		scheduled int64
		queued    sql.NullInt64
		started   sql.NullInt64
		finished  sql.NullInt64
		firstFin  sql.NullInt64
		expires   sql.NullInt64
		timeBase  int64
		arrived   int64
		instance  sql.NullInt64
	)
	if err := row.Scan(
		&t.ID, &t.DestinationName, &t.DataFileID, &t.Target, &t.Status,
		&scheduled, &queued, &t.ASAP, &t.Size, &t.Deleted, &t.Comment,
		&t.RetryCount, &t.StartCount, &t.DurationMs, &t.Sent, &started,
		&finished, &firstFin, &expires,
		&f.ID, &f.Original, &f.FileSystem, &f.TimeStep, &timeBase,
		&f.MetaStream, &f.MetaType, &f.MetaTime, &arrived, &f.Size,
		&f.Downloaded, &f.Deleted, &instance,
	); err != nil {
		return nil, err
	}
	t.ScheduledAt = fromMs(scheduled)
	t.QueuedAt = fromMsPtr(queued)
	t.StartedAt = fromMsPtr(started)
	t.FinishedAt = fromMsPtr(finished)
	t.FirstFinishedAt = fromMsPtr(firstFin)
	t.ExpiresAt = fromMsPtr(expires)
	f.TimeBase = fromMs(timeBase)
	f.ArrivedAt = fromMs(arrived)
	if instance.Valid {
		v := int(instance.Int64)
		f.FileInstance = &v
	}
	t.File = &f
	return &t, nil
}
