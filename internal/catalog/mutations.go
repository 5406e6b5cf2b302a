package catalog

import (
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/ecmwf/open-ecpds-sub002/internal/model"
)

// UpsertDestination creates or replaces a destination and drops its cached
// copy.
func (c *Catalog) UpsertDestination(d model.Destination) error {
	d.UpdatedAtNs = time.Now().UnixNano()
	_, err := c.db.Exec(`INSERT INTO destinations
		(name, group_by_date, country_iso, comment, user_name, monitor,
		 mail_on_end, options, updated_at_ns)
		VALUES (?,?,?,?,?,?,?,?,?)
		ON CONFLICT(name) DO UPDATE SET
		 group_by_date=excluded.group_by_date,
		 country_iso=excluded.country_iso,
		 comment=excluded.comment,
		 user_name=excluded.user_name,
		 monitor=excluded.monitor,
		 mail_on_end=excluded.mail_on_end,
		 options=excluded.options,
		 updated_at_ns=excluded.updated_at_ns`,
		d.Name, d.GroupByDate, d.CountryISO, d.Comment, d.UserName,
		d.Monitor, d.MailOnEnd, d.Options, d.UpdatedAtNs)
	if err != nil {
		return unavailable("upsert destination", err)
	}
	c.InvalidateDestination(d.Name)
	return nil
}

// InsertDataFile stores a new data file and returns its id.
func (c *Catalog) InsertDataFile(f *model.DataFile) (int64, error) {
	res, err := c.db.Exec(`INSERT INTO data_files
		(original, file_system, time_step, time_base_ms, meta_stream,
		 meta_type, meta_time, arrived_at_ms, size, downloaded, deleted,
		 file_instance)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		f.Original, f.FileSystem, f.TimeStep, ms(f.TimeBase), f.MetaStream,
		f.MetaType, f.MetaTime, ms(f.ArrivedAt), f.Size, f.Downloaded,
		f.Deleted, nullableInt(f.FileInstance))
	if err != nil {
		return 0, unavailable("insert data file", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, unavailable("insert data file", err)
	}
	f.ID = id
	return id, nil
}

// InsertTransfer stores a new data transfer and returns its id.
func (c *Catalog) InsertTransfer(t *model.DataTransfer) (int64, error) {
	res, err := c.db.Exec(`INSERT INTO data_transfers
		(destination_name, data_file_id, target, status, scheduled_at_ms,
		 queued_at_ms, asap, size, deleted, comment, retry_count,
		 start_count, duration_ms, sent, started_at_ms, finished_at_ms,
		 first_finished_at_ms, expires_at_ms)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.DestinationName, t.DataFileID, t.Target, t.Status,
		ms(t.ScheduledAt), msPtr(t.QueuedAt), t.ASAP, t.Size, t.Deleted,
		t.Comment, t.RetryCount, t.StartCount, t.DurationMs, t.Sent,
		msPtr(t.StartedAt), msPtr(t.FinishedAt), msPtr(t.FirstFinishedAt),
		msPtr(t.ExpiresAt))
	if err != nil {
		return 0, unavailable("insert transfer", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, unavailable("insert transfer", err)
	}
	t.ID = id
	return id, nil
}

// UpdateTransfer rewrites the mutable columns of an existing transfer.
func (c *Catalog) UpdateTransfer(t *model.DataTransfer) error {
	res, err := c.db.Exec(`UPDATE data_transfers SET
		target=?, status=?, scheduled_at_ms=?, queued_at_ms=?, asap=?,
		size=?, deleted=?, comment=?, retry_count=?, start_count=?,
		duration_ms=?, sent=?, started_at_ms=?, finished_at_ms=?,
		first_finished_at_ms=?, expires_at_ms=?
		WHERE id=?`,
		t.Target, t.Status, ms(t.ScheduledAt), msPtr(t.QueuedAt), t.ASAP,
		t.Size, t.Deleted, t.Comment, t.RetryCount, t.StartCount,
		t.DurationMs, t.Sent, msPtr(t.StartedAt), msPtr(t.FinishedAt),
		msPtr(t.FirstFinishedAt), msPtr(t.ExpiresAt), t.ID)
	if err != nil {
		return unavailable("update transfer", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: transfer %d", ErrNotFound, t.ID)
	}
	return nil
}

// UpdateSchedulerValue persists the per-destination scheduler pointer. The
// scheduler state of an existing row is left untouched.
func (c *Catalog) UpdateSchedulerValue(v model.SchedulerValue) error {
	v.UpdatedAtNs = time.Now().UnixNano()
	_, err := c.db.Exec(`INSERT INTO scheduler_values
		(destination_name, last_transfer_ok, updated_at_ns)
		VALUES (?,?,?)
		ON CONFLICT(destination_name) DO UPDATE SET
		 last_transfer_ok=excluded.last_transfer_ok,
		 updated_at_ns=excluded.updated_at_ns`,
		v.DestinationName, v.LastTransferOk, v.UpdatedAtNs)
	if err != nil {
		return unavailable("update scheduler value", err)
	}
	return nil
}

// UpdateSchedulerStatus persists the per-destination scheduler state. The
// transfer pointer of an existing row is left untouched.
func (c *Catalog) UpdateSchedulerStatus(dest, status string) error {
	_, err := c.db.Exec(`INSERT INTO scheduler_values
		(destination_name, status, updated_at_ns)
		VALUES (?,?,?)
		ON CONFLICT(destination_name) DO UPDATE SET
		 status=excluded.status,
		 updated_at_ns=excluded.updated_at_ns`,
		dest, status, time.Now().UnixNano())
	if err != nil {
		return unavailable("update scheduler status", err)
	}
	return nil
}

// RemoveDataFileAndTransfers marks a data file and all its transfers
// deleted. The physical bytes are left to the storage layer.
func (c *Catalog) RemoveDataFileAndTransfers(fileID int64) error {
	tx, err := c.db.Begin()
	if err != nil {
		return unavailable("remove data file", err)
	}
	defer tx.Rollback() //nolint:errcheck
	if _, err := tx.Exec(`UPDATE data_files SET deleted=1 WHERE id=?`, fileID); err != nil {
		return unavailable("remove data file", err)
	}
	if _, err := tx.Exec(`UPDATE data_transfers SET deleted=1 WHERE data_file_id=?`, fileID); err != nil {
		return unavailable("remove data file", err)
	}
	if err := tx.Commit(); err != nil {
		return unavailable("remove data file", err)
	}
	return nil
}

// InsertIncomingHistory records a completed portal transfer.
func (c *Catalog) InsertIncomingHistory(h model.IncomingHistory) error {
	if h.ID == "" {
		h.ID = uuid.NewString()
	}
	_, err := c.db.Exec(`INSERT INTO incoming_history
		(id, data_transfer_id, destination, file_name, file_size,
		 scheduled_at_ms, started_at_ms, meta_stream, meta_type, meta_time,
		 time_base_ms, time_step, duration_ms, user_name, sent, protocol,
		 transfer_server, host_address, upload)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		h.ID, h.DataTransferID, h.Destination, h.FileName, h.FileSize,
		ms(h.ScheduledAt), ms(h.StartedAt), h.MetaStream, h.MetaType,
		h.MetaTime, ms(h.TimeBase), h.TimeStep, h.DurationMs, h.UserName,
		h.Sent, h.Protocol, h.TransferServer, h.HostAddress, h.Upload)
	if err != nil {
		return unavailable("insert incoming history", err)
	}
	return nil
}

// InsertTransferHistory appends a per-transfer status line.
func (c *Catalog) InsertTransferHistory(h model.TransferHistory) error {
	if h.ID == "" {
		h.ID = uuid.NewString()
	}
	if h.At.IsZero() {
		h.At = time.Now().UTC()
	}
	_, err := c.db.Exec(`INSERT INTO transfer_history
		(id, data_transfer_id, status, comment, error, at_ms)
		VALUES (?,?,?,?,?,?)`,
		h.ID, h.DataTransferID, h.Status, h.Comment, h.Error, ms(h.At))
	if err != nil {
		return unavailable("insert transfer history", err)
	}
	return nil
}

// AppendAudit stores one structured audit line and mirrors it to the log.
func (c *Catalog) AppendAudit(line string) error {
	_, err := c.db.Exec(`INSERT INTO audit_log (id, at_ms, line) VALUES (?,?,?)`,
		uuid.NewString(), ms(time.Now()), line)
	if err != nil {
		return unavailable("append audit", err)
	}
	log.Printf("[audit] %s", line)
	return nil
}

// UpsertTransferServer creates or replaces a worker-node row.
func (c *Catalog) UpsertTransferServer(s model.TransferServer) error {
	_, err := c.db.Exec(`INSERT INTO transfer_servers
		(name, group_name, host, port, active) VALUES (?,?,?,?,?)
		ON CONFLICT(name) DO UPDATE SET
		 group_name=excluded.group_name, host=excluded.host,
		 port=excluded.port, active=excluded.active`,
		s.Name, s.GroupName, s.Host, s.Port, s.Active)
	if err != nil {
		return unavailable("upsert transfer server", err)
	}
	return nil
}

// UpsertTransferGroup creates or replaces a pool row.
func (c *Catalog) UpsertTransferGroup(g model.TransferGroup) error {
	_, err := c.db.Exec(`INSERT INTO transfer_groups
		(name, active, cluster_name, cluster_weight, volume_count)
		VALUES (?,?,?,?,?)
		ON CONFLICT(name) DO UPDATE SET
		 active=excluded.active, cluster_name=excluded.cluster_name,
		 cluster_weight=excluded.cluster_weight,
		 volume_count=excluded.volume_count`,
		g.Name, g.Active, g.ClusterName, nullableInt(g.ClusterWeight),
		g.VolumeCount)
	if err != nil {
		return unavailable("upsert transfer group", err)
	}
	return nil
}

// UpsertIncomingUser creates or replaces a portal identity.
func (c *Catalog) UpsertIncomingUser(u model.IncomingUser) error {
	_, err := c.db.Exec(`INSERT INTO incoming_users
		(id, country_iso, comment, policies) VALUES (?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
		 country_iso=excluded.country_iso, comment=excluded.comment,
		 policies=excluded.policies`,
		u.ID, u.CountryISO, u.Comment, u.Policies)
	if err != nil {
		return unavailable("upsert incoming user", err)
	}
	return nil
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
