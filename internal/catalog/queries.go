package catalog

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ecmwf/open-ecpds-sub002/internal/model"
)

// visiblePredicate keeps only transfers servable to clients: scheduled time
// reached (or asap), file downloaded, neither row deleted, status past INIT.
// One positional parameter: the caller's "now" in epoch milliseconds.
const visiblePredicate = `(t.asap = 1 OR t.scheduled_at_ms <= ?)
	AND f.downloaded = 1 AND t.deleted = 0 AND f.deleted = 0
	AND t.status <> 'INIT'`

const dayMs = int64(24 * time.Hour / time.Millisecond)

func orderClause(s Sort, o Order) string {
	col := "t.target"
	switch s {
	case SortByScheduledTime:
		col = "t.scheduled_at_ms"
	case SortBySize:
		col = "t.size"
	}
	dir := "ASC"
	if o == OrderDesc {
		dir = "DESC"
	}
	// Secondary id ordering keeps listings deterministic for dedup.
	return fmt.Sprintf("ORDER BY %s %s, t.id ASC", col, dir)
}

// DestinationByName returns the destination, served from the bounded cache
// when possible.
func (c *Catalog) DestinationByName(name string) (model.Destination, error) {
	if dest, ok := c.destinations.Get(name); ok {
		return dest, nil
	}
	var (
		dest model.Destination
	)
	err := c.db.QueryRow(`SELECT name, group_by_date, country_iso, comment,
		user_name, monitor, mail_on_end, options, updated_at_ns
		FROM destinations WHERE name = ?`, name).Scan(
		&dest.Name, &dest.GroupByDate, &dest.CountryISO, &dest.Comment,
		&dest.UserName, &dest.Monitor, &dest.MailOnEnd, &dest.Options,
		&dest.UpdatedAtNs)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Destination{}, fmt.Errorf("%w: destination %s", ErrNotFound, name)
	}
	if err != nil {
		return model.Destination{}, unavailable("destination by name", err)
	}
	c.destinations.Set(name, dest)
	return dest, nil
}

// InvalidateDestination drops the cached copy after a destination mutation.
func (c *Catalog) InvalidateDestination(name string) {
	c.destinations.Delete(name)
}

// TransferByID returns the transfer with its joined file.
func (c *Catalog) TransferByID(id int64) (*model.DataTransfer, error) {
	row := c.db.QueryRow(`SELECT `+transferColumns+`
		FROM data_transfers t JOIN data_files f ON f.id = t.data_file_id
		WHERE t.id = ?`, id)
	t, err := scanTransfer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: transfer %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, unavailable("transfer by id", err)
	}
	return t, nil
}

// TransfersByTarget opens a cursor over the visible transfers of a
// destination whose target matches the given LIKE pattern (backslash
// escaped). now bounds the scheduled-time visibility check.
func (c *Catalog) TransfersByTarget(dest, targetLike string, now time.Time, s Sort, o Order) (*TransferCursor, error) {
	rows, err := c.db.Query(`SELECT `+transferColumns+`
		FROM data_transfers t JOIN data_files f ON f.id = t.data_file_id
		WHERE t.destination_name = ? AND t.target LIKE ? ESCAPE '\'
		AND `+visiblePredicate+` `+orderClause(s, o),
		dest, targetLike, ms(now))
	if err != nil {
		return nil, unavailable("transfers by target", err)
	}
	return &TransferCursor{rows: rows}, nil
}

// TransfersByTargetOnDate opens a cursor over the visible transfers of a
// destination whose file date basis falls in [from, to) and whose target
// matches the pattern ("%" lists the whole bucket).
func (c *Catalog) TransfersByTargetOnDate(dest, targetLike string, from, to, now time.Time, s Sort, o Order) (*TransferCursor, error) {
	rows, err := c.db.Query(`SELECT `+transferColumns+`
		FROM data_transfers t JOIN data_files f ON f.id = t.data_file_id
		WHERE t.destination_name = ? AND t.target LIKE ? ESCAPE '\'
		AND f.time_base_ms >= ? AND f.time_base_ms < ?
		AND `+visiblePredicate+` `+orderClause(s, o),
		dest, targetLike, ms(from), ms(to), ms(now))
	if err != nil {
		return nil, unavailable("transfers by target on date", err)
	}
	return &TransferCursor{rows: rows}, nil
}

// TransfersByDataFile returns every transfer fanning out from one data file.
func (c *Catalog) TransfersByDataFile(fileID int64) ([]*model.DataTransfer, error) {
	rows, err := c.db.Query(`SELECT `+transferColumns+`
		FROM data_transfers t JOIN data_files f ON f.id = t.data_file_id
		WHERE t.data_file_id = ? ORDER BY t.id ASC`, fileID)
	if err != nil {
		return nil, unavailable("transfers by data file", err)
	}
	defer rows.Close()
	var out []*model.DataTransfer
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, unavailable("transfers by data file", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("transfers by data file", err)
	}
	return out, nil
}

// DatesWithTransfers returns the distinct day buckets (UTC) holding visible
// transfers for the destination, for date-grouped root listings.
func (c *Catalog) DatesWithTransfers(dest string, now time.Time, o Order) ([]time.Time, error) {
	dir := "ASC"
	if o == OrderDesc {
		dir = "DESC"
	}
	rows, err := c.db.Query(`SELECT DISTINCT (f.time_base_ms / ?) * ? AS day
		FROM data_transfers t JOIN data_files f ON f.id = t.data_file_id
		WHERE t.destination_name = ? AND `+visiblePredicate+`
		ORDER BY day `+dir,
		dayMs, dayMs, dest, ms(now))
	if err != nil {
		return nil, unavailable("dates with transfers", err)
	}
	defer rows.Close()
	var dates []time.Time
	for rows.Next() {
		var day int64
		if err := rows.Scan(&day); err != nil {
			return nil, unavailable("dates with transfers", err)
		}
		dates = append(dates, fromMs(day))
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("dates with transfers", err)
	}
	return dates, nil
}

// SchedulerValue returns the scheduler pointer and state for a destination,
// a scheduled zero row if never written.
func (c *Catalog) SchedulerValue(dest string) (model.SchedulerValue, error) {
	v := model.SchedulerValue{DestinationName: dest, Status: model.SchedulerStateScheduled}
	err := c.db.QueryRow(`SELECT last_transfer_ok, status, updated_at_ns
		FROM scheduler_values WHERE destination_name = ?`, dest).
		Scan(&v.LastTransferOk, &v.Status, &v.UpdatedAtNs)
	if errors.Is(err, sql.ErrNoRows) {
		return v, nil
	}
	if err != nil {
		return v, unavailable("scheduler value", err)
	}
	return v, nil
}

// IncomingUserByID returns the portal identity, or ErrNotFound.
func (c *Catalog) IncomingUserByID(id string) (model.IncomingUser, error) {
	var u model.IncomingUser
	err := c.db.QueryRow(`SELECT id, country_iso, comment, policies
		FROM incoming_users WHERE id = ?`, id).
		Scan(&u.ID, &u.CountryISO, &u.Comment, &u.Policies)
	if errors.Is(err, sql.ErrNoRows) {
		return u, fmt.Errorf("%w: incoming user %s", ErrNotFound, id)
	}
	if err != nil {
		return u, unavailable("incoming user", err)
	}
	return u, nil
}

// Destinations returns all configured destinations in name order.
func (c *Catalog) Destinations() ([]model.Destination, error) {
	rows, err := c.db.Query(`SELECT name, group_by_date, country_iso, comment,
		user_name, monitor, mail_on_end, options, updated_at_ns
		FROM destinations ORDER BY name ASC`)
	if err != nil {
		return nil, unavailable("destinations", err)
	}
	defer rows.Close()
	var out []model.Destination
	for rows.Next() {
		var d model.Destination
		if err := rows.Scan(&d.Name, &d.GroupByDate, &d.CountryISO, &d.Comment,
			&d.UserName, &d.Monitor, &d.MailOnEnd, &d.Options, &d.UpdatedAtNs); err != nil {
			return nil, unavailable("destinations", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("destinations", err)
	}
	return out, nil
}

// PendingAggregate summarizes the queued work of a destination: count and
// total size of visible WAIT/RETR transfers, and the earliest scheduled
// time among them (nil when the queue is empty).
func (c *Catalog) PendingAggregate(dest string, now time.Time) (int, int64, *time.Time, error) {
	var (
		count    int
		size     int64
		earliest sql.NullInt64
	)
	err := c.db.QueryRow(`SELECT COUNT(*), COALESCE(SUM(t.size),0), MIN(t.scheduled_at_ms)
		FROM data_transfers t JOIN data_files f ON f.id = t.data_file_id
		WHERE t.destination_name = ? AND t.status IN ('WAIT','RETR')
		AND `+visiblePredicate, dest, ms(now)).
		Scan(&count, &size, &earliest)
	if err != nil {
		return 0, 0, nil, unavailable("pending aggregate", err)
	}
	return count, size, fromMsPtr(earliest), nil
}

// LastFailedTransfer returns the most recently finished STOP transfer of a
// destination, or ErrNotFound when it never failed.
func (c *Catalog) LastFailedTransfer(dest string) (*model.DataTransfer, error) {
	row := c.db.QueryRow(`SELECT `+transferColumns+`
		FROM data_transfers t JOIN data_files f ON f.id = t.data_file_id
		WHERE t.destination_name = ? AND t.status = 'STOP'
		ORDER BY t.finished_at_ms DESC, t.id DESC LIMIT 1`, dest)
	t, err := scanTransfer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no failed transfer for %s", ErrNotFound, dest)
	}
	if err != nil {
		return nil, unavailable("last failed transfer", err)
	}
	return t, nil
}

// TransferHistoryFor returns the status lines recorded for a transfer,
// newest first.
func (c *Catalog) TransferHistoryFor(transferID int64) ([]model.TransferHistory, error) {
	rows, err := c.db.Query(`SELECT id, data_transfer_id, status, comment, error, at_ms
		FROM transfer_history WHERE data_transfer_id = ? ORDER BY at_ms DESC, id DESC`, transferID)
	if err != nil {
		return nil, unavailable("transfer history", err)
	}
	defer rows.Close()
	var out []model.TransferHistory
	for rows.Next() {
		var (
			h  model.TransferHistory
			at int64
		)
		if err := rows.Scan(&h.ID, &h.DataTransferID, &h.Status, &h.Comment, &h.Error, &at); err != nil {
			return nil, unavailable("transfer history", err)
		}
		h.At = fromMs(at)
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("transfer history", err)
	}
	return out, nil
}

// IncomingHistoryFor returns the portal activity recorded for a
// destination, newest first, capped at limit rows.
func (c *Catalog) IncomingHistoryFor(dest string, limit int) ([]model.IncomingHistory, error) {
	rows, err := c.db.Query(`SELECT id, data_transfer_id, destination, file_name,
		file_size, scheduled_at_ms, started_at_ms, meta_stream, meta_type, meta_time,
		time_base_ms, time_step, duration_ms, user_name, sent, protocol,
		transfer_server, host_address, upload
		FROM incoming_history WHERE destination = ?
		ORDER BY started_at_ms DESC, id DESC LIMIT ?`, dest, limit)
	if err != nil {
		return nil, unavailable("incoming history", err)
	}
	defer rows.Close()
	var out []model.IncomingHistory
	for rows.Next() {
		var (
			h                           model.IncomingHistory
			scheduled, started, timeBase int64
		)
		if err := rows.Scan(&h.ID, &h.DataTransferID, &h.Destination, &h.FileName,
			&h.FileSize, &scheduled, &started, &h.MetaStream, &h.MetaType, &h.MetaTime,
			&timeBase, &h.TimeStep, &h.DurationMs, &h.UserName, &h.Sent, &h.Protocol,
			&h.TransferServer, &h.HostAddress, &h.Upload); err != nil {
			return nil, unavailable("incoming history", err)
		}
		h.ScheduledAt = fromMs(scheduled)
		h.StartedAt = fromMs(started)
		h.TimeBase = fromMs(timeBase)
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("incoming history", err)
	}
	return out, nil
}

// AuditLines returns the most recent audit lines, newest first.
func (c *Catalog) AuditLines(limit int) ([]string, error) {
	rows, err := c.db.Query(`SELECT line FROM audit_log
		ORDER BY at_ms DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, unavailable("audit lines", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return nil, unavailable("audit lines", err)
		}
		out = append(out, line)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("audit lines", err)
	}
	return out, nil
}

// TransferServers returns the servers declared for a group, in declaration
// (name) order.
func (c *Catalog) TransferServers(groupName string) ([]model.TransferServer, error) {
	rows, err := c.db.Query(`SELECT name, group_name, host, port, active
		FROM transfer_servers WHERE group_name = ? ORDER BY name ASC`, groupName)
	if err != nil {
		return nil, unavailable("transfer servers", err)
	}
	defer rows.Close()
	var out []model.TransferServer
	for rows.Next() {
		var s model.TransferServer
		if err := rows.Scan(&s.Name, &s.GroupName, &s.Host, &s.Port, &s.Active); err != nil {
			return nil, unavailable("transfer servers", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("transfer servers", err)
	}
	return out, nil
}

// TransferServerByName returns one server row, or ErrNotFound.
func (c *Catalog) TransferServerByName(name string) (model.TransferServer, error) {
	var s model.TransferServer
	err := c.db.QueryRow(`SELECT name, group_name, host, port, active
		FROM transfer_servers WHERE name = ?`, name).
		Scan(&s.Name, &s.GroupName, &s.Host, &s.Port, &s.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return s, fmt.Errorf("%w: transfer server %s", ErrNotFound, name)
	}
	if err != nil {
		return s, unavailable("transfer server", err)
	}
	return s, nil
}

// TransferGroups returns all groups.
func (c *Catalog) TransferGroups() ([]model.TransferGroup, error) {
	rows, err := c.db.Query(`SELECT name, active, cluster_name, cluster_weight,
		volume_count FROM transfer_groups ORDER BY name ASC`)
	if err != nil {
		return nil, unavailable("transfer groups", err)
	}
	defer rows.Close()
	var out []model.TransferGroup
	for rows.Next() {
		var (
			g      model.TransferGroup
			weight sql.NullInt64
		)
		if err := rows.Scan(&g.Name, &g.Active, &g.ClusterName, &weight, &g.VolumeCount); err != nil {
			return nil, unavailable("transfer groups", err)
		}
		if weight.Valid {
			w := int(weight.Int64)
			g.ClusterWeight = &w
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("transfer groups", err)
	}
	return out, nil
}

// TransferGroupByName returns one group, or ErrNotFound.
func (c *Catalog) TransferGroupByName(name string) (model.TransferGroup, error) {
	var (
		g      model.TransferGroup
		weight sql.NullInt64
	)
	err := c.db.QueryRow(`SELECT name, active, cluster_name, cluster_weight,
		volume_count FROM transfer_groups WHERE name = ?`, name).
		Scan(&g.Name, &g.Active, &g.ClusterName, &weight, &g.VolumeCount)
	if errors.Is(err, sql.ErrNoRows) {
		return g, fmt.Errorf("%w: transfer group %s", ErrNotFound, name)
	}
	if err != nil {
		return g, unavailable("transfer group", err)
	}
	if weight.Valid {
		w := int(weight.Int64)
		g.ClusterWeight = &w
	}
	return g, nil
}
