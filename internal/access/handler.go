// Package access bridges client-facing path operations to the out-of-band
// byte movement between clients and movers: it issues tickets and proxy
// sockets, and reconciles catalog state when a stream completes.
package access

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/ecmwf/open-ecpds-sub002/internal/catalog"
	"github.com/ecmwf/open-ecpds-sub002/internal/model"
	"github.com/ecmwf/open-ecpds-sub002/internal/mover"
	"github.com/ecmwf/open-ecpds-sub002/internal/setup"
	"github.com/ecmwf/open-ecpds-sub002/internal/ticket"
	"github.com/ecmwf/open-ecpds-sub002/internal/vfs"
)

// CountryResolver maps a client address to a country code for audit lines.
// May be nil.
type CountryResolver interface {
	Country(addr string) string
}

// Handler implements the transfer protocol: ticket issuance for both
// directions and completion reconciliation.
type Handler struct {
	catalog   *catalog.Catalog
	projector *vfs.Projector
	tickets   *ticket.Repository
	engine    mover.Engine
	geo       CountryResolver

	// DataHost and DataPort form the rendezvous address published to
	// uploading clients.
	DataHost string
	DataPort int

	// now is a test hook.
	now func() time.Time

	// Mail, when set, is invoked for transfers whose destination asks for
	// a notification on completion.
	Mail func(*model.DataTransfer)
}

// NewHandler wires the handler. geo may be nil.
func NewHandler(c *catalog.Catalog, p *vfs.Projector, tickets *ticket.Repository, engine mover.Engine, geo CountryResolver) *Handler {
	return &Handler{
		catalog:   c,
		projector: p,
		tickets:   tickets,
		engine:    engine,
		geo:       geo,
		now:       time.Now,
	}
}

func (h *Handler) destination(name string) (model.Destination, *setup.DestinationOptions, error) {
	d, err := h.catalog.DestinationByName(name)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return d, nil, fmt.Errorf("%w: destination %s", vfs.ErrNotFound, name)
		}
		return d, nil, err
	}
	opts, err := setup.ParseDestinationOptions(d.Options)
	return d, opts, err
}

// OpenForRead resolves the source to a visible transfer, places a download
// on a mover, and returns the rendezvous descriptor. The per-destination
// input byte-rate cap is applied to the socket.
func (h *Handler) OpenForRead(destName, source string, offset, length int64) (*ticket.ProxySocket, error) {
	_, opts, err := h.destination(destName)
	if err != nil {
		return nil, err
	}
	t, err := h.projector.Resolve(destName, source)
	if err != nil {
		return nil, err
	}
	ps, err := h.engine.IssueDownload(t, offset, length)
	if err != nil {
		return nil, err
	}
	if opts.MaxBytesPerSecInput > 0 {
		ps.MaxBytesPerSec = opts.MaxBytesPerSecInput
	}
	return ps, nil
}

// OpenForWrite issues an upload grant for a target inside the destination
// layout. The product date basis is the current time at the destination
// root and under free-path layout, or parsed from the date directory name.
// Resume is not supported: a non-zero offset is rejected.
func (h *Handler) OpenForWrite(destName, target string, offset int64) (*ticket.ProxySocket, error) {
	if offset != 0 {
		return nil, fmt.Errorf("%w: upload offset not supported", vfs.ErrInvalidArgument)
	}
	d, opts, err := h.destination(destName)
	if err != nil {
		return nil, err
	}
	now := h.now()
	timeBase := now
	finalTarget := target
	if d.GroupByDate {
		segments := splitPath(target)
		switch len(segments) {
		case 1:
			finalTarget = segments[0]
		case 2:
			date, ok := opts.ParseDate(segments[0])
			if !ok {
				return nil, fmt.Errorf("%w: invalid date: %s", vfs.ErrInvalidArgument, segments[0])
			}
			timeBase = date
			finalTarget = segments[1]
		default:
			return nil, fmt.Errorf("%w: %s", vfs.ErrPermission, target)
		}
	} else {
		normalized, err := vfs.NormalizePath(target)
		if err != nil {
			return nil, err
		}
		finalTarget = normalized
	}
	id := h.tickets.Add(ticket.Ticket{
		Kind:        ticket.KindMover,
		Destination: d.Name,
		Target:      finalTarget,
		TimeFile:    now,
		TimeBase:    timeBase,
	})
	ps := &ticket.ProxySocket{
		DataHost: h.DataHost,
		DataPort: h.DataPort,
		TicketID: id,
		Upload:   true,
	}
	if opts.MaxBytesPerSecOutput > 0 {
		ps.MaxBytesPerSec = opts.MaxBytesPerSecOutput
	}
	return ps, nil
}

// ReportCompletion reconciles catalog state once the out-of-band stream has
// finished, in either direction and for either outcome. History and audit
// recording happen even when the stream failed, gated by the initiating
// user's policies.
func (h *Handler) ReportCompletion(ps *ticket.ProxySocket) error {
	var transfers []*model.DataTransfer
	var streamErr error

	tk, ok := h.tickets.Get(ps.TicketID)
	if !ok {
		streamErr = fmt.Errorf("%w: %d", mover.ErrTicketNotFound, ps.TicketID)
	} else {
		switch tk.Kind {
		case ticket.KindMover:
			// Upload: the grant is single-use; the uploaded file's
			// fan-out is best-effort history material, not
			// authoritative state.
			removed, _ := h.tickets.Invalidate(ps.TicketID)
			if removed.Err != "" {
				streamErr = fmt.Errorf("upload failed: %s", removed.Err)
			}
			if removed.DataFileID != 0 {
				if fanned, err := h.catalog.TransfersByDataFile(removed.DataFileID); err != nil {
					log.Printf("[access] fan-out lookup for data file %d: %v", removed.DataFileID, err)
				} else {
					transfers = fanned
				}
			}
		case ticket.KindAttachment:
			t, err := h.engine.VerifyCompletion(ps)
			if err != nil {
				streamErr = err
			}
			if t != nil {
				transfers = append(transfers, t)
			}
		}
	}

	if ps.Event != nil {
		h.record(ps.Event, transfers, streamErr == nil)
	}
	return streamErr
}

// record applies the telemetry event to each affected transfer: optional
// transfer-history line, the HOLD to DONE transition on successful
// downloads, optional incoming-history row and audit line. Failures on one
// transfer never block the others.
func (h *Handler) record(event *ticket.Event, transfers []*model.DataTransfer, success bool) {
	user, err := h.catalog.IncomingUserByID(event.UserID)
	if err != nil {
		if !errors.Is(err, catalog.ErrNotFound) {
			log.Printf("[access] resolving user %s: %v", event.UserID, err)
		}
		return
	}
	policies, err := setup.ParseUserPolicies(user.Policies)
	if err != nil {
		log.Printf("[access] policies of user %s: %v", user.ID, err)
		return
	}

	direction := "downloaded"
	if event.Upload {
		direction = "uploaded"
	}
	message := fmt.Sprintf("%d byte(s) %s by DataUser=%s from %s using %s on DataMover=%s (%s Mbits/s)",
		event.Sent, direction, event.UserID, event.HostAddress, event.Protocol,
		event.TransferServer, megabitsPerSec(event.Sent, event.Duration))

	for _, t := range transfers {
		if policies.RecordHistory {
			status := model.StatusStop
			if success {
				status = model.StatusDone
				if event.Upload {
					status = t.Status
				}
			}
			if err := h.catalog.InsertTransferHistory(model.TransferHistory{
				DataTransferID: t.ID,
				Status:         status,
				Comment:        message,
				Error:          !success,
			}); err != nil {
				log.Printf("[access] transfer history for %d: %v", t.ID, err)
			}
		}

		if success && !event.Upload && t.Status == model.StatusHold {
			if err := h.completeHeldDownload(t, event, message); err != nil {
				log.Printf("[access] updating transfer %d status: %v", t.ID, err)
			}
		}

		if policies.RecordHistory {
			if err := h.catalog.InsertIncomingHistory(incomingHistory(t, event)); err != nil {
				log.Printf("[access] incoming history for %d: %v", t.ID, err)
			}
		}
		if policies.RecordAudit {
			if err := h.catalog.AppendAudit(h.auditLine(t, user, event)); err != nil {
				log.Printf("[access] audit for %d: %v", t.ID, err)
			}
		}
	}
}

// completeHeldDownload acknowledges a successful download of a held
// transfer: duration floored to 1ms (a zero measurement would corrupt rate
// reporting downstream), status DONE, start/finish stamps, start counter,
// optional mail, optional spool deletion, and the scheduler last-ok pointer.
// These writes are not atomic as a group.
func (h *Handler) completeHeldDownload(t *model.DataTransfer, event *ticket.Event, message string) error {
	duration := event.Duration
	if duration == 0 {
		log.Printf("[access] 0ms duration detected for transfer %d download (forcing 1ms)", t.ID)
		duration = time.Millisecond
	}
	started := event.StartedAt
	finished := started.Add(duration)
	t.Comment = message
	t.Status = model.StatusDone
	t.DurationMs = duration.Milliseconds()
	t.StartedAt = &started
	t.Sent = event.Sent
	t.StartCount++
	t.FinishedAt = &finished
	if t.FirstFinishedAt == nil {
		t.FirstFinishedAt = &finished
	}

	d, opts, err := h.destination(t.DestinationName)
	if err != nil {
		return err
	}
	if d.MailOnEnd && h.Mail != nil {
		h.Mail(t)
	}
	if opts.DeleteOnSuccess {
		t.Deleted = true
	}
	if err := h.catalog.UpdateSchedulerValue(model.SchedulerValue{
		DestinationName: t.DestinationName,
		LastTransferOk:  t.ID,
	}); err != nil {
		return err
	}
	return h.catalog.UpdateTransfer(t)
}

func incomingHistory(t *model.DataTransfer, event *ticket.Event) model.IncomingHistory {
	ih := model.IncomingHistory{
		DataTransferID: t.ID,
		Destination:    t.DestinationName,
		FileName:       t.Target,
		ScheduledAt:    t.ScheduledAt,
		StartedAt:      event.StartedAt,
		DurationMs:     event.Duration.Milliseconds(),
		UserName:       event.UserID,
		Sent:           event.Sent,
		Protocol:       event.Protocol,
		TransferServer: event.TransferServer,
		HostAddress:    event.HostAddress,
		Upload:         event.Upload,
	}
	if f := t.File; f != nil {
		ih.FileSize = f.Size
		ih.MetaStream = f.MetaStream
		ih.MetaType = f.MetaType
		ih.MetaTime = f.MetaTime
		ih.TimeBase = f.TimeBase
		ih.TimeStep = f.TimeStep
	}
	return ih
}

// auditLine renders one structured INH record for external indexing.
func (h *Handler) auditLine(t *model.DataTransfer, user model.IncomingUser, event *ticket.Event) string {
	action := "download"
	if event.Upload {
		action = "upload"
	}
	country := user.CountryISO
	if h.geo != nil {
		if c := h.geo.Country(event.HostAddress); c != "" {
			country = c
		}
	}
	var fileSystem int
	if t.File != nil {
		fileSystem = t.File.FileSystem
	}
	return fmt.Sprintf(
		"INH;DataTransferId=%d;DestinationName=%s;FileName=%s;FileSize=%d;BytesSent=%d;"+
			"UserId=%s;CountryCode=%s;TransferProtocol=%s;TransferServer=%s;HostAddress=%s;"+
			"Duration=%d;FileSystem=%d;Action=%s",
		t.ID, t.DestinationName, t.Target, t.Size, event.Sent,
		user.ID, country, event.Protocol, event.TransferServer, event.HostAddress,
		event.Duration.Milliseconds(), fileSystem, action)
}

// megabitsPerSec renders a transfer rate, guarding the zero-duration case.
func megabitsPerSec(sent int64, duration time.Duration) string {
	if duration <= 0 {
		return "0.000"
	}
	bits := float64(sent) * 8
	return fmt.Sprintf("%.3f", bits/duration.Seconds()/1e6)
}

func splitPath(p string) []string {
	return strings.FieldsFunc(p, func(r rune) bool { return r == '/' })
}
