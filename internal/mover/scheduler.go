package mover

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/ecmwf/open-ecpds-sub002/internal/model"
	"github.com/ecmwf/open-ecpds-sub002/internal/ticket"
)

// ErrTicketNotFound reports a completion check against an unknown or
// already-consumed grant.
var ErrTicketNotFound = errors.New("ticket not found")

// ErrNoUsageReport reports that a mover has not pushed a volume report yet.
var ErrNoUsageReport = errors.New("no volume report")

// Scheduler is the byte-transfer engine backed by the mover fleet: it places
// download streams on movers, verifies their completion, and tracks per
// volume in-flight counts used by the selector's load sort.
type Scheduler struct {
	selector *Selector
	tickets  *ticket.Repository

	// group is the pool serving portal traffic.
	group string

	// inflight counts open downloads per mover+volume. Counters are never
	// removed; the key space is bounded by the fleet size.
	inflight *xsync.Map[string, *atomic.Int64]

	// usage holds the volume reports movers push through the management
	// facade.
	usage *xsync.Map[string, []VolumeSpace]
}

// NewScheduler builds the engine and its selector in one step; the selector
// reads the scheduler's own in-flight counts for its load sort.
func NewScheduler(pools Pools, registry Registry, tickets *ticket.Repository, group string) *Scheduler {
	s := &Scheduler{
		tickets:  tickets,
		group:    group,
		inflight: xsync.NewMap[string, *atomic.Int64](),
		usage:    xsync.NewMap[string, []VolumeSpace](),
	}
	s.selector = NewSelector(pools, registry, s)
	tickets.OnExpire(s.release)
	return s
}

// release returns the ticket's in-flight slot. Reached both through
// completion and through the expiry sweep, so a reaped grant cannot leak a
// permanent increment into the load sort.
func (s *Scheduler) release(tk ticket.Ticket) {
	if tk.Kind != ticket.KindAttachment || tk.Server == "" || tk.Transfer == nil || tk.Transfer.File == nil {
		return
	}
	if ctr, ok := s.inflight.Load(inflightKey(tk.Server, tk.Transfer.File.FileSystem)); ok {
		ctr.Add(-1)
	}
}

// Selector exposes the mover selection used for download placement.
func (s *Scheduler) Selector() *Selector {
	return s.selector
}

func inflightKey(server string, volume int) string {
	return fmt.Sprintf("%s|%d", server, volume)
}

// IssueDownload places a download of the transfer's data file on the best
// mover and returns the rendezvous descriptor for the client.
func (s *Scheduler) IssueDownload(t *model.DataTransfer, offset, length int64) (*ticket.ProxySocket, error) {
	if t.File == nil {
		return nil, fmt.Errorf("transfer %d: no data file resolved", t.ID)
	}
	volume := t.File.FileSystem
	movers, err := s.selector.Select(t.DestinationName, "", s.group, &volume)
	if err != nil {
		return nil, err
	}
	chosen := movers[0]
	id := s.tickets.Add(ticket.Ticket{
		Kind:      ticket.KindAttachment,
		Direction: ticket.Input,
		Path:      PhysicalPath(volume, t.File),
		Offset:    offset,
		Length:    length,
		Server:    chosen.Name,
		Transfer:  t,
	})
	ctr, _ := s.inflight.LoadOrStore(inflightKey(chosen.Name, volume), new(atomic.Int64))
	ctr.Add(1)
	return &ticket.ProxySocket{
		DataHost: chosen.Host,
		DataPort: chosen.Port,
		TicketID: id,
	}, nil
}

// VerifyCompletion consumes the download grant and recovers the transfer it
// was issued for. An error recorded on the ticket fails the verification.
func (s *Scheduler) VerifyCompletion(ps *ticket.ProxySocket) (*model.DataTransfer, error) {
	tk, ok := s.tickets.Invalidate(ps.TicketID)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrTicketNotFound, ps.TicketID)
	}
	s.release(tk)
	if tk.Err != "" {
		return tk.Transfer, fmt.Errorf("download failed: %s", tk.Err)
	}
	return tk.Transfer, nil
}

// InFlightDownloads returns the current open-download count for one
// mover+volume pair.
func (s *Scheduler) InFlightDownloads(server string, volume int) int {
	if ctr, ok := s.inflight.Load(inflightKey(server, volume)); ok {
		return int(ctr.Load())
	}
	return 0
}

// ReportVolumeUsage stores a mover's pushed volume report.
func (s *Scheduler) ReportVolumeUsage(server string, spaces []VolumeSpace) {
	s.usage.Store(server, spaces)
}

// VolumeUsage returns the last pushed report for a mover.
func (s *Scheduler) VolumeUsage(server string) ([]VolumeSpace, error) {
	spaces, ok := s.usage.Load(server)
	if !ok {
		return nil, fmt.Errorf("%w from %s", ErrNoUsageReport, server)
	}
	return spaces, nil
}
