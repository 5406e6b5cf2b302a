// Package ticket implements short-lived, single-use access grants mediating
// out-of-band byte transfers between clients and transfer servers.
package ticket

import (
	"time"

	"github.com/ecmwf/open-ecpds-sub002/internal/model"
)

// Kind discriminates the two ticket variants. The completion handler
// switches on it exhaustively.
type Kind int

const (
	// KindAttachment grants local-file access at a byte offset.
	KindAttachment Kind = iota
	// KindMover grants an upload session against a destination target.
	KindMover
)

// Direction bounds an attachment ticket to one transfer mode.
type Direction int

const (
	Input Direction = iota
	Output
)

// Ticket is one access grant. It is a value type to avoid pointer aliasing
// races; updates go through Repository.Update.
type Ticket struct {
	ID          int64
	Kind        Kind
	CreatedAtNs int64
	ExpiresAtNs int64

	// Completed and Err record the outcome once the stream finishes.
	Completed bool
	Err       string

	// Attachment fields (KindAttachment). Server names the mover the
	// stream was placed on.
	Direction Direction
	Path      string
	Offset    int64
	Length    int64
	Server    string

	// Mover fields (KindMover). TimeFile is the wall clock at request
	// time; TimeBase is the product date basis resolved from the virtual
	// path. DataFileID is annotated once the uploaded file is known.
	Destination string
	Target      string
	TimeFile    time.Time
	TimeBase    time.Time
	DataFileID  int64

	// Transfer back-references the resolved row on the download path so
	// completion reconciliation can account against it.
	Transfer *model.DataTransfer
}

// Expired reports whether the grant has outlived its window.
func (t Ticket) Expired(now time.Time) bool {
	return t.ExpiresAtNs < now.UnixNano()
}

// Event carries the telemetry context of the client connection that consumed
// a ProxySocket. Optional; when absent, completion skips history recording.
type Event struct {
	UserID         string
	HostAddress    string
	Protocol       string
	TransferServer string
	StartedAt      time.Time
	Duration       time.Duration
	Sent           int64
	Upload         bool
}

// ProxySocket is the rendezvous descriptor returned to clients: where to
// connect, which ticket to present, and the direction of the stream.
// Immutable once constructed.
type ProxySocket struct {
	DataHost       string
	DataPort       int
	TicketID       int64
	Upload         bool
	MaxBytesPerSec int64

	// Event, when set, triggers history and audit recording on completion.
	Event *Event
}
