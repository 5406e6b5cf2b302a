// Package model defines domain structs shared across the persistence layer.
package model

import "time"

// Transfer status codes. INIT rows are never visible to clients; HOLD rows
// are parked until promoted to WAIT or acknowledged as DONE.
const (
	StatusInit = "INIT"
	StatusWait = "WAIT"
	StatusHold = "HOLD"
	StatusRetr = "RETR"
	StatusDone = "DONE"
	StatusStop = "STOP"
)

// Destination represents a configured delivery endpoint.
type Destination struct {
	Name        string `json:"name"`
	GroupByDate bool   `json:"group_by_date"`
	CountryISO  string `json:"country_iso"`
	Comment     string `json:"comment"`
	UserName    string `json:"user_name"`
	Monitor     bool   `json:"monitor"`
	MailOnEnd   bool   `json:"mail_on_end"`
	// Options is a YAML document carrying the per-destination settings
	// (date format, temporary name pattern, rate caps, standby flags).
	Options     string `json:"options"`
	UpdatedAtNs int64  `json:"updated_at_ns"`
}

// Destination scheduler states. A held destination keeps accepting files
// but its queue is not advanced.
const (
	SchedulerStateScheduled = "SCHED"
	SchedulerStateHold      = "HOLD"
)

// SchedulerValue tracks the per-destination scheduler pointer and state.
type SchedulerValue struct {
	DestinationName string `json:"destination_name"`
	LastTransferOk  int64  `json:"last_transfer_ok"`
	Status          string `json:"status"`
	UpdatedAtNs     int64  `json:"updated_at_ns"`
}

// DataFile is the catalog record for one physical stored object.
// Immutable once downloaded, except for the Deleted flag.
type DataFile struct {
	ID         int64     `json:"id"`
	Original   string    `json:"original"`
	FileSystem int       `json:"file_system"`
	TimeStep   int64     `json:"time_step"`
	TimeBase   time.Time `json:"time_base"`
	MetaStream string    `json:"meta_stream"`
	MetaType   string    `json:"meta_type"`
	MetaTime   string    `json:"meta_time"`
	ArrivedAt  time.Time `json:"arrived_at"`
	Size       int64     `json:"size"`
	Downloaded bool      `json:"downloaded"`
	Deleted    bool      `json:"deleted"`
	// FileInstance disambiguates re-submissions sharing the same id slot
	// on disk; nil when the file was stored only once.
	FileInstance *int `json:"file_instance,omitempty"`
}

// DataTransfer is one (file, destination) delivery job and its state.
type DataTransfer struct {
	ID              int64      `json:"id"`
	DestinationName string     `json:"destination_name"`
	DataFileID      int64      `json:"data_file_id"`
	Target          string     `json:"target"`
	Status          string     `json:"status"`
	ScheduledAt     time.Time  `json:"scheduled_at"`
	QueuedAt        *time.Time `json:"queued_at,omitempty"`
	ASAP            bool       `json:"asap"`
	Size            int64      `json:"size"`
	Deleted         bool       `json:"deleted"`
	Comment         string     `json:"comment"`
	RetryCount      int        `json:"retry_count"`
	StartCount      int        `json:"start_count"`
	DurationMs      int64      `json:"duration_ms"`
	Sent            int64      `json:"sent"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
	FirstFinishedAt *time.Time `json:"first_finished_at,omitempty"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`

	// File is the joined DataFile row; populated by catalog reads that
	// resolve transfers for serving decisions.
	File *DataFile `json:"file,omitempty"`
}

// Visible reports whether the transfer may be served to clients at the
// given instant. The joined File must be populated.
func (t *DataTransfer) Visible(now time.Time) bool {
	if t.File == nil {
		return false
	}
	if !t.ASAP && t.ScheduledAt.After(now) {
		return false
	}
	return t.File.Downloaded && !t.Deleted && !t.File.Deleted && t.Status != StatusInit
}

// TransferServer is a worker node (mover) performing byte I/O.
type TransferServer struct {
	Name      string `json:"name"`
	GroupName string `json:"group_name"`
	Host      string `json:"host"`
	Port      int    `json:"port"`
	Active    bool   `json:"active"`
}

// TransferGroup is a named pool of transfer servers. A group may belong to
// a weighted cluster used as a fallback source of alternate pools.
type TransferGroup struct {
	Name          string `json:"name"`
	Active        bool   `json:"active"`
	ClusterName   string `json:"cluster_name"`
	ClusterWeight *int   `json:"cluster_weight,omitempty"`
	VolumeCount   int    `json:"volume_count"`
}

// IncomingUser is an authenticated data-portal identity.
type IncomingUser struct {
	ID         string `json:"id"`
	CountryISO string `json:"country_iso"`
	Comment    string `json:"comment"`
	// Policies is a YAML document with the per-user portal switches
	// (record history, record audit).
	Policies string `json:"policies"`
}

// IncomingHistory records one completed portal upload or download.
type IncomingHistory struct {
	ID             string    `json:"id"`
	DataTransferID int64     `json:"data_transfer_id"`
	Destination    string    `json:"destination"`
	FileName       string    `json:"file_name"`
	FileSize       int64     `json:"file_size"`
	ScheduledAt    time.Time `json:"scheduled_at"`
	StartedAt      time.Time `json:"started_at"`
	MetaStream     string    `json:"meta_stream"`
	MetaType       string    `json:"meta_type"`
	MetaTime       string    `json:"meta_time"`
	TimeBase       time.Time `json:"time_base"`
	TimeStep       int64     `json:"time_step"`
	DurationMs     int64     `json:"duration_ms"`
	UserName       string    `json:"user_name"`
	Sent           int64     `json:"sent"`
	Protocol       string    `json:"protocol"`
	TransferServer string    `json:"transfer_server"`
	HostAddress    string    `json:"host_address"`
	Upload         bool      `json:"upload"`
}

// TransferHistory is one per-transfer status line kept for operators.
type TransferHistory struct {
	ID             string    `json:"id"`
	DataTransferID int64     `json:"data_transfer_id"`
	Status         string    `json:"status"`
	Comment        string    `json:"comment"`
	Error          bool      `json:"error"`
	At             time.Time `json:"at"`
}
