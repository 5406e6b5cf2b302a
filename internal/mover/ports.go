// Package mover selects and tracks the transfer servers (movers) that carry
// the actual byte traffic, and decides where new files land on their volumes.
package mover

import (
	"github.com/ecmwf/open-ecpds-sub002/internal/model"
	"github.com/ecmwf/open-ecpds-sub002/internal/ticket"
)

// Role names a mover capability checked against the registry.
type Role string

const (
	RoleDownload Role = "download"
	RoleUpload   Role = "upload"
)

// Registry answers liveness questions about movers. Backed by the connection
// tracker of the transport layer; assumed fast and local.
type Registry interface {
	IsConnected(name string, role Role) bool
}

// VolumeSpace is one volume's free capacity on a mover, as last reported.
type VolumeSpace struct {
	Volume    int
	FreeBytes int64
}

// Engine is the byte-transfer engine port. Issuance and verification bracket
// a download stream; the load and usage lookups feed selection decisions.
type Engine interface {
	IssueDownload(t *model.DataTransfer, offset, length int64) (*ticket.ProxySocket, error)
	VerifyCompletion(ps *ticket.ProxySocket) (*model.DataTransfer, error)
	InFlightDownloads(server string, volume int) int
	VolumeUsage(server string) ([]VolumeSpace, error)
}
