package vfs

import (
	"strconv"
	"time"

	"github.com/ecmwf/open-ecpds-sub002/internal/model"
)

const (
	dirRights  = "drwxr-x---"
	fileRights = "-rw-r--r--"
	dirSize    = 2048
)

// FileListElement is one rendered directory entry: what a portal client sees
// when it lists or stats a virtual path.
type FileListElement struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	Comment string    `json:"comment"`
	Group   string    `json:"group"`
	User    string    `json:"user"`
	Size    int64     `json:"size"`
	Time    time.Time `json:"time"`
	Rights  string    `json:"rights"`
}

// IsDirectory reports whether the entry renders as a directory.
func (e *FileListElement) IsDirectory() bool {
	return len(e.Rights) > 0 && e.Rights[0] == 'd'
}

// fileElement renders a transfer as a file entry. The comment carries the
// transfer id so trusted callers can come back through the direct-id
// shortcut; the time is the queue time falling back to the scheduled time.
func fileElement(d model.Destination, t *model.DataTransfer, name string) *FileListElement {
	at := t.ScheduledAt
	if t.QueuedAt != nil {
		at = *t.QueuedAt
	}
	return &FileListElement{
		Name:    name,
		Comment: strconv.FormatInt(t.ID, 10),
		Group:   d.CountryISO,
		User:    d.UserName,
		Size:    t.Size,
		Time:    at,
		Rights:  fileRights,
	}
}

// dirElement renders a synthetic directory entry for the destination.
func dirElement(d model.Destination, name string, at time.Time) *FileListElement {
	return &FileListElement{
		Name:    name,
		Comment: d.Comment,
		Group:   d.CountryISO,
		User:    d.UserName,
		Size:    dirSize,
		Time:    at,
		Rights:  dirRights,
	}
}
