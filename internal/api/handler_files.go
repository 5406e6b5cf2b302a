package api

import (
	"net/http"
	"time"

	"github.com/ecmwf/open-ecpds-sub002/internal/vfs"
)

// fileView is the wire rendering of one virtual filesystem entry.
type fileView struct {
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	Comment   string    `json:"comment,omitempty"`
	Group     string    `json:"group"`
	User      string    `json:"user"`
	Size      int64     `json:"size"`
	Time      time.Time `json:"time"`
	Rights    string    `json:"rights"`
	Directory bool      `json:"directory"`
}

func toFileView(el *vfs.FileListElement) fileView {
	return fileView{
		Name:      el.Name,
		Path:      el.Path,
		Comment:   el.Comment,
		Group:     el.Group,
		User:      el.User,
		Size:      el.Size,
		Time:      el.Time,
		Rights:    el.Rights,
		Directory: el.IsDirectory(),
	}
}

// HandleListFiles returns a handler for
// GET /destinations/{dest}/files?path=&sort_by=&sort_order=.
func HandleListFiles(p *vfs.Projector) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dest := PathParam(r, "dest")
		s, o, err := ParseListOrder(r)
		if err != nil {
			writeInvalidArgument(w, err.Error())
			return
		}
		elements, err := p.List(dest, r.URL.Query().Get("path"), s, o)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		views := make([]fileView, 0, len(elements))
		for _, el := range elements {
			views = append(views, toFileView(el))
		}
		WriteList(w, http.StatusOK, views)
	}
}

// HandleGetFile returns a handler for
// GET /destinations/{dest}/files/element?path=.
func HandleGetFile(p *vfs.Projector) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		el, err := p.Get(PathParam(r, "dest"), r.URL.Query().Get("path"))
		if err != nil {
			writeDomainError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, toFileView(el))
	}
}

type pathRequest struct {
	Path string `json:"path"`
}

// HandleMkdir returns a handler for POST /destinations/{dest}/files/mkdir.
func HandleMkdir(p *vfs.Projector) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req pathRequest
		if err := DecodeBody(r, &req); err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		if err := p.Mkdir(PathParam(r, "dest"), req.Path); err != nil {
			writeDomainError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// HandleRmdir returns a handler for POST /destinations/{dest}/files/rmdir.
func HandleRmdir(p *vfs.Projector) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req pathRequest
		if err := DecodeBody(r, &req); err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		if err := p.Rmdir(PathParam(r, "dest"), req.Path); err != nil {
			writeDomainError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// HandleDeleteFile returns a handler for
// DELETE /destinations/{dest}/files?path=.
func HandleDeleteFile(p *vfs.Projector) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := p.Delete(PathParam(r, "dest"), r.URL.Query().Get("path")); err != nil {
			writeDomainError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

type moveRequest struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// HandleMoveFile returns a handler for POST /destinations/{dest}/files/move.
func HandleMoveFile(p *vfs.Projector) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req moveRequest
		if err := DecodeBody(r, &req); err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		if err := p.Move(PathParam(r, "dest"), req.From, req.To); err != nil {
			writeDomainError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// HandleFileSize returns a handler for
// GET /destinations/{dest}/files/size?path=.
func HandleFileSize(p *vfs.Projector) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		size, err := p.Size(PathParam(r, "dest"), r.URL.Query().Get("path"))
		if err != nil {
			writeDomainError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]int64{"size": size})
	}
}

// HandleFileMtime returns a handler for
// GET /destinations/{dest}/files/mtime?path=.
func HandleFileMtime(p *vfs.Projector) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		at, err := p.LastModified(PathParam(r, "dest"), r.URL.Query().Get("path"))
		if err != nil {
			writeDomainError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]time.Time{"modified": at})
	}
}
