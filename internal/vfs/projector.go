// Package vfs projects the data-transfer catalog as a virtual filesystem,
// one tree per destination, in a date-grouped or free-path layout.
package vfs

import (
	"errors"
	"fmt"
	"log"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/ecmwf/open-ecpds-sub002/internal/catalog"
	"github.com/ecmwf/open-ecpds-sub002/internal/model"
	"github.com/ecmwf/open-ecpds-sub002/internal/setup"
)

var (
	// ErrNotFound reports a path that resolves to nothing visible.
	ErrNotFound = errors.New("file not found")
	// ErrPermission reports an operation the layout forbids.
	ErrPermission = errors.New("permission denied")
	// ErrInvalidArgument reports a malformed path or date.
	ErrInvalidArgument = errors.New("invalid argument")
)

const (
	// mkdirMarker is the zero-payload file registering a directory under
	// free-path layout; there is no real directory row.
	mkdirMarker = ".ecpds_mkdir"

	// idPrefix lets trusted callers short-circuit path resolution with a
	// numeric transfer id.
	idPrefix = "DataTransferId="
)

// Projector maps (destination, virtualPath) operations onto the catalog.
type Projector struct {
	catalog *catalog.Catalog

	// now is a test hook.
	now func() time.Time

	// reload, when set, is invoked for transfers whose rename left them
	// queued, so the delivery side can refresh its view.
	reload func(*model.DataTransfer)
}

// NewProjector wires a projector over the catalog. reload may be nil.
func NewProjector(c *catalog.Catalog, reload func(*model.DataTransfer)) *Projector {
	return &Projector{catalog: c, now: time.Now, reload: reload}
}

func (p *Projector) destination(name string) (model.Destination, *setup.DestinationOptions, error) {
	d, err := p.catalog.DestinationByName(name)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return d, nil, fmt.Errorf("%w: destination %s", ErrNotFound, name)
		}
		return d, nil, err
	}
	opts, err := setup.ParseDestinationOptions(d.Options)
	if err != nil {
		return d, nil, err
	}
	return d, opts, nil
}

// Resolve maps a source path to its visible DataTransfer. Under date-grouped
// layout the path is [date]/[filename] or a bare transfer id; under
// free-path layout it is the stored target string.
func (p *Projector) Resolve(destName, source string) (*model.DataTransfer, error) {
	d, opts, err := p.destination(destName)
	if err != nil {
		return nil, err
	}
	return p.resolve(d, opts, source)
}

func (p *Projector) resolve(d model.Destination, opts *setup.DestinationOptions, source string) (*model.DataTransfer, error) {
	if rest, ok := strings.CutPrefix(source, idPrefix); ok {
		return p.resolveID(rest)
	}
	segments := splitPath(source)
	if d.GroupByDate {
		switch len(segments) {
		case 2:
			date, ok := opts.ParseDate(segments[0])
			if !ok {
				return nil, fmt.Errorf("%w: invalid date: %s", ErrInvalidArgument, segments[0])
			}
			return p.firstOnDate(d.Name, segments[1], date)
		case 1:
			// A bare name at the root is taken as a transfer id.
			return p.resolveID(segments[0])
		default:
			return nil, fmt.Errorf("%w: invalid path: %s", ErrInvalidArgument, source)
		}
	}
	if !strings.HasSuffix(source, "/") {
		target, err := NormalizePath(source)
		if err != nil {
			return nil, err
		}
		cur, err := p.catalog.TransfersByTarget(d.Name, EscapeSQL(target), p.now(), catalog.SortByTarget, catalog.OrderAsc)
		if err != nil {
			return nil, err
		}
		defer cur.Close()
		if cur.Next() {
			return cur.Transfer(), nil
		}
		if err := cur.Err(); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, source)
}

// firstOnDate returns the most recently scheduled visible transfer matching
// the name inside one date bucket.
func (p *Projector) firstOnDate(dest, name string, date time.Time) (*model.DataTransfer, error) {
	cur, err := p.catalog.TransfersByTargetOnDate(dest, EscapeSQL(name),
		date, date.Add(24*time.Hour), p.now(), catalog.SortByScheduledTime, catalog.OrderDesc)
	if err != nil {
		return nil, err
	}
	defer cur.Close()
	if cur.Next() {
		return cur.Transfer(), nil
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
}

// resolveID resolves a raw transfer id, still enforcing visibility.
func (p *Projector) resolveID(raw string) (*model.DataTransfer, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid transfer id: %s", ErrInvalidArgument, raw)
	}
	t, err := p.catalog.TransferByID(id)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return nil, fmt.Errorf("%w: transfer %d", ErrNotFound, id)
		}
		return nil, err
	}
	if !t.Visible(p.now()) {
		return nil, fmt.Errorf("%w: transfer %d not available", ErrNotFound, id)
	}
	return t, nil
}

// Size returns the byte size of the resolved transfer.
func (p *Projector) Size(destName, source string) (int64, error) {
	t, err := p.Resolve(destName, source)
	if err != nil {
		return 0, err
	}
	return t.Size, nil
}

// LastModified returns the arrival time of the underlying data file.
func (p *Projector) LastModified(destName, source string) (time.Time, error) {
	t, err := p.Resolve(destName, source)
	if err != nil {
		return time.Time{}, err
	}
	return t.File.ArrivedAt, nil
}

// Get stats one virtual path and renders it as a directory entry.
func (p *Projector) Get(destName, vpath string) (*FileListElement, error) {
	d, opts, err := p.destination(destName)
	if err != nil {
		return nil, err
	}
	if rest, ok := strings.CutPrefix(vpath, idPrefix); ok {
		t, err := p.resolveID(rest)
		if err != nil {
			return nil, err
		}
		return fileElement(d, t, path.Base(t.Target)), nil
	}
	if d.GroupByDate {
		return p.getGrouped(d, opts, vpath)
	}
	target, err := NormalizePath(vpath)
	if err != nil {
		return nil, err
	}
	dir, name := path.Split(target)
	el, err := p.find(d, strings.TrimSuffix(dir, "/"), name)
	if err != nil {
		return nil, err
	}
	if el == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, vpath)
	}
	return el, nil
}

func (p *Projector) getGrouped(d model.Destination, opts *setup.DestinationOptions, vpath string) (*FileListElement, error) {
	segments := splitPath(vpath)
	if len(segments) == 0 {
		// Root of the destination.
		return dirElement(d, d.Name, p.now()), nil
	}
	if _, ok := opts.ParseDate(segments[0]); !ok {
		if len(segments) > 1 {
			// No sub-directories below a non-date name.
			return nil, fmt.Errorf("%w: %s", ErrPermission, vpath)
		}
		// A bare non-date name cannot exist at the root: files land in
		// the current date bucket only.
		return nil, fmt.Errorf("%w: %s", ErrNotFound, vpath)
	}
	if len(segments) == 1 {
		return dirElement(d, segments[0], p.now()), nil
	}
	t, err := p.resolve(d, opts, vpath)
	if err != nil {
		return nil, err
	}
	return fileElement(d, t, path.Base(t.Target)), nil
}

// List enumerates a virtual directory, deduplicated by rendered name
// (first occurrence wins).
func (p *Projector) List(destName, vpath string, s catalog.Sort, o catalog.Order) ([]*FileListElement, error) {
	d, opts, err := p.destination(destName)
	if err != nil {
		return nil, err
	}
	if d.GroupByDate {
		return p.listGrouped(d, opts, vpath, s, o)
	}
	return p.listFree(d, vpath, s, o)
}

func (p *Projector) listGrouped(d model.Destination, opts *setup.DestinationOptions, vpath string, s catalog.Sort, o catalog.Order) ([]*FileListElement, error) {
	segments := splitPath(vpath)
	if len(segments) == 0 {
		// Root: one directory per date with deliverable transfers.
		dates, err := p.catalog.DatesWithTransfers(d.Name, p.now(), o)
		if err != nil {
			return nil, err
		}
		elements := make([]*FileListElement, 0, len(dates))
		for _, date := range dates {
			el := dirElement(d, opts.FormatDate(date), date)
			el.Path = el.Name
			elements = append(elements, el)
		}
		return elements, nil
	}
	date, ok := opts.ParseDate(segments[0])
	if !ok {
		return nil, fmt.Errorf("%w: invalid date: %s", ErrInvalidArgument, segments[0])
	}
	pattern := "%"
	if len(segments) > 1 {
		pattern = UnixToSQL(segments[1])
	}
	cur, err := p.catalog.TransfersByTargetOnDate(d.Name, pattern,
		date, date.Add(24*time.Hour), p.now(), s, o)
	if err != nil {
		return nil, err
	}
	defer cur.Close()
	var elements []*FileListElement
	seen := map[string]bool{}
	for cur.Next() {
		t := cur.Transfer()
		name := path.Base(t.Target)
		if seen[name] {
			continue
		}
		seen[name] = true
		el := fileElement(d, t, name)
		el.Path = segments[0] + "/" + name
		elements = append(elements, el)
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return elements, nil
}

func (p *Projector) listFree(d model.Destination, vpath string, s catalog.Sort, o catalog.Order) ([]*FileListElement, error) {
	vpath = strings.Trim(vpath, "/")
	level := len(splitPath(vpath))
	cur, err := p.catalog.TransfersByTarget(d.Name, UnixToSQL(vpath)+"%", p.now(), s, o)
	if err != nil {
		return nil, err
	}
	defer cur.Close()
	var elements []*FileListElement
	seen := map[string]bool{}
	for cur.Next() {
		t := cur.Transfer()
		target, err := NormalizePath(t.Target)
		if err != nil {
			log.Printf("[vfs] skipping unresolvable target of transfer %d: %v", t.ID, err)
			continue
		}
		segments := splitPath(target)
		if len(segments) > level {
			relative := segments[level:]
			if len(relative) == 1 {
				// A file in the listed directory.
				if vpath != "" && !strings.HasPrefix(target, vpath+"/") {
					continue
				}
				name := relative[0]
				if seen[name] {
					continue
				}
				seen[name] = true
				el := fileElement(d, t, name)
				el.Path = target
				elements = append(elements, el)
			} else {
				// A file below: synthesize its first sub-directory.
				name := relative[0]
				if seen[name] {
					continue
				}
				seen[name] = true
				el := dirElement(d, name, t.ScheduledAt)
				el.Path = name
				elements = append(elements, el)
			}
		} else if Match(vpath, target) {
			// The path itself carried wildcards.
			name := path.Base(target)
			if seen[name] {
				continue
			}
			seen[name] = true
			el := fileElement(d, t, name)
			el.Path = target
			elements = append(elements, el)
		}
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return elements, nil
}

// find locates a single name inside a free-path directory without rendering
// the whole listing.
func (p *Projector) find(d model.Destination, dir, name string) (*FileListElement, error) {
	dir = strings.Trim(dir, "/")
	level := len(splitPath(dir))
	cur, err := p.catalog.TransfersByTarget(d.Name, UnixToSQL(dir)+"%", p.now(), catalog.SortByTarget, catalog.OrderAsc)
	if err != nil {
		return nil, err
	}
	defer cur.Close()
	for cur.Next() {
		t := cur.Transfer()
		target, err := NormalizePath(t.Target)
		if err != nil {
			continue
		}
		segments := splitPath(target)
		if len(segments) > level {
			relative := segments[level:]
			if len(relative) == 1 {
				if dir != "" && !strings.HasPrefix(target, dir+"/") {
					continue
				}
				if relative[0] == name {
					return fileElement(d, t, name), nil
				}
			} else if relative[0] == name {
				return dirElement(d, name, p.now()), nil
			}
		} else if Match(dir, target) && path.Base(target) == name {
			return fileElement(d, t, name), nil
		}
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return nil, nil
}

// Mkdir registers a directory under free-path layout by submitting a marker
// file through the normal submission path. Forbidden under date-grouped
// layout; fails when the path already lists non-empty.
func (p *Projector) Mkdir(destName, vpath string) error {
	d, _, err := p.destination(destName)
	if err != nil {
		return err
	}
	if d.GroupByDate {
		return fmt.Errorf("%w: mkdir on date-grouped destination %s", ErrPermission, destName)
	}
	existing, err := p.List(destName, vpath, catalog.SortByTarget, catalog.OrderAsc)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return fmt.Errorf("%w: %s already exists", ErrInvalidArgument, vpath)
	}
	target, err := NormalizePath(vpath + "/" + mkdirMarker)
	if err != nil {
		return err
	}
	now := p.now()
	body := "Directory created on: " + now.UTC().Format(time.RFC3339) + "\n"
	fileID, err := p.catalog.InsertDataFile(&model.DataFile{
		Original:   "/" + target,
		TimeBase:   now,
		ArrivedAt:  now,
		Size:       int64(len(body)),
		Downloaded: true,
	})
	if err != nil {
		return err
	}
	_, err = p.catalog.InsertTransfer(&model.DataTransfer{
		DestinationName: d.Name,
		DataFileID:      fileID,
		Target:          target,
		Status:          model.StatusHold,
		ScheduledAt:     now,
		Size:            int64(len(body)),
		Comment:         "Directory created from the data portal",
	})
	return err
}

// Rmdir removes a free-path directory recursively, in terms of List and
// Delete. Forbidden under date-grouped layout, like Mkdir.
func (p *Projector) Rmdir(destName, vpath string) error {
	d, _, err := p.destination(destName)
	if err != nil {
		return err
	}
	if d.GroupByDate {
		return fmt.Errorf("%w: rmdir on date-grouped destination %s", ErrPermission, destName)
	}
	elements, err := p.List(destName, vpath, catalog.SortByTarget, catalog.OrderAsc)
	if err != nil {
		return err
	}
	for _, el := range elements {
		full := strings.Trim(vpath, "/") + "/" + el.Name
		if el.IsDirectory() {
			if err := p.Rmdir(destName, full); err != nil {
				return err
			}
		} else if err := p.Delete(destName, full); err != nil {
			return err
		}
	}
	return nil
}

// Delete removes the resolved data file and every transfer fanning out
// from it.
func (p *Projector) Delete(destName, source string) error {
	t, err := p.Resolve(destName, source)
	if err != nil {
		return err
	}
	return p.catalog.RemoveDataFileAndTransfers(t.DataFileID)
}

// Move renames the resolved source and re-applies the new name to every
// transfer sharing its data file. A rename crossing the temporary ->
// definitive name boundary promotes HOLD transfers to WAIT unless the
// destination or scheduler is in standby. Under date-grouped layout the
// rename may not change the date component.
func (p *Projector) Move(destName, source, target string) error {
	d, opts, err := p.destination(destName)
	if err != nil {
		return err
	}
	t, err := p.resolve(d, opts, source)
	if err != nil {
		return err
	}
	tmpToDefinitive := opts.IsTemporary(path.Base(t.File.Original)) && !opts.IsTemporary(path.Base(target))

	siblings, err := p.catalog.TransfersByDataFile(t.DataFileID)
	if err != nil {
		return err
	}
	for _, sibling := range siblings {
		if err := p.moveOne(d, opts, sibling, target, tmpToDefinitive); err != nil {
			return err
		}
	}
	return nil
}

func (p *Projector) moveOne(d model.Destination, opts *setup.DestinationOptions, t *model.DataTransfer, target string, tmpToDefinitive bool) error {
	_, siblingOpts, err := p.destination(t.DestinationName)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// Fan-out rules drifted since submission: leave the row as
			// it is rather than failing the rename.
			log.Printf("[vfs] warning: no destination %s for transfer %d, leaving unchanged", t.DestinationName, t.ID)
			return nil
		}
		return err
	}

	oldTarget := t.Target
	newTarget := target
	if d.GroupByDate {
		segments := splitPath(target)
		if len(segments) > 2 {
			return fmt.Errorf("%w: sub-directory not allowed here", ErrInvalidArgument)
		}
		if len(segments) == 2 {
			date, ok := opts.ParseDate(segments[0])
			if !ok {
				return fmt.Errorf("%w: invalid date: %s", ErrInvalidArgument, segments[0])
			}
			if !date.Equal(p.bucketOf(opts, t)) {
				return fmt.Errorf("%w: cannot change product date to %s", ErrInvalidArgument, segments[0])
			}
			newTarget = segments[1]
		} else if len(segments) == 1 {
			newTarget = segments[0]
		} else {
			newTarget = ""
		}
	} else {
		normalized, err := NormalizePath(target)
		if err != nil {
			return err
		}
		newTarget = normalized
	}
	if newTarget == "" {
		return fmt.Errorf("%w: no target name specified", ErrInvalidArgument)
	}

	t.Target = newTarget
	promoted := false
	if tmpToDefinitive && t.Status == model.StatusHold &&
		!siblingOpts.Standby && !siblingOpts.SchedulerStandby {
		t.Status = model.StatusWait
		t.Comment = fmt.Sprintf("Renamed from %s to %s and scheduled for no sooner than %s",
			oldTarget, newTarget, t.ScheduledAt.UTC().Format("Jan 02 15:04:05"))
		promoted = true
	} else {
		t.Comment = fmt.Sprintf("Renamed from %s to %s", oldTarget, newTarget)
	}
	if err := p.catalog.UpdateTransfer(t); err != nil {
		return err
	}
	if err := p.catalog.InsertTransferHistory(model.TransferHistory{
		DataTransferID: t.ID,
		Status:         t.Status,
		Comment:        t.Comment,
	}); err != nil {
		log.Printf("[vfs] warning: transfer history for %d: %v", t.ID, err)
	}
	if promoted {
		log.Printf("[vfs] transfer %d renamed from %s to %s and queued", t.ID, oldTarget, newTarget)
	} else {
		log.Printf("[vfs] transfer %d renamed from %s to %s", t.ID, oldTarget, newTarget)
	}
	// A queued transfer needs the delivery side to refresh its view.
	if p.reload != nil && (t.Status == model.StatusWait || t.Status == model.StatusRetr) {
		p.reload(t)
	}
	return nil
}

// bucketOf returns the transfer's date bucket truncated to the destination's
// date granularity.
func (p *Projector) bucketOf(opts *setup.DestinationOptions, t *model.DataTransfer) time.Time {
	date, ok := opts.ParseDate(opts.FormatDate(t.File.TimeBase))
	if !ok {
		return t.File.TimeBase
	}
	return date
}

func splitPath(p string) []string {
	var segments []string
	for _, seg := range strings.Split(p, "/") {
		if seg != "" {
			segments = append(segments, seg)
		}
	}
	return segments
}
