package mover

import (
	"fmt"
	"path"

	"github.com/ecmwf/open-ecpds-sub002/internal/model"
)

// maxComponentLen is the usual filesystem limit on one path component.
const maxComponentLen = 255

// PhysicalPath builds the deterministic on-volume location of a data file:
// volume<N>/<yyyyMMdd>/<timeStep>/<id><basename>[_<instance>]. The id prefix
// keeps names unique per file; the instance suffix disambiguates
// re-submissions into the same slot. When the component would exceed the
// filesystem limit the original basename is replaced by the literal "data".
func PhysicalPath(volume int, f *model.DataFile) string {
	name := path.Base(f.Original)
	component := fileComponent(f, name)
	if len(component) > maxComponentLen {
		component = fileComponent(f, "data")
	}
	return fmt.Sprintf("volume%d/%s/%08d/%s",
		volume, f.TimeBase.UTC().Format("20060102"), f.TimeStep, component)
}

func fileComponent(f *model.DataFile, name string) string {
	c := fmt.Sprintf("%012d%s", f.ID, name)
	if f.FileInstance != nil {
		c = fmt.Sprintf("%s_%d", c, *f.FileInstance)
	}
	return c
}
