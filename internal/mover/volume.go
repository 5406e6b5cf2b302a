package mover

import (
	"log"
	"math"
	"math/rand/v2"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/robfig/cron/v3"

	"github.com/ecmwf/open-ecpds-sub002/internal/model"
)

// uniformCV is the coefficient-of-variation threshold under which volumes
// are considered equally loaded and picked uniformly.
const uniformCV = 0.1

// VolumeAllocator decides which storage volume receives a new file, biased
// towards the volumes with the most free space. Usage figures are refreshed
// out of band and read lock-free.
type VolumeAllocator struct {
	engine Engine
	usage  *xsync.Map[string, []VolumeSpace]

	// test hook: replaces the random source when set.
	randFloat func() float64
}

func NewVolumeAllocator(engine Engine) *VolumeAllocator {
	return &VolumeAllocator{
		engine:    engine,
		usage:     xsync.NewMap[string, []VolumeSpace](),
		randFloat: rand.Float64,
	}
}

// Allocate picks a volume index in [0, volumeCount) for the given mover.
// Without usage figures, or when free space is near-uniform across volumes,
// the pick is uniform; otherwise it is weighted by free bytes.
func (a *VolumeAllocator) Allocate(server string, volumeCount int) int {
	if volumeCount <= 1 {
		return 0
	}
	spaces, ok := a.usage.Load(server)
	if !ok || len(spaces) != volumeCount {
		return int(a.randFloat() * float64(volumeCount))
	}

	var total, mean float64
	for _, s := range spaces {
		total += float64(s.FreeBytes)
	}
	if total <= 0 {
		return int(a.randFloat() * float64(volumeCount))
	}
	mean = total / float64(volumeCount)
	var variance float64
	for _, s := range spaces {
		d := float64(s.FreeBytes) - mean
		variance += d * d
	}
	variance /= float64(volumeCount)
	if math.Sqrt(variance)/mean < uniformCV {
		return spaces[int(a.randFloat()*float64(volumeCount))].Volume
	}

	pick := a.randFloat() * total
	for _, s := range spaces {
		pick -= float64(s.FreeBytes)
		if pick < 0 {
			return s.Volume
		}
	}
	return spaces[len(spaces)-1].Volume
}

// Refresh pulls current usage for every listed mover. Failures are logged
// and leave the previous figures in place.
func (a *VolumeAllocator) Refresh(servers []model.TransferServer) {
	for _, srv := range servers {
		if !srv.Active {
			continue
		}
		spaces, err := a.engine.VolumeUsage(srv.Name)
		if err != nil {
			log.Printf("[mover] volume usage for %s: %v", srv.Name, err)
			continue
		}
		a.usage.Store(srv.Name, spaces)
	}
}

// Schedule registers the periodic usage refresh on the given cron runner.
func (a *VolumeAllocator) Schedule(c *cron.Cron, spec string, list func() ([]model.TransferServer, error)) error {
	_, err := c.AddFunc(spec, func() {
		servers, err := list()
		if err != nil {
			log.Printf("[mover] listing movers for usage refresh: %v", err)
			return
		}
		a.Refresh(servers)
	})
	return err
}

// SetUsage overrides the figures for one mover. Exposed for the management
// facade so a mover can push its own report instead of waiting for a poll.
func (a *VolumeAllocator) SetUsage(server string, spaces []VolumeSpace) {
	a.usage.Store(server, spaces)
}
