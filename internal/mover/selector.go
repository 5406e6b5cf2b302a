package mover

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/zeebo/xxh3"

	"github.com/ecmwf/open-ecpds-sub002/internal/catalog"
	"github.com/ecmwf/open-ecpds-sub002/internal/model"
)

// ErrNoMoverAvailable reports that no usable mover exists for the requested
// pool, including after cluster fallback.
var ErrNoMoverAvailable = errors.New("no mover available")

// Pools is the catalog slice the selector needs.
type Pools interface {
	TransferServers(group string) ([]model.TransferServer, error)
	TransferGroupByName(name string) (model.TransferGroup, error)
	TransferGroups() ([]model.TransferGroup, error)
}

// rotor is one per-(caller,pool) generator. The generator itself is not
// concurrency-safe, so draws take the mutex; the map only guards creation.
type rotor struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func newRotor(key string) *rotor {
	seed := xxh3.HashString(key)
	return &rotor{rng: rand.New(rand.NewPCG(seed, seed<<1|1))}
}

func (r *rotor) intN(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rng.IntN(n)
}

// Selector orders the usable movers of a pool for one request. It holds no
// cross-call lock beyond rotor creation and performs no blocking.
type Selector struct {
	pools    Pools
	registry Registry
	engine   Engine
	rotors   *xsync.Map[string, *rotor]
}

// NewSelector wires a selector over the given catalog slice, liveness
// registry and engine.
func NewSelector(pools Pools, registry Registry, engine Engine) *Selector {
	return &Selector{
		pools:    pools,
		registry: registry,
		engine:   engine,
		rotors:   xsync.NewMap[string, *rotor](),
	}
}

func (s *Selector) rotorFor(caller, group string) *rotor {
	key := caller + "|" + group
	r, _ := s.rotors.LoadOrCompute(key, func() (*rotor, bool) {
		return newRotor(key), false
	})
	return r
}

// Select returns the movers of the pool ordered for the caller: rotation
// offset from the caller's generator, inactive and disconnected movers
// dropped, optional ascending sort by in-flight downloads on the given
// volume, and the original mover (when still usable) prepended first.
// Volume may be nil when the request is not bound to a storage volume.
func (s *Selector) Select(caller, original, group string, volume *int) ([]model.TransferServer, error) {
	servers, err := s.pools.TransferServers(group)
	if err != nil {
		return nil, err
	}
	if len(servers) == 0 {
		servers, err = s.clusterFallback(caller, group)
		if err != nil {
			return nil, err
		}
	}
	if len(servers) == 0 {
		return nil, fmt.Errorf("%w: pool %s", ErrNoMoverAvailable, group)
	}

	offset := s.rotorFor(caller, group).intN(len(servers))

	var affinity *model.TransferServer
	usable := make([]model.TransferServer, 0, len(servers))
	for i := range servers {
		srv := servers[(offset+i)%len(servers)]
		if !srv.Active || !s.registry.IsConnected(srv.Name, RoleDownload) {
			continue
		}
		if srv.Name == original {
			affinity = &srv
			continue
		}
		usable = append(usable, srv)
	}

	if volume != nil && len(usable) > 1 {
		// One engine lookup per distinct mover, memoized for this call.
		loads := make(map[string]int, len(usable))
		loadOf := func(name string) int {
			if n, ok := loads[name]; ok {
				return n
			}
			n := s.engine.InFlightDownloads(name, *volume)
			loads[name] = n
			return n
		}
		sort.SliceStable(usable, func(i, j int) bool {
			return loadOf(usable[i].Name) < loadOf(usable[j].Name)
		})
	}

	// Affinity wins over load order.
	if affinity != nil {
		usable = append([]model.TransferServer{*affinity}, usable...)
	}
	if len(usable) == 0 {
		return nil, fmt.Errorf("%w: pool %s", ErrNoMoverAvailable, group)
	}
	return usable, nil
}

// clusterFallback substitutes an empty pool with another member of its
// weighted cluster, picked with probability proportional to the weights.
func (s *Selector) clusterFallback(caller, group string) ([]model.TransferServer, error) {
	g, err := s.pools.TransferGroupByName(group)
	if errors.Is(err, catalog.ErrNotFound) {
		// An unconfigured pool has no cluster to fall back through; the
		// caller reports it as no mover available.
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if g.ClusterName == "" {
		return nil, nil
	}
	all, err := s.pools.TransferGroups()
	if err != nil {
		return nil, err
	}
	var members []model.TransferGroup
	total := 0
	for _, m := range all {
		if m.Name == group || m.ClusterName != g.ClusterName || !m.Active {
			continue
		}
		if m.ClusterWeight == nil || *m.ClusterWeight <= 0 {
			continue
		}
		members = append(members, m)
		total += *m.ClusterWeight
	}
	if total == 0 {
		return nil, nil
	}
	pick := s.rotorFor(caller, group).intN(total)
	for _, m := range members {
		pick -= *m.ClusterWeight
		if pick < 0 {
			return s.pools.TransferServers(m.Name)
		}
	}
	return nil, nil
}
