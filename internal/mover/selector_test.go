package mover

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/ecmwf/open-ecpds-sub002/internal/catalog"
	"github.com/ecmwf/open-ecpds-sub002/internal/model"
	"github.com/ecmwf/open-ecpds-sub002/internal/ticket"
)

// fakePools serves pools and groups from maps.
type fakePools struct {
	servers map[string][]model.TransferServer
	groups  map[string]model.TransferGroup
}

func (p *fakePools) TransferServers(group string) ([]model.TransferServer, error) {
	return p.servers[group], nil
}

func (p *fakePools) TransferGroupByName(name string) (model.TransferGroup, error) {
	g, ok := p.groups[name]
	if !ok {
		return model.TransferGroup{}, fmt.Errorf("%w: transfer group %s", catalog.ErrNotFound, name)
	}
	return g, nil
}

func (p *fakePools) TransferGroups() ([]model.TransferGroup, error) {
	var out []model.TransferGroup
	for _, g := range p.groups {
		out = append(out, g)
	}
	return out, nil
}

// fakeRegistry reports the named movers as connected.
type fakeRegistry map[string]bool

func (r fakeRegistry) IsConnected(name string, _ Role) bool { return r[name] }

// fakeEngine serves canned per-mover load and usage figures.
type fakeEngine struct {
	loads   map[string]int
	lookups int
	usage   map[string][]VolumeSpace
}

func (e *fakeEngine) IssueDownload(*model.DataTransfer, int64, int64) (*ticket.ProxySocket, error) {
	return nil, errors.New("not implemented")
}

func (e *fakeEngine) VerifyCompletion(*ticket.ProxySocket) (*model.DataTransfer, error) {
	return nil, errors.New("not implemented")
}

func (e *fakeEngine) InFlightDownloads(server string, _ int) int {
	e.lookups++
	return e.loads[server]
}

func (e *fakeEngine) VolumeUsage(server string) ([]VolumeSpace, error) {
	if spaces, ok := e.usage[server]; ok {
		return spaces, nil
	}
	return nil, errors.New("no report")
}

func server(name string, active bool) model.TransferServer {
	return model.TransferServer{Name: name, GroupName: "g1", Host: name + ".local", Port: 645, Active: active}
}

func TestSelector_Select_SkipsInactiveAndDisconnected(t *testing.T) {
	pools := &fakePools{
		servers: map[string][]model.TransferServer{
			"g1": {server("w1", true), server("w2", false), server("w3", true)},
		},
		groups: map[string]model.TransferGroup{"g1": {Name: "g1", Active: true}},
	}
	sel := NewSelector(pools, fakeRegistry{"w1": true, "w3": true}, &fakeEngine{})

	for i := 0; i < 20; i++ {
		got, err := sel.Select("caller", "", "g1", nil)
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 2 {
			t.Fatalf("expected 2 movers, got %d", len(got))
		}
		for _, srv := range got {
			if srv.Name == "w2" {
				t.Fatal("inactive mover selected")
			}
		}
	}
}

func TestSelector_Select_AffinityFirst(t *testing.T) {
	pools := &fakePools{
		servers: map[string][]model.TransferServer{
			"g1": {server("w1", true), server("w2", true), server("w3", true)},
		},
		groups: map[string]model.TransferGroup{"g1": {Name: "g1", Active: true}},
	}
	// w3 carries the highest load; affinity must still put it first.
	engine := &fakeEngine{loads: map[string]int{"w1": 1, "w2": 2, "w3": 99}}
	sel := NewSelector(pools, fakeRegistry{"w1": true, "w2": true, "w3": true}, engine)

	vol := 0
	for i := 0; i < 20; i++ {
		got, err := sel.Select("caller", "w3", "g1", &vol)
		if err != nil {
			t.Fatal(err)
		}
		if got[0].Name != "w3" {
			t.Fatalf("expected w3 first, got %s", got[0].Name)
		}
	}
}

func TestSelector_Select_VolumeLoadSort(t *testing.T) {
	pools := &fakePools{
		servers: map[string][]model.TransferServer{
			"g1": {server("w1", true), server("w2", true), server("w3", true)},
		},
		groups: map[string]model.TransferGroup{"g1": {Name: "g1", Active: true}},
	}
	engine := &fakeEngine{loads: map[string]int{"w1": 5, "w2": 0, "w3": 9}}
	sel := NewSelector(pools, fakeRegistry{"w1": true, "w2": true, "w3": true}, engine)

	vol := 1
	got, err := sel.Select("caller", "", "g1", &vol)
	if err != nil {
		t.Fatal(err)
	}
	if got[0].Name != "w2" || got[1].Name != "w1" || got[2].Name != "w3" {
		t.Fatalf("expected load order w2,w1,w3, got %v", names(got))
	}
	if engine.lookups > len(got) {
		t.Fatalf("expected memoized lookups, got %d", engine.lookups)
	}
}

func TestSelector_Select_ClusterFallback(t *testing.T) {
	w2, w3 := 2, 3
	pools := &fakePools{
		servers: map[string][]model.TransferServer{
			"empty": {},
			"alt1":  {server("a1", true)},
			"alt2":  {server("a2", true)},
		},
		groups: map[string]model.TransferGroup{
			"empty": {Name: "empty", Active: true, ClusterName: "c1"},
			"alt1":  {Name: "alt1", Active: true, ClusterName: "c1", ClusterWeight: &w2},
			"alt2":  {Name: "alt2", Active: true, ClusterName: "c1", ClusterWeight: &w3},
			"other": {Name: "other", Active: true, ClusterName: "c2", ClusterWeight: &w2},
		},
	}
	sel := NewSelector(pools, fakeRegistry{"a1": true, "a2": true}, &fakeEngine{})

	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		got, err := sel.Select("caller", "", "empty", nil)
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 1 || !strings.HasPrefix(got[0].Name, "a") {
			t.Fatalf("expected one cluster member, got %v", names(got))
		}
		seen[got[0].Name] = true
	}
	if !seen["a1"] || !seen["a2"] {
		t.Fatalf("expected both cluster members over 50 draws, got %v", seen)
	}
}

func TestSelector_Select_NoMover(t *testing.T) {
	pools := &fakePools{
		servers: map[string][]model.TransferServer{"g1": {server("w1", false)}},
		groups:  map[string]model.TransferGroup{"g1": {Name: "g1", Active: true}},
	}
	sel := NewSelector(pools, fakeRegistry{}, &fakeEngine{})

	if _, err := sel.Select("caller", "", "g1", nil); !errors.Is(err, ErrNoMoverAvailable) {
		t.Fatalf("expected ErrNoMoverAvailable, got %v", err)
	}
}

func TestSelector_Select_UnconfiguredGroup(t *testing.T) {
	pools := &fakePools{
		servers: map[string][]model.TransferServer{},
		groups:  map[string]model.TransferGroup{},
	}
	sel := NewSelector(pools, fakeRegistry{}, &fakeEngine{})

	// A pool with no transfer_groups row must classify as no mover
	// available, not as a missing-row lookup failure.
	_, err := sel.Select("caller", "", "internet", nil)
	if !errors.Is(err, ErrNoMoverAvailable) {
		t.Fatalf("expected ErrNoMoverAvailable, got %v", err)
	}
	if errors.Is(err, catalog.ErrNotFound) {
		t.Fatalf("not-found must not leak out of selection: %v", err)
	}
}

func TestSelector_Select_RotationVaries(t *testing.T) {
	pools := &fakePools{
		servers: map[string][]model.TransferServer{
			"g1": {server("w1", true), server("w2", true), server("w3", true)},
		},
		groups: map[string]model.TransferGroup{"g1": {Name: "g1", Active: true}},
	}
	sel := NewSelector(pools, fakeRegistry{"w1": true, "w2": true, "w3": true}, &fakeEngine{})

	firsts := map[string]bool{}
	for i := 0; i < 100; i++ {
		got, err := sel.Select("caller", "", "g1", nil)
		if err != nil {
			t.Fatal(err)
		}
		firsts[got[0].Name] = true
	}
	if len(firsts) < 2 {
		t.Fatalf("expected rotation across draws, always got %v", firsts)
	}
}

func names(servers []model.TransferServer) []string {
	out := make([]string, len(servers))
	for i, s := range servers {
		out[i] = s.Name
	}
	return out
}

