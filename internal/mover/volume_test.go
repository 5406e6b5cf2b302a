package mover

import (
	"testing"

	"github.com/ecmwf/open-ecpds-sub002/internal/model"
)

func newTestAllocator(engine *fakeEngine) *VolumeAllocator {
	a := NewVolumeAllocator(engine)
	a.randFloat = func() float64 { return 0.5 }
	return a
}

func TestVolumeAllocator_SingleVolume(t *testing.T) {
	a := newTestAllocator(&fakeEngine{})
	if got := a.Allocate("m1", 1); got != 0 {
		t.Fatalf("single volume must allocate 0, got %d", got)
	}
}

func TestVolumeAllocator_UniformWithoutFigures(t *testing.T) {
	a := newTestAllocator(&fakeEngine{})
	// 0.5 * 4 volumes = index 2.
	if got := a.Allocate("m1", 4); got != 2 {
		t.Fatalf("uniform pick = %d, want 2", got)
	}
}

func TestVolumeAllocator_WeightedBySpace(t *testing.T) {
	a := newTestAllocator(&fakeEngine{})
	a.SetUsage("m1", []VolumeSpace{
		{Volume: 0, FreeBytes: 10},
		{Volume: 1, FreeBytes: 990},
	})
	// pick = 0.5 * 1000 = 500 falls past volume 0's 10 bytes.
	if got := a.Allocate("m1", 2); got != 1 {
		t.Fatalf("weighted pick = %d, want 1", got)
	}
}

func TestVolumeAllocator_NearUniformSpaceIsUniform(t *testing.T) {
	a := newTestAllocator(&fakeEngine{})
	a.SetUsage("m1", []VolumeSpace{
		{Volume: 0, FreeBytes: 1000},
		{Volume: 1, FreeBytes: 1010},
	})
	// CV is under the threshold, so the pick is positional: 0.5 * 2 = 1.
	if got := a.Allocate("m1", 2); got != 1 {
		t.Fatalf("near-uniform pick = %d, want 1", got)
	}
}

func TestVolumeAllocator_StaleFigureCountMismatch(t *testing.T) {
	a := newTestAllocator(&fakeEngine{})
	a.SetUsage("m1", []VolumeSpace{{Volume: 0, FreeBytes: 100}})
	// Two volumes requested but only one reported: figures are stale,
	// fall back to uniform.
	if got := a.Allocate("m1", 2); got != 1 {
		t.Fatalf("stale-figures pick = %d, want 1", got)
	}
}

func TestVolumeAllocator_Refresh(t *testing.T) {
	engine := &fakeEngine{usage: map[string][]VolumeSpace{
		"m1": {{Volume: 0, FreeBytes: 5}, {Volume: 1, FreeBytes: 995}},
	}}
	a := newTestAllocator(engine)
	a.Refresh([]model.TransferServer{
		{Name: "m1", Active: true},
		{Name: "m2", Active: true},  // engine has no report, keeps nothing
		{Name: "m3", Active: false}, // inactive, never polled
	})
	if got := a.Allocate("m1", 2); got != 1 {
		t.Fatalf("refresh figures not applied, pick = %d", got)
	}
	if got := a.Allocate("m2", 2); got != 1 {
		t.Fatalf("m2 must stay uniform, pick = %d", got)
	}
}
