package allocator

import (
	"path/filepath"
	"testing"

	"github.com/gftdcojp/tiered-block-worker/internal/config"
	"github.com/gftdcojp/tiered-block-worker/internal/tier"
	"github.com/gftdcojp/tiered-block-worker/internal/types"
)

func newTestTopology(t *testing.T) *tier.Topology {
	t.Helper()
	root := t.TempDir()
	topo, err := tier.NewTopology([]config.LevelConfig{
		{Alias: "MEM", Dirs: []config.DirConfig{{Path: filepath.Join(root, "mem"), MediumType: "MEM", Quota: 100}}},
		{Alias: "HDD", Dirs: []config.DirConfig{
			{Path: filepath.Join(root, "hdd0"), MediumType: "HDD", Quota: 200},
			{Path: filepath.Join(root, "hdd1"), MediumType: "SSD", Quota: 400},
		}},
	})
	if err != nil {
		t.Fatal(err)
	}
	return topo
}

func TestGreedy_TierOrder(t *testing.T) {
	topo := newTestTopology(t)
	a := NewGreedy(topo)

	d := a.Allocate(1, 80, types.AnyTier())
	if d == nil || d.Tier().Alias() != "MEM" {
		t.Fatalf("expected MEM for first block, got %v", d)
	}
	d = a.Allocate(2, 80, types.AnyTier())
	if d == nil || d.Location() != types.NewLocation("HDD", 0, "HDD") {
		t.Fatalf("expected spill to HDD/0, got %v", d)
	}
	if topo.Tiers()[0].Dirs()[0].CommittedBytes() != 80 {
		t.Fatal("allocation must reserve space")
	}
}

func TestGreedy_Constraints(t *testing.T) {
	topo := newTestTopology(t)
	a := NewGreedy(topo)

	d := a.Allocate(1, 10, types.AnyDirInAnyTierWithMedium("SSD"))
	if d == nil || d.MediumType() != "SSD" {
		t.Fatalf("expected SSD dir, got %v", d)
	}
	d = a.Allocate(2, 10, types.AnyDirInTier("HDD"))
	if d == nil || d.Location() != types.NewLocation("HDD", 0, "HDD") {
		t.Fatalf("expected first HDD dir, got %v", d)
	}
	if d := a.Allocate(3, 101, types.AnyDirInTier("MEM")); d != nil {
		t.Fatalf("oversized block should not fit MEM, got %v", d)
	}
	if d := a.Allocate(4, 10, types.AnyDirInTier("NVME")); d != nil {
		t.Fatal("unknown tier should yield no dir")
	}
}

func TestGreedy_GrowInPlace(t *testing.T) {
	topo := newTestTopology(t)
	a := NewGreedy(topo)
	d := a.Allocate(1, 50, types.AnyTier())
	if grown := a.Allocate(1, 50, d.Location()); grown != d {
		t.Fatal("growth must stay in the same dir")
	}
	if d.AccountedBytes(1) != 100 {
		t.Fatalf("expected 100 bytes accounted, got %d", d.AccountedBytes(1))
	}
	if a.Allocate(1, 1, d.Location()) != nil {
		t.Fatal("growth beyond the dir must fail")
	}
}

func TestMaxFree(t *testing.T) {
	topo := newTestTopology(t)
	a, err := New("max_free", topo)
	if err != nil {
		t.Fatal(err)
	}

	d := a.Allocate(1, 10, types.AnyTier())
	if d == nil || d.MediumType() != "SSD" {
		t.Fatalf("expected the largest dir, got %v", d)
	}
	d = a.Allocate(2, 250, types.AnyDirInTier("HDD"))
	if d == nil || d.MediumType() != "SSD" {
		t.Fatalf("only SSD has 250 bytes free, got %v", d)
	}
	if d := a.Allocate(3, 1000, types.AnyTier()); d != nil {
		t.Fatal("nothing fits 1000 bytes")
	}
}

func TestNew_Unknown(t *testing.T) {
	if _, err := New("lrfu", newTestTopology(t)); err == nil {
		t.Fatal("expected error for unknown allocator")
	}
}
