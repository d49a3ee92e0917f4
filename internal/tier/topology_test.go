package tier

import (
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/gftdcojp/tiered-block-worker/internal/config"
	"github.com/gftdcojp/tiered-block-worker/internal/types"
)

func newTestTopology(t *testing.T) *Topology {
	t.Helper()
	root := t.TempDir()
	topo, err := NewTopology([]config.LevelConfig{
		{
			Alias: "MEM",
			Dirs:  []config.DirConfig{{Path: filepath.Join(root, "mem"), MediumType: "MEM", Quota: 1000}},
		},
		{
			Alias: "HDD",
			Dirs: []config.DirConfig{
				{Path: filepath.Join(root, "hdd0"), MediumType: "HDD", Quota: 2000},
				{Path: filepath.Join(root, "hdd1"), MediumType: "SSD", Quota: 500},
			},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	return topo
}

func TestTopology_Order(t *testing.T) {
	topo := newTestTopology(t)
	aliases := topo.TierAliases()
	if len(aliases) != 2 || aliases[0] != "MEM" || aliases[1] != "HDD" {
		t.Fatalf("unexpected tier order: %v", aliases)
	}
	next, ok := topo.NextTier("MEM")
	if !ok || next.Alias() != "HDD" {
		t.Fatal("expected HDD below MEM")
	}
	if _, ok := topo.NextTier("HDD"); ok {
		t.Fatal("HDD should be the last tier")
	}
	if _, err := topo.TierByOrdinal(2); err == nil {
		t.Fatal("expected out of range error")
	}
}

func TestTopology_DirsByConstraint(t *testing.T) {
	topo := newTestTopology(t)

	if got := len(topo.Dirs(types.AnyTier())); got != 3 {
		t.Fatalf("any tier: expected 3 dirs, got %d", got)
	}
	if got := len(topo.Dirs(types.AnyDirInTier("HDD"))); got != 2 {
		t.Fatalf("HDD tier: expected 2 dirs, got %d", got)
	}
	ssd := topo.Dirs(types.AnyDirInAnyTierWithMedium("SSD"))
	if len(ssd) != 1 || ssd[0].Location() != types.NewLocation("HDD", 1, "SSD") {
		t.Fatalf("unexpected SSD dirs: %v", ssd)
	}
	d, ok := topo.Dir(types.NewLocation("HDD", 0, "HDD"))
	if !ok || d.CapacityBytes() != 2000 {
		t.Fatal("expected to resolve HDD/0")
	}
	if _, ok := topo.Dir(types.NewLocation("HDD", 5, "HDD")); ok {
		t.Fatal("dir index out of range should not resolve")
	}
	if topo.Tiers()[1].CapacityBytes() != 2500 {
		t.Fatalf("unexpected HDD capacity: %d", topo.Tiers()[1].CapacityBytes())
	}
}

func TestStorageDir_Accounting(t *testing.T) {
	topo := newTestTopology(t)
	d := topo.Tiers()[0].Dirs()[0]

	if !d.Reserve(1, 600) {
		t.Fatal("first reservation should fit")
	}
	if d.Reserve(2, 500) {
		t.Fatal("reservation beyond capacity should fail")
	}
	if !d.Reserve(1, 100) {
		t.Fatal("growing an existing block should fit")
	}
	if d.CommittedBytes() != 700 || d.AccountedBytes(1) != 700 {
		t.Fatalf("unexpected accounting: committed=%d block=%d", d.CommittedBytes(), d.AccountedBytes(1))
	}
	if !d.Resize(1, 200) {
		t.Fatal("shrink should succeed")
	}
	if d.AvailableBytes() != 800 {
		t.Fatalf("expected 800 available, got %d", d.AvailableBytes())
	}
	if d.Resize(1, 1200) {
		t.Fatal("resize beyond capacity should fail")
	}
	if !d.Reserve(1, 50) {
		t.Fatal("reserve for growth")
	}
	d.Unreserve(1, 50)
	if d.AccountedBytes(1) != 200 {
		t.Fatalf("unreserve should only take back the growth, got %d", d.AccountedBytes(1))
	}
	if freed := d.Release(1); freed != 200 {
		t.Fatalf("expected 200 freed, got %d", freed)
	}
	if d.CommittedBytes() != 0 || len(d.BlockIDs()) != 0 {
		t.Fatal("dir should be empty after release")
	}
}

func TestStorageDir_ConcurrentReserveNeverOvercommits(t *testing.T) {
	topo := newTestTopology(t)
	d := topo.Tiers()[0].Dirs()[0]

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			if d.Reserve(id, 100) {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}(int64(i))
	}
	wg.Wait()

	if granted != 10 {
		t.Fatalf("expected exactly 10 reservations, got %d", granted)
	}
	if d.CommittedBytes() != d.CapacityBytes() {
		t.Fatalf("committed %d != capacity %d", d.CommittedBytes(), d.CapacityBytes())
	}
}

func TestStorageDir_Paths(t *testing.T) {
	topo := newTestTopology(t)
	d := topo.Tiers()[0].Dirs()[0]
	if filepath.Dir(d.BlockPath(42)) != d.Path() {
		t.Fatalf("unexpected block path %s", d.BlockPath(42))
	}
	tmp := d.TempBlockPath(-7, 42)
	if !strings.HasPrefix(tmp, d.TempDir()) || !strings.HasSuffix(tmp, "-7-42") {
		t.Fatalf("unexpected temp path %s", tmp)
	}
}
