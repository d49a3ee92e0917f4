package tier

import (
	"fmt"
	"os"

	"github.com/gftdcojp/tiered-block-worker/internal/config"
	"github.com/gftdcojp/tiered-block-worker/internal/types"
)

// StorageTier is an ordered list of dirs sharing one alias. Ordinal 0 is the fastest tier.
type StorageTier struct {
	alias         string
	ordinal       int
	highWatermark float64
	lowWatermark  float64
	dirs          []*StorageDir
}

func (t *StorageTier) Alias() string          { return t.alias }
func (t *StorageTier) Ordinal() int           { return t.ordinal }
func (t *StorageTier) Dirs() []*StorageDir    { return t.dirs }
func (t *StorageTier) Watermarks() (high, low float64) {
	return t.highWatermark, t.lowWatermark
}

// CapacityBytes sums the quotas of all dirs in the tier.
func (t *StorageTier) CapacityBytes() int64 {
	var total int64
	for _, d := range t.dirs {
		total += d.CapacityBytes()
	}
	return total
}

// CommittedBytes sums the accounted bytes of all dirs in the tier.
func (t *StorageTier) CommittedBytes() int64 {
	var total int64
	for _, d := range t.dirs {
		total += d.CommittedBytes()
	}
	return total
}

// Topology is the fixed tier → dir hierarchy derived from configuration.
type Topology struct {
	tiers   []*StorageTier
	byAlias map[string]*StorageTier
}

// NewTopology builds the hierarchy and creates every dir (and its temp area) on disk.
func NewTopology(levels []config.LevelConfig) (*Topology, error) {
	topo := &Topology{byAlias: make(map[string]*StorageTier)}
	for i, lc := range levels {
		if _, dup := topo.byAlias[lc.Alias]; dup {
			return nil, fmt.Errorf("duplicate tier alias %q", lc.Alias)
		}
		st := &StorageTier{
			alias:         lc.Alias,
			ordinal:       i,
			highWatermark: lc.HighWatermark,
			lowWatermark:  lc.LowWatermark,
		}
		for j, dc := range lc.Dirs {
			medium := dc.MediumType
			if medium == "" {
				medium = lc.Alias
			}
			if err := os.MkdirAll(dc.Path, 0755); err != nil {
				return nil, fmt.Errorf("creating storage dir %s: %w", dc.Path, err)
			}
			st.dirs = append(st.dirs, newStorageDir(st, j, dc.Path, medium, int64(dc.Quota)))
		}
		topo.tiers = append(topo.tiers, st)
		topo.byAlias[lc.Alias] = st
	}
	return topo, nil
}

// Tiers returns tiers in order, fastest first.
func (t *Topology) Tiers() []*StorageTier { return t.tiers }

// TierAliases returns tier aliases in order.
func (t *Topology) TierAliases() []string {
	aliases := make([]string, len(t.tiers))
	for i, st := range t.tiers {
		aliases[i] = st.alias
	}
	return aliases
}

// Tier looks up a tier by alias.
func (t *Topology) Tier(alias string) (*StorageTier, bool) {
	st, ok := t.byAlias[alias]
	return st, ok
}

// TierByOrdinal looks up a tier by its position.
func (t *Topology) TierByOrdinal(ordinal int) (*StorageTier, error) {
	if ordinal < 0 || ordinal >= len(t.tiers) {
		return nil, fmt.Errorf("tier ordinal %d out of range [0, %d)", ordinal, len(t.tiers))
	}
	return t.tiers[ordinal], nil
}

// NextTier returns the tier directly below alias, if any.
func (t *Topology) NextTier(alias string) (*StorageTier, bool) {
	st, ok := t.byAlias[alias]
	if !ok || st.ordinal+1 >= len(t.tiers) {
		return nil, false
	}
	return t.tiers[st.ordinal+1], true
}

// HasMedium reports whether any dir carries the given medium label.
func (t *Topology) HasMedium(medium string) bool {
	for _, st := range t.tiers {
		for _, d := range st.dirs {
			if d.medium == medium {
				return true
			}
		}
	}
	return false
}

// Dir resolves a fully specified location.
func (t *Topology) Dir(loc types.BlockStoreLocation) (*StorageDir, bool) {
	st, ok := t.byAlias[loc.TierAlias]
	if !ok || loc.Dir < 0 || loc.Dir >= len(st.dirs) {
		return nil, false
	}
	d := st.dirs[loc.Dir]
	if !loc.IsAnyMedium() && d.medium != loc.MediumType {
		return nil, false
	}
	return d, true
}

// Dirs returns every dir matching constraint, in tier order then dir order.
func (t *Topology) Dirs(constraint types.BlockStoreLocation) []*StorageDir {
	var result []*StorageDir
	for _, st := range t.tiers {
		if !constraint.IsAnyTier() && st.alias != constraint.TierAlias {
			continue
		}
		for _, d := range st.dirs {
			if d.Location().BelongsTo(constraint) {
				result = append(result, d)
			}
		}
	}
	return result
}

// AllDirs returns every dir in tier order.
func (t *Topology) AllDirs() []*StorageDir {
	return t.Dirs(types.AnyTier())
}
