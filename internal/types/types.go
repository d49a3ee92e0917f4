package types

import (
	"fmt"
	"strconv"
	"strings"
)

// Wildcard components of a BlockStoreLocation.
const (
	AnyTierAlias = ""
	AnyDir       = -1
	AnyMedium    = ""
)

// Reserved session ids for work the worker performs on its own behalf.
const (
	MasterCommandSessionID int64 = -2
	MigrateDataSessionID   int64 = -3
	CacheSessionID         int64 = -4
	SpaceReserveSessionID  int64 = -5
)

// BlockStoreLocation identifies a storage dir, or acts as a placement constraint when
// any of its components is a wildcard.
type BlockStoreLocation struct {
	TierAlias  string `json:"tier_alias"`
	Dir        int    `json:"dir"`
	MediumType string `json:"medium_type"`
}

// NewLocation returns a fully specified location.
func NewLocation(tierAlias string, dir int, mediumType string) BlockStoreLocation {
	return BlockStoreLocation{TierAlias: tierAlias, Dir: dir, MediumType: mediumType}
}

// AnyTier matches every dir of every tier.
func AnyTier() BlockStoreLocation {
	return BlockStoreLocation{TierAlias: AnyTierAlias, Dir: AnyDir, MediumType: AnyMedium}
}

// AnyDirInTier matches every dir of the given tier.
func AnyDirInTier(tierAlias string) BlockStoreLocation {
	return BlockStoreLocation{TierAlias: tierAlias, Dir: AnyDir, MediumType: AnyMedium}
}

// AnyDirInAnyTierWithMedium matches every dir labelled with the given medium.
func AnyDirInAnyTierWithMedium(medium string) BlockStoreLocation {
	return BlockStoreLocation{TierAlias: AnyTierAlias, Dir: AnyDir, MediumType: medium}
}

func (l BlockStoreLocation) IsAnyTier() bool   { return l.TierAlias == AnyTierAlias }
func (l BlockStoreLocation) IsAnyDir() bool    { return l.Dir == AnyDir }
func (l BlockStoreLocation) IsAnyMedium() bool { return l.MediumType == AnyMedium }

// BelongsTo reports whether l lies within constraint. Wildcard components of the
// constraint match anything; a concrete location belongs to itself.
func (l BlockStoreLocation) BelongsTo(constraint BlockStoreLocation) bool {
	if !constraint.IsAnyTier() && l.TierAlias != constraint.TierAlias {
		return false
	}
	if !constraint.IsAnyDir() && l.Dir != constraint.Dir {
		return false
	}
	if !constraint.IsAnyMedium() && l.MediumType != constraint.MediumType {
		return false
	}
	return true
}

func (l BlockStoreLocation) String() string {
	alias := l.TierAlias
	if l.IsAnyTier() {
		alias = "*"
	}
	dir := "*"
	if !l.IsAnyDir() {
		dir = strconv.Itoa(l.Dir)
	}
	medium := l.MediumType
	if l.IsAnyMedium() {
		medium = "*"
	}
	return alias + "/" + dir + "/" + medium
}

// MarshalText lets locations be used as JSON object keys.
func (l BlockStoreLocation) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

func (l *BlockStoreLocation) UnmarshalText(text []byte) error {
	parts := strings.Split(string(text), "/")
	if len(parts) != 3 {
		return fmt.Errorf("invalid block store location %q", text)
	}
	loc := AnyTier()
	if parts[0] != "*" {
		loc.TierAlias = parts[0]
	}
	if parts[1] != "*" {
		dir, err := strconv.Atoi(parts[1])
		if err != nil {
			return fmt.Errorf("invalid dir index in location %q: %w", text, err)
		}
		loc.Dir = dir
	}
	if parts[2] != "*" {
		loc.MediumType = parts[2]
	}
	*l = loc
	return nil
}

// OpenUfsBlockOptions describes where and how to read a block that is not cached
// locally. Two options are equal iff all fields match.
type OpenUfsBlockOptions struct {
	UnderFileSystemPath   string `json:"ufs_path"`
	Offset                int64  `json:"offset"`
	BlockSize             int64  `json:"block_size"`
	MaxUfsReadConcurrency int    `json:"max_ufs_read_concurrency"`
	MountPoint            string `json:"mount_point"`
	MountTableVersion     int64  `json:"mount_table_version"`
}

// UfsReadKey is the admission key for concurrent pass-through reads.
type UfsReadKey struct {
	Path              string
	MountTableVersion int64
}

func (o OpenUfsBlockOptions) ConcurrencyKey() UfsReadKey {
	return UfsReadKey{Path: o.UnderFileSystemPath, MountTableVersion: o.MountTableVersion}
}

// IsEmpty reports whether the options carry no UFS path, i.e. the block can only be
// served from local storage.
func (o OpenUfsBlockOptions) IsEmpty() bool {
	return o.UnderFileSystemPath == ""
}

// BlockHeartbeatReport is the block diff accumulated since the previous report.
type BlockHeartbeatReport struct {
	AddedBlocks   map[BlockStoreLocation][]int64 `json:"added_blocks"`
	RemovedBlocks []int64                        `json:"removed_blocks"`
}

// IsEmpty reports whether the report carries no changes.
func (r BlockHeartbeatReport) IsEmpty() bool {
	return len(r.AddedBlocks) == 0 && len(r.RemovedBlocks) == 0
}

// DirMeta reports capacity and usage of a single storage dir.
type DirMeta struct {
	Location      BlockStoreLocation `json:"location"`
	Path          string             `json:"path"`
	CapacityBytes int64              `json:"capacity_bytes"`
	UsedBytes     int64              `json:"used_bytes"`
}

// BlockStoreMeta summarizes the block store. Block listings are only populated by the
// full variant.
type BlockStoreMeta struct {
	TierOrder            []string                       `json:"tier_order"`
	CapacityBytes        int64                          `json:"capacity_bytes"`
	UsedBytes            int64                          `json:"used_bytes"`
	CapacityBytesOnTiers map[string]int64               `json:"capacity_bytes_on_tiers"`
	UsedBytesOnTiers     map[string]int64               `json:"used_bytes_on_tiers"`
	Dirs                 []DirMeta                      `json:"dirs"`
	BlockList            map[string][]int64             `json:"block_list,omitempty"`
	BlockListByLocation  map[BlockStoreLocation][]int64 `json:"block_list_by_location,omitempty"`
	NumberOfBlocks       int                            `json:"number_of_blocks"`
}
