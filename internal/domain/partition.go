package domain

import "strings"

const (
	// MinimumInclusiveEPK is the lower bound of the effective partition key space
	MinimumInclusiveEPK EffectivePartitionKey = ""
	// MaximumExclusiveEPK is the upper bound of the effective partition key space
	MaximumExclusiveEPK EffectivePartitionKey = "FF"
)

// EffectivePartitionKey is the hashed, hex-encoded form of a partition key.
// Keys compare byte-wise.
type EffectivePartitionKey string

// Compare returns -1, 0 or +1 depending on whether k sorts before, equal to
// or after other.
func (k EffectivePartitionKey) Compare(other EffectivePartitionKey) int {
	return strings.Compare(string(k), string(other))
}

// PartitionKeyRange is one contiguous slice of a container's key space.
type PartitionKeyRange struct {
	ID           string                `json:"id"`
	MinInclusive EffectivePartitionKey `json:"minInclusive"`
	MaxExclusive EffectivePartitionKey `json:"maxExclusive"`
	Parents      []string              `json:"parents,omitempty"`
}

// Contains reports whether epk falls in [MinInclusive, MaxExclusive)
func (r PartitionKeyRange) Contains(epk EffectivePartitionKey) bool {
	return r.MinInclusive.Compare(epk) <= 0 && epk.Compare(r.MaxExclusive) < 0
}

// KeyRange returns the half-open interval this range covers
func (r PartitionKeyRange) KeyRange() KeyRange {
	return KeyRange{Min: r.MinInclusive, Max: r.MaxExclusive}
}

// KeyRange is a half-open interval [Min, Max) of effective partition keys.
type KeyRange struct {
	Min EffectivePartitionKey `json:"min"`
	Max EffectivePartitionKey `json:"max"`
}

// IsEmpty reports whether the interval contains no key. Inverted intervals
// are empty.
func (k KeyRange) IsEmpty() bool {
	return k.Min.Compare(k.Max) >= 0
}

// Overlaps reports whether k and other share at least one key
func (k KeyRange) Overlaps(other KeyRange) bool {
	if k.IsEmpty() || other.IsEmpty() {
		return false
	}
	return k.Min.Compare(other.Max) < 0 && other.Min.Compare(k.Max) < 0
}

// PartitionKeyDefinition describes how a container derives partition keys
type PartitionKeyDefinition struct {
	Paths   []string `json:"paths"`
	Kind    string   `json:"kind"`
	Version int      `json:"version,omitempty"`
}

// ContainerProperties is the subset of container metadata routing needs
type ContainerProperties struct {
	ID           string                 `json:"id"`
	ResourceID   string                 `json:"_rid"`
	PartitionKey PartitionKeyDefinition `json:"partitionKey"`
}

// PartitionScope names the partition key range a request is pinned to
type PartitionScope struct {
	CollectionRID string
	RangeID       string
}

// IsZero reports whether the scope is unset
func (p PartitionScope) IsZero() bool {
	return p.CollectionRID == "" && p.RangeID == ""
}

// String returns "collection/range"
func (p PartitionScope) String() string {
	return p.CollectionRID + "/" + p.RangeID
}
