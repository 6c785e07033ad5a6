// Package routing maps effective partition keys to the partition key ranges
// of a container and caches container and partition metadata.
package routing

import (
	"fmt"
	"os"
	"slices"

	"github.com/mir00r/region-router/internal/domain"
)

// NormalizeRanges drops every range that is the parent of another range in
// the list and orders the rest by MinInclusive. Ranges left behind by a
// split or merge are listed as parents of their successors, so pruning them
// leaves only live ranges.
func NormalizeRanges(ranges []domain.PartitionKeyRange) []domain.PartitionKeyRange {
	parents := make(map[string]struct{})
	for _, r := range ranges {
		for _, p := range r.Parents {
			parents[p] = struct{}{}
		}
	}

	out := make([]domain.PartitionKeyRange, 0, len(ranges))
	for _, r := range ranges {
		if _, gone := parents[r.ID]; gone {
			continue
		}
		out = append(out, r)
	}

	slices.SortStableFunc(out, func(a, b domain.PartitionKeyRange) int {
		return a.MinInclusive.Compare(b.MinInclusive)
	})
	return out
}

// debugInvariants turns on the sorted-ranges assertion at lookup time. Set
// ROUTER_DEBUG_INVARIANTS to enable it.
var debugInvariants = os.Getenv("ROUTER_DEBUG_INVARIANTS") != ""

// CollectionRoutingMap is an immutable, ordered view of a container's live
// partition key ranges. Rebuild it with WithRanges rather than mutating it.
type CollectionRoutingMap struct {
	collectionRID string
	ranges        []domain.PartitionKeyRange
}

// NewCollectionRoutingMap normalizes ranges and builds a routing map
func NewCollectionRoutingMap(collectionRID string, ranges []domain.PartitionKeyRange) *CollectionRoutingMap {
	return &CollectionRoutingMap{
		collectionRID: collectionRID,
		ranges:        NormalizeRanges(ranges),
	}
}

// WithRanges builds a new map for the same container from a full range list
func (m *CollectionRoutingMap) WithRanges(ranges []domain.PartitionKeyRange) *CollectionRoutingMap {
	return NewCollectionRoutingMap(m.collectionRID, ranges)
}

// CollectionRID returns the resource id of the container
func (m *CollectionRoutingMap) CollectionRID() string {
	return m.collectionRID
}

// Ranges returns a copy of the ordered ranges
func (m *CollectionRoutingMap) Ranges() []domain.PartitionKeyRange {
	return slices.Clone(m.ranges)
}

// Len returns the number of ranges
func (m *CollectionRoutingMap) Len() int {
	return len(m.ranges)
}

// RangeContaining returns the range whose [MinInclusive, MaxExclusive)
// contains epk.
func (m *CollectionRoutingMap) RangeContaining(epk domain.EffectivePartitionKey) (domain.PartitionKeyRange, bool) {
	m.checkSorted()
	i, found := slices.BinarySearchFunc(m.ranges, epk, func(r domain.PartitionKeyRange, k domain.EffectivePartitionKey) int {
		switch {
		case r.MaxExclusive.Compare(k) <= 0:
			return -1
		case r.MinInclusive.Compare(k) > 0:
			return 1
		default:
			return 0
		}
	})
	if !found {
		return domain.PartitionKeyRange{}, false
	}
	return m.ranges[i], true
}

// Range returns the range with the given id
func (m *CollectionRoutingMap) Range(id string) (domain.PartitionKeyRange, bool) {
	for _, r := range m.ranges {
		if r.ID == id {
			return r, true
		}
	}
	return domain.PartitionKeyRange{}, false
}

// OverlappingRanges returns, in key order and without duplicates, every range
// that intersects at least one of keyRanges. Empty or inverted key ranges
// overlap nothing.
func (m *CollectionRoutingMap) OverlappingRanges(keyRanges []domain.KeyRange) []domain.PartitionKeyRange {
	m.checkSorted()
	hit := make([]bool, len(m.ranges))
	for _, kr := range keyRanges {
		if kr.IsEmpty() {
			continue
		}
		start, _ := slices.BinarySearchFunc(m.ranges, kr.Min, func(r domain.PartitionKeyRange, k domain.EffectivePartitionKey) int {
			if r.MaxExclusive.Compare(k) <= 0 {
				return -1
			}
			return 1
		})
		for i := start; i < len(m.ranges) && m.ranges[i].MinInclusive.Compare(kr.Max) < 0; i++ {
			if m.ranges[i].KeyRange().Overlaps(kr) {
				hit[i] = true
			}
		}
	}

	var out []domain.PartitionKeyRange
	for i, ok := range hit {
		if ok {
			out = append(out, m.ranges[i])
		}
	}
	return out
}

// IsComplete reports whether the ranges cover the whole key space without
// gaps or overlaps.
func (m *CollectionRoutingMap) IsComplete() bool {
	if len(m.ranges) == 0 {
		return false
	}
	if m.ranges[0].MinInclusive != domain.MinimumInclusiveEPK {
		return false
	}
	for i := 1; i < len(m.ranges); i++ {
		if m.ranges[i-1].MaxExclusive != m.ranges[i].MinInclusive {
			return false
		}
	}
	return m.ranges[len(m.ranges)-1].MaxExclusive == domain.MaximumExclusiveEPK
}

func isSorted(ranges []domain.PartitionKeyRange) bool {
	return slices.IsSortedFunc(ranges, func(a, b domain.PartitionKeyRange) int {
		return a.MinInclusive.Compare(b.MinInclusive)
	})
}

// checkSorted panics when debug invariants are on and the ranges are out of
// order.
func (m *CollectionRoutingMap) checkSorted() {
	if debugInvariants && !isSorted(m.ranges) {
		panic(fmt.Sprintf("routing map for %q is not sorted by MinInclusive", m.collectionRID))
	}
}
