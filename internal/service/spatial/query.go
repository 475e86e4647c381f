package spatial

import "waveminer/internal/domain"

// Query answers nearest-source questions against the live index. Distance
// and range checks always use the caller-supplied actor position at call
// time.
type Query struct {
	index    *Index
	maxRange float64
}

func NewQuery(index *Index, maxRange float64) *Query {
	return &Query{index: index, maxRange: maxRange}
}

func (q *Query) MaxRange() float64 {
	return q.maxRange
}

// Source exposes the live replicated source by id.
func (q *Query) Source(id uint64) (domain.ResourceSource, bool) {
	return q.index.Source(id)
}

// InRange reports whether a position is within mining range of the actor.
func (q *Query) InRange(from, target domain.Vec3) bool {
	return from.DistanceTo(target) <= q.maxRange
}

// FindNearest returns the closest non-depleted source within range,
// excluding the ids in exclude.
func (q *Query) FindNearest(from domain.Vec3, exclude ...uint64) (domain.ResourceSource, bool) {
	return q.nearest(from, nil, exclude)
}

// FindCompatible returns the closest non-depleted in-range source whose
// composition overlaps the profile within frequency tolerance.
func (q *Query) FindCompatible(from domain.Vec3, profile []domain.FrequencyCount, exclude ...uint64) (domain.ResourceSource, bool) {
	return q.nearest(from, profile, exclude)
}

func (q *Query) nearest(from domain.Vec3, profile []domain.FrequencyCount, exclude []uint64) (domain.ResourceSource, bool) {
	var (
		best     domain.ResourceSource
		bestDist float64
		found    bool
	)
	for _, src := range q.index.snapshot() {
		if src.Depleted() {
			continue
		}
		if excluded(src.SourceID, exclude) {
			continue
		}
		if profile != nil && !src.OffersAnyOf(profile) {
			continue
		}
		dist := from.DistanceTo(src.Position)
		if dist > q.maxRange {
			continue
		}
		if !found || dist < bestDist {
			best = src
			bestDist = dist
			found = true
		}
	}
	return best, found
}

func excluded(id uint64, exclude []uint64) bool {
	for _, e := range exclude {
		if e == id {
			return true
		}
	}
	return false
}
