package domain

import (
	"math"
	"time"
)

// Identity is the store-issued identity of the local actor. Session and
// packet ownership is scoped by it.
type Identity string

type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

func (v Vec3) Sub(o Vec3) Vec3 {
	return Vec3{X: v.X - o.X, Y: v.Y - o.Y, Z: v.Z - o.Z}
}

func (v Vec3) Magnitude() float64 {
	return math.Sqrt(v.X*v.X + v.Y*v.Y + v.Z*v.Z)
}

func (v Vec3) DistanceTo(o Vec3) float64 {
	return v.Sub(o).Magnitude()
}

type WorldCoords struct {
	X int `json:"x"`
	Y int `json:"y"`
	Z int `json:"z"`
}

// FrequencyCount is one frequency-keyed quantity in a composition or
// consumption profile.
type FrequencyCount struct {
	Frequency float64 `json:"frequency"`
	Amplitude float64 `json:"amplitude"`
	Phase     float64 `json:"phase"`
	Count     uint32  `json:"count"`
}

// FreqKey collapses a frequency to centi-unit resolution. Two frequencies
// are considered the same when their keys match; exact float equality is
// never used because replicated values accumulate drift.
func FreqKey(f float64) int {
	return int(math.Round(f * 100.0))
}

func SameFrequency(a, b float64) bool {
	return FreqKey(a) == FreqKey(b)
}

// BandName maps a frequency to its display band.
func BandName(f float64) string {
	switch {
	case f < 0.15:
		return "Deep Red"
	case f < 0.3:
		return "Red"
	case f < 0.45:
		return "Orange"
	case f < 0.6:
		return "Yellow"
	case f < 0.75:
		return "Green"
	case f < 0.9:
		return "Blue"
	default:
		return "Violet"
	}
}

// MiningSession mirrors the store-owned session record. The store assigns
// SessionID; a zero SessionID means "no session".
type MiningSession struct {
	SessionID uint64           `json:"session_id"`
	Actor     Identity         `json:"actor_identity"`
	SourceID  uint64           `json:"source_id"`
	Profile   []FrequencyCount `json:"consumption_profile"`
	Active    bool             `json:"is_active"`
}

// ExtractionRequest is the per-frequency slice of a profile sent on one
// extraction pulse.
type ExtractionRequest struct {
	Frequency float64 `json:"frequency"`
	Count     uint32  `json:"count"`
}

// ExtractionRecord is one in-flight extracted unit, created by the store and
// removed by it on capture or timeout.
type ExtractionRecord struct {
	PacketID        uint64           `json:"packet_id"`
	SessionID       uint64           `json:"session_id"`
	SourceID        uint64           `json:"source_id"`
	SourceType      string           `json:"source_type"`
	Composition     []FrequencyCount `json:"composition"`
	TotalCount      uint32           `json:"total_count"`
	DepartureTime   time.Time        `json:"departure_time"`
	ExpectedArrival time.Time        `json:"expected_arrival"`
}

// TransitDuration is the flight time the store planned for this unit.
func (r ExtractionRecord) TransitDuration() time.Duration {
	d := r.ExpectedArrival.Sub(r.DepartureTime)
	if d < 0 {
		return 0
	}
	return d
}

// ResourceSource is a read-only replicated extraction target.
// TotalRemaining == 0 means depleted.
type ResourceSource struct {
	SourceID       uint64           `json:"source_id"`
	Position       Vec3             `json:"position"`
	World          WorldCoords      `json:"world_coords"`
	TotalRemaining uint32           `json:"total_remaining"`
	Composition    []FrequencyCount `json:"composition"`
}

func (s ResourceSource) Depleted() bool {
	return s.TotalRemaining == 0
}

// OffersFrequency reports whether the source composition carries the given
// frequency with at least one unit remaining.
func (s ResourceSource) OffersFrequency(freq float64) bool {
	for _, fc := range s.Composition {
		if fc.Count > 0 && SameFrequency(fc.Frequency, freq) {
			return true
		}
	}
	return false
}

// OffersAnyOf reports whether the source can serve at least one frequency of
// the profile.
func (s ResourceSource) OffersAnyOf(profile []FrequencyCount) bool {
	for _, fc := range profile {
		if s.OffersFrequency(fc.Frequency) {
			return true
		}
	}
	return false
}
