package domain

// Inventory is the actor's frequency-keyed holdings. Capacity is enforced
// per frequency, matching the storage-device capacity model of the remote
// store.
type Inventory struct {
	CapacityPerFrequency uint32           `json:"capacity_per_frequency"`
	Composition          []FrequencyCount `json:"composition"`
}

func NewInventory(capacityPerFrequency uint32) *Inventory {
	return &Inventory{CapacityPerFrequency: capacityPerFrequency}
}

// CountAt returns the held count for a frequency.
func (inv *Inventory) CountAt(freq float64) uint32 {
	for _, fc := range inv.Composition {
		if SameFrequency(fc.Frequency, freq) {
			return fc.Count
		}
	}
	return 0
}

// HasSpareCapacity reports whether at least one frequency of the profile can
// still accept units.
func (inv *Inventory) HasSpareCapacity(profile []FrequencyCount) bool {
	if len(profile) == 0 {
		return false
	}
	for _, fc := range profile {
		if inv.CountAt(fc.Frequency) < inv.CapacityPerFrequency {
			return true
		}
	}
	return false
}

// Add merges a composition into the inventory, clamping each frequency at
// capacity. It returns the number of units actually absorbed.
func (inv *Inventory) Add(composition []FrequencyCount) uint32 {
	var absorbed uint32
	for _, in := range composition {
		if in.Count == 0 {
			continue
		}
		room := inv.CapacityPerFrequency
		idx := -1
		for i, held := range inv.Composition {
			if SameFrequency(held.Frequency, in.Frequency) {
				idx = i
				if held.Count >= inv.CapacityPerFrequency {
					room = 0
				} else {
					room = inv.CapacityPerFrequency - held.Count
				}
				break
			}
		}
		take := in.Count
		if take > room {
			take = room
		}
		if take == 0 {
			continue
		}
		if idx >= 0 {
			inv.Composition[idx].Count += take
		} else {
			fc := in
			fc.Count = take
			inv.Composition = append(inv.Composition, fc)
		}
		absorbed += take
	}
	return absorbed
}

// Total returns the summed count across all frequencies.
func (inv *Inventory) Total() uint32 {
	var total uint32
	for _, fc := range inv.Composition {
		total += fc.Count
	}
	return total
}
