package mining

import (
	"testing"
	"time"

	"waveminer/internal/domain"
	"waveminer/internal/service/spatial"
	storepkg "waveminer/internal/store"
)

func TestRetargeterThreshold(t *testing.T) {
	r := NewRetargeter(nil, nil, 3, 500*time.Millisecond)
	if r.OnCannotFulfill() || r.OnCannotFulfill() {
		t.Fatal("threshold fired before 3 failures")
	}
	if !r.OnCannotFulfill() {
		t.Fatal("threshold did not fire at 3 failures")
	}
	// Firing clears the counter: the next run starts from zero.
	if r.Failures() != 0 {
		t.Fatalf("counter not cleared after firing, got %d", r.Failures())
	}
	if r.OnCannotFulfill() {
		t.Fatal("fired again without a full new run")
	}
}

func TestRetargeterResetMidRun(t *testing.T) {
	r := NewRetargeter(nil, nil, 3, 500*time.Millisecond)
	r.OnCannotFulfill()
	r.OnCannotFulfill()
	r.Reset()
	if r.OnCannotFulfill() {
		t.Fatal("fired after reset with a single failure")
	}
}

func TestFindAlternativeExcludesCurrentSource(t *testing.T) {
	index := spatial.NewIndex(nil)
	for _, src := range []domain.ResourceSource{
		{SourceID: 1, Position: domain.Vec3{X: 5}, TotalRemaining: 10,
			Composition: []domain.FrequencyCount{{Frequency: 0, Count: 10}}},
		{SourceID: 2, Position: domain.Vec3{X: 12}, TotalRemaining: 10,
			Composition: []domain.FrequencyCount{{Frequency: 0, Count: 10}}},
		{SourceID: 3, Position: domain.Vec3{X: 8}, TotalRemaining: 10,
			Composition: []domain.FrequencyCount{{Frequency: 2.094, Count: 10}}},
	} {
		src := src
		index.Apply(storepkg.Notification{Type: storepkg.NoteSourceInsert, Source: &src})
	}
	r := NewRetargeter(nil, spatial.NewQuery(index, 30), 3, 500*time.Millisecond)
	profile := []domain.FrequencyCount{{Frequency: 0, Count: 1}}

	alt, ok := r.FindAlternative(domain.Vec3{}, profile, 1)
	if !ok {
		t.Fatal("expected an alternative")
	}
	// Source 3 is nearer but offers the wrong frequency; source 1 is current.
	if alt.SourceID != 2 {
		t.Fatalf("expected source 2, got %d", alt.SourceID)
	}
}
