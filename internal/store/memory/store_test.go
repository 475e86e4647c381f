package memory

import (
	"context"
	"testing"
	"time"

	"waveminer/internal/domain"
	storepkg "waveminer/internal/store"
)

func drain(s *Store) []storepkg.Notification {
	var out []storepkg.Notification
	for {
		select {
		case n := <-s.Notifications():
			out = append(out, n)
		default:
			return out
		}
	}
}

func resultFor(t *testing.T, notes []storepkg.Notification, commandID string) storepkg.CommandResult {
	t.Helper()
	for _, n := range notes {
		if n.Type == storepkg.NoteCommandResult && n.Result.CommandID == commandID {
			return *n.Result
		}
	}
	t.Fatalf("no result for command %s", commandID)
	return storepkg.CommandResult{}
}

func ofType(notes []storepkg.Notification, typ storepkg.NotificationType) []storepkg.Notification {
	var out []storepkg.Notification
	for _, n := range notes {
		if n.Type == typ {
			out = append(out, n)
		}
	}
	return out
}

func seededStore(counts ...domain.FrequencyCount) *Store {
	s := NewStore(nil, "miner-1")
	var total uint32
	for _, fc := range counts {
		total += fc.Count
	}
	s.AddSource(domain.ResourceSource{
		SourceID:       1,
		Position:       domain.Vec3{X: 10},
		TotalRemaining: total,
		Composition:    counts,
	})
	return s
}

func TestStartSessionReplicatesInsertAndResult(t *testing.T) {
	s := seededStore(domain.FrequencyCount{Frequency: 0, Count: 10})
	id, err := s.StartSession(context.Background(), 1, []domain.FrequencyCount{{Frequency: 0, Count: 1}})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	notes := drain(s)
	if res := resultFor(t, notes, id); !res.Committed {
		t.Fatalf("start not committed: %s", res.Reason)
	}
	inserts := ofType(notes, storepkg.NoteSessionInsert)
	if len(inserts) != 1 {
		t.Fatalf("expected 1 session insert, got %d", len(inserts))
	}
	sess := inserts[0].Session
	if sess.Actor != "miner-1" || sess.SourceID != 1 || !sess.Active {
		t.Fatalf("unexpected session row: %+v", sess)
	}
}

func TestStartSessionRejectsSecondActiveSession(t *testing.T) {
	s := seededStore(domain.FrequencyCount{Frequency: 0, Count: 10})
	ctx := context.Background()
	profile := []domain.FrequencyCount{{Frequency: 0, Count: 1}}
	if _, err := s.StartSession(ctx, 1, profile); err != nil {
		t.Fatalf("first start: %v", err)
	}
	drain(s)

	id, err := s.StartSession(ctx, 1, profile)
	if err != nil {
		t.Fatalf("second start: %v", err)
	}
	res := resultFor(t, drain(s), id)
	if res.Committed {
		t.Fatal("second session for the same actor must be rejected")
	}
	if res.Reason != "session already active for actor" {
		t.Fatalf("unexpected reason: %s", res.Reason)
	}
}

func TestStartSessionUnknownSource(t *testing.T) {
	s := NewStore(nil, "miner-1")
	id, _ := s.StartSession(context.Background(), 99, nil)
	res := resultFor(t, drain(s), id)
	if res.Committed || res.Reason != "source no longer exists" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func startActive(t *testing.T, s *Store) uint64 {
	t.Helper()
	if _, err := s.StartSession(context.Background(), 1, []domain.FrequencyCount{{Frequency: 0, Count: 1}}); err != nil {
		t.Fatalf("start: %v", err)
	}
	inserts := ofType(drain(s), storepkg.NoteSessionInsert)
	if len(inserts) != 1 {
		t.Fatal("session insert missing")
	}
	return inserts[0].Session.SessionID
}

func TestRequestExtractionCreatesRecordAndDecrementsSource(t *testing.T) {
	s := seededStore(domain.FrequencyCount{Frequency: 0, Count: 10})
	sessID := startActive(t, s)

	id, err := s.RequestExtraction(context.Background(), sessID, []domain.ExtractionRequest{{Frequency: 0, Count: 1}})
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	notes := drain(s)
	if res := resultFor(t, notes, id); !res.Committed {
		t.Fatalf("extraction not committed: %s", res.Reason)
	}
	inserts := ofType(notes, storepkg.NoteExtractionInsert)
	if len(inserts) != 1 {
		t.Fatalf("expected 1 extraction insert, got %d", len(inserts))
	}
	rec := inserts[0].Extraction
	if rec.SessionID != sessID || rec.TotalCount != 1 {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.TransitDuration() <= 0 {
		t.Fatal("record must carry a planned transit time")
	}
	updates := ofType(notes, storepkg.NoteSourceUpdate)
	if len(updates) != 1 || updates[0].Source.TotalRemaining != 9 {
		t.Fatalf("source not decremented: %+v", updates)
	}
}

func TestRequestExtractionCooldown(t *testing.T) {
	s := seededStore(domain.FrequencyCount{Frequency: 0, Count: 10})
	s.SetCooldown(time.Hour)
	sessID := startActive(t, s)
	ctx := context.Background()
	reqs := []domain.ExtractionRequest{{Frequency: 0, Count: 1}}

	if _, err := s.RequestExtraction(ctx, sessID, reqs); err != nil {
		t.Fatalf("first extract: %v", err)
	}
	drain(s)
	id, _ := s.RequestExtraction(ctx, sessID, reqs)
	res := resultFor(t, drain(s), id)
	if res.Committed || res.Reason != "extraction cooldown active" {
		t.Fatalf("expected cooldown rejection, got %+v", res)
	}
}

func TestRequestExtractionWrongFrequencyCannotFulfill(t *testing.T) {
	s := seededStore(domain.FrequencyCount{Frequency: 0, Count: 10})
	sessID := startActive(t, s)

	id, _ := s.RequestExtraction(context.Background(), sessID, []domain.ExtractionRequest{{Frequency: 2.094, Count: 1}})
	res := resultFor(t, drain(s), id)
	if res.Committed {
		t.Fatal("extraction of an unoffered frequency must fail")
	}
	if res.Reason != "Cannot fulfill request for frequency 2.094" {
		t.Fatalf("unexpected reason: %s", res.Reason)
	}
}

func TestDepletionDeletesSourceAndClosesSessions(t *testing.T) {
	s := seededStore(domain.FrequencyCount{Frequency: 0, Count: 1})
	sessID := startActive(t, s)

	if _, err := s.RequestExtraction(context.Background(), sessID, []domain.ExtractionRequest{{Frequency: 0, Count: 1}}); err != nil {
		t.Fatalf("extract: %v", err)
	}
	notes := drain(s)
	if got := len(ofType(notes, storepkg.NoteSourceDelete)); got != 1 {
		t.Fatalf("expected source delete on depletion, got %d", got)
	}
	deletes := ofType(notes, storepkg.NoteSessionDelete)
	if len(deletes) != 1 || deletes[0].Session.SessionID != sessID {
		t.Fatalf("feeding session not closed: %+v", deletes)
	}
	// The extracted unit stays in flight despite the source being gone.
	if got := len(ofType(notes, storepkg.NoteExtractionInsert)); got != 1 {
		t.Fatalf("extraction record missing, got %d", got)
	}
}

func TestCaptureUnitAddsToInventory(t *testing.T) {
	s := seededStore(domain.FrequencyCount{Frequency: 0, Count: 10})
	sessID := startActive(t, s)
	ctx := context.Background()

	s.RequestExtraction(ctx, sessID, []domain.ExtractionRequest{{Frequency: 0, Count: 1}})
	notes := drain(s)
	rec := ofType(notes, storepkg.NoteExtractionInsert)[0].Extraction

	id, _ := s.CaptureUnit(ctx, rec.PacketID)
	notes = drain(s)
	if res := resultFor(t, notes, id); !res.Committed {
		t.Fatalf("capture not committed: %s", res.Reason)
	}
	if got := len(ofType(notes, storepkg.NoteExtractionDelete)); got != 1 {
		t.Fatalf("expected extraction delete after capture, got %d", got)
	}
	if s.Inventory().Total() != 1 {
		t.Fatalf("inventory total %d, want 1", s.Inventory().Total())
	}

	// Capture is not idempotent: the record is gone.
	id, _ = s.CaptureUnit(ctx, rec.PacketID)
	res := resultFor(t, drain(s), id)
	if res.Committed || res.Reason != "packet no longer exists" {
		t.Fatalf("expected missing-packet rejection, got %+v", res)
	}
}

func TestCaptureUnitInventoryFull(t *testing.T) {
	s := seededStore(domain.FrequencyCount{Frequency: 0, Count: 10})
	s.SetInventoryCapacity(0)
	sessID := startActive(t, s)
	ctx := context.Background()

	s.RequestExtraction(ctx, sessID, []domain.ExtractionRequest{{Frequency: 0, Count: 1}})
	rec := ofType(drain(s), storepkg.NoteExtractionInsert)[0].Extraction

	id, _ := s.CaptureUnit(ctx, rec.PacketID)
	res := resultFor(t, drain(s), id)
	if res.Committed || res.Reason != "inventory full" {
		t.Fatalf("expected inventory full rejection, got %+v", res)
	}
}

func TestCleanupStaleSessionsClosesActorSessions(t *testing.T) {
	s := seededStore(domain.FrequencyCount{Frequency: 0, Count: 10})
	sessID := startActive(t, s)

	id, err := s.CleanupStaleSessions(context.Background())
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	notes := drain(s)
	if res := resultFor(t, notes, id); !res.Committed {
		t.Fatal("cleanup should commit")
	}
	deletes := ofType(notes, storepkg.NoteSessionDelete)
	if len(deletes) != 1 || deletes[0].Session.SessionID != sessID {
		t.Fatalf("stale session not closed: %+v", deletes)
	}
}

func TestCloseEndsNotificationStream(t *testing.T) {
	s := NewStore(nil, "miner-1")
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, ok := <-s.Notifications(); ok {
		t.Fatal("stream must be closed")
	}
	if _, err := s.StartSession(context.Background(), 1, nil); err == nil {
		t.Fatal("commands after close must fail")
	}
}

func TestExpireRecordReplicatesDelete(t *testing.T) {
	s := seededStore(domain.FrequencyCount{Frequency: 0, Count: 10})
	sessID := startActive(t, s)
	s.RequestExtraction(context.Background(), sessID, []domain.ExtractionRequest{{Frequency: 0, Count: 1}})
	rec := ofType(drain(s), storepkg.NoteExtractionInsert)[0].Extraction

	s.ExpireRecord(rec.PacketID)
	deletes := ofType(drain(s), storepkg.NoteExtractionDelete)
	if len(deletes) != 1 || deletes[0].Extraction.PacketID != rec.PacketID {
		t.Fatalf("expire did not replicate delete: %+v", deletes)
	}
}
