package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"waveminer/internal/domain"
	storepkg "waveminer/internal/store"
)

var ErrClosed = errors.New("store closed")

// Store is an in-process model of the authoritative remote session store.
// It implements the full observable contract — replicated inserts, updates,
// deletes and asynchronous command results — which makes it both the test
// double for the protocol core and the backend for offline runs.
//
// Commands are processed synchronously under the lock but their effects are
// only observable through the notification channel, same as the real store.
type Store struct {
	mu     sync.Mutex
	log    *zap.Logger
	actor  domain.Identity
	notes  chan storepkg.Notification
	closed bool

	nextSessionID uint64
	nextPacketID  uint64

	sessions       map[uint64]domain.MiningSession
	sources        map[uint64]domain.ResourceSource
	records        map[uint64]domain.ExtractionRecord
	lastExtraction map[uint64]time.Time

	cooldown    time.Duration
	transitTime time.Duration
	inventory   *domain.Inventory

	now func() time.Time
}

func NewStore(log *zap.Logger, actor domain.Identity) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{
		log:            log,
		actor:          actor,
		notes:          make(chan storepkg.Notification, 256),
		sessions:       make(map[uint64]domain.MiningSession),
		sources:        make(map[uint64]domain.ResourceSource),
		records:        make(map[uint64]domain.ExtractionRecord),
		lastExtraction: make(map[uint64]time.Time),
		transitTime:    3 * time.Second,
		inventory:      domain.NewInventory(1000),
		now:            time.Now,
	}
}

// SetTransitTime overrides the planned flight time of extracted units.
func (s *Store) SetTransitTime(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transitTime = d
}

// SetCooldown sets the minimum interval between extractions per session.
func (s *Store) SetCooldown(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cooldown = d
}

// SetInventoryCapacity sets the per-frequency capacity of the actor's
// server-side inventory.
func (s *Store) SetInventoryCapacity(capacity uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inventory = domain.NewInventory(capacity)
}

// AddSource seeds a resource source and replicates the insert.
func (s *Store) AddSource(src domain.ResourceSource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sources[src.SourceID] = src
	s.emit(storepkg.Notification{Type: storepkg.NoteSourceInsert, Source: &src})
}

// RemoveSource deletes a source and replicates the delete.
func (s *Store) RemoveSource(sourceID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.sources[sourceID]
	if !ok {
		return
	}
	delete(s.sources, sourceID)
	s.emit(storepkg.Notification{Type: storepkg.NoteSourceDelete, Source: &src})
}

// Inventory returns the server-side inventory, for assertions.
func (s *Store) Inventory() *domain.Inventory {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inventory
}

func (s *Store) StartSession(_ context.Context, sourceID uint64, profile []domain.FrequencyCount) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrClosed
	}
	id := uuid.NewString()

	for _, sess := range s.sessions {
		if sess.Actor == s.actor && sess.Active {
			s.result(id, storepkg.CmdStartSession, false, "session already active for actor")
			return id, nil
		}
	}
	src, ok := s.sources[sourceID]
	if !ok {
		s.result(id, storepkg.CmdStartSession, false, "source no longer exists")
		return id, nil
	}
	if src.Depleted() {
		s.result(id, storepkg.CmdStartSession, false, "source depleted")
		return id, nil
	}

	s.nextSessionID++
	sess := domain.MiningSession{
		SessionID: s.nextSessionID,
		Actor:     s.actor,
		SourceID:  sourceID,
		Profile:   append([]domain.FrequencyCount(nil), profile...),
		Active:    true,
	}
	s.sessions[sess.SessionID] = sess
	s.emit(storepkg.Notification{Type: storepkg.NoteSessionInsert, Session: &sess})
	s.result(id, storepkg.CmdStartSession, true, "")
	return id, nil
}

func (s *Store) StopSession(_ context.Context, sessionID uint64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrClosed
	}
	id := uuid.NewString()

	sess, ok := s.sessions[sessionID]
	if !ok {
		s.result(id, storepkg.CmdStopSession, false, "session not found")
		return id, nil
	}
	s.closeSession(sess)
	s.result(id, storepkg.CmdStopSession, true, "")
	return id, nil
}

func (s *Store) RequestExtraction(_ context.Context, sessionID uint64, requests []domain.ExtractionRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrClosed
	}
	id := uuid.NewString()

	sess, ok := s.sessions[sessionID]
	if !ok || !sess.Active {
		s.result(id, storepkg.CmdRequestExtraction, false, "session no longer exists")
		return id, nil
	}
	if s.cooldown > 0 {
		if last, seen := s.lastExtraction[sessionID]; seen && s.now().Sub(last) < s.cooldown {
			s.result(id, storepkg.CmdRequestExtraction, false, "extraction cooldown active")
			return id, nil
		}
	}
	src, ok := s.sources[sess.SourceID]
	if !ok {
		s.result(id, storepkg.CmdRequestExtraction, false, "source no longer exists")
		return id, nil
	}
	if src.Depleted() {
		s.result(id, storepkg.CmdRequestExtraction, false, "source depleted")
		return id, nil
	}

	composition := make([]domain.FrequencyCount, 0, len(requests))
	for _, req := range requests {
		idx := -1
		for i, fc := range src.Composition {
			if domain.SameFrequency(fc.Frequency, req.Frequency) && fc.Count >= req.Count {
				idx = i
				break
			}
		}
		if idx < 0 {
			s.result(id, storepkg.CmdRequestExtraction, false,
				fmt.Sprintf("Cannot fulfill request for frequency %.3f", req.Frequency))
			return id, nil
		}
		fc := src.Composition[idx]
		fc.Count = req.Count
		composition = append(composition, fc)
	}

	var total uint32
	for _, fc := range composition {
		for i := range src.Composition {
			if domain.SameFrequency(src.Composition[i].Frequency, fc.Frequency) {
				src.Composition[i].Count -= fc.Count
			}
		}
		if src.TotalRemaining >= fc.Count {
			src.TotalRemaining -= fc.Count
		} else {
			src.TotalRemaining = 0
		}
		total += fc.Count
	}

	now := s.now()
	s.nextPacketID++
	rec := domain.ExtractionRecord{
		PacketID:        s.nextPacketID,
		SessionID:       sessionID,
		SourceID:        src.SourceID,
		SourceType:      "orb",
		Composition:     composition,
		TotalCount:      total,
		DepartureTime:   now,
		ExpectedArrival: now.Add(s.transitTime),
	}
	s.records[rec.PacketID] = rec
	s.lastExtraction[sessionID] = now

	if src.Depleted() {
		// Depletion deletes the source and closes every session feeding from
		// it, while extracted units stay in flight.
		delete(s.sources, src.SourceID)
		s.emit(storepkg.Notification{Type: storepkg.NoteSourceDelete, Source: &src})
		for _, other := range s.sessions {
			if other.SourceID == src.SourceID {
				s.closeSession(other)
			}
		}
	} else {
		s.sources[src.SourceID] = src
		s.emit(storepkg.Notification{Type: storepkg.NoteSourceUpdate, Source: &src})
	}

	s.emit(storepkg.Notification{Type: storepkg.NoteExtractionInsert, Extraction: &rec})
	s.result(id, storepkg.CmdRequestExtraction, true, "")
	return id, nil
}

func (s *Store) CaptureUnit(_ context.Context, packetID uint64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrClosed
	}
	id := uuid.NewString()

	rec, ok := s.records[packetID]
	if !ok {
		s.result(id, storepkg.CmdCaptureUnit, false, "packet no longer exists")
		return id, nil
	}
	if !s.inventory.HasSpareCapacity(rec.Composition) {
		s.result(id, storepkg.CmdCaptureUnit, false, "inventory full")
		return id, nil
	}
	s.inventory.Add(rec.Composition)
	delete(s.records, packetID)
	s.emit(storepkg.Notification{Type: storepkg.NoteExtractionDelete, Extraction: &rec})
	s.result(id, storepkg.CmdCaptureUnit, true, "")
	return id, nil
}

func (s *Store) CleanupStaleSessions(_ context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrClosed
	}
	id := uuid.NewString()
	for _, sess := range s.sessions {
		if sess.Actor == s.actor {
			s.closeSession(sess)
		}
	}
	s.result(id, storepkg.CmdCleanupStaleSessions, true, "")
	return id, nil
}

func (s *Store) Notifications() <-chan storepkg.Notification {
	return s.notes
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.notes)
	return nil
}

// ExpireRecord simulates the store garbage-collecting an uncaptured unit.
func (s *Store) ExpireRecord(packetID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[packetID]
	if !ok {
		return
	}
	delete(s.records, packetID)
	s.emit(storepkg.Notification{Type: storepkg.NoteExtractionDelete, Extraction: &rec})
}

func (s *Store) closeSession(sess domain.MiningSession) {
	sess.Active = false
	s.sessions[sess.SessionID] = sess
	s.emit(storepkg.Notification{Type: storepkg.NoteSessionUpdate, Session: &sess})
	delete(s.sessions, sess.SessionID)
	delete(s.lastExtraction, sess.SessionID)
	s.emit(storepkg.Notification{Type: storepkg.NoteSessionDelete, Session: &sess})
}

func (s *Store) result(commandID string, kind storepkg.CommandKind, committed bool, reason string) {
	s.emit(storepkg.Notification{Type: storepkg.NoteCommandResult, Result: &storepkg.CommandResult{
		CommandID: commandID,
		Kind:      kind,
		Committed: committed,
		Reason:    reason,
	}})
}

func (s *Store) emit(n storepkg.Notification) {
	if s.closed {
		return
	}
	select {
	case s.notes <- n:
	default:
		s.log.Warn("notification dropped, stream backlog full", zap.String("type", string(n.Type)))
	}
}
