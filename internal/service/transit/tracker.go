package transit

import (
	"context"
	"time"

	"go.uber.org/zap"

	"waveminer/internal/domain"
	"waveminer/internal/events"
	storepkg "waveminer/internal/store"
)

// Unit is the pooled transient handle standing in for a packet's visual
// representation. The core only cares about its identity.
type Unit struct {
	ID int
}

// PositionResolver resolves a source's last-known position, surviving the
// source's deletion.
type PositionResolver interface {
	LastKnownPosition(sourceID uint64) (domain.Vec3, bool)
}

// CaptureSink learns about outstanding capture commands so their results
// can be classified. Implemented by the session controller.
type CaptureSink interface {
	ExpectCapture(commandID string, rec domain.ExtractionRecord)
}

type marker struct {
	record    domain.ExtractionRecord
	origin    domain.Vec3
	remaining time.Duration
	unit      *Unit
}

// Tracker follows in-flight extracted units by packet id from stream insert
// to arrival or stream delete, whichever comes first. Arrival issues the
// capture command; both teardown paths release the pooled unit exactly once.
//
// Owned by the single-writer loop; not safe for concurrent use.
type Tracker struct {
	log       *zap.Logger
	bus       *events.Bus
	remote    storepkg.RemoteStore
	positions PositionResolver
	pool      *Pool[*Unit]

	captures CaptureSink

	owned   map[uint64]struct{}
	markers map[uint64]*marker
}

// SetCaptureSink wires the controller in after construction; the
// controller and tracker reference each other through narrow interfaces.
func (t *Tracker) SetCaptureSink(s CaptureSink) {
	t.captures = s
}

func NewTracker(log *zap.Logger, bus *events.Bus, remote storepkg.RemoteStore, positions PositionResolver, poolSize int) *Tracker {
	if log == nil {
		log = zap.NewNop()
	}
	nextUnit := 0
	return &Tracker{
		log:       log,
		bus:       bus,
		remote:    remote,
		positions: positions,
		pool: NewPool(poolSize, func() *Unit {
			nextUnit++
			return &Unit{ID: nextUnit}
		}),
		owned:   make(map[uint64]struct{}),
		markers: make(map[uint64]*marker),
	}
}

// TrackSession marks a session id as owned by the local actor. Extraction
// records for unowned sessions are other actors' packets and are ignored.
// Ownership is never revoked: packets extracted under a session that has
// since ended must still reach arrival.
func (t *Tracker) TrackSession(sessionID uint64) {
	if sessionID == 0 {
		return
	}
	t.owned[sessionID] = struct{}{}
}

// Apply folds an extraction-record notification into the tracker.
func (t *Tracker) Apply(n storepkg.Notification) {
	switch n.Type {
	case storepkg.NoteExtractionInsert:
		if n.Extraction != nil {
			t.onInsert(*n.Extraction)
		}
	case storepkg.NoteExtractionDelete:
		if n.Extraction != nil {
			t.onDelete(n.Extraction.PacketID)
		}
	}
}

func (t *Tracker) onInsert(rec domain.ExtractionRecord) {
	if _, ok := t.owned[rec.SessionID]; !ok {
		return
	}
	if _, dup := t.markers[rec.PacketID]; dup {
		t.log.Warn("duplicate extraction insert", zap.Uint64("packet_id", rec.PacketID))
		return
	}
	origin, ok := t.positions.LastKnownPosition(rec.SourceID)
	if !ok {
		t.log.Warn("no cached position for source, using zero origin",
			zap.Uint64("source_id", rec.SourceID),
			zap.Uint64("packet_id", rec.PacketID))
	}
	m := &marker{
		record:    rec,
		origin:    origin,
		remaining: rec.TransitDuration(),
	}
	if unit, ok := t.pool.Acquire(); ok {
		m.unit = unit
	} else {
		// Pool exhausted: the packet still needs capture bookkeeping, it just
		// has no visual handle.
		t.log.Warn("unit pool exhausted", zap.Uint64("packet_id", rec.PacketID))
	}
	t.markers[rec.PacketID] = m
	if t.bus != nil {
		t.bus.Publish(events.Event{Topic: events.TopicPacketDeparted, Payload: events.PacketDeparted{
			PacketID: rec.PacketID,
			SourceID: rec.SourceID,
			Origin:   origin,
		}})
	}
}

// onDelete handles the store removing the record, either because our capture
// was acknowledged or the unit timed out. It may race our own arrival
// handling; dropping the marker first makes the release path idempotent.
func (t *Tracker) onDelete(packetID uint64) {
	m, ok := t.markers[packetID]
	if !ok {
		return
	}
	delete(t.markers, packetID)
	t.release(m)
}

// Advance moves arrival countdowns forward. When a countdown completes the
// tracker issues the capture command and releases the unit; the store's own
// delete notification will then find nothing left to clean up.
func (t *Tracker) Advance(ctx context.Context, dt time.Duration) {
	for id, m := range t.markers {
		m.remaining -= dt
		if m.remaining > 0 {
			continue
		}
		delete(t.markers, id)
		cmdID, err := t.remote.CaptureUnit(ctx, id)
		if err != nil {
			t.log.Warn("capture command failed to send", zap.Uint64("packet_id", id), zap.Error(err))
		} else if t.captures != nil {
			t.captures.ExpectCapture(cmdID, m.record)
		}
		if t.bus != nil {
			t.bus.Publish(events.Event{Topic: events.TopicPacketArrived, Payload: events.PacketArrived{
				PacketID: id,
				Origin:   m.origin,
			}})
		}
		t.release(m)
	}
}

func (t *Tracker) release(m *marker) {
	if m.unit != nil {
		t.pool.Release(m.unit)
		m.unit = nil
	}
}

// InFlight returns the number of tracked packets.
func (t *Tracker) InFlight() int {
	return len(t.markers)
}

// UnitsInUse returns how many pooled units are currently held.
func (t *Tracker) UnitsInUse() int {
	return t.pool.InUse()
}

// Reset drops all tracking state on disconnect, releasing every unit.
func (t *Tracker) Reset() {
	for id, m := range t.markers {
		delete(t.markers, id)
		t.release(m)
	}
	t.owned = make(map[uint64]struct{})
}
