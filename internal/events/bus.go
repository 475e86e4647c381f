package events

import (
	"sync"

	"waveminer/internal/domain"
)

// Topic identifies one notification stream emitted by the mining core and
// consumed by external collaborators (rendering, audio, UI, alerting).
type Topic string

const (
	TopicMiningState    Topic = "mining.state"
	TopicMiningStopped  Topic = "mining.stopped"
	TopicUnitExtracted  Topic = "unit.extracted"
	TopicPacketDeparted Topic = "packet.departed"
	TopicPacketArrived  Topic = "packet.arrived"
	TopicRetargetFailed Topic = "retarget.failed"
)

type MiningStateChanged struct {
	Active   bool
	SourceID uint64
}

// MiningStopped carries the generic reason class surfaced to the UI; raw
// failure text stays inside the controller.
type MiningStopped struct {
	ReasonClass string
}

// UnitExtracted is the legacy single-sample convenience signal.
type UnitExtracted struct {
	FirstSample domain.FrequencyCount
}

type PacketDeparted struct {
	PacketID uint64
	SourceID uint64
	Origin   domain.Vec3
}

type PacketArrived struct {
	PacketID uint64
	Origin   domain.Vec3
}

type RetargetFailed struct {
	Reason string
}

type Event struct {
	Topic   Topic
	Payload any
}

type handler struct {
	id int
	fn func(Event)
}

// Bus is a synchronous typed-topic publish/subscribe fan-out. Publish runs
// handlers inline on the caller's goroutine, so the single-writer loop keeps
// ordering guarantees for its observers. Close detaches every subscriber;
// subscription lifetime never outlives the bus owner.
type Bus struct {
	mu     sync.Mutex
	nextID int
	subs   map[Topic][]handler
	closed bool
}

func NewBus() *Bus {
	return &Bus{subs: make(map[Topic][]handler)}
}

// Subscribe registers fn for a topic and returns a cancel func. Cancel is
// idempotent.
func (b *Bus) Subscribe(topic Topic, fn func(Event)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return func() {}
	}
	b.nextID++
	id := b.nextID
	b.subs[topic] = append(b.subs[topic], handler{id: id, fn: fn})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		hs := b.subs[topic]
		for i, h := range hs {
			if h.id == id {
				b.subs[topic] = append(hs[:i:i], hs[i+1:]...)
				return
			}
		}
	}
}

func (b *Bus) Publish(evt Event) {
	b.mu.Lock()
	hs := append([]handler(nil), b.subs[evt.Topic]...)
	b.mu.Unlock()
	for _, h := range hs {
		h.fn(evt)
	}
}

// Close drops all subscriptions. Publishing after Close is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = make(map[Topic][]handler)
}
