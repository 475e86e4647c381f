package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"waveminer/internal/domain"
	"waveminer/internal/journal"
	"waveminer/internal/service/mining"
	"waveminer/internal/service/spatial"
	"waveminer/internal/service/transit"
	storepkg "waveminer/internal/store"
)

// ErrDisconnected reports that the notification stream closed underneath
// the loop. All local protocol state has been reset by then.
var ErrDisconnected = errors.New("notification stream disconnected")

// Loop is the cooperative scheduler: a single goroutine owns every mutation
// of the controller, tracker and index. Timers advance on ticks,
// notifications apply as they arrive, and external callers submit closures
// through Do so their reads and intents serialize with everything else.
type Loop struct {
	log     *zap.Logger
	remote  storepkg.RemoteStore
	ctrl    *mining.Controller
	tracker *transit.Tracker
	index   *spatial.Index
	jour    journal.Journal
	tick    time.Duration

	pos  domain.Vec3
	ops  chan func()
	done chan struct{}
}

func NewLoop(
	log *zap.Logger,
	remote storepkg.RemoteStore,
	ctrl *mining.Controller,
	tracker *transit.Tracker,
	index *spatial.Index,
	jour journal.Journal,
	tick time.Duration,
) *Loop {
	if log == nil {
		log = zap.NewNop()
	}
	if tick <= 0 {
		tick = 100 * time.Millisecond
	}
	return &Loop{
		log:     log,
		remote:  remote,
		ctrl:    ctrl,
		tracker: tracker,
		index:   index,
		jour:    jour,
		tick:    tick,
		ops:     make(chan func()),
		done:    make(chan struct{}),
	}
}

// Run drives the loop until the context ends or the stream disconnects.
func (l *Loop) Run(ctx context.Context) error {
	defer close(l.done)

	l.ctrl.Bootstrap(ctx)
	l.journal("loop_started", nil)

	ticker := time.NewTicker(l.tick)
	defer ticker.Stop()
	last := time.Now()

	for {
		select {
		case <-ctx.Done():
			l.journal("loop_stopped", nil)
			return nil
		case n, ok := <-l.remote.Notifications():
			if !ok {
				l.log.Warn("stream closed, resetting local state")
				l.ctrl.Reset()
				l.tracker.Reset()
				l.index.Reset()
				l.journal("disconnected", nil)
				return ErrDisconnected
			}
			l.apply(ctx, n)
		case now := <-ticker.C:
			dt := now.Sub(last)
			last = now
			l.ctrl.Advance(ctx, dt, l.pos)
			l.tracker.Advance(ctx, dt)
		case fn := <-l.ops:
			fn()
		}
	}
}

func (l *Loop) apply(ctx context.Context, n storepkg.Notification) {
	l.journal("notification", map[string]any{"type": string(n.Type)})
	l.index.Apply(n)
	l.ctrl.Apply(ctx, n)
	l.tracker.Apply(n)
}

// Do runs fn on the loop goroutine and waits for it. It fails when the
// loop has stopped or the context ends first.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	ran := make(chan struct{})
	wrapped := func() {
		fn()
		close(ran)
	}
	select {
	case l.ops <- wrapped:
	case <-l.done:
		return errors.New("loop not running")
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ran:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetPosition updates the actor's live position.
func (l *Loop) SetPosition(ctx context.Context, pos domain.Vec3) error {
	return l.Do(ctx, func() {
		l.pos = pos
		l.ctrl.ObservePosition(pos)
	})
}

// StartMining resolves a source by id and submits the start intent.
func (l *Loop) StartMining(ctx context.Context, sourceID uint64, profile []domain.FrequencyCount) error {
	var err error
	doErr := l.Do(ctx, func() {
		src, ok := l.index.Source(sourceID)
		if !ok {
			err = fmt.Errorf("source %d unknown", sourceID)
			return
		}
		err = l.ctrl.StartMining(ctx, l.pos, src, profile)
		l.journal("start_intent", map[string]any{"source_id": sourceID})
	})
	if doErr != nil {
		return doErr
	}
	return err
}

// StopMining submits the stop intent.
func (l *Loop) StopMining(ctx context.Context) error {
	return l.Do(ctx, func() {
		l.ctrl.StopMining(ctx)
		l.journal("stop_intent", nil)
	})
}

// Status is an aggregate snapshot for diagnostics.
type Status struct {
	Controller mining.Status `json:"controller"`
	InFlight   int           `json:"in_flight_packets"`
	UnitsInUse int           `json:"units_in_use"`
	Position   domain.Vec3   `json:"position"`
}

func (l *Loop) Status(ctx context.Context) (Status, error) {
	var st Status
	err := l.Do(ctx, func() {
		st = Status{
			Controller: l.ctrl.Status(),
			InFlight:   l.tracker.InFlight(),
			UnitsInUse: l.tracker.UnitsInUse(),
			Position:   l.pos,
		}
	})
	return st, err
}

func (l *Loop) journal(kind string, detail map[string]any) {
	if l.jour != nil {
		l.jour.Append(kind, detail)
	}
}
