package mining

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"waveminer/internal/domain"
	"waveminer/internal/events"
	"waveminer/internal/service/spatial"
	storepkg "waveminer/internal/store"
)

// Intent is the controller's locally-predicted position in the session
// lifecycle. It is client state only; the store never sees it.
type Intent int

const (
	Idle Intent = iota
	PendingStart
	Active
	Stopping
)

func (i Intent) String() string {
	switch i {
	case PendingStart:
		return "pending_start"
	case Active:
		return "active"
	case Stopping:
		return "stopping"
	default:
		return "idle"
	}
}

// Stop reason classes surfaced to collaborators. Raw failure text never
// leaves the controller.
const (
	StopReasonUser           = "stopped_by_user"
	StopReasonSessionClosed  = "session_closed"
	StopReasonSessionDeleted = "session_deleted"
	StopReasonOutOfRange     = "out_of_range"
	StopReasonDepleted       = "depleted"
	StopReasonInventoryFull  = "inventory_full"
	StopReasonNoAlternatives = "no_alternatives"
	StopReasonStartFailed    = "start_failed"
	StopReasonDisconnected   = "disconnected"
)

// Config carries the controller's protocol timing knobs.
type Config struct {
	ExtractionInterval time.Duration
	RetargetThreshold  int
	RetargetDelay      time.Duration
}

// SessionSink receives the id of every session the local actor comes to
// own. Implemented by the packet lifecycle tracker.
type SessionSink interface {
	TrackSession(sessionID uint64)
}

// restartPlan is a scheduled start command following a retarget stop. The
// countdown runs in Advance.
type restartPlan struct {
	source  domain.ResourceSource
	profile []domain.FrequencyCount
	delay   time.Duration
}

// Controller is the mining session state machine. It reconciles local
// intent against the replicated confirmation stream, enforcing at most one
// owned session at any time.
//
// All methods must be called from the single-writer runtime loop. The
// startPending reentry guard is valid only under that scheduling; a
// multi-threaded host would need a CAS or its own serialization.
type Controller struct {
	log       *zap.Logger
	bus       *events.Bus
	remote    storepkg.RemoteStore
	query     *spatial.Query
	gate      *StartGate
	inventory *domain.Inventory
	builder   *Builder
	retarget  *Retargeter
	sessions  SessionSink
	actor     domain.Identity

	intent         Intent
	startPending   bool
	targetSourceID uint64
	sessionID      uint64
	session        domain.MiningSession
	profile        []domain.FrequencyCount
	miningTimer    time.Duration
	restart        *restartPlan
	lastActorPos   domain.Vec3

	pending         map[string]storepkg.CommandKind
	pendingCaptures map[string]domain.ExtractionRecord
}

func NewController(
	log *zap.Logger,
	bus *events.Bus,
	remote storepkg.RemoteStore,
	query *spatial.Query,
	inventory *domain.Inventory,
	sessions SessionSink,
	actor domain.Identity,
	cfg Config,
) *Controller {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.ExtractionInterval <= 0 {
		cfg.ExtractionInterval = 2 * time.Second
	}
	if cfg.RetargetDelay <= 0 {
		cfg.RetargetDelay = 500 * time.Millisecond
	}
	return &Controller{
		log:             log,
		bus:             bus,
		remote:          remote,
		query:           query,
		gate:            NewStartGate(query, inventory),
		inventory:       inventory,
		builder:         NewBuilder(cfg.ExtractionInterval),
		retarget:        NewRetargeter(log, query, cfg.RetargetThreshold, cfg.RetargetDelay),
		sessions:        sessions,
		actor:           actor,
		pending:         make(map[string]storepkg.CommandKind),
		pendingCaptures: make(map[string]domain.ExtractionRecord),
	}
}

// Bootstrap clears sessions orphaned by a prior crash. Idempotent; invoked
// once at startup.
func (c *Controller) Bootstrap(ctx context.Context) {
	id, err := c.remote.CleanupStaleSessions(ctx)
	if err != nil {
		c.log.Warn("stale session cleanup failed to send", zap.Error(err))
		return
	}
	c.pending[id] = storepkg.CmdCleanupStaleSessions
}

// StartMining issues a start command against the source. A second call
// while a start is outstanding is a no-op; a call while mining returns an
// error. An empty profile defaults to one unit of everything the source
// offers.
func (c *Controller) StartMining(ctx context.Context, actorPos domain.Vec3, source domain.ResourceSource, profile []domain.FrequencyCount) error {
	if c.startPending {
		c.log.Debug("start already outstanding", zap.Uint64("source_id", c.targetSourceID))
		return nil
	}
	if c.intent != Idle {
		return fmt.Errorf("cannot start mining while %s", c.intent)
	}
	if len(profile) == 0 {
		profile = defaultProfile(source)
	}
	if decision := c.gate.Evaluate(GateInput{ActorPos: actorPos, Source: source, Profile: profile}); !decision.Allowed {
		return fmt.Errorf("start mining denied: %s", decision.DenyReason)
	}
	id, err := c.remote.StartSession(ctx, source.SourceID, profile)
	if err != nil {
		return fmt.Errorf("start session command: %w", err)
	}
	c.pending[id] = storepkg.CmdStartSession
	c.intent = PendingStart
	c.startPending = true
	c.targetSourceID = source.SourceID
	c.profile = profile
	c.log.Info("start command issued",
		zap.Uint64("source_id", source.SourceID),
		zap.Int("profile_frequencies", len(profile)))
	return nil
}

// StopMining issues the stop command and resets locally without waiting for
// confirmation; the stop result is best-effort logging only.
func (c *Controller) StopMining(ctx context.Context) {
	c.stopAndReset(ctx, StopReasonUser)
}

// Advance is the cooperative scheduler tick: dt is host-supplied elapsed
// time, actorPos is the actor's live position.
func (c *Controller) Advance(ctx context.Context, dt time.Duration, actorPos domain.Vec3) {
	c.lastActorPos = actorPos
	c.advanceRestart(ctx, dt)
	if c.intent != Active {
		return
	}
	c.miningTimer += dt

	if src, ok := c.query.Source(c.targetSourceID); ok && !c.query.InRange(actorPos, src.Position) {
		c.log.Info("target source left range", zap.Uint64("source_id", c.targetSourceID))
		c.stopAndReset(ctx, StopReasonOutOfRange)
		return
	}

	if !c.builder.Tick(dt) {
		return
	}
	requests := BuildRequests(c.session.Profile)
	if len(requests) == 0 {
		// Session record missing or empty locally; the pulse timer has
		// already reset, next pulse retries.
		c.log.Warn("no extraction requests built", zap.Uint64("session_id", c.sessionID))
		return
	}
	id, err := c.remote.RequestExtraction(ctx, c.sessionID, requests)
	if err != nil {
		c.log.Warn("extraction command failed to send", zap.Error(err))
		return
	}
	c.pending[id] = storepkg.CmdRequestExtraction
}

// Apply folds one replicated notification into the state machine.
// Notifications for other actors or unknown commands are ignored.
func (c *Controller) Apply(ctx context.Context, n storepkg.Notification) {
	switch n.Type {
	case storepkg.NoteSessionInsert:
		if n.Session != nil {
			c.onSessionInsert(*n.Session)
		}
	case storepkg.NoteSessionUpdate:
		if n.Session != nil {
			c.onSessionUpdate(*n.Session)
		}
	case storepkg.NoteSessionDelete:
		if n.Session != nil {
			c.onSessionDelete(*n.Session)
		}
	case storepkg.NoteExtractionInsert:
		if n.Extraction != nil {
			c.onExtractionInsert(*n.Extraction)
		}
	case storepkg.NoteCommandResult:
		if n.Result != nil {
			c.onCommandResult(ctx, *n.Result)
		}
	}
}

// onSessionInsert is the PendingStart -> Active confirmation path. Inserts
// for other actors or other sources must not activate us: in a multiplayer
// store every session lands on this stream.
func (c *Controller) onSessionInsert(s domain.MiningSession) {
	if c.intent != PendingStart {
		return
	}
	if s.Actor != c.actor || s.SourceID != c.targetSourceID {
		return
	}
	c.sessionID = s.SessionID
	c.session = s
	c.profile = s.Profile
	c.intent = Active
	c.startPending = false
	c.miningTimer = 0
	c.builder.Reset()
	c.retarget.Reset()
	if c.sessions != nil {
		c.sessions.TrackSession(s.SessionID)
	}
	c.publishState(true)
	c.log.Info("session confirmed",
		zap.Uint64("session_id", s.SessionID),
		zap.Uint64("source_id", s.SourceID))
}

func (c *Controller) onSessionUpdate(s domain.MiningSession) {
	if s.SessionID == 0 || s.SessionID != c.sessionID {
		return
	}
	c.session = s
	if s.Active || c.intent != Active {
		return
	}
	// The store stopped accepting new extractions. Units already in flight
	// stay tracked; only the local session ends.
	c.log.Info("session deactivated by store", zap.Uint64("session_id", s.SessionID))
	c.resetLocal(StopReasonSessionClosed)
}

func (c *Controller) onSessionDelete(s domain.MiningSession) {
	if s.SessionID == 0 || s.SessionID != c.sessionID {
		return
	}
	c.log.Info("session deleted by store", zap.Uint64("session_id", s.SessionID))
	c.resetLocal(StopReasonSessionDeleted)
}

func (c *Controller) onExtractionInsert(rec domain.ExtractionRecord) {
	if rec.SessionID == 0 || rec.SessionID != c.sessionID {
		return
	}
	c.retarget.Reset()
	if c.bus != nil && len(rec.Composition) > 0 {
		c.bus.Publish(events.Event{Topic: events.TopicUnitExtracted, Payload: events.UnitExtracted{
			FirstSample: rec.Composition[0],
		}})
	}
}

func (c *Controller) onCommandResult(ctx context.Context, r storepkg.CommandResult) {
	kind, ours := c.pending[r.CommandID]
	if !ours {
		return
	}
	delete(c.pending, r.CommandID)

	switch kind {
	case storepkg.CmdStartSession:
		if !r.Committed {
			c.log.Warn("start command failed", zap.String("reason", r.Reason))
			if c.intent == PendingStart {
				c.resetLocal(StopReasonStartFailed)
			}
			c.startPending = false
		}
	case storepkg.CmdRequestExtraction:
		if r.Committed {
			c.retarget.Reset()
			return
		}
		c.onExtractionFailure(ctx, r.Reason)
	case storepkg.CmdCaptureUnit:
		rec, known := c.pendingCaptures[r.CommandID]
		delete(c.pendingCaptures, r.CommandID)
		if r.Committed {
			if known {
				c.inventory.Add(rec.Composition)
			}
			return
		}
		if ClassifyCaptureFailure(r.Reason) == FailureInventoryFull {
			c.log.Warn("inventory full, stopping mining")
			c.stopAndReset(ctx, StopReasonInventoryFull)
			return
		}
		c.log.Warn("capture failed", zap.String("reason", r.Reason))
	case storepkg.CmdStopSession:
		if !r.Committed {
			c.log.Debug("stop command rejected", zap.String("reason", r.Reason))
		}
	case storepkg.CmdCleanupStaleSessions:
		c.log.Debug("stale session cleanup acknowledged", zap.Bool("committed", r.Committed))
	}
}

func (c *Controller) onExtractionFailure(ctx context.Context, reason string) {
	switch ClassifyExtractionFailure(reason) {
	case FailureCooldown:
		// Steady-state; next pulse retries.
	case FailureDepleted:
		c.log.Info("source depleted or gone", zap.String("reason", reason))
		c.stopAndReset(ctx, StopReasonDepleted)
	case FailureCannotFulfill:
		if c.retarget.OnCannotFulfill() {
			c.performRetarget(ctx)
		}
	default:
		c.log.Warn("unclassified extraction failure", zap.String("reason", reason))
	}
}

// performRetarget runs the stop -> fixed delay -> start sequence. Starting a
// second same-actor session before the first is torn down is a race the
// store does not arbitrate; the delay mitigates it.
func (c *Controller) performRetarget(ctx context.Context) {
	if c.intent != Active {
		return
	}
	pos := c.lastActorPos
	alt, found := c.retarget.FindAlternative(pos, c.session.Profile, c.targetSourceID)
	if !found {
		c.log.Info("no alternative source in range")
		if c.bus != nil {
			c.bus.Publish(events.Event{Topic: events.TopicRetargetFailed, Payload: events.RetargetFailed{
				Reason: "no compatible source in range",
			}})
		}
		c.stopAndReset(ctx, StopReasonNoAlternatives)
		return
	}
	profile := append([]domain.FrequencyCount(nil), c.session.Profile...)
	c.issueStop(ctx)
	c.resetSessionFields()
	c.intent = Stopping
	c.restart = &restartPlan{source: alt, profile: profile, delay: c.retarget.SwitchDelay()}
	c.publishState(false)
	c.log.Info("retargeting",
		zap.Uint64("new_source_id", alt.SourceID),
		zap.Duration("delay", c.retarget.SwitchDelay()))
}

func (c *Controller) advanceRestart(ctx context.Context, dt time.Duration) {
	if c.restart == nil {
		return
	}
	c.restart.delay -= dt
	if c.restart.delay > 0 {
		return
	}
	plan := c.restart
	c.restart = nil
	c.intent = Idle
	id, err := c.remote.StartSession(ctx, plan.source.SourceID, plan.profile)
	if err != nil {
		c.log.Warn("retarget start command failed to send", zap.Error(err))
		// Mining is over at this point; collaborators must hear about
		// it like on every other stop path.
		if c.bus != nil {
			c.bus.Publish(events.Event{Topic: events.TopicMiningStopped, Payload: events.MiningStopped{
				ReasonClass: StopReasonStartFailed,
			}})
		}
		return
	}
	c.pending[id] = storepkg.CmdStartSession
	c.intent = PendingStart
	c.startPending = true
	c.targetSourceID = plan.source.SourceID
	c.profile = plan.profile
	c.retarget.Reset()
	c.log.Info("retarget start issued", zap.Uint64("source_id", plan.source.SourceID))
}

// ExpectCapture registers an outstanding capture command so its result can
// be classified and, on commit, merged into the inventory. Called by the
// packet lifecycle tracker.
func (c *Controller) ExpectCapture(commandID string, rec domain.ExtractionRecord) {
	c.pending[commandID] = storepkg.CmdCaptureUnit
	c.pendingCaptures[commandID] = rec
}

// ObservePosition records the actor's live position for decisions taken
// outside Advance, such as retarget source selection.
func (c *Controller) ObservePosition(pos domain.Vec3) {
	c.lastActorPos = pos
}

// Reset drops all local state. Called on disconnect; in-flight commands are
// forgotten, their late results will not match any pending id.
func (c *Controller) Reset() {
	c.resetLocal(StopReasonDisconnected)
	c.restart = nil
	c.startPending = false
	c.pending = make(map[string]storepkg.CommandKind)
	c.pendingCaptures = make(map[string]domain.ExtractionRecord)
}

// stopAndReset issues the stop command for the owned session, then resets
// locally without awaiting confirmation.
func (c *Controller) stopAndReset(ctx context.Context, reasonClass string) {
	c.issueStop(ctx)
	c.resetLocal(reasonClass)
}

func (c *Controller) issueStop(ctx context.Context) {
	if c.sessionID == 0 {
		return
	}
	id, err := c.remote.StopSession(ctx, c.sessionID)
	if err != nil {
		c.log.Warn("stop command failed to send", zap.Error(err))
		return
	}
	c.pending[id] = storepkg.CmdStopSession
}

func (c *Controller) resetLocal(reasonClass string) {
	wasActive := c.intent == Active
	wasBusy := c.intent != Idle
	c.resetSessionFields()
	c.intent = Idle
	c.startPending = false
	if wasActive {
		c.publishState(false)
	}
	if wasBusy && c.bus != nil {
		c.bus.Publish(events.Event{Topic: events.TopicMiningStopped, Payload: events.MiningStopped{
			ReasonClass: reasonClass,
		}})
	}
}

func (c *Controller) resetSessionFields() {
	c.sessionID = 0
	c.session = domain.MiningSession{}
	c.targetSourceID = 0
	c.profile = nil
	c.miningTimer = 0
	c.builder.Reset()
	c.retarget.Reset()
}

func (c *Controller) publishState(active bool) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(events.Event{Topic: events.TopicMiningState, Payload: events.MiningStateChanged{
		Active:   active,
		SourceID: c.targetSourceID,
	}})
}

// Status is a snapshot of controller state for diagnostics.
type Status struct {
	Intent            string        `json:"intent"`
	SessionID         uint64        `json:"session_id"`
	TargetSourceID    uint64        `json:"target_source_id"`
	FailedExtractions int           `json:"failed_extractions"`
	MiningFor         time.Duration `json:"mining_for"`
}

func (c *Controller) Status() Status {
	return Status{
		Intent:            c.intent.String(),
		SessionID:         c.sessionID,
		TargetSourceID:    c.targetSourceID,
		FailedExtractions: c.retarget.Failures(),
		MiningFor:         c.miningTimer,
	}
}

// Intent exposes the current state for tests and diagnostics.
func (c *Controller) CurrentIntent() Intent {
	return c.intent
}

// SessionID returns the owned session id, zero when none.
func (c *Controller) SessionID() uint64 {
	return c.sessionID
}

func defaultProfile(source domain.ResourceSource) []domain.FrequencyCount {
	out := make([]domain.FrequencyCount, 0, len(source.Composition))
	for _, fc := range source.Composition {
		if fc.Count == 0 {
			continue
		}
		out = append(out, domain.FrequencyCount{
			Frequency: fc.Frequency,
			Amplitude: fc.Amplitude,
			Phase:     fc.Phase,
			Count:     1,
		})
	}
	return out
}
