package spatial

import (
	"go.uber.org/zap"

	"waveminer/internal/domain"
	storepkg "waveminer/internal/store"
)

// Index is the identity-to-source map maintained from the replicated
// stream. It also keeps a last-known-position cache that survives source
// deletion: depletion commonly deletes a source while packets extracted from
// it are still in flight, and their origin must stay resolvable.
//
// Index is owned by the single-writer runtime loop and is not safe for
// concurrent use.
type Index struct {
	log       *zap.Logger
	sources   map[uint64]domain.ResourceSource
	positions map[uint64]domain.Vec3
}

func NewIndex(log *zap.Logger) *Index {
	if log == nil {
		log = zap.NewNop()
	}
	return &Index{
		log:       log,
		sources:   make(map[uint64]domain.ResourceSource),
		positions: make(map[uint64]domain.Vec3),
	}
}

// Apply folds a source notification into the index. Non-source notifications
// are ignored.
func (x *Index) Apply(n storepkg.Notification) {
	switch n.Type {
	case storepkg.NoteSourceInsert, storepkg.NoteSourceUpdate:
		if n.Source == nil {
			x.log.Warn("source notification missing payload", zap.String("type", string(n.Type)))
			return
		}
		x.sources[n.Source.SourceID] = *n.Source
		x.positions[n.Source.SourceID] = n.Source.Position
	case storepkg.NoteSourceDelete:
		if n.Source == nil {
			return
		}
		// Position cache entry is kept on purpose.
		delete(x.sources, n.Source.SourceID)
	}
}

// Source returns the live replicated source, if present.
func (x *Index) Source(id uint64) (domain.ResourceSource, bool) {
	s, ok := x.sources[id]
	return s, ok
}

// LastKnownPosition resolves a source position even after the source row was
// deleted.
func (x *Index) LastKnownPosition(id uint64) (domain.Vec3, bool) {
	p, ok := x.positions[id]
	return p, ok
}

// Reset drops all replicated state. Called on disconnect.
func (x *Index) Reset() {
	x.sources = make(map[uint64]domain.ResourceSource)
	x.positions = make(map[uint64]domain.Vec3)
}

func (x *Index) snapshot() []domain.ResourceSource {
	out := make([]domain.ResourceSource, 0, len(x.sources))
	for _, s := range x.sources {
		out = append(out, s)
	}
	return out
}
