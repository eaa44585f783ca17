package changelog

import (
	"context"
	"time"

	"github.com/openmined/scmmirror/internal/catalog"
	"github.com/openmined/scmmirror/internal/checkpoint"
	"github.com/openmined/scmmirror/internal/clock"
)

// Builder creates change entries from remote and checkpoint records.
type Builder struct {
	actors *ActorCache
	clock  clock.Clock
}

// NewBuilder uses actors for name resolution; a nil cache reports raw ids.
func NewBuilder(actors *ActorCache, clk clock.Clock) *Builder {
	if actors == nil {
		actors = NewActorCache(nil)
	}
	return &Builder{actors: actors, clock: clock.OrReal(clk)}
}

func (b *Builder) FromRemote(ctx context.Context, rec *catalog.RemoteFileRecord, kind Kind) *Entry {
	return &Entry{
		Path:      rec.Path,
		Revision:  rec.Revision,
		Timestamp: rec.Timestamp(),
		Actor:     b.actors.Resolve(ctx, rec.Actor),
		Message:   rec.Message,
		Kind:      kind,
	}
}

// Removed describes a checkpointed file that no longer exists remotely.
// There is no remote record to attribute it to, so the actor is unknown.
func (b *Builder) Removed(rec checkpoint.Record) *Entry {
	return &Entry{
		Path:      rec.Path,
		Revision:  rec.Revision,
		Timestamp: b.clock.Now(),
		Actor:     UnknownActor,
		Message:   RemovedMessage,
		Kind:      KindRemoved,
	}
}

// Dirty describes a local file that was never part of the remote catalog and is being deleted.
func (b *Builder) Dirty(path string, modTime time.Time) *Entry {
	return &Entry{
		Path:      path,
		Timestamp: modTime,
		Actor:     UnknownActor,
		Message:   DirtyMessage,
		Kind:      KindDirty,
	}
}
