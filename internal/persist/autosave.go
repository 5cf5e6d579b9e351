package persist

import (
	"context"
	"errors"
	"time"

	"github.com/bep/debounce"

	"tablestage/internal/datastore"
)

// AutoSaver commits quietly once edits have stopped for a while.
type AutoSaver struct {
	ctx       context.Context
	engine    *Engine
	debounced func(func())
}

func NewAutoSaver(ctx context.Context, engine *Engine, delay time.Duration) *AutoSaver {
	if delay <= 0 {
		delay = 3 * time.Second
	}
	return &AutoSaver{ctx: ctx, engine: engine, debounced: debounce.New(delay)}
}

// Trigger restarts the delay. Wire it to datastore.Store.OnDirty.
func (a *AutoSaver) Trigger() {
	a.debounced(a.save)
}

func (a *AutoSaver) save() {
	if a.ctx.Err() != nil {
		return
	}
	if !a.engine.store.HasUnsaved() {
		return
	}
	_, err := a.engine.Commit(a.ctx, CommitOptions{SkipNotify: true})
	switch {
	case err == nil:
		a.engine.log.Debug("autosave committed")
	case errors.Is(err, ErrCommitInFlight), errors.Is(err, datastore.ErrNoData):
		a.engine.log.WithError(err).Debug("autosave skipped")
	default:
		a.engine.log.WithError(err).Warn("autosave failed")
	}
}
