package engine

import (
	"context"
	"sync"

	"github.com/NodePath81/fbspeed/internal/util"
)

// emitter serializes updates for one run. Once the run context is done no
// further callback starts.
type emitter struct {
	mu     sync.Mutex
	ctx    context.Context
	fn     UpdateFunc
	runID  string
	engine *Engine
	logger util.Logger
}

// emit reports whether u was recorded. It is false once the run is cancelled.
func (em *emitter) emit(u Update) bool {
	em.mu.Lock()
	defer em.mu.Unlock()
	if em.ctx.Err() != nil {
		return false
	}
	u.RunID = em.runID
	em.engine.setSession(u)
	if em.fn == nil {
		return true
	}
	defer func() {
		if r := recover(); r != nil {
			em.logger.Error("update callback panicked", "phase", u.Phase, "panic", r)
		}
	}()
	em.fn(u)
	return true
}

func (em *emitter) progress(phase Phase) func(progress, value float64) {
	return func(progress, value float64) {
		em.emit(Update{Phase: phase, Progress: progress, CurrentSpeed: value})
	}
}
