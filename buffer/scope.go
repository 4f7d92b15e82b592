package buffer

import (
	"go.uber.org/zap"

	"github.com/nmxmxh/nativebuf/internal/arena"
)

// Scope is a Transient allocation region. Transient buffers are served from
// the innermost open scope, and popping a scope reclaims them all at once.
type Scope struct {
	a       *Allocator
	depth   int
	mark    arena.Mark
	records []*record
	popped  bool
}

// PushScope opens a new innermost scope. Callers usually defer its Pop.
func (a *Allocator) PushScope() *Scope {
	s := &Scope{
		a:     a,
		depth: len(a.scopes),
		mark:  a.scopeArena.Mark(),
	}
	a.scopes = append(a.scopes, s)
	return s
}

// Pop closes the scope, and every scope nested in it that is still open, and
// invalidates all Transient buffers allocated in them. Popping twice is a
// no-op.
func (s *Scope) Pop() {
	if s.popped {
		return
	}
	a := s.a

	reclaimed := 0
	for i := len(a.scopes) - 1; i >= s.depth; i-- {
		inner := a.scopes[i]
		reclaimed += a.reclaim(inner.records)
		inner.records = nil
		inner.popped = true
		a.metrics.reset(Transient)
	}
	clear(a.scopes[s.depth:])
	a.scopes = a.scopes[:s.depth]
	a.scopeArena.Rewind(s.mark)

	a.logger.Debug("scope popped", zap.Int("depth", s.depth), zap.Int("reclaimed", reclaimed))
}

// Depth returns the nesting depth of the scope, 0 for the outermost.
func (s *Scope) Depth() int { return s.depth }

// Popped reports whether the scope was closed.
func (s *Scope) Popped() bool { return s.popped }

// WithScope runs fn inside a fresh scope and pops it on every exit path,
// including panics.
func (a *Allocator) WithScope(fn func(*Scope) error) error {
	s := a.PushScope()
	defer s.Pop()
	return fn(s)
}

// ScopeDepth returns the number of open scopes.
func (a *Allocator) ScopeDepth() int { return len(a.scopes) }

// EndFrame invalidates every FrameTemp buffer and recycles the frame arena.
func (a *Allocator) EndFrame() {
	reclaimed := a.reclaim(a.frame)
	clear(a.frame)
	a.frame = a.frame[:0]
	a.frameArena.Reset()
	a.metrics.reset(FrameTemp)

	a.logger.Debug("frame ended", zap.Int("reclaimed", reclaimed))
}
