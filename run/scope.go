package run

import "context"

// ctxKey is the context key for the current run slot.
type ctxKey struct{}

// WithCurrent returns a context carrying rc as the current run. The slot is
// call-scoped: it travels with the context, never with the process, so
// concurrent runs cannot observe each other's aggregate.
func WithCurrent(ctx context.Context, rc *Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, rc)
}

// Current returns the run installed in ctx. A run whose scope has been
// released is no longer returned, even if the caller kept the derived
// context alive.
func Current(ctx context.Context) (*Context, bool) {
	rc, ok := ctx.Value(ctxKey{}).(*Context)
	if !ok || rc.released() {
		return nil, false
	}
	return rc, true
}

// Scope installs rc as the current run and returns the derived context plus
// a release function. Callers must release on every exit path; defer makes
// that guaranteed-cleanup rather than caller discipline:
//
//	ctx, release := rc.Scope(ctx)
//	defer release()
//
// Release is idempotent. After release, Current no longer resolves this run.
func (c *Context) Scope(ctx context.Context) (context.Context, func()) {
	c.mu.Lock()
	c.scopeReleased = false
	c.mu.Unlock()

	return WithCurrent(ctx, c), func() {
		c.mu.Lock()
		c.scopeReleased = true
		c.mu.Unlock()
	}
}

// released reports whether the run's scope has been released.
func (c *Context) released() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scopeReleased
}
