package recovery

import (
	"context"
	"fmt"

	"go.uber.org/multierr"
)

// Handler is a named step run during recovery or shutdown.
type Handler interface {
	Run(ctx context.Context) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context) error

// Run implements Handler.
func (f HandlerFunc) Run(ctx context.Context) error { return f(ctx) }

type namedHandler struct {
	name string
	h    Handler
}

// RegisterCleanupHandler adds a handler run, in registration order, after
// tasks are reconciled during crash recovery.
func (c *Coordinator) RegisterCleanupHandler(name string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleanup = append(c.cleanup, namedHandler{name, h})
	c.log.Debug("cleanup handler registered", "handler", name)
}

// RegisterShutdownHandler adds a handler run, in registration order, during
// Shutdown.
func (c *Coordinator) RegisterShutdownHandler(name string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shutdown = append(c.shutdown, namedHandler{name, h})
	c.log.Debug("shutdown handler registered", "handler", name)
}

// runHandlers runs every handler even when earlier ones fail. The returned
// error aggregates the failures, each prefixed with the handler's name.
func (c *Coordinator) runHandlers(ctx context.Context, kind string, hs []namedHandler) error {
	var errs error
	for _, nh := range hs {
		if err := runOne(ctx, nh.h); err != nil {
			c.log.Error(kind+" handler failed", "handler", nh.name, "error", err)
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", nh.name, err))
			continue
		}
		c.log.Debug(kind+" handler done", "handler", nh.name)
	}
	return errs
}

func runOne(ctx context.Context, h Handler) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return h.Run(ctx)
}

func (c *Coordinator) handlers(shutdown bool) []namedHandler {
	c.mu.Lock()
	defer c.mu.Unlock()
	if shutdown {
		return append([]namedHandler(nil), c.shutdown...)
	}
	return append([]namedHandler(nil), c.cleanup...)
}
