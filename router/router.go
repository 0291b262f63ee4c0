// Package router dispatches inbound envelopes to handlers registered by
// message kind. Collaborators (the sync engine, task coordination, UIs)
// subscribe here; the router itself never interprets payloads.
package router

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/BaSui01/agentmesh/protocol"
)

// Handler processes one envelope and may return a reply, which the node
// sends back to the origin peer. Handlers for the same connection run in
// arrival order; handlers for different peers interleave freely.
type Handler func(ctx context.Context, env *protocol.Envelope) (*protocol.Envelope, error)

// Router maps message kinds to their registered handlers.
type Router struct {
	mu       sync.RWMutex
	handlers map[protocol.MessageKind][]Handler
	logger   *zap.Logger
}

// New creates an empty router.
func New(logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		handlers: make(map[protocol.MessageKind][]Handler),
		logger:   logger.With(zap.String("component", "router")),
	}
}

// Register adds a handler for a message kind. Multiple handlers per kind are
// supported; all of them run on dispatch.
func (r *Router) Register(kind protocol.MessageKind, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = append(r.handlers[kind], h)
	r.logger.Debug("handler registered", zap.String("kind", string(kind)))
}

// HasHandler reports whether any handler is registered for kind.
func (r *Router) HasHandler(kind protocol.MessageKind) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers[kind]) > 0
}

// HandlerCount returns the number of handlers registered for kind.
func (r *Router) HandlerCount(kind protocol.MessageKind) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers[kind])
}

// Dispatch runs every handler registered for the envelope's kind and
// collects their replies. An unmatched kind is logged and dropped; a handler
// error is logged and does not stop the remaining handlers.
func (r *Router) Dispatch(ctx context.Context, env *protocol.Envelope) []*protocol.Envelope {
	r.mu.RLock()
	hs := r.handlers[env.Kind]
	r.mu.RUnlock()

	if len(hs) == 0 {
		r.logger.Debug("no handler for message kind, dropping",
			zap.String("kind", string(env.Kind)),
			zap.String("sender", env.Sender.String()))
		return nil
	}

	var replies []*protocol.Envelope
	for _, h := range hs {
		reply, err := h(ctx, env)
		if err != nil {
			r.logger.Warn("handler error",
				zap.String("kind", string(env.Kind)),
				zap.String("envelope_id", env.ID),
				zap.Error(err))
			continue
		}
		if reply != nil {
			replies = append(replies, reply)
		}
	}
	return replies
}
