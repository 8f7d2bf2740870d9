package mcp

import (
	"log/slog"
	"sync"
	"time"
)

// sessionRegistry is the single authoritative map from session identifier to live
// session, and the exclusive owner of session creation and destruction. It is the
// only piece of state shared across concurrently handled requests; everything else
// (event log, tool server instance) belongs to exactly one session.
type sessionRegistry struct {
	logger       *slog.Logger
	serverInfo   Info
	instructions string

	// newToolServer allocates the domain handler a new session executes against.
	// The boolean reports ownership: true for a per-session instance the registry
	// must release on close, false for a process-wide shared handler.
	newToolServer func() (ToolServer, bool)
	generateID    func() string

	mu       sync.RWMutex
	sessions map[string]*serverSession

	closeWaitGroup sync.WaitGroup
}

type registryConfig struct {
	logger        *slog.Logger
	serverInfo    Info
	instructions  string
	newToolServer func() (ToolServer, bool)
	generateID    func() string
}

func newSessionRegistry(cfg registryConfig) *sessionRegistry {
	return &sessionRegistry{
		logger:        cfg.logger,
		serverInfo:    cfg.serverInfo,
		instructions:  cfg.instructions,
		newToolServer: cfg.newToolServer,
		generateID:    cfg.generateID,
		sessions:      make(map[string]*serverSession),
	}
}

// createSession allocates a fresh session with its own event log and domain
// handler, wired back to the registry through the two lifecycle callbacks. The
// session is not in the map yet; it registers itself the moment its handshake
// assigns an identifier. createSession always succeeds.
func (r *sessionRegistry) createSession() *serverSession {
	toolServer, owned := r.newToolServer()

	return newServerSession(sessionConfig{
		logger:         r.logger,
		serverInfo:     r.serverInfo,
		instructions:   r.instructions,
		toolServer:     toolServer,
		ownsToolServer: owned,
		generateID:     r.generateID,
		onBound:        r.register,
		onClosed:       r.closeSession,
	})
}

func (r *sessionRegistry) register(sess *serverSession) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sessions[sess.ID()] = sess
}

// get is a pure lookup with no side effects.
func (r *sessionRegistry) get(sessionID string) (*serverSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sess, ok := r.sessions[sessionID]
	return sess, ok
}

// count reports the number of live sessions.
func (r *sessionRegistry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.sessions)
}

// sessionInfo returns observational metadata for every live session.
func (r *sessionRegistry) sessionInfo() []SessionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]SessionInfo, 0, len(r.sessions))
	for id, sess := range r.sessions {
		infos = append(infos, SessionInfo{
			ID:        id,
			CreatedAt: sess.CreatedAt().Format(time.RFC3339Nano),
		})
	}
	return infos
}

// closeSession removes the session from the map immediately, so concurrent lookups
// observe the removal atomically, then releases the transport binding and the
// domain handler in the background. Both releases are attempted even if one fails;
// a failure is logged, never propagated. Idempotent: closing an absent session is
// a no-op.
func (r *sessionRegistry) closeSession(sessionID string) {
	r.mu.Lock()
	sess, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, sessionID)
	r.mu.Unlock()

	r.closeWaitGroup.Add(1)
	go func() {
		defer r.closeWaitGroup.Done()

		sess.close()

		if err := sess.closeToolServer(); err != nil {
			r.logger.Error("failed to release tool server",
				slog.String("sessionID", sessionID), slog.String("err", err.Error()))
		}
	}()
}

// closeAll closes every live session and waits for the releases to finish. Used at
// process shutdown only. Individual close failures never abort the remaining
// closures; the key set is snapshotted first so in-flight closes mutating the map
// are tolerated.
func (r *sessionRegistry) closeAll() {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		r.closeSession(id)
	}

	r.closeWaitGroup.Wait()
}
