package session

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/polybugger/polybugger-mcp/internal/adapters"
	"github.com/polybugger/polybugger-mcp/internal/errors"
	"github.com/polybugger/polybugger-mcp/pkg/types"
)

// sweepInterval is how often the idle sweeper runs.
const sweepInterval = time.Minute

// CreateOptions carries the caller's session settings.
type CreateOptions struct {
	Language    types.Language
	ProjectRoot string
	Name        string
	PythonPath  string
}

// Registry is the process-wide map of session id to session, with
// capacity and idle-timeout enforcement. Mutating operations serialise
// on a single lock; per-session operations do not hold it.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session

	profiles    *adapters.Registry
	maxSessions int
	idleTimeout time.Duration
	log         logr.Logger

	// onChange is installed on every created session.
	onChange func(*Session)
	// onRemove fires when a session leaves the registry.
	onRemove func(id string)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRegistry builds a registry and starts its idle sweeper.
func NewRegistry(profiles *adapters.Registry, maxSessions int, idleTimeout time.Duration, log logr.Logger) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		sessions:    make(map[string]*Session),
		profiles:    profiles,
		maxSessions: maxSessions,
		idleTimeout: idleTimeout,
		log:         log,
		ctx:         ctx,
		cancel:      cancel,
	}
	r.wg.Add(1)
	go r.sweepLoop()
	return r
}

// SetChangeHandler installs the persistence hook applied to new sessions.
func (r *Registry) SetChangeHandler(h func(*Session)) { r.onChange = h }

// SetRemoveHandler installs the removal observer.
func (r *Registry) SetRemoveHandler(h func(id string)) { r.onRemove = h }

// Create adds a new session in CREATED, failing when the registry is at
// capacity or the language is unsupported.
func (r *Registry) Create(opts CreateOptions) (*Session, error) {
	if !opts.Language.Valid() {
		return nil, errors.InvalidArgument("unsupported language %q", opts.Language)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.liveCountLocked() >= r.maxSessions {
		return nil, errors.CapacityExceeded(r.maxSessions)
	}

	id := uuid.New().String()
	s, err := r.buildLocked(id, opts)
	if err != nil {
		return nil, err
	}
	r.sessions[id] = s
	s.notifyChange()
	return s, nil
}

// Recover re-instantiates a persisted session in CREATED with its stored
// breakpoints and watches. Recovery reconstructs intent, never a live
// wire.
func (r *Registry) Recover(id string, opts CreateOptions, breakpoints map[string][]types.SourceBreakpoint, watches []string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[id]; exists {
		return nil, errors.InvalidArgument("session %q is already active", id)
	}
	if r.liveCountLocked() >= r.maxSessions {
		return nil, errors.CapacityExceeded(r.maxSessions)
	}

	s, err := r.buildLocked(id, opts)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	for path, bps := range breakpoints {
		s.breakpoints[path] = append([]types.SourceBreakpoint(nil), bps...)
	}
	s.mu.Unlock()
	s.restoreWatches(watches)

	r.sessions[id] = s
	s.notifyChange()
	return s, nil
}

func (r *Registry) buildLocked(id string, opts CreateOptions) (*Session, error) {
	log := r.log.WithName("session").WithValues("session", id)
	profile, err := r.profiles.Profile(opts.Language, adapters.Options{
		ProjectRoot: opts.ProjectRoot,
		PythonPath:  opts.PythonPath,
		Log:         log,
	})
	if err != nil {
		return nil, err
	}
	s := newSession(id, opts.Language, opts.ProjectRoot, opts.Name, opts.PythonPath, profile, log)
	s.onChange = r.onChange
	return s, nil
}

// Get returns a session by id.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, errors.SessionNotFound(id)
	}
	return s, nil
}

// List returns a snapshot of all sessions.
func (r *Registry) List() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Remove terminates a session and drops it from the registry.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	if !ok {
		return errors.SessionNotFound(id)
	}
	// Terminate outside the registry lock.
	err := s.Terminate()
	if r.onRemove != nil {
		r.onRemove(id)
	}
	return err
}

// Len reports the current session count.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// liveCountLocked counts sessions that still occupy capacity; terminal
// sessions linger only for inspection.
func (r *Registry) liveCountLocked() int {
	n := 0
	for _, s := range r.sessions {
		if !s.State().Terminal() {
			n++
		}
	}
	return n
}

func (r *Registry) sweepLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

// sweep terminates sessions idle past the timeout. Every expired session,
// whatever its state, goes through Remove: it is terminated and dropped.
func (r *Registry) sweep() {
	cutoff := time.Now().Add(-r.idleTimeout)

	r.mu.Lock()
	var expired []*Session
	for _, s := range r.sessions {
		if s.lastActivityTime().Before(cutoff) {
			expired = append(expired, s)
		}
	}
	r.mu.Unlock()

	for _, s := range expired {
		r.log.Info("terminating idle session", "session", s.ID(), "state", s.State())
		if err := r.Remove(s.ID()); err != nil {
			r.log.V(1).Info("idle sweep remove failed", "session", s.ID(), "error", err)
		}
	}
}

// Close terminates every session and stops the sweeper.
func (r *Registry) Close() {
	r.cancel()
	r.wg.Wait()

	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range sessions {
		_ = s.Terminate()
	}
}
